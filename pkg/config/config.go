// Package config provides configuration management for the circuit swarm proxy.
package config

import (
	"fmt"
	"time"

	"github.com/opd-ai/torswarm/pkg/circuit"
)

// StatsWindow is the number of per-dialer samples each circuit retains.
const StatsWindow = 200

// Config represents the swarm proxy configuration
type Config struct {
	// Network settings
	ProxyPort       int    // HTTP proxy listen port (default: 8080)
	BaseSocksPort   int    // SOCKS port of the first circuit (default: 19050)
	BaseControlPort int    // Control port of the first circuit (default: 18118)
	Instances       int    // Number of circuits in the swarm (default: 2)
	WorkDir         string // Root directory for circuit data dirs ("" = temp dir)

	// Circuit tuning
	BootTimeMax      time.Duration // Max time for a child to reach readiness (default: 90s)
	ErrorsMax        int           // Errors in the stats window before restart (default: 10)
	ConnTimeAvgMax   time.Duration // Average dialer time before restart (default: 2s)
	GraceTime        time.Duration // Min connected age before health restarts (default: 30s)
	SocketsMax       int           // Dialers per circuit lifetime, 0 = unlimited (default: 0)
	ResurrectionsMax int           // Unexpected exits before termination (default: 3)

	// Child process
	TorBinary string // Executable to spawn (default: "tor")

	// Logging
	LogLevel string // CRITICAL, ERROR, WARN, INFO or DEBUG (default: INFO)

	// Monitoring and observability
	MetricsPort   int  // HTTP metrics server port (default: 0 = disabled)
	EnableMetrics bool // Enable HTTP metrics endpoint (default: false)
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		ProxyPort:        8080,
		BaseSocksPort:    19050,
		BaseControlPort:  18118,
		Instances:        2,
		WorkDir:          "",
		BootTimeMax:      90 * time.Second,
		ErrorsMax:        10,
		ConnTimeAvgMax:   2 * time.Second,
		GraceTime:        30 * time.Second,
		SocketsMax:       0,
		ResurrectionsMax: 3,
		TorBinary:        "tor",
		LogLevel:         "INFO",
		MetricsPort:      0,
		EnableMetrics:    false,
	}
}

// CircuitOptions maps the configuration onto the per-circuit tuning set.
func (c *Config) CircuitOptions() circuit.Options {
	return circuit.Options{
		BootTimeMax:      c.BootTimeMax,
		ErrorsMax:        c.ErrorsMax,
		ConnTimeAvgMax:   c.ConnTimeAvgMax,
		GraceTime:        c.GraceTime,
		SocketsMax:       c.SocketsMax,
		ResurrectionsMax: c.ResurrectionsMax,
		StatsWindow:      StatsWindow,
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.ProxyPort < 1 || c.ProxyPort > 65535 {
		return fmt.Errorf("invalid ProxyPort: %d", c.ProxyPort)
	}
	if c.Instances < 1 {
		return fmt.Errorf("invalid Instances: %d", c.Instances)
	}
	if c.BaseSocksPort < 1 || c.BaseSocksPort+c.Instances-1 > 65535 {
		return fmt.Errorf("invalid socks port range: %d-%d", c.BaseSocksPort, c.BaseSocksPort+c.Instances-1)
	}
	if c.BaseControlPort < 1 || c.BaseControlPort+c.Instances-1 > 65535 {
		return fmt.Errorf("invalid control port range: %d-%d", c.BaseControlPort, c.BaseControlPort+c.Instances-1)
	}
	if c.MetricsPort < 0 || c.MetricsPort > 65535 {
		return fmt.Errorf("invalid MetricsPort: %d", c.MetricsPort)
	}
	if c.EnableMetrics && c.MetricsPort == 0 {
		return fmt.Errorf("EnableMetrics requires a non-zero MetricsPort")
	}
	if c.BootTimeMax <= 0 {
		return fmt.Errorf("BootTimeMax must be positive: %v", c.BootTimeMax)
	}
	if c.ErrorsMax < 0 {
		return fmt.Errorf("ErrorsMax cannot be negative: %d", c.ErrorsMax)
	}
	if c.ConnTimeAvgMax < 0 {
		return fmt.Errorf("ConnTimeAvgMax cannot be negative: %v", c.ConnTimeAvgMax)
	}
	if c.GraceTime < 0 {
		return fmt.Errorf("GraceTime cannot be negative: %v", c.GraceTime)
	}
	if c.SocketsMax < 0 {
		return fmt.Errorf("SocketsMax cannot be negative: %d", c.SocketsMax)
	}
	if c.ResurrectionsMax < 0 {
		return fmt.Errorf("ResurrectionsMax cannot be negative: %d", c.ResurrectionsMax)
	}
	if c.TorBinary == "" {
		return fmt.Errorf("TorBinary cannot be empty")
	}

	// Check for port conflicts across everything the process binds.
	usedPorts := make(map[int]string)
	claim := func(port int, name string) error {
		if owner, exists := usedPorts[port]; exists {
			return fmt.Errorf("port conflict: %s and %s both use port %d", owner, name, port)
		}
		usedPorts[port] = name
		return nil
	}

	if err := claim(c.ProxyPort, "ProxyPort"); err != nil {
		return err
	}
	if c.EnableMetrics && c.MetricsPort > 0 {
		if err := claim(c.MetricsPort, "MetricsPort"); err != nil {
			return err
		}
	}
	for i := 0; i < c.Instances; i++ {
		if err := claim(c.BaseSocksPort+i, fmt.Sprintf("SocksPort[%d]", i)); err != nil {
			return err
		}
		if err := claim(c.BaseControlPort+i, fmt.Sprintf("ControlPort[%d]", i)); err != nil {
			return err
		}
	}

	return nil
}
