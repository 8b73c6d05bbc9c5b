// Configuration file loading for torrc-style files.
package config

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// LoadFromFile loads configuration from a torrc-style file.
// It parses the file line by line and updates the provided config.
// Lines starting with # are treated as comments and ignored.
// Each configuration line follows the format: Key Value
func LoadFromFile(path string, cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config cannot be nil")
	}

	if err := validatePath(path); err != nil {
		return fmt.Errorf("path validation failed: %w", err)
	}

	file, err := os.Open(path) // #nosec G304 - path is validated by validatePath
	if err != nil {
		return fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())

		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.Fields(line)
		if len(parts) < 1 {
			continue
		}

		key := parts[0]
		value := ""
		if len(parts) > 1 {
			value = strings.Join(parts[1:], " ")
		}

		if err := processConfigOption(cfg, key, value); err != nil {
			return fmt.Errorf("line %d: %w", lineNum, err)
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("error reading config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	return nil
}

// processConfigOption processes a single configuration option
func processConfigOption(cfg *Config, key, value string) error {
	switch key {
	case "ProxyPort":
		port, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid ProxyPort value: %s", value)
		}
		cfg.ProxyPort = port

	case "BaseSocksPort":
		port, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid BaseSocksPort value: %s", value)
		}
		cfg.BaseSocksPort = port

	case "BaseControlPort":
		port, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid BaseControlPort value: %s", value)
		}
		cfg.BaseControlPort = port

	case "Instances":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid Instances value: %s", value)
		}
		cfg.Instances = n

	case "WorkDir":
		cfg.WorkDir = value

	case "BootTimeMax":
		d, err := parseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid BootTimeMax: %w", err)
		}
		cfg.BootTimeMax = d

	case "ErrorsMax":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid ErrorsMax value: %s", value)
		}
		cfg.ErrorsMax = n

	case "ConnTimeAvgMax":
		d, err := parseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid ConnTimeAvgMax: %w", err)
		}
		cfg.ConnTimeAvgMax = d

	case "GraceTime":
		d, err := parseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid GraceTime: %w", err)
		}
		cfg.GraceTime = d

	case "SocketsMax":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid SocketsMax value: %s", value)
		}
		cfg.SocketsMax = n

	case "ResurrectionsMax":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid ResurrectionsMax value: %s", value)
		}
		cfg.ResurrectionsMax = n

	case "TorBinary":
		cfg.TorBinary = value

	case "LogLevel":
		cfg.LogLevel = value

	case "MetricsPort":
		port, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid MetricsPort value: %s", value)
		}
		cfg.MetricsPort = port
		cfg.EnableMetrics = port > 0

	default:
		return fmt.Errorf("unknown configuration option: %s", key)
	}

	return nil
}

// parseDuration parses a duration value, accepting both Go duration strings
// ("2s", "1m30s") and bare numbers interpreted as seconds ("2", "0.5").
func parseDuration(value string) (time.Duration, error) {
	if d, err := time.ParseDuration(value); err == nil {
		return d, nil
	}
	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	return 0, fmt.Errorf("cannot parse duration: %s", value)
}

// validatePath rejects paths that escape upward through the filesystem.
func validatePath(path string) error {
	if path == "" {
		return fmt.Errorf("path cannot be empty")
	}
	clean := filepath.Clean(path)
	if strings.Contains(clean, "..") {
		return fmt.Errorf("path must not contain '..': %s", path)
	}
	return nil
}
