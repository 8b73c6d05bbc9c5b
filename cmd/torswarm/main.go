// Package main provides the torswarm executable: an HTTP proxy that routes
// requests through a swarm of supervised Tor circuits.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/opd-ai/torswarm/pkg/autoconfig"
	"github.com/opd-ai/torswarm/pkg/circuit"
	"github.com/opd-ai/torswarm/pkg/config"
	"github.com/opd-ai/torswarm/pkg/health"
	"github.com/opd-ai/torswarm/pkg/httpmetrics"
	"github.com/opd-ai/torswarm/pkg/logger"
	"github.com/opd-ai/torswarm/pkg/metrics"
	"github.com/opd-ai/torswarm/pkg/process"
	"github.com/opd-ai/torswarm/pkg/proxy"
	"github.com/opd-ai/torswarm/pkg/swarm"
)

var (
	version   = "0.1.0-dev"
	buildTime = "unknown"
)

func main() {
	app := &cli.App{
		Name:    "torswarm",
		Usage:   "HTTP proxy that routes requests through a swarm of Tor circuits",
		Version: fmt.Sprintf("%s (built %s)", version, buildTime),
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Value:   8080,
				Usage:   "proxy server listening port",
			},
			&cli.IntFlag{
				Name:    "base-socks-port",
				Aliases: []string{"s"},
				Value:   19050,
				Usage:   "base socks port for the Tor processes",
			},
			&cli.IntFlag{
				Name:    "base-control-port",
				Aliases: []string{"c"},
				Value:   18118,
				Usage:   "base control port for the Tor processes",
			},
			&cli.IntFlag{
				Name:    "instances",
				Aliases: []string{"n"},
				Value:   2,
				Usage:   "number of Tor processes to launch",
			},
			&cli.StringFlag{
				Name:    "work-dir",
				Aliases: []string{"d"},
				Usage:   "working directory (a temp dir is created and removed when absent)",
			},
			&cli.IntFlag{
				Name:    "max-use",
				Aliases: []string{"m"},
				Usage:   "max number of requests before replacing Tor processes",
			},
			&cli.Float64Flag{
				Name:    "max-conn-time",
				Aliases: []string{"t"},
				Value:   2.0,
				Usage:   "average connection time in seconds before replacing Tor processes",
			},
			&cli.StringFlag{
				Name:    "loglevel",
				Aliases: []string{"l"},
				Value:   "INFO",
				Usage:   "display messages above this log level (CRITICAL, ERROR, WARN, INFO, DEBUG)",
			},
			&cli.StringFlag{
				Name:  "config",
				Usage: "path to a configuration file",
			},
			&cli.IntFlag{
				Name:  "metrics-port",
				Usage: "HTTP metrics/health port (0 disables the endpoint)",
			},
			&cli.StringFlag{
				Name:  "tor-binary",
				Value: "tor",
				Usage: "tor executable to spawn",
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "torswarm: %v\n", err)
		os.Exit(1)
	}
}

// buildConfig merges the config file (when given) and flag overrides.
func buildConfig(c *cli.Context) (*config.Config, error) {
	cfg := config.DefaultConfig()

	if path := c.String("config"); path != "" {
		if err := config.LoadFromFile(path, cfg); err != nil {
			return nil, err
		}
	}

	if c.IsSet("port") {
		cfg.ProxyPort = c.Int("port")
	}
	if c.IsSet("base-socks-port") {
		cfg.BaseSocksPort = c.Int("base-socks-port")
	}
	if c.IsSet("base-control-port") {
		cfg.BaseControlPort = c.Int("base-control-port")
	}
	if c.IsSet("instances") {
		cfg.Instances = c.Int("instances")
	}
	if c.IsSet("work-dir") {
		cfg.WorkDir = c.String("work-dir")
	}
	if c.IsSet("max-use") {
		cfg.SocketsMax = c.Int("max-use")
	}
	if c.IsSet("max-conn-time") {
		cfg.ConnTimeAvgMax = time.Duration(c.Float64("max-conn-time") * float64(time.Second))
	}
	if c.IsSet("loglevel") {
		cfg.LogLevel = c.String("loglevel")
	}
	if c.IsSet("metrics-port") {
		cfg.MetricsPort = c.Int("metrics-port")
		cfg.EnableMetrics = cfg.MetricsPort > 0
	}
	if c.IsSet("tor-binary") {
		cfg.TorBinary = c.String("tor-binary")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func run(c *cli.Context) error {
	cfg, err := buildConfig(c)
	if err != nil {
		return err
	}

	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	log := logger.New(level, os.Stdout)

	// Without an explicit work dir the circuit data lives in a temp dir
	// that disappears with the process.
	workDir := cfg.WorkDir
	removeWorkDir := false
	if workDir == "" {
		workDir, err = os.MkdirTemp("", "torswarm-")
		if err != nil {
			return fmt.Errorf("creating temp work dir: %w", err)
		}
		removeWorkDir = true
	} else if err := autoconfig.EnsureDataDir(workDir); err != nil {
		return err
	}
	defer func() {
		if removeWorkDir {
			os.RemoveAll(workDir)
		}
	}()

	log.Info("starting torswarm",
		"version", version,
		"proxy_port", cfg.ProxyPort,
		"instances", cfg.Instances,
		"work_dir", workDir)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mets := metrics.New()
	sw := swarm.New(cfg.BaseSocksPort, cfg.BaseControlPort, workDir, cfg.CircuitOptions(), process.NewExecStarter(cfg.TorBinary), log, mets)

	if _, err := sw.Start(cfg.Instances); err != nil {
		return err
	}
	defer sw.Stop()

	log.Debug("waiting for at least one connected circuit")
	if err := sw.WaitReady(ctx); err != nil {
		if ctx.Err() != nil {
			log.Warn("interrupted before any circuit connected")
			return fmt.Errorf("interrupted")
		}
		log.Critical("no alive circuit left, bailing out")
		return err
	}

	monitor := health.NewMonitor()
	monitor.RegisterChecker(health.NewSwarmChecker(func() health.SwarmStats {
		return swarmStats(sw)
	}))

	var metricsServer *httpmetrics.Server
	if cfg.EnableMetrics {
		metricsServer = httpmetrics.NewServer(fmt.Sprintf("127.0.0.1:%d", cfg.MetricsPort), mets, monitor, log)
		if err := metricsServer.Start(); err != nil {
			return err
		}
		defer metricsServer.Stop()
	}

	proxyServer := proxy.NewServer(sw, log, mets)
	if err := proxyServer.Start(fmt.Sprintf(":%d", cfg.ProxyPort)); err != nil {
		return err
	}
	defer proxyServer.Stop()
	log.Info("proxy server started", "port", cfg.ProxyPort)

	// Serve until interrupted or the swarm burns out completely.
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Warn("interrupted, stopping server")
			return fmt.Errorf("interrupted")
		case <-ticker.C:
			if stats := swarmStats(sw); stats.Terminated >= stats.Instances {
				log.Critical("no alive circuit left, bailing out")
				return fmt.Errorf("swarm exhausted")
			}
		}
	}
}

func swarmStats(sw *swarm.Swarm) health.SwarmStats {
	stats := health.SwarmStats{}
	for _, c := range sw.Instances() {
		stats.Instances++
		if c.Connected() {
			stats.Connected++
		}
		if c.Terminated() {
			stats.Terminated++
		}
		if c.State() == circuit.StateDraining {
			stats.Draining++
		}
	}
	return stats
}
