// shuthost-coordinator — wakes and shuts down a fleet of hosts on demand,
// arbitrating power intent through per-host leases.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/shuthost/coordinator/internal/config"
	"github.com/shuthost/coordinator/internal/logging"
	"github.com/shuthost/coordinator/internal/orchestrator"
)

func main() {
	configPath := flag.String("config", "/etc/shuthost/config.toml", "path to configuration file")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	logger := logging.Setup(*logLevel, os.Stdout)

	bootstrap, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
		os.Exit(1)
	}

	logger.Info("shuthost-coordinator starting",
		"config", *configPath,
		"hosts", len(bootstrap.Hosts),
		"clients", len(bootstrap.Clients))

	orch, err := orchestrator.New(*configPath, logger)
	if err != nil {
		logger.Error("failed to initialize orchestrator", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := orch.Run(ctx, bootstrap.Server.Bind, bootstrap.Server.Port); err != nil {
		logger.Error("orchestrator stopped with error", "error", err)
		os.Exit(1)
	}

	logger.Info("shuthost-coordinator stopped")
}
