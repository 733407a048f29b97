// Package main is the entry point for the relay broker daemon.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/loopback-labs/promptrelay/internal/broker"
	"github.com/loopback-labs/promptrelay/internal/config"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML configuration file (optional)")
	listenAddr := flag.String("listen", "", "Loopback listen address, overrides configuration")
	logLevel := flag.String("log-level", "", "Log level (debug, info, warn, error), overrides configuration")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		// No logger yet; this is the one place stderr is used directly.
		os.Stderr.WriteString("failed to load configuration: " + err.Error() + "\n")
		os.Exit(1)
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	var logger *zap.Logger
	switch cfg.LogLevel {
	case "debug":
		logger, err = zap.NewDevelopment()
	default:
		logger, err = zap.NewProduction()
	}
	if err != nil {
		panic("failed to create logger: " + err.Error())
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting prompt relay broker")

	server, err := broker.NewServer(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to create broker", zap.Error(err))
	}
	if err := server.Start(); err != nil {
		logger.Fatal("Failed to start broker", zap.Error(err))
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("Shutdown signal received", zap.String("signal", sig.String()))

	// A second deadline on top of the HTTP shutdown: if graceful closure
	// wedges entirely, the process still terminates.
	forceTimer := time.AfterFunc(cfg.ShutdownTimeout+2*time.Second, func() {
		logger.Error("Shutdown did not complete in time, terminating")
		os.Exit(1)
	})
	defer forceTimer.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("Shutdown finished with errors", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("Broker exited cleanly")
}
