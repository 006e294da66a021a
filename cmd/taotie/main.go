// Package main is the entry point for the taotie content pipeline: source
// adapters feed a dedup gate, batches flow to an LLM summarizer, and
// summaries land in idempotent storage.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/small-thinking/taotie/config"
	"github.com/small-thinking/taotie/service"
)

// Build information constants
const (
	Version = "0.1.0"
	appName = "taotie"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("application failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	cfg, err := config.Load(cliCfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cliCfg.Validate {
		logger.Info("configuration is valid", "config_path", cliCfg.ConfigPath)
		return nil
	}

	logger.Info("starting content pipeline", "config_path", cliCfg.ConfigPath)

	svc, err := service.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("build pipeline: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("start pipeline: %w", err)
	}

	<-ctx.Done()
	logger.Info("shutdown signal received", "timeout", cliCfg.ShutdownTimeout)

	if err := svc.Stop(cliCfg.ShutdownTimeout); err != nil {
		return fmt.Errorf("shutdown incomplete: %w", err)
	}
	return nil
}
