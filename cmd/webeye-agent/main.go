// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// webeye-agent runs a monitor for a host process that cannot link the
// library itself.
//
// The host writes one JSON record per line to the agent's stdin, in
// the shape {"type": "...", "data": {...}}. The agent stamps each with
// the session and device context and delivers it to the collector
// configured in the config file. The agent's own log output and Go
// runtime metrics are reported alongside.
//
// Signals map to host lifecycle events: SIGUSR1 is "hidden" (flush
// everything now), SIGINT and SIGTERM are "unload" (send what is
// pending, then exit). End of input also exits.
//
// With --worker the binary instead serves the worker protocol on
// stdin and stdout. Agents configured with worker.enabled spawn
// themselves this way to keep delivery out of the host-facing
// process.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/webeye/lib/config"
	"github.com/bureau-foundation/webeye/lib/logging"
	"github.com/bureau-foundation/webeye/lib/monitor"
	"github.com/bureau-foundation/webeye/lib/plugins/console"
	"github.com/bureau-foundation/webeye/lib/plugins/errorcapture"
	applog "github.com/bureau-foundation/webeye/lib/plugins/logger"
	"github.com/bureau-foundation/webeye/lib/plugins/performance"
	"github.com/bureau-foundation/webeye/lib/process"
	"github.com/bureau-foundation/webeye/lib/version"
	"github.com/bureau-foundation/webeye/lib/worker"
)

// shutdownTimeout bounds the unload send and the final drain.
const shutdownTimeout = 10 * time.Second

func main() {
	process.Exit(run())
}

func run() error {
	var (
		configPath  string
		workerMode  bool
		showVersion bool
	)
	flagSet := pflag.NewFlagSet("webeye-agent", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to the config file (default: $"+config.EnvironmentVariable+")")
	flagSet.BoolVar(&workerMode, "worker", false, "serve the worker protocol on stdin/stdout")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	if showVersion {
		fmt.Printf("webeye-agent %s\n", version.Full())
		return nil
	}
	if args := flagSet.Args(); len(args) > 0 {
		return fmt.Errorf("unexpected argument: %s", args[0])
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if workerMode {
		// The parent ends the worker by closing the stream, after its
		// own unload has gone through.
		return serveWorker(context.WithoutCancel(ctx))
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger, err := logging.New(logging.Options{Level: cfg.LogLevel, Debug: cfg.Debug})
	if err != nil {
		return err
	}
	return runAgent(ctx, cfg, logger)
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}

// serveWorker runs the delivery side for a parent agent. stdout
// carries the protocol, so logs go to stderr only.
func serveWorker(ctx context.Context) error {
	logger, err := logging.New(logging.Options{Level: os.Getenv("WEBEYE_WORKER_LOG_LEVEL"), Format: logging.FormatJSON})
	if err != nil {
		return err
	}
	return worker.Serve(ctx, os.Stdin, os.Stdout, worker.ServeOptions{Logger: logger})
}

func runAgent(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	// The pipeline must outlive the signal so that Unload can still send.
	pipeline, err := startPipeline(context.WithoutCancel(ctx), cfg, logger)
	if err != nil {
		return err
	}

	m, err := monitor.New(monitor.Options{Config: cfg, Pipeline: pipeline, Logger: logger})
	if err != nil {
		pipeline.Close(context.WithoutCancel(ctx))
		return err
	}
	// Input problems are kept on disk by the logger plugin until
	// reported.
	inputLog, err := applog.New(applog.Options{Level: slog.LevelWarn, Next: logger.Handler()})
	if err != nil {
		pipeline.Close(context.WithoutCancel(ctx))
		return err
	}
	capture := errorcapture.New(errorcapture.Options{Immediate: true})
	m.Use(capture).
		Use(console.New(console.Options{Next: logger.Handler()})).
		Use(performance.New(performance.Options{})).
		Use(inputLog).
		Install()

	logger.Info("agent running",
		"version", version.Short(),
		"session", m.SessionID(),
		"report_url", cfg.ReportURL,
		"worker", cfg.Worker.Enabled,
	)

	hidden := make(chan os.Signal, 1)
	signal.Notify(hidden, syscall.SIGUSR1)
	defer signal.Stop(hidden)

	inputDone := make(chan error, 1)
	capture.Go(func() {
		inputDone <- forward(ctx, os.Stdin, m, inputLog.NewLogger())
	})

	var inputErr error
loop:
	for {
		select {
		case <-hidden:
			logger.Debug("hidden")
			m.Hide()
		case inputErr = <-inputDone:
			break loop
		case <-ctx.Done():
			break loop
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if !m.Unload(shutdownCtx) {
		logger.Warn("records left pending at exit; they are retried on the next start")
	}
	if err := m.Close(shutdownCtx); err != nil {
		logger.Warn("closing monitor", "error", err)
	}
	logger.Info("agent stopped")
	return inputErr
}

func startPipeline(ctx context.Context, cfg *config.Config, logger *slog.Logger) (monitor.Pipeline, error) {
	if !cfg.Worker.Enabled {
		return worker.Start(ctx, worker.Options{Config: cfg, Logger: logger})
	}
	command := cfg.Worker.Command
	if len(command) == 0 {
		executable, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locating the agent executable: %w", err)
		}
		command = []string{executable, "--worker"}
	}
	return worker.Spawn(ctx, command, cfg, logger)
}
