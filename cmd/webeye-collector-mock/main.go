// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// webeye-collector-mock is a stand-in collector for local development
// and end-to-end tests. It accepts every agent transport, verifies and
// decodes each batch, logs it, and keeps everything in memory. GET
// /status returns the counters.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/webeye/lib/collectormock"
	"github.com/bureau-foundation/webeye/lib/logging"
	"github.com/bureau-foundation/webeye/lib/process"
	"github.com/bureau-foundation/webeye/lib/version"
)

func main() {
	process.Exit(run())
}

func run() error {
	var (
		listen      string
		logLevel    string
		failFirst   int
		failStatus  int
		showVersion bool
	)
	flagSet := pflag.NewFlagSet("webeye-collector-mock", pflag.ContinueOnError)
	flagSet.StringVar(&listen, "listen", "127.0.0.1:8787", "address to listen on")
	flagSet.StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	flagSet.IntVar(&failFirst, "fail-first", 0, "answer the first N requests with --fail-status")
	flagSet.IntVar(&failStatus, "fail-status", http.StatusServiceUnavailable, "status used by --fail-first")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	if showVersion {
		fmt.Printf("webeye-collector-mock %s\n", version.Full())
		return nil
	}

	logger, err := logging.New(logging.Options{Level: logLevel})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := collectormock.New(logger)
	if failFirst > 0 {
		collector.FailNext(failFirst, failStatus)
	}

	listener, err := net.Listen("tcp", listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", listen, err)
	}
	server := &http.Server{
		Handler:           collector,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveDone := make(chan error, 1)
	go func() {
		serveDone <- server.Serve(listener)
	}()
	logger.Info("collector mock listening", "address", listener.Addr().String())

	for {
		select {
		case batch := <-collector.Received():
			logger.Debug("batch contents", "app_key", batch.AppKey, "types", recordTypes(batch))
		case err := <-serveDone:
			return err
		case <-ctx.Done():
			logger.Info("shutting down", "status", collector.Status())
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				return err
			}
			if err := <-serveDone; !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		}
	}
}

// recordTypes counts the records of a batch by type.
func recordTypes(batch collectormock.Batch) map[string]int {
	counts := make(map[string]int)
	for _, r := range batch.Records {
		name, _ := r["type"].(string)
		counts[name]++
	}
	return counts
}
