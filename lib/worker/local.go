// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/bureau-foundation/webeye/lib/clock"
	"github.com/bureau-foundation/webeye/lib/config"
	"github.com/bureau-foundation/webeye/lib/delivery"
	"github.com/bureau-foundation/webeye/lib/payload"
	"github.com/bureau-foundation/webeye/lib/record"
	"github.com/bureau-foundation/webeye/lib/scheduler"
	"github.com/bureau-foundation/webeye/lib/store"
	"github.com/bureau-foundation/webeye/lib/transport"
)

// Options configures [Start].
type Options struct {
	// Config is required and must pass Validate.
	Config *config.Config

	// FetchSuffix overrides the fetch URL suffix. [Serve] sets it to
	// "w".
	FetchSuffix string

	// Client is used for every collector request. Nil uses a client
	// on http.DefaultTransport.
	Client *http.Client

	Clock  clock.Clock
	Logger *slog.Logger
}

// Local is an in-process delivery pipeline.
type Local struct {
	store     *store.Store
	selector  *transport.Selector
	engine    *delivery.Engine
	scheduler *scheduler.Scheduler
	logger    *slog.Logger

	cancel    context.CancelFunc
	waitGroup sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// Start opens the store in the background and starts the scheduler.
// Records left mid-send by a previous run return to the queue when the
// store opens and are drained in spaced batches.
// The pipeline runs until Close or until ctx ends.
func Start(ctx context.Context, options Options) (*Local, error) {
	cfg := options.Config
	if cfg == nil {
		return nil, errors.New("worker: config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("worker: invalid config: %w", err)
	}
	encoding, err := payload.ParseEncoding(cfg.Compression.Encoding)
	if err != nil {
		return nil, fmt.Errorf("worker: %w", err)
	}
	if options.Clock == nil {
		options.Clock = clock.Real()
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	runCtx, cancel := context.WithCancel(ctx)

	records := store.Open(runCtx, store.Config{
		Dir:          cfg.Store.Dir,
		Name:         cfg.Store.Name,
		MaxRecords:   cfg.Store.MaxRecords,
		ReadyRetries: cfg.Store.ReadyRetries,
		Recover:      []record.Status{record.StatusSending, record.StatusFailed},
		Clock:        options.Clock,
		Logger:       logger,
	})

	selector := transport.New(transport.Config{
		BaseURL:          cfg.ReportURL,
		AppKey:           cfg.AppKey,
		Client:           options.Client,
		FetchSuffix:      options.FetchSuffix,
		BeaconDisabled:   !cfg.Transport.BeaconSupported,
		BeaconLimit:      cfg.Transport.BeaconLimit,
		BeaconMaxRecords: cfg.Transport.BeaconMaxRecords,
		KeepaliveLimit:   cfg.Transport.KeepaliveLimit,
		Timeout:          cfg.Transport.Timeout.Std(),
		ImageURLLimit:    cfg.Transport.ImageURLLimit,
		UnloadTimeout:    cfg.Transport.UnloadTimeout.Std(),
		Compression: payload.Options{
			Encoding:  encoding,
			Threshold: cfg.Compression.Threshold,
			Logger:    logger,
		},
		Logger: logger,
	})

	engine := delivery.New(records, selector, delivery.Config{
		BatchSize:     cfg.BatchSize,
		MaxRetry:      cfg.MaxRetry,
		RetryDelay:    cfg.RetryDelay.Std(),
		MaxBatchBytes: cfg.MaxBatchBytes,
		Clock:         options.Clock,
		Logger:        logger,
	})

	local := &Local{
		store:    records,
		selector: selector,
		engine:   engine,
		scheduler: scheduler.New(engine, scheduler.Config{
			FlushInterval: cfg.FlushInterval.Std(),
			AutoReport:    cfg.EnableAutoReport,
			RetryPending:  true,
			Clock:         options.Clock,
			Logger:        logger,
		}),
		logger: logger.With("component", "worker"),
		cancel: cancel,
	}

	local.waitGroup.Add(2)
	go func() {
		defer local.waitGroup.Done()
		local.scheduler.Run(runCtx)
	}()
	go func() {
		defer local.waitGroup.Done()
		local.watchStore(runCtx)
	}()

	local.logger.Info("pipeline started",
		"report_url", cfg.ReportURL,
		"store", records.Path(),
		"batch_size", cfg.BatchSize,
		"auto_report", cfg.EnableAutoReport,
	)
	return local, nil
}

func (l *Local) watchStore(ctx context.Context) {
	select {
	case <-l.store.Ready():
	case <-ctx.Done():
		return
	}
	if err := l.store.Err(); err != nil {
		l.logger.Error("store unavailable, records will not be persisted", "error", err)
	}
}

// Enqueue persists r and triggers a flush when the queue reaches the
// batch size.
func (l *Local) Enqueue(ctx context.Context, r record.Record) error {
	reached, err := l.engine.Enqueue(ctx, r)
	if err != nil {
		return err
	}
	l.scheduler.Notify(reached)
	return nil
}

// Flush drains the queue on the calling goroutine.
func (l *Local) Flush(ctx context.Context) error {
	return l.engine.Flush(ctx)
}

// Hidden requests an asynchronous flush.
func (l *Local) Hidden() {
	l.scheduler.Hidden()
}

// Unload synchronously hands everything pending to the exit path.
func (l *Local) Unload(ctx context.Context) bool {
	return l.scheduler.Unload(ctx)
}

// Stats returns the delivery counters.
func (l *Local) Stats() delivery.Stats {
	return l.engine.Stats()
}

// Close stops the scheduler, makes a last flush attempt, waits for
// in-flight beacons, and closes the store. Records that could not be
// sent stay in the store for the next run. Safe to call more than
// once.
func (l *Local) Close(ctx context.Context) error {
	l.closeOnce.Do(func() {
		l.cancel()
		l.waitGroup.Wait()

		var errs []error
		if l.store.Err() == nil {
			if err := l.engine.Flush(ctx); err != nil {
				errs = append(errs, fmt.Errorf("final flush: %w", err))
			}
		}
		if err := l.selector.Wait(ctx); err != nil {
			errs = append(errs, fmt.Errorf("waiting for beacons: %w", err))
		}
		if err := l.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing store: %w", err))
		}
		l.closeErr = errors.Join(errs...)

		stats := l.engine.Stats()
		l.logger.Info("pipeline closed",
			"delivered", stats.Delivered,
			"failed", stats.Failed,
			"dropped", stats.Dropped,
			"retries", stats.Retries,
		)
	})
	return l.closeErr
}
