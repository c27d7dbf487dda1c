// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// BeaconConfig configures a Beacon.
type BeaconConfig struct {
	BaseURL string
	AppKey  string
	Client  *http.Client

	// Disabled makes every Send return false, as on a host without
	// beacon support.
	Disabled bool

	// Limit is the largest body accepted. Defaults to 64 KiB.
	Limit int

	// MaxInFlight bounds queued beacons not yet completed. Defaults
	// to 8.
	MaxInFlight int

	// Timeout bounds each background POST. Defaults to 5s.
	Timeout time.Duration

	Logger *slog.Logger
}

// Beacon is the fire-and-forget transport.
type Beacon struct {
	config   BeaconConfig
	url      string
	logger   *slog.Logger
	inFlight atomic.Int32
	group    sync.WaitGroup
}

// NewBeacon returns a Beacon posting to <BaseURL>/beacon.
func NewBeacon(config BeaconConfig) *Beacon {
	if config.Client == nil {
		config.Client = &http.Client{}
	}
	if config.Limit <= 0 {
		config.Limit = DefaultBeaconLimit
	}
	if config.MaxInFlight <= 0 {
		config.MaxInFlight = DefaultBeaconInFlight
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultBeaconTimeout
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Beacon{
		config: config,
		url:    endpoint(config.BaseURL, SuffixBeacon),
		logger: logger,
	}
}

// Supported reports whether the beacon is enabled.
func (b *Beacon) Supported() bool {
	return !b.config.Disabled
}

// Limit returns the largest body the beacon accepts.
func (b *Beacon) Limit() int {
	return b.config.Limit
}

// Send queues request and reports whether it was queued.
func (b *Beacon) Send(request Request) bool {
	return b.Dispatch(request) == nil
}

// Dispatch queues request, or returns an error wrapping
// ErrBeaconRejected saying why it was refused. A queued request is
// sent in the background; its outcome is only logged.
func (b *Beacon) Dispatch(request Request) error {
	if b.config.Disabled {
		return fmt.Errorf("%w: not supported", ErrBeaconRejected)
	}
	if len(request.Body) > b.config.Limit {
		return fmt.Errorf("%w: body %d bytes exceeds limit %d", ErrBeaconRejected, len(request.Body), b.config.Limit)
	}
	if int(b.inFlight.Add(1)) > b.config.MaxInFlight {
		b.inFlight.Add(-1)
		return fmt.Errorf("%w: %d beacons in flight", ErrBeaconRejected, b.config.MaxInFlight)
	}

	b.group.Add(1)
	go func() {
		defer b.group.Done()
		defer b.inFlight.Add(-1)
		b.post(request)
	}()
	return nil
}

func (b *Beacon) post(request Request) {
	ctx, cancel := context.WithTimeout(context.Background(), b.config.Timeout)
	defer cancel()

	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, b.url, bytes.NewReader(request.Body))
	if err != nil {
		b.logger.Warn("beacon request build failed", "error", err)
		return
	}
	setHeaders(httpRequest, request, b.config.AppKey)

	response, err := b.config.Client.Do(httpRequest)
	if err != nil {
		b.logger.Warn("beacon send failed", "records", request.RecordCount, "error", err)
		return
	}
	io.Copy(io.Discard, response.Body)
	response.Body.Close()
	if !statusOK(response.StatusCode) {
		b.logger.Warn("beacon rejected by collector",
			"records", request.RecordCount, "status", response.StatusCode)
	}
}

// Wait blocks until every queued beacon has completed or ctx ends.
func (b *Beacon) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		b.group.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
