// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/bureau-foundation/webeye/lib/payload"
	"github.com/bureau-foundation/webeye/lib/record"
)

// Config configures a Selector and the transports it owns.
type Config struct {
	// BaseURL is the collector report URL. Required.
	BaseURL string
	AppKey  string

	// Client is shared by all transports. Nil uses a client on
	// http.DefaultTransport.
	Client *http.Client

	// FetchSuffix overrides the fetch URL suffix.
	FetchSuffix string

	BeaconDisabled   bool
	BeaconLimit      int
	BeaconMaxRecords int
	BeaconInFlight   int
	BeaconTimeout    time.Duration

	KeepaliveLimit int
	Timeout        time.Duration

	ImageDisabled bool
	ImageURLLimit int

	// UnloadTimeout bounds the fetch fallback of SendUnload.
	// Defaults to 2s.
	UnloadTimeout time.Duration

	Compression payload.Options
	Logger      *slog.Logger
}

// Selector chooses a transport for each batch and falls back on
// failure.
type Selector struct {
	beacon           *Beacon
	fetch            *Fetch
	image            *Image
	imageDisabled    bool
	beaconMaxRecords int
	unloadTimeout    time.Duration
	compression      payload.Options
	logger           *slog.Logger
}

// New builds a Selector from config.
func New(config Config) *Selector {
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	logger = logger.With("component", "transport")
	client := config.Client
	if client == nil {
		client = &http.Client{}
	}
	if config.BeaconMaxRecords <= 0 {
		config.BeaconMaxRecords = DefaultBeaconMaxRecords
	}
	if config.UnloadTimeout <= 0 {
		config.UnloadTimeout = DefaultUnloadTimeout
	}
	compression := config.Compression
	if compression.Logger == nil {
		compression.Logger = logger
	}

	return &Selector{
		beacon: NewBeacon(BeaconConfig{
			BaseURL:     config.BaseURL,
			AppKey:      config.AppKey,
			Client:      client,
			Disabled:    config.BeaconDisabled,
			Limit:       config.BeaconLimit,
			MaxInFlight: config.BeaconInFlight,
			Timeout:     config.BeaconTimeout,
			Logger:      logger,
		}),
		fetch: NewFetch(FetchConfig{
			BaseURL:        config.BaseURL,
			AppKey:         config.AppKey,
			Client:         client,
			Suffix:         config.FetchSuffix,
			KeepaliveLimit: config.KeepaliveLimit,
			Timeout:        config.Timeout,
		}),
		image: NewImage(ImageConfig{
			BaseURL:  config.BaseURL,
			AppKey:   config.AppKey,
			Client:   client,
			URLLimit: config.ImageURLLimit,
			Timeout:  config.Timeout,
		}),
		imageDisabled:    config.ImageDisabled,
		beaconMaxRecords: config.BeaconMaxRecords,
		unloadTimeout:    config.UnloadTimeout,
		compression:      compression,
		logger:           logger,
	}
}

// Prepare serializes and compresses batch.
func (s *Selector) Prepare(batch []record.Record) Request {
	body := payload.Serialize(batch)
	result := payload.Compress(body, s.compression)
	return Request{
		Body:        result.Payload,
		Encoding:    result.Encoding,
		RecordCount: len(batch),
		Digest:      payload.Digest(body),
	}
}

// Send delivers batch and returns the transport that carried it. A
// multi-record batch whose compressed body exceeds twice the beacon
// limit returns ErrNeedsSplit without sending. On failure the error of
// the last transport tried is returned.
func (s *Selector) Send(ctx context.Context, batch []record.Record) (Method, error) {
	if len(batch) == 0 {
		return MethodNone, nil
	}
	request := s.Prepare(batch)
	if len(request.Body) > 2*s.beacon.Limit() && len(batch) > 1 {
		return MethodNone, ErrNeedsSplit
	}

	if s.beaconEligible(request) {
		err := s.beacon.Dispatch(request)
		if err == nil {
			return MethodBeacon, nil
		}
		s.logger.Debug("beacon not queued, falling back to fetch", "error", err)
	}

	fetchErr := s.fetch.Send(ctx, request)
	if fetchErr == nil {
		return MethodFetch, nil
	}
	s.logger.Warn("fetch failed", "records", len(batch), "error", fetchErr)

	if s.imageDisabled {
		return MethodNone, fetchErr
	}
	imageErr := s.image.Send(ctx, batch)
	switch {
	case imageErr == nil:
		return MethodImage, nil
	case errors.Is(imageErr, ErrTooLarge):
		return MethodNone, fetchErr
	default:
		return MethodNone, imageErr
	}
}

func (s *Selector) beaconEligible(request Request) bool {
	return s.beacon.Supported() &&
		len(request.Body) <= s.beacon.Limit() &&
		request.RecordCount <= s.beaconMaxRecords
}

// SendUnload is the best-effort path used while the host is exiting:
// a beacon when eligible, otherwise a fetch bounded by the unload
// timeout. It reports whether the batch was handed off.
func (s *Selector) SendUnload(batch []record.Record) bool {
	if len(batch) == 0 {
		return true
	}
	request := s.Prepare(batch)
	if s.beaconEligible(request) && s.beacon.Send(request) {
		return true
	}
	if err := s.fetch.send(context.Background(), request, s.unloadTimeout); err != nil {
		s.logger.Warn("unload send failed", "records", len(batch), "error", err)
		return false
	}
	return true
}

// Wait blocks until queued beacons have completed or ctx ends.
func (s *Selector) Wait(ctx context.Context) error {
	return s.beacon.Wait(ctx)
}
