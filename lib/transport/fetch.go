// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// FetchConfig configures a Fetch.
type FetchConfig struct {
	BaseURL string
	AppKey  string
	Client  *http.Client

	// Suffix is appended to BaseURL. Defaults to "fetch"; the worker
	// uses "w".
	Suffix string

	// KeepaliveLimit is the largest body sent detached from the
	// caller's context. Defaults to 64 KiB.
	KeepaliveLimit int

	// Timeout bounds each request. Defaults to 10s.
	Timeout time.Duration
}

// Fetch is the request/response transport.
type Fetch struct {
	config FetchConfig
	url    string
}

// NewFetch returns a Fetch posting to <BaseURL>/<Suffix>.
func NewFetch(config FetchConfig) *Fetch {
	if config.Client == nil {
		config.Client = &http.Client{}
	}
	if config.Suffix == "" {
		config.Suffix = SuffixFetch
	}
	if config.KeepaliveLimit <= 0 {
		config.KeepaliveLimit = DefaultKeepaliveLimit
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	return &Fetch{config: config, url: endpoint(config.BaseURL, config.Suffix)}
}

// Keepalive reports whether a body of size bytes is sent detached from
// the caller's context.
func (f *Fetch) Keepalive(size int) bool {
	return size <= f.config.KeepaliveLimit
}

// Send POSTs request and waits for the response. A non-2xx response
// returns *StatusError; a transport failure or timeout returns the
// wrapped network error.
func (f *Fetch) Send(ctx context.Context, request Request) error {
	return f.send(ctx, request, f.config.Timeout)
}

func (f *Fetch) send(ctx context.Context, request Request, timeout time.Duration) error {
	if f.Keepalive(len(request.Body)) {
		ctx = context.WithoutCancel(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, f.url, bytes.NewReader(request.Body))
	if err != nil {
		return fmt.Errorf("transport: fetch: %w", err)
	}
	setHeaders(httpRequest, request, f.config.AppKey)

	response, err := f.config.Client.Do(httpRequest)
	if err != nil {
		return fmt.Errorf("transport: fetch %s: %w", f.url, err)
	}
	defer response.Body.Close()
	io.Copy(io.Discard, response.Body)

	if !statusOK(response.StatusCode) {
		return &StatusError{Method: MethodFetch, StatusCode: response.StatusCode, Status: response.Status}
	}
	return nil
}
