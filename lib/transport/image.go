// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/bureau-foundation/webeye/lib/payload"
	"github.com/bureau-foundation/webeye/lib/record"
)

// ImageConfig configures an Image.
type ImageConfig struct {
	BaseURL string
	AppKey  string
	Client  *http.Client

	// URLLimit is the longest request URL allowed. Defaults to 2000.
	URLLimit int

	// Timeout bounds each request. Defaults to 10s.
	Timeout time.Duration
}

// Image is the last-resort GET transport.
type Image struct {
	config ImageConfig
	url    string
}

// NewImage returns an Image requesting <BaseURL>/img.
func NewImage(config ImageConfig) *Image {
	if config.Client == nil {
		config.Client = &http.Client{}
	}
	if config.URLLimit <= 0 {
		config.URLLimit = DefaultImageURLLimit
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	return &Image{config: config, url: endpoint(config.BaseURL, SuffixImage)}
}

// imageEntry is the reduced record carried in the query string: the
// type and the payload serialized as a string.
type imageEntry struct {
	Type record.Type `json:"type"`
	Data string      `json:"data"`
}

// URL builds the request URL for records.
func (i *Image) URL(records []record.Record) string {
	entries := make([]imageEntry, len(records))
	for index, r := range records {
		entries[index] = imageEntry{Type: r.Type, Data: string(payload.Serialize(r.Payload))}
	}
	query := url.Values{"data": {string(payload.Serialize(entries))}}
	return i.url + "?" + query.Encode()
}

// Send requests the image URL for records. It returns ErrTooLarge
// without sending when the URL exceeds the limit. Any completed round
// trip is success; only a network failure or timeout is an error.
func (i *Image) Send(ctx context.Context, records []record.Record) error {
	target := i.URL(records)
	if len(target) > i.config.URLLimit {
		return fmt.Errorf("%w: image URL %d chars exceeds %d", ErrTooLarge, len(target), i.config.URLLimit)
	}

	ctx, cancel := context.WithTimeout(ctx, i.config.Timeout)
	defer cancel()

	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("transport: image: %w", err)
	}
	setHeaders(httpRequest, Request{RecordCount: len(records)}, i.config.AppKey)

	response, err := i.config.Client.Do(httpRequest)
	if err != nil {
		return fmt.Errorf("transport: image: %w", err)
	}
	io.Copy(io.Discard, response.Body)
	response.Body.Close()
	return nil
}
