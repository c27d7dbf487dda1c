// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package collectormock

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/bureau-foundation/webeye/lib/payload"
	"github.com/bureau-foundation/webeye/lib/transport"
)

// maxBodyBytes bounds a request body.
const maxBodyBytes = 8 << 20

// Batch is one accepted request.
type Batch struct {
	// Suffix is the URL suffix the batch arrived on: fetch, beacon,
	// img, or w.
	Suffix    string
	Encoding  payload.Encoding
	Digest    string
	AppKey    string
	Internal  bool
	Duplicate bool
	Records   []map[string]any
}

// Status is the response of GET /status.
type Status struct {
	Batches    int `json:"batches"`
	Records    int `json:"records"`
	Duplicates int `json:"duplicates"`
	Rejected   int `json:"rejected"`
}

// Collector is the mock. The zero value is not usable; call New.
type Collector struct {
	router *chi.Mux
	logger *slog.Logger

	mu       sync.Mutex
	batches  []Batch
	digests  map[string]bool
	failures []int
	rejected int

	received chan Batch
}

// New returns a Collector. A nil logger discards.
func New(logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	c := &Collector{
		logger:   logger,
		digests:  make(map[string]bool),
		received: make(chan Batch, 1024),
	}

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Use(c.logRequests)
	router.Post("/{suffix:(?:fetch|beacon|w)}", c.handlePost)
	router.Get("/img", c.handleImage)
	router.Get("/status", c.handleStatus)
	c.router = router
	return c
}

// ServeHTTP implements http.Handler.
func (c *Collector) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c.router.ServeHTTP(w, r)
}

// FailNext answers the next count requests with status.
func (c *Collector) FailNext(count, status int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for range count {
		c.failures = append(c.failures, status)
	}
}

// Received delivers each accepted batch, duplicates included.
func (c *Collector) Received() <-chan Batch {
	return c.received
}

// Batches returns a copy of every accepted batch in arrival order.
func (c *Collector) Batches() []Batch {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Batch(nil), c.batches...)
}

// RecordIDs returns the ids of all records in non-duplicate batches,
// in arrival order.
func (c *Collector) RecordIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var ids []string
	for _, batch := range c.batches {
		if batch.Duplicate {
			continue
		}
		for _, r := range batch.Records {
			if id, ok := r["id"].(string); ok {
				ids = append(ids, id)
			}
		}
	}
	return ids
}

// Status returns the current counters.
func (c *Collector) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	status := Status{Batches: len(c.batches), Rejected: c.rejected}
	for _, batch := range c.batches {
		if batch.Duplicate {
			status.Duplicates++
			continue
		}
		status.Records += len(batch.Records)
	}
	return status
}

// takeFailure pops the next scripted failure status, or 0.
func (c *Collector) takeFailure() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.failures) == 0 {
		return 0
	}
	status := c.failures[0]
	c.failures = c.failures[1:]
	c.rejected++
	return status
}

func (c *Collector) accept(batch Batch) {
	c.mu.Lock()
	if batch.Digest != "" {
		batch.Duplicate = c.digests[batch.Digest]
		c.digests[batch.Digest] = true
	}
	c.batches = append(c.batches, batch)
	c.mu.Unlock()

	c.logger.Info("batch accepted",
		"suffix", batch.Suffix,
		"records", len(batch.Records),
		"encoding", string(batch.Encoding),
		"duplicate", batch.Duplicate,
	)
	select {
	case c.received <- batch:
	default:
		c.logger.Warn("received channel full, batch not signalled")
	}
}

func (c *Collector) handlePost(w http.ResponseWriter, r *http.Request) {
	if status := c.takeFailure(); status != 0 {
		http.Error(w, "scripted failure", status)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
		return
	}
	encoding := payload.Encoding(r.Header.Get("Content-Encoding"))
	data, err := payload.Decompress(body, encoding)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	digest := r.Header.Get(transport.HeaderDigest)
	if digest != "" && digest != payload.Digest(data) {
		http.Error(w, "digest mismatch", http.StatusBadRequest)
		return
	}

	var records []map[string]any
	if err := json.Unmarshal(data, &records); err != nil {
		http.Error(w, fmt.Sprintf("decoding batch: %v", err), http.StatusBadRequest)
		return
	}

	if encoding == "" {
		encoding = payload.EncodingNone
	}
	c.accept(Batch{
		Suffix:   chi.URLParam(r, "suffix"),
		Encoding: encoding,
		Digest:   digest,
		AppKey:   r.Header.Get(transport.HeaderAppKey),
		Internal: r.Header.Get(transport.HeaderInternal) == "1",
		Records:  records,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (c *Collector) handleImage(w http.ResponseWriter, r *http.Request) {
	if status := c.takeFailure(); status != 0 {
		http.Error(w, "scripted failure", status)
		return
	}

	var entries []struct {
		Type string `json:"type"`
		Data string `json:"data"`
	}
	if err := json.Unmarshal([]byte(r.URL.Query().Get("data")), &entries); err != nil {
		http.Error(w, fmt.Sprintf("decoding image data: %v", err), http.StatusBadRequest)
		return
	}
	records := make([]map[string]any, len(entries))
	for i, entry := range entries {
		var data any
		if err := json.Unmarshal([]byte(entry.Data), &data); err != nil {
			data = entry.Data
		}
		records[i] = map[string]any{"type": entry.Type, "data": data}
	}

	c.accept(Batch{
		Suffix:   transport.SuffixImage,
		Encoding: payload.EncodingNone,
		AppKey:   r.Header.Get(transport.HeaderAppKey),
		Internal: r.Header.Get(transport.HeaderInternal) == "1",
		Records:  records,
	})
	w.Header().Set("Content-Type", "image/gif")
	w.Write(pixel)
}

func (c *Collector) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(c.Status())
}

func (c *Collector) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wrapped := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(wrapped, r)
		c.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.Status(),
			"bytes", wrapped.BytesWritten(),
		)
	})
}

// pixel is a 1x1 transparent GIF.
var pixel = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00, 0x80, 0x00,
	0x00, 0x00, 0x00, 0x00, 0xff, 0xff, 0xff, 0x21, 0xf9, 0x04, 0x01, 0x00,
	0x00, 0x00, 0x00, 0x2c, 0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00,
	0x00, 0x02, 0x02, 0x44, 0x01, 0x00, 0x3b,
}
