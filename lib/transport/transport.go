// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bureau-foundation/webeye/lib/payload"
)

// Wire headers.
const (
	HeaderInternal    = "X-Webeye-Internal"
	HeaderDigest      = "X-Webeye-Digest"
	HeaderAppKey      = "X-Webeye-App-Key"
	HeaderRecordCount = "X-Webeye-Record-Count"
)

// URL suffixes appended to the report URL.
const (
	SuffixFetch  = "fetch"
	SuffixBeacon = "beacon"
	SuffixImage  = "img"
	SuffixWorker = "w"
)

// Defaults for Config fields left zero.
const (
	DefaultBeaconLimit      = 64 * 1024
	DefaultBeaconMaxRecords = 10
	DefaultBeaconInFlight   = 8
	DefaultKeepaliveLimit   = 64 * 1024
	DefaultImageURLLimit    = 2000
	DefaultTimeout          = 10 * time.Second
	DefaultBeaconTimeout    = 5 * time.Second
	DefaultUnloadTimeout    = 2 * time.Second
)

var (
	// ErrNeedsSplit means the batch is too large to send as one
	// request. Nothing was sent.
	ErrNeedsSplit = errors.New("transport: batch needs split")

	// ErrTooLarge means an image request URL would exceed the limit.
	ErrTooLarge = errors.New("transport: request too large")

	// ErrBeaconRejected means the beacon was not queued.
	ErrBeaconRejected = errors.New("transport: beacon rejected")
)

// StatusError is a completed request the collector answered with a
// non-2xx status.
type StatusError struct {
	Method     Method
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("transport: %s: collector returned %s", e.Method, e.Status)
}

// Method identifies the transport that carried a batch.
type Method int

const (
	MethodNone Method = iota
	MethodBeacon
	MethodFetch
	MethodImage
)

func (m Method) String() string {
	switch m {
	case MethodBeacon:
		return "beacon"
	case MethodFetch:
		return "fetch"
	case MethodImage:
		return "image"
	default:
		return "none"
	}
}

// Request is one serialized batch ready to send.
type Request struct {
	Body        []byte
	Encoding    payload.Encoding
	RecordCount int
	// Digest is the hex BLAKE3 of the uncompressed body.
	Digest string
}

// endpoint joins the report URL and a suffix.
func endpoint(base, suffix string) string {
	return strings.TrimSuffix(base, "/") + "/" + suffix
}

// setHeaders applies the shared wire headers to an outgoing request.
func setHeaders(httpRequest *http.Request, request Request, appKey string) {
	httpRequest.Header.Set(HeaderInternal, "1")
	if request.Body != nil {
		httpRequest.Header.Set("Content-Type", request.Encoding.ContentType())
		if contentEncoding := request.Encoding.ContentEncoding(); contentEncoding != "" {
			httpRequest.Header.Set("Content-Encoding", contentEncoding)
		}
	}
	if appKey != "" {
		httpRequest.Header.Set(HeaderAppKey, appKey)
	}
	if request.Digest != "" {
		httpRequest.Header.Set(HeaderDigest, request.Digest)
	}
	if request.RecordCount > 0 {
		httpRequest.Header.Set(HeaderRecordCount, strconv.Itoa(request.RecordCount))
	}
}

func statusOK(code int) bool {
	return code >= 200 && code < 300
}
