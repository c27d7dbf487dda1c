// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"errors"
	"io"
	"net"
	"os"
	"syscall"

	"github.com/bureau-foundation/webeye/lib/codec"
)

// Message types sent by a [Client].
const (
	MessageInit   = "init"
	MessageLog    = "log"
	MessageFlush  = "flush"
	MessageHidden = "hidden"
	MessageUnload = "unload"
	MessageClose  = "close"
)

// Response types sent by [Serve].
const (
	ResponseReady = "ready"
	ResponseAck   = "ack"
	ResponseError = "error"
)

// Message is a frame from the host side. Data holds the init config
// or the log record, encoded separately so the type can be read first.
type Message struct {
	Type string           `json:"type" cbor:"type"`
	ID   uint64           `json:"id,omitempty" cbor:"id,omitempty"`
	Data codec.RawMessage `json:"data,omitempty" cbor:"data,omitempty"`
}

// Response answers the Message with the same ID. Handled is set on
// unload acks.
type Response struct {
	Type    string `json:"type" cbor:"type"`
	ID      uint64 `json:"id,omitempty" cbor:"id,omitempty"`
	Error   string `json:"error,omitempty" cbor:"error,omitempty"`
	Handled bool   `json:"handled,omitempty" cbor:"handled,omitempty"`
}

// isExpectedClose reports whether err is the normal end of a worker
// stream: EOF, a closed pipe or file, or a peer that went away.
func isExpectedClose(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.ErrClosedPipe) || errors.Is(err, os.ErrClosed) ||
		errors.Is(err, net.ErrClosed) {
		return true
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.EPIPE || errno == syscall.ECONNRESET
	}
	return false
}
