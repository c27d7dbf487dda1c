// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/bureau-foundation/webeye/lib/clock"
	"github.com/bureau-foundation/webeye/lib/codec"
	"github.com/bureau-foundation/webeye/lib/config"
	"github.com/bureau-foundation/webeye/lib/record"
	"github.com/bureau-foundation/webeye/lib/transport"
)

// ServeOptions configures [Serve].
type ServeOptions struct {
	Client *http.Client
	Clock  clock.Clock
	Logger *slog.Logger
}

// Serve runs a pipeline for the client on the other end of r and w.
// The first frame must be init. Serve returns nil when the client
// sends close or the stream ends, after closing the pipeline.
func Serve(ctx context.Context, r io.Reader, w io.Writer, options ServeOptions) error {
	logger := options.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	logger = logger.With("component", "worker")

	decoder := codec.NewDecoder(r)
	responder := &responder{encoder: codec.NewEncoder(w)}

	var first Message
	if err := decoder.Decode(&first); err != nil {
		if isExpectedClose(err) {
			return nil
		}
		return fmt.Errorf("worker: reading init: %w", err)
	}
	if first.Type != MessageInit {
		responder.send(Response{Type: ResponseError, ID: first.ID, Error: "expected init"})
		return fmt.Errorf("worker: first frame is %q, want init", first.Type)
	}
	cfg := config.Default()
	if err := codec.Unmarshal(first.Data, cfg); err != nil {
		responder.send(Response{Type: ResponseError, Error: "invalid config"})
		return fmt.Errorf("worker: decoding init config: %w", err)
	}

	local, err := Start(ctx, Options{
		Config:      cfg,
		FetchSuffix: transport.SuffixWorker,
		Client:      options.Client,
		Clock:       options.Clock,
		Logger:      options.Logger,
	})
	if err != nil {
		responder.send(Response{Type: ResponseError, Error: err.Error()})
		return err
	}
	if err := responder.send(Response{Type: ResponseReady}); err != nil {
		local.Close(context.WithoutCancel(ctx))
		return fmt.Errorf("worker: writing ready: %w", err)
	}
	logger.Info("worker ready", "report_url", cfg.ReportURL)

	// Flush and unload can take seconds; run them off the read loop so
	// logs keep flowing. inFlight is drained before the pipeline closes.
	var inFlight sync.WaitGroup
	defer func() {
		inFlight.Wait()
		if err := local.Close(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("closing pipeline", "error", err)
		}
	}()

	for {
		var message Message
		if err := decoder.Decode(&message); err != nil {
			if isExpectedClose(err) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("worker: reading frame: %w", err)
		}

		switch message.Type {
		case MessageLog:
			var r record.Record
			if err := codec.Unmarshal(message.Data, &r); err != nil {
				responder.fail(message.ID, fmt.Errorf("decoding record: %w", err))
				continue
			}
			responder.result(message.ID, local.Enqueue(ctx, r))

		case MessageFlush:
			inFlight.Add(1)
			go func(id uint64) {
				defer inFlight.Done()
				responder.result(id, local.Flush(ctx))
			}(message.ID)

		case MessageHidden:
			local.Hidden()
			responder.result(message.ID, nil)

		case MessageUnload:
			inFlight.Add(1)
			go func(id uint64) {
				defer inFlight.Done()
				handled := local.Unload(ctx)
				responder.send(Response{Type: ResponseAck, ID: id, Handled: handled})
			}(message.ID)

		case MessageClose:
			inFlight.Wait()
			err := local.Close(context.WithoutCancel(ctx))
			responder.result(message.ID, err)
			return nil

		default:
			logger.Warn("unknown worker message", "type", message.Type)
			responder.fail(message.ID, fmt.Errorf("unknown message type %q", message.Type))
		}
	}
}

// responder serializes writes from the read loop and the flush
// goroutines.
type responder struct {
	mutex   sync.Mutex
	encoder *codec.Encoder
}

func (r *responder) send(response Response) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.encoder.Encode(response)
}

func (r *responder) result(id uint64, err error) {
	if err != nil {
		r.fail(id, err)
		return
	}
	r.send(Response{Type: ResponseAck, ID: id})
}

func (r *responder) fail(id uint64, err error) {
	r.send(Response{Type: ResponseError, ID: id, Error: err.Error()})
}
