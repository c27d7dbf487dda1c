// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"

	"github.com/bureau-foundation/webeye/lib/codec"
	"github.com/bureau-foundation/webeye/lib/config"
	"github.com/bureau-foundation/webeye/lib/record"
)

// ErrClosed is returned by calls on a Client whose stream has ended.
var ErrClosed = errors.New("worker: stream closed")

// Client drives a pipeline served by [Serve] on the other end of a
// stream.
type Client struct {
	logger *slog.Logger

	writeMutex sync.Mutex
	encoder    *codec.Encoder

	nextID  atomic.Uint64
	mutex   sync.Mutex
	waiters map[uint64]chan Response

	// done closes when the read loop exits.
	done chan struct{}

	closer    io.Closer
	wait      func() error
	closeOnce sync.Once
	closeErr  error
}

// NewClient sends init with cfg over w and waits for the ready
// response on r. closer, when non-nil, is closed by Close after the
// close frame is acknowledged.
func NewClient(ctx context.Context, r io.Reader, w io.Writer, closer io.Closer, cfg *config.Config, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	data, err := codec.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("worker: encoding config: %w", err)
	}

	client := &Client{
		logger:  logger.With("component", "worker-client"),
		encoder: codec.NewEncoder(w),
		waiters: make(map[uint64]chan Response),
		done:    make(chan struct{}),
		closer:  closer,
	}
	if err := client.write(Message{Type: MessageInit, Data: data}); err != nil {
		return nil, fmt.Errorf("worker: writing init: %w", err)
	}

	decoder := codec.NewDecoder(r)
	ready := make(chan error, 1)
	go func() {
		var response Response
		if err := decoder.Decode(&response); err != nil {
			ready <- fmt.Errorf("worker: reading ready: %w", err)
			return
		}
		switch response.Type {
		case ResponseReady:
			ready <- nil
		case ResponseError:
			ready <- fmt.Errorf("worker: init rejected: %s", response.Error)
		default:
			ready <- fmt.Errorf("worker: unexpected %q before ready", response.Type)
		}
	}()
	select {
	case err := <-ready:
		if err != nil {
			return nil, err
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	go client.readLoop(decoder)
	return client, nil
}

// Spawn starts command as a child process serving the worker protocol
// on its stdin and stdout. The child's stderr is passed through.
func Spawn(ctx context.Context, command []string, cfg *config.Config, logger *slog.Logger) (*Client, error) {
	if len(command) == 0 {
		return nil, errors.New("worker: empty command")
	}
	cmd := exec.Command(command[0], command[1:]...)
	cmd.Stderr = os.Stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("worker: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("worker: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("worker: starting %s: %w", command[0], err)
	}

	client, err := NewClient(ctx, stdout, stdin, stdin, cfg, logger)
	if err != nil {
		stdin.Close()
		cmd.Process.Kill()
		cmd.Wait()
		return nil, err
	}
	client.wait = cmd.Wait
	client.logger.Info("worker process started", "pid", cmd.Process.Pid)
	return client, nil
}

func (c *Client) readLoop(decoder *codec.Decoder) {
	defer close(c.done)
	for {
		var response Response
		if err := decoder.Decode(&response); err != nil {
			if !isExpectedClose(err) {
				c.logger.Warn("reading worker response", "error", err)
			}
			return
		}
		c.mutex.Lock()
		waiter, ok := c.waiters[response.ID]
		delete(c.waiters, response.ID)
		c.mutex.Unlock()
		if !ok {
			if response.Type == ResponseError {
				c.logger.Warn("worker error", "error", response.Error)
			}
			continue
		}
		waiter <- response
	}
}

func (c *Client) write(message Message) error {
	c.writeMutex.Lock()
	defer c.writeMutex.Unlock()
	return c.encoder.Encode(message)
}

// call sends a frame and waits for its response.
func (c *Client) call(ctx context.Context, message Message) (Response, error) {
	message.ID = c.nextID.Add(1)
	waiter := make(chan Response, 1)
	c.mutex.Lock()
	c.waiters[message.ID] = waiter
	c.mutex.Unlock()
	defer func() {
		c.mutex.Lock()
		delete(c.waiters, message.ID)
		c.mutex.Unlock()
	}()

	if err := c.write(message); err != nil {
		if isExpectedClose(err) {
			return Response{}, ErrClosed
		}
		return Response{}, fmt.Errorf("worker: writing %s: %w", message.Type, err)
	}

	select {
	case response := <-waiter:
		if response.Type == ResponseError {
			return response, fmt.Errorf("worker: %s: %s", message.Type, response.Error)
		}
		return response, nil
	case <-c.done:
		return Response{}, ErrClosed
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
}

// Enqueue sends r to the worker and waits until it is persisted.
func (c *Client) Enqueue(ctx context.Context, r record.Record) error {
	data, err := codec.Marshal(r.Portable())
	if err != nil {
		return fmt.Errorf("worker: encoding record %s: %w", r.ID, err)
	}
	_, err = c.call(ctx, Message{Type: MessageLog, Data: data})
	return err
}

// Flush asks the worker to drain its queue and waits for the result.
func (c *Client) Flush(ctx context.Context) error {
	_, err := c.call(ctx, Message{Type: MessageFlush})
	return err
}

// Hidden asks the worker for an asynchronous flush. It does not wait.
func (c *Client) Hidden() {
	if err := c.write(Message{Type: MessageHidden}); err != nil {
		c.logger.Warn("sending hidden", "error", err)
	}
}

// Unload asks the worker to hand everything pending to the exit path
// and reports whether it all went.
func (c *Client) Unload(ctx context.Context) bool {
	response, err := c.call(ctx, Message{Type: MessageUnload})
	if err != nil {
		c.logger.Warn("unload", "error", err)
		return false
	}
	return response.Handled
}

// Close asks the worker to close its pipeline, then closes the stream
// and waits for the child process if there is one.
func (c *Client) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		var errs []error
		if _, err := c.call(ctx, Message{Type: MessageClose}); err != nil && !errors.Is(err, ErrClosed) {
			errs = append(errs, err)
		}
		if c.closer != nil {
			if err := c.closer.Close(); err != nil {
				errs = append(errs, fmt.Errorf("worker: closing stream: %w", err))
			}
		}
		if c.wait != nil {
			if err := c.wait(); err != nil {
				errs = append(errs, fmt.Errorf("worker: process exit: %w", err))
			}
		}
		c.closeErr = errors.Join(errs...)
	})
	return c.closeErr
}
