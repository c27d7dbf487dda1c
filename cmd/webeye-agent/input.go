// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/bureau-foundation/webeye/lib/monitor"
	"github.com/bureau-foundation/webeye/lib/record"
)

// maxLineBytes bounds one input record.
const maxLineBytes = 1 << 20

type reporter interface {
	Report(ctx context.Context, partial record.Partial) error
}

// forward reads newline-delimited JSON records from r and reports
// each. Malformed lines and rejected records are logged and skipped.
// It returns nil at end of input.
func forward(ctx context.Context, r io.Reader, target reporter, logger *slog.Logger) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64<<10), maxLineBytes)

	line := 0
	for scanner.Scan() {
		line++
		text := bytes.TrimSpace(scanner.Bytes())
		if len(text) == 0 {
			continue
		}
		var partial record.Partial
		if err := json.Unmarshal(text, &partial); err != nil {
			logger.Warn("skipping malformed input line", "line", line, "error", err)
			continue
		}
		err := target.Report(ctx, partial)
		switch {
		case err == nil:
		case errors.Is(err, monitor.ErrNotInstalled), ctx.Err() != nil:
			return nil
		default:
			logger.Warn("skipping rejected record", "line", line, "type", partial.Type, "error", err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading input line %d: %w", line+1, err)
	}
	return nil
}
