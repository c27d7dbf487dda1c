// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, 0},
		{context.Canceled, 0},
		{fmt.Errorf("agent: %w", context.Canceled), 0},
		{context.DeadlineExceeded, 1},
		{errors.New("config: app_key is required"), 1},
	}
	for _, test := range tests {
		if got := Status(test.err); got != test.want {
			t.Errorf("Status(%v) = %d, want %d", test.err, got, test.want)
		}
	}
}

func TestReport(t *testing.T) {
	var buffer bytes.Buffer
	Report(&buffer, context.Canceled)
	if buffer.Len() != 0 {
		t.Errorf("cancellation reported: %q", buffer.String())
	}
	Report(&buffer, errors.New("listening on :8787: address in use"))
	if got := buffer.String(); got != "error: listening on :8787: address in use\n" {
		t.Errorf("report = %q", got)
	}
}
