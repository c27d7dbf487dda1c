// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
)

// Status is the exit code for the result of run(). A nil error and a
// context cancellation, which is how a signal-driven shutdown surfaces,
// are 0. Anything else is 1.
func Status(err error) int {
	if err == nil || errors.Is(err, context.Canceled) {
		return 0
	}
	return 1
}

// Report writes "error: err" to w when err has a non-zero Status. It
// is for main(), before or after the structured logger exists.
func Report(w io.Writer, err error) {
	if Status(err) != 0 {
		fmt.Fprintf(w, "error: %v\n", err)
	}
}

// Exit reports err to stderr and exits with its Status.
func Exit(err error) {
	Report(os.Stderr, err)
	os.Exit(Status(err))
}
