// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package process maps the error returned by a binary's run() to its
// exit status.
package process
