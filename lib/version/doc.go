// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package version provides build version information for webeye.
//
// Version information is injected at build time via -ldflags, for
// example:
//
//	go build -ldflags "-X github.com/bureau-foundation/webeye/lib/version.GitCommit=$(git rev-parse --short HEAD)"
//
// Without -ldflags the commit and build time come from the VCS stamp
// the go command embeds when building inside a repository, and are
// "unknown" otherwise (test binaries, go run).
//
//   - [Info] -- "0.1.0-dev (abc1234, 2026-02-10T...)" for --version
//   - [Full] -- Info plus Go version and GOOS/GOARCH
//   - [Short] -- just the version number, recorded as the SDK version
//   - [UserAgent] -- the product token sent to the collector
package version
