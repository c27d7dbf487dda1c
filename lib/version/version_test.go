// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package version

import (
	"runtime"
	"strings"
	"testing"
)

func TestInfoMarksDirtyBuilds(t *testing.T) {
	originalCommit, originalDirty := GitCommit, GitDirty
	t.Cleanup(func() { GitCommit, GitDirty = originalCommit, originalDirty })

	GitCommit = "abc1234"
	GitDirty = "true"
	if info := Info(); !strings.Contains(info, "abc1234-dirty") {
		t.Errorf("Info() = %q, want dirty marker", info)
	}

	GitDirty = "false"
	if info := Info(); strings.Contains(info, "dirty") {
		t.Errorf("Info() = %q, want no dirty marker", info)
	}
}

func TestUserAgent(t *testing.T) {
	agent := UserAgent()
	if !strings.HasPrefix(agent, "webeye-go/"+Version) {
		t.Errorf("UserAgent() = %q, want webeye-go/%s prefix", agent, Version)
	}
	if !strings.Contains(agent, runtime.GOOS+"/"+runtime.GOARCH) {
		t.Errorf("UserAgent() = %q, want platform", agent)
	}
}

func TestInfoFallsBackToBuildStamp(t *testing.T) {
	originalCommit := GitCommit
	t.Cleanup(func() { GitCommit = originalCommit })

	GitCommit = "unknown"
	info := Info()
	if !strings.HasPrefix(info, Version+" (") {
		t.Errorf("Info() = %q", info)
	}
	// Test binaries carry no VCS stamp, so the fields stay unknown;
	// either way the ldflags values must not leak in.
	if strings.Contains(info, "abc1234") {
		t.Errorf("Info() = %q used a stale commit", info)
	}
}
