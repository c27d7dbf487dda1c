// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
)

// Set with -ldflags -X. When GitCommit is left at "unknown" the VCS
// stamp the go command embeds in the binary is used instead.
var (
	GitCommit = "unknown"
	GitDirty  = "false"
	BuildTime = "unknown"

	// Version is the SDK version recorded on every record.
	Version = "0.1.0-dev"
)

type stamp struct {
	commit string
	dirty  bool
	time   string
}

var readBuildInfo = sync.OnceValue(func() stamp {
	s := stamp{commit: "unknown", time: "unknown"}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return s
	}
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			s.commit = setting.Value
			if len(s.commit) > 7 {
				s.commit = s.commit[:7]
			}
		case "vcs.modified":
			s.dirty = setting.Value == "true"
		case "vcs.time":
			s.time = setting.Value
		}
	}
	return s
})

func current() stamp {
	if GitCommit != "unknown" {
		return stamp{commit: GitCommit, dirty: GitDirty == "true", time: BuildTime}
	}
	return readBuildInfo()
}

// Info returns "0.1.0-dev (abc1234-dirty, 2026-02-10T...)" for
// --version output.
func Info() string {
	s := current()
	commit := s.commit
	if s.dirty {
		commit += "-dirty"
	}
	return fmt.Sprintf("%s (%s, %s)", Version, commit, s.time)
}

// Full is Info plus the Go version and platform.
func Full() string {
	return fmt.Sprintf("%s\n  Go: %s\n  Platform: %s/%s",
		Info(), runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

// Short returns Version.
func Short() string { return Version }

// UserAgent returns the product token sent as the User-Agent of
// collector requests and recorded in device info, e.g.
// "webeye-go/0.1.0-dev (linux/amd64)".
func UserAgent() string {
	return fmt.Sprintf("webeye-go/%s (%s/%s)", Version, runtime.GOOS, runtime.GOARCH)
}
