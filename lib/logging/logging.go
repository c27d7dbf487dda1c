// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package logging builds the slog loggers used by webeye binaries.
//
// When the output is a terminal the logger uses slog.TextHandler for
// human-readable output. When it is piped or redirected it uses
// slog.JSONHandler so the agent's own diagnostics can be ingested by
// the same pipelines as everything else. Levels are named the way the
// SDK has always named them: debug, log (info), warn, error, and
// silent, which discards everything.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"golang.org/x/term"
)

// Format selects the handler.
type Format string

const (
	// FormatAuto picks text on a terminal and JSON otherwise.
	FormatAuto Format = ""
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// Options configures [New].
type Options struct {
	// Output defaults to os.Stderr.
	Output io.Writer

	// Level is a level name accepted by [ParseLevel]. Empty means warn.
	Level string

	// Debug overrides Level with debug.
	Debug bool

	Format Format
}

// LevelSilent sorts above every level slog emits. A handler at this
// level writes nothing.
const LevelSilent = slog.Level(1 << 10)

// ParseLevel maps a level name to a slog level.
func ParseLevel(name string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return slog.LevelDebug, nil
	case "log", "info":
		return slog.LevelInfo, nil
	case "", "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	case "silent", "none", "off":
		return LevelSilent, nil
	default:
		return 0, fmt.Errorf("logging: unknown level %q", name)
	}
}

// New returns a logger configured by options. An unknown level name
// is an error.
func New(options Options) (*slog.Logger, error) {
	level, err := ParseLevel(options.Level)
	if err != nil {
		return nil, err
	}
	if options.Debug {
		level = slog.LevelDebug
	}
	if level >= LevelSilent {
		return slog.New(slog.DiscardHandler), nil
	}

	output := options.Output
	if output == nil {
		output = os.Stderr
	}

	handlerOptions := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if useText(options.Format, output) {
		handler = slog.NewTextHandler(output, handlerOptions)
	} else {
		handler = slog.NewJSONHandler(output, handlerOptions)
	}
	return slog.New(handler), nil
}

func useText(format Format, output io.Writer) bool {
	switch format {
	case FormatText:
		return true
	case FormatJSON:
		return false
	}
	file, ok := output.(*os.File)
	return ok && term.IsTerminal(int(file.Fd()))
}
