// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for the webeye agent.
//
// Configuration is loaded from a single file specified by either the
// WEBEYE_CONFIG environment variable (via [Load]) or a --config flag
// (via [LoadFile]). There are no fallbacks and no automatic file
// search. The file format follows the extension: YAML (.yaml, .yml),
// JSON with comments (.json, .jsonc), or TOML (.toml).
//
// Option names follow the SDK surface in snake_case. The historical
// spellings dsn and appid are accepted for report_url and app_key.
// Durations accept Go duration strings or integer milliseconds.
//
// The file may contain environment-specific sections (development,
// staging, production) that override base values when
// [Config].Environment matches. store.dir is expanded for ${HOME} and
// ${VAR:-default} after loading.
//
// Key exports:
//
//   - [Config] -- delivery, transport, compression, store, worker and
//     plugin settings
//   - [Default] -- returns a Config with the SDK defaults
//   - [Load] and [LoadFile] -- the two entry points for loading
//   - [Duration] -- string-or-milliseconds duration
//
// This package depends on no other webeye packages.
package config
