// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that decodes from either a Go duration
// string ("1.5s", "250ms") or an integer number of milliseconds, the
// unit the SDK option names have always used.
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", node.Line)
	}
	switch node.Tag {
	case "!!int", "!!float":
		var millis float64
		if err := node.Decode(&millis); err != nil {
			return err
		}
		return d.setMillis(millis)
	default:
		return d.parse(node.Value)
	}
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) { return d.String(), nil }

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var value any
	if err := json.Unmarshal(data, &value); err != nil {
		return err
	}
	return d.decode(value)
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) { return json.Marshal(d.String()) }

// UnmarshalTOML implements toml.Unmarshaler.
func (d *Duration) UnmarshalTOML(value any) error { return d.decode(value) }

func (d *Duration) decode(value any) error {
	switch v := value.(type) {
	case string:
		return d.parse(v)
	case float64:
		return d.setMillis(v)
	case int64:
		return d.setMillis(float64(v))
	default:
		return fmt.Errorf("duration must be a string or a number of milliseconds, got %T", value)
	}
}

func (d *Duration) parse(text string) error {
	parsed, err := time.ParseDuration(text)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d *Duration) setMillis(millis float64) error {
	if math.IsNaN(millis) || math.IsInf(millis, 0) {
		return fmt.Errorf("invalid duration %v", millis)
	}
	*d = Duration(millis * float64(time.Millisecond))
	return nil
}
