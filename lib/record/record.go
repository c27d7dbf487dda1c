// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package record

import (
	"fmt"
	"maps"

	"github.com/google/uuid"

	"github.com/bureau-foundation/webeye/lib/payload"
)

// Type classifies a record. The set is closed; plugins may not invent
// new types.
type Type string

const (
	TypePerformance Type = "performance"
	TypeRequest     Type = "request"
	TypeError       Type = "error"
	TypeRoute       Type = "route"
	TypeBehavior    Type = "behavior"
	// TypeRecord carries a session-replay chunk.
	TypeRecord      Type = "record"
	TypeWhiteScreen Type = "white_screen"
	TypeResource    Type = "resource"
	TypeCode        Type = "code"
	TypeCustom      Type = "custom"
	TypeConsole     Type = "console"
)

var validTypes = map[Type]bool{
	TypePerformance: true,
	TypeRequest:     true,
	TypeError:       true,
	TypeRoute:       true,
	TypeBehavior:    true,
	TypeRecord:      true,
	TypeWhiteScreen: true,
	TypeResource:    true,
	TypeCode:        true,
	TypeCustom:      true,
	TypeConsole:     true,
}

// Valid reports whether t is one of the defined record types.
func (t Type) Valid() bool { return validTypes[t] }

// ParseType converts a string to a Type, rejecting unknown values.
func ParseType(s string) (Type, error) {
	t := Type(s)
	if !t.Valid() {
		return "", fmt.Errorf("record: unknown type %q", s)
	}
	return t, nil
}

// Status is the delivery state of a stored record.
type Status string

const (
	// StatusPending records are waiting for a flush. New records and
	// records returned after exhausting in-page retries are pending.
	StatusPending Status = "pending"
	// StatusSending records belong to the batch currently in flight.
	StatusSending Status = "sending"
	// StatusFailed is left by a process that died mid-send. The next
	// startup drain treats it like pending.
	StatusFailed Status = "failed"
)

// Record is one unit of telemetry.
type Record struct {
	ID         string         `json:"id"`
	Type       Type           `json:"type"`
	AppKey     string         `json:"appKey,omitempty"`
	SessionID  string         `json:"sessionId"`
	VisitorID  string         `json:"visitorId,omitempty"`
	Timestamp  int64          `json:"timestamp"`
	Payload    any            `json:"data,omitempty"`
	DeviceInfo DeviceInfo     `json:"deviceInfo"`
	Extends    map[string]any `json:"extends,omitempty"`

	// Delivery bookkeeping. Never sent to the collector.
	Status     Status `json:"-"`
	RetryCount int    `json:"-"`
	CreatedAt  int64  `json:"-"`
	UpdatedAt  int64  `json:"-"`
}

// Partial is what a plugin reports: the type and payload, with every
// system field left for the monitor to fill in. Fields set here win
// over the monitor's defaults, except ID, which is always generated.
type Partial struct {
	Type      Type           `json:"type"`
	Payload   any            `json:"data,omitempty"`
	SessionID string         `json:"sessionId,omitempty"`
	Timestamp int64          `json:"timestamp,omitempty"`
	Extends   map[string]any `json:"extends,omitempty"`
}

// Patch is a partial update to a stored record's bookkeeping fields.
// Nil fields are left unchanged.
type Patch struct {
	Status     *Status
	RetryCount *int
	UpdatedAt  *int64
}

// Apply merges the patch into r.
func (p Patch) Apply(r *Record) {
	if p.Status != nil {
		r.Status = *p.Status
	}
	if p.RetryCount != nil {
		r.RetryCount = *p.RetryCount
	}
	if p.UpdatedAt != nil {
		r.UpdatedAt = *p.UpdatedAt
	}
}

// Envelope carries the system fields the monitor stamps onto a
// Partial.
type Envelope struct {
	AppKey     string
	SessionID  string
	VisitorID  string
	Timestamp  int64
	DeviceInfo DeviceInfo
	Extends    map[string]any
}

// New builds a Record from a plugin's Partial. The extends map is
// copied so that later changes to the monitor's extends never reach
// records already created; keys set on the Partial override the
// envelope's.
func New(partial Partial, envelope Envelope) Record {
	r := Record{
		ID:         NewID(),
		Type:       partial.Type,
		AppKey:     envelope.AppKey,
		SessionID:  envelope.SessionID,
		VisitorID:  envelope.VisitorID,
		Timestamp:  envelope.Timestamp,
		Payload:    partial.Payload,
		DeviceInfo: envelope.DeviceInfo,
		Status:     StatusPending,
		CreatedAt:  envelope.Timestamp,
		UpdatedAt:  envelope.Timestamp,
	}
	if partial.SessionID != "" {
		r.SessionID = partial.SessionID
	}
	if partial.Timestamp != 0 {
		r.Timestamp = partial.Timestamp
	}
	if r.VisitorID == "" {
		r.VisitorID = r.SessionID
	}
	if len(envelope.Extends) > 0 || len(partial.Extends) > 0 {
		r.Extends = make(map[string]any, len(envelope.Extends)+len(partial.Extends))
		maps.Copy(r.Extends, envelope.Extends)
		maps.Copy(r.Extends, partial.Extends)
	}
	return r
}

// Portable returns r with Payload and Extends reduced to plain maps
// with string keys, slices and scalars, which both the JSON wire format
// and the CBOR store accept. Cycles, funcs, channels and other values
// neither can represent become placeholders.
func (r Record) Portable() Record {
	r.Payload = payload.Sanitize(r.Payload)
	if r.Extends != nil {
		if clean, ok := payload.Sanitize(r.Extends).(map[string]any); ok {
			r.Extends = clean
		}
	}
	return r
}

// NewID returns a fresh record identifier.
func NewID() string {
	return uuid.NewString()
}

// IDs returns the identifiers of records in order.
func IDs(records []Record) []string {
	ids := make([]string, len(records))
	for i := range records {
		ids[i] = records[i].ID
	}
	return ids
}
