// Package iu defines the Incremental Unit (IU) message model used on the
// Palaver bus.
//
// Every message exchanged between modules is an IU: a small envelope that
// carries an incremental contribution to a stream. Contributions are additive
// (ADD), retractable (REVOKE), or closing (COMMIT). A producer may revoke any
// IU it previously added, which lets upstream modules change their mind — a
// speech recognizer rewriting its hypothesis, a dialogue manager aborting an
// utterance mid-stream — without downstream modules needing bespoke undo
// protocols.
//
// The wire encoding is JSON with a fixed field set
// (timestamp, id, producer, update_type, exchange, body, data_type,
// stability, confidence); decoders tolerate unknown fields.
package iu

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// UpdateKind classifies how an IU modifies the stream it belongs to.
type UpdateKind string

const (
	// Add contributes new content to the current utterance.
	Add UpdateKind = "add"

	// Revoke retracts a previously added IU with the same ID.
	Revoke UpdateKind = "revoke"

	// Commit closes the current utterance on the exchange. No further Adds
	// for that utterance may follow.
	Commit UpdateKind = "commit"
)

// IsValid reports whether k is a recognised update kind.
func (k UpdateKind) IsValid() bool {
	switch k {
	case Add, Revoke, Commit:
		return true
	}
	return false
}

// IU is the envelope every inter-module message travels in.
//
// Timestamps are wall-clock seconds and are non-decreasing per producer on a
// given exchange. IDs are globally unique; a Revoke refers to the Add that
// carried the same ID.
type IU struct {
	// Timestamp is the creation time in unix seconds (fractional).
	Timestamp float64

	// ID is a globally unique identifier. Revokes reuse the ID of the Add
	// they retract.
	ID string

	// Producer tags the module that created this IU (e.g. "asr", "dialogue").
	Producer string

	// Kind is the update type: Add, Revoke, or Commit.
	Kind UpdateKind

	// Exchange names the fan-out exchange this IU is published on.
	Exchange string

	// Body is the payload. See the Body variants in this package.
	Body Body

	// DataType optionally discriminates the payload ("audio",
	// "expression_and_action"). Empty for plain text and event bodies.
	DataType string

	// Stability and Confidence carry recognizer scores where applicable.
	Stability  float64
	Confidence float64
}

// New creates an Add/Revoke/Commit IU with a fresh ID and the current
// wall-clock timestamp.
func New(producer, exchange string, kind UpdateKind, body Body) IU {
	return IU{
		Timestamp: Now(),
		ID:        uuid.NewString(),
		Producer:  producer,
		Kind:      kind,
		Exchange:  exchange,
		Body:      body,
	}
}

// Now returns the current wall clock as fractional unix seconds, the
// timestamp unit used throughout the bus.
func Now() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}

// RevokeOf returns a Revoke twin of in: identical ID, producer, exchange, and
// body, with a fresh timestamp. Publishing it retracts the original Add.
func RevokeOf(in IU) IU {
	out := in
	out.Kind = Revoke
	out.Timestamp = Now()
	return out
}

// wireIU is the JSON encoding of an IU. Field order matches the bus wire
// contract exactly.
type wireIU struct {
	Timestamp  float64         `json:"timestamp"`
	ID         string          `json:"id"`
	Producer   string          `json:"producer"`
	UpdateType string          `json:"update_type"`
	Exchange   string          `json:"exchange"`
	Body       json.RawMessage `json:"body"`
	DataType   string          `json:"data_type,omitempty"`
	Stability  float64         `json:"stability"`
	Confidence float64         `json:"confidence"`
}

// MarshalJSON encodes the IU in the bus wire format.
func (u IU) MarshalJSON() ([]byte, error) {
	body, dataType, err := marshalBody(u.Body)
	if err != nil {
		return nil, fmt.Errorf("iu: marshal body of %s: %w", u.ID, err)
	}
	if u.DataType != "" {
		dataType = u.DataType
	}
	return json.Marshal(wireIU{
		Timestamp:  u.Timestamp,
		ID:         u.ID,
		Producer:   u.Producer,
		UpdateType: string(u.Kind),
		Exchange:   u.Exchange,
		Body:       body,
		DataType:   dataType,
		Stability:  u.Stability,
		Confidence: u.Confidence,
	})
}

// UnmarshalJSON decodes an IU from the bus wire format. Unknown fields are
// ignored; an unrecognised update_type is an error so malformed messages can
// be counted and dropped at the broker boundary.
func (u *IU) UnmarshalJSON(data []byte) error {
	var w wireIU
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("iu: decode envelope: %w", err)
	}
	kind := UpdateKind(w.UpdateType)
	if !kind.IsValid() {
		return fmt.Errorf("iu: unknown update_type %q", w.UpdateType)
	}
	body, err := unmarshalBody(w.Body, w.DataType)
	if err != nil {
		return fmt.Errorf("iu: decode body of %s: %w", w.ID, err)
	}
	*u = IU{
		Timestamp:  w.Timestamp,
		ID:         w.ID,
		Producer:   w.Producer,
		Kind:       kind,
		Exchange:   w.Exchange,
		Body:       body,
		DataType:   w.DataType,
		Stability:  w.Stability,
		Confidence: w.Confidence,
	}
	return nil
}
