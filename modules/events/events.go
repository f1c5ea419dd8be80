// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

// Package events defines the CloudEvents v1.0 envelope emitted by the commit
// store and consumed by the subscription pipeline. The wire format is JSON;
// payloads are closed, typed structs rather than free-form maps.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const SpecVersion = "1.0"

// Canonical event types.
const (
	SchemaChanged    = "schema.changed"
	SchemaReverted   = "schema.reverted"
	BranchCreated    = "branch.created"
	MergeCompleted   = "merge.completed"
	IndexSwitched    = "index.switched"
	LockAcquired     = "lock.acquired"
	LockReleased     = "lock.released"
	LockAutoReleased = "lock.auto_released"
)

var knownTypes = map[string]bool{
	SchemaChanged:    true,
	SchemaReverted:   true,
	BranchCreated:    true,
	MergeCompleted:   true,
	IndexSwitched:    true,
	LockAcquired:     true,
	LockReleased:     true,
	LockAutoReleased: true,
}

func KnownType(t string) bool {
	return knownTypes[t]
}

// Envelope is a CloudEvents v1.0 event. Required attributes are specversion,
// id, source, type and time; Data carries the typed payload.
type Envelope struct {
	SpecVersion     string          `json:"specversion"`
	ID              string          `json:"id"`
	Source          string          `json:"source"`
	Type            string          `json:"type"`
	Time            time.Time       `json:"time"`
	DataContentType string          `json:"datacontenttype,omitempty"`
	Data            json.RawMessage `json:"data,omitempty"`
}

// New builds an envelope with a fresh UUID id and the current UTC time. The
// payload is marshaled into Data.
func New(eventType, source string, payload any) (*Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode event payload: %w", err)
	}
	return &Envelope{
		SpecVersion:     SpecVersion,
		ID:              uuid.NewString(),
		Source:          source,
		Type:            eventType,
		Time:            time.Now().UTC(),
		DataContentType: "application/json",
		Data:            data,
	}, nil
}

// Validate checks the required CloudEvents attributes. Ill-formed envelopes
// are NAKed to the parse DLQ by the subscriber.
func (e *Envelope) Validate() error {
	if e.SpecVersion != SpecVersion {
		return fmt.Errorf("unsupported specversion %q", e.SpecVersion)
	}
	if e.ID == "" {
		return fmt.Errorf("event id missing")
	}
	if e.Source == "" {
		return fmt.Errorf("event source missing")
	}
	if e.Type == "" {
		return fmt.Errorf("event type missing")
	}
	if e.Time.IsZero() {
		return fmt.Errorf("event time missing")
	}
	return nil
}

func (e *Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

func Unmarshal(b []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, err
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return &e, nil
}
