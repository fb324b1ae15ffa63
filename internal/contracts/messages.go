// Package contracts defines the message schemas exchanged between
// services. Producers and consumers on both sides of the log and the
// update channel must adhere to these; changes must stay
// backwards-compatible, and decoders tolerate unknown fields so either
// side can add fields first.
package contracts

import (
	"encoding/json"
	"fmt"
)

const (
	// PressTopic is the ordered-log topic carrying press events.
	PressTopic = "press_button"

	// PressPartitionKey is the fixed produce key. Every press shares it
	// so all events land on one partition and keep a total order.
	PressPartitionKey = "global"

	// ReducerGroup is the consumer group of the reducer. It must have
	// exactly one active member.
	ReducerGroup = "reducer"

	// StateUpdateChannel is the pub/sub channel carrying state-updated
	// notifications. It never carries authoritative state.
	StateUpdateChannel = "state_updates:v1"
)

// PressEventMessage is produced by ingress (and the sweeper) and
// consumed by the reducer on PressTopic.
type PressEventMessage struct {
	TimestampMS int64  `json:"timestamp_ms"`
	RequestID   string `json:"request_id"`
}

// Validate rejects structurally broken messages. The request_id is an
// opaque token; only emptiness and length are enforced so sweeper ids
// ("sweep-<bucket>") pass alongside uuid hex.
func (m PressEventMessage) Validate() error {
	if m.TimestampMS < 0 {
		return fmt.Errorf("timestamp_ms must be non-negative, got %d", m.TimestampMS)
	}
	if m.RequestID == "" {
		return fmt.Errorf("request_id is required")
	}
	if len(m.RequestID) > 64 {
		return fmt.Errorf("request_id exceeds 64 chars")
	}
	return nil
}

// Encode serializes the message as UTF-8 JSON for the log.
func (m PressEventMessage) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// DecodePressEvent parses a log payload. Unknown fields are accepted
// and ignored for forward compatibility.
func DecodePressEvent(data []byte) (PressEventMessage, error) {
	var m PressEventMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return PressEventMessage{}, fmt.Errorf("decode press event: %w", err)
	}
	if err := m.Validate(); err != nil {
		return PressEventMessage{}, err
	}
	return m, nil
}

// StateUpdateTypeName is the discriminator carried by every update
// channel message.
const StateUpdateTypeName = "state_updated"

// StateUpdateMessage is published by the reducer after a state row is
// persisted. The fan-out re-fetches the full state by ID; the payload
// is advisory only.
type StateUpdateMessage struct {
	Type              string `json:"type"`
	ID                int64  `json:"id"`
	LastAppliedOffset int64  `json:"last_applied_offset"`
	RulesHash         string `json:"rules_hash"`
}

// NewStateUpdate builds a notification for a persisted state row.
func NewStateUpdate(id, lastAppliedOffset int64, rulesHash string) StateUpdateMessage {
	return StateUpdateMessage{
		Type:              StateUpdateTypeName,
		ID:                id,
		LastAppliedOffset: lastAppliedOffset,
		RulesHash:         rulesHash,
	}
}

func (m StateUpdateMessage) Validate() error {
	if m.Type != StateUpdateTypeName {
		return fmt.Errorf("unexpected message type %q", m.Type)
	}
	if m.ID < 1 {
		return fmt.Errorf("id must be >= 1, got %d", m.ID)
	}
	if m.LastAppliedOffset < 0 {
		return fmt.Errorf("last_applied_offset must be non-negative, got %d", m.LastAppliedOffset)
	}
	if m.RulesHash == "" {
		return fmt.Errorf("rules_hash is required")
	}
	return nil
}

// Encode serializes the notification as UTF-8 JSON for the channel.
func (m StateUpdateMessage) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// DecodeStateUpdate parses an update channel payload, ignoring unknown
// fields.
func DecodeStateUpdate(data []byte) (StateUpdateMessage, error) {
	var m StateUpdateMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return StateUpdateMessage{}, fmt.Errorf("decode state update: %w", err)
	}
	if err := m.Validate(); err != nil {
		return StateUpdateMessage{}, err
	}
	return m, nil
}
