// Package eventstore implements the append-only event log with per-aggregate
// sequence numbering. Writes serialize per aggregate through a transaction
// scoped advisory lock; the unique (aggregate_id, sequence_number) constraint
// is the correctness backstop when the lock key collides.
package eventstore

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrEmptyAggregateID is returned by Save when no usable aggregate
	// identifier was supplied. No write is attempted.
	ErrEmptyAggregateID = errors.New("aggregate id is empty")
)

// Event is an immutable fact record. Events are never updated or deleted.
type Event struct {
	ID               uuid.UUID       `json:"id"`
	EventType        string          `json:"event_type"`
	EventVersion     int             `json:"event_version"`
	AggregateID      string          `json:"aggregate_id"`
	AggregateType    string          `json:"aggregate_type"`
	AggregateVersion int64           `json:"aggregate_version"`
	SequenceNumber   int64           `json:"sequence_number"`
	Data             json.RawMessage `json:"data,omitempty"`
	Metadata         json.RawMessage `json:"metadata,omitempty"`
	CausationID      uuid.NullUUID   `json:"causation_id,omitempty"`
	CorrelationID    uuid.NullUUID   `json:"correlation_id,omitempty"`
	OrganizationID   uuid.NullUUID   `json:"organization_id,omitempty"`
	UserID           uuid.NullUUID   `json:"user_id,omitempty"`
	SessionID        uuid.NullUUID   `json:"session_id,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// SaveParams describes one event to append. AggregateVersion defaults to the
// assigned sequence number when zero.
type SaveParams struct {
	AggregateID      string
	AggregateType    string
	EventType        string
	EventVersion     int
	AggregateVersion int64
	Data             any
	Metadata         map[string]any
	CausationID      uuid.NullUUID
	CorrelationID    uuid.NullUUID
	OrganizationID   uuid.NullUUID
	UserID           uuid.NullUUID
	SessionID        uuid.NullUUID
}
