package domain

// SaveEventRequest is the wire shape accepted by the event save endpoint.
// Provenance fields (causation/correlation) are optional; organization, user
// and session scoping come from the authenticated request context.
type SaveEventRequest struct {
	AggregateID   string         `json:"aggregate_id"`
	AggregateType string         `json:"aggregate_type"`
	EventType     string         `json:"event_type"`
	EventVersion  int            `json:"event_version,omitempty"`
	Data          map[string]any `json:"data,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	CausationID   string         `json:"causation_id,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	// OccurredAt is the client-reported occurrence time (RFC 3339). The server
	// timestamps the row itself; this only annotates the event's metadata.
	OccurredAt string `json:"occurred_at,omitempty"`
}

// Validation constraints (keep in sync with the API docs).
const (
	MaxAggregateIDLen   = 256
	MaxAggregateTypeLen = 128
	MaxEventTypeLen     = 128
)
