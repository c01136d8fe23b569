package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// FieldError represents a single field's validation error.
type FieldError struct {
	Field string `json:"field"`
	Msg   string `json:"message"`
}

func (e FieldError) Error() string { return fmt.Sprintf("%s: %s", e.Field, e.Msg) }

// ValidateSaveEvent performs strict checks on an incoming event save request.
// now and skew bound the optional client-supplied occurrence time.
func ValidateSaveEvent(req *SaveEventRequest, now time.Time, skew time.Duration) []FieldError {
	var errs []FieldError

	if strings.TrimSpace(req.AggregateID) == "" {
		errs = append(errs, FieldError{"aggregate_id", "required"})
	} else if len(req.AggregateID) > MaxAggregateIDLen {
		errs = append(errs, FieldError{"aggregate_id", fmt.Sprintf("max length %d", MaxAggregateIDLen)})
	}

	if req.AggregateType == "" {
		errs = append(errs, FieldError{"aggregate_type", "required"})
	} else if len(req.AggregateType) > MaxAggregateTypeLen {
		errs = append(errs, FieldError{"aggregate_type", fmt.Sprintf("max length %d", MaxAggregateTypeLen)})
	}

	if req.EventType == "" {
		errs = append(errs, FieldError{"event_type", "required"})
	} else if len(req.EventType) > MaxEventTypeLen {
		errs = append(errs, FieldError{"event_type", fmt.Sprintf("max length %d", MaxEventTypeLen)})
	}

	if req.EventVersion < 0 {
		errs = append(errs, FieldError{"event_version", "must not be negative"})
	}

	if req.CausationID != "" {
		if _, err := uuid.Parse(req.CausationID); err != nil {
			errs = append(errs, FieldError{"causation_id", "must be a UUID"})
		}
	}
	if req.CorrelationID != "" {
		if _, err := uuid.Parse(req.CorrelationID); err != nil {
			errs = append(errs, FieldError{"correlation_id", "must be a UUID"})
		}
	}

	if req.OccurredAt != "" {
		t, err := time.Parse(time.RFC3339, req.OccurredAt)
		if err != nil {
			errs = append(errs, FieldError{"occurred_at", "must be RFC 3339"})
		} else if t.After(now.Add(skew)) {
			errs = append(errs, FieldError{"occurred_at", "must not be in the future"})
		}
	}

	return errs
}
