package eventstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/latticehq/lattice/internal/storage/postgres"
)

// DB is the pool surface the store needs. Satisfied by *pgxpool.Pool.
type DB interface {
	postgres.Querier
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store appends events with per-aggregate sequence numbering.
type Store struct {
	db   DB
	log  *slog.Logger
	role string

	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration

	// sleep is swappable so tests can observe retry delays.
	sleep func(ctx context.Context, d time.Duration) error
}

// Options tune the conflict-retry policy.
type Options struct {
	// Role is the privileged database role used to bypass row-level
	// security for the insert.
	Role        string
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func NewStore(db DB, log *slog.Logger, opts Options) *Store {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = 25 * time.Millisecond
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = 500 * time.Millisecond
	}
	return &Store{
		db:          db,
		log:         log,
		role:        opts.Role,
		maxAttempts: opts.MaxAttempts,
		baseDelay:   opts.BaseDelay,
		maxDelay:    opts.MaxDelay,
		sleep:       sleepCtx,
	}
}

// Save assigns the next sequence number for the aggregate and persists the
// event atomically. Concurrent writers for the same aggregate serialize on a
// transaction-scoped advisory lock; if they race past it anyway the unique
// constraint rejects the duplicate and the whole sequence is retried with
// exponential backoff. Any non-conflict error surfaces immediately.
func (s *Store) Save(ctx context.Context, p SaveParams) (*Event, error) {
	if strings.TrimSpace(p.AggregateID) == "" {
		return nil, ErrEmptyAggregateID
	}

	ev, err := newEvent(p)
	if err != nil {
		return nil, err
	}

	bo := newBackOff(s.baseDelay, s.maxDelay)
	var lastErr error
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		saved, err := s.saveOnce(ctx, ev)
		if err == nil {
			return saved, nil
		}
		if !IsSequenceConflict(err) {
			return nil, err
		}
		lastErr = err
		s.log.Warn("event sequence conflict",
			"aggregate_id", p.AggregateID, "attempt", attempt)
		if attempt == s.maxAttempts {
			break
		}
		if err := s.sleep(ctx, bo.NextBackOff()); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("save event for aggregate %q: retries exhausted: %w", p.AggregateID, lastErr)
}

// SaveForAudit is the audit-path variant: an empty aggregate identifier is a
// benign no-op instead of an error, so unattributable audit events never
// clutter the log. Returns (nil, nil) for the no-op case.
func (s *Store) SaveForAudit(ctx context.Context, p SaveParams) (*Event, error) {
	if strings.TrimSpace(p.AggregateID) == "" {
		return nil, nil
	}
	return s.Save(ctx, p)
}

// SaveInTx appends within an ambient transaction supplied by the caller.
// No retry is attempted: a sequence conflict poisons the transaction, so the
// conflict surfaces to the transaction owner instead.
func (s *Store) SaveInTx(ctx context.Context, tx pgx.Tx, p SaveParams) (*Event, error) {
	if strings.TrimSpace(p.AggregateID) == "" {
		return nil, ErrEmptyAggregateID
	}
	ev, err := newEvent(p)
	if err != nil {
		return nil, err
	}
	return s.sequenceAndInsert(ctx, tx, ev)
}

func (s *Store) saveOnce(ctx context.Context, ev *Event) (*Event, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	saved, err := s.sequenceAndInsert(ctx, tx, ev)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return saved, nil
}

// sequenceAndInsert serializes on the aggregate's advisory lock, reads the
// max sequence and inserts. The privileged role is scoped to the closure and
// restored on every exit path.
func (s *Store) sequenceAndInsert(ctx context.Context, tx pgx.Tx, ev *Event) (*Event, error) {
	saved := *ev
	saved.ID = uuid.New()

	err := postgres.WithRole(ctx, tx, s.role, func() error {
		if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", lockKey(saved.AggregateID)); err != nil {
			return fmt.Errorf("advisory lock: %w", err)
		}

		var next int64
		err := tx.QueryRow(ctx,
			"SELECT COALESCE(MAX(sequence_number), 0) + 1 FROM event WHERE aggregate_id = $1",
			saved.AggregateID,
		).Scan(&next)
		if err != nil {
			return fmt.Errorf("next sequence: %w", err)
		}
		saved.SequenceNumber = next
		if saved.AggregateVersion == 0 {
			saved.AggregateVersion = next
		}

		err = tx.QueryRow(ctx, `
INSERT INTO event (
  id, event_type, event_version, aggregate_id, aggregate_type,
  aggregate_version, sequence_number, event_data, metadata,
  causation_id, correlation_id, organization_id, user_id, session_id
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
RETURNING created_at, updated_at`,
			saved.ID, saved.EventType, saved.EventVersion, saved.AggregateID,
			saved.AggregateType, saved.AggregateVersion, saved.SequenceNumber,
			saved.Data, saved.Metadata, saved.CausationID, saved.CorrelationID,
			saved.OrganizationID, saved.UserID, saved.SessionID,
		).Scan(&saved.CreatedAt, &saved.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &saved, nil
}

// ListByAggregate returns the aggregate's events in sequence order, scoped to
// one organization. The read runs in a transaction pinned to the organization
// so the row-level-security policy and the WHERE clause agree.
func (s *Store) ListByAggregate(ctx context.Context, orgID uuid.UUID, aggregateID string) ([]Event, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := postgres.ScopeToOrg(ctx, tx, orgID.String()); err != nil {
		return nil, err
	}

	rows, err := tx.Query(ctx, `
SELECT id, event_type, event_version, aggregate_id, aggregate_type,
       aggregate_version, sequence_number, event_data, metadata,
       causation_id, correlation_id, organization_id, user_id, session_id,
       created_at, updated_at
FROM event
WHERE aggregate_id = $1 AND organization_id = $2
ORDER BY sequence_number ASC`, aggregateID, orgID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(
			&e.ID, &e.EventType, &e.EventVersion, &e.AggregateID, &e.AggregateType,
			&e.AggregateVersion, &e.SequenceNumber, &e.Data, &e.Metadata,
			&e.CausationID, &e.CorrelationID, &e.OrganizationID, &e.UserID,
			&e.SessionID, &e.CreatedAt, &e.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, tx.Commit(ctx)
}

func newEvent(p SaveParams) (*Event, error) {
	ev := &Event{
		EventType:        p.EventType,
		EventVersion:     p.EventVersion,
		AggregateID:      p.AggregateID,
		AggregateType:    p.AggregateType,
		AggregateVersion: p.AggregateVersion,
		CausationID:      p.CausationID,
		CorrelationID:    p.CorrelationID,
		OrganizationID:   p.OrganizationID,
		UserID:           p.UserID,
		SessionID:        p.SessionID,
	}
	if ev.EventVersion == 0 {
		ev.EventVersion = 1
	}
	if p.Data != nil {
		b, err := json.Marshal(p.Data)
		if err != nil {
			return nil, fmt.Errorf("marshal event data: %w", err)
		}
		ev.Data = b
	}
	if p.Metadata != nil {
		b, err := json.Marshal(p.Metadata)
		if err != nil {
			return nil, fmt.Errorf("marshal event metadata: %w", err)
		}
		ev.Metadata = b
	}
	return ev, nil
}

// IsSequenceConflict reports whether err is a unique-constraint violation on
// (aggregate_id, sequence_number), i.e. two writers raced past the lock.
func IsSequenceConflict(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func newBackOff(base, cap time.Duration) *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = base
	bo.RandomizationFactor = 0
	bo.Multiplier = 2
	bo.MaxInterval = cap
	return bo
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
