package eventstore

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/latticehq/lattice/internal/storage/postgres"
)

type TypeCount struct {
	EventType string `json:"event_type"`
	Count     int64  `json:"count"`
}

type Totals struct {
	Count            int64 `json:"count"`
	UniqueAggregates int64 `json:"unique_aggregates"`
}

// QueryTotals returns event volume for one organization in [from, to].
func (s *Store) QueryTotals(ctx context.Context, orgID uuid.UUID, from, to time.Time) (Totals, error) {
	var res Totals
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return res, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := postgres.ScopeToOrg(ctx, tx, orgID.String()); err != nil {
		return res, err
	}

	row := tx.QueryRow(ctx, `
SELECT COUNT(*)::bigint, COUNT(DISTINCT aggregate_id)::bigint
FROM event
WHERE organization_id = $1 AND created_at >= $2 AND created_at <= $3`,
		orgID, from, to)
	if err := row.Scan(&res.Count, &res.UniqueAggregates); err != nil {
		return res, fmt.Errorf("scan totals: %w", err)
	}
	return res, tx.Commit(ctx)
}

// CountByType breaks the same window down per event type, busiest first.
func (s *Store) CountByType(ctx context.Context, orgID uuid.UUID, from, to time.Time) ([]TypeCount, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := postgres.ScopeToOrg(ctx, tx, orgID.String()); err != nil {
		return nil, err
	}

	rows, err := tx.Query(ctx, `
SELECT event_type, COUNT(*)::bigint AS cnt
FROM event
WHERE organization_id = $1 AND created_at >= $2 AND created_at <= $3
GROUP BY 1
ORDER BY 2 DESC, 1 ASC`,
		orgID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TypeCount
	for rows.Next() {
		var tc TypeCount
		if err := rows.Scan(&tc.EventType, &tc.Count); err != nil {
			return nil, fmt.Errorf("scan type count: %w", err)
		}
		out = append(out, tc)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, tx.Commit(ctx)
}
