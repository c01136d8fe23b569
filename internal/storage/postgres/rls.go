package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Querier is the subset of pgx operations shared by *pgxpool.Pool and pgx.Tx.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// ScopeToOrg pins the transaction to one organization for row-level security.
// The setting is transaction-local and reverts at commit/rollback.
func ScopeToOrg(ctx context.Context, q Querier, orgID string) error {
	if _, err := q.Exec(ctx, "SELECT set_config('app.current_org_id', $1, true)", orgID); err != nil {
		return fmt.Errorf("scope to org: %w", err)
	}
	return nil
}

// WithRole runs fn with the session role elevated to role, restoring the
// prior role on every exit path. Must be called inside a transaction so a
// connection crash cannot leak the elevated role to another request.
func WithRole(ctx context.Context, q Querier, role string, fn func() error) error {
	var prev string
	if err := q.QueryRow(ctx, "SELECT COALESCE(current_setting('role', true), '')").Scan(&prev); err != nil {
		return fmt.Errorf("read current role: %w", err)
	}

	if _, err := q.Exec(ctx, "SET LOCAL ROLE "+pgx.Identifier{role}.Sanitize()); err != nil {
		return fmt.Errorf("set role %s: %w", role, err)
	}

	restore := func() error {
		if prev == "" || prev == "none" {
			_, err := q.Exec(ctx, "RESET ROLE")
			return err
		}
		_, err := q.Exec(ctx, "SET LOCAL ROLE "+pgx.Identifier{prev}.Sanitize())
		return err
	}

	if err := fn(); err != nil {
		_ = restore()
		return err
	}
	if err := restore(); err != nil {
		return fmt.Errorf("restore role: %w", err)
	}
	return nil
}
