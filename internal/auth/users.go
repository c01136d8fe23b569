package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/latticehq/lattice/internal/storage/postgres"
)

var (
	ErrUserNotFound = errors.New("user not found")
	ErrEmailTaken   = errors.New("email already registered")
)

type User struct {
	ID             uuid.UUID `json:"id"`
	OrganizationID uuid.UUID `json:"organization_id"`
	Email          string    `json:"email"`
	PasswordHash   string    `json:"-"`
	Roles          []string  `json:"roles"`
}

// DB is the pool surface the user store needs.
type DB interface {
	postgres.Querier
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Directory is the user/session persistence contract consumed by Service.
type Directory interface {
	CreateWithOrganization(ctx context.Context, email, passwordHash, orgName string) (*User, error)
	ByEmail(ctx context.Context, email string) (*User, error)
	ByID(ctx context.Context, id uuid.UUID) (*User, error)
	CreateSession(ctx context.Context, userID, orgID uuid.UUID) (uuid.UUID, error)
	RevokeSession(ctx context.Context, sessionID uuid.UUID) error
}

// UserStore persists users, organizations and sessions in Postgres.
type UserStore struct {
	db DB
}

func NewUserStore(db DB) *UserStore { return &UserStore{db: db} }

// CreateWithOrganization provisions a fresh organization with its first user
// (the owner) in one transaction.
func (s *UserStore) CreateWithOrganization(ctx context.Context, email, passwordHash, orgName string) (*User, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	u := &User{
		ID:             uuid.New(),
		OrganizationID: uuid.New(),
		Email:          email,
		PasswordHash:   passwordHash,
		Roles:          []string{"owner"},
	}

	if _, err := tx.Exec(ctx,
		"INSERT INTO organization (id, name) VALUES ($1, $2)",
		u.OrganizationID, orgName,
	); err != nil {
		return nil, fmt.Errorf("insert organization: %w", err)
	}

	if _, err := tx.Exec(ctx,
		"INSERT INTO app_user (id, organization_id, email, password_hash, roles) VALUES ($1, $2, $3, $4, $5)",
		u.ID, u.OrganizationID, u.Email, u.PasswordHash, u.Roles,
	); err != nil {
		if isUniqueViolation(err) {
			return nil, ErrEmailTaken
		}
		return nil, fmt.Errorf("insert user: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return u, nil
}

func (s *UserStore) ByEmail(ctx context.Context, email string) (*User, error) {
	var u User
	err := s.db.QueryRow(ctx,
		"SELECT id, organization_id, email, password_hash, roles FROM app_user WHERE email = $1",
		email,
	).Scan(&u.ID, &u.OrganizationID, &u.Email, &u.PasswordHash, &u.Roles)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("query user: %w", err)
	}
	return &u, nil
}

func (s *UserStore) ByID(ctx context.Context, id uuid.UUID) (*User, error) {
	var u User
	err := s.db.QueryRow(ctx,
		"SELECT id, organization_id, email, password_hash, roles FROM app_user WHERE id = $1",
		id,
	).Scan(&u.ID, &u.OrganizationID, &u.Email, &u.PasswordHash, &u.Roles)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("query user: %w", err)
	}
	return &u, nil
}

func (s *UserStore) CreateSession(ctx context.Context, userID, orgID uuid.UUID) (uuid.UUID, error) {
	id := uuid.New()
	if _, err := s.db.Exec(ctx,
		"INSERT INTO session (id, user_id, organization_id) VALUES ($1, $2, $3)",
		id, userID, orgID,
	); err != nil {
		return uuid.Nil, fmt.Errorf("insert session: %w", err)
	}
	return id, nil
}

func (s *UserStore) RevokeSession(ctx context.Context, sessionID uuid.UUID) error {
	if _, err := s.db.Exec(ctx,
		"UPDATE session SET revoked_at = now() WHERE id = $1 AND revoked_at IS NULL",
		sessionID,
	); err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
