package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/latticehq/lattice/internal/audit"
	"github.com/latticehq/lattice/internal/mail"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrTokenRevoked       = errors.New("token revoked")
)

// Service implements registration, login and refresh-token rotation.
type Service struct {
	users       Directory
	tokens      *TokenManager
	revocations Revocations
	mailer      mail.Mailer
	audit       *audit.Recorder
	log         *slog.Logger
}

func NewService(users Directory, tokens *TokenManager, revocations Revocations, mailer mail.Mailer, rec *audit.Recorder, log *slog.Logger) *Service {
	return &Service{
		users:       users,
		tokens:      tokens,
		revocations: revocations,
		mailer:      mailer,
		audit:       rec,
		log:         log,
	}
}

// Register provisions a new organization with its owner user and sends a
// welcome mail. Mail failure is logged, not surfaced.
func (s *Service) Register(ctx context.Context, email, password, orgName string) (*User, error) {
	hash, err := HashPassword(password)
	if err != nil {
		return nil, err
	}
	u, err := s.users.CreateWithOrganization(ctx, email, hash, orgName)
	if err != nil {
		return nil, err
	}

	s.audit.Enqueue(audit.Record{
		Action:         audit.ActionUserRegistered,
		Subject:        u.ID.String(),
		SubjectType:    "user",
		Payload:        map[string]any{"email": u.Email, "organization": orgName},
		OrganizationID: uuid.NullUUID{UUID: u.OrganizationID, Valid: true},
		UserID:         uuid.NullUUID{UUID: u.ID, Valid: true},
	})

	if err := s.mailer.Send(ctx, mail.Message{
		To:      []string{u.Email},
		Subject: "Welcome to Lattice",
		Text:    fmt.Sprintf("Your organization %q is ready.", orgName),
	}); err != nil {
		s.log.Warn("welcome mail failed", "email", u.Email, "err", err)
	}
	return u, nil
}

// Login verifies credentials and opens a new session.
func (s *Service) Login(ctx context.Context, email, password string) (TokenPair, error) {
	u, err := s.users.ByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			// Hash comparison is skipped but the caller still only sees
			// invalid credentials, never which part was wrong.
			s.auditLoginFailed(email)
			return TokenPair{}, ErrInvalidCredentials
		}
		return TokenPair{}, err
	}
	if !CheckPassword(u.PasswordHash, password) {
		s.auditLoginFailed(email)
		return TokenPair{}, ErrInvalidCredentials
	}

	sessionID, err := s.users.CreateSession(ctx, u.ID, u.OrganizationID)
	if err != nil {
		return TokenPair{}, err
	}
	pair, err := s.tokens.IssuePair(u.ID, u.OrganizationID, sessionID, u.Roles)
	if err != nil {
		return TokenPair{}, err
	}

	s.audit.Enqueue(audit.Record{
		Action:         audit.ActionUserLoggedIn,
		Subject:        u.ID.String(),
		SubjectType:    "user",
		OrganizationID: uuid.NullUUID{UUID: u.OrganizationID, Valid: true},
		UserID:         uuid.NullUUID{UUID: u.ID, Valid: true},
		SessionID:      uuid.NullUUID{UUID: sessionID, Valid: true},
	})
	return pair, nil
}

// Refresh rotates a refresh token: the presented token is revoked for its
// remaining lifetime and a fresh pair is issued for the same session.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	claims, err := s.tokens.Validate(refreshToken, UseRefresh)
	if err != nil {
		return TokenPair{}, err
	}
	revoked, err := s.revocations.IsRevoked(ctx, claims.ID)
	if err != nil {
		return TokenPair{}, err
	}
	if revoked {
		return TokenPair{}, ErrTokenRevoked
	}

	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return TokenPair{}, ErrTokenInvalid
	}
	sessionID, err := uuid.Parse(claims.SessionID)
	if err != nil {
		return TokenPair{}, ErrTokenInvalid
	}

	u, err := s.users.ByID(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return TokenPair{}, ErrTokenInvalid
		}
		return TokenPair{}, err
	}

	if err := s.revocations.Revoke(ctx, claims.ID, time.Until(claims.ExpiresAt.Time)); err != nil {
		return TokenPair{}, err
	}
	pair, err := s.tokens.IssuePair(u.ID, u.OrganizationID, sessionID, u.Roles)
	if err != nil {
		return TokenPair{}, err
	}

	s.audit.Enqueue(audit.Record{
		Action:         audit.ActionTokenRefreshed,
		Subject:        u.ID.String(),
		SubjectType:    "user",
		OrganizationID: uuid.NullUUID{UUID: u.OrganizationID, Valid: true},
		UserID:         uuid.NullUUID{UUID: u.ID, Valid: true},
		SessionID:      uuid.NullUUID{UUID: sessionID, Valid: true},
	})
	return pair, nil
}

// Logout revokes the refresh token and closes its session.
func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	claims, err := s.tokens.Validate(refreshToken, UseRefresh)
	if err != nil {
		return err
	}
	if err := s.revocations.Revoke(ctx, claims.ID, time.Until(claims.ExpiresAt.Time)); err != nil {
		return err
	}
	if sessionID, err := uuid.Parse(claims.SessionID); err == nil {
		if err := s.users.RevokeSession(ctx, sessionID); err != nil {
			s.log.Warn("session revoke failed", "session_id", sessionID, "err", err)
		}
		s.audit.Enqueue(audit.Record{
			Action:      audit.ActionUserLoggedOut,
			Subject:     claims.Subject,
			SubjectType: "user",
			SessionID:   uuid.NullUUID{UUID: sessionID, Valid: true},
		})
	}
	return nil
}

// auditLoginFailed records a failed attempt attributed to the email string.
// The subject is the attempted email, not a user ID, so that attempts against
// unknown accounts still land in the log.
func (s *Service) auditLoginFailed(email string) {
	s.audit.Enqueue(audit.Record{
		Action:      audit.ActionUserLoginFailed,
		Subject:     email,
		SubjectType: "login",
	})
}
