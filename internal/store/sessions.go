package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/procpulse/auth-api/internal/models"
)

// SessionStore persists session records for auditability and bulk
// revocation. Token validation never reads it.
type SessionStore struct {
	db      *pgxpool.Pool
	timeout time.Duration
}

func NewSessionStore(db *pgxpool.Pool, timeout time.Duration) *SessionStore {
	return &SessionStore{db: db, timeout: timeout}
}

// Create records one successful login.
func (s *SessionStore) Create(ctx context.Context, session *models.Session) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	defer observe("sessions.create", time.Now())

	_, err := s.db.Exec(ctx, `
        INSERT INTO sessions (id, user_id, token, expires_at, created_at, ip_address, user_agent)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
    `, session.ID, session.UserID, session.Token, session.ExpiresAt,
		session.CreatedAt, session.IPAddress, session.UserAgent)
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

// DeleteAllForUser removes every session owned by the user and returns
// how many were deleted.
func (s *SessionStore) DeleteAllForUser(ctx context.Context, userID string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	defer observe("sessions.delete_all_for_user", time.Now())

	tag, err := s.db.Exec(ctx, `DELETE FROM sessions WHERE user_id = $1`, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}

// AuditLog is the append-only record of security-relevant actions.
// Rows are never mutated or deleted by this subsystem.
type AuditLog struct {
	db      *pgxpool.Pool
	timeout time.Duration
}

func NewAuditLog(db *pgxpool.Pool, timeout time.Duration) *AuditLog {
	return &AuditLog{db: db, timeout: timeout}
}

// Append writes one audit event. A nil user (unknown actor) is stored
// as NULL.
func (a *AuditLog) Append(ctx context.Context, event *models.AuditEvent) error {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	defer observe("audit.append", time.Now())

	var userID any
	if event.UserID != "" {
		userID = event.UserID
	}

	_, err := a.db.Exec(ctx, `
        INSERT INTO audit_events (id, user_id, action, detail, ip_address, created_at)
        VALUES ($1, $2, $3, $4, $5, $6)
    `, event.ID, userID, event.Action, event.Detail, event.IPAddress, event.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append audit event: %w", err)
	}
	return nil
}
