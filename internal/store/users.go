package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/procpulse/auth-api/internal/metrics"
	"github.com/procpulse/auth-api/internal/models"
)

// CredentialStore is the authoritative durable store for user records
// and their lockout state. All mutations are single-statement so
// concurrent failed-login storms against one account cannot lose
// updates.
type CredentialStore struct {
	db      *pgxpool.Pool
	timeout time.Duration
}

func NewCredentialStore(db *pgxpool.Pool, timeout time.Duration) *CredentialStore {
	return &CredentialStore{db: db, timeout: timeout}
}

func (s *CredentialStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

const userColumns = `id, username, email, password_hash, role, active,
        failed_attempts, lock_until, last_login_at, created_at, updated_at`

func scanUser(row pgx.Row) (*models.User, error) {
	var u models.User
	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.Role,
		&u.Active, &u.FailedAttempts, &u.LockUntil, &u.LastLoginAt,
		&u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan user: %w", err)
	}
	return &u, nil
}

// GetByIdentifier looks up a user by username or email. Emails are
// stored lowercased and matched case-insensitively so the identifier a
// user typed at registration keeps working at login.
func (s *CredentialStore) GetByIdentifier(ctx context.Context, identifier string) (*models.User, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	defer observe("users.get_by_identifier", time.Now())

	row := s.db.QueryRow(ctx, `
        SELECT `+userColumns+`
        FROM users
        WHERE username = $1 OR LOWER(email) = LOWER($1)
    `, identifier)
	return scanUser(row)
}

// GetByID looks up a user by primary key.
func (s *CredentialStore) GetByID(ctx context.Context, userID string) (*models.User, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	defer observe("users.get_by_id", time.Now())

	row := s.db.QueryRow(ctx, `
        SELECT `+userColumns+`
        FROM users
        WHERE id = $1
    `, userID)
	return scanUser(row)
}

// Create inserts a new user record. Returns ErrDuplicate on a
// username/email collision.
func (s *CredentialStore) Create(ctx context.Context, user *models.User) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	defer observe("users.create", time.Now())

	_, err := s.db.Exec(ctx, `
        INSERT INTO users (id, username, email, password_hash, role, active, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
    `, user.ID, user.Username, user.Email, user.PasswordHash, user.Role, user.Active, user.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to insert user: %w", err)
	}
	return nil
}

// Delete removes a user record. Used to roll back a registration whose
// session could not be opened.
func (s *CredentialStore) Delete(ctx context.Context, userID string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	defer observe("users.delete", time.Now())

	_, err := s.db.Exec(ctx, `DELETE FROM users WHERE id = $1`, userID)
	if err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	return nil
}

// IncrementFailedAttempts atomically bumps the persistent failure
// counter and returns the new count.
func (s *CredentialStore) IncrementFailedAttempts(ctx context.Context, userID string) (int, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	defer observe("users.increment_failed_attempts", time.Now())

	var count int
	err := s.db.QueryRow(ctx, `
        UPDATE users
        SET failed_attempts = failed_attempts + 1, updated_at = NOW()
        WHERE id = $1
        RETURNING failed_attempts
    `, userID).Scan(&count)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("failed to increment failed attempts: %w", err)
	}
	return count, nil
}

// SetLock sets the lockout horizon for the user.
func (s *CredentialStore) SetLock(ctx context.Context, userID string, until time.Time) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	defer observe("users.set_lock", time.Now())

	_, err := s.db.Exec(ctx, `
        UPDATE users
        SET lock_until = $2, updated_at = NOW()
        WHERE id = $1
    `, userID, until)
	if err != nil {
		return fmt.Errorf("failed to set lock: %w", err)
	}
	return nil
}

// ResetFailureState atomically zeroes the failure counter and clears
// any lock.
func (s *CredentialStore) ResetFailureState(ctx context.Context, userID string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	defer observe("users.reset_failure_state", time.Now())

	_, err := s.db.Exec(ctx, `
        UPDATE users
        SET failed_attempts = 0, lock_until = NULL, updated_at = NOW()
        WHERE id = $1
    `, userID)
	if err != nil {
		return fmt.Errorf("failed to reset failure state: %w", err)
	}
	return nil
}

// TouchLastLogin stamps the last successful login time.
func (s *CredentialStore) TouchLastLogin(ctx context.Context, userID string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	defer observe("users.touch_last_login", time.Now())

	_, err := s.db.Exec(ctx, `
        UPDATE users
        SET last_login_at = NOW(), updated_at = NOW()
        WHERE id = $1
    `, userID)
	if err != nil {
		return fmt.Errorf("failed to touch last login: %w", err)
	}
	return nil
}

// SetActive flips the active flag. Admin tooling hook; not reachable
// from the public HTTP surface.
func (s *CredentialStore) SetActive(ctx context.Context, userID string, active bool) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	defer observe("users.set_active", time.Now())

	_, err := s.db.Exec(ctx, `
        UPDATE users
        SET active = $2, updated_at = NOW()
        WHERE id = $1
    `, userID, active)
	if err != nil {
		return fmt.Errorf("failed to set active flag: %w", err)
	}
	return nil
}

func observe(operation string, start time.Time) {
	metrics.RecordStoreOperation(operation, time.Since(start))
}
