package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"github.com/procpulse/auth-api/internal/config"
	"github.com/procpulse/auth-api/internal/metrics"
	"github.com/procpulse/auth-api/internal/models"
	"github.com/procpulse/auth-api/internal/store"
	"github.com/procpulse/auth-api/internal/token"
	apperrors "github.com/procpulse/auth-api/pkg/errors"
)

// CredentialStore is the authoritative durable store consulted by the
// orchestrator. Its failure on the critical path fails the request.
type CredentialStore interface {
	GetByIdentifier(ctx context.Context, identifier string) (*models.User, error)
	GetByID(ctx context.Context, userID string) (*models.User, error)
	Create(ctx context.Context, user *models.User) error
	Delete(ctx context.Context, userID string) error
	IncrementFailedAttempts(ctx context.Context, userID string) (int, error)
	SetLock(ctx context.Context, userID string, until time.Time) error
	ResetFailureState(ctx context.Context, userID string) error
	TouchLastLogin(ctx context.Context, userID string) error
}

// SessionStore persists session records.
type SessionStore interface {
	Create(ctx context.Context, session *models.Session) error
	DeleteAllForUser(ctx context.Context, userID string) (int64, error)
}

// AuditLog appends immutable audit events. Append failures are
// best-effort observability, never a gate on the outcome.
type AuditLog interface {
	Append(ctx context.Context, event *models.AuditEvent) error
}

// AttemptLimiter is the ephemeral pre-check counter. Advisory only: any
// error is treated as count 0.
type AttemptLimiter interface {
	Get(ctx context.Context, identifier string) (int, error)
	Increment(ctx context.Context, identifier string, ttl time.Duration) (int, error)
	Reset(ctx context.Context, identifier string) error
}

// RequestMeta carries per-request client context from the HTTP layer.
type RequestMeta struct {
	IP        string
	UserAgent string
}

// Service orchestrates login, logout, registration and token
// validation. It is stateless; all shared mutable state lives in the
// stores, whose operations are atomic.
type Service struct {
	users    CredentialStore
	sessions SessionStore
	audit    AuditLog
	limiter  AttemptLimiter
	tokens   *token.Issuer
	authCfg  *config.AuthConfig
	tokenTTL time.Duration
	logger   *logrus.Logger
	now      func() time.Time
}

func NewService(
	users CredentialStore,
	sessions SessionStore,
	audit AuditLog,
	limiter AttemptLimiter,
	tokens *token.Issuer,
	cfg *config.Config,
	logger *logrus.Logger,
) *Service {
	return &Service{
		users:    users,
		sessions: sessions,
		audit:    audit,
		limiter:  limiter,
		tokens:   tokens,
		authCfg:  &cfg.Auth,
		tokenTTL: cfg.JWT.TokenTTL,
		logger:   logger,
		now:      time.Now,
	}
}

// Register creates a new user and logs them in immediately.
func (s *Service) Register(ctx context.Context, req models.RegisterRequest, meta RequestMeta) (*models.AuthResponse, error) {
	username := strings.TrimSpace(req.Username)
	email := strings.TrimSpace(strings.ToLower(req.Email))

	if username == "" || email == "" {
		return nil, apperrors.NewAppError(apperrors.CodeBadRequest, "Username and email are required", nil)
	}
	if !strings.Contains(email, "@") {
		return nil, apperrors.NewAppError(apperrors.CodeBadRequest, "Invalid email address", nil)
	}
	if len(req.Password) < s.authCfg.MinPasswordLength {
		return nil, apperrors.NewAppErrorf(apperrors.CodeBadRequest, nil,
			"Password must be at least %d characters", s.authCfg.MinPasswordLength)
	}
	role := req.Role
	if role == "" {
		role = models.RoleUser
	}
	if !models.ValidRole(role) {
		return nil, apperrors.NewAppError(apperrors.CodeBadRequest, "Unknown role", nil)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.authCfg.BcryptCost)
	if err != nil {
		s.logger.WithError(err).Error("Failed to hash password")
		return nil, apperrors.NewAppError(apperrors.CodeInternalError, "Internal server error", err)
	}

	user := &models.User{
		ID:           uuid.New().String(),
		Username:     username,
		Email:        email,
		PasswordHash: string(hash),
		Role:         role,
		Active:       true,
		CreatedAt:    s.now(),
		UpdatedAt:    s.now(),
	}

	// The unique constraints are the duplicate check; an up-front
	// SELECT would race against concurrent registrations.
	if err := s.users.Create(ctx, user); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, apperrors.NewAppError(apperrors.CodeConflict, "Username or email already exists", err)
		}
		s.logger.WithError(err).Error("Failed to create user")
		return nil, apperrors.NewAppError(apperrors.CodeInternalError, "Internal server error", err)
	}

	resp, err := s.openSession(ctx, user, meta)
	if err != nil {
		// Remove the committed row so a retry does not hit the unique
		// index with a 409.
		if delErr := s.users.Delete(ctx, user.ID); delErr != nil {
			s.logger.WithError(delErr).WithField("user_id", user.ID).Warn("Failed to roll back user after session failure")
		}
		return nil, err
	}

	s.appendAudit(ctx, user.ID, models.AuditUserRegistered, "username="+user.Username, meta.IP)

	s.logger.WithFields(logrus.Fields{
		"user_id":  user.ID,
		"username": user.Username,
	}).Info("User registered")

	return resp, nil
}

// Login runs the credential verification state machine.
func (s *Service) Login(ctx context.Context, req models.LoginRequest, meta RequestMeta) (*models.AuthResponse, error) {
	identifier := strings.TrimSpace(req.Username)
	if identifier == "" || req.Password == "" {
		return nil, apperrors.NewAppError(apperrors.CodeBadRequest, "Username and password are required", nil)
	}

	// Fast pre-check before any durable read. Protects Postgres under
	// credential-stuffing load; not the authoritative defense.
	if count := s.limiterGet(ctx, identifier); count >= s.authCfg.MaxAttempts {
		metrics.RecordLoginAttempt("rate_limited")
		return nil, apperrors.NewAppError(apperrors.CodeRateLimited,
			"Too many login attempts. Please try again later.", nil)
	}

	user, err := s.users.GetByIdentifier(ctx, identifier)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Identifier is attacker-controlled; still count it.
			s.limiterIncrement(ctx, identifier)
			metrics.RecordLoginAttempt("invalid_credentials")
			return nil, invalidCredentials()
		}
		s.logger.WithError(err).Error("Credential store lookup failed")
		metrics.RecordLoginAttempt("error")
		return nil, apperrors.NewAppError(apperrors.CodeInternalError, "Internal server error", err)
	}

	now := s.now()
	if user.Locked(now) {
		// The lock is already maximal; no further counting.
		metrics.RecordLoginAttempt("locked")
		return nil, apperrors.NewAppError(apperrors.CodeAccountLocked,
			"Account is temporarily locked due to repeated failed logins", nil)
	}

	if !user.Active {
		metrics.RecordLoginAttempt("deactivated")
		return nil, apperrors.NewAppError(apperrors.CodeAccountDeactivated,
			"Account has been deactivated", nil)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		return nil, s.handleFailedPassword(ctx, user, identifier)
	}

	if err := s.users.ResetFailureState(ctx, user.ID); err != nil {
		s.logger.WithError(err).Error("Failed to reset failure state")
		metrics.RecordLoginAttempt("error")
		return nil, apperrors.NewAppError(apperrors.CodeInternalError, "Internal server error", err)
	}
	if err := s.users.TouchLastLogin(ctx, user.ID); err != nil {
		s.logger.WithError(err).Warn("Failed to touch last login")
	}
	s.limiterReset(ctx, identifier)
	user.FailedAttempts = 0
	user.LockUntil = nil
	lastLogin := now
	user.LastLoginAt = &lastLogin

	resp, err := s.openSession(ctx, user, meta)
	if err != nil {
		metrics.RecordLoginAttempt("error")
		return nil, err
	}

	s.appendAudit(ctx, user.ID, models.AuditUserLogin, "username="+user.Username, meta.IP)
	metrics.RecordLoginAttempt("success")

	s.logger.WithFields(logrus.Fields{
		"user_id":  user.ID,
		"username": user.Username,
	}).Info("User logged in")

	return resp, nil
}

// handleFailedPassword records a wrong-password attempt in both
// counters and locks the account once the durable threshold is hit.
func (s *Service) handleFailedPassword(ctx context.Context, user *models.User, identifier string) error {
	count, err := s.users.IncrementFailedAttempts(ctx, user.ID)
	if err != nil {
		s.logger.WithError(err).Error("Failed to increment failure counter")
		metrics.RecordLoginAttempt("error")
		return apperrors.NewAppError(apperrors.CodeInternalError, "Internal server error", err)
	}

	if count >= s.authCfg.LockThreshold {
		until := s.now().Add(s.authCfg.LockDuration)
		if err := s.users.SetLock(ctx, user.ID, until); err != nil {
			s.logger.WithError(err).Error("Failed to set account lock")
			metrics.RecordLoginAttempt("error")
			return apperrors.NewAppError(apperrors.CodeInternalError, "Internal server error", err)
		}
		metrics.RecordAccountLockout()
		s.logger.WithFields(logrus.Fields{
			"user_id":         user.ID,
			"failed_attempts": count,
			"lock_until":      until,
		}).Warn("Account locked after repeated failed logins")
	}

	s.limiterIncrement(ctx, identifier)
	metrics.RecordLoginAttempt("invalid_credentials")
	return invalidCredentials()
}

// Validate verifies a bearer token and re-checks the user's current
// state so deactivation takes effect before token expiry.
func (s *Service) Validate(ctx context.Context, tokenString string) (*models.ValidateResponse, error) {
	claims, err := s.tokens.Validate(tokenString)
	if err != nil {
		s.logger.WithError(err).Debug("Token validation failed")
		metrics.RecordTokenValidation("invalid_token")
		return nil, apperrors.NewAppError(apperrors.CodeInvalidToken, "Invalid or expired token", err)
	}

	user, err := s.users.GetByID(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			metrics.RecordTokenValidation("inactive_user")
			return &models.ValidateResponse{Valid: false}, nil
		}
		s.logger.WithError(err).Error("Credential store lookup failed")
		return nil, apperrors.NewAppError(apperrors.CodeInternalError, "Internal server error", err)
	}
	if !user.Active {
		metrics.RecordTokenValidation("inactive_user")
		return &models.ValidateResponse{Valid: false}, nil
	}

	metrics.RecordTokenValidation("valid")
	pub := user.Public()
	return &models.ValidateResponse{Valid: true, User: &pub}, nil
}

// Logout revokes the user's sessions and records the event. It never
// fails: being logged out is idempotent, and internal errors here are
// logged rather than surfaced.
func (s *Service) Logout(ctx context.Context, tokenString string, meta RequestMeta) {
	claims, err := s.tokens.Identity(tokenString)
	if err != nil {
		s.logger.WithError(err).Debug("Logout with undecodable token")
		return
	}

	if _, err := s.sessions.DeleteAllForUser(ctx, claims.UserID); err != nil {
		s.logger.WithError(err).WithField("user_id", claims.UserID).Warn("Failed to delete sessions on logout")
	}

	s.appendAudit(ctx, claims.UserID, models.AuditUserLogout, "username="+claims.Username, meta.IP)

	s.logger.WithField("user_id", claims.UserID).Info("User logged out")
}

// CurrentUser resolves the user behind a validated token's subject.
// Used by the bearer middleware surface.
func (s *Service) CurrentUser(ctx context.Context, userID string) (*models.PublicUser, error) {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperrors.NewAppError(apperrors.CodeInvalidToken, "Invalid or expired token", err)
		}
		return nil, apperrors.NewAppError(apperrors.CodeInternalError, "Internal server error", err)
	}
	if !user.Active {
		return nil, apperrors.NewAppError(apperrors.CodeAccountDeactivated, "Account has been deactivated", nil)
	}
	pub := user.Public()
	return &pub, nil
}

// openSession issues a bearer token and records the session.
func (s *Service) openSession(ctx context.Context, user *models.User, meta RequestMeta) (*models.AuthResponse, error) {
	signed, _, err := s.tokens.Issue(token.Claims{
		UserID:   user.ID,
		Username: user.Username,
		Email:    user.Email,
		Role:     user.Role,
	}, s.tokenTTL)
	if err != nil {
		s.logger.WithError(err).Error("Failed to sign token")
		return nil, apperrors.NewAppError(apperrors.CodeInternalError, "Internal server error", err)
	}

	now := s.now()
	session := &models.Session{
		ID:        uuid.New().String(),
		UserID:    user.ID,
		Token:     signed,
		ExpiresAt: now.Add(s.authCfg.SessionTTL),
		CreatedAt: now,
		IPAddress: meta.IP,
		UserAgent: meta.UserAgent,
	}
	if err := s.sessions.Create(ctx, session); err != nil {
		s.logger.WithError(err).Error("Failed to create session")
		return nil, apperrors.NewAppError(apperrors.CodeInternalError, "Internal server error", err)
	}

	return &models.AuthResponse{
		User:      user.Public(),
		Token:     signed,
		ExpiresIn: int(s.tokenTTL.Seconds()),
	}, nil
}

// appendAudit writes an audit event, swallowing failures.
func (s *Service) appendAudit(ctx context.Context, userID, action, detail, ip string) {
	event := &models.AuditEvent{
		ID:        uuid.New().String(),
		UserID:    userID,
		Action:    action,
		Detail:    detail,
		IPAddress: ip,
		CreatedAt: s.now(),
	}
	if err := s.audit.Append(ctx, event); err != nil {
		metrics.RecordAuditAppendFailure()
		s.logger.WithError(err).WithField("action", action).Warn("Failed to append audit event")
	}
}

// limiterGet reads the ephemeral attempt count, degrading open on any
// error.
func (s *Service) limiterGet(ctx context.Context, identifier string) int {
	ctx, cancel := context.WithTimeout(ctx, s.authCfg.LimiterTimeout)
	defer cancel()

	count, err := s.limiter.Get(ctx, identifier)
	if err != nil {
		metrics.RecordLimiterDegraded()
		s.logger.WithError(err).Warn("Attempt limiter unavailable, proceeding open")
		return 0
	}
	return count
}

func (s *Service) limiterIncrement(ctx context.Context, identifier string) {
	ctx, cancel := context.WithTimeout(ctx, s.authCfg.LimiterTimeout)
	defer cancel()

	if _, err := s.limiter.Increment(ctx, identifier, s.authCfg.AttemptWindow); err != nil {
		metrics.RecordLimiterDegraded()
		s.logger.WithError(err).Warn("Attempt limiter increment failed")
	}
}

func (s *Service) limiterReset(ctx context.Context, identifier string) {
	ctx, cancel := context.WithTimeout(ctx, s.authCfg.LimiterTimeout)
	defer cancel()

	if err := s.limiter.Reset(ctx, identifier); err != nil {
		s.logger.WithError(err).Warn("Attempt limiter reset failed")
	}
}

func invalidCredentials() error {
	return apperrors.NewAppError(apperrors.CodeInvalidCredentials, "Invalid username or password", nil)
}
