package models

import "time"

// Role is the enumerated capability tag carried by every user.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// ValidRole reports whether r is one of the known roles.
func ValidRole(r Role) bool {
	return r == RoleUser || r == RoleAdmin
}

// User represents an identity record with its lockout state.
type User struct {
	ID             string     `json:"id"`
	Username       string     `json:"username"`
	Email          string     `json:"email"`
	PasswordHash   string     `json:"-"` // bcrypt hash (never in JSON)
	Role           Role       `json:"role"`
	Active         bool       `json:"active"`
	FailedAttempts int        `json:"-"`
	LockUntil      *time.Time `json:"-"`
	LastLoginAt    *time.Time `json:"last_login_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Locked reports whether the account is inside an active lockout window.
func (u *User) Locked(now time.Time) bool {
	return u.LockUntil != nil && u.LockUntil.After(now)
}

// Public returns the client-visible view of the user.
func (u *User) Public() PublicUser {
	return PublicUser{
		ID:          u.ID,
		Username:    u.Username,
		Email:       u.Email,
		Role:        u.Role,
		Active:      u.Active,
		LastLoginAt: u.LastLoginAt,
		CreatedAt:   u.CreatedAt,
	}
}

// PublicUser is the subset of User safe to return to clients.
type PublicUser struct {
	ID          string     `json:"id"`
	Username    string     `json:"username"`
	Email       string     `json:"email"`
	Role        Role       `json:"role"`
	Active      bool       `json:"active"`
	LastLoginAt *time.Time `json:"last_login_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Session represents one successful login, kept for auditability and
// bulk revocation. Token validation never consults it.
type Session struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Token     string    `json:"-"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
	IPAddress string    `json:"ip_address"`
	UserAgent string    `json:"user_agent"`
}

// Audit action tags.
const (
	AuditUserRegistered = "USER_REGISTERED"
	AuditUserLogin      = "USER_LOGIN"
	AuditUserLogout     = "USER_LOGOUT"
)

// AuditEvent is an immutable record of a security-relevant action.
// UserID is empty when the acting user is unknown.
type AuditEvent struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id,omitempty"`
	Action    string    `json:"action"`
	Detail    string    `json:"detail"`
	IPAddress string    `json:"ip_address"`
	CreatedAt time.Time `json:"created_at"`
}

// LoginRequest represents login request payload
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// RegisterRequest represents registration request payload
type RegisterRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Role     Role   `json:"role,omitempty"`
}

// TokenRequest carries a bearer token in the body (validate, logout).
type TokenRequest struct {
	Token string `json:"token"`
}

// AuthResponse represents authentication response
type AuthResponse struct {
	User      PublicUser `json:"user"`
	Token     string     `json:"token"`
	ExpiresIn int        `json:"expires_in"` // seconds
}

// ValidateResponse is the outcome of a token validation call.
type ValidateResponse struct {
	Valid bool        `json:"valid"`
	User  *PublicUser `json:"user,omitempty"`
}
