package token

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/procpulse/auth-api/internal/config"
	"github.com/procpulse/auth-api/internal/models"
)

// Validation failure taxonomy. Callers map all three onto the same
// client-facing invalid-token response; the split exists for logging.
var (
	ErrMalformed    = errors.New("token is malformed")
	ErrExpired      = errors.New("token has expired")
	ErrBadSignature = errors.New("token signature is invalid")
)

// Claims is the identity claim-set embedded in a bearer token.
type Claims struct {
	UserID   string
	Username string
	Email    string
	Role     models.Role
}

type jwtClaims struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// Issuer signs and verifies self-issued HS256 bearer tokens.
type Issuer struct {
	secret   []byte
	issuer   string
	audience string
	now      func() time.Time
}

// NewIssuer creates an Issuer from the JWT configuration.
func NewIssuer(cfg *config.JWTConfig) *Issuer {
	return &Issuer{
		secret:   []byte(cfg.Secret),
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		now:      time.Now,
	}
}

// Issue signs a token carrying claims with an embedded expiration of
// now+ttl. Returns the signed token and its expiration time.
func (i *Issuer) Issue(claims Claims, ttl time.Duration) (string, time.Time, error) {
	now := i.now()
	expiresAt := now.Add(ttl)

	jc := jwtClaims{
		Username: claims.Username,
		Email:    claims.Email,
		Role:     string(claims.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   claims.UserID,
			Issuer:    i.issuer,
			Audience:  jwt.ClaimStrings{i.audience},
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jc)
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, err
	}

	return signed, expiresAt, nil
}

// Validate verifies signature, expiry, issuer and audience, and returns
// the embedded claims. It never touches any store.
func (i *Issuer) Validate(tokenString string) (*Claims, error) {
	claims, err := i.parse(tokenString, true)
	if err != nil {
		return nil, err
	}
	return claims, nil
}

// Identity decodes a token ignoring expiry, for flows (logout) where an
// expired token is still an acceptable proof of identity. The signature
// is still verified.
func (i *Issuer) Identity(tokenString string) (*Claims, error) {
	return i.parse(tokenString, false)
}

func (i *Issuer) parse(tokenString string, validateClaims bool) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithTimeFunc(i.now),
	}
	if validateClaims {
		opts = append(opts,
			jwt.WithIssuer(i.issuer),
			jwt.WithAudience(i.audience),
			jwt.WithExpirationRequired(),
		)
	} else {
		opts = append(opts, jwt.WithoutClaimsValidation())
	}

	var jc jwtClaims
	token, err := jwt.ParseWithClaims(tokenString, &jc, func(t *jwt.Token) (interface{}, error) {
		return i.secret, nil
	}, opts...)
	if err != nil {
		return nil, mapParseError(err)
	}
	if !token.Valid {
		return nil, ErrMalformed
	}

	return &Claims{
		UserID:   jc.Subject,
		Username: jc.Username,
		Email:    jc.Email,
		Role:     models.Role(jc.Role),
	}, nil
}

func mapParseError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrExpired
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrSignatureInvalid):
		return ErrBadSignature
	default:
		return ErrMalformed
	}
}
