// Package session mints and validates the signed session token carrying the
// authenticated user's id and role. Role is cached in the token and only
// re-read from the user store on an explicit refresh, never per request.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/orchardmart/storefront/internal/store"
)

var (
	// ErrTokenInvalid covers malformed, mis-signed and expired tokens.
	ErrTokenInvalid = errors.New("invalid session token")
	// ErrBanned is returned by Refresh when the account was banned since
	// the session was minted.
	ErrBanned = errors.New("account banned")
)

// Config holds session signing parameters.
type Config struct {
	Secret []byte
	TTL    time.Duration
	Issuer string
}

// Session is the resolved identity exposed to the authorization middleware.
type Session struct {
	UserID   string
	Role     store.Role
	IsBanned bool
}

// Claims is the JWT payload. Banned is carried for OAuth logins where role
// and ban state were resolved from the store rather than the provider.
type Claims struct {
	Role   string `json:"role"`
	Banned bool   `json:"banned,omitempty"`
	jwt.RegisteredClaims
}

// Manager signs and parses session tokens with HS256. Immutable after
// construction and safe for concurrent use.
type Manager struct {
	config Config
}

func NewManager(cfg Config) (*Manager, error) {
	if len(cfg.Secret) < 32 {
		return nil, errors.New("session secret must be at least 32 bytes")
	}
	if cfg.TTL <= 0 {
		return nil, errors.New("session TTL must be positive")
	}
	return &Manager{config: cfg}, nil
}

// TTL returns the configured session lifetime (cookie Max-Age).
func (m *Manager) TTL() time.Duration {
	return m.config.TTL
}

// Issue mints a token for an authenticated user.
func (m *Manager) Issue(userID string, role store.Role, banned bool) (string, error) {
	now := time.Now()
	claims := Claims{
		Role:   string(role),
		Banned: banned,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    m.config.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.config.TTL)),
		},
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.config.Secret)
}

// Parse validates the signature and expiry and returns the session carried
// in the token. It does not consult the user store.
func (m *Manager) Parse(tokenStr string) (*Session, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(m.config.Issuer),
		jwt.WithExpirationRequired(),
	)

	token, err := parser.ParseWithClaims(tokenStr, &Claims{}, func(*jwt.Token) (interface{}, error) {
		return m.config.Secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		return nil, ErrTokenInvalid
	}

	return &Session{
		UserID:   claims.Subject,
		Role:     store.Role(claims.Role),
		IsBanned: claims.Banned,
	}, nil
}

// Refresh is the explicit "update" trigger: it re-reads role and ban state
// from the user store and mints a replacement token with the fresh values.
// This is the only path by which a role change takes effect without logout.
func (m *Manager) Refresh(ctx context.Context, tokenStr string, users store.UserStore) (string, *Session, error) {
	current, err := m.Parse(tokenStr)
	if err != nil {
		return "", nil, err
	}

	user, err := users.GetByID(ctx, current.UserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", nil, ErrTokenInvalid
		}
		return "", nil, err
	}
	if user.IsBanned {
		return "", nil, ErrBanned
	}

	refreshed, err := m.Issue(user.ID, user.Role, user.IsBanned)
	if err != nil {
		return "", nil, err
	}

	return refreshed, &Session{
		UserID:   user.ID,
		Role:     user.Role,
		IsBanned: user.IsBanned,
	}, nil
}
