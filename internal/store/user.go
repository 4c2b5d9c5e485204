// Package store defines the user-record model and the UserStore contract the
// auth core runs against, with PostgreSQL and in-memory implementations.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/orchardmart/storefront/internal/backup"
)

var (
	// ErrNotFound covers both a missing user and a token that matched
	// nothing; callers must not leak which.
	ErrNotFound = errors.New("user not found")
	// ErrDuplicateEmail is returned by CreateUser on a unique-email conflict.
	ErrDuplicateEmail = errors.New("email already in use")
	// ErrUnavailable wraps backend failures (connection, timeout).
	ErrUnavailable = errors.New("user store unavailable")
)

// Role is the coarse authorization level carried in the session.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleMember   Role = "member"
	RoleAdmin    Role = "admin"
)

// ValidRole reports whether r is one of the three known roles.
func ValidRole(r Role) bool {
	switch r {
	case RoleCustomer, RoleMember, RoleAdmin:
		return true
	}
	return false
}

type credentialKind uint8

const (
	credentialPassword credentialKind = iota
	credentialOAuth
)

// Credentials models the password-or-OAuth split as a closed sum so the
// "no password" path cannot be reached by a missed nil check. OAuth-only
// accounts carry no hash and can never enter the password-compare path.
type Credentials struct {
	kind         credentialKind
	passwordHash string
	provider     string
}

// PasswordCredentials wraps a stored argon2id hash.
func PasswordCredentials(hash string) Credentials {
	return Credentials{kind: credentialPassword, passwordHash: hash}
}

// OAuthCredentials marks an account provisioned by an external identity
// provider (e.g. "google"). No password login is possible.
func OAuthCredentials(provider string) Credentials {
	return Credentials{kind: credentialOAuth, provider: provider}
}

// PasswordHash returns the stored hash and true for password accounts,
// and ("", false) for OAuth-only accounts.
func (c Credentials) PasswordHash() (string, bool) {
	if c.kind != credentialPassword || c.passwordHash == "" {
		return "", false
	}
	return c.passwordHash, true
}

// OAuthProvider returns the provisioning provider for OAuth-only accounts.
func (c Credentials) OAuthProvider() (string, bool) {
	if c.kind != credentialOAuth {
		return "", false
	}
	return c.provider, true
}

// User is the subset of the storefront user record the auth core reads and
// writes. Token hashes and the TOTP secret are kept out of API responses;
// they exist here only for the store round-trip.
type User struct {
	ID              string
	Name            string
	Email           string
	Credentials     Credentials
	Role            Role
	IsBanned        bool
	IsEmailVerified bool

	EmailVerificationTokenHash string
	EmailVerificationExpiresAt *time.Time
	PasswordResetTokenHash     string
	PasswordResetExpiresAt     *time.Time

	TwoFactorEnabled bool
	TwoFactorSecret  string
	BackupCodes      []backup.Entry

	LastLoginAt *time.Time
	CreatedAt   time.Time
}

// NormalizeEmail lowercases and trims an address; every lookup and unique
// constraint operates on the normalized form.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// UserStore is the persistence contract for the auth core. Token consumption
// and backup-code consumption are single atomic conditional operations;
// implementations must never expose a read-then-clear window.
type UserStore interface {
	CreateUser(ctx context.Context, user *User) error
	GetByID(ctx context.Context, id string) (*User, error)
	GetByEmail(ctx context.Context, email string) (*User, error)
	DeleteUser(ctx context.Context, id string) error

	// SetVerificationToken overwrites any outstanding verification token.
	SetVerificationToken(ctx context.Context, userID, tokenHash string, expiresAt time.Time) error
	ClearVerificationToken(ctx context.Context, userID string) error
	// ConsumeVerificationToken atomically matches on hash and unexpired
	// expiry, marks the email verified, and clears the token fields.
	// Returns ErrNotFound when nothing matched (absent, expired, or spent).
	ConsumeVerificationToken(ctx context.Context, tokenHash string, now time.Time) (*User, error)

	SetResetToken(ctx context.Context, userID, tokenHash string, expiresAt time.Time) error
	ClearResetToken(ctx context.Context, userID string) error
	// ConsumeResetToken atomically matches, sets the new password hash,
	// and clears the token fields in the same operation.
	ConsumeResetToken(ctx context.Context, tokenHash, newPasswordHash string, now time.Time) (*User, error)

	UpdatePasswordHash(ctx context.Context, userID, newHash string) error

	// EnableTwoFactor promotes the staged secret and stores a fresh hashed
	// backup-code batch in one write.
	EnableTwoFactor(ctx context.Context, userID, secret string, codes []backup.Entry) error
	DisableTwoFactor(ctx context.Context, userID string) error
	// MarkBackupCodeUsed stamps entry index with usedAt only if it is still
	// unused. Returns false when another request consumed it first.
	MarkBackupCodeUsed(ctx context.Context, userID string, index int, usedAt time.Time) (bool, error)

	SetLastLogin(ctx context.Context, userID string, at time.Time) error

	Ping(ctx context.Context) error
}
