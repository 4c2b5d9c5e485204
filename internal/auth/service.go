// Package auth implements the account lifecycle: registration with email
// verification, credential login with optional TOTP or backup-code second
// factor, password reset and change, and OAuth account resolution.
//
// All account-probing outcomes collapse into generic errors; only
// ErrTwoFactorRequired and ValidationError carry caller-visible detail.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/orchardmart/storefront/internal/backup"
	"github.com/orchardmart/storefront/internal/mailer"
	"github.com/orchardmart/storefront/internal/metrics"
	"github.com/orchardmart/storefront/internal/password"
	"github.com/orchardmart/storefront/internal/store"
	"github.com/orchardmart/storefront/internal/token"
	"github.com/orchardmart/storefront/internal/totp"
)

// Token lifetimes. Verification links last a day, reset links an hour.
const (
	DefaultVerificationTTL = 24 * time.Hour
	DefaultResetTTL        = time.Hour
)

// Config tunes the service. Zero values fall back to the defaults above.
type Config struct {
	VerificationTTL time.Duration
	ResetTTL        time.Duration
}

func (c Config) withDefaults() Config {
	if c.VerificationTTL <= 0 {
		c.VerificationTTL = DefaultVerificationTTL
	}
	if c.ResetTTL <= 0 {
		c.ResetTTL = DefaultResetTTL
	}
	return c
}

// Service wires the stores, hasher, TOTP engine, and mailer into the
// account operations. Construct it with NewService.
type Service struct {
	users   store.UserStore
	staged  *store.StagedSecretStore
	hasher  *password.Hasher
	totp    *totp.Engine
	mailer  mailer.Mailer
	metrics *metrics.Metrics
	log     *zap.Logger
	cfg     Config
	now     func() time.Time
}

// NewService constructs a Service. All dependencies are required except
// metrics and log, which fall back to disabled/no-op instances.
func NewService(users store.UserStore, staged *store.StagedSecretStore, hasher *password.Hasher, engine *totp.Engine, m mailer.Mailer, mx *metrics.Metrics, log *zap.Logger, cfg Config) *Service {
	if mx == nil {
		mx = metrics.New(false)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		users:   users,
		staged:  staged,
		hasher:  hasher,
		totp:    engine,
		mailer:  m,
		metrics: mx,
		log:     log,
		cfg:     cfg.withDefaults(),
		now:     time.Now,
	}
}

// Identity is the authenticated principal handed to the session layer.
type Identity struct {
	ID    string
	Email string
	Name  string
	Role  store.Role
}

func identityOf(u *store.User) *Identity {
	return &Identity{ID: u.ID, Email: u.Email, Name: u.Name, Role: u.Role}
}

// RegisterInput is the registration form.
type RegisterInput struct {
	Name            string
	Email           string
	Password        string
	ConfirmPassword string
}

// Register creates an unverified user, issues a verification token, and
// emails the link. If the email cannot be sent the user is deleted again so
// registration can be retried; a half-created account is never left behind.
func (s *Service) Register(ctx context.Context, in RegisterInput) error {
	if verr := validateName(in.Name); verr != nil {
		return verr
	}
	if verr := validateEmail(in.Email); verr != nil {
		return verr
	}
	if verr := validatePassword("password", in.Password); verr != nil {
		return verr
	}
	if in.Password != in.ConfirmPassword {
		return newValidationError("confirmPassword", "passwords do not match")
	}

	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		return s.dependency("hash password", err)
	}

	u := &store.User{
		ID:          uuid.NewString(),
		Name:        strings.TrimSpace(in.Name),
		Email:       store.NormalizeEmail(in.Email),
		Credentials: store.PasswordCredentials(hash),
		Role:        store.RoleCustomer,
		CreatedAt:   s.now().UTC(),
	}
	if err := s.users.CreateUser(ctx, u); err != nil {
		if errors.Is(err, store.ErrDuplicateEmail) {
			s.metrics.Inc(metrics.RegisterDuplicate)
			return ErrEmailInUse
		}
		return s.dependency("create user", err)
	}

	raw, err := token.New()
	if err != nil {
		s.rollbackUser(ctx, u.ID)
		return s.dependency("generate verification token", err)
	}
	expires := s.now().Add(s.cfg.VerificationTTL)
	if err := s.users.SetVerificationToken(ctx, u.ID, token.Hash(raw), expires); err != nil {
		s.rollbackUser(ctx, u.ID)
		return s.dependency("store verification token", err)
	}
	if err := s.mailer.SendVerificationEmail(ctx, u.Name, u.Email, raw); err != nil {
		s.rollbackUser(ctx, u.ID)
		return s.dependency("send verification email", err)
	}
	s.metrics.Inc(metrics.VerificationIssued)

	s.metrics.Inc(metrics.RegisterSuccess)
	s.log.Info("user registered", zap.String("userId", u.ID))
	return nil
}

func (s *Service) rollbackUser(ctx context.Context, id string) {
	s.metrics.Inc(metrics.RegisterRolledBack)
	if err := s.users.DeleteUser(ctx, id); err != nil {
		s.log.Error("registration rollback failed", zap.String("userId", id), zap.Error(err))
	}
}

// AuthorizeInput is a credential login attempt. TOTPCode is empty on the
// first round; IsBackupCode switches verification to the backup-code list.
type AuthorizeInput struct {
	Email        string
	Password     string
	TOTPCode     string
	IsBackupCode bool
}

// Authorize verifies a credential login end to end. Every account-probing
// failure returns ErrInvalidCredentials; a correct password on a 2FA
// account with no code returns ErrTwoFactorRequired so the client can
// re-prompt. Backup codes are marked used before success is returned, so a
// code can never authenticate twice.
func (s *Service) Authorize(ctx context.Context, in AuthorizeInput) (*Identity, error) {
	fail := func() (*Identity, error) {
		s.metrics.Inc(metrics.LoginFailure)
		return nil, ErrInvalidCredentials
	}

	u, err := s.users.GetByEmail(ctx, store.NormalizeEmail(in.Email))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fail()
		}
		return nil, s.dependency("load user", err)
	}

	hash, ok := u.Credentials.PasswordHash()
	if !ok {
		// OAuth-only account; there is no password to check.
		return fail()
	}
	match, err := s.hasher.Verify(in.Password, hash)
	if err != nil || !match {
		return fail()
	}
	if !u.IsEmailVerified || u.IsBanned {
		return fail()
	}

	if u.TwoFactorEnabled {
		if in.TOTPCode == "" {
			s.metrics.Inc(metrics.TwoFactorRequired)
			return nil, ErrTwoFactorRequired
		}
		if err := s.checkSecondFactor(ctx, u, in.TOTPCode, in.IsBackupCode); err != nil {
			s.metrics.Inc(metrics.LoginFailure)
			return nil, err
		}
	}

	if err := s.users.SetLastLogin(ctx, u.ID, s.now().UTC()); err != nil {
		s.log.Warn("last login stamp failed", zap.String("userId", u.ID), zap.Error(err))
	}
	s.metrics.Inc(metrics.LoginSuccess)
	return identityOf(u), nil
}

// checkSecondFactor verifies a TOTP or backup code for a 2FA-enabled user.
// A backup code is persisted as used before the login is allowed to
// succeed; if that write fails or loses a race, the login fails.
func (s *Service) checkSecondFactor(ctx context.Context, u *store.User, code string, isBackup bool) error {
	if isBackup {
		idx := backup.Consume(code, u.BackupCodes)
		if idx < 0 {
			s.metrics.Inc(metrics.BackupCodeFailed)
			return ErrInvalidTwoFactorCode
		}
		marked, err := s.users.MarkBackupCodeUsed(ctx, u.ID, idx, s.now().UTC())
		if err != nil {
			return s.dependency("mark backup code used", err)
		}
		if !marked {
			// Lost the race: another request consumed the code first.
			s.metrics.Inc(metrics.BackupCodeFailed)
			return ErrInvalidTwoFactorCode
		}
		s.metrics.Inc(metrics.BackupCodeUsed)
		return nil
	}
	if !s.totp.Verify(code, u.TwoFactorSecret) {
		s.metrics.Inc(metrics.TwoFactorFailure)
		return ErrInvalidTwoFactorCode
	}
	s.metrics.Inc(metrics.TwoFactorSuccess)
	return nil
}

// ResolveOAuthUser finds or creates the account for an OAuth sign-in.
// Provider-verified emails skip local verification; banned accounts are
// denied outright.
func (s *Service) ResolveOAuthUser(ctx context.Context, email, name, provider string) (*Identity, error) {
	normalized := store.NormalizeEmail(email)
	u, err := s.users.GetByEmail(ctx, normalized)
	switch {
	case err == nil:
		if u.IsBanned {
			return nil, ErrAccountBanned
		}
		return identityOf(u), nil
	case errors.Is(err, store.ErrNotFound):
		// First sign-in for this email: provision a customer account.
	default:
		return nil, s.dependency("load user", err)
	}

	u = &store.User{
		ID:              uuid.NewString(),
		Name:            strings.TrimSpace(name),
		Email:           normalized,
		Credentials:     store.OAuthCredentials(provider),
		Role:            store.RoleCustomer,
		IsEmailVerified: true,
		CreatedAt:       s.now().UTC(),
	}
	if err := s.users.CreateUser(ctx, u); err != nil {
		if errors.Is(err, store.ErrDuplicateEmail) {
			// Raced a concurrent first sign-in; the other request won.
			existing, gerr := s.users.GetByEmail(ctx, normalized)
			if gerr != nil {
				return nil, s.dependency("load user", gerr)
			}
			if existing.IsBanned {
				return nil, ErrAccountBanned
			}
			return identityOf(existing), nil
		}
		return nil, s.dependency("create user", err)
	}
	s.metrics.Inc(metrics.RegisterSuccess)
	s.log.Info("oauth user provisioned", zap.String("userId", u.ID), zap.String("provider", provider))
	return identityOf(u), nil
}

// ForgotPassword issues a reset token and emails the link. The outcome is
// identical whether or not the email belongs to an account, so the endpoint
// cannot be used to enumerate users. A token whose email fails to send is
// cleared again so no dead link is ever stored.
func (s *Service) ForgotPassword(ctx context.Context, email string) error {
	u, err := s.users.GetByEmail(ctx, store.NormalizeEmail(email))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return s.dependency("load user", err)
	}
	if _, ok := u.Credentials.PasswordHash(); !ok {
		// OAuth accounts have no password to reset.
		return nil
	}

	raw, err := token.New()
	if err != nil {
		return s.dependency("generate reset token", err)
	}
	if err := s.users.SetResetToken(ctx, u.ID, token.Hash(raw), s.now().Add(s.cfg.ResetTTL)); err != nil {
		return s.dependency("store reset token", err)
	}
	if err := s.mailer.SendPasswordResetEmail(ctx, u.Name, u.Email, raw); err != nil {
		if cerr := s.users.ClearResetToken(ctx, u.ID); cerr != nil {
			s.log.Error("reset token rollback failed", zap.String("userId", u.ID), zap.Error(cerr))
		}
		return s.dependency("send reset email", err)
	}
	s.metrics.Inc(metrics.ResetIssued)
	return nil
}

// ResendVerification re-issues the verification link for an unverified
// account. Like ForgotPassword it responds identically for unknown and
// already-verified emails.
func (s *Service) ResendVerification(ctx context.Context, email string) error {
	u, err := s.users.GetByEmail(ctx, store.NormalizeEmail(email))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return s.dependency("load user", err)
	}
	if u.IsEmailVerified {
		return nil
	}

	raw, err := token.New()
	if err != nil {
		return s.dependency("generate verification token", err)
	}
	if err := s.users.SetVerificationToken(ctx, u.ID, token.Hash(raw), s.now().Add(s.cfg.VerificationTTL)); err != nil {
		return s.dependency("store verification token", err)
	}
	if err := s.mailer.SendVerificationEmail(ctx, u.Name, u.Email, raw); err != nil {
		if cerr := s.users.ClearVerificationToken(ctx, u.ID); cerr != nil {
			s.log.Error("verification token rollback failed", zap.String("userId", u.ID), zap.Error(cerr))
		}
		return s.dependency("send verification email", err)
	}
	s.metrics.Inc(metrics.VerificationIssued)
	return nil
}

// VerifyEmail consumes a verification token: the lookup, expiry check, flag
// flip, and token clear happen in one atomic store operation, so a link
// works exactly once.
func (s *Service) VerifyEmail(ctx context.Context, rawToken string) (*Identity, error) {
	if rawToken == "" {
		return nil, ErrTokenInvalidOrExpired
	}
	u, err := s.users.ConsumeVerificationToken(ctx, token.Hash(rawToken), s.now().UTC())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.metrics.Inc(metrics.VerificationRejected)
			return nil, ErrTokenInvalidOrExpired
		}
		return nil, s.dependency("consume verification token", err)
	}
	s.metrics.Inc(metrics.VerificationConsumed)
	return identityOf(u), nil
}

// ResetPassword consumes a reset token and installs the new password in the
// same atomic store operation. A consumed or expired token is rejected with
// the same error as one that never existed.
func (s *Service) ResetPassword(ctx context.Context, rawToken, newPassword string) error {
	if rawToken == "" {
		return ErrTokenInvalidOrExpired
	}
	if verr := validatePassword("password", newPassword); verr != nil {
		return verr
	}
	hash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return s.dependency("hash password", err)
	}
	if _, err := s.users.ConsumeResetToken(ctx, token.Hash(rawToken), hash, s.now().UTC()); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.metrics.Inc(metrics.ResetRejected)
			return ErrTokenInvalidOrExpired
		}
		return s.dependency("consume reset token", err)
	}
	s.metrics.Inc(metrics.ResetConsumed)
	return nil
}

// ChangePassword replaces the password for a signed-in user after checking
// the current one. OAuth-only accounts are rejected before any comparison.
func (s *Service) ChangePassword(ctx context.Context, userID, current, next string) error {
	u, err := s.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrInvalidCredentials
		}
		return s.dependency("load user", err)
	}
	hash, ok := u.Credentials.PasswordHash()
	if !ok {
		return ErrPasswordChangeUnavailable
	}
	match, err := s.hasher.Verify(current, hash)
	if err != nil || !match {
		return ErrCurrentPasswordIncorrect
	}
	if verr := validatePassword("newPassword", next); verr != nil {
		return verr
	}
	newHash, err := s.hasher.Hash(next)
	if err != nil {
		return s.dependency("hash password", err)
	}
	if err := s.users.UpdatePasswordHash(ctx, userID, newHash); err != nil {
		return s.dependency("update password", err)
	}
	s.metrics.Inc(metrics.PasswordChanged)
	return nil
}

func (s *Service) dependency(op string, err error) error {
	s.log.Error("auth dependency failure", zap.String("op", op), zap.Error(err))
	return fmt.Errorf("%w: %s: %v", ErrDependencyFailure, op, err)
}
