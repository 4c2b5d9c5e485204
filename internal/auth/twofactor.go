package auth

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/orchardmart/storefront/internal/backup"
	"github.com/orchardmart/storefront/internal/metrics"
	"github.com/orchardmart/storefront/internal/store"
)

// TwoFactorSetup describes a pending enrollment: the base32 secret for
// manual entry and the otpauth URI the client renders as a QR code.
type TwoFactorSetup struct {
	Secret        string
	EnrollmentURI string
}

// SetupTwoFactor starts 2FA enrollment. The secret is staged in Redis with
// a short TTL and does not touch the account until ConfirmTwoFactor proves
// the authenticator app has it. Restarting setup replaces the staged secret.
func (s *Service) SetupTwoFactor(ctx context.Context, userID string) (*TwoFactorSetup, error) {
	u, err := s.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, s.dependency("load user", err)
	}
	if u.TwoFactorEnabled {
		return nil, ErrTwoFactorAlreadyEnabled
	}

	secret, err := s.totp.GenerateSecret()
	if err != nil {
		return nil, s.dependency("generate totp secret", err)
	}
	if err := s.staged.Stage(ctx, userID, secret); err != nil {
		return nil, s.dependency("stage totp secret", err)
	}
	return &TwoFactorSetup{
		Secret:        secret,
		EnrollmentURI: s.totp.EnrollmentURI(secret, u.Email),
	}, nil
}

// ConfirmTwoFactor completes enrollment: the submitted code must verify
// against the staged secret, which is then promoted onto the account along
// with a fresh set of backup codes. The plaintext codes are returned this
// one time and only their hashes are stored.
func (s *Service) ConfirmTwoFactor(ctx context.Context, userID, code string) ([]string, error) {
	secret, err := s.staged.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrStagedSecretNotFound) {
			return nil, ErrSetupExpired
		}
		return nil, s.dependency("load staged totp secret", err)
	}
	if !s.totp.Verify(code, secret) {
		s.metrics.Inc(metrics.TwoFactorFailure)
		return nil, ErrInvalidTwoFactorCode
	}

	codes, err := backup.Generate(backup.DefaultCount)
	if err != nil {
		return nil, s.dependency("generate backup codes", err)
	}
	if err := s.users.EnableTwoFactor(ctx, userID, secret, backup.NewEntries(codes)); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, s.dependency("enable two-factor", err)
	}
	if err := s.staged.Delete(ctx, userID); err != nil {
		s.log.Warn("staged secret cleanup failed", zap.String("userId", userID), zap.Error(err))
	}
	s.log.Info("two-factor enabled", zap.String("userId", userID))
	return codes, nil
}

// ValidateTwoFactor checks a TOTP or backup code for an already
// authenticated user, for step-up confirmation outside the login flow.
// Backup codes are consumed exactly as in login.
func (s *Service) ValidateTwoFactor(ctx context.Context, userID, code string, isBackup bool) error {
	u, err := s.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrInvalidCredentials
		}
		return s.dependency("load user", err)
	}
	if !u.TwoFactorEnabled || u.TwoFactorSecret == "" {
		return ErrTwoFactorNotEnabled
	}
	return s.checkSecondFactor(ctx, u, code, isBackup)
}

// DisableTwoFactor turns 2FA off after a valid TOTP code. Backup codes are
// not accepted here: disabling requires the live authenticator. The secret
// and backup codes are cleared together.
func (s *Service) DisableTwoFactor(ctx context.Context, userID, code string) error {
	u, err := s.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrInvalidCredentials
		}
		return s.dependency("load user", err)
	}
	if !u.TwoFactorEnabled || u.TwoFactorSecret == "" {
		return ErrTwoFactorNotEnabled
	}
	if !s.totp.Verify(code, u.TwoFactorSecret) {
		s.metrics.Inc(metrics.TwoFactorFailure)
		return ErrInvalidTwoFactorCode
	}
	if err := s.users.DisableTwoFactor(ctx, userID); err != nil {
		return s.dependency("disable two-factor", err)
	}
	s.log.Info("two-factor disabled", zap.String("userId", userID))
	return nil
}
