package auth

import "errors"

var (
	// ErrInvalidCredentials is the single generic rejection for a failed
	// credential login. Wrong password, unknown email, OAuth-only account,
	// unverified email, and banned account all collapse into it so callers
	// cannot probe account state.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrTwoFactorRequired signals that the password was accepted but a
	// second factor is still needed. It is control flow, not a failure:
	// clients re-prompt instead of showing "invalid credentials".
	ErrTwoFactorRequired = errors.New("two-factor code required")

	// ErrInvalidTwoFactorCode rejects a wrong TOTP code or a backup code
	// that matched no unused entry. It does not reveal which path failed.
	ErrInvalidTwoFactorCode = errors.New("invalid two-factor code")

	// ErrTwoFactorNotEnabled is returned by validate/disable when the
	// account has no active 2FA.
	ErrTwoFactorNotEnabled = errors.New("two-factor authentication is not enabled")

	// ErrTwoFactorAlreadyEnabled is returned by setup when 2FA is active.
	ErrTwoFactorAlreadyEnabled = errors.New("two-factor authentication is already enabled")

	// ErrSetupExpired is returned when the staged setup secret lapsed
	// before confirmation.
	ErrSetupExpired = errors.New("setup session expired")

	// ErrTokenInvalidOrExpired is the single outcome for a verification or
	// reset token that matched nothing: never existed, expired, or already
	// consumed are indistinguishable.
	ErrTokenInvalidOrExpired = errors.New("invalid or expired token")

	// ErrEmailInUse is returned by registration on a duplicate email.
	ErrEmailInUse = errors.New("email already in use")

	// ErrAccountBanned denies OAuth sign-in for a banned email.
	ErrAccountBanned = errors.New("account banned")

	// ErrPasswordChangeUnavailable is returned for OAuth-only accounts,
	// which have no password to change.
	ErrPasswordChangeUnavailable = errors.New("password change not available for oauth accounts")

	// ErrCurrentPasswordIncorrect rejects a change-password request whose
	// current password does not match.
	ErrCurrentPasswordIncorrect = errors.New("current password is incorrect")

	// ErrDependencyFailure wraps store or mailer outages. The HTTP layer
	// returns an opaque 500 and the cause is only logged server-side.
	ErrDependencyFailure = errors.New("dependency failure")
)

// ValidationError carries field-level detail for malformed input. It is the
// only error class that surfaces specifics to the caller.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	return "validation failed"
}

func newValidationError(field, msg string) *ValidationError {
	return &ValidationError{Fields: map[string]string{field: msg}}
}
