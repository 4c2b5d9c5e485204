// Package metrics provides cheap process-local counters for auth events.
// Counters are atomic; a disabled instance is a no-op.
package metrics

import "sync/atomic"

// ID identifies one counter.
type ID int

const (
	LoginSuccess ID = iota
	LoginFailure
	TwoFactorRequired
	TwoFactorSuccess
	TwoFactorFailure
	BackupCodeUsed
	BackupCodeFailed
	RegisterSuccess
	RegisterDuplicate
	RegisterRolledBack
	VerificationIssued
	VerificationConsumed
	VerificationRejected
	ResetIssued
	ResetConsumed
	ResetRejected
	PasswordChanged
	RateLimitHit
	SessionRefreshed

	idCount
)

var names = [idCount]string{
	"login_success",
	"login_failure",
	"two_factor_required",
	"two_factor_success",
	"two_factor_failure",
	"backup_code_used",
	"backup_code_failed",
	"register_success",
	"register_duplicate",
	"register_rolled_back",
	"verification_issued",
	"verification_consumed",
	"verification_rejected",
	"reset_issued",
	"reset_consumed",
	"reset_rejected",
	"password_changed",
	"rate_limit_hit",
	"session_refreshed",
}

// Metrics holds the counter set. The zero value is disabled.
type Metrics struct {
	enabled  bool
	counters [idCount]atomic.Uint64
}

func New(enabled bool) *Metrics {
	return &Metrics{enabled: enabled}
}

func (m *Metrics) Inc(id ID) {
	if m == nil || !m.enabled || id < 0 || id >= idCount {
		return
	}
	m.counters[id].Add(1)
}

func (m *Metrics) Get(id ID) uint64 {
	if m == nil || id < 0 || id >= idCount {
		return 0
	}
	return m.counters[id].Load()
}

// Snapshot returns a point-in-time copy of all counters keyed by name.
func (m *Metrics) Snapshot() map[string]uint64 {
	out := make(map[string]uint64, idCount)
	if m == nil {
		return out
	}
	for i := ID(0); i < idCount; i++ {
		out[names[i]] = m.counters[i].Load()
	}
	return out
}
