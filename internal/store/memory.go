package store

import (
	"context"
	"sync"
	"time"

	"github.com/orchardmart/storefront/internal/backup"
)

// MemoryStore is an in-process UserStore used by tests. Conditional
// operations hold the mutex across match-and-mutate, mirroring the
// single-statement atomicity of the PostgreSQL implementation.
type MemoryStore struct {
	mu    sync.Mutex
	users map[string]*User // keyed by id

	// FailWrites forces write operations to report ErrUnavailable, for
	// exercising rollback paths.
	FailWrites bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{users: make(map[string]*User)}
}

func (s *MemoryStore) CreateUser(_ context.Context, user *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWrites {
		return ErrUnavailable
	}

	email := NormalizeEmail(user.Email)
	for _, existing := range s.users {
		if existing.Email == email {
			return ErrDuplicateEmail
		}
	}

	stored := cloneUser(user)
	stored.Email = email
	s.users[user.ID] = stored
	return nil
}

func (s *MemoryStore) GetByID(_ context.Context, id string) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneUser(user), nil
}

func (s *MemoryStore) GetByEmail(_ context.Context, email string) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	normalized := NormalizeEmail(email)
	for _, user := range s.users {
		if user.Email == normalized {
			return cloneUser(user), nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) DeleteUser(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWrites {
		return ErrUnavailable
	}
	delete(s.users, id)
	return nil
}

func (s *MemoryStore) SetVerificationToken(_ context.Context, userID, tokenHash string, expiresAt time.Time) error {
	return s.mutate(userID, func(u *User) {
		u.EmailVerificationTokenHash = tokenHash
		expiry := expiresAt
		u.EmailVerificationExpiresAt = &expiry
	})
}

func (s *MemoryStore) ClearVerificationToken(_ context.Context, userID string) error {
	return s.mutate(userID, func(u *User) {
		u.EmailVerificationTokenHash = ""
		u.EmailVerificationExpiresAt = nil
	})
}

func (s *MemoryStore) ConsumeVerificationToken(_ context.Context, tokenHash string, now time.Time) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWrites {
		return nil, ErrUnavailable
	}

	for _, user := range s.users {
		if user.EmailVerificationTokenHash != tokenHash {
			continue
		}
		if user.EmailVerificationExpiresAt == nil || !user.EmailVerificationExpiresAt.After(now) {
			return nil, ErrNotFound
		}
		user.IsEmailVerified = true
		user.EmailVerificationTokenHash = ""
		user.EmailVerificationExpiresAt = nil
		return cloneUser(user), nil
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) SetResetToken(_ context.Context, userID, tokenHash string, expiresAt time.Time) error {
	return s.mutate(userID, func(u *User) {
		u.PasswordResetTokenHash = tokenHash
		expiry := expiresAt
		u.PasswordResetExpiresAt = &expiry
	})
}

func (s *MemoryStore) ClearResetToken(_ context.Context, userID string) error {
	return s.mutate(userID, func(u *User) {
		u.PasswordResetTokenHash = ""
		u.PasswordResetExpiresAt = nil
	})
}

func (s *MemoryStore) ConsumeResetToken(_ context.Context, tokenHash, newPasswordHash string, now time.Time) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWrites {
		return nil, ErrUnavailable
	}

	for _, user := range s.users {
		if user.PasswordResetTokenHash != tokenHash {
			continue
		}
		if user.PasswordResetExpiresAt == nil || !user.PasswordResetExpiresAt.After(now) {
			return nil, ErrNotFound
		}
		user.Credentials = PasswordCredentials(newPasswordHash)
		user.PasswordResetTokenHash = ""
		user.PasswordResetExpiresAt = nil
		return cloneUser(user), nil
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) UpdatePasswordHash(_ context.Context, userID, newHash string) error {
	return s.mutate(userID, func(u *User) {
		u.Credentials = PasswordCredentials(newHash)
	})
}

func (s *MemoryStore) EnableTwoFactor(_ context.Context, userID, secret string, codes []backup.Entry) error {
	return s.mutate(userID, func(u *User) {
		u.TwoFactorEnabled = true
		u.TwoFactorSecret = secret
		u.BackupCodes = cloneEntries(codes)
	})
}

func (s *MemoryStore) DisableTwoFactor(_ context.Context, userID string) error {
	return s.mutate(userID, func(u *User) {
		u.TwoFactorEnabled = false
		u.TwoFactorSecret = ""
		u.BackupCodes = nil
	})
}

func (s *MemoryStore) MarkBackupCodeUsed(_ context.Context, userID string, index int, usedAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWrites {
		return false, ErrUnavailable
	}

	user, ok := s.users[userID]
	if !ok {
		return false, ErrNotFound
	}
	if index < 0 || index >= len(user.BackupCodes) {
		return false, nil
	}
	if user.BackupCodes[index].UsedAt != nil {
		return false, nil
	}
	stamp := usedAt
	user.BackupCodes[index].UsedAt = &stamp
	return true, nil
}

func (s *MemoryStore) SetLastLogin(_ context.Context, userID string, at time.Time) error {
	return s.mutate(userID, func(u *User) {
		stamp := at
		u.LastLoginAt = &stamp
	})
}

func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

func (s *MemoryStore) mutate(userID string, fn func(*User)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWrites {
		return ErrUnavailable
	}

	user, ok := s.users[userID]
	if !ok {
		return ErrNotFound
	}
	fn(user)
	return nil
}

func cloneUser(u *User) *User {
	clone := *u
	clone.BackupCodes = cloneEntries(u.BackupCodes)
	if u.EmailVerificationExpiresAt != nil {
		t := *u.EmailVerificationExpiresAt
		clone.EmailVerificationExpiresAt = &t
	}
	if u.PasswordResetExpiresAt != nil {
		t := *u.PasswordResetExpiresAt
		clone.PasswordResetExpiresAt = &t
	}
	if u.LastLoginAt != nil {
		t := *u.LastLoginAt
		clone.LastLoginAt = &t
	}
	return &clone
}

func cloneEntries(entries []backup.Entry) []backup.Entry {
	if entries == nil {
		return nil
	}
	out := make([]backup.Entry, len(entries))
	copy(out, entries)
	for i := range entries {
		if entries[i].UsedAt != nil {
			t := *entries[i].UsedAt
			out[i].UsedAt = &t
		}
	}
	return out
}
