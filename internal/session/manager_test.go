package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/orchardmart/storefront/internal/store"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func newTestManager(t *testing.T, ttl time.Duration) *Manager {
	t.Helper()
	m, err := NewManager(Config{Secret: testSecret, TTL: ttl, Issuer: "orchardmart"})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	return m
}

func TestIssueAndParse(t *testing.T) {
	m := newTestManager(t, time.Hour)

	token, err := m.Issue("u1", store.RoleMember, false)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	sess, err := m.Parse(token)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if sess.UserID != "u1" || sess.Role != store.RoleMember || sess.IsBanned {
		t.Fatalf("unexpected session: %+v", sess)
	}
}

func TestParseRejectsTamperedToken(t *testing.T) {
	m := newTestManager(t, time.Hour)

	token, err := m.Issue("u1", store.RoleCustomer, false)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	tampered := token[:len(token)-2] + "xx"
	if _, err := m.Parse(tampered); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected ErrTokenInvalid, got %v", err)
	}
}

func TestParseRejectsWrongSecret(t *testing.T) {
	m := newTestManager(t, time.Hour)
	other, err := NewManager(Config{
		Secret: []byte("ffffffffffffffffffffffffffffffff"),
		TTL:    time.Hour,
		Issuer: "orchardmart",
	})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	token, err := other.Issue("u1", store.RoleCustomer, false)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	if _, err := m.Parse(token); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected ErrTokenInvalid, got %v", err)
	}
}

func TestParseRejectsExpiredToken(t *testing.T) {
	m := newTestManager(t, time.Millisecond)

	token, err := m.Issue("u1", store.RoleCustomer, false)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	time.Sleep(5 * time.Millisecond)
	if _, err := m.Parse(token); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected ErrTokenInvalid for expired token, got %v", err)
	}
}

func TestRefreshPicksUpRoleChange(t *testing.T) {
	m := newTestManager(t, time.Hour)
	users := store.NewMemoryStore()
	ctx := context.Background()

	id := uuid.NewString()
	if err := users.CreateUser(ctx, &store.User{
		ID:          id,
		Name:        "Aya",
		Email:       "aya@x.com",
		Credentials: store.PasswordCredentials("$argon2id$..."),
		Role:        store.RoleCustomer,
	}); err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}

	token, err := m.Issue(id, store.RoleCustomer, false)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	// Promote out of band; the existing token keeps the stale role until
	// an explicit refresh.
	promoted, err := users.GetByID(ctx, id)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	promoted.Role = store.RoleMember
	if err := users.DeleteUser(ctx, id); err != nil {
		t.Fatalf("DeleteUser failed: %v", err)
	}
	if err := users.CreateUser(ctx, promoted); err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}

	stale, err := m.Parse(token)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if stale.Role != store.RoleCustomer {
		t.Fatalf("expected stale token role customer, got %s", stale.Role)
	}

	refreshedToken, sess, err := m.Refresh(ctx, token, users)
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if sess.Role != store.RoleMember {
		t.Fatalf("expected refreshed role member, got %s", sess.Role)
	}

	parsed, err := m.Parse(refreshedToken)
	if err != nil {
		t.Fatalf("Parse of refreshed token failed: %v", err)
	}
	if parsed.Role != store.RoleMember {
		t.Fatalf("refreshed token carries role %s, want member", parsed.Role)
	}
}

func TestRefreshDeniesBannedAccount(t *testing.T) {
	m := newTestManager(t, time.Hour)
	users := store.NewMemoryStore()
	ctx := context.Background()

	id := uuid.NewString()
	if err := users.CreateUser(ctx, &store.User{
		ID:          id,
		Name:        "Ben",
		Email:       "ben@x.com",
		Credentials: store.PasswordCredentials("$argon2id$..."),
		Role:        store.RoleCustomer,
		IsBanned:    true,
	}); err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}

	token, err := m.Issue(id, store.RoleCustomer, false)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	if _, _, err := m.Refresh(ctx, token, users); !errors.Is(err, ErrBanned) {
		t.Fatalf("expected ErrBanned, got %v", err)
	}
}

func TestNewManagerRejectsWeakConfig(t *testing.T) {
	if _, err := NewManager(Config{Secret: []byte("short"), TTL: time.Hour}); err == nil {
		t.Fatal("expected error for short secret")
	}
	if _, err := NewManager(Config{Secret: testSecret, TTL: 0}); err == nil {
		t.Fatal("expected error for zero TTL")
	}
}
