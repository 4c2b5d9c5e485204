package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/orchardmart/storefront/internal/auth"
	"github.com/orchardmart/storefront/internal/mailer"
	"github.com/orchardmart/storefront/internal/metrics"
	"github.com/orchardmart/storefront/internal/password"
	"github.com/orchardmart/storefront/internal/rate"
	"github.com/orchardmart/storefront/internal/session"
	"github.com/orchardmart/storefront/internal/store"
	"github.com/orchardmart/storefront/internal/totp"
)

type testServer struct {
	router   http.Handler
	users    *store.MemoryStore
	rec      *mailer.Recorder
	sessions *session.Manager
	svc      *auth.Service
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	hasher, err := password.NewHasher(password.Config{
		Memory:      8 * 1024,
		Time:        1,
		Parallelism: 1,
		SaltLength:  16,
		KeyLength:   16,
	})
	if err != nil {
		t.Fatalf("NewHasher failed: %v", err)
	}
	sessions, err := session.NewManager(session.Config{
		Secret: testSecret,
		TTL:    time.Hour,
		Issuer: "orchardmart",
	})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	users := store.NewMemoryStore()
	staged := store.NewStagedSecretStore(client, store.DefaultStagedSecretTTL)
	rec := mailer.NewRecorder()
	svc := auth.NewService(users, staged, hasher, totp.New("OrchardMart"), rec, nil, zap.NewNop(), auth.Config{})

	// Generous budgets: limiting behavior is covered by the guard tests.
	rateCfg := rate.Config{
		Auth:     rate.Limit{Requests: 1000, Window: time.Minute},
		Checkout: rate.Limit{Requests: 1000, Window: time.Minute},
		API:      rate.Limit{Requests: 1000, Window: time.Minute},
	}

	mx := metrics.New(false)
	guard := NewGuard(sessions, rate.New(client, rateCfg), mx, zap.NewNop(), false)
	handlers := NewHandlers(svc, sessions, users, client, mx, zap.NewNop(), false)
	router := NewRouter(RouterConfig{Handlers: handlers, Guard: guard})

	return &testServer{router: router, users: users, rec: rec, sessions: sessions, svc: svc}
}

func (ts *testServer) do(t *testing.T, method, path string, body any, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func decodeMap(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &m); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return m
}

// register + verify + login, returning the session cookie.
func (ts *testServer) loginAs(t *testing.T, email string) *http.Cookie {
	t.Helper()

	rec := ts.do(t, http.MethodPost, "/api/auth/register", map[string]string{
		"name": "Pat Tester", "email": email,
		"password": "longenough1", "confirmPassword": "longenough1",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("register = %d: %s", rec.Code, rec.Body.String())
	}

	sent := ts.rec.Sent()
	verify := ts.do(t, http.MethodGet, "/api/auth/verify-email?token="+sent[len(sent)-1].RawToken, nil)
	if verify.Code != http.StatusFound {
		t.Fatalf("verify-email = %d: %s", verify.Code, verify.Body.String())
	}

	login := ts.do(t, http.MethodPost, "/api/auth/login", map[string]string{
		"email": email, "password": "longenough1",
	})
	if login.Code != http.StatusOK {
		t.Fatalf("login = %d: %s", login.Code, login.Body.String())
	}
	for _, c := range login.Result().Cookies() {
		if c.Name == SessionCookie && c.Value != "" {
			return c
		}
	}
	t.Fatal("login did not set a session cookie")
	return nil
}

func TestRegisterLoginFlow(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/auth/register", map[string]string{
		"name": "Pat Tester", "email": "shopper@example.com",
		"password": "longenough1", "confirmPassword": "longenough1",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("register = %d: %s", rec.Code, rec.Body.String())
	}
	if got := decodeMap(t, rec)["message"]; got != "Account created. Please check your email to verify." {
		t.Errorf("message = %v", got)
	}

	// Unverified accounts cannot log in.
	login := ts.do(t, http.MethodPost, "/api/auth/login", map[string]string{
		"email": "shopper@example.com", "password": "longenough1",
	})
	if login.Code != http.StatusUnauthorized {
		t.Fatalf("unverified login = %d, want 401", login.Code)
	}

	verify := ts.do(t, http.MethodGet, "/api/auth/verify-email?token="+ts.rec.Sent()[0].RawToken, nil)
	if verify.Code != http.StatusFound {
		t.Fatalf("verify-email = %d", verify.Code)
	}
	if loc := verify.Header().Get("Location"); loc != "/auth/login?verified=true" {
		t.Errorf("Location = %s", loc)
	}

	login = ts.do(t, http.MethodPost, "/api/auth/login", map[string]string{
		"email": "shopper@example.com", "password": "longenough1",
	})
	if login.Code != http.StatusOK {
		t.Fatalf("login = %d: %s", login.Code, login.Body.String())
	}
	user, ok := decodeMap(t, login)["user"].(map[string]any)
	if !ok || user["email"] != "shopper@example.com" || user["role"] != "customer" {
		t.Errorf("user payload = %v", user)
	}
}

func TestRegisterDuplicate(t *testing.T) {
	ts := newTestServer(t)
	ts.loginAs(t, "shopper@example.com")

	rec := ts.do(t, http.MethodPost, "/api/auth/register", map[string]string{
		"name": "Other", "email": "shopper@example.com",
		"password": "longenough1", "confirmPassword": "longenough1",
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("got %d, want 409", rec.Code)
	}
	if got := decodeMap(t, rec)["error"]; got != "Email already in use" {
		t.Errorf("error = %v", got)
	}
}

func TestLoginInvalidCredentials(t *testing.T) {
	ts := newTestServer(t)
	ts.loginAs(t, "shopper@example.com")

	for _, body := range []map[string]string{
		{"email": "shopper@example.com", "password": "wrongwrong1"},
		{"email": "nobody@example.com", "password": "longenough1"},
	} {
		rec := ts.do(t, http.MethodPost, "/api/auth/login", body)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("got %d, want 401", rec.Code)
		}
		if got := decodeMap(t, rec)["error"]; got != "Invalid credentials" {
			t.Errorf("error = %v", got)
		}
	}
}

func TestForgotPasswordResponsesAreIdentical(t *testing.T) {
	ts := newTestServer(t)
	ts.loginAs(t, "shopper@example.com")

	known := ts.do(t, http.MethodPost, "/api/auth/forgot-password", map[string]string{"email": "shopper@example.com"})
	unknown := ts.do(t, http.MethodPost, "/api/auth/forgot-password", map[string]string{"email": "nobody@example.com"})
	if known.Code != http.StatusOK || unknown.Code != http.StatusOK {
		t.Fatalf("status %d / %d, want 200 / 200", known.Code, unknown.Code)
	}
	if known.Body.String() != unknown.Body.String() {
		t.Errorf("bodies differ: %q vs %q", known.Body.String(), unknown.Body.String())
	}
}

func TestResetPasswordFlow(t *testing.T) {
	ts := newTestServer(t)
	ts.loginAs(t, "shopper@example.com")

	ts.do(t, http.MethodPost, "/api/auth/forgot-password", map[string]string{"email": "shopper@example.com"})
	sent := ts.rec.Sent()
	raw := sent[len(sent)-1].RawToken

	rec := ts.do(t, http.MethodPost, "/api/auth/reset-password", map[string]string{
		"token": raw, "password": "brandnewpw2", "confirmPassword": "brandnewpw2",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("reset = %d: %s", rec.Code, rec.Body.String())
	}

	// Token is spent.
	rec = ts.do(t, http.MethodPost, "/api/auth/reset-password", map[string]string{
		"token": raw, "password": "anotherone3", "confirmPassword": "anotherone3",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("reuse = %d, want 400", rec.Code)
	}
	if got := decodeMap(t, rec)["error"]; got != "Invalid or expired reset token" {
		t.Errorf("error = %v", got)
	}

	login := ts.do(t, http.MethodPost, "/api/auth/login", map[string]string{
		"email": "shopper@example.com", "password": "brandnewpw2",
	})
	if login.Code != http.StatusOK {
		t.Fatalf("login with new password = %d", login.Code)
	}
}

func TestAuthenticatedEndpointsRequireSession(t *testing.T) {
	ts := newTestServer(t)

	paths := []string{
		"/api/auth/change-password",
		"/api/auth/2fa/setup",
		"/api/auth/2fa/verify",
		"/api/auth/2fa/validate",
		"/api/auth/2fa/disable",
		"/api/auth/session/refresh",
	}
	for _, p := range paths {
		rec := ts.do(t, http.MethodPost, p, map[string]string{})
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("POST %s = %d, want 401", p, rec.Code)
		}
		if got := decodeMap(t, rec)["error"]; got != "Unauthorized" {
			t.Errorf("POST %s error = %v", p, got)
		}
	}
}

func TestTwoFactorEndToEnd(t *testing.T) {
	ts := newTestServer(t)
	cookie := ts.loginAs(t, "shopper@example.com")

	setup := ts.do(t, http.MethodPost, "/api/auth/2fa/setup", nil, cookie)
	if setup.Code != http.StatusOK {
		t.Fatalf("setup = %d: %s", setup.Code, setup.Body.String())
	}
	payload := decodeMap(t, setup)
	secret, _ := payload["secret"].(string)
	if secret == "" || payload["qrCode"] == "" {
		t.Fatalf("setup payload = %v", payload)
	}

	code, err := totp.CodeAt(secret, time.Now())
	if err != nil {
		t.Fatalf("CodeAt failed: %v", err)
	}
	verify := ts.do(t, http.MethodPost, "/api/auth/2fa/verify", map[string]string{"token": code}, cookie)
	if verify.Code != http.StatusOK {
		t.Fatalf("verify = %d: %s", verify.Code, verify.Body.String())
	}
	codes, ok := decodeMap(t, verify)["backupCodes"].([]any)
	if !ok || len(codes) != 8 {
		t.Fatalf("backupCodes = %v", codes)
	}

	// Password alone now yields the re-prompt signal, not a rejection.
	login := ts.do(t, http.MethodPost, "/api/auth/login", map[string]string{
		"email": "shopper@example.com", "password": "longenough1",
	})
	if login.Code != http.StatusUnauthorized {
		t.Fatalf("login = %d, want 401", login.Code)
	}
	if got := decodeMap(t, login)["error"]; got != TwoFactorRequiredSignal {
		t.Fatalf("error = %v, want %s", got, TwoFactorRequiredSignal)
	}

	code, err = totp.CodeAt(secret, time.Now())
	if err != nil {
		t.Fatalf("CodeAt failed: %v", err)
	}
	login = ts.do(t, http.MethodPost, "/api/auth/login", map[string]string{
		"email": "shopper@example.com", "password": "longenough1", "totpCode": code,
	})
	if login.Code != http.StatusOK {
		t.Fatalf("login with code = %d: %s", login.Code, login.Body.String())
	}

	// A backup code works once.
	backupLogin := map[string]any{
		"email": "shopper@example.com", "password": "longenough1",
		"totpCode": codes[0], "isBackupCode": true,
	}
	if rec := ts.do(t, http.MethodPost, "/api/auth/login", backupLogin); rec.Code != http.StatusOK {
		t.Fatalf("backup login = %d: %s", rec.Code, rec.Body.String())
	}
	if rec := ts.do(t, http.MethodPost, "/api/auth/login", backupLogin); rec.Code != http.StatusBadRequest {
		t.Fatalf("backup reuse = %d, want 400", rec.Code)
	}

	// Disable with a live code; password-only login works again.
	code, err = totp.CodeAt(secret, time.Now())
	if err != nil {
		t.Fatalf("CodeAt failed: %v", err)
	}
	disable := ts.do(t, http.MethodPost, "/api/auth/2fa/disable", map[string]string{"token": code}, cookie)
	if disable.Code != http.StatusOK {
		t.Fatalf("disable = %d: %s", disable.Code, disable.Body.String())
	}
	login = ts.do(t, http.MethodPost, "/api/auth/login", map[string]string{
		"email": "shopper@example.com", "password": "longenough1",
	})
	if login.Code != http.StatusOK {
		t.Fatalf("login after disable = %d", login.Code)
	}
}

func TestTwoFactorValidate(t *testing.T) {
	ts := newTestServer(t)
	cookie := ts.loginAs(t, "shopper@example.com")

	rec := ts.do(t, http.MethodPost, "/api/auth/2fa/validate", map[string]string{"token": "000000"}, cookie)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("got %d, want 400", rec.Code)
	}
	if got := decodeMap(t, rec)["error"]; got != "2FA is not enabled" {
		t.Errorf("error = %v", got)
	}

	setup := ts.do(t, http.MethodPost, "/api/auth/2fa/setup", nil, cookie)
	secret := decodeMap(t, setup)["secret"].(string)
	code, err := totp.CodeAt(secret, time.Now())
	if err != nil {
		t.Fatalf("CodeAt failed: %v", err)
	}
	if rec := ts.do(t, http.MethodPost, "/api/auth/2fa/verify", map[string]string{"token": code}, cookie); rec.Code != http.StatusOK {
		t.Fatalf("verify = %d: %s", rec.Code, rec.Body.String())
	}

	code, err = totp.CodeAt(secret, time.Now())
	if err != nil {
		t.Fatalf("CodeAt failed: %v", err)
	}
	rec = ts.do(t, http.MethodPost, "/api/auth/2fa/validate", map[string]string{"token": code}, cookie)
	if rec.Code != http.StatusOK {
		t.Fatalf("validate = %d: %s", rec.Code, rec.Body.String())
	}
	if got := decodeMap(t, rec)["valid"]; got != true {
		t.Errorf("valid = %v", got)
	}
}

func TestChangePasswordEndpoint(t *testing.T) {
	ts := newTestServer(t)
	cookie := ts.loginAs(t, "shopper@example.com")

	rec := ts.do(t, http.MethodPost, "/api/auth/change-password", map[string]string{
		"currentPassword": "wrongwrong1", "newPassword": "brandnewpw2",
	}, cookie)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("got %d, want 400", rec.Code)
	}
	if got := decodeMap(t, rec)["error"]; got != "Current password is incorrect" {
		t.Errorf("error = %v", got)
	}

	rec = ts.do(t, http.MethodPost, "/api/auth/change-password", map[string]string{
		"currentPassword": "longenough1", "newPassword": "brandnewpw2",
	}, cookie)
	if rec.Code != http.StatusOK {
		t.Fatalf("change = %d: %s", rec.Code, rec.Body.String())
	}

	login := ts.do(t, http.MethodPost, "/api/auth/login", map[string]string{
		"email": "shopper@example.com", "password": "brandnewpw2",
	})
	if login.Code != http.StatusOK {
		t.Fatalf("login with new password = %d", login.Code)
	}
}

func TestSessionRefreshPicksUpRoleChange(t *testing.T) {
	ts := newTestServer(t)
	cookie := ts.loginAs(t, "shopper@example.com")

	sess, err := ts.sessions.Parse(cookie.Value)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if sess.Role != store.RoleCustomer {
		t.Fatalf("initial role = %s", sess.Role)
	}

	// Promote the user out of band; the old cookie still says customer.
	u, err := ts.users.GetByID(t.Context(), sess.UserID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	u.Role = store.RoleMember
	if err := ts.users.DeleteUser(t.Context(), u.ID); err != nil {
		t.Fatalf("DeleteUser failed: %v", err)
	}
	if err := ts.users.CreateUser(t.Context(), u); err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}

	rec := ts.do(t, http.MethodPost, "/api/auth/session/refresh", nil, cookie)
	if rec.Code != http.StatusOK {
		t.Fatalf("refresh = %d: %s", rec.Code, rec.Body.String())
	}
	if got := decodeMap(t, rec)["role"]; got != "member" {
		t.Errorf("role = %v, want member", got)
	}

	var refreshed *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == SessionCookie {
			refreshed = c
		}
	}
	if refreshed == nil {
		t.Fatal("refresh did not set a cookie")
	}
	sess, err = ts.sessions.Parse(refreshed.Value)
	if err != nil {
		t.Fatalf("Parse refreshed failed: %v", err)
	}
	if sess.Role != store.RoleMember {
		t.Errorf("refreshed role = %s, want member", sess.Role)
	}
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/api/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("health = %d: %s", rec.Code, rec.Body.String())
	}
	checks, ok := decodeMap(t, rec)["checks"].(map[string]any)
	if !ok || checks["database"] != "ok" || checks["redis"] != "ok" {
		t.Errorf("checks = %v", checks)
	}
}

func TestLogoutClearsCookie(t *testing.T) {
	ts := newTestServer(t)
	cookie := ts.loginAs(t, "shopper@example.com")

	rec := ts.do(t, http.MethodPost, "/api/auth/logout", nil, cookie)
	if rec.Code != http.StatusOK {
		t.Fatalf("logout = %d", rec.Code)
	}
	for _, c := range rec.Result().Cookies() {
		if c.Name == SessionCookie && c.MaxAge >= 0 {
			t.Errorf("logout cookie MaxAge = %d, want negative", c.MaxAge)
		}
	}
}
