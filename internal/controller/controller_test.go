package controller

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/carebridge-health/sessiongate/internal/permission"
	"github.com/carebridge-health/sessiongate/internal/refresh"
	"github.com/carebridge-health/sessiongate/internal/session"
	"github.com/carebridge-health/sessiongate/internal/token"
	"github.com/carebridge-health/sessiongate/internal/upstream"
)

var testSecret = []byte("controller-test-secret")

type fakeBackend struct {
	loginFn   func(ctx context.Context, req upstream.LoginRequest) (*upstream.Tokens, error)
	logoutFn  func(ctx context.Context, sessionToken string) error
	refreshFn func(ctx context.Context, refreshToken string) (*upstream.Tokens, error)
	currentFn func(ctx context.Context, sessionToken string) (*upstream.UserInfo, error)
}

func (f *fakeBackend) Login(ctx context.Context, req upstream.LoginRequest) (*upstream.Tokens, error) {
	if f.loginFn == nil {
		return nil, upstream.ErrUnauthorized
	}
	return f.loginFn(ctx, req)
}

func (f *fakeBackend) Logout(ctx context.Context, sessionToken string) error {
	if f.logoutFn == nil {
		return nil
	}
	return f.logoutFn(ctx, sessionToken)
}

func (f *fakeBackend) Refresh(ctx context.Context, refreshToken string) (*upstream.Tokens, error) {
	if f.refreshFn == nil {
		return nil, upstream.ErrUnauthorized
	}
	return f.refreshFn(ctx, refreshToken)
}

func (f *fakeBackend) CurrentUser(ctx context.Context, sessionToken string) (*upstream.UserInfo, error) {
	if f.currentFn == nil {
		return &upstream.UserInfo{}, nil
	}
	return f.currentFn(ctx, sessionToken)
}

func (f *fakeBackend) SetupTwoFactor(context.Context, string) (*upstream.TwoFactorSetup, error) {
	return &upstream.TwoFactorSetup{Secret: "abc"}, nil
}
func (f *fakeBackend) VerifyTwoFactor(context.Context, string, string) error { return nil }

func (f *fakeBackend) RequestPasswordReset(context.Context, string) error { return nil }

func (f *fakeBackend) VerifyEmail(context.Context, string) error { return nil }
func (f *fakeBackend) GrantEmergencyAccess(context.Context, string, upstream.EmergencyAccessRequest) error {
	return nil
}
func (f *fakeBackend) UpdateConsent(context.Context, string, upstream.ConsentUpdate) error {
	return nil
}

func mintToken(t *testing.T, now time.Time, ttl time.Duration, mutate func(*token.Claims)) string {
	t.Helper()
	claims := &token.Claims{
		UserID:    42,
		Email:     "pat@example.org",
		Role:      token.RolePatient,
		ExpiresAt: now.Add(ttl).Unix(),
		IssuedAt:  now.Unix(),
		TokenID:   "tok-1",
		SessionID: "sess-1",
		Permissions: map[string]bool{
			permission.CapViewPHI: true,
		},
	}
	if mutate != nil {
		mutate(claims)
	}
	raw, err := token.Mint(claims, testSecret)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	return raw
}

func newTestController(t *testing.T, backend Backend, now time.Time) (*Controller, session.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := session.NewRedisStore(client, session.WithClock(func() time.Time { return now }))
	c := New(store, backend,
		WithClock(func() time.Time { return now }),
		WithSchedulerOptions(refresh.WithRetryDelay(time.Millisecond), refresh.WithMaxRetries(2)),
	)
	t.Cleanup(c.Close)
	return c, store
}

func TestLoginOpensSessionAndSchedulesRefresh(t *testing.T) {
	now := time.Now()
	raw := mintToken(t, now, time.Hour, nil)
	backend := &fakeBackend{
		loginFn: func(ctx context.Context, req upstream.LoginRequest) (*upstream.Tokens, error) {
			return &upstream.Tokens{SessionToken: raw, RefreshToken: "refresh-1"}, nil
		},
	}
	c, store := newTestController(t, backend, now)

	sess, err := c.Login(context.Background(), "tab-1", Credentials{Email: "pat@example.org", Password: "pw"})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if !sess.Authenticated || sess.UserID != 42 || sess.Role != "patient" {
		t.Fatalf("unexpected session view: %+v", sess)
	}
	if !sess.CanViewPHI || sess.IsAdmin {
		t.Fatalf("derived booleans wrong: %+v", sess)
	}

	rec, err := store.Get(context.Background(), "tab-1")
	if err != nil || rec == nil {
		t.Fatalf("record not stored: %v", err)
	}
	if rec.SessionToken != raw || rec.RefreshToken != "refresh-1" {
		t.Fatalf("tokens not persisted: %+v", rec)
	}

	c.mu.Lock()
	ts := c.schedulers["tab-1"]
	c.mu.Unlock()
	if ts == nil {
		t.Fatalf("no scheduler armed for the tab")
	}
	if ts.sched.State() != refresh.StateScheduled {
		t.Fatalf("expected scheduled refresh, got %s", ts.sched.State())
	}
	// One hour of lifetime minus the five minute threshold.
	if d := ts.sched.Delay(); d < 54*time.Minute || d > 55*time.Minute {
		t.Fatalf("expected ~55m delay, got %v", d)
	}
}

func TestLoginRejectedCredentials(t *testing.T) {
	now := time.Now()
	c, _ := newTestController(t, &fakeBackend{}, now)
	if _, err := c.Login(context.Background(), "tab-1", Credentials{}); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestLoginRejectsInvalidRoleToken(t *testing.T) {
	now := time.Now()
	raw := mintToken(t, now, time.Hour, func(c *token.Claims) { c.Role = "not_a_real_role" })
	backend := &fakeBackend{
		loginFn: func(ctx context.Context, req upstream.LoginRequest) (*upstream.Tokens, error) {
			return &upstream.Tokens{SessionToken: raw}, nil
		},
	}
	c, _ := newTestController(t, backend, now)

	_, err := c.Login(context.Background(), "tab-1", Credentials{})
	var rejected *TokenRejectedError
	if !errors.As(err, &rejected) || rejected.Code != token.CodeInvalidRole {
		t.Fatalf("expected INVALID_ROLE rejection, got %v", err)
	}
}

func TestLogoutIsFailSafe(t *testing.T) {
	now := time.Now()
	raw := mintToken(t, now, time.Hour, nil)
	backend := &fakeBackend{
		loginFn: func(ctx context.Context, req upstream.LoginRequest) (*upstream.Tokens, error) {
			return &upstream.Tokens{SessionToken: raw, RefreshToken: "refresh-1"}, nil
		},
		logoutFn: func(ctx context.Context, sessionToken string) error {
			return errors.New("backend down")
		},
	}
	c, store := newTestController(t, backend, now)

	if _, err := c.Login(context.Background(), "tab-1", Credentials{}); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if err := c.Logout(context.Background(), "tab-1"); err != nil {
		t.Fatalf("Logout must swallow upstream failure, got %v", err)
	}
	rec, err := store.Get(context.Background(), "tab-1")
	if err != nil || rec != nil {
		t.Fatalf("local state must be cleared even when upstream logout fails")
	}
	c.mu.Lock()
	_, retained := c.schedulers["tab-1"]
	c.mu.Unlock()
	if retained {
		t.Fatalf("scheduler must be released on logout")
	}
}

func TestLogoutReleasesSchedulers(t *testing.T) {
	now := time.Now()
	raw := mintToken(t, now, time.Hour, nil)
	backend := &fakeBackend{
		loginFn: func(ctx context.Context, req upstream.LoginRequest) (*upstream.Tokens, error) {
			return &upstream.Tokens{SessionToken: raw, RefreshToken: "refresh-1"}, nil
		},
	}
	c, _ := newTestController(t, backend, now)

	// Tab ids are one-shot, so churn must not accumulate state.
	for i := 0; i < 20; i++ {
		tabID := fmt.Sprintf("tab-%d", i)
		if _, err := c.Login(context.Background(), tabID, Credentials{}); err != nil {
			t.Fatalf("Login %s: %v", tabID, err)
		}
		if err := c.Logout(context.Background(), tabID); err != nil {
			t.Fatalf("Logout %s: %v", tabID, err)
		}
	}

	c.mu.Lock()
	retained := len(c.schedulers)
	c.mu.Unlock()
	if retained != 0 {
		t.Fatalf("schedulers retained after logging out every tab: %d, want 0", retained)
	}

	// A fresh login on a previously used tab id still arms a cycle.
	if _, err := c.Login(context.Background(), "tab-0", Credentials{}); err != nil {
		t.Fatalf("re-login: %v", err)
	}
	c.mu.Lock()
	ts := c.schedulers["tab-0"]
	c.mu.Unlock()
	if ts == nil || ts.sched.State() != refresh.StateScheduled {
		t.Fatalf("re-login must arm a new scheduler")
	}
}

func TestRefreshRotatesTokens(t *testing.T) {
	now := time.Now()
	oldToken := mintToken(t, now, 10*time.Minute, nil)
	newToken := mintToken(t, now, time.Hour, func(c *token.Claims) { c.TokenID = "tok-2" })
	backend := &fakeBackend{
		loginFn: func(ctx context.Context, req upstream.LoginRequest) (*upstream.Tokens, error) {
			return &upstream.Tokens{SessionToken: oldToken, RefreshToken: "refresh-1"}, nil
		},
		refreshFn: func(ctx context.Context, refreshToken string) (*upstream.Tokens, error) {
			if refreshToken != "refresh-1" {
				t.Errorf("unexpected refresh token: %q", refreshToken)
			}
			return &upstream.Tokens{SessionToken: newToken, RefreshToken: "refresh-2"}, nil
		},
	}
	c, store := newTestController(t, backend, now)

	if _, err := c.Login(context.Background(), "tab-1", Credentials{}); err != nil {
		t.Fatalf("Login: %v", err)
	}
	sess, err := c.Refresh(context.Background(), "tab-1")
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if !sess.Authenticated || sess.NeedsRefresh {
		t.Fatalf("fresh token should not need refresh: %+v", sess)
	}
	rec, _ := store.Get(context.Background(), "tab-1")
	if rec == nil || rec.SessionToken != newToken || rec.RefreshToken != "refresh-2" {
		t.Fatalf("rotation not persisted: %+v", rec)
	}
}

func TestRefreshWithoutSession(t *testing.T) {
	now := time.Now()
	c, _ := newTestController(t, &fakeBackend{}, now)
	if _, err := c.Refresh(context.Background(), "ghost"); !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("expected ErrNotAuthenticated, got %v", err)
	}
}

func TestHealthCheck401RefreshesOnceThenLogsOut(t *testing.T) {
	now := time.Now()
	raw := mintToken(t, now, time.Hour, nil)
	refreshCalls := 0
	backend := &fakeBackend{
		loginFn: func(ctx context.Context, req upstream.LoginRequest) (*upstream.Tokens, error) {
			return &upstream.Tokens{SessionToken: raw, RefreshToken: "refresh-1"}, nil
		},
		currentFn: func(ctx context.Context, sessionToken string) (*upstream.UserInfo, error) {
			return nil, upstream.ErrUnauthorized
		},
		refreshFn: func(ctx context.Context, refreshToken string) (*upstream.Tokens, error) {
			refreshCalls++
			return nil, upstream.ErrUnauthorized
		},
	}
	c, store := newTestController(t, backend, now)

	if _, err := c.Login(context.Background(), "tab-1", Credentials{}); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if err := c.CheckSessionHealth(context.Background(), "tab-1"); !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("expected forced logout signal, got %v", err)
	}
	if refreshCalls != 1 {
		t.Fatalf("expected exactly one refresh attempt, got %d", refreshCalls)
	}
	rec, _ := store.Get(context.Background(), "tab-1")
	if rec != nil {
		t.Fatalf("session should be gone after forced logout")
	}
}

func TestHasPermissionFailsClosed(t *testing.T) {
	now := time.Now()
	raw := mintToken(t, now, time.Hour, nil)
	backend := &fakeBackend{
		loginFn: func(ctx context.Context, req upstream.LoginRequest) (*upstream.Tokens, error) {
			return &upstream.Tokens{SessionToken: raw}, nil
		},
	}
	c, _ := newTestController(t, backend, now)

	if c.HasPermission(context.Background(), "tab-1", permission.CapViewPHI) {
		t.Fatalf("no session yet: permission must be denied")
	}
	if _, err := c.Login(context.Background(), "tab-1", Credentials{}); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if !c.HasPermission(context.Background(), "tab-1", permission.CapViewPHI) {
		t.Fatalf("granted capability must be allowed")
	}
	if c.HasPermission(context.Background(), "tab-1", "unknown_permission") {
		t.Fatalf("unknown capability must be denied")
	}
}

func TestCurrentReturnsUnauthenticatedView(t *testing.T) {
	now := time.Now()
	c, _ := newTestController(t, &fakeBackend{}, now)
	sess, err := c.Current(context.Background(), "tab-9")
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	if sess.Authenticated {
		t.Fatalf("expected unauthenticated view, got %+v", sess)
	}
}
