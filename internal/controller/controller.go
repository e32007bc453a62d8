package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/carebridge-health/sessiongate/internal/audit"
	"github.com/carebridge-health/sessiongate/internal/ids"
	"github.com/carebridge-health/sessiongate/internal/obs"
	"github.com/carebridge-health/sessiongate/internal/permission"
	"github.com/carebridge-health/sessiongate/internal/refresh"
	"github.com/carebridge-health/sessiongate/internal/session"
	"github.com/carebridge-health/sessiongate/internal/token"
	"github.com/carebridge-health/sessiongate/internal/upstream"
)

var (
	// ErrInvalidCredentials is returned when the identity service rejects
	// a login attempt.
	ErrInvalidCredentials = errors.New("controller: invalid credentials")
	// ErrNotAuthenticated is returned when a tab has no live session.
	ErrNotAuthenticated = errors.New("controller: no active session")
)

// TokenRejectedError reports a token whose decoded payload failed
// validation, carrying the validation code for callers that branch on it.
type TokenRejectedError struct {
	Code token.Code
}

func (e *TokenRejectedError) Error() string {
	return fmt.Sprintf("controller: token rejected: %s", e.Code)
}

// Backend is the slice of the identity service the controller drives.
type Backend interface {
	Login(ctx context.Context, req upstream.LoginRequest) (*upstream.Tokens, error)
	Logout(ctx context.Context, sessionToken string) error
	Refresh(ctx context.Context, refreshToken string) (*upstream.Tokens, error)
	CurrentUser(ctx context.Context, sessionToken string) (*upstream.UserInfo, error)
	SetupTwoFactor(ctx context.Context, sessionToken string) (*upstream.TwoFactorSetup, error)
	VerifyTwoFactor(ctx context.Context, sessionToken, code string) error
	RequestPasswordReset(ctx context.Context, email string) error
	VerifyEmail(ctx context.Context, verificationToken string) error
	GrantEmergencyAccess(ctx context.Context, sessionToken string, req upstream.EmergencyAccessRequest) error
	UpdateConsent(ctx context.Context, sessionToken string, req upstream.ConsentUpdate) error
}

// Credentials is a login request from the portal frontend.
type Credentials struct {
	Email    string
	Password string
	OTPCode  string
}

// Session is the caller-facing projection of one tab's state. Booleans are
// derived from the claim set on every call, never cached.
type Session struct {
	TabID         string
	Authenticated bool
	UserID        int64
	Email         string
	Role          string
	ExpiresIn     time.Duration
	NeedsRefresh  bool

	IsAdmin        bool
	IsSuperadmin   bool
	CanManageUsers bool
	HasAuditAccess bool
	CanViewPHI     bool
}

// Controller owns the session lifecycle for every tab this gateway serves:
// login and logout flows, proactive refresh scheduling, health checks and
// permission queries.
type Controller struct {
	store   session.Store
	backend Backend
	logger  *slog.Logger
	now     func() time.Time

	// One refresh in flight per tab; concurrent triggers coalesce.
	flight singleflight.Group

	mu         sync.Mutex
	schedulers map[string]*tabScheduler
	schedOpts  []refresh.Option

	lifecycle context.Context
	cancel    context.CancelFunc
}

// Option configures the Controller.
type Option func(*Controller)

// WithLogger attaches a structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(c *Controller) {
		if fn != nil {
			c.now = fn
		}
	}
}

// WithSchedulerOptions forwards options to every per-tab refresh scheduler.
func WithSchedulerOptions(opts ...refresh.Option) Option {
	return func(c *Controller) {
		c.schedOpts = opts
	}
}

// New constructs a Controller.
func New(store session.Store, backend Backend, opts ...Option) *Controller {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		store:      store,
		backend:    backend,
		logger:     slog.Default(),
		now:        time.Now,
		schedulers: make(map[string]*tabScheduler),
		lifecycle:  ctx,
		cancel:     cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// tabScheduler pairs a tab's refresh scheduler with the channel that stops
// its watcher goroutine. Tab ids are one-shot, so entries must not outlive
// the tab session.
type tabScheduler struct {
	sched *refresh.Scheduler
	quit  chan struct{}
}

// Close stops every scheduler and cancels background work.
func (c *Controller) Close() {
	c.mu.Lock()
	for tabID, ts := range c.schedulers {
		ts.sched.Stop()
		close(ts.quit)
		delete(c.schedulers, tabID)
	}
	c.mu.Unlock()
	c.cancel()
}

// Login authenticates against the identity service and opens a tab session.
// An empty tabID allocates a fresh tab.
func (c *Controller) Login(ctx context.Context, tabID string, creds Credentials) (*Session, error) {
	if tabID == "" {
		tabID = ids.NewTabID()
	}
	tokens, err := c.backend.Login(ctx, upstream.LoginRequest{
		Email:    creds.Email,
		Password: creds.Password,
		OTPCode:  creds.OTPCode,
	})
	if err != nil {
		obs.ObserveLogin("failure")
		if errors.Is(err, upstream.ErrUnauthorized) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	res := token.DecodeAndValidate(tokens.SessionToken, c.now())
	if !res.Valid {
		obs.ObserveLogin("failure")
		return nil, &TokenRejectedError{Code: res.Code}
	}

	nowMs := c.now().UnixMilli()
	rec := &session.Record{
		TabID:        tabID,
		SessionToken: tokens.SessionToken,
		RefreshToken: tokens.RefreshToken,
		UserID:       res.Claims.UserID,
		Email:        res.Claims.Email,
		Role:         string(res.Claims.Role),
		LoginTime:    nowMs,
		LastActivity: nowMs,
	}
	if err := c.store.Put(ctx, rec); err != nil {
		return nil, err
	}

	c.startScheduler(tabID, res.Claims)
	obs.ObserveLogin("success")
	obs.SessionOpened()
	_ = audit.LogEvent(audit.WithTabID(ctx, tabID), "session.login", map[string]any{
		"user_id": res.Claims.UserID,
		"role":    string(res.Claims.Role),
	})
	return c.view(tabID, res), nil
}

// Logout tears the tab session down. It is fail-safe: scheduler and stored
// state are cleared even when the upstream call errors.
func (c *Controller) Logout(ctx context.Context, tabID string) error {
	c.stopScheduler(tabID)

	rec, getErr := c.store.Get(ctx, tabID)
	clearErr := c.store.Clear(ctx, tabID)

	if rec != nil {
		if err := c.backend.Logout(ctx, rec.SessionToken); err != nil {
			// Stale client state is worse than a wasted round trip.
			c.logger.Warn("upstream logout failed", slog.String("tab_id", tabID), slog.Any("error", err))
		}
		obs.SessionClosed()
		_ = audit.LogEvent(audit.WithTabID(ctx, tabID), "session.logout", map[string]any{
			"user_id": rec.UserID,
		})
	}
	if getErr != nil {
		return getErr
	}
	return clearErr
}

// Refresh rotates the tab's tokens. Concurrent triggers (a 401 racing the
// scheduled refresh) coalesce into a single upstream call.
func (c *Controller) Refresh(ctx context.Context, tabID string) (*Session, error) {
	v, err, _ := c.flight.Do(tabID, func() (any, error) {
		return c.doRefresh(ctx, tabID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

func (c *Controller) doRefresh(ctx context.Context, tabID string) (*Session, error) {
	rec, err := c.store.Get(ctx, tabID)
	if err != nil {
		return nil, err
	}
	if rec == nil || rec.RefreshToken == "" {
		return nil, ErrNotAuthenticated
	}

	tokens, err := c.backend.Refresh(ctx, rec.RefreshToken)
	if err != nil {
		obs.ObserveRefresh("failure")
		return nil, err
	}
	res := token.DecodeAndValidate(tokens.SessionToken, c.now())
	if !res.Valid {
		obs.ObserveRefresh("failure")
		return nil, &TokenRejectedError{Code: res.Code}
	}

	rec.SessionToken = tokens.SessionToken
	if tokens.RefreshToken != "" {
		rec.RefreshToken = tokens.RefreshToken
	}
	rec.UserID = res.Claims.UserID
	rec.Email = res.Claims.Email
	rec.Role = string(res.Claims.Role)
	rec.LastActivity = c.now().UnixMilli()
	if err := c.store.Put(ctx, rec); err != nil {
		return nil, err
	}

	c.startScheduler(tabID, res.Claims)
	obs.ObserveRefresh("success")
	return c.view(tabID, res), nil
}

// Current returns the tab's session view, or an unauthenticated view when
// none is live.
func (c *Controller) Current(ctx context.Context, tabID string) (*Session, error) {
	res, err := c.liveClaims(ctx, tabID)
	if err != nil {
		if errors.Is(err, ErrNotAuthenticated) {
			return &Session{TabID: tabID}, nil
		}
		return nil, err
	}
	return c.view(tabID, res), nil
}

// HasPermission evaluates one capability against the tab's live claims.
// Fails closed whenever no valid session exists.
func (c *Controller) HasPermission(ctx context.Context, tabID, name string) bool {
	res, err := c.liveClaims(ctx, tabID)
	if err != nil || !res.Valid {
		return false
	}
	return permission.Has(res.Claims, name)
}

// TrackActivity bumps the tab's inactivity window.
func (c *Controller) TrackActivity(ctx context.Context, tabID string) error {
	return c.store.UpdateActivity(ctx, tabID)
}

// Registry exposes the redacted cross-tab session registry.
func (c *Controller) Registry(ctx context.Context) ([]session.RegistryEntry, error) {
	return c.store.Registry(ctx)
}

// liveClaims loads the stored token and re-validates it against the clock.
func (c *Controller) liveClaims(ctx context.Context, tabID string) (token.Result, error) {
	rec, err := c.store.Get(ctx, tabID)
	if err != nil {
		return token.Result{}, err
	}
	if rec == nil {
		return token.Result{}, ErrNotAuthenticated
	}
	res := token.DecodeAndValidate(rec.SessionToken, c.now())
	if !res.Valid {
		return res, ErrNotAuthenticated
	}
	return res, nil
}

func (c *Controller) view(tabID string, res token.Result) *Session {
	claims := res.Claims
	return &Session{
		TabID:          tabID,
		Authenticated:  res.Valid,
		UserID:         claims.UserID,
		Email:          claims.Email,
		Role:           string(claims.Role),
		ExpiresIn:      res.ExpiresIn,
		NeedsRefresh:   res.NeedsRefresh,
		IsAdmin:        claims.Role == token.RoleAdmin || claims.Role == token.RoleSuperadmin,
		IsSuperadmin:   permission.Has(claims, permission.CapSuperadmin) || claims.Role == token.RoleSuperadmin,
		CanManageUsers: permission.Has(claims, permission.CapManageUsers),
		HasAuditAccess: permission.Has(claims, permission.CapAuditAccess),
		CanViewPHI:     permission.Has(claims, permission.CapViewPHI),
	}
}

// startScheduler (re)arms the tab's refresh cycle and watches its events.
func (c *Controller) startScheduler(tabID string, claims *token.Claims) {
	c.mu.Lock()
	ts, ok := c.schedulers[tabID]
	if !ok {
		ts = &tabScheduler{
			sched: refresh.NewScheduler(append([]refresh.Option{refresh.WithClock(c.now)}, c.schedOpts...)...),
			quit:  make(chan struct{}),
		}
		c.schedulers[tabID] = ts
		go c.watchScheduler(tabID, ts)
	}
	c.mu.Unlock()

	ts.sched.Start(c.lifecycle, claims, func(ctx context.Context) error {
		_, err := c.Refresh(ctx, tabID)
		return err
	})
}

// stopScheduler halts the tab's cycle and releases it. Tab ids are never
// reused across logins, so keeping dead entries would grow the map and the
// watcher count with every login.
func (c *Controller) stopScheduler(tabID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ts, ok := c.schedulers[tabID]; ok {
		delete(c.schedulers, tabID)
		ts.sched.Stop()
		close(ts.quit)
	}
}

// watchScheduler forces logout once a refresh cycle exhausts its retries.
func (c *Controller) watchScheduler(tabID string, ts *tabScheduler) {
	for {
		select {
		case <-ts.quit:
			return
		case <-c.lifecycle.Done():
			return
		case ev := <-ts.sched.Events():
			if ev.Type != refresh.EventRefreshFailed {
				continue
			}
			c.logger.Warn("refresh retries exhausted, forcing logout",
				slog.String("tab_id", tabID),
				slog.Int("attempts", ev.Attempts),
				slog.Any("error", ev.Err))
			_ = audit.LogEvent(audit.WithTabID(c.lifecycle, tabID), "session.refresh_failed", map[string]any{
				"attempts": ev.Attempts,
			})
			if err := c.Logout(c.lifecycle, tabID); err != nil {
				c.logger.Warn("forced logout cleanup failed", slog.String("tab_id", tabID), slog.Any("error", err))
			}
		}
	}
}
