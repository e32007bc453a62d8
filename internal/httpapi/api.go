package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"

	"github.com/carebridge-health/sessiongate/internal/obs"
)

// ReadyProbe reports whether the gateway can serve traffic. Redis holds all
// session state, so readiness is a ping away.
type ReadyProbe struct {
	Redis *redis.Client
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.Redis == nil {
		return nil
	}
	return rp.Redis.Ping(ctx).Err()
}

// API is the HTTP layer over the session controller.
type API struct {
	router     chi.Router
	ctrl       Controller
	validate   *validator.Validate
	readyProbe ReadyProbe
	logger     *slog.Logger
	version    string

	cookieSecure bool
}

// APIOption configures the API.
type APIOption func(*API)

// WithReadyProbe wires the readiness check.
func WithReadyProbe(rp ReadyProbe) APIOption {
	return func(a *API) { a.readyProbe = rp }
}

// WithAPILogger attaches a structured logger.
func WithAPILogger(logger *slog.Logger) APIOption {
	return func(a *API) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithSecureCookies marks the tab cookie Secure. Off by default so local
// development over plain HTTP keeps working.
func WithSecureCookies(secure bool) APIOption {
	return func(a *API) { a.cookieSecure = secure }
}

func New(ctrl Controller, version string, opts ...APIOption) *API {
	a := &API{
		router:   chi.NewRouter(),
		ctrl:     ctrl,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   slog.Default(),
		version:  version,
	}
	for _, opt := range opts {
		opt(a)
	}

	r := a.router
	r.Use(RequestID)
	r.Use(SecurityHeaders)
	r.Use(Logging(a.logger))

	r.Get("/healthz", a.Healthz)
	r.Get("/readyz", a.Ready)
	r.Get("/v1/info", a.Info)
	r.Method(http.MethodGet, "/metrics", obs.Handler())

	r.Route("/v1/session", func(r chi.Router) {
		// Credential endpoints take the brunt of abuse; throttle them harder.
		r.With(RateLimit(5, 2)).Post("/login", a.handleLogin)
		r.Post("/logout", a.handleLogout)
		r.Post("/refresh", a.handleRefresh)
		r.Post("/activity", a.handleActivity)
		r.Get("/", a.handleCurrent)
		r.Get("/permissions", a.handlePermissions)
		r.Get("/registry", a.handleRegistry)
	})

	r.Route("/v1/auth", func(r chi.Router) {
		r.Post("/2fa/setup", a.handleTwoFactorSetup)
		r.Post("/2fa/verify", a.handleTwoFactorVerify)
		r.With(RateLimit(5, 2)).Post("/password-reset", a.handlePasswordReset)
		r.With(RateLimit(5, 2)).Post("/verify-email", a.handleVerifyEmail)
	})

	r.Post("/v1/emergency-access", a.handleEmergencyAccess)
	r.Post("/v1/consents", a.handleConsentUpdate)

	return a
}

// Handler returns the http.Handler for the server, wrapped in metrics and
// the body-size guard.
func (a *API) Handler() http.Handler {
	return obs.Instrument(MaxBodyBytes(a.router, 1<<20))
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "sessiongate",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "sessiongate",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}
