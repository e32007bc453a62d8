package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/carebridge-health/sessiongate/internal/ids"
)

const (
	authScheme      = "Session"
	requestIDHeader = "X-Request-ID"

	defaultTimeout = 15 * time.Second
)

// ErrUnauthorized indicates the identity service rejected the credentials
// or the presented token.
var ErrUnauthorized = errors.New("upstream: unauthorized")

// Error is a non-401 failure response from the identity service.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("upstream: status %d: %s", e.Status, e.Message)
}

// Client talks to the identity service over JSON HTTP. It owns no retry
// logic; refresh retries are the scheduler's responsibility.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// ClientOption configures the Client.
type ClientOption func(*Client)

// WithHTTPClient substitutes the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithLogger attaches a structured logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewClient constructs a Client for the given base URL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: defaultTimeout},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Login exchanges credentials for a token pair.
func (c *Client) Login(ctx context.Context, req LoginRequest) (*Tokens, error) {
	var tokens Tokens
	if err := c.do(ctx, http.MethodPost, "/v1/auth/login", "", req, &tokens); err != nil {
		return nil, err
	}
	if tokens.SessionToken == "" {
		return nil, &Error{Status: http.StatusBadGateway, Message: "login response missing session token"}
	}
	return &tokens, nil
}

// Logout invalidates the session upstream. Callers treat failures as
// best-effort; local state is cleared regardless.
func (c *Client) Logout(ctx context.Context, sessionToken string) error {
	return c.do(ctx, http.MethodPost, "/v1/auth/logout", sessionToken, nil, nil)
}

// Refresh exchanges the refresh token for a fresh pair.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*Tokens, error) {
	body := map[string]string{"refresh_token": refreshToken}
	var tokens Tokens
	if err := c.do(ctx, http.MethodPost, "/v1/auth/refresh", "", body, &tokens); err != nil {
		return nil, err
	}
	if tokens.SessionToken == "" {
		return nil, &Error{Status: http.StatusBadGateway, Message: "refresh response missing session token"}
	}
	return &tokens, nil
}

// CurrentUser fetches the live user record for the session token. A 401
// here is the signal that the session died server-side.
func (c *Client) CurrentUser(ctx context.Context, sessionToken string) (*UserInfo, error) {
	var info UserInfo
	if err := c.do(ctx, http.MethodGet, "/v1/users/me", sessionToken, nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// SetupTwoFactor begins authenticator enrolment for the current user.
func (c *Client) SetupTwoFactor(ctx context.Context, sessionToken string) (*TwoFactorSetup, error) {
	var setup TwoFactorSetup
	if err := c.do(ctx, http.MethodPost, "/v1/auth/2fa/setup", sessionToken, nil, &setup); err != nil {
		return nil, err
	}
	return &setup, nil
}

// VerifyTwoFactor confirms an enrolment or login challenge code.
func (c *Client) VerifyTwoFactor(ctx context.Context, sessionToken, code string) error {
	body := map[string]string{"code": code}
	return c.do(ctx, http.MethodPost, "/v1/auth/2fa/verify", sessionToken, body, nil)
}

// RequestPasswordReset asks the backend to start a reset flow for the email.
func (c *Client) RequestPasswordReset(ctx context.Context, email string) error {
	body := map[string]string{"email": email}
	return c.do(ctx, http.MethodPost, "/v1/auth/password-reset", "", body, nil)
}

// VerifyEmail confirms an email-verification token.
func (c *Client) VerifyEmail(ctx context.Context, verificationToken string) error {
	body := map[string]string{"token": verificationToken}
	return c.do(ctx, http.MethodPost, "/v1/auth/verify-email", "", body, nil)
}

// GrantEmergencyAccess requests break-glass access to a patient record.
func (c *Client) GrantEmergencyAccess(ctx context.Context, sessionToken string, req EmergencyAccessRequest) error {
	return c.do(ctx, http.MethodPost, "/v1/emergency-access", sessionToken, req, nil)
}

// UpdateConsent records a consent change for the current user.
func (c *Client) UpdateConsent(ctx context.Context, sessionToken string, req ConsentUpdate) error {
	return c.do(ctx, http.MethodPost, "/v1/consents", sessionToken, req, nil)
}

func (c *Client) do(ctx context.Context, method, path, sessionToken string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set(requestIDHeader, ids.NewRequestID())
	if sessionToken != "" {
		req.Header.Set("Authorization", authScheme+" "+sessionToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	if resp.StatusCode >= 400 {
		msg := readErrorMessage(resp.Body)
		c.logger.Warn("upstream call failed",
			slog.String("method", method),
			slog.String("path", path),
			slog.Int("status", resp.StatusCode))
		return &Error{Status: resp.StatusCode, Message: msg}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func readErrorMessage(r io.Reader) string {
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(io.LimitReader(r, 4096)).Decode(&payload); err == nil && payload.Error != "" {
		return payload.Error
	}
	return "request failed"
}
