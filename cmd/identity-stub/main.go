// identity-stub is a development stand-in for the upstream identity
// service. It serves the handful of endpoints the gateway consumes, issues
// decodable session tokens and accepts one seeded credential pair.
package main

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/carebridge-health/sessiongate/internal/ids"
	"github.com/carebridge-health/sessiongate/internal/obs"
	"github.com/carebridge-health/sessiongate/internal/permission"
	"github.com/carebridge-health/sessiongate/internal/token"
	"github.com/carebridge-health/sessiongate/internal/upstream"
)

const (
	seedEmail = "demo@carebridge.test"
	tokenTTL  = time.Hour
)

var signingSecret = []byte("identity-stub-dev-secret")

type stub struct {
	logger *slog.Logger

	passwordHash []byte

	mu       sync.Mutex
	refresh  map[string]int64 // refresh token -> user id
	sessions map[string]bool  // session token id -> live
}

func main() {
	logger := obs.NewLogger("text")

	password := os.Getenv("STUB_PASSWORD")
	if password == "" {
		password = "demo-password"
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		logger.Error("hash seed password", slog.Any("error", err))
		os.Exit(1)
	}

	s := &stub{
		logger:       logger,
		passwordHash: hash,
		refresh:      make(map[string]int64),
		sessions:     make(map[string]bool),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/auth/login", s.handleLogin)
	mux.HandleFunc("/v1/auth/logout", s.handleLogout)
	mux.HandleFunc("/v1/auth/refresh", s.handleRefresh)
	mux.HandleFunc("/v1/users/me", s.handleCurrentUser)
	mux.HandleFunc("/v1/auth/2fa/setup", s.handleTwoFactorSetup)
	mux.HandleFunc("/v1/auth/2fa/verify", s.handleAccept)
	mux.HandleFunc("/v1/auth/password-reset", s.handleAccept)
	mux.HandleFunc("/v1/auth/verify-email", s.handleAccept)
	mux.HandleFunc("/v1/emergency-access", s.handleAccept)
	mux.HandleFunc("/v1/consents", s.handleAccept)

	addr := os.Getenv("STUB_ADDR")
	if addr == "" {
		addr = ":9090"
	}
	logger.Info("identity stub listening", slog.String("addr", addr), slog.String("email", seedEmail))
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("listen failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func (s *stub) issueTokens() (*upstream.Tokens, error) {
	now := time.Now()
	claims := &token.Claims{
		UserID:    1001,
		Email:     seedEmail,
		Role:      token.RolePatient,
		ExpiresAt: now.Add(tokenTTL).Unix(),
		IssuedAt:  now.Unix(),
		TokenID:   ids.NewRequestID(),
		SessionID: ids.NewRequestID(),
		Permissions: map[string]bool{
			permission.CapViewPHI:        true,
			permission.CapManageConsents: true,
		},
	}
	raw, err := token.Mint(claims, signingSecret)
	if err != nil {
		return nil, err
	}
	refreshToken := ids.NewRequestID()

	s.mu.Lock()
	s.refresh[refreshToken] = claims.UserID
	s.sessions[claims.TokenID] = true
	s.mu.Unlock()

	return &upstream.Tokens{SessionToken: raw, RefreshToken: refreshToken}, nil
}

func (s *stub) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req upstream.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeStubError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if !strings.EqualFold(req.Email, seedEmail) ||
		bcrypt.CompareHashAndPassword(s.passwordHash, []byte(req.Password)) != nil {
		writeStubError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	tokens, err := s.issueTokens()
	if err != nil {
		writeStubError(w, http.StatusInternalServerError, "token mint failed")
		return
	}
	s.logger.Info("login", slog.String("email", req.Email))
	writeStubJSON(w, http.StatusOK, tokens)
}

func (s *stub) handleLogout(w http.ResponseWriter, r *http.Request) {
	if claims := s.authenticate(r); claims != nil {
		s.mu.Lock()
		delete(s.sessions, claims.TokenID)
		s.mu.Unlock()
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *stub) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeStubError(w, http.StatusBadRequest, "invalid body")
		return
	}
	s.mu.Lock()
	_, ok := s.refresh[req.RefreshToken]
	if ok {
		delete(s.refresh, req.RefreshToken)
	}
	s.mu.Unlock()
	if !ok {
		writeStubError(w, http.StatusUnauthorized, "unknown refresh token")
		return
	}
	tokens, err := s.issueTokens()
	if err != nil {
		writeStubError(w, http.StatusInternalServerError, "token mint failed")
		return
	}
	writeStubJSON(w, http.StatusOK, tokens)
}

func (s *stub) handleCurrentUser(w http.ResponseWriter, r *http.Request) {
	claims := s.authenticate(r)
	if claims == nil {
		writeStubError(w, http.StatusUnauthorized, "invalid session")
		return
	}
	writeStubJSON(w, http.StatusOK, upstream.UserInfo{
		UserID:        claims.UserID,
		Email:         claims.Email,
		Role:          string(claims.Role),
		EmailVerified: true,
	})
}

func (s *stub) handleTwoFactorSetup(w http.ResponseWriter, r *http.Request) {
	if s.authenticate(r) == nil {
		writeStubError(w, http.StatusUnauthorized, "invalid session")
		return
	}
	writeStubJSON(w, http.StatusOK, upstream.TwoFactorSetup{
		Secret:          "JBSWY3DPEHPK3PXP",
		ProvisioningURI: "otpauth://totp/CareBridge:" + seedEmail + "?secret=JBSWY3DPEHPK3PXP",
	})
}

// handleAccept acknowledges flows the stub does not model.
func (s *stub) handleAccept(w http.ResponseWriter, r *http.Request) {
	writeStubJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *stub) authenticate(r *http.Request) *token.Claims {
	header := r.Header.Get("Authorization")
	const scheme = "Session "
	if !strings.HasPrefix(header, scheme) {
		return nil
	}
	claims, err := token.Decode(strings.TrimSpace(header[len(scheme):]))
	if err != nil {
		return nil
	}
	s.mu.Lock()
	live := s.sessions[claims.TokenID]
	s.mu.Unlock()
	if !live {
		return nil
	}
	return claims
}

func writeStubJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeStubError(w http.ResponseWriter, code int, msg string) {
	writeStubJSON(w, code, map[string]string{"error": msg})
}
