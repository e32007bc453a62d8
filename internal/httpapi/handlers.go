package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/carebridge-health/sessiongate/internal/controller"
	"github.com/carebridge-health/sessiongate/internal/permission"
	"github.com/carebridge-health/sessiongate/internal/session"
	"github.com/carebridge-health/sessiongate/internal/upstream"
)

// tabCookie carries the opaque tab id. Tokens never reach the browser.
const tabCookie = "sg_tab"

// Controller is the slice of the session controller the HTTP layer drives.
type Controller interface {
	Login(ctx context.Context, tabID string, creds controller.Credentials) (*controller.Session, error)
	Logout(ctx context.Context, tabID string) error
	Refresh(ctx context.Context, tabID string) (*controller.Session, error)
	Current(ctx context.Context, tabID string) (*controller.Session, error)
	HasPermission(ctx context.Context, tabID, name string) bool
	TrackActivity(ctx context.Context, tabID string) error
	Registry(ctx context.Context) ([]session.RegistryEntry, error)
	SetupTwoFactor(ctx context.Context, tabID string) (*upstream.TwoFactorSetup, error)
	VerifyTwoFactor(ctx context.Context, tabID, code string) error
	RequestPasswordReset(ctx context.Context, email string) error
	VerifyEmail(ctx context.Context, verificationToken string) error
	GrantEmergencyAccess(ctx context.Context, tabID string, req upstream.EmergencyAccessRequest) error
	UpdateConsent(ctx context.Context, tabID string, req upstream.ConsentUpdate) error
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
	OTPCode  string `json:"otp_code" validate:"omitempty,len=6,numeric"`
}

type verifyTwoFactorRequest struct {
	Code string `json:"code" validate:"required,len=6,numeric"`
}

type passwordResetRequest struct {
	Email string `json:"email" validate:"required,email"`
}

type verifyEmailRequest struct {
	Token string `json:"token" validate:"required"`
}

type emergencyAccessRequest struct {
	PatientID int64  `json:"patient_id" validate:"required,gt=0"`
	Reason    string `json:"reason" validate:"required,min=10"`
}

type consentUpdateRequest struct {
	ConsentType string `json:"consent_type" validate:"required"`
	Granted     bool   `json:"granted"`
}

type sessionResponse struct {
	Authenticated bool   `json:"authenticated"`
	UserID        int64  `json:"user_id,omitempty"`
	Email         string `json:"email,omitempty"`
	Role          string `json:"role,omitempty"`
	ExpiresInSec  int64  `json:"expires_in_sec,omitempty"`
	NeedsRefresh  bool   `json:"needs_refresh,omitempty"`

	IsAdmin        bool `json:"is_admin"`
	IsSuperadmin   bool `json:"is_superadmin"`
	CanManageUsers bool `json:"can_manage_users"`
	HasAuditAccess bool `json:"has_audit_access"`
	CanViewPHI     bool `json:"can_view_phi"`
}

func sessionView(s *controller.Session) sessionResponse {
	return sessionResponse{
		Authenticated:  s.Authenticated,
		UserID:         s.UserID,
		Email:          s.Email,
		Role:           s.Role,
		ExpiresInSec:   int64(s.ExpiresIn.Seconds()),
		NeedsRefresh:   s.NeedsRefresh,
		IsAdmin:        s.IsAdmin,
		IsSuperadmin:   s.IsSuperadmin,
		CanManageUsers: s.CanManageUsers,
		HasAuditAccess: s.HasAuditAccess,
		CanViewPHI:     s.CanViewPHI,
	}
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.validate.Struct(req); err != nil {
		writeError(w, r, http.StatusBadRequest, validationMessage(err))
		return
	}

	tabID := tabIDFromRequest(r)
	sess, err := a.ctrl.Login(r.Context(), tabID, controller.Credentials{
		Email:    req.Email,
		Password: req.Password,
		OTPCode:  req.OTPCode,
	})
	if err != nil {
		a.handleSessionError(w, r, err)
		return
	}

	a.setTabCookie(w, sess.TabID)
	writeJSON(w, http.StatusOK, sessionView(sess))
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	tabID := tabIDFromRequest(r)
	if tabID == "" {
		// No tab means nothing to tear down; logout still succeeds.
		writeJSON(w, http.StatusOK, map[string]any{"status": "logged_out"})
		return
	}
	if err := a.ctrl.Logout(r.Context(), tabID); err != nil {
		a.logger.Warn("logout cleanup error", slog.String("tab_id", tabID), slog.Any("error", err))
	}
	a.clearTabCookie(w)
	writeJSON(w, http.StatusOK, map[string]any{"status": "logged_out"})
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	tabID := tabIDFromRequest(r)
	if tabID == "" {
		writeError(w, r, http.StatusUnauthorized, "no active session")
		return
	}
	sess, err := a.ctrl.Refresh(r.Context(), tabID)
	if err != nil {
		a.handleSessionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionView(sess))
}

func (a *API) handleActivity(w http.ResponseWriter, r *http.Request) {
	tabID := tabIDFromRequest(r)
	if tabID == "" {
		writeError(w, r, http.StatusUnauthorized, "no active session")
		return
	}
	if err := a.ctrl.TrackActivity(r.Context(), tabID); err != nil {
		writeError(w, r, http.StatusInternalServerError, "activity update failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleCurrent(w http.ResponseWriter, r *http.Request) {
	tabID := tabIDFromRequest(r)
	sess, err := a.ctrl.Current(r.Context(), tabID)
	if err != nil {
		a.handleSessionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionView(sess))
}

func (a *API) handlePermissions(w http.ResponseWriter, r *http.Request) {
	names := r.URL.Query()["name"]
	if len(names) == 0 {
		writeError(w, r, http.StatusBadRequest, "name query parameter is required")
		return
	}
	tabID := tabIDFromRequest(r)
	results := make(map[string]bool, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		results[name] = a.ctrl.HasPermission(r.Context(), tabID, name)
	}
	writeJSON(w, http.StatusOK, map[string]any{"permissions": results})
}

func (a *API) handleRegistry(w http.ResponseWriter, r *http.Request) {
	tabID := tabIDFromRequest(r)
	if !a.ctrl.HasPermission(r.Context(), tabID, permission.CapAccessAdmin) {
		writeError(w, r, http.StatusForbidden, "admin access required")
		return
	}
	entries, err := a.ctrl.Registry(r.Context())
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "registry lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": entries})
}

func (a *API) handleTwoFactorSetup(w http.ResponseWriter, r *http.Request) {
	tabID := tabIDFromRequest(r)
	setup, err := a.ctrl.SetupTwoFactor(r.Context(), tabID)
	if err != nil {
		a.handleSessionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, setup)
}

func (a *API) handleTwoFactorVerify(w http.ResponseWriter, r *http.Request) {
	var req verifyTwoFactorRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.validate.Struct(req); err != nil {
		writeError(w, r, http.StatusBadRequest, validationMessage(err))
		return
	}
	if err := a.ctrl.VerifyTwoFactor(r.Context(), tabIDFromRequest(r), req.Code); err != nil {
		a.handleSessionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "verified"})
}

func (a *API) handlePasswordReset(w http.ResponseWriter, r *http.Request) {
	var req passwordResetRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.validate.Struct(req); err != nil {
		writeError(w, r, http.StatusBadRequest, validationMessage(err))
		return
	}
	// Always accept: responses must not leak which addresses exist.
	if err := a.ctrl.RequestPasswordReset(r.Context(), req.Email); err != nil {
		a.logger.Warn("password reset request failed", slog.Any("error", err))
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "accepted"})
}

func (a *API) handleVerifyEmail(w http.ResponseWriter, r *http.Request) {
	var req verifyEmailRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.validate.Struct(req); err != nil {
		writeError(w, r, http.StatusBadRequest, validationMessage(err))
		return
	}
	if err := a.ctrl.VerifyEmail(r.Context(), req.Token); err != nil {
		a.handleSessionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "verified"})
}

func (a *API) handleEmergencyAccess(w http.ResponseWriter, r *http.Request) {
	var req emergencyAccessRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.validate.Struct(req); err != nil {
		writeError(w, r, http.StatusBadRequest, validationMessage(err))
		return
	}
	tabID := tabIDFromRequest(r)
	if !a.ctrl.HasPermission(r.Context(), tabID, permission.CapEmergencyAccess) {
		writeError(w, r, http.StatusForbidden, "emergency access not permitted")
		return
	}
	err := a.ctrl.GrantEmergencyAccess(r.Context(), tabID, upstream.EmergencyAccessRequest{
		PatientID: req.PatientID,
		Reason:    req.Reason,
	})
	if err != nil {
		a.handleSessionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "granted"})
}

func (a *API) handleConsentUpdate(w http.ResponseWriter, r *http.Request) {
	var req consentUpdateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.validate.Struct(req); err != nil {
		writeError(w, r, http.StatusBadRequest, validationMessage(err))
		return
	}
	err := a.ctrl.UpdateConsent(r.Context(), tabIDFromRequest(r), upstream.ConsentUpdate{
		ConsentType: req.ConsentType,
		Granted:     req.Granted,
	})
	if err != nil {
		a.handleSessionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "updated"})
}

func (a *API) handleSessionError(w http.ResponseWriter, r *http.Request, err error) {
	var rejected *controller.TokenRejectedError
	var upstreamErr *upstream.Error
	switch {
	case errors.Is(err, controller.ErrInvalidCredentials):
		writeError(w, r, http.StatusUnauthorized, "invalid credentials")
	case errors.Is(err, controller.ErrNotAuthenticated), errors.Is(err, upstream.ErrUnauthorized):
		writeError(w, r, http.StatusUnauthorized, "no active session")
	case errors.As(err, &rejected):
		writeError(w, r, http.StatusUnauthorized, "session token rejected: "+string(rejected.Code))
	case errors.As(err, &upstreamErr):
		// Pass 4xx through; mask upstream 5xx details.
		if upstreamErr.Status >= 400 && upstreamErr.Status < 500 {
			writeError(w, r, upstreamErr.Status, upstreamErr.Message)
			return
		}
		writeError(w, r, http.StatusBadGateway, "identity service error")
	default:
		a.logger.Error("session operation failed", slog.Any("error", err))
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

// --- cookies ---

func tabIDFromRequest(r *http.Request) string {
	c, err := r.Cookie(tabCookie)
	if err != nil || c.Value == "" {
		return ""
	}
	return c.Value
}

func (a *API) setTabCookie(w http.ResponseWriter, tabID string) {
	http.SetCookie(w, &http.Cookie{
		Name:     tabCookie,
		Value:    tabID,
		Path:     "/",
		HttpOnly: true,
		Secure:   a.cookieSecure,
		SameSite: http.SameSiteStrictMode,
	})
}

func (a *API) clearTabCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     tabCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   a.cookieSecure,
		SameSite: http.SameSiteStrictMode,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func validationMessage(err error) string {
	var invalid validator.ValidationErrors
	if errors.As(err, &invalid) && len(invalid) > 0 {
		fe := invalid[0]
		return strings.ToLower(fe.Field()) + " failed " + fe.Tag() + " validation"
	}
	return "invalid request"
}
