package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/carebridge-health/sessiongate/internal/controller"
	"github.com/carebridge-health/sessiongate/internal/session"
	"github.com/carebridge-health/sessiongate/internal/upstream"
)

type fakeController struct {
	loginFn     func(ctx context.Context, tabID string, creds controller.Credentials) (*controller.Session, error)
	logoutFn    func(ctx context.Context, tabID string) error
	refreshFn   func(ctx context.Context, tabID string) (*controller.Session, error)
	currentFn   func(ctx context.Context, tabID string) (*controller.Session, error)
	hasPermFn   func(ctx context.Context, tabID, name string) bool
	registryFn  func(ctx context.Context) ([]session.RegistryEntry, error)
	activityIDs []string
}

func (f *fakeController) Login(ctx context.Context, tabID string, creds controller.Credentials) (*controller.Session, error) {
	if f.loginFn == nil {
		return nil, controller.ErrInvalidCredentials
	}
	return f.loginFn(ctx, tabID, creds)
}

func (f *fakeController) Logout(ctx context.Context, tabID string) error {
	if f.logoutFn == nil {
		return nil
	}
	return f.logoutFn(ctx, tabID)
}

func (f *fakeController) Refresh(ctx context.Context, tabID string) (*controller.Session, error) {
	if f.refreshFn == nil {
		return nil, controller.ErrNotAuthenticated
	}
	return f.refreshFn(ctx, tabID)
}

func (f *fakeController) Current(ctx context.Context, tabID string) (*controller.Session, error) {
	if f.currentFn == nil {
		return &controller.Session{TabID: tabID}, nil
	}
	return f.currentFn(ctx, tabID)
}

func (f *fakeController) HasPermission(ctx context.Context, tabID, name string) bool {
	if f.hasPermFn == nil {
		return false
	}
	return f.hasPermFn(ctx, tabID, name)
}

func (f *fakeController) TrackActivity(ctx context.Context, tabID string) error {
	f.activityIDs = append(f.activityIDs, tabID)
	return nil
}

func (f *fakeController) Registry(ctx context.Context) ([]session.RegistryEntry, error) {
	if f.registryFn == nil {
		return nil, nil
	}
	return f.registryFn(ctx)
}

func (f *fakeController) SetupTwoFactor(ctx context.Context, tabID string) (*upstream.TwoFactorSetup, error) {
	return &upstream.TwoFactorSetup{Secret: "JBSWY3DP"}, nil
}

func (f *fakeController) VerifyTwoFactor(ctx context.Context, tabID, code string) error { return nil }

func (f *fakeController) RequestPasswordReset(ctx context.Context, email string) error { return nil }
func (f *fakeController) VerifyEmail(ctx context.Context, verificationToken string) error {
	return nil
}
func (f *fakeController) GrantEmergencyAccess(ctx context.Context, tabID string, req upstream.EmergencyAccessRequest) error {
	return nil
}
func (f *fakeController) UpdateConsent(ctx context.Context, tabID string, req upstream.ConsentUpdate) error {
	return nil
}

func newTestAPI(t *testing.T, ctrl Controller) *httptest.Server {
	t.Helper()
	api := New(ctrl, "test")
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, client *http.Client, url string, body any, cookies []*http.Cookie) *http.Response {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for _, c := range cookies {
		req.AddCookie(c)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return body
}

func TestLoginSetsTabCookie(t *testing.T) {
	ctrl := &fakeController{
		loginFn: func(ctx context.Context, tabID string, creds controller.Credentials) (*controller.Session, error) {
			if creds.Email != "pat@example.org" {
				t.Errorf("credentials not forwarded: %+v", creds)
			}
			return &controller.Session{
				TabID:         "tab-abc",
				Authenticated: true,
				UserID:        42,
				Email:         creds.Email,
				Role:          "patient",
				ExpiresIn:     time.Hour,
			}, nil
		},
	}
	srv := newTestAPI(t, ctrl)

	resp := postJSON(t, srv.Client(), srv.URL+"/v1/session/login",
		map[string]string{"email": "pat@example.org", "password": "pw123456"}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var tab *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == tabCookie {
			tab = c
		}
	}
	if tab == nil || tab.Value != "tab-abc" {
		t.Fatalf("tab cookie not set: %+v", resp.Cookies())
	}
	if !tab.HttpOnly || tab.SameSite != http.SameSiteStrictMode {
		t.Fatalf("tab cookie must be HttpOnly and SameSite=Strict: %+v", tab)
	}

	body := decodeBody(t, resp)
	if body["authenticated"] != true || body["role"] != "patient" {
		t.Fatalf("unexpected body: %v", body)
	}
	if _, leaked := body["session_token"]; leaked {
		t.Fatalf("tokens must never appear in responses")
	}
}

func TestLoginValidation(t *testing.T) {
	srv := newTestAPI(t, &fakeController{})

	cases := []map[string]string{
		{"email": "not-an-email", "password": "pw"},
		{"email": "pat@example.org"},
		{},
	}
	for _, payload := range cases {
		resp := postJSON(t, srv.Client(), srv.URL+"/v1/session/login", payload, nil)
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("payload %v: expected 400, got %d", payload, resp.StatusCode)
		}
	}
}

func TestLoginInvalidCredentials(t *testing.T) {
	srv := newTestAPI(t, &fakeController{})
	resp := postJSON(t, srv.Client(), srv.URL+"/v1/session/login",
		map[string]string{"email": "pat@example.org", "password": "wrong"}, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestLogoutClearsCookieEvenOnError(t *testing.T) {
	ctrl := &fakeController{
		logoutFn: func(ctx context.Context, tabID string) error {
			return context.DeadlineExceeded
		},
	}
	srv := newTestAPI(t, ctrl)

	resp := postJSON(t, srv.Client(), srv.URL+"/v1/session/logout", map[string]string{},
		[]*http.Cookie{{Name: tabCookie, Value: "tab-abc"}})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("logout must succeed for the client, got %d", resp.StatusCode)
	}
	var cleared bool
	for _, c := range resp.Cookies() {
		if c.Name == tabCookie && c.MaxAge < 0 {
			cleared = true
		}
	}
	if !cleared {
		t.Fatalf("tab cookie must be expired on logout")
	}
}

func TestRefreshWithoutCookie(t *testing.T) {
	srv := newTestAPI(t, &fakeController{})
	resp := postJSON(t, srv.Client(), srv.URL+"/v1/session/refresh", map[string]string{}, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestCurrentSessionUnauthenticated(t *testing.T) {
	srv := newTestAPI(t, &fakeController{})
	resp, err := srv.Client().Get(srv.URL + "/v1/session/")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	if body["authenticated"] == true {
		t.Fatalf("expected unauthenticated view: %v", body)
	}
}

func TestPermissionsQuery(t *testing.T) {
	ctrl := &fakeController{
		hasPermFn: func(ctx context.Context, tabID, name string) bool {
			return name == "can_view_phi"
		},
	}
	srv := newTestAPI(t, ctrl)

	resp, err := srv.Client().Get(srv.URL + "/v1/session/permissions?name=can_view_phi&name=is_superadmin")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	perms, ok := body["permissions"].(map[string]any)
	if !ok {
		t.Fatalf("missing permissions map: %v", body)
	}
	if perms["can_view_phi"] != true || perms["is_superadmin"] != false {
		t.Fatalf("unexpected permissions: %v", perms)
	}
}

func TestRegistryRequiresAdmin(t *testing.T) {
	srv := newTestAPI(t, &fakeController{})
	resp, err := srv.Client().Get(srv.URL + "/v1/session/registry")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
}

func TestActivityTracksTab(t *testing.T) {
	ctrl := &fakeController{}
	srv := newTestAPI(t, ctrl)

	resp := postJSON(t, srv.Client(), srv.URL+"/v1/session/activity", map[string]string{},
		[]*http.Cookie{{Name: tabCookie, Value: "tab-xyz"}})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
	if len(ctrl.activityIDs) != 1 || ctrl.activityIDs[0] != "tab-xyz" {
		t.Fatalf("activity not tracked: %v", ctrl.activityIDs)
	}
}

func TestHealthz(t *testing.T) {
	srv := newTestAPI(t, &fakeController{})
	resp, err := srv.Client().Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	if body["status"] != "ok" || body["service"] != "sessiongate" {
		t.Fatalf("unexpected body: %v", body)
	}
}
