package auth

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/HerbHall/warden/internal/session"
	"go.uber.org/zap/zaptest"
)

// setupHandlerEnv wires a Handler behind its middleware on a fresh mux.
func setupHandlerEnv(t *testing.T, opts ...func(*Config)) (*harness, http.Handler) {
	t.Helper()
	h := newHarness(t, opts...)
	tokens, err := NewTokenService([]byte(testSecret), "warden", h.clock.Now)
	if err != nil {
		t.Fatalf("NewTokenService: %v", err)
	}
	handler := NewHandler(h.authn, tokens, zaptest.NewLogger(t))
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)
	return h, handler.Middleware()(mux)
}

func doRequest(srv http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	return w
}

func loginHTTP(t *testing.T, srv http.Handler, username, password string) SessionResponse {
	t.Helper()
	w := doRequest(srv, "POST", "/api/v1/auth/login", "", map[string]string{
		"username": username,
		"password": password,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("login status = %d, want %d; body: %s", w.Code, http.StatusOK, w.Body.String())
	}
	var resp SessionResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode login response: %v", err)
	}
	return resp
}

func TestHandleLogin_Success(t *testing.T) {
	h, srv := setupHandlerEnv(t)
	h.enroll(t, "alice")

	resp := loginHTTP(t, srv, "alice", testPassword)
	if resp.Token == "" {
		t.Error("expected token")
	}
	if resp.State != session.StateAuthenticated {
		t.Errorf("state = %s, want %s", resp.State, session.StateAuthenticated)
	}

	w := doRequest(srv, "GET", "/api/v1/auth/session", resp.Token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("session status = %d, body: %s", w.Code, w.Body.String())
	}
}

func TestHandleLogin_Errors(t *testing.T) {
	h, srv := setupHandlerEnv(t)
	h.enroll(t, "alice")

	tests := []struct {
		name string
		body any
		want int
	}{
		{"missing fields", map[string]string{"username": "alice"}, http.StatusBadRequest},
		{"wrong password", map[string]string{"username": "alice", "password": "wrong one"}, http.StatusUnauthorized},
		{"unknown user", map[string]string{"username": "ghost", "password": "whatever1"}, http.StatusUnauthorized},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w := doRequest(srv, "POST", "/api/v1/auth/login", "", tc.body)
			if w.Code != tc.want {
				t.Errorf("status = %d, want %d", w.Code, tc.want)
			}
			if ct := w.Header().Get("Content-Type"); ct != "application/problem+json" {
				t.Errorf("Content-Type = %q, want problem+json", ct)
			}
		})
	}
}

func TestHandleLogin_LockedReturns423(t *testing.T) {
	h, srv := setupHandlerEnv(t)
	h.enroll(t, "bob")
	for i := 0; i < 3; i++ {
		doRequest(srv, "POST", "/api/v1/auth/login", "", map[string]string{"username": "bob", "password": "wrong one"})
	}
	w := doRequest(srv, "POST", "/api/v1/auth/login", "", map[string]string{"username": "bob", "password": testPassword})
	if w.Code != http.StatusLocked {
		t.Errorf("status = %d, want %d", w.Code, http.StatusLocked)
	}
}

func TestMiddleware_RejectsMissingAndBadTokens(t *testing.T) {
	_, srv := setupHandlerEnv(t)

	if w := doRequest(srv, "GET", "/api/v1/auth/session", "", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("no token: status = %d, want 401", w.Code)
	}
	if w := doRequest(srv, "GET", "/api/v1/auth/session", "garbage", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("bad token: status = %d, want 401", w.Code)
	}
}

func TestMiddleware_PendingSessionIsConfined(t *testing.T) {
	h, srv := setupHandlerEnv(t, func(c *Config) { c.SecondFactor = FactorSecurityQuestion })
	h.enroll(t, "carol")

	resp := loginHTTP(t, srv, "carol", testPassword)
	if resp.State != session.StatePendingSecondFactor {
		t.Fatalf("state = %s, want pending", resp.State)
	}

	w := doRequest(srv, "POST", "/api/v1/auth/password", resp.Token, map[string]string{
		"old_password": testPassword, "new_password": "something longer",
	})
	if w.Code != http.StatusForbidden {
		t.Errorf("pending session reached protected route: status = %d", w.Code)
	}

	w = doRequest(srv, "POST", "/api/v1/auth/verify/question", resp.Token, map[string]string{"answer": "rex"})
	if w.Code != http.StatusOK {
		t.Fatalf("verify status = %d, body: %s", w.Code, w.Body.String())
	}

	w = doRequest(srv, "POST", "/api/v1/auth/password", resp.Token, map[string]string{
		"old_password": testPassword, "new_password": "something longer",
	})
	if w.Code != http.StatusNoContent {
		t.Errorf("after verify: status = %d, body: %s", w.Code, w.Body.String())
	}
}

func TestHandleLogoff_InvalidatesToken(t *testing.T) {
	h, srv := setupHandlerEnv(t)
	h.enroll(t, "dave")
	resp := loginHTTP(t, srv, "dave", testPassword)

	if w := doRequest(srv, "POST", "/api/v1/auth/logoff", resp.Token, nil); w.Code != http.StatusNoContent {
		t.Fatalf("logoff status = %d", w.Code)
	}
	if w := doRequest(srv, "GET", "/api/v1/auth/session", resp.Token, nil); w.Code != http.StatusUnauthorized {
		t.Errorf("token still accepted after logoff: status = %d", w.Code)
	}
}

func TestHandleSession_ExpiredSession(t *testing.T) {
	h, srv := setupHandlerEnv(t)
	h.enroll(t, "erin")
	resp := loginHTTP(t, srv, "erin", testPassword)

	h.clock.Advance(time.Hour)
	if w := doRequest(srv, "GET", "/api/v1/auth/session", resp.Token, nil); w.Code != http.StatusUnauthorized {
		t.Errorf("expired session accepted: status = %d", w.Code)
	}
}

func TestHandleReset_RoundTrip(t *testing.T) {
	h, srv := setupHandlerEnv(t)
	h.enroll(t, "frank")

	w := doRequest(srv, "POST", "/api/v1/auth/reset", "", map[string]string{"username": "frank"})
	if w.Code != http.StatusAccepted {
		t.Fatalf("initiate status = %d", w.Code)
	}
	w = doRequest(srv, "POST", "/api/v1/auth/reset", "", map[string]string{"username": "nobody"})
	if w.Code != http.StatusAccepted {
		t.Fatalf("unknown user initiate status = %d", w.Code)
	}

	w = doRequest(srv, "POST", "/api/v1/auth/reset/complete", "", map[string]string{
		"token": h.notes.last(t).Token, "new_password": "reset via http",
	})
	if w.Code != http.StatusNoContent {
		t.Fatalf("complete status = %d, body: %s", w.Code, w.Body.String())
	}
	loginHTTP(t, srv, "frank", "reset via http")
}

func TestHandleEnroll_RequiresSiteAdmin(t *testing.T) {
	h, srv := setupHandlerEnv(t)
	h.enroll(t, "gina")
	user := loginHTTP(t, srv, "gina", testPassword)

	body := map[string]any{"username": "newbie", "password": testPassword, "groups": []string{"ops"}}
	if w := doRequest(srv, "POST", "/api/v1/auth/identities", user.Token, body); w.Code != http.StatusForbidden {
		t.Errorf("non-admin enroll status = %d, want 403", w.Code)
	}

	if _, err := h.authn.Enroll(t.Context(), EnrollRequest{Username: "root", Password: testPassword, Role: "SITE_ADMIN"}); err != nil {
		t.Fatalf("enroll admin: %v", err)
	}
	admin := loginHTTP(t, srv, "root", testPassword)
	if w := doRequest(srv, "POST", "/api/v1/auth/identities", admin.Token, body); w.Code != http.StatusCreated {
		t.Errorf("admin enroll status = %d, body: %s", w.Code, w.Body.String())
	}
}

func TestHandleSuspend(t *testing.T) {
	h, srv := setupHandlerEnv(t)
	target := h.enroll(t, "hank")
	user := loginHTTP(t, srv, "hank", testPassword)

	path := "/api/v1/auth/identities/" + target.ID + "/suspend"
	if w := doRequest(srv, "POST", path, user.Token, map[string]bool{"suspended": true}); w.Code != http.StatusForbidden {
		t.Errorf("non-admin suspend status = %d, want 403", w.Code)
	}

	if _, err := h.authn.Enroll(t.Context(), EnrollRequest{Username: "root", Password: testPassword, Role: "SITE_ADMIN"}); err != nil {
		t.Fatalf("enroll admin: %v", err)
	}
	admin := loginHTTP(t, srv, "root", testPassword)
	if w := doRequest(srv, "POST", path, admin.Token, map[string]bool{"suspended": true}); w.Code != http.StatusNoContent {
		t.Fatalf("suspend status = %d, body: %s", w.Code, w.Body.String())
	}
	w := doRequest(srv, "POST", "/api/v1/auth/login", "", map[string]string{"username": "hank", "password": testPassword})
	if w.Code != http.StatusForbidden {
		t.Errorf("suspended login status = %d, want 403", w.Code)
	}
}
