package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

// --- ヘルパー ---

var testCSRFSecret = []byte("0123456789abcdef0123456789abcdef")

func newTestCSRF() *CSRF {
	return NewCSRF(CSRFConfig{Secret: testCSRFSecret, AllowedOrigin: "http://localhost:3000/"})
}

// serveCSRF はCSRFミドルウェアを通してリクエストを処理し、ハンドラーが呼ばれたかを返す。
func serveCSRF(c *CSRF, req *http.Request) (*httptest.ResponseRecorder, bool) {
	called := false
	handler := c.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w, called
}

// --- テスト ---

func TestCSRF_Token_BoundToSession(t *testing.T) {
	c := newTestCSRF()

	a1 := c.Token("session-a")
	if a1 != c.Token("session-a") {
		t.Error("same session should yield the same token")
	}
	if a1 == c.Token("session-b") {
		t.Error("different sessions should yield different tokens")
	}
	if len(a1) != 64 {
		t.Errorf("token length = %d, want 64 hex chars", len(a1))
	}

	other := NewCSRF(CSRFConfig{Secret: []byte("another-secret")})
	if other.Token("session-a") == a1 {
		t.Error("tokens should depend on the secret")
	}
}

func TestNewCSRF_GeneratesSecretWhenEmpty(t *testing.T) {
	c1 := NewCSRF(CSRFConfig{})
	c2 := NewCSRF(CSRFConfig{})

	if len(c1.secret) != 32 {
		t.Errorf("secret length = %d, want 32", len(c1.secret))
	}
	if c1.Token("s") == c2.Token("s") {
		t.Error("generated secrets should differ between instances")
	}
}

func TestCSRFMiddleware_SafeMethods_PassThrough(t *testing.T) {
	c := newTestCSRF()
	for _, method := range []string{http.MethodGet, http.MethodHead, http.MethodOptions} {
		t.Run(method, func(t *testing.T) {
			// セッションもトークンもなくても通る
			_, called := serveCSRF(c, httptest.NewRequest(method, "/api/session", nil))
			if !called {
				t.Errorf("%s should not require a token", method)
			}
		})
	}
}

func TestCSRFMiddleware_StateChangingMethods(t *testing.T) {
	c := newTestCSRF()
	valid := c.Token("session-1")
	tampered := valid[:63] + "0"
	if tampered == valid {
		tampered = valid[:63] + "1"
	}

	tests := []struct {
		name    string
		method  string
		session string
		token   string
		origin  string
		wantOK  bool
	}{
		{"正しいトークンのPOST", http.MethodPost, "session-1", valid, "", true},
		{"正しいトークンのPUT", http.MethodPut, "session-1", valid, "", true},
		{"許可オリジンからのPATCH", http.MethodPatch, "session-1", valid, "http://localhost:3000", true},
		{"同一ホストからのDELETE", http.MethodDelete, "session-1", valid, "http://example.com", true},
		{"トークンなし", http.MethodPost, "session-1", "", "", false},
		{"別セッションのトークン", http.MethodPost, "session-2", valid, "", false},
		{"改ざんされたトークン", http.MethodPatch, "session-1", tampered, "", false},
		{"セッションなし", http.MethodDelete, "", valid, "", false},
		{"許可されていないオリジン", http.MethodPost, "session-1", valid, "https://evil.example", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var req *http.Request
			if tt.session != "" {
				req = requestForSession(tt.method, "/api/profile", tt.session)
			} else {
				req = httptest.NewRequest(tt.method, "/api/profile", nil)
			}
			if tt.token != "" {
				req.Header.Set(csrfHeaderName, tt.token)
			}
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}

			w, called := serveCSRF(c, req)
			if called != tt.wantOK {
				t.Fatalf("handler called = %v, want %v", called, tt.wantOK)
			}
			if tt.wantOK {
				return
			}
			if w.Code != http.StatusForbidden {
				t.Errorf("status = %d, want %d", w.Code, http.StatusForbidden)
			}
			var body ErrorResponseBody
			if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
				t.Fatalf("failed to decode body: %v", err)
			}
			if body.Code != ErrCodeCSRFInvalid {
				t.Errorf("code = %q, want %q", body.Code, ErrCodeCSRFInvalid)
			}
		})
	}
}

func TestCSRFTokenHandler_ReturnsSessionToken(t *testing.T) {
	c := newTestCSRF()

	w := httptest.NewRecorder()
	c.TokenHandler().ServeHTTP(w, requestForSession(http.MethodGet, "/api/csrf-token", "session-1"))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body.Token != c.Token("session-1") {
		t.Errorf("token = %q, want the session token", body.Token)
	}
	if len(w.Result().Cookies()) != 0 {
		t.Error("token endpoint should not set cookies")
	}
}

func TestCSRFTokenHandler_WithoutSession_Returns500(t *testing.T) {
	w := httptest.NewRecorder()
	newTestCSRF().TokenHandler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/csrf-token", nil))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
}
