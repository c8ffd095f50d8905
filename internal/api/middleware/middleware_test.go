package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/curebird/curebird/internal/identity"
)

type fakeAuth map[string]identity.Identity

func (f fakeAuth) Authenticate(token string) (identity.Identity, error) {
	if token == "expired" {
		return identity.Identity{}, identity.ErrSessionExpired
	}
	id, ok := f[token]
	if !ok {
		return identity.Identity{}, identity.ErrInvalidCredential
	}
	return id, nil
}

func TestSessionAuth(t *testing.T) {
	auth := fakeAuth{"good": {UID: "u1"}}
	var seen string
	h := SessionAuth(auth)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetUserID(r.Context())
	}))

	cases := []struct {
		header string
		status int
		body   string
	}{
		{"", http.StatusUnauthorized, "missing session token"},
		{"Bearer nope", http.StatusUnauthorized, "invalid session token"},
		{"Bearer expired", http.StatusUnauthorized, "Your session has expired"},
		{"Bearer good", http.StatusOK, ""},
	}
	for _, tc := range cases {
		seen = ""
		req := httptest.NewRequest(http.MethodGet, "/api/v1/records", nil)
		if tc.header != "" {
			req.Header.Set("Authorization", tc.header)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		if rec.Code != tc.status {
			t.Fatalf("%q: expected %d, got %d", tc.header, tc.status, rec.Code)
		}
		if !strings.Contains(rec.Body.String(), tc.body) {
			t.Fatalf("%q: unexpected body %s", tc.header, rec.Body.String())
		}
	}
	if seen != "u1" {
		t.Fatalf("identity not stored in context, got %q", seen)
	}
}

func TestRequestID(t *testing.T) {
	var got string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = GetRequestID(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "abc")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if got != "abc" || rec.Header().Get("X-Request-ID") != "abc" {
		t.Fatalf("request id not propagated: %q", got)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if got == "" || got == "abc" {
		t.Fatalf("expected a generated request id, got %q", got)
	}
}

func TestRecover(t *testing.T) {
	h := Recover(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}

func TestCORS_Preflight(t *testing.T) {
	called := false
	h := CORS(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called = true }))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/api/v1/records", nil))
	if called || rec.Code != http.StatusOK {
		t.Fatalf("preflight should short-circuit, called=%v code=%d", called, rec.Code)
	}
	if !strings.Contains(rec.Header().Get("Access-Control-Allow-Headers"), "Idempotency-Key") {
		t.Fatal("Idempotency-Key not allowed")
	}
}
