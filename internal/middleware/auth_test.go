package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ritikr000/VM-Generator/internal/middleware"
)

const testToken = "super-secret-token"

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func TestAuth(t *testing.T) {
	tests := []struct {
		name       string
		authHeader string
		wantStatus int
		wantReach  bool
	}{
		{"no header", "", http.StatusUnauthorized, false},
		{"basic auth scheme", "Basic dXNlcjpwYXNz", http.StatusUnauthorized, false},
		{"bearer prefix only", "Bearer ", http.StatusUnauthorized, false},
		{"wrong token", "Bearer wrong-token", http.StatusUnauthorized, false},
		{"token prefix", "Bearer " + testToken[:5], http.StatusUnauthorized, false},
		{"lowercase scheme", "bearer " + testToken, http.StatusUnauthorized, false},
		{"extra space", "Bearer  " + testToken, http.StatusUnauthorized, false},
		{"correct token", "Bearer " + testToken, http.StatusOK, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reached := false
			next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				reached = true
				w.WriteHeader(http.StatusOK)
			})

			req := httptest.NewRequest(http.MethodGet, "/create-vm", nil)
			if tt.authHeader != "" {
				req.Header.Set("Authorization", tt.authHeader)
			}
			rec := httptest.NewRecorder()
			middleware.Auth(testToken, next).ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status: got %d, want %d", rec.Code, tt.wantStatus)
			}
			if reached != tt.wantReach {
				t.Errorf("handler reached: got %v, want %v", reached, tt.wantReach)
			}
		})
	}
}

func TestAuth_EmptyTokenDisablesCheck(t *testing.T) {
	rec := httptest.NewRecorder()
	middleware.Auth("", okHandler).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/view-database", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("open mode: got %d, want 200", rec.Code)
	}
}

func TestAuth_UnauthorizedResponse(t *testing.T) {
	rec := httptest.NewRecorder()
	middleware.Auth(testToken, okHandler).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type on 401: got %q, want application/json", ct)
	}
	if rec.Header().Get("WWW-Authenticate") == "" {
		t.Error("401 should carry a WWW-Authenticate challenge")
	}
	if got := rec.Body.String(); got != `{"error":"unauthorized"}`+"\n" {
		t.Errorf("body: got %q", got)
	}
}
