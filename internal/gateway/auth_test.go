package gateway_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/basket/go-offline/internal/gateway"
)

func TestBearerAuth_ValidToken(t *testing.T) {
	handler := gateway.NewBearerAuth("s3cret").Wrap(okHandler())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, pushRequest("s3cret"))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestBearerAuth_InvalidToken(t *testing.T) {
	handler := gateway.NewBearerAuth("s3cret").Wrap(okHandler())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, pushRequest("nope"))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestBearerAuth_MissingToken(t *testing.T) {
	handler := gateway.NewBearerAuth("s3cret").Wrap(okHandler())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, pushRequest(""))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestBearerAuth_EmptyTokenDisablesCheck(t *testing.T) {
	auth := gateway.NewBearerAuth("  ")
	if auth.Enabled() {
		t.Fatal("whitespace token must disable auth")
	}
	rec := httptest.NewRecorder()
	auth.Wrap(okHandler()).ServeHTTP(rec, pushRequest(""))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestExtractToken_Sources(t *testing.T) {
	tests := []struct {
		name  string
		setup func(r *http.Request)
		want  string
	}{
		{"bearer", func(r *http.Request) { r.Header.Set("Authorization", "Bearer abc") }, "abc"},
		{"header", func(r *http.Request) { r.Header.Set("X-Agent-Token", "def") }, "def"},
		{"query", func(r *http.Request) { r.URL.RawQuery = "token=ghi" }, "ghi"},
		{"basic is ignored", func(r *http.Request) { r.Header.Set("Authorization", "Basic xyz") }, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/__agent/ws", nil)
			tt.setup(req)
			if got := gateway.ExtractToken(req); got != tt.want {
				t.Fatalf("ExtractToken = %q, want %q", got, tt.want)
			}
		})
	}
}
