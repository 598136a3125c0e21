package main

import (
	"cowrite-server/stores/memory"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSetupRouter_CORS(t *testing.T) {
	r := setupRouter(memory.NewStore(), "https://cowrite.example.com")

	tests := []struct {
		origin  string
		allowed bool
	}{
		{"https://cowrite.example.com", true},
		{"http://localhost:4200", true},
		{"http://127.0.0.1:5000", true},
		{"https://evil.example.com", false},
	}

	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.Header.Set("Origin", tt.origin)
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)

		got := rec.Header().Get("Access-Control-Allow-Origin") == tt.origin
		if got != tt.allowed {
			t.Errorf("origin %s: expected allowed=%v, got %v", tt.origin, tt.allowed, got)
		}
	}
}

func TestSetupRouter_Routes(t *testing.T) {
	r := setupRouter(memory.NewStore(), "http://localhost:4200")

	for _, path := range []string{"/health", "/api/rooms"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Errorf("GET %s: expected 200, got %d", path, rec.Code)
		}
	}
}
