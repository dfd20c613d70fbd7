package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRateLimiterEnforcesBudget(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{
		"api": {RequestsPerMinute: 60, Burst: 2},
	}, nil)
	handler := limiter.Middleware("api")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/v1/policies/1", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d within burst returned %d", i, rec.Code)
		}
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/policies/1", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 past the burst, got %d", rec.Code)
	}

	// A different client has its own budget.
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/api/v1/policies/1", nil)
	req.RemoteAddr = "10.0.0.2:1234"
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected fresh budget for new client, got %d", rec.Code)
	}
}

func TestRateLimiterUnknownKeyPassesThrough(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{}, nil)
	handler := limiter.Middleware("unconfigured")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	for i := 0; i < 10; i++ {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/anything", nil)
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusNoContent {
			t.Fatalf("expected pass-through, got %d", rec.Code)
		}
	}
}

func TestClientIDPrefersForwardedHeaders(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	if got := clientID(req); got != "10.0.0.1" {
		t.Fatalf("expected remote host, got %s", got)
	}
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	if got := clientID(req); got != "203.0.113.7" {
		t.Fatalf("expected first forwarded hop, got %s", got)
	}
	req.Header.Set("X-Real-IP", "198.51.100.4")
	if got := clientID(req); got != "198.51.100.4" {
		t.Fatalf("expected real ip, got %s", got)
	}
}
