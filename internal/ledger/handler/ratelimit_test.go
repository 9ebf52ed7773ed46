package handler_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/evidentry/evidentry/internal/ledger/handler"
)

func rateLimitedRouter(rps, burst int) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(handler.RateLimiter(rps, burst))
	r.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })
	return r
}

func TestRateLimiterAllowsWithinBurst(t *testing.T) {
	r := rateLimitedRouter(1, 3)
	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
		if w.Code != http.StatusOK {
			t.Fatalf("request %d within burst: expected 200, got %d", i, w.Code)
		}
	}
}

func TestRateLimiterRejectsBeyondBurst(t *testing.T) {
	r := rateLimitedRouter(1, 1)
	first := httptest.NewRecorder()
	r.ServeHTTP(first, httptest.NewRequest(http.MethodGet, "/ping", nil))
	if first.Code != http.StatusOK {
		t.Fatalf("first request: expected 200, got %d", first.Code)
	}

	second := httptest.NewRecorder()
	r.ServeHTTP(second, httptest.NewRequest(http.MethodGet, "/ping", nil))
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", second.Code)
	}
	if second.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
	var body map[string]any
	if err := json.Unmarshal(second.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["code"] != "RATE_LIMITED" || body["retriable"] != true {
		t.Errorf("unexpected error body: %v", body)
	}
}

func TestRateLimiterIsolatesClients(t *testing.T) {
	r := rateLimitedRouter(1, 1)

	exhaust := httptest.NewRequest(http.MethodGet, "/ping", nil)
	exhaust.RemoteAddr = "10.0.0.1:1234"
	r.ServeHTTP(httptest.NewRecorder(), exhaust)
	blocked := httptest.NewRecorder()
	r.ServeHTTP(blocked, exhaust)
	if blocked.Code != http.StatusTooManyRequests {
		t.Fatalf("exhausted client: expected 429, got %d", blocked.Code)
	}

	other := httptest.NewRequest(http.MethodGet, "/ping", nil)
	other.RemoteAddr = "10.0.0.2:1234"
	w := httptest.NewRecorder()
	r.ServeHTTP(w, other)
	if w.Code != http.StatusOK {
		t.Errorf("distinct client: expected 200, got %d", w.Code)
	}
}
