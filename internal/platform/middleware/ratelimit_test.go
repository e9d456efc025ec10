package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/outpatient/internal/platform/auth"
)

func TestRateLimit_BurstThenReject(t *testing.T) {
	e := echo.New()
	h := RateLimit(RateLimitConfig{RequestsPerSecond: 0.001, BurstSize: 2})(okHandler)

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "10.0.0.1:5000"
		if err := h(e.NewContext(req, httptest.NewRecorder())); err != nil {
			t.Fatalf("request %d: unexpected error %v", i, err)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:5000"
	rec := httptest.NewRecorder()
	err := h(e.NewContext(req, rec))
	expectStatus(t, err, http.StatusTooManyRequests)
	if rec.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
}

func TestRateLimit_KeysByOperator(t *testing.T) {
	e := echo.New()
	h := RateLimit(RateLimitConfig{RequestsPerSecond: 0.001, BurstSize: 1})(okHandler)

	send := func(op string) error {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "10.0.0.9:5000"
		req = req.WithContext(auth.WithOperator(req.Context(), op))
		return h(e.NewContext(req, httptest.NewRecorder()))
	}

	if err := send("nurse.a"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := send("nurse.b"); err != nil {
		t.Fatalf("expected separate bucket per operator, got %v", err)
	}
	expectStatus(t, send("nurse.a"), http.StatusTooManyRequests)
}

func TestRateLimit_DisabledWithZeroRate(t *testing.T) {
	e := echo.New()
	h := RateLimit(RateLimitConfig{})(okHandler)
	for i := 0; i < 5; i++ {
		if err := h(e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
}

func TestRateLimit_RefillsOverTime(t *testing.T) {
	now := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	e := echo.New()
	h := rateLimit(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1}, clock)(okHandler)

	send := func() (*httptest.ResponseRecorder, error) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "10.0.0.3:5000"
		rec := httptest.NewRecorder()
		err := h(e.NewContext(req, rec))
		return rec, err
	}

	if _, err := send(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	rec, err := send()
	expectStatus(t, err, http.StatusTooManyRequests)
	if got := rec.Header().Get("Retry-After"); got != "1" {
		t.Errorf("expected Retry-After 1, got %q", got)
	}

	now = now.Add(time.Second)
	if _, err := send(); err != nil {
		t.Errorf("expected refill after one second, got %v", err)
	}
}

func TestLimiter_SweepsIdleBuckets(t *testing.T) {
	now := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	l := newLimiter(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 2, IdleTTL: time.Minute}, func() time.Time { return now })

	l.take("op:a")
	l.take("op:b")
	now = now.Add(2 * time.Minute)
	l.take("op:c")

	if len(l.buckets) != 1 {
		t.Errorf("expected idle buckets swept, have %d", len(l.buckets))
	}
}
