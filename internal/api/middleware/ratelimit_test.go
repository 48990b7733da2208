package middleware

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryRateLimiter_GlobalLimit(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	// 1 RPS with burst of 2: third immediate request must be rejected.
	rl := NewInMemoryRateLimiter(&Config{GlobalRPS: 1, GlobalBurst: 2, ClientRPS: 100})
	defer func() { _ = rl.Close() }()

	assert.True(t, rl.Allow(""))
	assert.True(t, rl.Allow(""))
	assert.False(t, rl.Allow(""))
}

func TestInMemoryRateLimiter_PerClientLimit(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	rl := NewInMemoryRateLimiter(&Config{GlobalRPS: 1000, ClientRPS: 1, ClientBurst: 1})
	defer func() { _ = rl.Close() }()

	assert.True(t, rl.Allow("10.0.0.1"))
	assert.False(t, rl.Allow("10.0.0.1"), "second request from the same client exceeds the burst")
	assert.True(t, rl.Allow("10.0.0.2"), "other clients have their own bucket")
}

func TestInMemoryRateLimiter_DefaultBurst(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	// Burst defaults to 2 x rate when not overridden.
	rl := NewInMemoryRateLimiter(&Config{GlobalRPS: 2, ClientRPS: 100})
	defer func() { _ = rl.Close() }()

	assert.True(t, rl.Allow(""))
	assert.True(t, rl.Allow(""))
	assert.True(t, rl.Allow(""))
	assert.True(t, rl.Allow(""))
	assert.False(t, rl.Allow(""))
}

func TestInMemoryRateLimiter_Cleanup(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	rl := NewInMemoryRateLimiter(&Config{
		GlobalRPS:       1000,
		ClientRPS:       100,
		CleanupInterval: time.Hour,
		IdleTimeout:     time.Nanosecond,
	})
	defer func() { _ = rl.Close() }()

	rl.Allow("10.0.0.1")
	rl.Allow("10.0.0.2")

	rl.mu.RLock()
	before := len(rl.perClient)
	rl.mu.RUnlock()
	require.Equal(t, 2, before)

	time.Sleep(time.Millisecond)
	rl.cleanup()

	rl.mu.RLock()
	after := len(rl.perClient)
	rl.mu.RUnlock()
	assert.Zero(t, after, "idle clients should be evicted")
}

func TestInMemoryRateLimiter_Close(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	rl := NewInMemoryRateLimiter(&Config{GlobalRPS: 100, ClientRPS: 25})

	require.NoError(t, rl.Close())
}

func TestRateLimitMiddleware_TooManyRequests(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	rl := NewInMemoryRateLimiter(&Config{GlobalRPS: 1, GlobalBurst: 1, ClientRPS: 100})
	defer func() { _ = rl.Close() }()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	handler := RateLimit(rl, logger)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, httptest.NewRequest(http.MethodGet, "/ping", nil))
	require.Equal(t, http.StatusOK, first.Code)

	second := httptest.NewRecorder()
	handler.ServeHTTP(second, httptest.NewRequest(http.MethodGet, "/ping", nil))
	require.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.Equal(t, "application/problem+json", second.Header().Get("Content-Type"))

	var problem map[string]any
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &problem))

	assert.Equal(t, "Too Many Requests", problem["title"])
	assert.Equal(t, "/ping", problem["instance"])
}

func TestClientKey(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		remoteAddr string
		want       string
	}{
		{"192.0.2.1:1234", "192.0.2.1"},
		{"[2001:db8::1]:8080", "2001:db8::1"},
		{"no-port", "no-port"},
	}

	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = tt.remoteAddr

		if got := clientKey(req); got != tt.want {
			t.Errorf("clientKey(%q) = %q, want %q", tt.remoteAddr, got, tt.want)
		}
	}
}
