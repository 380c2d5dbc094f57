package internal

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time { return c.t }

func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(limit int, window time.Duration) (*RateLimiter, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	rl := NewRateLimiter(limit, window)
	rl.now = clock.Now
	return rl, clock
}

func TestRateLimiter_Allow(t *testing.T) {
	rl, clock := newTestLimiter(3, time.Minute)

	for i := 0; i < 3; i++ {
		ok, _ := rl.Allow("1.2.3.4")
		assert.True(t, ok, "request %d", i)
	}

	ok, retryAfter := rl.Allow("1.2.3.4")
	assert.False(t, ok)
	assert.Equal(t, time.Minute, retryAfter)

	ok, _ = rl.Allow("5.6.7.8")
	assert.True(t, ok, "other clients have their own window")

	clock.Advance(time.Minute)
	ok, _ = rl.Allow("1.2.3.4")
	assert.True(t, ok, "window reset")
}

func TestRateLimiter_CleanupPreventsUnboundedGrowth(t *testing.T) {
	rl, clock := newTestLimiter(10, time.Second)

	for i := 0; i < 150; i++ {
		rl.Allow(fmt.Sprintf("10.0.0.%d", i))
	}
	require.Equal(t, 150, rl.size())

	clock.Advance(2 * time.Second)
	rl.Cleanup()
	assert.Zero(t, rl.size())

	// Size-triggered cleanup
	for i := 0; i < 250; i++ {
		rl.Allow(fmt.Sprintf("172.16.0.%d", i))
	}
	clock.Advance(2 * time.Second)
	rl.Allow("192.168.0.1")
	assert.Equal(t, 1, rl.size())
}

func TestRateLimiter_Middleware(t *testing.T) {
	rl, _ := newTestLimiter(1, 30*time.Second)
	handler := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/billing", nil)
		req.RemoteAddr = "203.0.113.7:5555"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusOK, send().Code)

	rec := send()
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "30", rec.Header().Get("Retry-After"))
}

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name       string
		xff        string
		remoteAddr string
		want       string
	}{
		{name: "remote addr", remoteAddr: "192.0.2.1:1234", want: "192.0.2.1:1234"},
		{name: "forwarded", xff: "198.51.100.1", remoteAddr: "10.0.0.1:80", want: "198.51.100.1"},
		{name: "forwarded chain", xff: " 198.51.100.1 , 10.0.0.2", remoteAddr: "10.0.0.1:80", want: "198.51.100.1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			assert.Equal(t, tt.want, GetClientIP(req))
		})
	}
}

func TestReadBodyStrict(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		limit   int64
		wantErr error
	}{
		{name: "ok", body: `{"type":"x"}`, limit: 1024},
		{name: "empty", body: "", limit: 1024, wantErr: ErrEmptyBody},
		{name: "too large", body: strings.Repeat("a", 2048), limit: 1024, wantErr: ErrPayloadTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			body, err := ReadBodyStrict(rec, req, tt.limit)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.body, string(body))
		})
	}
}

func TestWriteJSON(t *testing.T) {
	rec := httptest.NewRecorder()
	require.NoError(t, WriteJSON(rec, http.StatusCreated, map[string]string{"status": "ok"}))
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}
