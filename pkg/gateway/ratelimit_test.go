package gateway

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clawcrm/clawcrm/pkg/config"
)

func TestNewLimiter(t *testing.T) {
	assert.Nil(t, newLimiter(0))
	assert.Nil(t, newLimiter(-5))

	l := newLimiter(3)
	require.NotNil(t, l)
	assert.True(t, l.Allow())
	assert.True(t, l.Allow())
	assert.True(t, l.Allow())
	assert.False(t, l.Allow())
}

func TestIPRateLimiter_Allow(t *testing.T) {
	rl := newIPRateLimiter(1)
	defer rl.stop()

	assert.True(t, rl.allow("10.0.0.1"))
	assert.False(t, rl.allow("10.0.0.1"))
	assert.True(t, rl.allow("10.0.0.2"))

	unlimited := newIPRateLimiter(0)
	defer unlimited.stop()

	for range 10 {
		assert.True(t, unlimited.allow("10.0.0.1"))
	}

	// stop is idempotent.
	rl.stop()
}

func TestIPRateLimiter_Middleware(t *testing.T) {
	rl := newIPRateLimiter(1)
	defer rl.stop()

	h := rl.middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.RemoteAddr = "192.0.2.10:5000"

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.JSONEq(t, `{"error":"rate limit exceeded"}`, rec.Body.String())
}

func TestExtractIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		xff        string
		want       string
	}{
		{name: "remote addr", remoteAddr: "192.0.2.1:1234", want: "192.0.2.1"},
		{name: "ipv6", remoteAddr: "[2001:db8::1]:443", want: "2001:db8::1"},
		{name: "no port", remoteAddr: "192.0.2.1", want: "192.0.2.1"},
		{name: "forwarded", remoteAddr: "10.0.0.1:80", xff: "203.0.113.7, 10.0.0.1", want: "203.0.113.7"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remoteAddr

			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}

			assert.Equal(t, tt.want, extractIP(req))
		})
	}
}

func TestOriginAllowed(t *testing.T) {
	g := &Gateway{cfg: &config.ServerConfig{}}
	assert.True(t, g.originAllowed("https://anything.example"))

	g.cfg.AllowedOrigins = []string{"https://crm.example.com"}
	assert.True(t, g.originAllowed("https://crm.example.com"))
	assert.False(t, g.originAllowed("https://evil.example.com"))
	assert.False(t, g.originAllowed(""))

	g.cfg.AllowedOrigins = []string{"*"}
	assert.True(t, g.originAllowed("https://evil.example.com"))
}
