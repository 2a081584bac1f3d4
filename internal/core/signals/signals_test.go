package signals

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/frostdev-ops/trustgate/internal/database/models"
	"github.com/stretchr/testify/assert"
)

func TestParseUserAgent(t *testing.T) {
	tests := []struct {
		name     string
		ua       string
		expected Browser
	}{
		{
			name:     "chrome",
			ua:       "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.6099.109 Safari/537.36",
			expected: Browser{Name: BrowserChrome, Version: 120},
		},
		{
			name:     "old chrome",
			ua:       "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/85.0.4183.83 Safari/537.36",
			expected: Browser{Name: BrowserChrome, Version: 85},
		},
		{
			name:     "edge is not chrome",
			ua:       "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36 Edg/120.0.2210.91",
			expected: Browser{Name: BrowserEdge, Version: 120},
		},
		{
			name:     "firefox",
			ua:       "Mozilla/5.0 (X11; Ubuntu; Linux x86_64; rv:87.0) Gecko/20100101 Firefox/87.0",
			expected: Browser{Name: BrowserFirefox, Version: 87},
		},
		{
			name:     "safari",
			ua:       "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.1 Safari/605.1.15",
			expected: Browser{Name: BrowserSafari, Version: 17},
		},
		{
			name:     "curl",
			ua:       "curl/8.4.0",
			expected: Browser{},
		},
		{
			name:     "empty",
			ua:       "",
			expected: Browser{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ParseUserAgent(tt.ua))
		})
	}
}

func TestExtractor_SessionSources(t *testing.T) {
	e := NewExtractor(Options{})
	e.newID = func() string { return "minted" }
	now := time.Unix(1700000000, 0)

	req := httptest.NewRequest(http.MethodGet, "/docs/page-2", nil)
	req.Header.Set("X-Session-ID", "from-header")
	req.AddCookie(&http.Cookie{Name: "tg_session", Value: "from-cookie"})
	sig := e.Extract(req, now)
	assert.Equal(t, "from-header", sig.SessionID)
	assert.False(t, sig.SessionMinted)
	assert.Equal(t, "/docs/page-2", sig.PageSlug)
	assert.Equal(t, now, sig.At)

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: "tg_session", Value: "from-cookie"})
	assert.Equal(t, "from-cookie", e.Extract(req, now).SessionID)

	req = httptest.NewRequest(http.MethodPost, "/api/items", nil)
	sig = e.Extract(req, now)
	assert.Equal(t, "minted", sig.SessionID)
	assert.True(t, sig.SessionMinted)
	assert.Empty(t, sig.PageSlug)
}

func TestExtractor_PageParamAndFingerprint(t *testing.T) {
	e := NewExtractor(Options{})

	req := httptest.NewRequest(http.MethodGet, "/render?page=Chapter-3/", nil)
	req.Header.Set("User-Agent", "Mozilla/5.0 Firefox/120.0")
	req.Header.Set("Accept-Language", "en-US")
	sig := e.Extract(req, time.Now())
	assert.Equal(t, "chapter-3", sig.PageSlug)
	assert.True(t, models.IsDerivedFingerprint(sig.FingerprintHash))
	assert.Len(t, sig.FingerprintHash, len(models.DerivedFingerprintPrefix)+16)

	other := httptest.NewRequest(http.MethodGet, "/elsewhere", nil)
	other.Header.Set("User-Agent", "Mozilla/5.0 Firefox/120.0")
	other.Header.Set("Accept-Language", "en-US")
	other.Header.Set("Cookie", "unrelated=1")
	assert.Equal(t, sig.FingerprintHash, e.Extract(other, time.Now()).FingerprintHash)

	elsewhere := httptest.NewRequest(http.MethodGet, "/render", nil)
	elsewhere.RemoteAddr = "198.51.100.7:5555"
	elsewhere.Header.Set("User-Agent", "Mozilla/5.0 Firefox/120.0")
	elsewhere.Header.Set("Accept-Language", "en-US")
	assert.NotEqual(t, sig.FingerprintHash, e.Extract(elsewhere, time.Now()).FingerprintHash)

	spoofed := httptest.NewRequest(http.MethodGet, "/", nil)
	spoofed.Header.Set("X-Fingerprint", models.DerivedFingerprintPrefix+"device-123")
	assert.Equal(t, "device-123", e.Extract(spoofed, time.Now()).FingerprintHash)

	explicit := httptest.NewRequest(http.MethodGet, "/", nil)
	explicit.Header.Set("X-Fingerprint", "device-123")
	assert.Equal(t, "device-123", e.Extract(explicit, time.Now()).FingerprintHash)
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.10:4321"
	assert.Equal(t, "192.0.2.10", ClientIP(req))

	req.Header.Set("X-Real-IP", "198.51.100.2")
	assert.Equal(t, "198.51.100.2", ClientIP(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.1, 198.51.100.1")
	assert.Equal(t, "203.0.113.1", ClientIP(req))
}
