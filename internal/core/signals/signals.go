package signals

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/frostdev-ops/trustgate/internal/database/models"
	"github.com/google/uuid"
)

// RequestSignal is everything the trust engine learns from one request.
type RequestSignal struct {
	SessionID       string    `json:"session_id"`
	SessionMinted   bool      `json:"session_minted,omitempty"`
	FingerprintHash string    `json:"fingerprint_hash"`
	ClientIP        string    `json:"client_ip"`
	UserAgent       string    `json:"user_agent"`
	Browser         Browser   `json:"browser"`
	Method          string    `json:"method"`
	Path            string    `json:"path"`
	PageSlug        string    `json:"page_slug,omitempty"`
	At              time.Time `json:"at"`
}

// Options names the request fields the extractor reads.
type Options struct {
	SessionHeader     string
	SessionCookie     string
	FingerprintHeader string
	PageParam         string
}

// DefaultOptions matches the shipped configuration defaults.
func DefaultOptions() Options {
	return Options{
		SessionHeader:     "X-Session-ID",
		SessionCookie:     "tg_session",
		FingerprintHeader: "X-Fingerprint",
		PageParam:         "page",
	}
}

// Extractor turns HTTP requests into RequestSignals
type Extractor struct {
	opts    Options
	newID   func() string
	maxSlug int
}

// NewExtractor creates an extractor; empty option fields fall back to defaults.
func NewExtractor(opts Options) *Extractor {
	def := DefaultOptions()
	if opts.SessionHeader == "" {
		opts.SessionHeader = def.SessionHeader
	}
	if opts.SessionCookie == "" {
		opts.SessionCookie = def.SessionCookie
	}
	if opts.FingerprintHeader == "" {
		opts.FingerprintHeader = def.FingerprintHeader
	}
	if opts.PageParam == "" {
		opts.PageParam = def.PageParam
	}
	return &Extractor{
		opts:    opts,
		newID:   func() string { return uuid.New().String() },
		maxSlug: 256,
	}
}

// Options returns the effective options.
func (e *Extractor) Options() Options {
	return e.opts
}

// Extract reads the request. A session id is minted when the client sent
// none; the caller is expected to hand it back (see SessionMinted).
func (e *Extractor) Extract(r *http.Request, now time.Time) RequestSignal {
	ua := r.Header.Get("User-Agent")
	sig := RequestSignal{
		ClientIP:  ClientIP(r),
		UserAgent: ua,
		Browser:   ParseUserAgent(ua),
		Method:    r.Method,
		Path:      r.URL.Path,
		At:        now,
	}

	sig.SessionID = strings.TrimSpace(r.Header.Get(e.opts.SessionHeader))
	if sig.SessionID == "" {
		if c, err := r.Cookie(e.opts.SessionCookie); err == nil {
			sig.SessionID = strings.TrimSpace(c.Value)
		}
	}
	if sig.SessionID == "" {
		sig.SessionID = e.newID()
		sig.SessionMinted = true
	}

	sig.FingerprintHash = strings.TrimPrefix(strings.TrimSpace(r.Header.Get(e.opts.FingerprintHeader)), models.DerivedFingerprintPrefix)
	if sig.FingerprintHash == "" {
		sig.FingerprintHash = models.DerivedFingerprintPrefix + HeaderFingerprint(r.Header, sig.ClientIP)
	}

	if r.Method == http.MethodGet {
		sig.PageSlug = e.pageSlug(r)
	}

	return sig
}

func (e *Extractor) pageSlug(r *http.Request) string {
	slug := r.URL.Query().Get(e.opts.PageParam)
	if slug == "" {
		slug = r.URL.Path
	}
	slug = strings.ToLower(strings.TrimSpace(slug))
	if len(slug) > 1 {
		slug = strings.TrimRight(slug, "/")
	}
	if len(slug) > e.maxSlug {
		slug = slug[:e.maxSlug]
	}
	return slug
}

// stableHeaders are the headers a browser sends identically on every request.
var stableHeaders = []string{
	"user-agent",
	"accept",
	"accept-language",
	"accept-encoding",
	"sec-ch-ua",
	"sec-ch-ua-platform",
	"sec-ch-ua-mobile",
}

// HeaderFingerprint hashes the client address and the stable browser headers
// into a short device fingerprint: the first 8 bytes of a sha256, hex encoded.
func HeaderFingerprint(headers http.Header, clientIP string) string {
	parts := make([]string, 0, len(stableHeaders)+1)
	parts = append(parts, "ip:"+clientIP)
	for _, key := range stableHeaders {
		parts = append(parts, key+":"+headers.Get(key))
	}

	hash := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(hash[:8])
}

// ClientIP extracts the client IP address, preferring proxy headers.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return strings.TrimSpace(strings.Split(xff, ",")[0])
	}

	if xrip := r.Header.Get("X-Real-IP"); xrip != "" {
		return strings.TrimSpace(xrip)
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
