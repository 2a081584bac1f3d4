package signals

import (
	"strconv"
	"strings"
)

// Browser is the parsed product of a user agent. Version is the major
// version, zero when unknown.
type Browser struct {
	Name    string `json:"name"`
	Version int    `json:"version"`
}

// Known browser names.
const (
	BrowserChrome  = "chrome"
	BrowserFirefox = "firefox"
	BrowserSafari  = "safari"
	BrowserEdge    = "edge"
	BrowserOpera   = "opera"
)

// browserTokens is checked in order; Chromium derivatives advertise
// "Chrome/" too, so their own tokens go first.
var browserTokens = []struct {
	token string
	name  string
}{
	{"Edg/", BrowserEdge},
	{"Edge/", BrowserEdge},
	{"OPR/", BrowserOpera},
	{"Chrome/", BrowserChrome},
	{"CriOS/", BrowserChrome},
	{"Firefox/", BrowserFirefox},
	{"FxiOS/", BrowserFirefox},
}

// ParseUserAgent extracts the browser family and major version. Unknown
// agents yield an empty Browser.
func ParseUserAgent(ua string) Browser {
	if ua == "" {
		return Browser{}
	}

	for _, bt := range browserTokens {
		if idx := strings.Index(ua, bt.token); idx >= 0 {
			return Browser{Name: bt.name, Version: majorVersion(ua[idx+len(bt.token):])}
		}
	}

	if strings.Contains(ua, "Safari/") {
		if idx := strings.Index(ua, "Version/"); idx >= 0 {
			return Browser{Name: BrowserSafari, Version: majorVersion(ua[idx+len("Version/"):])}
		}
		return Browser{Name: BrowserSafari}
	}

	return Browser{}
}

// majorVersion reads the leading integer of s ("120.0.6099" -> 120).
func majorVersion(s string) int {
	end := 0
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	if end == 0 {
		return 0
	}
	v, err := strconv.Atoi(s[:end])
	if err != nil {
		return 0
	}
	return v
}
