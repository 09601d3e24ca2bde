package validate

import (
	"net"
	"net/url"
	"strings"
)

// allowedStreamSchemes is the set of URL schemes a Stream's URL may
// use (SPEC_FULL.md §3/§6.1).
var allowedStreamSchemes = map[string]bool{
	"http": true, "https": true, "magnet": true, "acestream": true,
	"rtmp": true, "rtmps": true, "hls": true, "mpd": true, "dash": true,
}

var httpSchemes = map[string]bool{"http": true, "https": true}

// URLValidator checks stream URLs. Its restricted mode rejects
// loopback, RFC-1918 and link-local hosts for http(s) URLs, matching
// the "restricted mode" default in SPEC_FULL.md §4.1/§6.4.
type URLValidator struct {
	Restricted bool
}

// NewURLValidator returns a validator with the given restricted-mode
// setting.
func NewURLValidator(restricted bool) *URLValidator {
	return &URLValidator{Restricted: restricted}
}

// ValidateStreamURL reports whether raw is an acceptable stream URL.
func (v *URLValidator) ValidateStreamURL(raw string) bool {
	return v.validate(raw, true)
}

// ValidateManifestURL reports whether raw is an acceptable manifest
// base URL: scheme must be http/https with a resolvable-looking host,
// and restricted mode applies identically to stream URLs.
func (v *URLValidator) ValidateManifestURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	if !httpSchemes[strings.ToLower(u.Scheme)] {
		return false
	}
	return v.validate(raw, false)
}

func (v *URLValidator) validate(raw string, allowAllSchemes bool) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	scheme := strings.ToLower(u.Scheme)
	if allowAllSchemes {
		if !allowedStreamSchemes[scheme] {
			return false
		}
	} else if !httpSchemes[scheme] {
		return false
	}

	if !httpSchemes[scheme] {
		// Non-HTTP schemes (magnet, acestream, rtmp...) have no host
		// requirement beyond some non-empty content after the scheme.
		rest := strings.TrimPrefix(raw, u.Scheme+":")
		return rest != ""
	}

	host := u.Hostname()
	if host == "" {
		return false
	}

	if v.Restricted && isRestrictedHost(host) {
		return false
	}
	return true
}

func isRestrictedHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	if ip == nil {
		// Not a literal IP: we don't resolve DNS here (no I/O in a
		// pure validator); hostnames are accepted and left to the
		// protocol client's transport to fail naturally if unroutable.
		return false
	}
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return true
	}
	return isPrivate(ip)
}

// isPrivate reports whether ip falls in an RFC-1918 private range (or
// its IPv6 unique-local equivalent).
func isPrivate(ip net.IP) bool {
	private := []string{
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"fc00::/7",
	}
	for _, cidr := range private {
		_, block, err := net.ParseCIDR(cidr)
		if err != nil {
			continue
		}
		if block.Contains(ip) {
			return true
		}
	}
	return false
}
