package validate

import "testing"

func TestValidateStreamURL_AllowList(t *testing.T) {
	v := NewURLValidator(true)
	allowed := []string{
		"http://example.com/stream.mp4",
		"https://example.com/stream.mp4",
		"magnet:?xt=urn:btih:abcdef0123456789",
		"acestream://abcdef0123456789",
		"rtmp://example.com/live",
		"rtmps://example.com/live",
		"hls://example.com/index.m3u8",
		"dash://example.com/manifest.mpd",
	}
	for _, u := range allowed {
		if !v.ValidateStreamURL(u) {
			t.Errorf("expected %q to be accepted", u)
		}
	}
}

func TestValidateStreamURL_RejectsDisallowedSchemes(t *testing.T) {
	v := NewURLValidator(true)
	disallowed := []string{
		"file:///etc/passwd",
		"javascript:alert(1)",
		"data:text/html,<script>alert(1)</script>",
		"ftp://example.com/file",
	}
	for _, u := range disallowed {
		if v.ValidateStreamURL(u) {
			t.Errorf("expected %q to be rejected", u)
		}
	}
}

func TestValidateStreamURL_RestrictedModeRejectsPrivateHosts(t *testing.T) {
	v := NewURLValidator(true)
	private := []string{
		"http://127.0.0.1/stream.mp4",
		"http://localhost/stream.mp4",
		"http://192.168.0.10/stream.mp4",
		"http://10.0.0.5/stream.mp4",
		"http://169.254.1.1/stream.mp4",
	}
	for _, u := range private {
		if v.ValidateStreamURL(u) {
			t.Errorf("expected %q to be rejected in restricted mode", u)
		}
	}
}

func TestValidateStreamURL_UnrestrictedModeAllowsPrivateHosts(t *testing.T) {
	v := NewURLValidator(false)
	if !v.ValidateStreamURL("http://192.168.0.10/stream.mp4") {
		t.Error("expected private host to be accepted in unrestricted mode")
	}
}

func TestValidateStreamURL_HTTPRequiresHost(t *testing.T) {
	v := NewURLValidator(true)
	if v.ValidateStreamURL("http:///no-host") {
		t.Error("expected empty-host http url to be rejected")
	}
}

func TestValidateManifestURL(t *testing.T) {
	v := NewURLValidator(true)
	if !v.ValidateManifestURL("https://v3-cinemeta.strem.io/manifest.json") {
		t.Error("expected valid https manifest url to be accepted")
	}
	if v.ValidateManifestURL("magnet:?xt=urn:btih:x") {
		t.Error("expected non-http manifest url to be rejected")
	}
	if v.ValidateManifestURL("http://192.168.0.10/manifest.json") {
		t.Error("expected private-host manifest url to be rejected in restricted mode")
	}
}
