package headerfilter

import (
	"testing"
	"time"

	"github.com/nginxkit/proxycore/internal/template"
)

func fixedNow() time.Time {
	return time.Date(2026, time.July, 30, 12, 0, 0, 0, time.UTC)
}

func TestExpiresModifiedWithLastModified(t *testing.T) {
	cfg := Config{Expires: ExpiresConfig{Mode: ExpiresModified, Seconds: time.Hour}}
	f := NewFilter(cfg)
	resp := NewResponseHeaders()

	lastModified := fixedNow().Add(-30 * time.Minute)
	setLastModified(resp, formatHTTPDate(lastModified))

	now := fixedNow()
	if err := f.ApplyResponseHeaders(resp, 200, false, now, nil); err != nil {
		t.Fatal(err)
	}

	wantExpires := formatHTTPDate(lastModified.Add(time.Hour))
	gotExpires := resp.List.At(resp.Expires.index).Value
	if gotExpires != wantExpires {
		t.Fatalf("Expires = %q, want %q", gotExpires, wantExpires)
	}

	cc := resp.CacheControl.Entries(&resp.List)
	if len(cc) != 1 || cc[0].Value != "max-age=1800" {
		t.Fatalf("Cache-Control = %+v, want max-age=1800", cc)
	}
}

func TestExpiresEpoch(t *testing.T) {
	cfg := Config{Expires: ExpiresConfig{Mode: ExpiresEpoch}}
	f := NewFilter(cfg)
	resp := NewResponseHeaders()

	if err := f.ApplyResponseHeaders(resp, 200, false, fixedNow(), nil); err != nil {
		t.Fatal(err)
	}

	gotExpires := resp.List.At(resp.Expires.index).Value
	if gotExpires != "Thu, 01 Jan 1970 00:00:01 GMT" {
		t.Fatalf("Expires = %q", gotExpires)
	}
	cc := resp.CacheControl.Entries(&resp.List)
	if len(cc) != 1 || cc[0].Value != "no-cache" {
		t.Fatalf("Cache-Control = %+v, want no-cache", cc)
	}
}

func TestExpiresMax(t *testing.T) {
	cfg := Config{Expires: ExpiresConfig{Mode: ExpiresMax}}
	f := NewFilter(cfg)
	resp := NewResponseHeaders()

	if err := f.ApplyResponseHeaders(resp, 200, false, fixedNow(), nil); err != nil {
		t.Fatal(err)
	}
	gotExpires := resp.List.At(resp.Expires.index).Value
	if gotExpires != "Thu, 31 Dec 2037 23:55:55 GMT" {
		t.Fatalf("Expires = %q", gotExpires)
	}
	cc := resp.CacheControl.Entries(&resp.List)
	if len(cc) != 1 || cc[0].Value != "max-age=315360000" {
		t.Fatalf("Cache-Control = %+v", cc)
	}
}

func TestExpiresAtConfigValidation(t *testing.T) {
	if _, err := ParseExpiresSpec(false, "@86400"); err != nil {
		t.Fatalf("expected @86400 to be accepted: %v", err)
	}
	if _, err := ParseExpiresSpec(false, "@86401"); err == nil {
		t.Fatal("expected @86401 to be rejected")
	}
}

func TestExpiresDailyDisallowedWithModified(t *testing.T) {
	if _, err := ParseExpiresSpec(true, "@3600"); err == nil {
		t.Fatal("expected error combining modified with a daily spec")
	}
}

func TestHostValidation(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "A.B", want: "a.b"},
		{in: "a..b", wantErr: true},
		{in: "a/b", wantErr: true},
		{in: "a\x00b", wantErr: true},
		{in: "example.com:8080", want: "example.com"},
		{in: "example.com.", want: "example.com"},
		{in: "[::1]:8080", want: "[::1]"},
	}
	for _, c := range cases {
		got, err := ValidateHost(c.in)
		if c.wantErr {
			if err == nil {
				t.Errorf("ValidateHost(%q): expected error", c.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ValidateHost(%q): unexpected error %v", c.in, err)
			continue
		}
		if got != c.want {
			t.Errorf("ValidateHost(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestFilterIdempotent(t *testing.T) {
	cfg := Config{
		Expires:       ExpiresConfig{Mode: ExpiresAccess, Seconds: time.Hour},
		ResponseRules: []*HeaderRule{mustRule(t, "Server", "X", false)},
	}
	f := NewFilter(cfg)
	now := fixedNow()

	run := func() []HeaderEntry {
		resp := NewResponseHeaders()
		if err := f.ApplyResponseHeaders(resp, 200, false, now, nil); err != nil {
			t.Fatal(err)
		}
		if err := f.ApplyResponseHeaders(resp, 200, false, now, nil); err != nil {
			t.Fatal(err)
		}
		return resp.List.Live()
	}

	live := run()
	serverCount := 0
	for _, e := range live {
		if e.Key == "Server" {
			serverCount++
		}
	}
	if serverCount != 1 {
		t.Fatalf("expected idempotent single Server entry, got %d", serverCount)
	}
}

func TestApplyInputHeadersSetsHost(t *testing.T) {
	rule, err := NewInputHeaderRule("Host", *template.Compile("Example.COM"))
	if err != nil {
		t.Fatal(err)
	}
	f := NewFilter(Config{InputRules: []*HeaderRule{rule}})
	req := NewRequestHeaders()

	if err := f.ApplyInputHeaders(req, nil); err != nil {
		t.Fatal(err)
	}
	if req.HostText != "example.com" {
		t.Fatalf("HostText = %q", req.HostText)
	}
}

func TestApplyTrailers(t *testing.T) {
	rule := mustRule(t, "X-Trailer", "done", false)
	f := NewFilter(Config{TrailerRules: []*HeaderRule{rule}})

	trailers := f.ApplyTrailers(200, nil)
	if len(trailers) != 1 || trailers[0].Key != "X-Trailer" || trailers[0].Value != "done" {
		t.Fatalf("unexpected trailers: %+v", trailers)
	}
}
