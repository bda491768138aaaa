package ratelimit_test

import (
	"strings"
	"testing"

	"github.com/onceguard/onceguard/domain/ratelimit"
)

func TestUserBucketKey(t *testing.T) {
	got := ratelimit.UserBucketKey("42", "api-default")
	if got != "RATELIM:USR:42:api-default" {
		t.Errorf("UserBucketKey = %q", got)
	}
}

func TestIPUABucketKey(t *testing.T) {
	got := ratelimit.IPUABucketKey("203.0.113.9", "curl/8.0", "auth-strict")
	parts := strings.Split(got, ":")
	if len(parts) != 5 {
		t.Fatalf("key %q has %d segments, want 5", got, len(parts))
	}
	if parts[0] != "RATELIM" || parts[1] != "IPUA" || parts[4] != "auth-strict" {
		t.Errorf("key = %q", got)
	}
	if len(parts[2]) != 64 {
		t.Errorf("ip hash length = %d, want 64", len(parts[2]))
	}
	if len(parts[3]) != 12 {
		t.Errorf("ua hash length = %d, want 12", len(parts[3]))
	}

	// Same inputs derive the same key, different UA a different one.
	if again := ratelimit.IPUABucketKey("203.0.113.9", "curl/8.0", "auth-strict"); again != got {
		t.Error("key derivation should be deterministic")
	}
	if other := ratelimit.IPUABucketKey("203.0.113.9", "Mozilla/5.0", "auth-strict"); other == got {
		t.Error("different user agents should derive different keys")
	}
}

func TestUserAgentHash_Blank(t *testing.T) {
	if got := ratelimit.UserAgentHash(""); got != ratelimit.UANone {
		t.Errorf("UserAgentHash(\"\") = %q, want %q", got, ratelimit.UANone)
	}
	if got := ratelimit.UserAgentHash("   "); got != ratelimit.UANone {
		t.Errorf("whitespace UA = %q, want %q", got, ratelimit.UANone)
	}
}

func TestClientIP(t *testing.T) {
	cases := []struct {
		forwarded string
		remote    string
		want      string
	}{
		{"", "10.0.0.1", "10.0.0.1"},
		{"203.0.113.9", "10.0.0.1", "203.0.113.9"},
		{"203.0.113.9, 70.41.3.18, 150.172.238.178", "10.0.0.1", "203.0.113.9"},
		{"  203.0.113.9 , 70.41.3.18", "10.0.0.1", "203.0.113.9"},
		{",", "10.0.0.1", "10.0.0.1"},
	}
	for _, c := range cases {
		if got := ratelimit.ClientIP(c.forwarded, c.remote); got != c.want {
			t.Errorf("ClientIP(%q, %q) = %q, want %q", c.forwarded, c.remote, got, c.want)
		}
	}
}
