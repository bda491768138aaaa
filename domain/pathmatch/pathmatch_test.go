package pathmatch_test

import (
	"testing"

	"github.com/onceguard/onceguard/domain/pathmatch"
)

func TestCompile(t *testing.T) {
	cases := []struct {
		pattern string
		path    string
		want    bool
	}{
		{"/api/**", "/api/v1/dreams", true},
		{"/api/**", "/api", true},
		{"/api/**", "/apix", false},
		{"/api/v1/dreams/**", "/api/v1/dreams", true},
		{"/api/v1/dreams/**", "/api/v1/dreams/42/comments", true},
		{"/a/**/b", "/a/b", true},
		{"/a/**/b", "/a/x/y/b", true},
		{"/api/*", "/api/v1", true},
		{"/api/*", "/api/v1/dreams", false},
		{"/v?", "/v1", true},
		{"/v?", "/v12", false},
		{"/exact", "/exact", true},
		{"/exact", "/exact/", false},
		{"/a.b", "/axb", false},
	}
	for _, c := range cases {
		re, err := pathmatch.Compile(c.pattern)
		if err != nil {
			t.Fatalf("Compile(%q): %v", c.pattern, err)
		}
		if got := re.MatchString(c.path); got != c.want {
			t.Errorf("%q against %q = %v, want %v", c.pattern, c.path, got, c.want)
		}
	}
}

func TestCompile_EmptyPattern(t *testing.T) {
	if _, err := pathmatch.Compile(""); err == nil {
		t.Error("empty pattern should fail")
	}
}

func TestMatcher(t *testing.T) {
	m, err := pathmatch.NewMatcher([]string{"/healthz", "/api/**"})
	if err != nil {
		t.Fatalf("NewMatcher: %v", err)
	}
	if !m.Matches("/healthz") {
		t.Error("/healthz should match")
	}
	if !m.Matches("/api/v1/dreams") {
		t.Error("/api/v1/dreams should match")
	}
	if m.Matches("/other") {
		t.Error("/other should not match")
	}
	if m.Empty() {
		t.Error("matcher with patterns should not be empty")
	}

	empty, err := pathmatch.NewMatcher(nil)
	if err != nil {
		t.Fatalf("NewMatcher(nil): %v", err)
	}
	if !empty.Empty() {
		t.Error("nil patterns should compile to an empty matcher")
	}
}
