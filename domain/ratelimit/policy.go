package ratelimit

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/onceguard/onceguard/domain/pathmatch"
)

// KeyStrategy selects how a bucket key is derived for a policy.
type KeyStrategy string

const (
	// KeyUser buckets by authenticated caller identity, falling back to
	// IP+UA for anonymous callers.
	KeyUser KeyStrategy = "USER"
	// KeyIPUA buckets by hashed client IP and user agent.
	KeyIPUA KeyStrategy = "IP_UA"
)

// KeyStrategyFrom parses a configured strategy string. Unknown values
// default to IP_UA, the safer anonymous bucket.
func KeyStrategyFrom(v string) KeyStrategy {
	if strings.EqualFold(strings.TrimSpace(v), "user") {
		return KeyUser
	}
	return KeyIPUA
}

// PolicySpec is the declarative form of one rate limit rule, as it appears
// in configuration.
type PolicySpec struct {
	Name        string
	Paths       []string
	Methods     []string
	KeyStrategy string
	Limits      []Bandwidth
}

// RegistrySpec is the declarative form of the whole rate limit section.
type RegistrySpec struct {
	Enabled        bool
	AddHeaders     bool
	WhitelistPaths []string
	Policies       []PolicySpec
}

// CompiledPolicy is one immutable, match-ready rule.
type CompiledPolicy struct {
	Name     string
	Methods  []string // upper-cased, de-duplicated, declaration order; empty = any
	Strategy KeyStrategy
	Bucket   BucketConfig

	paths []*regexp.Regexp
}

// MatchedPolicy is the result handed to the limiter: everything needed to
// resolve a bucket key and consume from it.
type MatchedPolicy struct {
	Name     string
	Strategy KeyStrategy
	Bucket   BucketConfig
}

// Registry holds the compiled rate limit rules. Compiled once per config
// load; immutable thereafter (hot reload swaps the whole registry).
type Registry struct {
	enabled    bool
	addHeaders bool
	whitelist  []*regexp.Regexp
	policies   []CompiledPolicy
}

// NewRegistry compiles a registry spec. Pattern or limit errors fail
// compilation so bad configuration is rejected at load time.
func NewRegistry(spec RegistrySpec) (*Registry, error) {
	r := &Registry{
		enabled:    spec.Enabled,
		addHeaders: spec.AddHeaders,
	}

	for _, p := range spec.WhitelistPaths {
		re, err := pathmatch.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("whitelist pattern %q: %w", p, err)
		}
		r.whitelist = append(r.whitelist, re)
	}

	for _, ps := range spec.Policies {
		cp, err := compilePolicy(ps)
		if err != nil {
			return nil, fmt.Errorf("policy %q: %w", ps.Name, err)
		}
		r.policies = append(r.policies, cp)
	}

	return r, nil
}

// Enabled reports whether rate limiting is active at all.
func (r *Registry) Enabled() bool { return r.enabled }

// AddHeaders reports whether RateLimit response headers should be written.
func (r *Registry) AddHeaders() bool { return r.addHeaders }

// IsWhitelisted reports whether the path bypasses rate limiting entirely.
// Evaluated before policy matching.
func (r *Registry) IsWhitelisted(path string) bool {
	for _, re := range r.whitelist {
		if re.MatchString(path) {
			return true
		}
	}
	return false
}

// Match returns the first policy whose method set and path patterns match.
// Policies are evaluated in declaration order; there is no best-match
// scoring and overlapping policies are never merged.
func (r *Registry) Match(path, method string) (MatchedPolicy, bool) {
	methodUpper := strings.ToUpper(method)

	for _, cp := range r.policies {
		if !cp.matchesMethod(methodUpper) {
			continue
		}
		for _, re := range cp.paths {
			if re.MatchString(path) {
				return MatchedPolicy{Name: cp.Name, Strategy: cp.Strategy, Bucket: cp.Bucket}, true
			}
		}
	}
	return MatchedPolicy{}, false
}

// Policies returns the compiled policies in declaration order.
func (r *Registry) Policies() []CompiledPolicy {
	return r.policies
}

func (cp CompiledPolicy) matchesMethod(methodUpper string) bool {
	if len(cp.Methods) == 0 {
		return true
	}
	for _, m := range cp.Methods {
		if m == methodUpper {
			return true
		}
	}
	return false
}

func compilePolicy(ps PolicySpec) (CompiledPolicy, error) {
	if ps.Name == "" {
		return CompiledPolicy{}, fmt.Errorf("name is required")
	}
	if len(ps.Paths) == 0 {
		return CompiledPolicy{}, fmt.Errorf("at least one path pattern is required")
	}
	if len(ps.Limits) == 0 {
		return CompiledPolicy{}, fmt.Errorf("at least one limit is required")
	}

	cp := CompiledPolicy{
		Name:     ps.Name,
		Strategy: KeyStrategyFrom(ps.KeyStrategy),
	}

	for _, p := range ps.Paths {
		re, err := pathmatch.Compile(p)
		if err != nil {
			return CompiledPolicy{}, fmt.Errorf("path pattern %q: %w", p, err)
		}
		cp.paths = append(cp.paths, re)
	}

	seen := make(map[string]bool, len(ps.Methods))
	for _, m := range ps.Methods {
		upper := strings.ToUpper(strings.TrimSpace(m))
		if upper == "" || seen[upper] {
			continue
		}
		seen[upper] = true
		cp.Methods = append(cp.Methods, upper)
	}

	for i, bw := range ps.Limits {
		if bw.Capacity <= 0 {
			return CompiledPolicy{}, fmt.Errorf("limits[%d]: capacity must be positive", i)
		}
		if bw.RefillPeriod <= 0 {
			return CompiledPolicy{}, fmt.Errorf("limits[%d]: refill period must be positive", i)
		}
		cp.Bucket.Limits = append(cp.Bucket.Limits, Bandwidth{
			Capacity:     bw.Capacity,
			RefillPeriod: bw.RefillPeriod,
		})
	}

	return cp, nil
}
