package network

import (
	"fmt"
	"sort"
	"strings"
)

// Presets are named domain groups usable in the networks config.
var Presets = map[string][]string{
	"npm":       {"registry.npmjs.org", "npmjs.com"},
	"pypi":      {"pypi.org", "files.pythonhosted.org"},
	"github":    {"github.com", "api.github.com", "raw.githubusercontent.com"},
	"anthropic": {"api.anthropic.com", "anthropic.com"},
	"openai":    {"api.openai.com", "openai.com"},
}

// Special values.
const (
	NetworkAll  = "all"  // allow all traffic
	NetworkNone = "none" // no network access
)

// Policy represents the egress permissions applied to a session.
type Policy struct {
	AllowAll  bool
	Blocked   bool
	Domains   []string // allowed literal domains
	Wildcards []string // allowed wildcard patterns (*.example.com)
}

// IsWildcard returns true if the domain is a wildcard pattern (*.example.com).
func IsWildcard(domain string) bool {
	return strings.HasPrefix(domain, "*.")
}

// ValidateWildcard validates a wildcard pattern.
// Valid: *.example.com. Invalid: *.com, **.example.com, sub.*.example.com.
func ValidateWildcard(pattern string) error {
	if !IsWildcard(pattern) {
		return fmt.Errorf("not a wildcard pattern: %s", pattern)
	}

	baseDomain := strings.TrimPrefix(pattern, "*.")

	if strings.Contains(pattern, "**") {
		return fmt.Errorf("recursive wildcards not supported: %s", pattern)
	}
	if strings.Contains(baseDomain, "*") {
		return fmt.Errorf("mid-level wildcards not supported: %s", pattern)
	}
	if !strings.Contains(baseDomain, ".") {
		return fmt.Errorf("TLD wildcards not allowed: %s", pattern)
	}

	return nil
}

// Parse converts network specs like "npm,github" into a Policy. "all" and
// "none" take precedence regardless of position; an empty list blocks all
// egress.
func Parse(specs []string) *Policy {
	policy := &Policy{
		Domains:   []string{},
		Wildcards: []string{},
	}

	if len(specs) == 0 {
		policy.Blocked = true
		return policy
	}

	for _, spec := range specs {
		switch strings.TrimSpace(strings.ToLower(spec)) {
		case NetworkAll:
			return &Policy{AllowAll: true, Domains: []string{}, Wildcards: []string{}}
		case NetworkNone:
			return &Policy{Blocked: true, Domains: []string{}, Wildcards: []string{}}
		}
	}

	for _, spec := range specs {
		spec = strings.TrimSpace(strings.ToLower(spec))

		if presetDomains, ok := Presets[spec]; ok {
			policy.Domains = append(policy.Domains, presetDomains...)
		} else if IsWildcard(spec) {
			if err := ValidateWildcard(spec); err == nil {
				policy.Wildcards = append(policy.Wildcards, spec)
			}
			// Invalid wildcards are dropped rather than failing the session.
		} else {
			policy.Domains = append(policy.Domains, spec)
		}
	}

	policy.Domains = deduplicate(policy.Domains)
	policy.Wildcards = deduplicate(policy.Wildcards)

	return policy
}

// Render produces the allowlist file content written into a session during
// configuration. One entry per line; "all" and "none" are single-line
// sentinels understood by the in-session egress filter.
func (p *Policy) Render() string {
	if p.AllowAll {
		return NetworkAll + "\n"
	}
	if p.Blocked {
		return NetworkNone + "\n"
	}

	entries := make([]string, 0, len(p.Domains)+len(p.Wildcards))
	entries = append(entries, p.Domains...)
	entries = append(entries, p.Wildcards...)
	sort.Strings(entries)
	return strings.Join(entries, "\n") + "\n"
}

func deduplicate(domains []string) []string {
	seen := make(map[string]bool)
	var result []string
	for _, domain := range domains {
		if !seen[domain] {
			seen[domain] = true
			result = append(result, domain)
		}
	}
	return result
}
