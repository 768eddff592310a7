package matching

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/gobwas/glob"
)

// AllURLs is the WebExtensions pattern that matches every supported URL.
const AllURLs = "<all_urls>"

// MatchPatterns generates WebExtensions match patterns for domains: one pattern
// for the bare domain and one for any subdomain, both scheme-agnostic.
func MatchPatterns(domains []string) []string {
	cleaned := normalizeDomains(domains)
	patterns := make([]string, 0, len(cleaned)*2)
	for _, d := range cleaned {
		patterns = append(patterns, "*://"+d+"/*", "*://*."+d+"/*")
	}
	return patterns
}

// matchPattern is one compiled "<scheme>://<host>/<path>" pattern.
type matchPattern struct {
	raw    string
	scheme glob.Glob
	host   glob.Glob
	// bareHost is set for "*.example.com", which also matches "example.com"
	bareHost string
	path     glob.Glob
}

// MatchPatternSet evaluates URLs against WebExtensions match patterns.
type MatchPatternSet struct {
	patterns []matchPattern
	all      bool
}

// CompileMatchPatterns compiles patterns. Invalid patterns are reported with the
// offending entry.
func CompileMatchPatterns(patterns []string) (*MatchPatternSet, error) {
	set := &MatchPatternSet{}
	for _, p := range patterns {
		if p == AllURLs {
			set.all = true
			continue
		}
		mp, err := compileMatchPattern(p)
		if err != nil {
			return nil, fmt.Errorf("invalid match pattern '%s': %w", p, err)
		}
		set.patterns = append(set.patterns, mp)
	}
	return set, nil
}

func compileMatchPattern(p string) (matchPattern, error) {
	mp := matchPattern{raw: p}

	scheme, rest, ok := strings.Cut(p, "://")
	if !ok {
		return mp, fmt.Errorf("missing scheme separator")
	}
	switch scheme {
	case "*":
		scheme = "{http,https,ws,wss}"
	case "http", "https", "ws", "wss", "ftp", "file":
	default:
		return mp, fmt.Errorf("unsupported scheme %q", scheme)
	}

	host, path, ok := strings.Cut(rest, "/")
	if !ok {
		return mp, fmt.Errorf("missing path")
	}
	path = "/" + path

	var err error
	if mp.scheme, err = glob.Compile(scheme); err != nil {
		return mp, err
	}

	host = strings.ToLower(host)
	switch {
	case host == "*":
		mp.host, err = glob.Compile("*")
	case strings.HasPrefix(host, "*."):
		mp.bareHost = host[2:]
		if strings.Contains(mp.bareHost, "*") {
			return mp, fmt.Errorf("wildcard only allowed as first host label")
		}
		// '.' is a separator, so "**." spans any number of labels
		mp.host, err = glob.Compile("**."+glob.QuoteMeta(mp.bareHost), '.')
	case strings.Contains(host, "*"):
		return mp, fmt.Errorf("wildcard only allowed as first host label")
	default:
		mp.host, err = glob.Compile(glob.QuoteMeta(host))
	}
	if err != nil {
		return mp, err
	}

	if mp.path, err = glob.Compile(quoteExceptStar(path)); err != nil {
		return mp, err
	}
	return mp, nil
}

func (mp matchPattern) matches(u *url.URL) bool {
	if !mp.scheme.Match(u.Scheme) {
		return false
	}
	host := strings.ToLower(u.Hostname())
	if !(mp.host.Match(host) || (mp.bareHost != "" && host == mp.bareHost)) {
		return false
	}
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}
	return mp.path.Match(path)
}

// Match reports whether rawURL matches any pattern in the set.
func (s *MatchPatternSet) Match(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" {
		return false
	}
	u.Scheme = strings.ToLower(u.Scheme)
	if s.all {
		switch u.Scheme {
		case "http", "https", "ws", "wss", "ftp", "file", "data":
			return true
		}
	}
	for _, p := range s.patterns {
		if p.matches(u) {
			return true
		}
	}
	return false
}

// Patterns returns the source patterns.
func (s *MatchPatternSet) Patterns() []string {
	out := make([]string, 0, len(s.patterns)+1)
	if s.all {
		out = append(out, AllURLs)
	}
	for _, p := range s.patterns {
		out = append(out, p.raw)
	}
	return out
}

// quoteExceptStar escapes glob syntax so that '*' is the only wildcard, as in
// WebExtensions match patterns.
func quoteExceptStar(s string) string {
	parts := strings.Split(s, "*")
	for i, part := range parts {
		parts[i] = glob.QuoteMeta(part)
	}
	return strings.Join(parts, "*")
}
