// Package matching compiles study domain lists into URL matchers.
//
// A study is usually scoped by a list of domains such as "nytimes.com". The same
// list drives two things: a regular expression used by background logic to decide
// whether a URL belongs to the study, and WebExtensions match patterns used to
// scope content-script injection. Both are generated independently from the list.
package matching

import (
	"fmt"
	"regexp"
	"strings"
)

// matchNothing never matches: an empty alternation would match everything.
const matchNothing = `a^`

// DomainMatcher tests whether a URL's hostname equals or is a subdomain of one of
// a set of domains. Only http and https URLs match.
type DomainMatcher struct {
	domains []string
	re      *regexp.Regexp
}

// NewDomainMatcher compiles domains into a single matcher. Domains are trimmed,
// lowercased and de-duplicated; blank entries are ignored. An empty list yields a
// matcher that matches nothing.
func NewDomainMatcher(domains []string) (*DomainMatcher, error) {
	cleaned := normalizeDomains(domains)

	re, err := regexp.Compile(DomainRegexString(cleaned))
	if err != nil {
		return nil, fmt.Errorf("failed to compile domain matcher: %w", err)
	}

	return &DomainMatcher{domains: cleaned, re: re}, nil
}

// MustDomainMatcher is NewDomainMatcher for static domain lists; it panics on error.
func MustDomainMatcher(domains []string) *DomainMatcher {
	m, err := NewDomainMatcher(domains)
	if err != nil {
		panic(err)
	}
	return m
}

// DomainRegexString builds the combined expression for domains without compiling it.
// Metacharacters in domain literals are escaped.
func DomainRegexString(domains []string) string {
	if len(domains) == 0 {
		return matchNothing
	}

	escaped := make([]string, 0, len(domains))
	for _, d := range domains {
		escaped = append(escaped, regexp.QuoteMeta(d))
	}

	// scheme, optional userinfo, optional subdomain labels, domain, then port/path/query/fragment or end.
	// Browsers read a backslash in an http(s) authority as the start of the path.
	return `(?i)^https?://(?:[^/?#@\\]*@)?(?:[^/?#:@\\]+\.)?(?:` +
		strings.Join(escaped, "|") +
		`)\.?(?::\d+)?(?:[/?#\\]|$)`
}

// MatchString reports whether rawURL belongs to one of the matcher's domains.
func (m *DomainMatcher) MatchString(rawURL string) bool {
	if m == nil {
		return false
	}
	return m.re.MatchString(rawURL)
}

// Domains returns the normalized domain list.
func (m *DomainMatcher) Domains() []string {
	out := make([]string, len(m.domains))
	copy(out, m.domains)
	return out
}

// Empty reports whether the matcher has no domains.
func (m *DomainMatcher) Empty() bool {
	return m == nil || len(m.domains) == 0
}

// HostMatches reports whether host equals domain or is a subdomain of it.
// It is the reference predicate the compiled expression implements.
func HostMatches(host, domain string) bool {
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	domain = strings.ToLower(domain)
	return host == domain || strings.HasSuffix(host, "."+domain)
}

func normalizeDomains(domains []string) []string {
	seen := make(map[string]bool, len(domains))
	out := make([]string, 0, len(domains))
	for _, d := range domains {
		d = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(d)), ".")
		if d == "" || seen[d] {
			continue
		}
		seen[d] = true
		out = append(out, d)
	}
	return out
}
