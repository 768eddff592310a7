package socialsharing

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/entrhq/webscience/pkg/matching"
	"github.com/entrhq/webscience/pkg/types"
	"github.com/tidwall/gjson"
)

// Platform names a social media service whose share requests are detected.
type Platform string

const (
	PlatformFacebook Platform = "facebook"
	PlatformTwitter  Platform = "twitter"
	PlatformReddit   Platform = "reddit"
	PlatformLinkedIn Platform = "linkedin"
)

// endpoint describes how one platform's share request carries the shared URL.
type endpoint struct {
	platform Platform
	patterns *matching.MatchPatternSet

	// params are query or form keys, in preference order
	params []string

	// bodyPaths are gjson paths into JSON request bodies
	bodyPaths []string
}

var endpoints = []endpoint{
	{
		platform: PlatformFacebook,
		patterns: mustPatterns(
			"*://*.facebook.com/sharer/sharer.php*",
			"*://*.facebook.com/sharer.php*",
			"*://*.facebook.com/dialog/share*",
			"*://*.facebook.com/dialog/feed*",
		),
		params: []string{"u", "href", "link"},
	},
	{
		platform: PlatformTwitter,
		patterns: mustPatterns(
			"*://*.twitter.com/intent/tweet*",
			"*://*.twitter.com/share*",
			"*://*.x.com/intent/tweet*",
			"*://*.x.com/intent/post*",
		),
		params: []string{"url", "text"},
	},
	{
		platform: PlatformReddit,
		patterns: mustPatterns(
			"*://*.reddit.com/submit*",
			"*://*.reddit.com/api/submit*",
		),
		params:    []string{"url"},
		bodyPaths: []string{"url", "variables.input.content.url", "variables.input.url"},
	},
	{
		platform: PlatformLinkedIn,
		patterns: mustPatterns(
			"*://*.linkedin.com/sharing/share-offsite*",
			"*://*.linkedin.com/shareArticle*",
			"*://*.linkedin.com/cws/share*",
		),
		params: []string{"url"},
	},
}

func mustPatterns(patterns ...string) *matching.MatchPatternSet {
	set, err := matching.CompileMatchPatterns(patterns)
	if err != nil {
		panic(err)
	}
	return set
}

// Platforms returns every platform with known share endpoints.
func Platforms() []Platform {
	out := make([]Platform, 0, len(endpoints))
	for _, e := range endpoints {
		out = append(out, e.platform)
	}
	return out
}

// ParsePlatforms converts configured names to platforms. An empty list selects
// every known platform.
func ParsePlatforms(names []string) ([]Platform, error) {
	if len(names) == 0 {
		return Platforms(), nil
	}
	known := make(map[Platform]bool, len(endpoints))
	for _, e := range endpoints {
		known[e.platform] = true
	}
	out := make([]Platform, 0, len(names))
	for _, n := range names {
		p := Platform(strings.ToLower(strings.TrimSpace(n)))
		if p == "x" {
			p = PlatformTwitter
		}
		if !known[p] {
			return nil, fmt.Errorf("unknown social platform: %s", n)
		}
		out = append(out, p)
	}
	return out, nil
}

// Detect reports whether ev is a share request and returns the platform and
// the shared URL.
func Detect(ev types.NetworkEvent) (Platform, string, bool) {
	if ev.Type != types.NetworkEventBeforeRequest {
		return "", "", false
	}
	for _, e := range endpoints {
		if !e.patterns.Match(ev.URL) {
			continue
		}
		if shared, ok := e.sharedURL(ev); ok {
			return e.platform, shared, true
		}
		return "", "", false
	}
	return "", "", false
}

func (e endpoint) sharedURL(ev types.NetworkEvent) (string, bool) {
	if u, err := url.Parse(ev.URL); err == nil {
		if v, ok := firstURL(u.Query(), e.params); ok {
			return v, true
		}
	}
	if v, ok := firstURL(ev.FormData, e.params); ok {
		return v, true
	}
	if len(ev.Body) == 0 {
		return "", false
	}
	if gjson.ValidBytes(ev.Body) {
		for _, path := range e.bodyPaths {
			if v := gjson.GetBytes(ev.Body, path); v.Type == gjson.String {
				if found, ok := findURL(v.Str); ok {
					return found, true
				}
			}
		}
		return "", false
	}
	if form, err := url.ParseQuery(string(ev.Body)); err == nil {
		return firstURL(form, e.params)
	}
	return "", false
}

func firstURL(values map[string][]string, keys []string) (string, bool) {
	for _, k := range keys {
		for _, v := range values[k] {
			if found, ok := findURL(v); ok {
				return found, true
			}
		}
	}
	return "", false
}

// findURL returns s when it is an http(s) URL, or the first such URL in free
// text such as a tweet body.
func findURL(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if matching.IsHTTP(s) {
		return s, true
	}
	for _, field := range strings.Fields(s) {
		if matching.IsHTTP(field) {
			return field, true
		}
	}
	return "", false
}
