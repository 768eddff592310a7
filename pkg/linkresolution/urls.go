package linkresolution

import (
	"context"
	"net/url"
	"strings"

	"github.com/entrhq/webscience/pkg/matching"
)

// ShortenerDomains lists URL shortening services whose links need resolving
// before they can be attributed to a destination.
var ShortenerDomains = []string{
	"bit.ly", "bitly.com", "buff.ly", "dlvr.it", "fb.me", "goo.gl", "ift.tt",
	"is.gd", "j.mp", "lnkd.in", "ow.ly", "po.st", "rb.gy", "rebrand.ly",
	"shorturl.at", "t.co", "t.ly", "tiny.cc", "tinyurl.com", "trib.al",
	"wp.me", "youtu.be", "amzn.to", "apple.co", "cutt.ly", "dld.bz",
	"flip.it", "hubs.ly", "mol.im", "nyti.ms", "reut.rs", "wapo.st",
	"cnn.it", "bbc.in", "econ.st", "on.wsj.com", "politi.co", "n.pr",
}

var shortenerMatcher = matching.MustDomainMatcher(ShortenerDomains)

// IsShortenedURL reports whether rawURL is on a known URL shortener.
func IsShortenedURL(rawURL string) bool {
	return shortenerMatcher.MatchString(rawURL)
}

// ParseAMPURL returns the publisher URL behind a Google AMP cache or AMP viewer
// URL. The second result is false when rawURL is not an AMP URL.
//
//	https://www-example-com.cdn.ampproject.org/c/s/www.example.com/a → https://www.example.com/a
//	https://www.google.com/amp/s/www.example.com/a               → https://www.example.com/a
func ParseAMPURL(rawURL string) (string, bool) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", false
	}
	host := strings.ToLower(u.Hostname())
	path := u.EscapedPath()

	var rest string
	switch {
	case strings.HasSuffix(host, ".cdn.ampproject.org"):
		// /c/s/<host>/<path> or /v/s/..., /i/s/... for images; "s" marks https
		parts := strings.SplitN(strings.TrimPrefix(path, "/"), "/", 2)
		if len(parts) != 2 || len(parts[0]) != 1 {
			return "", false
		}
		rest = parts[1]
	case matching.HostMatches(host, "google.com") && strings.HasPrefix(path, "/amp/"):
		rest = strings.TrimPrefix(path, "/amp/")
	default:
		return "", false
	}

	scheme := "http"
	if strings.HasPrefix(rest, "s/") {
		scheme = "https"
		rest = strings.TrimPrefix(rest, "s/")
	}
	if rest == "" {
		return "", false
	}
	publisher := scheme + "://" + rest
	if u.RawQuery != "" {
		publisher += "?" + u.RawQuery
	}
	if !matching.IsHTTP(publisher) {
		return "", false
	}
	return publisher, true
}

// UnwrapSocialURL extracts the target of a link-tracking wrapper used by social
// platforms and search engines (facebook l.php, reddit out, google /url).
// The second result is false when rawURL is not a known wrapper.
func UnwrapSocialURL(rawURL string) (string, bool) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", false
	}
	host := strings.ToLower(u.Hostname())
	q := u.Query()

	var target string
	switch {
	case (host == "l.facebook.com" || host == "lm.facebook.com" || host == "l.messenger.com") && u.Path == "/l.php":
		target = q.Get("u")
	case host == "out.reddit.com":
		target = q.Get("url")
	case matching.HostMatches(host, "google.com") && u.Path == "/url":
		target = q.Get("q")
		if target == "" {
			target = q.Get("url")
		}
	case host == "www.youtube.com" && u.Path == "/redirect":
		target = q.Get("q")
	default:
		return "", false
	}

	if !matching.IsHTTP(target) {
		return "", false
	}
	return target, true
}

// ResolveIfNeeded unwraps social wrappers and AMP URLs locally and only goes to
// the network for shortened URLs. Source in the result is always rawURL.
func (r *Resolver) ResolveIfNeeded(ctx context.Context, rawURL string) (Result, error) {
	current := rawURL
	if target, ok := UnwrapSocialURL(current); ok {
		current = target
	}
	if publisher, ok := ParseAMPURL(current); ok {
		current = publisher
	}
	if IsShortenedURL(current) {
		res, err := r.Resolve(ctx, current)
		if err != nil {
			return Result{}, err
		}
		current = res.Destination
		if publisher, ok := ParseAMPURL(current); ok {
			current = publisher
		}
	}
	return Result{Source: rawURL, Destination: current}, nil
}
