package browser

import (
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/entrhq/webscience/pkg/matching"
	"github.com/entrhq/webscience/pkg/types"
)

// visitTracker follows the main-frame document of one tab and turns its
// navigations into page visit events.
type visitTracker struct {
	tab    types.TabID
	pageID string
	url    string
	newID  func() string
}

// navigated handles a main-frame navigation to rawURL. Same-document
// navigations (fragment changes) keep the current visit.
func (v *visitTracker) navigated(rawURL string, now time.Time) []types.BrowserEvent {
	if v.pageID != "" && stripFragment(rawURL) == stripFragment(v.url) {
		v.url = rawURL
		return nil
	}

	var out []types.BrowserEvent
	if v.pageID != "" {
		out = append(out, types.NewPageVisitStopEvent(v.tab, v.pageID, now))
		v.pageID = ""
	}

	referrer := ""
	if matching.IsHTTP(v.url) {
		referrer = v.url
	}
	v.url = rawURL
	if !matching.IsHTTP(rawURL) {
		return out
	}
	v.pageID = v.newID()
	return append(out, types.NewPageVisitStartEvent(v.tab, WindowID, v.pageID, rawURL, referrer, now))
}

func stripFragment(rawURL string) string {
	if i := strings.IndexByte(rawURL, '#'); i >= 0 {
		return rawURL[:i]
	}
	return rawURL
}

// beforeRequestEvent builds the before-request event of an outgoing request.
// URL-encoded form bodies are also decoded into FormData.
func beforeRequestEvent(requestID, method, rawURL string, tab types.TabID, headers map[string]string, body []byte, now time.Time) types.NetworkEvent {
	var form map[string][]string
	if len(body) > 0 {
		if mediaType, _, err := mime.ParseMediaType(headerValue(headers, "Content-Type")); err == nil && mediaType == "application/x-www-form-urlencoded" {
			if values, err := url.ParseQuery(string(body)); err == nil {
				form = values
			}
		}
	}
	ev := types.NewBeforeRequestEvent(requestID, method, rawURL, tab, form, body)
	ev.Timestamp = now
	return ev
}

// responseEvent builds the response-headers event of a request.
func responseEvent(requestID, rawURL string, tab types.TabID, status int, headers map[string]string, now time.Time) types.NetworkEvent {
	h := make(http.Header, len(headers))
	for k, v := range headers {
		h.Add(k, v)
	}
	ev := types.NewResponseHeadersEvent(requestID, rawURL, status, h)
	ev.TabID = tab
	ev.Timestamp = now
	return ev
}

// headerValue looks up name in Playwright's lowercased header map.
func headerValue(headers map[string]string, name string) string {
	if v, ok := headers[strings.ToLower(name)]; ok {
		return v
	}
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}
