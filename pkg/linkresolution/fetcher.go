package linkresolution

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/net/http2"
)

const (
	// DefaultFetchTimeout bounds a single hop of a redirect chain
	DefaultFetchTimeout = 15 * time.Second

	// DefaultUserAgent is sent when no user agent is configured
	DefaultUserAgent = "Mozilla/5.0 (compatible; webscience-link-resolver/1.0)"
)

// Response is the part of an HTTP response the resolver looks at.
type Response struct {
	StatusCode int
	Header     http.Header
}

// Fetcher issues one request without following redirects.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*Response, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, url string) (*Response, error)

// Fetch calls f.
func (f FetcherFunc) Fetch(ctx context.Context, url string) (*Response, error) {
	return f(ctx, url)
}

// HTTPFetcher fetches with net/http and never follows redirects, so every hop of
// a chain is visible to the resolver.
type HTTPFetcher struct {
	client    *http.Client
	userAgent string
	method    string
}

// FetcherOption configures an HTTPFetcher.
type FetcherOption func(*HTTPFetcher)

// WithTimeout sets the per-hop timeout.
func WithTimeout(d time.Duration) FetcherOption {
	return func(f *HTTPFetcher) { f.client.Timeout = d }
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) FetcherOption {
	return func(f *HTTPFetcher) { f.userAgent = ua }
}

// WithMethod sets the request method. GET is the default because several
// shorteners answer HEAD with 405.
func WithMethod(method string) FetcherOption {
	return func(f *HTTPFetcher) { f.method = method }
}

// WithHTTPClient replaces the client. Its redirect policy is overridden.
func WithHTTPClient(c *http.Client) FetcherOption {
	return func(f *HTTPFetcher) {
		clone := *c
		f.client = &clone
	}
}

// NewHTTPFetcher creates a fetcher with HTTP/2 enabled over TLS.
func NewHTTPFetcher(opts ...FetcherOption) (*HTTPFetcher, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if err := http2.ConfigureTransport(transport); err != nil {
		return nil, fmt.Errorf("failed to configure http2 transport: %w", err)
	}

	f := &HTTPFetcher{
		client: &http.Client{
			Transport: transport,
			Timeout:   DefaultFetchTimeout,
		},
		userAgent: DefaultUserAgent,
		method:    http.MethodGet,
	}
	for _, opt := range opts {
		opt(f)
	}
	f.client.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return f, nil
}

// Fetch requests url once and returns its status and headers. The body is discarded.
func (f *HTTPFetcher) Fetch(ctx context.Context, url string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, f.method, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	// drain a little so keep-alive connections can be reused
	_, _ = io.CopyN(io.Discard, resp.Body, 4096)

	return &Response{StatusCode: resp.StatusCode, Header: resp.Header}, nil
}

// CloseIdleConnections closes idle keep-alive connections.
func (f *HTTPFetcher) CloseIdleConnections() {
	f.client.CloseIdleConnections()
}
