package linkresolution

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/entrhq/webscience/pkg/events"
	"github.com/entrhq/webscience/pkg/logging"
	"github.com/entrhq/webscience/pkg/types"
	"github.com/google/uuid"
)

// DefaultMaxHops bounds the number of redirects followed for one URL.
const DefaultMaxHops = 20

// Result is a resolved URL.
type Result struct {
	Source      string `json:"source"`
	Destination string `json:"destination"`
}

// waiter is one Resolve call blocked on a chain.
type waiter struct {
	source string
	origin string // chain the waiter is attached to; updated when chains merge
	ch     chan outcome
}

type outcome struct {
	result Result
	err    error
}

// chain is the walk state for one origin URL. Exactly one hop is in flight.
type chain struct {
	origin    string
	current   string
	requestID string
	hops      int
	ctx       context.Context
	cancel    context.CancelFunc
}

// Resolver follows HTTP redirect chains to their final destination.
//
// All state lives on the Resolver: the tracked URL set, the redirect edges
// (child → parent) and the pending waiters per origin URL. Responses reach the
// resolver as network events on its Network subject, through two listeners
// installed by Initialize.
type Resolver struct {
	fetcher Fetcher
	logger  *logging.Logger
	maxHops int

	network *events.Subject[types.NetworkEvent]
	group   events.Group

	baseCtx    context.Context
	cancelBase context.CancelFunc
	wg         sync.WaitGroup

	mu          sync.Mutex
	initialized bool
	closed      bool
	chains      map[string]*chain    // origin → walk state
	parents     map[string]string    // child URL → parent URL
	tracked     map[string]string    // every chain URL → origin
	pending     map[string][]*waiter // origin → waiters
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithFetcher sets the fetcher used for every hop.
func WithFetcher(f Fetcher) Option {
	return func(r *Resolver) { r.fetcher = f }
}

// WithLogger sets the resolver logger.
func WithLogger(l *logging.Logger) Option {
	return func(r *Resolver) { r.logger = l }
}

// WithMaxHops sets the redirect limit. Values below 1 keep the default.
func WithMaxHops(n int) Option {
	return func(r *Resolver) {
		if n > 0 {
			r.maxHops = n
		}
	}
}

// WithNetworkSubject makes the resolver listen on a shared network subject, for
// hosts that publish their own network events.
func WithNetworkSubject(s *events.Subject[types.NetworkEvent]) Option {
	return func(r *Resolver) { r.network = s }
}

// NewResolver creates a resolver. Without WithFetcher it uses an HTTPFetcher
// with default settings.
func NewResolver(opts ...Option) (*Resolver, error) {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Resolver{
		maxHops:    DefaultMaxHops,
		baseCtx:    ctx,
		cancelBase: cancel,
		chains:     make(map[string]*chain),
		parents:    make(map[string]string),
		tracked:    make(map[string]string),
		pending:    make(map[string][]*waiter),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.fetcher == nil {
		f, err := NewHTTPFetcher()
		if err != nil {
			cancel()
			return nil, err
		}
		r.fetcher = f
	}
	if r.network == nil {
		r.network = events.NewSubject[types.NetworkEvent]("linkresolution.network")
	}
	r.logger = logging.OrNop(r.logger)
	return r, nil
}

// Network returns the subject the resolver listens on.
func (r *Resolver) Network() *events.Subject[types.NetworkEvent] {
	return r.network
}

// Initialize installs the response-headers and error listeners. It is called
// by Resolve on first use and is safe to call more than once.
func (r *Resolver) Initialize() {
	r.mu.Lock()
	if r.initialized || r.closed {
		r.mu.Unlock()
		return
	}
	r.initialized = true
	r.mu.Unlock()

	r.group.Add(r.network.SubscribeFiltered(r.onHeadersReceived, func(ev types.NetworkEvent) bool {
		return ev.Type == types.NetworkEventResponseHeadersReceived && r.isTracked(ev)
	}))
	r.group.Add(r.network.SubscribeFiltered(r.onError, func(ev types.NetworkEvent) bool {
		return ev.Type == types.NetworkEventError && r.isTracked(ev)
	}))
}

// isTracked reports whether ev is the answer to a hop currently in flight.
// Events without a request ID (host-observed traffic) are matched by URL alone.
func (r *Resolver) isTracked(ev types.NetworkEvent) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, c := r.chainForLocked(ev)
	return c != nil
}

func (r *Resolver) chainForLocked(ev types.NetworkEvent) (string, *chain) {
	origin, ok := r.tracked[ev.URL]
	if !ok {
		return "", nil
	}
	c := r.chains[origin]
	if c == nil || c.current != ev.URL {
		return "", nil
	}
	if ev.RequestID != "" && ev.RequestID != c.requestID {
		return "", nil
	}
	return origin, c
}

// Resolve follows rawURL's redirect chain and returns its final destination.
// Concurrent calls for a URL that is already being resolved share the same
// chain. Failures are *ResolutionError values.
func (r *Resolver) Resolve(ctx context.Context, rawURL string) (Result, error) {
	if !isAbsoluteHTTP(rawURL) {
		return Result{}, &ResolutionError{Kind: KindInvalidURL, URL: rawURL}
	}
	r.Initialize()

	w := &waiter{source: rawURL, ch: make(chan outcome, 1)}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return Result{}, &ResolutionError{Kind: KindClosed, URL: rawURL}
	}
	if origin, ok := r.tracked[rawURL]; ok {
		w.origin = origin
		r.pending[origin] = append(r.pending[origin], w)
		r.logger.Debugf("joining in-flight resolution of %s for %s", origin, rawURL)
	} else {
		cctx, cancel := context.WithCancel(r.baseCtx)
		c := &chain{origin: rawURL, ctx: cctx, cancel: cancel}
		w.origin = rawURL
		r.chains[rawURL] = c
		r.tracked[rawURL] = rawURL
		r.pending[rawURL] = []*waiter{w}
		r.startHopLocked(c, rawURL)
	}
	r.mu.Unlock()

	select {
	case out := <-w.ch:
		return out.result, out.err
	case <-ctx.Done():
		r.removeWaiter(w)
		// the chain may have finished while we were removing ourselves
		select {
		case out := <-w.ch:
			return out.result, out.err
		default:
		}
		return Result{}, &ResolutionError{Kind: KindCanceled, URL: rawURL, Err: ctx.Err()}
	}
}

// startHopLocked issues the fetch for target. The outcome comes back as a
// network event.
func (r *Resolver) startHopLocked(c *chain, target string) {
	c.current = target
	c.requestID = uuid.New().String()
	requestID := c.requestID
	ctx := c.ctx

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		resp, err := r.fetcher.Fetch(ctx, target)
		if err != nil {
			r.network.Publish(types.NewNetworkErrorEvent(requestID, target, err))
			return
		}
		r.network.Publish(types.NewResponseHeadersEvent(requestID, target, resp.StatusCode, resp.Header))
	}()
}

func (r *Resolver) onHeadersReceived(ev types.NetworkEvent) {
	r.mu.Lock()
	origin, c := r.chainForLocked(ev)
	if c == nil {
		r.mu.Unlock()
		return
	}

	location := headerValue(ev.Header, "Location")
	if location == "" {
		if isRedirectStatus(ev.StatusCode) {
			r.finishLocked(c, ev.URL, outcome{err: &ResolutionError{Kind: KindMissingLocation, FailedURL: ev.URL}})
		} else {
			r.finishLocked(c, ev.URL, outcome{result: Result{Destination: ev.URL}})
		}
		return
	}

	next, err := resolveLocation(ev.URL, location)
	if err != nil {
		r.finishLocked(c, ev.URL, outcome{err: &ResolutionError{Kind: KindMalformedLocation, FailedURL: ev.URL, Err: err}})
		return
	}
	if next == ev.URL {
		r.finishLocked(c, ev.URL, outcome{result: Result{Destination: ev.URL}})
		return
	}

	if owner, seen := r.tracked[next]; seen {
		if owner == origin {
			r.finishLocked(c, ev.URL, outcome{err: &ResolutionError{Kind: KindCycle, FailedURL: next}})
			return
		}
		r.mergeLocked(c, owner)
		return
	}

	c.hops++
	if c.hops > r.maxHops {
		r.finishLocked(c, ev.URL, outcome{err: &ResolutionError{Kind: KindTooManyHops, FailedURL: ev.URL}})
		return
	}

	r.parents[next] = ev.URL
	r.tracked[next] = origin
	r.startHopLocked(c, next)
	r.mu.Unlock()
}

func (r *Resolver) onError(ev types.NetworkEvent) {
	r.mu.Lock()
	_, c := r.chainForLocked(ev)
	if c == nil {
		r.mu.Unlock()
		return
	}
	r.logger.Debugf("network error resolving %s at %s: %v", c.origin, ev.URL, ev.Err)
	r.finishLocked(c, ev.URL, outcome{err: &ResolutionError{Kind: KindNetwork, FailedURL: ev.URL, Err: ev.Err}})
}

// finishLocked tears the chain down and answers its waiters. It backtracks from
// last to the origin, removing every edge and tracked URL on the way.
// It releases r.mu.
func (r *Resolver) finishLocked(c *chain, last string, out outcome) {
	waiters := r.teardownLocked(c, last)
	r.mu.Unlock()

	for _, w := range waiters {
		o := out
		if o.err != nil {
			if re, ok := o.err.(*ResolutionError); ok {
				cp := *re
				cp.URL = w.source
				o.err = &cp
			}
		} else {
			o.result.Source = w.source
		}
		w.ch <- o
	}
}

func (r *Resolver) teardownLocked(c *chain, last string) []*waiter {
	node := last
	for steps := 0; node != c.origin && steps <= r.maxHops+1; steps++ {
		parent, ok := r.parents[node]
		delete(r.parents, node)
		delete(r.tracked, node)
		if !ok {
			break
		}
		node = parent
	}
	delete(r.tracked, c.origin)
	delete(r.chains, c.origin)
	waiters := r.pending[c.origin]
	delete(r.pending, c.origin)
	c.cancel()
	return waiters
}

// mergeLocked hands c's waiters to the chain owning the URL c just redirected to,
// which leads to the same destination. It releases r.mu.
func (r *Resolver) mergeLocked(c *chain, owner string) {
	waiters := r.teardownLocked(c, c.current)
	for _, w := range waiters {
		w.origin = owner
	}
	r.pending[owner] = append(r.pending[owner], waiters...)
	r.logger.Debugf("redirect chain of %s merged into %s", c.origin, owner)
	r.mu.Unlock()
}

// removeWaiter detaches a waiter whose caller gave up. A chain nobody waits for
// any more is abandoned and its in-flight fetch canceled.
func (r *Resolver) removeWaiter(w *waiter) {
	r.mu.Lock()
	defer r.mu.Unlock()

	list := r.pending[w.origin]
	for i, other := range list {
		if other == w {
			list = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(list) > 0 {
		r.pending[w.origin] = list
		return
	}
	if c := r.chains[w.origin]; c != nil {
		r.teardownLocked(c, c.current)
	}
}

// Close rejects every in-flight resolution with KindClosed, removes the network
// listeners and waits for outstanding fetches to return.
func (r *Resolver) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	var answers []func()
	for _, c := range r.chains {
		waiters := r.teardownLocked(c, c.current)
		for _, w := range waiters {
			w := w
			answers = append(answers, func() {
				w.ch <- outcome{err: &ResolutionError{Kind: KindClosed, URL: w.source}}
			})
		}
	}
	r.mu.Unlock()

	for _, answer := range answers {
		answer()
	}
	r.group.Close()
	r.cancelBase()
	r.wg.Wait()
	if ic, ok := r.fetcher.(interface{ CloseIdleConnections() }); ok {
		ic.CloseIdleConnections()
	}
	return nil
}

// State is a snapshot of the resolver's bookkeeping, for diagnostics and tests.
type State struct {
	Chains  int
	Edges   int
	Tracked int
	Pending int
}

// Snapshot returns the current bookkeeping sizes.
func (r *Resolver) Snapshot() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	pending := 0
	for _, ws := range r.pending {
		pending += len(ws)
	}
	return State{
		Chains:  len(r.chains),
		Edges:   len(r.parents),
		Tracked: len(r.tracked),
		Pending: pending,
	}
}

// headerValue looks a header up case-insensitively, also for header maps that
// were not built with canonical keys.
func headerValue(h http.Header, name string) string {
	if v := h.Get(name); v != "" {
		return v
	}
	for k, vs := range h {
		if strings.EqualFold(k, name) && len(vs) > 0 {
			return vs[0]
		}
	}
	return ""
}

func isRedirectStatus(code int) bool {
	switch code {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

// resolveLocation resolves a possibly relative Location header against base.
func resolveLocation(base, location string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	ref, err := url.Parse(strings.TrimSpace(location))
	if err != nil {
		return "", err
	}
	next := b.ResolveReference(ref)
	if next.Scheme != "http" && next.Scheme != "https" {
		return "", &url.Error{Op: "redirect", URL: next.String(), Err: errUnsupportedScheme}
	}
	return next.String(), nil
}

func isAbsoluteHTTP(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
