// Package socialsharing detects when a user shares a link to a study domain
// on a social media platform. Share requests are recognized from outgoing
// network traffic; the shared URL is resolved like any other link before it
// is matched against the study domains.
package socialsharing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/entrhq/webscience/pkg/events"
	"github.com/entrhq/webscience/pkg/linkresolution"
	"github.com/entrhq/webscience/pkg/logging"
	"github.com/entrhq/webscience/pkg/matching"
	"github.com/entrhq/webscience/pkg/storage"
	"github.com/entrhq/webscience/pkg/types"
)

// ModuleName is the storage namespace suffix of share records.
const ModuleName = "socialSharing"

// Share is a stored share event.
type Share struct {
	ID       int64       `json:"id"`
	Platform Platform    `json:"platform"`
	TabID    types.TabID `json:"tabId"`

	// OriginalURL is the URL in the share request; URL is its destination.
	OriginalURL     string `json:"originalUrl"`
	URL             string `json:"url"`
	ResolutionError string `json:"resolutionError,omitempty"`

	ShareTime time.Time `json:"shareTime"`
}

// Resolver finds the destination of a possibly shortened link.
type Resolver interface {
	ResolveIfNeeded(ctx context.Context, rawURL string) (linkresolution.Result, error)
}

// Study records shares of study-domain links.
type Study struct {
	logger    *logging.Logger
	store     *storage.KeyValueStorage
	counter   *storage.Counter
	matcher   *matching.DomainMatcher
	resolver  Resolver
	platforms map[Platform]bool
	now       func() time.Time

	shares *events.Subject[Share]

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// Option configures a Study.
type Option func(*options)

type options struct {
	logger    *logging.Logger
	prefix    string
	resolver  Resolver
	platforms []string
	now       func() time.Time
}

// WithLogger sets the study logger.
func WithLogger(l *logging.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithStudyName namespaces records under the study name.
func WithStudyName(name string) Option {
	return func(o *options) { o.prefix = name }
}

// WithResolver enables resolution of shortened shared links.
func WithResolver(r Resolver) Option {
	return func(o *options) { o.resolver = r }
}

// WithPlatforms limits detection to the named platforms.
func WithPlatforms(names []string) Option {
	return func(o *options) { o.platforms = names }
}

// WithClock sets the time source for requests without a timestamp.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// New creates the social sharing module recording shares of links to domains.
func New(backend storage.Backend, domains []string, opts ...Option) (*Study, error) {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	platforms, err := ParsePlatforms(o.platforms)
	if err != nil {
		return nil, err
	}
	matcher, err := matching.NewDomainMatcher(domains)
	if err != nil {
		return nil, fmt.Errorf("failed to build share domain matcher: %w", err)
	}

	ns := ModuleName
	if o.prefix != "" {
		ns = o.prefix + "." + ModuleName
	}
	s := &Study{
		logger:    logging.OrNop(o.logger),
		store:     storage.New(backend, ns),
		counter:   storage.NewCounter(backend, ns+".nextShareId"),
		matcher:   matcher,
		resolver:  o.resolver,
		platforms: make(map[Platform]bool, len(platforms)),
		now:       o.now,
		shares:    events.NewSubject[Share]("socialSharing.share"),
	}
	for _, p := range platforms {
		s.platforms[p] = true
	}
	return s, nil
}

// Namespace returns the storage namespace of the records.
func (s *Study) Namespace() string {
	return s.store.Namespace()
}

// OnShare registers a listener for every stored share.
func (s *Study) OnShare(l events.Listener[Share]) events.Unsubscribe {
	return s.shares.Subscribe(l)
}

// Attach handles share requests published on network. Each share is
// processed in its own goroutine bound to ctx; Wait blocks until they finish.
func (s *Study) Attach(ctx context.Context, network *events.Subject[types.NetworkEvent]) events.Unsubscribe {
	return network.SubscribeFiltered(func(ev types.NetworkEvent) {
		if !s.track() {
			return
		}
		go func() {
			defer s.wg.Done()
			if _, err := s.HandleRequest(ctx, ev); err != nil && ctx.Err() == nil {
				s.logger.Errorf("failed to record share from tab %d: %v", ev.TabID, err)
			}
		}()
	}, s.isShare)
}

// isShare reports whether ev is a share request on an enabled platform.
func (s *Study) isShare(ev types.NetworkEvent) bool {
	platform, _, ok := Detect(ev)
	return ok && s.platforms[platform]
}

// track counts one more request for Wait, unless Wait has already begun.
func (s *Study) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.wg.Add(1)
	return true
}

// Wait stops Attach listeners from accepting new requests and blocks until
// the accepted ones have been processed. A subject may still call a listener
// after it unsubscribed; such late requests are dropped.
func (s *Study) Wait() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.wg.Wait()
}

// HandleRequest records ev when it shares a link to a study domain. It returns
// nil without error for requests that are not such shares.
func (s *Study) HandleRequest(ctx context.Context, ev types.NetworkEvent) (*Share, error) {
	platform, shared, ok := Detect(ev)
	if !ok || !s.platforms[platform] {
		return nil, nil
	}

	share := Share{
		Platform:    platform,
		TabID:       ev.TabID,
		OriginalURL: shared,
		URL:         shared,
		ShareTime:   ev.Timestamp.UTC(),
	}
	if ev.Timestamp.IsZero() {
		share.ShareTime = s.now().UTC()
	}

	if s.resolver != nil {
		res, err := s.resolver.ResolveIfNeeded(ctx, shared)
		switch {
		case err == nil:
			share.URL = res.Destination
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case errors.Is(err, linkresolution.ErrResolution):
			share.ResolutionError = err.Error()
		default:
			share.ResolutionError = fmt.Sprintf("resolve %s: %v", shared, err)
		}
	}

	if !s.matcher.MatchString(share.URL) {
		s.logger.Debugf("ignoring %s share of %s", platform, share.URL)
		return nil, nil
	}

	id, err := s.counter.Increment(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate share id: %w", err)
	}
	share.ID = id
	if err := s.store.Set(ctx, storage.RecordKey(id), share); err != nil {
		return nil, err
	}
	s.logger.Infof("recorded %s share %d of %s", platform, id, share.URL)
	s.shares.Publish(share)
	return &share, nil
}

// Records returns every stored share in ID order.
func (s *Study) Records(ctx context.Context) ([]Share, error) {
	entries, err := s.store.Entries(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Share, 0, len(entries))
	for _, e := range entries {
		var sh Share
		if err := e.Decode(&sh); err != nil {
			return nil, fmt.Errorf("failed to decode share %s: %w", e.Key, err)
		}
		out = append(out, sh)
	}
	return out, nil
}
