// Package study wires the measurement primitives into one running study.
//
// A Study owns every state object: the link resolver, the page tracker, the
// messaging router and the measurement modules enabled in the configuration.
// The host feeds it browser and network events through the subjects returned
// by BrowserEvents and NetworkEvents, and content-script messages through
// Dispatch. Stop cancels in-flight work, finalizes open page visits and
// removes every listener the study installed.
package study

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/entrhq/webscience/pkg/config"
	"github.com/entrhq/webscience/pkg/events"
	"github.com/entrhq/webscience/pkg/linkresolution"
	"github.com/entrhq/webscience/pkg/logging"
	"github.com/entrhq/webscience/pkg/matching"
	"github.com/entrhq/webscience/pkg/messaging"
	"github.com/entrhq/webscience/pkg/pagemanager"
	"github.com/entrhq/webscience/pkg/storage"
	"github.com/entrhq/webscience/pkg/studies/linkexposure"
	"github.com/entrhq/webscience/pkg/studies/navigation"
	"github.com/entrhq/webscience/pkg/studies/socialsharing"
	"github.com/entrhq/webscience/pkg/types"
)

var (
	// ErrAlreadyStarted is returned by Start on a running study.
	ErrAlreadyStarted = errors.New("study already started")

	// ErrNotStarted is returned by Stop on a study that is not running.
	ErrNotStarted = errors.New("study not started")
)

// Study is one configured measurement study.
type Study struct {
	cfg    *config.Config
	logger *logging.Logger
	now    func() time.Time

	backend  storage.Backend
	resolver *linkresolution.Resolver
	tracker  *pagemanager.Tracker
	router   *messaging.Router

	browser *events.Subject[types.BrowserEvent]
	network *events.Subject[types.NetworkEvent]

	navigation    *navigation.Study
	linkExposure  *linkexposure.Study
	socialSharing *socialsharing.Study

	mu      sync.Mutex
	running bool
	stopped bool
	cancel  context.CancelFunc
	group   *events.Group
}

// Option configures a Study.
type Option func(*options)

type options struct {
	logger    *logging.Logger
	transport messaging.Transport
	fetcher   linkresolution.Fetcher
	now       func() time.Time
	browser   *events.Subject[types.BrowserEvent]
	network   *events.Subject[types.NetworkEvent]
}

// WithLogger sets the logger the study and its components log through.
func WithLogger(l *logging.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithTransport sets how messages reach content scripts.
func WithTransport(t messaging.Transport) Option {
	return func(o *options) { o.transport = t }
}

// WithFetcher replaces the HTTP fetcher built from the resolver configuration.
func WithFetcher(f linkresolution.Fetcher) Option {
	return func(o *options) { o.fetcher = f }
}

// WithEventSubjects makes the study listen on subjects the host already
// publishes to.
func WithEventSubjects(browser *events.Subject[types.BrowserEvent], network *events.Subject[types.NetworkEvent]) Option {
	return func(o *options) {
		o.browser = browser
		o.network = network
	}
}

// WithClock sets the time source used when stopping.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// New builds a study from cfg on backend. cfg must be valid.
func New(cfg *config.Config, backend storage.Backend, opts ...Option) (*Study, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid study configuration: %w", err)
	}
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	logger := logging.OrNop(o.logger)

	s := &Study{
		cfg:     cfg,
		logger:  logger,
		now:     o.now,
		backend: backend,
		browser: o.browser,
		network: o.network,
	}
	if s.browser == nil {
		s.browser = events.NewSubject[types.BrowserEvent]("study.browser")
	}
	if s.network == nil {
		s.network = events.NewSubject[types.NetworkEvent]("study.network")
	}

	fetcher := o.fetcher
	if fetcher == nil {
		f, err := linkresolution.NewHTTPFetcher(
			linkresolution.WithTimeout(cfg.Resolver.Timeout),
			linkresolution.WithUserAgent(cfg.Resolver.UserAgent),
			linkresolution.WithMethod(cfg.Resolver.Method),
		)
		if err != nil {
			return nil, err
		}
		fetcher = f
	}
	resolver, err := linkresolution.NewResolver(
		linkresolution.WithFetcher(fetcher),
		linkresolution.WithLogger(logger),
		linkresolution.WithMaxHops(cfg.Resolver.MaxHops),
		linkresolution.WithNetworkSubject(s.network),
	)
	if err != nil {
		return nil, err
	}
	s.resolver = resolver

	s.router = messaging.NewRouter(messaging.WithLogger(logger), messaging.WithTransport(o.transport))

	domains, err := matching.NewDomainMatcher(cfg.Study.Domains)
	if err != nil {
		return nil, err
	}
	trackerOpts := []pagemanager.Option{
		pagemanager.WithLogger(logger),
		pagemanager.WithMessenger(s.router),
		pagemanager.WithURLFilter(domains),
		pagemanager.WithRequireUserActive(cfg.Attention.RequireUserActive),
		pagemanager.WithPrivateWindows(cfg.Attention.PrivateWindows),
	}
	if cfg.Navigation.Enabled {
		s.navigation = navigation.New(backend, navigation.WithLogger(logger), navigation.WithStudyName(cfg.Study.Name))
		trackerOpts = append(trackerOpts, pagemanager.WithVisitSink(s.navigation))
	}
	s.tracker = pagemanager.NewTracker(trackerOpts...)

	if cfg.LinkExposure.Enabled {
		leOpts := []linkexposure.Option{
			linkexposure.WithLogger(logger),
			linkexposure.WithStudyName(cfg.Study.Name),
			linkexposure.WithConcurrency(cfg.Resolver.Concurrency),
		}
		if cfg.LinkExposure.ResolveShortened {
			leOpts = append(leOpts, linkexposure.WithResolver(resolver))
		}
		if s.linkExposure, err = linkexposure.New(backend, cfg.LinkDomains(), leOpts...); err != nil {
			_ = resolver.Close()
			return nil, err
		}
	}

	if cfg.SocialSharing.Enabled {
		s.socialSharing, err = socialsharing.New(backend, cfg.Study.Domains,
			socialsharing.WithLogger(logger),
			socialsharing.WithStudyName(cfg.Study.Name),
			socialsharing.WithResolver(resolver),
			socialsharing.WithPlatforms(cfg.SocialSharing.Platforms),
		)
		if err != nil {
			_ = resolver.Close()
			return nil, err
		}
	}

	return s, nil
}

// Start installs every listener. Work triggered by events runs under a context
// derived from ctx that Stop cancels.
func (s *Study) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running || s.stopped {
		return ErrAlreadyStarted
	}

	ctx, cancel := context.WithCancel(ctx)
	group := &events.Group{}

	group.Add(s.tracker.Attach(ctx, s.browser))
	group.Add(s.registerPageMessages())
	if s.linkExposure != nil {
		group.Add(s.linkExposure.Register(ctx, s.router))
	}
	if s.socialSharing != nil {
		group.Add(s.socialSharing.Attach(ctx, s.network))
	}
	s.resolver.Initialize()

	s.cancel = cancel
	s.group = group
	s.running = true
	s.logger.Infof("study %s started on %d domains", s.cfg.Study.Name, len(s.cfg.Study.Domains))
	return nil
}

// Stop cancels in-flight work, finalizes open page visits and removes every
// listener. A stopped study cannot be restarted.
func (s *Study) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrNotStarted
	}
	s.running = false
	s.stopped = true
	cancel, group := s.cancel, s.group
	s.mu.Unlock()

	cancel()
	group.Close()
	// visits are saved with the caller's context; the study context is gone
	s.tracker.StopAll(ctx, s.now())
	if s.socialSharing != nil {
		s.socialSharing.Wait()
	}
	err := s.resolver.Close()
	s.logger.Infof("study %s stopped", s.cfg.Study.Name)
	return err
}

// Running reports whether the study has been started and not stopped.
func (s *Study) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Config returns the study configuration.
func (s *Study) Config() *config.Config { return s.cfg }

// BrowserEvents is where the host publishes tab, window and page events.
func (s *Study) BrowserEvents() *events.Subject[types.BrowserEvent] { return s.browser }

// NetworkEvents is where the host publishes observed network traffic.
func (s *Study) NetworkEvents() *events.Subject[types.NetworkEvent] { return s.network }

// Router returns the content-script message router.
func (s *Study) Router() *messaging.Router { return s.router }

// Tracker returns the page tracker.
func (s *Study) Tracker() *pagemanager.Tracker { return s.tracker }

// Resolver returns the link resolver.
func (s *Study) Resolver() *linkresolution.Resolver { return s.resolver }

// Navigation returns the navigation module, or nil when disabled.
func (s *Study) Navigation() *navigation.Study { return s.navigation }

// LinkExposure returns the link exposure module, or nil when disabled.
func (s *Study) LinkExposure() *linkexposure.Study { return s.linkExposure }

// SocialSharing returns the social sharing module, or nil when disabled.
func (s *Study) SocialSharing() *socialsharing.Study { return s.socialSharing }

// Dispatch delivers a content-script message from sender.
func (s *Study) Dispatch(ctx context.Context, sender types.MessageSender, raw []byte) (interface{}, error) {
	return s.router.Dispatch(ctx, sender, raw)
}
