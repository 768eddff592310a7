// Package linkexposure records links to the study's link domains that users
// were shown on tracked pages. Content scripts report the links they saw;
// shortened and wrapped URLs are resolved before matching so that a bit.ly link
// to a news article counts as an exposure to that article.
package linkexposure

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/entrhq/webscience/pkg/events"
	"github.com/entrhq/webscience/pkg/linkresolution"
	"github.com/entrhq/webscience/pkg/logging"
	"github.com/entrhq/webscience/pkg/matching"
	"github.com/entrhq/webscience/pkg/messaging"
	"github.com/entrhq/webscience/pkg/storage"
	"github.com/entrhq/webscience/pkg/types"
	"golang.org/x/sync/errgroup"
)

// ModuleName is the storage namespace suffix of exposure records.
const ModuleName = "linkExposure"

// DefaultConcurrency bounds parallel resolutions for one update.
const DefaultConcurrency = 4

// LinkReport is one link a content script saw.
type LinkReport struct {
	Href string `json:"href"`

	// VisibleDuration is how long the link was in the viewport, in milliseconds.
	VisibleDuration float64 `json:"visibleDuration"`

	// FirstSeen is when the link became visible, in milliseconds since the epoch.
	FirstSeen float64 `json:"firstSeen"`
}

// Update is the linkExposureUpdate message payload.
type Update struct {
	PageID        string       `json:"pageId"`
	URL           string       `json:"url"`
	PrivateWindow bool         `json:"privateWindow"`
	Links         []LinkReport `json:"links"`
}

// Exposure is a stored record of one link exposure.
type Exposure struct {
	ID      int64       `json:"id"`
	PageID  string      `json:"pageId"`
	PageURL string      `json:"pageUrl"`
	TabID   types.TabID `json:"tabId"`

	// OriginalURL is the href as it appeared on the page; URL is its destination.
	OriginalURL     string `json:"originalUrl"`
	URL             string `json:"url"`
	ResolutionError string `json:"resolutionError,omitempty"`

	ExposureTime    time.Time     `json:"exposureTime"`
	VisibleDuration time.Duration `json:"visibleDuration"`
	PrivateWindow   bool          `json:"privateWindow"`
}

// Resolver finds the destination of a possibly shortened link.
type Resolver interface {
	ResolveIfNeeded(ctx context.Context, rawURL string) (linkresolution.Result, error)
}

// Study turns link reports into exposure records.
type Study struct {
	logger          *logging.Logger
	store           *storage.KeyValueStorage
	counter         *storage.Counter
	linkMatcher     *matching.DomainMatcher
	resolver        Resolver
	concurrency     int
	ignoreSelfLinks bool
	now             func() time.Time

	exposures *events.Subject[Exposure]
}

// Option configures a Study.
type Option func(*options)

type options struct {
	logger          *logging.Logger
	prefix          string
	resolver        Resolver
	concurrency     int
	ignoreSelfLinks bool
	now             func() time.Time
}

// WithLogger sets the study logger.
func WithLogger(l *logging.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithStudyName namespaces records under the study name.
func WithStudyName(name string) Option {
	return func(o *options) { o.prefix = name }
}

// WithResolver enables resolution of shortened and wrapped links.
func WithResolver(r Resolver) Option {
	return func(o *options) { o.resolver = r }
}

// WithConcurrency bounds parallel resolutions per update.
func WithConcurrency(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.concurrency = n
		}
	}
}

// WithIgnoreSelfLinks drops links to the page's own registrable domain.
func WithIgnoreSelfLinks(enabled bool) Option {
	return func(o *options) { o.ignoreSelfLinks = enabled }
}

// WithClock sets the time source for exposures reported without a timestamp.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// New creates the link exposure module recording links to linkDomains.
func New(backend storage.Backend, linkDomains []string, opts ...Option) (*Study, error) {
	o := options{
		concurrency:     DefaultConcurrency,
		ignoreSelfLinks: true,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}

	matcher, err := matching.NewDomainMatcher(linkDomains)
	if err != nil {
		return nil, fmt.Errorf("failed to build link domain matcher: %w", err)
	}

	ns := ModuleName
	if o.prefix != "" {
		ns = o.prefix + "." + ModuleName
	}
	return &Study{
		logger:          logging.OrNop(o.logger),
		store:           storage.New(backend, ns),
		counter:         storage.NewCounter(backend, ns+".nextExposureId"),
		linkMatcher:     matcher,
		resolver:        o.resolver,
		concurrency:     o.concurrency,
		ignoreSelfLinks: o.ignoreSelfLinks,
		now:             o.now,
		exposures:       events.NewSubject[Exposure]("linkExposure.exposure"),
	}, nil
}

// Namespace returns the storage namespace of the records.
func (s *Study) Namespace() string {
	return s.store.Namespace()
}

// OnExposure registers a listener for every stored exposure.
func (s *Study) OnExposure(l events.Listener[Exposure]) events.Unsubscribe {
	return s.exposures.Subscribe(l)
}

// Register routes linkExposureUpdate messages to the study. Processing stops
// when either the dispatching context or studyCtx ends.
func (s *Study) Register(studyCtx context.Context, router *messaging.Router) events.Unsubscribe {
	schema, _ := messaging.SchemaFor(types.MessageTypeLinkExposureUpdate)
	return messaging.Register(router, types.MessageTypeLinkExposureUpdate, schema,
		func(ctx context.Context, u Update, sender types.MessageSender) (interface{}, error) {
			ctx, cancel := context.WithCancel(ctx)
			defer cancel()
			stop := context.AfterFunc(studyCtx, cancel)
			defer stop()

			_, err := s.HandleUpdate(ctx, sender, u)
			return nil, err
		})
}

type resolved struct {
	report LinkReport
	dest   string
	err    error
}

// HandleUpdate resolves the reported links, stores those pointing at a link
// domain and returns the stored exposures. A link that fails to resolve is
// matched on its original URL and stored with its resolution error.
func (s *Study) HandleUpdate(ctx context.Context, sender types.MessageSender, u Update) ([]Exposure, error) {
	reports := dedupe(u.Links)
	results := make([]resolved, len(reports))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, report := range reports {
		g.Go(func() error {
			dest, err := s.destination(gctx, report.Href)
			if err != nil && ctx.Err() != nil {
				return ctx.Err()
			}
			results[i] = resolved{report: report, dest: dest, err: err}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	pageDomain := matching.RegistrableDomain(u.URL)
	var stored []Exposure
	skipped := 0
	for _, r := range results {
		candidate := r.dest
		if r.err != nil {
			candidate = r.report.Href
		}
		if !s.linkMatcher.MatchString(candidate) {
			skipped++
			continue
		}
		if s.ignoreSelfLinks && pageDomain != "" && matching.RegistrableDomain(candidate) == pageDomain {
			skipped++
			continue
		}

		exp := Exposure{
			PageID:          u.PageID,
			PageURL:         u.URL,
			TabID:           sender.TabID,
			OriginalURL:     r.report.Href,
			URL:             candidate,
			ExposureTime:    s.exposureTime(r.report),
			VisibleDuration: time.Duration(r.report.VisibleDuration * float64(time.Millisecond)),
			PrivateWindow:   u.PrivateWindow,
		}
		if r.err != nil {
			exp.ResolutionError = r.err.Error()
		}
		if err := s.save(ctx, &exp); err != nil {
			return stored, err
		}
		stored = append(stored, exp)
	}

	s.logger.Debugf("page %s: %d link exposures stored, %d links skipped", u.PageID, len(stored), skipped)
	return stored, nil
}

// ReportPage extracts the links of an HTML document and handles them as one
// update. It serves hosts without content scripts.
func (s *Study) ReportPage(ctx context.Context, sender types.MessageSender, pageID, pageURL string, body io.Reader) ([]Exposure, error) {
	links, err := ExtractLinks(pageURL, body)
	if err != nil {
		return nil, err
	}
	now := float64(s.now().UnixMilli())
	u := Update{PageID: pageID, URL: pageURL}
	for _, l := range links {
		u.Links = append(u.Links, LinkReport{Href: l.Href, FirstSeen: now})
	}
	return s.HandleUpdate(ctx, sender, u)
}

// Records returns every stored exposure in ID order.
func (s *Study) Records(ctx context.Context) ([]Exposure, error) {
	entries, err := s.store.Entries(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Exposure, 0, len(entries))
	for _, e := range entries {
		var exp Exposure
		if err := e.Decode(&exp); err != nil {
			return nil, fmt.Errorf("failed to decode exposure %s: %w", e.Key, err)
		}
		out = append(out, exp)
	}
	return out, nil
}

func (s *Study) destination(ctx context.Context, href string) (string, error) {
	if s.resolver == nil {
		return href, nil
	}
	res, err := s.resolver.ResolveIfNeeded(ctx, href)
	if err != nil {
		if !errors.Is(err, linkresolution.ErrResolution) {
			err = fmt.Errorf("resolve %s: %w", href, err)
		}
		return "", err
	}
	return res.Destination, nil
}

func (s *Study) exposureTime(r LinkReport) time.Time {
	if r.FirstSeen > 0 {
		return time.UnixMilli(int64(r.FirstSeen)).UTC()
	}
	return s.now().UTC()
}

func (s *Study) save(ctx context.Context, exp *Exposure) error {
	id, err := s.counter.Increment(ctx)
	if err != nil {
		return fmt.Errorf("failed to allocate exposure id: %w", err)
	}
	exp.ID = id
	if err := s.store.Set(ctx, storage.RecordKey(id), exp); err != nil {
		return err
	}
	s.exposures.Publish(*exp)
	return nil
}

// dedupe drops non-http links and repeated hrefs, keeping the longest
// visible duration of each href.
func dedupe(links []LinkReport) []LinkReport {
	index := make(map[string]int, len(links))
	out := make([]LinkReport, 0, len(links))
	for _, l := range links {
		if !matching.IsHTTP(l.Href) {
			continue
		}
		if i, ok := index[l.Href]; ok {
			if l.VisibleDuration > out[i].VisibleDuration {
				out[i].VisibleDuration = l.VisibleDuration
			}
			continue
		}
		index[l.Href] = len(out)
		out = append(out, l)
	}
	return out
}
