// Package navigation records one entry per finalized page visit on the study
// domains: URL, referrer, visit times, attention, audio and scroll depth.
package navigation

import (
	"context"
	"fmt"

	"github.com/entrhq/webscience/pkg/events"
	"github.com/entrhq/webscience/pkg/logging"
	"github.com/entrhq/webscience/pkg/matching"
	"github.com/entrhq/webscience/pkg/pagemanager"
	"github.com/entrhq/webscience/pkg/storage"
)

// ModuleName is the storage namespace suffix of navigation records.
const ModuleName = "navigation"

// Record is a stored page visit.
type Record struct {
	ID int64 `json:"id"`
	pagemanager.PageVisit

	// RegistrableDomain is the eTLD+1 of the page URL.
	RegistrableDomain string `json:"registrableDomain"`
}

// Study persists finalized page visits. It is the tracker's VisitSink.
type Study struct {
	logger  *logging.Logger
	store   *storage.KeyValueStorage
	counter *storage.Counter
	saved   *events.Subject[Record]
}

// Option configures a Study.
type Option func(*options)

type options struct {
	logger *logging.Logger
	prefix string
}

// WithLogger sets the study logger.
func WithLogger(l *logging.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithStudyName namespaces records under the study name.
func WithStudyName(name string) Option {
	return func(o *options) { o.prefix = name }
}

// New creates the navigation module on backend.
func New(backend storage.Backend, opts ...Option) *Study {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	ns := ModuleName
	if o.prefix != "" {
		ns = o.prefix + "." + ModuleName
	}
	return &Study{
		logger:  logging.OrNop(o.logger),
		store:   storage.New(backend, ns),
		counter: storage.NewCounter(backend, ns+".nextPageId"),
		saved:   events.NewSubject[Record]("navigation.saved"),
	}
}

// Namespace returns the storage namespace of the records.
func (s *Study) Namespace() string {
	return s.store.Namespace()
}

// OnRecord registers a listener for every stored record.
func (s *Study) OnRecord(l events.Listener[Record]) events.Unsubscribe {
	return s.saved.Subscribe(l)
}

// SavePageVisit stores visit under the next record ID.
func (s *Study) SavePageVisit(ctx context.Context, visit pagemanager.PageVisit) error {
	id, err := s.counter.Increment(ctx)
	if err != nil {
		return fmt.Errorf("failed to allocate navigation record id: %w", err)
	}
	rec := Record{
		ID:                id,
		PageVisit:         visit,
		RegistrableDomain: matching.RegistrableDomain(visit.URL),
	}
	if err := s.store.Set(ctx, storage.RecordKey(id), rec); err != nil {
		return err
	}
	s.logger.Debugf("stored navigation record %d for %s", id, visit.URL)
	s.saved.Publish(rec)
	return nil
}

// Records returns every stored record in ID order.
func (s *Study) Records(ctx context.Context) ([]Record, error) {
	entries, err := s.store.Entries(ctx)
	if err != nil {
		return nil, err
	}
	records := make([]Record, 0, len(entries))
	for _, e := range entries {
		var rec Record
		if err := e.Decode(&rec); err != nil {
			return nil, fmt.Errorf("failed to decode navigation record %s: %w", e.Key, err)
		}
		records = append(records, rec)
	}
	return records, nil
}
