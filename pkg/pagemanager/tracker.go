package pagemanager

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/entrhq/webscience/pkg/events"
	"github.com/entrhq/webscience/pkg/logging"
	"github.com/entrhq/webscience/pkg/types"
	"github.com/google/uuid"
)

// VisitSink persists finalized page visits.
type VisitSink interface {
	SavePageVisit(ctx context.Context, visit PageVisit) error
}

// VisitSinkFunc adapts a function to VisitSink.
type VisitSinkFunc func(ctx context.Context, visit PageVisit) error

// SavePageVisit calls f.
func (f VisitSinkFunc) SavePageVisit(ctx context.Context, visit PageVisit) error {
	return f(ctx, visit)
}

// TabMessenger delivers a message to the content script of a tab.
type TabMessenger interface {
	SendToTab(ctx context.Context, tabID types.TabID, msg *types.Message) error
}

// URLFilter decides which page URLs are tracked.
type URLFilter interface {
	MatchString(rawURL string) bool
}

// AttentionState is the browser-wide input to attention: which window has OS
// focus, which tab is active in each window and whether the user is active.
type AttentionState struct {
	FocusedWindowID types.WindowID
	ActiveTabs      map[types.WindowID]types.TabID
	UserActive      bool

	// NeedsTracking is true while at least one page visit is open.
	NeedsTracking bool
}

func (s AttentionState) clone() AttentionState {
	tabs := make(map[types.WindowID]types.TabID, len(s.ActiveTabs))
	for w, t := range s.ActiveTabs {
		tabs[w] = t
	}
	s.ActiveTabs = tabs
	return s
}

// Tracker maintains page visits and attention for every tab and turns browser
// events into page transitions.
//
// Events are processed one at a time. Listeners registered through the On*
// methods run synchronously on the goroutine that delivered the event and must
// not call HandleEvent.
type Tracker struct {
	logger            *logging.Logger
	sink              VisitSink
	messenger         TabMessenger
	filter            URLFilter
	requireUserActive bool
	trackPrivate      bool

	// eventMu serialises HandleEvent so effects run in event order;
	// mu guards the state for readers.
	eventMu   sync.Mutex
	mu        sync.RWMutex
	attention AttentionState
	pages     map[types.TabID]Page
	audible   map[types.TabID]bool

	onStart     *events.Subject[PageVisit]
	onStop      *events.Subject[PageVisit]
	onAttention *events.Subject[AttentionUpdate]
	onAudio     *events.Subject[AudioUpdate]
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithLogger sets the tracker logger.
func WithLogger(l *logging.Logger) Option {
	return func(t *Tracker) { t.logger = l }
}

// WithVisitSink sets where finalized visits are persisted.
func WithVisitSink(s VisitSink) Option {
	return func(t *Tracker) { t.sink = s }
}

// WithMessenger sets how attention and audio updates reach content scripts.
func WithMessenger(m TabMessenger) Option {
	return func(t *Tracker) { t.messenger = m }
}

// WithURLFilter restricts tracking to pages whose URL matches f.
func WithURLFilter(f URLFilter) Option {
	return func(t *Tracker) { t.filter = f }
}

// WithRequireUserActive makes an idle or locked user end attention.
func WithRequireUserActive(enabled bool) Option {
	return func(t *Tracker) { t.requireUserActive = enabled }
}

// WithPrivateWindows enables tracking of pages in private windows.
func WithPrivateWindows(enabled bool) Option {
	return func(t *Tracker) { t.trackPrivate = enabled }
}

// NewTracker creates a tracker with no open visits and no focused window.
func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{
		attention: AttentionState{
			FocusedWindowID: types.WindowIDNone,
			ActiveTabs:      make(map[types.WindowID]types.TabID),
			UserActive:      true,
		},
		pages:       make(map[types.TabID]Page),
		audible:     make(map[types.TabID]bool),
		onStart:     events.NewSubject[PageVisit]("pagemanager.pageVisitStart"),
		onStop:      events.NewSubject[PageVisit]("pagemanager.pageVisitStop"),
		onAttention: events.NewSubject[AttentionUpdate]("pagemanager.attentionUpdate"),
		onAudio:     events.NewSubject[AudioUpdate]("pagemanager.audioUpdate"),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = logging.OrNop(t.logger)
	return t
}

// OnPageVisitStart registers a listener for newly started visits.
func (t *Tracker) OnPageVisitStart(l events.Listener[PageVisit]) events.Unsubscribe {
	return t.onStart.Subscribe(l)
}

// OnPageVisitStop registers a listener for finalized visits. It runs after the
// visit sink.
func (t *Tracker) OnPageVisitStop(l events.Listener[PageVisit]) events.Unsubscribe {
	return t.onStop.Subscribe(l)
}

// OnAttentionUpdate registers a listener for attention changes.
func (t *Tracker) OnAttentionUpdate(l events.Listener[AttentionUpdate]) events.Unsubscribe {
	return t.onAttention.Subscribe(l)
}

// OnAudioUpdate registers a listener for audio changes.
func (t *Tracker) OnAudioUpdate(l events.Listener[AudioUpdate]) events.Unsubscribe {
	return t.onAudio.Subscribe(l)
}

// Attach feeds every event published on subject into the tracker. Effects run
// with ctx.
func (t *Tracker) Attach(ctx context.Context, subject *events.Subject[types.BrowserEvent]) events.Unsubscribe {
	return subject.Subscribe(func(ev types.BrowserEvent) {
		t.HandleEvent(ctx, ev)
	})
}

// HandleEvent applies one browser event and performs the resulting effects.
func (t *Tracker) HandleEvent(ctx context.Context, ev types.BrowserEvent) {
	t.eventMu.Lock()
	defer t.eventMu.Unlock()

	t.mu.Lock()
	effects := t.reduceLocked(ev)
	t.mu.Unlock()

	t.perform(ctx, effects)
}

// StopAll finalizes every open visit, as if each page had been navigated away
// from at now.
func (t *Tracker) StopAll(ctx context.Context, now time.Time) {
	t.eventMu.Lock()
	defer t.eventMu.Unlock()

	t.mu.Lock()
	var effects []Effect
	for _, tab := range t.sortedTabsLocked() {
		effects = append(effects, t.applyLocked(t.pages[tab], Input{Kind: InputStop, TabID: tab, Time: now})...)
	}
	t.mu.Unlock()

	t.perform(ctx, effects)
}

func (t *Tracker) reduceLocked(ev types.BrowserEvent) []Effect {
	now := ev.Timestamp
	if now.IsZero() {
		now = time.Now()
	}

	var effects []Effect
	switch ev.Type {
	case types.EventTypePageVisitStart:
		if t.filter != nil && !t.filter.MatchString(ev.URL) {
			return nil
		}
		if ev.PrivateWindow && !t.trackPrivate {
			return nil
		}
		pageID := ev.PageID
		if pageID == "" {
			pageID = uuid.New().String()
		}
		effects = t.applyLocked(t.pageLocked(ev.TabID), Input{
			Kind:          InputStart,
			Time:          now,
			PageID:        pageID,
			TabID:         ev.TabID,
			WindowID:      ev.WindowID,
			URL:           ev.URL,
			Referrer:      ev.Referrer,
			PrivateWindow: ev.PrivateWindow,
		})

	case types.EventTypePageVisitStop:
		effects = t.applyLocked(t.pageLocked(ev.TabID), Input{Kind: InputStop, Time: now, TabID: ev.TabID, PageID: ev.PageID})

	case types.EventTypeTabActivated:
		t.attention.ActiveTabs[ev.WindowID] = ev.TabID
		if p, ok := t.pages[ev.TabID]; ok && p.Visit.WindowID != ev.WindowID {
			// the tab was moved to another window
			p.Visit.WindowID = ev.WindowID
			t.pages[ev.TabID] = p
		}

	case types.EventTypeWindowFocusChanged:
		t.attention.FocusedWindowID = ev.WindowID

	case types.EventTypeTabRemoved:
		if p, ok := t.pages[ev.TabID]; ok {
			effects = t.applyLocked(p, Input{Kind: InputStop, Time: now, TabID: ev.TabID})
		}
		delete(t.audible, ev.TabID)
		if active, ok := t.attention.ActiveTabs[ev.WindowID]; ok && active == ev.TabID {
			delete(t.attention.ActiveTabs, ev.WindowID)
		}

	case types.EventTypeWindowRemoved:
		for _, tab := range t.sortedTabsLocked() {
			if p := t.pages[tab]; p.Visit.WindowID == ev.WindowID {
				effects = append(effects, t.applyLocked(p, Input{Kind: InputStop, Time: now, TabID: tab})...)
				delete(t.audible, tab)
			}
		}
		delete(t.attention.ActiveTabs, ev.WindowID)
		if t.attention.FocusedWindowID == ev.WindowID {
			t.attention.FocusedWindowID = types.WindowIDNone
		}

	case types.EventTypeAudioChanged:
		effects = t.applyLocked(t.pageLocked(ev.TabID), Input{Kind: InputAudio, Time: now, TabID: ev.TabID, Audible: ev.Audible})

	case types.EventTypeIdleStateChanged:
		t.attention.UserActive = ev.IdleState == types.IdleStateActive

	case types.EventTypeScrollDepth:
		effects = t.applyLocked(t.pageLocked(ev.TabID), Input{
			Kind:        InputScroll,
			Time:        now,
			TabID:       ev.TabID,
			PageID:      ev.PageID,
			ScrollDepth: ev.MaxRelativeScrollDepth,
		})

	default:
		t.logger.Debugf("ignoring browser event of type %q", ev.Type)
		return nil
	}

	return append(effects, t.recomputeAttentionLocked(now)...)
}

// pageLocked returns the open page of tab, or an unvisited page carrying the
// tab's audio state.
func (t *Tracker) pageLocked(tab types.TabID) Page {
	if p, ok := t.pages[tab]; ok {
		return p
	}
	return Page{State: StateUnvisited, Audible: t.audible[tab]}
}

func (t *Tracker) applyLocked(prev Page, in Input) []Effect {
	next, effects := Transition(prev, in)
	if next.State.Open() {
		t.pages[in.TabID] = next
	} else {
		delete(t.pages, in.TabID)
	}
	if in.Kind == InputAudio {
		t.audible[in.TabID] = in.Audible
	}
	t.attention.NeedsTracking = len(t.pages) > 0
	return effects
}

// recomputeAttentionLocked re-evaluates attention for every open page and
// applies the changes.
func (t *Tracker) recomputeAttentionLocked(now time.Time) []Effect {
	var effects []Effect
	for _, tab := range t.sortedTabsLocked() {
		p := t.pages[tab]
		want := t.hasAttentionLocked(tab, p.Visit.WindowID)
		if p.State != StateVisiting && p.Attentive() == want {
			continue
		}
		effects = append(effects, t.applyLocked(p, Input{Kind: InputAttention, Time: now, TabID: tab, Attentive: want})...)
	}
	return effects
}

func (t *Tracker) hasAttentionLocked(tab types.TabID, window types.WindowID) bool {
	if window == types.WindowIDNone || t.attention.FocusedWindowID != window {
		return false
	}
	if active, ok := t.attention.ActiveTabs[window]; !ok || active != tab {
		return false
	}
	return !t.requireUserActive || t.attention.UserActive
}

func (t *Tracker) sortedTabsLocked() []types.TabID {
	tabs := make([]types.TabID, 0, len(t.pages))
	for tab := range t.pages {
		tabs = append(tabs, tab)
	}
	sort.Slice(tabs, func(i, j int) bool { return tabs[i] < tabs[j] })
	return tabs
}

func (t *Tracker) perform(ctx context.Context, effects []Effect) {
	for _, e := range effects {
		switch e.Kind {
		case EffectPageVisitStarted:
			t.logger.Debugf("page visit %s started in tab %d: %s", e.PageID, e.TabID, e.Visit.URL)
			t.onStart.Publish(*e.Visit)

		case EffectAttentionUpdate:
			update := AttentionUpdate{TabID: e.TabID, PageID: e.PageID, Attentive: e.Attentive, Time: e.Time}
			t.onAttention.Publish(update)
			t.send(ctx, e.TabID, types.MessageTypePageAttentionUpdate, update)

		case EffectAudioUpdate:
			update := AudioUpdate{TabID: e.TabID, PageID: e.PageID, Audible: e.Audible, Time: e.Time}
			t.onAudio.Publish(update)
			t.send(ctx, e.TabID, types.MessageTypePageAudioUpdate, update)

		case EffectPageVisitFinalized:
			t.logger.Debugf("page visit %s finalized in tab %d: attention %s over %d spans",
				e.PageID, e.TabID, e.Visit.AttentionDuration, e.Visit.AttentionSpanCount)
			if t.sink != nil {
				if err := t.sink.SavePageVisit(ctx, *e.Visit); err != nil {
					t.logger.Errorf("failed to save page visit %s: %v", e.PageID, err)
				}
			}
			t.onStop.Publish(*e.Visit)

		case EffectProtocolViolation:
			t.logger.Warnf("ignoring event: %v", e.Violation)
		}
	}
}

func (t *Tracker) send(ctx context.Context, tab types.TabID, msgType string, payload interface{}) {
	if t.messenger == nil {
		return
	}
	msg, err := types.NewMessage(msgType, payload)
	if err != nil {
		t.logger.Errorf("failed to encode %s: %v", msgType, err)
		return
	}
	// the content script may already be gone
	if err := t.messenger.SendToTab(ctx, tab, msg); err != nil {
		t.logger.Debugf("failed to send %s to tab %d: %v", msgType, tab, err)
	}
}

// Page returns the open page of tab.
func (t *Tracker) Page(tab types.TabID) (Page, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.pages[tab]
	if !ok {
		return Page{}, false
	}
	p.Visit = p.Visit.clone()
	return p, true
}

// OpenVisits returns copies of the open visit records, ordered by tab.
func (t *Tracker) OpenVisits() []PageVisit {
	t.mu.RLock()
	defer t.mu.RUnlock()
	visits := make([]PageVisit, 0, len(t.pages))
	for _, tab := range t.sortedTabsLocked() {
		visits = append(visits, t.pages[tab].Visit.clone())
	}
	return visits
}

// AttentionState returns a copy of the browser-wide attention state.
func (t *Tracker) AttentionState() AttentionState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.attention.clone()
}
