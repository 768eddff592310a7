package pagemanager

import (
	"errors"
	"fmt"
	"time"

	"github.com/entrhq/webscience/pkg/types"
)

// PageState is the lifecycle state of the page loaded in one tab.
type PageState int

const (
	// StateUnvisited means no page visit is open for the tab
	StateUnvisited PageState = iota
	// StateVisiting means a visit started and attention has not been evaluated yet
	StateVisiting
	// StateAttentive means the tab is active in the focused window
	StateAttentive
	// StateInattentive means the tab lost activation or focus
	StateInattentive
	// StateStopped means the visit was finalized
	StateStopped
)

func (s PageState) String() string {
	switch s {
	case StateUnvisited:
		return "unvisited"
	case StateVisiting:
		return "visiting"
	case StateAttentive:
		return "attentive"
	case StateInattentive:
		return "inattentive"
	case StateStopped:
		return "stopped"
	}
	return fmt.Sprintf("PageState(%d)", int(s))
}

// Open reports whether a visit is in progress.
func (s PageState) Open() bool {
	return s == StateVisiting || s == StateAttentive || s == StateInattentive
}

// InputKind identifies what happened to a page.
type InputKind int

const (
	InputStart InputKind = iota
	InputStop
	InputAttention
	InputAudio
	InputScroll
)

func (k InputKind) String() string {
	switch k {
	case InputStart:
		return "start"
	case InputStop:
		return "stop"
	case InputAttention:
		return "attention"
	case InputAudio:
		return "audio"
	case InputScroll:
		return "scroll"
	}
	return fmt.Sprintf("InputKind(%d)", int(k))
}

// Input is one event for a single page. Only the fields relevant to Kind are set.
type Input struct {
	Kind InputKind
	Time time.Time

	// Start
	PageID        string
	TabID         types.TabID
	WindowID      types.WindowID
	URL           string
	Referrer      string
	PrivateWindow bool

	// Attention and audio
	Attentive bool
	Audible   bool

	// Scroll
	ScrollDepth float64
}

// EffectKind identifies a side effect requested by a transition.
type EffectKind int

const (
	EffectPageVisitStarted EffectKind = iota
	EffectAttentionUpdate
	EffectAudioUpdate
	EffectPageVisitFinalized
	EffectProtocolViolation
)

func (k EffectKind) String() string {
	switch k {
	case EffectPageVisitStarted:
		return "page_visit_started"
	case EffectAttentionUpdate:
		return "attention_update"
	case EffectAudioUpdate:
		return "audio_update"
	case EffectPageVisitFinalized:
		return "page_visit_finalized"
	case EffectProtocolViolation:
		return "protocol_violation"
	}
	return fmt.Sprintf("EffectKind(%d)", int(k))
}

// Effect describes work the tracker performs after a transition: notifying
// listeners, messaging the tab's content script, persisting a visit or logging
// a violation. Transition never performs it itself.
type Effect struct {
	Kind   EffectKind
	TabID  types.TabID
	PageID string
	Time   time.Time

	Attentive bool
	Audible   bool

	// Visit is a copy of the record for started and finalized visits.
	Visit *PageVisit

	Violation *ProtocolViolation
}

// ErrProtocolViolation matches every ProtocolViolation via errors.Is.
var ErrProtocolViolation = errors.New("page lifecycle protocol violation")

// ProtocolViolation reports an event that cannot happen in the page's current
// state, such as a second start for an open visit. The event is ignored.
type ProtocolViolation struct {
	TabID  types.TabID
	PageID string
	Input  InputKind
	State  PageState
	Reason string
}

func (v *ProtocolViolation) Error() string {
	return fmt.Sprintf("tab %d: %s in state %s: %s", v.TabID, v.Input, v.State, v.Reason)
}

// Is makes errors.Is(err, ErrProtocolViolation) true.
func (v *ProtocolViolation) Is(target error) bool {
	return target == ErrProtocolViolation
}

// Page is the complete per-tab state: lifecycle state, the open visit record
// and the bookkeeping for open attention and audio spans.
type Page struct {
	State PageState
	Visit PageVisit

	Audible bool

	attentionSince      time.Time // start of the open attention span
	audioSince          time.Time // start of the open audio span
	lastAttentionUpdate time.Time
	lastAudioUpdate     time.Time
}

// Attentive reports whether the page currently has the user's attention.
func (p Page) Attentive() bool {
	return p.State == StateAttentive
}

// Transition applies in to p and returns the next page state together with the
// effects to perform. It does not mutate p and has no side effects.
func Transition(p Page, in Input) (Page, []Effect) {
	// slices are shared with the caller's copy; clone before appending
	p.Visit = p.Visit.clone()

	switch in.Kind {
	case InputStart:
		return start(p, in)
	case InputStop:
		return stop(p, in)
	case InputAttention:
		return attention(p, in)
	case InputAudio:
		return audio(p, in)
	case InputScroll:
		return scroll(p, in)
	}
	return p, nil
}

func violation(p Page, in Input, reason string) Effect {
	pageID := p.Visit.PageID
	if pageID == "" {
		pageID = in.PageID
	}
	return Effect{
		Kind:   EffectProtocolViolation,
		TabID:  in.TabID,
		PageID: pageID,
		Time:   in.Time,
		Violation: &ProtocolViolation{
			TabID:  in.TabID,
			PageID: pageID,
			Input:  in.Kind,
			State:  p.State,
			Reason: reason,
		},
	}
}

func start(p Page, in Input) (Page, []Effect) {
	if p.State.Open() {
		return p, []Effect{violation(p, in, "page visit already started")}
	}

	next := Page{
		State: StateVisiting,
		Visit: PageVisit{
			PageID:        in.PageID,
			TabID:         in.TabID,
			WindowID:      in.WindowID,
			URL:           in.URL,
			Referrer:      in.Referrer,
			VisitStart:    in.Time,
			PrivateWindow: in.PrivateWindow,
		},
		// audio state belongs to the tab and carries over navigations
		Audible: p.Audible,
	}
	if next.Audible {
		next.audioSince = in.Time
		next.lastAudioUpdate = in.Time
	}

	visit := next.Visit.clone()
	return next, []Effect{{
		Kind:   EffectPageVisitStarted,
		TabID:  in.TabID,
		PageID: in.PageID,
		Time:   in.Time,
		Visit:  &visit,
	}}
}

func stop(p Page, in Input) (Page, []Effect) {
	if !p.State.Open() {
		return p, []Effect{violation(p, in, "page visit stop without start")}
	}
	if in.PageID != "" && in.PageID != p.Visit.PageID {
		return p, []Effect{violation(p, in, fmt.Sprintf("stop for page %s while %s is open", in.PageID, p.Visit.PageID))}
	}

	if p.State == StateAttentive {
		p = closeAttentionSpan(p, in.Time)
	}
	if p.Audible {
		p = closeAudioSpan(p, in.Time)
	}
	p.Visit.VisitEnd = in.Time
	p.State = StateStopped

	visit := p.Visit.clone()
	return p, []Effect{{
		Kind:   EffectPageVisitFinalized,
		TabID:  p.Visit.TabID,
		PageID: p.Visit.PageID,
		Time:   in.Time,
		Visit:  &visit,
	}}
}

func attention(p Page, in Input) (Page, []Effect) {
	if !p.State.Open() {
		return p, nil
	}
	// Visiting always reports the first evaluation to the content script
	if p.State != StateVisiting && p.Attentive() == in.Attentive {
		return p, nil
	}

	if in.Attentive {
		p = openAttentionSpan(p, in.Time)
	} else if p.State == StateAttentive {
		p = closeAttentionSpan(p, in.Time)
	} else {
		p.State = StateInattentive
	}

	return p, []Effect{{
		Kind:      EffectAttentionUpdate,
		TabID:     p.Visit.TabID,
		PageID:    p.Visit.PageID,
		Time:      in.Time,
		Attentive: in.Attentive,
	}}
}

func audio(p Page, in Input) (Page, []Effect) {
	if !p.State.Open() {
		// remember the tab's audio state for the next visit
		p.Audible = in.Audible
		return p, nil
	}
	if p.Audible == in.Audible {
		return p, nil
	}

	if in.Audible {
		p = openAudioSpan(p, in.Time)
	} else {
		p = closeAudioSpan(p, in.Time)
	}

	return p, []Effect{{
		Kind:    EffectAudioUpdate,
		TabID:   p.Visit.TabID,
		PageID:  p.Visit.PageID,
		Time:    in.Time,
		Audible: in.Audible,
	}}
}

func scroll(p Page, in Input) (Page, []Effect) {
	if !p.State.Open() {
		return p, nil
	}
	if in.PageID != "" && in.PageID != p.Visit.PageID {
		return p, nil
	}
	depth := in.ScrollDepth
	if depth < 0 {
		depth = 0
	}
	if depth > 1 {
		depth = 1
	}
	if depth > p.Visit.MaxRelativeScrollDepth {
		p.Visit.MaxRelativeScrollDepth = depth
	}
	return p, nil
}

// accumulateOverlap adds the time both attention and audio were on since the
// later of their last changes. Called before either flips.
func accumulateOverlap(p Page, now time.Time) Page {
	if p.State != StateAttentive || !p.Audible {
		return p
	}
	since := p.lastAttentionUpdate
	if p.lastAudioUpdate.After(since) {
		since = p.lastAudioUpdate
	}
	if now.After(since) {
		p.Visit.AttentionAndAudioDuration += now.Sub(since)
	}
	return p
}

func openAttentionSpan(p Page, now time.Time) Page {
	p = accumulateOverlap(p, now)
	p.State = StateAttentive
	p.attentionSince = now
	p.lastAttentionUpdate = now
	p.Visit.AttentionSpanStarts = append(p.Visit.AttentionSpanStarts, now)
	return p
}

func closeAttentionSpan(p Page, now time.Time) Page {
	p = accumulateOverlap(p, now)
	if now.After(p.attentionSince) {
		p.Visit.AttentionDuration += now.Sub(p.attentionSince)
	}
	p.Visit.AttentionSpanCount++
	p.Visit.AttentionSpanEnds = append(p.Visit.AttentionSpanEnds, now)
	p.State = StateInattentive
	p.attentionSince = time.Time{}
	p.lastAttentionUpdate = now
	return p
}

func openAudioSpan(p Page, now time.Time) Page {
	p = accumulateOverlap(p, now)
	p.Audible = true
	p.audioSince = now
	p.lastAudioUpdate = now
	return p
}

func closeAudioSpan(p Page, now time.Time) Page {
	p = accumulateOverlap(p, now)
	if now.After(p.audioSince) {
		p.Visit.AudioDuration += now.Sub(p.audioSince)
	}
	p.Audible = false
	p.audioSince = time.Time{}
	p.lastAudioUpdate = now
	return p
}
