package pagemanager

import (
	"time"

	"github.com/entrhq/webscience/pkg/types"
)

// PageVisit is the measurement record for one page loaded in one tab.
type PageVisit struct {
	PageID   string         `json:"pageId"`
	TabID    types.TabID    `json:"tabId"`
	WindowID types.WindowID `json:"windowId"`
	URL      string         `json:"url"`
	Referrer string         `json:"referrer"`

	VisitStart time.Time `json:"visitStart"`
	VisitEnd   time.Time `json:"visitEnd"`

	AttentionDuration   time.Duration `json:"attentionDuration"`
	AttentionSpanCount  int           `json:"attentionSpanCount"`
	AttentionSpanStarts []time.Time   `json:"attentionSpanStarts"`
	AttentionSpanEnds   []time.Time   `json:"attentionSpanEnds"`

	AudioDuration             time.Duration `json:"audioDuration"`
	AttentionAndAudioDuration time.Duration `json:"attentionAndAudioDuration"`

	MaxRelativeScrollDepth float64 `json:"maxRelativeScrollDepth"`
	PrivateWindow          bool    `json:"privateWindow"`
}

// Duration is the wall time between visit start and end.
func (v PageVisit) Duration() time.Duration {
	if v.VisitEnd.IsZero() || v.VisitEnd.Before(v.VisitStart) {
		return 0
	}
	return v.VisitEnd.Sub(v.VisitStart)
}

func (v PageVisit) clone() PageVisit {
	if v.AttentionSpanStarts != nil {
		v.AttentionSpanStarts = append([]time.Time(nil), v.AttentionSpanStarts...)
	}
	if v.AttentionSpanEnds != nil {
		v.AttentionSpanEnds = append([]time.Time(nil), v.AttentionSpanEnds...)
	}
	return v
}

// AttentionUpdate is published whenever a page gains or loses attention.
type AttentionUpdate struct {
	TabID     types.TabID `json:"tabId"`
	PageID    string      `json:"pageId"`
	Attentive bool        `json:"pageHasAttention"`
	Time      time.Time   `json:"timeStamp"`
}

// AudioUpdate is published whenever a page starts or stops playing audio.
type AudioUpdate struct {
	TabID   types.TabID `json:"tabId"`
	PageID  string      `json:"pageId"`
	Audible bool        `json:"pageHasAudio"`
	Time    time.Time   `json:"timeStamp"`
}
