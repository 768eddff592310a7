package study

import (
	"context"
	"time"

	"github.com/entrhq/webscience/pkg/events"
	"github.com/entrhq/webscience/pkg/messaging"
	"github.com/entrhq/webscience/pkg/types"
)

type pageVisitStartMessage struct {
	PageID        string  `json:"pageId"`
	URL           string  `json:"url"`
	Referrer      string  `json:"referrer"`
	TimeStamp     float64 `json:"timeStamp"`
	PrivateWindow bool    `json:"privateWindow"`
}

type pageVisitStopMessage struct {
	PageID    string  `json:"pageId"`
	TimeStamp float64 `json:"timeStamp"`
}

type scrollDepthMessage struct {
	PageID                 string  `json:"pageId"`
	MaxRelativeScrollDepth float64 `json:"maxRelativeScrollDepth"`
	TimeStamp              float64 `json:"timeStamp"`
}

// registerPageMessages turns page lifecycle messages from content scripts into
// browser events. Messages from subframes are ignored.
func (s *Study) registerPageMessages() events.Unsubscribe {
	var group events.Group

	group.Add(messaging.Register(s.router, types.MessageTypePageVisitStart, messaging.MessageTypes[types.MessageTypePageVisitStart],
		func(_ context.Context, m pageVisitStartMessage, sender types.MessageSender) (interface{}, error) {
			if !sender.IsTopFrame() {
				return nil, nil
			}
			ev := types.NewPageVisitStartEvent(sender.TabID, sender.WindowID, m.PageID, m.URL, m.Referrer, s.messageTime(m.TimeStamp))
			ev.PrivateWindow = m.PrivateWindow
			s.browser.Publish(ev)
			return nil, nil
		}))

	group.Add(messaging.Register(s.router, types.MessageTypePageVisitStop, messaging.MessageTypes[types.MessageTypePageVisitStop],
		func(_ context.Context, m pageVisitStopMessage, sender types.MessageSender) (interface{}, error) {
			if !sender.IsTopFrame() {
				return nil, nil
			}
			s.browser.Publish(types.NewPageVisitStopEvent(sender.TabID, m.PageID, s.messageTime(m.TimeStamp)))
			return nil, nil
		}))

	group.Add(messaging.Register(s.router, types.MessageTypeScrollDepthUpdate, messaging.MessageTypes[types.MessageTypeScrollDepthUpdate],
		func(_ context.Context, m scrollDepthMessage, sender types.MessageSender) (interface{}, error) {
			if !sender.IsTopFrame() {
				return nil, nil
			}
			s.browser.Publish(types.NewScrollDepthEvent(sender.TabID, m.PageID, m.MaxRelativeScrollDepth, s.messageTime(m.TimeStamp)))
			return nil, nil
		}))

	return group.Close
}

// messageTime converts a content-script timestamp in epoch milliseconds.
func (s *Study) messageTime(ms float64) time.Time {
	if ms <= 0 {
		return s.now()
	}
	return time.UnixMilli(int64(ms))
}
