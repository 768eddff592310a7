package types

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBrowserEventConstructors(t *testing.T) {
	ts := time.Unix(100, 0)

	tests := []struct {
		name     string
		event    BrowserEvent
		expected BrowserEventType
		tab      TabID
		window   WindowID
	}{
		{"page_visit_start", NewPageVisitStartEvent(1, 2, "p", "https://a.test/", "", ts), EventTypePageVisitStart, 1, 2},
		{"page_visit_stop", NewPageVisitStopEvent(1, "p", ts), EventTypePageVisitStop, 1, 0},
		{"tab_activated", NewTabActivatedEvent(3, 4, ts), EventTypeTabActivated, 3, 4},
		{"window_focus_changed", NewWindowFocusChangedEvent(WindowIDNone, ts), EventTypeWindowFocusChanged, TabIDNone, WindowIDNone},
		{"tab_removed", NewTabRemovedEvent(5, 6, true, ts), EventTypeTabRemoved, 5, 6},
		{"window_removed", NewWindowRemovedEvent(6, ts), EventTypeWindowRemoved, TabIDNone, 6},
		{"audio_changed", NewAudioChangedEvent(7, true, ts), EventTypeAudioChanged, 7, 0},
		{"idle_state_changed", NewIdleStateChangedEvent(IdleStateIdle, ts), EventTypeIdleStateChanged, TabIDNone, 0},
		{"scroll_depth", NewScrollDepthEvent(8, "p", 0.5, ts), EventTypeScrollDepth, 8, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.event.Type)
			assert.Equal(t, string(tt.expected), tt.name)
			assert.Equal(t, tt.tab, tt.event.TabID)
			assert.Equal(t, tt.window, tt.event.WindowID)
			assert.Equal(t, ts, tt.event.Timestamp)
		})
	}
}

func TestNetworkEventConstructors(t *testing.T) {
	h := http.Header{}
	h.Set("Location", "https://b.test/")
	ev := NewResponseHeadersEvent("r1", "https://a.test/", 301, h)
	assert.Equal(t, NetworkEventResponseHeadersReceived, ev.Type)
	assert.Equal(t, "https://b.test/", ev.Header.Get("location"))

	boom := errors.New("boom")
	errEv := NewNetworkErrorEvent("r2", "https://a.test/", boom)
	assert.Equal(t, NetworkEventError, errEv.Type)
	assert.ErrorIs(t, errEv.Err, boom)

	req := NewBeforeRequestEvent("r3", http.MethodPost, "https://x.test/share", 4, map[string][]string{"u": {"v"}}, nil)
	assert.Equal(t, TabID(4), req.TabID)
	assert.Equal(t, []string{"v"}, req.FormData["u"])
}

func TestMessageRoundTrip(t *testing.T) {
	msg, err := NewMessage("demo", map[string]interface{}{"type": "demo", "n": 3})
	require.NoError(t, err)
	assert.Equal(t, "demo", msg.Type)

	var decoded struct {
		N int `json:"n"`
	}
	require.NoError(t, msg.Decode(&decoded))
	assert.Equal(t, 3, decoded.N)

	assert.True(t, MessageSender{FrameID: 0}.IsTopFrame())
	assert.False(t, MessageSender{FrameID: 2}.IsTopFrame())
}
