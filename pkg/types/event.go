package types

import (
	"net/http"
	"time"
)

// TabID identifies a browser tab. Hosts use their native tab ids.
type TabID int

// WindowID identifies a browser window.
type WindowID int

const (
	// TabIDNone marks events that are not associated with any tab
	// (for example requests issued by the extension itself).
	TabIDNone TabID = -1

	// WindowIDNone is reported when no browser window has OS focus.
	WindowIDNone WindowID = -1
)

// BrowserEventType defines the type of event emitted by the host browser.
type BrowserEventType string

const (
	EventTypePageVisitStart     BrowserEventType = "page_visit_start"     // EventTypePageVisitStart indicates a document committed in a tab.
	EventTypePageVisitStop      BrowserEventType = "page_visit_stop"      // EventTypePageVisitStop indicates the document was navigated away from or unloaded.
	EventTypeTabActivated       BrowserEventType = "tab_activated"        // EventTypeTabActivated indicates a tab became the active tab of its window.
	EventTypeWindowFocusChanged BrowserEventType = "window_focus_changed" // EventTypeWindowFocusChanged indicates the OS-focused window changed.
	EventTypeTabRemoved         BrowserEventType = "tab_removed"          // EventTypeTabRemoved indicates a tab was closed.
	EventTypeWindowRemoved      BrowserEventType = "window_removed"       // EventTypeWindowRemoved indicates a window was closed.
	EventTypeAudioChanged       BrowserEventType = "audio_changed"        // EventTypeAudioChanged indicates a tab started or stopped playing audio.
	EventTypeIdleStateChanged   BrowserEventType = "idle_state_changed"   // EventTypeIdleStateChanged indicates the user idle state changed.
	EventTypeScrollDepth        BrowserEventType = "scroll_depth"         // EventTypeScrollDepth carries the deepest scroll position a page reached.
)

// IdleState is the user activity state reported by the host.
type IdleState string

const (
	IdleStateActive IdleState = "active"
	IdleStateIdle   IdleState = "idle"
	IdleStateLocked IdleState = "locked"
)

// BrowserEvent represents one tab, window or page lifecycle event from the host browser.
// Only the fields relevant to Type are populated.
type BrowserEvent struct {
	// Type indicates the kind of event.
	Type BrowserEventType

	// Timestamp is when the host observed the event.
	Timestamp time.Time

	// TabID is the tab the event concerns.
	TabID TabID

	// WindowID is the window the event concerns (the tab's window for tab events).
	WindowID WindowID

	// PageID is the page visit identifier assigned at visit start.
	PageID string

	// URL is the document URL (page visit events).
	URL string

	// Referrer is the document referrer (page visit start).
	Referrer string

	// PrivateWindow reports whether the tab lives in a private browsing window.
	PrivateWindow bool

	// WindowClosing is set on tab removal when the whole window is closing.
	WindowClosing bool

	// Audible reports the new audio state (audio events).
	Audible bool

	// IdleState is the new user idle state (idle events).
	IdleState IdleState

	// MaxRelativeScrollDepth is in [0,1] (scroll depth events).
	MaxRelativeScrollDepth float64
}

// NewPageVisitStartEvent creates a page visit start event.
func NewPageVisitStartEvent(tabID TabID, windowID WindowID, pageID, url, referrer string, ts time.Time) BrowserEvent {
	return BrowserEvent{
		Type:      EventTypePageVisitStart,
		Timestamp: ts,
		TabID:     tabID,
		WindowID:  windowID,
		PageID:    pageID,
		URL:       url,
		Referrer:  referrer,
	}
}

// NewPageVisitStopEvent creates a page visit stop event.
func NewPageVisitStopEvent(tabID TabID, pageID string, ts time.Time) BrowserEvent {
	return BrowserEvent{
		Type:      EventTypePageVisitStop,
		Timestamp: ts,
		TabID:     tabID,
		PageID:    pageID,
	}
}

// NewTabActivatedEvent creates a tab activation event.
func NewTabActivatedEvent(tabID TabID, windowID WindowID, ts time.Time) BrowserEvent {
	return BrowserEvent{
		Type:      EventTypeTabActivated,
		Timestamp: ts,
		TabID:     tabID,
		WindowID:  windowID,
	}
}

// NewWindowFocusChangedEvent creates a window focus event. Pass WindowIDNone
// when the browser lost OS focus entirely.
func NewWindowFocusChangedEvent(windowID WindowID, ts time.Time) BrowserEvent {
	return BrowserEvent{
		Type:      EventTypeWindowFocusChanged,
		Timestamp: ts,
		TabID:     TabIDNone,
		WindowID:  windowID,
	}
}

// NewTabRemovedEvent creates a tab removal event.
func NewTabRemovedEvent(tabID TabID, windowID WindowID, windowClosing bool, ts time.Time) BrowserEvent {
	return BrowserEvent{
		Type:          EventTypeTabRemoved,
		Timestamp:     ts,
		TabID:         tabID,
		WindowID:      windowID,
		WindowClosing: windowClosing,
	}
}

// NewWindowRemovedEvent creates a window removal event.
func NewWindowRemovedEvent(windowID WindowID, ts time.Time) BrowserEvent {
	return BrowserEvent{
		Type:      EventTypeWindowRemoved,
		Timestamp: ts,
		TabID:     TabIDNone,
		WindowID:  windowID,
	}
}

// NewAudioChangedEvent creates an audio state event.
func NewAudioChangedEvent(tabID TabID, audible bool, ts time.Time) BrowserEvent {
	return BrowserEvent{
		Type:      EventTypeAudioChanged,
		Timestamp: ts,
		TabID:     tabID,
		Audible:   audible,
	}
}

// NewIdleStateChangedEvent creates an idle state event.
func NewIdleStateChangedEvent(state IdleState, ts time.Time) BrowserEvent {
	return BrowserEvent{
		Type:      EventTypeIdleStateChanged,
		Timestamp: ts,
		TabID:     TabIDNone,
		IdleState: state,
	}
}

// NewScrollDepthEvent creates a scroll depth event.
func NewScrollDepthEvent(tabID TabID, pageID string, depth float64, ts time.Time) BrowserEvent {
	return BrowserEvent{
		Type:                   EventTypeScrollDepth,
		Timestamp:              ts,
		TabID:                  tabID,
		PageID:                 pageID,
		MaxRelativeScrollDepth: depth,
	}
}

// NetworkEventType defines the stage of a network request.
type NetworkEventType string

const (
	NetworkEventBeforeRequest           NetworkEventType = "before_request"            // NetworkEventBeforeRequest fires before a request is sent, with its body.
	NetworkEventResponseHeadersReceived NetworkEventType = "response_headers_received" // NetworkEventResponseHeadersReceived fires when response headers arrive.
	NetworkEventError                   NetworkEventType = "error_occurred"            // NetworkEventError fires when a request fails at the network level.
)

// NetworkEvent represents one stage of a network request observed by the host.
type NetworkEvent struct {
	Type      NetworkEventType
	Timestamp time.Time

	// RequestID correlates the stages of one request.
	RequestID string

	URL    string
	Method string
	TabID  TabID

	// StatusCode and Header are set for response events.
	StatusCode int
	Header     http.Header

	// FormData and Body are set for before-request events when the host exposes them.
	FormData map[string][]string
	Body     []byte

	// Err is set for error events.
	Err error
}

// NewResponseHeadersEvent creates a response headers received event.
func NewResponseHeadersEvent(requestID, url string, status int, header http.Header) NetworkEvent {
	return NetworkEvent{
		Type:       NetworkEventResponseHeadersReceived,
		Timestamp:  time.Now(),
		RequestID:  requestID,
		URL:        url,
		TabID:      TabIDNone,
		StatusCode: status,
		Header:     header,
	}
}

// NewNetworkErrorEvent creates a network error event.
func NewNetworkErrorEvent(requestID, url string, err error) NetworkEvent {
	return NetworkEvent{
		Type:      NetworkEventError,
		Timestamp: time.Now(),
		RequestID: requestID,
		URL:       url,
		TabID:     TabIDNone,
		Err:       err,
	}
}

// NewBeforeRequestEvent creates a before-request event.
func NewBeforeRequestEvent(requestID, method, url string, tabID TabID, form map[string][]string, body []byte) NetworkEvent {
	return NetworkEvent{
		Type:      NetworkEventBeforeRequest,
		Timestamp: time.Now(),
		RequestID: requestID,
		Method:    method,
		URL:       url,
		TabID:     tabID,
		FormData:  form,
		Body:      body,
	}
}
