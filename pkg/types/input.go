package types

import (
	"encoding/json"
)

// MessageSender describes where a content-script message came from.
type MessageSender struct {
	TabID    TabID
	WindowID WindowID
	FrameID  int
	URL      string
}

// IsTopFrame reports whether the sender is the tab's top-level document.
func (s MessageSender) IsTopFrame() bool {
	return s.FrameID == 0
}

// Message is a typed JSON message exchanged with content scripts.
// Raw holds the full encoded object, including the "type" field.
type Message struct {
	Type string
	Raw  json.RawMessage
}

// NewMessage encodes payload and tags it with msgType.
func NewMessage(msgType string, payload interface{}) (*Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{Type: msgType, Raw: raw}, nil
}

// Decode unmarshals the raw message into v.
func (m *Message) Decode(v interface{}) error {
	return json.Unmarshal(m.Raw, v)
}

// Content-script message types.
const (
	// Background → content script
	MessageTypePageAttentionUpdate = "webScience.pageManager.pageAttentionUpdate"
	MessageTypePageAudioUpdate     = "webScience.pageManager.pageAudioUpdate"

	// Content script → background
	MessageTypePageVisitStart     = "webScience.pageManager.pageVisitStart"
	MessageTypePageVisitStop      = "webScience.pageManager.pageVisitStop"
	MessageTypeScrollDepthUpdate  = "webScience.pageManager.scrollDepthUpdate"
	MessageTypeLinkExposureUpdate = "webScience.linkExposure.linkExposureUpdate"
)
