package browser

import (
	"context"

	"github.com/entrhq/webscience/pkg/types"
)

// Default values for various operations
const (
	DefaultTimeout        = 30000.0 // 30 seconds in milliseconds
	DefaultViewportWidth  = 1280
	DefaultViewportHeight = 720
	DefaultMaxTabs        = 8

	// WindowID is the id of the single automation window.
	WindowID types.WindowID = 1
)

// Viewport represents the browser viewport dimensions.
type Viewport struct {
	Width  int
	Height int
}

// NavigateOptions configures page navigation behavior.
type NavigateOptions struct {
	// WaitUntil specifies when to consider navigation successful
	// Valid values: "load", "domcontentloaded", "networkidle"
	WaitUntil string

	// Timeout in milliseconds (0 means default)
	Timeout float64
}

// PageHandler is called with the HTML of every page a tab finishes loading.
type PageHandler func(ctx context.Context, sender types.MessageSender, pageID, url, html string)

// TabInfo contains metadata about an open tab.
type TabInfo struct {
	ID         types.TabID
	PageID     string
	CurrentURL string
}
