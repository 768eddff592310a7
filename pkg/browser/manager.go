package browser

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/entrhq/webscience/pkg/events"
	"github.com/entrhq/webscience/pkg/logging"
	"github.com/entrhq/webscience/pkg/types"
	"github.com/playwright-community/playwright-go"
)

// ErrNotInitialized is returned when the manager is used before Initialize.
var ErrNotInitialized = errors.New("browser manager not initialized")

// Manager owns the automation browser and publishes what happens in it as
// browser and network events.
type Manager struct {
	logger   *logging.Logger
	browser  *events.Subject[types.BrowserEvent]
	network  *events.Subject[types.NetworkEvent]
	onLoad   PageHandler
	headless bool
	viewport Viewport
	timeout  float64
	maxTabs  int
	now      func() time.Time

	// capture is set while the network subject has listeners.
	capture atomic.Bool

	mu          sync.RWMutex
	playwright  *playwright.Playwright
	instance    playwright.Browser
	context     playwright.BrowserContext
	tabs        map[types.TabID]*Tab
	nextTab     types.TabID
	initialized bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager logger.
func WithLogger(l *logging.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithHeadless controls whether the browser runs without a visible window.
func WithHeadless(headless bool) Option {
	return func(m *Manager) { m.headless = headless }
}

// WithViewport sets the viewport of new tabs.
func WithViewport(v Viewport) Option {
	return func(m *Manager) { m.viewport = v }
}

// WithTimeout sets the default timeout of page operations, in milliseconds.
func WithTimeout(ms float64) Option {
	return func(m *Manager) { m.timeout = ms }
}

// WithMaxTabs limits the number of open tabs.
func WithMaxTabs(n int) Option {
	return func(m *Manager) { m.maxTabs = n }
}

// WithPageHandler registers fn for the HTML of every loaded page.
func WithPageHandler(fn PageHandler) Option {
	return func(m *Manager) { m.onLoad = fn }
}

// NewManager creates a manager that publishes on browserEvents and networkEvents.
func NewManager(browserEvents *events.Subject[types.BrowserEvent], networkEvents *events.Subject[types.NetworkEvent], opts ...Option) *Manager {
	m := &Manager{
		browser:  browserEvents,
		network:  networkEvents,
		headless: true,
		viewport: Viewport{Width: DefaultViewportWidth, Height: DefaultViewportHeight},
		timeout:  DefaultTimeout,
		maxTabs:  DefaultMaxTabs,
		now:      time.Now,
		tabs:     make(map[types.TabID]*Tab),
		nextTab:  1,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = logging.OrNop(m.logger)

	if networkEvents != nil {
		networkEvents.SetLifecycleHooks(func() { m.capture.Store(true) }, func() { m.capture.Store(false) })
		m.capture.Store(networkEvents.Len() > 0)
	}
	return m
}

// capturing reports whether anyone listens for network events.
func (m *Manager) capturing() bool {
	return m.capture.Load()
}

// Initialize installs and starts Playwright, then launches the browser.
// This must be called before opening any tabs.
func (m *Manager) Initialize() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.initialized {
		return nil
	}

	// keep driver output off the terminal
	opts := &playwright.RunOptions{
		Browsers: []string{"chromium"},
		Verbose:  false,
		Stdout:   io.Discard,
		Stderr:   io.Discard,
	}
	if err := playwright.Install(opts); err != nil {
		return fmt.Errorf("failed to install playwright: %w", err)
	}
	pw, err := playwright.Run(opts)
	if err != nil {
		return fmt.Errorf("failed to start playwright: %w", err)
	}

	instance, err := pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(m.headless),
	})
	if err != nil {
		_ = pw.Stop()
		return fmt.Errorf("failed to launch browser: %w", err)
	}

	bctx, err := instance.NewContext(playwright.BrowserNewContextOptions{
		Viewport: &playwright.Size{
			Width:  m.viewport.Width,
			Height: m.viewport.Height,
		},
	})
	if err != nil {
		_ = instance.Close()
		_ = pw.Stop()
		return fmt.Errorf("failed to create context: %w", err)
	}

	m.playwright = pw
	m.instance = instance
	m.context = bctx
	m.initialized = true

	m.browser.Publish(types.NewWindowFocusChangedEvent(WindowID, m.now()))
	m.logger.Infof("browser started (headless=%t)", m.headless)
	return nil
}

// OpenTab opens a new tab and makes it the active tab.
func (m *Manager) OpenTab(ctx context.Context) (*Tab, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	if !m.initialized {
		m.mu.Unlock()
		return nil, ErrNotInitialized
	}
	if len(m.tabs) >= m.maxTabs {
		m.mu.Unlock()
		return nil, fmt.Errorf("maximum number of tabs (%d) reached", m.maxTabs)
	}
	page, err := m.context.NewPage()
	if err != nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("failed to create page: %w", err)
	}
	page.SetDefaultTimeout(m.timeout)

	id := m.nextTab
	m.nextTab++
	tab := newTab(m, id, page)
	m.tabs[id] = tab
	m.mu.Unlock()

	tab.attach(ctx, page)
	m.browser.Publish(types.NewTabActivatedEvent(id, WindowID, m.now()))
	return tab, nil
}

// Tab returns an open tab by id.
func (m *Manager) Tab(id types.TabID) (*Tab, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tab, ok := m.tabs[id]
	if !ok {
		return nil, fmt.Errorf("tab %d not found", id)
	}
	return tab, nil
}

// ListTabs returns information about all open tabs.
func (m *Manager) ListTabs() []TabInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	infos := make([]TabInfo, 0, len(m.tabs))
	for _, tab := range m.tabs {
		infos = append(infos, tab.Info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// CloseTab closes a tab. Its open page visit ends with the tab.
func (m *Manager) CloseTab(id types.TabID) error {
	m.mu.Lock()
	tab, ok := m.tabs[id]
	if ok {
		delete(m.tabs, id)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("tab %d not found", id)
	}
	return tab.close()
}

// removed forgets a tab the page closed on its own.
func (m *Manager) removed(id types.TabID) {
	m.mu.Lock()
	delete(m.tabs, id)
	m.mu.Unlock()
}

// SendToTab delivers an encoded message to the page of a tab.
func (m *Manager) SendToTab(ctx context.Context, id types.TabID, raw []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tab, err := m.Tab(id)
	if err != nil {
		return err
	}
	return tab.deliver(raw)
}

// Tabs returns the ids of the open tabs.
func (m *Manager) Tabs(context.Context) ([]types.TabID, error) {
	infos := m.ListTabs()
	ids := make([]types.TabID, 0, len(infos))
	for _, info := range infos {
		ids = append(ids, info.ID)
	}
	return ids, nil
}

// Shutdown closes every tab, then the window, and stops Playwright.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	tabs := make([]*Tab, 0, len(m.tabs))
	for id, tab := range m.tabs {
		tabs = append(tabs, tab)
		delete(m.tabs, id)
	}
	initialized := m.initialized
	m.initialized = false
	m.mu.Unlock()

	if !initialized {
		return nil
	}

	var errs []error
	for _, tab := range tabs {
		if err := tab.close(); err != nil {
			errs = append(errs, err)
		}
	}
	m.browser.Publish(types.NewWindowRemovedEvent(WindowID, m.now()))

	if err := m.context.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := m.instance.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := m.playwright.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("failed to stop playwright: %w", err))
	}
	return errors.Join(errs...)
}
