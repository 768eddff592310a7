package browser

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/entrhq/webscience/pkg/types"
	"github.com/google/uuid"
	"github.com/playwright-community/playwright-go"
)

// scrollDepthScript returns the deepest relative scroll position reached.
const scrollDepthScript = `() => {
	const doc = document.documentElement;
	const height = Math.max(doc.scrollHeight, document.body ? document.body.scrollHeight : 0);
	if (height <= window.innerHeight) return 1;
	return Math.min(1, (window.scrollY + window.innerHeight) / height);
}`

// dispatchScript hands a message to content scripts listening in the page.
const dispatchScript = `raw => window.dispatchEvent(new CustomEvent("webScience", { detail: JSON.parse(raw) }))`

// tabPage is the part of playwright.Page a Tab calls into after it is attached.
type tabPage interface {
	Goto(url string, options ...playwright.PageGotoOptions) (playwright.Response, error)
	Content() (string, error)
	Evaluate(expression string, arg ...interface{}) (interface{}, error)
	Close(options ...playwright.PageCloseOptions) error
}

// Tab is one browser page.
//
// Playwright runs event handlers on the goroutine that reads driver replies, so
// a handler that calls back into the page never gets its answer. Handlers only
// record what happened and queue the rest; the tab's queue publishes events and
// delivers messages.
type Tab struct {
	ID      types.TabID
	manager *Manager
	page    tabPage
	queue   *taskQueue

	mu       sync.Mutex
	visit    visitTracker
	requests map[playwright.Request]string
	maxDepth float64
	closed   bool
}

func newTab(m *Manager, id types.TabID, page tabPage) *Tab {
	return &Tab{
		ID:       id,
		manager:  m,
		page:     page,
		queue:    newTaskQueue(),
		visit:    visitTracker{tab: id, newID: func() string { return uuid.New().String() }},
		requests: make(map[playwright.Request]string),
	}
}

// attach subscribes to the page's Playwright events.
func (t *Tab) attach(ctx context.Context, p playwright.Page) {
	m := t.manager

	p.OnFrameNavigated(func(frame playwright.Frame) {
		if frame != p.MainFrame() {
			return
		}
		t.frameNavigated(frame.URL())
	})

	p.OnRequest(func(req playwright.Request) {
		if !m.capturing() {
			return
		}
		id := uuid.New().String()
		t.mu.Lock()
		t.requests[req] = id
		t.mu.Unlock()

		body, _ := req.PostDataBuffer()
		t.publishNetwork(beforeRequestEvent(id, req.Method(), req.URL(), t.ID, req.Headers(), body, m.now()))
	})

	p.OnResponse(func(resp playwright.Response) {
		if !m.capturing() {
			return
		}
		id := t.requestID(resp.Request(), false)
		t.publishNetwork(responseEvent(id, resp.URL(), t.ID, resp.Status(), resp.Headers(), m.now()))
	})

	p.OnRequestFinished(func(req playwright.Request) {
		t.requestID(req, true)
	})

	p.OnRequestFailed(func(req playwright.Request) {
		id := t.requestID(req, true)
		if !m.capturing() {
			return
		}
		ev := types.NewNetworkErrorEvent(id, req.URL(), req.Failure())
		ev.TabID = t.ID
		t.publishNetwork(ev)
	})

	p.OnLoad(func(playwright.Page) {
		t.loaded(ctx)
	})

	p.OnClose(func(playwright.Page) {
		t.pageClosed()
	})
}

// frameNavigated ends the current visit and starts one for url.
func (t *Tab) frameNavigated(url string) {
	m := t.manager
	t.mu.Lock()
	evs := t.visit.navigated(url, m.now())
	if len(evs) > 0 {
		t.maxDepth = 0
	}
	t.mu.Unlock()
	for _, ev := range evs {
		t.publishBrowser(ev)
	}
}

// loaded passes the HTML of the current page to the manager's page handler.
func (t *Tab) loaded(ctx context.Context) {
	m := t.manager
	if m.onLoad == nil {
		return
	}
	t.queue.enqueue(func() {
		if ctx.Err() != nil {
			return
		}
		info := t.Info()
		if info.PageID == "" {
			return
		}
		// the handler may call back into the page and the study
		go func() {
			html, err := t.page.Content()
			if err != nil {
				m.logger.Debugf("failed to read content of tab %d: %v", t.ID, err)
				return
			}
			m.onLoad(ctx, types.MessageSender{TabID: t.ID, WindowID: WindowID, URL: info.CurrentURL}, info.PageID, info.CurrentURL, html)
		}()
	})
}

// pageClosed handles a page that closed on its own.
func (t *Tab) pageClosed() {
	t.mu.Lock()
	already := t.closed
	t.closed = true
	t.mu.Unlock()
	if already {
		return
	}
	t.manager.removed(t.ID)
	t.publishBrowser(types.NewTabRemovedEvent(t.ID, WindowID, false, t.manager.now()))
	t.queue.close()
}

func (t *Tab) publishBrowser(ev types.BrowserEvent) {
	if !t.queue.enqueue(func() { t.manager.browser.Publish(ev) }) {
		t.manager.logger.Debugf("tab %d closed, dropping %s event", t.ID, ev.Type)
	}
}

func (t *Tab) publishNetwork(ev types.NetworkEvent) {
	if !t.queue.enqueue(func() { t.manager.network.Publish(ev) }) {
		t.manager.logger.Debugf("tab %d closed, dropping %s event", t.ID, ev.Type)
	}
}

// requestID returns the id assigned to req, or a fresh one for requests seen
// only after they were issued.
func (t *Tab) requestID(req playwright.Request, forget bool) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	id, ok := t.requests[req]
	if !ok {
		id = uuid.New().String()
	}
	if forget {
		delete(t.requests, req)
	}
	return id
}

// Navigate navigates the tab to the specified URL.
func (t *Tab) Navigate(ctx context.Context, url string, opts NavigateOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	// Build Playwright navigation options
	playwrightOpts := playwright.PageGotoOptions{}
	if opts.WaitUntil != "" {
		waitUntil := playwright.WaitUntilState(opts.WaitUntil)
		playwrightOpts.WaitUntil = &waitUntil
	}
	if opts.Timeout > 0 {
		playwrightOpts.Timeout = &opts.Timeout
	}

	if _, err := t.page.Goto(url, playwrightOpts); err != nil {
		return fmt.Errorf("navigation failed: %w", err)
	}
	return nil
}

// Content returns the current document HTML.
func (t *Tab) Content() (string, error) {
	html, err := t.page.Content()
	if err != nil {
		return "", fmt.Errorf("content extraction failed: %w", err)
	}
	return html, nil
}

// Dwell stays on the current page for d, scrolling down in steps, and then
// reports the deepest scroll position reached.
func (t *Tab) Dwell(ctx context.Context, d time.Duration, steps int) error {
	if steps < 1 {
		steps = 1
	}
	interval := d / time.Duration(steps)
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for i := 0; i < steps; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
		if _, err := t.page.Evaluate(`() => window.scrollBy(0, window.innerHeight * 0.8)`); err != nil {
			return fmt.Errorf("scroll failed: %w", err)
		}
		timer.Reset(interval)
	}
	return t.reportScrollDepth()
}

func (t *Tab) reportScrollDepth() error {
	v, err := t.page.Evaluate(scrollDepthScript)
	if err != nil {
		return fmt.Errorf("scroll depth evaluation failed: %w", err)
	}
	depth, ok := toFloat(v)
	if !ok {
		return fmt.Errorf("unexpected scroll depth %v", v)
	}

	t.mu.Lock()
	pageID := t.visit.pageID
	if depth > t.maxDepth {
		t.maxDepth = depth
	}
	depth = t.maxDepth
	t.mu.Unlock()

	if pageID != "" {
		t.publishBrowser(types.NewScrollDepthEvent(t.ID, pageID, depth, t.manager.now()))
	}
	return nil
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// deliver queues raw for the page's content scripts. Delivery failures are
// logged; an error is returned only when the tab is closed.
func (t *Tab) deliver(raw []byte) error {
	payload := string(raw)
	ok := t.queue.enqueue(func() {
		if _, err := t.page.Evaluate(dispatchScript, payload); err != nil {
			t.manager.logger.Debugf("message delivery to tab %d failed: %v", t.ID, err)
		}
	})
	if !ok {
		return fmt.Errorf("tab %d is closed", t.ID)
	}
	return nil
}

// Info returns metadata about the tab.
func (t *Tab) Info() TabInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	return TabInfo{ID: t.ID, PageID: t.visit.pageID, CurrentURL: t.visit.url}
}

func (t *Tab) close() error {
	t.mu.Lock()
	already := t.closed
	t.closed = true
	t.mu.Unlock()
	if already {
		return nil
	}
	t.publishBrowser(types.NewTabRemovedEvent(t.ID, WindowID, false, t.manager.now()))
	t.queue.close()
	err := t.page.Close()
	t.queue.wait()
	if err != nil {
		return fmt.Errorf("failed to close tab %d: %w", t.ID, err)
	}
	return nil
}
