package browser

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/entrhq/webscience/pkg/events"
	"github.com/entrhq/webscience/pkg/types"
	"github.com/playwright-community/playwright-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePage answers page calls only while no event handler is running, the way
// Playwright's connection goroutine does.
type fakePage struct {
	driver sync.Mutex
	html   string

	mu        sync.Mutex
	delivered []string
	closed    bool
}

func (p *fakePage) call() {
	p.driver.Lock()
	p.driver.Unlock()
}

func (p *fakePage) Goto(string, ...playwright.PageGotoOptions) (playwright.Response, error) {
	p.call()
	return nil, nil
}

func (p *fakePage) Content() (string, error) {
	p.call()
	return p.html, nil
}

func (p *fakePage) Evaluate(expression string, arg ...interface{}) (interface{}, error) {
	p.call()
	if expression == dispatchScript && len(arg) == 1 {
		p.mu.Lock()
		p.delivered = append(p.delivered, arg[0].(string))
		p.mu.Unlock()
	}
	return nil, nil
}

func (p *fakePage) Close(...playwright.PageCloseOptions) error {
	p.call()
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func (p *fakePage) messages() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.delivered...)
}

// dispatch runs handler as a Playwright event handler.
func (p *fakePage) dispatch(t *testing.T, handler func()) {
	t.Helper()
	p.driver.Lock()
	defer p.driver.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		handler()
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("event handler waited on a page call")
	}
}

type tabFixture struct {
	manager *Manager
	page    *fakePage
	tab     *Tab
	browser *events.Subject[types.BrowserEvent]

	mu   sync.Mutex
	seen []types.BrowserEventType
}

func newTabFixture(opts ...Option) *tabFixture {
	f := &tabFixture{
		browser: events.NewSubject[types.BrowserEvent]("browser"),
		page:    &fakePage{html: `<a href="https://news.test/story">story</a>`},
	}
	f.manager = NewManager(f.browser, events.NewSubject[types.NetworkEvent]("network"), opts...)
	f.tab = newTab(f.manager, 1, f.page)
	f.manager.tabs[1] = f.tab

	// reply to every visit start the way the attention tracker does
	f.browser.Subscribe(func(ev types.BrowserEvent) {
		f.mu.Lock()
		f.seen = append(f.seen, ev.Type)
		f.mu.Unlock()
		if ev.Type == types.EventTypePageVisitStart {
			// fails once the tab is closing
			_ = f.manager.SendToTab(context.Background(), ev.TabID, []byte(`{"type":"attention"}`))
		}
	})
	return f
}

func (f *tabFixture) published() []types.BrowserEventType {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.BrowserEventType(nil), f.seen...)
}

func TestNavigationHandlerLeavesPageCallsToQueue(t *testing.T) {
	f := newTabFixture()

	f.page.dispatch(t, func() { f.tab.frameNavigated("https://news.test/a") })

	require.Eventually(t, func() bool { return len(f.page.messages()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{`{"type":"attention"}`}, f.page.messages())
	assert.Equal(t, "https://news.test/a", f.tab.Info().CurrentURL)
	assert.NotEmpty(t, f.tab.Info().PageID)

	require.NoError(t, f.tab.close())
}

func TestLoadHandlerReadsContentOffDispatch(t *testing.T) {
	loaded := make(chan string, 1)
	f := newTabFixture(WithPageHandler(func(_ context.Context, sender types.MessageSender, pageID, url, html string) {
		assert.Equal(t, types.TabID(1), sender.TabID)
		assert.Equal(t, "https://news.test/a", url)
		assert.NotEmpty(t, pageID)
		loaded <- html
	}))

	f.page.dispatch(t, func() { f.tab.frameNavigated("https://news.test/a") })
	f.page.dispatch(t, func() { f.tab.loaded(context.Background()) })

	select {
	case html := <-loaded:
		assert.Equal(t, f.page.html, html)
	case <-time.After(2 * time.Second):
		t.Fatal("page handler not called")
	}
	require.NoError(t, f.tab.close())
}

func TestLoadBeforeVisitIsIgnored(t *testing.T) {
	called := make(chan struct{}, 1)
	f := newTabFixture(WithPageHandler(func(context.Context, types.MessageSender, string, string, string) {
		called <- struct{}{}
	}))

	f.page.dispatch(t, func() { f.tab.loaded(context.Background()) })
	require.NoError(t, f.tab.close())

	select {
	case <-called:
		t.Fatal("page handler called without a page visit")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCloseDrainsQueuedEvents(t *testing.T) {
	f := newTabFixture()

	f.page.dispatch(t, func() { f.tab.frameNavigated("https://news.test/a") })
	require.NoError(t, f.tab.close())

	assert.Equal(t, []types.BrowserEventType{types.EventTypePageVisitStart, types.EventTypeTabRemoved}, f.published())
	assert.True(t, f.page.closed)

	// closing again and late deliveries are harmless
	require.NoError(t, f.tab.close())
	assert.Error(t, f.tab.deliver([]byte(`{"type":"late"}`)))
}

func TestPageClosedOnItsOwn(t *testing.T) {
	f := newTabFixture()

	f.page.dispatch(t, func() { f.tab.pageClosed() })
	f.tab.queue.wait()

	assert.Equal(t, []types.BrowserEventType{types.EventTypeTabRemoved}, f.published())
	_, err := f.manager.Tab(1)
	assert.Error(t, err)
}

func TestNetworkCaptureFollowsListeners(t *testing.T) {
	network := events.NewSubject[types.NetworkEvent]("network")
	m := NewManager(events.NewSubject[types.BrowserEvent]("browser"), network)
	assert.False(t, m.capturing())

	unsub := network.Subscribe(func(types.NetworkEvent) {})
	assert.True(t, m.capturing())
	unsub()
	assert.False(t, m.capturing())

	network.Subscribe(func(types.NetworkEvent) {})
	assert.True(t, NewManager(events.NewSubject[types.BrowserEvent]("browser"), network).capturing())
}
