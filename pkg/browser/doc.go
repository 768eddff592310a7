// Package browser drives a Playwright browser as a host for a study.
//
// A real browser extension receives tab, window and network events from the
// browser runtime. This package produces the same events from an automated
// Chromium instance so that studies can run unattended, for example to
// measure the links a set of pages exposes.
//
// # Architecture
//
//  1. Manager: owns the Playwright driver, one browser and one browser context.
//     All tabs live in a single window.
//  2. Tab: one Playwright page. Main-frame navigations become page visit
//     start and stop events; requests and responses become network events.
//     Network events are only captured while the network subject has listeners.
//  3. taskQueue: one per tab. Playwright handlers only queue work, because a
//     page call made from a handler waits forever for its reply. Events are
//     published and messages delivered from the queue, in order.
//
// The Manager also implements messaging.Transport: messages sent to a tab are
// dispatched in the page as a "webScience" CustomEvent.
//
// # Example Usage
//
//	m := browser.NewManager(s.BrowserEvents(), s.NetworkEvents(), browser.WithHeadless(true))
//	if err := m.Initialize(); err != nil {
//	    return err
//	}
//	defer m.Shutdown()
//
//	tab, err := m.OpenTab(ctx)
//	err = tab.Navigate(ctx, "https://example.com", browser.NavigateOptions{WaitUntil: "load"})
//	html, err := tab.Content()
package browser
