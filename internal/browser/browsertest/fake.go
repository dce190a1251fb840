// Package browsertest provides an in-memory browser.Driver for tests.
// Selectors are matched by exact string against the nodes registered on a page.
package browsertest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/JakeFAU/contact-harvester/internal/browser"
)

// Node is a fake DOM element.
type Node struct {
	TextValue string
	Attrs     map[string]string
	Children  map[string][]*Node
	OnClick   func(ctx context.Context) error
	TextErr   error

	mu      sync.Mutex
	typed   []string
	clicks  int
	removed bool
}

// NewNode builds a node with text and alternating attribute key/value pairs.
func NewNode(text string, attrs ...string) *Node {
	n := &Node{TextValue: text, Attrs: map[string]string{}, Children: map[string][]*Node{}}
	for i := 0; i+1 < len(attrs); i += 2 {
		n.Attrs[attrs[i]] = attrs[i+1]
	}
	return n
}

// Add registers children under selector and returns the node for chaining.
func (n *Node) Add(selector string, children ...*Node) *Node {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.Children[selector] = append(n.Children[selector], children...)
	return n
}

// Typed returns everything typed into the node.
func (n *Node) Typed() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.typed...)
}

// Clicks returns how often the node was clicked.
func (n *Node) Clicks() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.clicks
}

// Removed reports whether Remove was called.
func (n *Node) Removed() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.removed
}

// Text implements browser.Element.
func (n *Node) Text(context.Context) (string, error) {
	if n.TextErr != nil {
		return "", n.TextErr
	}
	return n.TextValue, nil
}

// Attribute implements browser.Element.
func (n *Node) Attribute(_ context.Context, name string) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.Attrs[name], nil
}

// Click implements browser.Element.
func (n *Node) Click(ctx context.Context) error {
	n.mu.Lock()
	n.clicks++
	fn := n.OnClick
	n.mu.Unlock()
	if fn != nil {
		return fn(ctx)
	}
	return nil
}

// Type implements browser.Element.
func (n *Node) Type(_ context.Context, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.typed = append(n.typed, text)
	return nil
}

// Remove implements browser.Element.
func (n *Node) Remove(context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.removed = true
	return nil
}

// Find implements browser.Element.
func (n *Node) Find(ctx context.Context, selector string) (browser.Element, error) {
	all, _ := n.FindAll(ctx, selector)
	if len(all) == 0 {
		return nil, browser.ErrNotFound
	}
	return all[0], nil
}

// FindAll implements browser.Element.
func (n *Node) FindAll(_ context.Context, selector string) ([]browser.Element, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return live(n.Children[selector]), nil
}

func live(nodes []*Node) []browser.Element {
	out := make([]browser.Element, 0, len(nodes))
	for _, c := range nodes {
		if !c.Removed() {
			out = append(out, c)
		}
	}
	return out
}

// Page is a fake tab.
type Page struct {
	mu          sync.Mutex
	url         string
	nodes       map[string][]*Node
	navigations []string
	closed      bool

	// OnNavigate runs after the URL changes.
	OnNavigate func(p *Page, url string) error
	// FindErr, when set, fails every Find/FindAll.
	FindErr error
}

// NewPage returns an empty page at url.
func NewPage(url string) *Page {
	return &Page{url: url, nodes: map[string][]*Node{}}
}

// Set replaces the nodes registered for selector.
func (p *Page) Set(selector string, nodes ...*Node) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nodes[selector] = nodes
}

// Clear removes every node registered for selector.
func (p *Page) Clear(selector string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.nodes, selector)
}

// SetURL changes the current URL without recording a navigation.
func (p *Page) SetURL(url string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.url = url
}

// Navigations lists every URL passed to Navigate.
func (p *Page) Navigations() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.navigations...)
}

// Closed reports whether Close was called.
func (p *Page) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Navigate implements browser.Page.
func (p *Page) Navigate(_ context.Context, url string) error {
	p.mu.Lock()
	p.url = url
	p.navigations = append(p.navigations, url)
	fn := p.OnNavigate
	p.mu.Unlock()
	if fn != nil {
		return fn(p, url)
	}
	return nil
}

// Find implements browser.Page.
func (p *Page) Find(ctx context.Context, selector string) (browser.Element, error) {
	all, err := p.FindAll(ctx, selector)
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return nil, browser.ErrNotFound
	}
	return all[0], nil
}

// FindAll implements browser.Page.
func (p *Page) FindAll(_ context.Context, selector string) ([]browser.Element, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.FindErr != nil {
		return nil, p.FindErr
	}
	return live(p.nodes[selector]), nil
}

// WaitUntil implements browser.Page by polling with a short interval.
func (p *Page) WaitUntil(ctx context.Context, cond browser.Condition, timeout time.Duration) bool {
	return browser.Poll(ctx, cond, timeout, time.Millisecond)
}

// CurrentURL implements browser.Page.
func (p *Page) CurrentURL(context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url, nil
}

// Close implements browser.Tab.
func (p *Page) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// ErrNoTab is returned when the driver has no tab registered for a URL.
var ErrNoTab = errors.New("browsertest: no tab for url")

// Driver is a fake browser.Driver whose isolated tabs come from Tabs.
type Driver struct {
	*Page

	mu      sync.Mutex
	tabs    map[string]*Page
	opened  []*Page
	cookies []browser.Cookie
}

// NewDriver returns a driver whose main page starts at url.
func NewDriver(url string) *Driver {
	return &Driver{Page: NewPage(url), tabs: map[string]*Page{}}
}

// AddTab registers the page returned when url is opened in isolation.
func (d *Driver) AddTab(url string, page *Page) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tabs[url] = page
}

// OpenIsolated implements browser.Driver.
func (d *Driver) OpenIsolated(_ context.Context, url string) (browser.Tab, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	tab, ok := d.tabs[url]
	if !ok {
		return nil, ErrNoTab
	}
	d.opened = append(d.opened, tab)
	return tab, nil
}

// Opened lists the tabs opened so far, in order.
func (d *Driver) Opened() []*Page {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Page(nil), d.opened...)
}

// OpenTabs counts opened tabs that were never closed.
func (d *Driver) OpenTabs() int {
	n := 0
	for _, p := range d.Opened() {
		if !p.Closed() {
			n++
		}
	}
	return n
}

// Cookies implements browser.CookieJar.
func (d *Driver) Cookies(context.Context) ([]browser.Cookie, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]browser.Cookie(nil), d.cookies...), nil
}

// SetCookies implements browser.CookieJar.
func (d *Driver) SetCookies(_ context.Context, cookies []browser.Cookie) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cookies = append(d.cookies, cookies...)
	return nil
}
