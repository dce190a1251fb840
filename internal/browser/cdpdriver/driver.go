// Package cdpdriver implements browser.Driver on top of Chrome DevTools via chromedp.
package cdpdriver

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/contact-harvester/internal/browser"
)

// Config controls how Chrome is launched or attached to.
type Config struct {
	// DebugURL attaches to a running Chrome (ws:// or http://host:port) instead of launching one.
	DebugURL          string
	ExecPath          string
	UserDataDir       string
	ProfileDir        string
	Headless          bool
	ProxyServer       string
	UserAgent         string
	NavigationTimeout time.Duration
	// ActionTimeout bounds each DevTools round trip outside navigation.
	ActionTimeout time.Duration
	PollInterval  time.Duration
}

// Driver drives a single Chrome session: one listing tab plus isolated profile tabs.
type Driver struct {
	*page

	allocCancel   context.CancelFunc
	browserCancel context.CancelFunc
	logger        *zap.Logger
}

var (
	_ browser.Driver    = (*Driver)(nil)
	_ browser.CookieJar = (*Driver)(nil)
)

// New starts (or attaches to) Chrome and opens the listing tab.
func New(cfg Config, logger *zap.Logger) (*Driver, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	if cfg.ActionTimeout <= 0 {
		cfg.ActionTimeout = 15 * time.Second
	}

	allocCtx, allocCancel := newAllocator(cfg)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("chromedp warmup: %w", err)
	}
	logger.Info("browser session started",
		zap.Bool("headless", cfg.Headless),
		zap.Bool("attached", cfg.DebugURL != ""),
	)

	return &Driver{
		page: &page{
			ctx:           browserCtx,
			navTimeout:    cfg.NavigationTimeout,
			actionTimeout: cfg.ActionTimeout,
			poll:          cfg.PollInterval,
			exec:          chromedp.Run,
		},
		allocCancel:   allocCancel,
		browserCancel: browserCancel,
		logger:        logger,
	}, nil
}

func newAllocator(cfg Config) (context.Context, context.CancelFunc) {
	if cfg.DebugURL != "" {
		return chromedp.NewRemoteAllocator(context.Background(), cfg.DebugURL)
	}
	opts := append(chromedp.DefaultExecAllocatorOptions[:], allocatorOptions(cfg)...)
	return chromedp.NewExecAllocator(context.Background(), opts...)
}

func allocatorOptions(cfg Config) []chromedp.ExecAllocatorOption {
	opts := []chromedp.ExecAllocatorOption{
		chromedp.Flag("headless", cfg.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("no-first-run", true),
		chromedp.Flag("no-default-browser-check", true),
	}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	if cfg.UserDataDir != "" {
		opts = append(opts, chromedp.UserDataDir(cfg.UserDataDir))
	}
	if cfg.ProfileDir != "" {
		opts = append(opts, chromedp.Flag("profile-directory", cfg.ProfileDir))
	}
	if cfg.ProxyServer != "" {
		opts = append(opts, chromedp.ProxyServer(cfg.ProxyServer))
	}
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	return opts
}

// Close tears down the browser and allocator contexts.
func (d *Driver) Close() {
	if d == nil {
		return
	}
	d.browserCancel()
	d.allocCancel()
}

// OpenIsolated opens url in a new tab of the same browser.
func (d *Driver) OpenIsolated(ctx context.Context, url string) (browser.Tab, error) {
	tabCtx, cancel := chromedp.NewContext(d.ctx)
	t := &tab{page: page{
		ctx:           tabCtx,
		navTimeout:    d.navTimeout,
		actionTimeout: d.actionTimeout,
		poll:          d.poll,
		exec:          d.exec,
	}, cancel: cancel}
	if err := t.attach(ctx); err != nil {
		cancel()
		return nil, err
	}
	if err := t.Navigate(ctx, url); err != nil {
		cancel()
		return nil, err
	}
	return t, nil
}

// Cookies returns the cookies visible to the listing tab.
func (d *Driver) Cookies(ctx context.Context) ([]browser.Cookie, error) {
	var raw []*network.Cookie
	err := d.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		raw, err = network.GetCookies().Do(ctx)
		return err
	}))
	if err != nil {
		return nil, fmt.Errorf("get cookies: %w", err)
	}
	out := make([]browser.Cookie, 0, len(raw))
	for _, c := range raw {
		out = append(out, browser.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  c.Expires,
			Secure:   c.Secure,
			HTTPOnly: c.HTTPOnly,
		})
	}
	return out, nil
}

// SetCookies installs cookies into the browser session.
func (d *Driver) SetCookies(ctx context.Context, cookies []browser.Cookie) error {
	params := toCookieParams(cookies)
	if len(params) == 0 {
		return nil
	}
	err := d.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		return network.SetCookies(params).Do(ctx)
	}))
	if err != nil {
		return fmt.Errorf("set cookies: %w", err)
	}
	return nil
}

func toCookieParams(cookies []browser.Cookie) []*network.CookieParam {
	params := make([]*network.CookieParam, 0, len(cookies))
	for _, c := range cookies {
		if c.Name == "" {
			continue
		}
		p := &network.CookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HTTPOnly: c.HTTPOnly,
		}
		if p.Path == "" {
			p.Path = "/"
		}
		if c.Expires > 0 {
			exp := cdp.TimeSinceEpoch(time.Unix(int64(c.Expires), 0))
			p.Expires = &exp
		}
		params = append(params, p)
	}
	return params
}

type page struct {
	ctx           context.Context
	navTimeout    time.Duration
	actionTimeout time.Duration
	poll          time.Duration
	exec          func(ctx context.Context, actions ...chromedp.Action) error
}

// run executes actions on the tab, bounded by the action timeout and the
// caller's ctx.
func (p *page) run(ctx context.Context, actions ...chromedp.Action) error {
	return p.bounded(ctx, p.actionTimeout, actions...)
}

func (p *page) bounded(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithTimeout(p.ctx, timeout)
	defer cancel()
	stop := forwardCancel(ctx, cancel)
	defer stop()
	return p.exec(runCtx, actions...)
}

func (p *page) Navigate(ctx context.Context, url string) error {
	if err := p.bounded(ctx, p.navTimeout, chromedp.Navigate(url)); err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	return nil
}

func (p *page) Find(ctx context.Context, selector string) (browser.Element, error) {
	all, err := p.FindAll(ctx, selector)
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return nil, browser.ErrNotFound
	}
	return all[0], nil
}

func (p *page) FindAll(ctx context.Context, selector string) ([]browser.Element, error) {
	return p.query(ctx, selector, nil)
}

func (p *page) query(ctx context.Context, selector string, from *cdp.Node) ([]browser.Element, error) {
	var nodes []*cdp.Node
	opts := []chromedp.QueryOption{queryBy(selector), chromedp.AtLeast(0)}
	if from != nil {
		opts = append(opts, chromedp.FromNode(from))
	}
	if err := p.run(ctx, chromedp.Nodes(selector, &nodes, opts...)); err != nil {
		return nil, fmt.Errorf("query %q: %w", selector, err)
	}
	out := make([]browser.Element, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, &element{page: p, node: n})
	}
	return out, nil
}

// queryBy routes XPath expressions through DOM search and everything else
// through querySelectorAll.
func queryBy(selector string) chromedp.QueryOption {
	s := strings.TrimSpace(selector)
	if strings.HasPrefix(s, "/") || strings.HasPrefix(s, "(") {
		return chromedp.BySearch
	}
	return chromedp.ByQueryAll
}

func (p *page) WaitUntil(ctx context.Context, cond browser.Condition, timeout time.Duration) bool {
	return browser.Poll(ctx, cond, timeout, p.poll)
}

func (p *page) CurrentURL(ctx context.Context) (string, error) {
	var u string
	if err := p.run(ctx, chromedp.Location(&u)); err != nil {
		return "", fmt.Errorf("location: %w", err)
	}
	return u, nil
}

type tab struct {
	page
	cancel context.CancelFunc
}

// attach creates the target on the tab's own context. chromedp binds a
// target's event loop to the context of the first Run, so that Run must not
// use a context that ends before the tab is closed.
func (t *tab) attach(ctx context.Context) error {
	timer := time.AfterFunc(t.navTimeout, t.cancel)
	stop := forwardCancel(ctx, t.cancel)
	err := t.exec(t.ctx)
	stop()
	if !timer.Stop() {
		return fmt.Errorf("open tab: no target within %s", t.navTimeout)
	}
	if err != nil {
		return fmt.Errorf("open tab: %w", err)
	}
	return nil
}

// Close closes the tab.
func (t *tab) Close() error {
	t.cancel()
	return nil
}

type element struct {
	page *page
	node *cdp.Node
}

func (e *element) ids() []cdp.NodeID {
	return []cdp.NodeID{e.node.NodeID}
}

func (e *element) Text(ctx context.Context) (string, error) {
	var text string
	if err := e.page.run(ctx, chromedp.Text(e.ids(), &text, chromedp.ByNodeID)); err != nil {
		return "", fmt.Errorf("text: %w", err)
	}
	return text, nil
}

func (e *element) Attribute(_ context.Context, name string) (string, error) {
	return e.node.AttributeValue(name), nil
}

func (e *element) Click(ctx context.Context) error {
	if err := e.page.run(ctx, chromedp.MouseClickNode(e.node)); err != nil {
		return fmt.Errorf("click: %w", err)
	}
	return nil
}

func (e *element) Type(ctx context.Context, text string) error {
	if err := e.page.run(ctx, chromedp.SendKeys(e.ids(), text, chromedp.ByNodeID)); err != nil {
		return fmt.Errorf("type: %w", err)
	}
	return nil
}

func (e *element) Remove(ctx context.Context) error {
	err := e.page.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		return dom.RemoveNode(e.node.NodeID).Do(ctx)
	}))
	if err != nil {
		return fmt.Errorf("remove node: %w", err)
	}
	return nil
}

func (e *element) Find(ctx context.Context, selector string) (browser.Element, error) {
	all, err := e.FindAll(ctx, selector)
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return nil, browser.ErrNotFound
	}
	return all[0], nil
}

func (e *element) FindAll(ctx context.Context, selector string) ([]browser.Element, error) {
	return e.page.query(ctx, selector, e.node)
}

func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	if parent == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}
