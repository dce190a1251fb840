// Package auth establishes a logged-in browser session, reusing cached
// cookies when they are still valid.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/contact-harvester/internal/atomicfile"
	"github.com/JakeFAU/contact-harvester/internal/browser"
	"github.com/JakeFAU/contact-harvester/internal/site"
)

// ErrNotLoggedIn is returned when neither cached cookies nor the login form
// reached the feed before the deadline.
var ErrNotLoggedIn = errors.New("not logged in")

// Driver is the page plus cookie access the authenticator needs.
type Driver interface {
	browser.Page
	browser.CookieJar
}

// Config controls where cookies are cached and how long a login may take.
type Config struct {
	CookieFile string
	Username   string
	Password   string
	// LoginTimeout bounds the wait for the feed after submitting the form,
	// long enough for an operator to clear a manual challenge.
	LoginTimeout time.Duration
	// CheckTimeout bounds the wait for the feed when reusing cookies.
	CheckTimeout time.Duration
	Selectors    site.Selectors
	URLs         site.URLs
}

// Authenticator logs a driver in.
type Authenticator struct {
	driver Driver
	cfg    Config
	logger *zap.Logger
}

// New builds an Authenticator, filling unset timeouts and site defaults.
func New(driver Driver, cfg Config, logger *zap.Logger) *Authenticator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.LoginTimeout <= 0 {
		cfg.LoginTimeout = 5 * time.Minute
	}
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = 15 * time.Second
	}
	cfg.Selectors = cfg.Selectors.WithDefaults()
	if cfg.URLs.Base == "" {
		cfg.URLs = site.DefaultURLs()
	}
	return &Authenticator{driver: driver, cfg: cfg, logger: logger}
}

// Login tries cached cookies first and falls back to the login form. Cookies
// are saved after every successful login.
func (a *Authenticator) Login(ctx context.Context) error {
	ok, err := a.tryCookies(ctx)
	if err != nil {
		a.logger.Warn("cached cookies unusable", zap.Error(err))
	}
	if !ok {
		if err := a.loginForm(ctx); err != nil {
			return err
		}
	}
	if err := a.save(ctx); err != nil {
		a.logger.Warn("save cookies failed", zap.String("path", a.cfg.CookieFile), zap.Error(err))
	}
	return nil
}

func (a *Authenticator) onFeed() browser.Condition {
	return browser.URLContains(a.driver, a.cfg.URLs.FeedPath)
}

func (a *Authenticator) tryCookies(ctx context.Context) (bool, error) {
	if a.cfg.CookieFile == "" {
		return false, nil
	}
	cookies, err := readCookies(a.cfg.CookieFile)
	if err != nil || len(cookies) == 0 {
		return false, err
	}
	// The cookie domain must be loaded before cookies can be set on it.
	if err := a.driver.Navigate(ctx, a.cfg.URLs.Home()); err != nil {
		return false, fmt.Errorf("navigate home: %w", err)
	}
	if err := a.driver.SetCookies(ctx, cookies); err != nil {
		return false, fmt.Errorf("set cookies: %w", err)
	}
	if err := a.driver.Navigate(ctx, a.cfg.URLs.Feed()); err != nil {
		return false, fmt.Errorf("navigate feed: %w", err)
	}
	if !a.driver.WaitUntil(ctx, a.onFeed(), a.cfg.CheckTimeout) {
		return false, nil
	}
	a.logger.Info("session restored from cookies", zap.Int("cookies", len(cookies)))
	return true, nil
}

func (a *Authenticator) loginForm(ctx context.Context) error {
	if err := a.driver.Navigate(ctx, a.cfg.URLs.Login()); err != nil {
		return fmt.Errorf("navigate login: %w", err)
	}
	if a.cfg.Username != "" && a.cfg.Password != "" {
		if err := a.fill(ctx, a.cfg.Selectors.LoginUsername, a.cfg.Username); err != nil {
			return err
		}
		if err := a.fill(ctx, a.cfg.Selectors.LoginPassword, a.cfg.Password+browser.KeyEnter); err != nil {
			return err
		}
	} else {
		a.logger.Info("no credentials configured, waiting for manual login", zap.Duration("timeout", a.cfg.LoginTimeout))
	}
	if !a.driver.WaitUntil(ctx, a.onFeed(), a.cfg.LoginTimeout) {
		if err := ctx.Err(); err != nil {
			return err
		}
		return ErrNotLoggedIn
	}
	a.logger.Info("logged in")
	return nil
}

func (a *Authenticator) fill(ctx context.Context, selector, text string) error {
	if !a.driver.WaitUntil(ctx, browser.Exists(a.driver, selector), a.cfg.CheckTimeout) {
		return fmt.Errorf("login field %q: %w", selector, browser.ErrNotFound)
	}
	el, err := a.driver.Find(ctx, selector)
	if err != nil {
		return fmt.Errorf("login field %q: %w", selector, err)
	}
	if err := el.Type(ctx, text); err != nil {
		return fmt.Errorf("type into %q: %w", selector, err)
	}
	return nil
}

func (a *Authenticator) save(ctx context.Context) error {
	if a.cfg.CookieFile == "" {
		return nil
	}
	cookies, err := a.driver.Cookies(ctx)
	if err != nil {
		return fmt.Errorf("read cookies: %w", err)
	}
	return atomicfile.Write(a.cfg.CookieFile, func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(cookies)
	})
}

func readCookies(path string) ([]browser.Cookie, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read cookie file: %w", err)
	}
	if strings.TrimSpace(string(raw)) == "" {
		return nil, nil
	}
	var cookies []browser.Cookie
	if err := json.Unmarshal(raw, &cookies); err != nil {
		return nil, fmt.Errorf("decode cookie file: %w", err)
	}
	return cookies, nil
}
