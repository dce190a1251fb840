// Package browser defines the browser-driver capability consumed by the
// harvesting core. Concrete backends live in subpackages.
package browser

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrNotFound is returned by Find when no element matches the selector.
var ErrNotFound = errors.New("element not found")

// KeyEnter submits a focused form field when passed to Element.Type.
const KeyEnter = "\r"

// Element is a handle to a DOM node owned by the page that returned it.
type Element interface {
	Text(ctx context.Context) (string, error)
	// Attribute returns the attribute value or "" when the attribute is absent.
	Attribute(ctx context.Context, name string) (string, error)
	Click(ctx context.Context) error
	Type(ctx context.Context, text string) error
	Remove(ctx context.Context) error
	Find(ctx context.Context, selector string) (Element, error)
	FindAll(ctx context.Context, selector string) ([]Element, error)
}

// Condition is polled by WaitUntil.
type Condition func(ctx context.Context) bool

// Page is a single browsing context (a tab).
type Page interface {
	Navigate(ctx context.Context, url string) error
	Find(ctx context.Context, selector string) (Element, error)
	FindAll(ctx context.Context, selector string) ([]Element, error)
	WaitUntil(ctx context.Context, cond Condition, timeout time.Duration) bool
	CurrentURL(ctx context.Context) (string, error)
}

// Tab is an isolated browsing context that must be closed by its opener.
type Tab interface {
	Page
	Close() error
}

// Driver is the main listing page plus the ability to open isolated tabs.
type Driver interface {
	Page
	OpenIsolated(ctx context.Context, url string) (Tab, error)
}

// Cookie is a browser cookie in a backend-neutral form.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires,omitempty"`
	Secure   bool    `json:"secure,omitempty"`
	HTTPOnly bool    `json:"http_only,omitempty"`
}

// CookieJar reads and writes the session cookies of a Driver.
type CookieJar interface {
	Cookies(ctx context.Context) ([]Cookie, error)
	SetCookies(ctx context.Context, cookies []Cookie) error
}

// DefaultPollInterval is used by Poll when interval is not positive.
const DefaultPollInterval = 250 * time.Millisecond

// Poll evaluates cond until it returns true, the timeout elapses, or ctx ends.
// cond receives a context that ends at the timeout, so a blocked evaluation
// cannot outlive the wait. A non-positive timeout evaluates cond once.
func Poll(ctx context.Context, cond Condition, timeout, interval time.Duration) bool {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if timeout <= 0 {
		return cond(ctx)
	}
	pollCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if cond(pollCtx) {
		return true
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-pollCtx.Done():
			return false
		case <-ticker.C:
			if cond(pollCtx) {
				return true
			}
		}
	}
}

// Exists is satisfied once selector matches at least one element.
func Exists(page Page, selector string) Condition {
	return func(ctx context.Context) bool {
		_, err := page.Find(ctx, selector)
		return err == nil
	}
}

// URLContains is satisfied once the page URL contains substr.
func URLContains(page Page, substr string) Condition {
	return func(ctx context.Context) bool {
		u, err := page.CurrentURL(ctx)
		return err == nil && strings.Contains(u, substr)
	}
}

// Any is satisfied when any of conds is.
func Any(conds ...Condition) Condition {
	return func(ctx context.Context) bool {
		for _, c := range conds {
			if c(ctx) {
				return true
			}
		}
		return false
	}
}
