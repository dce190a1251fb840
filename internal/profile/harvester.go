// Package profile visits the profiles listed on one result page and turns
// each into a Contact.
package profile

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/contact-harvester/internal/browser"
	"github.com/JakeFAU/contact-harvester/internal/extract"
	"github.com/JakeFAU/contact-harvester/internal/harvest"
	"github.com/JakeFAU/contact-harvester/internal/metrics"
	"github.com/JakeFAU/contact-harvester/internal/site"
)

// Waiter gates each profile visit.
type Waiter interface {
	Wait(ctx context.Context) error
}

// Config holds selectors and waits for profile harvesting.
type Config struct {
	Selectors site.Selectors
	URLs      site.URLs
	// ListingWait bounds the wait for result links to render on the listing.
	ListingWait time.Duration
	// MainTimeout bounds the wait for a profile's main region.
	MainTimeout time.Duration
	// PanelTimeout bounds the wait for the contact info panel.
	PanelTimeout time.Duration
}

// Harvester implements harvest.PageHarvester.
type Harvester struct {
	driver    browser.Driver
	extractor harvest.Extractor
	pacer     Waiter
	cfg       Config
	logger    *zap.Logger
}

var _ harvest.PageHarvester = (*Harvester)(nil)

// New builds a Harvester. pacer may be nil.
func New(driver browser.Driver, extractor harvest.Extractor, pacer Waiter, cfg Config, logger *zap.Logger) *Harvester {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MainTimeout <= 0 {
		cfg.MainTimeout = 20 * time.Second
	}
	if cfg.PanelTimeout <= 0 {
		cfg.PanelTimeout = 5 * time.Second
	}
	return &Harvester{driver: driver, extractor: extractor, pacer: pacer, cfg: cfg, logger: logger}
}

// HarvestPage yields one Contact per profile linked from the current listing.
// A failing profile is logged and skipped. Zero links on the first page of a
// traversal yields a NoViableMatch error; on later pages it yields nothing.
// Every profile tab is closed before its contact is yielded.
func (h *Harvester) HarvestPage(ctx context.Context, targetName string, firstPage bool) iter.Seq2[harvest.Contact, error] {
	return func(yield func(harvest.Contact, error) bool) {
		links, err := h.Candidates(ctx)
		if err != nil {
			yield(harvest.Contact{}, err)
			return
		}
		if len(links) == 0 {
			if firstPage {
				yield(harvest.Contact{}, harvest.NoViableMatch(targetName, harvest.ReasonNoResults))
			}
			return
		}
		h.logger.Debug("harvesting page", zap.String("target", targetName), zap.Int("profiles", len(links)))
		for _, href := range links {
			if err := ctx.Err(); err != nil {
				yield(harvest.Contact{}, err)
				return
			}
			if h.pacer != nil {
				if err := h.pacer.Wait(ctx); err != nil {
					yield(harvest.Contact{}, err)
					return
				}
			}
			contact, err := h.visit(ctx, targetName, href)
			if err != nil {
				if ctx.Err() != nil {
					yield(harvest.Contact{}, ctx.Err())
					return
				}
				metrics.ObserveProfileFailure()
				h.logger.Warn("skipping profile", zap.String("profile_url", href), zap.Error(err))
				continue
			}
			if !yield(contact, nil) {
				return
			}
		}
	}
}

// Candidates lists the distinct absolute profile URLs on the listing, in
// discovery order.
func (h *Harvester) Candidates(ctx context.Context) ([]string, error) {
	sel := h.cfg.Selectors.ResultLinks
	if h.cfg.ListingWait > 0 {
		h.driver.WaitUntil(ctx, browser.Exists(h.driver, sel), h.cfg.ListingWait)
	}
	els, err := h.driver.FindAll(ctx, sel)
	if err != nil {
		return nil, fmt.Errorf("list result links: %w", err)
	}
	seen := make(map[string]struct{}, len(els))
	out := make([]string, 0, len(els))
	for _, el := range els {
		href, err := el.Attribute(ctx, "href")
		if err != nil || href == "" {
			continue
		}
		abs, err := h.canonical(href)
		if err != nil {
			h.logger.Debug("ignoring result link", zap.String("href", href), zap.Error(err))
			continue
		}
		if _, dup := seen[abs]; dup {
			continue
		}
		seen[abs] = struct{}{}
		out = append(out, abs)
	}
	return out, nil
}

// canonical resolves href and drops tracking query and fragment.
func (h *Harvester) canonical(href string) (string, error) {
	abs, err := h.cfg.URLs.Resolve(href)
	if err != nil {
		return "", err
	}
	u, err := url.Parse(abs)
	if err != nil {
		return "", fmt.Errorf("parse %q: %w", abs, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", errors.New("not an http link")
	}
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}

func (h *Harvester) visit(ctx context.Context, targetName, href string) (harvest.Contact, error) {
	start := time.Now()
	tab, err := h.driver.OpenIsolated(ctx, href)
	if err != nil {
		return harvest.Contact{}, fmt.Errorf("open profile: %w", err)
	}
	defer func() {
		if cerr := tab.Close(); cerr != nil {
			h.logger.Warn("closing profile tab", zap.String("profile_url", href), zap.Error(cerr))
		}
	}()

	sel := h.cfg.Selectors
	if !tab.WaitUntil(ctx, browser.Exists(tab, sel.MainText), h.cfg.MainTimeout) {
		return harvest.Contact{}, fmt.Errorf("main content not rendered within %s", h.cfg.MainTimeout)
	}
	main, err := tab.Find(ctx, sel.MainText)
	if err != nil {
		return harvest.Contact{}, fmt.Errorf("find main content: %w", err)
	}
	text, err := main.Text(ctx)
	if err != nil {
		return harvest.Contact{}, fmt.Errorf("read main content: %w", err)
	}
	if panel := h.contactPanel(ctx, tab); panel != "" {
		text += "\n" + panel
	}

	contact := h.extractor.Extract(ctx, text, targetName, href)
	metrics.ObserveProfileVisit(time.Since(start))
	metrics.ObserveContact(extract.IsFallback(contact))
	return contact, nil
}

// contactPanel returns the text of the contact info panel, or "" when it
// cannot be opened.
func (h *Harvester) contactPanel(ctx context.Context, tab browser.Tab) string {
	sel := h.cfg.Selectors
	btn, err := tab.Find(ctx, sel.ContactInfoButton)
	if err != nil {
		return ""
	}
	if err := btn.Click(ctx); err != nil {
		h.logger.Debug("contact panel click failed", zap.Error(err))
		return ""
	}
	if !tab.WaitUntil(ctx, browser.Exists(tab, sel.ContactModal), h.cfg.PanelTimeout) {
		return ""
	}
	body, err := tab.Find(ctx, sel.ContactModalBody)
	if err != nil {
		return ""
	}
	upsells, _ := body.FindAll(ctx, sel.ContactUpsell)
	for _, u := range upsells {
		if err := u.Remove(ctx); err != nil {
			h.logger.Debug("removing upsell", zap.Error(err))
		}
	}
	text, err := body.Text(ctx)
	if err != nil {
		text = ""
	}
	if closeBtn, err := tab.Find(ctx, sel.ContactClose); err == nil {
		_ = closeBtn.Click(ctx)
	}
	return text
}
