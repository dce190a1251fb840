// Package pager tracks and advances a paginated search-result listing.
package pager

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/contact-harvester/internal/browser"
	"github.com/JakeFAU/contact-harvester/internal/harvest"
)

// Config holds selectors and waits.
type Config struct {
	StateSelector string
	NextSelector  string
	// FingerprintSelector matches result links; the first href identifies the page.
	FingerprintSelector string
	// IndicatorWait bounds the wait for the "page X of Y" indicator to render.
	IndicatorWait time.Duration
	// AdvanceTimeout bounds the wait for a next-page action to take effect.
	AdvanceTimeout time.Duration
}

// Pager implements harvest.Pager on a live page.
type Pager struct {
	page   browser.Page
	cfg    Config
	logger *zap.Logger
}

var _ harvest.Pager = (*Pager)(nil)

var (
	pageOfRe = regexp.MustCompile(`(?i)page\s+(\d+)\s+of\s+(\d+)`)
	digitsRe = regexp.MustCompile(`\d+`)
)

// New builds a Pager over page.
func New(page browser.Page, cfg Config, logger *zap.Logger) *Pager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.AdvanceTimeout <= 0 {
		cfg.AdvanceTimeout = 15 * time.Second
	}
	return &Pager{page: page, cfg: cfg, logger: logger}
}

// Position reads the indicator. A missing or unreadable indicator means a
// single page: (1, 1).
func (p *Pager) Position(ctx context.Context) (harvest.Position, error) {
	single := harvest.Position{Page: 1, Total: 1}
	if p.cfg.IndicatorWait > 0 {
		p.page.WaitUntil(ctx, browser.Exists(p.page, p.cfg.StateSelector), p.cfg.IndicatorWait)
	}
	pos, ok, err := p.read(ctx)
	if err != nil {
		return harvest.Position{}, err
	}
	if !ok {
		return single, nil
	}
	return pos, nil
}

func (p *Pager) read(ctx context.Context) (harvest.Position, bool, error) {
	el, err := p.page.Find(ctx, p.cfg.StateSelector)
	if errors.Is(err, browser.ErrNotFound) {
		return harvest.Position{}, false, nil
	}
	if err != nil {
		return harvest.Position{}, false, fmt.Errorf("find pagination state: %w", err)
	}
	text, err := el.Text(ctx)
	if err != nil {
		return harvest.Position{}, false, fmt.Errorf("read pagination state: %w", err)
	}
	pos, ok := ParsePosition(text)
	return pos, ok, nil
}

// ParsePosition extracts (page, total) from text such as "Page 2 of 10".
func ParsePosition(text string) (harvest.Position, bool) {
	var a, b string
	if m := pageOfRe.FindStringSubmatch(text); m != nil {
		a, b = m[1], m[2]
	} else if nums := digitsRe.FindAllString(text, 3); len(nums) == 2 {
		a, b = nums[0], nums[1]
	} else {
		return harvest.Position{}, false
	}
	page, err1 := strconv.Atoi(a)
	total, err2 := strconv.Atoi(b)
	if err1 != nil || err2 != nil || page < 1 {
		return harvest.Position{}, false
	}
	if total < page {
		total = page
	}
	return harvest.Position{Page: page, Total: total}, true
}

// Fingerprint identifies the listing content by its first result link, or
// "" when there is none.
func (p *Pager) Fingerprint(ctx context.Context) string {
	if p.cfg.FingerprintSelector == "" {
		return ""
	}
	el, err := p.page.Find(ctx, p.cfg.FingerprintSelector)
	if err != nil {
		return ""
	}
	href, err := el.Attribute(ctx, "href")
	if err != nil {
		return ""
	}
	return href
}

// Advance clicks "next" and waits until the page number grows or the
// fingerprint changes. It reports false when there is no next control or
// nothing changed before the timeout.
func (p *Pager) Advance(ctx context.Context) (bool, error) {
	before, hadIndicator, err := p.read(ctx)
	if err != nil {
		return false, err
	}
	beforeFP := p.Fingerprint(ctx)

	next, err := p.page.Find(ctx, p.cfg.NextSelector)
	if errors.Is(err, browser.ErrNotFound) {
		p.logger.Debug("no next control")
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("find next control: %w", err)
	}
	if err := next.Click(ctx); err != nil {
		return false, fmt.Errorf("click next: %w", err)
	}

	moved := p.page.WaitUntil(ctx, func(ctx context.Context) bool {
		if hadIndicator {
			if now, ok, err := p.read(ctx); err == nil && ok && now.Page > before.Page {
				return true
			}
		}
		fp := p.Fingerprint(ctx)
		return fp != "" && fp != beforeFP
	}, p.cfg.AdvanceTimeout)
	if !moved {
		p.logger.Info("next page did not load before timeout",
			zap.Int("page", before.Page),
			zap.Duration("timeout", p.cfg.AdvanceTimeout),
		)
	}
	return moved, nil
}
