// Package session locates a target's filter option on the search page and
// streams contacts across every result page.
package session

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/contact-harvester/internal/browser"
	"github.com/JakeFAU/contact-harvester/internal/harvest"
	"github.com/JakeFAU/contact-harvester/internal/metrics"
	"github.com/JakeFAU/contact-harvester/internal/site"
)

// Cooldowner runs the pause between result pages.
type Cooldowner interface {
	Cooldown(ctx context.Context) error
}

// Config holds selectors and limits for a search session.
type Config struct {
	Selectors site.Selectors
	URLs      site.URLs
	// MinScore is the fuzzy-match threshold in [0,100].
	MinScore float64
	// MaxPages caps the pages traversed per target; 0 means no cap.
	MaxPages int
	// UITimeout bounds each wait for the search UI to react.
	UITimeout time.Duration
}

// Session implements harvest.Searcher over one browser session.
type Session struct {
	driver   browser.Driver
	pager    harvest.Pager
	pages    harvest.PageHarvester
	cooldown Cooldowner
	cfg      Config
	logger   *zap.Logger
}

var _ harvest.Searcher = (*Session)(nil)

// New builds a Session. cooldown may be nil.
func New(
	driver browser.Driver,
	pager harvest.Pager,
	pages harvest.PageHarvester,
	cooldown Cooldowner,
	cfg Config,
	logger *zap.Logger,
) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.UITimeout <= 0 {
		cfg.UITimeout = 15 * time.Second
	}
	return &Session{
		driver:   driver,
		pager:    pager,
		pages:    pages,
		cooldown: cooldown,
		cfg:      cfg,
		logger:   logger,
	}
}

// LocateAndSelect searches for targetName and applies the matching company
// filter. It tries the filter pill first and the filters drawer second. A
// missing or below-threshold option on the pill is final; a pill that cannot
// be operated falls through to the drawer, after a fresh search when the pill
// got as far as ticking an option. Both failing is a NoViableMatch.
func (s *Session) LocateAndSelect(ctx context.Context, targetName string) error {
	if err := s.search(ctx, targetName); err != nil {
		return err
	}

	var lastErr error
	for i, st := range s.strategies() {
		if i > 0 && dirty(lastErr) {
			if err := s.search(ctx, targetName); err != nil {
				return fmt.Errorf("reset search after %s strategy: %w", s.strategies()[i-1].name, err)
			}
		}
		err := s.apply(ctx, targetName, st)
		if err == nil {
			s.logger.Info("filter applied", zap.String("target", targetName), zap.String("strategy", st.name))
			return nil
		}
		if ctx.Err() != nil {
			return fmt.Errorf("locate %q: %w", targetName, ctx.Err())
		}
		if errors.Is(err, harvest.ErrNoViableMatch) {
			return err
		}
		s.logger.Warn("filter strategy failed",
			zap.String("target", targetName),
			zap.String("strategy", st.name),
			zap.Error(err),
		)
		lastErr = err
	}
	s.logger.Info("no filter strategy succeeded", zap.String("target", targetName), zap.Error(lastErr))
	return harvest.NoViableMatch(targetName, harvest.ReasonNoStrategy)
}

// dirty reports whether a failed strategy may have left a filter option
// ticked or applied.
func dirty(err error) bool {
	var se *StrategyError
	return errors.As(err, &se) && se.State >= StateMatched
}

// search runs the global search and switches to people results.
func (s *Session) search(ctx context.Context, targetName string) error {
	sel := s.cfg.Selectors
	if err := s.driver.Navigate(ctx, s.cfg.URLs.Home()); err != nil {
		return fmt.Errorf("open search page: %w", err)
	}
	box, err := s.waitFind(ctx, sel.SearchBox)
	if err != nil {
		return fmt.Errorf("search box: %w", err)
	}
	if err := box.Click(ctx); err != nil {
		return fmt.Errorf("focus search box: %w", err)
	}
	if err := box.Type(ctx, targetName); err != nil {
		return fmt.Errorf("type search: %w", err)
	}
	if err := box.Type(ctx, browser.KeyEnter); err != nil {
		return fmt.Errorf("submit search: %w", err)
	}
	people, err := s.waitFind(ctx, sel.PillPeople)
	if err != nil {
		return fmt.Errorf("people filter: %w", err)
	}
	if err := people.Click(ctx); err != nil {
		return fmt.Errorf("select people results: %w", err)
	}
	return nil
}

// waitFind waits up to UITimeout for selector and returns the first match.
func (s *Session) waitFind(ctx context.Context, selector string) (browser.Element, error) {
	if !s.driver.WaitUntil(ctx, browser.Exists(s.driver, selector), s.cfg.UITimeout) {
		return nil, fmt.Errorf("%q not present after %s: %w", selector, s.cfg.UITimeout, browser.ErrNotFound)
	}
	el, err := s.driver.Find(ctx, selector)
	if err != nil {
		return nil, fmt.Errorf("find %q: %w", selector, err)
	}
	return el, nil
}

// Harvest yields contacts page by page. It stops after the last page, when
// the pager cannot advance, or at MaxPages. The first page is flagged so an
// empty listing there becomes a NoViableMatch. Any error ends the sequence.
func (s *Session) Harvest(ctx context.Context, targetName string) iter.Seq2[harvest.Contact, error] {
	return func(yield func(harvest.Contact, error) bool) {
		for traversed := 0; ; {
			for c, err := range s.pages.HarvestPage(ctx, targetName, traversed == 0) {
				if !yield(c, err) || err != nil {
					return
				}
			}
			traversed++
			metrics.ObservePage()

			pos, err := s.pager.Position(ctx)
			if err != nil {
				yield(harvest.Contact{}, fmt.Errorf("read page position: %w", err))
				return
			}
			log := s.logger.With(zap.String("target", targetName), zap.Int("page", pos.Page), zap.Int("total", pos.Total))
			if pos.Last() {
				log.Debug("last page harvested")
				return
			}
			if s.cfg.MaxPages > 0 && traversed >= s.cfg.MaxPages {
				log.Info("page cap reached", zap.Int("max_pages", s.cfg.MaxPages))
				return
			}
			if s.cooldown != nil {
				if err := s.cooldown.Cooldown(ctx); err != nil {
					yield(harvest.Contact{}, err)
					return
				}
			}
			moved, err := s.pager.Advance(ctx)
			if err != nil {
				yield(harvest.Contact{}, fmt.Errorf("advance page: %w", err))
				return
			}
			if !moved {
				log.Info("pager did not advance; treating as last page")
				return
			}
		}
	}
}
