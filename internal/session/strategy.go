package session

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/contact-harvester/internal/browser"
	"github.com/JakeFAU/contact-harvester/internal/harvest"
	"github.com/JakeFAU/contact-harvester/internal/match"
)

// State is the progress of one filter strategy.
type State int

// Filter selection states, in order.
const (
	StateStart State = iota
	StateFilterOpened
	StateCandidatesListed
	StateMatched
	StateApplied
	StateConfirmed
)

func (s State) String() string {
	switch s {
	case StateStart:
		return "start"
	case StateFilterOpened:
		return "filter_opened"
	case StateCandidatesListed:
		return "candidates_listed"
	case StateMatched:
		return "matched"
	case StateApplied:
		return "applied"
	case StateConfirmed:
		return "confirmed"
	default:
		return "unknown"
	}
}

// strategy is one UI path to the company filter.
type strategy struct {
	name     string
	open     string
	items    string
	label    string
	checkbox string
	apply    string
}

func (s *Session) strategies() []strategy {
	sel := s.cfg.Selectors
	return []strategy{
		{
			name:     "pill",
			open:     sel.PillCurrentCompany,
			items:    sel.CompanyList,
			label:    sel.CompanyLabel,
			checkbox: sel.CompanyCheckbox,
			apply:    sel.ShowResults,
		},
		{
			name:     "drawer",
			open:     sel.AllFilters,
			items:    sel.DrawerCompanyList,
			label:    sel.DrawerCompanyLabel,
			checkbox: sel.CompanyCheckbox,
			apply:    sel.DrawerShowResults,
		},
	}
}

// StrategyError is a structural failure: the UI did not let the strategy
// progress past State.
type StrategyError struct {
	Strategy string
	State    State
	Err      error
}

func (e *StrategyError) Error() string {
	return fmt.Sprintf("%s strategy stuck at %s: %v", e.Strategy, e.State, e.Err)
}

func (e *StrategyError) Unwrap() error { return e.Err }

// apply walks one strategy through the selection states.
func (s *Session) apply(ctx context.Context, target string, st strategy) error {
	state := StateStart
	fail := func(err error) error {
		return &StrategyError{Strategy: st.name, State: state, Err: err}
	}
	log := s.logger.With(zap.String("target", target), zap.String("strategy", st.name))

	opener, err := s.waitFind(ctx, st.open)
	if err != nil {
		return fail(err)
	}
	if err := opener.Click(ctx); err != nil {
		return fail(fmt.Errorf("open filter: %w", err))
	}
	state = StateFilterOpened

	if !s.driver.WaitUntil(ctx, browser.Exists(s.driver, st.items), s.cfg.UITimeout) {
		return harvest.NoViableMatch(target, harvest.ReasonNoCandidates)
	}
	items, err := s.driver.FindAll(ctx, st.items)
	if err != nil {
		return fail(fmt.Errorf("list options: %w", err))
	}
	candidates := make([]match.Candidate[browser.Element], 0, len(items))
	for _, item := range items {
		labelEl, err := item.Find(ctx, st.label)
		if err != nil {
			continue
		}
		label, err := labelEl.Text(ctx)
		if err != nil || match.Normalize(label) == "" {
			continue
		}
		candidates = append(candidates, match.Candidate[browser.Element]{Label: label, Handle: item})
	}
	if len(candidates) == 0 {
		return harvest.NoViableMatch(target, harvest.ReasonNoCandidates)
	}
	state = StateCandidatesListed

	best, ok := match.Best(target, candidates, s.cfg.MinScore)
	if !ok {
		return &harvest.NoViableMatchError{
			Target:    target,
			Reason:    harvest.ReasonBelowThreshold,
			BestLabel: best.Label,
			BestScore: best.Score,
		}
	}
	log.Debug("option matched", zap.String("label", best.Label), zap.Float64("score", best.Score))
	state = StateMatched

	box, err := best.Handle.Find(ctx, st.checkbox)
	if err != nil {
		return fail(fmt.Errorf("option checkbox: %w", err))
	}
	if err := box.Click(ctx); err != nil {
		return fail(fmt.Errorf("tick option: %w", err))
	}
	applyBtn, err := s.waitFind(ctx, st.apply)
	if err != nil {
		return fail(err)
	}
	if err := applyBtn.Click(ctx); err != nil {
		return fail(fmt.Errorf("apply filter: %w", err))
	}
	state = StateApplied

	sel := s.cfg.Selectors
	confirmed := s.driver.WaitUntil(ctx, browser.Any(
		browser.Exists(s.driver, sel.ActiveFilterConfirm),
		browser.Exists(s.driver, sel.ResultLinks),
	), s.cfg.UITimeout)
	if !confirmed {
		return fail(fmt.Errorf("filter not reflected in results: %w", browser.ErrNotFound))
	}
	state = StateConfirmed
	log.Debug("filter state", zap.Stringer("state", state))
	return nil
}
