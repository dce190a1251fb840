package session

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/contact-harvester/internal/browser/browsertest"
	"github.com/JakeFAU/contact-harvester/internal/harvest"
	"github.com/JakeFAU/contact-harvester/internal/site"
)

const base = "https://example.test"

func testConfig() Config {
	return Config{
		Selectors: site.Selectors{
			SearchBox:           "search",
			PillPeople:          "people",
			PillCurrentCompany:  "company-pill",
			CompanyList:         "company-items",
			CompanyLabel:        "label",
			CompanyCheckbox:     "checkbox",
			ShowResults:         "show-results",
			AllFilters:          "all-filters",
			DrawerCompanyList:   "drawer-items",
			DrawerCompanyLabel:  "label",
			DrawerShowResults:   "drawer-apply",
			ActiveFilterConfirm: "active-filter",
			ResultLinks:         "links",
		},
		URLs:      site.URLs{Base: base},
		MinScore:  80,
		UITimeout: 20 * time.Millisecond,
	}
}

type option struct {
	item     *browsertest.Node
	checkbox *browsertest.Node
}

func newOption(label string) option {
	cb := browsertest.NewNode("")
	item := browsertest.NewNode(label).
		Add("label", browsertest.NewNode(label)).
		Add("checkbox", cb)
	return option{item: item, checkbox: cb}
}

// searchPage wires the search box and people pill onto d.
func searchPage(d *browsertest.Driver) *browsertest.Node {
	box := browsertest.NewNode("")
	d.Set("search", box)
	d.Set("people", browsertest.NewNode("People"))
	return box
}

// filterUI wires an opener that reveals options and an apply button that
// reveals results.
func filterUI(d *browsertest.Driver, openSel, itemsSel, applySel string, opts ...option) (*browsertest.Node, *browsertest.Node) {
	opener := browsertest.NewNode("open")
	opener.OnClick = func(context.Context) error {
		nodes := make([]*browsertest.Node, 0, len(opts))
		for _, o := range opts {
			nodes = append(nodes, o.item)
		}
		d.Set(itemsSel, nodes...)
		return nil
	}
	apply := browsertest.NewNode("Show results")
	apply.OnClick = func(context.Context) error {
		d.Set("links", browsertest.NewNode("", "href", "/in/someone/"))
		return nil
	}
	d.Set(openSel, opener)
	d.Set(applySel, apply)
	return opener, apply
}

func TestLocateAndSelectPrimary(t *testing.T) {
	t.Parallel()

	d := browsertest.NewDriver(base)
	box := searchPage(d)
	acme := newOption("Acme University")
	other := newOption("Beta College")
	_, apply := filterUI(d, "company-pill", "company-items", "show-results", other, acme)
	drawer := browsertest.NewNode("All filters")
	d.Set("all-filters", drawer)

	s := New(d, nil, nil, nil, testConfig(), nil)
	require.NoError(t, s.LocateAndSelect(context.Background(), "acme  university"))

	assert.Equal(t, []string{"acme  university", "\r"}, box.Typed())
	assert.Equal(t, []string{base + "/"}, d.Navigations())
	assert.Equal(t, 1, acme.checkbox.Clicks())
	assert.Zero(t, other.checkbox.Clicks())
	assert.Equal(t, 1, apply.Clicks())
	assert.Zero(t, drawer.Clicks())
}

func TestLocateAndSelectBelowThresholdShortCircuits(t *testing.T) {
	t.Parallel()

	d := browsertest.NewDriver(base)
	searchPage(d)
	unrelated := newOption("Unrelated Corp")
	filterUI(d, "company-pill", "company-items", "show-results", unrelated)
	drawerOpener, _ := filterUI(d, "all-filters", "drawer-items", "drawer-apply", newOption("Acme University"))

	err := New(d, nil, nil, nil, testConfig(), nil).LocateAndSelect(context.Background(), "Acme University")
	require.ErrorIs(t, err, harvest.ErrNoViableMatch)
	var nvm *harvest.NoViableMatchError
	require.ErrorAs(t, err, &nvm)
	assert.Equal(t, harvest.ReasonBelowThreshold, nvm.Reason)
	assert.Equal(t, "Unrelated Corp", nvm.BestLabel)
	assert.Less(t, nvm.BestScore, 80.0)
	assert.Zero(t, drawerOpener.Clicks(), "fallback must not run")
	assert.Zero(t, unrelated.checkbox.Clicks())
}

func TestLocateAndSelectNoCandidatesShortCircuits(t *testing.T) {
	t.Parallel()

	d := browsertest.NewDriver(base)
	searchPage(d)
	filterUI(d, "company-pill", "company-items", "show-results")
	drawerOpener, _ := filterUI(d, "all-filters", "drawer-items", "drawer-apply", newOption("Acme"))

	err := New(d, nil, nil, nil, testConfig(), nil).LocateAndSelect(context.Background(), "Acme")
	var nvm *harvest.NoViableMatchError
	require.ErrorAs(t, err, &nvm)
	assert.Equal(t, harvest.ReasonNoCandidates, nvm.Reason)
	assert.Zero(t, drawerOpener.Clicks())
}

func TestLocateAndSelectFallsBackOnStructuralFailure(t *testing.T) {
	t.Parallel()

	d := browsertest.NewDriver(base)
	searchPage(d)
	// No company pill on the page.
	acme := newOption("Acme University")
	drawerOpener, _ := filterUI(d, "all-filters", "drawer-items", "drawer-apply", acme)

	require.NoError(t, New(d, nil, nil, nil, testConfig(), nil).LocateAndSelect(context.Background(), "Acme University"))
	assert.Equal(t, 1, drawerOpener.Clicks())
	assert.Equal(t, 1, acme.checkbox.Clicks())
	assert.Len(t, d.Navigations(), 1, "nothing was ticked, so no fresh search")
}

func TestLocateAndSelectResearchesAfterUnconfirmedPill(t *testing.T) {
	t.Parallel()

	d := browsertest.NewDriver(base)
	box := searchPage(d)
	pillOption := newOption("Acme University")
	pillOpener := browsertest.NewNode("open")
	pillOpener.OnClick = func(context.Context) error {
		d.Set("company-items", pillOption.item)
		return nil
	}
	d.Set("company-pill", pillOpener)
	// The pill's apply button never brings up results.
	pillApply := browsertest.NewNode("Show results")
	d.Set("show-results", pillApply)
	drawerOption := newOption("Acme University")
	drawerOpener, drawerApply := filterUI(d, "all-filters", "drawer-items", "drawer-apply", drawerOption)

	require.NoError(t, New(d, nil, nil, nil, testConfig(), nil).LocateAndSelect(context.Background(), "Acme University"))
	assert.Equal(t, []string{base + "/", base + "/"}, d.Navigations())
	assert.Equal(t, []string{"Acme University", "\r", "Acme University", "\r"}, box.Typed())
	assert.Equal(t, 1, pillOption.checkbox.Clicks())
	assert.Equal(t, 1, pillApply.Clicks())
	assert.Equal(t, 1, drawerOpener.Clicks())
	assert.Equal(t, 1, drawerOption.checkbox.Clicks())
	assert.Equal(t, 1, drawerApply.Clicks())
}

func TestLocateAndSelectBothStrategiesFail(t *testing.T) {
	t.Parallel()

	d := browsertest.NewDriver(base)
	searchPage(d)
	// Pill opens a list, but the option has no checkbox; the drawer is absent.
	broken := browsertest.NewNode("Acme").Add("label", browsertest.NewNode("Acme"))
	filterUI(d, "company-pill", "company-items", "show-results", option{item: broken})

	err := New(d, nil, nil, nil, testConfig(), nil).LocateAndSelect(context.Background(), "Acme")
	var nvm *harvest.NoViableMatchError
	require.ErrorAs(t, err, &nvm)
	assert.Equal(t, harvest.ReasonNoStrategy, nvm.Reason)
}

func TestLocateAndSelectSearchFailureIsNotNoMatch(t *testing.T) {
	t.Parallel()

	d := browsertest.NewDriver(base)
	err := New(d, nil, nil, nil, testConfig(), nil).LocateAndSelect(context.Background(), "Acme")
	require.Error(t, err)
	assert.NotErrorIs(t, err, harvest.ErrNoViableMatch)
}

func TestApplyReportsStuckState(t *testing.T) {
	t.Parallel()

	d := browsertest.NewDriver(base)
	acme := newOption("Acme")
	opener := browsertest.NewNode("open")
	opener.OnClick = func(context.Context) error {
		d.Set("company-items", acme.item)
		return nil
	}
	d.Set("company-pill", opener)
	// Apply button exists but results never show up.
	d.Set("show-results", browsertest.NewNode("Show results"))

	s := New(d, nil, nil, nil, testConfig(), nil)
	err := s.apply(context.Background(), "Acme", s.strategies()[0])
	var se *StrategyError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, StateApplied, se.State)
	assert.Equal(t, "pill", se.Strategy)
}

type fakePager struct {
	positions []harvest.Position
	advances  []bool
	advErr    error
	calls     int
	advCalls  int
}

func (p *fakePager) Position(context.Context) (harvest.Position, error) {
	i := min(p.calls, len(p.positions)-1)
	p.calls++
	return p.positions[i], nil
}

func (p *fakePager) Advance(context.Context) (bool, error) {
	if p.advErr != nil {
		return false, p.advErr
	}
	i := min(p.advCalls, len(p.advances)-1)
	p.advCalls++
	return p.advances[i], nil
}

type fakePages struct {
	perPage [][]harvest.Contact
	errOn   map[int]error
	firsts  []bool
}

func (f *fakePages) HarvestPage(_ context.Context, _ string, firstPage bool) iter.Seq2[harvest.Contact, error] {
	idx := len(f.firsts)
	f.firsts = append(f.firsts, firstPage)
	return func(yield func(harvest.Contact, error) bool) {
		if err, ok := f.errOn[idx]; ok {
			yield(harvest.Contact{}, err)
			return
		}
		if idx >= len(f.perPage) {
			return
		}
		for _, c := range f.perPage[idx] {
			if !yield(c, nil) {
				return
			}
		}
	}
}

type countingCooldown struct{ n int }

func (c *countingCooldown) Cooldown(context.Context) error {
	c.n++
	return nil
}

func contacts(prefix string, n int) []harvest.Contact {
	out := make([]harvest.Contact, n)
	for i := range out {
		out[i] = harvest.Contact{Name: fmt.Sprintf("%s-%d", prefix, i)}
	}
	return out
}

func drain(t *testing.T, s *Session) ([]harvest.Contact, error) {
	t.Helper()
	var got []harvest.Contact
	for c, err := range s.Harvest(context.Background(), "Acme") {
		if err != nil {
			return got, err
		}
		got = append(got, c)
	}
	return got, nil
}

func TestHarvestSinglePageNeverLoops(t *testing.T) {
	t.Parallel()

	pager := &fakePager{positions: []harvest.Position{{Page: 1, Total: 1}}, advances: []bool{false}}
	pages := &fakePages{perPage: [][]harvest.Contact{contacts("p1", 2), contacts("p2", 2)}}
	cool := &countingCooldown{}

	got, err := drain(t, New(nil, pager, pages, cool, testConfig(), nil))
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Equal(t, []bool{true}, pages.firsts)
	assert.Zero(t, pager.advCalls)
	assert.Zero(t, cool.n)
}

func TestHarvestUnknownTotalStopsWhenAdvanceFails(t *testing.T) {
	t.Parallel()

	// The indicator claims more pages, but the listing never changes.
	pager := &fakePager{positions: []harvest.Position{{Page: 1, Total: 5}}, advances: []bool{false}}
	pages := &fakePages{perPage: [][]harvest.Contact{contacts("p1", 1)}}

	got, err := drain(t, New(nil, pager, pages, nil, testConfig(), nil))
	require.NoError(t, err)
	assert.Len(t, got, 1)
	assert.Len(t, pages.firsts, 1)
	assert.Equal(t, 1, pager.advCalls)
}

func TestHarvestWalksAllPages(t *testing.T) {
	t.Parallel()

	pager := &fakePager{
		positions: []harvest.Position{{Page: 1, Total: 3}, {Page: 2, Total: 3}, {Page: 3, Total: 3}},
		advances:  []bool{true},
	}
	pages := &fakePages{perPage: [][]harvest.Contact{contacts("p1", 2), nil, contacts("p3", 1)}}
	cool := &countingCooldown{}

	got, err := drain(t, New(nil, pager, pages, cool, testConfig(), nil))
	require.NoError(t, err)
	assert.Equal(t, []string{"p1-0", "p1-1", "p3-0"}, names(got))
	assert.Equal(t, []bool{true, false, false}, pages.firsts)
	assert.Equal(t, 2, cool.n)
}

func TestHarvestRespectsMaxPages(t *testing.T) {
	t.Parallel()

	pager := &fakePager{positions: []harvest.Position{{Page: 1, Total: 9}, {Page: 2, Total: 9}}, advances: []bool{true}}
	pages := &fakePages{perPage: [][]harvest.Contact{contacts("p1", 1), contacts("p2", 1), contacts("p3", 1)}}
	cfg := testConfig()
	cfg.MaxPages = 2

	got, err := drain(t, New(nil, pager, pages, nil, cfg, nil))
	require.NoError(t, err)
	assert.Equal(t, []string{"p1-0", "p2-0"}, names(got))
}

func TestHarvestPropagatesPageErrors(t *testing.T) {
	t.Parallel()

	nvm := harvest.NoViableMatch("Acme", harvest.ReasonNoResults)
	pager := &fakePager{positions: []harvest.Position{{Page: 1, Total: 1}}, advances: []bool{false}}
	pages := &fakePages{errOn: map[int]error{0: nvm}}

	_, err := drain(t, New(nil, pager, pages, nil, testConfig(), nil))
	require.ErrorIs(t, err, harvest.ErrNoViableMatch)

	pager = &fakePager{positions: []harvest.Position{{Page: 1, Total: 2}}, advErr: errors.New("detached")}
	pages = &fakePages{perPage: [][]harvest.Contact{contacts("p1", 1)}}
	got, err := drain(t, New(nil, pager, pages, nil, testConfig(), nil))
	require.Error(t, err)
	assert.Len(t, got, 1)
}

func TestHarvestEarlyBreak(t *testing.T) {
	t.Parallel()

	pager := &fakePager{positions: []harvest.Position{{Page: 1, Total: 3}}, advances: []bool{true}}
	pages := &fakePages{perPage: [][]harvest.Contact{contacts("p1", 3)}}
	s := New(nil, pager, pages, nil, testConfig(), nil)
	for range s.Harvest(context.Background(), "Acme") {
		break
	}
	assert.Zero(t, pager.calls)
	assert.Zero(t, pager.advCalls)
}

func names(cs []harvest.Contact) []string {
	out := make([]string, 0, len(cs))
	for _, c := range cs {
		out = append(out, c.Name)
	}
	return out
}
