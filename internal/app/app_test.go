package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/contact-harvester/internal/browser/browsertest"
	"github.com/JakeFAU/contact-harvester/internal/config"
	"github.com/JakeFAU/contact-harvester/internal/harvest"
	"github.com/JakeFAU/contact-harvester/internal/ledger"
	"github.com/JakeFAU/contact-harvester/internal/llm"
	"github.com/JakeFAU/contact-harvester/internal/storage/local"
)

const base = "https://www.linkedin.com"

func testConfig(t *testing.T, dir string) config.Config {
	t.Helper()
	cfg, err := config.Load(config.New())
	require.NoError(t, err)
	cfg.Output.Results = filepath.Join(dir, "output.csv")
	cfg.Auth.CookieFile = ""
	cfg.Auth.LoginTimeout = 50 * time.Millisecond
	cfg.Search = config.SearchConfig{
		MinScore:       80,
		UITimeout:      50 * time.Millisecond,
		ListingWait:    10 * time.Millisecond,
		AdvanceTimeout: 10 * time.Millisecond,
		ProfileTimeout: 50 * time.Millisecond,
		PanelTimeout:   10 * time.Millisecond,
	}
	cfg.Pacing = config.PacingConfig{}
	cfg.Retry = config.RetryConfig{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
	cfg.LLM.Timeout = time.Second
	return cfg
}

func writeInput(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "input.csv")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

// fakeSite serves a logged-in session whose company filter offers label and
// whose results link to the given profiles.
func fakeSite(cfg config.Config, label string, profiles map[string]string) *browsertest.Driver {
	sel := cfg.Selectors
	d := browsertest.NewDriver("about:blank")
	d.OnNavigate = func(p *browsertest.Page, url string) error {
		if strings.HasSuffix(url, cfg.Site.LoginPath) {
			p.SetURL(base + cfg.Site.FeedPath)
		}
		return nil
	}
	d.Set(sel.SearchBox, browsertest.NewNode(""))
	d.Set(sel.PillPeople, browsertest.NewNode("People"))

	item := browsertest.NewNode(label).
		Add(sel.CompanyLabel, browsertest.NewNode(label)).
		Add(sel.CompanyCheckbox, browsertest.NewNode(""))
	opener := browsertest.NewNode("Current company")
	opener.OnClick = func(context.Context) error {
		d.Set(sel.CompanyList, item)
		return nil
	}
	d.Set(sel.PillCurrentCompany, opener)

	var links []*browsertest.Node
	for path, text := range profiles {
		links = append(links, browsertest.NewNode("", "href", path))
		tab := browsertest.NewPage(base + path)
		tab.Set(sel.MainText, browsertest.NewNode(text))
		d.AddTab(base+path, tab)
	}
	apply := browsertest.NewNode("Show results")
	apply.OnClick = func(context.Context) error {
		d.Set(sel.ResultLinks, links...)
		return nil
	}
	d.Set(sel.ShowResults, apply)
	return d
}

func driverFactory(d *browsertest.Driver, calls *int) DriverFactory {
	return func(config.BrowserConfig, *zap.Logger) (Driver, func(), error) {
		if calls != nil {
			*calls++
		}
		return d, func() {}, nil
	}
}

// nameCompleter answers with the first line of the profile text as the name.
func nameCompleter(context.Context, config.LLMConfig) (llm.Completer, error) {
	return llm.CompleterFunc(func(_ context.Context, prompt, _ string) (string, error) {
		switch {
		case strings.Contains(prompt, "Ann Smith"):
			return `{"name":"Ann Smith","title":"Dean","email":"ann@acme.edu"}`, nil
		case strings.Contains(prompt, "Bob Jones"):
			return "```json\n{\"name\":\"Bob Jones\",\"department\":\"Admissions\"}\n```", nil
		default:
			return "", errors.New("unexpected prompt")
		}
	}), nil
}

func loadResults(t *testing.T, results, unmatched string) ledger.Snapshot {
	t.Helper()
	store, err := local.New(local.Config{ResultsPath: results, UnmatchedPath: unmatched})
	require.NoError(t, err)
	snap, err := store.Load(context.Background())
	require.NoError(t, err)
	return snap
}

func TestHarvestEndToEnd(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfg := testConfig(t, dir)
	d := fakeSite(cfg, "Acme U.", map[string]string{"/in/ann-smith/": "Ann Smith\nDean"})
	// Second profile is registered separately so discovery order is fixed.
	sel := cfg.Selectors
	bob := browsertest.NewPage(base + "/in/bob-jones/")
	bob.Set(sel.MainText, browsertest.NewNode("Bob Jones\nAdmissions"))
	d.AddTab(base+"/in/bob-jones/", bob)
	apply, err := d.Find(context.Background(), sel.ShowResults)
	require.NoError(t, err)
	apply.(*browsertest.Node).OnClick = func(context.Context) error {
		d.Set(sel.ResultLinks,
			browsertest.NewNode("", "href", "/in/ann-smith/?trk=search"),
			browsertest.NewNode("", "href", "/in/bob-jones/"),
		)
		return nil
	}

	a := New(cfg, nil, WithDriverFactory(driverFactory(d, nil)), WithCompleterFactory(nameCompleter), WithRunID("run-e2e"))
	input := writeInput(t, dir, "id,name\n1,Acme U\n")

	sum, err := a.Harvest(context.Background(), HarvestOptions{Input: input})
	require.NoError(t, err)
	assert.Equal(t, "run-e2e", sum.RunID)
	assert.Equal(t, 1, sum.Done)
	assert.Equal(t, 2, sum.Contacts)
	assert.Zero(t, d.OpenTabs())

	unmatchedPath := filepath.Join(dir, "unmatched.csv")
	snap := loadResults(t, cfg.Output.Results, unmatchedPath)
	require.Len(t, snap.Results, 1)
	row := snap.Results[0]
	assert.Equal(t, "1", row.ID)
	assert.Equal(t, "Acme U", row.Name)
	assert.True(t, row.Complete)
	assert.Equal(t, []harvest.Contact{
		{Name: "Ann Smith", Title: "Dean", Email: "ann@acme.edu", ProfileURL: base + "/in/ann-smith/"},
		{Name: "Bob Jones", Department: "Admissions", ProfileURL: base + "/in/bob-jones/"},
	}, row.Contacts)
	assert.Empty(t, snap.Unmatched)
	_, err = os.Stat(unmatchedPath)
	assert.True(t, os.IsNotExist(err), "unmatched file should not exist")
}

func TestHarvestUnmatchedThenResume(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfg := testConfig(t, dir)
	d := fakeSite(cfg, "Unrelated Corp", nil)
	calls := 0
	a := New(cfg, nil, WithDriverFactory(driverFactory(d, &calls)), WithCompleterFactory(nameCompleter))
	input := writeInput(t, dir, "id,name\n7,Acme University\n")

	sum, err := a.Harvest(context.Background(), HarvestOptions{Input: input})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Unmatched)
	snap := loadResults(t, cfg.Output.Results, filepath.Join(dir, "unmatched.csv"))
	assert.Equal(t, []harvest.UnmatchedEntity{{ID: "7", Name: "Acme University"}}, snap.Unmatched)
	assert.Empty(t, snap.Results)

	navigations := len(d.Navigations())
	sum, err = a.Harvest(context.Background(), HarvestOptions{Input: input})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Skipped)
	// Only the login round trip, no search.
	assert.Equal(t, navigations+1, len(d.Navigations()))
	assert.Equal(t, 2, calls)
}

func TestHarvestFreshErasesOutputs(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfg := testConfig(t, dir)
	results := filepath.Join(dir, "custom.csv")
	unmatched := filepath.Join(dir, "custom-unmatched.csv")
	require.NoError(t, local.WriteTable(unmatched, local.Table{Header: []string{"id", "name"}, Rows: [][]string{{"1", "Acme U"}}}))

	d := fakeSite(cfg, "Acme U.", map[string]string{"/in/ann-smith/": "Ann Smith"})
	a := New(cfg, nil, WithDriverFactory(driverFactory(d, nil)), WithCompleterFactory(nameCompleter))
	input := writeInput(t, dir, "id,name\n1,Acme U\n")

	sum, err := a.Harvest(context.Background(), HarvestOptions{Input: input, Results: results, Unmatched: unmatched, Fresh: true})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Done)
	snap := loadResults(t, results, unmatched)
	require.Len(t, snap.Results, 1)
	assert.Empty(t, snap.Unmatched)
}

func TestHarvestEgressMismatchIsFatalBeforeBrowser(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"ip":"198.51.100.1"}`)
	}))
	defer srv.Close()

	dir := t.TempDir()
	cfg := testConfig(t, dir)
	cfg.Egress.Enabled = true
	cfg.Egress.EchoURL = srv.URL
	cfg.Egress.ExpectedIPs = []string{"203.0.113.7"}
	calls := 0
	a := New(cfg, nil, WithDriverFactory(driverFactory(browsertest.NewDriver(""), &calls)), WithCompleterFactory(nameCompleter))

	_, err := a.Harvest(context.Background(), HarvestOptions{Input: writeInput(t, dir, "id,name\n1,Acme U\n")})
	require.Error(t, err)
	assert.True(t, harvest.IsFatal(err))
	assert.Zero(t, calls)
}

func TestHarvestInputErrors(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	a := New(testConfig(t, dir), nil, WithCompleterFactory(nameCompleter))
	_, err := a.Harvest(context.Background(), HarvestOptions{Input: filepath.Join(dir, "missing.csv")})
	require.Error(t, err)

	_, err = a.Harvest(context.Background(), HarvestOptions{Input: writeInput(t, dir, "id,title\n1,x\n")})
	require.Error(t, err)
}

func TestHarvestCompleterFailure(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	boom := errors.New("no key")
	a := New(testConfig(t, dir), nil, WithCompleterFactory(func(context.Context, config.LLMConfig) (llm.Completer, error) {
		return nil, boom
	}))
	_, err := a.Harvest(context.Background(), HarvestOptions{Input: writeInput(t, dir, "id,name\n1,Acme U\n")})
	require.ErrorIs(t, err, boom)
}

func TestOutputs(t *testing.T) {
	t.Parallel()

	a := New(config.Config{Output: config.OutputConfig{Results: "out/output.xlsx"}}, nil)
	assert.Equal(t, Outputs{Results: "out/output.xlsx", Unmatched: filepath.Join("out", "unmatched.xlsx")}, a.outputs(HarvestOptions{}))
	assert.Equal(t, Outputs{Results: "r.csv", Unmatched: "unmatched.csv"}, a.outputs(HarvestOptions{Results: "r.csv"}))
	assert.Equal(t, Outputs{Results: "r.csv", Unmatched: "u.csv"}, a.outputs(HarvestOptions{Results: "r.csv", Unmatched: "u.csv"}))
	assert.Equal(t, filepath.Join("data", "unmatched.xlsx"), DefaultUnmatchedPath("data/output"))
}

func TestOpenStoreMemory(t *testing.T) {
	t.Parallel()

	a := New(config.Config{Output: config.OutputConfig{Store: config.StoreMemory}}, nil)
	store, out, closeFn, err := a.OpenStore(context.Background(), Outputs{})
	require.NoError(t, err)
	defer closeFn()
	assert.Equal(t, "memory", out.Results)
	snap, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, snap.Results)
}

func TestDefaultCompleterRejectsUnknownProvider(t *testing.T) {
	t.Parallel()

	_, err := defaultCompleter(context.Background(), config.LLMConfig{Provider: "other"})
	require.Error(t, err)
	_, err = defaultCompleter(context.Background(), config.LLMConfig{Provider: config.ProviderOpenAI})
	require.Error(t, err, "api key is required")
}
