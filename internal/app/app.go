// Package app builds the services of a harvesting run from configuration and
// runs them.
package app

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/contact-harvester/internal/api"
	"github.com/JakeFAU/contact-harvester/internal/auth"
	"github.com/JakeFAU/contact-harvester/internal/browser"
	"github.com/JakeFAU/contact-harvester/internal/browser/cdpdriver"
	"github.com/JakeFAU/contact-harvester/internal/config"
	"github.com/JakeFAU/contact-harvester/internal/controller"
	"github.com/JakeFAU/contact-harvester/internal/egress"
	"github.com/JakeFAU/contact-harvester/internal/extract"
	"github.com/JakeFAU/contact-harvester/internal/harvest"
	"github.com/JakeFAU/contact-harvester/internal/ledger"
	"github.com/JakeFAU/contact-harvester/internal/llm"
	"github.com/JakeFAU/contact-harvester/internal/llm/gemini"
	"github.com/JakeFAU/contact-harvester/internal/llm/openai"
	"github.com/JakeFAU/contact-harvester/internal/logging"
	"github.com/JakeFAU/contact-harvester/internal/pacing"
	"github.com/JakeFAU/contact-harvester/internal/pager"
	"github.com/JakeFAU/contact-harvester/internal/profile"
	"github.com/JakeFAU/contact-harvester/internal/retry"
	"github.com/JakeFAU/contact-harvester/internal/session"
	"github.com/JakeFAU/contact-harvester/internal/storage/local"
	"github.com/JakeFAU/contact-harvester/internal/storage/memory"
	"github.com/JakeFAU/contact-harvester/internal/storage/postgres"
)

// Driver is the browser capability a run needs.
type Driver interface {
	browser.Driver
	browser.CookieJar
}

// DriverFactory starts a browser. The returned func releases it.
type DriverFactory func(cfg config.BrowserConfig, logger *zap.Logger) (Driver, func(), error)

// CompleterFactory builds the raw extraction backend.
type CompleterFactory func(ctx context.Context, cfg config.LLMConfig) (llm.Completer, error)

// Store is a ledger store that can be wiped for a fresh run.
type Store interface {
	ledger.Store
	Reset(ctx context.Context) error
}

// App holds the configuration and factories of one process.
type App struct {
	cfg          config.Config
	logger       *zap.Logger
	runID        string
	newDriver    DriverFactory
	newCompleter CompleterFactory
}

// Option customizes an App.
type Option func(*App)

// WithDriverFactory replaces the Chrome launcher.
func WithDriverFactory(f DriverFactory) Option {
	return func(a *App) { a.newDriver = f }
}

// WithCompleterFactory replaces the LLM backend.
func WithCompleterFactory(f CompleterFactory) Option {
	return func(a *App) { a.newCompleter = f }
}

// WithRunID fixes the run id instead of generating one.
func WithRunID(id string) Option {
	return func(a *App) { a.runID = id }
}

// New builds an App.
func New(cfg config.Config, logger *zap.Logger, opts ...Option) *App {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{
		cfg:          cfg,
		newDriver:    chromeDriver,
		newCompleter: defaultCompleter,
	}
	for _, o := range opts {
		o(a)
	}
	if a.runID == "" {
		a.runID = logging.NewRunID()
	}
	a.logger = logging.WithRun(logger, a.runID)
	return a
}

// RunID identifies this process's run.
func (a *App) RunID() string { return a.runID }

// Logger returns the run-scoped logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// HarvestOptions are the per-invocation inputs of Harvest.
type HarvestOptions struct {
	Input string
	// Results and Unmatched override the configured output locations.
	Results   string
	Unmatched string
	// Fresh erases existing outputs instead of resuming from them.
	Fresh bool
}

// Outputs names where the ledger lives, for the final report.
type Outputs struct {
	Results   string
	Unmatched string
}

func (a *App) outputs(opts HarvestOptions) Outputs {
	out := Outputs{Results: a.cfg.Output.Results, Unmatched: a.cfg.Output.Unmatched}
	if opts.Results != "" {
		out.Results = opts.Results
		out.Unmatched = ""
	}
	if opts.Unmatched != "" {
		out.Unmatched = opts.Unmatched
	}
	if out.Unmatched == "" {
		out.Unmatched = DefaultUnmatchedPath(out.Results)
	}
	return out
}

// DefaultUnmatchedPath is unmatched.<ext> beside the results file.
func DefaultUnmatchedPath(results string) string {
	ext := filepath.Ext(results)
	if ext == "" {
		ext = ".xlsx"
	}
	return filepath.Join(filepath.Dir(results), "unmatched"+ext)
}

// OpenStore opens the configured ledger backend. The returned func releases it.
func (a *App) OpenStore(ctx context.Context, out Outputs) (Store, Outputs, func(), error) {
	noop := func() {}
	switch a.cfg.Output.Store {
	case config.StoreMemory:
		return memory.NewLedgerStore(ledger.Snapshot{}), Outputs{Results: "memory", Unmatched: "memory"}, noop, nil
	case config.StorePostgres:
		pg := a.cfg.Postgres
		store, err := postgres.New(ctx, postgres.Config{
			DSN:             pg.DSN,
			ResultsTable:    pg.ResultsTable,
			UnmatchedTable:  pg.UnmatchedTable,
			MaxConns:        pg.MaxConns,
			MinConns:        pg.MinConns,
			MaxConnLifetime: pg.MaxConnLifetime,
		})
		if err != nil {
			return nil, Outputs{}, noop, fmt.Errorf("open postgres ledger: %w", err)
		}
		return store, Outputs{Results: "postgres:" + pg.ResultsTable, Unmatched: "postgres:" + pg.UnmatchedTable}, store.Close, nil
	default:
		store, err := local.New(local.Config{ResultsPath: out.Results, UnmatchedPath: out.Unmatched})
		if err != nil {
			return nil, Outputs{}, noop, fmt.Errorf("open file ledger: %w", err)
		}
		results, unmatched := store.Paths()
		return store, Outputs{Results: results, Unmatched: unmatched}, noop, nil
	}
}

func (a *App) retryPolicy() *retry.Policy {
	return retry.New(retry.Config{
		MaxAttempts: a.cfg.Retry.MaxAttempts,
		BaseDelay:   a.cfg.Retry.BaseDelay,
		MaxDelay:    a.cfg.Retry.MaxDelay,
	}, a.logger.Named("retry"))
}

// Verifier builds the egress verifier.
func (a *App) Verifier() (*egress.Verifier, error) {
	eg := a.cfg.Egress
	v, err := egress.New(egress.Config{
		EchoURL:     eg.EchoURL,
		ProxyURL:    a.cfg.EgressProxy(),
		ExpectedIPs: eg.ExpectedIPs,
		Timeout:     eg.Timeout,
	}, a.retryPolicy(), a.logger.Named("egress"))
	if err != nil {
		return nil, fmt.Errorf("egress verifier: %w", err)
	}
	return v, nil
}

// VerifyEgress runs one egress check.
func (a *App) VerifyEgress(ctx context.Context) (harvest.EgressStatus, error) {
	v, err := a.Verifier()
	if err != nil {
		return harvest.EgressStatus{}, err
	}
	return v.Verify(ctx)
}

// Harvest runs the whole pipeline over the entities in opts.Input.
func (a *App) Harvest(ctx context.Context, opts HarvestOptions) (controller.Summary, error) {
	entities, err := local.ReadEntities(opts.Input)
	if err != nil {
		return controller.Summary{}, err
	}

	store, outputs, closeStore, err := a.OpenStore(ctx, a.outputs(opts))
	if err != nil {
		return controller.Summary{}, err
	}
	defer closeStore()
	if opts.Fresh {
		if err := store.Reset(ctx); err != nil {
			return controller.Summary{}, fmt.Errorf("reset outputs: %w", err)
		}
		a.logger.Info("existing outputs erased", zap.String("results", outputs.Results), zap.String("unmatched", outputs.Unmatched))
	}
	led, err := ledger.Open(ctx, store, ledger.Options{DedupProfileURLs: a.cfg.Run.DedupProfileURLs}, a.logger.Named("ledger"))
	if err != nil {
		return controller.Summary{}, err
	}
	done, unmatched := led.Counts()
	a.logger.Info("ledger loaded",
		zap.Int("entities", len(entities)),
		zap.Int("done", done),
		zap.Int("unmatched", unmatched),
	)

	var verifier harvest.EgressVerifier
	if a.cfg.Egress.Enabled {
		v, err := a.Verifier()
		if err != nil {
			return controller.Summary{}, err
		}
		// Check before the browser leaves through the proxy at all.
		status, err := v.Verify(ctx)
		if err != nil {
			return controller.Summary{}, harvest.Fatal("verify egress", err)
		}
		if !status.OK {
			return controller.Summary{}, harvest.Fatal("verify egress", fmt.Errorf("unexpected egress ip %s", status.IP))
		}
		verifier = v
	}

	completer, err := a.newCompleter(ctx, a.cfg.LLM)
	if err != nil {
		return controller.Summary{}, fmt.Errorf("llm backend: %w", err)
	}
	completer = llm.WithRetry(llm.WithTimeout(completer, a.cfg.LLM.Timeout), a.retryPolicy())

	driver, closeDriver, err := a.newDriver(a.cfg.Browser, a.logger.Named("browser"))
	if err != nil {
		return controller.Summary{}, fmt.Errorf("start browser: %w", err)
	}
	defer closeDriver()

	if err := a.authenticator(driver).Login(ctx); err != nil {
		return controller.Summary{}, harvest.Fatal("login", err)
	}

	ctrl := controller.New(a.searcher(driver, completer), led, verifier, controller.Config{
		RunID:             a.runID,
		MaxProfilesPerRun: a.cfg.Run.MaxProfilesPerRun,
		VerifyEvery:       a.cfg.Egress.VerifyEvery,
	}, a.logger.Named("controller"))

	stopServer := a.serveStatus(ctx, ctrl, led)
	defer stopServer()

	summary, runErr := ctrl.Run(ctx, entities)
	done, unmatched = led.Counts()
	a.logger.Info("run finished",
		zap.String("results", outputs.Results),
		zap.String("unmatched_file", outputs.Unmatched),
		zap.Int("done", done),
		zap.Int("unmatched", unmatched),
		zap.Int("contacts", summary.Contacts),
		zap.Bool("capped", summary.Capped),
		zap.Error(runErr),
	)
	return summary, runErr
}

func (a *App) authenticator(driver Driver) *auth.Authenticator {
	return auth.New(driver, auth.Config{
		CookieFile:   a.cfg.Auth.CookieFile,
		Username:     a.cfg.Auth.Username,
		Password:     a.cfg.Auth.Password,
		LoginTimeout: a.cfg.Auth.LoginTimeout,
		CheckTimeout: a.cfg.Search.UITimeout,
		Selectors:    a.cfg.Selectors,
		URLs:         a.cfg.Site,
	}, a.logger.Named("auth"))
}

func (a *App) searcher(driver Driver, completer llm.Completer) *session.Session {
	sel := a.cfg.Selectors
	search := a.cfg.Search
	pacer := pacing.New(pacing.Config{
		ProfilesPerMinute: a.cfg.Pacing.ProfilesPerMinute,
		Burst:             a.cfg.Pacing.Burst,
		MinDelay:          a.cfg.Pacing.MinDelay,
		MaxDelay:          a.cfg.Pacing.MaxDelay,
		CooldownMin:       a.cfg.Pacing.CooldownMin,
		CooldownMax:       a.cfg.Pacing.CooldownMax,
	})
	extractor := extract.New(completer, extract.Config{
		Model:         a.cfg.LLM.Model,
		MaxInputChars: a.cfg.LLM.MaxInputChars,
	}, a.logger.Named("extract"))
	pages := profile.New(driver, extractor, pacer, profile.Config{
		Selectors:    sel,
		URLs:         a.cfg.Site,
		ListingWait:  search.ListingWait,
		MainTimeout:  search.ProfileTimeout,
		PanelTimeout: search.PanelTimeout,
	}, a.logger.Named("profile"))
	pg := pager.New(driver, pager.Config{
		StateSelector:       sel.PaginationState,
		NextSelector:        sel.PaginationNext,
		FingerprintSelector: sel.ResultLinks,
		IndicatorWait:       search.IndicatorWait,
		AdvanceTimeout:      search.AdvanceTimeout,
	}, a.logger.Named("pager"))
	return session.New(driver, pg, pages, pacer, session.Config{
		Selectors: sel,
		URLs:      a.cfg.Site,
		MinScore:  search.MinScore,
		MaxPages:  search.MaxPages,
		UITimeout: search.UITimeout,
	}, a.logger.Named("session"))
}

// serveStatus starts the status server when configured and returns its stop func.
func (a *App) serveStatus(ctx context.Context, status api.StatusSource, led api.LedgerView) func() {
	if a.cfg.Metrics.Addr == "" {
		return func() {}
	}
	srvCtx, cancel := context.WithCancel(ctx)
	srv := api.NewServer(status, led, api.Config{APIKey: a.cfg.Metrics.APIKey}, a.logger.Named("api"))
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := srv.Serve(srvCtx, a.cfg.Metrics.Addr); err != nil {
			a.logger.Error("status server failed", zap.Error(err))
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func chromeDriver(cfg config.BrowserConfig, logger *zap.Logger) (Driver, func(), error) {
	d, err := cdpdriver.New(cdpdriver.Config{
		DebugURL:          cfg.DebugURL,
		ExecPath:          cfg.ExecPath,
		UserDataDir:       cfg.UserDataDir,
		ProfileDir:        cfg.ProfileDir,
		Headless:          cfg.Headless,
		ProxyServer:       cfg.ProxyServer,
		UserAgent:         cfg.UserAgent,
		NavigationTimeout: cfg.NavigationTimeout,
		ActionTimeout:     cfg.ActionTimeout,
	}, logger)
	if err != nil {
		return nil, nil, err
	}
	return d, d.Close, nil
}

func defaultCompleter(ctx context.Context, cfg config.LLMConfig) (llm.Completer, error) {
	switch strings.ToLower(cfg.Provider) {
	case config.ProviderGemini:
		return gemini.New(ctx, gemini.Config{APIKey: cfg.APIKey, BaseURL: cfg.BaseURL})
	case config.ProviderOpenAI:
		return openai.New(openai.Config{APIKey: cfg.APIKey, BaseURL: cfg.BaseURL, Organization: cfg.Organization})
	default:
		return nil, errors.New("unknown llm provider " + cfg.Provider)
	}
}
