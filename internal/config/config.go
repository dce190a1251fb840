// Package config loads and validates harvester configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/contact-harvester/internal/site"
)

// EnvPrefix prefixes every environment override, e.g. HARVESTER_SEARCH_MIN_SCORE.
const EnvPrefix = "HARVESTER"

// Store backends for the ledger.
const (
	StoreFile     = "file"
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// LLM providers.
const (
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"
)

// Config captures every knob of a harvesting run.
type Config struct {
	Browser   BrowserConfig  `mapstructure:"browser"`
	Site      site.URLs      `mapstructure:"site"`
	Auth      AuthConfig     `mapstructure:"auth"`
	Selectors site.Selectors `mapstructure:"selectors"`
	Search    SearchConfig   `mapstructure:"search"`
	Pacing    PacingConfig   `mapstructure:"pacing"`
	LLM       LLMConfig      `mapstructure:"llm"`
	Retry     RetryConfig    `mapstructure:"retry"`
	Egress    EgressConfig   `mapstructure:"egress"`
	Run       RunConfig      `mapstructure:"run"`
	Output    OutputConfig   `mapstructure:"output"`
	Postgres  PostgresConfig `mapstructure:"postgres"`
	Metrics   MetricsConfig  `mapstructure:"metrics"`
	Logging   LoggingConfig  `mapstructure:"logging"`
}

// BrowserConfig selects between attaching to a running Chrome and launching one.
type BrowserConfig struct {
	DebugURL          string        `mapstructure:"debug_url"`
	ExecPath          string        `mapstructure:"exec_path"`
	UserDataDir       string        `mapstructure:"user_data_dir"`
	ProfileDir        string        `mapstructure:"profile_dir"`
	Headless          bool          `mapstructure:"headless"`
	ProxyServer       string        `mapstructure:"proxy_server"`
	UserAgent         string        `mapstructure:"user_agent"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
	// ActionTimeout bounds every single DevTools action (query, click, read).
	ActionTimeout time.Duration `mapstructure:"action_timeout"`
}

// AuthConfig holds login credentials and the cookie cache.
type AuthConfig struct {
	CookieFile   string        `mapstructure:"cookie_file"`
	Username     string        `mapstructure:"username"`
	Password     string        `mapstructure:"password"`
	LoginTimeout time.Duration `mapstructure:"login_timeout"`
}

// SearchConfig tunes matching and the UI waits of a search.
type SearchConfig struct {
	MinScore       float64       `mapstructure:"min_score"`
	MaxPages       int           `mapstructure:"max_pages"`
	UITimeout      time.Duration `mapstructure:"ui_timeout"`
	ListingWait    time.Duration `mapstructure:"listing_wait"`
	IndicatorWait  time.Duration `mapstructure:"indicator_wait"`
	AdvanceTimeout time.Duration `mapstructure:"advance_timeout"`
	ProfileTimeout time.Duration `mapstructure:"profile_timeout"`
	PanelTimeout   time.Duration `mapstructure:"panel_timeout"`
}

// PacingConfig spaces out profile visits and result pages.
type PacingConfig struct {
	ProfilesPerMinute float64       `mapstructure:"profiles_per_minute"`
	Burst             int           `mapstructure:"burst"`
	MinDelay          time.Duration `mapstructure:"min_delay"`
	MaxDelay          time.Duration `mapstructure:"max_delay"`
	CooldownMin       time.Duration `mapstructure:"cooldown_min"`
	CooldownMax       time.Duration `mapstructure:"cooldown_max"`
}

// LLMConfig selects the extraction model.
type LLMConfig struct {
	Provider      string        `mapstructure:"provider"`
	Model         string        `mapstructure:"model"`
	APIKey        string        `mapstructure:"api_key"`
	BaseURL       string        `mapstructure:"base_url"`
	Organization  string        `mapstructure:"organization"`
	MaxInputChars int           `mapstructure:"max_input_chars"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

// RetryConfig is the shared backoff policy.
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// EgressConfig controls apparent-IP verification.
type EgressConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	EchoURL     string        `mapstructure:"echo_url"`
	ProxyURL    string        `mapstructure:"proxy_url"`
	ExpectedIPs []string      `mapstructure:"expected_ips"`
	VerifyEvery int           `mapstructure:"verify_every"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// RunConfig bounds a single run.
type RunConfig struct {
	MaxProfilesPerRun int  `mapstructure:"max_profiles_per_run"`
	DedupProfileURLs  bool `mapstructure:"dedup_profile_urls"`
}

// OutputConfig selects the ledger backend and file locations.
type OutputConfig struct {
	Store     string `mapstructure:"store"`
	Results   string `mapstructure:"results"`
	Unmatched string `mapstructure:"unmatched"`
}

// PostgresConfig is used when output.store is postgres.
type PostgresConfig struct {
	DSN             string        `mapstructure:"dsn"`
	ResultsTable    string        `mapstructure:"results_table"`
	UnmatchedTable  string        `mapstructure:"unmatched_table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// MetricsConfig enables the status server when Addr is set.
type MetricsConfig struct {
	Addr   string `mapstructure:"addr"`
	APIKey string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// New returns a Viper instance with defaults and environment overrides wired.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	// Provider-native variables are honored as fallbacks.
	_ = v.BindEnv("llm.api_key", EnvPrefix+"_LLM_API_KEY", "OPENAI_API_KEY", "GEMINI_API_KEY")
	return v
}

// ReadFile merges a YAML (or any Viper-supported) config file into v.
func ReadFile(v *viper.Viper, path string) error {
	if path == "" {
		return nil
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

// Load unmarshals and validates v.
func Load(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Selectors = cfg.Selectors.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadFile is New, ReadFile, and Load in one call.
func LoadFile(path string) (Config, error) {
	v := New()
	if err := ReadFile(v, path); err != nil {
		return Config{}, err
	}
	return Load(v)
}

func setDefaults(v *viper.Viper) {
	urls := site.DefaultURLs()
	v.SetDefault("site.base_url", urls.Base)
	v.SetDefault("site.login_path", urls.LoginPath)
	v.SetDefault("site.feed_path", urls.FeedPath)

	v.SetDefault("browser.debug_url", "")
	v.SetDefault("browser.exec_path", "")
	v.SetDefault("browser.user_data_dir", "")
	v.SetDefault("browser.profile_dir", "")
	v.SetDefault("browser.headless", false)
	v.SetDefault("browser.proxy_server", "")
	v.SetDefault("browser.user_agent", "")
	v.SetDefault("browser.navigation_timeout", "30s")
	v.SetDefault("browser.action_timeout", "15s")

	v.SetDefault("auth.cookie_file", "cookies.json")
	v.SetDefault("auth.username", "")
	v.SetDefault("auth.password", "")
	v.SetDefault("auth.login_timeout", "5m")

	v.SetDefault("search.min_score", 80.0)
	v.SetDefault("search.max_pages", 0)
	v.SetDefault("search.ui_timeout", "15s")
	v.SetDefault("search.listing_wait", "10s")
	v.SetDefault("search.indicator_wait", "5s")
	v.SetDefault("search.advance_timeout", "15s")
	v.SetDefault("search.profile_timeout", "20s")
	v.SetDefault("search.panel_timeout", "5s")

	v.SetDefault("pacing.profiles_per_minute", 6.0)
	v.SetDefault("pacing.burst", 1)
	v.SetDefault("pacing.min_delay", "2s")
	v.SetDefault("pacing.max_delay", "6s")
	v.SetDefault("pacing.cooldown_min", "5s")
	v.SetDefault("pacing.cooldown_max", "15s")

	v.SetDefault("llm.provider", ProviderOpenAI)
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.base_url", "")
	v.SetDefault("llm.organization", "")
	v.SetDefault("llm.max_input_chars", 12000)
	v.SetDefault("llm.timeout", "60s")

	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.base_delay", "1s")
	v.SetDefault("retry.max_delay", "30s")

	v.SetDefault("egress.enabled", false)
	v.SetDefault("egress.echo_url", "https://api.ipify.org?format=json")
	v.SetDefault("egress.proxy_url", "")
	v.SetDefault("egress.expected_ips", []string{})
	v.SetDefault("egress.verify_every", 25)
	v.SetDefault("egress.timeout", "15s")

	v.SetDefault("run.max_profiles_per_run", 200)
	v.SetDefault("run.dedup_profile_urls", false)

	v.SetDefault("output.store", StoreFile)
	v.SetDefault("output.results", "output.xlsx")
	v.SetDefault("output.unmatched", "")

	v.SetDefault("postgres.dsn", "")
	v.SetDefault("postgres.results_table", "harvest_results")
	v.SetDefault("postgres.unmatched_table", "harvest_unmatched")
	v.SetDefault("postgres.max_conns", 4)
	v.SetDefault("postgres.min_conns", 0)
	v.SetDefault("postgres.max_conn_lifetime", "30m")

	v.SetDefault("metrics.addr", "")
	v.SetDefault("metrics.api_key", "")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	var errs []error
	if c.Search.MinScore < 0 || c.Search.MinScore > 100 {
		errs = append(errs, fmt.Errorf("search.min_score must be in [0,100]"))
	}
	if c.Search.MaxPages < 0 {
		errs = append(errs, fmt.Errorf("search.max_pages must be >= 0"))
	}
	if c.Pacing.MaxDelay < c.Pacing.MinDelay {
		errs = append(errs, fmt.Errorf("pacing.max_delay must be >= pacing.min_delay"))
	}
	if c.Pacing.CooldownMax < c.Pacing.CooldownMin {
		errs = append(errs, fmt.Errorf("pacing.cooldown_max must be >= pacing.cooldown_min"))
	}
	switch c.LLM.Provider {
	case ProviderOpenAI, ProviderGemini:
	default:
		errs = append(errs, fmt.Errorf("llm.provider must be %q or %q", ProviderOpenAI, ProviderGemini))
	}
	if strings.TrimSpace(c.LLM.Model) == "" {
		errs = append(errs, fmt.Errorf("llm.model must be set"))
	}
	if c.Retry.MaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("retry.max_attempts must be > 0"))
	}
	if c.Egress.VerifyEvery < 0 {
		errs = append(errs, fmt.Errorf("egress.verify_every must be >= 0"))
	}
	if c.Run.MaxProfilesPerRun < 0 {
		errs = append(errs, fmt.Errorf("run.max_profiles_per_run must be >= 0"))
	}
	switch c.Output.Store {
	case StoreFile:
		if strings.TrimSpace(c.Output.Results) == "" {
			errs = append(errs, fmt.Errorf("output.results must be set for the file store"))
		}
	case StorePostgres:
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			errs = append(errs, fmt.Errorf("postgres.dsn must be set for the postgres store"))
		}
	case StoreMemory:
	default:
		errs = append(errs, fmt.Errorf("output.store must be one of %s, %s, %s", StoreFile, StorePostgres, StoreMemory))
	}
	return errors.Join(errs...)
}

// EgressProxy returns the proxy URL egress checks should use, falling back to
// the browser's proxy server so both leave through the same route.
func (c Config) EgressProxy() string {
	p := strings.TrimSpace(c.Egress.ProxyURL)
	if p == "" {
		p = strings.TrimSpace(c.Browser.ProxyServer)
	}
	if p != "" && !strings.Contains(p, "://") {
		p = "http://" + p
	}
	return p
}
