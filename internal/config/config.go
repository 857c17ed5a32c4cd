// File: internal/config/config.go
package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Database() DatabaseConfig
	Worker() WorkerConfig
	Fetch() FetchConfig
	Scan() ScanConfig
	Browser() BrowserConfig
	Spider() SpiderConfig
	Hunt() HuntConfig
	Automation() AutomationConfig
	Providers() ProvidersConfig
	AI() AIConfig
	API() APIConfig

	SetWorkerConcurrency(int)
	SetAPIListenAddr(string)
}

// Config holds the entire application configuration.
// Fields are exported so viper can populate them; callers go through the getters.
type Config struct {
	LoggerCfg     LoggerConfig     `mapstructure:"logger" yaml:"logger"`
	DatabaseCfg   DatabaseConfig   `mapstructure:"database" yaml:"database"`
	WorkerCfg     WorkerConfig     `mapstructure:"worker" yaml:"worker"`
	FetchCfg      FetchConfig      `mapstructure:"fetch" yaml:"fetch"`
	ScanCfg       ScanConfig       `mapstructure:"scan" yaml:"scan"`
	BrowserCfg    BrowserConfig    `mapstructure:"browser" yaml:"browser"`
	SpiderCfg     SpiderConfig     `mapstructure:"spider" yaml:"spider"`
	HuntCfg       HuntConfig       `mapstructure:"hunt" yaml:"hunt"`
	AutomationCfg AutomationConfig `mapstructure:"automation" yaml:"automation"`
	ProvidersCfg  ProvidersConfig  `mapstructure:"providers" yaml:"providers"`
	AICfg         AIConfig         `mapstructure:"ai" yaml:"ai"`
	APICfg        APIConfig        `mapstructure:"api" yaml:"api"`
}

// --- Interface Method Implementations (Getters) ---

func (c *Config) Logger() LoggerConfig         { return c.LoggerCfg }
func (c *Config) Database() DatabaseConfig     { return c.DatabaseCfg }
func (c *Config) Worker() WorkerConfig         { return c.WorkerCfg }
func (c *Config) Fetch() FetchConfig           { return c.FetchCfg }
func (c *Config) Scan() ScanConfig             { return c.ScanCfg }
func (c *Config) Browser() BrowserConfig       { return c.BrowserCfg }
func (c *Config) Spider() SpiderConfig         { return c.SpiderCfg }
func (c *Config) Hunt() HuntConfig             { return c.HuntCfg }
func (c *Config) Automation() AutomationConfig { return c.AutomationCfg }
func (c *Config) Providers() ProvidersConfig   { return c.ProvidersCfg }
func (c *Config) AI() AIConfig                 { return c.AICfg }
func (c *Config) API() APIConfig               { return c.APICfg }

// --- Interface Method Implementations (Setters) ---

func (c *Config) SetWorkerConcurrency(n int)    { c.WorkerCfg.Concurrency = n }
func (c *Config) SetAPIListenAddr(addr string) { c.APICfg.ListenAddr = addr }

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// DatabaseConfig holds the database connection details. URL wins when set;
// otherwise a DSN is assembled from the discrete fields.
type DatabaseConfig struct {
	URL         string `mapstructure:"url" yaml:"url"`
	Host        string `mapstructure:"host" yaml:"host"`
	Port        int    `mapstructure:"port" yaml:"port"`
	Name        string `mapstructure:"name" yaml:"name"`
	User        string `mapstructure:"user" yaml:"user"`
	Password    string `mapstructure:"password" yaml:"-"`
	SSLMode     string `mapstructure:"sslmode" yaml:"sslmode"`
	AutoMigrate bool   `mapstructure:"auto_migrate" yaml:"auto_migrate"`
}

// DSN returns the connection string handed to pgxpool.
func (d DatabaseConfig) DSN() string {
	if d.URL != "" {
		return d.URL
	}
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(d.User, d.Password),
		Host:   fmt.Sprintf("%s:%d", d.Host, d.Port),
		Path:   "/" + d.Name,
	}
	if d.SSLMode != "" {
		u.RawQuery = "sslmode=" + url.QueryEscape(d.SSLMode)
	}
	return u.String()
}

// WorkerConfig tunes the job loop and the scheduled-work cadence.
type WorkerConfig struct {
	PollInterval             time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	LeaseDuration            time.Duration `mapstructure:"lease_duration" yaml:"lease_duration"`
	HeartbeatInterval        time.Duration `mapstructure:"heartbeat_interval" yaml:"heartbeat_interval"`
	Concurrency              int           `mapstructure:"concurrency" yaml:"concurrency"`
	HuntAutorunEnabled       bool          `mapstructure:"hunt_autorun_enabled" yaml:"hunt_autorun_enabled"`
	HuntPollInterval         time.Duration `mapstructure:"hunt_poll_interval" yaml:"hunt_poll_interval"`
	AutomationAutorunEnabled bool          `mapstructure:"automation_autorun_enabled" yaml:"automation_autorun_enabled"`
	AutomationPollInterval   time.Duration `mapstructure:"automation_poll_interval" yaml:"automation_poll_interval"`
}

// ProxyConfig defines the configuration for an outbound proxy.
type ProxyConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Address string `mapstructure:"address" yaml:"address"`
}

// FetchConfig configures the safe fetcher.
type FetchConfig struct {
	UserAgent            string        `mapstructure:"user_agent" yaml:"user_agent"`
	HTMLTimeout          time.Duration `mapstructure:"html_timeout" yaml:"html_timeout"`
	AssetTimeout         time.Duration `mapstructure:"asset_timeout" yaml:"asset_timeout"`
	FaviconTimeout       time.Duration `mapstructure:"favicon_timeout" yaml:"favicon_timeout"`
	MaxRedirects         int           `mapstructure:"max_redirects" yaml:"max_redirects"`
	MaxBodyBytes         int64         `mapstructure:"max_body_bytes" yaml:"max_body_bytes"`
	AllowPrivateNetworks bool          `mapstructure:"allow_private_networks" yaml:"allow_private_networks"`
	Proxy                ProxyConfig   `mapstructure:"proxy" yaml:"proxy"`
}

// ScanConfig configures the scan pipeline.
type ScanConfig struct {
	StorageDir         string        `mapstructure:"storage_dir" yaml:"storage_dir"`
	MaxAssets          int           `mapstructure:"max_assets" yaml:"max_assets"`
	AssetConcurrency   int           `mapstructure:"asset_concurrency" yaml:"asset_concurrency"`
	ExcerptChars       int           `mapstructure:"excerpt_chars" yaml:"excerpt_chars"`
	MaxHTMLBytes       int           `mapstructure:"max_html_bytes" yaml:"max_html_bytes"`
	RiskPerMatch       int           `mapstructure:"risk_per_match" yaml:"risk_per_match"`
	RiskAlertThreshold int           `mapstructure:"risk_alert_threshold" yaml:"risk_alert_threshold"`
	DNSServer          string        `mapstructure:"dns_server" yaml:"dns_server"`
	DNSTimeout         time.Duration `mapstructure:"dns_timeout" yaml:"dns_timeout"`
	JARMTimeout        time.Duration `mapstructure:"jarm_timeout" yaml:"jarm_timeout"`
}

// BrowserConfig holds settings for the headless screenshot browser.
type BrowserConfig struct {
	ScreenshotEnabled bool          `mapstructure:"screenshot_enabled" yaml:"screenshot_enabled"`
	Headless          bool          `mapstructure:"headless" yaml:"headless"`
	NoSandbox         bool          `mapstructure:"no_sandbox" yaml:"no_sandbox"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	ExecPath          string        `mapstructure:"exec_path" yaml:"exec_path"`
	Args              []string      `mapstructure:"args" yaml:"args"`
}

// SpiderConfig carries the crawl defaults used when a job payload omits them.
type SpiderConfig struct {
	DefaultMaxPages int           `mapstructure:"default_max_pages" yaml:"default_max_pages"`
	DefaultMaxDepth int           `mapstructure:"default_max_depth" yaml:"default_max_depth"`
	SitemapLimit    int           `mapstructure:"sitemap_limit" yaml:"sitemap_limit"`
	Timeout         time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// HuntConfig configures the hunt engine.
type HuntConfig struct {
	MaxResults int `mapstructure:"max_results" yaml:"max_results"`
}

// AutomationConfig configures the graph executor.
type AutomationConfig struct {
	MaxSteps       int           `mapstructure:"max_steps" yaml:"max_steps"`
	MaxQueue       int           `mapstructure:"max_queue" yaml:"max_queue"`
	WebhookTimeout time.Duration `mapstructure:"webhook_timeout" yaml:"webhook_timeout"`
}

// ProvidersConfig configures the OSINT provider clients. Credentials are not here;
// they are read through the settings store.
type ProvidersConfig struct {
	Timeout        time.Duration `mapstructure:"timeout" yaml:"timeout"`
	MaxRetries     int           `mapstructure:"max_retries" yaml:"max_retries"`
	CrtshRateLimit float64       `mapstructure:"crtsh_rate_limit" yaml:"crtsh_rate_limit"`
	HolehePath     string        `mapstructure:"holehe_path" yaml:"holehe_path"`
	HoleheTimeout  time.Duration `mapstructure:"holehe_timeout" yaml:"holehe_timeout"`
	FOFAURL        string        `mapstructure:"fofa_url" yaml:"fofa_url"`
	URLScanURL     string        `mapstructure:"urlscan_url" yaml:"urlscan_url"`
	SerpAPIURL     string        `mapstructure:"serpapi_url" yaml:"serpapi_url"`
	DDGURL         string        `mapstructure:"ddg_url" yaml:"ddg_url"`
	CrtshURL       string        `mapstructure:"crtsh_url" yaml:"crtsh_url"`
	DomainsDBURL   string        `mapstructure:"domainsdb_url" yaml:"domainsdb_url"`
	BlockcypherURL string        `mapstructure:"blockcypher_url" yaml:"blockcypher_url"`
}

// AIConfig configures the optional signature verifier.
type AIConfig struct {
	Provider string        `mapstructure:"provider" yaml:"provider"`
	Model    string        `mapstructure:"model" yaml:"model"`
	Timeout  time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// APIConfig configures the HTTP API server.
type APIConfig struct {
	ListenAddr   string        `mapstructure:"listen_addr" yaml:"listen_addr"`
	AuthEnabled  bool          `mapstructure:"auth_enabled" yaml:"auth_enabled"`
	JWTSecret    string        `mapstructure:"jwt_secret" yaml:"-"`
	TokenTTL     time.Duration `mapstructure:"token_ttl" yaml:"token_ttl"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults, but good to be safe.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "scamhunter")
	v.SetDefault("logger.log_file", "scamhunter.log")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.dpanic", "magenta")
	v.SetDefault("logger.colors.panic", "magenta")
	v.SetDefault("logger.colors.fatal", "magenta")

	// -- Database --
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "scamhunter")
	v.SetDefault("database.user", "scamhunter")
	v.SetDefault("database.password", "scamhunter")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.auto_migrate", true)

	// -- Worker --
	v.SetDefault("worker.poll_interval", "2s")
	v.SetDefault("worker.lease_duration", "30s")
	v.SetDefault("worker.heartbeat_interval", "10s")
	v.SetDefault("worker.concurrency", 1)
	v.SetDefault("worker.hunt_autorun_enabled", true)
	v.SetDefault("worker.hunt_poll_interval", "10s")
	v.SetDefault("worker.automation_autorun_enabled", true)
	v.SetDefault("worker.automation_poll_interval", "10s")

	// -- Fetch --
	v.SetDefault("fetch.user_agent", "ScamHunter/1.0")
	v.SetDefault("fetch.html_timeout", "8s")
	v.SetDefault("fetch.asset_timeout", "6s")
	v.SetDefault("fetch.favicon_timeout", "5s")
	v.SetDefault("fetch.max_redirects", 10)
	v.SetDefault("fetch.max_body_bytes", 10<<20)
	v.SetDefault("fetch.allow_private_networks", false)
	v.SetDefault("fetch.proxy.enabled", false)

	// -- Scan --
	v.SetDefault("scan.storage_dir", "storage")
	v.SetDefault("scan.max_assets", 40)
	v.SetDefault("scan.asset_concurrency", 4)
	v.SetDefault("scan.excerpt_chars", 20000)
	v.SetDefault("scan.max_html_bytes", 2000000)
	v.SetDefault("scan.risk_per_match", 20)
	v.SetDefault("scan.risk_alert_threshold", 50)
	v.SetDefault("scan.dns_timeout", "2s")
	v.SetDefault("scan.jarm_timeout", "3s")

	// -- Browser --
	v.SetDefault("browser.screenshot_enabled", true)
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.no_sandbox", true)
	v.SetDefault("browser.navigation_timeout", "8s")

	// -- Spider --
	v.SetDefault("spider.default_max_pages", 200)
	v.SetDefault("spider.default_max_depth", 2)
	v.SetDefault("spider.sitemap_limit", 500)
	v.SetDefault("spider.timeout", "8s")

	// -- Hunt --
	v.SetDefault("hunt.max_results", 200)

	// -- Automation --
	v.SetDefault("automation.max_steps", 200)
	v.SetDefault("automation.max_queue", 200)
	v.SetDefault("automation.webhook_timeout", "10s")

	// -- Providers --
	v.SetDefault("providers.timeout", "15s")
	v.SetDefault("providers.max_retries", 2)
	v.SetDefault("providers.crtsh_rate_limit", 2.0)
	v.SetDefault("providers.holehe_path", "holehe")
	v.SetDefault("providers.holehe_timeout", "25s")
	v.SetDefault("providers.fofa_url", "https://fofa.info/api/v1/search/all")
	v.SetDefault("providers.urlscan_url", "https://urlscan.io/api/v1/search/")
	v.SetDefault("providers.serpapi_url", "https://serpapi.com/search.json")
	v.SetDefault("providers.ddg_url", "https://duckduckgo.com/html/")
	v.SetDefault("providers.crtsh_url", "https://crt.sh/")
	v.SetDefault("providers.domainsdb_url", "https://api.domainsdb.info/v1/domains/search")
	v.SetDefault("providers.blockcypher_url", "https://api.blockcypher.com/v1")

	// -- AI --
	v.SetDefault("ai.model", "gemini-2.5-flash")
	v.SetDefault("ai.timeout", "30s")

	// -- API --
	v.SetDefault("api.listen_addr", ":8000")
	v.SetDefault("api.auth_enabled", false)
	v.SetDefault("api.token_ttl", "24h")
	v.SetDefault("api.read_timeout", "15s")
	v.SetDefault("api.write_timeout", "60s")
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Bind environment variables for sensitive data
	_ = v.BindEnv("database.password", "SCAMHUNTER_DATABASE_PASSWORD", "DB_PASSWORD")
	_ = v.BindEnv("database.url", "SCAMHUNTER_DATABASE_URL", "DATABASE_URL")
	_ = v.BindEnv("api.jwt_secret", "SCAMHUNTER_API_JWT_SECRET")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if cfg.APICfg.AuthEnabled && cfg.APICfg.JWTSecret == "" {
		cfg.APICfg.JWTSecret = os.Getenv("SCAMHUNTER_API_JWT_SECRET")
	}

	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// normalize expands "~" in filesystem paths.
func (c *Config) normalize() error {
	if strings.HasPrefix(c.ScanCfg.StorageDir, "~") {
		expanded, err := homedir.Expand(c.ScanCfg.StorageDir)
		if err != nil {
			return fmt.Errorf("failed to expand scan.storage_dir: %w", err)
		}
		c.ScanCfg.StorageDir = expanded
	}
	if strings.HasPrefix(c.LoggerCfg.LogFile, "~") {
		expanded, err := homedir.Expand(c.LoggerCfg.LogFile)
		if err != nil {
			return fmt.Errorf("failed to expand logger.log_file: %w", err)
		}
		c.LoggerCfg.LogFile = expanded
	}
	return nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.WorkerCfg.Concurrency <= 0 {
		return fmt.Errorf("worker.concurrency must be a positive integer")
	}
	if c.WorkerCfg.LeaseDuration <= 0 {
		return fmt.Errorf("worker.lease_duration must be a positive duration")
	}
	if c.WorkerCfg.HeartbeatInterval >= c.WorkerCfg.LeaseDuration {
		return fmt.Errorf("worker.heartbeat_interval must be shorter than worker.lease_duration")
	}
	if c.ScanCfg.MaxAssets < 0 {
		return fmt.Errorf("scan.max_assets cannot be negative")
	}
	if c.ScanCfg.StorageDir == "" {
		return fmt.Errorf("scan.storage_dir is required")
	}
	if c.AutomationCfg.MaxSteps <= 0 {
		return fmt.Errorf("automation.max_steps must be a positive integer")
	}
	if c.APICfg.AuthEnabled && c.APICfg.JWTSecret == "" {
		return fmt.Errorf("api.jwt_secret is required when api.auth_enabled is set. Ensure SCAMHUNTER_API_JWT_SECRET is set")
	}
	return nil
}
