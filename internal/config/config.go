// Package config provides YAML configuration loading with validation and
// environment variable substitution for the task router.
package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"regexp"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/dskow/taskrouter/internal/task"
)

// KnownProviders lists the providers an adapter shell exists for.
var KnownProviders = []string{"exa", "firecrawl", "jina", "browserless", "apify", "dataforseo"}

// IsKnownProvider reports whether name has an adapter shell.
func IsKnownProvider(name string) bool {
	return slices.Contains(KnownProviders, name)
}

// Config is the top-level router configuration.
type Config struct {
	Server    ServerConfig              `yaml:"server" json:"server"`
	Metrics   MetricsConfig             `yaml:"metrics" json:"metrics"`
	Logging   LoggingConfig             `yaml:"logging" json:"logging"`
	Admin     AdminConfig               `yaml:"admin" json:"admin"`
	Ingress   IngressConfig             `yaml:"ingress" json:"ingress"`
	Bridge    BridgeConfig              `yaml:"bridge" json:"bridge"`
	Router    RouterConfig              `yaml:"router" json:"router"`
	Defaults  DefaultsConfig            `yaml:"defaults" json:"defaults"`
	Providers map[string]ProviderConfig `yaml:"providers" json:"providers"`
	Fallbacks map[string][]string       `yaml:"fallbacks" json:"fallbacks"`
	Routing   map[string]string         `yaml:"routing" json:"routing,omitempty"`
	Budget    BudgetConfig              `yaml:"budget" json:"budget"`
	ExecLog   ExecLogConfig             `yaml:"execlog" json:"execlog"`

	// Secrets are read from the environment, never from YAML, and never
	// serialized.
	Secrets Secrets `yaml:"-" json:"-"`

	// Warnings holds non-fatal config issues detected during loading.
	// Stored on the Config itself (not a package-level var) so it is
	// safe to call Load concurrently from the hot-reload goroutine.
	Warnings []string `yaml:"-" json:"-"`
}

// Secrets holds credentials supplied through environment variables.
type Secrets struct {
	BridgeSigningKey string `env:"BRIDGE_SIGNING_KEY"`
	RedisPassword    string `env:"REDIS_PASSWORD"`
	PostgresDSN      string `env:"EXECLOG_POSTGRES_DSN"`
}

// MetricsConfig holds Prometheus metrics endpoint settings.
// Enabled defaults to true; set to false to disable metrics.
type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
}

// IsEnabled returns whether metrics are enabled (defaults to true).
func (m MetricsConfig) IsEnabled() bool {
	if m.Enabled == nil {
		return true
	}
	return *m.Enabled
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port" json:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" json:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
	TrustedProxies  []string      `yaml:"trusted_proxies" json:"trusted_proxies"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes" json:"max_body_bytes"`
	GlobalTimeoutMs int           `yaml:"global_timeout_ms" json:"global_timeout_ms"`
	CORSOrigins     []string      `yaml:"cors_origins" json:"cors_origins"`
	TLS             TLSConfig     `yaml:"tls" json:"tls"`
}

// GlobalTimeout returns the global request deadline as a time.Duration.
// Returns 0 (disabled) when GlobalTimeoutMs is not set.
func (s ServerConfig) GlobalTimeout() time.Duration {
	if s.GlobalTimeoutMs <= 0 {
		return 0
	}
	return time.Duration(s.GlobalTimeoutMs) * time.Millisecond
}

// TLSConfig holds TLS termination settings.
type TLSConfig struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	CertFile   string `yaml:"cert_file" json:"cert_file"`
	KeyFile    string `yaml:"key_file" json:"key_file"`
	MinVersion string `yaml:"min_version" json:"min_version"` // "1.2" or "1.3"; default: "1.2"
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Level      string `yaml:"level" json:"level"`               // debug, info, warn, error; default: "info"
	Output     string `yaml:"output" json:"output"`             // "stdout", "stderr", or file path; default: "stdout"
	MaxSizeMB  int    `yaml:"max_size_mb" json:"max_size_mb"`   // max log file size before rotation; default: 100
	MaxBackups int    `yaml:"max_backups" json:"max_backups"`   // number of rotated files to keep; default: 3
	MaxAgeDays int    `yaml:"max_age_days" json:"max_age_days"` // max days to retain rotated files; default: 30
}

// ValidLogLevels are the accepted log level strings.
var ValidLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// AdminConfig holds admin API settings.
type AdminConfig struct {
	Enabled     bool     `yaml:"enabled" json:"enabled"`           // default: false
	IPAllowlist []string `yaml:"ip_allowlist" json:"ip_allowlist"` // CIDR notation
}

// IngressConfig holds the per-tenant HTTP admission limiter settings.
type IngressConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second" json:"requests_per_second"`
	BurstSize         int     `yaml:"burst_size" json:"burst_size"`
}

// BridgeConfig selects how adapters reach the tool bridge.
type BridgeConfig struct {
	Mode     string        `yaml:"mode" json:"mode"` // "http" or "local"; default: "http"
	URL      string        `yaml:"url" json:"url"`
	Timeout  time.Duration `yaml:"timeout" json:"timeout"`
	Issuer   string        `yaml:"issuer" json:"issuer"`
	Audience string        `yaml:"audience" json:"audience"`
}

// RouterConfig holds routing-wide settings.
type RouterConfig struct {
	DefaultProvider  string        `yaml:"default_provider" json:"default_provider"`
	RateLimitBackoff time.Duration `yaml:"rate_limit_backoff" json:"rate_limit_backoff"`
	MaxRetries       int           `yaml:"max_retries" json:"max_retries"`
	RetryBaseDelay   time.Duration `yaml:"retry_base_delay" json:"retry_base_delay"`
	RetryMaxDelay    time.Duration `yaml:"retry_max_delay" json:"retry_max_delay"`
	HealthCacheTTL   time.Duration `yaml:"health_cache_ttl" json:"health_cache_ttl"`
}

// RateLimitConfig holds a provider's fixed-window quotas. A zero value
// disables that window.
type RateLimitConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute" json:"requests_per_minute"`
	RequestsPerHour   int `yaml:"requests_per_hour" json:"requests_per_hour"`
	RequestsPerDay    int `yaml:"requests_per_day" json:"requests_per_day"`
}

// IsZero reports whether no window is configured.
func (r RateLimitConfig) IsZero() bool {
	return r.RequestsPerMinute == 0 && r.RequestsPerHour == 0 && r.RequestsPerDay == 0
}

// CircuitBreakerConfig holds a provider's breaker thresholds.
type CircuitBreakerConfig struct {
	FailureThreshold int `yaml:"failure_threshold" json:"failure_threshold"`
	SuccessThreshold int `yaml:"success_threshold" json:"success_threshold"`
	TimeoutMs        int `yaml:"timeout_ms" json:"timeout_ms"`
}

// Timeout returns the open-state timeout as a time.Duration.
func (c CircuitBreakerConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// DefaultsConfig holds values inherited by providers that don't override them.
type DefaultsConfig struct {
	RateLimit      RateLimitConfig      `yaml:"rate_limit" json:"rate_limit"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker" json:"circuit_breaker"`
	TimeoutMs      int                  `yaml:"timeout_ms" json:"timeout_ms"`
}

// ProviderConfig holds per-provider settings. Nil pointers inherit from
// Defaults.
type ProviderConfig struct {
	Enabled        *bool                 `yaml:"enabled" json:"enabled"`
	RateLimit      *RateLimitConfig      `yaml:"rate_limit" json:"rate_limit,omitempty"`
	CircuitBreaker *CircuitBreakerConfig `yaml:"circuit_breaker" json:"circuit_breaker,omitempty"`
	TimeoutMs      int                   `yaml:"timeout_ms" json:"timeout_ms"`
	CostCents      int64                 `yaml:"cost_cents" json:"cost_cents"`
	MaxConcurrent  int                   `yaml:"max_concurrent" json:"max_concurrent"`
}

// IsEnabled returns whether the provider is enabled (defaults to true).
func (p ProviderConfig) IsEnabled() bool {
	if p.Enabled == nil {
		return true
	}
	return *p.Enabled
}

// BudgetConfig holds tenant spend guard settings.
type BudgetConfig struct {
	Backend         string           `yaml:"backend" json:"backend"` // "none", "memory", "redis"; default: "none"
	DailyLimitCents int64            `yaml:"daily_limit_cents" json:"daily_limit_cents"`
	TenantLimits    map[string]int64 `yaml:"tenant_limits" json:"tenant_limits,omitempty"`
	Redis           RedisConfig      `yaml:"redis" json:"redis"`
}

// RedisConfig holds Redis connection settings. The password comes from
// REDIS_PASSWORD.
type RedisConfig struct {
	Addr      string `yaml:"addr" json:"addr"`
	DB        int    `yaml:"db" json:"db"`
	KeyPrefix string `yaml:"key_prefix" json:"key_prefix"`
}

// ExecLogConfig holds execution log sink settings.
type ExecLogConfig struct {
	Sinks      []string       `yaml:"sinks" json:"sinks"` // slog, file, postgres; default: [slog]
	BufferSize int            `yaml:"buffer_size" json:"buffer_size"`
	File       FileSinkConfig `yaml:"file" json:"file"`
	Postgres   PostgresConfig `yaml:"postgres" json:"postgres"`
}

// FileSinkConfig holds JSON-lines execution log file settings.
type FileSinkConfig struct {
	Path       string `yaml:"path" json:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb" json:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" json:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" json:"max_age_days"`
}

// PostgresConfig holds the execution log table settings. The DSN comes from
// EXECLOG_POSTGRES_DSN.
type PostgresConfig struct {
	Table string `yaml:"table" json:"table"`
}

// HasSink reports whether the named execution log sink is configured.
func (e ExecLogConfig) HasSink(name string) bool {
	return slices.Contains(e.Sinks, name)
}

// ProviderNames returns the configured provider names, sorted.
func (c *Config) ProviderNames() []string {
	names := make([]string, 0, len(c.Providers))
	for name := range c.Providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// EnabledProviders returns the configured and enabled provider names, sorted.
func (c *Config) EnabledProviders() []string {
	var names []string
	for _, name := range c.ProviderNames() {
		if c.Providers[name].IsEnabled() {
			names = append(names, name)
		}
	}
	return names
}

// ProviderRateLimit returns the effective quotas for provider.
func (c *Config) ProviderRateLimit(provider string) RateLimitConfig {
	if p, ok := c.Providers[provider]; ok && p.RateLimit != nil {
		return *p.RateLimit
	}
	return c.Defaults.RateLimit
}

// RateLimits returns the effective quotas for every configured provider.
func (c *Config) RateLimits() map[string]RateLimitConfig {
	out := make(map[string]RateLimitConfig, len(c.Providers))
	for name := range c.Providers {
		out[name] = c.ProviderRateLimit(name)
	}
	return out
}

// ProviderBreaker returns the effective breaker thresholds for provider.
// Zero fields of a provider override inherit from Defaults.
func (c *Config) ProviderBreaker(provider string) CircuitBreakerConfig {
	out := c.Defaults.CircuitBreaker
	if p, ok := c.Providers[provider]; ok && p.CircuitBreaker != nil {
		if p.CircuitBreaker.FailureThreshold > 0 {
			out.FailureThreshold = p.CircuitBreaker.FailureThreshold
		}
		if p.CircuitBreaker.SuccessThreshold > 0 {
			out.SuccessThreshold = p.CircuitBreaker.SuccessThreshold
		}
		if p.CircuitBreaker.TimeoutMs > 0 {
			out.TimeoutMs = p.CircuitBreaker.TimeoutMs
		}
	}
	return out
}

// ProviderTimeout returns the per-call timeout for provider.
func (c *Config) ProviderTimeout(provider string) time.Duration {
	ms := c.Defaults.TimeoutMs
	if p, ok := c.Providers[provider]; ok && p.TimeoutMs > 0 {
		ms = p.TimeoutMs
	}
	return time.Duration(ms) * time.Millisecond
}

var envVarRe = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns in s with the corresponding
// environment variable value.
func expandEnvVars(s string) string {
	return envVarRe.ReplaceAllStringFunc(s, func(match string) string {
		key := match[2 : len(match)-1]
		if val, ok := os.LookupEnv(key); ok {
			return val
		}
		return match
	})
}

// Load reads and parses a YAML configuration file, applies environment
// variable substitution, reads secrets from the environment, sets defaults,
// and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return LoadFromBytes(data)
}

// LoadFromBytes parses configuration from raw YAML bytes. Useful for testing.
func LoadFromBytes(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := env.Parse(&cfg.Secrets); err != nil {
		return nil, fmt.Errorf("reading secrets from environment: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	cfg.Warnings = collectWarnings(&cfg)

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}

	// Logging defaults
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}
	if cfg.Logging.MaxSizeMB == 0 {
		cfg.Logging.MaxSizeMB = 100
	}
	if cfg.Logging.MaxBackups == 0 {
		cfg.Logging.MaxBackups = 3
	}
	if cfg.Logging.MaxAgeDays == 0 {
		cfg.Logging.MaxAgeDays = 30
	}

	// Server defaults
	if cfg.Server.TLS.Enabled && cfg.Server.TLS.MinVersion == "" {
		cfg.Server.TLS.MinVersion = "1.2"
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 15 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 90 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Server.MaxBodyBytes == 0 {
		cfg.Server.MaxBodyBytes = 1048576 // 1 MB
	}

	// Ingress defaults
	if cfg.Ingress.RequestsPerSecond == 0 {
		cfg.Ingress.RequestsPerSecond = 50
	}
	if cfg.Ingress.BurstSize == 0 {
		cfg.Ingress.BurstSize = 25
	}

	// Bridge defaults
	if cfg.Bridge.Mode == "" {
		cfg.Bridge.Mode = "http"
	}
	if cfg.Bridge.Timeout == 0 {
		cfg.Bridge.Timeout = 60 * time.Second
	}
	if cfg.Bridge.Issuer == "" {
		cfg.Bridge.Issuer = "taskrouter"
	}
	if cfg.Bridge.Audience == "" {
		cfg.Bridge.Audience = "toolbridge"
	}

	// Router defaults
	r := &cfg.Router
	if r.DefaultProvider == "" {
		r.DefaultProvider = "firecrawl"
	}
	if r.RateLimitBackoff == 0 {
		r.RateLimitBackoff = 60 * time.Second
	}
	if r.MaxRetries == 0 {
		r.MaxRetries = 2
	}
	if r.RetryBaseDelay == 0 {
		r.RetryBaseDelay = 250 * time.Millisecond
	}
	if r.RetryMaxDelay == 0 {
		r.RetryMaxDelay = 5 * time.Second
	}
	if r.HealthCacheTTL == 0 {
		r.HealthCacheTTL = 30 * time.Second
	}

	// Provider defaults. A wholly empty defaults.rate_limit gets conservative
	// quotas; individual zero windows inside a configured block stay disabled.
	if cfg.Defaults.RateLimit.IsZero() {
		cfg.Defaults.RateLimit = RateLimitConfig{
			RequestsPerMinute: 60,
			RequestsPerHour:   1000,
			RequestsPerDay:    10000,
		}
	}
	cb := &cfg.Defaults.CircuitBreaker
	if cb.FailureThreshold == 0 {
		cb.FailureThreshold = 5
	}
	if cb.SuccessThreshold == 0 {
		cb.SuccessThreshold = 2
	}
	if cb.TimeoutMs == 0 {
		cb.TimeoutMs = 60000
	}
	if cfg.Defaults.TimeoutMs == 0 {
		cfg.Defaults.TimeoutMs = 30000
	}

	// Budget defaults
	if cfg.Budget.Backend == "" {
		cfg.Budget.Backend = "none"
	}
	if cfg.Budget.Redis.KeyPrefix == "" {
		cfg.Budget.Redis.KeyPrefix = "taskrouter:budget"
	}

	// Execution log defaults
	el := &cfg.ExecLog
	if len(el.Sinks) == 0 {
		el.Sinks = []string{"slog"}
	}
	if el.BufferSize == 0 {
		el.BufferSize = 1024
	}
	if el.File.MaxSizeMB == 0 {
		el.File.MaxSizeMB = 100
	}
	if el.File.MaxBackups == 0 {
		el.File.MaxBackups = 5
	}
	if el.File.MaxAgeDays == 0 {
		el.File.MaxAgeDays = 14
	}
	if el.Postgres.Table == "" {
		el.Postgres.Table = "task_executions"
	}
}

var tableNameRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", cfg.Server.Port)
	}
	if cfg.Server.MaxBodyBytes < 0 {
		return fmt.Errorf("server.max_body_bytes must be positive")
	}
	if cfg.Server.GlobalTimeoutMs < 0 {
		return fmt.Errorf("server.global_timeout_ms must be non-negative")
	}

	// TLS validation
	if cfg.Server.TLS.Enabled {
		if cfg.Server.TLS.CertFile == "" {
			return fmt.Errorf("server.tls.cert_file is required when TLS is enabled")
		}
		if cfg.Server.TLS.KeyFile == "" {
			return fmt.Errorf("server.tls.key_file is required when TLS is enabled")
		}
		if cfg.Server.TLS.MinVersion != "1.2" && cfg.Server.TLS.MinVersion != "1.3" {
			return fmt.Errorf("server.tls.min_version must be \"1.2\" or \"1.3\", got %q", cfg.Server.TLS.MinVersion)
		}
	}

	// Logging validation
	if !ValidLogLevels[cfg.Logging.Level] {
		return fmt.Errorf("logging.level must be one of debug, info, warn, error; got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Output != "stdout" && cfg.Logging.Output != "stderr" {
		if cfg.Logging.MaxSizeMB < 1 {
			return fmt.Errorf("logging.max_size_mb must be positive when output is a file path")
		}
	}

	// Admin validation
	if cfg.Admin.Enabled {
		if len(cfg.Admin.IPAllowlist) == 0 {
			return fmt.Errorf("admin.ip_allowlist is required when admin is enabled")
		}
		for i, cidr := range cfg.Admin.IPAllowlist {
			if _, _, err := net.ParseCIDR(cidr); err != nil {
				return fmt.Errorf("admin.ip_allowlist[%d]: invalid CIDR %q: %w", i, cidr, err)
			}
		}
	}

	if cfg.Ingress.RequestsPerSecond <= 0 {
		return fmt.Errorf("ingress.requests_per_second must be positive")
	}
	if cfg.Ingress.BurstSize <= 0 {
		return fmt.Errorf("ingress.burst_size must be positive")
	}

	// Bridge validation
	switch cfg.Bridge.Mode {
	case "local":
	case "http":
		u, err := url.Parse(cfg.Bridge.URL)
		if err != nil || cfg.Bridge.URL == "" {
			return fmt.Errorf("bridge.url is required when bridge.mode is http")
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("bridge.url: scheme must be http or https, got %q", u.Scheme)
		}
		if u.Host == "" {
			return fmt.Errorf("bridge.url: host is required")
		}
	default:
		return fmt.Errorf("bridge.mode must be \"http\" or \"local\", got %q", cfg.Bridge.Mode)
	}
	if cfg.Bridge.Timeout < 0 {
		return fmt.Errorf("bridge.timeout must be non-negative")
	}

	// Provider validation
	if len(cfg.Providers) == 0 {
		return fmt.Errorf("at least one provider must be configured")
	}
	for _, name := range cfg.ProviderNames() {
		p := cfg.Providers[name]
		if !IsKnownProvider(name) {
			return fmt.Errorf("providers.%s: unknown provider (known: %s)", name, strings.Join(KnownProviders, ", "))
		}
		if p.TimeoutMs < 0 {
			return fmt.Errorf("providers.%s.timeout_ms must be non-negative", name)
		}
		if p.CostCents < 0 {
			return fmt.Errorf("providers.%s.cost_cents must be non-negative", name)
		}
		if p.MaxConcurrent < 0 {
			return fmt.Errorf("providers.%s.max_concurrent must be non-negative", name)
		}
		if p.RateLimit != nil {
			if err := validateRateLimit("providers."+name+".rate_limit", *p.RateLimit); err != nil {
				return err
			}
		}
		if p.CircuitBreaker != nil {
			cb := p.CircuitBreaker
			if cb.FailureThreshold < 0 || cb.SuccessThreshold < 0 || cb.TimeoutMs < 0 {
				return fmt.Errorf("providers.%s.circuit_breaker values must be non-negative", name)
			}
		}
	}
	if err := validateRateLimit("defaults.rate_limit", cfg.Defaults.RateLimit); err != nil {
		return err
	}
	cb := cfg.Defaults.CircuitBreaker
	if cb.FailureThreshold < 1 || cb.SuccessThreshold < 1 || cb.TimeoutMs < 1 {
		return fmt.Errorf("defaults.circuit_breaker values must be positive")
	}
	if cfg.Defaults.TimeoutMs < 1 {
		return fmt.Errorf("defaults.timeout_ms must be positive")
	}

	// Routing validation
	if _, ok := cfg.Providers[cfg.Router.DefaultProvider]; !ok {
		return fmt.Errorf("router.default_provider %q is not a configured provider", cfg.Router.DefaultProvider)
	}
	if cfg.Router.RateLimitBackoff < 0 {
		return fmt.Errorf("router.rate_limit_backoff must be non-negative")
	}
	if cfg.Router.MaxRetries < 0 {
		return fmt.Errorf("router.max_retries must be non-negative")
	}
	for tt, provider := range cfg.Routing {
		if !task.Type(tt).Valid() {
			return fmt.Errorf("routing.%s: unknown task type", tt)
		}
		if _, ok := cfg.Providers[provider]; !ok {
			return fmt.Errorf("routing.%s: provider %q is not configured", tt, provider)
		}
	}
	for from, chain := range cfg.Fallbacks {
		if _, ok := cfg.Providers[from]; !ok {
			return fmt.Errorf("fallbacks.%s: provider is not configured", from)
		}
		seen := make(map[string]bool, len(chain))
		for i, to := range chain {
			if to == from {
				return fmt.Errorf("fallbacks.%s[%d]: a provider cannot fall back to itself", from, i)
			}
			if !IsKnownProvider(to) {
				return fmt.Errorf("fallbacks.%s[%d]: unknown provider %q", from, i, to)
			}
			if seen[to] {
				return fmt.Errorf("fallbacks.%s[%d]: duplicate provider %q", from, i, to)
			}
			seen[to] = true
		}
	}

	// Budget validation
	switch cfg.Budget.Backend {
	case "none":
	case "memory", "redis":
		if cfg.Budget.DailyLimitCents <= 0 {
			return fmt.Errorf("budget.daily_limit_cents must be positive when budget.backend is %q", cfg.Budget.Backend)
		}
		if cfg.Budget.Backend == "redis" && cfg.Budget.Redis.Addr == "" {
			return fmt.Errorf("budget.redis.addr is required when budget.backend is redis")
		}
	default:
		return fmt.Errorf("budget.backend must be one of none, memory, redis; got %q", cfg.Budget.Backend)
	}
	for tenant, limit := range cfg.Budget.TenantLimits {
		if limit < 0 {
			return fmt.Errorf("budget.tenant_limits.%s must be non-negative", tenant)
		}
	}

	// Execution log validation
	el := cfg.ExecLog
	for i, sink := range el.Sinks {
		switch sink {
		case "slog":
		case "file":
			if el.File.Path == "" {
				return fmt.Errorf("execlog.file.path is required when the file sink is enabled")
			}
		case "postgres":
			if cfg.Secrets.PostgresDSN == "" {
				return fmt.Errorf("EXECLOG_POSTGRES_DSN must be set when the postgres sink is enabled")
			}
			if !tableNameRe.MatchString(el.Postgres.Table) {
				return fmt.Errorf("execlog.postgres.table: invalid table name %q", el.Postgres.Table)
			}
		default:
			return fmt.Errorf("execlog.sinks[%d]: unknown sink %q", i, sink)
		}
	}
	if el.BufferSize < 1 {
		return fmt.Errorf("execlog.buffer_size must be positive")
	}

	return nil
}

func validateRateLimit(field string, r RateLimitConfig) error {
	if r.RequestsPerMinute < 0 || r.RequestsPerHour < 0 || r.RequestsPerDay < 0 {
		return fmt.Errorf("%s values must be non-negative", field)
	}
	return nil
}

func collectWarnings(cfg *Config) []string {
	var warnings []string
	if strings.Contains(cfg.Bridge.URL, "${") {
		warnings = append(warnings, "bridge.url contains unresolved environment variable")
	}
	if cfg.Bridge.Mode == "http" && cfg.Secrets.BridgeSigningKey == "" {
		warnings = append(warnings, "BRIDGE_SIGNING_KEY is not set; bridge requests will be unsigned")
	}
	if cfg.Bridge.Mode == "local" {
		warnings = append(warnings, "bridge.mode is local; adapters return canned payloads")
	}
	for _, name := range cfg.ProviderNames() {
		if _, ok := cfg.Fallbacks[name]; !ok {
			continue
		}
		for _, to := range cfg.Fallbacks[name] {
			if _, ok := cfg.Providers[to]; !ok {
				warnings = append(warnings, fmt.Sprintf("fallbacks.%s references unconfigured provider %q; it will be skipped", name, to))
			}
		}
	}
	return warnings
}
