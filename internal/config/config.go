package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/agentops/governor/internal/usage"
)

// Config captures the runtime configuration for the governor service.
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Providers     ProvidersConfig     `mapstructure:"providers"`
	Agents        []AgentConfig       `mapstructure:"agents"`
	Thresholds    ThresholdConfig     `mapstructure:"thresholds"`
	RateLimits    RateLimitConfig     `mapstructure:"rate_limits"`
	Alerting      AlertConfig         `mapstructure:"alerting"`
	Enforcement   EnforcementConfig   `mapstructure:"enforcement"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Admin         AdminConfig         `mapstructure:"admin"`
}

type ServerConfig struct {
	ListenAddr            string        `mapstructure:"listen_addr"`
	BodyLimitMB           int           `mapstructure:"body_limit_mb"`
	ReadHeaderTimeout     time.Duration `mapstructure:"read_header_timeout"`
	ProviderTimeout       time.Duration `mapstructure:"provider_timeout"`
	GracefulShutdownDelay time.Duration `mapstructure:"graceful_shutdown_delay"`
}

type DatabaseConfig struct {
	URL             string        `mapstructure:"url"`
	RunMigrations   bool          `mapstructure:"run_migrations"`
	MigrationsDir   string        `mapstructure:"migrations_dir"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// RedisConfig is optional: an empty URL disables the cross-replica agent
// throttle and the governor runs single-node.
type RedisConfig struct {
	URL      string `mapstructure:"url"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

// ProvidersConfig binds the two abstract budget slots to concrete adapters.
type ProvidersConfig struct {
	Primary  ProviderSlot `mapstructure:"primary"`
	Fallback ProviderSlot `mapstructure:"fallback"`
}

// Provider slot kinds.
const (
	KindAnthropic = "anthropic"
	KindOpenAI    = "openai"
	KindBedrock   = "bedrock"
)

type ProviderSlot struct {
	ID    string `mapstructure:"id"`
	Kind  string `mapstructure:"kind"`
	Model string `mapstructure:"model"`

	APIKey       string `mapstructure:"api_key"`
	BaseURL      string `mapstructure:"base_url"`
	Organization string `mapstructure:"organization"`

	// Bedrock credentials.
	Region          string `mapstructure:"region"`
	Profile         string `mapstructure:"profile"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	SessionToken    string `mapstructure:"session_token"`

	// MonthlyLimit is the default per-agent token ceiling for this slot.
	MonthlyLimit int64 `mapstructure:"monthly_limit"`

	// Per-1K-token prices used by usage reporting, not by enforcement.
	PriceInputPer1K  float64 `mapstructure:"price_input_per_1k"`
	PriceOutputPer1K float64 `mapstructure:"price_output_per_1k"`
	Currency         string  `mapstructure:"currency"`
}

// ProviderID defaults to the slot kind when no explicit id is configured.
func (s ProviderSlot) ProviderID() usage.ProviderID {
	if s.ID != "" {
		return usage.ProviderID(s.ID)
	}
	return usage.ProviderID(s.Kind)
}

// AgentConfig overrides the slot-level monthly limits for one agent.
type AgentConfig struct {
	ID            string `mapstructure:"id"`
	PrimaryLimit  *int64 `mapstructure:"primary_limit"`
	FallbackLimit *int64 `mapstructure:"fallback_limit"`
}

type ThresholdConfig struct {
	WarningPct         float64 `mapstructure:"warning_pct"`
	CriticalPct        float64 `mapstructure:"critical_pct"`
	EmergencyPct       float64 `mapstructure:"emergency_pct"`
	FallbackTriggerPct float64 `mapstructure:"fallback_trigger_pct"`
}

// Thresholds converts the section into the domain value object.
func (t ThresholdConfig) Thresholds() usage.Thresholds {
	return usage.Thresholds{
		WarningPct:         t.WarningPct,
		CriticalPct:        t.CriticalPct,
		EmergencyPct:       t.EmergencyPct,
		FallbackTriggerPct: t.FallbackTriggerPct,
	}
}

type RateLimitConfig struct {
	MaxCallsPerWindow int           `mapstructure:"max_calls_per_window"`
	AgentCooldown     time.Duration `mapstructure:"agent_cooldown"`
	MaxInFlight       int           `mapstructure:"max_in_flight"`
}

type AlertConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Emails   []string      `mapstructure:"emails"`
	Webhooks []string      `mapstructure:"webhooks"`
	Cooldown time.Duration `mapstructure:"cooldown"`
	SMTP     SMTPConfig    `mapstructure:"smtp"`
	Webhook  WebhookConfig `mapstructure:"webhook"`
}

type SMTPConfig struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	From           string        `mapstructure:"from"`
	UseTLS         bool          `mapstructure:"use_tls"`
	SkipTLSVerify  bool          `mapstructure:"skip_tls_verify"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

type WebhookConfig struct {
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxRetries int           `mapstructure:"max_retries"`
}

// EnforcementConfig holds the audited escape hatch. UnlimitedOverride admits
// every call while still recording usage; each grant is logged with an audit
// marker. It can only be set here, never at runtime.
type EnforcementConfig struct {
	UnlimitedOverride bool `mapstructure:"unlimited_override"`
}

type ObservabilityConfig struct {
	OTLPEndpoint  string `mapstructure:"otlp_endpoint"`
	EnableOTLP    bool   `mapstructure:"enable_otlp"`
	EnableMetrics bool   `mapstructure:"enable_metrics"`
}

type AdminConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

// Options controls where Load looks for configuration sources.
type Options struct {
	ConfigFile string
	EnvFile    string
}

// Load returns the merged configuration sourced from YAML and environment
// variables.
func Load(opts Options) (*Config, error) {
	if opts.EnvFile != "" {
		_ = godotenv.Load(opts.EnvFile)
	} else {
		_ = godotenv.Load()
	}

	v := viper.New()
	setDefaults(v)

	explicitFile := false
	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		explicitFile = true
	} else if cfg := os.Getenv("GOVERNOR_CONFIG_FILE"); cfg != "" {
		v.SetConfigFile(cfg)
		explicitFile = true
	}

	if !explicitFile {
		// Allow standard lookup locations when no explicit file is provided.
		v.SetConfigName("governor")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	v.SetEnvPrefix("GOVERNOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(timeStringToDurationHook())); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen_addr", ":8080")
	v.SetDefault("server.body_limit_mb", 4)
	v.SetDefault("server.read_header_timeout", "5s")
	v.SetDefault("server.provider_timeout", "60s")
	v.SetDefault("server.graceful_shutdown_delay", "5s")

	v.SetDefault("database.run_migrations", true)
	v.SetDefault("database.migrations_dir", "./migrations")
	v.SetDefault("database.max_conns", 20)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conn_idle_time", "10m")
	v.SetDefault("database.max_conn_lifetime", "1h")

	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 20)

	v.SetDefault("providers.primary.kind", KindAnthropic)
	v.SetDefault("providers.primary.monthly_limit", 1_000_000)
	v.SetDefault("providers.primary.currency", "USD")
	v.SetDefault("providers.fallback.kind", KindOpenAI)
	v.SetDefault("providers.fallback.monthly_limit", 500_000)
	v.SetDefault("providers.fallback.currency", "USD")

	v.SetDefault("thresholds.warning_pct", 80.0)
	v.SetDefault("thresholds.critical_pct", 95.0)
	v.SetDefault("thresholds.emergency_pct", 100.0)
	v.SetDefault("thresholds.fallback_trigger_pct", 95.0)

	v.SetDefault("rate_limits.max_calls_per_window", 60)
	v.SetDefault("rate_limits.agent_cooldown", "60s")
	v.SetDefault("rate_limits.max_in_flight", 5)

	v.SetDefault("alerting.enabled", true)
	v.SetDefault("alerting.emails", []string{})
	v.SetDefault("alerting.webhooks", []string{})
	v.SetDefault("alerting.cooldown", "1h")
	v.SetDefault("alerting.smtp.port", 587)
	v.SetDefault("alerting.smtp.use_tls", true)
	v.SetDefault("alerting.smtp.skip_tls_verify", false)
	v.SetDefault("alerting.smtp.connect_timeout", "5s")
	v.SetDefault("alerting.webhook.timeout", "5s")
	v.SetDefault("alerting.webhook.max_retries", 3)

	v.SetDefault("enforcement.unlimited_override", false)

	v.SetDefault("observability.enable_otlp", false)
	v.SetDefault("observability.enable_metrics", true)
	v.SetDefault("observability.otlp_endpoint", "http://localhost:4317")
}

// Validate ensures required values are set and normalizes optional ones.
func (c *Config) Validate() error {
	var missing []string

	if c.Database.URL == "" {
		missing = append(missing, "GOVERNOR_DATABASE_URL")
	}
	if err := c.Providers.Primary.validate("providers.primary", &missing); err != nil {
		return err
	}
	if err := c.Providers.Fallback.validate("providers.fallback", &missing); err != nil {
		return err
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}

	if c.Providers.Primary.ProviderID() == c.Providers.Fallback.ProviderID() {
		return fmt.Errorf("providers.primary and providers.fallback must have distinct ids")
	}

	t := c.Thresholds
	if t.WarningPct <= 0 || t.WarningPct >= 100 {
		return fmt.Errorf("thresholds.warning_pct must be between 0 and 100 exclusive")
	}
	if t.CriticalPct <= t.WarningPct {
		return fmt.Errorf("thresholds.critical_pct must be greater than warning_pct")
	}
	if t.EmergencyPct < t.CriticalPct {
		return fmt.Errorf("thresholds.emergency_pct must be at least critical_pct")
	}
	if t.FallbackTriggerPct <= 0 || t.FallbackTriggerPct > t.EmergencyPct {
		return fmt.Errorf("thresholds.fallback_trigger_pct must be between 0 and emergency_pct")
	}

	if c.RateLimits.MaxCallsPerWindow <= 0 {
		return fmt.Errorf("rate_limits.max_calls_per_window must be > 0")
	}
	if c.RateLimits.AgentCooldown < 0 {
		return fmt.Errorf("rate_limits.agent_cooldown must be >= 0")
	}
	if c.RateLimits.MaxInFlight < 0 {
		return fmt.Errorf("rate_limits.max_in_flight must be >= 0")
	}

	seen := make(map[string]struct{}, len(c.Agents))
	for i, agent := range c.Agents {
		if strings.TrimSpace(agent.ID) == "" {
			return fmt.Errorf("agents[%d].id must be provided", i)
		}
		if _, dup := seen[agent.ID]; dup {
			return fmt.Errorf("agents[%d].id %q duplicated", i, agent.ID)
		}
		seen[agent.ID] = struct{}{}
		if agent.PrimaryLimit != nil && *agent.PrimaryLimit < 0 {
			return fmt.Errorf("agents[%d].primary_limit must be >= 0", i)
		}
		if agent.FallbackLimit != nil && *agent.FallbackLimit < 0 {
			return fmt.Errorf("agents[%d].fallback_limit must be >= 0", i)
		}
	}

	c.Alerting.Emails = normalizeStringSlice(c.Alerting.Emails)
	c.Alerting.Webhooks = normalizeStringSlice(c.Alerting.Webhooks)
	if c.Alerting.Cooldown <= 0 {
		if c.Alerting.Enabled {
			return fmt.Errorf("alerting.cooldown must be > 0 when alerting is enabled")
		}
		c.Alerting.Cooldown = time.Hour
	}
	smtp := &c.Alerting.SMTP
	if strings.TrimSpace(smtp.Host) != "" {
		if smtp.Port <= 0 {
			smtp.Port = 587
		}
		if strings.TrimSpace(smtp.From) == "" {
			return fmt.Errorf("alerting.smtp.from must be provided when smtp.host is set")
		}
		if smtp.ConnectTimeout <= 0 {
			smtp.ConnectTimeout = 5 * time.Second
		}
	}
	if c.Alerting.Webhook.Timeout <= 0 {
		c.Alerting.Webhook.Timeout = 5 * time.Second
	}
	if c.Alerting.Webhook.MaxRetries <= 0 {
		c.Alerting.Webhook.MaxRetries = 3
	}

	if c.Database.RunMigrations && c.Database.MigrationsDir == "" {
		return fmt.Errorf("database.migrations_dir must be provided when run_migrations is true")
	}
	if c.Database.MaxConns < 0 {
		return fmt.Errorf("database.max_conns must be >= 0")
	}
	if c.Redis.PoolSize < 0 {
		return fmt.Errorf("redis.pool_size must be >= 0")
	}
	return nil
}

func (s *ProviderSlot) validate(section string, missing *[]string) error {
	switch s.Kind {
	case KindAnthropic, KindOpenAI:
		if s.APIKey == "" {
			*missing = append(*missing, envName(section+".api_key"))
		}
		if s.Model == "" {
			*missing = append(*missing, envName(section+".model"))
		}
	case KindBedrock:
		if s.Region == "" {
			*missing = append(*missing, envName(section+".region"))
		}
		if s.Model == "" {
			*missing = append(*missing, envName(section+".model"))
		}
	default:
		return fmt.Errorf("%s.kind must be one of %s, %s, %s", section, KindAnthropic, KindOpenAI, KindBedrock)
	}
	if s.MonthlyLimit < 0 {
		return fmt.Errorf("%s.monthly_limit must be >= 0", section)
	}
	if s.PriceInputPer1K < 0 || s.PriceOutputPer1K < 0 {
		return fmt.Errorf("%s prices must be >= 0", section)
	}
	if s.Currency == "" {
		s.Currency = "USD"
	}
	return nil
}

func envName(key string) string {
	return "GOVERNOR_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// LimitFunc builds the monthly-limit resolver handed to the usage store:
// per-agent overrides first, then the slot default.
func (c *Config) LimitFunc() usage.LimitFunc {
	primaryID := c.Providers.Primary.ProviderID()
	overrides := make(map[usage.AgentID]AgentConfig, len(c.Agents))
	for _, agent := range c.Agents {
		overrides[usage.AgentID(agent.ID)] = agent
	}
	primaryDefault := c.Providers.Primary.MonthlyLimit
	fallbackDefault := c.Providers.Fallback.MonthlyLimit

	return func(agent usage.AgentID, provider usage.ProviderID) int64 {
		if o, ok := overrides[agent]; ok {
			if provider == primaryID {
				if o.PrimaryLimit != nil {
					return *o.PrimaryLimit
				}
			} else if o.FallbackLimit != nil {
				return *o.FallbackLimit
			}
		}
		if provider == primaryID {
			return primaryDefault
		}
		return fallbackDefault
	}
}

func normalizeStringSlice(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	clean := make([]string, 0, len(values))
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			clean = append(clean, trimmed)
		}
	}
	if len(clean) == 0 {
		return nil
	}
	return clean
}

func timeStringToDurationHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case time.Duration:
			return v, nil
		case string:
			d, err := time.ParseDuration(v)
			if err != nil {
				return nil, err
			}
			return d, nil
		default:
			return nil, fmt.Errorf("cannot decode %T into time.Duration", data)
		}
	}
}
