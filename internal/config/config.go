package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all service configuration.
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	NATS     NATSConfig     `mapstructure:"nats"`
	LLM      LLMConfig      `mapstructure:"llm"`
	Brokers  BrokersConfig  `mapstructure:"brokers"`
	Swarm    SwarmConfig    `mapstructure:"swarm"`
	Trading  TradingConfig  `mapstructure:"trading"`
	Approval ApprovalConfig `mapstructure:"approval"`
	Alerts   AlertsConfig   `mapstructure:"alerts"`
	Feeds    FeedsConfig    `mapstructure:"feeds"`
	Blob     BlobConfig     `mapstructure:"blob"`
	Server   ServerConfig   `mapstructure:"server"`
}

// AppConfig contains application-level settings.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"` // development, staging, production
	LogLevel    string `mapstructure:"log_level"`
	LogFormat   string `mapstructure:"log_format"` // "json" or "console"
}

// DatabaseConfig contains PostgreSQL settings. URL wins over the discrete
// fields when set (DATABASE_URL lands here via TRADEHIVE_DATABASE_URL or the
// explicit override in main).
type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"ssl_mode"`
}

// DSN renders the connection string.
func (d DatabaseConfig) DSN() string {
	if d.URL != "" {
		return d.URL
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Database, d.SSLMode)
}

// RedisConfig contains Redis settings.
type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// NATSConfig contains bus transport settings.
type NATSConfig struct {
	URL      string `mapstructure:"url"`
	Embedded bool   `mapstructure:"embedded"` // run an in-process server
}

// LLMConfig contains the research model gateway settings.
type LLMConfig struct {
	Endpoint          string  `mapstructure:"endpoint"`
	APIKey            string  `mapstructure:"api_key"`
	Model             string  `mapstructure:"model"`
	Temperature       float64 `mapstructure:"temperature"`
	MaxTokens         int     `mapstructure:"max_tokens"`
	RequestsPerMinute int     `mapstructure:"requests_per_minute"`
}

// BrokersConfig selects and configures broker adapters.
type BrokersConfig struct {
	Default string        `mapstructure:"default"` // alpaca | binance | paper
	Alpaca  AlpacaConfig  `mapstructure:"alpaca"`
	Binance BinanceConfig `mapstructure:"binance"`
}

// AlpacaConfig holds the equities broker credentials.
type AlpacaConfig struct {
	APIKey    string `mapstructure:"api_key"`
	APISecret string `mapstructure:"api_secret"`
	BaseURL   string `mapstructure:"base_url"` // paper or live endpoint
	DataURL   string `mapstructure:"data_url"`
}

// BinanceConfig holds the crypto broker credentials.
type BinanceConfig struct {
	APIKey    string `mapstructure:"api_key"`
	APISecret string `mapstructure:"api_secret"`
	Testnet   bool   `mapstructure:"testnet"`
}

// SwarmConfig tunes the registry and agent runtime.
type SwarmConfig struct {
	AlarmInterval    time.Duration `mapstructure:"alarm_interval"`
	DispatchLimit    int           `mapstructure:"dispatch_limit"`
	DrainLimit       int           `mapstructure:"drain_limit"`
	DefaultAttempts  int           `mapstructure:"default_attempts"`
	StaleAfter       time.Duration `mapstructure:"stale_after"`
	DeliveryTimeout  time.Duration `mapstructure:"delivery_timeout"`
	AnalysisInterval time.Duration `mapstructure:"analysis_interval"`
}

// TradingConfig seeds the strategy parameters the learning agent tunes at
// runtime, plus fixed execution knobs.
type TradingConfig struct {
	PositionPct         float64 `mapstructure:"position_pct"`
	MaxPositionNotional float64 `mapstructure:"max_position_notional"`
	MinConfidenceBuy    float64 `mapstructure:"min_confidence_buy"`
	RiskMultiplier      float64 `mapstructure:"risk_multiplier"`
	CooldownMinutes     int     `mapstructure:"cooldown_minutes"`
}

// ApprovalConfig configures the token service.
type ApprovalConfig struct {
	Secret     string        `mapstructure:"secret"`
	DefaultTTL time.Duration `mapstructure:"default_ttl"`
}

// AlertsConfig configures the notifier and rule thresholds.
type AlertsConfig struct {
	DiscordWebhookURL string        `mapstructure:"discord_webhook_url"`
	WebhookURL        string        `mapstructure:"webhook_url"`
	TelegramToken     string        `mapstructure:"telegram_token"`
	TelegramChatIDs   []int64       `mapstructure:"telegram_chat_ids"`
	DedupeWindow      time.Duration `mapstructure:"dedupe_window"`
	RateLimitWindow   time.Duration `mapstructure:"rate_limit_window"`
	RateLimitMax      int           `mapstructure:"rate_limit_max"`

	DrawdownLimitPct     float64       `mapstructure:"drawdown_limit_pct"`
	DrawdownWarnRatio    float64       `mapstructure:"drawdown_warn_ratio"`
	DLQWarnThreshold     int           `mapstructure:"dlq_warn_threshold"`
	DLQCriticalThreshold int           `mapstructure:"dlq_critical_threshold"`
	LLMAuthWindow        time.Duration `mapstructure:"llm_auth_window"`
}

// FeedsConfig configures news/social ingestion.
type FeedsConfig struct {
	Sources           []FeedSourceConfig `mapstructure:"sources"`
	RequestsPerMinute int                `mapstructure:"requests_per_minute"`
}

// FeedSourceConfig describes one upstream source. APIURL plus APIKey select
// the authenticated JSON adapter; FeedURL alone selects the public RSS
// fallback, and OAuth is never attempted without credentials.
type FeedSourceConfig struct {
	Name    string `mapstructure:"name"`
	Enabled bool   `mapstructure:"enabled"`

	APIURL     string            `mapstructure:"api_url"`
	APIKey     string            `mapstructure:"api_key"`
	Query      map[string]string `mapstructure:"query"`
	ListField  string            `mapstructure:"list_field"`
	IDField    string            `mapstructure:"id_field"`
	TextFields []string          `mapstructure:"text_fields"`

	FeedURL string `mapstructure:"feed_url"`
}

// BlobConfig configures the artifact bucket.
type BlobConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Prefix    string `mapstructure:"prefix"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Host        string   `mapstructure:"host"`
	Port        int      `mapstructure:"port"`
	CORSOrigins []string `mapstructure:"cors_origins"`
}

// Load reads configuration from configs/<name>.yaml plus TRADEHIVE_*
// environment variables and returns the validated Config.
func Load(name string) (*Config, error) {
	v := viper.New()
	v.SetConfigName(name)
	v.SetConfigType("yaml")
	v.AddConfigPath("./configs")
	v.AddConfigPath(".")

	v.SetEnvPrefix("TRADEHIVE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Defaults + env only; normal in containerized deploys.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "tradehive")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.log_format", "json")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "tradehive")
	v.SetDefault("database.database", "tradehive")
	v.SetDefault("database.ssl_mode", "disable")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "tradehive:")

	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.embedded", false)

	v.SetDefault("llm.endpoint", "http://localhost:8080/v1/chat/completions")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.temperature", 0.2)
	v.SetDefault("llm.max_tokens", 1500)
	v.SetDefault("llm.requests_per_minute", 30)

	v.SetDefault("brokers.default", "paper")
	v.SetDefault("brokers.alpaca.base_url", "https://paper-api.alpaca.markets")

	v.SetDefault("swarm.alarm_interval", "60s")
	v.SetDefault("swarm.dispatch_limit", 200)
	v.SetDefault("swarm.drain_limit", 50)
	v.SetDefault("swarm.default_attempts", 3)
	v.SetDefault("swarm.stale_after", "5m")
	v.SetDefault("swarm.delivery_timeout", "5s")
	v.SetDefault("swarm.analysis_interval", "120s")

	v.SetDefault("trading.position_pct", 0.10)
	v.SetDefault("trading.max_position_notional", 5000.0)
	v.SetDefault("trading.min_confidence_buy", 0.7)
	v.SetDefault("trading.risk_multiplier", 1.0)
	v.SetDefault("trading.cooldown_minutes", 60)

	v.SetDefault("approval.default_ttl", "5m")

	v.SetDefault("alerts.dedupe_window", "10m")
	v.SetDefault("alerts.rate_limit_window", "1m")
	v.SetDefault("alerts.rate_limit_max", 10)
	v.SetDefault("alerts.drawdown_limit_pct", 0.10)
	v.SetDefault("alerts.drawdown_warn_ratio", 0.5)
	v.SetDefault("alerts.dlq_warn_threshold", 1)
	v.SetDefault("alerts.dlq_critical_threshold", 10)
	v.SetDefault("alerts.llm_auth_window", "15m")

	v.SetDefault("feeds.requests_per_minute", 12)

	v.SetDefault("blob.enabled", false)
	v.SetDefault("blob.region", "auto")

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8090)
	v.SetDefault("server.cors_origins", []string{"*"})
}

// Validate rejects configurations that cannot run.
func (c *Config) Validate() error {
	switch c.App.Environment {
	case "development", "staging", "production":
	default:
		return fmt.Errorf("app.environment must be development, staging, or production (got %q)", c.App.Environment)
	}
	switch c.Brokers.Default {
	case "paper", "alpaca", "binance":
	default:
		return fmt.Errorf("brokers.default must be paper, alpaca, or binance (got %q)", c.Brokers.Default)
	}
	if c.Brokers.Default == "alpaca" && c.Brokers.Alpaca.APIKey == "" {
		return fmt.Errorf("brokers.alpaca.api_key is required when brokers.default=alpaca")
	}
	if c.Brokers.Default == "binance" && c.Brokers.Binance.APIKey == "" {
		return fmt.Errorf("brokers.binance.api_key is required when brokers.default=binance")
	}
	if c.Swarm.DispatchLimit <= 0 || c.Swarm.DispatchLimit > 200 {
		return fmt.Errorf("swarm.dispatch_limit must be in (0, 200] (got %d)", c.Swarm.DispatchLimit)
	}
	if c.Swarm.DefaultAttempts < 1 {
		return fmt.Errorf("swarm.default_attempts must be >= 1 (got %d)", c.Swarm.DefaultAttempts)
	}
	if c.Trading.PositionPct <= 0 || c.Trading.PositionPct > 1 {
		return fmt.Errorf("trading.position_pct must be in (0, 1] (got %f)", c.Trading.PositionPct)
	}
	if c.Blob.Enabled && c.Blob.Bucket == "" {
		return fmt.Errorf("blob.bucket is required when blob.enabled=true")
	}
	return nil
}
