package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"affiliate-sentinel/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Logging    logging.Config   `mapstructure:"logging"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Account    AccountConfig    `mapstructure:"account"`
	Target     TargetConfig     `mapstructure:"target"`
	Proxy      ProxyConfig      `mapstructure:"proxy"`
	Captcha    CaptchaConfig    `mapstructure:"captcha"`
	Telegram   TelegramConfig   `mapstructure:"telegram"`
	Broadcast  BroadcastConfig  `mapstructure:"broadcast"`
	Withdrawal WithdrawalConfig `mapstructure:"withdrawal"`
	Session    SessionConfig    `mapstructure:"session"`
	Export     ExportConfig     `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// AccountConfig carries the affiliate account credentials.
type AccountConfig struct {
	Email      string `mapstructure:"email"`
	Password   string `mapstructure:"password"`
	TOTPSecret string `mapstructure:"totp_secret"`
	EnvFile    string `mapstructure:"env_file"`
}

// TargetConfig lists the affiliate panel endpoints.
type TargetConfig struct {
	DashboardURL      string        `mapstructure:"dashboard_url"`
	LoginURL          string        `mapstructure:"login_url"`
	OTPVerifyURL      string        `mapstructure:"otp_verify_url"`
	StatisticsURL     string        `mapstructure:"statistics_url"`
	StatisticsWeekURL string        `mapstructure:"statistics_week_url"`
	PaymentRequestURL string        `mapstructure:"payment_request_url"`
	PaymentHistoryURL string        `mapstructure:"payment_history_url"`
	RatingsURL        string        `mapstructure:"ratings_url"`
	UserAgent         string        `mapstructure:"user_agent"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	PaymentTimeout    time.Duration `mapstructure:"payment_timeout"`
}

// ProxyConfig describes the rotating egress gateway.
type ProxyConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	URL      string `mapstructure:"url"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// CaptchaConfig covers the anti-captcha delegation service.
type CaptchaConfig struct {
	APIKey  string        `mapstructure:"api_key"`
	APIBase string        `mapstructure:"api_base"`
	SiteKey string        `mapstructure:"site_key"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	BotToken    string `mapstructure:"bot_token"`
	APIBase     string `mapstructure:"api_base"`
	ChatIDsPath string `mapstructure:"chat_ids_path"`
	QueuePath   string `mapstructure:"queue_path"`
}

// BroadcastConfig governs the hourly statistics broadcast loop.
type BroadcastConfig struct {
	Periods      []string `mapstructure:"periods"`
	CollectMin   int      `mapstructure:"collect_minute"`
	AlertMin     int      `mapstructure:"alert_minute"`
	ResetMin     int      `mapstructure:"reset_minute"`
	AlwaysReport bool     `mapstructure:"always_report"`
}

// WithdrawalConfig bounds the automated payout agent.
type WithdrawalConfig struct {
	MinAmount       float64 `mapstructure:"min_amount"`
	MethodID        string  `mapstructure:"method_id"`
	DefaultInterval int     `mapstructure:"default_interval"`
}

// SessionConfig locates durable session state.
type SessionConfig struct {
	CookiesPath      string `mapstructure:"cookies_path"`
	MaxLoginAttempts int    `mapstructure:"max_login_attempts"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// CanonicalPeriod is the reporting window persisted to the snapshot log.
const CanonicalPeriod = "Current week"

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("AFFSENTINEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.Account.EnvFile != "" {
		if err := cfg.loadCredentialsEnv(); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// loadCredentialsEnv merges a credentials env file; the legacy deployment
// kept account secrets outside the main config file.
func (c *Config) loadCredentialsEnv() error {
	values, err := godotenv.Read(c.Account.EnvFile)
	if err != nil {
		return fmt.Errorf("read credentials env file: %w", err)
	}
	if v := values["email"]; v != "" {
		c.Account.Email = v
	}
	if v := values["password"]; v != "" {
		c.Account.Password = v
	}
	if v := values["totp_secret"]; v != "" {
		c.Account.TOTPSecret = v
	}
	if v := values["bot_token"]; v != "" {
		c.Telegram.BotToken = v
	}
	if v := values["anticaptcha_api_key"]; v != "" {
		c.Captcha.APIKey = v
	}
	return nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "affiliate-sentinel")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")

	v.SetDefault("target.dashboard_url", "https://pocketpartners.com/en/dashboard")
	v.SetDefault("target.login_url", "https://pocketpartners.com/en/api/login")
	v.SetDefault("target.otp_verify_url", "https://pocketpartners.com/en/api/otp-verify")
	v.SetDefault("target.statistics_url", "https://pocketpartners.com/en/statistics/brief")
	v.SetDefault("target.statistics_week_url", "https://pocketpartners.com/en/statistics/brief/currentWeek")
	v.SetDefault("target.payment_request_url", "https://pocketpartners.com/en/payments/request")
	v.SetDefault("target.payment_history_url", "https://pocketpartners.com/en/payments/history")
	v.SetDefault("target.ratings_url", "https://pocketpartners.com/en/ratings/top")
	v.SetDefault("target.user_agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/115.0.0.0 Safari/537.36")
	v.SetDefault("target.request_timeout", "60s")
	v.SetDefault("target.payment_timeout", "30s")

	v.SetDefault("proxy.enabled", false)

	v.SetDefault("captcha.api_base", "https://api.anti-captcha.com")
	v.SetDefault("captcha.timeout", "2m")

	v.SetDefault("telegram.enabled", false)
	v.SetDefault("telegram.api_base", "https://api.telegram.org")
	v.SetDefault("telegram.chat_ids_path", "chat_ids.txt")
	v.SetDefault("telegram.queue_path", "messages.txt")

	v.SetDefault("broadcast.periods", []string{CanonicalPeriod})
	v.SetDefault("broadcast.collect_minute", 59)
	v.SetDefault("broadcast.alert_minute", 0)
	v.SetDefault("broadcast.reset_minute", 1)
	v.SetDefault("broadcast.always_report", false)

	v.SetDefault("withdrawal.min_amount", 51.0)
	v.SetDefault("withdrawal.method_id", "18")
	v.SetDefault("withdrawal.default_interval", 60)

	v.SetDefault("session.cookies_path", "cookies.json")
	v.SetDefault("session.max_login_attempts", 5)

	v.SetDefault("export.max_data_points", 100000)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Withdrawal.MinAmount <= 0 {
		return fmt.Errorf("withdrawal.min_amount must be greater than zero")
	}
	if c.Withdrawal.DefaultInterval <= 0 {
		return fmt.Errorf("withdrawal.default_interval must be greater than zero")
	}
	if c.Broadcast.CollectMin < 0 || c.Broadcast.CollectMin > 59 {
		return fmt.Errorf("broadcast.collect_minute must be within 0-59")
	}
	if c.Broadcast.AlertMin < 0 || c.Broadcast.AlertMin > 59 {
		return fmt.Errorf("broadcast.alert_minute must be within 0-59")
	}
	if len(c.Broadcast.Periods) == 0 {
		return fmt.Errorf("broadcast.periods cannot be empty")
	}
	if c.Session.MaxLoginAttempts <= 0 {
		return fmt.Errorf("session.max_login_attempts must be greater than zero")
	}
	if c.Proxy.Enabled && c.Proxy.URL == "" {
		return fmt.Errorf("proxy.url 必须配置")
	}
	if c.Telegram.Enabled && c.Telegram.BotToken == "" {
		return fmt.Errorf("telegram.bot_token 必须配置")
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
