package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Port           string
	DatabaseURL    string
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	AMQPURL        string
	LogLevel       string
	LogDevelopment bool

	DefaultTimezone    string
	DefaultCutoverHour int
	SettingsCacheTTL   time.Duration

	SweepAtUTC     string
	SweepInterval  time.Duration
	QRPurgeEnabled bool

	CampaignDefaultBatchSize int
	CampaignDefaultDelay     time.Duration
	SendWindowStart          string
	SendWindowEnd            string
	RecoveryInterval         time.Duration

	GatewayProvider     string
	GatewayWebhookURL   string
	GatewayWebhookToken string

	RateLimitPerMinute       int
	RateLimitBurst           int
	TenantRateLimitPerMinute int
	TenantRateLimitBurst     int

	OTLPEndpoint string
	OTLPInsecure bool
}

// Load reads an optional .env file, then the process environment.
// Environment variables win over the file.
func Load() (Config, error) {
	return LoadFile(".env")
}

func LoadFile(path string) (Config, error) {
	if path != "" {
		// missing file is fine; variables may come from the environment
		_ = godotenv.Load(path)
	}

	v := viper.New()
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	setDefaults(v)

	cfg := Config{
		Port:           v.GetString("PORT"),
		DatabaseURL:    v.GetString("DB_DSN"),
		RedisAddr:      v.GetString("REDIS_ADDR"),
		RedisPassword:  v.GetString("REDIS_PASSWORD"),
		RedisDB:        v.GetInt("REDIS_DB"),
		AMQPURL:        v.GetString("AMQP_URL"),
		LogLevel:       v.GetString("LOG_LEVEL"),
		LogDevelopment: v.GetBool("LOG_DEVELOPMENT"),

		DefaultTimezone:    v.GetString("BUSINESS_DAY_DEFAULT_TIMEZONE"),
		DefaultCutoverHour: v.GetInt("BUSINESS_DAY_DEFAULT_CUTOVER_HOUR"),
		SettingsCacheTTL:   v.GetDuration("BUSINESS_DAY_SETTINGS_TTL"),

		SweepAtUTC:     v.GetString("SWEEP_AT_UTC"),
		SweepInterval:  v.GetDuration("SWEEP_INTERVAL"),
		QRPurgeEnabled: v.GetBool("QR_PURGE_ENABLED"),

		CampaignDefaultBatchSize: v.GetInt("CAMPAIGN_DEFAULT_BATCH_SIZE"),
		CampaignDefaultDelay:     v.GetDuration("CAMPAIGN_DEFAULT_DELAY"),
		SendWindowStart:          v.GetString("CAMPAIGN_SEND_WINDOW_START"),
		SendWindowEnd:            v.GetString("CAMPAIGN_SEND_WINDOW_END"),
		RecoveryInterval:         v.GetDuration("CAMPAIGN_RECOVERY_INTERVAL"),

		GatewayProvider:     v.GetString("GATEWAY_PROVIDER"),
		GatewayWebhookURL:   v.GetString("GATEWAY_WEBHOOK_URL"),
		GatewayWebhookToken: v.GetString("GATEWAY_WEBHOOK_TOKEN"),

		RateLimitPerMinute:       v.GetInt("RATE_LIMIT_PER_MIN"),
		RateLimitBurst:           v.GetInt("RATE_LIMIT_BURST"),
		TenantRateLimitPerMinute: v.GetInt("TENANT_RATE_LIMIT_PER_MIN"),
		TenantRateLimitBurst:     v.GetInt("TENANT_RATE_LIMIT_BURST"),

		OTLPEndpoint: v.GetString("OTEL_EXPORTER_OTLP_ENDPOINT"),
		OTLPInsecure: v.GetBool("OTEL_EXPORTER_OTLP_INSECURE"),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("PORT", "8080")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_DEVELOPMENT", false)

	v.SetDefault("BUSINESS_DAY_DEFAULT_TIMEZONE", "America/Guayaquil")
	v.SetDefault("BUSINESS_DAY_DEFAULT_CUTOVER_HOUR", 4)
	v.SetDefault("BUSINESS_DAY_SETTINGS_TTL", "5m")

	v.SetDefault("SWEEP_AT_UTC", "09:00")
	v.SetDefault("SWEEP_INTERVAL", "0s")
	v.SetDefault("QR_PURGE_ENABLED", true)

	v.SetDefault("CAMPAIGN_DEFAULT_BATCH_SIZE", 10)
	v.SetDefault("CAMPAIGN_DEFAULT_DELAY", "3m")
	v.SetDefault("CAMPAIGN_SEND_WINDOW_START", "08:00")
	v.SetDefault("CAMPAIGN_SEND_WINDOW_END", "21:00")
	v.SetDefault("CAMPAIGN_RECOVERY_INTERVAL", "1m")

	v.SetDefault("GATEWAY_PROVIDER", "log")

	v.SetDefault("RATE_LIMIT_PER_MIN", 120)
	v.SetDefault("RATE_LIMIT_BURST", 30)
	v.SetDefault("TENANT_RATE_LIMIT_PER_MIN", 600)
	v.SetDefault("TENANT_RATE_LIMIT_BURST", 120)

	v.SetDefault("OTEL_EXPORTER_OTLP_INSECURE", true)
}

func (c Config) Validate() error {
	if c.Port == "" {
		return errors.New("PORT is required")
	}
	if _, err := time.LoadLocation(c.DefaultTimezone); err != nil {
		return fmt.Errorf("BUSINESS_DAY_DEFAULT_TIMEZONE: %w", err)
	}
	if c.DefaultCutoverHour < 0 || c.DefaultCutoverHour > 23 {
		return fmt.Errorf("BUSINESS_DAY_DEFAULT_CUTOVER_HOUR must be 0-23, got %d", c.DefaultCutoverHour)
	}
	if c.SweepInterval <= 0 {
		if _, _, err := ParseClock(c.SweepAtUTC); err != nil {
			return fmt.Errorf("SWEEP_AT_UTC: %w", err)
		}
	}
	if c.CampaignDefaultBatchSize <= 0 {
		return fmt.Errorf("CAMPAIGN_DEFAULT_BATCH_SIZE must be positive, got %d", c.CampaignDefaultBatchSize)
	}
	if c.CampaignDefaultDelay < 0 {
		return errors.New("CAMPAIGN_DEFAULT_DELAY must not be negative")
	}
	if _, _, err := ParseClock(c.SendWindowStart); err != nil {
		return fmt.Errorf("CAMPAIGN_SEND_WINDOW_START: %w", err)
	}
	if _, _, err := ParseClock(c.SendWindowEnd); err != nil {
		return fmt.Errorf("CAMPAIGN_SEND_WINDOW_END: %w", err)
	}
	switch c.GatewayProvider {
	case "log", "noop", "fail":
	case "webhook":
		if c.GatewayWebhookURL == "" {
			return errors.New("GATEWAY_WEBHOOK_URL is required for the webhook provider")
		}
	default:
		return fmt.Errorf("unknown GATEWAY_PROVIDER %q", c.GatewayProvider)
	}
	return nil
}

// ParseClock parses "HH:MM".
func ParseClock(value string) (int, int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(value))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid clock %q, want HH:MM", value)
	}
	return t.Hour(), t.Minute(), nil
}
