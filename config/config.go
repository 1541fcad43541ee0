// config/config.go
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Kafka    KafkaConfig
	Card     CardConfig
	Wallet   WalletConfig
	Mpesa    MpesaConfig
	Manual   ManualConfig
	Poller   PollerConfig
	Callback CallbackConfig
	Auth     AuthConfig
	Notifier NotifierConfig

	ProviderTimeout time.Duration
}

type ServerConfig struct {
	Port string
	Env  string
}

type DatabaseConfig struct {
	Driver   string // "postgres" or "memory"
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// DSN builds the pgx connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.DBName, d.SSLMode,
	)
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
	// StatusTTL bounds how long a terminal status stays cached.
	StatusTTL time.Duration
	// Rate limit on donation initiation, per owner.
	RateLimit       int
	RateWindow      time.Duration
	RateBlockPeriod time.Duration
}

func (r RedisConfig) Enabled() bool { return r.Host != "" }

func (r RedisConfig) Addr() string { return r.Host + ":" + r.Port }

type KafkaConfig struct {
	Brokers []string
	Topic   string
}

func (k KafkaConfig) Enabled() bool { return len(k.Brokers) > 0 }

type CardConfig struct {
	Enabled       bool
	BaseURL       string
	SecretKey     string
	WebhookSecret string
}

type WalletConfig struct {
	Enabled      bool
	BaseURL      string
	ClientID     string
	ClientSecret string
	ReturnURL    string
	CancelURL    string
	WebhookID    string
}

type MpesaConfig struct {
	Enabled        bool
	Environment    string
	BaseURL        string
	ConsumerKey    string
	ConsumerSecret string
	Passkey        string
	ShortCode      string
	CallbackURL    string
	AccountRef     string
	Description    string
}

// ManualConfig describes where donors send money out of band. The details are
// echoed into each record's metadata.
type ManualConfig struct {
	Enabled        bool
	RecipientName  string
	RecipientPhone string
}

type PollerConfig struct {
	InitialDelay time.Duration
	Interval     time.Duration
	MaxAttempts  int
	// StaleAfter is the default horizon for expiring pending donations.
	StaleAfter time.Duration
}

type CallbackConfig struct {
	RetryDelay       time.Duration
	ProcessTimeout   time.Duration
	SignatureMaxSkew time.Duration
}

type AuthConfig struct {
	PublicKeyPath string
	Issuer        string
	Audience      string
}

// NotifierConfig points at the achievement-unlock engine's webhook.
type NotifierConfig struct {
	WebhookURL string
	APIKey     string
	APISecret  string
}

func (n NotifierConfig) Enabled() bool { return n.WebhookURL != "" }

func Load(logger *zap.Logger) (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: getEnv("SERVER_PORT", "8030"),
			Env:  getEnv("ENVIRONMENT", "development"),
		},
		Database: DatabaseConfig{
			Driver:   getEnv("LEDGER_DRIVER", "postgres"),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", ""),
			DBName:   getEnv("DB_NAME", "donations"),
			SSLMode:  getEnv("DB_SSL_MODE", "disable"),
		},
		Redis: RedisConfig{
			Host:            getEnv("REDIS_HOST", ""),
			Port:            getEnv("REDIS_PORT", "6379"),
			Password:        getEnv("REDIS_PASSWORD", ""),
			DB:              getEnvInt("REDIS_DB", 0),
			StatusTTL:       getEnvDuration("STATUS_CACHE_TTL", 10*time.Minute),
			RateLimit:       getEnvInt("INITIATE_RATE_LIMIT", 10),
			RateWindow:      getEnvDuration("INITIATE_RATE_WINDOW", time.Minute),
			RateBlockPeriod: getEnvDuration("INITIATE_RATE_BLOCK", 5*time.Minute),
		},
		Kafka: KafkaConfig{
			Brokers: splitList(getEnv("KAFKA_BROKERS", "")),
			Topic:   getEnv("KAFKA_DONATION_TOPIC", "donation-status"),
		},
		Card: CardConfig{
			BaseURL:       getEnv("CARD_BASE_URL", "https://api.stripe.com"),
			SecretKey:     getEnv("CARD_SECRET_KEY", ""),
			WebhookSecret: getEnv("CARD_WEBHOOK_SECRET", ""),
		},
		Wallet: WalletConfig{
			BaseURL:      getEnv("WALLET_BASE_URL", "https://api-m.sandbox.paypal.com"),
			ClientID:     getEnv("WALLET_CLIENT_ID", ""),
			ClientSecret: getEnv("WALLET_CLIENT_SECRET", ""),
			ReturnURL:    getEnv("WALLET_RETURN_URL", "http://localhost:3000/donate/success"),
			CancelURL:    getEnv("WALLET_CANCEL_URL", "http://localhost:3000/donate/cancel"),
			WebhookID:    getEnv("WALLET_WEBHOOK_ID", ""),
		},
		Mpesa: MpesaConfig{
			Environment:    getEnv("MPESA_ENVIRONMENT", "sandbox"),
			BaseURL:        getEnv("MPESA_BASE_URL", ""),
			ConsumerKey:    getEnv("MPESA_CONSUMER_KEY", ""),
			ConsumerSecret: getEnv("MPESA_CONSUMER_SECRET", ""),
			Passkey:        getEnv("MPESA_PASSKEY", ""),
			ShortCode:      getEnv("MPESA_SHORT_CODE", ""),
			CallbackURL:    getEnv("MPESA_CALLBACK_URL", "http://localhost:8030/api/v1/callbacks/mpesa/stk"),
			AccountRef:     getEnv("MPESA_ACCOUNT_REFERENCE", "Donation"),
			Description:    getEnv("MPESA_TRANSACTION_DESC", "Platform donation"),
		},
		Manual: ManualConfig{
			Enabled:        getEnvBool("MANUAL_TRANSFER_ENABLED", true),
			RecipientName:  getEnv("MANUAL_RECIPIENT_NAME", ""),
			RecipientPhone: getEnv("MANUAL_RECIPIENT_PHONE", ""),
		},
		Poller: PollerConfig{
			InitialDelay: getEnvDuration("POLL_INITIAL_DELAY", 5*time.Second),
			Interval:     getEnvDuration("POLL_INTERVAL", 10*time.Second),
			MaxAttempts:  getEnvInt("POLL_MAX_ATTEMPTS", 30),
			StaleAfter:   getEnvDuration("PENDING_STALE_AFTER", 24*time.Hour),
		},
		Callback: CallbackConfig{
			RetryDelay:       getEnvDuration("CALLBACK_RETRY_DELAY", 2*time.Second),
			ProcessTimeout:   getEnvDuration("CALLBACK_PROCESS_TIMEOUT", 30*time.Second),
			SignatureMaxSkew: getEnvDuration("CALLBACK_SIGNATURE_TOLERANCE", 5*time.Minute),
		},
		Auth: AuthConfig{
			PublicKeyPath: getEnv("JWT_PUBLIC_KEY_PATH", "/app/keys/public.pem"),
			Issuer:        getEnv("JWT_ISSUER", "auth-service"),
			Audience:      getEnv("JWT_AUDIENCE", "donation-service"),
		},
		Notifier: NotifierConfig{
			WebhookURL: getEnv("ACHIEVEMENT_WEBHOOK_URL", ""),
			APIKey:     getEnv("ACHIEVEMENT_API_KEY", ""),
			APISecret:  getEnv("ACHIEVEMENT_API_SECRET", ""),
		},
		ProviderTimeout: getEnvDuration("PROVIDER_TIMEOUT", 30*time.Second),
	}

	if cfg.Mpesa.BaseURL == "" {
		cfg.Mpesa.BaseURL = "https://sandbox.safaricom.co.ke"
		if cfg.Mpesa.Environment == "production" {
			cfg.Mpesa.BaseURL = "https://api.safaricom.co.ke"
		}
	}

	// A rail is enabled only when its credentials are present, unless the
	// operator forces it off.
	cfg.Card.Enabled = getEnvBool("CARD_ENABLED", true) && cfg.Card.SecretKey != ""
	cfg.Wallet.Enabled = getEnvBool("WALLET_ENABLED", true) &&
		cfg.Wallet.ClientID != "" && cfg.Wallet.ClientSecret != ""
	cfg.Mpesa.Enabled = getEnvBool("MPESA_ENABLED", true) &&
		cfg.Mpesa.ConsumerKey != "" && cfg.Mpesa.ConsumerSecret != "" &&
		cfg.Mpesa.Passkey != "" && cfg.Mpesa.ShortCode != ""

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger.Info("rails configured",
		zap.Bool("card", cfg.Card.Enabled),
		zap.Bool("wallet_redirect", cfg.Wallet.Enabled),
		zap.Bool("mobile_push", cfg.Mpesa.Enabled),
		zap.Bool("manual_transfer", cfg.Manual.Enabled))

	if cfg.Manual.Enabled {
		logger.Warn("manual transfer rail enabled: donations are recorded as completed without provider verification")
	}
	if cfg.Card.Enabled && cfg.Card.WebhookSecret == "" {
		logger.Warn("card webhook secret missing, card callbacks will be rejected")
	}

	return cfg, nil
}

// Validate checks cross-field constraints that defaults cannot fix.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "memory":
	default:
		return fmt.Errorf("unsupported LEDGER_DRIVER %q", c.Database.Driver)
	}
	if c.Poller.MaxAttempts < 1 {
		return fmt.Errorf("POLL_MAX_ATTEMPTS must be positive, got %d", c.Poller.MaxAttempts)
	}
	if c.Poller.Interval <= 0 {
		return fmt.Errorf("POLL_INTERVAL must be positive")
	}
	if c.ProviderTimeout <= 0 {
		return fmt.Errorf("PROVIDER_TIMEOUT must be positive")
	}
	if !c.Card.Enabled && !c.Wallet.Enabled && !c.Mpesa.Enabled && !c.Manual.Enabled {
		return fmt.Errorf("no payment rail is enabled")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		boolVal, err := strconv.ParseBool(value)
		if err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
