package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	LedgerMySQL  = "mysql"
	LedgerRedis  = "redis"
	LedgerMemory = "memory"
)

// Config aggregates runtime configuration for the API and supporting services.
type Config struct {
	ListenAddr     string
	LogLevel       string
	MySQLDSN       string
	LedgerBackend  string
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	GatewayBaseURL string
	GatewayAPIKey  string
	RequestTimeout time.Duration

	GatewayMaxRetries  int
	GatewayRetryBase   time.Duration
	VideoMaxRetries    int
	VideoRetryBase     time.Duration
	VideoPollInterval  time.Duration
	SessionIdleTimeout time.Duration

	FreemiumCredits   int
	FreemiumLimit     int
	ProCredits        int
	ProLimit          int
	BonusCredits      int
	OnboardingCredits int
	PricingFile       string

	AdminUsername string
	AdminPassword string
	WebhookSecret string

	AlertTelegramToken  string
	AlertTelegramChatID int64

	S3Endpoint      string
	S3Region        string
	S3AccessKey     string
	S3SecretKey     string
	S3Bucket        string
	S3PublicBaseURL string
	S3UsePathStyle  bool
	S3Prefix        string
}

// StorageEnabled reports whether artifact blobs should be pushed to S3.
func (c Config) StorageEnabled() bool {
	return c.S3Bucket != ""
}

// Load reads configuration from environment variables, applying sane defaults.
// A missing .env file is not an error; variables may come from the process environment.
func Load() (Config, error) {
	if err := loadEnvFile(); err != nil {
		return Config{}, err
	}

	const defaultGatewayBaseURL = "https://api.generative.example.com"

	cfg := Config{
		ListenAddr:          getEnv("LISTEN_ADDR", ":8080"),
		LogLevel:            strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LedgerBackend:       strings.ToLower(getEnv("LEDGER_BACKEND", LedgerMySQL)),
		RedisAddr:           getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:       os.Getenv("REDIS_PASSWORD"),
		RedisDB:             getInt("REDIS_DB", 0),
		GatewayBaseURL:      normalizeBaseURL(getEnv("GATEWAY_BASE_URL", defaultGatewayBaseURL), defaultGatewayBaseURL),
		RequestTimeout:      time.Second * time.Duration(getInt("HTTP_TIMEOUT_SECONDS", 120)),
		GatewayMaxRetries:   getInt("GATEWAY_MAX_RETRIES", 3),
		GatewayRetryBase:    getMillis("GATEWAY_RETRY_BASE_MS", time.Second),
		VideoMaxRetries:     getInt("VIDEO_MAX_RETRIES", 2),
		VideoRetryBase:      getMillis("VIDEO_RETRY_BASE_MS", 5*time.Second),
		VideoPollInterval:   time.Second * time.Duration(getInt("VIDEO_POLL_INTERVAL_SECONDS", 10)),
		SessionIdleTimeout:  time.Minute * time.Duration(getInt("SESSION_IDLE_MINUTES", 60)),
		FreemiumCredits:     getInt("FREEMIUM_CREDITS", 50),
		FreemiumLimit:       getInt("FREEMIUM_LIMIT", 50),
		ProCredits:          getInt("PRO_CREDITS", 1000),
		ProLimit:            getInt("PRO_LIMIT", 1000),
		BonusCredits:        getInt("BONUS_CREDITS", 25),
		OnboardingCredits:   getInt("ONBOARDING_CREDITS", 10),
		PricingFile:         os.Getenv("PRICING_FILE"),
		AdminUsername:       getEnv("ADMIN_USERNAME", "admin"),
		AdminPassword:       getEnv("ADMIN_PASSWORD", "change-me"),
		WebhookSecret:       os.Getenv("WEBHOOK_SECRET"),
		AlertTelegramToken:  os.Getenv("ALERT_TELEGRAM_TOKEN"),
		AlertTelegramChatID: getInt64("ALERT_TELEGRAM_CHAT_ID", 0),
		S3Endpoint:          getEnv("S3_ENDPOINT", ""),
		S3Region:            os.Getenv("S3_REGION"),
		S3AccessKey:         os.Getenv("S3_ACCESS_KEY"),
		S3SecretKey:         os.Getenv("S3_SECRET_KEY"),
		S3Bucket:            os.Getenv("S3_BUCKET"),
		S3PublicBaseURL:     os.Getenv("S3_PUBLIC_BASE_URL"),
		S3UsePathStyle:      getBool("S3_USE_PATH_STYLE", false),
		S3Prefix:            getEnv("S3_PREFIX", "artifacts"),
	}

	cfg.MySQLDSN = os.Getenv("MYSQL_DSN")
	cfg.GatewayAPIKey = os.Getenv("GATEWAY_API_KEY")

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	var missing []string
	if c.MySQLDSN == "" {
		missing = append(missing, "MYSQL_DSN")
	}
	if c.GatewayAPIKey == "" {
		missing = append(missing, "GATEWAY_API_KEY")
	}
	if c.WebhookSecret == "" {
		missing = append(missing, "WEBHOOK_SECRET")
	}
	if c.StorageEnabled() {
		if c.S3Region == "" {
			missing = append(missing, "S3_REGION")
		}
		if c.S3AccessKey == "" {
			missing = append(missing, "S3_ACCESS_KEY")
		}
		if c.S3SecretKey == "" {
			missing = append(missing, "S3_SECRET_KEY")
		}
		if c.S3PublicBaseURL == "" {
			missing = append(missing, "S3_PUBLIC_BASE_URL")
		}
	}
	if c.AlertTelegramToken != "" && c.AlertTelegramChatID == 0 {
		missing = append(missing, "ALERT_TELEGRAM_CHAT_ID")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %v", missing)
	}

	switch c.LedgerBackend {
	case LedgerMySQL, LedgerRedis, LedgerMemory:
	default:
		return fmt.Errorf("unsupported LEDGER_BACKEND %q", c.LedgerBackend)
	}
	if c.GatewayMaxRetries < 0 || c.VideoMaxRetries < 0 {
		return fmt.Errorf("retry counts must not be negative")
	}
	return nil
}

// normalizeBaseURL defaults the scheme to https and strips trailing slashes.
func normalizeBaseURL(raw string, fallback string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		return fallback
	}

	if parsed.Scheme == "" {
		parsed.Scheme = "https"
	}
	if parsed.Host == "" {
		parsed.Host = parsed.Path
		parsed.Path = ""
	}

	return strings.TrimRight(parsed.String(), "/")
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func getInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}

func getBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getMillis(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	ms, err := strconv.Atoi(v)
	if err != nil || ms < 0 {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}

func loadEnvFile() error {
	candidates := []string{}
	if custom, ok := os.LookupEnv("CONFIG_ENV_PATH"); ok && custom != "" {
		candidates = append(candidates, custom)
	}
	candidates = append(candidates,
		filepath.Join("configs", ".env"),
		".env",
	)

	for _, path := range candidates {
		info, err := os.Stat(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("access env file %s: %w", path, err)
		}
		if info.IsDir() {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("load env file %s: %w", path, err)
		}
		return nil
	}
	return nil
}
