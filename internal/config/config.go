package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// 認証プロバイダーの種類
const (
	AuthProviderLocal  = "local"
	AuthProviderGoTrue = "gotrue"
)

// セッションストレージの種類
const (
	SessionStorageMemory = "memory"
	SessionStorageRedis  = "redis"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Auth provider
	AuthProvider    string
	GoTrueURL       string
	GoTrueAPIKey    string
	JWTSecret       string
	ProviderTimeout time.Duration

	// Session
	SessionSecret  string
	SessionMaxAge  int
	SessionStorage string
	RedisURL       string
	ContextIdleTTL time.Duration
	ContextMax     int

	// Object storage
	S3Endpoint        string
	S3Region          string
	S3Bucket          string
	S3AccessKeyID     string
	S3SecretAccessKey string

	// Files
	UploadMaxSize int64
	PresignExpiry time.Duration

	// Rate Limit（req/min）
	RateLimitGeneral int
	RateLimitLogin   int

	// Worker
	AccessLogRetentionDays int
	CleanupSchedule        string

	// Server
	ServerPort string
	BaseURL    string

	// Cookie
	CookieSecure bool
	CookieDomain string

	// CORS
	CORSAllowedOrigin string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.SessionSecret = os.Getenv("SESSION_SECRET")
	if cfg.SessionSecret == "" {
		missing = append(missing, "SESSION_SECRET")
	}

	cfg.BaseURL = os.Getenv("BASE_URL")
	if cfg.BaseURL == "" {
		missing = append(missing, "BASE_URL")
	}

	cfg.S3Bucket = os.Getenv("S3_BUCKET")
	if cfg.S3Bucket == "" {
		missing = append(missing, "S3_BUCKET")
	}

	// プロバイダーごとの必須項目
	cfg.AuthProvider = strings.ToLower(getEnvString("AUTH_PROVIDER", AuthProviderLocal))
	cfg.GoTrueURL = os.Getenv("GOTRUE_URL")
	cfg.GoTrueAPIKey = os.Getenv("GOTRUE_API_KEY")
	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	switch cfg.AuthProvider {
	case AuthProviderLocal:
		if cfg.JWTSecret == "" {
			missing = append(missing, "JWT_SECRET")
		}
	case AuthProviderGoTrue:
		if cfg.GoTrueURL == "" {
			missing = append(missing, "GOTRUE_URL")
		}
		if cfg.GoTrueAPIKey == "" {
			missing = append(missing, "GOTRUE_API_KEY")
		}
	default:
		return nil, fmt.Errorf("unsupported AUTH_PROVIDER: %q", cfg.AuthProvider)
	}

	cfg.SessionStorage = strings.ToLower(getEnvString("SESSION_STORAGE", SessionStorageMemory))
	cfg.RedisURL = os.Getenv("REDIS_URL")
	switch cfg.SessionStorage {
	case SessionStorageMemory:
	case SessionStorageRedis:
		if cfg.RedisURL == "" {
			missing = append(missing, "REDIS_URL")
		}
	default:
		return nil, fmt.Errorf("unsupported SESSION_STORAGE: %q", cfg.SessionStorage)
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.ProviderTimeout = getEnvDuration("PROVIDER_TIMEOUT", 10*time.Second)
	cfg.SessionMaxAge = getEnvInt("SESSION_MAX_AGE", 86400)
	cfg.ContextIdleTTL = getEnvDuration("CONTEXT_IDLE_TTL", 30*time.Minute)
	cfg.ContextMax = getEnvInt("CONTEXT_MAX", 10000)
	cfg.S3Endpoint = getEnvString("S3_ENDPOINT", "")
	cfg.S3Region = getEnvString("S3_REGION", "us-east-1")
	cfg.S3AccessKeyID = getEnvString("S3_ACCESS_KEY_ID", "")
	cfg.S3SecretAccessKey = getEnvString("S3_SECRET_ACCESS_KEY", "")
	cfg.UploadMaxSize = getEnvInt64("UPLOAD_MAX_SIZE", 52428800)
	cfg.PresignExpiry = getEnvDuration("PRESIGN_EXPIRY", 15*time.Minute)
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitLogin = getEnvInt("RATE_LIMIT_LOGIN", 10)
	cfg.AccessLogRetentionDays = getEnvInt("ACCESS_LOG_RETENTION_DAYS", 90)
	cfg.CleanupSchedule = getEnvString("CLEANUP_SCHEDULE", "@daily")
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CookieSecure = strings.HasPrefix(cfg.BaseURL, "https://")
	cfg.CookieDomain = getEnvString("COOKIE_DOMAIN", "")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", cfg.BaseURL)

	return cfg, nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
