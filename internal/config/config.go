package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database（未設定の場合はメモリ上に保持する）
	DatabaseURL string

	// Identity provider（未設定の場合はプロセス内のメモリ実装を使用する）
	SupabaseURL       string
	SupabaseAnonKey   string
	SupabaseJWTSecret string
	StorageBucket     string

	// Session
	SessionMaxAge      time.Duration
	SessionIdleTimeout time.Duration
	CleanupInterval    time.Duration

	// Upload
	MaxUploadSize int64
	FetchTimeout  time.Duration

	// Rate Limit
	RateLimitGeneral int
	RateLimitAuth    int

	// Fallback images
	AvatarFallbackBase string
	BannerFallbackURL  string

	// Logging
	LogLevel string

	// Server
	ServerPort string
	BaseURL    string

	// Cookie
	CookieSecure bool
	CookieDomain string

	// CSRF（未設定の場合は起動ごとに生成する）
	CSRFSecret string

	// CORS
	CORSAllowedOrigin string
}

// UseMemoryProvider は外部IdPの設定がなく、メモリ実装を使用するかを返す。
func (c *Config) UseMemoryProvider() bool {
	return c.SupabaseURL == ""
}

// UseMemoryStore はDBの設定がなく、セッションをメモリに保持するかを返す。
func (c *Config) UseMemoryStore() bool {
	return c.DatabaseURL == ""
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.BaseURL = os.Getenv("BASE_URL")
	if cfg.BaseURL == "" {
		missing = append(missing, "BASE_URL")
	}

	// SUPABASE_URLとSUPABASE_ANON_KEYは両方設定するか両方未設定にする
	cfg.SupabaseURL = strings.TrimRight(os.Getenv("SUPABASE_URL"), "/")
	cfg.SupabaseAnonKey = os.Getenv("SUPABASE_ANON_KEY")
	if cfg.SupabaseURL != "" && cfg.SupabaseAnonKey == "" {
		missing = append(missing, "SUPABASE_ANON_KEY")
	}
	if cfg.SupabaseURL == "" && cfg.SupabaseAnonKey != "" {
		missing = append(missing, "SUPABASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	cfg.SupabaseJWTSecret = os.Getenv("SUPABASE_JWT_SECRET")
	cfg.StorageBucket = getEnvString("STORAGE_BUCKET", "profiles")
	cfg.SessionMaxAge = getEnvDuration("SESSION_MAX_AGE", 30*24*time.Hour)
	cfg.SessionIdleTimeout = getEnvDuration("SESSION_IDLE_TIMEOUT", 30*time.Minute)
	cfg.CleanupInterval = getEnvDuration("CLEANUP_INTERVAL", 10*time.Minute)
	cfg.MaxUploadSize = getEnvInt64("MAX_UPLOAD_SIZE", 12<<20)
	cfg.FetchTimeout = getEnvDuration("FETCH_TIMEOUT", 10*time.Second)
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitAuth = getEnvInt("RATE_LIMIT_AUTH", 10)
	cfg.AvatarFallbackBase = getEnvString("AVATAR_FALLBACK_BASE", "")
	cfg.BannerFallbackURL = getEnvString("BANNER_FALLBACK_URL", "")
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CookieSecure = strings.HasPrefix(cfg.BaseURL, "https://")
	cfg.CookieDomain = getEnvString("COOKIE_DOMAIN", "")
	cfg.CSRFSecret = os.Getenv("CSRF_SECRET")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")

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
