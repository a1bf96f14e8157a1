package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/hitoshi/tempro/internal/model"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
// 実行時の再設定はサポートしない。
type Config struct {
	// Database
	DatabaseURL string

	// Internal API
	APIToken   string
	ServerPort string

	// External collaborators
	MailProviderURL  string
	MailTimeout      time.Duration
	ChatTransportURL string
	ChatTimeout      time.Duration
	OperatorChannel  string

	// Lease TTL defaults
	EmailTTL   time.Duration
	SubBotTTL  time.Duration
	SessionTTL time.Duration

	// Quota caps (per owner)
	MaxEmailsPerOwner   int
	MaxSubBotsPerOwner  int
	MaxSessionsPerOwner int

	// Creation-rate window (per owner, per kind)
	CreateRatePerMinute int
	CreateRateBurst     int

	// Expiry sweep
	SweepInterval       time.Duration
	WarningOffset       time.Duration
	TeardownMaxAttempts int

	// Renewal policy
	RenewFromWarning      bool
	RenewCountsAsCreation bool

	// Broadcast
	BroadcastConcurrency int
	BroadcastMaxRetries  int
	BroadcastRetryBase   time.Duration

	// Shutdown
	ShutdownTimeout time.Duration
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

	cfg.APIToken = os.Getenv("API_TOKEN")
	if cfg.APIToken == "" {
		missing = append(missing, "API_TOKEN")
	}

	cfg.ChatTransportURL = os.Getenv("CHAT_TRANSPORT_URL")
	if cfg.ChatTransportURL == "" {
		missing = append(missing, "CHAT_TRANSPORT_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.MailProviderURL = getEnvString("MAIL_PROVIDER_URL", "https://www.1secmail.com/api/v1/")
	cfg.MailTimeout = getEnvDuration("MAIL_TIMEOUT", 15*time.Second)
	cfg.ChatTimeout = getEnvDuration("CHAT_TIMEOUT", 10*time.Second)
	cfg.OperatorChannel = getEnvString("OPERATOR_CHANNEL", "")

	cfg.EmailTTL = getEnvDuration("EMAIL_TTL", 24*time.Hour)
	cfg.SubBotTTL = getEnvDuration("SUBBOT_TTL", 7*24*time.Hour)
	cfg.SessionTTL = getEnvDuration("SESSION_TTL", 24*time.Hour)

	cfg.MaxEmailsPerOwner = getEnvInt("MAX_EMAILS_PER_OWNER", 5)
	cfg.MaxSubBotsPerOwner = getEnvInt("MAX_SUBBOTS_PER_OWNER", 3)
	cfg.MaxSessionsPerOwner = getEnvInt("MAX_SESSIONS_PER_OWNER", 10)

	cfg.CreateRatePerMinute = getEnvInt("CREATE_RATE_PER_MINUTE", 5)
	cfg.CreateRateBurst = getEnvInt("CREATE_RATE_BURST", 5)

	cfg.SweepInterval = getEnvDuration("SWEEP_INTERVAL", time.Minute)
	cfg.WarningOffset = getEnvDuration("WARNING_OFFSET", time.Hour)
	cfg.TeardownMaxAttempts = getEnvInt("TEARDOWN_MAX_ATTEMPTS", 5)

	cfg.RenewFromWarning = getEnvBool("RENEW_FROM_WARNING", true)
	cfg.RenewCountsAsCreation = getEnvBool("RENEW_COUNTS_AS_CREATION", false)

	cfg.BroadcastConcurrency = getEnvInt("BROADCAST_CONCURRENCY", 20)
	cfg.BroadcastMaxRetries = getEnvInt("BROADCAST_MAX_RETRIES", 3)
	cfg.BroadcastRetryBase = getEnvDuration("BROADCAST_RETRY_BASE", time.Second)

	cfg.ShutdownTimeout = getEnvDuration("SHUTDOWN_TIMEOUT", 30*time.Second)

	return cfg, nil
}

// TTLFor は種別ごとのデフォルトTTLを返す。
// 未知の種別の場合は24時間を返す。
func (c *Config) TTLFor(kind model.LeaseKind) time.Duration {
	switch kind {
	case model.LeaseKindEmail:
		return c.EmailTTL
	case model.LeaseKindSubBot:
		return c.SubBotTTL
	case model.LeaseKindSession:
		return c.SessionTTL
	}
	return 24 * time.Hour
}

// CapFor は種別ごとの同時保有数上限を返す。
// 未知の種別の場合は0（作成不可）を返す。
func (c *Config) CapFor(kind model.LeaseKind) int {
	switch kind {
	case model.LeaseKindEmail:
		return c.MaxEmailsPerOwner
	case model.LeaseKindSubBot:
		return c.MaxSubBotsPerOwner
	case model.LeaseKindSession:
		return c.MaxSessionsPerOwner
	}
	return 0
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

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}
