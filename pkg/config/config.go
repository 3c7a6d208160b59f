package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds server configuration.
type Config struct {
	Port        string
	LogLevel    string
	Environment string
	Version     string

	// Postgres backs the postgres DNC registry and idempotency store.
	DatabaseURL string

	// DNCBackend is one of file, sqlite, postgres, redis.
	DNCBackend    string
	DNCPath       string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	EventLogPath     string
	KafkaBrokers     []string
	KafkaTopic       string
	ArchiveS3Bucket  string
	ArchiveS3Region  string
	ArchiveEndpoint  string
	ArchiveGCSBucket string
	ArchiveInterval  time.Duration

	FollowupPath string

	CommerceURL   string
	CommerceToken string
	StorefrontURL string

	MarketingURL string
	MarketingKey string

	MailURL  string
	MailKey  string
	MailFrom string

	TwilioSID   string
	TwilioToken string
	TwilioFrom  string

	TelephonyURL    string
	TelephonyKey    string
	AgentID         string
	FromNumber      string
	WebhookSecret   string
	WindowStart     string
	WindowEnd       string
	WindowZone      string
	AutoDiscount    bool
	LowSatisfaction int

	DefaultFlow  string
	PoliciesPath string

	JWTSecret           string
	CORSOrigins         []string
	RateLimitRPS        float64
	RateLimitBurst      int
	IdempotencyBackend  string
	TelemetryEnabled    bool
	OTLPEndpoint        string
	OTLPInsecure        bool
	TelemetrySampleRate float64
}

// Load loads configuration from environment variables.
func Load() *Config {
	return &Config{
		Port:        envOr("PORT", "8080"),
		LogLevel:    envOr("LOG_LEVEL", "INFO"),
		Environment: envOr("CALLBRIDGE_ENV", "development"),
		Version:     envOr("CALLBRIDGE_VERSION", ""),

		DatabaseURL: envOr("DATABASE_URL", "postgres://callbridge@localhost:5432/callbridge?sslmode=disable"),

		DNCBackend:    strings.ToLower(envOr("DNC_BACKEND", "file")),
		DNCPath:       envOr("DNC_PATH", "data/dnc.json"),
		RedisAddr:     envOr("REDIS_ADDR", "localhost:6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       envInt("REDIS_DB", 0),

		EventLogPath:     envOr("EVENT_LOG_PATH", "data/call_events.jsonl"),
		KafkaBrokers:     envList("KAFKA_BROKERS"),
		KafkaTopic:       envOr("KAFKA_TOPIC", "callbridge.call-events"),
		ArchiveS3Bucket:  os.Getenv("ARCHIVE_S3_BUCKET"),
		ArchiveS3Region:  envOr("ARCHIVE_S3_REGION", "us-east-1"),
		ArchiveEndpoint:  os.Getenv("ARCHIVE_S3_ENDPOINT"),
		ArchiveGCSBucket: os.Getenv("ARCHIVE_GCS_BUCKET"),
		ArchiveInterval:  envDuration("ARCHIVE_INTERVAL", 24*time.Hour),

		FollowupPath: envOr("FOLLOWUP_PATH", "data/followups.json"),

		CommerceURL:   os.Getenv("COMMERCE_API_URL"),
		CommerceToken: os.Getenv("COMMERCE_ACCESS_TOKEN"),
		StorefrontURL: os.Getenv("STOREFRONT_URL"),

		MarketingURL: os.Getenv("MARKETING_API_URL"),
		MarketingKey: os.Getenv("MARKETING_API_KEY"),

		MailURL:  os.Getenv("MAIL_API_URL"),
		MailKey:  os.Getenv("MAIL_API_KEY"),
		MailFrom: os.Getenv("MAIL_FROM"),

		TwilioSID:   os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioToken: os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFrom:  os.Getenv("TWILIO_FROM_NUMBER"),

		TelephonyURL:    os.Getenv("TELEPHONY_API_URL"),
		TelephonyKey:    os.Getenv("TELEPHONY_API_KEY"),
		AgentID:         os.Getenv("TELEPHONY_AGENT_ID"),
		FromNumber:      os.Getenv("TELEPHONY_FROM_NUMBER"),
		WebhookSecret:   os.Getenv("WEBHOOK_SECRET"),
		WindowStart:     envOr("CALL_WINDOW_START", "09:00"),
		WindowEnd:       envOr("CALL_WINDOW_END", "21:00"),
		WindowZone:      envOr("CALL_WINDOW_TZ", "America/New_York"),
		AutoDiscount:    envBool("AUTO_DISCOUNT"),
		LowSatisfaction: envInt("LOW_SATISFACTION_SCORE", 2),

		DefaultFlow:  envOr("DISCOUNT_FLOW", "legacy"),
		PoliciesPath: os.Getenv("POLICIES_PATH"),

		JWTSecret:           os.Getenv("JWT_SECRET"),
		CORSOrigins:         envList("CORS_ORIGINS"),
		RateLimitRPS:        envFloat("RATE_LIMIT_RPS", 10),
		RateLimitBurst:      envInt("RATE_LIMIT_BURST", 20),
		IdempotencyBackend:  strings.ToLower(envOr("IDEMPOTENCY_BACKEND", "memory")),
		TelemetryEnabled:    envBool("OTEL_ENABLED"),
		OTLPEndpoint:        envOr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		OTLPInsecure:        envBool("OTEL_EXPORTER_OTLP_INSECURE"),
		TelemetrySampleRate: envFloat("OTEL_SAMPLE_RATE", 1.0),
	}
}

// Validate rejects combinations the server cannot start with.
func (c *Config) Validate() error {
	var errs []error
	switch c.DNCBackend {
	case "file", "sqlite", "postgres", "redis":
	default:
		errs = append(errs, fmt.Errorf("DNC_BACKEND %q is not one of file, sqlite, postgres, redis", c.DNCBackend))
	}
	switch c.IdempotencyBackend {
	case "memory", "postgres":
	default:
		errs = append(errs, fmt.Errorf("IDEMPOTENCY_BACKEND %q is not one of memory, postgres", c.IdempotencyBackend))
	}
	if c.ArchiveS3Bucket != "" && c.ArchiveGCSBucket != "" {
		errs = append(errs, errors.New("ARCHIVE_S3_BUCKET and ARCHIVE_GCS_BUCKET are mutually exclusive"))
	}
	if c.LowSatisfaction < 1 || c.LowSatisfaction > 5 {
		errs = append(errs, fmt.Errorf("LOW_SATISFACTION_SCORE %d is outside 1-5", c.LowSatisfaction))
	}
	if c.RateLimitRPS < 0 {
		errs = append(errs, errors.New("RATE_LIMIT_RPS must not be negative"))
	}
	return errors.Join(errs...)
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envBool(key string) bool {
	v, _ := strconv.ParseBool(strings.TrimSpace(os.Getenv(key)))
	return v
}

func envInt(key string, def int) int {
	v, err := strconv.Atoi(strings.TrimSpace(os.Getenv(key)))
	if err != nil {
		return def
	}
	return v
}

func envFloat(key string, def float64) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(os.Getenv(key)), 64)
	if err != nil {
		return def
	}
	return v
}

func envDuration(key string, def time.Duration) time.Duration {
	v, err := time.ParseDuration(strings.TrimSpace(os.Getenv(key)))
	if err != nil || v <= 0 {
		return def
	}
	return v
}

func envList(key string) []string {
	var out []string
	for _, s := range strings.Split(os.Getenv(key), ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
