package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

type Config struct {
	ListenAddr              string
	StoreDriver             string
	DatabaseURL             string
	SQLitePath              string
	RedisAddr               string
	RedisEnabled            bool
	EventStreamName         string
	CORSAllowedOrigins      []string
	APIKey                  string
	ScreenshotTokenSecret   string
	ScreenshotTokenTTLSecs  int
	ScreenshotDir           string
	RateLimitGeneral        RateLimit
	RateLimitErrorReports   RateLimit
	RateLimitTriggers       RateLimit
	S3Region                string
	S3Endpoint              string
	S3AccessKey             string
	S3SecretKey             string
	S3Bucket                string
	ScreenshotRetentionDays int
	WebhookURL              string
	WebhookAuthHeader       string
	WebhookMinSeverity      string
	WebhookCooldownMinutes  int
	AnthropicAPIKey         string
	OpenAIAPIKey            string
	FixWorkDir              string
	GitRemote               string
	GitBranch               string
	LogLevel                string
	LogJSON                 bool
	MonitorsFile            string
	ChromePath              string
	BackendAPIURL           string
	AdminConsoleURL         string
	HealthInterval          time.Duration
	BrowserInterval         time.Duration
	SecurityInterval        time.Duration
	RetentionInterval       time.Duration
	CheckRetentionDays      int
	ShutdownTimeout         time.Duration
}

// RateLimit is a request ceiling per caller over a window.
type RateLimit struct {
	Requests int
	Window   time.Duration
}

func Load() Config {
	port := envOrDefault("PORT", "3001")

	return Config{
		ListenAddr:              ":" + port,
		StoreDriver:             envOrDefault("STORE_DRIVER", "postgres"),
		DatabaseURL:             databaseURL(),
		SQLitePath:              envOrDefault("SQLITE_PATH", "data/agent.db"),
		RedisAddr:               redisAddr(),
		RedisEnabled:            envOrDefaultBool("REDIS_ENABLED", true),
		EventStreamName:         envOrDefault("EVENT_STREAM_NAME", "agent-events"),
		CORSAllowedOrigins:      parseCSV(envOrDefault("CORS_ALLOWED_ORIGINS", "*")),
		APIKey:                  strings.TrimSpace(os.Getenv("AGENT_API_KEY")),
		ScreenshotTokenSecret:   screenshotTokenSecret(),
		ScreenshotTokenTTLSecs:  envOrDefaultInt("SCREENSHOT_TOKEN_TTL_SECONDS", 900),
		ScreenshotDir:           envOrDefault("SCREENSHOT_DIR", "screenshots"),
		RateLimitGeneral:        RateLimit{Requests: envOrDefaultInt("RATE_LIMIT_API_REQUESTS", 100), Window: envOrDefaultMinutes("RATE_LIMIT_API_WINDOW_MINUTES", 15)},
		RateLimitErrorReports:   RateLimit{Requests: envOrDefaultInt("RATE_LIMIT_ERROR_REQUESTS", 50), Window: envOrDefaultMinutes("RATE_LIMIT_ERROR_WINDOW_MINUTES", 5)},
		RateLimitTriggers:       RateLimit{Requests: envOrDefaultInt("RATE_LIMIT_TRIGGER_REQUESTS", 5), Window: envOrDefaultMinutes("RATE_LIMIT_TRIGGER_WINDOW_MINUTES", 1)},
		S3Region:                envOrDefault("S3_REGION", "us-east-1"),
		S3Endpoint:              os.Getenv("S3_ENDPOINT"),
		S3AccessKey:             envOrDefault("S3_ACCESS_KEY", ""),
		S3SecretKey:             envOrDefault("S3_SECRET_KEY", ""),
		S3Bucket:                envOrDefault("S3_BUCKET", ""),
		ScreenshotRetentionDays: envOrDefaultInt("SCREENSHOT_RETENTION_DAYS", 14),
		WebhookURL:              os.Getenv("ALERT_WEBHOOK_URL"),
		WebhookAuthHeader:       os.Getenv("ALERT_WEBHOOK_AUTH_HEADER"),
		WebhookMinSeverity:      envOrDefault("ALERT_MIN_SEVERITY", "HIGH"),
		WebhookCooldownMinutes:  envOrDefaultInt("ALERT_COOLDOWN_MINUTES", 15),
		AnthropicAPIKey:         os.Getenv("ANTHROPIC_API_KEY"),
		OpenAIAPIKey:            os.Getenv("OPENAI_API_KEY"),
		FixWorkDir:              envOrDefault("FIX_WORK_DIR", "/app"),
		GitRemote:               envOrDefault("GIT_REMOTE", "origin"),
		GitBranch:               envOrDefault("GIT_BRANCH", "master"),
		LogLevel:                envOrDefault("LOG_LEVEL", "info"),
		LogJSON:                 envOrDefaultBool("LOG_JSON", false),
		MonitorsFile:            os.Getenv("MONITORS_FILE"),
		ChromePath:              os.Getenv("CHROME_PATH"),
		BackendAPIURL:           envOrDefault("BACKEND_API_URL", "http://localhost:5000"),
		AdminConsoleURL:         envOrDefault("ADMIN_CONSOLE_URL", "http://localhost:3000"),
		HealthInterval:          envOrDefaultSeconds("HEALTH_CHECK_INTERVAL_SECONDS", 60),
		BrowserInterval:         envOrDefaultSeconds("BROWSER_CHECK_INTERVAL_SECONDS", 300),
		SecurityInterval:        envOrDefaultSeconds("SECURITY_SCAN_INTERVAL_SECONDS", 600),
		RetentionInterval:       envOrDefaultMinutes("RETENTION_INTERVAL_MINUTES", 360),
		CheckRetentionDays:      envOrDefaultInt("CHECK_RETENTION_DAYS", 30),
		ShutdownTimeout:         envOrDefaultSeconds("SHUTDOWN_TIMEOUT_SECONDS", 30),
	}
}

// Validate reports configuration that would leave the service unusable or unsafe.
func (c Config) Validate() (warnings []string, err error) {
	if c.APIKey == "" {
		return nil, fmt.Errorf("AGENT_API_KEY is required")
	}
	if len(c.APIKey) < 32 {
		warnings = append(warnings, "AGENT_API_KEY is shorter than 32 characters")
	}

	switch strings.ToLower(c.StoreDriver) {
	case "postgres":
		if !strings.HasPrefix(c.DatabaseURL, "postgres://") && !strings.HasPrefix(c.DatabaseURL, "postgresql://") {
			return warnings, fmt.Errorf("DATABASE_URL must be a postgres url")
		}
	case "sqlite":
		if strings.TrimSpace(c.SQLitePath) == "" {
			return warnings, fmt.Errorf("SQLITE_PATH is required for the sqlite driver")
		}
	case "memory":
		warnings = append(warnings, "memory store driver keeps no data across restarts")
	default:
		return warnings, fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}

	if c.AnthropicAPIKey == "" && c.OpenAIAPIKey == "" {
		warnings = append(warnings, "no LLM API key configured; fix generation will fail")
	}
	return warnings, nil
}

func (c Config) DataSource() string {
	if strings.EqualFold(c.StoreDriver, "sqlite") {
		return c.SQLitePath
	}
	return c.DatabaseURL
}

func screenshotTokenSecret() string {
	if value := strings.TrimSpace(os.Getenv("SCREENSHOT_TOKEN_SECRET")); value != "" {
		return value
	}
	return strings.TrimSpace(os.Getenv("AGENT_API_KEY"))
}

func databaseURL() string {
	if value := os.Getenv("DATABASE_URL"); value != "" {
		return value
	}

	host := envOrDefault("POSTGRES_HOST", "localhost")
	port := envOrDefault("POSTGRES_PORT", "5432")
	user := envOrDefault("POSTGRES_USER", "watchtower")
	password := envOrDefault("POSTGRES_PASSWORD", "watchtower")
	database := envOrDefault("POSTGRES_DB", "watchtower")

	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", user, password, host, port, database)
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func redisAddr() string {
	host := envOrDefault("REDIS_HOST", "localhost")
	port := envOrDefault("REDIS_PORT", "6379")
	return fmt.Sprintf("%s:%s", host, port)
}

func parseCSV(value string) []string {
	values := strings.Split(value, ",")
	result := make([]string, 0, len(values))
	for _, item := range values {
		trimmed := strings.TrimSpace(item)
		if trimmed == "" {
			continue
		}
		result = append(result, trimmed)
	}

	if len(result) == 0 {
		return []string{"*"}
	}
	return result
}

func envOrDefaultInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}

	var parsed int
	if _, err := fmt.Sscanf(value, "%d", &parsed); err != nil {
		return fallback
	}
	return parsed
}

func envOrDefaultBool(key string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func envOrDefaultSeconds(key string, fallback int) time.Duration {
	return time.Duration(envOrDefaultInt(key, fallback)) * time.Second
}

func envOrDefaultMinutes(key string, fallback int) time.Duration {
	return time.Duration(envOrDefaultInt(key, fallback)) * time.Minute
}
