package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/smallbiznis/threadscout/pkg/db"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string
	WorkerID    int64

	OTLPEndpoint string

	Database db.Config
	Redis    RedisConfig
	Scraper  ScraperConfig
	LLM      LLMConfig
	Posting  PostingConfig
	Notify   NotifyConfig

	Scheduler SchedulerConfig
	API       APIConfig

	PipelineConfigPath string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type ScraperConfig struct {
	BaseURL    string
	APIKey     string
	APIHost    string
	Timeout    time.Duration
	MaxRetries int
	// RateLimit requests are allowed per RateWindow across every process.
	RateLimit  int
	RateWindow time.Duration
}

type LLMConfig struct {
	APIKey          string
	ScoringModel    string
	GenerationModel string
	ClassifierModel string
	AnalysisModel   string
	Timeout         time.Duration
}

type PostingConfig struct {
	Endpoint       string
	Token          string
	Timeout        time.Duration
	SandboxEnabled bool
}

type NotifyConfig struct {
	SMTPHost        string
	SMTPPort        int
	SMTPUsername    string
	SMTPPassword    string
	SMTPFrom        string
	SlackWebhookURL string
}

type SchedulerConfig struct {
	Interval time.Duration
	// Jobs limits which scheduler jobs run; empty runs them all.
	Jobs []string
}

// APIConfig guards the review API. Callers present Token as a bearer token and
// identify the acting user with the X-User-ID header; credit grants need AdminToken.
type APIConfig struct {
	Token      string
	AdminToken string
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		AppName:      getenv("APP_SERVICE", "threadscout"),
		AppVersion:   getenv("APP_VERSION", "0.1.0"),
		Environment:  getenv("ENVIRONMENT", "development"),
		HTTPAddr:     getenv("HTTP_ADDR", ":8080"),
		WorkerID:     getenvInt64("WORKER_ID", 1),
		OTLPEndpoint: getenv("OTLP_ENDPOINT", "localhost:4317"),
		Database: db.Config{
			Type:            getenv("DATABASE_TYPE", "postgres"),
			Host:            getenv("DATABASE_HOST", "localhost"),
			Port:            getenv("DATABASE_PORT", "5432"),
			Name:            getenv("DATABASE_NAME", "threadscout"),
			User:            getenv("DATABASE_USER", "postgres"),
			Password:        getenv("DATABASE_PASSWORD", ""),
			SSLMode:         getenv("DATABASE_SSLMODE", "disable"),
			Path:            getenv("DATABASE_PATH", ""),
			MaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
			MaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 40),
			ConnMaxLifetime: getenvDuration("DATABASE_CONN_MAX_LIFETIME", 30*time.Minute),
			ConnMaxIdleTime: getenvDuration("DATABASE_CONN_MAX_IDLE_TIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			Addr:     getenv("REDIS_ADDR", "localhost:6379"),
			Password: strings.TrimSpace(getenv("REDIS_PASSWORD", "")),
			DB:       getenvInt("REDIS_DB", 0),
		},
		Scraper: ScraperConfig{
			BaseURL:    strings.TrimRight(getenv("SCRAPER_BASE_URL", "https://reddit-scraper.p.rapidapi.com"), "/"),
			APIKey:     strings.TrimSpace(getenv("SCRAPER_API_KEY", "")),
			APIHost:    strings.TrimSpace(getenv("SCRAPER_API_HOST", "")),
			Timeout:    getenvDuration("SCRAPER_TIMEOUT", 20*time.Second),
			MaxRetries: getenvInt("SCRAPER_MAX_RETRIES", 3),
			RateLimit:  getenvInt("SCRAPER_RATE_LIMIT", 30),
			RateWindow: getenvDuration("SCRAPER_RATE_WINDOW", time.Minute),
		},
		LLM: LLMConfig{
			APIKey:          strings.TrimSpace(getenv("GEMINI_API_KEY", "")),
			ScoringModel:    getenv("LLM_SCORING_MODEL", "gemini-2.5-flash"),
			GenerationModel: getenv("LLM_GENERATION_MODEL", "gemini-2.5-pro"),
			ClassifierModel: getenv("LLM_CLASSIFIER_MODEL", "gemini-2.5-flash-lite"),
			AnalysisModel:   getenv("LLM_ANALYSIS_MODEL", "gemini-2.5-flash"),
			Timeout:         getenvDuration("LLM_TIMEOUT", 60*time.Second),
		},
		Posting: PostingConfig{
			Endpoint:       strings.TrimRight(getenv("POSTING_ENDPOINT", ""), "/"),
			Token:          strings.TrimSpace(getenv("POSTING_TOKEN", "")),
			Timeout:        getenvDuration("POSTING_TIMEOUT", 30*time.Second),
			SandboxEnabled: getenvBool("POSTING_SANDBOX_ENABLED", false),
		},
		Notify: NotifyConfig{
			SMTPHost:        strings.TrimSpace(getenv("SMTP_HOST", "")),
			SMTPPort:        getenvInt("SMTP_PORT", 587),
			SMTPUsername:    strings.TrimSpace(getenv("SMTP_USERNAME", "")),
			SMTPPassword:    getenv("SMTP_PASSWORD", ""),
			SMTPFrom:        getenv("SMTP_FROM", "alerts@threadscout.local"),
			SlackWebhookURL: strings.TrimSpace(getenv("SLACK_WEBHOOK_URL", "")),
		},
		Scheduler: SchedulerConfig{
			Interval: getenvDuration("SCHEDULER_INTERVAL", time.Minute),
			Jobs:     getenvList("SCHEDULER_JOBS"),
		},
		API: APIConfig{
			Token:      strings.TrimSpace(getenv("API_TOKEN", "")),
			AdminToken: strings.TrimSpace(getenv("API_ADMIN_TOKEN", "")),
		},
		PipelineConfigPath: strings.TrimSpace(getenv("PIPELINE_CONFIG_PATH", "")),
	}
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), "production")
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvInt(key string, def int) int {
	return int(getenvInt64(key, int64(def)))
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed <= 0 {
		return def
	}
	return parsed
}
