package config

import (
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string

	OTLPEndpoint string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	SettlementTimezone string
	Currency           string

	Gateway   GatewayConfig
	Alert     AlertConfig
	Scheduler SchedulerConfig
}

// GatewayConfig describes the external payment gateway.
type GatewayConfig struct {
	BaseURL          string
	KeyID            string
	KeySecret        string
	Timeout          time.Duration
	TransfersEnabled bool

	WebhookProvider  string
	WebhookSecret    string
	WebhookTolerance time.Duration
}

// AlertConfig lists the configured alert transports. Empty values disable a transport.
type AlertConfig struct {
	SlackWebhookURL string
	SlackChannel    string

	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioFrom       string
	TwilioTo         string

	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string
	SMTPTo       string
}

// SchedulerConfig drives the background jobs. Cron specs use the standard
// five-field format and are evaluated in the settlement timezone.
type SchedulerConfig struct {
	Enabled           bool
	RunInterval       time.Duration
	BatchSize         int
	EnabledJobs       []string
	SettlementCron    string
	RevenueShareCron  string
	PendingPaymentAge time.Duration
	PendingRefundAge  time.Duration
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		AppName:            getenv("APP_SERVICE", "tablepay"),
		AppVersion:         getenv("APP_VERSION", "0.1.0"),
		Environment:        getenv("ENVIRONMENT", "development"),
		HTTPAddr:           getenv("HTTP_ADDR", ":8080"),
		OTLPEndpoint:       getenv("OTLP_ENDPOINT", "localhost:4317"),
		DBType:             getenv("DATABASE_TYPE", "postgres"),
		DBHost:             getenv("DATABASE_HOST", "localhost"),
		DBPort:             getenv("DATABASE_PORT", "5432"),
		DBName:             getenv("DATABASE_NAME", "tablepay"),
		DBUser:             getenv("DATABASE_USER", "postgres"),
		DBPassword:         getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:          getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:      getenvInt("DATABASE_MAX_IDLE_CONN", 10),
		DBMaxOpenConn:      getenvInt("DATABASE_MAX_OPEN_CONN", 50),
		DBConnMaxLifetime:  getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),
		DBConnMaxIdleTime:  getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 60),
		RedisAddr:          strings.TrimSpace(getenv("REDIS_ADDR", "")),
		RedisPassword:      getenv("REDIS_PASSWORD", ""),
		RedisDB:            getenvInt("REDIS_DB", 0),
		SettlementTimezone: getenv("SETTLEMENT_TIMEZONE", "Asia/Kolkata"),
		Currency:           strings.ToUpper(getenv("CURRENCY", "INR")),
		Gateway: GatewayConfig{
			BaseURL:          strings.TrimRight(strings.TrimSpace(getenv("GATEWAY_BASE_URL", "")), "/"),
			KeyID:            strings.TrimSpace(getenv("GATEWAY_KEY_ID", "")),
			KeySecret:        strings.TrimSpace(getenv("GATEWAY_KEY_SECRET", "")),
			Timeout:          getenvDuration("GATEWAY_TIMEOUT", 10*time.Second),
			TransfersEnabled: getenvBool("GATEWAY_TRANSFERS_ENABLED", false),
			WebhookProvider:  strings.ToLower(getenv("GATEWAY_WEBHOOK_PROVIDER", "gateway")),
			WebhookSecret:    strings.TrimSpace(getenv("GATEWAY_WEBHOOK_SECRET", "")),
			WebhookTolerance: getenvDuration("GATEWAY_WEBHOOK_TOLERANCE", 0),
		},
		Alert: AlertConfig{
			SlackWebhookURL:  strings.TrimSpace(getenv("SLACK_WEBHOOK_URL", "")),
			SlackChannel:     getenv("SLACK_ALERT_CHANNEL", "#ledger-alerts"),
			TwilioAccountSID: strings.TrimSpace(getenv("TWILIO_ACCOUNT_SID", "")),
			TwilioAuthToken:  strings.TrimSpace(getenv("TWILIO_AUTH_TOKEN", "")),
			TwilioFrom:       strings.TrimSpace(getenv("TWILIO_FROM", "")),
			TwilioTo:         strings.TrimSpace(getenv("TWILIO_ALERT_TO", "")),
			SMTPHost:         strings.TrimSpace(getenv("SMTP_HOST", "")),
			SMTPPort:         getenvInt("SMTP_PORT", 587),
			SMTPUsername:     getenv("SMTP_USERNAME", ""),
			SMTPPassword:     getenv("SMTP_PASSWORD", ""),
			SMTPFrom:         getenv("SMTP_FROM", ""),
			SMTPTo:           getenv("SMTP_ALERT_TO", ""),
		},
		Scheduler: SchedulerConfig{
			Enabled:           getenvBool("SCHEDULER_ENABLED", true),
			RunInterval:       getenvDuration("SCHEDULER_RUN_INTERVAL", time.Minute),
			BatchSize:         getenvInt("SCHEDULER_BATCH_SIZE", 100),
			EnabledJobs:       splitList(getenv("SCHEDULER_ENABLED_JOBS", "")),
			SettlementCron:    getenv("SCHEDULER_SETTLEMENT_CRON", "15 0 * * *"),
			RevenueShareCron:  getenv("SCHEDULER_REVENUE_SHARE_CRON", "30 3 1 * *"),
			PendingPaymentAge: getenvDuration("SCHEDULER_PENDING_PAYMENT_AGE", 2*time.Minute),
			PendingRefundAge:  getenvDuration("SCHEDULER_PENDING_REFUND_AGE", 5*time.Minute),
		},
	}
}

// Location resolves the settlement timezone, falling back to UTC.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(strings.TrimSpace(c.SettlementTimezone))
	if err != nil || loc == nil {
		return time.UTC
	}
	return loc
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
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

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return parsed
}

func splitList(value string) []string {
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
