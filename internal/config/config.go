package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds application configuration
type Config struct {
	Port          string
	Env           string
	PublicBaseURL string
	LogLevel      string
	DatabaseURL   string

	// Retell (voice-agent platform)
	RetellAPIKey          string
	RetellBaseURL         string
	RetellFallbackAgentID string

	// Twilio (telephony carrier)
	TwilioAccountSID           string
	TwilioAuthToken            string
	TwilioTrunkSID             string
	TwilioOutOfMinutesVoiceURL string
	TwilioSIPTrunkURI          string

	// Stripe (payments)
	StripeSecretKey          string
	StripeWebhookSecret      string
	StripePriceID            string
	StripeMinutesPerUnit     int
	StripeMinutePackagesJSON string
	StripePhoneNumberPriceID string
	PhoneNumberMonthlyCost   float64

	// Webhook job queue worker
	CronSecret        string
	JobBatchSize      int
	JobMaxRetries     int
	JobInterDelay     time.Duration
	JobCallTimeout    time.Duration
	JobAlertThreshold int
	JobRunInterval    time.Duration // 0 disables the in-process ticker

	// Dashboard auth
	DashboardJWTSecret string

	// Rate limiting / counter cache
	RedisAddr     string
	RedisPassword string

	// SendGrid notifications
	SendGridAPIKey    string
	SendGridFromEmail string
	SendGridFromName  string

	CORSAllowedOrigins string
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Port:          getEnv("PORT", "8080"),
		Env:           getEnv("ENV", "development"),
		PublicBaseURL: getEnv("PUBLIC_BASE_URL", ""),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		DatabaseURL:   getEnv("DATABASE_URL", ""),

		RetellAPIKey:          getEnv("RETELL_API_KEY", ""),
		RetellBaseURL:         getEnv("RETELL_BASE_URL", ""),
		RetellFallbackAgentID: getEnv("RETELL_FALLBACK_AGENT_ID", ""),

		TwilioAccountSID:           getEnv("TWILIO_ACCOUNT_SID", ""),
		TwilioAuthToken:            getEnv("TWILIO_AUTH_TOKEN", ""),
		TwilioTrunkSID:             getEnv("TWILIO_TRUNK_SID", ""),
		TwilioOutOfMinutesVoiceURL: getEnv("TWILIO_OUT_OF_MINUTES_TWIML_URL", ""),
		TwilioSIPTrunkURI:          getEnv("TWILIO_SIP_TRUNK_URI", ""),

		StripeSecretKey:          getEnv("STRIPE_SECRET_KEY", ""),
		StripeWebhookSecret:      getEnv("STRIPE_WEBHOOK_SECRET", ""),
		StripePriceID:            getEnv("STRIPE_PRICE_ID", ""),
		StripeMinutesPerUnit:     getEnvAsInt("STRIPE_MINUTES_PER_UNIT", 100),
		StripeMinutePackagesJSON: getEnv("STRIPE_MINUTE_PACKAGES_JSON", ""),
		StripePhoneNumberPriceID: getEnv("STRIPE_PHONE_NUMBER_PRICE_ID", ""),
		PhoneNumberMonthlyCost:   getEnvAsFloat("PHONE_NUMBER_MONTHLY_COST", 1.15),

		CronSecret:        getEnv("CRON_SECRET", ""),
		JobBatchSize:      getEnvAsInt("JOB_BATCH_SIZE", 10),
		JobMaxRetries:     getEnvAsInt("JOB_MAX_RETRIES", 3),
		JobInterDelay:     getEnvAsDuration("JOB_INTER_DELAY", 2*time.Second),
		JobCallTimeout:    getEnvAsDuration("JOB_CALL_TIMEOUT", 25*time.Second),
		JobAlertThreshold: getEnvAsInt("JOB_ALERT_THRESHOLD", 3),
		JobRunInterval:    getEnvAsDuration("JOB_RUN_INTERVAL", 0),

		DashboardJWTSecret: getEnv("DASHBOARD_JWT_SECRET", ""),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),

		SendGridAPIKey:    getEnv("SENDGRID_API_KEY", ""),
		SendGridFromEmail: getEnv("SENDGRID_FROM_EMAIL", ""),
		SendGridFromName:  getEnv("SENDGRID_FROM_NAME", "DialDesk"),

		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", ""),
	}
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}
