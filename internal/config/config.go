package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port     int
	LogLevel string
	Env      string
	LogFile  string // optional; rotated with lumberjack when set

	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Redis config
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// AWS Services
	AWSRegion     string
	SQSQueueURL   string // submission ingestion queue, ingestion disabled when empty
	AlertTopicARN string // SNS topic for permanent delivery failures
	AlertFrom     string // SES sender for operator alerts
	AlertTo       string // SES recipient for operator alerts

	// Dispatcher
	IntegrationID      string
	DispatchInterval   time.Duration
	SweepInterval      time.Duration
	BatchSize          int
	MaxAttempts        int
	DeliveryTimeout    time.Duration
	RateLimitPerMinute int
	// RequireKnownForms rejects submissions for forms without a
	// registered field list.
	RequireKnownForms bool

	// Retention
	QueueRetentionDays int
	LogRetentionDays   int

	// SettingsKey encrypts integration settings tagged as encrypted.
	SettingsKey []byte
}

// Load reads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		DBHost:    "localhost",
		DBPort:    5432,
		DBUser:    "formsync",
		DBName:    "formsync",
		DBSSLMode: "disable",

		RedisHost: "localhost",
		RedisPort: 6379,

		AWSRegion: "us-east-1",

		IntegrationID:      "mailchimp",
		DispatchInterval:   5 * time.Second,
		SweepInterval:      30 * time.Second,
		BatchSize:          25,
		MaxAttempts:        3,
		DeliveryTimeout:    30 * time.Second,
		RateLimitPerMinute: 600,
		RequireKnownForms:  true,

		QueueRetentionDays: 30,
		LogRetentionDays:   90,
	}

	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT: %w", err)
		}
		cfg.Port = p
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	if env := os.Getenv("ENV"); env != "" {
		cfg.Env = env
	}

	cfg.LogFile = os.Getenv("LOG_FILE")

	// Database config
	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.DBHost = host
	}

	if port := os.Getenv("DB_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid DB_PORT: %w", err)
		}
		cfg.DBPort = p
	}

	if user := os.Getenv("DB_USER"); user != "" {
		cfg.DBUser = user
	}

	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.DBPassword = password
	}

	if dbname := os.Getenv("DB_NAME"); dbname != "" {
		cfg.DBName = dbname
	}

	if sslmode := os.Getenv("DB_SSLMODE"); sslmode != "" {
		cfg.DBSSLMode = sslmode
	}

	// Redis config
	if host := os.Getenv("REDIS_HOST"); host != "" {
		cfg.RedisHost = host
	}

	if port := os.Getenv("REDIS_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_PORT: %w", err)
		}
		cfg.RedisPort = p
	}

	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.RedisPassword = password
	}

	if db := os.Getenv("REDIS_DB"); db != "" {
		d, err := strconv.Atoi(db)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
		}
		cfg.RedisDB = d
	}

	if region := os.Getenv("AWS_REGION"); region != "" {
		cfg.AWSRegion = region
	}

	cfg.SQSQueueURL = os.Getenv("SQS_QUEUE_URL")
	cfg.AlertTopicARN = os.Getenv("ALERT_TOPIC_ARN")
	cfg.AlertFrom = os.Getenv("ALERT_EMAIL_FROM")
	cfg.AlertTo = os.Getenv("ALERT_EMAIL_TO")

	// Dispatcher config
	if id := os.Getenv("INTEGRATION_ID"); id != "" {
		cfg.IntegrationID = id
	}

	if interval := os.Getenv("DISPATCH_INTERVAL"); interval != "" {
		d, err := time.ParseDuration(interval)
		if err != nil {
			return nil, fmt.Errorf("invalid DISPATCH_INTERVAL: %w", err)
		}
		cfg.DispatchInterval = d
	}

	if interval := os.Getenv("SWEEP_INTERVAL"); interval != "" {
		d, err := time.ParseDuration(interval)
		if err != nil {
			return nil, fmt.Errorf("invalid SWEEP_INTERVAL: %w", err)
		}
		cfg.SweepInterval = d
	}

	if size := os.Getenv("BATCH_SIZE"); size != "" {
		n, err := strconv.Atoi(size)
		if err != nil {
			return nil, fmt.Errorf("invalid BATCH_SIZE: %w", err)
		}
		cfg.BatchSize = n
	}

	if attempts := os.Getenv("MAX_ATTEMPTS"); attempts != "" {
		n, err := strconv.Atoi(attempts)
		if err != nil {
			return nil, fmt.Errorf("invalid MAX_ATTEMPTS: %w", err)
		}
		cfg.MaxAttempts = n
	}

	if timeout := os.Getenv("DELIVERY_TIMEOUT"); timeout != "" {
		t, err := strconv.Atoi(timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid DELIVERY_TIMEOUT: %w", err)
		}
		cfg.DeliveryTimeout = time.Duration(t) * time.Second
	}

	if limit := os.Getenv("RATE_LIMIT_PER_MINUTE"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil {
			return nil, fmt.Errorf("invalid RATE_LIMIT_PER_MINUTE: %w", err)
		}
		cfg.RateLimitPerMinute = n
	}

	if v := os.Getenv("REQUIRE_KNOWN_FORMS"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("invalid REQUIRE_KNOWN_FORMS: %w", err)
		}
		cfg.RequireKnownForms = b
	}

	if days := os.Getenv("QUEUE_RETENTION_DAYS"); days != "" {
		n, err := strconv.Atoi(days)
		if err != nil {
			return nil, fmt.Errorf("invalid QUEUE_RETENTION_DAYS: %w", err)
		}
		cfg.QueueRetentionDays = n
	}

	if days := os.Getenv("LOG_RETENTION_DAYS"); days != "" {
		n, err := strconv.Atoi(days)
		if err != nil {
			return nil, fmt.Errorf("invalid LOG_RETENTION_DAYS: %w", err)
		}
		cfg.LogRetentionDays = n
	}

	if key := os.Getenv("SETTINGS_ENCRYPTION_KEY"); key != "" {
		raw, err := base64.StdEncoding.DecodeString(key)
		if err != nil {
			return nil, fmt.Errorf("invalid SETTINGS_ENCRYPTION_KEY: %w", err)
		}
		if len(raw) != 32 {
			return nil, fmt.Errorf("invalid SETTINGS_ENCRYPTION_KEY: want 32 bytes, got %d", len(raw))
		}
		cfg.SettingsKey = raw
	}

	return cfg, nil
}
