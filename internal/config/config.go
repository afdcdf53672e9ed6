package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port     int
	LogLevel string
	Env      string

	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Redis, used for the cross-process tick lock. Optional: without
	// it ticks are only guarded in-process.
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// Queue backend: "memory" or "sqs"
	QueueBackend string
	SQSRegion    string
	SQSQueueURL  string

	// Mail backend: "log", "ses" or "smtp"
	MailBackend string
	AWSRegion   string
	FromEmail   string
	FromName    string

	// SMTP config, used when MailBackend is "smtp"
	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string

	// Pipeline tuning
	DispatchInterval  time.Duration // how often due deliveries are scanned
	RetryInterval     time.Duration // how often failed deliveries are swept
	DispatchBatchSize int           // due deliveries per tick
	MaxAttempts       int           // send attempts before a delivery is abandoned
	WorkerConcurrency int           // queue consumers per process
	SendTimeout       time.Duration // per-send transport deadline
}

// Load reads configuration from environment variables with sensible
// defaults for local development.
func Load() (*Config, error) {
	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		DBHost:     "localhost",
		DBPort:     5432,
		DBUser:     "postgres",
		DBPassword: "",
		DBName:     "cadence",
		DBSSLMode:  "disable",

		RedisHost:     "",
		RedisPort:     6379,
		RedisPassword: "",
		RedisDB:       0,

		QueueBackend: "memory",
		MailBackend:  "log",
		AWSRegion:    "us-east-1",
		FromEmail:    "hello@cadence.local",
		FromName:     "Cadence",

		SMTPHost: "localhost",
		SMTPPort: 587,

		DispatchInterval:  time.Minute,
		RetryInterval:     5 * time.Minute,
		DispatchBatchSize: 100,
		MaxAttempts:       3,
		WorkerConcurrency: 4,
		SendTimeout:       30 * time.Second,
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

	// Queue config
	if backend := os.Getenv("QUEUE_BACKEND"); backend != "" {
		if backend != "memory" && backend != "sqs" {
			return nil, fmt.Errorf("invalid QUEUE_BACKEND: %q", backend)
		}
		cfg.QueueBackend = backend
	}

	if region := os.Getenv("AWS_REGION"); region != "" {
		cfg.AWSRegion = region
	}

	if region := os.Getenv("SQS_REGION"); region != "" {
		cfg.SQSRegion = region
	} else {
		cfg.SQSRegion = cfg.AWSRegion
	}

	if url := os.Getenv("SQS_QUEUE_URL"); url != "" {
		cfg.SQSQueueURL = url
	}
	if cfg.QueueBackend == "sqs" && cfg.SQSQueueURL == "" {
		return nil, fmt.Errorf("SQS_QUEUE_URL is required when QUEUE_BACKEND=sqs")
	}

	// Mail config
	if backend := os.Getenv("MAIL_BACKEND"); backend != "" {
		if backend != "log" && backend != "ses" && backend != "smtp" {
			return nil, fmt.Errorf("invalid MAIL_BACKEND: %q", backend)
		}
		cfg.MailBackend = backend
	}

	if from := os.Getenv("FROM_EMAIL"); from != "" {
		cfg.FromEmail = from
	}

	if name := os.Getenv("FROM_NAME"); name != "" {
		cfg.FromName = name
	}

	if host := os.Getenv("SMTP_HOST"); host != "" {
		cfg.SMTPHost = host
	}

	if port := os.Getenv("SMTP_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid SMTP_PORT: %w", err)
		}
		cfg.SMTPPort = p
	}

	if user := os.Getenv("SMTP_USERNAME"); user != "" {
		cfg.SMTPUsername = user
	}

	if pass := os.Getenv("SMTP_PASSWORD"); pass != "" {
		cfg.SMTPPassword = pass
	}

	// Pipeline tuning
	if v := os.Getenv("DISPATCH_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("invalid DISPATCH_INTERVAL: %q", v)
		}
		cfg.DispatchInterval = d
	}

	if v := os.Getenv("RETRY_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("invalid RETRY_INTERVAL: %q", v)
		}
		cfg.RetryInterval = d
	}

	if v := os.Getenv("DISPATCH_BATCH_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid DISPATCH_BATCH_SIZE: %q", v)
		}
		cfg.DispatchBatchSize = n
	}

	if v := os.Getenv("MAX_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid MAX_ATTEMPTS: %q", v)
		}
		cfg.MaxAttempts = n
	}

	if v := os.Getenv("WORKER_CONCURRENCY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid WORKER_CONCURRENCY: %q", v)
		}
		cfg.WorkerConcurrency = n
	}

	if v := os.Getenv("SEND_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("invalid SEND_TIMEOUT: %q", v)
		}
		cfg.SendTimeout = d
	}

	return cfg, nil
}
