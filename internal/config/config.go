package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type DB struct {
	User string
	Pass string
	Host string
	Port string
	Name string
}

type Delivery struct {
	MaxAttempts     int           // Maximum delivery attempts per delivery
	BackoffBase     time.Duration // First retry delay; doubles per attempt
	BackoffCap      time.Duration // Per-step delay ceiling
	JitterPercent   float64       // Backoff jitter percentage (0.0-1.0)
	AttemptTimeout  time.Duration // Hard cap on one HTTP attempt
	ClaimLease      time.Duration // How long a claim keeps a delivery off the due queue
	ResponseBodyCap int           // Max stored response body bytes
	Workers         int           // Concurrent outbound delivery workers
	SignatureHeader string        // HTTP header for the webhook signature
	TimestampHeader string        // HTTP header for the webhook timestamp
}

type Scheduler struct {
	SweepInterval time.Duration // How often the retry sweep runs
	BatchSize     int           // Max deliveries attempted per sweep
}

type Auth struct {
	PublicKeyPEM string // RSA public key for JWT verification; empty disables JWT
	Issuer       string
	Audience     string
}

type FakeReceiver struct {
	FailFirstN           int    // Number of requests to fail initially
	EndpointSecret       string // Secret for webhook signature verification
	SigningLeewaySeconds int    // Allowed timestamp skew in seconds
	Port                 string // Server listen port
}

type Config struct {
	AppName      string
	HTTPPort     string // :8080
	DB           DB
	Delivery     Delivery
	Scheduler    Scheduler
	Auth         Auth
	FakeReceiver FakeReceiver
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getenvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func FromEnv() Config {
	return Config{
		AppName:  getenv("APP_NAME", "mailhook"),
		HTTPPort: getenv("HTTP_PORT", ":8080"),
		DB: DB{
			User: getenv("DB_USER", "postgres"),
			Pass: getenv("DB_PASS", "postgres"),
			Host: getenv("DB_HOST", "postgres"),
			Port: getenv("DB_PORT", "5432"),
			Name: getenv("DB_NAME", "mailhook"),
		},
		Delivery: Delivery{
			MaxAttempts:     getenvInt("MAX_ATTEMPTS", 5),
			BackoffBase:     getenvDuration("BACKOFF_BASE", time.Minute),
			BackoffCap:      getenvDuration("BACKOFF_CAP", time.Hour),
			JitterPercent:   getenvFloat("BACKOFF_JITTER_PCT", 0.25),
			AttemptTimeout:  getenvDuration("ATTEMPT_TIMEOUT", 10*time.Second),
			ClaimLease:      getenvDuration("CLAIM_LEASE", 2*time.Minute),
			ResponseBodyCap: getenvInt("RESPONSE_BODY_CAP", 2048),
			Workers:         getenvInt("DELIVERY_WORKERS", 16),
			SignatureHeader: getenv("WEBHOOK_SIGNATURE_HEADER", "X-Mailhook-Signature"),
			TimestampHeader: getenv("WEBHOOK_TIMESTAMP_HEADER", "X-Mailhook-Timestamp"),
		},
		Scheduler: Scheduler{
			SweepInterval: getenvDuration("SWEEP_INTERVAL", 30*time.Second),
			BatchSize:     getenvInt("SWEEP_BATCH_SIZE", 100),
		},
		Auth: Auth{
			PublicKeyPEM: strings.ReplaceAll(getenv("JWT_PUBLIC_KEY_PEM", ""), `\n`, "\n"),
			Issuer:       getenv("JWT_ISSUER", "mailhook"),
			Audience:     getenv("JWT_AUDIENCE", "mailhook-api"),
		},
		FakeReceiver: FakeReceiver{
			FailFirstN:           getenvInt("FAIL_FIRST_N", 0),
			EndpointSecret:       getenv("ENDPOINT_SECRET", ""),
			SigningLeewaySeconds: getenvInt("SIGNING_LEEWAY_SECONDS", 300),
			Port:                 getenv("FAKE_RECEIVER_PORT", ":8081"),
		},
	}
}

func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.DB.User, c.DB.Pass, c.DB.Host, c.DB.Port, c.DB.Name)
}
