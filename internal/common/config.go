package common

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	HTTPPort    int
	MetricsPort int
	DatabaseURL string

	KafkaBrokers     []string
	SendTopic        string
	PendingPartTopic string

	RedisAddr     string
	RedisCacheTTL time.Duration

	// SessionSecret keys the symmetric cipher protecting provider
	// credentials; every process touching messaging_service rows needs
	// the same value.
	SessionSecret string

	// JobsSameProcess selects synchronous inbound ingestion; when false,
	// webhooks only persist pending parts and the reassembler worker
	// produces the final messages.
	JobsSameProcess bool

	SimulatedReplyRatio float64

	AssembleBaseURL string
	TwilioBaseURL   string
	NexmoBaseURL    string
	// WebhookBaseURL is the externally visible URL prefix of the webhook
	// service, needed to recompute Twilio request signatures.
	WebhookBaseURL string

	ProviderTimeout time.Duration

	OTLPEndpoint string
	ServiceName  string
}

func LoadConfig(service string) (*Config, error) {
	// Optional .env for local development; real env vars win.
	_ = godotenv.Load()

	cfg := &Config{ServiceName: service}

	httpPort, err := getEnvInt("HTTP_PORT", 8080)
	if err != nil {
		return nil, err
	}
	cfg.HTTPPort = httpPort

	metricsPort, err := getEnvInt("METRICS_PORT", httpPort+1000)
	if err != nil {
		return nil, err
	}
	cfg.MetricsPort = metricsPort

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	cfg.OTLPEndpoint = os.Getenv("OTLP_ENDPOINT")
	cfg.SessionSecret = os.Getenv("SESSION_SECRET")

	brokers := os.Getenv("KAFKA_BROKERS")
	if brokers == "" {
		cfg.KafkaBrokers = []string{"localhost:9092"}
	} else {
		cfg.KafkaBrokers = strings.Split(brokers, ",")
	}

	cfg.SendTopic = getEnv("SEND_TOPIC", "messages.send")
	cfg.PendingPartTopic = getEnv("PENDING_PART_TOPIC", "messages.pending-parts")

	cfg.RedisAddr = os.Getenv("REDIS_ADDR")
	ttl, err := getEnvDuration("REDIS_CACHE_TTL", 5*time.Minute)
	if err != nil {
		return nil, err
	}
	cfg.RedisCacheTTL = ttl

	cfg.JobsSameProcess = getEnv("JOBS_SAME_PROCESS", "1") == "1"

	ratio, err := getEnvFloat("SIMULATED_REPLY_RATIO", 0)
	if err != nil {
		return nil, err
	}
	if ratio < 0 || ratio > 1 {
		return nil, errors.New("SIMULATED_REPLY_RATIO must be within [0, 1]")
	}
	cfg.SimulatedReplyRatio = ratio

	cfg.AssembleBaseURL = getEnv("ASSEMBLE_BASE_URL", "https://numbers.assemble.live")
	cfg.TwilioBaseURL = getEnv("TWILIO_BASE_URL", "https://api.twilio.com")
	cfg.NexmoBaseURL = getEnv("NEXMO_BASE_URL", "https://rest.nexmo.com")
	cfg.WebhookBaseURL = os.Getenv("WEBHOOK_BASE_URL")

	timeout, err := getEnvDuration("PROVIDER_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, err
	}
	cfg.ProviderTimeout = timeout

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	if v := os.Getenv(key); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("invalid value for %s: %w", key, err)
		}
		return parsed, nil
	}
	return fallback, nil
}

func getEnvFloat(key string, fallback float64) (float64, error) {
	if v := os.Getenv(key); v != "" {
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid value for %s: %w", key, err)
		}
		return parsed, nil
	}
	return fallback, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	if v := os.Getenv(key); v != "" {
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("invalid value for %s: %w", key, err)
		}
		return parsed, nil
	}
	return fallback, nil
}
