package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config carries all environment-sourced runtime settings. Per-site Tableau
// credentials stay as raw env lookups in the tableau package because the set
// of sites is open-ended.
type Config struct {
	Port    string
	NodeEnv string

	RedisHost string
	RedisPort string

	QueueName        string
	QueueConcurrency int
	QueueAttempts    int

	RemoteBaseURL string
	PATName       string
	PATSecret     string

	NotificationAPIURL string
	APIGatewayToken    string
	EmailFrom          string
	EmailTeamTag       string
	EmailProductTag    string

	LogLevel string

	OtelExporter    string
	OtelEndpoint    string
	OtelHeaders     map[string]string
	OtelInsecure    bool
	OtelSampleRatio float64

	ShutdownTimeout time.Duration
}

func FromEnv() Config {
	return Config{
		Port:               getenv("PORT", "3000"),
		NodeEnv:            getenv("NODE_ENV", "development"),
		RedisHost:          getenv("REDIS_HOST", "localhost"),
		RedisPort:          getenv("REDIS_PORT", "6379"),
		QueueName:          getenv("QUEUE_NAME", "report-export"),
		QueueConcurrency:   getenvInt("QUEUE_CONCURRENCY", 5),
		QueueAttempts:      getenvInt("QUEUE_ATTEMPTS", 3),
		RemoteBaseURL:      getenv("REMOTE_BASE_URL", ""),
		PATName:            getenv("PAT_NAME", ""),
		PATSecret:          getenv("PAT_SECRET", ""),
		NotificationAPIURL: getenv("NOTIFICATION_API_URL", ""),
		APIGatewayToken:    getenv("API_GATEWAY_TOKEN", ""),
		EmailFrom:          getenv("EMAIL_FROM", "reports@example.com"),
		EmailTeamTag:       getenv("EMAIL_TEAM_TAG", "analytics"),
		EmailProductTag:    getenv("EMAIL_PRODUCT_TAG", "report-export"),
		LogLevel:           getenv("LOG_LEVEL", "info"),
		OtelExporter:       getenv("OTEL_EXPORTER", "none"),
		OtelEndpoint:       getenv("OTEL_ENDPOINT", ""),
		OtelHeaders:        getenvMap("OTEL_HEADERS"),
		OtelInsecure:       getenvBool("OTEL_INSECURE", true),
		OtelSampleRatio:    getenvFloat("OTEL_SAMPLE_RATIO", 1.0),
		ShutdownTimeout:    time.Duration(getenvInt("SHUTDOWN_TIMEOUT_SECONDS", 10)) * time.Second,
	}
}

func (c Config) RedisAddr() string {
	return c.RedisHost + ":" + c.RedisPort
}

func (c Config) IsProduction() bool {
	return c.NodeEnv == "production"
}

func (c Config) DebugLogging() bool {
	return c.LogLevel == "debug"
}

func getenv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getenvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getenvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getenvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

// getenvMap parses a "k=v,k2=v2" list; malformed pairs are skipped.
func getenvMap(key string) map[string]string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	out := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		kv := strings.SplitN(strings.TrimSpace(pair), "=", 2)
		if len(kv) != 2 || kv[0] == "" || kv[1] == "" {
			continue
		}
		out[kv[0]] = kv[1]
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
