package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config represents the server configuration sourced from the environment.
type Config struct {
	AppName    string
	InstanceID string
	LogLevel   string

	// SeedFile optionally names a JSON array of positions upserted at startup.
	SeedFile string

	// PostgresURL, RedisAddr and ObjectEndpoint are optional. Without them the
	// server keeps state in memory, fans out locally and skips snapshots.
	PostgresURL     string
	RedisAddr       string
	RedisPassword   string
	RedisDB         int
	ObjectEndpoint  string
	ObjectRegion    string
	ObjectBucket    string
	ObjectAccessKey string
	ObjectSecretKey string
	ObjectUseSSL    bool

	JWTSecret string
	JWTIssuer string

	HTTPListenAddr    string
	MetricsAddr       string
	OTLPEndpoint      string
	TraceSampleRatio  float64
	ShutdownTimeout   time.Duration
	HealthcheckProbe  time.Duration
	HeartbeatInterval time.Duration
	SnapshotInterval  time.Duration
	Transports        []string
}

// Load reads configuration from the environment, after loading the dotenv
// file named by ROSTER_ENV_FILE (default .env) when it exists.
func Load() (Config, error) {
	if err := loadDotEnv(getEnv("ROSTER_ENV_FILE", ".env")); err != nil {
		return Config{}, err
	}

	hostname, _ := os.Hostname()
	cfg := Config{
		AppName:           getEnv("APP_NAME", "roster-sync"),
		InstanceID:        getEnv("INSTANCE_ID", hostname),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		SeedFile:          os.Getenv("SEED_FILE"),
		PostgresURL:       os.Getenv("POSTGRES_URL"),
		RedisAddr:         os.Getenv("REDIS_ADDR"),
		RedisPassword:     os.Getenv("REDIS_PASSWORD"),
		RedisDB:           getInt("REDIS_DB", 0),
		ObjectEndpoint:    os.Getenv("OBJECT_ENDPOINT"),
		ObjectRegion:      getEnv("OBJECT_REGION", "us-east-1"),
		ObjectBucket:      getEnv("OBJECT_BUCKET", "rosters"),
		ObjectAccessKey:   os.Getenv("OBJECT_ACCESS_KEY"),
		ObjectSecretKey:   os.Getenv("OBJECT_SECRET_KEY"),
		ObjectUseSSL:      getBool("OBJECT_USE_SSL", false),
		JWTSecret:         os.Getenv("JWT_SECRET"),
		JWTIssuer:         getEnv("JWT_ISSUER", "roster-sync"),
		HTTPListenAddr:    getEnv("HTTP_LISTEN_ADDR", ":8080"),
		MetricsAddr:       getEnv("METRICS_LISTEN_ADDR", ":9090"),
		OTLPEndpoint:      os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TraceSampleRatio:  getFloat("OTEL_TRACES_SAMPLER_ARG", 1),
		ShutdownTimeout:   getDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
		HealthcheckProbe:  getDuration("HEALTHCHECK_INTERVAL", 30*time.Second),
		HeartbeatInterval: getDuration("HUB_HEARTBEAT_INTERVAL", 15*time.Second),
		SnapshotInterval:  getDuration("SNAPSHOT_INTERVAL", 30*time.Second),
		Transports:        getList("HUB_TRANSPORTS"),
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = cfg.AppName
	}

	if cfg.JWTSecret == "" {
		return Config{}, errors.New("JWT_SECRET must be provided")
	}
	if cfg.ObjectEndpoint != "" && (cfg.ObjectAccessKey == "" || cfg.ObjectSecretKey == "") {
		return Config{}, errors.New("object storage credentials must be provided")
	}

	return cfg, nil
}

func loadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

func getFloat(key string, fallback float64) float64 {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fallback
	}
	return v
}

func getBool(key string, fallback bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return v
}

func getDuration(key string, fallback time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return d
}

func getList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
