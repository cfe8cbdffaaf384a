package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/smallbiznis/appguard-agent/internal/domain"
)

// Secret store backends.
const (
	SecretStoreMemory   = "memory"
	SecretStoreFile     = "file"
	SecretStoreRedis    = "redis"
	SecretStorePostgres = "postgres"
)

// Config contains runtime configuration values.
type Config struct {
	Environment string
	ServiceName string
	HTTPPort    string

	ControlHost string
	ControlPort int
	ControlTLS  bool

	InstallationCode string
	AppID            string
	AppSecret        string
	DeviceType       string
	DeviceUUID       string

	DefaultTimeout   *time.Duration
	DefaultPolicy    domain.Policy
	CacheMaxEntries  int
	CacheTTL         time.Duration
	TokenWaitTimeout time.Duration
	MinBackoff       time.Duration
	MaxBackoff       time.Duration

	SecretStore           string
	SecretStorePath       string
	SecretStorePassphrase string
	RedisAddr             string
	RedisPassword         string
	RedisDB               int
	DatabaseURL           string

	TelemetryEndpoint string
	TelemetryInsecure bool
}

// Load reads configuration from environment variables with sane defaults.
func Load() (Config, error) {
	_ = godotenv.Load()

	controlHost := strings.TrimSpace(os.Getenv("CONTROL_SERVICE_ADDR"))
	if controlHost == "" {
		return Config{}, fmt.Errorf("CONTROL_SERVICE_ADDR is required")
	}
	controlPortRaw := strings.TrimSpace(os.Getenv("CONTROL_SERVICE_PORT"))
	if controlPortRaw == "" {
		return Config{}, fmt.Errorf("CONTROL_SERVICE_PORT is required")
	}
	controlPort, err := strconv.ParseUint(controlPortRaw, 10, 16)
	if err != nil {
		return Config{}, fmt.Errorf("CONTROL_SERVICE_PORT must be a valid port")
	}

	defaultPolicy, err := domain.ParsePolicy(os.Getenv("DEFAULT_POLICY"))
	if err != nil {
		return Config{}, fmt.Errorf("DEFAULT_POLICY: %w", err)
	}

	var defaultTimeout *time.Duration
	if raw := strings.TrimSpace(os.Getenv("DEFAULT_TIMEOUT_MS")); raw != "" {
		ms, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("DEFAULT_TIMEOUT_MS must be a number of milliseconds")
		}
		defaultTimeout = domain.TimeoutFromMillis(&ms)
	}

	cfg := Config{
		Environment:           getEnv("APP_ENV", "development"),
		ServiceName:           getEnv("SERVICE_NAME", "appguard-agent"),
		HTTPPort:              getEnv("HTTP_PORT", "8080"),
		ControlHost:           controlHost,
		ControlPort:           int(controlPort),
		ControlTLS:            getBool("CONTROL_SERVICE_TLS", false),
		InstallationCode:      strings.TrimSpace(os.Getenv("INSTALLATION_CODE")),
		AppID:                 strings.TrimSpace(os.Getenv("APP_ID")),
		AppSecret:             strings.TrimSpace(os.Getenv("APP_SECRET")),
		DeviceType:            os.Getenv("DEVICE_TYPE"),
		DeviceUUID:            os.Getenv("DEVICE_UUID"),
		DefaultTimeout:        defaultTimeout,
		DefaultPolicy:         defaultPolicy,
		CacheMaxEntries:       getInt("CACHE_MAX_ENTRIES", 10000),
		CacheTTL:              getDuration("CACHE_TTL", 0),
		TokenWaitTimeout:      getDuration("TOKEN_WAIT_TIMEOUT", 10*time.Second),
		MinBackoff:            getDuration("RECONNECT_MIN_BACKOFF", time.Second),
		MaxBackoff:            getDuration("RECONNECT_MAX_BACKOFF", time.Minute),
		SecretStore:           strings.ToLower(getEnv("SECRET_STORE", SecretStoreMemory)),
		SecretStorePath:       getEnv("SECRET_STORE_PATH", "appguard-secrets.age"),
		SecretStorePassphrase: os.Getenv("SECRET_STORE_PASSPHRASE"),
		RedisAddr:             getEnv("REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword:         os.Getenv("REDIS_PASSWORD"),
		RedisDB:               getInt("REDIS_DB", 0),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		TelemetryEndpoint:     os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TelemetryInsecure:     getBool("OTEL_EXPORTER_OTLP_INSECURE", true),
	}

	switch cfg.SecretStore {
	case SecretStoreMemory, SecretStoreRedis:
	case SecretStoreFile:
		if cfg.SecretStorePassphrase == "" {
			return Config{}, fmt.Errorf("SECRET_STORE_PASSPHRASE is required for the file secret store")
		}
	case SecretStorePostgres:
		if cfg.DatabaseURL == "" {
			return Config{}, fmt.Errorf("DATABASE_URL is required for the postgres secret store")
		}
	default:
		return Config{}, fmt.Errorf("SECRET_STORE must be one of memory, file, redis, postgres")
	}

	if (cfg.AppID == "") != (cfg.AppSecret == "") {
		return Config{}, fmt.Errorf("APP_ID and APP_SECRET must be set together")
	}

	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = cfg.MinBackoff
	}

	return cfg, nil
}

// FirewallDefaults returns the defaults applied before the service sends its own.
func (c Config) FirewallDefaults() domain.FirewallDefaults {
	return domain.FirewallDefaults{
		Timeout: c.DefaultTimeout,
		Policy:  c.DefaultPolicy,
	}
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func getDuration(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		d, err := time.ParseDuration(v)
		if err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return def
}

func getBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		switch strings.ToLower(v) {
		case "1", "true", "t", "yes", "y", "on":
			return true
		case "0", "false", "f", "no", "n", "off":
			return false
		}
	}
	return def
}
