package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                  = "CELLTRACKER"
	defaultHTTPAddress         = "0.0.0.0:8080"
	defaultDatabaseDriver      = DatabaseDriverSQLite
	defaultDatabasePath        = "celltracker.db"
	defaultLogLevel            = "info"
	defaultLogFormat           = "json"
	defaultAuthIssuer          = "celltracker-auth"
	defaultAuthAudience        = "celltracker-api"
	defaultTokenTTLMinutes     = 60 * 24
	defaultCodeRefreshInterval = 5 * 24 * time.Hour
	defaultCodeMaxAttempts     = 32
	defaultPushDriver          = PushDriverRealtime
	defaultFCMURL              = "https://fcm.googleapis.com/fcm/send"
	defaultRedisQueue          = "celltracker:push:outbox"
	defaultPushTimeoutSeconds  = 10
	defaultPushMaxInFlight     = 64
)

// Supported database drivers.
const (
	DatabaseDriverSQLite   = "sqlite"
	DatabaseDriverPostgres = "postgres"
)

// Supported push gateway drivers.
const (
	PushDriverRealtime = "realtime"
	PushDriverFCM      = "fcm"
	PushDriverRedis    = "redis"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress    string
	AllowedOrigins []string

	DatabaseDriver string
	DatabasePath   string
	DatabaseDSN    string

	LogLevel  string
	LogFormat string

	SigningSecret string
	TokenIssuer   string
	TokenAudience string
	TokenTTL      time.Duration

	CodeRefreshInterval time.Duration
	CodeMaxAttempts     int

	PushDriver      string
	PushFCMURL      string
	PushFCMAPIKey   string
	PushRedisURL    string
	PushRedisQueue  string
	PushTimeout     time.Duration
	PushMaxInFlight int
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.allowed_origins", []string{})
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("database.dsn", "")
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("auth.issuer", defaultAuthIssuer)
	configViper.SetDefault("auth.audience", defaultAuthAudience)
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("circles.code_refresh_interval", defaultCodeRefreshInterval)
	configViper.SetDefault("circles.code_max_attempts", defaultCodeMaxAttempts)
	configViper.SetDefault("push.driver", defaultPushDriver)
	configViper.SetDefault("push.fcm_url", defaultFCMURL)
	configViper.SetDefault("push.redis_queue", defaultRedisQueue)
	configViper.SetDefault("push.timeout_seconds", defaultPushTimeoutSeconds)
	configViper.SetDefault("push.max_in_flight", defaultPushMaxInFlight)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:         configViper.GetString("http.address"),
		AllowedOrigins:      configViper.GetStringSlice("http.allowed_origins"),
		DatabaseDriver:      strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabasePath:        configViper.GetString("database.path"),
		DatabaseDSN:         configViper.GetString("database.dsn"),
		LogLevel:            configViper.GetString("log.level"),
		LogFormat:           configViper.GetString("log.format"),
		SigningSecret:       configViper.GetString("auth.signing_secret"),
		TokenIssuer:         configViper.GetString("auth.issuer"),
		TokenAudience:       configViper.GetString("auth.audience"),
		TokenTTL:            time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,
		CodeRefreshInterval: configViper.GetDuration("circles.code_refresh_interval"),
		CodeMaxAttempts:     configViper.GetInt("circles.code_max_attempts"),
		PushDriver:          strings.ToLower(strings.TrimSpace(configViper.GetString("push.driver"))),
		PushFCMURL:          configViper.GetString("push.fcm_url"),
		PushFCMAPIKey:       configViper.GetString("push.fcm_api_key"),
		PushRedisURL:        configViper.GetString("push.redis_url"),
		PushRedisQueue:      configViper.GetString("push.redis_queue"),
		PushTimeout:         time.Duration(configViper.GetInt("push.timeout_seconds")) * time.Second,
		PushMaxInFlight:     configViper.GetInt("push.max_in_flight"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	switch c.DatabaseDriver {
	case DatabaseDriverSQLite:
		if strings.TrimSpace(c.DatabasePath) == "" {
			return fmt.Errorf("database.path is required")
		}
	case DatabaseDriverPostgres:
		if strings.TrimSpace(c.DatabaseDSN) == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unsupported database.driver %q", c.DatabaseDriver)
	}
	if c.CodeRefreshInterval <= 0 {
		return fmt.Errorf("circles.code_refresh_interval must be positive")
	}
	if c.CodeMaxAttempts <= 0 {
		return fmt.Errorf("circles.code_max_attempts must be positive")
	}
	switch c.PushDriver {
	case PushDriverRealtime:
	case PushDriverFCM:
		if strings.TrimSpace(c.PushFCMAPIKey) == "" {
			return fmt.Errorf("push.fcm_api_key is required for the fcm driver")
		}
	case PushDriverRedis:
		if strings.TrimSpace(c.PushRedisURL) == "" {
			return fmt.Errorf("push.redis_url is required for the redis driver")
		}
	default:
		return fmt.Errorf("unsupported push.driver %q", c.PushDriver)
	}
	if c.PushMaxInFlight <= 0 {
		return fmt.Errorf("push.max_in_flight must be positive")
	}
	return nil
}
