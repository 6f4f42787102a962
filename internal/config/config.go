// Package config loads the service configuration from the environment.
// A .env file in the working directory is read first when present.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Store drivers accepted in STORE_DRIVER.  The memory driver keeps all
// data in process and is meant for local runs and demos.
const (
	DriverMySQL  = "mysql"
	DriverMemory = "memory"
)

// DBConfig holds the MySQL connection settings read from DB_USER,
// DB_PASS, DB_HOST, DB_PORT and DB_NAME.  It is only filled when
// STORE_DRIVER is mysql.  Migrate is controlled by DB_MIGRATE and
// defaults to true.
type DBConfig struct {
	User    string
	Pass    string
	Host    string
	Port    string
	Name    string
	Migrate bool // apply embedded migrations on start
}

// PolicyConfig holds business rules that differ between deployments.
type PolicyConfig struct {
	// AllowDeletePaid lets staff delete an invoice that is already paid
	// (ALLOW_DELETE_PAID, default true).  When false such a delete is
	// refused with a conflict.
	AllowDeletePaid bool
	// Diagnostics adds internal error details to error responses
	// (APP_DIAGNOSTICS).  It defaults to on outside production.
	Diagnostics bool
}

// AMQPConfig configures notification egress and the audit consumer.  An
// empty URL turns publishing off and domain events are dropped.  Queue
// defaults to workshop.payments.  PublishTimeout bounds each publish so a
// slow broker never holds up a request.  When ConsumerEnabled is set the
// process also drains the queue into the JSON lines file at AuditLogPath.
type AMQPConfig struct {
	URL             string
	Queue           string
	PublishTimeout  time.Duration
	ConsumerEnabled bool
	AuditLogPath    string
}

// Config holds all runtime configuration values.  It is built once at
// start-up by Load and passed by value to the components that need it.
// Env and Port come from APP_ENV and APP_PORT.  JWTSecret verifies the
// access tokens issued by the identity service.
type Config struct {
	Env         string
	Port        string
	StoreDriver string
	DB          DBConfig
	JWTSecret   string
	Policy      PolicyConfig
	Gateways    GatewayConfig
	AMQP        AMQPConfig
	Redis       RedisConfig
	RateLimit   RateLimitConfig
	Cache       CacheConfig
	// NotificationTTL is how long a processed gateway notification is
	// remembered for de-duplication.
	NotificationTTL time.Duration
	ShutdownTimeout time.Duration
}

// IsProduction reports whether the service runs with APP_ENV=prod.
func (c Config) IsProduction() bool {
	return c.Env == "prod" || c.Env == "production"
}

// LoadEnvFile reads path (default .env) into the process environment
// without overriding variables that are already set.  A missing file is
// not an error.
func LoadEnvFile(path string) error {
	if path == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return godotenv.Load(path)
}

// Load reads the configuration from the process environment, applying a
// default to every optional variable.  JWT_SECRET is always required, and
// DB_USER, DB_HOST and DB_NAME are required with the mysql store.  Every
// missing required variable is reported in one error instead of failing
// on the first.  An unknown STORE_DRIVER or an unsupported gateway hash
// algorithm is also an error.
func Load() (Config, error) {
	var missing []string
	must := func(key string) string {
		v := strings.TrimSpace(os.Getenv(key))
		if v == "" {
			missing = append(missing, key)
		}
		return v
	}

	env := envStr("APP_ENV", "dev")
	cfg := Config{
		Env:         env,
		Port:        envStr("APP_PORT", "8080"),
		StoreDriver: strings.ToLower(envStr("STORE_DRIVER", DriverMySQL)),
		JWTSecret:   must("JWT_SECRET"),
		Policy: PolicyConfig{
			AllowDeletePaid: envBool("ALLOW_DELETE_PAID", true),
			Diagnostics:     envBool("APP_DIAGNOSTICS", env != "prod" && env != "production"),
		},
		AMQP: AMQPConfig{
			URL:             envStr("AMQP_URL", ""),
			Queue:           envStr("AMQP_QUEUE", "workshop.payments"),
			PublishTimeout:  envDur("AMQP_PUBLISH_TIMEOUT", 5*time.Second),
			ConsumerEnabled: envBool("AMQP_CONSUMER_ENABLED", true),
			AuditLogPath:    envStr("AUDIT_LOG_PATH", "logs/payments.log"),
		},
		Redis:           LoadRedisConfig(),
		RateLimit:       LoadRateLimitConfig(),
		Cache:           LoadCacheConfig(),
		NotificationTTL: envDur("NOTIFICATION_DEDUP_TTL", 24*time.Hour),
		ShutdownTimeout: envDur("SHUTDOWN_TIMEOUT", 10*time.Second),
	}

	switch cfg.StoreDriver {
	case DriverMySQL:
		cfg.DB = DBConfig{
			User:    must("DB_USER"),
			Pass:    os.Getenv("DB_PASS"),
			Host:    must("DB_HOST"),
			Port:    envStr("DB_PORT", "3306"),
			Name:    must("DB_NAME"),
			Migrate: envBool("DB_MIGRATE", true),
		}
	case DriverMemory:
	default:
		return cfg, fmt.Errorf("config: unknown STORE_DRIVER %q", cfg.StoreDriver)
	}

	gw, err := LoadGatewayConfig()
	if err != nil {
		return cfg, err
	}
	cfg.Gateways = gw

	if len(missing) > 0 {
		return cfg, fmt.Errorf("config: missing required env vars: %s", strings.Join(missing, ", "))
	}
	return cfg, nil
}
