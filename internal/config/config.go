package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration required by the API process.
// All values must come from env (or env-file loaded by the process runner).
// No business logic should depend on raw environment variables.
type Config struct {
	App      AppConfig
	Store    StoreConfig
	DB       DBConfig
	Redis    RedisConfig
	Auth     AuthConfig
	CallAPI  CallAPIConfig
	Dispatch DispatchConfig
}

type AppConfig struct {
	Env      string
	Port     int
	LogLevel string

	// CORSAllowOrigins is a comma-separated list; "*" allows any origin.
	// Unset means "*" outside production and no CORS in production.
	CORSAllowOrigins []string
}

const (
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

type StoreConfig struct {
	Driver     string
	SQLitePath string
}

// DBConfig is only used with STORE_DRIVER=postgres.
type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// SSLMode is kept explicit for AWS-ready posture.
	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string
}

// RedisConfig is optional; Redis backs the cross-process in-flight start cap.
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// AuthConfig is optional; operator auth is enabled only when JWTSecret is set.
type AuthConfig struct {
	JWTSecret       string
	JWTIssuer       string
	JWTAudience     string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
}

// SimulateCallAPI as CALL_API_BASE selects the in-process simulated call service.
const SimulateCallAPI = "simulate"

type CallAPIConfig struct {
	BaseURL      string
	StartTimeout time.Duration
	PollTimeout  time.Duration

	// RequestsPerSecond caps outbound calls; 0 disables the limiter.
	RequestsPerSecond float64
	Burst             int

	// WebhookSecret, when set, is required on status callbacks.
	WebhookSecret string
}

type DispatchConfig struct {
	Interval time.Duration
	Workers  int

	StartMaxAttempts int
	RetryBase        time.Duration
	RetryMaxDelay    time.Duration
	PollMaxFailures  int

	// MaxInflightStarts > 0 enables the Redis in-flight cap (requires REDIS_HOST).
	MaxInflightStarts int
	InflightTTL       time.Duration
}

func Load() (Config, error) {
	c := Config{}
	var parseErrs []error

	c.App.Env = envOr("APP_ENV", "local")
	c.App.Port, parseErrs = optInt(parseErrs, "APP_PORT", 8000)
	c.App.LogLevel = strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	c.App.CORSAllowOrigins = splitList(os.Getenv("CORS_ALLOW_ORIGINS"))

	c.Store.Driver = strings.ToLower(envOr("STORE_DRIVER", StoreSQLite))
	c.Store.SQLitePath = envOr("SQLITE_PATH", "schedules.db")

	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	c.DB.Port, parseErrs = optInt(parseErrs, "DB_PORT", 5432)
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	c.Redis.Port, parseErrs = optInt(parseErrs, "REDIS_PORT", 6379)
	c.Redis.Password = os.Getenv("REDIS_PASSWORD")
	c.Redis.DB, parseErrs = optInt(parseErrs, "REDIS_DB", 0)

	c.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	c.Auth.JWTIssuer = strings.TrimSpace(os.Getenv("JWT_ISSUER"))
	c.Auth.JWTAudience = strings.TrimSpace(os.Getenv("JWT_AUDIENCE"))
	// Duration env vars are optional; defaults applied in Validate() based on env.
	c.Auth.AccessTokenTTL, parseErrs = optDuration(parseErrs, "JWT_ACCESS_TTL")
	c.Auth.RefreshTokenTTL, parseErrs = optDuration(parseErrs, "JWT_REFRESH_TTL")

	// MOCK_API_BASE is the older name for the call service address.
	c.CallAPI.BaseURL = envOr("CALL_API_BASE", envOr("MOCK_API_BASE", "http://localhost:5000"))
	c.CallAPI.StartTimeout, parseErrs = optDuration(parseErrs, "CALL_API_TIMEOUT")
	c.CallAPI.PollTimeout, parseErrs = optDuration(parseErrs, "CALL_API_POLL_TIMEOUT")
	c.CallAPI.RequestsPerSecond, parseErrs = optFloat(parseErrs, "CALL_API_RPS", 0)
	c.CallAPI.Burst, parseErrs = optInt(parseErrs, "CALL_API_BURST", 0)
	c.CallAPI.WebhookSecret = os.Getenv("WEBHOOK_SECRET")

	c.Dispatch.Interval, parseErrs = optDuration(parseErrs, "DISPATCH_INTERVAL")
	c.Dispatch.Workers, parseErrs = optInt(parseErrs, "DISPATCH_WORKERS", 0)
	c.Dispatch.StartMaxAttempts, parseErrs = optInt(parseErrs, "START_MAX_ATTEMPTS", 0)
	c.Dispatch.RetryBase, parseErrs = optDuration(parseErrs, "RETRY_BASE")
	c.Dispatch.RetryMaxDelay, parseErrs = optDuration(parseErrs, "RETRY_MAX_DELAY")
	c.Dispatch.PollMaxFailures, parseErrs = optInt(parseErrs, "POLL_MAX_FAILURES", 30)
	c.Dispatch.MaxInflightStarts, parseErrs = optInt(parseErrs, "MAX_INFLIGHT_STARTS", 0)
	c.Dispatch.InflightTTL, parseErrs = optDuration(parseErrs, "INFLIGHT_TTL")

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks the configuration and fills env-dependent defaults in place.
func (c *Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}
	if len(c.App.CORSAllowOrigins) == 0 && !c.IsProduction() {
		// the dashboard is served from another origin in development
		c.App.CORSAllowOrigins = []string{"*"}
	}
	for _, o := range c.App.CORSAllowOrigins {
		if o == "*" && len(c.App.CORSAllowOrigins) > 1 {
			errs = append(errs, errors.New("CORS_ALLOW_ORIGINS cannot mix * with explicit origins"))
			break
		}
		if o != "*" && !strings.HasPrefix(o, "http://") && !strings.HasPrefix(o, "https://") {
			errs = append(errs, fmt.Errorf("CORS_ALLOW_ORIGINS entry must be an http(s) origin, got %q", o))
		}
	}

	switch c.Store.Driver {
	case StoreSQLite:
		if strings.TrimSpace(c.Store.SQLitePath) == "" {
			errs = append(errs, errors.New("SQLITE_PATH is required for the sqlite store"))
		}
	case StorePostgres:
		errs = append(errs, c.validatePostgres()...)
	case StoreMemory:
		if c.IsProduction() {
			errs = append(errs, errors.New("STORE_DRIVER=memory is not allowed in production"))
		}
	default:
		errs = append(errs, fmt.Errorf("STORE_DRIVER must be one of sqlite, postgres, memory, got %q", c.Store.Driver))
	}

	if c.RedisEnabled() && (c.Redis.Port <= 0 || c.Redis.Port > 65535) {
		errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
	}

	if c.AuthEnabled() {
		if c.IsProduction() {
			if c.Auth.JWTIssuer == "" {
				errs = append(errs, errors.New("JWT_ISSUER is required in production"))
			}
			if c.Auth.JWTAudience == "" {
				errs = append(errs, errors.New("JWT_AUDIENCE is required in production"))
			}
		}
		if c.Auth.AccessTokenTTL <= 0 {
			// Default: short-lived access tokens.
			c.Auth.AccessTokenTTL = 15 * time.Minute
		}
		if c.Auth.RefreshTokenTTL <= 0 {
			c.Auth.RefreshTokenTTL = 7 * 24 * time.Hour
		}
		if c.Auth.RefreshTokenTTL <= c.Auth.AccessTokenTTL {
			errs = append(errs, errors.New("JWT_REFRESH_TTL must be greater than JWT_ACCESS_TTL"))
		}
	} else if c.IsProduction() {
		errs = append(errs, errors.New("JWT_SECRET is required in production"))
	}

	if strings.TrimSpace(c.CallAPI.BaseURL) == "" {
		errs = append(errs, errors.New("CALL_API_BASE is required"))
	}
	if c.CallAPI.StartTimeout <= 0 {
		c.CallAPI.StartTimeout = 5 * time.Second
	}
	if c.CallAPI.PollTimeout <= 0 {
		c.CallAPI.PollTimeout = 4 * time.Second
	}
	if c.CallAPI.RequestsPerSecond < 0 {
		errs = append(errs, fmt.Errorf("CALL_API_RPS must be >= 0, got %v", c.CallAPI.RequestsPerSecond))
	}

	if c.Dispatch.Interval <= 0 {
		c.Dispatch.Interval = 2 * time.Second
	}
	if c.Dispatch.Interval < time.Second {
		errs = append(errs, fmt.Errorf("DISPATCH_INTERVAL must be at least 1s, got %s", c.Dispatch.Interval))
	}
	if c.Dispatch.Workers < 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_WORKERS must be >= 0, got %d", c.Dispatch.Workers))
	}
	if c.Dispatch.RetryBase > 0 && c.Dispatch.RetryMaxDelay > 0 && c.Dispatch.RetryMaxDelay < c.Dispatch.RetryBase {
		errs = append(errs, errors.New("RETRY_MAX_DELAY must be >= RETRY_BASE"))
	}
	if c.Dispatch.MaxInflightStarts > 0 {
		if !c.RedisEnabled() {
			errs = append(errs, errors.New("MAX_INFLIGHT_STARTS requires REDIS_HOST"))
		}
		if c.Dispatch.InflightTTL <= 0 {
			// must outlive the slowest start request
			c.Dispatch.InflightTTL = 2 * time.Minute
		}
	}

	return joinErrors(errs)
}

func (c *Config) validatePostgres() []error {
	var errs []error
	if c.DB.Host == "" {
		errs = append(errs, errors.New("DB_HOST is required"))
	}
	if c.DB.Port <= 0 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
	}
	if c.DB.User == "" {
		errs = append(errs, errors.New("DB_USER is required"))
	}
	if c.DB.Name == "" {
		errs = append(errs, errors.New("DB_NAME is required"))
	}
	if strings.TrimSpace(c.DB.SSLMode) == "" {
		if c.IsProduction() {
			errs = append(errs, errors.New("DB_SSLMODE is required in production"))
		} else {
			// Local-friendly default; production must be explicit.
			c.DB.SSLMode = "disable"
		}
	}
	if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
		errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
	}
	return errs
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) AuthEnabled() bool { return c.Auth.JWTSecret != "" }

func (c Config) RedisEnabled() bool { return c.Redis.Host != "" }

func (c Config) SimulateCalls() bool {
	return strings.EqualFold(strings.TrimSpace(c.CallAPI.BaseURL), SimulateCallAPI)
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

func (c Config) PostgresDSN() string {
	// Avoid logging this string; it contains secrets.
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host,
		c.DB.Port,
		c.DB.User,
		c.DB.Password,
		c.DB.Name,
		c.DB.SSLMode,
	)
}

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func optInt(errs []error, key string, def int) (int, []error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, errs
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def, append(errs, fmt.Errorf("%s must be an integer, got %q", key, v))
	}
	return n, errs
}

func optFloat(errs []error, key string, def float64) (float64, []error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, errs
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def, append(errs, fmt.Errorf("%s must be a number, got %q", key, v))
	}
	return f, errs
}

// optDuration returns 0 when unset so Validate can apply its default.
func optDuration(errs []error, key string) (time.Duration, []error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, errs
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, append(errs, fmt.Errorf("%s must be a duration like 5s, got %q", key, v))
	}
	return d, errs
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
