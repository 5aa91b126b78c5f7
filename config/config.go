// Package config reads the service settings from the environment.
package config

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	envIssuerURI       = "OIDC_ISSUER_URI"
	envSpringIssuerURI = "SPRING_SECURITY_OAUTH2_RESOURCESERVER_JWT_ISSUER_URI"
	localAuthHS256     = "hs256"
)

// Config is loaded once at start-up and treated as immutable.
type Config struct {
	// Storage
	StorageConnectionString string
	TableName               string
	OwnerIndexTable         string
	StoreTimeout            time.Duration

	// Identity
	IssuerURI            string
	JWKSURL              string
	Audience             string
	JWKSRefreshRateLimit time.Duration
	LocalAuthMode        string
	LocalAuthSecret      string
	RequireAuth          bool

	// Redis
	RedisConnectionString string
	CacheTTL              time.Duration
	IdempotencyTTL        time.Duration

	// Events
	EventsQueue         string
	EventWorkers        int
	EventBuffer         int
	EventHandoffTimeout time.Duration

	// HTTP
	Port               string
	RateLimitRPS       float64
	CORSAllowedOrigins []string

	Debug bool
}

// LocalAuth reports whether tokens are verified with a shared HS256 secret.
func (c *Config) LocalAuth() bool {
	return c.LocalAuthMode == localAuthHS256
}

// ListenAddr is the address the HTTP server binds. PORT is its only source.
func (c *Config) ListenAddr() string {
	return ":" + c.Port
}

// Load reads Config from the environment. Every missing required variable
// and every malformed optional one is reported in a single error.
func Load() (*Config, error) {
	cfg := &Config{}
	var missing []string
	var invalid []string

	cfg.StorageConnectionString = os.Getenv("STORAGE_CONNECTION_STRING")
	if cfg.StorageConnectionString == "" {
		missing = append(missing, "STORAGE_CONNECTION_STRING")
	}
	cfg.TableName = os.Getenv("TABLE_NAME")
	if cfg.TableName == "" {
		missing = append(missing, "TABLE_NAME")
	}

	cfg.LocalAuthMode = strings.ToLower(os.Getenv("LOCAL_AUTH_MODE"))
	cfg.LocalAuthSecret = os.Getenv("LOCAL_AUTH_SHARED_SECRET")
	switch cfg.LocalAuthMode {
	case "":
	case localAuthHS256:
		if cfg.LocalAuthSecret == "" {
			missing = append(missing, "LOCAL_AUTH_SHARED_SECRET")
		}
	default:
		invalid = append(invalid, "LOCAL_AUTH_MODE")
	}

	cfg.IssuerURI = getEnvString(envIssuerURI, os.Getenv(envSpringIssuerURI))
	if cfg.IssuerURI == "" && !cfg.LocalAuth() {
		missing = append(missing, envIssuerURI)
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	cfg.OwnerIndexTable = getEnvString("OWNER_INDEX_TABLE", cfg.TableName+"OwnerIndex")
	cfg.JWKSURL = getEnvString("JWKS_URL", jwksURLForIssuer(cfg.IssuerURI))
	cfg.Audience = os.Getenv("JWT_AUDIENCE")
	cfg.RedisConnectionString = os.Getenv("REDIS_CONNECTION_STRING")
	cfg.EventsQueue = os.Getenv("TODO_EVENTS_QUEUE")
	cfg.Port = getEnvString("PORT", "8080")
	cfg.CORSAllowedOrigins = splitList(getEnvString("CORS_ALLOWED_ORIGINS", "*"))

	p := envParser{}
	cfg.StoreTimeout = p.duration("STORE_TIMEOUT", 5*time.Second)
	cfg.JWKSRefreshRateLimit = p.duration("JWKS_REFRESH_RATE_LIMIT", time.Minute)
	cfg.CacheTTL = p.duration("CACHE_TTL", 30*time.Second)
	cfg.IdempotencyTTL = p.duration("IDEMPOTENCY_TTL", 24*time.Hour)
	cfg.EventHandoffTimeout = p.duration("EVENT_HANDOFF_TIMEOUT", 10*time.Millisecond)
	cfg.EventWorkers = p.int("EVENT_WORKERS", 4)
	cfg.EventBuffer = p.int("EVENT_BUFFER", 256)
	cfg.RateLimitRPS = p.float("RATE_LIMIT_RPS", 0)
	cfg.RequireAuth = p.bool("REQUIRE_AUTH", false)
	cfg.Debug = p.bool("DEBUG", false)
	invalid = append(invalid, p.invalid...)

	if len(invalid) > 0 {
		return nil, fmt.Errorf("invalid environment variables: %v", invalid)
	}
	return cfg, nil
}

// RedisOptions accepts a redis:// URL or the Azure style
// "host:port,password=...,ssl=True" connection string.
func RedisOptions(conn string) (*redis.Options, error) {
	if conn == "" {
		return nil, errors.New("empty redis connection string")
	}
	if opts, err := redis.ParseURL(conn); err == nil {
		return opts, nil
	}
	parts := strings.Split(conn, ",")
	opts := &redis.Options{Addr: strings.TrimSpace(parts[0])}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(kv[0])) {
		case "password":
			opts.Password = kv[1]
		case "ssl":
			if strings.EqualFold(strings.TrimSpace(kv[1]), "true") {
				opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
			}
		}
	}
	return opts, nil
}

// envParser collects the keys whose values failed to parse.
type envParser struct {
	invalid []string
}

func (p *envParser) check(key string, err error) {
	if err != nil {
		p.invalid = append(p.invalid, key)
	}
}

func (p *envParser) duration(key string, defaultVal time.Duration) time.Duration {
	d, err := getEnvDuration(key, defaultVal)
	p.check(key, err)
	return d
}

func (p *envParser) int(key string, defaultVal int) int {
	i, err := getEnvInt(key, defaultVal)
	p.check(key, err)
	return i
}

func (p *envParser) float(key string, defaultVal float64) float64 {
	f, err := getEnvFloat(key, defaultVal)
	p.check(key, err)
	return f
}

func (p *envParser) bool(key string, defaultVal bool) bool {
	b, err := getEnvBool(key, defaultVal)
	p.check(key, err)
	return b
}

func jwksURLForIssuer(issuer string) string {
	if issuer == "" {
		return ""
	}
	return strings.TrimRight(issuer, "/") + "/.well-known/jwks.json"
}

func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, err
	}
	if i < 0 {
		return 0, fmt.Errorf("%s must not be negative", key)
	}
	return i, nil
}

func getEnvFloat(key string, defaultVal float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, err
	}
	if f < 0 {
		return 0, fmt.Errorf("%s must not be negative", key)
	}
	return f, nil
}

func getEnvBool(key string, defaultVal bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	return strconv.ParseBool(v)
}

func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive", key)
	}
	return d, nil
}
