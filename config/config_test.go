package config

import (
	"strings"
	"testing"
	"time"
)

var allEnvKeys = []string{
	"STORAGE_CONNECTION_STRING", "TABLE_NAME", "OWNER_INDEX_TABLE", "STORE_TIMEOUT",
	envIssuerURI, envSpringIssuerURI, "JWKS_URL", "JWT_AUDIENCE", "JWKS_REFRESH_RATE_LIMIT",
	"LOCAL_AUTH_MODE", "LOCAL_AUTH_SHARED_SECRET", "REQUIRE_AUTH",
	"REDIS_CONNECTION_STRING", "CACHE_TTL", "IDEMPOTENCY_TTL",
	"TODO_EVENTS_QUEUE", "EVENT_WORKERS", "EVENT_BUFFER", "EVENT_HANDOFF_TIMEOUT",
	"PORT", "RATE_LIMIT_RPS", "CORS_ALLOWED_ORIGINS", "DEBUG",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range allEnvKeys {
		t.Setenv(key, "")
	}
}

func setRequiredEnvVars(t *testing.T) {
	t.Helper()
	clearEnv(t)
	t.Setenv("STORAGE_CONNECTION_STRING", "UseDevelopmentStorage=true")
	t.Setenv("TABLE_NAME", "Todos")
	t.Setenv(envIssuerURI, "https://login.example.com/tenant/")
}

func TestLoad_AllRequiredVarsSet_ReturnsConfig(t *testing.T) {
	setRequiredEnvVars(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if cfg.StorageConnectionString != "UseDevelopmentStorage=true" {
		t.Errorf("StorageConnectionString = %q", cfg.StorageConnectionString)
	}
	if cfg.TableName != "Todos" {
		t.Errorf("TableName = %q, want %q", cfg.TableName, "Todos")
	}
	if cfg.IssuerURI != "https://login.example.com/tenant/" {
		t.Errorf("IssuerURI = %q", cfg.IssuerURI)
	}
	if cfg.LocalAuth() {
		t.Errorf("LocalAuth() = true, want false")
	}
}

func TestLoad_DefaultValues(t *testing.T) {
	setRequiredEnvVars(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if cfg.OwnerIndexTable != "TodosOwnerIndex" {
		t.Errorf("OwnerIndexTable = %q, want %q", cfg.OwnerIndexTable, "TodosOwnerIndex")
	}
	if cfg.JWKSURL != "https://login.example.com/tenant/.well-known/jwks.json" {
		t.Errorf("JWKSURL = %q", cfg.JWKSURL)
	}
	if cfg.Port != "8080" {
		t.Errorf("Port = %q, want %q", cfg.Port, "8080")
	}
	if len(cfg.CORSAllowedOrigins) != 1 || cfg.CORSAllowedOrigins[0] != "*" {
		t.Errorf("CORSAllowedOrigins = %v, want [*]", cfg.CORSAllowedOrigins)
	}

	// Timeouts
	if cfg.StoreTimeout != 5*time.Second {
		t.Errorf("StoreTimeout = %v, want %v", cfg.StoreTimeout, 5*time.Second)
	}
	if cfg.JWKSRefreshRateLimit != time.Minute {
		t.Errorf("JWKSRefreshRateLimit = %v, want %v", cfg.JWKSRefreshRateLimit, time.Minute)
	}
	if cfg.CacheTTL != 30*time.Second {
		t.Errorf("CacheTTL = %v, want %v", cfg.CacheTTL, 30*time.Second)
	}
	if cfg.IdempotencyTTL != 24*time.Hour {
		t.Errorf("IdempotencyTTL = %v, want %v", cfg.IdempotencyTTL, 24*time.Hour)
	}

	// Events
	if cfg.EventWorkers != 4 || cfg.EventBuffer != 256 {
		t.Errorf("EventWorkers/EventBuffer = %d/%d, want 4/256", cfg.EventWorkers, cfg.EventBuffer)
	}
	if cfg.EventHandoffTimeout != 10*time.Millisecond {
		t.Errorf("EventHandoffTimeout = %v", cfg.EventHandoffTimeout)
	}

	if cfg.RateLimitRPS != 0 || cfg.RequireAuth || cfg.Debug {
		t.Errorf("unexpected defaults: rps=%v requireAuth=%v debug=%v", cfg.RateLimitRPS, cfg.RequireAuth, cfg.Debug)
	}
}

func TestLoad_OverridesAreApplied(t *testing.T) {
	setRequiredEnvVars(t)
	t.Setenv("OWNER_INDEX_TABLE", "Owners")
	t.Setenv("JWKS_URL", "https://keys.example.com/jwks")
	t.Setenv("PORT", "9090")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example.com, https://b.example.com,")
	t.Setenv("RATE_LIMIT_RPS", "2.5")
	t.Setenv("REQUIRE_AUTH", "true")
	t.Setenv("EVENT_WORKERS", "0")
	t.Setenv("CACHE_TTL", "1m")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if cfg.OwnerIndexTable != "Owners" || cfg.JWKSURL != "https://keys.example.com/jwks" || cfg.Port != "9090" {
		t.Errorf("overrides not applied: %+v", cfg)
	}
	if len(cfg.CORSAllowedOrigins) != 2 || cfg.CORSAllowedOrigins[1] != "https://b.example.com" {
		t.Errorf("CORSAllowedOrigins = %v", cfg.CORSAllowedOrigins)
	}
	if cfg.RateLimitRPS != 2.5 || !cfg.RequireAuth || cfg.EventWorkers != 0 || cfg.CacheTTL != time.Minute {
		t.Errorf("unexpected parsed values: %+v", cfg)
	}
}

func TestListenAddrUsesPortOnly(t *testing.T) {
	setRequiredEnvVars(t)
	t.Setenv("PORT", "9090")
	t.Setenv("FUNCTIONS_CUSTOMHANDLER_PORT", "7071")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if got := cfg.ListenAddr(); got != ":9090" {
		t.Fatalf("ListenAddr = %q, want %q", got, ":9090")
	}
}

func TestLoad_SpringIssuerAlias(t *testing.T) {
	setRequiredEnvVars(t)
	t.Setenv(envIssuerURI, "")
	t.Setenv(envSpringIssuerURI, "https://issuer.example.com")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if cfg.IssuerURI != "https://issuer.example.com" {
		t.Errorf("IssuerURI = %q", cfg.IssuerURI)
	}
	if cfg.JWKSURL != "https://issuer.example.com/.well-known/jwks.json" {
		t.Errorf("JWKSURL = %q", cfg.JWKSURL)
	}
}

func TestLoad_MissingRequiredVars_ListsAll(t *testing.T) {
	clearEnv(t)

	_, err := Load()
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	for _, key := range []string{"STORAGE_CONNECTION_STRING", "TABLE_NAME", envIssuerURI} {
		if !strings.Contains(err.Error(), key) {
			t.Errorf("error %q does not mention %s", err, key)
		}
	}
}

func TestLoad_LocalAuthMode(t *testing.T) {
	setRequiredEnvVars(t)
	t.Setenv(envIssuerURI, "")
	t.Setenv("LOCAL_AUTH_MODE", "HS256")
	t.Setenv("LOCAL_AUTH_SHARED_SECRET", "dev-secret")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !cfg.LocalAuth() || cfg.LocalAuthSecret != "dev-secret" {
		t.Errorf("local auth not configured: %+v", cfg)
	}
	if cfg.JWKSURL != "" {
		t.Errorf("JWKSURL = %q, want empty without an issuer", cfg.JWKSURL)
	}
}

func TestLoad_LocalAuthModeRequiresSecret(t *testing.T) {
	setRequiredEnvVars(t)
	t.Setenv("LOCAL_AUTH_MODE", "hs256")

	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "LOCAL_AUTH_SHARED_SECRET") {
		t.Fatalf("expected missing secret error, got %v", err)
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		key   string
		value string
	}{
		{key: "LOCAL_AUTH_MODE", value: "rs256"},
		{key: "STORE_TIMEOUT", value: "soon"},
		{key: "STORE_TIMEOUT", value: "0s"},
		{key: "CACHE_TTL", value: "-1s"},
		{key: "EVENT_WORKERS", value: "four"},
		{key: "EVENT_BUFFER", value: "-1"},
		{key: "RATE_LIMIT_RPS", value: "-2"},
		{key: "REQUIRE_AUTH", value: "maybe"},
		{key: "DEBUG", value: "yes please"},
	}
	for _, tt := range tests {
		t.Run(tt.key+"="+tt.value, func(t *testing.T) {
			setRequiredEnvVars(t)
			t.Setenv(tt.key, tt.value)

			_, err := Load()
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.key) {
				t.Errorf("error %q does not mention %s", err, tt.key)
			}
		})
	}
}

func TestRedisOptions(t *testing.T) {
	opts, err := RedisOptions("redis://:secret@localhost:6380/2")
	if err != nil {
		t.Fatalf("url: %v", err)
	}
	if opts.Addr != "localhost:6380" || opts.Password != "secret" || opts.DB != 2 {
		t.Errorf("unexpected url options: %+v", opts)
	}

	opts, err = RedisOptions("cache.example.net:6380,password=p=w,ssl=True,abortConnect=False")
	if err != nil {
		t.Fatalf("azure style: %v", err)
	}
	if opts.Addr != "cache.example.net:6380" || opts.Password != "p=w" || opts.TLSConfig == nil {
		t.Errorf("unexpected azure options: %+v", opts)
	}

	opts, err = RedisOptions("localhost:6379")
	if err != nil || opts.Addr != "localhost:6379" || opts.TLSConfig != nil {
		t.Errorf("plain address: %+v %v", opts, err)
	}

	if _, err := RedisOptions(""); err == nil {
		t.Error("expected error for empty connection string")
	}
}
