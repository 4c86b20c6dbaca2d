package config

import (
	"strings"
	"testing"
)

func TestEnvIntValid(t *testing.T) {
	t.Setenv("TEST_INT", "42")
	v, err := envInt("TEST_INT", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 42 {
		t.Fatalf("expected 42, got %d", v)
	}
}

func TestEnvIntFallback(t *testing.T) {
	// TEST_INT_MISSING is not set.
	v, err := envInt("TEST_INT_MISSING", 99)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 99 {
		t.Fatalf("expected fallback 99, got %d", v)
	}
}

func TestEnvIntInvalid(t *testing.T) {
	t.Setenv("TEST_INT_BAD", "abc")
	_, err := envInt("TEST_INT_BAD", 0)
	if err == nil {
		t.Fatal("expected error for non-integer value, got nil")
	}
	if got := err.Error(); got != `TEST_INT_BAD="abc" is not a valid integer` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestEnvBoolValid(t *testing.T) {
	t.Setenv("TEST_BOOL", "true")
	v, err := envBool("TEST_BOOL", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !v {
		t.Fatal("expected true")
	}
}

func TestEnvBoolInvalid(t *testing.T) {
	t.Setenv("TEST_BOOL_BAD", "maybe")
	_, err := envBool("TEST_BOOL_BAD", false)
	if err == nil {
		t.Fatal("expected error for non-boolean value, got nil")
	}
	if got := err.Error(); got != `TEST_BOOL_BAD="maybe" is not a valid boolean` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestEnvDurationValid(t *testing.T) {
	t.Setenv("TEST_DUR", "5s")
	v, err := envDuration("TEST_DUR", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.Seconds() != 5 {
		t.Fatalf("expected 5s, got %s", v)
	}
}

func TestEnvDurationInvalid(t *testing.T) {
	t.Setenv("TEST_DUR_BAD", "five-seconds")
	_, err := envDuration("TEST_DUR_BAD", 0)
	if err == nil {
		t.Fatal("expected error for invalid duration, got nil")
	}
	if got := err.Error(); got != `TEST_DUR_BAD="five-seconds" is not a valid duration` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestEnvStrSlice(t *testing.T) {
	t.Setenv("TEST_SLICE", "a, b ,c")
	got := envStrSlice("TEST_SLICE", nil)
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestEnvStrSliceFallback(t *testing.T) {
	got := envStrSlice("TEST_SLICE_MISSING", []string{"*"})
	if len(got) != 1 || got[0] != "*" {
		t.Fatalf("expected fallback [*], got %v", got)
	}
}

func TestLoadFailsOnInvalidPort(t *testing.T) {
	t.Setenv("OPLOGWATCH_PORT", "abc")
	_, err := Load()
	if err == nil {
		t.Fatal("expected Load() to fail with invalid OPLOGWATCH_PORT")
	}
	got := err.Error()
	if !strings.Contains(got, "OPLOGWATCH_PORT") || !strings.Contains(got, "abc") {
		t.Fatalf("error should mention OPLOGWATCH_PORT and value 'abc', got: %s", got)
	}
}

func TestLoadFailsOnMultipleInvalid(t *testing.T) {
	t.Setenv("OPLOGWATCH_PORT", "abc")
	t.Setenv("OPLOGWATCH_FETCH_CONCURRENCY", "xyz")
	_, err := Load()
	if err == nil {
		t.Fatal("expected Load() to fail with multiple invalid vars")
	}
	got := err.Error()
	if !strings.Contains(got, "OPLOGWATCH_PORT") {
		t.Fatalf("error should mention OPLOGWATCH_PORT, got: %s", got)
	}
	if !strings.Contains(got, "OPLOGWATCH_FETCH_CONCURRENCY") {
		t.Fatalf("error should mention OPLOGWATCH_FETCH_CONCURRENCY, got: %s", got)
	}
}

func TestLoadSucceedsWithDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected Load() to succeed with defaults, got: %v", err)
	}
	if cfg.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.Port)
	}
	if cfg.FetchConcurrency != 8 {
		t.Fatalf("expected default fetch concurrency 8, got %d", cfg.FetchConcurrency)
	}
	if cfg.JWTPrivateKeyPath != "" || cfg.JWTPublicKeyPath != "" {
		t.Fatal("expected no JWT key paths configured by default (ephemeral key mode)")
	}
}

func TestLoad_JWTKeyPathValidation(t *testing.T) {
	bogusPath := "/tmp/oplogwatch-test-nonexistent-key-file.pem"
	t.Setenv("OPLOGWATCH_JWT_PRIVATE_KEY", bogusPath)

	_, err := Load()
	if err == nil {
		t.Fatal("expected Load() to fail when OPLOGWATCH_JWT_PRIVATE_KEY points to a nonexistent file")
	}
	got := err.Error()
	if !strings.Contains(got, bogusPath) {
		t.Fatalf("error should mention the path %q, got: %s", bogusPath, got)
	}
	if !strings.Contains(got, "OPLOGWATCH_JWT_PRIVATE_KEY") {
		t.Fatalf("error should mention OPLOGWATCH_JWT_PRIVATE_KEY, got: %s", got)
	}
}

func TestLoad_OTELEndpointParsing(t *testing.T) {
	endpoint := "https://otel.example.com:4317"
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", endpoint)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected Load() to succeed, got: %v", err)
	}
	if cfg.OTELEndpoint != endpoint {
		t.Fatalf("expected OTELEndpoint %q, got %q", endpoint, cfg.OTELEndpoint)
	}
}

func TestLoad_AllEnvVarsHonored(t *testing.T) {
	t.Setenv("OPLOGWATCH_PORT", "9090")
	t.Setenv("DATABASE_URL", "postgres://test:test@db:5432/testdb")
	t.Setenv("NOTIFY_URL", "postgres://test:test@db:5432/testdb_notify")
	t.Setenv("OPLOGWATCH_JWT_EXPIRATION", "12h")
	t.Setenv("OPLOGWATCH_FETCH_CONCURRENCY", "16")
	t.Setenv("OPLOGWATCH_FETCH_TIMEOUT", "5s")
	t.Setenv("OPLOGWATCH_FETCH_STALL_TIMEOUT", "1m")
	t.Setenv("OTEL_SERVICE_NAME", "oplogwatchd-test")
	t.Setenv("OPLOGWATCH_LOG_LEVEL", "debug")
	t.Setenv("OPLOGWATCH_CORS_ALLOWED_ORIGINS", "https://a.example.com,https://b.example.com")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected Load() to succeed, got: %v", err)
	}

	cases := map[string]bool{
		"Port":               cfg.Port == 9090,
		"DatabaseURL":        cfg.DatabaseURL == "postgres://test:test@db:5432/testdb",
		"NotifyURL":          cfg.NotifyURL == "postgres://test:test@db:5432/testdb_notify",
		"JWTExpiration":      cfg.JWTExpiration.String() == "12h0m0s",
		"FetchConcurrency":   cfg.FetchConcurrency == 16,
		"FetchTimeout":       cfg.FetchTimeout.String() == "5s",
		"FetchStallTimeout":  cfg.FetchStallTimeout.String() == "1m0s",
		"ServiceName":        cfg.ServiceName == "oplogwatchd-test",
		"LogLevel":           cfg.LogLevel == "debug",
		"CORSAllowedOrigins": len(cfg.CORSAllowedOrigins) == 2,
	}
	for name, ok := range cases {
		if !ok {
			t.Errorf("field %s did not reflect its env var, got config: %+v", name, cfg)
		}
	}
}
