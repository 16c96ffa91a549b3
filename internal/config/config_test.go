package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"API_ADDR", "AI_TIMEOUT", "AI_MAX_ATTEMPTS", "OPENAI_MODEL", "DATABASE_URL", "REDIS_URL", "INFLIGHT_TTL"} {
		t.Setenv(key, "")
	}
	cfg := Load()
	if cfg.Addr != ":8787" {
		t.Fatalf("Addr = %q", cfg.Addr)
	}
	if cfg.AITimeout != 60*time.Second {
		t.Fatalf("AITimeout = %v", cfg.AITimeout)
	}
	if cfg.AIMaxAttempts != 2 || cfg.OpenAIModel != "gpt-4o-mini" {
		t.Fatalf("unexpected AI defaults: %+v", cfg)
	}
	if cfg.DatabaseURL != "" || cfg.RedisURL != "" {
		t.Fatal("external backends must be off by default")
	}
	if cfg.InflightTTL != 2*60*time.Second+inflightSlack {
		t.Fatalf("InflightTTL = %v", cfg.InflightTTL)
	}
}

func TestInflightTTLOutlivesRetries(t *testing.T) {
	tests := []struct {
		name     string
		timeout  string
		attempts string
		ttl      string
		want     time.Duration
	}{
		{name: "derived", timeout: "20s", attempts: "3", want: 90 * time.Second},
		{name: "longer ttl kept", timeout: "20s", attempts: "3", ttl: "5m", want: 5 * time.Minute},
		{name: "short ttl raised", timeout: "60s", attempts: "2", ttl: "2m", want: 150 * time.Second},
		{name: "zero attempts count once", timeout: "10s", attempts: "0", want: 40 * time.Second},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv("AI_TIMEOUT", tc.timeout)
			t.Setenv("AI_MAX_ATTEMPTS", tc.attempts)
			t.Setenv("INFLIGHT_TTL", tc.ttl)
			if got := Load().InflightTTL; got != tc.want {
				t.Fatalf("InflightTTL = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestGetenvDuration(t *testing.T) {
	tests := []struct {
		value string
		want  time.Duration
	}{
		{value: "90s", want: 90 * time.Second},
		{value: "15", want: 15 * time.Second},
		{value: "soon", want: time.Minute},
	}
	for _, tc := range tests {
		t.Run(tc.value, func(t *testing.T) {
			t.Setenv("CP_TEST_DURATION", tc.value)
			if got := getenvDuration("CP_TEST_DURATION", time.Minute); got != tc.want {
				t.Fatalf("getenvDuration() = %v, want %v", got, tc.want)
			}
		})
	}
}
