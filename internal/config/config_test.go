package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, yaml string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	t.Parallel()

	yaml := `
server:
  addr: ":9090"
  read_timeout: 10s
database:
  dsn: ":memory:"
retry:
  attempts: 5
  delay: 500ms
  backoff: 1.5
session:
  duration: 2h
accounts:
  - name: work
    provider: anthropic-oauth
    refresh_token: rt-test
    priority: 10
  - name: zai-fallback
    provider: zai
    api_key: zk-test
keys:
  - name: laptop
    key: ccf_testkey123456
    spend_limit_usd: 25
`
	cfg, err := Load(writeConfig(t, yaml))
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Server.Addr != ":9090" {
		t.Errorf("addr = %q, want :9090", cfg.Server.Addr)
	}
	if cfg.Database.DSN != ":memory:" {
		t.Errorf("dsn = %q, want :memory:", cfg.Database.DSN)
	}
	if cfg.Retry.Attempts != 5 || cfg.Retry.Delay != 500*time.Millisecond || cfg.Retry.Backoff != 1.5 {
		t.Errorf("retry = %+v", cfg.Retry)
	}
	if cfg.Session.Duration != 2*time.Hour {
		t.Errorf("session duration = %v", cfg.Session.Duration)
	}
	if len(cfg.Accounts) != 2 || cfg.Accounts[0].Name != "work" {
		t.Fatalf("accounts = %+v", cfg.Accounts)
	}
	if len(cfg.Keys) != 1 || cfg.Keys[0].SpendLimitUSD != 25 {
		t.Fatalf("keys = %+v", cfg.Keys)
	}
}

func TestExpandEnv(t *testing.T) {
	// Cannot use t.Parallel() with t.Setenv
	t.Setenv("TEST_REFRESH_TOKEN", "rt-secret-123")

	result := expandEnv([]byte("refresh_token: ${TEST_REFRESH_TOKEN}"))
	if string(result) != "refresh_token: rt-secret-123" {
		t.Errorf("expandEnv = %q", string(result))
	}

	// Unknown vars are left intact.
	result = expandEnv([]byte("x: ${NOT_SET_ANYWHERE_42}"))
	if string(result) != "x: ${NOT_SET_ANYWHERE_42}" {
		t.Errorf("expandEnv unknown = %q", string(result))
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load(writeConfig(t, `{}`))
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Server.Addr != ":8080" {
		t.Errorf("default addr = %q", cfg.Server.Addr)
	}
	if cfg.Database.DSN != "ccflare.db" {
		t.Errorf("default dsn = %q", cfg.Database.DSN)
	}
	if cfg.Retry.Attempts != 3 || cfg.Retry.Backoff != 2 {
		t.Errorf("default retry = %+v", cfg.Retry)
	}
	if cfg.Session.Duration != 5*time.Hour {
		t.Errorf("default session duration = %v", cfg.Session.Duration)
	}
	if cfg.Writer.BatchSize != 64 {
		t.Errorf("default writer batch = %d", cfg.Writer.BatchSize)
	}
}

func TestValidate_UnknownStrategy(t *testing.T) {
	t.Parallel()

	_, err := Load(writeConfig(t, `strategy: round-robin`))
	if err == nil || !strings.Contains(err.Error(), "strategy") {
		t.Errorf("want strategy error, got %v", err)
	}
}

func TestValidate_AccountCredentials(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			"oauth without refresh token",
			"accounts:\n  - name: a\n    provider: anthropic-oauth",
			"refresh_token",
		},
		{
			"api-key provider without key",
			"accounts:\n  - name: b\n    provider: zai",
			"api_key",
		},
		{
			"unknown provider",
			"accounts:\n  - name: c\n    provider: mystery",
			"unknown provider",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Load(writeConfig(t, tt.yaml))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("want %q error, got %v", tt.want, err)
			}
		})
	}
}

func TestValidate_VertexNeedsNoKey(t *testing.T) {
	t.Parallel()

	yaml := "accounts:\n  - name: v\n    provider: vertex-ai\n    custom_endpoint: https://us-east5-aiplatform.googleapis.com"
	if _, err := Load(writeConfig(t, yaml)); err != nil {
		t.Errorf("vertex account should not require api_key: %v", err)
	}
}
