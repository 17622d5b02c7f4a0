package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestGetIntFallsBackOnGarbage(t *testing.T) {
	t.Setenv("ARK_TEST_INT", "not-a-number")
	if got := GetInt("ARK_TEST_INT", 7); got != 7 {
		t.Fatalf("expected fallback 7, got %d", got)
	}
	t.Setenv("ARK_TEST_INT", " 42 ")
	if got := GetInt("ARK_TEST_INT", 7); got != 42 {
		t.Fatalf("expected 42, got %d", got)
	}
}

func TestLoadAPIConfigReadsOverrides(t *testing.T) {
	t.Setenv("ENCRYPTION_KEY", "vault-secret")
	t.Setenv("INGRESS_MODE", "NGINX")
	t.Setenv("SSH_COMMAND_TIMEOUT_SECONDS", "30")
	t.Setenv("LOG_LEVEL", "debug")

	cfg := LoadAPIConfig()
	if cfg.EncryptionKey != "vault-secret" {
		t.Fatalf("unexpected encryption key %q", cfg.EncryptionKey)
	}
	if cfg.IngressMode != IngressNginx {
		t.Fatalf("expected nginx ingress, got %q", cfg.IngressMode)
	}
	if cfg.SSHCommandTimeout != 30*time.Second {
		t.Fatalf("unexpected command timeout %s", cfg.SSHCommandTimeout)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Fatalf("unexpected log level %v", cfg.LogLevel)
	}
}

func TestLoadDotEnvDoesNotOverrideEnvironment(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	content := "ARK_DOTENV_ONLY=from-file\nARK_DOTENV_BOTH=from-file\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Setenv("ARK_DOTENV_BOTH", "from-env")
	t.Cleanup(func() { os.Unsetenv("ARK_DOTENV_ONLY") })

	if err := LoadDotEnv(path, filepath.Join(dir, "missing.env")); err != nil {
		t.Fatalf("LoadDotEnv returned error: %v", err)
	}
	if got := os.Getenv("ARK_DOTENV_ONLY"); got != "from-file" {
		t.Fatalf("expected value from file, got %q", got)
	}
	if got := os.Getenv("ARK_DOTENV_BOTH"); got != "from-env" {
		t.Fatalf("expected environment to win, got %q", got)
	}
}
