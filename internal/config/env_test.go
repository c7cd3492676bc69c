package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeEnvFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write env: %v", err)
	}
	return path
}

// clearEnv unsets keys for the test and restores them afterwards.
func clearEnv(t *testing.T, keys ...string) {
	t.Helper()
	for _, key := range keys {
		t.Setenv(key, "")
		if err := os.Unsetenv(key); err != nil {
			t.Fatalf("unset %s: %v", key, err)
		}
	}
}

func TestLoadEnvSecrets(t *testing.T) {
	clearEnv(t, "HL_PRIVATE_KEY", "TELEGRAM_TOKEN", "TELEGRAM_CHAT_ID", "TIMESCALE_DSN")
	path := writeEnvFile(t, "# venue signing key\n"+
		"export HL_PRIVATE_KEY=0xabc\n"+
		"TELEGRAM_TOKEN=\"123:token\"\n"+
		"TELEGRAM_CHAT_ID='-1001'\n"+
		"TIMESCALE_DSN=\n")
	if err := LoadEnv(path); err != nil {
		t.Fatalf("load env: %v", err)
	}
	want := map[string]string{
		"HL_PRIVATE_KEY":   "0xabc",
		"TELEGRAM_TOKEN":   "123:token",
		"TELEGRAM_CHAT_ID": "-1001",
		"TIMESCALE_DSN":    "",
	}
	for key, val := range want {
		if got := os.Getenv(key); got != val {
			t.Fatalf("%s expected %q, got %q", key, val, got)
		}
	}
}

func TestLoadEnvKeepsProcessEnvironment(t *testing.T) {
	t.Setenv("HL_PRIVATE_KEY", "from-shell")
	path := writeEnvFile(t, "HL_PRIVATE_KEY=from-file\n")
	if err := LoadEnv(path); err != nil {
		t.Fatalf("load env: %v", err)
	}
	if got := os.Getenv("HL_PRIVATE_KEY"); got != "from-shell" {
		t.Fatalf("shell value should win, got %q", got)
	}
}

func TestLoadEnvMissingFile(t *testing.T) {
	if err := LoadEnv(filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Fatalf("missing env file should be ignored, got %v", err)
	}
}

func TestLoadEnvRejectsMalformedFile(t *testing.T) {
	path := writeEnvFile(t, "HL-PRIVATE-KEY=0xabc\n")
	if err := LoadEnv(path); err == nil {
		t.Fatalf("expected parse error")
	}
}
