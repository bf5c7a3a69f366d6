package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadFileWithEnvOverride(t *testing.T) {
	path := writeConfig(t, `
addr: ":9090"
store: memory
authSecret: file-secret
tokenTTL: 6h
`)
	t.Setenv("TIRTA_AUTH_SECRET", "env-secret")
	t.Setenv("TIRTA_ADDR", "")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Addr != ":9090" {
		t.Fatalf("unexpected addr %q", cfg.Addr)
	}
	if cfg.AuthSecret != "env-secret" {
		t.Fatalf("environment must override the file, got %q", cfg.AuthSecret)
	}
	ttl, err := cfg.ParseTokenTTL()
	if err != nil || ttl != 6*time.Hour {
		t.Fatalf("unexpected ttl %v %v", ttl, err)
	}
}

func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	t.Setenv("TIRTA_AUTH_SECRET", "env-secret")
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Addr != ":8080" || cfg.Store != StoreMemory {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
}

func TestValidation(t *testing.T) {
	t.Setenv("TIRTA_AUTH_SECRET", "env-secret")
	t.Setenv("TIRTA_STORE", "")
	t.Setenv("DATABASE_URL", "")

	if _, err := Load(writeConfig(t, "store: unknown\n")); err == nil {
		t.Fatal("unknown store must fail")
	}
	if _, err := Load(writeConfig(t, "store: postgres\n")); err == nil {
		t.Fatal("postgres store without databaseURL must fail")
	}
	if _, err := Load(writeConfig(t, "tokenTTL: nonsense\n")); err == nil {
		t.Fatal("invalid tokenTTL must fail")
	}

	t.Setenv("TIRTA_AUTH_SECRET", "")
	if _, err := Load(writeConfig(t, "addr: \":8080\"\n")); err == nil {
		t.Fatal("missing auth secret must fail")
	}
}
