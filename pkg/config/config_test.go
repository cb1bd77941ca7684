package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	if cfg.StoreBackend != "sqlite" {
		t.Fatalf("default backend = %s", cfg.StoreBackend)
	}
	if cfg.Workers != 4 {
		t.Fatalf("default workers = %d", cfg.Workers)
	}
	if cfg.LeaseDuration != 30*time.Second {
		t.Fatalf("default lease = %s", cfg.LeaseDuration)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("STORE_BACKEND", "redis")
	t.Setenv("WORKERS", "12")
	t.Setenv("LEASE_DURATION", "2m")
	t.Setenv("TRACING_ENABLED", "true")

	cfg := Load()
	if cfg.StoreBackend != "redis" || cfg.Workers != 12 {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.LeaseDuration != 2*time.Minute {
		t.Fatalf("lease = %s", cfg.LeaseDuration)
	}
	if !cfg.TracingEnabled {
		t.Fatal("tracing not enabled")
	}
}

func TestInvalidEnvFallsBack(t *testing.T) {
	t.Setenv("WORKERS", "not-a-number")
	t.Setenv("LEASE_DURATION", "soon")

	cfg := Load()
	if cfg.Workers != 4 || cfg.LeaseDuration != 30*time.Second {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestLoadProfiles(t *testing.T) {
	dir := t.TempDir()
	write := func(name, body string) {
		t.Helper()
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	write("namespace_acme.yaml", `
id: acme
isolation: STRICT
quota:
  max_workflows: 100
  max_queue_depth: 500
  rate_limit_per_minute: 60
`)
	write("namespace_beta.yml", `
id: beta
isolation: SHARED
quota:
  max_queue_depth: 50
`)
	write("README.md", "not a profile")

	profiles, err := LoadProfiles(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(profiles) != 2 {
		t.Fatalf("got %d profiles, want 2", len(profiles))
	}
	byID := map[string]NamespaceProfile{}
	for _, p := range profiles {
		byID[p.ID] = p
	}
	if byID["acme"].Isolation != "STRICT" || byID["acme"].Quota.MaxWorkflows != 100 {
		t.Fatalf("acme = %+v", byID["acme"])
	}
}

func TestLoadProfilesMissingDir(t *testing.T) {
	profiles, err := LoadProfiles(filepath.Join(t.TempDir(), "absent"))
	if err != nil || profiles != nil {
		t.Fatalf("profiles=%v err=%v", profiles, err)
	}
}

func TestLoadProfilesRejectsMissingID(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "namespace_bad.yaml"), []byte("isolation: SHARED\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadProfiles(dir); err == nil {
		t.Fatal("expected error for profile without id")
	}
}
