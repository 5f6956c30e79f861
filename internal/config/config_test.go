package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "xlb.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("writing test config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
ports:
  - local_port: 80
    remote_port: 8080
provider:
  static:
    backends: ["10.0.0.5"]
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Name != DefaultName {
		t.Errorf("expected default name %q, got %q", DefaultName, cfg.Name)
	}
	if cfg.OrphanTTLSecs != DefaultOrphanTTLSecs {
		t.Errorf("expected default orphan_ttl_secs %d, got %d", DefaultOrphanTTLSecs, cfg.OrphanTTLSecs)
	}
	if cfg.ShutdownTimeout != DefaultShutdownTimeout {
		t.Errorf("expected default shutdown_timeout %d, got %d", DefaultShutdownTimeout, cfg.ShutdownTimeout)
	}
}

func TestLoadRejectsTooManyPortMappings(t *testing.T) {
	body := "ports:\n"
	for i := 0; i < 9; i++ {
		body += "  - local_port: 1\n    remote_port: 2\n"
	}
	body += "provider:\n  static:\n    backends: [\"10.0.0.5\"]\n"

	path := writeConfig(t, body)
	if _, err := Load(path); err == nil {
		t.Fatal("expected an error for 9 port mappings")
	}
}

func TestLoadRejectsNoProvider(t *testing.T) {
	path := writeConfig(t, `
ports:
  - local_port: 80
    remote_port: 8080
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected an error when no provider is configured")
	}
}

func TestLoadRejectsBothProviders(t *testing.T) {
	path := writeConfig(t, `
ports:
  - local_port: 80
    remote_port: 8080
provider:
  static:
    backends: ["10.0.0.5"]
  kubernetes:
    namespace: default
    service: web
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected an error when both providers are configured")
	}
}

func TestLoadRejectsDuplicateLocalPort(t *testing.T) {
	path := writeConfig(t, `
ports:
  - local_port: 80
    remote_port: 8080
  - local_port: 80
    remote_port: 9090
provider:
  static:
    backends: ["10.0.0.5"]
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected an error for duplicate local_port")
	}
}
