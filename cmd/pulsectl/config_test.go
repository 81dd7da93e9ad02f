package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadServiceConfigDefaultsAndOverrides(t *testing.T) {
	path := writeConfig(t, `
node_id = "pulse.edge-1"
listen_addr = ":9090"
cors_origins = ["https://app.example.com", " "]
auth_token = "sekrit"

[session]
write_timeout = "2s"
keepalive_interval = "0s"
`)

	cfg, err := loadServiceConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.NodeID != "pulse.edge-1" {
		t.Fatalf("unexpected node id: %q", cfg.NodeID)
	}
	if cfg.ListenAddr != ":9090" {
		t.Fatalf("unexpected listen addr: %q", cfg.ListenAddr)
	}
	if cfg.GraphQLPath != "/graphql" {
		t.Fatalf("unexpected graphql path: %q", cfg.GraphQLPath)
	}
	if len(cfg.CORSOrigins) != 1 || cfg.CORSOrigins[0] != "https://app.example.com" {
		t.Fatalf("unexpected cors origins: %+v", cfg.CORSOrigins)
	}
	if cfg.AuthToken != "sekrit" {
		t.Fatalf("unexpected auth token: %q", cfg.AuthToken)
	}
	if cfg.Session.WriteTimeout != 2*time.Second {
		t.Fatalf("unexpected write timeout: %v", cfg.Session.WriteTimeout)
	}
	if cfg.Session.KeepAliveInterval >= 0 {
		t.Fatalf("expected keep-alive disabled, got %v", cfg.Session.KeepAliveInterval)
	}
	if cfg.Session.ReadLimit != 1<<20 {
		t.Fatalf("unexpected read limit: %d", cfg.Session.ReadLimit)
	}
}

func TestLoadServiceConfigExampleFile(t *testing.T) {
	cfg, err := loadServiceConfig("ex.config.toml")
	if err != nil {
		t.Fatalf("load example config: %v", err)
	}
	if cfg.NodeID != "pulse.edge-1" {
		t.Fatalf("unexpected node id: %q", cfg.NodeID)
	}
	if cfg.TranscriptDB != "local/pulse/transcript.db" {
		t.Fatalf("unexpected transcript db: %q", cfg.TranscriptDB)
	}
	if cfg.Session.KeepAliveInterval != 10*time.Second {
		t.Fatalf("unexpected keep-alive: %v", cfg.Session.KeepAliveInterval)
	}
}

func TestLoadServiceConfigRejectsBadDuration(t *testing.T) {
	path := writeConfig(t, `
[session]
write_timeout = "fast"
`)
	if _, err := loadServiceConfig(path); err == nil {
		t.Fatalf("bad duration accepted")
	}
}

func TestLoadServiceConfigRejectsLoneTLSCert(t *testing.T) {
	path := writeConfig(t, `tls_cert_file = "server.crt"`)
	if _, err := loadServiceConfig(path); err == nil {
		t.Fatalf("lone tls_cert_file accepted")
	}
}

func TestLoadServiceConfigMissingFile(t *testing.T) {
	if _, err := loadServiceConfig(filepath.Join(t.TempDir(), "absent.toml")); err == nil {
		t.Fatalf("missing file accepted")
	}
}
