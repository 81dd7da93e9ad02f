// Package config loads and validates TOML files for the pulsectl
// binaries. The daemon overlays its file onto runtime defaults in its
// own cmd; this package owns the probe client file and the template
// surface configgen works from.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// ServerConfig mirrors the daemon's TOML file for validation.
type ServerConfig struct {
	NodeID       string        `toml:"node_id"`
	ListenAddr   string        `toml:"listen_addr"`
	GraphQLPath  string        `toml:"graphql_path"`
	CORSOrigins  []string      `toml:"cors_origins"`
	AuthToken    string        `toml:"auth_token"`
	TranscriptDB string        `toml:"transcript_db"`
	TLSCertFile  string        `toml:"tls_cert_file"`
	TLSKeyFile   string        `toml:"tls_key_file"`
	Session      SessionConfig `toml:"session"`
}

// SessionConfig carries per-connection tuning as duration strings.
type SessionConfig struct {
	WriteTimeout      string `toml:"write_timeout"`
	ReadLimit         int64  `toml:"read_limit"`
	KeepAliveInterval string `toml:"keepalive_interval"`
}

// ProbeConfig drives one probectl run.
type ProbeConfig struct {
	URL       string         `toml:"url"`
	Query     string         `toml:"query"`
	Variables map[string]any `toml:"variables"`
	ID        string         `toml:"id"`
	Token     string         `toml:"token"`
	Count     int            `toml:"count"`
	Timeout   string         `toml:"timeout"`
	CAFile    string         `toml:"ca_file"`
	Attempts  int            `toml:"attempts"`
}

func LoadServerConfig(path string) (ServerConfig, error) {
	var cfg ServerConfig
	if err := loadToml(path, &cfg); err != nil {
		return ServerConfig{}, err
	}
	if cfg.NodeID == "" {
		cfg.NodeID = "pulse.local"
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.GraphQLPath == "" {
		cfg.GraphQLPath = "/graphql"
	}
	if err := ValidateServerConfig(cfg); err != nil {
		return ServerConfig{}, err
	}
	return cfg, nil
}

func LoadProbeConfig(path string) (ProbeConfig, error) {
	var cfg ProbeConfig
	if err := loadToml(path, &cfg); err != nil {
		return ProbeConfig{}, err
	}
	if cfg.ID == "" {
		cfg.ID = "1"
	}
	if cfg.Attempts == 0 {
		cfg.Attempts = 3
	}
	if cfg.Timeout == "" {
		cfg.Timeout = "30s"
	}
	if err := ValidateProbeConfig(cfg); err != nil {
		return ProbeConfig{}, err
	}
	return cfg, nil
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

func ValidateServerConfig(cfg ServerConfig) error {
	if strings.TrimSpace(cfg.NodeID) == "" {
		return fmt.Errorf("server config missing node_id")
	}
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		return fmt.Errorf("server config missing listen_addr")
	}
	if !strings.HasPrefix(strings.TrimSpace(cfg.GraphQLPath), "/") {
		return fmt.Errorf("server config graphql_path must start with /")
	}
	if (cfg.TLSCertFile == "") != (cfg.TLSKeyFile == "") {
		return fmt.Errorf("server config tls_cert_file and tls_key_file must be set together")
	}
	if err := validateDuration("write_timeout", cfg.Session.WriteTimeout); err != nil {
		return err
	}
	if err := validateDuration("keepalive_interval", cfg.Session.KeepAliveInterval); err != nil {
		return err
	}
	if cfg.Session.ReadLimit < 0 {
		return fmt.Errorf("server config read_limit must not be negative")
	}
	return nil
}

func ValidateProbeConfig(cfg ProbeConfig) error {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return fmt.Errorf("probe config missing url")
	}
	if !strings.HasPrefix(url, "ws://") && !strings.HasPrefix(url, "wss://") {
		return fmt.Errorf("probe config url must be ws:// or wss://")
	}
	if strings.TrimSpace(cfg.Query) == "" {
		return fmt.Errorf("probe config missing query")
	}
	if strings.TrimSpace(cfg.ID) == "" {
		return fmt.Errorf("probe config missing id")
	}
	if cfg.Count < 0 {
		return fmt.Errorf("probe config count must not be negative")
	}
	if cfg.Attempts < 1 {
		return fmt.Errorf("probe config attempts must be at least 1")
	}
	if err := validateDuration("timeout", cfg.Timeout); err != nil {
		return err
	}
	return nil
}

func validateDuration(field, raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	if _, err := time.ParseDuration(strings.TrimSpace(raw)); err != nil {
		return fmt.Errorf("config %s invalid: %w", field, err)
	}
	return nil
}
