package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/danmuck/pulsectl/internal/server"
)

// pulsectl config.toml key mapping to gateway runtime settings.
type fileConfig struct {
	NodeID       string            `toml:"node_id"`
	ListenAddr   string            `toml:"listen_addr"`
	GraphQLPath  string            `toml:"graphql_path"`
	CORSOrigins  []string          `toml:"cors_origins"`
	AuthToken    string            `toml:"auth_token"`
	TranscriptDB string            `toml:"transcript_db"`
	TLSCertFile  string            `toml:"tls_cert_file"`
	TLSKeyFile   string            `toml:"tls_key_file"`
	Session      sessionFileConfig `toml:"session"`
}

type sessionFileConfig struct {
	WriteTimeout      string `toml:"write_timeout"`
	ReadLimit         int64  `toml:"read_limit"`
	KeepAliveInterval string `toml:"keepalive_interval"`
}

// pulsectl loader for TOML config with default overlay.
func loadServiceConfig(path string) (server.ServiceConfig, error) {
	cfg := server.DefaultServiceConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return server.ServiceConfig{}, fmt.Errorf("load pulse config: %w", err)
	}

	if meta.IsDefined("node_id") {
		if id := strings.TrimSpace(raw.NodeID); id != "" {
			cfg.NodeID = id
		}
	}
	if meta.IsDefined("listen_addr") {
		cfg.ListenAddr = strings.TrimSpace(raw.ListenAddr)
	}
	if meta.IsDefined("graphql_path") {
		cfg.GraphQLPath = strings.TrimSpace(raw.GraphQLPath)
	}
	if meta.IsDefined("cors_origins") {
		cfg.CORSOrigins = normalizeList(raw.CORSOrigins)
	}
	if meta.IsDefined("auth_token") {
		cfg.AuthToken = strings.TrimSpace(raw.AuthToken)
	}
	if meta.IsDefined("transcript_db") {
		cfg.TranscriptDB = strings.TrimSpace(raw.TranscriptDB)
	}
	if meta.IsDefined("tls_cert_file") {
		cfg.TLSCertFile = strings.TrimSpace(raw.TLSCertFile)
	}
	if meta.IsDefined("tls_key_file") {
		cfg.TLSKeyFile = strings.TrimSpace(raw.TLSKeyFile)
	}
	if (cfg.TLSCertFile == "") != (cfg.TLSKeyFile == "") {
		return server.ServiceConfig{}, fmt.Errorf("tls_cert_file and tls_key_file must be set together")
	}

	if meta.IsDefined("session", "write_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Session.WriteTimeout))
		if err != nil {
			return server.ServiceConfig{}, fmt.Errorf("parse session.write_timeout: %w", err)
		}
		cfg.Session.WriteTimeout = disabledWhenZero(d)
	}
	if meta.IsDefined("session", "read_limit") {
		cfg.Session.ReadLimit = raw.Session.ReadLimit
		if cfg.Session.ReadLimit <= 0 {
			cfg.Session.ReadLimit = -1
		}
	}
	if meta.IsDefined("session", "keepalive_interval") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Session.KeepAliveInterval))
		if err != nil {
			return server.ServiceConfig{}, fmt.Errorf("parse session.keepalive_interval: %w", err)
		}
		cfg.Session.KeepAliveInterval = disabledWhenZero(d)
	}

	return cfg, nil
}

// An explicit 0s in the file means off, carried as the negative sentinel
// so defaulting does not refill it.
func disabledWhenZero(d time.Duration) time.Duration {
	if d <= 0 {
		return -1
	}
	return d
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, item := range in {
		v := strings.TrimSpace(item)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
