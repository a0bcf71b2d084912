package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/taskmesh/internal/node"
	"github.com/danmuck/taskmesh/internal/protocol/session"
)

type beaconFileConfig struct {
	Enabled    bool     `toml:"enabled"`
	Listen     string   `toml:"listen"`
	Targets    []string `toml:"targets"`
	Interval   string   `toml:"interval"`
	IntervalMS int64    `toml:"interval_ms"`
}

type tlsFileConfig struct {
	Enabled            bool   `toml:"enabled"`
	Mutual             bool   `toml:"mutual"`
	CertFile           string `toml:"cert_file"`
	KeyFile            string `toml:"key_file"`
	CAFile             string `toml:"ca_file"`
	ServerName         string `toml:"server_name"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
}

type fileConfig struct {
	NodeID              string           `toml:"node_id"`
	Namespace           string           `toml:"namespace"`
	Name                string           `toml:"name"`
	Host                string           `toml:"host"`
	Port                int              `toml:"port"`
	PublicAddress       string           `toml:"public_address"`
	PrivateAddress      string           `toml:"private_address"`
	Seeds               []string         `toml:"seeds"`
	ArchivePath         string           `toml:"archive_path"`
	WorkspacePath       string           `toml:"workspace_path"`
	AutoStart           bool             `toml:"auto_start"`
	HeartbeatInterval   string           `toml:"heartbeat_interval"`
	HeartbeatIntervalMS int64            `toml:"heartbeat_interval_ms"`
	DeadAfter           string           `toml:"dead_after"`
	InvocationTimeout   string           `toml:"invocation_timeout"`
	InvocationTimeoutMS int64            `toml:"invocation_timeout_ms"`
	SyncMaxRetries      int              `toml:"sync_max_retries"`
	SyncChunkSize       int              `toml:"sync_chunk_size"`
	MaxRestarts         int              `toml:"max_restarts"`
	PortOffset          int              `toml:"port_offset"`
	CORSOrigins         []string         `toml:"cors_origins"`
	SecurityMode        string           `toml:"security_mode"`
	Beacon              beaconFileConfig `toml:"beacon"`
	TLS                 tlsFileConfig    `toml:"tls"`
}

// loadNodeConfig applies every key defined in the TOML file at path on top
// of node.DefaultConfig.
func loadNodeConfig(path string) (node.Config, error) {
	cfg := node.DefaultConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return node.Config{}, fmt.Errorf("load node config: %w", err)
	}

	if meta.IsDefined("node_id") {
		cfg.NodeID = strings.TrimSpace(raw.NodeID)
	}
	if meta.IsDefined("namespace") {
		cfg.Namespace = strings.TrimSpace(raw.Namespace)
	}
	if meta.IsDefined("name") {
		cfg.Name = strings.TrimSpace(raw.Name)
	}
	if meta.IsDefined("host") {
		cfg.Host = strings.TrimSpace(raw.Host)
	}
	if meta.IsDefined("port") {
		cfg.Port = raw.Port
	}
	if meta.IsDefined("public_address") {
		cfg.PublicAddress = strings.TrimSpace(raw.PublicAddress)
	}
	if meta.IsDefined("private_address") {
		cfg.PrivateAddress = strings.TrimSpace(raw.PrivateAddress)
	}
	if meta.IsDefined("seeds") {
		cfg.Seeds = normalizeList(raw.Seeds)
	}
	if meta.IsDefined("archive_path") {
		cfg.ArchivePath = strings.TrimSpace(raw.ArchivePath)
	}
	if meta.IsDefined("workspace_path") {
		cfg.WorkspacePath = strings.TrimSpace(raw.WorkspacePath)
	}
	if meta.IsDefined("auto_start") {
		cfg.AutoStart = raw.AutoStart
	}

	if meta.IsDefined("heartbeat_interval") {
		d, err := parseDuration("heartbeat_interval", raw.HeartbeatInterval)
		if err != nil {
			return node.Config{}, err
		}
		cfg.Session.HeartbeatInterval = d
	}
	if meta.IsDefined("heartbeat_interval_ms") {
		cfg.Session.HeartbeatInterval = time.Duration(raw.HeartbeatIntervalMS) * time.Millisecond
	}
	if meta.IsDefined("dead_after") {
		d, err := parseDuration("dead_after", raw.DeadAfter)
		if err != nil {
			return node.Config{}, err
		}
		cfg.Session.SessionDeadAfter = d
	}
	if meta.IsDefined("invocation_timeout") {
		d, err := parseDuration("invocation_timeout", raw.InvocationTimeout)
		if err != nil {
			return node.Config{}, err
		}
		cfg.InvocationTimeout = d
	}
	if meta.IsDefined("invocation_timeout_ms") {
		cfg.InvocationTimeout = time.Duration(raw.InvocationTimeoutMS) * time.Millisecond
	}

	if meta.IsDefined("sync_max_retries") {
		cfg.SyncMaxRetries = raw.SyncMaxRetries
	}
	if meta.IsDefined("sync_chunk_size") {
		cfg.SyncChunkSize = raw.SyncChunkSize
	}
	if meta.IsDefined("max_restarts") {
		cfg.MaxRestarts = raw.MaxRestarts
	}
	if meta.IsDefined("port_offset") {
		cfg.PortOffset = raw.PortOffset
	}
	if meta.IsDefined("cors_origins") {
		cfg.CORSOrigins = normalizeList(raw.CORSOrigins)
	}
	if meta.IsDefined("security_mode") {
		cfg.Session.SecurityMode = session.SecurityMode(strings.TrimSpace(raw.SecurityMode))
	}

	if meta.IsDefined("beacon", "enabled") {
		cfg.Beacon.Enabled = raw.Beacon.Enabled
	}
	if meta.IsDefined("beacon", "listen") {
		cfg.Beacon.Listen = strings.TrimSpace(raw.Beacon.Listen)
	}
	if meta.IsDefined("beacon", "targets") {
		cfg.Beacon.Targets = normalizeList(raw.Beacon.Targets)
	}
	if meta.IsDefined("beacon", "interval") {
		d, err := parseDuration("beacon.interval", raw.Beacon.Interval)
		if err != nil {
			return node.Config{}, err
		}
		cfg.Beacon.Interval = d
	}
	if meta.IsDefined("beacon", "interval_ms") {
		cfg.Beacon.Interval = time.Duration(raw.Beacon.IntervalMS) * time.Millisecond
	}

	if meta.IsDefined("tls") {
		cfg.Session.TLS = session.TLSConfig{
			Enabled:            raw.TLS.Enabled,
			Mutual:             raw.TLS.Mutual,
			CertFile:           strings.TrimSpace(raw.TLS.CertFile),
			KeyFile:            strings.TrimSpace(raw.TLS.KeyFile),
			CAFile:             strings.TrimSpace(raw.TLS.CAFile),
			ServerName:         strings.TrimSpace(raw.TLS.ServerName),
			InsecureSkipVerify: raw.TLS.InsecureSkipVerify,
		}
	}

	return cfg, nil
}

func parseDuration(key, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return d, nil
}

func normalizeList(in []string) []string {
	if len(in) == 0 {
		return []string{}
	}
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
