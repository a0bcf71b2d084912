package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/taskmesh/internal/config"
	"github.com/danmuck/taskmesh/internal/node"
	"github.com/danmuck/taskmesh/internal/testutil/testlog"
)

func TestLoadNodeConfigDefaultsAndOverrides(t *testing.T) {
	testlog.Start(t)

	cfg, err := loadNodeConfig("ex.config.toml")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Namespace != "app1" || cfg.Name != "node-a" || cfg.Port != 10000 {
		t.Fatalf("unexpected identity: %+v", cfg)
	}
	if len(cfg.Seeds) != 2 || cfg.Seeds[1] != "127.0.0.1:10020" {
		t.Fatalf("unexpected seeds: %+v", cfg.Seeds)
	}
	if cfg.AutoStart {
		t.Fatalf("expected auto_start disabled")
	}
	if cfg.Session.HeartbeatInterval != time.Second || cfg.Session.SessionDeadAfter != 6*time.Second {
		t.Fatalf("unexpected session timing: %+v", cfg.Session)
	}
	if cfg.InvocationTimeout != 1500*time.Millisecond {
		t.Fatalf("unexpected invocation timeout: %v", cfg.InvocationTimeout)
	}
	if cfg.SyncMaxRetries != 2 || cfg.MaxRestarts != 4 || cfg.PortOffset != 1 {
		t.Fatalf("unexpected limits: %+v", cfg)
	}
	if !cfg.Beacon.Enabled || cfg.Beacon.Interval != 3*time.Second || len(cfg.Beacon.Targets) != 1 {
		t.Fatalf("unexpected beacon: %+v", cfg.Beacon)
	}
	if cfg.Session.TLS.Enabled {
		t.Fatalf("expected tls disabled")
	}
	if cfg.SyncChunkSize != node.DefaultConfig().SyncChunkSize {
		t.Fatalf("undefined key changed default chunk size: %d", cfg.SyncChunkSize)
	}
}

func TestLoadNodeConfigRejectsBadDuration(t *testing.T) {
	testlog.Start(t)

	path := filepath.Join(t.TempDir(), "bad.toml")
	if err := os.WriteFile(path, []byte("heartbeat_interval = \"soon\"\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := loadNodeConfig(path); err == nil {
		t.Fatalf("expected duration parse error")
	}
}

func TestNodeTemplateLoads(t *testing.T) {
	testlog.Start(t)

	path := filepath.Join(t.TempDir(), "node.toml")
	if err := config.WriteTemplate(path, "node", false); err != nil {
		t.Fatalf("write template: %v", err)
	}
	cfg, err := loadNodeConfig(path)
	if err != nil {
		t.Fatalf("load template: %v", err)
	}
	if cfg.Namespace != "taskmesh" || !cfg.AutoStart || cfg.Beacon.Enabled {
		t.Fatalf("unexpected template config: %+v", cfg)
	}
	if _, err := node.New(cfg); err != nil {
		t.Fatalf("template config rejected: %v", err)
	}
}

func TestApplyFlagsOverridesFile(t *testing.T) {
	testlog.Start(t)

	cmd := newStartCmd()
	if err := cmd.ParseFlags([]string{"--config", "ex.config.toml", "--port", "0", "--seeds", "127.0.0.1:1,127.0.0.1:2,127.0.0.1:3"}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	cfg, err := resolveStartConfig(cmd)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if cfg.Port != 0 || len(cfg.Seeds) != 3 || cfg.Namespace != "app1" {
		t.Fatalf("flags not applied over file: %+v", cfg)
	}
}
