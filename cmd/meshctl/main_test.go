package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/danmuck/taskmesh/internal/node"
	"github.com/danmuck/taskmesh/internal/supervisor"
	"github.com/danmuck/taskmesh/internal/testutil/testlog"
	"github.com/danmuck/taskmesh/internal/testutil/workertest"
)

func runCLI(t *testing.T, args ...string) string {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		t.Fatalf("meshctl %s: %v\n%s", strings.Join(args, " "), err, out.String())
	}
	return out.String()
}

func TestCommandsDriveANode(t *testing.T) {
	testlog.Start(t)

	dir := t.TempDir()
	cfg := node.DefaultConfig()
	cfg.Namespace = "cli"
	cfg.Host = "127.0.0.1"
	cfg.Port = 0
	cfg.ArchivePath = filepath.Join(dir, "tasks.tar.gz")
	cfg.WorkspacePath = filepath.Join(dir, "workspace")
	n, err := node.New(cfg, node.WithSpawner(workertest.NewSpawner()))
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	if err := n.Start(context.Background()); err != nil {
		t.Fatalf("start node: %v", err)
	}
	defer n.Close()
	addr := n.Addr()
	base := workertest.Workspace(t)

	out := runCLI(t, "--addr", addr, "init", "--base", base, "--instances", "2", "--env", "NODE_ENV=test")
	var results map[string]supervisor.InitResult
	if err := json.Unmarshal([]byte(out), &results); err != nil {
		t.Fatalf("decode init output %q: %v", out, err)
	}
	if results["echo"].Instances != 2 || results["echo"].Port != n.APIPort()+1 {
		t.Fatalf("unexpected init results: %#v", results)
	}

	out = runCLI(t, "--addr", addr, "trigger", "echo", `{"name":"cli"}`)
	if !strings.Contains(out, `"hello": "cli"`) {
		t.Fatalf("unexpected trigger output %q", out)
	}

	out = runCLI(t, "--addr", addr, "tasks")
	var tasks []supervisor.TaskInstance
	if err := json.Unmarshal([]byte(out), &tasks); err != nil || len(tasks) != 2*len(workertest.FixtureTasks) {
		t.Fatalf("unexpected tasks output (%v): %q", err, out)
	}

	if out = runCLI(t, "--addr", addr, "clear"); strings.TrimSpace(out) != "ok" {
		t.Fatalf("unexpected clear output %q", out)
	}
	if got := n.Tasks(); len(got) != 0 {
		t.Fatalf("clear left %d instances", len(got))
	}
}

func TestParseEnv(t *testing.T) {
	testlog.Start(t)

	env, err := parseEnv([]string{"A=1", "B=x=y"})
	if err != nil || env["A"] != "1" || env["B"] != "x=y" {
		t.Fatalf("unexpected env %v (%v)", env, err)
	}
	if _, err := parseEnv([]string{"novalue"}); err == nil {
		t.Fatalf("expected error for missing =")
	}
}
