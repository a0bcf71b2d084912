package workertest

import (
	"os"
	"path/filepath"
	"testing"
)

// FixtureTasks are the task folders written by Workspace, in lexical order.
var FixtureTasks = []string{"echo", "env", "ping", "request-test", "slow"}

const workerJS = `const readline = require('readline');
const rl = readline.createInterface({ input: process.stdin });
const handlers = {
  echo: (data) => ({ hello: data && data.name }),
  env: () => ({ env: process.env.NODE_ENV }),
  ping: () => ({ pong: true, port: process.env.PORT }),
  slow: (data) => new Promise((r) => setTimeout(() => r({ task: 'slow' }), (data && data.ms) || 300)),
};
rl.on('line', async (line) => {
  let req;
  try { req = JSON.parse(line); } catch (e) { return; }
  const h = handlers[req.task_id] || (() => ({ task: req.task_id }));
  try {
    const data = await h(req.data);
    process.stdout.write(JSON.stringify({ id: req.id, data }) + '\n');
  } catch (e) {
    process.stdout.write(JSON.stringify({ id: req.id, error: String(e) }) + '\n');
  }
});
`

var fixtureManifests = map[string]string{
	"echo": `description = "echoes data.name back as hello"
command = ["node", "index.js"]
`,
	"env": `description = "reports NODE_ENV"
command = ["node", "index.js"]

[env]
NODE_ENV = "production"
`,
	"ping": `description = "answers pong"
`,
	"request-test": `description = "fetches a url"
command = ["node", "index.js"]
`,
	"slow": `description = "sleeps before answering"
command = ["node", "index.js"]
`,
}

// Workspace writes the app1 fixture under a temp dir and returns the base
// folder; the task folder is "tasks".
func Workspace(t testing.TB) string {
	t.Helper()
	base := t.TempDir()
	WriteWorkspace(t, base, "tasks")
	return base
}

// WriteWorkspace writes the app1 fixture into base/taskFolder.
func WriteWorkspace(t testing.TB, base, taskFolder string) {
	t.Helper()
	for _, id := range FixtureTasks {
		dir := filepath.Join(base, taskFolder, id)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatalf("mkdir %s: %v", dir, err)
		}
		if err := os.WriteFile(filepath.Join(dir, "task.toml"), []byte(fixtureManifests[id]), 0o644); err != nil {
			t.Fatalf("write manifest %s: %v", id, err)
		}
		if err := os.WriteFile(filepath.Join(dir, "index.js"), []byte(workerJS), 0o644); err != nil {
			t.Fatalf("write worker %s: %v", id, err)
		}
	}
	hidden := filepath.Join(base, taskFolder, ".cache")
	if err := os.MkdirAll(hidden, 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", hidden, err)
	}
}

// AddTask adds one more task folder with a manifest command.
func AddTask(t testing.TB, base, taskFolder, id string) {
	t.Helper()
	dir := filepath.Join(base, taskFolder, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", dir, err)
	}
	manifest := "command = [\"node\", \"index.js\"]\n"
	if err := os.WriteFile(filepath.Join(dir, "task.toml"), []byte(manifest), 0o644); err != nil {
		t.Fatalf("write manifest %s: %v", id, err)
	}
	if err := os.WriteFile(filepath.Join(dir, "index.js"), []byte(workerJS), 0o644); err != nil {
		t.Fatalf("write worker %s: %v", id, err)
	}
}
