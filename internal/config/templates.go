package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "node":
		return nodeTemplate, nil
	case "task":
		return taskTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const nodeTemplate = `namespace = "taskmesh"
name = "node-a"
host = "0.0.0.0"
port = 10000
public_address = "127.0.0.1"
seeds = []

archive_path = "/tmp/taskmesh/node-a.tar.gz"
workspace_path = "/tmp/taskmesh/node-a"
auto_start = true

heartbeat_interval = "2s"
dead_after = "10s"
invocation_timeout = "30s"
sync_max_retries = 5
max_restarts = 3
port_offset = 1

cors_origins = ["http://localhost:3000"]

[beacon]
enabled = false
listen = "0.0.0.0:10099"
targets = ["255.255.255.255:10099"]
interval = "5s"

[tls]
enabled = false
mutual = false
cert_file = ""
key_file = ""
ca_file = ""
`

const taskTemplate = `description = "example task"
command = ["node", "index.js"]
instances = 1

[env]
NODE_ENV = "production"
`
