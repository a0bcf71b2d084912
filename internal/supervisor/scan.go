package supervisor

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/danmuck/taskmesh/internal/config"
)

var ErrNoEntryPoint = errors.New("supervisor: no entry point")

// TaskDefinition is derived from one task folder on every init.
type TaskDefinition struct {
	TaskID      string            `json:"task_id"`
	Dir         string            `json:"dir"`
	Description string            `json:"description,omitempty"`
	EntryPoint  []string          `json:"entry_point"`
	DeclaredEnv map[string]string `json:"declared_env,omitempty"`
	Instances   int               `json:"instances,omitempty"`

	// scan problems are reported per task rather than failing the whole init
	loadErr error
}

// SupervisedName is the process-manager name for a task.
func SupervisedName(taskID string) string {
	return "task:" + taskID
}

// scanWorkspace lists the task folders of root in lexical order.
func scanWorkspace(root string) ([]TaskDefinition, error) {
	info, err := os.Stat(root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrWorkspaceNotFound, root)
		}
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", ErrWorkspaceNotFound, root)
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	defs := make([]TaskDefinition, 0, len(names))
	for _, name := range names {
		defs = append(defs, loadDefinition(filepath.Join(root, name), name))
	}
	return defs, nil
}

func loadDefinition(dir, taskID string) TaskDefinition {
	def := TaskDefinition{TaskID: taskID, Dir: dir}
	manifest, _, err := config.LoadTaskManifest(dir)
	if err != nil {
		def.loadErr = err
		return def
	}
	def.Description = manifest.Description
	def.DeclaredEnv = manifest.Env
	def.Instances = manifest.Instances
	def.EntryPoint, def.loadErr = resolveEntryPoint(dir, manifest.Command)
	return def
}

// resolveEntryPoint prefers the manifest command, then an executable "run"
// file, then index.js under node.
func resolveEntryPoint(dir string, command []string) ([]string, error) {
	if len(command) > 0 {
		out := append([]string(nil), command...)
		if strings.HasPrefix(out[0], "./") || strings.HasPrefix(out[0], "../") {
			out[0] = filepath.Join(dir, out[0])
		}
		return out, nil
	}
	if info, err := os.Stat(filepath.Join(dir, "run")); err == nil && !info.IsDir() && info.Mode()&0o111 != 0 {
		return []string{filepath.Join(dir, "run")}, nil
	}
	if _, err := os.Stat(filepath.Join(dir, "index.js")); err == nil {
		return []string{"node", "index.js"}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNoEntryPoint, dir)
}
