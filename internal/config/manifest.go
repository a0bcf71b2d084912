package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// ManifestFile is the optional per-task manifest inside a task folder.
const ManifestFile = "task.toml"

// TaskManifest declares how a task folder is run.
type TaskManifest struct {
	Description string            `toml:"description"`
	Command     []string          `toml:"command"`
	Instances   int               `toml:"instances"`
	Env         map[string]string `toml:"env"`
}

// LoadTaskManifest reads dir/task.toml. A missing manifest is not an error:
// the zero manifest and found=false are returned.
func LoadTaskManifest(dir string) (TaskManifest, bool, error) {
	path := filepath.Join(dir, ManifestFile)
	var m TaskManifest
	if err := loadToml(path, &m); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return TaskManifest{}, false, nil
		}
		return TaskManifest{}, false, err
	}
	if err := ValidateTaskManifest(m); err != nil {
		return TaskManifest{}, true, fmt.Errorf("%s invalid: %w", path, err)
	}
	return m, true, nil
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

func ValidateTaskManifest(m TaskManifest) error {
	if m.Instances < 0 {
		return fmt.Errorf("instances must be >= 0, got %d", m.Instances)
	}
	if len(m.Command) > 0 && strings.TrimSpace(m.Command[0]) == "" {
		return fmt.Errorf("command[0] is empty")
	}
	for k := range m.Env {
		if strings.TrimSpace(k) == "" || strings.Contains(k, "=") {
			return fmt.Errorf("invalid env key %q", k)
		}
	}
	return nil
}
