package node

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/danmuck/taskmesh/internal/dispatch"
	"github.com/danmuck/taskmesh/internal/mesh"
	"github.com/danmuck/taskmesh/internal/protocol/session"
	"github.com/danmuck/taskmesh/internal/snapshot"
)

var ErrInvalidConfig = errors.New("node: invalid config")

// Config is everything a node needs to start. A config returned by
// Node.Serialize recreates the same node.
type Config struct {
	NodeID         string   `json:"node_id"`
	Namespace      string   `json:"namespace"`
	Name           string   `json:"name"`
	Host           string   `json:"host"`
	Port           int      `json:"port"`
	PublicAddress  string   `json:"public_address"`
	PrivateAddress string   `json:"private_address"`
	Hostname       string   `json:"hostname"`
	Seeds          []string `json:"seeds"`

	// ArchivePath and WorkspacePath default to a per-node directory under
	// the system temp dir once the name is known.
	ArchivePath   string `json:"archive_path"`
	WorkspacePath string `json:"workspace_path"`
	AutoStart     bool   `json:"auto_start"`

	InvocationTimeout time.Duration `json:"invocation_timeout"`
	SyncMaxRetries    int           `json:"sync_max_retries"`
	SyncChunkSize     int           `json:"sync_chunk_size"`
	MaxRestarts       int           `json:"max_restarts"`
	PortOffset        int           `json:"port_offset"`

	CORSOrigins []string          `json:"cors_origins"`
	Session     session.Config    `json:"session"`
	Beacon      mesh.BeaconConfig `json:"beacon"`
}

func DefaultConfig() Config {
	return Config{
		Namespace:         "taskmesh",
		Host:              "0.0.0.0",
		Port:              10000,
		PublicAddress:     "127.0.0.1",
		AutoStart:         true,
		InvocationTimeout: dispatch.DefaultTimeout,
		SyncMaxRetries:    5,
		SyncChunkSize:     snapshot.DefaultChunkSize,
		MaxRestarts:       3,
		PortOffset:        1,
		Session:           session.DefaultConfig(),
	}
}

// WithDefaults fills zero-valued fields from DefaultConfig. Port 0 is kept
// and means any free port.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	c.Namespace = strings.TrimSpace(c.Namespace)
	if strings.TrimSpace(c.Host) == "" {
		c.Host = d.Host
	}
	if strings.TrimSpace(c.PublicAddress) == "" {
		c.PublicAddress = d.PublicAddress
	}
	if strings.TrimSpace(c.PrivateAddress) == "" {
		c.PrivateAddress = c.PublicAddress
	}
	if strings.TrimSpace(c.Hostname) == "" {
		if h, err := os.Hostname(); err == nil {
			c.Hostname = h
		}
	}
	if c.InvocationTimeout <= 0 {
		c.InvocationTimeout = d.InvocationTimeout
	}
	if c.SyncMaxRetries < 0 {
		c.SyncMaxRetries = 0
	}
	if c.SyncChunkSize <= 0 {
		c.SyncChunkSize = d.SyncChunkSize
	}
	if c.MaxRestarts < 0 {
		c.MaxRestarts = 0
	}
	if c.PortOffset <= 0 {
		c.PortOffset = d.PortOffset
	}
	c.Seeds = normalizeSeeds(c.Seeds)
	c.Session = c.Session.WithDefaults()
	return c
}

func (c Config) Validate() error {
	if c.Namespace == "" {
		return fmt.Errorf("%w: namespace required", ErrInvalidConfig)
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("%w: port %d", ErrInvalidConfig, c.Port)
	}
	if c.Session.TLS.Enabled {
		if err := c.Session.ValidateServerTransport(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
	}
	return nil
}

// withPaths resolves name and storage paths once the bound port is known.
func (c Config) withPaths(port int) Config {
	c.Port = port
	if strings.TrimSpace(c.Name) == "" {
		c.Name = fmt.Sprintf("node-%d", port)
	}
	root := filepath.Join(os.TempDir(), "taskmesh", c.Namespace, c.Name)
	if strings.TrimSpace(c.ArchivePath) == "" {
		c.ArchivePath = filepath.Join(root, "tasks.tar.gz")
	}
	if strings.TrimSpace(c.WorkspacePath) == "" {
		c.WorkspacePath = filepath.Join(root, "workspace")
	}
	return c
}

func normalizeSeeds(in []string) []string {
	out := make([]string, 0, len(in))
	for _, seed := range in {
		v := strings.TrimSpace(seed)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
