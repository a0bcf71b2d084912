package node

import (
	"github.com/danmuck/taskmesh/internal/protocol/session"
	"github.com/danmuck/taskmesh/internal/snapshot"
	"github.com/danmuck/taskmesh/internal/supervisor"
)

// Snapshot is the /conf view of a running node.
type Snapshot struct {
	Namespace   string           `json:"namespace"`
	Node        session.NodeInfo `json:"node"`
	FileManager FileManagerState `json:"file_manager"`
	TaskManager TaskManagerState `json:"task_manager"`
	Mesh        MeshState        `json:"mesh"`
}

type FileManagerState struct {
	ArchivePath   string             `json:"archive_path"`
	WorkspacePath string             `json:"workspace_path"`
	AutoStart     bool               `json:"auto_start"`
	Archive       snapshot.Archive   `json:"archive"`
	Manifest      *snapshot.Manifest `json:"manifest,omitempty"`
}

type TaskManagerState struct {
	Tasks             map[string]supervisor.TaskSummary `json:"tasks"`
	Definitions       []supervisor.TaskDefinition       `json:"definitions"`
	Ports             []supervisor.PortAllocation       `json:"ports"`
	LastInit          *supervisor.InitRequest           `json:"last_init,omitempty"`
	PortOffset        int                               `json:"port_offset"`
	MaxRestarts       int                               `json:"max_restarts"`
	InvocationTimeout string                            `json:"invocation_timeout"`
	Processing        int                               `json:"processing"`
}

type MeshState struct {
	Peers  int      `json:"peers"`
	Seeds  []string `json:"seeds"`
	Beacon string   `json:"beacon,omitempty"`
}

// Serialize returns the effective config. Passing it to New recreates this
// node with the same identity, port and storage paths.
func (n *Node) Serialize() Config {
	n.mu.Lock()
	defer n.mu.Unlock()
	cfg := n.cfg
	cfg.Seeds = append([]string(nil), cfg.Seeds...)
	cfg.CORSOrigins = append([]string(nil), cfg.CORSOrigins...)
	cfg.Beacon.Targets = append([]string(nil), cfg.Beacon.Targets...)
	return cfg
}

// Conf is the JSON view served on /conf.
func (n *Node) Conf() any {
	return n.State()
}

func (n *Node) State() Snapshot {
	cfg := n.Serialize()
	out := Snapshot{
		Namespace: cfg.Namespace,
		FileManager: FileManagerState{
			ArchivePath:   cfg.ArchivePath,
			WorkspacePath: cfg.WorkspacePath,
			AutoStart:     cfg.AutoStart,
		},
		TaskManager: TaskManagerState{
			Tasks:             map[string]supervisor.TaskSummary{},
			Definitions:       []supervisor.TaskDefinition{},
			Ports:             []supervisor.PortAllocation{},
			PortOffset:        cfg.PortOffset,
			MaxRestarts:       cfg.MaxRestarts,
			InvocationTimeout: cfg.InvocationTimeout.String(),
		},
		Mesh: MeshState{Seeds: cfg.Seeds},
	}
	rt := n.rt.Load()
	if rt == nil {
		return out
	}
	out.Node = rt.self
	out.FileManager.Archive = rt.packager.Current()
	if ws, ok := rt.sync.Local(); ok {
		manifest := ws.Manifest
		out.FileManager.Manifest = &manifest
	}
	out.TaskManager.Tasks = rt.sup.Tasks()
	out.TaskManager.Definitions = rt.sup.Definitions()
	out.TaskManager.InvocationTimeout = rt.disp.Timeout().String()
	out.TaskManager.Ports = rt.sup.Ports()
	if last, ok := rt.sup.LastInit(); ok {
		out.TaskManager.LastInit = &last
	}
	out.TaskManager.Processing = rt.disp.Len()
	out.Mesh.Peers = rt.mesh.Registry().Len()
	out.Mesh.Beacon = rt.mesh.BeaconAddr()
	return out
}
