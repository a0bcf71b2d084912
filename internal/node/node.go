// Package node composes one cluster member: the mesh, the snapshot
// synchronizer, the task supervisor, the dispatcher and the HTTP façade,
// all served from a single API port.
package node

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/taskmesh/internal/api"
	"github.com/danmuck/taskmesh/internal/dispatch"
	"github.com/danmuck/taskmesh/internal/events"
	"github.com/danmuck/taskmesh/internal/logging"
	"github.com/danmuck/taskmesh/internal/mesh"
	"github.com/danmuck/taskmesh/internal/observability"
	"github.com/danmuck/taskmesh/internal/protocol/session"
	"github.com/danmuck/taskmesh/internal/snapshot"
	"github.com/danmuck/taskmesh/internal/supervisor"
	"github.com/danmuck/taskmesh/internal/tools"
	"github.com/danmuck/taskmesh/internal/worker"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

var (
	ErrNotStarted     = errors.New("node: not started")
	ErrAlreadyStarted = errors.New("node: already started")
	ErrClosed         = errors.New("node: closed")
)

type Option func(*Node)

// WithSpawner replaces the os/exec worker backend.
func WithSpawner(s worker.Spawner) Option {
	return func(n *Node) { n.spawner = s }
}

// WithBus publishes node events on b instead of a private bus.
func WithBus(b *events.Bus) Option {
	return func(n *Node) { n.bus = b }
}

// runtime holds the components built by Start.
type runtime struct {
	self     session.NodeInfo
	sup      *supervisor.Supervisor
	disp     *dispatch.Dispatcher
	mesh     *mesh.Mesh
	packager *snapshot.Packager
	sync     *snapshot.Synchronizer
	api      *api.Server
	http     *http.Server
}

type Node struct {
	spawner worker.Spawner
	bus     *events.Bus
	ownBus  bool
	log     zerolog.Logger

	mu      sync.Mutex
	cfg     Config
	started bool
	closed  bool
	cancel  context.CancelFunc
	done    chan struct{}
	runErr  error

	rt atomic.Pointer[runtime]
}

var _ api.Service = (*Node)(nil)

func New(cfg Config, opts ...Option) (*Node, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.NodeID == "" {
		cfg.NodeID = uuid.NewString()
	}
	n := &Node{cfg: cfg, done: make(chan struct{})}
	for _, opt := range opts {
		opt(n)
	}
	if n.spawner == nil {
		n.spawner = tools.ExecSpawner{}
	}
	if n.bus == nil {
		n.bus = events.NewBus()
		n.ownBus = true
	}
	n.log = logging.Component("node").With().
		Str("namespace", cfg.Namespace).
		Str("node_id", cfg.NodeID).
		Logger()
	return n, nil
}

// Start binds the API listener, builds every component, emits Ready and
// serves in the background until ctx ends or Close is called.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return ErrClosed
	}
	if n.started {
		return ErrAlreadyStarted
	}

	ln, err := net.Listen("tcp", net.JoinHostPort(n.cfg.Host, strconv.Itoa(n.cfg.Port)))
	if err != nil {
		return fmt.Errorf("node: listen: %w", err)
	}
	cfg := n.cfg.withPaths(ln.Addr().(*net.TCPAddr).Port)
	if cfg.Session.TLS.Enabled {
		tlsCfg, err := cfg.Session.ServerTLSConfig()
		if err != nil {
			_ = ln.Close()
			return fmt.Errorf("node: tls: %w", err)
		}
		ln = tls.NewListener(ln, tlsCfg)
	}

	rt, err := n.build(cfg)
	if err != nil {
		_ = ln.Close()
		return err
	}
	n.cfg = cfg
	n.log = observability.NodeLogger("node", cfg.Namespace, cfg.Name).With().Str("node_id", cfg.NodeID).Logger()
	n.rt.Store(rt)
	n.started = true

	// Ready precedes every peer and sync event of this node.
	n.log.Info().Str("addr", rt.self.Key()).Int("api_port", cfg.Port).Msg("node.Node.Start ready")
	n.bus.Publish(events.Ready{NodeID: cfg.NodeID, Address: rt.self.Key()})

	runCtx, cancel := context.WithCancel(ctx)
	n.cancel = cancel
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		if err := rt.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return rt.mesh.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		return rt.http.Close()
	})
	go func() {
		err := g.Wait()
		n.mu.Lock()
		n.runErr = err
		n.mu.Unlock()
		close(n.done)
	}()

	return nil
}

func (n *Node) build(cfg Config) (*runtime, error) {
	rt := &runtime{
		self: session.NodeInfo{
			NodeID:         cfg.NodeID,
			Name:           cfg.Name,
			Hostname:       cfg.Hostname,
			PublicAddress:  cfg.PublicAddress,
			PrivateAddress: cfg.PrivateAddress,
			APIPort:        cfg.Port,
		},
	}

	supCfg := supervisor.DefaultConfig()
	supCfg.NodeName = cfg.Name
	supCfg.APIPort = cfg.Port
	supCfg.PortOffset = cfg.PortOffset
	supCfg.MaxRestarts = cfg.MaxRestarts
	rt.sup = supervisor.New(supCfg, n.spawner)
	rt.disp = dispatch.New(dispatch.Config{NodeName: cfg.Name, Timeout: cfg.InvocationTimeout}, resolver{sup: rt.sup})

	m, err := mesh.New(mesh.Config{
		Namespace: mesh.Namespace(cfg.Namespace),
		Self:      rt.self,
		Session:   cfg.Session,
		Seeds:     cfg.Seeds,
		Beacon:    cfg.Beacon,
	}, n.bus)
	if err != nil {
		_ = rt.sup.Close()
		return nil, err
	}
	rt.mesh = m
	rt.packager = snapshot.NewPackager(cfg.ArchivePath)
	rt.sync = snapshot.New(snapshot.Config{
		NodeName:      cfg.Name,
		WorkspacePath: cfg.WorkspacePath,
		ChunkSize:     cfg.SyncChunkSize,
		MaxRetries:    cfg.SyncMaxRetries,
		AutoStart:     cfg.AutoStart,
		Session:       cfg.Session,
	}, m, n.bus, rt.packager, n.startReceived)
	rt.api = api.New(api.Config{
		NodeID:      cfg.NodeID,
		Namespace:   cfg.Namespace,
		NodeName:    cfg.Name,
		CORSOrigins: cfg.CORSOrigins,
		Mesh:        m,
	}, n)
	rt.http = &http.Server{Handler: rt.api, ReadHeaderTimeout: 10 * time.Second}
	return rt, nil
}

// startReceived runs the task set of a workspace received from a peer.
func (n *Node) startReceived(ctx context.Context, m snapshot.Manifest) error {
	rt := n.rt.Load()
	if rt == nil {
		return ErrNotStarted
	}
	results, err := rt.sup.Init(ctx, supervisor.InitRequest{
		BaseFolder: m.BaseFolder,
		TaskFolder: m.TaskFolder,
		Instances:  m.Instances,
		Env:        m.Env,
	})
	if err != nil {
		return err
	}
	rt.disp.Forget()
	n.tasksStarted(results)
	return nil
}

func (n *Node) tasksStarted(results map[string]supervisor.InitResult) {
	count := 0
	for _, res := range results {
		count += res.Instances
	}
	if count > 0 {
		n.bus.Publish(events.TasksStarted{Count: count})
	}
}

func (n *Node) running() (*runtime, error) {
	rt := n.rt.Load()
	if rt == nil {
		return nil, ErrNotStarted
	}
	return rt, nil
}

// Init starts the task set under req.BaseFolder/req.TaskFolder, then packs
// it and offers the archive to every peer. Replication failures are logged
// and retried by the synchronizer; they never fail Init.
func (n *Node) Init(ctx context.Context, req supervisor.InitRequest) (map[string]supervisor.InitResult, error) {
	rt, err := n.running()
	if err != nil {
		return nil, err
	}
	results, err := rt.sup.Init(ctx, req)
	if err != nil {
		return nil, err
	}
	rt.disp.Forget()
	n.tasksStarted(results)

	archive, reused, err := rt.packager.Pack(req.BaseFolder, req.TaskFolder, time.Now().UnixNano())
	if err != nil {
		n.log.Warn().Err(err).Str("base_folder", req.BaseFolder).Msg("node.Node.Init pack failed")
		return results, nil
	}
	n.log.Info().
		Str("version", archive.Version).
		Int64("size", archive.Size).
		Bool("reused", reused).
		Msg("node.Node.Init packed")
	rt.sync.Publish(snapshot.Workspace{
		Archive: archive,
		Manifest: snapshot.Manifest{
			BaseFolder: req.BaseFolder,
			TaskFolder: archive.TaskFolder,
			Instances:  req.Instances,
			Env:        req.Env,
		},
	})
	return results, nil
}

func (n *Node) Trigger(ctx context.Context, taskID string, payload json.RawMessage) (json.RawMessage, error) {
	rt, err := n.running()
	if err != nil {
		return nil, err
	}
	return rt.disp.Trigger(ctx, taskID, payload)
}

// Clear stops every instance and forgets the task set.
func (n *Node) Clear(ctx context.Context) error {
	rt, err := n.running()
	if err != nil {
		return err
	}
	err = rt.sup.Clear(ctx)
	rt.disp.Forget()
	return err
}

func (n *Node) Hosts() []mesh.HostRecord {
	rt := n.rt.Load()
	if rt == nil {
		return []mesh.HostRecord{}
	}
	return rt.mesh.Registry().List()
}

func (n *Node) Tasks() []supervisor.TaskInstance {
	rt := n.rt.Load()
	if rt == nil {
		return []supervisor.TaskInstance{}
	}
	return rt.sup.List()
}

func (n *Node) Processing() []dispatch.PendingInvocation {
	rt := n.rt.Load()
	if rt == nil {
		return []dispatch.PendingInvocation{}
	}
	return rt.disp.Processing()
}

func (n *Node) ProcessingTaskIDs() []string {
	rt := n.rt.Load()
	if rt == nil {
		return []string{}
	}
	return rt.disp.ProcessingTaskIDs()
}

// GetPort returns the port assigned to a defined task.
func (n *Node) GetPort(taskID string) (int, error) {
	rt, err := n.running()
	if err != nil {
		return 0, err
	}
	return rt.sup.GetPort(taskID)
}

// Subscribe returns a stream of node events. Close it when done.
func (n *Node) Subscribe() *events.Subscription {
	return n.bus.Subscribe()
}

func (n *Node) NodeID() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.cfg.NodeID
}

func (n *Node) Kind() string {
	return "taskmesh"
}

// HTTPRouter is nil until Start.
func (n *Node) HTTPRouter() *gin.Engine {
	rt := n.rt.Load()
	if rt == nil {
		return nil
	}
	return rt.api.HTTPRouter()
}

// Addr is the advertised public address and API port.
func (n *Node) Addr() string {
	rt := n.rt.Load()
	if rt == nil {
		return ""
	}
	return rt.self.Key()
}

func (n *Node) APIPort() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.cfg.Port
}

func (n *Node) Namespace() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.cfg.Namespace
}

// Mesh exposes the discovery channel, nil until Start.
func (n *Node) Mesh() *mesh.Mesh {
	rt := n.rt.Load()
	if rt == nil {
		return nil
	}
	return rt.mesh
}

// Done is closed once the background loops have exited.
func (n *Node) Done() <-chan struct{} {
	return n.done
}

// Err is the error the background loops exited with, if any.
func (n *Node) Err() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.runErr
}

// Close stops serving, drops every peer and stops every instance.
func (n *Node) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	started := n.started
	cancel := n.cancel
	n.mu.Unlock()

	var err error
	if rt := n.rt.Load(); started && rt != nil {
		cancel()
		err = multierr.Append(err, rt.http.Close())
		err = multierr.Append(err, rt.sync.Close())
		err = multierr.Append(err, rt.mesh.Close())
		<-n.done
		err = multierr.Append(err, rt.sup.Close())
		if runErr := n.Err(); runErr != nil && !errors.Is(runErr, context.Canceled) {
			err = multierr.Append(err, runErr)
		}
	} else {
		close(n.done)
	}
	if n.ownBus {
		n.bus.Close()
	}
	n.log.Info().Err(err).Msg("node.Node.Close complete")
	return err
}

// resolver exposes supervisor instances to the dispatcher.
type resolver struct {
	sup *supervisor.Supervisor
}

func (r resolver) Resolve(taskID string) ([]dispatch.Instance, bool) {
	instances, err := r.sup.Instances(taskID)
	if err != nil {
		return nil, false
	}
	out := make([]dispatch.Instance, len(instances))
	for i, inst := range instances {
		out[i] = inst
	}
	return out, true
}
