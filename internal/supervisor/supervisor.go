// Package supervisor owns task definitions, stable per-task ports, and the
// worker instances spawned for them.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/danmuck/taskmesh/internal/config"
	"github.com/danmuck/taskmesh/internal/logging"
	"github.com/danmuck/taskmesh/internal/observability"
	"github.com/danmuck/taskmesh/internal/protocol/session"
	"github.com/danmuck/taskmesh/internal/worker"
	"github.com/dogmatiq/linger"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"
)

var (
	ErrWorkspaceNotFound = errors.New("supervisor: workspace not found")
	ErrSpawnFailure      = errors.New("supervisor: spawn failure")
	ErrTaskNotFound      = errors.New("supervisor: task not found")
	ErrClosed            = errors.New("supervisor: closed")
)

type Config struct {
	NodeName       string
	APIPort        int
	PortOffset     int
	MaxRestarts    int
	RestartBackoff session.BackoffConfig
}

func DefaultConfig() Config {
	return Config{
		PortOffset:  1,
		MaxRestarts: 3,
		RestartBackoff: session.BackoffConfig{
			InitialDelay: 200 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     5 * time.Second,
		},
	}
}

// InitRequest names the workspace to scan and how to run it.
type InitRequest struct {
	BaseFolder string            `json:"base_folder"`
	TaskFolder string            `json:"task_folder"`
	Instances  int               `json:"instances"`
	Env        map[string]string `json:"env,omitempty"`
}

// InitResult is the per-task outcome of Init.
type InitResult struct {
	TaskID         string `json:"task_id"`
	SupervisedName string `json:"supervised_name"`
	Port           int    `json:"port"`
	Instances      int    `json:"instances"`
	Error          string `json:"error,omitempty"`

	Err error `json:"-"`
}

// TaskSummary describes one defined task.
type TaskSummary struct {
	TaskID         string `json:"task_id"`
	SupervisedName string `json:"supervised_name"`
	Port           int    `json:"port"`
	Instances      int    `json:"instances"`
	Dir            string `json:"dir"`
}

type task struct {
	def       TaskDefinition
	port      int
	instances []*Instance
}

type Supervisor struct {
	cfg     Config
	spawner worker.Spawner
	log     zerolog.Logger

	// opMu serializes Init, Clear and Close end to end
	opMu sync.Mutex

	mu     sync.Mutex
	ports  *portTable
	tasks  map[string]*task
	last   *InitRequest
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config, spawner worker.Spawner) *Supervisor {
	d := DefaultConfig()
	if cfg.PortOffset <= 0 {
		cfg.PortOffset = d.PortOffset
	}
	if cfg.MaxRestarts < 0 {
		cfg.MaxRestarts = 0
	}
	if cfg.RestartBackoff.InitialDelay <= 0 {
		cfg.RestartBackoff = d.RestartBackoff
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		cfg:     cfg,
		spawner: spawner,
		log:     logging.Component("supervisor").With().Str("node", cfg.NodeName).Logger(),
		ports:   newPortTable(cfg.APIPort + cfg.PortOffset),
		tasks:   make(map[string]*task),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Init scans BaseFolder/TaskFolder, tears down every running instance and
// spawns the scanned task set. Ports of previously seen task ids are reused.
// A missing workspace returns ErrWorkspaceNotFound and changes nothing; a
// task that fails to spawn is reported in its InitResult only.
func (s *Supervisor) Init(ctx context.Context, req InitRequest) (map[string]InitResult, error) {
	root := filepath.Join(req.BaseFolder, req.TaskFolder)
	defs, err := scanWorkspace(root)
	if err != nil {
		s.log.Warn().Err(err).Str("root", root).Msg("supervisor.Init scan failed")
		return nil, err
	}

	s.opMu.Lock()
	defer s.opMu.Unlock()
	if s.isClosed() {
		return nil, ErrClosed
	}

	if err := s.stopAll(s.detachAll()); err != nil {
		s.log.Warn().Err(err).Msg("supervisor.Init teardown incomplete")
	}

	results := make(map[string]InitResult, len(defs))
	next := make(map[string]*task, len(defs))
	for _, def := range defs {
		s.mu.Lock()
		port := s.ports.allocate(def.TaskID)
		s.mu.Unlock()

		t := &task{def: def, port: port}
		res := InitResult{
			TaskID:         def.TaskID,
			SupervisedName: SupervisedName(def.TaskID),
			Port:           port,
		}
		count := req.Instances
		if count <= 0 {
			count = def.Instances
		}
		if count <= 0 {
			count = 1
		}

		if def.loadErr != nil {
			res.Err = fmt.Errorf("%w: %s: %v", ErrSpawnFailure, def.TaskID, def.loadErr)
		} else {
			env := config.MergeEnv(def.DeclaredEnv, req.Env)
			for idx := 0; idx < count; idx++ {
				inst, err := s.spawnInstance(ctx, def, idx, port, env)
				if err != nil {
					res.Err = fmt.Errorf("%w: %s[%d]: %v", ErrSpawnFailure, def.TaskID, idx, err)
					if stopErr := s.stopAll(t.instances); stopErr != nil {
						s.log.Warn().Err(stopErr).Str("task_id", def.TaskID).Msg("supervisor.Init rollback incomplete")
					}
					t.instances = nil
					break
				}
				t.instances = append(t.instances, inst)
			}
		}
		if res.Err != nil {
			res.Error = res.Err.Error()
			s.log.Error().Err(res.Err).Str("task_id", def.TaskID).Msg("supervisor.Init task failed")
		}
		res.Instances = len(t.instances)
		results[def.TaskID] = res
		next[def.TaskID] = t
	}

	reqCopy := req
	s.mu.Lock()
	s.tasks = next
	s.last = &reqCopy
	total := s.countLocked()
	s.mu.Unlock()

	observability.SetSupervisorInstances(s.cfg.NodeName, total)
	s.log.Info().
		Str("root", root).
		Int("tasks", len(defs)).
		Int("instances", total).
		Msg("supervisor.Init complete")
	return results, nil
}

func (s *Supervisor) spawnInstance(ctx context.Context, def TaskDefinition, idx, port int, env map[string]string) (*Instance, error) {
	full := make(map[string]string, len(env)+5)
	for k, v := range env {
		full[k] = v
	}
	full["PORT"] = strconv.Itoa(port)
	full["TASK_ID"] = def.TaskID
	full["TASK_NAME"] = SupervisedName(def.TaskID)
	full["INSTANCE_INDEX"] = strconv.Itoa(idx)

	inst := &Instance{
		taskID: def.TaskID,
		index:  idx,
		port:   port,
		env:    full,
		spec: worker.ProcessSpec{
			Name:     SupervisedName(def.TaskID),
			TaskID:   def.TaskID,
			Instance: idx,
			Command:  def.EntryPoint,
			Dir:      def.Dir,
			Env:      config.EnvList(full),
			Port:     port,
		},
	}
	if err := s.start(ctx, inst); err != nil {
		return nil, err
	}
	return inst, nil
}

func (s *Supervisor) start(ctx context.Context, inst *Instance) error {
	h, err := s.spawner.Spawn(ctx, inst.spec)
	if err != nil {
		return err
	}
	logger := s.log.With().Str("task_id", inst.taskID).Int("instance", inst.index).Logger()
	ch := worker.NewChannel(h.Stdin(), h.Stdout(), logger)
	if !inst.attach(h, ch) {
		ch.Close(nil)
		return multierr.Append(ErrClosed, s.spawner.Stop(h))
	}

	s.wg.Add(1)
	go s.watch(inst, h)
	return nil
}

// watch restarts inst after an unexpected exit, up to MaxRestarts times.
func (s *Supervisor) watch(inst *Instance, h worker.Handle) {
	defer s.wg.Done()
	select {
	case <-h.Done():
	case <-s.ctx.Done():
		return
	}
	if inst.isStopping() {
		return
	}

	inst.mu.Lock()
	if inst.handle != h {
		inst.mu.Unlock()
		return
	}
	ch := inst.channel
	inst.status = StatusErrored
	inst.channel = nil
	inst.restarts++
	attempt := inst.restarts
	inst.mu.Unlock()
	if ch != nil {
		ch.Close(h.Err())
	}

	logger := s.log.With().Str("task_id", inst.taskID).Int("instance", inst.index).Logger()
	if attempt > s.cfg.MaxRestarts {
		logger.Error().Err(h.Err()).Int("restarts", attempt-1).Msg("supervisor.watch giving up")
		return
	}
	delay := session.NextBackoffDelay(s.cfg.RestartBackoff, attempt, nil)
	logger.Warn().Err(h.Err()).Int("attempt", attempt).Dur("delay", delay).Msg("supervisor.watch restarting")
	if err := linger.Sleep(s.ctx, delay); err != nil {
		return
	}
	if inst.isStopping() {
		return
	}
	if err := s.start(s.ctx, inst); err != nil {
		logger.Error().Err(err).Msg("supervisor.watch restart failed")
		return
	}
	observability.RecordRestart(s.cfg.NodeName, inst.taskID)
}

// detachAll forgets every task and returns their instances for stopping.
func (s *Supervisor) detachAll() []*Instance {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Instance
	for _, t := range s.tasks {
		out = append(out, t.instances...)
	}
	s.tasks = make(map[string]*task)
	return out
}

func (s *Supervisor) stopAll(instances []*Instance) error {
	var err error
	for _, inst := range instances {
		h, ch := inst.markStopping()
		if h != nil {
			if stopErr := s.spawner.Stop(h); stopErr != nil {
				err = multierr.Append(err, fmt.Errorf("stop %s[%d]: %w", inst.taskID, inst.index, stopErr))
			}
		}
		if ch != nil {
			ch.Close(nil)
		}
	}
	return err
}

// List returns every instance ordered by task id then instance index.
func (s *Supervisor) List() []TaskInstance {
	s.mu.Lock()
	ids := s.sortedIDsLocked()
	var instances []*Instance
	for _, id := range ids {
		instances = append(instances, s.tasks[id].instances...)
	}
	s.mu.Unlock()

	out := make([]TaskInstance, 0, len(instances))
	for _, inst := range instances {
		out = append(out, inst.summary())
	}
	return out
}

// Tasks returns the defined tasks keyed by task id.
func (s *Supervisor) Tasks() map[string]TaskSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]TaskSummary, len(s.tasks))
	for id, t := range s.tasks {
		out[id] = TaskSummary{
			TaskID:         id,
			SupervisedName: SupervisedName(id),
			Port:           t.port,
			Instances:      len(t.instances),
			Dir:            t.def.Dir,
		}
	}
	return out
}

// Definitions returns the scanned definitions in lexical order.
func (s *Supervisor) Definitions() []TaskDefinition {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TaskDefinition, 0, len(s.tasks))
	for _, id := range s.sortedIDsLocked() {
		out = append(out, s.tasks[id].def)
	}
	return out
}

// Ports returns every allocation made during the node's lifetime.
func (s *Supervisor) Ports() []PortAllocation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ports.snapshot()
}

// LastInit returns the most recent successful InitRequest.
func (s *Supervisor) LastInit() (InitRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return InitRequest{}, false
	}
	return *s.last, true
}

// Clear stops every instance and forgets every definition. Port allocations
// are kept, so a later Init gives known task ids their old ports.
func (s *Supervisor) Clear(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	err := s.stopAll(s.detachAll())
	s.mu.Lock()
	s.last = nil
	s.mu.Unlock()
	observability.SetSupervisorInstances(s.cfg.NodeName, 0)
	s.log.Info().Msg("supervisor.Clear complete")
	return err
}

// GetPort returns the port of a currently defined task.
func (s *Supervisor) GetPort(taskID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[taskID]; !ok {
		return 0, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	port, _ := s.ports.lookup(taskID)
	return port, nil
}

// Instances returns the instances of taskID in index order.
func (s *Supervisor) Instances(taskID string) ([]*Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	return append([]*Instance(nil), t.instances...), nil
}

// Close stops every instance and waits for watchers to exit.
func (s *Supervisor) Close() error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	err := s.stopAll(s.detachAll())
	s.cancel()
	s.wg.Wait()
	observability.SetSupervisorInstances(s.cfg.NodeName, 0)
	return err
}

func (s *Supervisor) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Supervisor) countLocked() int {
	n := 0
	for _, t := range s.tasks {
		n += len(t.instances)
	}
	return n
}

func (s *Supervisor) sortedIDsLocked() []string {
	ids := make([]string, 0, len(s.tasks))
	for id := range s.tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
