// Package workertest provides an in-process worker.Spawner for tests that
// need supervised instances without starting OS processes.
package workertest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/taskmesh/internal/worker"
)

var ErrInjectedSpawnFailure = errors.New("workertest: injected spawn failure")

// Spawner runs each spawned instance as a goroutine serving the worker line
// protocol over io.Pipe. Behaviour is keyed by task id:
//
//	echo  -> {"hello": data.name}
//	slow  -> sleeps data.ms (default SlowDelay) then {"task": id}
//	fail  -> worker error "failed"
//	other -> {"task": id, "port": PORT, "instance": INSTANCE_INDEX}
type Spawner struct {
	SlowDelay time.Duration

	nextPID atomic.Int64

	mu       sync.Mutex
	failing  map[string]bool
	live     map[int]*Handle
	spawned  []worker.ProcessSpec
	stopped  int
	handlers map[string]worker.HandlerFunc
}

func NewSpawner() *Spawner {
	s := &Spawner{
		SlowDelay: 300 * time.Millisecond,
		failing:   make(map[string]bool),
		live:      make(map[int]*Handle),
		handlers:  make(map[string]worker.HandlerFunc),
	}
	s.nextPID.Store(1000)
	return s
}

// FailSpawn makes every Spawn for taskID fail.
func (s *Spawner) FailSpawn(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failing[taskID] = true
}

// Handle overrides the behaviour for taskID.
func (s *Spawner) Handle(taskID string, h worker.HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[taskID] = h
}

func (s *Spawner) Spawn(ctx context.Context, spec worker.ProcessSpec) (worker.Handle, error) {
	s.mu.Lock()
	if s.failing[spec.TaskID] {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrInjectedSpawnFailure, spec.Name)
	}
	handler := s.handlers[spec.TaskID]
	s.mu.Unlock()
	if handler == nil {
		handler = s.defaultHandler(spec)
	}

	reqR, reqW := io.Pipe()
	respR, respW := io.Pipe()
	runCtx, cancel := context.WithCancel(context.Background())
	h := &Handle{
		pid:    int(s.nextPID.Add(1)),
		spec:   spec,
		stdin:  reqW,
		stdout: respR,
		reqR:   reqR,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	s.mu.Lock()
	s.live[h.pid] = h
	s.spawned = append(s.spawned, spec)
	s.mu.Unlock()
	go func() {
		err := worker.Serve(runCtx, reqR, respW, handler)
		_ = respW.Close()
		s.mu.Lock()
		delete(s.live, h.pid)
		s.mu.Unlock()
		h.finish(err)
	}()
	return h, nil
}

func (s *Spawner) Stop(h worker.Handle) error {
	wh, ok := h.(*Handle)
	if !ok {
		return fmt.Errorf("workertest: foreign handle %T", h)
	}
	s.mu.Lock()
	s.stopped++
	s.mu.Unlock()
	wh.kill(nil)
	<-wh.done
	return nil
}

// Crash ends one live instance as if the process exited on its own.
func (s *Spawner) Crash(taskID string, instance int) bool {
	s.mu.Lock()
	var target *Handle
	for _, h := range s.live {
		if h.spec.TaskID == taskID && h.spec.Instance == instance {
			target = h
			break
		}
	}
	s.mu.Unlock()
	if target == nil {
		return false
	}
	target.kill(errors.New("workertest: crashed"))
	return true
}

// Live returns the specs of instances that have not exited, ordered by name then instance.
func (s *Spawner) Live() []worker.ProcessSpec {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]worker.ProcessSpec, 0, len(s.live))
	for _, h := range s.live {
		out = append(out, h.spec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TaskID != out[j].TaskID {
			return out[i].TaskID < out[j].TaskID
		}
		return out[i].Instance < out[j].Instance
	})
	return out
}

// Spawned returns every spec passed to a successful Spawn, in call order.
func (s *Spawner) Spawned() []worker.ProcessSpec {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]worker.ProcessSpec(nil), s.spawned...)
}

func (s *Spawner) Stopped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

func (s *Spawner) defaultHandler(spec worker.ProcessSpec) worker.HandlerFunc {
	env := envMap(spec.Env)
	switch spec.TaskID {
	case "echo":
		return func(_ context.Context, _ string, data json.RawMessage) (any, error) {
			var in struct {
				Name string `json:"name"`
			}
			if len(data) > 0 {
				if err := json.Unmarshal(data, &in); err != nil {
					return nil, err
				}
			}
			return map[string]string{"hello": in.Name}, nil
		}
	case "slow":
		delay := s.SlowDelay
		return func(ctx context.Context, taskID string, data json.RawMessage) (any, error) {
			d := delay
			var in struct {
				MS int `json:"ms"`
			}
			if len(data) > 0 && json.Unmarshal(data, &in) == nil && in.MS > 0 {
				d = time.Duration(in.MS) * time.Millisecond
			}
			select {
			case <-time.After(d):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			return map[string]string{"task": taskID}, nil
		}
	case "fail":
		return func(context.Context, string, json.RawMessage) (any, error) {
			return nil, errors.New("failed")
		}
	default:
		port, _ := strconv.Atoi(env["PORT"])
		index, _ := strconv.Atoi(env["INSTANCE_INDEX"])
		return func(_ context.Context, taskID string, _ json.RawMessage) (any, error) {
			return map[string]any{"task": taskID, "port": port, "instance": index}, nil
		}
	}
}

func envMap(env []string) map[string]string {
	out := make(map[string]string, len(env))
	for _, kv := range env {
		if k, v, ok := strings.Cut(kv, "="); ok {
			out[k] = v
		}
	}
	return out
}

// Handle is one in-process instance.
type Handle struct {
	pid    int
	spec   worker.ProcessSpec
	stdin  *io.PipeWriter
	stdout *io.PipeReader
	reqR   *io.PipeReader
	cancel context.CancelFunc

	once sync.Once
	mu   sync.Mutex
	err  error
	done chan struct{}
}

func (h *Handle) PID() int              { return h.pid }
func (h *Handle) Stdin() io.WriteCloser { return h.stdin }
func (h *Handle) Stdout() io.Reader     { return h.stdout }
func (h *Handle) Done() <-chan struct{} { return h.done }
func (h *Handle) Spec() worker.ProcessSpec {
	return h.spec
}

func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

func (h *Handle) kill(cause error) {
	h.mu.Lock()
	if h.err == nil {
		h.err = cause
	}
	h.mu.Unlock()
	h.cancel()
	_ = h.reqR.CloseWithError(io.EOF)
}

func (h *Handle) finish(err error) {
	h.once.Do(func() {
		h.mu.Lock()
		if h.err == nil && err != nil && !errors.Is(err, context.Canceled) {
			h.err = err
		}
		h.mu.Unlock()
		close(h.done)
	})
}
