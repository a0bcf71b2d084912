// Package dispatch routes invocations to task instances and tracks the
// in-flight "processing" set.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/taskmesh/internal/logging"
	"github.com/danmuck/taskmesh/internal/observability"
	"github.com/danmuck/taskmesh/internal/worker"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrTaskNotFound        = errors.New("dispatch: task not found")
	ErrNoInstanceAvailable = errors.New("dispatch: no instance available")
	ErrInvocationTimeout   = errors.New("dispatch: invocation timeout")
	ErrWorkerFailed        = errors.New("dispatch: worker failed")
)

const DefaultTimeout = 30 * time.Second

// Instance is one callable worker of a task.
type Instance interface {
	Index() int
	Alive() bool
	Call(ctx context.Context, correlationID string, data json.RawMessage) (json.RawMessage, error)
}

// Resolver returns the current instances of a task; known=false means the
// task is not defined.
type Resolver interface {
	Resolve(taskID string) (instances []Instance, known bool)
}

type Config struct {
	NodeName string
	Timeout  time.Duration
}

type Dispatcher struct {
	cfg      Config
	resolver Resolver
	log      zerolog.Logger

	mu      sync.Mutex
	cursors map[string]int

	pending *pendingSet
}

func New(cfg Config, resolver Resolver) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Dispatcher{
		cfg:      cfg,
		resolver: resolver,
		log:      logging.Component("dispatch").With().Str("node", cfg.NodeName).Logger(),
		cursors:  make(map[string]int),
		pending:  newPendingSet(),
	}
}

// Timeout is the bounded wait applied to every Trigger.
func (d *Dispatcher) Timeout() time.Duration {
	return d.cfg.Timeout
}

// Trigger sends payload to the next live instance of taskID in round-robin
// order and waits up to the configured timeout for its response. Timing out
// gives up waiting; the instance keeps running.
func (d *Dispatcher) Trigger(ctx context.Context, taskID string, payload json.RawMessage) (json.RawMessage, error) {
	inst, err := d.selectInstance(taskID)
	if err != nil {
		observability.RecordInvocation(d.cfg.NodeName, taskID, outcomeLabel(err), 0)
		return nil, err
	}

	item := PendingInvocation{
		CorrelationID: uuid.NewString(),
		TaskID:        taskID,
		InstanceIndex: inst.Index(),
		SubmittedAt:   time.Now(),
	}
	observability.SetInFlight(d.cfg.NodeName, d.pending.add(item))
	defer func() {
		observability.SetInFlight(d.cfg.NodeName, d.pending.remove(item.CorrelationID))
	}()

	logger := d.log.With().
		Str("task_id", taskID).
		Str("correlation_id", item.CorrelationID).
		Int("instance", item.InstanceIndex).
		Logger()
	logger.Debug().Msg("dispatch.Trigger submitted")

	callCtx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()
	out, err := inst.Call(callCtx, item.CorrelationID, payload)
	err = classify(ctx, callCtx, err, taskID)

	elapsed := time.Since(item.SubmittedAt)
	observability.RecordInvocation(d.cfg.NodeName, taskID, outcomeLabel(err), elapsed)
	if err != nil {
		logger.Warn().Err(err).Dur("elapsed", elapsed).Msg("dispatch.Trigger failed")
		return nil, err
	}
	logger.Debug().Dur("elapsed", elapsed).Msg("dispatch.Trigger complete")
	return out, nil
}

// selectInstance advances the task's cursor to the next live instance. The
// cursor moves under the same lock as the selection.
func (d *Dispatcher) selectInstance(taskID string) (Instance, error) {
	instances, known := d.resolver.Resolve(taskID)
	if !known {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if len(instances) == 0 {
		return nil, fmt.Errorf("%w: %s has no instances", ErrNoInstanceAvailable, taskID)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	start := d.cursors[taskID]
	for i := 0; i < len(instances); i++ {
		idx := (start + i) % len(instances)
		if instances[idx].Alive() {
			d.cursors[taskID] = (idx + 1) % len(instances)
			return instances[idx], nil
		}
	}
	return nil, fmt.Errorf("%w: %s has no live instance", ErrNoInstanceAvailable, taskID)
}

func classify(parent, callCtx context.Context, err error, taskID string) error {
	if err == nil {
		return nil
	}
	var callErr *worker.CallError
	switch {
	case errors.As(err, &callErr):
		return fmt.Errorf("%w: %s: %s", ErrWorkerFailed, taskID, callErr.Message)
	case errors.Is(err, context.DeadlineExceeded) && parent.Err() == nil:
		return fmt.Errorf("%w: %s", ErrInvocationTimeout, taskID)
	case errors.Is(err, worker.ErrChannelClosed):
		return fmt.Errorf("%w: %s: %v", ErrNoInstanceAvailable, taskID, err)
	case callCtx.Err() != nil && parent.Err() != nil:
		return parent.Err()
	default:
		return fmt.Errorf("%w: %s: %v", ErrWorkerFailed, taskID, err)
	}
}

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrTaskNotFound):
		return "not_found"
	case errors.Is(err, ErrNoInstanceAvailable):
		return "unavailable"
	case errors.Is(err, ErrInvocationTimeout):
		return "timeout"
	case errors.Is(err, ErrWorkerFailed):
		return "worker_error"
	default:
		return "canceled"
	}
}

// Processing returns the in-flight invocations.
func (d *Dispatcher) Processing() []PendingInvocation {
	return d.pending.list()
}

// ProcessingTaskIDs returns the task id of every in-flight invocation, one
// entry per invocation, oldest first.
func (d *Dispatcher) ProcessingTaskIDs() []string {
	items := d.pending.list()
	out := make([]string, 0, len(items))
	for _, item := range items {
		out = append(out, item.TaskID)
	}
	return out
}

// InFlight reports whether correlationID is still awaiting its outcome.
func (d *Dispatcher) InFlight(correlationID string) bool {
	_, ok := d.pending.get(correlationID)
	return ok
}

// Len is the size of the processing set.
func (d *Dispatcher) Len() int {
	return d.pending.len()
}

// Forget drops round-robin state, e.g. after the task set was replaced.
func (d *Dispatcher) Forget() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cursors = make(map[string]int)
}
