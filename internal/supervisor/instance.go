package supervisor

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/danmuck/taskmesh/internal/worker"
)

type Status string

const (
	StatusOnline  Status = "online"
	StatusErrored Status = "errored"
	StatusStopped Status = "stopped"
)

// TaskInstance is the listing shape of one supervised worker.
type TaskInstance struct {
	TaskID         string            `json:"task_id"`
	SupervisedName string            `json:"supervised_name"`
	InstanceIndex  int               `json:"instance_index"`
	Port           int               `json:"port"`
	PID            int               `json:"pid"`
	Status         Status            `json:"status"`
	Restarts       int               `json:"restarts"`
	StartedAt      time.Time         `json:"started_at"`
	Env            map[string]string `json:"env,omitempty"`
}

// Instance is one running worker of a task. Its process may be replaced by a
// restart; Call always goes to the current process.
type Instance struct {
	taskID string
	index  int
	port   int
	env    map[string]string
	spec   worker.ProcessSpec

	mu        sync.Mutex
	handle    worker.Handle
	channel   *worker.Channel
	status    Status
	restarts  int
	startedAt time.Time
	stopping  bool
}

func (i *Instance) TaskID() string { return i.taskID }
func (i *Instance) Index() int     { return i.index }
func (i *Instance) Port() int      { return i.port }

// Alive reports whether the instance currently has an online process.
func (i *Instance) Alive() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.status == StatusOnline && i.channel != nil
}

// Call forwards one request over the instance's private channel.
func (i *Instance) Call(ctx context.Context, id string, data json.RawMessage) (json.RawMessage, error) {
	i.mu.Lock()
	ch := i.channel
	online := i.status == StatusOnline
	i.mu.Unlock()
	if ch == nil || !online {
		return nil, worker.ErrChannelClosed
	}
	return ch.Call(ctx, id, i.taskID, data)
}

func (i *Instance) summary() TaskInstance {
	i.mu.Lock()
	defer i.mu.Unlock()
	pid := 0
	if i.handle != nil {
		pid = i.handle.PID()
	}
	env := make(map[string]string, len(i.env))
	for k, v := range i.env {
		env[k] = v
	}
	return TaskInstance{
		TaskID:         i.taskID,
		SupervisedName: SupervisedName(i.taskID),
		InstanceIndex:  i.index,
		Port:           i.port,
		PID:            pid,
		Status:         i.status,
		Restarts:       i.restarts,
		StartedAt:      i.startedAt,
		Env:            env,
	}
}

// attach installs a freshly spawned process. It reports false when the
// instance was stopped while the process was starting.
func (i *Instance) attach(h worker.Handle, ch *worker.Channel) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.stopping {
		return false
	}
	i.handle = h
	i.channel = ch
	i.status = StatusOnline
	i.startedAt = time.Now()
	return true
}

// markStopping flags the instance so its watcher does not restart it and
// returns the handle to stop.
func (i *Instance) markStopping() (worker.Handle, *worker.Channel) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.stopping = true
	i.status = StatusStopped
	return i.handle, i.channel
}

func (i *Instance) isStopping() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.stopping
}
