// Package worker defines the process boundary between a node and the task
// workers it supervises.
//
// A worker is any child process that reads newline-delimited JSON requests on
// stdin and writes newline-delimited JSON responses on stdout:
//
//	request:  {"id": "...", "task_id": "...", "data": {...}}
//	response: {"id": "...", "data": {...}, "error": "..."}
//
// Stdout lines that are not JSON objects carrying an id are logged and ignored.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
)

var (
	ErrChannelClosed = errors.New("worker: channel closed")
	ErrSpawn         = errors.New("worker: spawn failed")
)

// ProcessSpec describes one worker process to start.
type ProcessSpec struct {
	Name     string
	TaskID   string
	Instance int
	Command  []string
	Dir      string
	Env      []string
	Port     int
}

// Handle is a running worker process.
type Handle interface {
	PID() int
	Stdin() io.WriteCloser
	Stdout() io.Reader
	// Done is closed once the process has exited and Err is final.
	Done() <-chan struct{}
	Err() error
}

// Spawner is the process-management capability the supervisor depends on.
type Spawner interface {
	Spawn(ctx context.Context, spec ProcessSpec) (Handle, error)
	Stop(h Handle) error
}

// Request is one invocation written to a worker.
type Request struct {
	ID     string          `json:"id"`
	TaskID string          `json:"task_id"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// Response is one worker reply, matched to its request by ID.
type Response struct {
	ID    string          `json:"id"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

// CallError is an error reported by the worker itself.
type CallError struct {
	Message string
}

func (e *CallError) Error() string {
	return "worker: " + e.Message
}
