package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/danmuck/taskmesh/internal/worker"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const defaultStopGrace = 2 * time.Second

// ExecSpawner starts workers as local child processes.
type ExecSpawner struct {
	StopGrace time.Duration
	Logger    *zerolog.Logger
}

func (s ExecSpawner) logger() zerolog.Logger {
	if s.Logger != nil {
		return *s.Logger
	}
	return log.With().Str("component", "tools.exec").Logger()
}

// Spawn starts spec.Command with the worker channel on stdin/stdout. The child
// is not bound to ctx: it runs until Stop or until it exits.
func (s ExecSpawner) Spawn(ctx context.Context, spec worker.ProcessSpec) (worker.Handle, error) {
	if len(spec.Command) == 0 {
		return nil, fmt.Errorf("%w: %s has no command", worker.ErrSpawn, spec.Name)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	logger := s.logger().With().
		Str("name", spec.Name).
		Int("instance", spec.Instance).
		Int("port", spec.Port).
		Logger()

	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		_ = stdinR.Close()
		_ = stdinW.Close()
		return nil, err
	}

	cmd := exec.Command(spec.Command[0], spec.Command[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.Stdin = stdinR
	cmd.Stdout = stdoutW
	cmd.Stderr = &lineLogger{log: logger}

	if err := cmd.Start(); err != nil {
		_ = stdinR.Close()
		_ = stdinW.Close()
		_ = stdoutR.Close()
		_ = stdoutW.Close()
		return nil, fmt.Errorf("%w: %s: %v", worker.ErrSpawn, spec.Name, err)
	}
	// the child holds its own copies
	_ = stdinR.Close()
	_ = stdoutW.Close()

	h := &execHandle{
		cmd:    cmd,
		stdin:  stdinW,
		stdout: stdoutR,
		done:   make(chan struct{}),
	}
	go func() {
		err := cmd.Wait()
		code := ExitStatus(err)
		if err != nil {
			logger.Debug().Int32("exit_code", code).Err(err).Msg("tools.ExecSpawner exited")
		} else {
			logger.Debug().Msg("tools.ExecSpawner exited")
		}
		h.finish(err)
	}()
	logger.Info().Int("pid", cmd.Process.Pid).Strs("command", spec.Command).Msg("tools.ExecSpawner started")
	return h, nil
}

// Stop closes the worker's stdin, sends SIGTERM and kills it after StopGrace.
func (s ExecSpawner) Stop(h worker.Handle) error {
	eh, ok := h.(*execHandle)
	if !ok {
		return fmt.Errorf("tools: foreign handle %T", h)
	}
	select {
	case <-eh.done:
		return nil
	default:
	}
	grace := s.StopGrace
	if grace <= 0 {
		grace = defaultStopGrace
	}
	_ = eh.stdin.Close()
	if err := eh.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		_ = eh.cmd.Process.Kill()
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-eh.done:
		return nil
	case <-timer.C:
	}
	if err := eh.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	<-eh.done
	return nil
}

// ExitStatus classifies a Wait/Run error: 0 on success, the exit code for
// a non-zero exit, 127 when the binary could not be executed, else 1.
func ExitStatus(err error) int32 {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return int32(exitErr.ExitCode())
	}
	var execErr *exec.Error
	if errors.As(err, &execErr) {
		return 127
	}
	return 1
}

type execHandle struct {
	cmd    *exec.Cmd
	stdin  *os.File
	stdout *os.File

	mu   sync.Mutex
	err  error
	done chan struct{}
}

func (h *execHandle) PID() int              { return h.cmd.Process.Pid }
func (h *execHandle) Stdin() io.WriteCloser { return h.stdin }
func (h *execHandle) Stdout() io.Reader     { return h.stdout }
func (h *execHandle) Done() <-chan struct{} { return h.done }

func (h *execHandle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

func (h *execHandle) finish(err error) {
	h.mu.Lock()
	h.err = err
	h.mu.Unlock()
	_ = h.stdin.Close()
	close(h.done)
}

// lineLogger forwards a child's stderr to the logger one line at a time.
type lineLogger struct {
	log zerolog.Logger
	buf []byte
}

func (l *lineLogger) Write(p []byte) (int, error) {
	l.buf = append(l.buf, p...)
	for {
		i := bytes.IndexByte(l.buf, '\n')
		if i < 0 {
			break
		}
		if line := bytes.TrimSpace(l.buf[:i]); len(line) > 0 {
			l.log.Warn().Str("stderr", string(line)).Msg("tools.ExecSpawner worker stderr")
		}
		l.buf = l.buf[i+1:]
	}
	if len(l.buf) > 64*1024 {
		l.log.Warn().Str("stderr", string(l.buf)).Msg("tools.ExecSpawner worker stderr")
		l.buf = l.buf[:0]
	}
	return len(p), nil
}
