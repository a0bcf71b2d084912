package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

const maxLineBytes = 16 * 1024 * 1024

// Channel is the private request/response channel to one worker instance.
// Calls may be issued concurrently; responses are correlated by request id.
type Channel struct {
	log zerolog.Logger

	writeMu sync.Mutex
	w       io.Writer

	mu       sync.Mutex
	pending  map[string]chan Response
	closed   bool
	closeErr error
	done     chan struct{}
}

// NewChannel starts reading responses from r. The channel closes when r hits EOF.
func NewChannel(w io.Writer, r io.Reader, logger zerolog.Logger) *Channel {
	c := &Channel{
		log:     logger,
		w:       w,
		pending: make(map[string]chan Response),
		done:    make(chan struct{}),
	}
	go c.readLoop(r)
	return c
}

func (c *Channel) readLoop(r io.Reader) {
	if rc, ok := r.(io.Closer); ok {
		defer rc.Close()
	}
	br := bufio.NewReaderSize(r, 64*1024)
	for {
		line, err := readLine(br)
		if len(line) > 0 {
			c.dispatch(line)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				c.Close(nil)
			} else {
				c.Close(err)
			}
			return
		}
	}
}

func readLine(br *bufio.Reader) ([]byte, error) {
	var line []byte
	for {
		chunk, isPrefix, err := br.ReadLine()
		line = append(line, chunk...)
		if err != nil {
			return line, err
		}
		if len(line) > maxLineBytes {
			return nil, fmt.Errorf("worker: response line exceeds %d bytes", maxLineBytes)
		}
		if !isPrefix {
			return line, nil
		}
	}
}

func (c *Channel) dispatch(line []byte) {
	trimmed := strings.TrimSpace(string(line))
	if !strings.HasPrefix(trimmed, "{") {
		c.log.Debug().Str("line", trimmed).Msg("worker.Channel stdout")
		return
	}
	var resp Response
	if err := json.Unmarshal([]byte(trimmed), &resp); err != nil || resp.ID == "" {
		c.log.Debug().Str("line", trimmed).Msg("worker.Channel ignored line")
		return
	}
	c.mu.Lock()
	ch, ok := c.pending[resp.ID]
	delete(c.pending, resp.ID)
	c.mu.Unlock()
	if !ok {
		c.log.Warn().Str("id", resp.ID).Msg("worker.Channel response without pending call")
		return
	}
	ch <- resp
}

// Call writes one request and waits for the correlated response or ctx end.
// A worker-reported error is returned as *CallError.
func (c *Channel) Call(ctx context.Context, id string, taskID string, data json.RawMessage) (json.RawMessage, error) {
	line, err := json.Marshal(Request{ID: id, TaskID: taskID, Data: data})
	if err != nil {
		return nil, err
	}
	line = append(line, '\n')

	ch := make(chan Response, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrChannelClosed
	}
	if _, exists := c.pending[id]; exists {
		c.mu.Unlock()
		return nil, fmt.Errorf("worker: duplicate request id %s", id)
	}
	c.pending[id] = ch
	c.mu.Unlock()

	c.writeMu.Lock()
	_, err = c.w.Write(line)
	c.writeMu.Unlock()
	if err != nil {
		c.forget(id)
		return nil, fmt.Errorf("%w: %v", ErrChannelClosed, err)
	}

	select {
	case resp := <-ch:
		if resp.Error != "" {
			return nil, &CallError{Message: resp.Error}
		}
		return resp.Data, nil
	case <-c.done:
		c.forget(id)
		// a response may have raced the close
		select {
		case resp := <-ch:
			if resp.Error != "" {
				return nil, &CallError{Message: resp.Error}
			}
			return resp.Data, nil
		default:
		}
		return nil, c.Err()
	case <-ctx.Done():
		c.forget(id)
		return nil, ctx.Err()
	}
}

func (c *Channel) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// Pending reports the number of calls awaiting a response.
func (c *Channel) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close fails every pending call. It is safe to call more than once.
func (c *Channel) Close(cause error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closeErr = cause
	c.pending = make(map[string]chan Response)
	c.mu.Unlock()
	close(c.done)
}

// Done is closed once the channel is closed.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// Err returns ErrChannelClosed, wrapping the close cause when there was one.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closeErr != nil {
		return fmt.Errorf("%w: %v", ErrChannelClosed, c.closeErr)
	}
	return ErrChannelClosed
}
