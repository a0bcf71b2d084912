package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/taskmesh/internal/testutil/testlog"
	"github.com/rs/zerolog/log"
)

// pipePair wires a Channel to an in-process Serve loop.
func pipePair(t *testing.T, handler HandlerFunc) (*Channel, func()) {
	t.Helper()
	reqR, reqW := io.Pipe()
	respR, respW := io.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan struct{})
	go func() {
		defer close(served)
		_ = Serve(ctx, reqR, respW, handler)
		_ = respW.Close()
	}()
	ch := NewChannel(reqW, respR, log.Logger)
	stop := func() {
		cancel()
		_ = reqW.Close()
		<-served
	}
	return ch, stop
}

func TestChannelCallRoundTrip(t *testing.T) {
	testlog.Start(t)
	ch, stop := pipePair(t, func(_ context.Context, taskID string, data json.RawMessage) (any, error) {
		var in map[string]string
		if err := json.Unmarshal(data, &in); err != nil {
			return nil, err
		}
		return map[string]string{"hello": in["name"], "task": taskID}, nil
	})
	defer stop()

	out, err := ch.Call(context.Background(), "c1", "echo", json.RawMessage(`{"name":"yey"}`))
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	var got map[string]string
	if err := json.Unmarshal(out, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got["hello"] != "yey" || got["task"] != "echo" {
		t.Fatalf("unexpected response: %v", got)
	}
	if ch.Pending() != 0 {
		t.Fatalf("pending not cleared: %d", ch.Pending())
	}
}

func TestChannelConcurrentCallsCorrelate(t *testing.T) {
	testlog.Start(t)
	ch, stop := pipePair(t, func(_ context.Context, _ string, data json.RawMessage) (any, error) {
		var n int
		_ = json.Unmarshal(data, &n)
		time.Sleep(time.Duration(10-n) * time.Millisecond)
		return n * 2, nil
	})
	defer stop()

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := ch.Call(context.Background(), fmt.Sprintf("c%d", i), "double", json.RawMessage(fmt.Sprint(i)))
			if err != nil {
				errs <- err
				return
			}
			var got int
			if err := json.Unmarshal(out, &got); err != nil || got != i*2 {
				errs <- fmt.Errorf("call %d got %s", i, out)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent call: %v", err)
	}
}

func TestChannelWorkerErrorIsCallError(t *testing.T) {
	testlog.Start(t)
	ch, stop := pipePair(t, func(context.Context, string, json.RawMessage) (any, error) {
		return nil, errors.New("boom")
	})
	defer stop()

	_, err := ch.Call(context.Background(), "c1", "fail", nil)
	var callErr *CallError
	if !errors.As(err, &callErr) || callErr.Message != "boom" {
		t.Fatalf("expected CallError boom, got %v", err)
	}
}

func TestChannelCallContextTimeout(t *testing.T) {
	testlog.Start(t)
	release := make(chan struct{})
	ch, stop := pipePair(t, func(context.Context, string, json.RawMessage) (any, error) {
		<-release
		return "late", nil
	})
	defer stop()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := ch.Call(ctx, "c1", "slow", nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if ch.Pending() != 0 {
		t.Fatalf("timed out call still pending")
	}
}

func TestChannelCloseFailsPendingCalls(t *testing.T) {
	testlog.Start(t)
	reqR, reqW := io.Pipe()
	respR, respW := io.Pipe()
	go func() { _, _ = io.Copy(io.Discard, reqR) }()
	ch := NewChannel(reqW, respR, log.Logger)

	errCh := make(chan error, 1)
	go func() {
		_, err := ch.Call(context.Background(), "c1", "never", nil)
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)
	_ = respW.Close()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrChannelClosed) {
			t.Fatalf("expected ErrChannelClosed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("pending call not released on close")
	}
	if _, err := ch.Call(context.Background(), "c2", "after", nil); !errors.Is(err, ErrChannelClosed) {
		t.Fatalf("expected ErrChannelClosed after close, got %v", err)
	}
}

func TestChannelIgnoresNonJSONLines(t *testing.T) {
	testlog.Start(t)
	reqR, reqW := io.Pipe()
	respR, respW := io.Pipe()
	ch := NewChannel(reqW, respR, log.Logger)
	defer ch.Close(nil)

	go func() {
		buf := make([]byte, 4096)
		n, _ := reqR.Read(buf)
		var req Request
		_ = json.Unmarshal(buf[:n], &req)
		_, _ = io.WriteString(respW, "listening on 10001\n")
		_, _ = io.WriteString(respW, `{"note":"no id"}`+"\n")
		_, _ = io.WriteString(respW, `{"id":"`+req.ID+`","data":"ok"}`+"\n")
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	out, err := ch.Call(ctx, "c1", "noisy", nil)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if string(out) != `"ok"` {
		t.Fatalf("unexpected data: %s", out)
	}
}
