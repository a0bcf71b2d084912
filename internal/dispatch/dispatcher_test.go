package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/taskmesh/internal/testutil/testlog"
	"github.com/danmuck/taskmesh/internal/worker"
)

type fakeInstance struct {
	index int
	dead  bool
	delay time.Duration
	err   error

	mu    sync.Mutex
	calls int
}

func (f *fakeInstance) Index() int  { return f.index }
func (f *fakeInstance) Alive() bool { return !f.dead }

func (f *fakeInstance) Call(ctx context.Context, id string, data json.RawMessage) (json.RawMessage, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	out, _ := json.Marshal(map[string]any{"instance": f.index, "id": id})
	return out, nil
}

func (f *fakeInstance) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeResolver map[string][]Instance

func (r fakeResolver) Resolve(taskID string) ([]Instance, bool) {
	instances, ok := r[taskID]
	return instances, ok
}

func instanceOf(t *testing.T, raw json.RawMessage) int {
	t.Helper()
	var out struct {
		Instance int `json:"instance"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out.Instance
}

func TestTriggerRoundRobin(t *testing.T) {
	testlog.Start(t)

	a, b, c := &fakeInstance{index: 0}, &fakeInstance{index: 1}, &fakeInstance{index: 2}
	d := New(Config{NodeName: "n1"}, fakeResolver{"echo": {a, b, c}})

	var got []int
	for i := 0; i < 6; i++ {
		out, err := d.Trigger(context.Background(), "echo", json.RawMessage(`{}`))
		if err != nil {
			t.Fatalf("trigger %d: %v", i, err)
		}
		got = append(got, instanceOf(t, out))
	}
	want := []int{0, 1, 2, 0, 1, 2}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("rotation = %v, want %v", got, want)
		}
	}
}

func TestTriggerSkipsDeadInstances(t *testing.T) {
	testlog.Start(t)

	a, b := &fakeInstance{index: 0}, &fakeInstance{index: 1, dead: true}
	d := New(Config{}, fakeResolver{"echo": {a, b}})

	for i := 0; i < 3; i++ {
		if _, err := d.Trigger(context.Background(), "echo", nil); err != nil {
			t.Fatalf("trigger: %v", err)
		}
	}
	if a.callCount() != 3 || b.callCount() != 0 {
		t.Fatalf("calls a=%d b=%d, want 3/0", a.callCount(), b.callCount())
	}
}

func TestTriggerUnknownTask(t *testing.T) {
	testlog.Start(t)

	d := New(Config{}, fakeResolver{})
	_, err := d.Trigger(context.Background(), "nope", nil)
	if !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
	if d.Len() != 0 {
		t.Fatalf("processing set not empty: %d", d.Len())
	}
}

func TestTriggerNoInstanceAvailable(t *testing.T) {
	testlog.Start(t)

	d := New(Config{}, fakeResolver{
		"empty": nil,
		"down":  {&fakeInstance{dead: true}},
	})
	for _, task := range []string{"empty", "down"} {
		if _, err := d.Trigger(context.Background(), task, nil); !errors.Is(err, ErrNoInstanceAvailable) {
			t.Fatalf("%s: expected ErrNoInstanceAvailable, got %v", task, err)
		}
	}
}

func TestTriggerTimeout(t *testing.T) {
	testlog.Start(t)

	slow := &fakeInstance{delay: time.Second}
	d := New(Config{Timeout: 50 * time.Millisecond}, fakeResolver{"slow": {slow}})

	start := time.Now()
	_, err := d.Trigger(context.Background(), "slow", nil)
	if !errors.Is(err, ErrInvocationTimeout) {
		t.Fatalf("expected ErrInvocationTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("timeout took %s", elapsed)
	}
	if d.Len() != 0 {
		t.Fatalf("timed out invocation still pending")
	}
}

func TestTriggerWorkerError(t *testing.T) {
	testlog.Start(t)

	d := New(Config{}, fakeResolver{
		"fail":   {&fakeInstance{err: &worker.CallError{Message: "boom"}}},
		"closed": {&fakeInstance{err: worker.ErrChannelClosed}},
	})
	if _, err := d.Trigger(context.Background(), "fail", nil); !errors.Is(err, ErrWorkerFailed) {
		t.Fatalf("expected ErrWorkerFailed, got %v", err)
	}
	if _, err := d.Trigger(context.Background(), "closed", nil); !errors.Is(err, ErrNoInstanceAvailable) {
		t.Fatalf("expected ErrNoInstanceAvailable for closed channel, got %v", err)
	}
}

func TestTriggerCallerCancel(t *testing.T) {
	testlog.Start(t)

	d := New(Config{}, fakeResolver{"slow": {&fakeInstance{delay: time.Second}}})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := d.Trigger(ctx, "slow", nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestProcessingTracksInFlight(t *testing.T) {
	testlog.Start(t)

	slow := &fakeInstance{delay: 200 * time.Millisecond}
	d := New(Config{}, fakeResolver{"slow": {slow}, "echo": {&fakeInstance{}}})

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := d.Trigger(context.Background(), "slow", nil); err != nil {
				t.Errorf("trigger slow: %v", err)
			}
		}()
	}
	if _, err := d.Trigger(context.Background(), "echo", nil); err != nil {
		t.Fatalf("trigger echo: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for d.Len() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	ids := d.ProcessingTaskIDs()
	if len(ids) != 3 {
		t.Fatalf("processing = %v, want 3 slow entries", ids)
	}
	for _, id := range ids {
		if id != "slow" {
			t.Fatalf("unexpected processing entry %q", id)
		}
	}
	for _, item := range d.Processing() {
		if !d.InFlight(item.CorrelationID) {
			t.Fatalf("listed item %s not in flight", item.CorrelationID)
		}
	}

	wg.Wait()
	if got := d.ProcessingTaskIDs(); len(got) != 0 {
		t.Fatalf("processing after completion = %v", got)
	}
}

func TestForgetResetsRotation(t *testing.T) {
	testlog.Start(t)

	a, b := &fakeInstance{index: 0}, &fakeInstance{index: 1}
	d := New(Config{}, fakeResolver{"echo": {a, b}})
	if _, err := d.Trigger(context.Background(), "echo", nil); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	d.Forget()
	out, err := d.Trigger(context.Background(), "echo", nil)
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if got := instanceOf(t, out); got != 0 {
		t.Fatalf("after Forget instance = %d, want 0", got)
	}
}

func TestPendingSetOrdering(t *testing.T) {
	p := newPendingSet()
	now := time.Now()
	p.add(PendingInvocation{CorrelationID: "b", TaskID: "x", SubmittedAt: now})
	p.add(PendingInvocation{CorrelationID: "a", TaskID: "y", SubmittedAt: now})
	p.add(PendingInvocation{CorrelationID: "c", TaskID: "z", SubmittedAt: now.Add(-time.Second)})

	list := p.list()
	order := []string{list[0].CorrelationID, list[1].CorrelationID, list[2].CorrelationID}
	if order[0] != "c" || order[1] != "a" || order[2] != "b" {
		t.Fatalf("order = %v", order)
	}
	if n := p.remove(" a "); n != 2 {
		t.Fatalf("remove returned %d", n)
	}
}
