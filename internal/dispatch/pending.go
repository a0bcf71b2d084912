package dispatch

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// PendingInvocation tracks one invocation between submission and its
// terminal outcome.
type PendingInvocation struct {
	CorrelationID string    `json:"correlation_id"`
	TaskID        string    `json:"task_id"`
	InstanceIndex int       `json:"instance_index"`
	SubmittedAt   time.Time `json:"submitted_at"`
}

// pendingSet stores in-flight invocations by correlation id.
type pendingSet struct {
	mu    sync.RWMutex
	items map[string]PendingInvocation
}

func newPendingSet() *pendingSet {
	return &pendingSet{
		items: make(map[string]PendingInvocation),
	}
}

func (p *pendingSet) add(item PendingInvocation) int {
	key := strings.TrimSpace(item.CorrelationID)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.items[key] = item
	return len(p.items)
}

func (p *pendingSet) remove(correlationID string) int {
	key := strings.TrimSpace(correlationID)
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.items, key)
	return len(p.items)
}

func (p *pendingSet) get(correlationID string) (PendingInvocation, bool) {
	key := strings.TrimSpace(correlationID)
	p.mu.RLock()
	defer p.mu.RUnlock()
	item, ok := p.items[key]
	return item, ok
}

func (p *pendingSet) len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.items)
}

// list returns a snapshot ordered by submission time then correlation id.
func (p *pendingSet) list() []PendingInvocation {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]PendingInvocation, 0, len(p.items))
	for _, item := range p.items {
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].SubmittedAt.Equal(out[j].SubmittedAt) {
			return out[i].SubmittedAt.Before(out[j].SubmittedAt)
		}
		return out[i].CorrelationID < out[j].CorrelationID
	})
	return out
}
