package mesh

import (
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/taskmesh/internal/protocol/session"
)

// HostRecord is what this node knows about one connected peer.
type HostRecord struct {
	ID             string    `json:"id"`
	PublicAddress  string    `json:"public_address"`
	PrivateAddress string    `json:"private_address"`
	APIPort        int       `json:"api_port"`
	Name           string    `json:"name"`
	Hostname       string    `json:"hostname"`
	Synchronized   bool      `json:"synchronized"`
	JoinedAt       time.Time `json:"joined_at"`
}

// Key is the registry identity: public address and API port.
func (h HostRecord) Key() string {
	return fmt.Sprintf("%s:%d", h.PublicAddress, h.APIPort)
}

type registryEntry struct {
	record HostRecord
	owner  any
}

// Registry holds one record per connected peer, in first-join order.
type Registry struct {
	mu      sync.Mutex
	order   []string
	entries map[string]*registryEntry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*registryEntry)}
}

// Register inserts or refreshes the record for info. owner identifies the
// connection backing the record; Remove only succeeds for the current owner.
// Refreshing never resets Synchronized.
func (r *Registry) Register(info session.NodeInfo, owner any) (HostRecord, bool) {
	key := info.Key()
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[key]; ok {
		e.record.ID = info.NodeID
		e.record.Name = info.Name
		e.record.Hostname = info.Hostname
		e.record.PrivateAddress = info.PrivateAddress
		e.owner = owner
		return e.record, false
	}
	rec := HostRecord{
		ID:             info.NodeID,
		PublicAddress:  info.PublicAddress,
		PrivateAddress: info.PrivateAddress,
		APIPort:        info.APIPort,
		Name:           info.Name,
		Hostname:       info.Hostname,
		JoinedAt:       time.Now().UTC(),
	}
	r.entries[key] = &registryEntry{record: rec, owner: owner}
	r.order = append(r.order, key)
	return rec, true
}

// Remove deletes key if owner still backs it.
func (r *Registry) Remove(key string, owner any) (HostRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	if !ok || e.owner != owner {
		return HostRecord{}, false
	}
	delete(r.entries, key)
	for i, k := range r.order {
		if k == key {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return e.record, true
}

func (r *Registry) MarkSynchronized(key string) bool {
	return r.setSynchronized(key, true)
}

func (r *Registry) ResetSynchronization(key string) bool {
	return r.setSynchronized(key, false)
}

func (r *Registry) setSynchronized(key string, v bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	if !ok {
		return false
	}
	e.record.Synchronized = v
	return true
}

// ResetAll clears Synchronized on every record.
func (r *Registry) ResetAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		e.record.Synchronized = false
	}
}

func (r *Registry) Get(key string) (HostRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	if !ok {
		return HostRecord{}, false
	}
	return e.record, true
}

// owner returns the connection currently backing key.
func (r *Registry) owner(key string) (any, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	if !ok {
		return nil, false
	}
	return e.owner, true
}

// List returns copies in first-join order.
func (r *Registry) List() []HostRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]HostRecord, 0, len(r.order))
	for _, key := range r.order {
		out = append(out, r.entries[key].record)
	}
	return out
}

func (r *Registry) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
