package supervisor

import "sort"

// portTable hands out one port per task id for the lifetime of the node.
// Callers hold the supervisor lock.
type portTable struct {
	base   int
	next   int
	byTask map[string]int
}

func newPortTable(base int) *portTable {
	return &portTable{
		base:   base,
		next:   base,
		byTask: make(map[string]int),
	}
}

// allocate returns the task's existing port, or the next sequential one.
func (p *portTable) allocate(taskID string) int {
	if port, ok := p.byTask[taskID]; ok {
		return port
	}
	port := p.next
	p.byTask[taskID] = port
	p.next++
	return port
}

func (p *portTable) lookup(taskID string) (int, bool) {
	port, ok := p.byTask[taskID]
	return port, ok
}

// snapshot returns task id -> port ordered by port.
func (p *portTable) snapshot() []PortAllocation {
	out := make([]PortAllocation, 0, len(p.byTask))
	for id, port := range p.byTask {
		out = append(out, PortAllocation{TaskID: id, Port: port})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Port < out[j].Port })
	return out
}

// PortAllocation is one entry of the port table.
type PortAllocation struct {
	TaskID string `json:"task_id"`
	Port   int    `json:"port"`
}
