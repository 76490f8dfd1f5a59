package dispatch

import (
	"strings"
	"sync"

	"golang.org/x/exp/slices"

	"github.com/dreamware/ferry/internal/cluster"
)

// PendingNodes is the set of target nodes that have not confirmed success
// for a broadcast. One instance is shared by every handler of the broadcast
// and, across retries, by every attempt.
type PendingNodes struct {
	mu    sync.RWMutex
	nodes map[string]cluster.NodeInfo
}

func NewPendingNodes(nodes []cluster.NodeInfo) *PendingNodes {
	p := &PendingNodes{nodes: make(map[string]cluster.NodeInfo, len(nodes))}
	for _, n := range nodes {
		p.nodes[n.ID] = n
	}
	return p
}

// Get returns the pending node with the given id.
func (p *PendingNodes) Get(id string) (cluster.NodeInfo, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	n, ok := p.nodes[id]
	return n, ok
}

// Contains reports whether the node still needs the operation.
func (p *PendingNodes) Contains(id string) bool {
	_, ok := p.Get(id)
	return ok
}

// Remove marks the node as acknowledged.
func (p *PendingNodes) Remove(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.nodes, id)
}

func (p *PendingNodes) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.nodes)
}

// Snapshot returns the pending nodes sorted by id.
func (p *PendingNodes) Snapshot() []cluster.NodeInfo {
	p.mu.RLock()
	out := make([]cluster.NodeInfo, 0, len(p.nodes))
	for _, n := range p.nodes {
		out = append(out, n)
	}
	p.mu.RUnlock()

	slices.SortFunc(out, func(a, b cluster.NodeInfo) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// IDs returns the sorted ids of the pending nodes.
func (p *PendingNodes) IDs() []string {
	nodes := p.Snapshot()
	ids := make([]string, len(nodes))
	for i, n := range nodes {
		ids[i] = n.ID
	}
	return ids
}

// Responses accumulates outcome records in arrival order.
type Responses struct {
	mu       sync.Mutex
	statuses []cluster.Status
}

func NewResponses() *Responses {
	return &Responses{}
}

func (r *Responses) Append(s cluster.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, s)
}

func (r *Responses) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.statuses)
}

// Snapshot returns a copy of the records collected so far.
func (r *Responses) Snapshot() []cluster.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]cluster.Status(nil), r.statuses...)
}

// NodeStatuses maps node ids to the last outcome reported for them.
type NodeStatuses struct {
	mu       sync.RWMutex
	statuses map[string]cluster.Status
}

func NewNodeStatuses() *NodeStatuses {
	return &NodeStatuses{statuses: make(map[string]cluster.Status)}
}

func (s *NodeStatuses) Put(nodeID string, status cluster.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[nodeID] = status
}

func (s *NodeStatuses) Get(nodeID string) (cluster.Status, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.statuses[nodeID]
	return st, ok
}

// Snapshot returns a copy of the map.
func (s *NodeStatuses) Snapshot() map[string]cluster.Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]cluster.Status, len(s.statuses))
	for k, v := range s.statuses {
		out[k] = v
	}
	return out
}
