package coordinator

import (
	"errors"
	"sync"
	"time"

	"golang.org/x/exp/slices"

	"github.com/dreamware/ferry/internal/cluster"
)

// ErrInvalidNode is returned when a node registers without id or address.
var ErrInvalidNode = errors.New("node id and addr are required")

// NodeRegistry holds the nodes that registered with the coordinator, in
// registration order. Re-registering an id replaces its address.
//
// Thread-safe: all methods may be called concurrently.
type NodeRegistry struct {
	mu    sync.RWMutex
	nodes []cluster.NodeInfo
}

func NewNodeRegistry() *NodeRegistry {
	return &NodeRegistry{nodes: []cluster.NodeInfo{}}
}

// Register adds or updates a node. New nodes start in HealthUnknown.
// It reports whether the node was not known before.
func (r *NodeRegistry) Register(node cluster.NodeInfo) (bool, error) {
	if node.ID == "" || node.Addr == "" {
		return false, ErrInvalidNode
	}
	if node.Status == "" {
		node.Status = cluster.HealthUnknown
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	idx := slices.IndexFunc(r.nodes, func(n cluster.NodeInfo) bool { return n.ID == node.ID })
	if idx >= 0 {
		r.nodes[idx] = node
		return false, nil
	}
	r.nodes = append(r.nodes, node)
	return true, nil
}

// Get returns the node registered under id.
func (r *NodeRegistry) Get(id string) (cluster.NodeInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	idx := slices.IndexFunc(r.nodes, func(n cluster.NodeInfo) bool { return n.ID == id })
	if idx < 0 {
		return cluster.NodeInfo{}, false
	}
	return r.nodes[idx], true
}

// All returns a copy of every registered node.
func (r *NodeRegistry) All() []cluster.NodeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.nodes)
}

// Targets returns the nodes an operation should be sent to: every node that
// is not known to be unhealthy.
func (r *NodeRegistry) Targets() []cluster.NodeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]cluster.NodeInfo, 0, len(r.nodes))
	for _, n := range r.nodes {
		if n.Status != cluster.HealthUnhealthy {
			out = append(out, n)
		}
	}
	return out
}

// SetHealth records the outcome of a health check. Unknown ids are ignored.
func (r *NodeRegistry) SetHealth(id, status string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := slices.IndexFunc(r.nodes, func(n cluster.NodeInfo) bool { return n.ID == id })
	if idx < 0 {
		return
	}
	r.nodes[idx].Status = status
	r.nodes[idx].LastHealthCheck = at
}

func (r *NodeRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}
