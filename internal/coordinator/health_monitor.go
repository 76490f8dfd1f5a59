package coordinator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/dreamware/ferry/internal/cluster"
)

// NodeHealth tracks the health of a single node as seen by the monitor.
type NodeHealth struct {
	LastCheck        time.Time `json:"last_check"`   // last check attempt
	LastHealthy      time.Time `json:"last_healthy"` // last successful check
	NodeID           string    `json:"node_id"`
	Status           string    `json:"status"` // one of the cluster.Health* values
	ConsecutiveFails int       `json:"consecutive_fails"`
}

// HealthMonitor periodically checks the /health endpoint of every node and
// keeps a per-node verdict. Nodes failing maxFailures checks in a row are
// marked unhealthy, which removes them from NodeRegistry.Targets until they
// answer again.
//
// Thread-safe: all methods are safe for concurrent access.
type HealthMonitor struct {
	nodes       map[string]*NodeHealth
	client      *resty.Client
	logger      *zap.SugaredLogger
	registry    *NodeRegistry
	checkFunc   func(ctx context.Context, addr string) error
	onUnhealthy func(nodeID string)
	ctx         context.Context
	cancel      context.CancelFunc
	interval    time.Duration
	timeout     time.Duration
	mu          sync.RWMutex
	wg          sync.WaitGroup
	maxFailures int
}

type HealthOption func(*HealthMonitor)

func WithHealthLogger(logger *zap.SugaredLogger) HealthOption {
	return func(h *HealthMonitor) {
		h.logger = logger
	}
}

// WithHealthRegistry makes the monitor write every verdict into registry.
func WithHealthRegistry(registry *NodeRegistry) HealthOption {
	return func(h *HealthMonitor) {
		h.registry = registry
	}
}

// WithMaxFailures sets how many consecutive failed checks mark a node
// unhealthy. Values below 1 are ignored.
func WithMaxFailures(n int) HealthOption {
	return func(h *HealthMonitor) {
		if n > 0 {
			h.maxFailures = n
		}
	}
}

// NewHealthMonitor creates a monitor checking every node each interval.
// By default a check times out after 2s and a node is unhealthy after 3
// consecutive failures.
//
// Example:
//
//	monitor := coordinator.NewHealthMonitor(5*time.Second,
//	    coordinator.WithHealthRegistry(registry),
//	    coordinator.WithHealthLogger(logger))
//	go monitor.Start(ctx, registry.All)
//	defer monitor.Stop()
func NewHealthMonitor(interval time.Duration, opts ...HealthOption) *HealthMonitor {
	ctx, cancel := context.WithCancel(context.Background())
	h := &HealthMonitor{
		interval:    interval,
		timeout:     2 * time.Second,
		maxFailures: 3,
		nodes:       make(map[string]*NodeHealth),
		logger:      zap.NewNop().Sugar(),
		ctx:         ctx,
		cancel:      cancel,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.client = resty.New().SetTimeout(h.timeout)
	return h
}

// SetOnUnhealthy sets a callback invoked, in its own goroutine, when a node
// transitions to unhealthy.
func (h *HealthMonitor) SetOnUnhealthy(callback func(nodeID string)) {
	h.onUnhealthy = callback
}

// SetCheckFunction replaces the HTTP check, e.g. in tests.
func (h *HealthMonitor) SetCheckFunction(checkFunc func(ctx context.Context, addr string) error) {
	h.checkFunc = checkFunc
}

// Start checks all nodes returned by nodeProvider immediately and then every
// interval. It blocks until ctx is canceled or Stop is called.
func (h *HealthMonitor) Start(ctx context.Context, nodeProvider func() []cluster.NodeInfo) {
	h.wg.Add(1)
	defer h.wg.Done()

	if ctx == nil {
		ctx = h.ctx
	}
	if h.checkFunc == nil {
		h.checkFunc = h.defaultHealthCheck
	}

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.logger.Infof("Health monitor started with interval %s", h.interval)
	h.checkAllNodes(ctx, nodeProvider())

	for {
		select {
		case <-ticker.C:
			h.checkAllNodes(ctx, nodeProvider())
		case <-ctx.Done():
			h.logger.Info("Health monitor stopping due to context cancellation")
			return
		case <-h.ctx.Done():
			h.logger.Info("Health monitor stopping due to internal cancellation")
			return
		}
	}
}

// Stop cancels the monitoring loop and waits for it to return.
func (h *HealthMonitor) Stop() {
	h.cancel()
	h.wg.Wait()
}

func (h *HealthMonitor) checkAllNodes(ctx context.Context, nodes []cluster.NodeInfo) {
	current := make(map[string]bool, len(nodes))
	for _, node := range nodes {
		current[node.ID] = true
		h.checkNode(ctx, node)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for nodeID := range h.nodes {
		if !current[nodeID] {
			delete(h.nodes, nodeID)
			h.logger.Infof("Removed node %s from health monitoring", nodeID)
		}
	}
}

func (h *HealthMonitor) checkNode(ctx context.Context, node cluster.NodeInfo) {
	h.mu.Lock()
	health, exists := h.nodes[node.ID]
	if !exists {
		now := time.Now()
		health = &NodeHealth{
			NodeID:      node.ID,
			Status:      cluster.HealthUnknown,
			LastCheck:   now,
			LastHealthy: now,
		}
		h.nodes[node.ID] = health
	}
	h.mu.Unlock()

	err := h.checkFunc(ctx, node.Addr)

	h.mu.Lock()
	defer h.mu.Unlock()

	health.LastCheck = time.Now()
	if err != nil {
		health.ConsecutiveFails++
		h.logger.Warnf("Health check failed for node %s (attempt %d/%d): %s",
			node.ID, health.ConsecutiveFails, h.maxFailures, err)

		if health.ConsecutiveFails >= h.maxFailures && health.Status != cluster.HealthUnhealthy {
			health.Status = cluster.HealthUnhealthy
			h.logger.Errorf("Node %s marked as unhealthy after %d failures", node.ID, health.ConsecutiveFails)
			if h.onUnhealthy != nil {
				go h.onUnhealthy(node.ID)
			}
		}
	} else {
		if health.Status == cluster.HealthUnhealthy {
			h.logger.Infof("Node %s recovered and is now healthy", node.ID)
		}
		health.Status = cluster.HealthHealthy
		health.ConsecutiveFails = 0
		health.LastHealthy = health.LastCheck
	}

	if h.registry != nil {
		h.registry.SetHealth(node.ID, health.Status, health.LastCheck)
	}
}

// defaultHealthCheck expects 200 from GET {addr}/health.
func (h *HealthMonitor) defaultHealthCheck(ctx context.Context, addr string) error {
	url := addr
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		url = "http://" + addr
	}
	if !strings.HasSuffix(url, "/health") {
		url = strings.TrimRight(url, "/") + "/health"
	}

	resp, err := h.client.R().SetContext(ctx).Get(url)
	if err != nil {
		return fmt.Errorf("health check request failed: %w", err)
	}
	if resp.StatusCode() != 200 {
		return fmt.Errorf("health check returned status %d", resp.StatusCode())
	}
	return nil
}

// GetNodeHealth returns a copy of the node's health, or nil if it is not monitored.
func (h *HealthMonitor) GetNodeHealth(nodeID string) *NodeHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()
	health, ok := h.nodes[nodeID]
	if !ok {
		return nil
	}
	out := *health
	return &out
}

// GetAllNodeHealth returns a copy of every monitored node's health by id.
func (h *HealthMonitor) GetAllNodeHealth() map[string]*NodeHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()
	result := make(map[string]*NodeHealth, len(h.nodes))
	for id, health := range h.nodes {
		c := *health
		result[id] = &c
	}
	return result
}

// IsHealthy reports whether the node passed its last check. Unmonitored
// nodes are not healthy.
func (h *HealthMonitor) IsHealthy(nodeID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	health, ok := h.nodes[nodeID]
	return ok && health.Status == cluster.HealthHealthy
}
