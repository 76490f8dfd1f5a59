package dispatch

import (
	"fmt"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/dreamware/ferry/internal/cluster"
)

// Callback receives the outcome of one node operation. The transport calls
// exactly one of the two methods, exactly once, on an arbitrary goroutine.
type Callback interface {
	// OnComplete is called when the node answered with a status, whether or
	// not the status reports success.
	OnComplete(status cluster.Status)
	// OnError is called when no status was produced (network failure,
	// timeout, malformed response).
	OnError(err error)
}

// State is the lifecycle of a handler: Created -> Outstanding -> Completed.
type State int32

const (
	StateCreated State = iota
	StateOutstanding
	StateCompleted
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateOutstanding:
		return "outstanding"
	case StateCompleted:
		return "completed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// FailureStatus synthesizes the record of a node whose operation raised an
// error before producing a status.
func FailureStatus(kind cluster.RequestType, target cluster.NodeInfo, err error) cluster.Status {
	return cluster.NewStatus(
		cluster.StatusExecuteError,
		fmt.Sprintf("%s error on node: %s, %s", kind, target, err),
	)
}

// retryHandler holds the state every handler of one broadcast shares: the
// join latch and the pending map. Nodes are removed from the pending map
// only on confirmed success, so whatever remains after the join is the set
// of retry candidates.
type retryHandler struct {
	latch   *Latch
	kind    cluster.RequestType
	target  cluster.NodeInfo
	pending *PendingNodes
	logger  *zap.SugaredLogger
	state   *atomic.Int32
}

func newRetryHandler(
	latch *Latch,
	kind cluster.RequestType,
	target cluster.NodeInfo,
	pending *PendingNodes,
	logger *zap.SugaredLogger,
) retryHandler {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return retryHandler{
		latch:   latch,
		kind:    kind,
		target:  target,
		pending: pending,
		logger:  logger,
		state:   atomic.NewInt32(int32(StateCreated)),
	}
}

func (h *retryHandler) Target() cluster.NodeInfo { return h.target }

func (h *retryHandler) State() State { return State(h.state.Load()) }

// markOutstanding records that the request was handed to the transport.
func (h *retryHandler) markOutstanding() {
	h.state.CompareAndSwap(int32(StateCreated), int32(StateOutstanding))
}

// complete moves the handler to Completed. It returns false if the handler
// was already completed; the duplicate callback must then be dropped.
func (h *retryHandler) complete() bool {
	for {
		current := h.state.Load()
		if State(current) == StateCompleted {
			h.logger.Warnf("Ignoring duplicate completion of %s on node %s", h.kind, h.target)
			return false
		}
		if h.state.CompareAndSwap(current, int32(StateCompleted)) {
			return true
		}
	}
}

// MergeHandler collects acknowledgments into a shared, ordered Responses.
//
// Outcomes:
//   - success status: appended, node removed from pending
//   - non-success status: logged only, node stays pending, nothing appended
//   - error: synthesized failure appended, node stays pending
//
// The latch is counted down exactly once in every case.
type MergeHandler struct {
	retryHandler
	responses *Responses
}

// NewMergeHandler creates the handler of one target node. latch, pending and
// responses must be the instances shared by the whole broadcast.
func NewMergeHandler(
	latch *Latch,
	kind cluster.RequestType,
	target cluster.NodeInfo,
	pending *PendingNodes,
	responses *Responses,
	logger *zap.SugaredLogger,
) *MergeHandler {
	return &MergeHandler{
		retryHandler: newRetryHandler(latch, kind, target, pending, logger),
		responses:    responses,
	}
}

func (h *MergeHandler) OnComplete(status cluster.Status) {
	if !h.complete() {
		return
	}
	if status.IsSuccess() {
		h.responses.Append(status)
		h.pending.Remove(h.target.ID)
		h.logger.Infof("Successfully %s on node: %s", h.kind, h.target)
	} else {
		h.logger.Errorf("Failed to %s on node %s, %s", h.kind, h.target, status)
	}
	h.latch.CountDown()
}

func (h *MergeHandler) OnError(err error) {
	if !h.complete() {
		return
	}
	h.logger.Warnf("Failed to %s on node %s: %s", h.kind, h.target, err)
	h.responses.Append(FailureStatus(h.kind, h.target, err))
	h.latch.CountDown()
}

// StatusHandler records the verdict of every node in a shared NodeStatuses,
// keyed by node id. Application failures and transport failures are both
// recorded; only success removes the node from pending.
type StatusHandler struct {
	retryHandler
	statuses *NodeStatuses
}

func NewStatusHandler(
	latch *Latch,
	kind cluster.RequestType,
	target cluster.NodeInfo,
	pending *PendingNodes,
	statuses *NodeStatuses,
	logger *zap.SugaredLogger,
) *StatusHandler {
	return &StatusHandler{
		retryHandler: newRetryHandler(latch, kind, target, pending, logger),
		statuses:     statuses,
	}
}

func (h *StatusHandler) OnComplete(status cluster.Status) {
	if !h.complete() {
		return
	}
	h.statuses.Put(h.target.ID, status)
	if status.IsSuccess() {
		h.pending.Remove(h.target.ID)
		h.logger.Infof("Successfully %s on node: %s", h.kind, h.target)
	} else {
		h.logger.Errorf("Failed to %s on node %s, %s", h.kind, h.target, status)
	}
	h.latch.CountDown()
}

func (h *StatusHandler) OnError(err error) {
	if !h.complete() {
		return
	}
	h.logger.Warnf("Failed to %s on node %s: %s", h.kind, h.target, err)
	h.statuses.Put(h.target.ID, FailureStatus(h.kind, h.target, err))
	h.latch.CountDown()
}
