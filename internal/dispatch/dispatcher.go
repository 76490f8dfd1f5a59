package dispatch

import (
	"context"

	"go.uber.org/zap"

	"github.com/dreamware/ferry/internal/cluster"
)

// Transport carries one operation to one node. Send must not block on the
// network: it hands the request off and later invokes exactly one method of
// cb. Timeouts must be reported through cb.OnError.
type Transport interface {
	Send(ctx context.Context, node cluster.NodeInfo, kind cluster.RequestType, payload any, cb Callback)
}

// handler is what the dispatcher needs from every member of the family.
type handler interface {
	Callback
	Target() cluster.NodeInfo
	markOutstanding()
}

// Dispatcher fans one operation out to every pending node and joins on the
// results. It holds no per-broadcast state: callers own the pending map and
// the accumulators so they can inspect them afterwards and retry.
type Dispatcher struct {
	transport Transport
	logger    *zap.SugaredLogger
}

func NewDispatcher(transport Transport, logger *zap.SugaredLogger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Dispatcher{transport: transport, logger: logger}
}

// Merge sends the operation to every node currently in pending, using one
// MergeHandler per node, and blocks until all of them completed.
//
// After Merge returns nil, pending holds exactly the nodes that did not
// confirm success and responses holds one record per success or transport
// failure. Merge returns ctx.Err() if ctx is done first; handlers that are
// still outstanding keep updating the shared state when they complete.
//
// Example:
//
//	pending := dispatch.NewPendingNodes(targets)
//	responses := dispatch.NewResponses()
//	if err := d.Merge(ctx, cluster.RequestLoadArtifact, req, pending, responses); err != nil {
//	    return err
//	}
//	retry := pending.Snapshot()
func (d *Dispatcher) Merge(
	ctx context.Context,
	kind cluster.RequestType,
	payload any,
	pending *PendingNodes,
	responses *Responses,
) error {
	targets := pending.Snapshot()
	latch := NewLatch(len(targets))
	handlers := make([]handler, 0, len(targets))
	for _, node := range targets {
		handlers = append(handlers, NewMergeHandler(latch, kind, node, pending, responses, d.logger))
	}
	return d.run(ctx, kind, payload, latch, handlers)
}

// Collect is Merge with StatusHandlers: every node's verdict is stored in
// statuses under its id.
func (d *Dispatcher) Collect(
	ctx context.Context,
	kind cluster.RequestType,
	payload any,
	pending *PendingNodes,
	statuses *NodeStatuses,
) error {
	targets := pending.Snapshot()
	latch := NewLatch(len(targets))
	handlers := make([]handler, 0, len(targets))
	for _, node := range targets {
		handlers = append(handlers, NewStatusHandler(latch, kind, node, pending, statuses, d.logger))
	}
	return d.run(ctx, kind, payload, latch, handlers)
}

func (d *Dispatcher) run(
	ctx context.Context,
	kind cluster.RequestType,
	payload any,
	latch *Latch,
	handlers []handler,
) error {
	d.logger.Debugf("Dispatching %s to %d node(s)", kind, len(handlers))
	for _, h := range handlers {
		h.markOutstanding()
		d.transport.Send(ctx, h.Target(), kind, payload, h)
	}
	return latch.Wait(ctx)
}
