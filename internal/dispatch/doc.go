// Package dispatch implements the fan-out half of artifact installation:
// issuing one operation to many nodes concurrently and learning, per node,
// whether it succeeded.
//
// # Shared state
//
// One broadcast owns three objects shared by reference between all of its
// handlers:
//
//	Latch         join barrier, starts at N, counted down once per handler
//	PendingNodes  nodes not yet confirmed; removed only on success
//	Responses     outcome records in completion order (MergeHandler)
//	NodeStatuses  outcome per node id (StatusHandler)
//
// All of them are safe for concurrent use, since completion callbacks run on
// transport goroutines.
//
// # Handlers
//
// Every handler moves Created -> Outstanding -> Completed exactly once. A
// second callback on a completed handler is logged and dropped, so the latch
// can never be counted down twice for one node.
//
// MergeHandler deliberately treats the two failure kinds differently. A node
// that answers with a non-success code produces no record, only an error log;
// a node whose call fails before answering gets a synthesized
// StatusExecuteError record naming the node. Both stay in PendingNodes.
//
// # Retry
//
// The dispatcher never retries. Callers keep the same PendingNodes between
// attempts and call Merge again; only the nodes still pending are contacted.
package dispatch
