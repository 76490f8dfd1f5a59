package coordinator

import (
	"errors"
	"fmt"

	"go.uber.org/multierr"

	"github.com/dreamware/ferry/internal/cluster"
)

var (
	// ErrNotConfirmed matches every *NodeError and *PendingError.
	ErrNotConfirmed     = errors.New("operation not confirmed")
	ErrAlreadyInstalled = errors.New("artifact already installed")
	ErrNotInstalled     = errors.New("artifact not installed")
)

// NodeError is the failure of one node to confirm an operation. Cause is
// the node's own status or transport error when one is known.
type NodeError struct {
	Node  cluster.NodeInfo
	Kind  cluster.RequestType
	Cause error
}

func (e *NodeError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s not confirmed by node %s: %s", e.Kind, e.Node, e.Cause)
	}
	return fmt.Sprintf("%s not confirmed by node %s", e.Kind, e.Node)
}

func (e *NodeError) Unwrap() error { return e.Cause }

func (e *NodeError) Is(target error) bool { return target == ErrNotConfirmed }

// PendingError lists every node still pending after the last attempt.
type PendingError struct {
	Kind  cluster.RequestType
	Nodes []cluster.NodeInfo
	err   error
}

// newPendingError builds one NodeError per node; cause may be nil or return
// nil for nodes without a known reason.
func newPendingError(kind cluster.RequestType, nodes []cluster.NodeInfo, cause func(cluster.NodeInfo) error) *PendingError {
	var err error
	for _, n := range nodes {
		ne := &NodeError{Node: n, Kind: kind}
		if cause != nil {
			ne.Cause = cause(n)
		}
		err = multierr.Append(err, ne)
	}
	return &PendingError{Kind: kind, Nodes: nodes, err: err}
}

func (e *PendingError) Error() string {
	return fmt.Sprintf("%s pending on %d node(s): %s", e.Kind, len(e.Nodes), e.err)
}

// Errors returns the per-node errors.
func (e *PendingError) Errors() []error {
	return multierr.Errors(e.err)
}

func (e *PendingError) Unwrap() error { return e.err }

func (e *PendingError) Is(target error) bool { return target == ErrNotConfirmed }
