// Package transport carries coordinator operations to nodes over HTTP.
//
// Every node exposes one route per cluster.RequestType (see RequestType.Path).
// The node always answers 200 with a cluster.Status body; anything else,
// including a body that cannot be decoded, is a transport failure.
package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/dreamware/ferry/internal/cluster"
	"github.com/dreamware/ferry/internal/dispatch"
)

// DefaultTimeout bounds one RPC when no timeout is configured.
const DefaultTimeout = 30 * time.Second

// ErrTransport matches every *TransportError.
var ErrTransport = errors.New("transport failure")

// TransportError is a failure to obtain a status from a node: the request
// could not be sent, timed out, or the answer was not a status.
type TransportError struct {
	Node       cluster.NodeInfo
	Kind       cluster.RequestType
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s to %s failed: %s", e.Kind, e.Node.Addr, e.Err)
	}
	return fmt.Sprintf("%s to %s failed: http status %d", e.Kind, e.Node.Addr, e.StatusCode)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Is(target error) bool {
	return target == ErrTransport
}

// HTTP is a dispatch.Transport posting JSON payloads with resty.
type HTTP struct {
	client *resty.Client
	logger *zap.SugaredLogger
	wg     sync.WaitGroup
}

var _ dispatch.Transport = (*HTTP)(nil)

type Option func(*HTTP)

// WithClient replaces the resty client, e.g. to install a mock transport.
func WithClient(client *resty.Client) Option {
	return func(h *HTTP) {
		h.client = client
	}
}

func WithLogger(logger *zap.SugaredLogger) Option {
	return func(h *HTTP) {
		h.logger = logger
	}
}

// NewHTTP creates a transport whose requests time out after timeout.
// A non-positive timeout means DefaultTimeout.
func NewHTTP(timeout time.Duration, opts ...Option) *HTTP {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	h := &HTTP{
		client: resty.New(),
		logger: zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.client.SetTimeout(timeout)
	return h
}

// Send posts payload to the node in a new goroutine and reports the outcome
// through exactly one of cb's methods.
func (h *HTTP) Send(ctx context.Context, node cluster.NodeInfo, kind cluster.RequestType, payload any, cb dispatch.Callback) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		status, err := h.Call(ctx, node, kind, payload)
		if err != nil {
			cb.OnError(err)
			return
		}
		cb.OnComplete(status)
	}()
}

// Call performs one RPC synchronously.
func (h *HTTP) Call(ctx context.Context, node cluster.NodeInfo, kind cluster.RequestType, payload any) (cluster.Status, error) {
	url := endpoint(node.Addr, kind)
	h.logger.Debugf("Sending %s to node %s", kind, node)

	var status cluster.Status
	resp, err := h.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(payload).
		SetResult(&status).
		ForceContentType("application/json").
		Post(url)
	if err != nil {
		return cluster.Status{}, &TransportError{Node: node, Kind: kind, Err: err}
	}
	if !resp.IsSuccess() {
		return cluster.Status{}, &TransportError{Node: node, Kind: kind, StatusCode: resp.StatusCode()}
	}
	if status.Code == 0 {
		return cluster.Status{}, &TransportError{Node: node, Kind: kind, StatusCode: resp.StatusCode(), Err: errors.New("response carries no status")}
	}
	return status, nil
}

// Wait blocks until every callback started by Send has returned.
func (h *HTTP) Wait() {
	h.wg.Wait()
}

func endpoint(addr string, kind cluster.RequestType) string {
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		addr = "http://" + addr
	}
	return strings.TrimRight(addr, "/") + kind.Path()
}
