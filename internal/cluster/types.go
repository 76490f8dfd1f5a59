package cluster

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// Health states reported for a node by the coordinator's health monitor.
const (
	HealthUnknown   = "unknown"
	HealthHealthy   = "healthy"
	HealthUnhealthy = "unhealthy"
)

type NodeInfo struct {
	ID              string    `json:"id"`
	Addr            string    `json:"addr"`
	Status          string    `json:"health_status"`
	LastHealthCheck time.Time `json:"last_health_check"`
}

// String renders the node the way it appears in logs and failure records.
func (n NodeInfo) String() string {
	return fmt.Sprintf("{id=%s, addr=%s}", n.ID, n.Addr)
}

type RegisterRequest struct {
	Node NodeInfo `json:"node"`
}

// RequestType names an operation the coordinator broadcasts to nodes.
type RequestType string

const (
	RequestLoadArtifact RequestType = "LOAD_ARTIFACT"
	RequestDropArtifact RequestType = "DROP_ARTIFACT"
)

// Path is the node RPC route serving the request type, e.g. "/rpc/load-artifact".
func (t RequestType) Path() string {
	return "/rpc/" + strings.ReplaceAll(strings.ToLower(string(t)), "_", "-")
}

// Operation status codes carried in Status.Code.
const (
	StatusSuccess          = 200
	StatusExecuteError     = 301
	StatusArtifactTooLarge = 302
	StatusFilesystemError  = 303
	StatusBadRequest       = 304
)

// ErrStatus matches every *StatusError.
var ErrStatus = errors.New("operation status is not success")

// Status is the outcome a node reports for one operation.
// The transport may succeed while the operation itself fails; that is
// expressed by a non-success Code, never by an HTTP error.
type Status struct {
	Code    int    `json:"code"`
	Message string `json:"message,omitempty"`
}

func NewStatus(code int, message string) Status {
	return Status{Code: code, Message: message}
}

func SuccessStatus() Status {
	return Status{Code: StatusSuccess}
}

func (s Status) IsSuccess() bool {
	return s.Code == StatusSuccess
}

// Err returns nil for a success status and a *StatusError otherwise.
func (s Status) Err() error {
	if s.IsSuccess() {
		return nil
	}
	return &StatusError{Status: s}
}

func (s Status) String() string {
	return fmt.Sprintf("Status(code:%d, message:%s)", s.Code, s.Message)
}

// StatusError is an application-level failure: the node answered, but with
// a non-success code.
type StatusError struct {
	Status Status
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("operation failed with code %d: %s", e.Status.Code, e.Status.Message)
}

func (e *StatusError) Is(target error) bool {
	return target == ErrStatus
}

// ArtifactFile is one serialized file of an artifact.
type ArtifactFile struct {
	FileName string `json:"file_name"`
	Content  []byte `json:"content"`
}

type LoadArtifactRequest struct {
	Name  string         `json:"name"`
	Files []ArtifactFile `json:"files"`
}

// DropArtifactRequest removes the artifact directory {libRoot}/{name} on a node.
type DropArtifactRequest struct {
	Name string `json:"name"`
}

var httpClient = resty.New().SetTimeout(5 * time.Second)

func PostJSON(ctx context.Context, url string, body any, out any) error {
	req := httpClient.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(body)
	if out != nil {
		req.SetResult(out).ForceContentType("application/json")
	}
	resp, err := req.Post(url)
	if err != nil {
		return err
	}
	if resp.StatusCode() >= 300 {
		return fmt.Errorf("http %s: %d", url, resp.StatusCode())
	}
	return nil
}

func GetJSON(ctx context.Context, url string, out any) error {
	resp, err := httpClient.R().
		SetContext(ctx).
		SetResult(out).
		ForceContentType("application/json").
		Get(url)
	if err != nil {
		return err
	}
	if resp.StatusCode() >= 300 {
		return fmt.Errorf("http %s: %d", url, resp.StatusCode())
	}
	return nil
}
