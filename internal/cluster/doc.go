// Package cluster holds the types shared by the coordinator and the nodes of
// a Ferry cluster together with the small HTTP/JSON helpers both sides use.
//
// # Membership
//
// Nodes announce themselves with POST /register carrying a RegisterRequest.
// NodeInfo identifies a node by ID and base address; its String form,
// "{id=..., addr=...}", is what appears in logs and failure records.
//
// # Operations
//
// The coordinator broadcasts operations identified by a RequestType. Each
// type is served by the node under RequestType.Path:
//
//	LOAD_ARTIFACT  POST /rpc/load-artifact  LoadArtifactRequest
//	DROP_ARTIFACT  POST /rpc/drop-artifact  DropArtifactRequest
//
// # Status
//
// A node answers every operation with HTTP 200 and a Status body. Whether
// the operation succeeded is carried by Status.Code:
//
//	StatusSuccess           200
//	StatusExecuteError      301  generic failure, also used for transport failures
//	StatusArtifactTooLarge  302
//	StatusFilesystemError   303
//	StatusBadRequest        304
//
// Status.Err converts a non-success status into a *StatusError matching
// ErrStatus, so callers can use errors.Is.
//
// # HTTP helpers
//
// PostJSON and GetJSON wrap a shared resty client with a 5 second timeout.
// Any response status of 300 or above is returned as an error.
package cluster
