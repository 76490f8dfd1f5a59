// Package node implements the worker side of artifact distribution: a node
// agent receives artifacts from the coordinator and persists them into its
// local library.
//
// Every RPC answers HTTP 200 with a cluster.Status body. A failed operation
// is reported with a non-success code, never with an HTTP error, so the
// coordinator can tell "the node said no" from "the node could not be
// reached".
package node

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/dreamware/ferry/internal/cluster"
	"github.com/dreamware/ferry/internal/executable"
)

// Agent serves the node RPCs on top of a local executable.Manager.
//
// Thread safety: handlers may run concurrently. Loads and drops are
// serialized by mu, which also guards the artifact index.
type Agent struct {
	id        string
	manager   *executable.Manager
	logger    *zap.SugaredLogger
	mu        sync.RWMutex
	artifacts map[string][]string
}

// NewAgent creates an agent for the node id persisting into manager's library.
// The library root is created on the first load.
func NewAgent(id string, manager *executable.Manager, logger *zap.SugaredLogger) *Agent {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Agent{
		id:        id,
		manager:   manager,
		logger:    logger,
		artifacts: make(map[string][]string),
	}
}

func (a *Agent) ID() string { return a.id }

// Register installs the agent's routes on mux:
//
//	POST /rpc/load-artifact   persist every file of a cluster.LoadArtifactRequest
//	POST /rpc/drop-artifact   remove the artifact named by a cluster.DropArtifactRequest
//	GET  /health              liveness
//	GET  /info                node id and loaded artifacts
func (a *Agent) Register(mux *http.ServeMux) {
	mux.HandleFunc(cluster.RequestLoadArtifact.Path(), a.handleLoad)
	mux.HandleFunc(cluster.RequestDropArtifact.Path(), a.handleDrop)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/info", a.handleInfo)
}

// Handler returns a fresh mux serving the agent's routes.
func (a *Agent) Handler() http.Handler {
	mux := http.NewServeMux()
	a.Register(mux)
	return mux
}

// Load persists every file of req into {libRoot}/{name}/ and records the
// artifact. A previous copy of the artifact is replaced as a whole. Files are
// written in order; a failure stops the load and leaves the files written so
// far in place.
func (a *Agent) Load(req cluster.LoadArtifactRequest) cluster.Status {
	if req.Name == "" || len(req.Files) == 0 {
		return cluster.NewStatus(cluster.StatusBadRequest, "artifact name and files are required")
	}
	for _, f := range req.Files {
		if int64(len(f.Content)) > executable.MaxBufferSize {
			return cluster.NewStatus(cluster.StatusArtifactTooLarge,
				fmt.Sprintf("file %q of artifact %q exceeds %d bytes", f.FileName, req.Name, executable.MaxBufferSize))
		}
	}
	if err := a.manager.EnsureRoots(); err != nil {
		return a.failure(req.Name, err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.manager.RemoveFromLibrary(req.Name); err != nil {
		return a.failure(req.Name, err)
	}
	names := make([]string, 0, len(req.Files))
	for _, f := range req.Files {
		if err := a.manager.WriteToArtifact(f.Content, req.Name, f.FileName); err != nil {
			return a.failure(req.Name, err)
		}
		names = append(names, f.FileName)
	}
	a.artifacts[req.Name] = names

	a.logger.Infof("node[%s] loaded artifact %q (%d file(s))", a.id, req.Name, len(names))
	return cluster.SuccessStatus()
}

// Drop removes the directory of an artifact from the library. Other
// artifacts are untouched even when they ship files of the same name.
func (a *Agent) Drop(req cluster.DropArtifactRequest) cluster.Status {
	if req.Name == "" {
		return cluster.NewStatus(cluster.StatusBadRequest, "artifact name is required")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.manager.RemoveFromLibrary(req.Name); err != nil {
		return a.failure(req.Name, err)
	}
	delete(a.artifacts, req.Name)

	a.logger.Infof("node[%s] dropped artifact %q", a.id, req.Name)
	return cluster.SuccessStatus()
}

// Artifacts returns the names of the loaded artifacts, sorted.
func (a *Agent) Artifacts() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	names := make([]string, 0, len(a.artifacts))
	for name := range a.artifacts {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (a *Agent) failure(name string, err error) cluster.Status {
	a.logger.Errorf("node[%s] failed on artifact %q: %s", a.id, name, err)
	code := cluster.StatusExecuteError
	switch {
	case errors.Is(err, executable.ErrOversize):
		code = cluster.StatusArtifactTooLarge
	case errors.Is(err, executable.ErrInvalidName):
		code = cluster.StatusBadRequest
	case errors.Is(err, executable.ErrFilesystem):
		code = cluster.StatusFilesystemError
	}
	return cluster.NewStatus(code, err.Error())
}

func (a *Agent) handleLoad(w http.ResponseWriter, r *http.Request) {
	var req cluster.LoadArtifactRequest
	if !decode(w, r, &req) {
		return
	}
	writeStatus(w, a.Load(req))
}

func (a *Agent) handleDrop(w http.ResponseWriter, r *http.Request) {
	var req cluster.DropArtifactRequest
	if !decode(w, r, &req) {
		return
	}
	writeStatus(w, a.Drop(req))
}

func (a *Agent) handleInfo(w http.ResponseWriter, _ *http.Request) {
	artifacts := a.Artifacts()
	response := struct {
		NodeID    string   `json:"node_id"`
		Artifacts []string `json:"artifacts"`
		Count     int      `json:"artifact_count"`
	}{
		NodeID:    a.id,
		Artifacts: artifacts,
		Count:     len(artifacts),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(response)
}

// decode reads a JSON RPC body. Malformed bodies are still answered with 200
// and a StatusBadRequest status.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeStatus(w, cluster.NewStatus(cluster.StatusBadRequest, "bad json: "+err.Error()))
		return false
	}
	return true
}

func writeStatus(w http.ResponseWriter, status cluster.Status) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(status)
}
