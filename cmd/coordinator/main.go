// Package main implements the Ferry coordinator: the service nodes register
// with and through which artifacts are installed on the whole cluster.
//
// HTTP API:
//
//	POST   /register           node registration (cluster.RegisterRequest)
//	GET    /nodes              registered nodes with their health checks
//	GET    /nodes/{id}         one node with its health check
//	GET    /health             liveness
//	POST   /artifacts          install {"name": ..., "uris": [...]}
//	GET    /artifacts          installed artifacts
//	DELETE /artifacts/{name}   uninstall
//
// Configuration:
//   - COORDINATOR_ADDR: listen address (default ":8080")
//   - FERRY_TEMP_ROOT: staging root (default "./data/tmp")
//   - FERRY_LIB_ROOT: library root (default "./data/lib")
//   - FERRY_MAX_TRANSFER_SIZE: largest file sent to nodes, e.g. "64MB" (default 2GB-1)
//   - FERRY_RPC_TIMEOUT: timeout of one node RPC (default "30s")
//   - FERRY_MAX_ATTEMPTS: broadcast attempts per install (default 3)
//   - FERRY_HEALTH_INTERVAL: node health check interval (default "5s")
//   - FERRY_ALLOW_FILE_URIS: accept file:// sources on POST /artifacts (default false)
//
// Example usage:
//
//	COORDINATOR_ADDR=:8080 ./coordinator
//	curl -X POST localhost:8080/artifacts \
//	  -d '{"name":"udf-math","uris":["https://repo.example.com/udf/math.jar"]}'
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/dreamware/ferry/internal/cluster"
	"github.com/dreamware/ferry/internal/coordinator"
	"github.com/dreamware/ferry/internal/dispatch"
	"github.com/dreamware/ferry/internal/executable"
	"github.com/dreamware/ferry/internal/transport"
)

type config struct {
	addr           string
	tempRoot       string
	libRoot        string
	maxTransfer    datasize.ByteSize
	rpcTimeout     time.Duration
	maxAttempts    uint64
	healthInterval time.Duration
	allowFileURIs  bool
}

func loadConfig() (config, error) {
	cfg := config{
		addr:     getenv("COORDINATOR_ADDR", ":8080"),
		tempRoot: getenv("FERRY_TEMP_ROOT", "./data/tmp"),
		libRoot:  getenv("FERRY_LIB_ROOT", "./data/lib"),
	}

	if err := cfg.maxTransfer.UnmarshalText([]byte(getenv("FERRY_MAX_TRANSFER_SIZE", "2147483647B"))); err != nil {
		return cfg, fmt.Errorf("FERRY_MAX_TRANSFER_SIZE: %w", err)
	}
	if uint64(cfg.maxTransfer) == 0 || cfg.maxTransfer.Bytes() > uint64(executable.MaxBufferSize) {
		return cfg, fmt.Errorf("FERRY_MAX_TRANSFER_SIZE: must be between 1B and %s", datasize.ByteSize(executable.MaxBufferSize).HR())
	}

	var err error
	if cfg.rpcTimeout, err = time.ParseDuration(getenv("FERRY_RPC_TIMEOUT", "30s")); err != nil {
		return cfg, fmt.Errorf("FERRY_RPC_TIMEOUT: %w", err)
	}
	if cfg.healthInterval, err = time.ParseDuration(getenv("FERRY_HEALTH_INTERVAL", "5s")); err != nil {
		return cfg, fmt.Errorf("FERRY_HEALTH_INTERVAL: %w", err)
	}
	if cfg.maxAttempts, err = strconv.ParseUint(getenv("FERRY_MAX_ATTEMPTS", "3"), 10, 64); err != nil || cfg.maxAttempts == 0 {
		return cfg, fmt.Errorf("FERRY_MAX_ATTEMPTS: must be a positive integer")
	}
	if cfg.allowFileURIs, err = strconv.ParseBool(getenv("FERRY_ALLOW_FILE_URIS", "false")); err != nil {
		return cfg, fmt.Errorf("FERRY_ALLOW_FILE_URIS: %w", err)
	}
	return cfg, nil
}

func main() {
	zapLogger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer func() { _ = zapLogger.Sync() }()
	logger := zapLogger.Sugar()

	cfg, err := loadConfig()
	if err != nil {
		logger.Fatalf("invalid configuration: %s", err)
	}

	srv, err := newServer(cfg, afero.NewOsFs(), logger)
	if err != nil {
		logger.Fatalf("cannot initialize: %s", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.monitor.Start(ctx, srv.registry.All)

	httpSrv := &http.Server{
		Addr:              cfg.addr,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Infof("coordinator listening on %s", cfg.addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("listen: %s", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	srv.monitor.Stop()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	// In-flight node RPCs of interrupted broadcasts still log their outcome.
	srv.rpc.Wait()
	logger.Info("coordinator stopped")
}

type server struct {
	registry      *coordinator.NodeRegistry
	monitor       *coordinator.HealthMonitor
	installer     *coordinator.Installer
	rpc           *transport.HTTP
	logger        *zap.SugaredLogger
	allowFileURIs bool
}

func newServer(cfg config, fs afero.Fs, logger *zap.SugaredLogger) (*server, error) {
	manager := executable.NewManager(fs, cfg.tempRoot, cfg.libRoot,
		executable.WithLogger(logger.Named("executable")),
		executable.WithMaxBufferSize(int64(cfg.maxTransfer.Bytes())),
	)
	if err := manager.EnsureRoots(); err != nil {
		return nil, err
	}

	rpc := transport.NewHTTP(cfg.rpcTimeout, transport.WithLogger(logger.Named("transport")))
	installer := coordinator.NewInstaller(
		manager,
		dispatch.NewDispatcher(rpc, logger.Named("dispatch")),
		coordinator.NewCatalog(manager),
		coordinator.InstallerConfig{
			MaxAttempts:     cfg.maxAttempts,
			InitialInterval: 500 * time.Millisecond,
			MaxInterval:     5 * time.Second,
		},
		logger.Named("installer"),
	)

	registry := coordinator.NewNodeRegistry()
	monitor := coordinator.NewHealthMonitor(cfg.healthInterval,
		coordinator.WithHealthRegistry(registry),
		coordinator.WithHealthLogger(logger.Named("health")),
	)
	monitor.SetOnUnhealthy(func(nodeID string) {
		logger.Warnf("node %s is unhealthy and no longer receives artifacts", nodeID)
	})

	return &server{
		registry:      registry,
		monitor:       monitor,
		installer:     installer,
		rpc:           rpc,
		logger:        logger,
		allowFileURIs: cfg.allowFileURIs,
	}, nil
}

func (s *server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/register", s.handleRegister)
	mux.HandleFunc("/nodes", s.handleListNodes)
	mux.HandleFunc("GET /nodes/{id}", s.handleGetNode)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /artifacts", s.handleInstall)
	mux.HandleFunc("GET /artifacts", s.handleListArtifacts)
	mux.HandleFunc("DELETE /artifacts/{name}", s.handleUninstall)
	return mux
}

func (s *server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req cluster.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	added, err := s.registry.Register(req.Node)
	if err != nil {
		http.Error(w, "missing id/addr", http.StatusBadRequest)
		return
	}
	if added {
		s.logger.Infof("node %s registered", req.Node)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleListNodes(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		Nodes  []cluster.NodeInfo                 `json:"nodes"`
		Health map[string]*coordinator.NodeHealth `json:"health"`
	}{Nodes: s.registry.All(), Health: s.monitor.GetAllNodeHealth()})
}

// nodeResponse is one node with the monitor's view of it. Health is nil
// until the node has been checked once.
type nodeResponse struct {
	Node    cluster.NodeInfo        `json:"node"`
	Health  *coordinator.NodeHealth `json:"health"`
	Healthy bool                    `json:"healthy"`
}

func (s *server) handleGetNode(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	n, ok := s.registry.Get(id)
	if !ok {
		http.Error(w, "unknown node", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, nodeResponse{
		Node:    n,
		Health:  s.monitor.GetNodeHealth(id),
		Healthy: s.monitor.IsHealthy(id),
	})
}

type installRequest struct {
	Name string   `json:"name"`
	URIs []string `json:"uris"`
}

type installResponse struct {
	Report *coordinator.Report `json:"report"`
	Error  string              `json:"error,omitempty"`
}

func (s *server) handleInstall(w http.ResponseWriter, r *http.Request) {
	var req installRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if len(req.URIs) == 0 {
		http.Error(w, "uris required", http.StatusBadRequest)
		return
	}
	for _, raw := range req.URIs {
		if err := s.checkSource(raw); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	report, err := s.installer.Install(r.Context(), req.Name, req.URIs, s.registry.Targets())
	if err != nil {
		writeJSON(w, statusFor(err), installResponse{Report: report, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, installResponse{Report: report})
}

// checkSource accepts http and https sources. file sources read the
// coordinator's own disk and are refused unless allowFileURIs is set.
func (s *server) checkSource(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid uri %q: %w", raw, err)
	}
	switch u.Scheme {
	case "http", "https":
		return nil
	case "file":
		if s.allowFileURIs {
			return nil
		}
		return fmt.Errorf("file uris are disabled: %q", raw)
	default:
		return fmt.Errorf("unsupported uri scheme %q", u.Scheme)
	}
}

func (s *server) handleListArtifacts(w http.ResponseWriter, _ *http.Request) {
	entries, err := s.installer.Installed()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Artifacts []coordinator.Entry `json:"artifacts"`
	}{Artifacts: entries})
}

func (s *server) handleUninstall(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	statuses, err := s.installer.Uninstall(r.Context(), name, s.registry.Targets())
	resp := struct {
		Nodes map[string]cluster.Status `json:"nodes"`
		Error string                    `json:"error,omitempty"`
	}{Nodes: statuses}
	if err != nil {
		resp.Error = err.Error()
		writeJSON(w, statusFor(err), resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// statusFor maps installer errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, executable.ErrInvalidName):
		return http.StatusBadRequest
	case errors.Is(err, coordinator.ErrAlreadyInstalled):
		return http.StatusConflict
	case errors.Is(err, coordinator.ErrNotInstalled):
		return http.StatusNotFound
	case errors.Is(err, executable.ErrDownload), errors.Is(err, executable.ErrOversize):
		return http.StatusUnprocessableEntity
	case errors.Is(err, coordinator.ErrNotConfirmed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
