// Package main implements the Ferry node service. A node registers with the
// coordinator and keeps a local library of artifacts that the coordinator
// pushes to it.
//
// HTTP API:
//
//	POST /rpc/load-artifact   write the files of an artifact into the library
//	POST /rpc/drop-artifact   remove an artifact from the library
//	GET  /health              liveness
//	GET  /info                node id and loaded artifacts
//
// Configuration:
//   - NODE_ID: unique node identifier (required)
//   - NODE_LISTEN: listen address (default ":8081")
//   - NODE_ADDR: public address given to the coordinator (default "http://127.0.0.1:8081")
//   - COORDINATOR_ADDR: coordinator URL (required)
//   - NODE_LIB_ROOT: library root (default "./data/{NODE_ID}/lib")
//   - NODE_TEMP_ROOT: staging root (default "./data/{NODE_ID}/tmp")
//
// Example usage:
//
//	NODE_ID=node-1 \
//	NODE_LISTEN=:8081 \
//	NODE_ADDR=http://localhost:8081 \
//	COORDINATOR_ADDR=http://localhost:8080 \
//	./node
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/dreamware/ferry/internal/cluster"
	"github.com/dreamware/ferry/internal/executable"
	"github.com/dreamware/ferry/internal/node"
)

// logFatal is a variable to allow mocking fatal exits in tests.
var logFatal = func(format string, args ...any) {
	zap.S().Fatalf(format, args...)
}

type config struct {
	id       string
	listen   string
	public   string
	coord    string
	libRoot  string
	tempRoot string
}

func loadConfig() config {
	cfg := config{
		id:     mustGetenv("NODE_ID"),
		listen: getenv("NODE_LISTEN", ":8081"),
		public: getenv("NODE_ADDR", "http://127.0.0.1:8081"),
		coord:  mustGetenv("COORDINATOR_ADDR"),
	}
	cfg.libRoot = getenv("NODE_LIB_ROOT", filepath.Join("data", cfg.id, "lib"))
	cfg.tempRoot = getenv("NODE_TEMP_ROOT", filepath.Join("data", cfg.id, "tmp"))
	return cfg
}

func newAgent(cfg config, fs afero.Fs, logger *zap.SugaredLogger) (*node.Agent, error) {
	manager := executable.NewManager(fs, cfg.tempRoot, cfg.libRoot,
		executable.WithLogger(logger.Named("executable")),
	)
	if err := manager.EnsureRoots(); err != nil {
		return nil, err
	}
	return node.NewAgent(cfg.id, manager, logger.Named("agent")), nil
}

func main() {
	zapLogger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer func() { _ = zapLogger.Sync() }()
	zap.ReplaceGlobals(zapLogger)
	logger := zapLogger.Sugar()

	cfg := loadConfig()
	logger = logger.With("node", cfg.id)

	agent, err := newAgent(cfg, afero.NewOsFs(), logger)
	if err != nil {
		logFatal("cannot initialize library: %s", err)
	}

	mux := http.NewServeMux()
	agent.Register(mux)

	s := &http.Server{
		Addr:              cfg.listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Infof("listening on %s (public %s)", cfg.listen, cfg.public)
		if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logFatal("listen: %s", err)
		}
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	info := cluster.NodeInfo{ID: cfg.id, Addr: cfg.public}
	if err := node.RegisterWithCoordinator(ctx, cfg.coord, info, node.RegistrationBackoff(), logger); err != nil {
		logFatal("%s", err)
	}

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := s.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("server shutdown error: %s", err)
	}
	logger.Info("node stopped")
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

// mustGetenv returns the value of k, or exits when it is unset or empty.
func mustGetenv(k string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	logFatal("missing env %s", k)
	return ""
}
