package node

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/dreamware/ferry/internal/cluster"
)

func fastPolicy(retries uint64) backoff.BackOff {
	return backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Millisecond), retries)
}

func TestRegisterWithCoordinator(t *testing.T) {
	calls := atomic.NewInt32(0)
	var got cluster.RegisterRequest
	coord := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/register", r.URL.Path)
		if calls.Inc() < 3 {
			http.Error(w, "starting up", http.StatusServiceUnavailable)
			return
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer coord.Close()

	info := cluster.NodeInfo{ID: "node-1", Addr: "http://127.0.0.1:8081"}
	err := RegisterWithCoordinator(context.Background(), coord.URL, info, fastPolicy(5), nil)
	require.NoError(t, err)

	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, info.ID, got.Node.ID)
	assert.Equal(t, info.Addr, got.Node.Addr)
}

func TestRegisterWithCoordinatorGivesUp(t *testing.T) {
	calls := atomic.NewInt32(0)
	coord := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Inc()
		http.Error(w, "no", http.StatusInternalServerError)
	}))
	defer coord.Close()

	err := RegisterWithCoordinator(context.Background(), coord.URL, cluster.NodeInfo{ID: "n", Addr: "a"}, fastPolicy(2), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to register with coordinator")
	assert.Equal(t, int32(3), calls.Load())
}

func TestRegisterWithCoordinatorCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := RegisterWithCoordinator(ctx, "http://127.0.0.1:1", cluster.NodeInfo{ID: "n", Addr: "a"}, RegistrationBackoff(), nil)
	assert.Error(t, err)
}

func TestRegistrationBackoff(t *testing.T) {
	b, ok := RegistrationBackoff().(*backoff.ExponentialBackOff)
	require.True(t, ok)
	assert.Equal(t, 200*time.Millisecond, b.InitialInterval)
	assert.Equal(t, 30*time.Second, b.MaxElapsedTime)
}
