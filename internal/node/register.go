package node

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/dreamware/ferry/internal/cluster"
)

// RegistrationBackoff is the retry policy used when the coordinator is not
// reachable yet: exponential from 200ms, capped at 2s between attempts and
// giving up after 30s.
func RegistrationBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = 30 * time.Second
	return b
}

// RegisterWithCoordinator announces info to the coordinator at coord,
// retrying according to policy. It returns the last error once policy or
// ctx gives up.
//
// Example:
//
//	info := cluster.NodeInfo{ID: "node-1", Addr: "http://10.0.0.7:8081"}
//	if err := node.RegisterWithCoordinator(ctx, "http://coordinator:8080", info, node.RegistrationBackoff(), logger); err != nil {
//	    logger.Fatalf("cannot register: %s", err)
//	}
func RegisterWithCoordinator(
	ctx context.Context,
	coord string,
	info cluster.NodeInfo,
	policy backoff.BackOff,
	logger *zap.SugaredLogger,
) error {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	body := cluster.RegisterRequest{Node: info}
	attempt := 0

	operation := func() error {
		attempt++
		return cluster.PostJSON(ctx, coord+"/register", body, nil)
	}
	notify := func(err error, wait time.Duration) {
		logger.Warnf("register retry %d in %s: %s", attempt, wait, err)
	}

	if err := backoff.RetryNotify(operation, backoff.WithContext(policy, ctx), notify); err != nil {
		return fmt.Errorf("failed to register with coordinator %s: %w", coord, err)
	}
	logger.Infof("registered with coordinator @ %s", coord)
	return nil
}
