package consensus

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

type leadershipTransferer interface {
	IsLeader() bool
	Leader() string
	TransferLeadership() error
}

// LeadershipRotator periodically hands leadership to another node so that no
// single node relays and exports for the chain indefinitely.
type LeadershipRotator struct {
	node     leadershipTransferer
	interval time.Duration
	settle   time.Duration
	stopCh   chan struct{}
	logger   *slog.Logger
}

func NewLeadershipRotator(node leadershipTransferer, interval time.Duration, logger *slog.Logger) *LeadershipRotator {
	if logger == nil {
		logger = slog.Default()
	}

	return &LeadershipRotator{
		node:     node,
		interval: interval,
		settle:   500 * time.Millisecond,
		stopCh:   make(chan struct{}),
		logger:   logger,
	}
}

func (r *LeadershipRotator) Start(ctx context.Context) error {
	if r.interval <= 0 {
		return fmt.Errorf("invalid interval: %v", r.interval)
	}

	r.logger.Info("Leadership rotator started", "interval", r.interval)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := r.rotate(); err != nil {
				r.logger.Error("Leadership transfer failed", "error", err)
			}
		case <-r.stopCh:
			r.logger.Info("Leadership rotator stopped")
			return nil
		case <-ctx.Done():
			r.logger.Info("Leadership rotator stopped due to context cancellation")
			return ctx.Err()
		}
	}
}

func (r *LeadershipRotator) rotate() error {
	if !r.node.IsLeader() {
		r.logger.Debug("Not the leader, skipping leadership transfer")
		return nil
	}

	previous := r.node.Leader()
	if err := r.node.TransferLeadership(); err != nil {
		return err
	}

	time.Sleep(r.settle)
	r.logger.Info("Leadership transferred", "old_leader", previous, "new_leader", r.node.Leader())
	return nil
}

func (r *LeadershipRotator) Stop() {
	close(r.stopCh)
}
