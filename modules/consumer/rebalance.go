package consumer

import (
	"context"

	"github.com/go-kit/log/level"

	"github.com/rillstream/rill/pkg/ingest"
)

// OnPartitionsRevoked handles the broker taking partitions away. Local
// partition state is updated before the external callback runs so that new
// fetch cycles stop pulling from the revoked partitions while the callback
// drains streams and commits their final offsets.
func (c *Consumer) OnPartitionsRevoked(ctx context.Context, revoked []ingest.TopicPartition) {
	c.setState(StatePartitionsRevoked)
	defer c.setState(StateIdle)
	c.metrics.rebalances.WithLabelValues("revoked").Inc()
	level.Info(c.logger).Log("msg", "partitions revoked", "count", len(revoked))

	if c.onRebalanceStart != nil {
		c.onRebalanceStart()
	}

	c.mtx.Lock()
	if c.activePartitions != nil {
		c.activePartitions.Remove(revoked...)
	}
	c.pausedPartitions.Remove(revoked...)
	c.mtx.Unlock()

	if c.onRevoked != nil {
		if err := c.onRevoked(ctx, revoked); err != nil {
			level.Error(c.logger).Log("msg", "revoked callback failed", "err", err)
		}
	}
}

// OnPartitionsAssigned handles new partition ownership. Pauses for
// partitions that departed are forgotten, and the active set becomes the
// assignment minus surviving pauses.
func (c *Consumer) OnPartitionsAssigned(ctx context.Context, assigned []ingest.TopicPartition) {
	c.setState(StatePartitionsAssigned)
	defer c.setState(StateIdle)
	c.metrics.rebalances.WithLabelValues("assigned").Inc()
	level.Info(c.logger).Log("msg", "partitions assigned", "count", len(assigned))

	assignedSet := ingest.NewPartitionSet(assigned...)

	c.mtx.Lock()
	for tp := range c.pausedPartitions {
		if !assignedSet.Contains(tp) {
			delete(c.pausedPartitions, tp)
		}
	}
	active := assignedSet.Clone()
	for tp := range c.pausedPartitions {
		delete(active, tp)
	}
	c.activePartitions = active
	c.mtx.Unlock()

	c.lastBatch.Store(0)

	if c.onAssigned != nil {
		if err := c.onAssigned(ctx, assigned); err != nil {
			level.Error(c.logger).Log("msg", "assigned callback failed", "err", err)
		}
	}
}
