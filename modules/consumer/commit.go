package consumer

import (
	"context"
	"time"

	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/rillstream/rill/pkg/ingest"
)

// commitWatchdogTimeout is the soft deadline after which an in-flight
// broker commit is logged as stuck. The driver call itself is expected to
// error eventually.
const commitWatchdogTimeout = 300 * time.Second

// TopicFilter restricts a commit to specific topics and/or partitions.
// A nil filter matches everything.
type TopicFilter struct {
	Topics     map[string]struct{}
	Partitions ingest.PartitionSet
}

// NewTopicFilter builds a filter from topic names.
func NewTopicFilter(topics ...string) *TopicFilter {
	f := &TopicFilter{Topics: make(map[string]struct{}, len(topics))}
	for _, t := range topics {
		f.Topics[t] = struct{}{}
	}
	return f
}

func (f *TopicFilter) matches(tp ingest.TopicPartition) bool {
	if f == nil {
		return true
	}
	if f.Partitions.Contains(tp) {
		return true
	}
	_, ok := f.Topics[tp.Topic]
	return ok
}

// commitWaiter is the single-writer slot: while non-nil on the consumer,
// a commit is in flight and followers wait for done instead of committing
// themselves.
type commitWaiter struct {
	done      chan struct{}
	cancelled bool
}

// Commit advances the committed offset for all partitions with pending
// acks, restricted by filter. Concurrent calls coalesce: only one caller
// performs the broker commit, followers wait for it and return false. A
// follower whose leader was cancelled retries the commit itself.
func (c *Consumer) Commit(ctx context.Context, filter *TopicFilter) (bool, error) {
	for {
		c.mtx.Lock()
		if w := c.commitSlot; w != nil {
			c.mtx.Unlock()
			select {
			case <-w.done:
			case <-ctx.Done():
				return false, ctx.Err()
			}
			if !w.cancelled {
				// leader committed on our behalf
				return false, nil
			}
			continue
		}
		w := &commitWaiter{done: make(chan struct{})}
		c.commitSlot = w
		c.mtx.Unlock()

		committed, err := c.ForceCommit(ctx, filter)

		c.mtx.Lock()
		c.commitSlot = nil
		c.mtx.Unlock()
		w.cancelled = errors.Is(err, context.Canceled)
		close(w.done)

		return committed, err
	}
}

// ForceCommit performs a commit without coalescing. Most callers want
// Commit.
func (c *Consumer) ForceCommit(ctx context.Context, filter *TopicFilter) (bool, error) {
	c.setState(StateCommitting)
	defer c.setState(StateIdle)
	c.metrics.commitsInitiated.Inc()

	offsets := c.filterCommittableOffsets(filter)
	if len(offsets) == 0 {
		return false, nil
	}

	if err := c.handleAttached(ctx, offsets); err != nil {
		if errors.Is(err, ErrProducerSend) {
			// Irrecoverable: crash without committing. The offsets
			// stay uncommitted, so the partitions are re-consumed
			// from the last committed offset after restart.
			c.crash(err)
			return false, err
		}
		return false, err
	}

	return c.commitOffsets(ctx, offsets)
}

// filterCommittableOffsets collapses the ack ledger into the highest safe
// commit offset per partition with pending acks, restricted by filter.
func (c *Consumer) filterCommittableOffsets(filter *TopicFilter) ingest.Offsets {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	offsets := make(ingest.Offsets)
	for tp := range c.acked {
		if !filter.matches(tp) {
			continue
		}
		offset, ok := c.newOffsetLocked(tp)
		if ok && c.shouldCommitLocked(tp, offset) {
			offsets[tp] = offset
		}
	}
	return offsets
}

// handleAttached flushes producer messages attached to the offsets about to
// be committed. Waits for all sends; a failed send means we must not commit.
func (c *Consumer) handleAttached(ctx context.Context, offsets ingest.Offsets) error {
	if c.attachments == nil {
		return nil
	}
	for tp, offset := range offsets {
		pending, err := c.attachments.PublishForTPOffset(ctx, tp, offset)
		if err != nil {
			return errors.Wrapf(err, "publishing attachments for %s", tp)
		}
		if len(pending) == 0 {
			continue
		}
		if err := c.producer.WaitMany(ctx, pending); err != nil {
			return errors.Wrapf(err, "flushing attachments for %s", tp)
		}
	}
	return nil
}

// commitOffsets sends offsets to the broker, dropping partitions that are
// no longer assigned. Committing a revoked partition is illegal; its
// records will be processed again by the new owner.
func (c *Consumer) commitOffsets(ctx context.Context, offsets ingest.Offsets) (bool, error) {
	assignment := c.driver.Assignment()

	commitable := make(ingest.Offsets, len(offsets))
	revoked := make(ingest.Offsets)
	for tp, offset := range offsets {
		if assignment.Contains(tp) {
			commitable[tp] = offset
		} else {
			revoked[tp] = offset
		}
	}
	if len(revoked) > 0 {
		level.Info(c.logger).Log(
			"msg", "discarded commit for revoked partitions, they will be processed again",
			"partitions", formatOffsets(revoked),
		)
	}
	if len(commitable) == 0 {
		return false, nil
	}

	level.Debug(c.logger).Log("msg", "committing offsets", "offsets", formatOffsets(commitable))

	watchdog := time.AfterFunc(commitWatchdogTimeout, func() {
		level.Warn(c.logger).Log(
			"msg", "commit has not returned within the soft timeout",
			"timeout", commitWatchdogTimeout,
			"offsets", formatOffsets(commitable),
		)
	})
	start := time.Now()
	err := c.driver.Commit(ctx, commitable)
	watchdog.Stop()
	c.metrics.commitLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		return false, errors.Wrap(err, "committing offsets")
	}

	c.mtx.Lock()
	for tp, offset := range commitable {
		c.committedOffset[tp] = offset
	}
	c.mtx.Unlock()

	for tp, offset := range commitable {
		c.metrics.committedOffset.WithLabelValues(tp.Topic, formatPartition(tp.Partition)).Set(float64(offset))
	}
	c.metrics.commitsCompleted.Inc()
	c.lastBatch.Store(0)
	return true, nil
}

// checkLivelock warns when records keep arriving but the committed offset
// has not advanced past the soft timeout.
func (c *Consumer) checkLivelock() {
	last := c.lastBatch.Load()
	if last == 0 {
		return
	}
	since := time.Since(time.Unix(0, last))
	if since > c.cfg.CommitLivelockSoftTimeout {
		c.metrics.livelockWarnings.Inc()
		level.Warn(c.logger).Log(
			"msg", "possible livelock: committed offset not advancing",
			"since_last_batch", since,
		)
	}
}
