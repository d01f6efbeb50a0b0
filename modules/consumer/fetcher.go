package consumer

import (
	"context"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"

	"github.com/rillstream/rill/pkg/ingest"
)

// Fetcher is the long-lived service that pulls record batches from the
// driver and feeds the consumer's callback. It is separate from the
// Consumer service so that rebalancing and shutdown can stop the fetch loop
// while the consumer keeps committing drained work.
type Fetcher struct {
	services.Service

	consumer *Consumer
	logger   log.Logger
}

func NewFetcher(c *Consumer, logger log.Logger) *Fetcher {
	f := &Fetcher{
		consumer: c,
		logger:   logger,
	}
	f.Service = services.NewBasicService(nil, f.running, f.stopping)
	return f
}

func (f *Fetcher) running(ctx context.Context) error {
	err := f.consumer.drainMessages(ctx)
	if err == nil {
		return nil
	}
	if f.consumer.isBenign(ctx, err) || ctx.Err() != nil {
		level.Info(f.logger).Log("msg", "broker stopped consumer, shutting down", "err", err)
		return nil
	}
	level.Error(f.logger).Log("msg", "drain messages failed", "err", err)
	return err
}

func (f *Fetcher) stopping(_ error) error {
	level.Debug(f.logger).Log("msg", "fetcher stopped")
	return nil
}

// drainMessages is the fetch loop body: gate on flow, fetch from the active
// partitions, then deal records out round-robin to the callback.
func (c *Consumer) drainMessages(ctx context.Context) error {
	for ctx.Err() == nil {
		c.setState(StateFetching)

		if !c.isFlowActive() {
			if err := c.canResumeFlow.Wait(ctx); err != nil {
				return nil
			}
			continue
		}

		active := c.getActivePartitions()
		if len(active) == 0 {
			// nothing to fetch from; idle until partitions arrive
			select {
			case <-time.After(c.cfg.IdleSleep):
			case <-ctx.Done():
				return nil
			}
			continue
		}

		records, err := c.driver.Fetch(ctx, active, c.cfg.FetchTimeout)
		if err != nil {
			return errors.Wrap(err, "fetching records")
		}
		if len(records) > 0 && c.lastBatch.Load() == 0 {
			c.lastBatch.Store(time.Now().UnixNano())
		}

		if err := c.dispatch(ctx, records); err != nil {
			return err
		}
		c.setState(StateIdle)
	}
	return nil
}

func (c *Consumer) dispatch(ctx context.Context, records ingest.RecordMap) error {
	index := newTopicIndex(records)
	for {
		if ctx.Err() != nil || !c.isFlowActive() {
			return nil
		}
		tp, rec, ok := index.pop()
		if !ok {
			return nil
		}
		if !c.isActive(tp) {
			// partition paused or revoked mid-batch
			continue
		}

		if hw := c.driver.Highwater(tp); hw >= 0 {
			c.metrics.endOffset.WithLabelValues(tp.Topic, formatPartition(tp.Partition)).Set(float64(hw))
		}

		c.mtx.Lock()
		readOffset, seen := c.readOffset[tp]
		commitNow := c.cfg.CommitEvery > 0 && c.nAcked >= c.cfg.CommitEvery
		if commitNow {
			c.nAcked = 0
		}
		c.mtx.Unlock()

		if seen && rec.Offset <= readOffset {
			// the broker re-delivered a record we already dispatched
			c.metrics.messagesDropped.WithLabelValues(tp.Topic).Inc()
			c.dropLogger.Log(
				"msg", "dropped re-delivered record",
				"partition", tp, "offset", rec.Offset, "read_offset", readOffset,
			)
			continue
		}

		if commitNow {
			if _, err := c.Commit(ctx, nil); err != nil && !c.isBenign(ctx, err) {
				return errors.Wrap(err, "commit-every commit")
			}
		}

		msg := ingest.NewMessage(tp, rec)
		if err := c.callback(ctx, msg); err != nil {
			return errors.Wrap(err, "delivering record")
		}

		c.mtx.Lock()
		c.readOffset[tp] = rec.Offset
		c.mtx.Unlock()
	}
}
