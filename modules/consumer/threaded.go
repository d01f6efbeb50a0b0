package consumer

import (
	"context"
	"runtime"
	"time"

	"github.com/pkg/errors"

	"github.com/rillstream/rill/pkg/ingest"
)

// ThreadDelegateDriver runs a driver on a dedicated OS thread and marshals
// every call onto it. Meant for client libraries that block or require
// thread affinity. Rebalance notifications arriving on the driver thread
// are bounced back to the consumer's method queue, so ledger mutation and
// the external callbacks still happen under the main loop's single-writer
// discipline.
type ThreadDelegateDriver struct {
	inner ingest.Driver

	calls chan *threadCall
	stop  chan struct{}
	done  chan struct{}
}

type threadCall struct {
	fn   func() error
	done chan error
}

// NewThreadDelegateDriver builds the inner driver via newDriver, handing it
// a listener that forwards rebalance events through the consumer's method
// queue, and starts the delegate thread.
func NewThreadDelegateDriver(newDriver func(ingest.RebalanceListener) (ingest.Driver, error), c *Consumer) (*ThreadDelegateDriver, error) {
	d := &ThreadDelegateDriver{
		calls: make(chan *threadCall, defaultMethodQueueSize),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}

	inner, err := newDriver(&threadListener{consumer: c})
	if err != nil {
		return nil, err
	}
	d.inner = inner

	go d.run()
	return d, nil
}

// run owns the driver thread. Every driver call executes here, in order.
func (d *ThreadDelegateDriver) run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(d.done)

	for {
		select {
		case call := <-d.calls:
			call.done <- call.fn()
		case <-d.stop:
			for {
				select {
				case call := <-d.calls:
					call.done <- ErrMethodQueueClosed
				default:
					return
				}
			}
		}
	}
}

func (d *ThreadDelegateDriver) call(ctx context.Context, fn func() error) error {
	select {
	case <-d.stop:
		return ErrMethodQueueClosed
	default:
	}

	call := &threadCall{fn: fn, done: make(chan error, 1)}
	select {
	case d.calls <- call:
	case <-d.stop:
		return ErrMethodQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	// prefer the call's own result if it raced with teardown
	select {
	case err := <-call.done:
		return err
	default:
	}
	select {
	case err := <-call.done:
		return err
	case <-d.done:
		return ErrMethodQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *ThreadDelegateDriver) Subscribe(ctx context.Context, topics []string) error {
	return d.call(ctx, func() error { return d.inner.Subscribe(ctx, topics) })
}

func (d *ThreadDelegateDriver) Fetch(ctx context.Context, active ingest.PartitionSet, timeout time.Duration) (ingest.RecordMap, error) {
	var records ingest.RecordMap
	err := d.call(ctx, func() error {
		var err error
		records, err = d.inner.Fetch(ctx, active, timeout)
		return err
	})
	return records, err
}

func (d *ThreadDelegateDriver) Commit(ctx context.Context, offsets ingest.Offsets) error {
	return d.call(ctx, func() error { return d.inner.Commit(ctx, offsets) })
}

func (d *ThreadDelegateDriver) Seek(ctx context.Context, tp ingest.TopicPartition, offset int64) error {
	return d.call(ctx, func() error { return d.inner.Seek(ctx, tp, offset) })
}

func (d *ThreadDelegateDriver) SeekToCommitted(ctx context.Context) (ingest.Offsets, error) {
	var offsets ingest.Offsets
	err := d.call(ctx, func() error {
		var err error
		offsets, err = d.inner.SeekToCommitted(ctx)
		return err
	})
	return offsets, err
}

func (d *ThreadDelegateDriver) Position(ctx context.Context, tp ingest.TopicPartition) (int64, error) {
	var pos int64
	err := d.call(ctx, func() error {
		var err error
		pos, err = d.inner.Position(ctx, tp)
		return err
	})
	return pos, err
}

func (d *ThreadDelegateDriver) Assignment() ingest.PartitionSet {
	var assignment ingest.PartitionSet
	err := d.call(context.Background(), func() error {
		assignment = d.inner.Assignment()
		return nil
	})
	if err != nil {
		return make(ingest.PartitionSet)
	}
	return assignment
}

func (d *ThreadDelegateDriver) Highwater(tp ingest.TopicPartition) int64 {
	hw := int64(-1)
	_ = d.call(context.Background(), func() error {
		hw = d.inner.Highwater(tp)
		return nil
	})
	return hw
}

func (d *ThreadDelegateDriver) EarliestOffsets(ctx context.Context, tps []ingest.TopicPartition) (ingest.Offsets, error) {
	var offsets ingest.Offsets
	err := d.call(ctx, func() error {
		var err error
		offsets, err = d.inner.EarliestOffsets(ctx, tps)
		return err
	})
	return offsets, err
}

func (d *ThreadDelegateDriver) Highwaters(ctx context.Context, tps []ingest.TopicPartition) (ingest.Offsets, error) {
	var offsets ingest.Offsets
	err := d.call(ctx, func() error {
		var err error
		offsets, err = d.inner.Highwaters(ctx, tps)
		return err
	})
	return offsets, err
}

func (d *ThreadDelegateDriver) CreateTopic(ctx context.Context, topic string, partitions int32, replication int16) error {
	return d.call(ctx, func() error { return d.inner.CreateTopic(ctx, topic, partitions, replication) })
}

func (d *ThreadDelegateDriver) IsStopped(err error) bool {
	return errors.Is(err, ErrMethodQueueClosed) || d.inner.IsStopped(err)
}

func (d *ThreadDelegateDriver) Close() {
	_ = d.call(context.Background(), func() error {
		d.inner.Close()
		return nil
	})
	close(d.stop)
	<-d.done
}

// threadListener forwards driver-thread rebalance notifications to the
// consumer's method queue and waits for the main loop to finish handling
// them before the driver proceeds with the rebalance.
type threadListener struct {
	consumer *Consumer
}

func (l *threadListener) OnPartitionsRevoked(ctx context.Context, revoked []ingest.TopicPartition) {
	err := l.consumer.MethodQueue().Call(ctx, func(ctx context.Context) error {
		l.consumer.OnPartitionsRevoked(ctx, revoked)
		return nil
	})
	if err != nil {
		// queue torn down; fall back to direct handling so state stays
		// consistent during shutdown
		l.consumer.OnPartitionsRevoked(ctx, revoked)
	}
}

func (l *threadListener) OnPartitionsAssigned(ctx context.Context, assigned []ingest.TopicPartition) {
	err := l.consumer.MethodQueue().Call(ctx, func(ctx context.Context) error {
		l.consumer.OnPartitionsAssigned(ctx, assigned)
		return nil
	})
	if err != nil {
		l.consumer.OnPartitionsAssigned(ctx, assigned)
	}
}
