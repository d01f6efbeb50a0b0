package consumer

import (
	"context"
	"flag"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/pkg/errors"

	"github.com/rillstream/rill/pkg/ingest"
)

var errFakeStopped = errors.New("fake driver stopped")

// fakeDriver is an in-memory Driver for exercising the consumer core
// without a broker.
type fakeDriver struct {
	mtx sync.Mutex

	assignment ingest.PartitionSet
	committed  ingest.Offsets // served by SeekToCommitted
	highwaters map[ingest.TopicPartition]int64
	fetches    []ingest.RecordMap
	seeks      map[ingest.TopicPartition]int64

	commits      []ingest.Offsets
	commitErr    error
	commitBegan  chan struct{} // closed when the first commit starts
	commitGate   chan struct{} // commit blocks until closed, when non-nil
	fetchForever bool          // empty fetches instead of draining the queue
}

func newFakeDriver(assigned ...ingest.TopicPartition) *fakeDriver {
	return &fakeDriver{
		assignment: ingest.NewPartitionSet(assigned...),
		committed:  make(ingest.Offsets),
		highwaters: make(map[ingest.TopicPartition]int64),
		seeks:      make(map[ingest.TopicPartition]int64),
	}
}

func (d *fakeDriver) factory() DriverFactory {
	return func(*Consumer) (ingest.Driver, error) { return d, nil }
}

func (d *fakeDriver) Subscribe(context.Context, []string) error { return nil }

func (d *fakeDriver) Fetch(ctx context.Context, _ ingest.PartitionSet, _ time.Duration) (ingest.RecordMap, error) {
	d.mtx.Lock()
	if len(d.fetches) > 0 {
		records := d.fetches[0]
		d.fetches = d.fetches[1:]
		d.mtx.Unlock()
		return records, nil
	}
	forever := d.fetchForever
	d.mtx.Unlock()
	if forever {
		select {
		case <-ctx.Done():
		case <-time.After(5 * time.Millisecond):
		}
		return ingest.RecordMap{}, nil
	}
	return nil, errFakeStopped
}

func (d *fakeDriver) Commit(_ context.Context, offsets ingest.Offsets) error {
	d.mtx.Lock()
	began := d.commitBegan
	gate := d.commitGate
	d.commitBegan = nil
	d.mtx.Unlock()

	if began != nil {
		close(began)
	}
	if gate != nil {
		<-gate
	}

	d.mtx.Lock()
	defer d.mtx.Unlock()
	if d.commitErr != nil {
		return d.commitErr
	}
	copied := make(ingest.Offsets, len(offsets))
	for tp, off := range offsets {
		copied[tp] = off
	}
	d.commits = append(d.commits, copied)
	return nil
}

func (d *fakeDriver) commitCount() int {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	return len(d.commits)
}

func (d *fakeDriver) lastCommit() ingest.Offsets {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	if len(d.commits) == 0 {
		return nil
	}
	return d.commits[len(d.commits)-1]
}

func (d *fakeDriver) Seek(_ context.Context, tp ingest.TopicPartition, offset int64) error {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	d.seeks[tp] = offset
	return nil
}

func (d *fakeDriver) SeekToCommitted(context.Context) (ingest.Offsets, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	committed := make(ingest.Offsets, len(d.committed))
	for tp, off := range d.committed {
		committed[tp] = off
	}
	return committed, nil
}

func (d *fakeDriver) Position(context.Context, ingest.TopicPartition) (int64, error) {
	return -1, errors.New("not implemented")
}

func (d *fakeDriver) Assignment() ingest.PartitionSet {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	return d.assignment.Clone()
}

func (d *fakeDriver) setAssignment(tps ...ingest.TopicPartition) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	d.assignment = ingest.NewPartitionSet(tps...)
}

func (d *fakeDriver) Highwater(tp ingest.TopicPartition) int64 {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	if hw, ok := d.highwaters[tp]; ok {
		return hw
	}
	return -1
}

func (d *fakeDriver) EarliestOffsets(context.Context, []ingest.TopicPartition) (ingest.Offsets, error) {
	return ingest.Offsets{}, nil
}

func (d *fakeDriver) Highwaters(context.Context, []ingest.TopicPartition) (ingest.Offsets, error) {
	return ingest.Offsets{}, nil
}

func (d *fakeDriver) CreateTopic(context.Context, string, int32, int16) error { return nil }

func (d *fakeDriver) IsStopped(err error) bool {
	return errors.Is(err, errFakeStopped) || errors.Is(err, context.Canceled)
}

func (d *fakeDriver) Close() {}

func newTestConsumer(t testing.TB, driver *fakeDriver, callback Callback, opts ...Option) *Consumer {
	t.Helper()
	cfg := Config{}
	cfg.RegisterFlagsAndApplyDefaults("consumer", flagSet())
	if callback == nil {
		callback = func(context.Context, *ingest.Message) error { return nil }
	}
	opts = append([]Option{WithLogger(log.NewNopLogger())}, opts...)
	c, err := New(cfg, driver.factory(), callback, opts...)
	if err != nil {
		t.Fatalf("creating consumer: %v", err)
	}
	return c
}

func flagSet() *flag.FlagSet {
	return flag.NewFlagSet("test", flag.PanicOnError)
}

func newTestMessage(tp ingest.TopicPartition, offset int64) *ingest.Message {
	return &ingest.Message{TP: tp, Offset: offset}
}
