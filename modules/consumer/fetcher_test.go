package consumer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/grafana/dskit/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/rillstream/rill/pkg/ingest"
)

func makeRecords(tp ingest.TopicPartition, offsets ...int64) []*kgo.Record {
	recs := make([]*kgo.Record, 0, len(offsets))
	for _, offset := range offsets {
		recs = append(recs, &kgo.Record{
			Topic:     tp.Topic,
			Partition: tp.Partition,
			Offset:    offset,
			Value:     []byte("v"),
		})
	}
	return recs
}

func seqOffsets(n int) []int64 {
	offsets := make([]int64, n)
	for i := range offsets {
		offsets[i] = int64(i)
	}
	return offsets
}

// Dispatch deals records out one topic per pass and one partition per pass
// within a topic, so no partition gets ahead by more than one record.
func TestDispatchRoundRobinFairness(t *testing.T) {
	a0 := ingest.TopicPartition{Topic: "a", Partition: 0}
	a1 := ingest.TopicPartition{Topic: "a", Partition: 1}
	b0 := ingest.TopicPartition{Topic: "b", Partition: 0}
	b1 := ingest.TopicPartition{Topic: "b", Partition: 1}
	tps := []ingest.TopicPartition{a0, a1, b0, b1}

	driver := newFakeDriver(tps...)

	var order []ingest.TopicPartition
	callback := func(_ context.Context, msg *ingest.Message) error {
		order = append(order, msg.TP)
		return nil
	}
	c := newTestConsumer(t, driver, callback)

	const perPartition = 100
	records := ingest.RecordMap{}
	for _, tp := range tps {
		records[tp] = makeRecords(tp, seqOffsets(perPartition)...)
	}

	require.NoError(t, c.dispatch(context.Background(), records))
	require.Len(t, order, perPartition*len(tps))

	counts := map[ingest.TopicPartition]int{}
	for n, tp := range order {
		counts[tp]++
		// after every prefix, partition progress differs by at most one
		lo, hi := counts[tp], counts[tp]
		for _, other := range tps {
			if counts[other] < lo {
				lo = counts[other]
			}
			if counts[other] > hi {
				hi = counts[other]
			}
		}
		require.LessOrEqual(t, hi-lo, 1, "unbalanced after %d records", n+1)
	}
}

func TestDispatchDropsRedeliveredRecords(t *testing.T) {
	driver := newFakeDriver(tp0)

	var delivered []int64
	callback := func(_ context.Context, msg *ingest.Message) error {
		delivered = append(delivered, msg.Offset)
		return nil
	}
	c := newTestConsumer(t, driver, callback)

	require.NoError(t, c.dispatch(context.Background(), ingest.RecordMap{
		tp0: makeRecords(tp0, 0, 1, 2),
	}))
	// the broker re-delivers 1 and 2, plus one new record
	require.NoError(t, c.dispatch(context.Background(), ingest.RecordMap{
		tp0: makeRecords(tp0, 1, 2, 3),
	}))

	assert.Equal(t, []int64{0, 1, 2, 3}, delivered)

	c.mtx.Lock()
	defer c.mtx.Unlock()
	assert.Equal(t, int64(3), c.readOffset[tp0])
}

func TestDispatchSkipsInactivePartitions(t *testing.T) {
	p0 := ingest.TopicPartition{Topic: "events", Partition: 0}
	p1 := ingest.TopicPartition{Topic: "events", Partition: 1}
	driver := newFakeDriver(p0, p1)

	var delivered []ingest.TopicPartition
	callback := func(_ context.Context, msg *ingest.Message) error {
		delivered = append(delivered, msg.TP)
		return nil
	}
	c := newTestConsumer(t, driver, callback)
	c.PausePartitions([]ingest.TopicPartition{p1})

	require.NoError(t, c.dispatch(context.Background(), ingest.RecordMap{
		p0: makeRecords(p0, 0),
		p1: makeRecords(p1, 0),
	}))

	assert.Equal(t, []ingest.TopicPartition{p0}, delivered)
}

func TestDispatchStopsWhenFlowStops(t *testing.T) {
	driver := newFakeDriver(tp0)

	var c *Consumer
	var delivered int
	callback := func(context.Context, *ingest.Message) error {
		delivered++
		if delivered == 2 {
			c.StopFlow()
		}
		return nil
	}
	c = newTestConsumer(t, driver, callback)

	require.NoError(t, c.dispatch(context.Background(), ingest.RecordMap{
		tp0: makeRecords(tp0, seqOffsets(10)...),
	}))
	assert.Equal(t, 2, delivered, "dispatch breaks at the next record boundary")
}

// CommitEvery forces a commit before the next dispatch once N records have
// been acked since the last forced commit.
func TestDispatchCommitEvery(t *testing.T) {
	driver := newFakeDriver(tp0)

	var c *Consumer
	callback := func(_ context.Context, msg *ingest.Message) error {
		c.TrackMessage(msg)
		c.Ack(msg)
		return nil
	}
	c = newTestConsumer(t, driver, callback)
	c.cfg.CommitEvery = 5

	require.NoError(t, c.dispatch(context.Background(), ingest.RecordMap{
		tp0: makeRecords(tp0, seqOffsets(12)...),
	}))

	assert.Equal(t, 2, driver.commitCount())
	committed, err := c.Commit(context.Background(), nil)
	require.NoError(t, err)
	assert.True(t, committed)
	assert.Equal(t, ingest.Offsets{tp0: 11}, driver.lastCommit())
}

// The fetcher service drains queued batches and exits cleanly when the
// service is stopped.
func TestFetcherServiceLifecycle(t *testing.T) {
	driver := newFakeDriver(tp0)
	driver.fetchForever = true
	driver.fetches = []ingest.RecordMap{
		{tp0: makeRecords(tp0, 0, 1, 2)},
	}

	var (
		mtx       sync.Mutex
		delivered []int64
	)
	callback := func(_ context.Context, msg *ingest.Message) error {
		mtx.Lock()
		delivered = append(delivered, msg.Offset)
		mtx.Unlock()
		return nil
	}
	c := newTestConsumer(t, driver, callback)

	f := NewFetcher(c, c.logger)
	require.NoError(t, services.StartAndAwaitRunning(context.Background(), f))

	assert.Eventually(t, func() bool {
		mtx.Lock()
		defer mtx.Unlock()
		return len(delivered) == 3
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, services.StopAndAwaitTerminated(context.Background(), f))

	mtx.Lock()
	defer mtx.Unlock()
	assert.Equal(t, []int64{0, 1, 2}, delivered)
}

// A non-empty fetch arms the livelock clock; a successful commit clears it.
func TestLivelockClock(t *testing.T) {
	driver := newFakeDriver(tp0)
	driver.fetches = []ingest.RecordMap{
		{tp0: makeRecords(tp0, 0)},
	}

	var c *Consumer
	callback := func(_ context.Context, msg *ingest.Message) error {
		c.TrackMessage(msg)
		return nil
	}
	c = newTestConsumer(t, driver, callback)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		// second fetch returns the stopped error and ends the drain
		_ = c.drainMessages(ctx)
	}()

	assert.Eventually(t, func() bool { return c.unackedCount() > 0 }, time.Second, 5*time.Millisecond)
	require.NotZero(t, c.lastBatch.Load(), "non-empty fetch arms the livelock clock")

	msg := c.Unacked()[0]
	require.True(t, c.Ack(msg))
	_, err := c.Commit(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, c.lastBatch.Load(), "commit clears the livelock clock")
}
