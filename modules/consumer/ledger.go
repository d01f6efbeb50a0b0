package consumer

import (
	"sort"

	"github.com/rillstream/rill/pkg/ingest"
)

// Ack records that all subscribed streams finished processing msg. It
// returns true only for the call that transitioned the message from unacked
// to acked, with an offset that was neither recorded before nor already
// committed. Safe to call any number of times.
func (c *Consumer) Ack(msg *ingest.Message) bool {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if msg.Acked {
		return false
	}
	msg.Acked = true
	delete(c.unacked, msg)
	// Wake a drainer regardless of whether the offset is recorded below:
	// the unacked set may have shrunk either way.
	defer c.notifyAckLocked()

	tp, offset := msg.TP, msg.Offset
	if committed, ok := c.committedOffset[tp]; ok && offset <= committed {
		return false
	}

	index := c.ackedIndex[tp]
	if index == nil {
		index = make(map[int64]struct{})
		c.ackedIndex[tp] = index
	}
	if _, dup := index[offset]; dup {
		return false
	}

	index[offset] = struct{}{}
	// sorting is deferred to newOffset
	c.acked[tp] = append(c.acked[tp], offset)
	c.nAcked++

	c.metrics.acked.Inc()
	c.metrics.unackedMessages.Set(float64(len(c.unacked)))
	return true
}

// newOffset extracts the leading run of consecutive acked offsets for tp
// and returns the run's last offset. The watermark may only advance across
// gapless runs: a gap means an in-flight message below it could still fail,
// and committing past it would lose the record on recovery.
//
//	acked: 1 2 3 4 5      -> 5, acked empty
//	acked: 34 35 36 40 41 -> 36, acked [40 41]
//
// Returns ok=false when nothing is acked. Caller must hold c.mtx.
func (c *Consumer) newOffsetLocked(tp ingest.TopicPartition) (int64, bool) {
	acked := c.acked[tp]
	if len(acked) == 0 {
		return 0, false
	}

	sort.Slice(acked, func(i, j int) bool { return acked[i] < acked[j] })

	run := 1
	for run < len(acked) && acked[run] == acked[run-1]+1 {
		run++
	}

	last := acked[run-1]
	index := c.ackedIndex[tp]
	for _, offset := range acked[:run] {
		delete(index, offset)
	}
	c.acked[tp] = acked[run:]
	return last, true
}

// shouldCommitLocked reports whether offset would advance the committed
// watermark for tp. Caller must hold c.mtx.
func (c *Consumer) shouldCommitLocked(tp ingest.TopicPartition, offset int64) bool {
	committed, ok := c.committedOffset[tp]
	return !ok || offset > committed
}
