package ingest

import (
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/atomic"
)

// TopicPartition identifies a partition of a topic. It is the unit of
// ordering, assignment and offset tracking.
type TopicPartition struct {
	Topic     string
	Partition int32
}

func (tp TopicPartition) String() string {
	return fmt.Sprintf("%s/%d", tp.Topic, tp.Partition)
}

// PartitionSet is a set of topic partitions.
type PartitionSet map[TopicPartition]struct{}

func NewPartitionSet(tps ...TopicPartition) PartitionSet {
	s := make(PartitionSet, len(tps))
	for _, tp := range tps {
		s[tp] = struct{}{}
	}
	return s
}

func (s PartitionSet) Contains(tp TopicPartition) bool {
	_, ok := s[tp]
	return ok
}

func (s PartitionSet) Add(tps ...TopicPartition) {
	for _, tp := range tps {
		s[tp] = struct{}{}
	}
}

func (s PartitionSet) Remove(tps ...TopicPartition) {
	for _, tp := range tps {
		delete(s, tp)
	}
}

// Clone returns a copy of the set.
func (s PartitionSet) Clone() PartitionSet {
	c := make(PartitionSet, len(s))
	for tp := range s {
		c[tp] = struct{}{}
	}
	return c
}

// Offsets maps partitions to record offsets.
type Offsets map[TopicPartition]int64

// RecordMap is the result of one fetch: records grouped by partition.
type RecordMap map[TopicPartition][]*kgo.Record

// Message is a single record dispatched to the stream layer.
//
// Acked is owned by the consumer core and flips false->true exactly once,
// under the consumer mutex. Refcount is incremented by the conductor for
// every subscribed stream and decremented as each stream finishes with the
// message; when it reaches zero the conductor acks the message.
type Message struct {
	TP        TopicPartition
	Offset    int64
	Key       []byte
	Value     []byte
	Timestamp time.Time

	Acked    bool
	Refcount atomic.Int32
}

// NewMessage materializes a broker record into a Message.
func NewMessage(tp TopicPartition, rec *kgo.Record) *Message {
	return &Message{
		TP:        tp,
		Offset:    rec.Offset,
		Key:       rec.Key,
		Value:     rec.Value,
		Timestamp: rec.Timestamp,
	}
}

// Incref adds n references to the message.
func (m *Message) Incref(n int32) {
	m.Refcount.Add(n)
}

// Decref drops one reference and reports whether it was the last.
func (m *Message) Decref() bool {
	return m.Refcount.Dec() == 0
}
