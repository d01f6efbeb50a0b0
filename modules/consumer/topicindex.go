package consumer

import (
	"sort"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/rillstream/rill/pkg/ingest"
)

// topicIndex regroups one fetch's records by topic and deals them out
// round-robin: one record per topic per pass, and within a topic one record
// per partition per pass. Iterating the fetch result partition by partition
// would let a partition with a large prefetched batch starve the others;
// dealing across topics (and partitions within them) evens progress.
type topicIndex struct {
	topics  []string
	buffers map[string]*topicBuffer
	next    int
}

type topicBuffer struct {
	partitions []partitionQueue
	next       int
}

type partitionQueue struct {
	tp      ingest.TopicPartition
	records []*kgo.Record
}

func newTopicIndex(records ingest.RecordMap) *topicIndex {
	idx := &topicIndex{buffers: make(map[string]*topicBuffer)}

	tps := make([]ingest.TopicPartition, 0, len(records))
	for tp := range records {
		tps = append(tps, tp)
	}
	sort.Slice(tps, func(i, j int) bool {
		if tps[i].Topic != tps[j].Topic {
			return tps[i].Topic < tps[j].Topic
		}
		return tps[i].Partition < tps[j].Partition
	})

	for _, tp := range tps {
		recs := records[tp]
		if len(recs) == 0 {
			continue
		}
		buf := idx.buffers[tp.Topic]
		if buf == nil {
			buf = &topicBuffer{}
			idx.buffers[tp.Topic] = buf
			idx.topics = append(idx.topics, tp.Topic)
		}
		buf.partitions = append(buf.partitions, partitionQueue{tp: tp, records: recs})
	}
	return idx
}

// pop returns the next record for this topic, rotating across its
// partitions. ok is false when the topic is exhausted.
func (b *topicBuffer) pop() (ingest.TopicPartition, *kgo.Record, bool) {
	for len(b.partitions) > 0 {
		if b.next >= len(b.partitions) {
			b.next = 0
		}
		q := &b.partitions[b.next]
		if len(q.records) == 0 {
			b.partitions = append(b.partitions[:b.next], b.partitions[b.next+1:]...)
			continue
		}
		rec := q.records[0]
		q.records = q.records[1:]
		b.next++
		return q.tp, rec, true
	}
	return ingest.TopicPartition{}, nil, false
}

// pop returns the next record across all topics, one topic at a time in
// rotation. ok is false when every topic is exhausted.
func (idx *topicIndex) pop() (ingest.TopicPartition, *kgo.Record, bool) {
	for len(idx.topics) > 0 {
		if idx.next >= len(idx.topics) {
			idx.next = 0
		}
		topic := idx.topics[idx.next]
		tp, rec, ok := idx.buffers[topic].pop()
		if !ok {
			delete(idx.buffers, topic)
			idx.topics = append(idx.topics[:idx.next], idx.topics[idx.next+1:]...)
			continue
		}
		idx.next++
		return tp, rec, true
	}
	return ingest.TopicPartition{}, nil, false
}
