package ingest

import (
	"context"
	"time"
)

// Driver is the broker-facing side of the consumer core. Implementations
// wrap a concrete client library; all methods that touch the network take a
// context and may fail.
//
// Offsets exchanged through this interface are record offsets: Commit(tp: N)
// means "record N has been fully processed", and SeekToCommitted returns the
// offset of the last processed record per partition. Implementations own any
// translation to the broker's next-to-read convention.
type Driver interface {
	// Subscribe joins the consumer group for the given topics. Rebalance
	// notifications are delivered to the RebalanceListener supplied at
	// construction.
	Subscribe(ctx context.Context, topics []string) error

	// Fetch pulls the next batches for the given partitions, waiting at
	// most timeout. Partitions outside the active set are not fetched
	// from.
	Fetch(ctx context.Context, active PartitionSet, timeout time.Duration) (RecordMap, error)

	// Commit durably advances the committed offset for each partition.
	Commit(ctx context.Context, offsets Offsets) error

	// Seek moves the fetch position of tp to offset.
	Seek(ctx context.Context, tp TopicPartition, offset int64) error

	// SeekToCommitted returns the committed offset for every assigned
	// partition. Partitions with no prior commit are absent from the
	// result.
	SeekToCommitted(ctx context.Context) (Offsets, error)

	// Position returns the next offset that Fetch will return for tp.
	Position(ctx context.Context, tp TopicPartition) (int64, error)

	// Assignment returns the partitions currently assigned by the broker.
	Assignment() PartitionSet

	// Highwater returns the last observed end offset for tp, or -1 when
	// unknown.
	Highwater(tp TopicPartition) int64

	// EarliestOffsets returns the log start offset for each partition.
	EarliestOffsets(ctx context.Context, tps []TopicPartition) (Offsets, error)

	// Highwaters returns the log end offset for each partition.
	Highwaters(ctx context.Context, tps []TopicPartition) (Offsets, error)

	// CreateTopic creates a topic, tolerating prior existence.
	CreateTopic(ctx context.Context, topic string, partitions int32, replication int16) error

	// IsStopped reports whether err is one of the driver's benign
	// shutdown errors: the set a stopping service may swallow.
	IsStopped(err error) bool

	// Close releases the underlying client.
	Close()
}

// RebalanceListener receives partition assignment changes from the driver.
// The driver calls these from its polling context; implementations are
// expected to finish any draining before returning from OnPartitionsRevoked.
type RebalanceListener interface {
	OnPartitionsRevoked(ctx context.Context, revoked []TopicPartition)
	OnPartitionsAssigned(ctx context.Context, assigned []TopicPartition)
}
