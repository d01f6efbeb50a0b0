package consumer

import (
	"context"

	"github.com/pkg/errors"

	"github.com/rillstream/rill/pkg/ingest"
)

// ErrProducerSend is the kind wrapped by producers when a send fails
// irrecoverably. The commit path treats it as fatal: the service crashes
// without committing, so the affected partitions are re-consumed from the
// last committed offset.
var ErrProducerSend = errors.New("producer send failed")

// Callback delivers one record to the stream layer. It is awaited: the
// fetcher does not advance the read offset until the callback's synchronous
// part has enqueued the record downstream.
type Callback func(ctx context.Context, msg *ingest.Message) error

// PartitionsCallback is invoked after the consumer has applied a rebalance
// delta to its local state. The revoked callback is expected to drain
// streams and trigger a final commit before returning.
type PartitionsCallback func(ctx context.Context, tps []ingest.TopicPartition) error

// ProducerFuture is an opaque handle for one pending producer send.
type ProducerFuture interface{}

// Attachments is the registry of producer messages queued to be flushed
// contingent on a particular consumer commit.
type Attachments interface {
	// PublishForTPOffset starts publishing every message attached to
	// offsets at or below offset on tp and returns their futures.
	PublishForTPOffset(ctx context.Context, tp ingest.TopicPartition, offset int64) ([]ProducerFuture, error)
}

// Producer is the outbound side used to flush attached messages before an
// offset commit.
type Producer interface {
	// WaitMany blocks until every future has completed. A send failure
	// surfaces as an error wrapping ErrProducerSend.
	WaitMany(ctx context.Context, futures []ProducerFuture) error
}
