// Package consumer implements the consumer core of the rill runtime.
//
// The consumer pulls record batches from the broker driver, hands each
// record to the conductor callback, tracks per-record acknowledgements
// produced asynchronously by the stream layer, and periodically advances
// the committed offset so that no record is ever skipped: at-least-once
// delivery under crashes, rebalances and producer failures.
package consumer

import (
	"context"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"

	"github.com/rillstream/rill/pkg/ingest"
	utillog "github.com/rillstream/rill/pkg/util/log"
)

// Diagnostic states, exposed via Diag().
const (
	StateIdle               = "idle"
	StateFetching           = "fetching"
	StateCommitting         = "committing"
	StateSeeking            = "seeking"
	StatePartitionsRevoked  = "partitions-revoked"
	StatePartitionsAssigned = "partitions-assigned"
	StateWaitEmpty          = "wait-empty"
)

// DriverFactory builds the broker driver with the consumer installed as its
// rebalance listener. The factory indirection breaks the consumer<->driver
// reference cycle: the driver holds the consumer only as a listener
// interface.
type DriverFactory func(c *Consumer) (ingest.Driver, error)

type Consumer struct {
	services.Service

	cfg    Config
	logger log.Logger
	// per-record drop logging can fire at fetch volume
	dropLogger *utillog.RateLimitedLogger
	metrics    *metrics

	driver   ingest.Driver
	callback Callback

	onRebalanceStart func()
	onRevoked        PartitionsCallback
	onAssigned       PartitionsCallback
	attachments      Attachments
	producer         Producer

	mtx              sync.Mutex
	acked            map[ingest.TopicPartition][]int64
	ackedIndex       map[ingest.TopicPartition]map[int64]struct{}
	readOffset       map[ingest.TopicPartition]int64
	committedOffset  map[ingest.TopicPartition]int64
	unacked          map[*ingest.Message]struct{}
	nAcked           int
	activePartitions ingest.PartitionSet // nil until derived from assignment
	pausedPartitions ingest.PartitionSet
	flowActive       bool
	ackWaiter        chan struct{}
	commitSlot       *commitWaiter

	canResumeFlow *event
	methodQueue   *MethodQueue

	// lastBatch is the unix-nano time of the last non-empty fetch whose
	// records have not yet been committed. Zero means cleared.
	lastBatch atomic.Int64
	state     atomic.String

	crashed chan error
}

type Option func(*Consumer)

func WithLogger(l log.Logger) Option {
	return func(c *Consumer) { c.logger = l }
}

func WithRegisterer(reg prometheus.Registerer) Option {
	return func(c *Consumer) { c.metrics = newMetrics(reg) }
}

// WithRebalanceCallbacks installs the app-level hooks fired around partition
// ownership changes.
func WithRebalanceCallbacks(onStart func(), onRevoked, onAssigned PartitionsCallback) Option {
	return func(c *Consumer) {
		c.onRebalanceStart = onStart
		c.onRevoked = onRevoked
		c.onAssigned = onAssigned
	}
}

// WithAttachments installs the producer-side registry flushed before each
// offset commit.
func WithAttachments(a Attachments, p Producer) Option {
	return func(c *Consumer) {
		c.attachments = a
		c.producer = p
	}
}

func New(cfg Config, newDriver DriverFactory, callback Callback, opts ...Option) (*Consumer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}
	if callback == nil {
		return nil, errors.New("callback must be set")
	}

	c := &Consumer{
		cfg:              cfg,
		logger:           utillog.Logger,
		callback:         callback,
		acked:            make(map[ingest.TopicPartition][]int64),
		ackedIndex:       make(map[ingest.TopicPartition]map[int64]struct{}),
		readOffset:       make(map[ingest.TopicPartition]int64),
		committedOffset:  make(map[ingest.TopicPartition]int64),
		unacked:          make(map[*ingest.Message]struct{}),
		pausedPartitions: make(ingest.PartitionSet),
		flowActive:       true,
		canResumeFlow:    newEvent(),
		methodQueue:      NewMethodQueue(defaultMethodQueueSize),
		crashed:          make(chan error, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.metrics == nil {
		c.metrics = newMetrics(prometheus.NewRegistry())
	}
	c.dropLogger = utillog.NewRateLimitedLogger(10, level.Debug(c.logger))
	c.state.Store(StateIdle)

	driver, err := newDriver(c)
	if err != nil {
		return nil, errors.Wrap(err, "creating driver")
	}
	c.driver = driver

	c.Service = services.NewBasicService(c.starting, c.running, c.stopping)
	return c, nil
}

// Driver exposes the broker driver, mainly for the fetcher and tests.
func (c *Consumer) Driver() ingest.Driver { return c.driver }

// MethodQueue is the consumer's main-loop mailbox. Thread-delegate drivers
// use it to run rebalance handling under the consumer's serialization.
func (c *Consumer) MethodQueue() *MethodQueue { return c.methodQueue }

// Diag reports what the consumer is currently doing.
func (c *Consumer) Diag() string { return c.state.Load() }

func (c *Consumer) setState(s string) { c.state.Store(s) }

func (c *Consumer) starting(context.Context) error { return nil }

func (c *Consumer) running(ctx context.Context) error {
	commitTicker := time.NewTicker(c.cfg.CommitInterval)
	defer commitTicker.Stop()

	livelockInterval := time.Duration(2.5 * float64(c.cfg.CommitInterval))
	livelockTicker := time.NewTicker(livelockInterval)
	defer livelockTicker.Stop()

	go c.methodQueue.Run(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-c.crashed:
			return err
		case <-commitTicker.C:
			if _, err := c.Commit(ctx, nil); err != nil && !c.isBenign(ctx, err) {
				level.Error(c.logger).Log("msg", "periodic commit failed", "err", err)
			}
		case <-livelockTicker.C:
			c.checkLivelock()
		}
	}
}

func (c *Consumer) stopping(_ error) error {
	ctx := context.Background()
	if c.cfg.StreamWaitEmpty {
		if err := c.WaitEmpty(ctx); err != nil && !c.isBenign(ctx, err) {
			level.Warn(c.logger).Log("msg", "drain on stop failed", "err", err)
		}
	} else {
		if _, err := c.Commit(ctx, nil); err != nil && !c.isBenign(ctx, err) {
			level.Warn(c.logger).Log("msg", "final commit failed", "err", err)
		}
	}
	c.lastBatch.Store(0)
	c.driver.Close()
	return nil
}

// crash fails the consumer service with err. Used for irrecoverable
// conditions such as a producer send failure during attached-flush.
func (c *Consumer) crash(err error) {
	select {
	case c.crashed <- err:
	default:
	}
}

// isBenign reports whether err may be swallowed because the service is
// shutting down.
func (c *Consumer) isBenign(ctx context.Context, err error) bool {
	if err == nil {
		return true
	}
	if c.driver.IsStopped(err) || errors.Is(err, context.Canceled) {
		return ctx.Err() != nil || c.Diag() == StateWaitEmpty ||
			c.Service.State() == services.Stopping || c.Service.State() == services.Terminated
	}
	return false
}

// Subscribe joins the consumer group for topics.
func (c *Consumer) Subscribe(ctx context.Context, topics []string) error {
	return c.driver.Subscribe(ctx, topics)
}

// CreateTopic creates topic on the broker, tolerating prior existence.
func (c *Consumer) CreateTopic(ctx context.Context, topic string, partitions int32, replication int16) error {
	return c.driver.CreateTopic(ctx, topic, partitions, replication)
}

// TrackMessage registers a dispatched message as in flight. Called by the
// conductor immediately before delivery to streams.
func (c *Consumer) TrackMessage(msg *ingest.Message) {
	c.mtx.Lock()
	c.unacked[msg] = struct{}{}
	n := len(c.unacked)
	c.mtx.Unlock()

	c.metrics.unackedMessages.Set(float64(n))
	c.metrics.messagesIn.WithLabelValues(msg.TP.Topic).Inc()
}

func (c *Consumer) unackedCount() int {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return len(c.unacked)
}

// Unacked returns a snapshot of the in-flight messages.
func (c *Consumer) Unacked() []*ingest.Message {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	msgs := make([]*ingest.Message, 0, len(c.unacked))
	for m := range c.unacked {
		msgs = append(msgs, m)
	}
	return msgs
}

// Seek moves tp to offset: records from offset (inclusive) will be
// delivered again. Clears the livelock clock.
func (c *Consumer) Seek(ctx context.Context, tp ingest.TopicPartition, offset int64) error {
	c.setState(StateSeeking)
	defer c.setState(StateIdle)
	level.Debug(c.logger).Log("msg", "seek", "partition", tp, "offset", offset)

	c.lastBatch.Store(0)
	c.mtx.Lock()
	if offset > 0 {
		c.readOffset[tp] = offset - 1
	} else {
		delete(c.readOffset, tp)
	}
	c.mtx.Unlock()

	return c.driver.Seek(ctx, tp, offset)
}

// PerformSeek initializes the read and committed watermarks from the
// broker's committed state. A committed offset of zero on the wire cannot
// be told apart from "never committed", so the driver reports such
// partitions as absent and both watermarks stay unknown.
func (c *Consumer) PerformSeek(ctx context.Context) error {
	c.setState(StateSeeking)
	defer c.setState(StateIdle)

	committed, err := c.driver.SeekToCommitted(ctx)
	if err != nil {
		return errors.Wrap(err, "seeking to committed offsets")
	}

	c.mtx.Lock()
	defer c.mtx.Unlock()
	for tp, offset := range committed {
		c.readOffset[tp] = offset
		c.committedOffset[tp] = offset
	}
	return nil
}

// OnTaskError is called by the stream layer when a processing task fails;
// committing first preserves whatever work completed before the error.
func (c *Consumer) OnTaskError(ctx context.Context, _ error) {
	if _, err := c.Commit(ctx, nil); err != nil && !c.isBenign(ctx, err) {
		level.Warn(c.logger).Log("msg", "commit on task error failed", "err", err)
	}
}

// waitForAck blocks until some message is acked, or at most
// min(timeout, 1s).
func (c *Consumer) waitForAck(ctx context.Context, timeout time.Duration) {
	if timeout > time.Second {
		timeout = time.Second
	}
	c.mtx.Lock()
	if c.ackWaiter == nil {
		c.ackWaiter = make(chan struct{})
	}
	waiter := c.ackWaiter
	c.mtx.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-waiter:
	case <-timer.C:
	case <-ctx.Done():
	}

	c.mtx.Lock()
	if c.ackWaiter == waiter {
		c.ackWaiter = nil
	}
	c.mtx.Unlock()
}

// notifyAckLocked wakes a WaitEmpty loop blocked on waitForAck. Caller must
// hold c.mtx.
func (c *Consumer) notifyAckLocked() {
	if c.ackWaiter != nil {
		close(c.ackWaiter)
		c.ackWaiter = nil
	}
}

// WaitEmpty blocks until every message that started processing has been
// acked, committing as acknowledgements arrive, and finishes with a final
// commit.
func (c *Consumer) WaitEmpty(ctx context.Context) error {
	c.setState(StateWaitEmpty)
	defer c.setState(StateIdle)

	for ctx.Err() == nil && c.unackedCount() > 0 {
		level.Debug(c.logger).Log("msg", "waiting for streams to finish", "unacked", c.unackedCount())
		if _, err := c.Commit(ctx, nil); err != nil && !c.isBenign(ctx, err) {
			return err
		}
		if c.unackedCount() == 0 {
			break
		}
		c.waitForAck(ctx, time.Second)
	}

	_, err := c.Commit(ctx, nil)
	return err
}
