package ingest

import (
	"context"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/backoff"
	"github.com/grafana/dskit/multierror"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
	"github.com/twmb/franz-go/plugin/kprom"
)

// KafkaDriver implements Driver on top of a franz-go client. The client is
// created on Subscribe because group membership and the topic list are fixed
// at client construction.
type KafkaDriver struct {
	cfg      KafkaConfig
	logger   log.Logger
	reg      prometheus.Registerer
	listener RebalanceListener

	client *kgo.Client
	admin  *kadm.Client

	mtx        sync.Mutex
	assignment PartitionSet
	highwaters map[TopicPartition]int64
	positions  map[TopicPartition]int64
}

func NewKafkaDriver(cfg KafkaConfig, listener RebalanceListener, logger log.Logger, reg prometheus.Registerer) (*KafkaDriver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &KafkaDriver{
		cfg:        cfg,
		logger:     logger,
		reg:        reg,
		listener:   listener,
		assignment: make(PartitionSet),
		highwaters: make(map[TopicPartition]int64),
		positions:  make(map[TopicPartition]int64),
	}, nil
}

func (d *KafkaDriver) Subscribe(ctx context.Context, topics []string) error {
	if d.client != nil {
		return errors.New("already subscribed")
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(d.cfg.Address),
		kgo.ClientID(d.cfg.ClientID),
		kgo.DialTimeout(d.cfg.DialTimeout),
		kgo.ConsumerGroup(d.cfg.ConsumerGroup),
		kgo.ConsumeTopics(topics...),
		kgo.DisableAutoCommit(),
		kgo.Balancers(kgo.CooperativeStickyBalancer()),
		kgo.FetchMaxBytes(int32(d.cfg.FetchMaxBytes)),
		kgo.OnPartitionsAssigned(d.onAssigned),
		kgo.OnPartitionsRevoked(d.onRevoked),
	}
	if d.reg != nil {
		metrics := kprom.NewMetrics("rill", kprom.Registerer(d.reg))
		opts = append(opts, kgo.WithHooks(metrics))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return errors.Wrap(err, "creating kafka client")
	}
	d.client = client
	d.admin = kadm.NewClient(client)

	if err := client.Ping(ctx); err != nil {
		return errors.Wrap(err, "pinging kafka")
	}
	return nil
}

func (d *KafkaDriver) onAssigned(ctx context.Context, _ *kgo.Client, assigned map[string][]int32) {
	tps := flattenPartitions(assigned)
	d.mtx.Lock()
	d.assignment.Add(tps...)
	// Cooperative rebalancing hands us the newly assigned delta; the
	// listener expects the full assignment.
	full := make([]TopicPartition, 0, len(d.assignment))
	for tp := range d.assignment {
		full = append(full, tp)
	}
	d.mtx.Unlock()
	if d.listener != nil {
		d.listener.OnPartitionsAssigned(ctx, full)
	}
}

func (d *KafkaDriver) onRevoked(ctx context.Context, _ *kgo.Client, revoked map[string][]int32) {
	tps := flattenPartitions(revoked)
	// The listener runs before assignment is updated: a drain-triggered
	// commit for the revoked partitions must still pass the assignment
	// check while the revoke callback is in flight.
	if d.listener != nil {
		d.listener.OnPartitionsRevoked(ctx, tps)
	}
	d.mtx.Lock()
	d.assignment.Remove(tps...)
	for _, tp := range tps {
		delete(d.highwaters, tp)
		delete(d.positions, tp)
	}
	d.mtx.Unlock()
}

func (d *KafkaDriver) Fetch(ctx context.Context, active PartitionSet, timeout time.Duration) (RecordMap, error) {
	d.reconcilePaused(active)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	fetches := d.client.PollFetches(ctx)

	errs := multierror.New()
	for _, fetchErr := range fetches.Errors() {
		if errors.Is(fetchErr.Err, context.DeadlineExceeded) {
			continue
		}
		if d.IsStopped(fetchErr.Err) {
			return nil, fetchErr.Err
		}
		errs.Add(errors.Wrapf(fetchErr.Err, "fetching %s/%d", fetchErr.Topic, fetchErr.Partition))
	}
	if err := errs.Err(); err != nil {
		return nil, err
	}

	records := make(RecordMap)
	d.mtx.Lock()
	fetches.EachPartition(func(p kgo.FetchTopicPartition) {
		if len(p.Records) == 0 {
			return
		}
		tp := TopicPartition{Topic: p.Topic, Partition: p.Partition}
		records[tp] = append(records[tp], p.Records...)
		d.highwaters[tp] = p.HighWatermark
		d.positions[tp] = p.Records[len(p.Records)-1].Offset + 1
	})
	d.mtx.Unlock()
	return records, nil
}

// reconcilePaused pauses every assigned partition outside the active set and
// resumes the active ones.
func (d *KafkaDriver) reconcilePaused(active PartitionSet) {
	d.mtx.Lock()
	pause := make(map[string][]int32)
	resume := make(map[string][]int32)
	for tp := range d.assignment {
		if active.Contains(tp) {
			resume[tp.Topic] = append(resume[tp.Topic], tp.Partition)
		} else {
			pause[tp.Topic] = append(pause[tp.Topic], tp.Partition)
		}
	}
	d.mtx.Unlock()

	if len(pause) > 0 {
		d.client.PauseFetchPartitions(pause)
	}
	if len(resume) > 0 {
		d.client.ResumeFetchPartitions(resume)
	}
}

func (d *KafkaDriver) Commit(ctx context.Context, offsets Offsets) error {
	uncommitted := make(map[string]map[int32]kgo.EpochOffset, len(offsets))
	for tp, offset := range offsets {
		partitions := uncommitted[tp.Topic]
		if partitions == nil {
			partitions = make(map[int32]kgo.EpochOffset)
			uncommitted[tp.Topic] = partitions
		}
		// The ledger speaks record offsets, the broker stores the next
		// offset to read.
		partitions[tp.Partition] = kgo.EpochOffset{Epoch: -1, Offset: offset + 1}
	}

	var commitErr error
	d.client.CommitOffsetsSync(ctx, uncommitted,
		func(_ *kgo.Client, _ *kmsg.OffsetCommitRequest, resp *kmsg.OffsetCommitResponse, err error) {
			if err != nil {
				commitErr = err
				return
			}
			for _, topic := range resp.Topics {
				for _, partition := range topic.Partitions {
					if err := kerr.ErrorForCode(partition.ErrorCode); err != nil {
						commitErr = errors.Wrapf(err, "committing %s/%d", topic.Topic, partition.Partition)
					}
				}
			}
		})
	return commitErr
}

func (d *KafkaDriver) Seek(_ context.Context, tp TopicPartition, offset int64) error {
	d.client.SetOffsets(map[string]map[int32]kgo.EpochOffset{
		tp.Topic: {tp.Partition: {Epoch: -1, Offset: offset}},
	})
	d.mtx.Lock()
	d.positions[tp] = offset
	d.mtx.Unlock()
	return nil
}

func (d *KafkaDriver) SeekToCommitted(ctx context.Context) (Offsets, error) {
	resp, err := d.admin.FetchOffsets(ctx, d.cfg.ConsumerGroup)
	if errors.Is(err, kerr.GroupIDNotFound) {
		// the group has never committed
		return make(Offsets), nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "fetching committed offsets")
	}
	committed := make(Offsets)
	var respErr error
	resp.Each(func(o kadm.OffsetResponse) {
		if o.Err != nil {
			respErr = o.Err
			return
		}
		if o.At <= 0 {
			// nothing committed yet
			return
		}
		committed[TopicPartition{Topic: o.Topic, Partition: o.Partition}] = o.At - 1
	})
	if respErr != nil {
		return nil, errors.Wrap(respErr, "fetching committed offsets")
	}
	return committed, nil
}

func (d *KafkaDriver) Position(_ context.Context, tp TopicPartition) (int64, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	pos, ok := d.positions[tp]
	if !ok {
		return -1, errors.Errorf("position unknown for %s", tp)
	}
	return pos, nil
}

func (d *KafkaDriver) Assignment() PartitionSet {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	return d.assignment.Clone()
}

func (d *KafkaDriver) Highwater(tp TopicPartition) int64 {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	if hw, ok := d.highwaters[tp]; ok {
		return hw
	}
	return -1
}

func (d *KafkaDriver) EarliestOffsets(ctx context.Context, tps []TopicPartition) (Offsets, error) {
	return d.listOffsets(ctx, tps, d.admin.ListStartOffsets)
}

func (d *KafkaDriver) Highwaters(ctx context.Context, tps []TopicPartition) (Offsets, error) {
	return d.listOffsets(ctx, tps, d.admin.ListEndOffsets)
}

func (d *KafkaDriver) listOffsets(
	ctx context.Context,
	tps []TopicPartition,
	list func(context.Context, ...string) (kadm.ListedOffsets, error),
) (Offsets, error) {
	topics := make(map[string]struct{})
	for _, tp := range tps {
		topics[tp.Topic] = struct{}{}
	}
	names := make([]string, 0, len(topics))
	for t := range topics {
		names = append(names, t)
	}

	ctx, cancel := context.WithTimeout(ctx, d.cfg.OffsetRetryTimeout)
	defer cancel()
	boff := backoff.New(ctx, backoff.Config{
		MinBackoff: 100 * time.Millisecond,
		MaxBackoff: time.Second,
		MaxRetries: 0, // bounded by the retry timeout
	})

	var lastErr error
	for boff.Ongoing() {
		listed, err := list(ctx, names...)
		if err == nil {
			err = listed.Error()
		}
		if err != nil {
			lastErr = err
			level.Warn(d.logger).Log("msg", "offset listing failed, retrying", "err", err)
			boff.Wait()
			continue
		}

		offsets := make(Offsets, len(tps))
		for _, tp := range tps {
			if o, ok := listed.Lookup(tp.Topic, tp.Partition); ok {
				offsets[tp] = o.Offset
			}
		}
		return offsets, nil
	}
	if lastErr == nil {
		lastErr = boff.Err()
	}
	return nil, errors.Wrap(lastErr, "listing offsets")
}

func (d *KafkaDriver) CreateTopic(ctx context.Context, topic string, partitions int32, replication int16) error {
	resp, err := d.admin.CreateTopic(ctx, partitions, replication, nil, topic)
	if err == nil {
		err = resp.Err
	}
	if err != nil && !errors.Is(err, kerr.TopicAlreadyExists) {
		return errors.Wrapf(err, "creating topic %s", topic)
	}
	return nil
}

func (d *KafkaDriver) IsStopped(err error) bool {
	return errors.Is(err, kgo.ErrClientClosed) || errors.Is(err, context.Canceled)
}

func (d *KafkaDriver) Close() {
	if d.client != nil {
		d.client.Close()
	}
}

func flattenPartitions(m map[string][]int32) []TopicPartition {
	tps := make([]TopicPartition, 0, len(m))
	for topic, partitions := range m {
		for _, p := range partitions {
			tps = append(tps, TopicPartition{Topic: topic, Partition: p})
		}
	}
	return tps
}
