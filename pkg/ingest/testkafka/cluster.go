// Package testkafka provides an in-process fake Kafka cluster for tests.
package testkafka

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kfake"
	"github.com/twmb/franz-go/pkg/kgo"
)

// CreateCluster starts a kfake cluster with the given topic pre-created and
// returns it together with its listen address. The cluster is shut down when
// the test ends.
func CreateCluster(t testing.TB, numPartitions int32, topicName string) (*kfake.Cluster, string) {
	t.Helper()

	cluster, err := kfake.NewCluster(
		kfake.NumBrokers(1),
		kfake.SeedTopics(numPartitions, topicName),
	)
	require.NoError(t, err)
	t.Cleanup(cluster.Close)

	addrs := cluster.ListenAddrs()
	require.Len(t, addrs, 1)
	return cluster, addrs[0]
}

// NewKafkaClient returns a plain client connected to the cluster, used by
// tests to produce records.
func NewKafkaClient(t testing.TB, address, topic string) *kgo.Client {
	t.Helper()

	client, err := kgo.NewClient(
		kgo.SeedBrokers(address),
		kgo.DefaultProduceTopic(topic),
		kgo.RecordPartitioner(kgo.ManualPartitioner()),
	)
	require.NoError(t, err)
	t.Cleanup(client.Close)
	return client
}

// Produce synchronously publishes value to the given partition.
func Produce(ctx context.Context, t testing.TB, client *kgo.Client, partition int32, value []byte) {
	t.Helper()

	res := client.ProduceSync(ctx, &kgo.Record{
		Partition: partition,
		Value:     value,
	})
	require.NoError(t, res.FirstErr())
}
