package ingest

import (
	"flag"
	"time"

	"github.com/pkg/errors"
)

// KafkaConfig holds the settings for the franz-go backed driver.
type KafkaConfig struct {
	Address       string        `yaml:"address"`
	ClientID      string        `yaml:"client_id"`
	ConsumerGroup string        `yaml:"consumer_group"`
	DialTimeout   time.Duration `yaml:"dial_timeout"`

	FetchMaxBytes      int           `yaml:"fetch_max_bytes"`
	OffsetRetryTimeout time.Duration `yaml:"offset_retry_timeout"`
}

func (c *KafkaConfig) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&c.Address, prefix+".address", "localhost:9092", "Kafka broker address.")
	f.StringVar(&c.ClientID, prefix+".client-id", "rill", "Kafka client ID.")
	f.StringVar(&c.ConsumerGroup, prefix+".consumer-group", "rill", "Consumer group name.")
	f.DurationVar(&c.DialTimeout, prefix+".dial-timeout", 2*time.Second, "Broker dial timeout.")
	f.IntVar(&c.FetchMaxBytes, prefix+".fetch-max-bytes", 100_000_000, "Maximum bytes per fetch response.")
	f.DurationVar(&c.OffsetRetryTimeout, prefix+".offset-retry-timeout", 10*time.Second, "How long to retry offset listing requests.")
}

func (c *KafkaConfig) Validate() error {
	if c.Address == "" {
		return errors.New("kafka address must be set")
	}
	if c.ConsumerGroup == "" {
		return errors.New("consumer_group must be set")
	}
	if c.FetchMaxBytes <= 0 {
		return errors.New("fetch_max_bytes must be greater than 0")
	}
	return nil
}
