package consumer

import (
	"flag"
	"time"

	"github.com/pkg/errors"
)

type Config struct {
	// CommitInterval is the period of the background commit ticker.
	CommitInterval time.Duration `yaml:"commit_interval"`

	// CommitLivelockSoftTimeout is how long the consumer may go on
	// receiving records without a commit advancing before a livelock
	// warning is logged.
	CommitLivelockSoftTimeout time.Duration `yaml:"commit_livelock_soft_timeout"`

	// CommitEvery forces a commit after this many acknowledged records.
	// Zero disables the policy.
	CommitEvery int `yaml:"commit_every"`

	// StreamWaitEmpty makes shutdown drain all in-flight records before
	// the final commit. When false, shutdown performs a single commit.
	StreamWaitEmpty bool `yaml:"stream_wait_empty"`

	FetchTimeout time.Duration `yaml:"fetch_timeout"`
	IdleSleep    time.Duration `yaml:"idle_sleep"`
}

func (c *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.DurationVar(&c.CommitInterval, prefix+".commit-interval", 2800*time.Millisecond, "How often to commit acknowledged offsets.")
	f.DurationVar(&c.CommitLivelockSoftTimeout, prefix+".commit-livelock-soft-timeout", 5*time.Minute, "Warn when records are received but offsets fail to advance for this long.")
	f.IntVar(&c.CommitEvery, prefix+".commit-every", 0, "Commit after this many acknowledged records. 0 disables.")
	f.BoolVar(&c.StreamWaitEmpty, prefix+".stream-wait-empty", true, "Wait for in-flight records to be acknowledged before shutting down.")
	f.DurationVar(&c.FetchTimeout, prefix+".fetch-timeout", 5*time.Second, "Maximum wait per fetch request.")
	f.DurationVar(&c.IdleSleep, prefix+".idle-sleep", time.Second, "Sleep between fetch attempts while no partitions are active.")
}

func (c *Config) Validate() error {
	if c.CommitInterval <= 0 {
		return errors.New("commit_interval must be greater than 0")
	}
	if c.CommitLivelockSoftTimeout <= 0 {
		return errors.New("commit_livelock_soft_timeout must be greater than 0")
	}
	if c.CommitEvery < 0 {
		return errors.New("commit_every must not be negative")
	}
	if c.FetchTimeout <= 0 {
		return errors.New("fetch_timeout must be greater than 0")
	}
	if c.IdleSleep <= 0 {
		return errors.New("idle_sleep must be greater than 0")
	}
	return nil
}
