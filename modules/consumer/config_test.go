package consumer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}
	cfg.RegisterFlagsAndApplyDefaults("consumer", flagSet())

	assert.Equal(t, 2800*time.Millisecond, cfg.CommitInterval)
	assert.Equal(t, 5*time.Minute, cfg.CommitLivelockSoftTimeout)
	assert.Equal(t, 0, cfg.CommitEvery)
	assert.True(t, cfg.StreamWaitEmpty)
	assert.Equal(t, 5*time.Second, cfg.FetchTimeout)
	assert.Equal(t, time.Second, cfg.IdleSleep)
	require.NoError(t, cfg.Validate())
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name         string
		modifyConfig func(*Config)
		expectedErr  string
	}{
		{
			name:         "valid config",
			modifyConfig: func(_ *Config) {},
			expectedErr:  "",
		},
		{
			name: "zero commit interval",
			modifyConfig: func(cfg *Config) {
				cfg.CommitInterval = 0
			},
			expectedErr: "commit_interval must be greater than 0",
		},
		{
			name: "negative livelock timeout",
			modifyConfig: func(cfg *Config) {
				cfg.CommitLivelockSoftTimeout = -time.Second
			},
			expectedErr: "commit_livelock_soft_timeout must be greater than 0",
		},
		{
			name: "negative commit every",
			modifyConfig: func(cfg *Config) {
				cfg.CommitEvery = -1
			},
			expectedErr: "commit_every must not be negative",
		},
		{
			name: "zero fetch timeout",
			modifyConfig: func(cfg *Config) {
				cfg.FetchTimeout = 0
			},
			expectedErr: "fetch_timeout must be greater than 0",
		},
		{
			name: "zero idle sleep",
			modifyConfig: func(cfg *Config) {
				cfg.IdleSleep = 0
			},
			expectedErr: "idle_sleep must be greater than 0",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Config{}
			cfg.RegisterFlagsAndApplyDefaults("consumer", flagSet())
			tc.modifyConfig(&cfg)

			err := cfg.Validate()
			if tc.expectedErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tc.expectedErr, err.Error())
		})
	}
}
