package log

import (
	gokitlog "github.com/go-kit/log"
	"golang.org/x/time/rate"
)

// RateLimitedLogger wraps a go-kit logger and drops log lines beyond the
// configured rate. Used on per-record paths that can emit at fetch volume.
type RateLimitedLogger struct {
	limiter *rate.Limiter
	logger  gokitlog.Logger
}

// NewRateLimitedLogger returns a RateLimitedLogger that allows logsPerSecond
// lines through to the wrapped logger.
func NewRateLimitedLogger(logsPerSecond int, logger gokitlog.Logger) *RateLimitedLogger {
	return &RateLimitedLogger{
		limiter: rate.NewLimiter(rate.Limit(logsPerSecond), logsPerSecond),
		logger:  logger,
	}
}

func (l *RateLimitedLogger) Log(keyvals ...interface{}) error {
	if !l.limiter.Allow() {
		return nil
	}
	return l.logger.Log(keyvals...)
}
