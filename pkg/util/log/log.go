package log

import (
	"os"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Logger is the global logger for the process. Components take an injected
// logger and default to this one.
var Logger = kitlog.NewNopLogger()

// InitLogger configures the global logger with the given level.
func InitLogger(logLevel string) kitlog.Logger {
	l := kitlog.NewLogfmtLogger(kitlog.NewSyncWriter(os.Stderr))
	l = level.NewFilter(l, levelFilter(logLevel))
	l = kitlog.With(l, "ts", kitlog.DefaultTimestampUTC)

	Logger = l
	return l
}

func levelFilter(l string) level.Option {
	switch l {
	case "debug":
		return level.AllowDebug()
	case "info":
		return level.AllowInfo()
	case "warn":
		return level.AllowWarn()
	case "error":
		return level.AllowError()
	default:
		return level.AllowInfo()
	}
}
