package agent

import (
	"log/slog"
	"time"

	"golang.org/x/time/rate"
)

// rateLimitedLogger emits at most one record per interval and drops the rest.
type rateLimitedLogger struct {
	log *slog.Logger
	s   rate.Sometimes
}

func newRateLimitedLogger(log *slog.Logger, interval time.Duration) *rateLimitedLogger {
	return &rateLimitedLogger{log: log, s: rate.Sometimes{Interval: interval}}
}

func (l *rateLimitedLogger) Warn(msg string, args ...any) {
	l.s.Do(func() { l.log.Warn(msg, args...) })
}
