package offgate

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// rateLimitedLogger suppresses repeats of a high-frequency message (origin
// unreachable spam while offline) to one line per interval.
type rateLimitedLogger struct {
	mu       sync.Mutex
	lastAt   time.Time
	interval time.Duration
}

func newRateLimitedLogger(interval time.Duration) *rateLimitedLogger {
	return &rateLimitedLogger{interval: interval}
}

func (l *rateLimitedLogger) Printf(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	if !l.lastAt.IsZero() && now.Sub(l.lastAt) < l.interval {
		return
	}
	l.lastAt = now
	log.Warn().Msg(fmt.Sprintf(format, args...))
}
