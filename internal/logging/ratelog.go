package logging

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// RateLimited forwards at most one warning per interval and counts the rest.
type RateLimited struct {
	logger   *zap.Logger
	interval time.Duration

	mu         sync.Mutex
	lastAt     time.Time
	suppressed int
}

func NewRateLimited(logger *zap.Logger, interval time.Duration) *RateLimited {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RateLimited{logger: logger, interval: interval}
}

// Warn logs msg unless another message was logged less than interval ago.
// It reports whether the message was written.
func (l *RateLimited) Warn(msg string, fields ...zap.Field) bool {
	l.mu.Lock()
	now := time.Now()
	if !l.lastAt.IsZero() && now.Sub(l.lastAt) < l.interval {
		l.suppressed++
		l.mu.Unlock()
		return false
	}
	l.lastAt = now
	suppressed := l.suppressed
	l.suppressed = 0
	l.mu.Unlock()

	if suppressed > 0 {
		fields = append(fields, zap.Int("suppressed", suppressed))
	}
	l.logger.Warn(msg, fields...)
	return true
}
