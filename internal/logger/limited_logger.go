package logger

import (
	"sync"
	"time"
)

const minIntervalBetweenWarnings = 1 * time.Second

// LimitedLogger is a Writer that drops entries printed too frequently.
type LimitedLogger struct {
	w           Writer
	mutex       sync.Mutex
	lastPrinted time.Time
}

// NewLimitedLogger allocates a LimitedLogger.
func NewLimitedLogger(w Writer) *LimitedLogger {
	return &LimitedLogger{
		w: w,
	}
}

// Log implements Writer.
func (l *LimitedLogger) Log(level Level, format string, args ...interface{}) {
	now := time.Now()
	l.mutex.Lock()
	if now.Sub(l.lastPrinted) >= minIntervalBetweenWarnings {
		l.lastPrinted = now
		l.w.Log(level, format, args...)
	}
	l.mutex.Unlock()
}
