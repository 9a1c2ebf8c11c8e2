// Package progress reports download progress.
package progress

import (
	"log/slog"
	"sync"
)

// Sink receives progress updates from the scheduler.
type Sink interface {
	// Start announces the total number of units.
	Start(total int)
	// Advance records n completed units.
	Advance(n int)
	// Finish closes the report.
	Finish()
}

// Nop discards progress updates.
type Nop struct{}

// Start implements Sink.
func (Nop) Start(int) {}

// Advance implements Sink.
func (Nop) Advance(int) {}

// Finish implements Sink.
func (Nop) Finish() {}

// Log reports progress through a slog.Logger every time another step percent is completed.
type Log struct {
	mu      sync.Mutex
	logger  *slog.Logger
	step    int
	total   int
	done    int
	lastPct int
}

// NewLog creates a Log sink reporting every step percent (10 when step <= 0).
func NewLog(logger *slog.Logger, step int) *Log {
	if step <= 0 {
		step = 10
	}
	return &Log{logger: logger, step: step}
}

// Start implements Sink.
func (l *Log) Start(total int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.total = total
	l.done = 0
	l.lastPct = 0
	l.logger.Info("downloading", "segments", total)
}

// Advance implements Sink.
func (l *Log) Advance(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.done += n
	if l.total == 0 {
		return
	}

	pct := l.done * 100 / l.total
	if pct/l.step > l.lastPct/l.step || l.done == l.total {
		l.logger.Info("progress", "done", l.done, "total", l.total, "percent", pct)
	}
	l.lastPct = pct
}

// Finish implements Sink.
func (l *Log) Finish() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.logger.Debug("progress finished", "done", l.done, "total", l.total)
}

// Done returns the number of completed units.
func (l *Log) Done() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.done
}
