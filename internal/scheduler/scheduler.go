// Package scheduler downloads media segments under a bounded concurrency budget
// with batch-level failure retry.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/agleyzer/hlsfetch/internal/metrics"
	"github.com/agleyzer/hlsfetch/internal/progress"
	"github.com/agleyzer/hlsfetch/internal/segment"
	"github.com/agleyzer/hlsfetch/internal/transport"
)

// ErrSegmentsUnrecoverable is returned when segments still fail after the last retry round.
var ErrSegmentsUnrecoverable = errors.New("segments unrecoverable")

// Fetcher retrieves a URL with a bounded retry budget.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string, retries int) (*transport.Response, error)
}

// Decrypter turns a fetched segment body into plaintext.
type Decrypter interface {
	Decrypt(sequence uint64, data []byte) ([]byte, error)
}

// Layout maps a segment to the file it is written to.
type Layout interface {
	Path(seg segment.Segment) string
}

// Config holds the scheduler tuning knobs.
type Config struct {
	// Concurrency is the number of fetch operations kept running.
	// Zero sizes the budget to the whole first batch.
	Concurrency int

	// RetryLimit bounds the number of batch failure retry rounds.
	RetryLimit int

	// PollInterval is the longest the control loop waits between ticks.
	PollInterval time.Duration

	// FetchRetries is the transport retry budget of each fetch operation.
	FetchRetries int
}

// Result is reported by a fetch operation when it completes.
type Result struct {
	Index int
	Bytes int
	Err   error
}

// Stats is a snapshot of the scheduler counters.
type Stats struct {
	Total      int `json:"total"`
	Done       int `json:"done"`
	Failed     int `json:"failed"`
	InFlight   int `json:"in_flight"`
	Pending    int `json:"pending"`
	RetryRound int `json:"retry_round"`
}

// Scheduler owns the segment state of one download. It is not reusable across downloads.
type Scheduler struct {
	cfg       Config
	fetcher   Fetcher
	decrypter Decrypter
	layout    Layout
	progress  progress.Sink
	metrics   *metrics.Metrics
	logger    *slog.Logger

	mu         sync.RWMutex
	segments   []segment.Segment
	pending    []int
	failed     []int
	total      int
	done       int
	active     int
	retryRound int
}

// New creates a Scheduler. decrypter may be nil for clear segments.
func New(cfg Config, fetcher Fetcher, decrypter Decrypter, layout Layout, sink progress.Sink, m *metrics.Metrics, logger *slog.Logger) *Scheduler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.FetchRetries <= 0 {
		cfg.FetchRetries = 1
	}
	if sink == nil {
		sink = progress.Nop{}
	}
	if m == nil {
		m = metrics.New()
	}

	return &Scheduler{
		cfg:       cfg,
		fetcher:   fetcher,
		decrypter: decrypter,
		layout:    layout,
		progress:  sink,
		metrics:   m,
		logger:    logger,
	}
}

// Run downloads every segment and returns once all of them are on disk.
// A fatal error leaves already written files in place.
func (s *Scheduler) Run(ctx context.Context, segments []segment.Segment) error {
	if len(segments) == 0 {
		return fmt.Errorf("no segments to download")
	}

	ctx, cancel := context.WithCancel(ctx)
	var workers sync.WaitGroup
	defer func() {
		cancel()
		workers.Wait()
	}()

	s.load(segments)
	s.progress.Start(s.total)
	defer s.progress.Finish()

	target := s.cfg.Concurrency
	if target <= 0 {
		target = s.total
	}

	// Buffered so abandoned fetch operations never block; a segment is in flight at most once.
	results := make(chan Result, s.total)
	timer := time.NewTimer(s.cfg.PollInterval)
	defer timer.Stop()

	for {
		batch, err := s.nextBatch(target)
		if err != nil {
			return err
		}
		for _, idx := range batch {
			seg := s.launch(idx)
			workers.Add(1)
			go func() {
				defer workers.Done()
				results <- s.fetchOne(ctx, idx, seg)
			}()
		}

		if s.finished() {
			s.logger.Info("all segments downloaded", "segments", s.total)
			return nil
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(s.cfg.PollInterval)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case r := <-results:
			s.complete(r)
		drain:
			for {
				select {
				case r := <-results:
					s.complete(r)
				default:
					break drain
				}
			}
		case <-timer.C:
		}
	}
}

// Stats returns a snapshot of the counters. Safe to call from any goroutine.
func (s *Scheduler) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return Stats{
		Total:      s.total,
		Done:       s.done,
		Failed:     len(s.failed),
		InFlight:   s.active,
		Pending:    len(s.pending),
		RetryRound: s.retryRound,
	}
}

// Segments returns a copy of the segments with their current state.
func (s *Scheduler) Segments() []segment.Segment {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]segment.Segment, len(s.segments))
	copy(out, s.segments)
	return out
}

func (s *Scheduler) load(segments []segment.Segment) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.segments = make([]segment.Segment, len(segments))
	copy(s.segments, segments)
	s.pending = make([]int, 0, len(segments))
	for i := range s.segments {
		s.segments[i].State = segment.Pending
		s.pending = append(s.pending, i)
	}
	s.failed = nil
	s.total = len(segments)
	s.done = 0
	s.active = 0
	s.retryRound = 0
}

// nextBatch picks the segments to launch on this tick.
func (s *Scheduler) nextBatch(target int) ([]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	supply := target - s.active
	if supply <= 0 {
		return nil, nil
	}

	if len(s.pending) > 0 {
		n := min(supply, len(s.pending))
		batch := append([]int(nil), s.pending[:n]...)
		s.pending = s.pending[n:]
		return batch, nil
	}

	if len(s.failed) == 0 {
		return nil, nil
	}

	if s.retryRound >= s.cfg.RetryLimit {
		if s.active > 0 {
			// in-flight successes may still lower the retry counter
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %d of %d segments failed after %d retry rounds",
			ErrSegmentsUnrecoverable, len(s.failed), s.total, s.retryRound)
	}

	s.retryRound++
	s.metrics.RetryRounds.Inc()
	s.logger.Warn("retrying failed segments", "segments", len(s.failed), "round", s.retryRound, "limit", s.cfg.RetryLimit)

	s.pending = append(s.pending, s.failed...)
	s.failed = nil

	n := min(supply, len(s.pending))
	batch := append([]int(nil), s.pending[:n]...)
	s.pending = s.pending[n:]
	return batch, nil
}

func (s *Scheduler) launch(idx int) segment.Segment {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.segments[idx].State = segment.InFlight
	s.active++
	s.metrics.SegmentsInFlight.Inc()
	return s.segments[idx]
}

// complete is the completion handler; it is the only place counters change after launch.
func (s *Scheduler) complete(r Result) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.active--
	s.metrics.SegmentsInFlight.Dec()
	seg := &s.segments[r.Index]

	if r.Err != nil {
		seg.State = segment.Failed
		s.failed = append(s.failed, r.Index)
		s.metrics.SegmentFailures.Inc()
		s.logger.Debug("segment failed", "order", seg.Order, "url", seg.ResolvedURL, "error", r.Err)
		return
	}

	seg.State = segment.Done
	s.done++
	if s.retryRound > 0 {
		s.retryRound--
	}
	s.metrics.SegmentsDownloaded.Inc()
	s.metrics.SegmentBytes.Add(float64(r.Bytes))
	s.progress.Advance(1)
}

func (s *Scheduler) finished() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pending) == 0 && len(s.failed) == 0 && s.done == s.total
}

// fetchOne downloads one segment, decrypts it when needed and writes it to its file.
func (s *Scheduler) fetchOne(ctx context.Context, idx int, seg segment.Segment) Result {
	start := time.Now()
	defer func() {
		s.metrics.FetchDuration.Observe(time.Since(start).Seconds())
	}()

	resp, err := s.fetcher.Fetch(ctx, seg.ResolvedURL, s.cfg.FetchRetries)
	if err != nil {
		return Result{Index: idx, Err: err}
	}
	if !resp.OK() {
		return Result{Index: idx, Err: fmt.Errorf("HTTP %d", resp.StatusCode)}
	}

	data := resp.Body
	if s.decrypter != nil && !seg.Clear {
		data, err = s.decrypter.Decrypt(seg.Sequence, data)
		if err != nil {
			return Result{Index: idx, Err: fmt.Errorf("decrypt: %w", err)}
		}
	}

	if err := os.WriteFile(s.layout.Path(seg), data, 0644); err != nil {
		return Result{Index: idx, Err: fmt.Errorf("failed to write segment: %w", err)}
	}

	return Result{Index: idx, Bytes: len(data)}
}
