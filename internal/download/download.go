// Package download runs one playlist download from URL to merged file.
package download

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/agleyzer/hlsfetch/internal/config"
	"github.com/agleyzer/hlsfetch/internal/key"
	"github.com/agleyzer/hlsfetch/internal/merge"
	"github.com/agleyzer/hlsfetch/internal/metrics"
	"github.com/agleyzer/hlsfetch/internal/parser"
	"github.com/agleyzer/hlsfetch/internal/progress"
	"github.com/agleyzer/hlsfetch/internal/reassembler"
	"github.com/agleyzer/hlsfetch/internal/scheduler"
	"github.com/agleyzer/hlsfetch/internal/server"
	"github.com/agleyzer/hlsfetch/internal/transport"
	"github.com/agleyzer/hlsfetch/internal/variant"
	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
)

// Downloader wires the resolver, key provider, scheduler and reassembler together.
type Downloader struct {
	cfg     config.Config
	chooser variant.Chooser
	merger  merge.Merger
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// Option customizes a Downloader.
type Option func(*Downloader)

// WithChooser sets how a variant of a multi-rate playlist is picked.
func WithChooser(c variant.Chooser) Option {
	return func(d *Downloader) { d.chooser = c }
}

// WithMerger replaces the ffmpeg merger.
func WithMerger(m merge.Merger) Option {
	return func(d *Downloader) { d.merger = m }
}

// WithMetrics sets the metrics the download reports to.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Downloader) { d.metrics = m }
}

// New validates cfg and creates a Downloader.
func New(cfg config.Config, logger *slog.Logger, opts ...Option) (*Downloader, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	d := &Downloader{cfg: cfg, logger: logger}
	for _, opt := range opts {
		opt(d)
	}

	if d.chooser == nil {
		if cfg.AutoHighest {
			d.chooser = variant.HighestChooser{}
		} else {
			d.chooser = variant.PromptChooser{In: os.Stdin, Out: os.Stdout}
		}
	}
	if d.merger == nil {
		d.merger = merge.NewFFmpeg(cfg.FFmpegPath, merge.NewLogger(os.Stderr, hclog.Warn))
	}
	if d.metrics == nil {
		d.metrics = metrics.New()
	}
	return d, nil
}

// Metrics returns the metrics of the download.
func (d *Downloader) Metrics() *metrics.Metrics {
	return d.metrics
}

// Run downloads the playlist and returns the path of the merged file.
func (d *Downloader) Run(ctx context.Context) (string, error) {
	start := time.Now()
	runID := uuid.NewString()
	logger := d.logger.With("run", runID)

	dir, err := d.cfg.EnsureOutputDir()
	if err != nil {
		return "", err
	}

	client, err := transport.New(d.cfg.Request, logger)
	if err != nil {
		return "", fmt.Errorf("create http client: %w", err)
	}

	resolver := parser.NewResolver(client, d.cfg.FetchRetries, d.chooser, logger)
	pl, err := resolver.Resolve(ctx, d.cfg.URL)
	if err != nil {
		return "", err
	}

	provider := key.NewProvider(client, d.cfg.FetchRetries, d.cfg.LegacyIV, logger)
	dec, err := provider.MaybeFetchKey(ctx, pl)
	if err != nil {
		return "", err
	}
	var decrypter scheduler.Decrypter
	if dec != nil {
		decrypter = dec
	}

	re := reassembler.New(d.merger, reassembler.Options{RunID: runID}, d.metrics, logger)
	plan, err := re.Prepare(pl, dir, d.cfg.OutputName(), pl.Segments())
	if err != nil {
		return "", err
	}

	if dec != nil && plan.Strategy == reassembler.StrategyInitSegment && !dec.ExplicitIV() {
		// An encrypted initialization segment needs an explicit IV.
		logger.Warn("key has no IV, storing initialization segment without decryption",
			"url", plan.Segments[0].ResolvedURL)
		plan.Segments[0].Clear = true
	}

	var sink progress.Sink = progress.Nop{}
	if d.cfg.Progress {
		sink = progress.NewLog(logger, 10)
	}

	sched := scheduler.New(scheduler.Config{
		Concurrency:  d.cfg.Concurrency,
		RetryLimit:   d.cfg.RetryRounds(),
		PollInterval: d.cfg.PollInterval,
		FetchRetries: d.cfg.FetchRetries,
	}, client, decrypter, plan, sink, d.metrics, logger)

	if d.cfg.StatusAddr != "" {
		stop := d.serveStatus(ctx, sched, logger)
		defer stop()
	}

	if err := sched.Run(ctx, plan.Segments); err != nil {
		return "", err
	}

	out, err := re.Commit(ctx, plan)
	if err != nil {
		return "", err
	}

	logger.Info("download complete",
		"output", out,
		"segments", len(plan.Segments),
		"duration", time.Since(start),
	)
	return out, nil
}

// serveStatus runs the status server until the returned stop function is called.
func (d *Downloader) serveStatus(ctx context.Context, stats server.StatsProvider, logger *slog.Logger) func() {
	ctx, cancel := context.WithCancel(ctx)
	srv := server.New(stats, d.metrics.Registry(), d.cfg.StatusAddr, logger)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := srv.Start(ctx); err != nil {
			logger.Warn("status server shutdown", "error", err)
		}
	}()

	return func() {
		cancel()
		wg.Wait()
	}
}
