// Package reassembler lays segments out on disk and merges them, in playlist order,
// into the final container.
package reassembler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/agleyzer/hlsfetch/internal/merge"
	"github.com/agleyzer/hlsfetch/internal/metrics"
	"github.com/agleyzer/hlsfetch/internal/parser"
	"github.com/agleyzer/hlsfetch/internal/segment"
	"golang.org/x/sync/errgroup"
)

// ErrMissingInitSegment is returned when the initialization segment is not on disk at merge time.
var ErrMissingInitSegment = errors.New("missing initialization segment")

// Strategy selects how segment files are merged.
type Strategy int

const (
	// StrategyDefault normalizes every non-TS segment, then concatenates them with a manifest.
	StrategyDefault Strategy = iota
	// StrategyInitSegment binary-joins the init segment and all media segments, then muxes the result.
	StrategyInitSegment
)

func (s Strategy) String() string {
	if s == StrategyInitSegment {
		return "init-segment"
	}
	return "default"
}

// Plan is the on-disk layout of one download and how to merge it.
type Plan struct {
	// Dir holds segment files, scratch files and the output
	Dir string

	// Output is the final file name inside Dir
	Output string

	// Segments in merge order; an init segment, when present, is at order 0
	Segments []segment.Segment

	// Strategy is the merge strategy
	Strategy Strategy

	// FileNames is the FileNameMap from resolved URL to file name; nil when URL names are used directly
	FileNames map[string]string

	names   []string
	scratch string
}

// Path implements the scheduler layout: the file a segment is written to.
func (p *Plan) Path(seg segment.Segment) string {
	return filepath.Join(p.Dir, p.names[seg.Order])
}

// Paths returns the segment file paths in merge order.
func (p *Plan) Paths() []string {
	paths := make([]string, len(p.names))
	for i, name := range p.names {
		paths[i] = filepath.Join(p.Dir, name)
	}
	return paths
}

// OutputPath returns the final file path.
func (p *Plan) OutputPath() string {
	return filepath.Join(p.Dir, p.Output)
}

// Options tunes a Reassembler.
type Options struct {
	// RunID makes scratch file names unique to one download
	RunID string

	// NormalizeConcurrency bounds parallel normalization processes (default 4)
	NormalizeConcurrency int
}

// Reassembler prepares segment layouts and merges them.
type Reassembler struct {
	merger  merge.Merger
	opts    Options
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New creates a Reassembler.
func New(merger merge.Merger, opts Options, m *metrics.Metrics, logger *slog.Logger) *Reassembler {
	if opts.NormalizeConcurrency <= 0 {
		opts.NormalizeConcurrency = 4
	}
	if opts.RunID == "" {
		opts.RunID = "hlsfetch"
	}
	if m == nil {
		m = metrics.New()
	}
	return &Reassembler{
		merger:  merger,
		opts:    opts,
		metrics: m,
		logger:  logger,
	}
}

// Prepare builds the merge plan for a media playlist. When the playlist names an
// initialization segment it is prepended at order 0 and the media segments shift by one.
func (r *Reassembler) Prepare(pl *parser.Playlist, dir, output string, segments []segment.Segment) (*Plan, error) {
	if len(segments) == 0 {
		return nil, fmt.Errorf("no segments to merge")
	}

	plan := &Plan{
		Dir:      dir,
		Output:   output,
		Strategy: StrategyDefault,
		scratch:  "hlsfetch-" + r.opts.RunID,
	}

	if initURI := initSegmentURI(pl); initURI != "" {
		plan.Strategy = StrategyInitSegment
		var seq uint64
		if pl.Media != nil {
			seq = pl.Media.SeqNo
		}
		plan.Segments = append(plan.Segments, segment.Segment{
			URL:         initURI,
			ResolvedURL: pl.Resolve(initURI),
			Order:       0,
			Sequence:    seq,
			Init:        true,
		})
	}

	offset := len(plan.Segments)
	for _, seg := range segments {
		seg.Order += offset
		plan.Segments = append(plan.Segments, seg)
	}

	plan.names, plan.FileNames = FileNames(plan.Segments, output)

	r.logger.Info("prepared merge plan",
		"segments", len(plan.Segments),
		"strategy", plan.Strategy.String(),
		"mapped_names", plan.FileNames != nil,
	)
	return plan, nil
}

func initSegmentURI(pl *parser.Playlist) string {
	if pl == nil || pl.Media == nil {
		return ""
	}
	if pl.Media.Map != nil && pl.Media.Map.URI != "" {
		return pl.Media.Map.URI
	}
	for _, seg := range pl.Media.Segments {
		if seg == nil {
			break
		}
		if seg.Map != nil && seg.Map.URI != "" {
			return seg.Map.URI
		}
	}
	return ""
}

// Commit merges the segment files of plan into the output file and removes every
// intermediate file. Nothing is removed when the merge fails.
func (r *Reassembler) Commit(ctx context.Context, plan *Plan) (string, error) {
	start := time.Now()
	r.logger.Info("merging", "output", plan.OutputPath(), "strategy", plan.Strategy.String())

	var scratch []string
	var err error
	switch plan.Strategy {
	case StrategyInitSegment:
		scratch, err = r.commitInitSegment(ctx, plan)
	default:
		scratch, err = r.commitDefault(ctx, plan)
	}
	if err != nil {
		return "", err
	}
	r.metrics.MergeDuration.Observe(time.Since(start).Seconds())

	r.cleanup(plan, append(plan.Paths(), scratch...))

	r.logger.Info("merge complete", "output", plan.OutputPath(), "duration", time.Since(start))
	return plan.OutputPath(), nil
}

func (r *Reassembler) commitDefault(ctx context.Context, plan *Plan) ([]string, error) {
	paths := plan.Paths()
	targets := make([]string, len(paths))
	var scratch []string

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.NormalizeConcurrency)
	for i, p := range paths {
		name := NormalizedName(plan.names[i])
		if name == "" {
			targets[i] = p
			continue
		}
		target := filepath.Join(plan.Dir, name)
		targets[i] = target
		scratch = append(scratch, target)
		g.Go(func() error {
			return r.merger.Normalize(gctx, p, target)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	manifest := filepath.Join(plan.Dir, plan.scratch+".txt")
	scratch = append(scratch, manifest)
	if err := merge.WriteManifest(manifest, targets); err != nil {
		return nil, err
	}

	if err := r.merger.Concat(ctx, manifest, plan.OutputPath()); err != nil {
		return nil, err
	}
	return scratch, nil
}

func (r *Reassembler) commitInitSegment(ctx context.Context, plan *Plan) ([]string, error) {
	paths := plan.Paths()
	if _, err := os.Stat(paths[0]); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMissingInitSegment, paths[0])
	}

	joined := filepath.Join(plan.Dir, plan.scratch+".m4s")
	if err := concatFiles(joined, paths); err != nil {
		return nil, err
	}

	if err := r.merger.Mux(ctx, joined, plan.OutputPath()); err != nil {
		return nil, err
	}
	return []string{joined}, nil
}

// concatFiles writes the bytes of every file in paths, in order, into dst.
func concatFiles(dst string, paths []string) error {
	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dst, err)
	}

	for _, p := range paths {
		if err := appendFile(out, p); err != nil {
			out.Close()
			return err
		}
	}
	return out.Close()
}

func appendFile(w io.Writer, path string) error {
	in, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open segment: %w", err)
	}
	defer in.Close()

	if _, err := io.Copy(w, in); err != nil {
		return fmt.Errorf("failed to append %s: %w", path, err)
	}
	return nil
}

func (r *Reassembler) cleanup(plan *Plan, paths []string) {
	output := plan.OutputPath()
	removed := 0
	for _, p := range paths {
		if p == output {
			continue
		}
		if err := os.Remove(p); err != nil {
			if !os.IsNotExist(err) {
				r.logger.Warn("failed to remove intermediate file", "path", p, "error", err)
			}
			continue
		}
		removed++
	}
	r.logger.Debug("removed intermediate files", "count", removed)
}
