// Package merge drives the external ffmpeg binary that turns segment files into one container.
package merge

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/hashicorp/go-hclog"
)

// ErrMergeFailed is returned when the external merge tool exits unsuccessfully.
var ErrMergeFailed = errors.New("merge failed")

// Merger is the binary-merge collaborator.
type Merger interface {
	// Normalize remuxes one segment into an MPEG-TS file.
	Normalize(ctx context.Context, in, out string) error
	// Concat joins the files listed in a concat manifest into out.
	Concat(ctx context.Context, manifest, out string) error
	// Mux remuxes one intermediate object into the final container.
	Mux(ctx context.Context, in, out string) error
}

// FFmpeg implements Merger by running ffmpeg.
type FFmpeg struct {
	path   string
	logger hclog.Logger
}

// NewFFmpeg creates an FFmpeg merger. An empty path means "ffmpeg" from PATH.
func NewFFmpeg(path string, logger hclog.Logger) *FFmpeg {
	if path == "" {
		path = "ffmpeg"
	}
	if logger == nil {
		logger = NewNoOpLogger()
	}
	return &FFmpeg{path: path, logger: logger}
}

// Normalize implements Merger.
func (f *FFmpeg) Normalize(ctx context.Context, in, out string) error {
	return f.run(ctx, "normalize", "-f", "mpegts", "-i", in, "-c", "copy", out)
}

// Concat implements Merger.
func (f *FFmpeg) Concat(ctx context.Context, manifest, out string) error {
	return f.run(ctx, "concat", "-f", "concat", "-safe", "0", "-i", manifest, "-c", "copy", out)
}

// Mux implements Merger.
func (f *FFmpeg) Mux(ctx context.Context, in, out string) error {
	return f.run(ctx, "mux", "-i", in, "-c", "copy", out)
}

func (f *FFmpeg) run(ctx context.Context, mode string, args ...string) error {
	args = append([]string{"-hide_banner", "-loglevel", "error", "-y"}, args...)
	cmd := exec.CommandContext(ctx, f.path, args...)

	var stderr bytes.Buffer
	logWriter := f.logger.Named(mode).StandardWriter(&hclog.StandardLoggerOptions{InferLevels: true})
	cmd.Stderr = io.MultiWriter(&stderr, logWriter)

	f.logger.Debug("running ffmpeg", "mode", mode, "args", strings.Join(args, " "))
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%w: ffmpeg %s: %v: %s", ErrMergeFailed, mode, err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// WriteManifest writes an ffmpeg concat manifest listing files in order.
func WriteManifest(path string, files []string) error {
	var b strings.Builder
	for _, file := range files {
		b.WriteString("file '")
		b.WriteString(strings.ReplaceAll(file, "'", `'\''`))
		b.WriteString("'\n")
	}
	if err := os.WriteFile(path, []byte(b.String()), 0644); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	return nil
}
