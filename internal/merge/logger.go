package merge

import (
	"io"

	"github.com/hashicorp/go-hclog"
)

// NewNoOpLogger creates an hclog.Logger that drops ffmpeg output.
func NewNoOpLogger() hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Name:   "ffmpeg",
		Level:  hclog.Off,
		Output: io.Discard,
	})
}

// NewLogger creates an hclog.Logger for ffmpeg output written to w.
func NewLogger(w io.Writer, level hclog.Level) hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Name:   "ffmpeg",
		Level:  level,
		Output: w,
	})
}
