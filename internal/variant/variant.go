// Package variant defines data structures for HLS variant streams in master playlists
// and the rules for picking one of them.
package variant

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// ErrAborted is returned when the user declines to pick a variant.
var ErrAborted = errors.New("variant selection aborted")

// Variant represents a single variant stream in an HLS master playlist.
type Variant struct {
	// Bandwidth is the peak segment bitrate in bits per second
	Bandwidth int

	// Resolution is the video resolution (e.g., "1920x1080"), empty if not specified
	Resolution string

	// URI is the variant playlist reference as written in the master playlist
	URI string

	// PlaylistURL is the absolute URL of the variant's media playlist
	PlaylistURL string
}

// Highest returns the index of the variant with the largest bandwidth.
// Ties keep the earliest variant. Returns -1 for an empty list.
func Highest(variants []Variant) int {
	best := -1
	for i, v := range variants {
		if best < 0 || v.Bandwidth > variants[best].Bandwidth {
			best = i
		}
	}
	return best
}

// Chooser picks one variant out of a list.
type Chooser interface {
	// Choose returns the zero-based index of the picked variant.
	Choose(variants []Variant) (int, error)
}

// HighestChooser always picks the highest bandwidth variant.
type HighestChooser struct{}

// Choose implements Chooser.
func (HighestChooser) Choose(variants []Variant) (int, error) {
	i := Highest(variants)
	if i < 0 {
		return 0, fmt.Errorf("no variants to choose from")
	}
	return i, nil
}

// PromptChooser lists the variants on Out and reads a one-based choice from In.
// A choice of 0 aborts; anything out of range is asked again.
type PromptChooser struct {
	In  io.Reader
	Out io.Writer
}

// Choose implements Chooser.
func (p PromptChooser) Choose(variants []Variant) (int, error) {
	if len(variants) == 0 {
		return 0, fmt.Errorf("no variants to choose from")
	}

	for i, v := range variants {
		fmt.Fprintf(p.Out, "%d - bandwidth[%d]", i+1, v.Bandwidth)
		if v.Resolution != "" {
			fmt.Fprintf(p.Out, " resolution[%s]", v.Resolution)
		}
		fmt.Fprintln(p.Out)
	}
	fmt.Fprintln(p.Out, "Select a specific quality video stream from above, `0` for quit")

	scanner := bufio.NewScanner(p.In)
	for {
		fmt.Fprint(p.Out, "choice: ")
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return 0, fmt.Errorf("read choice: %w", err)
			}
			return 0, ErrAborted
		}

		choice, err := strconv.Atoi(strings.TrimSpace(scanner.Text()))
		if err != nil {
			continue
		}
		if choice == 0 {
			return 0, ErrAborted
		}
		if choice > 0 && choice <= len(variants) {
			return choice - 1, nil
		}
	}
}
