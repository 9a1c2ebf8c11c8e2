// Package segment defines data structures for HLS media segments.
package segment

import "fmt"

// State is the download state of a segment.
type State int

const (
	// Pending segments are queued and not yet launched.
	Pending State = iota
	// InFlight segments have a fetch operation running.
	InFlight
	// Done segments have been written to disk.
	Done
	// Failed segments failed their last attempt and wait for a retry round.
	Failed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case InFlight:
		return "in_flight"
	case Done:
		return "done"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Segment represents a single HLS media segment.
type Segment struct {
	// URL is the original segment URL as written in the playlist
	URL string

	// ResolvedURL is the absolute URL the segment is fetched from
	ResolvedURL string

	// Order is the position in the playlist sequence.
	// An initialization segment, when present, takes order 0.
	Order int

	// Sequence is the media sequence number, used to derive the decryption IV
	Sequence uint64

	// Duration is the segment duration in seconds (0 for an init segment)
	Duration float64

	// Init marks the initialization segment
	Init bool

	// Clear segments are stored as fetched, without decryption
	Clear bool

	// State is owned by the scheduler
	State State
}

// Ordered returns segments built from resolved URLs, numbered from 0 in the given order.
func Ordered(urls []string) []Segment {
	segments := make([]Segment, 0, len(urls))
	for i, u := range urls {
		segments = append(segments, Segment{URL: u, ResolvedURL: u, Order: i})
	}
	return segments
}
