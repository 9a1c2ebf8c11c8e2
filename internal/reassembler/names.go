package reassembler

import (
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/agleyzer/hlsfetch/internal/segment"
)

// UnsafeChars are the characters that cannot appear in an on-disk file name.
const UnsafeChars = `\/:*?"<>|`

// SafeName reports whether name can be used as a file name as-is.
func SafeName(name string) bool {
	return name != "" && name != "." && name != ".." && !strings.ContainsAny(name, UnsafeChars)
}

// trailingName returns the last path component of a URL, query included.
func trailingName(rawURL string) string {
	return rawURL[strings.LastIndex(rawURL, "/")+1:]
}

// indexName is the file name of the segment at the given order when names are mapped.
// The extension of the URL path is kept when it is itself safe.
func indexName(order int, rawURL string) string {
	p := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		p = u.Path
	}
	ext := path.Ext(p)
	if ext == "." || !SafeName(ext) {
		ext = ""
	}
	return fmt.Sprintf("%d%s", order, ext)
}

// NormalizedName is the file a non-TS segment is converted into before concatenation,
// or "" when the segment is already a TS file.
func NormalizedName(name string) string {
	if strings.HasSuffix(name, ".ts") {
		return ""
	}
	return name + ".ts"
}

// nameSet tracks file names already claimed in the output directory.
type nameSet map[string]bool

// claim reserves name and its normalization target, failing when either is taken.
func (s nameSet) claim(name string) bool {
	target := NormalizedName(name)
	if s[name] || (target != "" && s[target]) {
		return false
	}
	s[name] = true
	if target != "" {
		s[target] = true
	}
	return true
}

func newNameSet(reserved string) nameSet {
	s := make(nameSet)
	if reserved != "" {
		s[reserved] = true
	}
	return s
}

// FileNames returns the on-disk name of every segment, indexed by order, and the
// FileNameMap (URL to name) when the trailing URL names could not be used directly.
// Names are mapped when any of them is unsafe, or when a name or its normalization
// target collides with another segment or with reserved (the output file name).
// Mapped names never collide either; a taken index name gets a "_" prefix.
func FileNames(segments []segment.Segment, reserved string) ([]string, map[string]string) {
	names := make([]string, len(segments))
	taken := newNameSet(reserved)

	mapped := false
	for _, seg := range segments {
		name := trailingName(seg.ResolvedURL)
		if !SafeName(name) || !taken.claim(name) {
			mapped = true
			break
		}
		names[seg.Order] = name
	}

	if !mapped {
		return names, nil
	}

	taken = newNameSet(reserved)
	fileNames := make(map[string]string, len(segments))
	for _, seg := range segments {
		name := indexName(seg.Order, seg.ResolvedURL)
		for !taken.claim(name) {
			name = "_" + name
		}
		names[seg.Order] = name
		fileNames[seg.ResolvedURL] = name
	}
	return names, fileNames
}
