// Package parser provides HLS playlist resolution: decoding, URL resolution and variant selection.
package parser

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/agleyzer/hlsfetch/internal/segment"
	"github.com/agleyzer/hlsfetch/internal/transport"
	"github.com/agleyzer/hlsfetch/internal/variant"
	"github.com/grafov/m3u8"
)

var (
	// ErrInvalidPlaylistURL is returned when a playlist URL is not absolute HTTP(S).
	ErrInvalidPlaylistURL = errors.New("invalid playlist url")

	// ErrUnresolvedContent is returned when a playlist holds neither variants nor media segments.
	ErrUnresolvedContent = errors.New("unresolved playlist content")

	// ErrPlaylistUnavailable is returned when a playlist cannot be fetched.
	ErrPlaylistUnavailable = errors.New("playlist unavailable")
)

// Fetcher retrieves a URL with a bounded retry budget.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string, retries int) (*transport.Response, error)
}

// Playlist is a decoded playlist together with the bases used to resolve its references.
type Playlist struct {
	// URL is the absolute playlist URL
	URL string

	// HostURL is scheme and host, without a trailing slash (e.g. "https://cdn.example.com")
	HostURL string

	// PrefixURL is the playlist directory, with a trailing slash
	PrefixURL string

	// Raw is the playlist text as served
	Raw string

	// Variants is populated for multi-rate (master) playlists, in file order
	Variants []variant.Variant

	// Media is populated for leaf (media) playlists
	Media *m3u8.MediaPlaylist
}

// IsMaster reports whether the playlist lists variant streams.
func (p *Playlist) IsMaster() bool {
	return len(p.Variants) > 0
}

// Resolve turns a playlist reference into an absolute URL.
// References starting with "http" are kept, "/" paths are joined to the host,
// anything else is joined to the playlist directory.
func (p *Playlist) Resolve(ref string) string {
	switch {
	case strings.HasPrefix(ref, "http"):
		return ref
	case strings.HasPrefix(ref, "/"):
		return p.HostURL + ref
	default:
		return p.PrefixURL + ref
	}
}

// Segments returns the media segments in playlist order with resolved URLs.
func (p *Playlist) Segments() []segment.Segment {
	if p.Media == nil {
		return nil
	}

	var segments []segment.Segment
	for _, seg := range p.Media.Segments {
		if seg == nil {
			break
		}
		segments = append(segments, segment.Segment{
			URL:         seg.URI,
			ResolvedURL: p.Resolve(seg.URI),
			Order:       len(segments),
			Sequence:    p.Media.SeqNo + uint64(len(segments)),
			Duration:    seg.Duration,
		})
	}
	return segments
}

// SplitBase derives the host and directory prefix of an absolute HTTP(S) URL.
func SplitBase(playlistURL string) (host, prefix string, err error) {
	u, err := url.Parse(playlistURL)
	if err != nil {
		return "", "", fmt.Errorf("%w: %q: %v", ErrInvalidPlaylistURL, playlistURL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidPlaylistURL, playlistURL)
	}

	host = u.Scheme + "://" + u.Host
	dir := u.Path
	if i := strings.LastIndex(dir, "/"); i >= 0 {
		dir = dir[:i+1]
	} else {
		dir = "/"
	}
	return host, host + dir, nil
}

// Parse decodes playlist text fetched from playlistURL.
func Parse(playlistURL string, data []byte) (*Playlist, error) {
	host, prefix, err := SplitBase(playlistURL)
	if err != nil {
		return nil, err
	}

	p := &Playlist{
		URL:       playlistURL,
		HostURL:   host,
		PrefixURL: prefix,
		Raw:       string(data),
	}

	decoded, listType, err := m3u8.DecodeFrom(bytes.NewReader(data), false)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnresolvedContent, err)
	}

	switch listType {
	case m3u8.MASTER:
		master, ok := decoded.(*m3u8.MasterPlaylist)
		if !ok {
			return nil, fmt.Errorf("%w: unexpected playlist type", ErrUnresolvedContent)
		}
		for _, v := range master.Variants {
			if v == nil || v.URI == "" {
				continue
			}
			p.Variants = append(p.Variants, variant.Variant{
				Bandwidth:   int(v.Bandwidth),
				Resolution:  v.Resolution,
				URI:         v.URI,
				PlaylistURL: p.Resolve(v.URI),
			})
		}
		if len(p.Variants) == 0 {
			return nil, fmt.Errorf("%w: master playlist contains no variants", ErrUnresolvedContent)
		}
	case m3u8.MEDIA:
		media, ok := decoded.(*m3u8.MediaPlaylist)
		if !ok {
			return nil, fmt.Errorf("%w: unexpected playlist type", ErrUnresolvedContent)
		}
		p.Media = media
		if len(p.Segments()) == 0 {
			return nil, fmt.Errorf("%w: playlist contains no segments", ErrUnresolvedContent)
		}
	default:
		return nil, fmt.Errorf("%w: unknown playlist type", ErrUnresolvedContent)
	}

	return p, nil
}

// Resolver fetches a playlist and follows a variant reference down to a media playlist.
type Resolver struct {
	fetcher Fetcher
	retries int
	chooser variant.Chooser
	logger  *slog.Logger
}

// NewResolver creates a Resolver. The chooser decides which variant of a multi-rate playlist to follow.
func NewResolver(fetcher Fetcher, retries int, chooser variant.Chooser, logger *slog.Logger) *Resolver {
	return &Resolver{
		fetcher: fetcher,
		retries: retries,
		chooser: chooser,
		logger:  logger,
	}
}

// Resolve returns the media playlist for playlistURL, choosing a variant when the URL is a master playlist.
func (r *Resolver) Resolve(ctx context.Context, playlistURL string) (*Playlist, error) {
	p, err := r.fetch(ctx, playlistURL)
	if err != nil {
		return nil, err
	}

	if !p.IsMaster() {
		r.logger.Info("parsed media playlist", "url", p.URL, "segments", len(p.Segments()))
		return p, nil
	}

	r.logger.Info("parsed master playlist", "url", p.URL, "variants", len(p.Variants))
	for i, v := range p.Variants {
		r.logger.Debug("variant", "index", i, "bandwidth", v.Bandwidth, "resolution", v.Resolution)
	}

	idx, err := r.chooser.Choose(p.Variants)
	if err != nil {
		return nil, err
	}
	if idx < 0 || idx >= len(p.Variants) {
		return nil, fmt.Errorf("variant index %d out of range (0-%d)", idx, len(p.Variants)-1)
	}
	chosen := p.Variants[idx]
	r.logger.Info("selected variant", "bandwidth", chosen.Bandwidth, "url", chosen.PlaylistURL)

	leaf, err := r.fetch(ctx, chosen.PlaylistURL)
	if err != nil {
		return nil, fmt.Errorf("variant playlist: %w", err)
	}
	if leaf.IsMaster() {
		return nil, fmt.Errorf("%w: variant %s is itself a master playlist", ErrUnresolvedContent, chosen.PlaylistURL)
	}

	r.logger.Info("parsed media playlist", "url", leaf.URL, "segments", len(leaf.Segments()))
	return leaf, nil
}

func (r *Resolver) fetch(ctx context.Context, playlistURL string) (*Playlist, error) {
	if _, _, err := SplitBase(playlistURL); err != nil {
		return nil, err
	}

	resp, err := r.fetcher.Fetch(ctx, playlistURL, r.retries)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPlaylistUnavailable, err)
	}
	if resp.StatusCode != 200 {
		return nil, fmt.Errorf("%w: %s: HTTP %d", ErrPlaylistUnavailable, playlistURL, resp.StatusCode)
	}

	return Parse(playlistURL, resp.Body)
}
