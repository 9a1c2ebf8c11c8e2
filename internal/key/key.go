// Package key detects playlist encryption, fetches the content key and decrypts segments.
package key

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/agleyzer/hlsfetch/internal/parser"
	"github.com/grafov/m3u8"
)

var (
	// ErrUnsupportedEncryption is returned for any method other than AES-128.
	ErrUnsupportedEncryption = errors.New("unsupported encryption method")

	// ErrKeyUnavailable is returned when the key cannot be fetched or is malformed.
	ErrKeyUnavailable = errors.New("encryption key unavailable")
)

// MethodAES128 is the only supported EXT-X-KEY method.
const MethodAES128 = "AES-128"

// Decrypter decrypts AES-128-CBC segments. It is safe for concurrent use.
//
// In the default mode every call builds its own CBC decrypter: the IV is the
// playlist IV when one is given, otherwise the segment's media sequence number
// as a 16-byte big-endian integer. In legacy mode a single CBC chain is shared
// by all calls in the order they happen, guarded by a mutex.
type Decrypter struct {
	block cipher.Block
	iv    []byte

	legacy bool
	mu     sync.Mutex
	chain  cipher.BlockMode
}

// NewDecrypter creates a Decrypter for a 16-byte key. iv may be nil.
func NewDecrypter(key, iv []byte, legacy bool) (*Decrypter, error) {
	if len(key) != aes.BlockSize {
		return nil, fmt.Errorf("%w: key is %d bytes, want %d", ErrKeyUnavailable, len(key), aes.BlockSize)
	}
	if iv != nil && len(iv) != aes.BlockSize {
		return nil, fmt.Errorf("iv is %d bytes, want %d", len(iv), aes.BlockSize)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyUnavailable, err)
	}

	d := &Decrypter{block: block, iv: iv, legacy: legacy}
	if legacy {
		start := iv
		if start == nil {
			start = make([]byte, aes.BlockSize)
		}
		d.chain = cipher.NewCBCDecrypter(block, start)
	}
	return d, nil
}

// IV returns the IV used for the segment with the given media sequence number.
func (d *Decrypter) IV(sequence uint64) []byte {
	if d.iv != nil {
		return d.iv
	}
	iv := make([]byte, aes.BlockSize)
	binary.BigEndian.PutUint64(iv[8:], sequence)
	return iv
}

// ExplicitIV reports whether the playlist carried an IV attribute.
func (d *Decrypter) ExplicitIV() bool {
	return d.iv != nil
}

// Decrypt returns the plaintext of a segment.
func (d *Decrypter) Decrypt(sequence uint64, data []byte) ([]byte, error) {
	if len(data)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("ciphertext length %d is not a multiple of the block size", len(data))
	}

	out := make([]byte, len(data))
	if d.legacy {
		d.mu.Lock()
		d.chain.CryptBlocks(out, data)
		d.mu.Unlock()
		return out, nil
	}

	cipher.NewCBCDecrypter(d.block, d.IV(sequence)).CryptBlocks(out, data)
	return unpad(out), nil
}

// unpad strips PKCS#7 padding when it is well formed and leaves the data alone otherwise.
func unpad(data []byte) []byte {
	if len(data) == 0 {
		return data
	}
	n := int(data[len(data)-1])
	if n == 0 || n > aes.BlockSize || n > len(data) {
		return data
	}
	if !bytes.Equal(data[len(data)-n:], bytes.Repeat([]byte{byte(n)}, n)) {
		return data
	}
	return data[:len(data)-n]
}

// Provider fetches the content key named by a media playlist.
type Provider struct {
	fetcher parser.Fetcher
	retries int
	legacy  bool
	logger  *slog.Logger
}

// NewProvider creates a Provider.
func NewProvider(fetcher parser.Fetcher, retries int, legacy bool, logger *slog.Logger) *Provider {
	return &Provider{
		fetcher: fetcher,
		retries: retries,
		legacy:  legacy,
		logger:  logger,
	}
}

// MaybeFetchKey returns a Decrypter for an encrypted playlist, or nil when segments are in the clear.
func (p *Provider) MaybeFetchKey(ctx context.Context, pl *parser.Playlist) (*Decrypter, error) {
	k := playlistKey(pl)
	if k == nil || k.Method == "" || k.Method == "NONE" {
		return nil, nil
	}

	if k.Method != MethodAES128 {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedEncryption, k.Method)
	}
	if k.URI == "" {
		return nil, fmt.Errorf("%w: key has no URI", ErrKeyUnavailable)
	}

	var iv []byte
	if k.IV != "" {
		var err error
		iv, err = parseIV(k.IV)
		if err != nil {
			return nil, err
		}
	}

	keyURL := pl.Resolve(k.URI)
	p.logger.Info("fetching encryption key", "method", k.Method, "url", keyURL)

	resp, err := p.fetcher.Fetch(ctx, keyURL, p.retries)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyUnavailable, err)
	}
	if resp.StatusCode != 200 {
		return nil, fmt.Errorf("%w: %s: HTTP %d", ErrKeyUnavailable, keyURL, resp.StatusCode)
	}

	return NewDecrypter(resp.Body, iv, p.legacy)
}

func playlistKey(pl *parser.Playlist) *m3u8.Key {
	if pl.Media == nil {
		return nil
	}
	if pl.Media.Key != nil {
		return pl.Media.Key
	}
	for _, seg := range pl.Media.Segments {
		if seg == nil {
			break
		}
		if seg.Key != nil {
			return seg.Key
		}
	}
	return nil
}

func parseIV(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if len(s) < 2*aes.BlockSize {
		s = strings.Repeat("0", 2*aes.BlockSize-len(s)) + s
	}
	iv, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid IV %q: %w", s, err)
	}
	if len(iv) != aes.BlockSize {
		return nil, fmt.Errorf("invalid IV length %d", len(iv))
	}
	return iv, nil
}
