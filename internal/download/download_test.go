package download

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agleyzer/hlsfetch/internal/config"
	"github.com/agleyzer/hlsfetch/internal/parser"
	"github.com/agleyzer/hlsfetch/internal/scheduler"
	"github.com/agleyzer/hlsfetch/internal/variant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testKey = []byte("0123456789abcdef")

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func encryptSegment(t *testing.T, sequence uint64, plaintext []byte) []byte {
	iv := make([]byte, aes.BlockSize)
	binary.BigEndian.PutUint64(iv[8:], sequence)
	return encryptWithIV(t, iv, plaintext)
}

func encryptWithIV(t *testing.T, iv, plaintext []byte) []byte {
	t.Helper()
	block, err := aes.NewCipher(testKey)
	require.NoError(t, err)

	pad := aes.BlockSize - len(plaintext)%aes.BlockSize
	padded := append(append([]byte{}, plaintext...), bytes.Repeat([]byte{byte(pad)}, pad)...)

	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
	return out
}

// concatMerger joins the files listed in the manifest, standing in for ffmpeg.
type concatMerger struct {
	mu    sync.Mutex
	calls []string
}

func (m *concatMerger) record(call string) {
	m.mu.Lock()
	m.calls = append(m.calls, call)
	m.mu.Unlock()
}

func (m *concatMerger) Normalize(ctx context.Context, in, out string) error {
	m.record("normalize")
	data, err := os.ReadFile(in)
	if err != nil {
		return err
	}
	return os.WriteFile(out, data, 0o644)
}

func (m *concatMerger) Concat(ctx context.Context, manifest, out string) error {
	m.record("concat")
	data, err := os.ReadFile(manifest)
	if err != nil {
		return err
	}
	var merged []byte
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		path := strings.TrimSuffix(strings.TrimPrefix(line, "file '"), "'")
		part, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		merged = append(merged, part...)
	}
	return os.WriteFile(out, merged, 0o644)
}

func (m *concatMerger) Mux(ctx context.Context, in, out string) error {
	m.record("mux")
	data, err := os.ReadFile(in)
	if err != nil {
		return err
	}
	return os.WriteFile(out, data, 0o644)
}

// origin serves a master playlist, an encrypted media playlist, its key and segments.
type origin struct {
	t        *testing.T
	mu       sync.Mutex
	failures map[string]int
	hits     map[string]int
}

func newOrigin(t *testing.T) (*origin, *httptest.Server) {
	o := &origin{t: t, failures: make(map[string]int), hits: make(map[string]int)}
	srv := httptest.NewServer(o)
	t.Cleanup(srv.Close)
	return o, srv
}

func (o *origin) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	o.mu.Lock()
	o.hits[r.URL.Path]++
	fail := o.failures[r.URL.Path] > 0
	if fail {
		o.failures[r.URL.Path]--
	}
	o.mu.Unlock()

	if fail {
		http.Error(w, "try again", http.StatusServiceUnavailable)
		return
	}

	switch {
	case r.URL.Path == "/master.m3u8":
		fmt.Fprint(w, `#EXTM3U
#EXT-X-STREAM-INF:BANDWIDTH=800000,RESOLUTION=640x360
low/index.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=2400000,RESOLUTION=1280x720
hi/index.m3u8
`)
	case r.URL.Path == "/hi/index.m3u8":
		fmt.Fprint(w, `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-TARGETDURATION:4
#EXT-X-MEDIA-SEQUENCE:5
#EXT-X-KEY:METHOD=AES-128,URI="/keys/k.bin"
#EXTINF:4.0,
seg0.ts
#EXTINF:4.0,
seg1.ts
#EXTINF:4.0,
seg2.ts
#EXTINF:4.0,
seg3.ts
#EXT-X-ENDLIST
`)
	case r.URL.Path == "/keys/k.bin":
		w.Write(testKey)
	case strings.HasPrefix(r.URL.Path, "/hi/seg"):
		var i int
		if _, err := fmt.Sscanf(r.URL.Path, "/hi/seg%d.ts", &i); err != nil {
			http.NotFound(w, r)
			return
		}
		w.Write(encryptSegment(o.t, uint64(5+i), []byte(fmt.Sprintf("[segment %d]", i))))
	default:
		http.NotFound(w, r)
	}
}

func (o *origin) hitCount(path string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.hits[path]
}

func testConfig(url, dir string) config.Config {
	return config.Config{
		URL:          url,
		OutputDir:    dir,
		Name:         "movie",
		AutoHighest:  true,
		PollInterval: 20 * time.Millisecond,
		RetryLimit:   3,
		FetchRetries: 1,
	}
}

func TestRun_EncryptedMasterPlaylist(t *testing.T) {
	o, srv := newOrigin(t)
	o.failures["/hi/seg1.ts"] = 1

	dir := t.TempDir()
	merger := &concatMerger{}
	d, err := New(testConfig(srv.URL+"/master.m3u8", dir), testLogger(), WithMerger(merger))
	require.NoError(t, err)

	out, err := d.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "movie.mp4"), out)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "[segment 0][segment 1][segment 2][segment 3]", string(data))

	assert.Equal(t, 2, o.hitCount("/hi/seg1.ts"))
	assert.Equal(t, 1, o.hitCount("/hi/seg0.ts"))
	assert.Equal(t, 0, o.hitCount("/low/index.m3u8"))
	assert.Equal(t, []string{"concat"}, merger.calls)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "intermediate files must be removed")
	assert.Equal(t, "movie.mp4", entries[0].Name())
}

func TestRun_StatusServer(t *testing.T) {
	_, srv := newOrigin(t)

	cfg := testConfig(srv.URL+"/hi/index.m3u8", t.TempDir())
	cfg.StatusAddr = "127.0.0.1:0"
	cfg.Progress = true

	d, err := New(cfg, testLogger(), WithMerger(&concatMerger{}))
	require.NoError(t, err)

	_, err = d.Run(context.Background())
	require.NoError(t, err)
}

type abortChooser struct{}

func (abortChooser) Choose([]variant.Variant) (int, error) {
	return 0, variant.ErrAborted
}

func TestRun_Aborted(t *testing.T) {
	o, srv := newOrigin(t)

	d, err := New(testConfig(srv.URL+"/master.m3u8", t.TempDir()), testLogger(),
		WithChooser(abortChooser{}), WithMerger(&concatMerger{}))
	require.NoError(t, err)

	_, err = d.Run(context.Background())
	assert.True(t, errors.Is(err, variant.ErrAborted))
	assert.Equal(t, 0, o.hitCount("/hi/index.m3u8"))
}

func TestRun_UnrecoverableSegment(t *testing.T) {
	o, srv := newOrigin(t)
	o.failures["/hi/seg2.ts"] = 100

	cfg := testConfig(srv.URL+"/hi/index.m3u8", t.TempDir())
	cfg.RetryLimit = 2
	merger := &concatMerger{}

	d, err := New(cfg, testLogger(), WithMerger(merger))
	require.NoError(t, err)

	_, err = d.Run(context.Background())
	assert.True(t, errors.Is(err, scheduler.ErrSegmentsUnrecoverable))
	assert.Empty(t, merger.calls)
}

func TestNew_InvalidConfig(t *testing.T) {
	tests := []struct {
		name   string
		config config.Config
		want   error
	}{
		{
			name:   "illegal output name",
			config: config.Config{URL: "http://example.com/a.m3u8", Name: "bad|name"},
			want:   config.ErrInvalidOutputName,
		},
		{
			name:   "non http playlist url",
			config: config.Config{URL: "ftp://example.com/a.m3u8", Name: "a"},
			want:   parser.ErrInvalidPlaylistURL,
		},
		{
			name:   "relative playlist url",
			config: config.Config{URL: "a.m3u8", Name: "a"},
			want:   parser.ErrInvalidPlaylistURL,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.config, testLogger())
			if !errors.Is(err, tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestRun_RetriesDisabled(t *testing.T) {
	o, srv := newOrigin(t)
	o.failures["/hi/seg1.ts"] = 1

	cfg := testConfig(srv.URL+"/hi/index.m3u8", t.TempDir())
	cfg.RetryLimit = -1

	d, err := New(cfg, testLogger(), WithMerger(&concatMerger{}))
	require.NoError(t, err)

	_, err = d.Run(context.Background())
	assert.True(t, errors.Is(err, scheduler.ErrSegmentsUnrecoverable))
	assert.Equal(t, 1, o.hitCount("/hi/seg1.ts"))
}

// fragmentedOrigin serves an encrypted fMP4 playlist with an EXT-X-MAP initialization segment.
// With an explicit IV every object is encrypted under it; otherwise the init segment is clear.
func fragmentedOrigin(t *testing.T, iv []byte) *httptest.Server {
	keyTag := `#EXT-X-KEY:METHOD=AES-128,URI="key.bin"`
	if iv != nil {
		keyTag += fmt.Sprintf(",IV=0x%x", iv)
	}
	playlist := "#EXTM3U\n#EXT-X-VERSION:7\n#EXT-X-TARGETDURATION:4\n#EXT-X-MEDIA-SEQUENCE:0\n" +
		keyTag + "\n#EXT-X-MAP:URI=\"init.mp4\"\n" +
		"#EXTINF:4.0,\na.m4s\n#EXTINF:4.0,\nb.m4s\n#EXT-X-ENDLIST\n"

	mux := http.NewServeMux()
	mux.HandleFunc("/v/index.m3u8", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, playlist)
	})
	mux.HandleFunc("/v/key.bin", func(w http.ResponseWriter, r *http.Request) {
		w.Write(testKey)
	})
	mux.HandleFunc("/v/init.mp4", func(w http.ResponseWriter, r *http.Request) {
		if iv == nil {
			w.Write([]byte("[init]"))
			return
		}
		w.Write(encryptWithIV(t, iv, []byte("[init]")))
	})
	for i, name := range []string{"a", "b"} {
		body := []byte("[" + name + "]")
		seq := uint64(i)
		mux.HandleFunc("/v/"+name+".m4s", func(w http.ResponseWriter, r *http.Request) {
			if iv == nil {
				w.Write(encryptSegment(t, seq, body))
				return
			}
			w.Write(encryptWithIV(t, iv, body))
		})
	}

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestRun_InitSegment(t *testing.T) {
	tests := []struct {
		name string
		iv   []byte
	}{
		{name: "derived iv keeps init segment clear", iv: nil},
		{name: "explicit iv decrypts init segment", iv: []byte("fedcba9876543210")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := fragmentedOrigin(t, tt.iv)
			dir := t.TempDir()
			merger := &concatMerger{}

			d, err := New(testConfig(srv.URL+"/v/index.m3u8", dir), testLogger(), WithMerger(merger))
			require.NoError(t, err)

			out, err := d.Run(context.Background())
			require.NoError(t, err)

			data, err := os.ReadFile(out)
			require.NoError(t, err)
			assert.Equal(t, "[init][a][b]", string(data))
			assert.Equal(t, []string{"mux"}, merger.calls)
		})
	}
}
