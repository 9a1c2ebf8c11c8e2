package config

import (
	"errors"
	"flag"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/agleyzer/hlsfetch/internal/parser"
	"github.com/agleyzer/hlsfetch/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{
			name:    "valid config",
			config:  Config{URL: "http://example.com/a.m3u8", Name: "video"},
			wantErr: false,
		},
		{
			name:    "missing url",
			config:  Config{Name: "video"},
			wantErr: true,
		},
		{
			name:    "relative url",
			config:  Config{URL: "/a.m3u8", Name: "video"},
			wantErr: true,
		},
		{
			name:    "ftp url",
			config:  Config{URL: "ftp://example.com/a.m3u8", Name: "video"},
			wantErr: true,
		},
		{
			name:    "missing name",
			config:  Config{URL: "http://example.com/a.m3u8"},
			wantErr: true,
		},
		{
			name:    "illegal name",
			config:  Config{URL: "http://example.com/a.m3u8", Name: "a:b"},
			wantErr: true,
		},
		{
			name:    "negative concurrency",
			config:  Config{URL: "http://example.com/a.m3u8", Name: "video", Concurrency: -1},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_ValidateInvalidPlaylistURL(t *testing.T) {
	for _, u := range []string{"", "/a.m3u8", "ftp://example.com/a.m3u8", "http://", "a.m3u8"} {
		cfg := Config{URL: u, Name: "video"}
		err := cfg.Validate()
		if !errors.Is(err, parser.ErrInvalidPlaylistURL) {
			t.Errorf("Validate(%q): expected ErrInvalidPlaylistURL, got %v", u, err)
		}
	}
}

func TestConfig_RetryRounds(t *testing.T) {
	tests := []struct {
		name       string
		retryLimit int
		want       int
	}{
		{name: "default", retryLimit: 0, want: 5},
		{name: "explicit", retryLimit: 2, want: 2},
		{name: "disabled", retryLimit: -1, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Config{URL: "http://example.com/a.m3u8", Name: "video", RetryLimit: tt.retryLimit}
			require.NoError(t, cfg.Validate())
			// Validate runs once in the CLI and again in the downloader.
			require.NoError(t, cfg.Validate())
			assert.Equal(t, tt.want, cfg.RetryRounds())
		})
	}
}

func TestConfig_ValidateRejectsEveryIllegalChar(t *testing.T) {
	for _, c := range illegalNameChars {
		cfg := Config{URL: "http://example.com/a.m3u8", Name: "a" + string(c) + "b"}
		err := cfg.Validate()
		assert.True(t, errors.Is(err, ErrInvalidOutputName), "char %q", c)
	}
}

func TestConfig_Defaults(t *testing.T) {
	cfg := Config{URL: "https://example.com/a.m3u8", Name: "video"}
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ".", cfg.OutputDir)
	assert.Equal(t, ".mp4", cfg.Ext)
	assert.Equal(t, 0, cfg.Concurrency)
	assert.Equal(t, 500*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, 5, cfg.RetryLimit)
	assert.Equal(t, 5, cfg.FetchRetries)
	assert.Equal(t, "ffmpeg", cfg.FFmpegPath)
	assert.Equal(t, "video.mp4", cfg.OutputName())
}

func TestConfig_ExtWithoutDot(t *testing.T) {
	cfg := Config{URL: "https://example.com/a.m3u8", Name: "video", Ext: "mkv"}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "video.mkv", cfg.OutputName())
}

func TestEnsureOutputDir(t *testing.T) {
	cfg := Config{OutputDir: filepath.Join(t.TempDir(), "a", "b")}

	dir, err := cfg.EnsureOutputDir()
	require.NoError(t, err)

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestLoadRequestOptions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "request.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
params:
  token: abc
cookies:
  session: xyz
headers:
  Referer: https://example.com
proxy: http://127.0.0.1:8080
timeout: 30s
`), 0o644))

	opts, err := LoadRequestOptions(path)
	require.NoError(t, err)

	assert.Equal(t, map[string]string{"token": "abc"}, opts.Params)
	assert.Equal(t, map[string]string{"session": "xyz"}, opts.Cookies)
	assert.Equal(t, "https://example.com", opts.Headers["Referer"])
	assert.Equal(t, "http://127.0.0.1:8080", opts.Proxy)
	assert.Equal(t, 30*time.Second, opts.Timeout)
}

func TestLoadRequestOptionsErrors(t *testing.T) {
	_, err := LoadRequestOptions(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("headers: [1, 2"), 0o644))
	_, err = LoadRequestOptions(path)
	assert.Error(t, err)
}

func TestMergeRequestOptions(t *testing.T) {
	base := transport.Options{
		Headers: map[string]string{"Referer": "a", "User-Agent": "x"},
		Proxy:   "http://base",
		Timeout: time.Second,
	}
	override := transport.Options{
		Headers: map[string]string{"Referer": "b"},
		Params:  map[string]string{"k": "v"},
	}

	got := MergeRequestOptions(base, override)
	assert.Equal(t, map[string]string{"Referer": "b", "User-Agent": "x"}, got.Headers)
	assert.Equal(t, map[string]string{"k": "v"}, got.Params)
	assert.Nil(t, got.Cookies)
	assert.Equal(t, "http://base", got.Proxy)
	assert.Equal(t, time.Second, got.Timeout)
}

func TestKeyValueFlag(t *testing.T) {
	headers := KeyValueFlag{}
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.Var(headers, "header", "")

	require.NoError(t, fs.Parse([]string{"-header", "Referer=https://a.com/x?y=1", "-header", " Origin = b "}))
	assert.Equal(t, "https://a.com/x?y=1", headers["Referer"])
	assert.Equal(t, "b", headers["Origin"])

	assert.Error(t, headers.Set("novalue"))
	assert.Error(t, headers.Set("=v"))
}
