// Package config holds the settings of one download and loads request options.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/agleyzer/hlsfetch/internal/parser"
	"github.com/agleyzer/hlsfetch/internal/transport"
	"gopkg.in/yaml.v3"
)

// ErrInvalidOutputName is returned when the output name cannot be used as a file name.
var ErrInvalidOutputName = errors.New("invalid output name")

// illegalNameChars cannot appear in an output name.
const illegalNameChars = `\/:*?"<>|`

// Config holds the configuration for one download.
type Config struct {
	// URL is the playlist URL.
	URL string
	// OutputDir receives segment files and the final output.
	OutputDir string
	// Name is the output base name.
	Name string
	// Ext is the output extension, with or without the leading dot.
	Ext string
	// Request decorates every HTTP request.
	Request transport.Options
	// AutoHighest selects the highest-bandwidth variant without prompting.
	AutoHighest bool
	// Progress enables progress reporting.
	Progress bool
	// Concurrency is the number of concurrent segment fetches; 0 sizes it to the first batch.
	Concurrency int
	// PollInterval is the longest the scheduler waits between ticks.
	PollInterval time.Duration
	// RetryLimit is the number of batch failure retry rounds; 0 means the default
	// and a negative value disables retry rounds.
	RetryLimit int
	// FetchRetries is the transport retry budget per request.
	FetchRetries int
	// FFmpegPath is the merge binary.
	FFmpegPath string
	// LegacyIV decrypts with one chained cipher stream instead of per-segment IVs.
	LegacyIV bool
	// StatusAddr, when set, serves /health and /metrics during the download.
	StatusAddr string
}

// Validate checks if the configuration is valid and fills in defaults.
func (c *Config) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("%w: playlist url is required", parser.ErrInvalidPlaylistURL)
	}

	if _, _, err := parser.SplitBase(c.URL); err != nil {
		return err
	}

	if c.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidOutputName)
	}
	if strings.ContainsAny(c.Name, illegalNameChars) {
		return fmt.Errorf("%w: %q contains one of %s", ErrInvalidOutputName, c.Name, illegalNameChars)
	}

	if c.Concurrency < 0 {
		return fmt.Errorf("concurrency must not be negative, got %d", c.Concurrency)
	}

	if c.Request.Proxy != "" {
		if _, err := url.Parse(c.Request.Proxy); err != nil {
			return fmt.Errorf("invalid proxy %q: %w", c.Request.Proxy, err)
		}
	}

	// Set defaults
	if c.OutputDir == "" {
		c.OutputDir = "."
	}
	if c.Ext == "" {
		c.Ext = ".mp4"
	}
	if !strings.HasPrefix(c.Ext, ".") {
		c.Ext = "." + c.Ext
	}
	if strings.ContainsAny(c.Ext, illegalNameChars) {
		return fmt.Errorf("%w: extension %q", ErrInvalidOutputName, c.Ext)
	}
	if c.PollInterval == 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.RetryLimit == 0 {
		c.RetryLimit = 5
	}
	if c.FetchRetries == 0 {
		c.FetchRetries = 5
	}
	if c.FFmpegPath == "" {
		c.FFmpegPath = "ffmpeg"
	}

	return nil
}

// RetryRounds returns the effective number of batch failure retry rounds.
func (c *Config) RetryRounds() int {
	return max(c.RetryLimit, 0)
}

// OutputName returns the final file name: base name plus extension.
func (c *Config) OutputName() string {
	return c.Name + c.Ext
}

// EnsureOutputDir creates the output directory when it does not exist.
func (c *Config) EnsureOutputDir() (string, error) {
	dir, err := filepath.Abs(c.OutputDir)
	if err != nil {
		return "", fmt.Errorf("resolve output dir: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	return dir, nil
}

// LoadRequestOptions reads request options from a YAML file:
//
//	params: {token: abc}
//	cookies: {session: xyz}
//	headers: {Referer: https://example.com}
//	proxy: http://127.0.0.1:8080
//	timeout: 30s
func LoadRequestOptions(path string) (transport.Options, error) {
	var opts transport.Options

	data, err := os.ReadFile(path)
	if err != nil {
		return opts, fmt.Errorf("read request config: %w", err)
	}

	if err := yaml.Unmarshal(data, &opts); err != nil {
		return opts, fmt.Errorf("parse request config %s: %w", path, err)
	}
	return opts, nil
}

// MergeRequestOptions overlays the non-empty fields of override on base.
func MergeRequestOptions(base, override transport.Options) transport.Options {
	out := base
	out.Params = mergeMaps(base.Params, override.Params)
	out.Cookies = mergeMaps(base.Cookies, override.Cookies)
	out.Headers = mergeMaps(base.Headers, override.Headers)
	if override.Proxy != "" {
		out.Proxy = override.Proxy
	}
	if override.Timeout != 0 {
		out.Timeout = override.Timeout
	}
	if override.RetryDelay != 0 {
		out.RetryDelay = override.RetryDelay
	}
	return out
}

func mergeMaps(base, override map[string]string) map[string]string {
	if len(base) == 0 && len(override) == 0 {
		return nil
	}
	out := make(map[string]string, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	return out
}

// KeyValueFlag is a repeatable "key=value" command-line flag.
type KeyValueFlag map[string]string

func (f KeyValueFlag) String() string {
	pairs := make([]string, 0, len(f))
	for k, v := range f {
		pairs = append(pairs, k+"="+v)
	}
	return strings.Join(pairs, ",")
}

// Set implements flag.Value.
func (f KeyValueFlag) Set(value string) error {
	k, v, ok := strings.Cut(value, "=")
	k = strings.TrimSpace(k)
	if !ok || k == "" {
		return fmt.Errorf("expected key=value, got %q", value)
	}
	f[k] = strings.TrimSpace(v)
	return nil
}
