// The hlsfetch command downloads an HLS playlist and merges its segments into one file.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"path"
	"strings"
	"syscall"

	"github.com/agleyzer/hlsfetch/internal/config"
	"github.com/agleyzer/hlsfetch/internal/download"
	"github.com/agleyzer/hlsfetch/internal/merge"
	"github.com/hashicorp/go-hclog"
)

const (
	version = "1.0.0"
)

// options are the command-line settings that do not map directly onto config.Config.
type options struct {
	requestConfig string
	verbose       bool
	showVersion   bool
}

func main() {
	cfg, opts, err := parseFlags(os.Args[1:], os.Stderr)
	if err != nil {
		if err == flag.ErrHelp {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if opts.showVersion {
		fmt.Printf("hlsfetch v%s\n", version)
		os.Exit(0)
	}

	// Setup logger
	logLevel := slog.LevelInfo
	if opts.verbose {
		logLevel = slog.LevelDebug
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))

	logger.Info("hlsfetch starting", "version", version)

	if err := run(cfg, opts, logger); err != nil {
		logger.Error("download failed", "error", err)
		os.Exit(1)
	}
}

// parseFlags builds the download configuration from command-line arguments.
func parseFlags(args []string, output io.Writer) (config.Config, options, error) {
	var (
		cfg     config.Config
		opts    options
		headers = config.KeyValueFlag{}
		params  = config.KeyValueFlag{}
		cookies = config.KeyValueFlag{}
	)

	fs := flag.NewFlagSet("hlsfetch", flag.ContinueOnError)
	fs.SetOutput(output)

	fs.StringVar(&cfg.OutputDir, "output-dir", ".", "Directory for segment files and the merged output")
	fs.StringVar(&cfg.Name, "name", "", "Output base name (defaults to the playlist file name)")
	fs.StringVar(&cfg.Ext, "ext", ".mp4", "Output extension")
	fs.Var(headers, "header", "HTTP header as Key=Value (repeatable)")
	fs.Var(params, "param", "Query parameter as key=value (repeatable)")
	fs.Var(cookies, "cookie", "Cookie as name=value (repeatable)")
	fs.StringVar(&opts.requestConfig, "request-config", "", "YAML file with params, cookies, headers and proxy")
	fs.StringVar(&cfg.Request.Proxy, "proxy", "", "Proxy URL for all requests")
	fs.DurationVar(&cfg.Request.Timeout, "timeout", 0, "Timeout of a single HTTP attempt (0 = none)")
	fs.BoolVar(&cfg.AutoHighest, "auto-highest", false, "Pick the highest-bandwidth variant without prompting")
	fs.BoolVar(&cfg.Progress, "progress", true, "Log download progress")
	fs.IntVar(&cfg.Concurrency, "concurrency", 0, "Concurrent segment fetches (0 = whole first batch)")
	fs.DurationVar(&cfg.PollInterval, "poll-interval", 0, "Scheduler poll interval (default 500ms)")
	fs.IntVar(&cfg.RetryLimit, "retry-limit", 0, "Batch failure retry rounds (default 5, negative disables retries)")
	fs.IntVar(&cfg.FetchRetries, "fetch-retries", 0, "Transport retries per request (default 5)")
	fs.StringVar(&cfg.FFmpegPath, "ffmpeg", "ffmpeg", "Path to the ffmpeg binary")
	fs.BoolVar(&cfg.LegacyIV, "legacy-iv", false, "Decrypt all segments as one chained CBC stream")
	fs.StringVar(&cfg.StatusAddr, "status-addr", "", "Serve /health and /metrics on this address during the download")
	fs.BoolVar(&opts.verbose, "verbose", false, "Enable verbose logging")
	fs.BoolVar(&opts.showVersion, "version", false, "Show version and exit")

	fs.Usage = func() {
		fmt.Fprintf(output, "hlsfetch - HLS downloader v%s\n\n", version)
		fmt.Fprintf(output, "Usage: hlsfetch [options] <playlist-url>\n\n")
		fmt.Fprintf(output, "Arguments:\n")
		fmt.Fprintf(output, "  <playlist-url>    URL of the HLS playlist (media or master)\n\n")
		fmt.Fprintf(output, "Options:\n")
		fs.PrintDefaults()
		fmt.Fprintf(output, "\nExamples:\n")
		fmt.Fprintf(output, "  hlsfetch https://example.com/playlist.m3u8\n")
		fmt.Fprintf(output, "  hlsfetch --auto-highest --name movie --output-dir out https://example.com/master.m3u8\n")
		fmt.Fprintf(output, "  hlsfetch --header Referer=https://example.com --concurrency 8 https://example.com/playlist.m3u8\n")
	}

	if err := fs.Parse(args); err != nil {
		return cfg, opts, err
	}

	if opts.showVersion {
		return cfg, opts, nil
	}

	if fs.NArg() < 1 {
		fs.Usage()
		return cfg, opts, fmt.Errorf("playlist URL is required")
	}
	cfg.URL = fs.Arg(0)

	if cfg.Name == "" {
		cfg.Name = defaultName(cfg.URL)
	}

	if opts.requestConfig != "" {
		fileOpts, err := config.LoadRequestOptions(opts.requestConfig)
		if err != nil {
			return cfg, opts, err
		}
		cfg.Request = config.MergeRequestOptions(fileOpts, cfg.Request)
	}
	cfg.Request.Headers = mergeFlag(cfg.Request.Headers, headers)
	cfg.Request.Params = mergeFlag(cfg.Request.Params, params)
	cfg.Request.Cookies = mergeFlag(cfg.Request.Cookies, cookies)

	if err := cfg.Validate(); err != nil {
		return cfg, opts, err
	}
	return cfg, opts, nil
}

func mergeFlag(base map[string]string, flagValues config.KeyValueFlag) map[string]string {
	if len(flagValues) == 0 {
		return base
	}
	if base == nil {
		base = make(map[string]string, len(flagValues))
	}
	for k, v := range flagValues {
		base[k] = v
	}
	return base
}

// defaultName derives an output name from the playlist file name.
func defaultName(playlistURL string) string {
	name := "output"
	if u, err := url.Parse(playlistURL); err == nil {
		base := path.Base(u.Path)
		base = strings.TrimSuffix(base, path.Ext(base))
		if base != "" && base != "." && base != "/" {
			name = base
		}
	}
	return name
}

func run(cfg config.Config, opts options, logger *slog.Logger) error {
	ffmpegLevel := hclog.Warn
	if opts.verbose {
		ffmpegLevel = hclog.Debug
	}
	merger := merge.NewFFmpeg(cfg.FFmpegPath, merge.NewLogger(os.Stderr, ffmpegLevel))

	d, err := download.New(cfg, logger, download.WithMerger(merger))
	if err != nil {
		return err
	}

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received signal", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	out, err := d.Run(ctx)
	if err != nil {
		return err
	}

	fmt.Println(out)
	return nil
}
