// Package extract resolves social/video page URLs into direct, playable media
// URLs by shelling out to yt-dlp.
package extract

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os/exec"
	"strings"
	"time"
)

// DefaultTimeout bounds a single resolution attempt. yt-dlp can spend a long
// time probing slow origin hosts, so the bound is generous but finite.
const DefaultTimeout = 45 * time.Second

// ErrNoMediaURL is returned when the tool succeeds but emits no usable URL.
var ErrNoMediaURL = errors.New("no playable media url found")

// Resolver turns a page URL into a direct media URL.
type Resolver interface {
	Resolve(ctx context.Context, pageURL string) (string, error)
}

// Config configures the yt-dlp backed resolver.
type Config struct {
	// Binary overrides the executable name, primarily for tests.
	Binary string
	// ExtraArgs are appended before the page URL.
	ExtraArgs []string
	Timeout   time.Duration
	Logger    *slog.Logger
}

// NewYtDlpResolver builds a Resolver that invokes yt-dlp. The page URL is
// passed as a single argv element, never through a shell, so caller-supplied
// URLs cannot inject commands.
func NewYtDlpResolver(cfg Config) Resolver {
	binary := strings.TrimSpace(cfg.Binary)
	if binary == "" {
		binary = "yt-dlp"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &ytdlpResolver{
		binary:    binary,
		extraArgs: append([]string(nil), cfg.ExtraArgs...),
		timeout:   timeout,
		logger:    logger,
	}
}

type ytdlpResolver struct {
	binary    string
	extraArgs []string
	timeout   time.Duration
	logger    *slog.Logger
}

func (r *ytdlpResolver) Resolve(ctx context.Context, pageURL string) (string, error) {
	trimmed := strings.TrimSpace(pageURL)
	if trimmed == "" {
		return "", errors.New("page url is required")
	}
	if _, err := url.ParseRequestURI(trimmed); err != nil {
		return "", fmt.Errorf("invalid page url: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	args := make([]string, 0, len(r.extraArgs)+3)
	args = append(args, "-g", "--no-playlist")
	args = append(args, r.extraArgs...)
	args = append(args, trimmed)

	cmd := exec.CommandContext(ctx, r.binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return "", fmt.Errorf("media extraction timed out after %s", r.timeout)
	}
	if err != nil {
		detail := firstLine(stderr.String())
		if detail == "" {
			detail = err.Error()
		}
		return "", fmt.Errorf("media extraction failed: %s", detail)
	}

	mediaURL := firstLine(stdout.String())
	if mediaURL == "" {
		return "", ErrNoMediaURL
	}
	r.logger.Debug("resolved media url", "page_url", trimmed, "duration_ms", time.Since(start).Milliseconds())
	return mediaURL, nil
}

func firstLine(output string) string {
	for _, line := range strings.Split(output, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

// Static returns a Resolver that always resolves to the provided URL or
// error. It is intended for tests and wiring null objects.
func Static(mediaURL string, err error) Resolver {
	return staticResolver{url: mediaURL, err: err}
}

type staticResolver struct {
	url string
	err error
}

func (s staticResolver) Resolve(context.Context, string) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	return s.url, nil
}
