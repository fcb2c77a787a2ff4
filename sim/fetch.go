package sim

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// maxResponseBytes caps a downloaded landmark file.
const maxResponseBytes = 512 << 20

// Fetcher downloads landmark files over HTTP.
type Fetcher struct {
	Client   *http.Client
	Attempts int           // total tries; values below 1 mean one
	Backoff  time.Duration // wait before the second try, doubled after each failure
}

// NewFetcher returns a fetcher with a 30s timeout and three attempts.
func NewFetcher() *Fetcher {
	return &Fetcher{
		Client:   &http.Client{Timeout: 30 * time.Second},
		Attempts: 3,
		Backoff:  500 * time.Millisecond,
	}
}

// FetchCloud downloads url with the default fetcher.
func FetchCloud(ctx context.Context, url string) (*Cloud, LoadReport, error) {
	return NewFetcher().Fetch(ctx, url)
}

// transientError marks a failure worth another attempt.
type transientError struct{ err error }

func (e transientError) Error() string { return e.err.Error() }
func (e transientError) Unwrap() error { return e.err }

// Fetch downloads and parses a landmark file like LoadCloud. Network errors,
// 5xx and 429 responses and truncated bodies are retried; any other status
// and unparseable content fail at once.
func (f *Fetcher) Fetch(ctx context.Context, url string) (*Cloud, LoadReport, error) {
	if url == "" {
		return nil, LoadReport{}, fmt.Errorf("fetch cloud: URL is empty")
	}
	attempts := max(f.Attempts, 1)
	wait := f.Backoff

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return nil, LoadReport{}, fmt.Errorf("fetch cloud: %w", ctx.Err())
			case <-time.After(wait):
			}
			wait *= 2
		}

		cloud, report, err := f.fetchOnce(ctx, url)
		if err == nil {
			return cloud, report, nil
		}
		var te transientError
		if !errors.As(err, &te) {
			return nil, report, fmt.Errorf("fetch cloud: %w", err)
		}
		lastErr = te.err
	}
	return nil, LoadReport{}, fmt.Errorf("fetch cloud: all %d attempts failed: %w", attempts, lastErr)
}

func (f *Fetcher) fetchOnce(ctx context.Context, url string) (*Cloud, LoadReport, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, LoadReport{}, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "text/csv, text/plain")

	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, LoadReport{}, ctx.Err()
		}
		return nil, LoadReport{}, transientError{fmt.Errorf("HTTP GET %s: %w", url, err)}
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, LoadReport{}, transientError{fmt.Errorf("HTTP GET %s: status %d", url, resp.StatusCode)}
	default:
		return nil, LoadReport{}, fmt.Errorf("HTTP GET %s: status %d", url, resp.StatusCode)
	}

	cloud, report, err := ReadCloud(io.LimitReader(resp.Body, maxResponseBytes))
	if errors.Is(err, ErrIO) && ctx.Err() == nil {
		return nil, report, transientError{err}
	}
	return cloud, report, err
}
