package scraper

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Fetcher limits.
const (
	defaultUserAgent   = "llm-gateway-scraper/1.0"
	defaultMaxBodySize = 2 << 20 // 2 MiB of page content is plenty for analysis

	fetcherMaxIdleConns        = 100
	fetcherMaxIdleConnsPerHost = 4
	fetcherIdleConnTimeout     = 90 * time.Second
)

// FetchResult is the payload delivered for a completed fetch job.
// Content interpretation (HTML parsing, extraction) is the consumer's
// business; the queue only moves bytes.
type FetchResult struct {
	URL         string `json:"url"`
	Domain      string `json:"domain"`
	StatusCode  int    `json:"status_code"`
	ContentType string `json:"content_type"`
	Body        string `json:"body"`
}

// FetcherConfig configures the default executor.
type FetcherConfig struct {
	// UserAgent identifies the scraper to target sites.
	UserAgent string `yaml:"user_agent"`
	// MaxBodySize caps how much of a response body is retained.
	MaxBodySize int64 `yaml:"max_body_size"`
}

// Fetcher is the default job executor: a plain HTTP GET with a pooled
// client. Timeouts come from the per-job context the queue supplies.
type Fetcher struct {
	userAgent string
	maxBody   int64
	client    *http.Client
}

// NewFetcher creates a Fetcher.
func NewFetcher(cfg FetcherConfig) *Fetcher {
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = defaultMaxBodySize
	}
	return &Fetcher{
		userAgent: cfg.UserAgent,
		maxBody:   cfg.MaxBodySize,
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        fetcherMaxIdleConns,
				MaxIdleConnsPerHost: fetcherMaxIdleConnsPerHost,
				IdleConnTimeout:     fetcherIdleConnTimeout,
			},
		},
	}
}

// Execute fetches the job's URL and returns a FetchResult.
func (f *Fetcher) Execute(ctx context.Context, job *Job) (any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, job.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("build fetch request: %w", err)
	}
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", job.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("fetch %s: status %d", job.URL, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBody))
	if err != nil {
		return nil, fmt.Errorf("read body from %s: %w", job.URL, err)
	}

	return &FetchResult{
		URL:         job.URL,
		Domain:      job.Domain,
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        string(body),
	}, nil
}
