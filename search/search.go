// Package search queries the X (Twitter) API v2 recent search endpoint.
package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/codeGROOVE-dev/retry"

	"tweet-watcher/pkg/watcher"
)

const (
	// DefaultBaseURL is the public X API host.
	DefaultBaseURL = "https://api.twitter.com"
	// DefaultMaxResults matches the page size the service has always requested.
	DefaultMaxResults = 30

	minResults = 10
	maxResults = 100

	// fallbackCooldown applies when a 429 carries no usable reset header (one rate-limit window).
	fallbackCooldown = 15 * time.Minute
)

// RateLimitedError reports a 429 response and when the credential becomes usable again.
type RateLimitedError struct {
	ResetAt time.Time
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited until %s", e.ResetAt.Format(time.RFC3339))
}

// RateLimitReset extracts the reset time if err is a rate-limit error.
func RateLimitReset(err error) (time.Time, bool) {
	var limited *RateLimitedError
	if errors.As(err, &limited) {
		return limited.ResetAt, true
	}
	return time.Time{}, false
}

// StatusError is a non-OK response other than 429.
type StatusError struct {
	Body       string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

// Client runs keyword searches with a caller-supplied bearer credential.
type Client struct {
	client     *http.Client
	logger     *slog.Logger
	now        func() time.Time
	baseURL    string
	retryDelay time.Duration
	attempts   uint
}

// New creates a search client. An empty baseURL selects DefaultBaseURL.
func New(client *http.Client, baseURL string, logger *slog.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		client:     client,
		logger:     logger,
		now:        time.Now,
		baseURL:    baseURL,
		retryDelay: time.Second,
		attempts:   2,
	}
}

type searchResponse struct {
	Data []struct {
		CreatedAt     time.Time `json:"created_at"`
		ID            string    `json:"id"`
		AuthorID      string    `json:"author_id"`
		Text          string    `json:"text"`
		PublicMetrics struct {
			LikeCount    int `json:"like_count"`
			RetweetCount int `json:"retweet_count"`
		} `json:"public_metrics"`
	} `json:"data"`
	Meta struct {
		ResultCount int `json:"result_count"`
	} `json:"meta"`
}

// Search returns recent posts matching keyword. A 429 yields *RateLimitedError;
// network errors and 5xx responses are retried a bounded number of times.
func (c *Client) Search(ctx context.Context, cred *watcher.Credential, keyword string, limit int) ([]*watcher.Result, error) {
	endpoint := c.buildURL(keyword, limit)

	var (
		results []*watcher.Result
		limited *RateLimitedError
	)
	err := retry.Do(
		func() error {
			c.logger.Info("Search request starting", "keyword", keyword, "credential", cred)

			req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("create request: %w", err))
			}
			req.Header.Set("Authorization", "Bearer "+cred.Token)
			req.Header.Set("Accept", "application/json")

			startTime := time.Now()
			resp, err := c.client.Do(req)
			duration := time.Since(startTime)

			if err != nil {
				c.logger.Warn("Search request failed, will retry",
					"keyword", keyword,
					"duration_ms", duration.Milliseconds(),
					"error", err)
				return err
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					c.logger.Warn("Failed to close response body", "error", closeErr)
				}
			}()

			c.logger.Info("Search request completed",
				"keyword", keyword,
				"status_code", resp.StatusCode,
				"duration_ms", duration.Milliseconds(),
				"rate_limit_remaining", resp.Header.Get("x-rate-limit-remaining"))

			switch {
			case resp.StatusCode == http.StatusTooManyRequests:
				resetAt := c.parseReset(resp.Header)
				c.logger.Warn("Search rate limited",
					"credential", cred,
					"x_rate_limit_limit", resp.Header.Get("x-rate-limit-limit"),
					"x_rate_limit_reset", resp.Header.Get("x-rate-limit-reset"),
					"reset_at", resetAt.Format(time.RFC3339))
				limited = &RateLimitedError{ResetAt: resetAt}
				return retry.Unrecoverable(limited)
			case resp.StatusCode >= http.StatusInternalServerError:
				return &StatusError{StatusCode: resp.StatusCode, Body: readSnippet(resp.Body)}
			case resp.StatusCode != http.StatusOK:
				return retry.Unrecoverable(&StatusError{StatusCode: resp.StatusCode, Body: readSnippet(resp.Body)})
			}

			var payload searchResponse
			if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
				c.logger.Error("Failed to decode search response", "error", err)
				return retry.Unrecoverable(fmt.Errorf("decode response: %w", err))
			}

			results = make([]*watcher.Result, 0, len(payload.Data))
			for _, d := range payload.Data {
				results = append(results, &watcher.Result{
					CreatedAt:    d.CreatedAt,
					ID:           d.ID,
					AuthorID:     d.AuthorID,
					Text:         d.Text,
					LikeCount:    d.PublicMetrics.LikeCount,
					RetweetCount: d.PublicMetrics.RetweetCount,
				})
			}
			return nil
		},
		retry.Attempts(c.attempts),
		retry.Delay(c.retryDelay),
		retry.MaxDelay(30*time.Second),
		retry.MaxJitter(c.retryDelay),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Info("Retrying search after error", "attempt", n, "keyword", keyword, "error", err)
		}),
	)
	if limited != nil {
		return nil, limited
	}
	if err != nil {
		return nil, fmt.Errorf("search %q: %w", keyword, err)
	}

	c.logger.Info("Search results parsed", "keyword", keyword, "count", len(results))
	return results, nil
}

func (c *Client) buildURL(keyword string, limit int) string {
	if limit <= 0 {
		limit = DefaultMaxResults
	}
	limit = min(max(limit, minResults), maxResults)

	q := url.Values{}
	q.Set("query", keyword)
	q.Set("max_results", strconv.Itoa(limit))
	q.Set("tweet.fields", "public_metrics,created_at,author_id")
	return c.baseURL + "/2/tweets/search/recent?" + q.Encode()
}

// parseReset reads x-rate-limit-reset (epoch seconds). A missing or malformed
// header falls back to one rate-limit window from now.
func (c *Client) parseReset(h http.Header) time.Time {
	raw := h.Get("x-rate-limit-reset")
	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil && secs > 0 {
		return time.Unix(secs, 0).UTC()
	}
	c.logger.Warn("Rate limit reset header missing or invalid, using fallback cooldown", "header", raw)
	return c.now().Add(fallbackCooldown).UTC()
}

func readSnippet(r io.Reader) string {
	b, err := io.ReadAll(io.LimitReader(r, 512))
	if err != nil {
		return ""
	}
	return string(b)
}
