// Package api is the client for the transfer server's HTTP surface.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	nethttp "net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	httpx "github.com/overture-stack/score-int/internal/http"
	"github.com/overture-stack/score-int/internal/logging"
	"github.com/overture-stack/score-int/internal/models"
	"github.com/overture-stack/score-int/internal/ratelimit"
	"github.com/overture-stack/score-int/internal/version"
)

// Default control-plane pacing. Part transfers go straight to the object
// store and are not paced.
const (
	DefaultRatePerSecond = 20.0
	DefaultBurst         = 40.0
)

// Config configures a Client.
type Config struct {
	// BaseURL is the transfer server root, e.g. https://score.example.org
	BaseURL string
	// Token is the bearer access token. Empty sends no Authorization header.
	Token string
	// HTTPClient is the underlying client; nil uses a default transport
	HTTPClient *nethttp.Client
	Retry      httpx.RetryableOptions
	// RatePerSecond and Burst pace control-plane calls (defaults 20 and 40)
	RatePerSecond float64
	Burst         float64
	Logger        *logging.Logger
}

// apiMetrics tracks API usage statistics
type apiMetrics struct {
	sync.Mutex
	totalCalls  int64
	callsByOp   map[string]int64
	throttled   int64
	windowStart time.Time
}

// Client talks to the transfer server.
type Client struct {
	http    *retryablehttp.Client
	baseURL string
	token   string
	limiter *ratelimit.RateLimiter
	logger  *logging.Logger
	metrics *apiMetrics
}

// NewClient creates a new API client
func NewClient(cfg Config) (*Client, error) {
	base := strings.TrimSuffix(cfg.BaseURL, "/")
	if base == "" {
		return nil, errors.New("server URL is required")
	}
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, fmt.Errorf("invalid server URL %q: %w", cfg.BaseURL, err)
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = DefaultRatePerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = DefaultBurst
	}

	logger := logging.OrNop(cfg.Logger)
	limiter := ratelimit.NewRateLimiter(cfg.RatePerSecond, cfg.Burst)
	limiter.SetLogger(logger)

	return &Client{
		http:    httpx.NewRetryableClient(cfg.HTTPClient, cfg.Retry, logger),
		baseURL: base,
		token:   cfg.Token,
		limiter: limiter,
		logger:  logger,
		metrics: &apiMetrics{
			callsByOp:   make(map[string]int64),
			windowStart: time.Now(),
		},
	}, nil
}

// BaseURL returns the server root the client talks to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

func objectPath(prefix, objectID, suffix string) string {
	return prefix + url.PathEscape(objectID) + suffix
}

// doRequest performs an HTTP request with authentication and rate limiting
func (c *Client) doRequest(ctx context.Context, op, method, path string, query url.Values) (*nethttp.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter cancelled: %w", err)
	}

	c.metrics.Lock()
	c.metrics.totalCalls++
	c.metrics.callsByOp[op]++
	c.metrics.Unlock()

	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Error().Err(err).Str("method", method).Str("path", path).Msg("API call failed")
		return nil, fmt.Errorf("%s: request failed: %w", op, err)
	}

	if resp.StatusCode == nethttp.StatusTooManyRequests {
		c.metrics.Lock()
		c.metrics.throttled++
		c.metrics.Unlock()

		c.limiter.Drain()
		ev := c.logger.Warn().Str("method", method).Str("path", path)
		if d, ok := parseRetryAfter(resp.Header.Get("Retry-After")); ok {
			c.limiter.SetCooldown(d)
			ev = ev.Dur("retryAfter", d)
		}
		ev.Dur("cooldown", c.limiter.CooldownRemaining()).
			Float64("tokens", c.limiter.GetCurrentTokens()).
			Msg("Throttled by transfer server")
	}

	return resp, nil
}

// parseRetryAfter accepts delay-seconds only; HTTP-date values are ignored.
func parseRetryAfter(v string) (time.Duration, bool) {
	if v == "" {
		return 0, false
	}
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs < 0 {
		return 0, false
	}
	return time.Duration(secs) * time.Second, true
}

// call performs a request and decodes a JSON response into out (when non-nil).
func (c *Client) call(ctx context.Context, op, method, path string, query url.Values, out any) error {
	resp, err := c.doRequest(ctx, op, method, path, query)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := checkResponse(op, resp); err != nil {
		return err
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: failed to decode response: %w", op, err)
	}
	return nil
}

// Ping probes the server's download path and returns the sentinel URL.
func (c *Client) Ping(ctx context.Context) (string, error) {
	resp, err := c.doRequest(ctx, "ping", nethttp.MethodGet, "/download/ping", nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if err := checkResponse("ping", resp); err != nil {
		return "", err
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("ping: failed to read response: %w", err)
	}
	return string(body), nil
}

// InitiateUpload opens a multipart session and returns its part plan.
func (c *Client) InitiateUpload(ctx context.Context, objectID string, fileSize int64, overwrite bool, md5 string) (*models.ObjectSpecification, error) {
	q := url.Values{}
	q.Set("fileSize", strconv.FormatInt(fileSize, 10))
	q.Set("overwrite", strconv.FormatBool(overwrite))
	if md5 != "" {
		q.Set("md5", md5)
	}

	var spec models.ObjectSpecification
	if err := c.call(ctx, "initiate upload", nethttp.MethodPost, objectPath("/upload/", objectID, "/uploads"), q, &spec); err != nil {
		return nil, err
	}
	return &spec, nil
}

// GetUploadSpecification re-issues the plan of a live session with fresh URLs.
// Parts the server has already recorded carry their md5.
func (c *Client) GetUploadSpecification(ctx context.Context, objectID, uploadID string) (*models.ObjectSpecification, error) {
	q := url.Values{}
	q.Set("uploadId", uploadID)

	var spec models.ObjectSpecification
	if err := c.call(ctx, "get upload specification", nethttp.MethodGet, objectPath("/upload/", objectID, "/uploads"), q, &spec); err != nil {
		return nil, err
	}
	return &spec, nil
}

// FinalizeUploadPart records one transferred part with the server.
func (c *Client) FinalizeUploadPart(ctx context.Context, objectID, uploadID string, partNumber int, md5, etag string) error {
	q := url.Values{}
	q.Set("uploadId", uploadID)
	q.Set("partNumber", strconv.Itoa(partNumber))
	q.Set("md5", md5)
	q.Set("etag", etag)
	return c.call(ctx, "finalize part", nethttp.MethodPost, objectPath("/upload/", objectID, "/parts"), q, nil)
}

// DeleteUploadPart removes a part's completion record.
func (c *Client) DeleteUploadPart(ctx context.Context, objectID, uploadID string, partNumber int) error {
	q := url.Values{}
	q.Set("uploadId", uploadID)
	q.Set("partNumber", strconv.Itoa(partNumber))
	return c.call(ctx, "delete part", nethttp.MethodDelete, objectPath("/upload/", objectID, "/parts"), q, nil)
}

// FinalizeUpload completes the session once every part is recorded.
func (c *Client) FinalizeUpload(ctx context.Context, objectID, uploadID string) error {
	q := url.Values{}
	q.Set("uploadId", uploadID)
	return c.call(ctx, "finalize upload", nethttp.MethodPost, objectPath("/upload/", objectID, ""), q, nil)
}

// Recover asks the server to reconcile its session with the object store.
func (c *Client) Recover(ctx context.Context, objectID string, fileSize int64) error {
	q := url.Values{}
	q.Set("fileSize", strconv.FormatInt(fileSize, 10))
	return c.call(ctx, "recover upload", nethttp.MethodPost, objectPath("/upload/", objectID, "/recovery"), q, nil)
}

// GetUploadStatus returns the progress of an upload. An empty uploadID
// selects the object's live session.
func (c *Client) GetUploadStatus(ctx context.Context, objectID, uploadID string, fileSize int64) (*models.TransferProgress, error) {
	q := url.Values{}
	q.Set("fileSize", strconv.FormatInt(fileSize, 10))
	if uploadID != "" {
		q.Set("uploadId", uploadID)
	}

	var progress models.TransferProgress
	if err := c.call(ctx, "upload status", nethttp.MethodGet, objectPath("/upload/", objectID, "/status"), q, &progress); err != nil {
		return nil, err
	}
	return &progress, nil
}

// Exists reports whether the object has been stored.
func (c *Client) Exists(ctx context.Context, objectID string) (bool, error) {
	var exists bool
	if err := c.call(ctx, "exists", nethttp.MethodGet, objectPath("/upload/", objectID, ""), nil, &exists); err != nil {
		return false, err
	}
	return exists, nil
}

// CancelUpload aborts the object's live session.
func (c *Client) CancelUpload(ctx context.Context, objectID string) error {
	return c.call(ctx, "cancel upload", nethttp.MethodDelete, objectPath("/upload/", objectID, ""), nil, nil)
}

// CancelAll aborts every live session. Requires the system upload scope.
func (c *Client) CancelAll(ctx context.Context) error {
	return c.call(ctx, "cancel all uploads", nethttp.MethodPost, "/upload/cancel", nil, nil)
}

// Download returns the plan for reading [offset, offset+length) of an object.
// A length of -1 reads to the end.
func (c *Client) Download(ctx context.Context, objectID string, offset, length int64, external bool) (*models.ObjectSpecification, error) {
	q := url.Values{}
	q.Set("offset", strconv.FormatInt(offset, 10))
	q.Set("length", strconv.FormatInt(length, 10))
	if external {
		q.Set("external", "true")
	}

	var spec models.ObjectSpecification
	if err := c.call(ctx, "download", nethttp.MethodGet, objectPath("/download/", objectID, ""), q, &spec); err != nil {
		return nil, err
	}
	return &spec, nil
}

// Stats is a snapshot of the client's call counters.
type Stats struct {
	TotalCalls int64
	Throttled  int64
	ByOp       map[string]int64
	Elapsed    time.Duration
}

// Stats returns call counters since the client was created.
func (c *Client) Stats() Stats {
	c.metrics.Lock()
	defer c.metrics.Unlock()
	byOp := make(map[string]int64, len(c.metrics.callsByOp))
	for op, n := range c.metrics.callsByOp {
		byOp[op] = n
	}
	return Stats{
		TotalCalls: c.metrics.totalCalls,
		Throttled:  c.metrics.throttled,
		ByOp:       byOp,
		Elapsed:    time.Since(c.metrics.windowStart),
	}
}
