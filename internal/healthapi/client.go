// Package healthapi implements the export.Provider surface over the managed
// provider's HTTP API.
package healthapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/vitalworks/vitalexport/internal/export"
)

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// Is maps authorization failures onto the engine's permission error and the
// remaining provider-side failures onto the retry-later class.
func (e *HTTPError) Is(target error) bool {
	switch target {
	case export.ErrPermissionDenied:
		return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
	case export.ErrProviderUnavailable:
		return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
	}
	return false
}

type ClientOptions struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration

	// RateLimit caps provider calls per second; zero disables limiting.
	RateLimit float64
	Burst     int
}

// Client talks to the provider's records, changes and permissions API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	limiter    *rate.Limiter
}

func NewClient(opts ClientOptions) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("%w: provider base url is required", export.ErrInvalidInput)
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	var limiter *rate.Limiter
	if opts.RateLimit > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}
	return &Client{
		baseURL:    baseURL,
		token:      strings.TrimSpace(opts.Token),
		httpClient: httpClient,
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
		limiter:    limiter,
	}, nil
}

func (c *Client) HasPermissions(ctx context.Context, types []export.RecordType) (bool, error) {
	q := url.Values{}
	q.Set("types", joinTypes(types))
	var out struct {
		Granted bool `json:"granted"`
	}
	err := c.doJSON(ctx, http.MethodGet, "/v1/permissions?"+q.Encode(), nil, &out)
	if err != nil {
		var httpErr *HTTPError
		// A 403 from the permission check is the answer, not a transport
		// failure.
		if errors.As(err, &httpErr) && (httpErr.StatusCode == http.StatusForbidden || httpErr.StatusCode == http.StatusUnauthorized) {
			return false, nil
		}
		return false, err
	}
	return out.Granted, nil
}

func (c *Client) Query(ctx context.Context, recordType export.RecordType, start, end time.Time) ([]export.ProviderRecord, error) {
	q := url.Values{}
	q.Set("start", start.UTC().Format(time.RFC3339))
	q.Set("end", end.UTC().Format(time.RFC3339))
	var out struct {
		Records []export.ProviderRecord `json:"records"`
	}
	path := fmt.Sprintf("/v1/records/%s?%s", url.PathEscape(string(recordType)), q.Encode())
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Records, nil
}

func (c *Client) Enrich(ctx context.Context, recordID string) (*export.AggregateMetrics, error) {
	var out export.AggregateMetrics
	path := fmt.Sprintf("/v1/records/%s/aggregates", url.PathEscape(recordID))
	err := c.doJSON(ctx, http.MethodGet, path, nil, &out)
	if err != nil {
		var httpErr *HTTPError
		if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &out, nil
}

func (c *Client) IssueCursor(ctx context.Context, types []export.RecordType) (string, error) {
	body := map[string]any{"types": typeStrings(types)}
	var out struct {
		Cursor string `json:"cursor"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/v1/changes/cursor", body, &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.Cursor) == "" {
		return "", fmt.Errorf("provider issued an empty cursor")
	}
	return out.Cursor, nil
}

func (c *Client) PollChanges(ctx context.Context, cursor string) (export.ChangeFeed, error) {
	q := url.Values{}
	q.Set("cursor", cursor)
	var out export.ChangeFeed
	err := c.doJSON(ctx, http.MethodGet, "/v1/changes?"+q.Encode(), nil, &out)
	if err != nil {
		var httpErr *HTTPError
		// 410 Gone is the provider's out-of-band way of reporting cursor
		// expiry; normalize it into the feed's expired flag.
		if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusGone {
			return export.ChangeFeed{Expired: true}, nil
		}
		return export.ChangeFeed{}, err
	}
	return out, nil
}

func (c *Client) doJSON(ctx context.Context, method, requestPath string, body, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	for attempt := 0; ; attempt++ {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return err
			}
		}
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return fmt.Errorf("%w: %v", export.ErrProviderUnavailable, err)
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			return json.Unmarshal(payloadBytes, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
		}
	}
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		delta := time.Until(ts)
		if delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func joinTypes(types []export.RecordType) string {
	return strings.Join(typeStrings(types), ",")
}

func typeStrings(types []export.RecordType) []string {
	out := make([]string, 0, len(types))
	for _, rt := range types {
		out = append(out, string(rt))
	}
	return out
}
