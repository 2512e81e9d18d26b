package client

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

	"go.uber.org/zap"

	"github.com/kalambet/paperdesk/internal/action"
	"github.com/kalambet/paperdesk/internal/history"
)

const (
	defaultTimeout = 30 * time.Second
	maxRetries     = 3
	initialBackoff = 500 * time.Millisecond
	maxErrorBody   = 4 << 10
)

// Client talks to the paperdesk server on behalf of one project.
type Client struct {
	baseURL   string
	projectID string
	token     string
	userAgent string
	logger    *zap.Logger

	httpClient *http.Client
	// streamClient has no overall timeout; a stream lives as long as its
	// context.
	streamClient *http.Client
}

func New(baseURL, projectID, token string) *Client {
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		projectID:    projectID,
		token:        token,
		userAgent:    "paperdesk",
		logger:       zap.NewNop(),
		httpClient:   &http.Client{Timeout: defaultTimeout},
		streamClient: &http.Client{},
	}
}

// WithUserAgent sets the User-Agent sent with every request.
func (c *Client) WithUserAgent(ua string) *Client {
	c.userAgent = ua
	return c
}

// WithLogger sets the logger used to report skipped history records.
func (c *Client) WithLogger(l *zap.Logger) *Client {
	if l != nil {
		c.logger = l
	}
	return c
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %d", e.Code)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Body)
}

// Permanent reports whether retrying the request cannot succeed.
func (e *StatusError) Permanent() bool {
	return e.Code >= 400 && e.Code < 500 && e.Code != http.StatusTooManyRequests && e.Code != http.StatusRequestTimeout
}

// IsPermanent reports whether err is a StatusError that retrying cannot fix.
func IsPermanent(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Permanent()
}

// rateLimitError is returned on HTTP 429.
type rateLimitError struct {
	retryAfter time.Duration
}

func (e *rateLimitError) Error() string {
	return "rate limited (HTTP 429)"
}

func (c *Client) channelURL(channelID, suffix string) string {
	return fmt.Sprintf("%s/projects/%s/channels/%s/assistant%s",
		c.baseURL, url.PathEscape(c.projectID), url.PathEscape(channelID), suffix)
}

type streamRequest struct {
	ExchangeID string `json:"exchange_id"`
	Question   string `json:"question"`
}

// StreamAssistant asks a question and returns the server-sent event stream.
// The caller must close the body; cancelling ctx aborts the stream.
func (c *Client) StreamAssistant(ctx context.Context, channelID, exchangeID, question string) (io.ReadCloser, error) {
	body, err := json.Marshal(streamRequest{ExchangeID: exchangeID, Question: question})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	resp, err := c.withRetry(ctx, func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.channelURL(channelID, "/stream"), bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("creating request: %w", err)
		}
		c.setHeaders(req)
		req.Header.Set("Accept", "text/event-stream")
		return c.do(c.streamClient, req)
	})
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

type historyEnvelope struct {
	Exchanges []json.RawMessage `json:"exchanges"`
	Items     []json.RawMessage `json:"items"`
}

// FetchHistory returns the authoritative exchange history of a channel.
// Records that fail to decode are logged and left out of the batch.
func (c *Client) FetchHistory(ctx context.Context, channelID string) ([]history.Record, error) {
	resp, err := c.withRetry(ctx, func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.channelURL(channelID, "/history"), nil)
		if err != nil {
			return nil, fmt.Errorf("creating request: %w", err)
		}
		c.setHeaders(req)
		return c.do(c.httpClient, req)
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading history: %w", err)
	}
	raw = bytes.TrimSpace(raw)

	var items []json.RawMessage
	if len(raw) > 0 && raw[0] == '[' {
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, fmt.Errorf("decoding history: %w", err)
		}
	} else {
		var env historyEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return nil, fmt.Errorf("decoding history: %w", err)
		}
		items = env.Exchanges
		if items == nil {
			items = env.Items
		}
	}
	return c.decodeRecords(channelID, items), nil
}

func (c *Client) decodeRecords(channelID string, items []json.RawMessage) []history.Record {
	recs := make([]history.Record, 0, len(items))
	for i, item := range items {
		var rec history.Record
		if err := json.Unmarshal(item, &rec); err != nil {
			c.logger.Warn("skipping malformed history record",
				zap.String("channel", channelID), zap.Int("index", i), zap.Error(err))
			continue
		}
		recs = append(recs, rec)
	}
	return recs
}

// ConfirmAction tells the server the user accepted a suggested action.
func (c *Client) ConfirmAction(ctx context.Context, channelID, exchangeID string, index int, a action.Action) error {
	body, err := json.Marshal(map[string]any{"action": a})
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}
	path := "/exchanges/" + url.PathEscape(exchangeID) + "/actions/" + strconv.Itoa(index) + "/confirm"

	resp, err := c.withRetry(ctx, func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.channelURL(channelID, path), bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("creating request: %w", err)
		}
		c.setHeaders(req)
		return c.do(c.httpClient, req)
	})
	if err != nil {
		return err
	}
	io.Copy(io.Discard, resp.Body)
	return resp.Body.Close()
}

// withRetry runs send, retrying with exponential backoff while the server
// answers 429.
func (c *Client) withRetry(ctx context.Context, send func() (*http.Response, error)) (*http.Response, error) {
	var lastErr error
	for attempt := range maxRetries {
		resp, err := send()
		if err == nil {
			return resp, nil
		}
		var rl *rateLimitError
		if !errors.As(err, &rl) {
			return nil, err
		}
		lastErr = err
		if attempt == maxRetries-1 {
			break
		}

		wait := initialBackoff << attempt
		if rl.retryAfter > wait {
			wait = rl.retryAfter
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil, fmt.Errorf("rate limited after %d attempts: %w", maxRetries, lastErr)
}

func (c *Client) do(hc *http.Client, req *http.Request) (*http.Response, error) {
	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing request: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		resp.Body.Close()
		return nil, &rateLimitError{retryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()
		return nil, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	return resp, nil
}

func parseRetryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}
