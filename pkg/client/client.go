// Package client talks to a running hostd over its loopback IPC API.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const DefaultBaseURL = "http://127.0.0.1:7420/api"

// Client provides HTTP client functionality to communicate with hostd
type Client struct {
	baseURL string
	client  *http.Client
	stream  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL string
	Timeout time.Duration
	Logger  *slog.Logger // Optional logger for client operations
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: DefaultBaseURL,
		Timeout: 10 * time.Second,
	}
}

// APIError is a non-2xx answer from hostd.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from hostd.
func IsNotFound(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusNotFound
}

func New(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		logger:  config.Logger,
		client:  &http.Client{Timeout: config.Timeout},
		// the event stream is long lived; callers bound it with ctx
		stream: &http.Client{},
	}
}

func (c *Client) BaseURL() string { return c.baseURL }

// IsReachable checks if hostd is running and reachable
func (c *Client) IsReachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/backend", nil)
	if err != nil {
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("hostd unreachable", "error", err)
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}

// --- Backend ---

func (c *Client) BackendStatus(ctx context.Context) (BackendStatus, error) {
	var out BackendStatus
	err := c.do(ctx, http.MethodGet, "/backend", nil, &out)
	return out, err
}

// CheckBackendHealth asks hostd to probe the backend now.
func (c *Client) CheckBackendHealth(ctx context.Context) (HealthResult, error) {
	var out HealthResult
	err := c.do(ctx, http.MethodGet, "/backend/health", nil, &out)
	return out, err
}

// RestartBackend blocks until the backend is healthy again or the restart failed.
func (c *Client) RestartBackend(ctx context.Context) (BackendStatus, error) {
	var out BackendStatus
	err := c.do(ctx, http.MethodPost, "/backend/restart", nil, &out)
	return out, err
}

func (c *Client) BackendStats(ctx context.Context) (BackendStats, error) {
	var out BackendStats
	err := c.do(ctx, http.MethodGet, "/backend/stats", nil, &out)
	return out, err
}

// --- Records ---

func (c *Client) SaveRecord(ctx context.Context, kind string, payload json.RawMessage) (int64, error) {
	var out saveRecordResponse
	if err := c.do(ctx, http.MethodPost, "/records", saveRecordRequest{Kind: kind, Payload: payload}, &out); err != nil {
		return 0, err
	}
	return out.ID, nil
}

func (c *Client) ListRecords(ctx context.Context, q ListQuery) ([]Record, error) {
	v := url.Values{}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Offset > 0 {
		v.Set("offset", strconv.Itoa(q.Offset))
	}
	path := "/records"
	if len(v) > 0 {
		path += "?" + v.Encode()
	}
	var out []Record
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

func (c *Client) GetRecord(ctx context.Context, id int64) (Record, error) {
	var out Record
	err := c.do(ctx, http.MethodGet, "/records/"+strconv.FormatInt(id, 10), nil, &out)
	return out, err
}

func (c *Client) DeleteRecord(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodDelete, "/records/"+strconv.FormatInt(id, 10), nil, nil)
}

// MarkSynced returns how many records changed state.
func (c *Client) MarkSynced(ctx context.Context, ids ...int64) (int64, error) {
	var out countResponse
	if err := c.do(ctx, http.MethodPost, "/records/synced", markSyncedRequest{IDs: ids}, &out); err != nil {
		return 0, err
	}
	return out.Count, nil
}

// --- Settings ---

func (c *Client) GetSetting(ctx context.Context, key string) (Setting, error) {
	var out Setting
	err := c.do(ctx, http.MethodGet, "/settings/"+url.PathEscape(key), nil, &out)
	return out, err
}

func (c *Client) SetSetting(ctx context.Context, key, value string) error {
	return c.do(ctx, http.MethodPut, "/settings/"+url.PathEscape(key), settingRequest{Value: value}, nil)
}

func (c *Client) DeleteSetting(ctx context.Context, key string) error {
	return c.do(ctx, http.MethodDelete, "/settings/"+url.PathEscape(key), nil, nil)
}

func (c *Client) ListSettings(ctx context.Context) ([]Setting, error) {
	var out []Setting
	err := c.do(ctx, http.MethodGet, "/settings", nil, &out)
	return out, err
}

// --- Credentials ---

func (c *Client) SecureInfo(ctx context.Context) (SecureInfo, error) {
	var out SecureInfo
	err := c.do(ctx, http.MethodGet, "/secure", nil, &out)
	return out, err
}

func (c *Client) GetSecret(ctx context.Context, account string) (string, error) {
	var out secretResponse
	if err := c.do(ctx, http.MethodGet, "/secure/"+url.PathEscape(account), nil, &out); err != nil {
		return "", err
	}
	return out.Secret, nil
}

func (c *Client) SetSecret(ctx context.Context, account, secret string) error {
	return c.do(ctx, http.MethodPut, "/secure/"+url.PathEscape(account), secretRequest{Secret: secret}, nil)
}

func (c *Client) DeleteSecret(ctx context.Context, account string) error {
	return c.do(ctx, http.MethodDelete, "/secure/"+url.PathEscape(account), nil, nil)
}

// --- Events ---

// Events streams lifecycle events to fn until ctx is cancelled, the server
// closes the stream, or fn returns false.
func (c *Client) Events(ctx context.Context, fn func(Event) bool) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/events", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.stream.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if err := c.handleErrorResponse(resp); err != nil {
		return err
	}

	sc := bufio.NewScanner(resp.Body)
	var data bytes.Buffer
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if data.Len() == 0 {
				continue
			}
			var ev Event
			if err := json.Unmarshal(data.Bytes(), &ev); err != nil {
				c.logger.Debug("skipping malformed event", "error", err)
			} else if !fn(ev) {
				return nil
			}
			data.Reset()
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := sc.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("read stream: %w", err)
	}
	return nil
}

// do performs a JSON request; out may be nil.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("HTTP request failed", "error", err, "method", method, "path", path)
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := c.handleErrorResponse(resp); err != nil {
		return err
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// handleErrorResponse handles HTTP error responses
func (c *Client) handleErrorResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	var errorResp ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errorResp); err != nil {
		return &APIError{StatusCode: resp.StatusCode}
	}
	c.logger.Debug("API request failed", "error", errorResp.Error, "status", resp.StatusCode)
	return &APIError{StatusCode: resp.StatusCode, Message: errorResp.Error}
}
