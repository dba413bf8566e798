// Package health implements the HTTP liveness probe used to decide whether
// the supervised backend is accepting requests.
package health

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultTimeout bounds a single probe.
const DefaultTimeout = 2 * time.Second

// Result is produced fresh on every probe and never persisted.
type Result struct {
	OK         bool          `json:"ok"`
	CheckedAt  time.Time     `json:"checked_at"`
	StatusCode int           `json:"status_code,omitempty"`
	Latency    time.Duration `json:"latency"`
	Error      string        `json:"error,omitempty"`
}

// Prober issues GET requests against a fixed health URL.
type Prober struct {
	url     string
	timeout time.Duration
	client  *http.Client
}

// NewProber creates a prober for baseURL + path. A non-positive timeout uses
// DefaultTimeout.
func NewProber(baseURL, path string, timeout time.Duration) *Prober {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if path == "" {
		path = "/health"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return &Prober{
		url:     strings.TrimRight(baseURL, "/") + path,
		timeout: timeout,
		client: &http.Client{
			Timeout: timeout,
			// Each probe opens a fresh connection so a restarted backend on the
			// same port is never judged by a stale keep-alive socket.
			Transport: &http.Transport{DisableKeepAlives: true, Proxy: nil},
		},
	}
}

// URL returns the probed endpoint.
func (p *Prober) URL() string { return p.url }

// Check performs one probe. Only HTTP 200 counts as healthy; it never returns
// an error.
func (p *Prober) Check(ctx context.Context) Result {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	start := time.Now()
	res := Result{CheckedAt: start.UTC()}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	resp, err := p.client.Do(req)
	res.Latency = time.Since(start)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	res.StatusCode = resp.StatusCode
	res.OK = resp.StatusCode == http.StatusOK
	return res
}
