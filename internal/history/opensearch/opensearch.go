// Package opensearch indexes history events as JSON documents over the
// OpenSearch/Elasticsearch document API.
package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/loykin/hostd/internal/history"
)

const DefaultIndex = "backend-history"

type Options struct {
	BaseURL  string
	Index    string
	Username string
	Password string
	// Daily appends -YYYY.MM.DD (event time, UTC) to the index name.
	Daily   bool
	Timeout time.Duration
}

type Sink struct {
	client *http.Client
	opts   Options
}

func New(baseURL, index string) *Sink {
	return NewWithOptions(Options{BaseURL: baseURL, Index: index})
}

func NewWithOptions(o Options) *Sink {
	o.BaseURL = strings.TrimRight(o.BaseURL, "/")
	if o.Index == "" {
		o.Index = DefaultIndex
	}
	if o.Timeout <= 0 {
		o.Timeout = 5 * time.Second
	}
	return &Sink{client: &http.Client{Timeout: o.Timeout}, opts: o}
}

func (s *Sink) indexFor(t time.Time) string {
	if !s.opts.Daily {
		return s.opts.Index
	}
	return s.opts.Index + "-" + t.UTC().Format("2006.01.02")
}

// docID makes retries of the same event overwrite rather than duplicate.
func docID(e history.Event) string {
	return fmt.Sprintf("%s-%s-%d", e.RunID, e.Kind, e.OccurredAt.UnixNano())
}

// Send PUTs e to <base>/<index>/_doc/<id>.
func (s *Sink) Send(ctx context.Context, e history.Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	u := s.opts.BaseURL + "/" + url.PathEscape(s.indexFor(e.OccurredAt)) + "/_doc/" + url.PathEscape(docID(e))
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.opts.Username != "" {
		req.SetBasicAuth(s.opts.Username, s.opts.Password)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("opensearch: status %s: %s", strconv.Itoa(resp.StatusCode), strings.TrimSpace(string(snippet)))
	}
	return nil
}

func (s *Sink) Close() error {
	s.client.CloseIdleConnections()
	return nil
}
