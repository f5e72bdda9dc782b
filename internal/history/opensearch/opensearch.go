// Package opensearch indexes lifecycle events as OpenSearch documents over the
// REST API.
package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/KockaAdmiralac/Lux/internal/history"
)

const (
	DefaultIndex   = "lux-history"
	DefaultTimeout = 5 * time.Second
)

type Options struct {
	// BaseURL is the cluster endpoint, e.g. https://search:9200.
	BaseURL  string
	Index    string
	Username string
	Password string
	// Daily appends the event date to the index, e.g. lux-history-2026.03.01.
	Daily   bool
	Timeout time.Duration
}

// Sink posts one document per event to {index}/_doc.
type Sink struct {
	client *http.Client
	opts   Options
}

func New(opts Options) *Sink {
	if opts.Index == "" {
		opts.Index = DefaultIndex
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	return &Sink{client: &http.Client{Timeout: opts.Timeout}, opts: opts}
}

// IndexFor returns the index e is written to.
func (s *Sink) IndexFor(e history.Event) string {
	if !s.opts.Daily {
		return s.opts.Index
	}
	t := e.OccurredAt
	if t.IsZero() {
		t = time.Now()
	}
	return s.opts.Index + "-" + t.UTC().Format("2006.01.02")
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	doc, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.opts.BaseURL+"/"+s.IndexFor(e)+"/_doc", bytes.NewReader(doc))
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
	if resp.StatusCode >= http.StatusMultipleChoices {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("opensearch: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
