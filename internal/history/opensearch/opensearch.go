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

	"github.com/loykin/statekeep/internal/history"
)

// DefaultIndex is used when the DSN names no index.
const DefaultIndex = "statekeep-history"

// Options are the optional connection settings of a Sink.
type Options struct {
	Username string
	Password string
	Timeout  time.Duration
}

// Sink indexes history events as OpenSearch documents, one POST to
// <baseURL>/<index>/_doc per event.
type Sink struct {
	client  *http.Client
	docURL  string
	options Options
}

// document adds the @timestamp field dashboards key on.
type document struct {
	history.Event
	Timestamp time.Time `json:"@timestamp"`
}

func New(baseURL, index string, opts Options) *Sink {
	if index == "" {
		index = DefaultIndex
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	return &Sink{
		client:  &http.Client{Timeout: opts.Timeout},
		docURL:  strings.TrimRight(baseURL, "/") + "/" + index + "/_doc",
		options: opts,
	}
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	if err := e.Validate(); err != nil {
		return err
	}
	b, err := json.Marshal(document{Event: e, Timestamp: e.OccurredAt.UTC()})
	if err != nil {
		return fmt.Errorf("encode history document: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.docURL, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.options.Username != "" {
		req.SetBasicAuth(s.options.Username, s.options.Password)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("opensearch sink status %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	}
	return nil
}
