package api

import (
	"bufio"
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

	"github.com/mattjoyce/stagerd/internal/events"
	"github.com/mattjoyce/stagerd/internal/history"
)

// StatusError is a non-2xx response from the daemon.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api: %s", http.StatusText(e.Code))
	}
	return fmt.Sprintf("api: %s (%d)", e.Message, e.Code)
}

// Client talks to a running daemon's API.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	// stream has no timeout; it carries /events.
	stream *http.Client
}

// NewClient returns a client for the API at baseURL, e.g. http://127.0.0.1:8095.
func NewClient(baseURL, apiKey string) *Client {
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 5 * time.Second},
		stream:  &http.Client{},
	}
}

// Health calls GET /healthz.
func (c *Client) Health(ctx context.Context) (HealthzResponse, error) {
	var out HealthzResponse
	err := c.do(ctx, http.MethodGet, "/healthz", nil, nil, &out)
	return out, err
}

// Summary calls GET /queue.
func (c *Client) Summary(ctx context.Context) (SummaryResponse, error) {
	var out SummaryResponse
	err := c.do(ctx, http.MethodGet, "/queue", nil, nil, &out)
	return out, err
}

// Entries calls GET /queue/entries. An empty status lists every status.
func (c *Client) Entries(ctx context.Context, status string, limit int) ([]EntryResponse, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out EntryListResponse
	err := c.do(ctx, http.MethodGet, "/queue/entries", q, nil, &out)
	return out.Entries, err
}

// Entry calls GET /queue/entry.
func (c *Client) Entry(ctx context.Context, stageURL string) (EntryResponse, error) {
	var out EntryResponse
	err := c.do(ctx, http.MethodGet, "/queue/entry", url.Values{"url": {stageURL}}, nil, &out)
	return out, err
}

// Insert calls POST /queue.
func (c *Client) Insert(ctx context.Context, urls []string, tree string) (InsertResponse, error) {
	var out InsertResponse
	err := c.do(ctx, http.MethodPost, "/queue", nil, InsertRequest{URLs: urls, Tree: tree}, &out)
	return out, err
}

// Flush calls POST /queue/flush.
func (c *Client) Flush(ctx context.Context) (FlushResponse, error) {
	var out FlushResponse
	err := c.do(ctx, http.MethodPost, "/queue/flush", nil, nil, &out)
	return out, err
}

// History calls GET /history. An empty stageURL returns attempts for every URL.
func (c *Client) History(ctx context.Context, stageURL string, limit int) ([]history.Attempt, error) {
	q := url.Values{}
	if stageURL != "" {
		q.Set("url", stageURL)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out HistoryResponse
	err := c.do(ctx, http.MethodGet, "/history", q, nil, &out)
	return out.Attempts, err
}

// Events streams GET /events, calling fn for each event until ctx is
// cancelled or the connection drops. lastID resumes after a known event.
func (c *Client) Events(ctx context.Context, lastID int64, fn func(events.Event)) error {
	req, err := c.newRequest(ctx, http.MethodGet, "/events", nil, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	if lastID > 0 {
		req.Header.Set("Last-Event-ID", strconv.FormatInt(lastID, 10))
	}

	resp, err := c.stream.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}

	return readSSE(resp.Body, fn)
}

// readSSE parses server-sent events. Comment lines are skipped.
func readSSE(r io.Reader, fn func(events.Event)) error {
	scanner := bufio.NewScanner(r)
	var cur events.Event
	var data []string

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if len(data) > 0 {
				cur.Data = json.RawMessage(strings.Join(data, "\n"))
				if cur.At.IsZero() {
					cur.At = time.Now()
				}
				fn(cur)
			}
			cur = events.Event{}
			data = data[:0]
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "id: "):
			if id, err := strconv.ParseInt(line[4:], 10, 64); err == nil {
				cur.ID = id
			}
		case strings.HasPrefix(line, "event: "):
			cur.Type = line[7:]
		case strings.HasPrefix(line, "data: "):
			data = append(data, line[6:])
		}
	}
	return scanner.Err()
}

func (c *Client) newRequest(ctx context.Context, method, path string, query url.Values, body any) (*http.Request, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var rdr io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		rdr = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, rdr)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	return req, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	req, err := c.newRequest(ctx, method, path, query, body)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	var er ErrorResponse
	_ = json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(&er)
	return &StatusError{Code: resp.StatusCode, Message: er.Error}
}
