// Package gateway is the HTTP client for the record store behind the
// service gateway. Every response is wrapped in a {code, message, data}
// envelope; code 200 is the only success regardless of HTTP status.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kalambet/daybook/internal/model"
	"github.com/kalambet/daybook/internal/session"
)

const (
	defaultBaseURL = "http://localhost:8080"
	defaultTimeout = 15 * time.Second
	maxErrorBody   = 4096

	codeOK = 200
)

// envelope is the gateway's response wrapper.
type envelope struct {
	Code    *int            `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// Client talks to the record store. It is safe for concurrent use.
type Client struct {
	baseURL    string
	tokens     session.TokenSource
	httpClient *http.Client
}

// NewClient creates a gateway client. tokens may be nil for anonymous use.
func NewClient(baseURL string, tokens session.TokenSource, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		tokens:  tokens,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Ping checks that the gateway answers with a valid envelope.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, "ping", http.MethodGet, "/health", nil, nil, nil)
}

// CreateDiary stores d for principal and returns the stored record.
func (c *Client) CreateDiary(ctx context.Context, principal string, d model.Diary) (model.Diary, error) {
	var out model.Diary
	err := c.do(ctx, "create diary", http.MethodPost, "/diaries", url.Values{"principal": {principal}}, d, &out)
	return out, err
}

// ListDiaries returns the diaries of principal, or of everyone when
// principal is model.AllPrincipals.
func (c *Client) ListDiaries(ctx context.Context, principal string) ([]model.Diary, error) {
	var out []model.Diary
	err := c.do(ctx, "list diaries", http.MethodGet, "/diaries", url.Values{"principal": {principal}}, nil, &out)
	return nonNil(out), err
}

// DeleteDiary removes a diary by ID.
func (c *Client) DeleteDiary(ctx context.Context, principal, id string) error {
	return c.do(ctx, "delete diary", http.MethodDelete, "/diaries/"+url.PathEscape(id), url.Values{"principal": {principal}}, nil, nil)
}

// ListEvents returns principal's calendar events.
func (c *Client) ListEvents(ctx context.Context, principal string) ([]model.Event, error) {
	var out []model.Event
	err := c.do(ctx, "list events", http.MethodGet, "/events", url.Values{"principal": {principal}}, nil, &out)
	return nonNil(out), err
}

// CreateEvent stores an event for principal.
func (c *Client) CreateEvent(ctx context.Context, principal string, e model.Event) (model.Event, error) {
	var out model.Event
	err := c.do(ctx, "create event", http.MethodPost, "/events", url.Values{"principal": {principal}}, e, &out)
	return out, err
}

// ListTasks returns principal's tasks.
func (c *Client) ListTasks(ctx context.Context, principal string) ([]model.Task, error) {
	var out []model.Task
	err := c.do(ctx, "list tasks", http.MethodGet, "/tasks", url.Values{"principal": {principal}}, nil, &out)
	return nonNil(out), err
}

// CreateTask stores a task for principal.
func (c *Client) CreateTask(ctx context.Context, principal string, t model.Task) (model.Task, error) {
	var out model.Task
	err := c.do(ctx, "create task", http.MethodPost, "/tasks", url.Values{"principal": {principal}}, t, &out)
	return out, err
}

// ListHealthRecords returns principal's health measurements.
func (c *Client) ListHealthRecords(ctx context.Context, principal string) ([]model.HealthRecord, error) {
	var out []model.HealthRecord
	err := c.do(ctx, "list health records", http.MethodGet, "/health-records", url.Values{"principal": {principal}}, nil, &out)
	return nonNil(out), err
}

// GetAnalysis returns the server-side analysis of the given kind
// (e.g. "emotion") for principal.
func (c *Client) GetAnalysis(ctx context.Context, principal, kind string) (model.Analysis, error) {
	var out model.Analysis
	err := c.do(ctx, "get analysis", http.MethodGet, "/analysis/"+url.PathEscape(kind), url.Values{"principal": {principal}}, nil, &out)
	if err == nil && out.Kind == "" {
		out.Kind = kind
	}
	return out, err
}

func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: marshaling request: %w", op, err)
		}
		body = bytes.NewReader(raw)
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return fmt.Errorf("%s: creating request: %w", op, err)
	}
	c.setHeaders(req, in != nil)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TransientNetworkError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return &TransientNetworkError{Op: op, Err: fmt.Errorf("reading response: %w", err)}
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Code == nil {
		if resp.StatusCode >= http.StatusInternalServerError {
			return &TransientNetworkError{Op: op, Err: fmt.Errorf("unexpected status %d: %s", resp.StatusCode, truncate(raw))}
		}
		if err == nil {
			err = fmt.Errorf("envelope has no code")
		}
		return &MalformedResponseError{Op: op, Status: resp.StatusCode, Err: err}
	}
	if *env.Code != codeOK {
		return &MalformedResponseError{Op: op, Status: resp.StatusCode, Code: *env.Code, Message: env.Message}
	}

	if out == nil || len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return &MalformedResponseError{Op: op, Status: resp.StatusCode, Code: *env.Code, Err: fmt.Errorf("decoding data: %w", err)}
	}
	return nil
}

func (c *Client) setHeaders(req *http.Request, hasBody bool) {
	if hasBody {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.tokens == nil {
		return
	}
	if tok, ok := c.tokens.Token(); ok {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
}

func truncate(b []byte) string {
	if len(b) > maxErrorBody {
		b = b[:maxErrorBody]
	}
	return string(b)
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
