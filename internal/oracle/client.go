// Package oracle is the client for the conversational AI behind the
// gateway. It never retries: a repeated chat call could repeat its side
// effects.
package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kalambet/daybook/internal/gateway"
	"github.com/kalambet/daybook/internal/session"
)

const (
	defaultTimeout = 30 * time.Second
	chatPath       = "/ai/chat"
	maxErrorBody   = 4096
)

// Client sends chat turns to the oracle.
type Client struct {
	baseURL      string
	model        string
	systemPrompt string
	tokens       session.TokenSource
	httpClient   *http.Client
}

// Config holds the oracle settings.
type Config struct {
	BaseURL      string
	Model        string
	SystemPrompt string
	Timeout      time.Duration
}

// NewClient creates an oracle client. tokens may be nil.
func NewClient(cfg Config, tokens session.TokenSource) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		model:        cfg.Model,
		systemPrompt: cfg.SystemPrompt,
		tokens:       tokens,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Converse sends message with history as grounding on behalf of principal.
func (c *Client) Converse(ctx context.Context, message string, history []Message, principal string) (Response, error) {
	req := Request{
		Message:             message,
		Model:               c.model,
		SystemPrompt:        c.systemPrompt,
		ConversationHistory: history,
		Principal:           principal,
	}
	if req.ConversationHistory == nil {
		req.ConversationHistory = []Message{}
	}
	if c.tokens != nil {
		if tok, ok := c.tokens.Token(); ok {
			req.AuthToken = tok
		}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return Response{}, fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+chatPath, bytes.NewReader(body))
	if err != nil {
		return Response{}, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if req.AuthToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.AuthToken)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Response{}, &gateway.TransientNetworkError{Op: "oracle chat", Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, &gateway.TransientNetworkError{Op: "oracle chat", Err: fmt.Errorf("reading response: %w", err)}
	}
	if resp.StatusCode != http.StatusOK {
		if len(raw) > maxErrorBody {
			raw = raw[:maxErrorBody]
		}
		return Response{}, &gateway.MalformedResponseError{
			Op:     "oracle chat",
			Status: resp.StatusCode,
			Err:    fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(raw)),
		}
	}

	var out Response
	if err := json.Unmarshal(raw, &out); err != nil {
		return Response{}, &gateway.MalformedResponseError{Op: "oracle chat", Status: resp.StatusCode, Err: err}
	}
	return out, nil
}
