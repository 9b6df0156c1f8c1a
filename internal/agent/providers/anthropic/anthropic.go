// Package anthropic implements agent.Provider against the Anthropic
// Messages API directly over HTTP, in the same hand-rolled-client style the
// rest of this codebase uses for external text-generation APIs rather than
// pulling in a dedicated SDK.
package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/flowforge/engine/internal/agent"
)

const defaultBaseURL = "https://api.anthropic.com"
const apiVersion = "2023-06-01"

type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	model      string
	maxTokens  int
	headers    map[string]string
}

type Option func(*Client)

func WithMaxTokens(n int) Option {
	return func(c *Client) { c.maxTokens = n }
}

func WithExtraHeaders(h map[string]string) Option {
	return func(c *Client) { c.headers = h }
}

func WithBaseURL(url string) Option {
	return func(c *Client) {
		if url != "" {
			c.baseURL = strings.TrimRight(url, "/")
		}
	}
}

func New(apiKey, model string, opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: 120 * time.Second},
		baseURL:    defaultBaseURL,
		apiKey:     apiKey,
		model:      model,
		maxTokens:  4096,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Name() string { return "anthropic" }

// Refresh is a no-op: Anthropic auth is a static API key, not a short-lived
// OAuth token.
func (c *Client) Refresh() error { return nil }

type wireMessage struct {
	Role    string        `json:"role"`
	Content []wireContent `json:"content"`
}

type wireContent struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Source    *wireImgSource  `json:"source,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
}

type wireImgSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	URL       string `json:"url,omitempty"`
}

type wireTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type wireRequest struct {
	Model     string        `json:"model"`
	System    string        `json:"system,omitempty"`
	Messages  []wireMessage `json:"messages"`
	Tools     []wireTool    `json:"tools,omitempty"`
	MaxTokens int           `json:"max_tokens"`
	Stream    bool          `json:"stream,omitempty"`
}

type wireResponse struct {
	Content []wireContent `json:"content"`
	Error   *wireError    `json:"error,omitempty"`
}

type wireError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (c *Client) Complete(ctx context.Context, req agent.Request) (agent.Response, error) {
	wreq := wireRequest{
		Model:     firstNonEmpty(req.Model, c.model),
		System:    req.System,
		MaxTokens: c.maxTokens,
	}
	for _, m := range req.Messages {
		wreq.Messages = append(wreq.Messages, toWireMessage(m))
	}
	for _, t := range req.Tools {
		wreq.Tools = append(wreq.Tools, wireTool{Name: t.Name, Description: t.Description, InputSchema: t.Schema})
	}

	body, err := json.Marshal(wreq)
	if err != nil {
		return agent.Response{}, fmt.Errorf("marshal anthropic request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return agent.Response{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", apiVersion)
	for k, v := range c.headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return agent.Response{}, fmt.Errorf("anthropic request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return agent.Response{}, fmt.Errorf("read anthropic response: %w", err)
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return agent.Response{}, &agent.AuthError{Err: fmt.Errorf("anthropic status %d: %s", resp.StatusCode, string(raw))}
	}
	if resp.StatusCode >= 400 {
		return agent.Response{}, fmt.Errorf("anthropic status %d: %s", resp.StatusCode, string(raw))
	}

	var wresp wireResponse
	if err := json.Unmarshal(raw, &wresp); err != nil {
		return agent.Response{}, fmt.Errorf("decode anthropic response: %w", err)
	}
	if wresp.Error != nil {
		return agent.Response{}, fmt.Errorf("anthropic error: %s", wresp.Error.Message)
	}

	var out agent.Response
	var sb strings.Builder
	for _, block := range wresp.Content {
		switch block.Type {
		case "text":
			sb.WriteString(block.Text)
		case "tool_use":
			out.ToolCalls = append(out.ToolCalls, agent.ToolCall{ID: block.ID, Name: block.Name, Args: block.Input})
		}
	}
	out.Content = sb.String()
	return out, nil
}

func toWireMessage(m agent.Message) wireMessage {
	wm := wireMessage{Role: string(m.Role)}
	if m.Role == agent.RoleTool {
		wm.Role = "user"
		wm.Content = append(wm.Content, wireContent{Type: "tool_result", ToolUseID: m.ToolCallID, Content: m.Content})
		return wm
	}
	if m.Content != "" {
		wm.Content = append(wm.Content, wireContent{Type: "text", Text: m.Content})
	}
	for _, url := range m.ImageURLs {
		wm.Content = append(wm.Content, wireContent{Type: "image", Source: &wireImgSource{Type: "url", URL: url}})
	}
	for _, tc := range m.ToolCalls {
		wm.Content = append(wm.Content, wireContent{Type: "tool_use", ID: tc.ID, Name: tc.Name, Input: tc.Args})
	}
	return wm
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
