// Package theta is a small client for the theta-agents REST API.
package theta

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"sync"
	"time"
)

// DefaultHTTPTimeout is generous because a single turn may deploy a contract
// or wait for a video to transcode.
const DefaultHTTPTimeout = 10 * time.Minute

// Client wraps the HTTP interactions with the theta-agents REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu          sync.RWMutex
	accessToken string
}

// Failure is a structured error attached to a reply or a tool result.
type Failure struct {
	Code          string            `json:"code"`
	Category      string            `json:"category"`
	Message       string            `json:"message"`
	Indeterminate bool              `json:"indeterminate,omitempty"`
	Retryable     bool              `json:"retryable,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// ToolResult is the outcome of one capability invocation.
type ToolResult struct {
	Capability string   `json:"capability"`
	Value      any      `json:"value,omitempty"`
	Error      *Failure `json:"error,omitempty"`
}

// Invocation records a tool call made during a turn.
type Invocation struct {
	CallID     string          `json:"call_id"`
	Capability string          `json:"capability"`
	Arguments  json.RawMessage `json:"arguments"`
	Round      int             `json:"round"`
	Result     ToolResult      `json:"result"`
	DurationMS int64           `json:"duration_ms"`
}

// Reply is the result of one conversation turn.
type Reply struct {
	ThreadID       string       `json:"thread_id"`
	TurnID         string       `json:"turn_id"`
	PlanningText   string       `json:"planning_text"`
	UserFacingText string       `json:"user_facing_text"`
	RawText        string       `json:"raw_text,omitempty"`
	Error          *Failure     `json:"error,omitempty"`
	Invocations    []Invocation `json:"invocations,omitempty"`
	Rounds         int          `json:"rounds"`
}

// Message is one entry of a thread history.
type Message struct {
	Kind           string          `json:"kind"`
	Text           string          `json:"text,omitempty"`
	PlanningText   string          `json:"planning_text,omitempty"`
	UserFacingText string          `json:"user_facing_text,omitempty"`
	Error          string          `json:"error,omitempty"`
	CallID         string          `json:"call_id,omitempty"`
	Capability     string          `json:"capability,omitempty"`
	Arguments      json.RawMessage `json:"arguments,omitempty"`
	Content        string          `json:"content,omitempty"`
	Failed         bool            `json:"failed,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Capability describes a configured capability.
type Capability struct {
	Name    string `json:"name"`
	Backend string `json:"backend"`
}

// APIError represents a non-2xx response without a turn reply.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("theta-agents api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("theta-agents api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client. When httpClient is nil, a default client
// with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// SetAccessToken sets the bearer token sent with every request.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = token
}

// AccessToken returns the currently stored token string.
func (c *Client) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

// NewThread asks the server for a fresh thread id.
func (c *Client) NewThread(ctx context.Context) (string, error) {
	var out struct {
		ThreadID string `json:"thread_id"`
	}
	if err := c.post(ctx, "/api/v1/threads", struct{}{}, &out); err != nil {
		return "", err
	}
	return out.ThreadID, nil
}

// Turn sends a user message on a thread. A reply that ended in an error is
// returned together with an *APIError when the server answered non-2xx.
func (c *Client) Turn(ctx context.Context, threadID, message string) (*Reply, error) {
	var reply Reply
	endpoint := "/api/v1/threads/" + url.PathEscape(threadID) + "/turns"
	err := c.post(ctx, endpoint, map[string]string{"message": message}, &reply)
	if err != nil {
		if apiErr, ok := err.(*APIError); ok && reply.TurnID != "" {
			return &reply, apiErr
		}
		return nil, err
	}
	return &reply, nil
}

// Messages returns the history of a thread.
func (c *Client) Messages(ctx context.Context, threadID string) ([]Message, error) {
	var out struct {
		Messages []Message `json:"messages"`
	}
	if err := c.get(ctx, "/api/v1/threads/"+url.PathEscape(threadID)+"/messages", &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

// Capabilities lists the capabilities offered by the server.
func (c *Client) Capabilities(ctx context.Context) ([]Capability, error) {
	var out []Capability
	if err := c.get(ctx, "/api/v1/capabilities", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	u := *c.baseURL
	u.Path = path.Join(c.baseURL.Path, endpoint)
	u.RawPath = ""
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if token := c.AccessToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

// do decodes the body into out on success. On failure the body is decoded
// into out as well when it is a reply, and an *APIError is returned.
func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if reply, ok := out.(*Reply); ok && json.Unmarshal(data, reply) == nil && reply.TurnID != "" {
			if reply.Error != nil {
				apiErr.Code, apiErr.Message = reply.Error.Code, reply.Error.Message
			}
			return apiErr
		}
		_ = json.Unmarshal(data, apiErr)
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return apiErr
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
