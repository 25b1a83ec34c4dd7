// Package assistant talks to an OpenAI Assistants-style reasoning service:
// a thin REST client plus a driver that pushes a single conversational turn
// through the thread/run lifecycle.
package assistant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	betaHeader     = "assistants=v2"

	// maxErrorBody bounds how much of an error response we keep for logs.
	maxErrorBody = 4 << 10
)

// Client is a minimal Assistants v2 REST client covering the endpoints the
// relay needs: threads, messages and runs.
type Client struct {
	baseURL string
	apiKey  string
	httpc   *http.Client
}

// Option customizes the Client.
type Option func(*Client)

// WithBaseURL points the client at a different API root, e.g. a proxy or a
// test server.
func WithBaseURL(u string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(strings.TrimSpace(u), "/")
	}
}

// WithHTTPClient swaps the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpc = h
		}
	}
}

// NewClient builds a Client for the given API key.
func NewClient(apiKey string, opts ...Option) (*Client, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("assistant: api key is required")
	}
	c := &Client{
		baseURL: defaultBaseURL,
		apiKey:  apiKey,
		httpc:   &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Run is the service's view of one reasoning pass over a thread.
type Run struct {
	ID        string    `json:"id"`
	ThreadID  string    `json:"thread_id"`
	Status    string    `json:"status"`
	LastError *RunError `json:"last_error"`
}

// RunError carries the service-reported reason a run ended badly.
type RunError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Message is one entry in a thread's history.
type Message struct {
	ID        string        `json:"id"`
	Role      string        `json:"role"`
	RunID     string        `json:"run_id"`
	CreatedAt int64         `json:"created_at"`
	Content   []ContentPart `json:"content"`
}

// ContentPart is one typed fragment of a message body.
type ContentPart struct {
	Type string    `json:"type"`
	Text *TextPart `json:"text,omitempty"`
}

// TextPart holds the actual text of a text content part.
type TextPart struct {
	Value string `json:"value"`
}

// Text joins the message's text parts, skipping non-text content.
func (m Message) Text() string {
	var parts []string
	for _, p := range m.Content {
		if p.Type == "text" && p.Text != nil && p.Text.Value != "" {
			parts = append(parts, p.Text.Value)
		}
	}
	return strings.Join(parts, "\n")
}

type idResponse struct {
	ID string `json:"id"`
}

type listMessagesResponse struct {
	Data []Message `json:"data"`
}

// CreateThread opens a fresh thread and returns its id.
func (c *Client) CreateThread(ctx context.Context) (string, error) {
	var resp idResponse
	if err := c.do(ctx, http.MethodPost, "/threads", struct{}{}, &resp); err != nil {
		return "", fmt.Errorf("assistant: create thread: %w", err)
	}
	if resp.ID == "" {
		return "", errors.New("assistant: create thread: response without id")
	}
	return resp.ID, nil
}

// DeleteThread removes a thread. Used by the self-test to clean up after
// itself; a missing thread is not an error worth surfacing.
func (c *Client) DeleteThread(ctx context.Context, threadID string) error {
	err := c.do(ctx, http.MethodDelete, "/threads/"+threadID, nil, nil)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return nil
		}
		return fmt.Errorf("assistant: delete thread: %w", err)
	}
	return nil
}

// CreateMessage appends a message to the thread and returns its id.
func (c *Client) CreateMessage(ctx context.Context, threadID, role, text string) (string, error) {
	body := struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}{Role: role, Content: text}
	var resp idResponse
	if err := c.do(ctx, http.MethodPost, "/threads/"+threadID+"/messages", body, &resp); err != nil {
		return "", fmt.Errorf("assistant: create message: %w", c.mapThreadErr(err, threadID))
	}
	return resp.ID, nil
}

// CreateRun starts a reasoning pass over the thread with the given assistant.
func (c *Client) CreateRun(ctx context.Context, threadID, assistantID string) (*Run, error) {
	body := struct {
		AssistantID string `json:"assistant_id"`
	}{AssistantID: assistantID}
	var run Run
	if err := c.do(ctx, http.MethodPost, "/threads/"+threadID+"/runs", body, &run); err != nil {
		return nil, fmt.Errorf("assistant: create run: %w", c.mapThreadErr(err, threadID))
	}
	return &run, nil
}

// GetRun fetches the current state of a run.
func (c *Client) GetRun(ctx context.Context, threadID, runID string) (*Run, error) {
	var run Run
	if err := c.do(ctx, http.MethodGet, "/threads/"+threadID+"/runs/"+runID, nil, &run); err != nil {
		return nil, fmt.Errorf("assistant: get run: %w", c.mapThreadErr(err, threadID))
	}
	return &run, nil
}

// CancelRun asks the service to stop a run. Cancellation is asynchronous;
// the run may still finish.
func (c *Client) CancelRun(ctx context.Context, threadID, runID string) error {
	err := c.do(ctx, http.MethodPost, "/threads/"+threadID+"/runs/"+runID+"/cancel", struct{}{}, nil)
	if err != nil {
		return fmt.Errorf("assistant: cancel run: %w", c.mapThreadErr(err, threadID))
	}
	return nil
}

// ListMessages returns up to limit messages from the thread, newest first.
func (c *Client) ListMessages(ctx context.Context, threadID string, limit int) ([]Message, error) {
	path := "/threads/" + threadID + "/messages?order=desc&limit=" + strconv.Itoa(limit)
	var resp listMessagesResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, fmt.Errorf("assistant: list messages: %w", c.mapThreadErr(err, threadID))
	}
	return resp.Data, nil
}

// mapThreadErr converts a 404 on a thread-scoped endpoint into a
// ThreadInvalidError so callers can recover by minting a new thread.
func (c *Client) mapThreadErr(err error, threadID string) error {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		return &ThreadInvalidError{ThreadID: threadID, Err: err}
	}
	return err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("OpenAI-Beta", betaHeader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &APIError{
			StatusCode: resp.StatusCode,
			URL:        req.URL.String(),
			Body:       strings.TrimSpace(string(excerpt)),
		}
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
