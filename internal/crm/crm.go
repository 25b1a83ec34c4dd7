// Package crm mirrors the relay into a CRM's chat channel: inbound messages
// arrive as HMAC-signed webhooks, assistant replies go back through the
// CRM's conversation API under an OAuth2 refresh-token source.
package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/ap-development/medrelay/internal/logging"
	"github.com/ap-development/medrelay/internal/transport"
)

const (
	inboundBuffer = 100

	// maxErrorBody bounds how much of an error response we keep for logs.
	maxErrorBody = 2 << 10
)

// CRM chat messages have no hard documented limit; stay conservative.
var defaultSplit = transport.SplitLimits{First: 1500, Rest: 2500, Hard: 4000}

// WebhookEvent is one inbound delivery from the CRM chat channel.
type WebhookEvent struct {
	Time    int64          `json:"time"`
	Message WebhookMessage `json:"message"`
}

// WebhookMessage carries the conversation, sender and payload of one event.
type WebhookMessage struct {
	Conversation struct {
		ID       string `json:"id"`
		ClientID string `json:"client_id"`
	} `json:"conversation"`
	Sender struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"sender"`
	Payload Payload `json:"message"`
}

// Payload is the content half of a webhook message.
type Payload struct {
	ID   string `json:"id"`
	Type string `json:"type"` // "text", "picture", "voice", "file"
	Text string `json:"text"`
	Name string `json:"file_name"`
}

// APIError is a non-2xx response from the CRM conversation API.
type APIError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("crm: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

// Opts holds parameters for creating a CRM Adapter.
type Opts struct {
	BaseURL string
	ScopeID string
	Tokens  oauth2.TokenSource
	Split   transport.SplitLimits
	Logger  *logging.Logger
	// For testing: bypasses the oauth2 transport when set.
	HTTPClient *http.Client
}

// Adapter connects the relay to the CRM chat channel. Inbound traffic is
// pushed by the webhook receiver through Feed; it satisfies
// transport.Adapter so the relay daemon drives it like any platform.
type Adapter struct {
	baseURL string
	scopeID string
	tokens  oauth2.TokenSource
	split   transport.SplitLimits
	httpc   *http.Client
	log     *logging.Logger

	inbound chan transport.Inbound

	mu        sync.Mutex
	connected bool
	closed    bool
	// chat ids are hashes of conversation ids and cannot be reversed, so
	// replies look the conversation up here.
	routes map[int64]string

	closeOnce sync.Once
}

// New creates a CRM Adapter.
func New(ctx context.Context, opts Opts) (*Adapter, error) {
	if strings.TrimSpace(opts.BaseURL) == "" {
		return nil, errors.New("crm: base url is required")
	}
	if strings.TrimSpace(opts.ScopeID) == "" {
		return nil, errors.New("crm: scope id is required")
	}
	split := opts.Split
	if split.Hard <= 0 {
		split = defaultSplit
	}
	log := opts.Logger
	if log == nil {
		log = logging.Nop()
	}
	httpc := opts.HTTPClient
	if httpc == nil {
		if opts.Tokens == nil {
			return nil, errors.New("crm: token source is required")
		}
		httpc = oauth2.NewClient(ctx, opts.Tokens)
		httpc.Timeout = 30 * time.Second
	}
	return &Adapter{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		scopeID: opts.ScopeID,
		tokens:  opts.Tokens,
		split:   split,
		httpc:   httpc,
		log:     log,
		inbound: make(chan transport.Inbound, inboundBuffer),
		routes:  make(map[int64]string),
	}, nil
}

// ScopeID returns the channel scope this adapter serves.
func (a *Adapter) ScopeID() string { return a.scopeID }

// Connect validates the credentials by forcing one token refresh. The
// webhook receiver, not a connection, carries inbound traffic.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return errors.New("crm: adapter is closed")
	}
	if a.tokens != nil {
		if _, err := a.tokens.Token(); err != nil {
			return fmt.Errorf("crm: token refresh: %w", err)
		}
	}
	a.connected = true
	a.log.Info("crm mirror connected", "scope_id", a.scopeID)
	return nil
}

// Listen returns the inbound channel fed by the webhook receiver.
func (a *Adapter) Listen(ctx context.Context) (<-chan transport.Inbound, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return nil, errors.New("crm: not connected")
	}
	return a.inbound, nil
}

// Feed converts a verified webhook event into an inbound message. Dropped
// events (no conversation, empty payload, adapter closed) return an error so
// the receiver can answer the CRM accordingly.
func (a *Adapter) Feed(ctx context.Context, ev WebhookEvent) error {
	convID := ev.Message.Conversation.ID
	if convID == "" {
		return errors.New("crm: event without conversation id")
	}
	chatID := transport.DeriveChatID(convID)

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return errors.New("crm: adapter is closed")
	}
	a.routes[chatID] = convID
	a.mu.Unlock()

	var msgID int64
	if ev.Message.Payload.ID != "" {
		msgID = transport.DeriveChatID(ev.Message.Payload.ID)
	}
	text, contentType, attachment := classify(ev.Message.Payload)
	msg := transport.Inbound{
		Platform:       "crm",
		ChatID:         chatID,
		MessageID:      msgID,
		Text:           text,
		ContentType:    contentType,
		AttachmentName: attachment,
		Username:       ev.Message.Sender.ID,
		FirstName:      ev.Message.Sender.Name,
		Timestamp:      time.Unix(ev.Time, 0),
	}
	if msg.Timestamp.Unix() <= 0 {
		msg.Timestamp = time.Now()
	}

	select {
	case a.inbound <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return errors.New("crm: inbound buffer full")
	}
}

// classify maps a payload onto text or an attachment placeholder.
func classify(p Payload) (text, contentType, attachment string) {
	switch p.Type {
	case "", "text":
		return p.Text, "text", ""
	case "picture":
		return placeholderOr(p.Text, "[photo]"), "photo", p.Name
	case "voice":
		return placeholderOr(p.Text, "[voice message]"), "voice", p.Name
	case "file":
		return placeholderOr(p.Text, "[document]"), "document", p.Name
	default:
		return placeholderOr(p.Text, "["+p.Type+"]"), p.Type, p.Name
	}
}

func placeholderOr(caption, placeholder string) string {
	if caption != "" {
		return placeholder + " " + caption
	}
	return placeholder
}

type sendRequest struct {
	Text string `json:"text"`
}

type sendResponse struct {
	ID string `json:"id"`
}

// Send pushes reply text into the chat's CRM conversation, split into
// pieces. The CRM assigns string message ids, so the returned platform id is
// always 0 and outbound rows rely on insert-only semantics.
func (a *Adapter) Send(ctx context.Context, msg transport.Outbound) (int64, error) {
	a.mu.Lock()
	if !a.connected {
		a.mu.Unlock()
		return 0, errors.New("crm: not connected")
	}
	convID, ok := a.routes[msg.ChatID]
	a.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("crm: no conversation known for chat %d", msg.ChatID)
	}

	for _, piece := range transport.SplitMessage(msg.Text, a.split) {
		if err := a.postMessage(ctx, convID, piece); err != nil {
			return 0, err
		}
	}
	return 0, nil
}

func (a *Adapter) postMessage(ctx context.Context, convID, text string) error {
	url := fmt.Sprintf("%s/chats/%s/conversations/%s/messages", a.baseURL, a.scopeID, convID)
	body, err := json.Marshal(sendRequest{Text: text})
	if err != nil {
		return fmt.Errorf("crm: encode message: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("crm: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("crm: post message: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &APIError{StatusCode: resp.StatusCode, URL: url, Body: strings.TrimSpace(string(excerpt))}
	}
	var out sendResponse
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return nil
}

// Close shuts the adapter down and closes the inbound channel.
func (a *Adapter) Close() error {
	a.closeOnce.Do(func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		a.closed = true
		a.connected = false
		close(a.inbound)
	})
	return nil
}
