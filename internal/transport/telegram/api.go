package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

const defaultAPIBaseURL = "https://api.telegram.org"

// APIError is a non-ok response from the Bot API. The token never appears in
// it, so it is safe to log.
type APIError struct {
	Method      string
	Code        int
	Description string
	RetryAfter  int // seconds to wait, set on 429 responses
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram: %s: %d %s", e.Method, e.Code, e.Description)
}

// Bot API wire types, limited to the fields the relay reads.

type Update struct {
	UpdateID int64    `json:"update_id"`
	Message  *Message `json:"message"`
}

type Message struct {
	MessageID int64       `json:"message_id"`
	From      *User       `json:"from"`
	Chat      Chat        `json:"chat"`
	Date      int64       `json:"date"`
	Text      string      `json:"text"`
	Caption   string      `json:"caption"`
	Photo     []PhotoSize `json:"photo"`
	Document  *Document   `json:"document"`
	Voice     *Voice      `json:"voice"`
	Audio     *Audio      `json:"audio"`
	Video     *Video      `json:"video"`
	Sticker   *Sticker    `json:"sticker"`
	Location  *Location   `json:"location"`
	Contact   *Contact    `json:"contact"`
}

type User struct {
	ID           int64  `json:"id"`
	IsBot        bool   `json:"is_bot"`
	Username     string `json:"username"`
	FirstName    string `json:"first_name"`
	LastName     string `json:"last_name"`
	LanguageCode string `json:"language_code"`
}

type Chat struct {
	ID   int64  `json:"id"`
	Type string `json:"type"`
}

type PhotoSize struct {
	FileID string `json:"file_id"`
}

type Document struct {
	FileID   string `json:"file_id"`
	FileName string `json:"file_name"`
}

type Voice struct {
	FileID   string `json:"file_id"`
	Duration int    `json:"duration"`
}

type Audio struct {
	FileID   string `json:"file_id"`
	FileName string `json:"file_name"`
}

type Video struct {
	FileID   string `json:"file_id"`
	FileName string `json:"file_name"`
}

type Sticker struct {
	FileID string `json:"file_id"`
	Emoji  string `json:"emoji"`
}

type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

type Contact struct {
	PhoneNumber string `json:"phone_number"`
	FirstName   string `json:"first_name"`
	LastName    string `json:"last_name"`
}

// WebhookInfo mirrors getWebhookInfo.
type WebhookInfo struct {
	URL                string `json:"url"`
	PendingUpdateCount int    `json:"pending_update_count"`
	LastErrorDate      int64  `json:"last_error_date"`
	LastErrorMessage   string `json:"last_error_message"`
}

type apiResponse struct {
	OK          bool                `json:"ok"`
	Result      json.RawMessage     `json:"result"`
	Description string              `json:"description"`
	ErrorCode   int                 `json:"error_code"`
	Parameters  *responseParameters `json:"parameters"`
}

type responseParameters struct {
	RetryAfter int `json:"retry_after"`
}

// call POSTs one Bot API method and decodes its result into out (out may be
// nil when the result does not matter).
func (a *Adapter) call(ctx context.Context, method string, params, out any) error {
	var body io.Reader
	if params != nil {
		payload, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("telegram: %s: marshal request: %w", method, err)
		}
		body = bytes.NewReader(payload)
	}
	url := a.baseURL + "/bot" + a.token + "/" + method
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return fmt.Errorf("telegram: %s: create request: %w", method, err)
	}
	if params != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("telegram: %s: request failed: %w", method, err)
	}
	defer resp.Body.Close()

	var envelope apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("telegram: %s: decode response: %w", method, err)
	}
	if !envelope.OK {
		apiErr := &APIError{
			Method:      method,
			Code:        envelope.ErrorCode,
			Description: envelope.Description,
		}
		if envelope.Parameters != nil {
			apiErr.RetryAfter = envelope.Parameters.RetryAfter
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(envelope.Result, out); err != nil {
		return fmt.Errorf("telegram: %s: decode result: %w", method, err)
	}
	return nil
}

func (a *Adapter) getMe(ctx context.Context) (*User, error) {
	var me User
	if err := a.call(ctx, "getMe", nil, &me); err != nil {
		return nil, err
	}
	return &me, nil
}

func (a *Adapter) getUpdates(ctx context.Context, offset int64, timeoutSec int) ([]Update, error) {
	params := struct {
		Offset         int64    `json:"offset"`
		Timeout        int      `json:"timeout"`
		AllowedUpdates []string `json:"allowed_updates"`
	}{Offset: offset, Timeout: timeoutSec, AllowedUpdates: []string{"message"}}
	var updates []Update
	if err := a.call(ctx, "getUpdates", params, &updates); err != nil {
		return nil, err
	}
	return updates, nil
}

func (a *Adapter) sendMessage(ctx context.Context, chatID int64, text string) (*Message, error) {
	params := struct {
		ChatID int64  `json:"chat_id"`
		Text   string `json:"text"`
	}{ChatID: chatID, Text: text}
	var msg Message
	if err := a.call(ctx, "sendMessage", params, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (a *Adapter) sendChatAction(ctx context.Context, chatID int64, action string) error {
	params := struct {
		ChatID int64  `json:"chat_id"`
		Action string `json:"action"`
	}{ChatID: chatID, Action: action}
	return a.call(ctx, "sendChatAction", params, nil)
}

// SetWebhook registers url as the update sink, with the secret echoed back
// by Telegram in X-Telegram-Bot-Api-Secret-Token.
func (a *Adapter) SetWebhook(ctx context.Context, url, secret string) error {
	params := struct {
		URL            string   `json:"url"`
		SecretToken    string   `json:"secret_token,omitempty"`
		AllowedUpdates []string `json:"allowed_updates"`
	}{URL: url, SecretToken: secret, AllowedUpdates: []string{"message"}}
	return a.call(ctx, "setWebhook", params, nil)
}

// DeleteWebhook removes the webhook registration. Pending updates are kept
// unless dropPending is set.
func (a *Adapter) DeleteWebhook(ctx context.Context, dropPending bool) error {
	params := struct {
		DropPendingUpdates bool `json:"drop_pending_updates"`
	}{DropPendingUpdates: dropPending}
	return a.call(ctx, "deleteWebhook", params, nil)
}

// GetWebhookInfo reports the current webhook registration.
func (a *Adapter) GetWebhookInfo(ctx context.Context) (*WebhookInfo, error) {
	var info WebhookInfo
	if err := a.call(ctx, "getWebhookInfo", nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}
