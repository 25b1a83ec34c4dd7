// Package telegram implements the transport adapter for the Telegram Bot
// API over plain HTTP: long-polling or webhook ingestion inbound, chunked
// sendMessage outbound, typing indicators and webhook management.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ap-development/medrelay/internal/logging"
	"github.com/ap-development/medrelay/internal/transport"
)

// Update ingestion modes.
const (
	ModePolling = "polling"
	ModeWebhook = "webhook"
)

const (
	defaultPollTimeout = 50 * time.Second
	maxPollBackoff     = 30 * time.Second

	// maxSendRetries bounds how many times a rate-limited send is retried.
	maxSendRetries = 2

	inboundBuffer = 100
)

// Telegram message size limits: 4096 is the API maximum; the softer caps
// keep the first piece of a long answer readable on small screens.
var defaultSplit = transport.SplitLimits{First: 1500, Rest: 2500, Hard: 4096}

// Opts holds parameters for creating a telegram Adapter.
type Opts struct {
	Token       string
	Mode        string                // ModePolling (default) or ModeWebhook
	BaseURL     string                // override for tests / local bot api
	PollTimeout time.Duration         // long-poll window, defaults to 50s
	Split       transport.SplitLimits // zero value takes the telegram defaults
	HTTPClient  *http.Client
	Logger      *logging.Logger
}

// Adapter connects the relay to Telegram. It satisfies transport.Adapter
// and transport.TypingNotifier.
type Adapter struct {
	token       string
	mode        string
	baseURL     string
	pollTimeout time.Duration
	split       transport.SplitLimits
	httpc       *http.Client
	log         *logging.Logger

	inbound chan transport.Inbound
	updates chan Update // webhook mode: fed by Feed, drained by bridgeLoop

	mu        sync.Mutex
	connected bool
	closed    bool
	botName   string

	stop      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New creates a telegram Adapter.
func New(opts Opts) (*Adapter, error) {
	if strings.TrimSpace(opts.Token) == "" {
		return nil, errors.New("telegram: token is required")
	}
	mode := opts.Mode
	if mode == "" {
		mode = ModePolling
	}
	if mode != ModePolling && mode != ModeWebhook {
		return nil, fmt.Errorf("telegram: unknown mode %q", mode)
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultAPIBaseURL
	}
	pollTimeout := opts.PollTimeout
	if pollTimeout <= 0 {
		pollTimeout = defaultPollTimeout
	}
	split := opts.Split
	if split.Hard <= 0 {
		split = defaultSplit
	}
	httpc := opts.HTTPClient
	if httpc == nil {
		// The client must outlast a full long-poll window.
		httpc = &http.Client{Timeout: pollTimeout + 10*time.Second}
	}
	log := opts.Logger
	if log == nil {
		log = logging.Nop()
	}
	return &Adapter{
		token:       opts.Token,
		mode:        mode,
		baseURL:     baseURL,
		pollTimeout: pollTimeout,
		split:       split,
		httpc:       httpc,
		log:         log,
		inbound:     make(chan transport.Inbound, inboundBuffer),
		updates:     make(chan Update, inboundBuffer),
		stop:        make(chan struct{}),
	}, nil
}

// Connect validates the token with getMe. In polling mode it also removes
// any webhook registration, which Telegram requires before getUpdates works.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return errors.New("telegram: adapter closed")
	}
	a.mu.Unlock()

	me, err := a.getMe(ctx)
	if err != nil {
		return fmt.Errorf("telegram: connect: %w", err)
	}
	if a.mode == ModePolling {
		if err := a.DeleteWebhook(ctx, false); err != nil {
			return fmt.Errorf("telegram: connect: %w", err)
		}
	}

	a.mu.Lock()
	a.connected = true
	a.botName = me.Username
	a.mu.Unlock()
	a.log.Info("telegram connected", "bot", me.Username, "mode", a.mode)
	return nil
}

// BotName returns the bot's username, available after Connect.
func (a *Adapter) BotName() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.botName
}

// Listen starts update ingestion and returns the inbound channel. The
// channel closes when ctx is cancelled or the adapter is closed.
func (a *Adapter) Listen(ctx context.Context) (<-chan transport.Inbound, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return nil, errors.New("telegram: not connected")
	}
	a.wg.Add(1)
	if a.mode == ModeWebhook {
		go a.bridgeLoop(ctx)
	} else {
		go a.pollLoop(ctx)
	}
	return a.inbound, nil
}

// Feed hands a webhook-delivered update to the adapter. It blocks when the
// buffer is full so Telegram sees backpressure and redelivers later.
func (a *Adapter) Feed(ctx context.Context, u Update) error {
	select {
	case a.updates <- u:
		return nil
	case <-a.stop:
		return errors.New("telegram: adapter closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send splits the reply to telegram limits and delivers the pieces in order.
// It returns the message id of the first delivered piece.
func (a *Adapter) Send(ctx context.Context, msg transport.Outbound) (int64, error) {
	var firstID int64
	for i, part := range transport.SplitMessage(msg.Text, a.split) {
		var sent *Message
		err := a.withRateLimitRetry(ctx, func() error {
			var sendErr error
			sent, sendErr = a.sendMessage(ctx, msg.ChatID, part)
			return sendErr
		})
		if err != nil {
			return firstID, fmt.Errorf("telegram: send piece %d: %w", i+1, err)
		}
		if i == 0 && sent != nil {
			firstID = sent.MessageID
		}
	}
	return firstID, nil
}

// NotifyTyping shows the "typing..." indicator; Telegram keeps it visible
// for about five seconds, so callers refresh it while a run is in flight.
func (a *Adapter) NotifyTyping(ctx context.Context, chatID int64) error {
	return a.sendChatAction(ctx, chatID, "typing")
}

// Close stops ingestion and closes the inbound channel.
func (a *Adapter) Close() error {
	a.closeOnce.Do(func() {
		a.mu.Lock()
		a.closed = true
		a.connected = false
		a.mu.Unlock()
		close(a.stop)
	})
	a.wg.Wait()
	return nil
}

// withRateLimitRetry runs fn, sleeping out 429 retry_after hints a bounded
// number of times.
func (a *Adapter) withRateLimitRetry(ctx context.Context, fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		var apiErr *APIError
		if err == nil || attempt >= maxSendRetries || !errors.As(err, &apiErr) || apiErr.RetryAfter <= 0 {
			return err
		}
		a.log.Warn("telegram rate limited", "retry_after_sec", apiErr.RetryAfter)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(apiErr.RetryAfter) * time.Second):
		}
	}
}

// pollLoop drives getUpdates long polling. It is the sole writer and closer
// of the inbound channel in polling mode.
func (a *Adapter) pollLoop(ctx context.Context) {
	defer a.wg.Done()
	defer close(a.inbound)

	var offset int64
	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.stop:
			return
		default:
		}

		updates, err := a.getUpdates(ctx, offset, int(a.pollTimeout.Seconds()))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			a.log.Warn("telegram poll failed", "error", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				return
			case <-a.stop:
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, maxPollBackoff)
			continue
		}
		backoff = time.Second

		for _, u := range updates {
			offset = u.UpdateID + 1
			msg, ok := a.convert(u)
			if !ok {
				continue
			}
			select {
			case a.inbound <- msg:
			case <-ctx.Done():
				return
			case <-a.stop:
				return
			}
		}
	}
}

// bridgeLoop moves webhook-fed updates onto the inbound channel. It is the
// sole writer and closer of the inbound channel in webhook mode.
func (a *Adapter) bridgeLoop(ctx context.Context) {
	defer a.wg.Done()
	defer close(a.inbound)

	for {
		select {
		case <-ctx.Done():
			return
		case <-a.stop:
			return
		case u := <-a.updates:
			msg, ok := a.convert(u)
			if !ok {
				continue
			}
			select {
			case a.inbound <- msg:
			case <-ctx.Done():
				return
			case <-a.stop:
				return
			}
		}
	}
}

// convert normalizes one update. Updates without a message (edits, channel
// posts) and messages from other bots are dropped.
func (a *Adapter) convert(u Update) (transport.Inbound, bool) {
	m := u.Message
	if m == nil {
		return transport.Inbound{}, false
	}
	if m.From != nil && m.From.IsBot {
		return transport.Inbound{}, false
	}

	contentType, text, attachment := classify(m)
	in := transport.Inbound{
		Platform:       "telegram",
		ChatID:         m.Chat.ID,
		MessageID:      m.MessageID,
		Text:           text,
		ContentType:    contentType,
		AttachmentName: attachment,
		Timestamp:      time.Unix(m.Date, 0),
	}
	if m.From != nil {
		in.Username = m.From.Username
		in.FirstName = m.From.FirstName
		in.LastName = m.From.LastName
		in.LanguageCode = m.From.LanguageCode
	}
	return in, true
}

// classify maps a message onto (content type, text the assistant sees,
// attachment name). Attachments without a caption become placeholders; the
// media itself is not forwarded.
func classify(m *Message) (string, string, string) {
	switch {
	case m.Text != "":
		return "text", m.Text, ""
	case len(m.Photo) > 0:
		return "photo", captionOr(m, "[photo]"), ""
	case m.Document != nil:
		return "document", captionOr(m, "[document]"), m.Document.FileName
	case m.Voice != nil:
		return "voice", captionOr(m, "[voice message]"), ""
	case m.Audio != nil:
		return "audio", captionOr(m, "[audio]"), m.Audio.FileName
	case m.Video != nil:
		return "video", captionOr(m, "[video]"), m.Video.FileName
	case m.Sticker != nil:
		if m.Sticker.Emoji != "" {
			return "sticker", "[sticker " + m.Sticker.Emoji + "]", ""
		}
		return "sticker", "[sticker]", ""
	case m.Location != nil:
		return "location", fmt.Sprintf("[location %.5f,%.5f]", m.Location.Latitude, m.Location.Longitude), ""
	case m.Contact != nil:
		name := strings.TrimSpace(m.Contact.FirstName + " " + m.Contact.LastName)
		return "contact", fmt.Sprintf("[contact %s %s]", m.Contact.PhoneNumber, name), ""
	default:
		return "unsupported", "[unsupported message]", ""
	}
}

func captionOr(m *Message, placeholder string) string {
	if m.Caption != "" {
		return m.Caption
	}
	return placeholder
}
