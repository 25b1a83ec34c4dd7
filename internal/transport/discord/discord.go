// Package discord implements the transport Adapter for Discord using the
// Gateway WebSocket.
package discord

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/ap-development/medrelay/internal/logging"
	"github.com/ap-development/medrelay/internal/transport"
)

const (
	// maxRetries is the max number of retries for rate-limited API calls.
	maxRetries = 3
	// baseBackoff is the initial backoff duration for rate-limit retries.
	baseBackoff = 2 * time.Second
	// maxBackoff caps the exponential backoff for rate-limit retries.
	maxBackoff = 2 * time.Minute

	inboundBuffer = 100
)

// defaultSplit keeps reply pieces inside Discord's message size limit.
var defaultSplit = transport.SplitLimits{Hard: 2000}

// session abstracts the discordgo.Session methods we use, enabling test mocks.
type session interface {
	Open() error
	Close() error
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelTyping(channelID string, options ...discordgo.RequestOption) error
	AddHandler(handler interface{}) func()
}

// realSession wraps *discordgo.Session to implement the session interface.
type realSession struct {
	s *discordgo.Session
}

func (r *realSession) Open() error  { return r.s.Open() }
func (r *realSession) Close() error { return r.s.Close() }
func (r *realSession) ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	return r.s.ChannelMessageSend(channelID, content, options...)
}
func (r *realSession) ChannelTyping(channelID string, options ...discordgo.RequestOption) error {
	return r.s.ChannelTyping(channelID, options...)
}
func (r *realSession) AddHandler(handler interface{}) func() {
	return r.s.AddHandler(handler)
}

// Adapter implements transport.Adapter for Discord via the Gateway WebSocket.
// Discord channel ids are numeric snowflakes, so the derived chat id
// round-trips back to the channel without a route table.
type Adapter struct {
	sess  session
	token string
	split transport.SplitLimits
	log   *logging.Logger

	mu            sync.Mutex
	connected     bool
	closed        bool
	botUserID     string
	removeHandler func()

	inbound chan transport.Inbound

	baseBackoff time.Duration
	maxBackoff  time.Duration
}

// Opts holds parameters for creating a Discord Adapter.
type Opts struct {
	Token  string // Discord bot token
	Split  transport.SplitLimits
	Logger *logging.Logger
	// For testing: inject a mock session instead of the real gateway.
	Session session
}

// New creates a Discord Adapter.
func New(opts Opts) (*Adapter, error) {
	if opts.Session == nil && opts.Token == "" {
		return nil, fmt.Errorf("discord: bot token is required")
	}

	split := opts.Split
	if split.Hard <= 0 {
		split = defaultSplit
	}
	log := opts.Logger
	if log == nil {
		log = logging.Nop()
	}

	return &Adapter{
		sess:        opts.Session,
		token:       opts.Token,
		split:       split,
		log:         log.Named("discord"),
		inbound:     make(chan transport.Inbound, inboundBuffer),
		baseBackoff: baseBackoff,
		maxBackoff:  maxBackoff,
	}, nil
}

// Connect establishes the Discord Gateway WebSocket connection. The bot user
// id arrives with the Ready event and is used to filter self-messages;
// discordgo reconnects the gateway on its own after drops.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return fmt.Errorf("discord: adapter already closed")
	}
	if a.connected {
		return nil
	}

	if a.sess == nil {
		dg, err := discordgo.New("Bot " + a.token)
		if err != nil {
			return fmt.Errorf("discord: create session: %w", err)
		}
		dg.Identify.Intents = discordgo.IntentsGuildMessages |
			discordgo.IntentsDirectMessages | discordgo.IntentsMessageContent
		a.sess = &realSession{s: dg}
	}

	a.sess.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
		a.mu.Lock()
		a.botUserID = r.User.ID
		a.mu.Unlock()
		a.log.Info("discord connected", "bot", r.User.Username, "bot_user_id", r.User.ID)
	})
	a.sess.AddHandler(func(_ *discordgo.Session, _ *discordgo.Disconnect) {
		a.log.Warn("gateway disconnected, waiting for automatic reconnect")
	})
	a.sess.AddHandler(func(_ *discordgo.Session, _ *discordgo.Resumed) {
		a.log.Info("gateway session resumed")
	})

	if err := a.sess.Open(); err != nil {
		return fmt.Errorf("discord: open gateway: %w", err)
	}

	a.connected = true
	return nil
}

// BotUserID returns the bot's Discord user id (set by the Ready event).
func (a *Adapter) BotUserID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.botUserID
}

// SetBotUserID sets the bot user id for self-message filtering; normally the
// Ready handler does this.
func (a *Adapter) SetBotUserID(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.botUserID = id
}

// Listen registers the message handler on the gateway session and returns
// the inbound channel. Must be called after Connect.
func (a *Adapter) Listen(ctx context.Context) (<-chan transport.Inbound, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return nil, fmt.Errorf("discord: not connected")
	}
	if a.removeHandler != nil {
		return nil, fmt.Errorf("discord: already listening")
	}

	a.removeHandler = a.sess.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		a.handleMessage(m)
	})
	return a.inbound, nil
}

// Send splits the reply to Discord's message limit and delivers each piece
// to the channel named by the chat id. It returns the id of the first piece.
func (a *Adapter) Send(ctx context.Context, msg transport.Outbound) (int64, error) {
	a.mu.Lock()
	if !a.connected {
		a.mu.Unlock()
		return 0, fmt.Errorf("discord: not connected")
	}
	sess := a.sess
	a.mu.Unlock()

	channel := strconv.FormatInt(msg.ChatID, 10)

	var firstID int64
	for i, piece := range transport.SplitMessage(msg.Text, a.split) {
		var sent *discordgo.Message
		err := a.retryOnRateLimit(ctx, func() error {
			var sendErr error
			sent, sendErr = sess.ChannelMessageSend(channel, piece, discordgo.WithContext(ctx))
			return sendErr
		})
		if err != nil {
			return firstID, fmt.Errorf("discord: send piece %d: %w", i+1, err)
		}
		if i == 0 && sent != nil {
			firstID, _ = strconv.ParseInt(sent.ID, 10, 64)
		}
	}
	return firstID, nil
}

// NotifyTyping shows the typing indicator in the channel. Discord keeps it
// visible for about ten seconds or until the bot sends a message.
func (a *Adapter) NotifyTyping(ctx context.Context, chatID int64) error {
	a.mu.Lock()
	if !a.connected {
		a.mu.Unlock()
		return fmt.Errorf("discord: not connected")
	}
	sess := a.sess
	a.mu.Unlock()

	if err := sess.ChannelTyping(strconv.FormatInt(chatID, 10), discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("discord: typing: %w", err)
	}
	return nil
}

// Close removes the message handler, closes the inbound channel and shuts
// down the gateway connection.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.connected = false
	remove := a.removeHandler
	a.removeHandler = nil
	close(a.inbound)
	a.mu.Unlock()

	if remove != nil {
		remove()
	}
	if a.sess != nil {
		return a.sess.Close()
	}
	return nil
}

// handleMessage converts a gateway message event to an inbound message.
func (a *Adapter) handleMessage(m *discordgo.MessageCreate) {
	if m.Author == nil {
		return
	}

	a.mu.Lock()
	botID := a.botUserID
	a.mu.Unlock()

	if m.Author.ID == botID || m.Author.Bot {
		return
	}

	msg := transport.Inbound{
		Platform:  "discord",
		ChatID:    transport.DeriveChatID(m.ChannelID),
		Username:  m.Author.Username,
		FirstName: m.Author.GlobalName,
	}
	if id, err := strconv.ParseInt(m.ID, 10, 64); err == nil {
		msg.MessageID = id
	}
	if ts, err := discordgo.SnowflakeTimestamp(m.ID); err == nil {
		msg.Timestamp = ts
	}
	msg.ContentType, msg.Text, msg.AttachmentName = classify(m.Message)

	a.deliver(msg)
}

// deliver hands a message to the inbound channel. Gateway handlers run on
// discordgo's goroutines, so delivery is guarded against a concurrent Close
// and drops rather than blocks when the buffer is full.
func (a *Adapter) deliver(msg transport.Inbound) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	select {
	case a.inbound <- msg:
	default:
		a.log.Warn("inbound buffer full, dropping message", "chat_id", msg.ChatID)
	}
}

// classify maps a Discord message to a content type, reply text and
// attachment name.
func classify(m *discordgo.Message) (string, string, string) {
	if len(m.Attachments) > 0 {
		att := m.Attachments[0]
		var contentType, placeholder string
		switch {
		case strings.HasPrefix(att.ContentType, "image/"):
			contentType, placeholder = "photo", "[photo]"
		case strings.HasPrefix(att.ContentType, "audio/"):
			contentType, placeholder = "audio", "[audio]"
		case strings.HasPrefix(att.ContentType, "video/"):
			contentType, placeholder = "video", "[video]"
		default:
			contentType, placeholder = "document", "[document]"
		}
		body := placeholder
		if m.Content != "" {
			body = m.Content
		}
		return contentType, body, att.Filename
	}

	if m.Content != "" {
		return "text", m.Content, ""
	}

	if len(m.StickerItems) > 0 {
		if name := m.StickerItems[0].Name; name != "" {
			return "sticker", "[sticker " + name + "]", ""
		}
		return "sticker", "[sticker]", ""
	}

	return "unsupported", "[unsupported message]", ""
}

// retryOnRateLimit calls fn and retries with exponential backoff on Discord
// rate limit errors. It respects context cancellation.
func (a *Adapter) retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		var restErr *discordgo.RESTError
		if !errors.As(err, &restErr) || restErr.Response == nil ||
			restErr.Response.StatusCode != http.StatusTooManyRequests {
			return err
		}
		if attempt == maxRetries {
			return err
		}

		wait := time.Duration(math.Pow(2, float64(attempt))) * a.baseBackoff
		if wait > a.maxBackoff {
			wait = a.maxBackoff
		}
		a.log.Warn("rate limited", "attempt", attempt+1, "max_attempts", maxRetries, "retry_in", wait)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil // unreachable
}
