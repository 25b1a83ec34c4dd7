// Package slack implements the transport Adapter for Slack using Socket Mode.
package slack

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	slackapi "github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/ap-development/medrelay/internal/logging"
	"github.com/ap-development/medrelay/internal/transport"
)

const (
	// maxRetries is the max number of retries for rate-limited API calls.
	maxRetries = 3
	// baseBackoff is the initial backoff duration for reconnection.
	baseBackoff = 2 * time.Second
	// maxBackoff caps the exponential backoff for reconnection.
	maxBackoff = 2 * time.Minute
	// maxReconnectAttempts limits reconnection retries before giving up.
	maxReconnectAttempts = 10

	inboundBuffer = 100
)

// defaultSplit keeps reply pieces inside Slack's message size limit.
var defaultSplit = transport.SplitLimits{Hard: 4000}

// slackClient abstracts the Slack Web API methods the adapter calls,
// enabling test doubles.
type slackClient interface {
	AuthTestContext(ctx context.Context) (*slackapi.AuthTestResponse, error)
	PostMessageContext(ctx context.Context, channelID string, options ...slackapi.MsgOption) (string, string, error)
	GetUserInfoContext(ctx context.Context, userID string) (*slackapi.User, error)
}

// socketClient abstracts the Socket Mode client methods we use.
type socketClient interface {
	RunContext(ctx context.Context) error
	EventsChan() chan socketmode.Event
	Ack(req socketmode.Request, payload ...interface{})
}

// realSocketClient wraps *socketmode.Client to implement socketClient.
type realSocketClient struct {
	client *socketmode.Client
}

func (r *realSocketClient) RunContext(ctx context.Context) error { return r.client.RunContext(ctx) }
func (r *realSocketClient) EventsChan() chan socketmode.Event    { return r.client.Events }
func (r *realSocketClient) Ack(req socketmode.Request, payload ...interface{}) {
	r.client.Ack(req, payload...)
}

// Adapter implements transport.Adapter for Slack Socket Mode. Slack channel
// ids are strings, so each conversation is keyed by the chat id derived from
// its channel, and the adapter remembers which channel a chat id came from
// to route replies back.
type Adapter struct {
	client slackClient
	socket socketClient

	appToken string
	botToken string
	split    transport.SplitLimits
	log      *logging.Logger

	mu        sync.Mutex
	connected bool
	closed    bool
	listening bool
	botUserID string
	routes    map[int64]string // chat id -> slack channel id

	inbound    chan transport.Inbound
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup

	baseBackoff  time.Duration
	maxBackoff   time.Duration
	maxReconnect int
}

// Opts holds parameters for creating a Slack Adapter.
type Opts struct {
	AppToken string // xapp-... app-level token for Socket Mode
	BotToken string // xoxb-... bot token
	Split    transport.SplitLimits
	Logger   *logging.Logger
	// For testing: inject doubles instead of the real Slack clients.
	Client slackClient
	Socket socketClient
}

// New creates a Slack Adapter.
func New(opts Opts) (*Adapter, error) {
	if opts.Client == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("slack: bot token is required")
	}
	if opts.Socket == nil && opts.AppToken == "" {
		return nil, fmt.Errorf("slack: app token is required for socket mode")
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
		client:       opts.Client,
		socket:       opts.Socket,
		appToken:     opts.AppToken,
		botToken:     opts.BotToken,
		split:        split,
		log:          log.Named("slack"),
		routes:       make(map[int64]string),
		inbound:      make(chan transport.Inbound, inboundBuffer),
		baseBackoff:  baseBackoff,
		maxBackoff:   maxBackoff,
		maxReconnect: maxReconnectAttempts,
	}, nil
}

// Connect builds the Slack clients if none were injected and verifies the
// bot token, capturing the bot user id for self-message filtering.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return fmt.Errorf("slack: adapter already closed")
	}
	if a.connected {
		return nil
	}

	if a.client == nil {
		api := slackapi.New(a.botToken, slackapi.OptionAppLevelToken(a.appToken))
		a.client = api
		a.socket = &realSocketClient{client: socketmode.New(api)}
	}

	auth, err := a.client.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack: auth test: %w", err)
	}
	a.botUserID = auth.UserID

	a.connected = true
	a.log.Info("slack connected", "bot_user_id", auth.UserID, "team", auth.Team)
	return nil
}

// BotUserID returns the bot's Slack user id (available after Connect).
func (a *Adapter) BotUserID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.botUserID
}

// Listen starts the Socket Mode loop and the event pump. The returned
// channel closes when the pump exits, on Close or context cancellation.
// Must be called after Connect.
func (a *Adapter) Listen(ctx context.Context) (<-chan transport.Inbound, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return nil, fmt.Errorf("slack: not connected")
	}
	if a.listening {
		return nil, fmt.Errorf("slack: already listening")
	}

	listenCtx, cancel := context.WithCancel(ctx)
	a.cancelFunc = cancel
	a.listening = true

	a.wg.Add(2)
	go a.runWithReconnect(listenCtx)
	go a.pumpEvents(listenCtx)

	return a.inbound, nil
}

// Send splits the reply to Slack's message limit and posts each piece to the
// channel the chat id was derived from. It returns the id of the first piece.
func (a *Adapter) Send(ctx context.Context, msg transport.Outbound) (int64, error) {
	a.mu.Lock()
	if !a.connected {
		a.mu.Unlock()
		return 0, fmt.Errorf("slack: not connected")
	}
	channel := a.routes[msg.ChatID]
	a.mu.Unlock()

	if channel == "" {
		return 0, fmt.Errorf("slack: no known channel for chat %d", msg.ChatID)
	}

	var firstID int64
	for i, piece := range transport.SplitMessage(msg.Text, a.split) {
		var ts string
		err := retryOnRateLimit(ctx, func() error {
			var postErr error
			_, ts, postErr = a.client.PostMessageContext(ctx, channel, slackapi.MsgOptionText(piece, false))
			return postErr
		})
		if err != nil {
			return firstID, fmt.Errorf("slack: send piece %d: %w", i+1, err)
		}
		if i == 0 {
			firstID = messageIDFromTS(ts)
		}
	}
	return firstID, nil
}

// Close stops the Socket Mode loop and waits for the event pump to exit.
// The inbound channel is closed by the pump, never here, so a racing event
// cannot hit a closed channel.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.connected = false
	cancel := a.cancelFunc
	listening := a.listening
	a.mu.Unlock()

	if !listening {
		close(a.inbound)
		return nil
	}
	cancel()
	a.wg.Wait()
	return nil
}

// runWithReconnect runs the Socket Mode client and retries with exponential
// backoff when it exits with an error.
func (a *Adapter) runWithReconnect(ctx context.Context) {
	defer a.wg.Done()
	for attempt := 0; attempt < a.maxReconnect; attempt++ {
		err := a.socket.RunContext(ctx)
		if err == nil || ctx.Err() != nil {
			return
		}

		wait := time.Duration(math.Pow(2, float64(attempt))) * a.baseBackoff
		if wait > a.maxBackoff {
			wait = a.maxBackoff
		}
		a.log.Warn("socket mode disconnected",
			"attempt", attempt+1, "max_attempts", a.maxReconnect, "retry_in", wait, "error", err)

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
	a.log.Error("socket mode reconnect attempts exhausted", "attempts", a.maxReconnect)
}

// pumpEvents reads Socket Mode events and converts them to inbound messages.
// It is the sole writer and closer of the inbound channel.
func (a *Adapter) pumpEvents(ctx context.Context) {
	defer a.wg.Done()
	defer close(a.inbound)

	events := a.socket.EventsChan()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			a.handleSocketEvent(ctx, evt)
		}
	}
}

// handleSocketEvent processes a single Socket Mode event.
func (a *Adapter) handleSocketEvent(ctx context.Context, evt socketmode.Event) {
	switch evt.Type {
	case socketmode.EventTypeEventsAPI:
		apiEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
		if !ok {
			return
		}
		if evt.Request != nil {
			a.socket.Ack(*evt.Request)
		}
		a.handleEventsAPI(ctx, apiEvent)

	case socketmode.EventTypeConnecting:
		a.log.Debug("connecting to socket mode")

	case socketmode.EventTypeConnected:
		a.log.Info("socket mode connected")

	case socketmode.EventTypeConnectionError:
		a.log.Warn("socket mode connection error", "data", evt.Data)

	case socketmode.EventTypeDisconnect:
		a.log.Info("server requested disconnect, will reconnect")
	}
}

// handleEventsAPI processes Events API callbacks.
func (a *Adapter) handleEventsAPI(ctx context.Context, event slackevents.EventsAPIEvent) {
	if event.Type != slackevents.CallbackEvent {
		return
	}
	switch ev := event.InnerEvent.Data.(type) {
	case *slackevents.MessageEvent:
		a.handleMessage(ctx, ev)
	case *slackevents.AppMentionEvent:
		a.handleMention(ctx, ev)
	}
}

// handleMessage converts a Slack message event. Besides plain messages it
// accepts the file_share subtype so uploads reach the conversation; every
// other subtype (edits, deletes, joins, bot chatter) is dropped.
func (a *Adapter) handleMessage(ctx context.Context, ev *slackevents.MessageEvent) {
	a.mu.Lock()
	botID := a.botUserID
	a.mu.Unlock()

	if ev.User == "" || ev.User == botID || ev.BotID != "" {
		return
	}
	if ev.SubType != "" && ev.SubType != "file_share" {
		return
	}

	a.deliver(ctx, a.buildInbound(ctx, ev.User, ev.Channel, ev.TimeStamp, ev.Text, ev.Files))
}

// handleMention covers channels where the relay only sees @mentions. The
// event carries the same ts as the underlying message, so when both
// subscriptions are active the duplicate collapses downstream.
func (a *Adapter) handleMention(ctx context.Context, ev *slackevents.AppMentionEvent) {
	a.mu.Lock()
	botID := a.botUserID
	a.mu.Unlock()

	if ev.User == "" || ev.User == botID || ev.BotID != "" {
		return
	}

	text := stripMention(ev.Text, botID)
	a.deliver(ctx, a.buildInbound(ctx, ev.User, ev.Channel, ev.TimeStamp, text, nil))
}

// buildInbound normalizes a Slack message into the shared inbound shape,
// resolving the sender's profile and classifying attachments.
func (a *Adapter) buildInbound(ctx context.Context, userID, channel, ts, text string, files []slackevents.File) transport.Inbound {
	chatID := transport.DeriveChatID(channel)

	a.mu.Lock()
	a.routes[chatID] = channel
	a.mu.Unlock()

	msg := transport.Inbound{
		Platform:  "slack",
		ChatID:    chatID,
		MessageID: messageIDFromTS(ts),
		Timestamp: timeFromTS(ts),
	}
	msg.ContentType, msg.Text, msg.AttachmentName = classify(text, files)

	if user, err := a.client.GetUserInfoContext(ctx, userID); err == nil {
		msg.Username = user.Profile.DisplayName
		if msg.Username == "" {
			msg.Username = user.Name
		}
		msg.FirstName = user.Profile.FirstName
		msg.LastName = user.Profile.LastName
		if msg.FirstName == "" {
			msg.FirstName = user.RealName
		}
	} else {
		msg.Username = userID
	}
	return msg
}

// deliver hands an inbound message to the channel, giving up on shutdown.
// Only called from the pump goroutine.
func (a *Adapter) deliver(ctx context.Context, msg transport.Inbound) {
	select {
	case a.inbound <- msg:
	case <-ctx.Done():
	}
}

// classify maps a Slack message to a content type, reply text and attachment
// name. Uploads carry a mimetype; everything else is plain text.
func classify(text string, files []slackevents.File) (string, string, string) {
	if len(files) == 0 {
		return "text", text, ""
	}

	f := files[0]
	var contentType, placeholder string
	switch {
	case strings.HasPrefix(f.Mimetype, "image/"):
		contentType, placeholder = "photo", "[photo]"
	case strings.HasPrefix(f.Mimetype, "audio/"):
		contentType, placeholder = "audio", "[audio]"
	case strings.HasPrefix(f.Mimetype, "video/"):
		contentType, placeholder = "video", "[video]"
	default:
		contentType, placeholder = "document", "[document]"
	}

	body := placeholder
	if text != "" {
		body = text
	}
	return contentType, body, f.Name
}

// stripMention removes the bot's own @mention tag so the assistant sees the
// question, not the addressing.
func stripMention(text, botUserID string) string {
	if botUserID == "" {
		return strings.TrimSpace(text)
	}
	return strings.TrimSpace(strings.ReplaceAll(text, "<@"+botUserID+">", ""))
}

// retryOnRateLimit calls fn and retries with backoff on Slack rate limit
// errors. It respects context cancellation and the RetryAfter duration
// reported by Slack.
func retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		var rle *slackapi.RateLimitedError
		if !errors.As(err, &rle) {
			return err
		}
		if attempt == maxRetries {
			return err
		}

		wait := rle.RetryAfter
		if wait <= 0 {
			wait = time.Duration(math.Pow(2, float64(attempt))) * time.Second
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil // unreachable
}

// messageIDFromTS converts a Slack message timestamp ("1726053835.000200")
// to a numeric id by dropping the dot. Slack keeps the ts unique per channel,
// so the derived id is unique per chat.
func messageIDFromTS(ts string) int64 {
	id, err := strconv.ParseInt(strings.Replace(ts, ".", "", 1), 10, 64)
	if err != nil {
		return 0
	}
	return id
}

// timeFromTS converts the seconds part of a Slack timestamp to a time.Time.
func timeFromTS(ts string) time.Time {
	sec, err := strconv.ParseInt(strings.SplitN(ts, ".", 2)[0], 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(sec, 0)
}
