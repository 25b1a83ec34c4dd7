// Package transport is the chat platform boundary: adapters connect to a
// platform, yield normalized inbound messages and deliver assistant replies.
package transport

import (
	"context"
	"hash/fnv"
	"strconv"
	"time"
)

// Adapter is the interface platform implementations must satisfy. Each
// adapter owns connection management, inbound normalization and outbound
// delivery (including splitting to the platform's message size limits) for
// a single chat platform.
type Adapter interface {
	// Connect establishes a connection to the platform.
	Connect(ctx context.Context) error

	// Listen returns a channel of inbound messages. The channel is closed
	// when the context is cancelled or the adapter is closed. Listen must
	// only be called after Connect.
	Listen(ctx context.Context) (<-chan Inbound, error)

	// Send delivers reply text to a chat, split to platform limits. It
	// returns the platform message id of the first delivered piece, or 0
	// when the platform does not expose one.
	Send(ctx context.Context, msg Outbound) (int64, error)

	// Close gracefully shuts down the adapter connection.
	Close() error
}

// TypingNotifier is an optional interface for adapters whose platform shows
// a typing indicator while the assistant is thinking.
type TypingNotifier interface {
	NotifyTyping(ctx context.Context, chatID int64) error
}

// Inbound is a user message normalized from a platform update.
type Inbound struct {
	Platform       string // "telegram", "slack", "discord"
	ChatID         int64  // canonical conversation key
	MessageID      int64  // platform message id; 0 when the platform has none
	Text           string // message text, or a placeholder for attachments
	ContentType    string // "text" or the attachment kind
	AttachmentName string
	Username       string
	FirstName      string
	LastName       string
	LanguageCode   string
	Timestamp      time.Time
}

// Outbound is a reply headed back to the platform.
type Outbound struct {
	ChatID int64
	Text   string
}

// DeriveChatID maps a platform conversation identifier onto the canonical
// int64 chat key used by the lock, the thread registry and storage. Numeric
// identifiers pass through unchanged; string identifiers hash to a stable
// positive value.
func DeriveChatID(externalID string) int64 {
	if n, err := strconv.ParseInt(externalID, 10, 64); err == nil {
		return n
	}
	h := fnv.New64a()
	h.Write([]byte(externalID))
	return int64(h.Sum64() &^ (1 << 63))
}
