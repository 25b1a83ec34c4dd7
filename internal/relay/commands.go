package relay

import (
	"context"
	"strings"

	"github.com/ap-development/medrelay/internal/transport"
)

// User-facing message text. The assistant owns the actual conversation;
// these cover the seams around it.
const (
	greetingText = "Hi! Send me a message and I'll pass it to the assistant. " +
		"Use /new to start the conversation over."
	resetText   = "Started a fresh conversation. Previous context is gone."
	busyText    = "I'm still working on your previous message — please try again in a moment."
	apologyText = "Sorry, I could not process your message. Please try again."
)

// command extracts the bot command from a message, or "" when the message is
// ordinary text. "/start@SomeBot" counts as "/start".
func command(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return ""
	}
	cmd, _, _ := strings.Cut(text, " ")
	cmd, _, _ = strings.Cut(cmd, "@")
	return cmd
}

// handleCommand serves /start and /new. It returns false for anything else,
// which then flows to the assistant as a normal turn.
func (d *Daemon) handleCommand(ctx context.Context, msg transport.Inbound) bool {
	switch command(msg.Text) {
	case "/start":
		d.reply(ctx, msg.ChatID, greetingText)
		return true
	case "/new":
		if err := d.registry.Reset(ctx, msg.ChatID); err != nil {
			d.log.Error("thread reset", "chat_id", msg.ChatID, "error", err)
			d.reply(ctx, msg.ChatID, apologyText)
			return true
		}
		d.log.Info("thread reset by user", "chat_id", msg.ChatID)
		d.reply(ctx, msg.ChatID, resetText)
		return true
	}
	return false
}
