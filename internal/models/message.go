package models

import "time"

// Message direction values.
const (
	DirectionIn  int16 = 0 // from the user to the assistant
	DirectionOut int16 = 1 // from the assistant to the user
)

// Message is one stored half of a turn: an inbound user message or an
// outbound assistant reply. ExternalID is the platform's message identifier
// (column message_id); when present, (chat_id, direction, message_id) is
// unique so redelivered webhooks and retried writes cannot produce duplicate
// rows.
type Message struct {
	ID             int64     `gorm:"primaryKey;autoIncrement"`
	ChatID         int64     `gorm:"not null;index:idx_messages_chat;uniqueIndex:idx_messages_external,priority:1"`
	Direction      int16     `gorm:"not null;uniqueIndex:idx_messages_external,priority:2"`
	ExternalID     *int64    `gorm:"column:message_id;uniqueIndex:idx_messages_external,priority:3"`
	Text           string    `gorm:"type:text"`
	ContentType    string    `gorm:"size:32;default:text"`
	AttachmentName string    `gorm:"size:256"`
	CreatedAt      time.Time `gorm:"index"`
}
