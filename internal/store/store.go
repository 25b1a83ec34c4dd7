// Package store persists conversation traffic: user profiles and the
// message rows that make up each turn, plus the read queries behind the
// admin API.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ap-development/medrelay/internal/models"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

// Store wraps the relational database.
type Store struct {
	db *gorm.DB
}

// New creates a Store.
func New(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("store: db is required")
	}
	return &Store{db: db}, nil
}

// UserProfile is the sender identity carried on an inbound message.
type UserProfile struct {
	ChatID       int64
	Username     string
	FirstName    string
	LastName     string
	LanguageCode string
}

// UpsertUser refreshes the user's profile row and bumps the message counter.
// first_seen is written once and never updated.
func (s *Store) UpsertUser(ctx context.Context, p UserProfile) error {
	now := time.Now()
	user := models.User{
		ChatID:        p.ChatID,
		Username:      p.Username,
		FirstName:     p.FirstName,
		LastName:      p.LastName,
		LanguageCode:  p.LanguageCode,
		FirstSeen:     now,
		LastSeen:      now,
		MessagesTotal: 1,
	}
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "chat_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"username":       p.Username,
			"first_name":     p.FirstName,
			"last_name":      p.LastName,
			"language_code":  p.LanguageCode,
			"last_seen":      now,
			"messages_total": gorm.Expr("messages_total + 1"),
		}),
	}).Create(&user)
	if result.Error != nil {
		return fmt.Errorf("store: upsert user %d: %w", p.ChatID, result.Error)
	}
	return nil
}

// Turn is one half of an exchange headed for the messages table.
type Turn struct {
	ChatID         int64
	Direction      int16
	ExternalID     *int64 // platform message id, when the platform assigns one
	Text           string
	ContentType    string // "" defaults to "text"
	AttachmentName string
	CreatedAt      time.Time // zero means now
}

// RecordTurn writes one message row. When the platform supplied a message id
// the write is idempotent: a redelivered update or a retried persist lands on
// the (chat_id, direction, message_id) unique index and does nothing.
func (s *Store) RecordTurn(ctx context.Context, t Turn) error {
	msg := models.Message{
		ChatID:         t.ChatID,
		Direction:      t.Direction,
		ExternalID:     t.ExternalID,
		Text:           t.Text,
		ContentType:    t.ContentType,
		AttachmentName: t.AttachmentName,
		CreatedAt:      t.CreatedAt,
	}
	if msg.ContentType == "" {
		msg.ContentType = "text"
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "chat_id"}, {Name: "direction"}, {Name: "message_id"}},
		DoNothing: true,
	}).Create(&msg)
	if result.Error != nil {
		return fmt.Errorf("store: record turn for chat %d: %w", t.ChatID, result.Error)
	}
	return nil
}

// MessageQuery filters and pages the messages listing. Zero values mean
// "no filter"; Limit is clamped to 1..200 with a default of 50.
type MessageQuery struct {
	ChatID      int64
	Direction   *int16
	ContentType string
	Q           string // case-insensitive substring over text
	BeforeID    int64  // rows with id strictly below
	AfterID     int64  // rows with id strictly above
	Limit       int
	Ascending   bool
}

// ListMessages returns one page of stored messages, id-ordered.
func (s *Store) ListMessages(ctx context.Context, q MessageQuery) ([]models.Message, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	tx := s.db.WithContext(ctx).Model(&models.Message{})
	if q.ChatID != 0 {
		tx = tx.Where("chat_id = ?", q.ChatID)
	}
	if q.Direction != nil {
		tx = tx.Where("direction = ?", *q.Direction)
	}
	if q.ContentType != "" {
		tx = tx.Where("content_type = ?", q.ContentType)
	}
	if q.Q != "" {
		tx = tx.Where("LOWER(text) LIKE ?", "%"+strings.ToLower(q.Q)+"%")
	}
	if q.BeforeID > 0 {
		tx = tx.Where("id < ?", q.BeforeID)
	}
	if q.AfterID > 0 {
		tx = tx.Where("id > ?", q.AfterID)
	}
	order := "id DESC"
	if q.Ascending {
		order = "id ASC"
	}

	var msgs []models.Message
	if err := tx.Order(order).Limit(limit).Find(&msgs).Error; err != nil {
		return nil, fmt.Errorf("store: list messages: %w", err)
	}
	return msgs, nil
}

// ChatSummary is one chat's activity counters for the chats listing.
type ChatSummary struct {
	ChatID        int64
	Username      string
	FirstName     string
	LastName      string
	LastMessageAt time.Time
	PeriodCount   int64
	TotalCount    int64
}

// ChatSummaries lists every chat with traffic, most recently active first,
// counting messages since the given cutoff alongside the all-time total.
func (s *Store) ChatSummaries(ctx context.Context, since time.Time) ([]ChatSummary, error) {
	var rows []ChatSummary
	err := s.db.WithContext(ctx).Model(&models.Message{}).
		Select(`messages.chat_id AS chat_id,
			COALESCE(users.username, '') AS username,
			COALESCE(users.first_name, '') AS first_name,
			COALESCE(users.last_name, '') AS last_name,
			MAX(messages.created_at) AS last_message_at,
			COUNT(*) AS total_count,
			SUM(CASE WHEN messages.created_at >= ? THEN 1 ELSE 0 END) AS period_count`, since).
		Joins("LEFT JOIN users ON users.chat_id = messages.chat_id").
		Group("messages.chat_id, users.username, users.first_name, users.last_name").
		Order("last_message_at DESC").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("store: chat summaries: %w", err)
	}
	return rows, nil
}

// Summary is the analytics aggregate for the admin API.
type Summary struct {
	TotalUsers    int64
	NewUsers      int64
	TotalMessages int64
	Inbound       int64
	Outbound      int64
	ActiveChats   int64
}

// Analytics computes the summary in a single round trip. Period-scoped
// numbers count from the given cutoff.
func (s *Store) Analytics(ctx context.Context, since time.Time) (Summary, error) {
	var out Summary
	err := s.db.WithContext(ctx).Raw(`SELECT
		(SELECT COUNT(*) FROM users) AS total_users,
		(SELECT COUNT(*) FROM users WHERE first_seen >= ?) AS new_users,
		(SELECT COUNT(*) FROM messages) AS total_messages,
		(SELECT COUNT(*) FROM messages WHERE direction = ? AND created_at >= ?) AS inbound,
		(SELECT COUNT(*) FROM messages WHERE direction = ? AND created_at >= ?) AS outbound,
		(SELECT COUNT(DISTINCT chat_id) FROM messages WHERE created_at >= ?) AS active_chats`,
		since, models.DirectionIn, since, models.DirectionOut, since, since,
	).Scan(&out).Error
	if err != nil {
		return Summary{}, fmt.Errorf("store: analytics: %w", err)
	}
	return out, nil
}
