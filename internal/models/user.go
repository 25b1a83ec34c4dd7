package models

import "time"

// User is a chat participant profile, upserted from inbound message metadata.
type User struct {
	ChatID        int64     `gorm:"primaryKey"`
	Username      string    `gorm:"size:64;index"`
	FirstName     string    `gorm:"size:128"`
	LastName      string    `gorm:"size:128"`
	LanguageCode  string    `gorm:"size:16"`
	FirstSeen     time.Time
	LastSeen      time.Time `gorm:"index"`
	MessagesTotal int64     `gorm:"default:0"`
}
