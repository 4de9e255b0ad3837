package model

import "time"

// MaxTokenLength bounds the serialized credential stored per user.
const MaxTokenLength = 512

// AccessToken holds the linked Seedr credential of a Telegram user.
type AccessToken struct {
	TelegramID int64  `gorm:"primaryKey;autoIncrement:false"`
	Token      string `gorm:"type:varchar(512);not null"`
	CreatedAt  time.Time
}
