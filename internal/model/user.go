package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// User stores Telegram user metadata.
type User struct {
	ID               string  `gorm:"type:varchar(36);primaryKey"`
	TelegramID       int64   `gorm:"uniqueIndex;not null"`
	TelegramUsername *string `gorm:"type:varchar(255)"`
	CreatedAt        time.Time
}

func (u *User) BeforeCreate(tx *gorm.DB) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	return nil
}
