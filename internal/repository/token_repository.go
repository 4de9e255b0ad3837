package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"seedr-bot/internal/model"
)

var (
	ErrTokenExists   = errors.New("access token already stored")
	ErrTokenNotFound = errors.New("access token not found")
	ErrTokenTooLong  = errors.New("access token too long")
)

// TokenRepository owns the access_tokens table.
type TokenRepository struct {
	db *gorm.DB
}

func NewTokenRepository(db *gorm.DB) *TokenRepository {
	return &TokenRepository{db: db}
}

func (r *TokenRepository) Exists(ctx context.Context, telegramID int64) (bool, error) {
	var n int64
	err := r.db.WithContext(ctx).Connection(func(conn *gorm.DB) error {
		return conn.Model(&model.AccessToken{}).Where("telegram_id = ?", telegramID).Count(&n).Error
	})
	if err != nil {
		return false, fmt.Errorf("find token: %w", err)
	}
	return n > 0, nil
}

func (r *TokenRepository) Find(ctx context.Context, telegramID int64) (*model.AccessToken, error) {
	var token model.AccessToken
	err := r.db.WithContext(ctx).Where("telegram_id = ?", telegramID).First(&token).Error
	switch {
	case err == nil:
		return &token, nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return nil, ErrTokenNotFound
	default:
		return nil, fmt.Errorf("find token: %w", err)
	}
}

// Save stores token for telegramID. With replace unset an existing row is kept
// and ErrTokenExists is returned; with replace set the stored token is overwritten.
func (r *TokenRepository) Save(ctx context.Context, telegramID int64, token string, replace bool) error {
	if len(token) > model.MaxTokenLength {
		return ErrTokenTooLong
	}

	onConflict := clause.OnConflict{
		Columns:   []clause.Column{{Name: "telegram_id"}},
		DoNothing: true,
	}
	if replace {
		onConflict = clause.OnConflict{
			Columns:   []clause.Column{{Name: "telegram_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"token"}),
		}
	}

	var inserted int64
	err := r.db.WithContext(ctx).Connection(func(conn *gorm.DB) error {
		res := conn.Clauses(onConflict).Create(&model.AccessToken{TelegramID: telegramID, Token: token})
		inserted = res.RowsAffected
		return res.Error
	})
	if err != nil {
		return fmt.Errorf("save token: %w", err)
	}
	if !replace && inserted == 0 {
		return ErrTokenExists
	}
	return nil
}
