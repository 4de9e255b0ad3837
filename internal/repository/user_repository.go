package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"seedr-bot/internal/model"
)

var ErrUserNotFound = errors.New("user not found")

// UserRepository owns the users table.
type UserRepository struct {
	db *gorm.DB
}

func NewUserRepository(db *gorm.DB) *UserRepository {
	return &UserRepository{db: db}
}

// EnsureUser inserts a user row for telegramID unless one already exists.
// It is a single INSERT ... ON CONFLICT DO NOTHING, so concurrent calls for the
// same id leave exactly one row and an existing username is never overwritten.
// created reports whether this call inserted the row.
func (r *UserRepository) EnsureUser(ctx context.Context, telegramID int64, username string) (created bool, err error) {
	user := model.User{TelegramID: telegramID}
	if username != "" {
		user.TelegramUsername = &username
	}

	err = r.db.WithContext(ctx).Connection(func(conn *gorm.DB) error {
		res := conn.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "telegram_id"}},
			DoNothing: true,
		}).Create(&user)
		if res.Error != nil {
			return res.Error
		}
		created = res.RowsAffected == 1
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("ensure user %d: %w", telegramID, err)
	}
	return created, nil
}

// Find loads the registered user for telegramID.
func (r *UserRepository) Find(ctx context.Context, telegramID int64) (*model.User, error) {
	var users []model.User
	err := r.db.WithContext(ctx).
		Where(&model.User{TelegramID: telegramID}).
		Limit(1).
		Find(&users).Error
	if err != nil {
		return nil, fmt.Errorf("find user %d: %w", telegramID, err)
	}
	if len(users) == 0 {
		return nil, ErrUserNotFound
	}
	return &users[0], nil
}

// Count returns the number of rows stored for telegramID, or all rows when telegramID is zero.
func (r *UserRepository) Count(ctx context.Context, telegramID int64) (int64, error) {
	var n int64
	q := r.db.WithContext(ctx).Model(&model.User{})
	if telegramID != 0 {
		q = q.Where("telegram_id = ?", telegramID)
	}
	if err := q.Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count users: %w", err)
	}
	return n, nil
}
