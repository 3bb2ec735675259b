package repository

import (
	"context"
	"errors"

	"tokenledger/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrUserNotFound = errors.New("用户不存在")
)

type UserRepository struct {
	db *gorm.DB
}

func NewUserRepository(db *gorm.DB) *UserRepository {
	return &UserRepository{db: db}
}

func (r *UserRepository) GetByUserID(ctx context.Context, userID string) (*model.User, error) {
	var user model.User
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

// GetOrCreate 查询用户，不存在则创建（余额为 0）
// OnConflict DoNothing 保证并发首次入账时只会有一行
func (r *UserRepository) GetOrCreate(ctx context.Context, userID string) (*model.User, error) {
	user, err := r.GetByUserID(ctx, userID)
	if err == nil {
		return user, nil
	}

	if !errors.Is(err, ErrUserNotFound) {
		return nil, err
	}

	newUser := &model.User{
		UserID:       userID,
		TokenBalance: 0,
	}

	err = r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoNothing: true,
		}).
		Create(newUser).Error

	if err != nil {
		return nil, err
	}

	return r.GetByUserID(ctx, userID)
}

// AdjustBalance 调整冗余余额（delta 正数入账、负数出账）
// 只维护缓存列，不做余额校验 —— 余额前置校验以代币行计数为准
func (r *UserRepository) AdjustBalance(ctx context.Context, tx *gorm.DB, userID string, delta int64) error {
	if tx == nil {
		tx = r.db
	}

	result := tx.WithContext(ctx).
		Model(&model.User{}).
		Where("user_id = ?", userID).
		Updates(map[string]interface{}{
			"token_balance": gorm.Expr("token_balance + ?", delta),
			"version":       gorm.Expr("version + 1"),
		})

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return ErrUserNotFound
	}

	return nil
}

// OverwriteBalance 用权威口径的重算结果覆写冗余余额（对账专用）
func (r *UserRepository) OverwriteBalance(ctx context.Context, tx *gorm.DB, userID string, balance int64) error {
	if tx == nil {
		tx = r.db
	}

	result := tx.WithContext(ctx).
		Model(&model.User{}).
		Where("user_id = ?", userID).
		Updates(map[string]interface{}{
			"token_balance": balance,
			"version":       gorm.Expr("version + 1"),
		})

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return ErrUserNotFound
	}

	return nil
}

// ListRecentlyUpdated 查询最近有写活动的用户（对账巡检用）
func (r *UserRepository) ListRecentlyUpdated(ctx context.Context, limit int) ([]*model.User, error) {
	var users []*model.User
	err := r.db.WithContext(ctx).
		Order("updated_at DESC").
		Limit(limit).
		Find(&users).Error
	return users, err
}
