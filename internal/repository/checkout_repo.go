package repository

import (
	"context"
	"errors"
	"time"

	"tokenledger/internal/model"

	"gorm.io/gorm"
)

var (
	ErrCheckoutNotFound      = errors.New("购买会话不存在")
	ErrCheckoutStatusInvalid = errors.New("购买会话状态不合法")
)

type CheckoutRepository struct {
	db *gorm.DB
}

func NewCheckoutRepository(db *gorm.DB) *CheckoutRepository {
	return &CheckoutRepository{db: db}
}

func (r *CheckoutRepository) Create(ctx context.Context, tx *gorm.DB, session *model.CheckoutSession) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(session).Error
}

func (r *CheckoutRepository) GetBySessionNo(ctx context.Context, sessionNo string) (*model.CheckoutSession, error) {
	var session model.CheckoutSession
	err := r.db.WithContext(ctx).Where("session_no = ?", sessionNo).First(&session).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCheckoutNotFound
		}
		return nil, err
	}
	return &session, nil
}

// GetByRequestID 按幂等ID查询会话，不存在时返回 nil
func (r *CheckoutRepository) GetByRequestID(ctx context.Context, requestID string) (*model.CheckoutSession, error) {
	var session model.CheckoutSession
	err := r.db.WithContext(ctx).Where("request_id = ?", requestID).First(&session).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &session, nil
}

// UpdateStatus 条件状态迁移
// WHERE 带上旧状态：回调和轮询并发推进时只有一方生效，状态不会回退
func (r *CheckoutRepository) UpdateStatus(ctx context.Context, tx *gorm.DB, sessionNo string, fromStatus, toStatus string) error {
	if !model.CanTransitionTo(fromStatus, toStatus) {
		return ErrCheckoutStatusInvalid
	}

	if tx == nil {
		tx = r.db
	}

	updates := map[string]interface{}{
		"status": toStatus,
	}

	result := tx.WithContext(ctx).
		Model(&model.CheckoutSession{}).
		Where("session_no = ? AND status = ?", sessionNo, fromStatus).
		Updates(updates)

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return ErrCheckoutStatusInvalid
	}

	return nil
}

// MarkCompleted 标记会话完成并记录支付单号
func (r *CheckoutRepository) MarkCompleted(ctx context.Context, tx *gorm.DB, sessionNo string, fromStatus, paymentRef string) error {
	if !model.CanTransitionTo(fromStatus, model.CheckoutStatusCompleted) {
		return ErrCheckoutStatusInvalid
	}

	if tx == nil {
		tx = r.db
	}

	now := time.Now()
	result := tx.WithContext(ctx).
		Model(&model.CheckoutSession{}).
		Where("session_no = ? AND status = ?", sessionNo, fromStatus).
		Updates(map[string]interface{}{
			"status":       model.CheckoutStatusCompleted,
			"payment_ref":  paymentRef,
			"completed_at": &now,
		})

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return ErrCheckoutStatusInvalid
	}

	return nil
}

// GetExpiredSessions 查询已超时但未关闭的会话
func (r *CheckoutRepository) GetExpiredSessions(ctx context.Context, limit int) ([]*model.CheckoutSession, error) {
	var sessions []*model.CheckoutSession
	err := r.db.WithContext(ctx).
		Where("status IN ? AND expired_at < ?",
			[]string{model.CheckoutStatusCreated, model.CheckoutStatusPending}, time.Now()).
		Limit(limit).
		Find(&sessions).Error
	return sessions, err
}

// ListByUserID 分页查询用户的购买会话
func (r *CheckoutRepository) ListByUserID(ctx context.Context, userID string, page, pageSize int) ([]*model.CheckoutSession, int64, error) {
	var sessions []*model.CheckoutSession
	var total int64

	query := r.db.WithContext(ctx).Model(&model.CheckoutSession{}).Where("user_id = ?", userID)

	err := query.Count(&total).Error
	if err != nil {
		return nil, 0, err
	}

	err = query.
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&sessions).Error

	return sessions, total, err
}
