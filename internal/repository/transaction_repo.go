package repository

import (
	"context"
	"errors"

	"tokenledger/internal/model"

	"gorm.io/gorm"
)

type TransactionRepository struct {
	db *gorm.DB
}

func NewTransactionRepository(db *gorm.DB) *TransactionRepository {
	return &TransactionRepository{db: db}
}

// Create 追加一条流水
// 若幂等键撞上唯一索引，gorm（TranslateError 开启时）会返回
// gorm.ErrDuplicatedKey，由账本服务识别为"已处理"
func (r *TransactionRepository) Create(ctx context.Context, tx *gorm.DB, record *model.TransactionRecord) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(record).Error
}

// GetByIdempotencyKey 按幂等键查询流水，不存在时返回 nil
func (r *TransactionRepository) GetByIdempotencyKey(ctx context.Context, tx *gorm.DB, key string) (*model.TransactionRecord, error) {
	if tx == nil {
		tx = r.db
	}
	var record model.TransactionRecord
	err := tx.WithContext(ctx).Where("idempotency_key = ?", key).First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

// GetByRefIDAndType 按关联ID和类型查询流水（托管/释放按任务ID对应）
func (r *TransactionRepository) GetByRefIDAndType(ctx context.Context, tx *gorm.DB, refID, recordType string) (*model.TransactionRecord, error) {
	if tx == nil {
		tx = r.db
	}
	var record model.TransactionRecord
	err := tx.WithContext(ctx).
		Where("ref_id = ? AND type = ?", refID, recordType).
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

// GetByTransactionNo 按流水号查询
func (r *TransactionRepository) GetByTransactionNo(ctx context.Context, transactionNo string) (*model.TransactionRecord, error) {
	var record model.TransactionRecord
	err := r.db.WithContext(ctx).Where("transaction_no = ?", transactionNo).First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

// CountByAccount 统计涉及某账户的流水条数
// 作为余额缓存的指纹：条数变了说明这期间发生过写操作，缓存必须重算
func (r *TransactionRepository) CountByAccount(ctx context.Context, account string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&model.TransactionRecord{}).
		Where("from_account = ? OR to_account = ?", account, account).
		Count(&count).Error
	return count, err
}

// ListByAccount 分页查询某账户的流水（出账 + 入账）
func (r *TransactionRepository) ListByAccount(ctx context.Context, account string, page, pageSize int) ([]*model.TransactionRecord, int64, error) {
	var records []*model.TransactionRecord
	var total int64

	query := r.db.WithContext(ctx).
		Model(&model.TransactionRecord{}).
		Where("from_account = ? OR to_account = ?", account, account)

	err := query.Count(&total).Error
	if err != nil {
		return nil, 0, err
	}

	err = query.
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&records).Error

	return records, total, err
}
