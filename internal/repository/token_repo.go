package repository

import (
	"context"
	"errors"

	"tokenledger/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrTokenConflict = errors.New("代币已被并发操作占用，请重试")
)

type TokenRepository struct {
	db *gorm.DB
}

func NewTokenRepository(db *gorm.DB) *TokenRepository {
	return &TokenRepository{db: db}
}

// CreateBatch 批量插入新铸代币
func (r *TokenRepository) CreateBatch(ctx context.Context, tx *gorm.DB, tokens []*model.Token) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(tokens).Error
}

// CountActiveByOwner 统计某账户名下活跃代币数量
// 这是余额的权威口径：balance == count(owner = account AND status = ACTIVE)
func (r *TokenRepository) CountActiveByOwner(ctx context.Context, tx *gorm.DB, owner string) (int64, error) {
	if tx == nil {
		tx = r.db
	}
	var count int64
	err := tx.WithContext(ctx).
		Model(&model.Token{}).
		Where("owner = ? AND status = ?", owner, model.TokenStatusActive).
		Count(&count).Error
	return count, err
}

// SelectActiveForUpdate 选取某账户名下 amount 枚活跃代币并加行锁
//
// 【关键点】按主键升序选币：选币顺序确定，同账户的并发事务会按相同
// 顺序竞争同一批行锁，不会出现两个事务各锁一半互相等待
//
// SQLite（测试方言）不支持 FOR UPDATE，此时退化为普通查询，
// 超选由 Reassign 的条件更新兜底
func (r *TokenRepository) SelectActiveForUpdate(ctx context.Context, tx *gorm.DB, owner string, amount int64) ([]*model.Token, error) {
	query := tx.WithContext(ctx).
		Where("owner = ? AND status = ?", owner, model.TokenStatusActive).
		Order("id ASC").
		Limit(int(amount))

	if tx.Dialector.Name() == "mysql" {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}

	var tokens []*model.Token
	err := query.Find(&tokens).Error
	return tokens, err
}

// GetByTokenNosForUpdate 按代币编号取行并加锁（托管释放路径）
func (r *TokenRepository) GetByTokenNosForUpdate(ctx context.Context, tx *gorm.DB, tokenNos []string) ([]*model.Token, error) {
	query := tx.WithContext(ctx).
		Where("token_no IN ?", tokenNos).
		Order("id ASC")

	if tx.Dialector.Name() == "mysql" {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}

	var tokens []*model.Token
	err := query.Find(&tokens).Error
	return tokens, err
}

// Reassign 批量变更代币归属并追加历史流水号
//
// 【关键点】条件更新带上旧 owner：即使行锁不可用（SQLite）或锁范围外
// 发生并发改写，RowsAffected = 0 也会把冲突暴露出来并让整个事务回滚，
// 同一枚代币绝不会被两笔操作同时划走
func (r *TokenRepository) Reassign(ctx context.Context, tx *gorm.DB, tokens []*model.Token, newOwner, newStatus, transactionNo string) error {
	for _, t := range tokens {
		result := tx.WithContext(ctx).
			Model(&model.Token{}).
			Where("id = ? AND owner = ? AND status = ?", t.ID, t.Owner, t.Status).
			Updates(map[string]interface{}{
				"owner":            newOwner,
				"status":           newStatus,
				"transfer_history": model.AppendHistory(t.TransferHistory, transactionNo),
			})

		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrTokenConflict
		}
	}
	return nil
}

// GetByTokenNo 按编号查询单枚代币（审计接口用）
func (r *TokenRepository) GetByTokenNo(ctx context.Context, tokenNo string) (*model.Token, error) {
	var token model.Token
	err := r.db.WithContext(ctx).Where("token_no = ?", tokenNo).First(&token).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &token, nil
}
