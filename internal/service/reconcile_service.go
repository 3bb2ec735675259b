package service

import (
	"context"
	"fmt"
	"log"
	"time"

	"tokenledger/internal/infrastructure/lock"
	"tokenledger/internal/model"
	"tokenledger/internal/repository"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ReconcileService 对账服务
//
// 代币表是唯一事实来源，users.token_balance 只是冗余缓存，两者可能
// 因历史缺陷或异常路径产生漂移；本服务负责发现（VerifyBalance）和
// 纠偏（ForceSyncBalance），纠偏在独立事务内完成，不会读到转账的中间态
type ReconcileService struct {
	db          *gorm.DB
	redisClient *redis.Client // 可为 nil
	ledger      *LedgerService
	tokenRepo   *repository.TokenRepository
	userRepo    *repository.UserRepository
}

func NewReconcileService(db *gorm.DB, redisClient *redis.Client, ledger *LedgerService) *ReconcileService {
	return &ReconcileService{
		db:          db,
		redisClient: redisClient,
		ledger:      ledger,
		tokenRepo:   repository.NewTokenRepository(db),
		userRepo:    repository.NewUserRepository(db),
	}
}

// VerifyResult 对账比对结果
type VerifyResult struct {
	UserID   string `json:"user_id"`
	IsValid  bool   `json:"is_valid"`
	Actual   int64  `json:"actual"`   // 权威口径：活跃代币行数
	Recorded int64  `json:"recorded"` // 冗余列记录值
}

// VerifyBalance 只读比对，监控和测试用，绝不改状态
func (s *ReconcileService) VerifyBalance(ctx context.Context, userID string) (*VerifyResult, error) {
	if userID == "" {
		return nil, ErrInvalidAccount
	}

	user, err := s.userRepo.GetByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("查询用户失败: %w", err)
	}

	actual, err := s.tokenRepo.CountActiveByOwner(ctx, nil, userID)
	if err != nil {
		return nil, fmt.Errorf("重算余额失败: %w", err)
	}

	return &VerifyResult{
		UserID:   userID,
		IsValid:  actual == user.TokenBalance,
		Actual:   actual,
		Recorded: user.TokenBalance,
	}, nil
}

// ForceSyncBalance 强制对账
// 作废缓存 -> 独立事务内从代币表重算并覆写冗余列 -> 返回纠正后的值。
// 与正常转账并发执行是安全的：事务隔离保证读不到半提交的归属变更，
// 若覆写后又有新转账提交，冗余列会被那笔转账继续调整，不会丢更新
func (s *ReconcileService) ForceSyncBalance(ctx context.Context, userID string) (int64, error) {
	if userID == "" {
		return 0, ErrInvalidAccount
	}

	if s.redisClient != nil {
		reconcileLock := lock.NewReconcileLock(s.redisClient, userID, uuid.NewString())
		if err := reconcileLock.Lock(ctx, 100*time.Millisecond, 30); err != nil {
			return 0, fmt.Errorf("系统繁忙，请稍后重试: %w", err)
		}
		defer reconcileLock.Unlock(context.Background())
	}

	s.ledger.Cache().Invalidate(userID)

	var balance int64
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var err error
		balance, err = s.tokenRepo.CountActiveByOwner(ctx, tx, userID)
		if err != nil {
			return fmt.Errorf("重算余额失败: %w", err)
		}
		return s.userRepo.OverwriteBalance(ctx, tx, userID, balance)
	})

	if err != nil {
		return 0, err
	}

	// 覆写期间可能有读者把旧值写回缓存，再作废一次
	s.ledger.Cache().Invalidate(userID)

	log.Printf("[Reconcile] 余额已强制同步: userID=%s, balance=%d", userID, balance)
	return balance, nil
}

// SweepRecentUsers 巡检最近活跃的用户，发现漂移即纠偏，返回纠偏数量
func (s *ReconcileService) SweepRecentUsers(ctx context.Context, limit int) (int, error) {
	users, err := s.userRepo.ListRecentlyUpdated(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("查询用户失败: %w", err)
	}

	corrected := 0
	for _, user := range users {
		if model.IsReservedAccount(user.UserID) {
			continue
		}

		result, err := s.VerifyBalance(ctx, user.UserID)
		if err != nil {
			log.Printf("[Reconcile] 对账比对失败: userID=%s, err=%v", user.UserID, err)
			continue
		}
		if result.IsValid {
			continue
		}

		log.Printf("[Reconcile] 发现余额漂移: userID=%s, actual=%d, recorded=%d",
			user.UserID, result.Actual, result.Recorded)

		if _, err := s.ForceSyncBalance(ctx, user.UserID); err != nil {
			log.Printf("[Reconcile] 强制同步失败: userID=%s, err=%v", user.UserID, err)
			continue
		}
		corrected++
	}

	return corrected, nil
}
