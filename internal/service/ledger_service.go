package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"tokenledger/internal/config"
	"tokenledger/internal/infrastructure/lock"
	"tokenledger/internal/model"
	"tokenledger/internal/repository"
	"tokenledger/pkg/idgen"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// BalanceNotifier 余额变更通知方
// 账本服务在事务提交之后调用，推送失败只记日志不回滚
type BalanceNotifier interface {
	NotifyBalance(userID string, balance int64)
}

// LedgerService 账本服务
//
// 代币所有权的唯一写入口：转账、铸币、购买入账、托管锁定/释放都在这里
// 以单个数据库事务落库，维护"余额 == 名下活跃代币行数"这一核心不变式。
// 余额缓存是本实例私有状态，随服务构造，不是进程级单例
type LedgerService struct {
	db              *gorm.DB
	redisClient     *redis.Client // 可为 nil：此时跳过分布式锁，正确性由数据库约束兜底
	cfg             *config.Config
	tokenRepo       *repository.TokenRepository
	transactionRepo *repository.TransactionRepository
	userRepo        *repository.UserRepository
	outboxRepo      *repository.OutboxRepository
	cache           *BalanceCache
	notifier        BalanceNotifier // 可为 nil
}

func NewLedgerService(db *gorm.DB, redisClient *redis.Client, cfg *config.Config, notifier BalanceNotifier) *LedgerService {
	ttl := 30 * time.Second
	if cfg != nil && cfg.Business.BalanceCacheTTLSeconds > 0 {
		ttl = time.Duration(cfg.Business.BalanceCacheTTLSeconds) * time.Second
	}
	return &LedgerService{
		db:              db,
		redisClient:     redisClient,
		cfg:             cfg,
		tokenRepo:       repository.NewTokenRepository(db),
		transactionRepo: repository.NewTransactionRepository(db),
		userRepo:        repository.NewUserRepository(db),
		outboxRepo:      repository.NewOutboxRepository(db),
		cache:           NewBalanceCache(ttl),
		notifier:        notifier,
	}
}

// TransactionResult 写操作的返回
type TransactionResult struct {
	TransactionNo string   `json:"transaction_no"`
	TokenNos      []string `json:"token_nos"`
}

// CreditStatus 购买入账结果状态
type CreditStatus string

const (
	CreditStatusCreated          CreditStatus = "CREATED"           // 首次入账
	CreditStatusAlreadyProcessed CreditStatus = "ALREADY_PROCESSED" // 重复投递，无副作用
)

// CreditResult 购买入账的返回
// AlreadyProcessed 对调用方不是错误：回调至少一次投递，重复是常态
type CreditResult struct {
	Status        CreditStatus `json:"status"`
	TransactionNo string       `json:"transaction_no"`
	Amount        int64        `json:"amount"`
}

// ============================================================
// 转账
// ============================================================

// Transfer 用户间转账
// 按编号升序选取 from 名下 amount 枚活跃代币，整体变更归属并记一条流水，
// 全部在一个事务内完成；余额不足时返回 InsufficientBalanceError 且分毫不动。
// SYSTEM 转出不受余额约束，等同铸币
func (s *LedgerService) Transfer(ctx context.Context, from, to string, amount int64) (*TransactionResult, error) {
	if from == "" || to == "" {
		return nil, ErrInvalidAccount
	}
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	if from == model.AccountSystem {
		return s.Mint(ctx, to, amount, nil)
	}

	// 收款方可能是首次入账的新用户
	if !model.IsReservedAccount(to) {
		if _, err := s.userRepo.GetOrCreate(ctx, to); err != nil {
			return nil, fmt.Errorf("获取账户信息失败: %w", err)
		}
	}

	unlock, err := s.lockAccount(ctx, from)
	if err != nil {
		return nil, err
	}
	defer unlock()

	transactionNo := idgen.GenerateTransactionNo()
	var tokenNos []string
	balances := map[string]int64{}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		tokens, err := s.selectTokens(ctx, tx, from, amount)
		if err != nil {
			return err
		}
		tokenNos = collectTokenNos(tokens)

		if err := s.tokenRepo.Reassign(ctx, tx, tokens, to, model.TokenStatusActive, transactionNo); err != nil {
			return fmt.Errorf("变更代币归属失败: %w", err)
		}

		record := &model.TransactionRecord{
			TransactionNo: transactionNo,
			FromAccount:   from,
			ToAccount:     to,
			Amount:        amount,
			Type:          model.TransactionTypeTransfer,
			TokenIDs:      model.MarshalTokenNos(tokenNos),
		}
		if err := s.transactionRepo.Create(ctx, tx, record); err != nil {
			return fmt.Errorf("记录流水失败: %w", err)
		}

		if err := s.settleBalances(ctx, tx, transactionNo, model.TransactionTypeTransfer, balances,
			accountDelta{from, -amount}, accountDelta{to, +amount}); err != nil {
			return err
		}

		return nil
	})

	if err != nil {
		return nil, err
	}

	s.afterCommit(from, to, balances)

	log.Printf("[Ledger] 转账成功: transactionNo=%s, from=%s, to=%s, amount=%d", transactionNo, from, to, amount)

	return &TransactionResult{TransactionNo: transactionNo, TokenNos: tokenNos}, nil
}

// ============================================================
// 铸币
// ============================================================

// Mint 铸币（任务奖励等系统发放）
// 创建全新代币行，owner = to，creator = SYSTEM，不校验余额
func (s *LedgerService) Mint(ctx context.Context, to string, amount int64, metadata map[string]interface{}) (*TransactionResult, error) {
	if to == "" {
		return nil, ErrInvalidAccount
	}
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	if _, err := s.userRepo.GetOrCreate(ctx, to); err != nil {
		return nil, fmt.Errorf("获取账户信息失败: %w", err)
	}

	var record *model.TransactionRecord
	balances := map[string]int64{}

	err := s.db.Transaction(func(tx *gorm.DB) error {
		var err error
		record, err = s.mintInTx(ctx, tx, to, amount, nil, "", model.TransactionTypeMint, metadata, balances)
		return err
	})

	if err != nil {
		return nil, err
	}

	s.afterCommit(model.AccountSystem, to, balances)

	log.Printf("[Ledger] 铸币成功: transactionNo=%s, to=%s, amount=%d", record.TransactionNo, to, amount)

	return &TransactionResult{TransactionNo: record.TransactionNo, TokenNos: record.TokenNos()}, nil
}

// ============================================================
// 购买入账（幂等关键路径）
// ============================================================

// CreditFromPayment 支付确认入账
//
// 【关键点】支付回调至少一次投递，客户端轮询还可能和回调赛跑，
// 同一 paymentReference 调多少次都只能入账一次：
//  1. 事务内先按幂等键查流水，命中直接返回 AlreadyProcessed，零副作用
//  2. 未命中则铸币，流水行带上幂等键
//  3. 并发双方同时走到第2步时，idempotency_key 唯一索引只放行一个，
//     输家拿到 gorm.ErrDuplicatedKey，回读赢家的流水后同样返回
//     AlreadyProcessed —— 唯一索引才是防重的机制，先查后插只是快路径
func (s *LedgerService) CreditFromPayment(ctx context.Context, userID string, tokenAmount int64, paymentReference string) (*CreditResult, error) {
	if userID == "" {
		return nil, ErrInvalidAccount
	}
	if tokenAmount <= 0 {
		return nil, ErrInvalidAmount
	}
	if paymentReference == "" {
		return nil, errors.New("支付单号不能为空")
	}

	if _, err := s.userRepo.GetOrCreate(ctx, userID); err != nil {
		return nil, fmt.Errorf("获取账户信息失败: %w", err)
	}

	// 快路径：已处理过的重复投递不必进事务
	existing, err := s.transactionRepo.GetByIdempotencyKey(ctx, nil, paymentReference)
	if err != nil {
		return nil, fmt.Errorf("查询流水失败: %w", err)
	}
	if existing != nil {
		return &CreditResult{
			Status:        CreditStatusAlreadyProcessed,
			TransactionNo: existing.TransactionNo,
			Amount:        existing.Amount,
		}, nil
	}

	unlock, err := s.lockAccount(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var record *model.TransactionRecord
	alreadyProcessed := false
	balances := map[string]int64{}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		existing, err := s.transactionRepo.GetByIdempotencyKey(ctx, tx, paymentReference)
		if err != nil {
			return fmt.Errorf("查询流水失败: %w", err)
		}
		if existing != nil {
			record = existing
			alreadyProcessed = true
			return nil
		}

		metadata := map[string]interface{}{
			"payment_reference": paymentReference,
		}
		record, err = s.mintInTx(ctx, tx, userID, tokenAmount, &paymentReference, paymentReference,
			model.TransactionTypePurchase, metadata, balances)
		return err
	})

	if err != nil {
		// 唯一索引兜住的并发重复：回读赢家的流水
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			existing, qerr := s.transactionRepo.GetByIdempotencyKey(ctx, nil, paymentReference)
			if qerr != nil || existing == nil {
				return nil, fmt.Errorf("幂等键冲突后回查失败: %w", err)
			}
			return &CreditResult{
				Status:        CreditStatusAlreadyProcessed,
				TransactionNo: existing.TransactionNo,
				Amount:        existing.Amount,
			}, nil
		}
		return nil, err
	}

	if alreadyProcessed {
		return &CreditResult{
			Status:        CreditStatusAlreadyProcessed,
			TransactionNo: record.TransactionNo,
			Amount:        record.Amount,
		}, nil
	}

	s.afterCommit(model.AccountSystem, userID, balances)

	log.Printf("[Ledger] 购买入账成功: transactionNo=%s, userID=%s, amount=%d, paymentRef=%s",
		record.TransactionNo, userID, tokenAmount, paymentReference)

	return &CreditResult{
		Status:        CreditStatusCreated,
		TransactionNo: record.TransactionNo,
		Amount:        tokenAmount,
	}, nil
}

// ============================================================
// 任务托管
// ============================================================

// Escrow 托管锁定
// 把发布者名下 amount 枚活跃代币划给 ESCROW 账户并置为托管状态，
// 发布者的可用余额随之减少（余额按 owner 过滤）
//
// 【关键点】同一任务只能锁定一次：托管代币由该任务的释放操作整批赎回，
// 重复锁定的批次没有任何路径能够释放，只能困死在 ESCROW 名下。
// 事务内先查该任务是否已有 ESCROW 流水，有则返回 ErrEscrowExists；
// 托管流水带幂等键 "escrow:<taskID>"，并发双发时唯一索引只放行一个
func (s *LedgerService) Escrow(ctx context.Context, taskID, from string, amount int64) (*TransactionResult, error) {
	if taskID == "" || from == "" {
		return nil, ErrInvalidAccount
	}
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	unlock, err := s.lockAccount(ctx, from)
	if err != nil {
		return nil, err
	}
	defer unlock()

	transactionNo := idgen.GenerateTransactionNo()
	escrowKey := "escrow:" + taskID
	var tokenNos []string
	balances := map[string]int64{}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		existing, err := s.transactionRepo.GetByRefIDAndType(ctx, tx, taskID, model.TransactionTypeEscrow)
		if err != nil {
			return fmt.Errorf("查询托管流水失败: %w", err)
		}
		if existing != nil {
			return ErrEscrowExists
		}

		tokens, err := s.selectTokens(ctx, tx, from, amount)
		if err != nil {
			return err
		}
		tokenNos = collectTokenNos(tokens)

		if err := s.tokenRepo.Reassign(ctx, tx, tokens, model.AccountEscrow, model.TokenStatusEscrowed, transactionNo); err != nil {
			return fmt.Errorf("变更代币归属失败: %w", err)
		}

		record := &model.TransactionRecord{
			TransactionNo:  transactionNo,
			FromAccount:    from,
			ToAccount:      model.AccountEscrow,
			Amount:         amount,
			Type:           model.TransactionTypeEscrow,
			IdempotencyKey: &escrowKey,
			RefID:          taskID,
			TokenIDs:       model.MarshalTokenNos(tokenNos),
		}
		if err := s.transactionRepo.Create(ctx, tx, record); err != nil {
			return fmt.Errorf("记录流水失败: %w", err)
		}

		return s.settleBalances(ctx, tx, transactionNo, model.TransactionTypeEscrow, balances,
			accountDelta{from, -amount})
	})

	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, ErrEscrowExists
		}
		return nil, err
	}

	s.afterCommit(from, model.AccountEscrow, balances)

	log.Printf("[Ledger] 托管锁定成功: transactionNo=%s, taskID=%s, from=%s, amount=%d", transactionNo, taskID, from, amount)

	return &TransactionResult{TransactionNo: transactionNo, TokenNos: tokenNos}, nil
}

// Release 托管释放
//
// 【关键点】同一任务只能释放一次：
//  1. 事务内先查该任务是否已有 RELEASE 流水，有则返回 ErrAlreadyReleased
//  2. 释放流水带幂等键 "release:<taskID>"，并发双发时唯一索引只放行一个
//
// 释放的代币以托管流水记录的代币编号为准，金额必须与托管金额一致
func (s *LedgerService) Release(ctx context.Context, taskID, to string, amount int64) (*TransactionResult, error) {
	if taskID == "" || to == "" {
		return nil, ErrInvalidAccount
	}
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	// 领取人可能是首次入账的新用户
	if _, err := s.userRepo.GetOrCreate(ctx, to); err != nil {
		return nil, fmt.Errorf("获取账户信息失败: %w", err)
	}

	transactionNo := idgen.GenerateTransactionNo()
	releaseKey := "release:" + taskID
	var tokenNos []string
	balances := map[string]int64{}

	err := s.db.Transaction(func(tx *gorm.DB) error {
		escrowRecord, err := s.transactionRepo.GetByRefIDAndType(ctx, tx, taskID, model.TransactionTypeEscrow)
		if err != nil {
			return fmt.Errorf("查询托管流水失败: %w", err)
		}
		if escrowRecord == nil {
			return ErrEscrowNotFound
		}

		releaseRecord, err := s.transactionRepo.GetByRefIDAndType(ctx, tx, taskID, model.TransactionTypeRelease)
		if err != nil {
			return fmt.Errorf("查询释放流水失败: %w", err)
		}
		if releaseRecord != nil {
			return ErrAlreadyReleased
		}

		if amount != escrowRecord.Amount {
			return fmt.Errorf("释放金额 %d 与托管金额 %d 不一致: %w", amount, escrowRecord.Amount, ErrInvalidAmount)
		}

		tokens, err := s.tokenRepo.GetByTokenNosForUpdate(ctx, tx, escrowRecord.TokenNos())
		if err != nil {
			return fmt.Errorf("查询托管代币失败: %w", err)
		}
		for _, t := range tokens {
			if t.Owner != model.AccountEscrow || t.Status != model.TokenStatusEscrowed {
				return ErrAlreadyReleased
			}
		}
		if int64(len(tokens)) != escrowRecord.Amount {
			return repository.ErrTokenConflict
		}
		tokenNos = collectTokenNos(tokens)

		if err := s.tokenRepo.Reassign(ctx, tx, tokens, to, model.TokenStatusActive, transactionNo); err != nil {
			return fmt.Errorf("变更代币归属失败: %w", err)
		}

		record := &model.TransactionRecord{
			TransactionNo:  transactionNo,
			FromAccount:    model.AccountEscrow,
			ToAccount:      to,
			Amount:         amount,
			Type:           model.TransactionTypeRelease,
			IdempotencyKey: &releaseKey,
			RefID:          taskID,
			TokenIDs:       model.MarshalTokenNos(tokenNos),
		}
		if err := s.transactionRepo.Create(ctx, tx, record); err != nil {
			return fmt.Errorf("记录流水失败: %w", err)
		}

		return s.settleBalances(ctx, tx, transactionNo, model.TransactionTypeRelease, balances,
			accountDelta{to, +amount})
	})

	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, ErrAlreadyReleased
		}
		return nil, err
	}

	s.afterCommit(model.AccountEscrow, to, balances)

	log.Printf("[Ledger] 托管释放成功: transactionNo=%s, taskID=%s, to=%s, amount=%d", transactionNo, taskID, to, amount)

	return &TransactionResult{TransactionNo: transactionNo, TokenNos: tokenNos}, nil
}

// ============================================================
// 余额读取（热路径）
// ============================================================

// GetBalance 查询可用余额
// 先走缓存（TTL + 流水条数指纹双重校验），未命中再从代币表重算。
// 并发重算允许：双方算出的都是新鲜值，缓存后写覆盖即可。
// 指纹查询失败时放弃缓存，直接强制重算，宁可多算一次也不返回可疑值
func (s *LedgerService) GetBalance(ctx context.Context, account string) (int64, error) {
	if account == "" {
		return 0, ErrInvalidAccount
	}

	txCount, err := s.transactionRepo.CountByAccount(ctx, account)
	if err != nil {
		log.Printf("[Ledger] 查询流水指纹失败，强制重算余额: account=%s, err=%v", account, err)
		return s.tokenRepo.CountActiveByOwner(ctx, nil, account)
	}

	if balance, ok := s.cache.Get(account, txCount); ok {
		return balance, nil
	}

	balance, err := s.tokenRepo.CountActiveByOwner(ctx, nil, account)
	if err != nil {
		return 0, fmt.Errorf("重算余额失败: %w", err)
	}

	s.cache.Set(account, balance, txCount)
	return balance, nil
}

// Cache 暴露余额缓存（对账与测试用）
func (s *LedgerService) Cache() *BalanceCache {
	return s.cache
}

// ListTransactions 分页查询账户流水
func (s *LedgerService) ListTransactions(ctx context.Context, account string, page, pageSize int) ([]*model.TransactionRecord, int64, error) {
	return s.transactionRepo.ListByAccount(ctx, account, page, pageSize)
}

// ============================================================
// 内部工具
// ============================================================

type accountDelta struct {
	account string
	delta   int64
}

// selectTokens 选币并做余额前置校验
func (s *LedgerService) selectTokens(ctx context.Context, tx *gorm.DB, from string, amount int64) ([]*model.Token, error) {
	tokens, err := s.tokenRepo.SelectActiveForUpdate(ctx, tx, from, amount)
	if err != nil {
		return nil, fmt.Errorf("选取代币失败: %w", err)
	}
	if int64(len(tokens)) < amount {
		return nil, &InsufficientBalanceError{
			Account:   from,
			Required:  amount,
			Available: int64(len(tokens)),
		}
	}
	return tokens, nil
}

// mintInTx 事务内铸币：插代币行、记流水、调冗余余额、写发件箱
func (s *LedgerService) mintInTx(ctx context.Context, tx *gorm.DB, to string, amount int64,
	idempotencyKey *string, refID, recordType string, metadata map[string]interface{},
	balances map[string]int64) (*model.TransactionRecord, error) {

	transactionNo := idgen.GenerateTransactionNo()

	tokens := make([]*model.Token, 0, amount)
	tokenNos := make([]string, 0, amount)
	history := model.AppendHistory("", transactionNo)
	for i := int64(0); i < amount; i++ {
		tokenNo := idgen.GenerateTokenNo()
		tokenNos = append(tokenNos, tokenNo)
		tokens = append(tokens, &model.Token{
			TokenNo:         tokenNo,
			Owner:           to,
			Creator:         model.AccountSystem,
			Status:          model.TokenStatusActive,
			BatchNo:         transactionNo,
			TransferHistory: history,
		})
	}
	if err := s.tokenRepo.CreateBatch(ctx, tx, tokens); err != nil {
		return nil, fmt.Errorf("铸造代币失败: %w", err)
	}

	metadataJSON := ""
	if metadata != nil {
		data, _ := json.Marshal(metadata)
		metadataJSON = string(data)
	}

	record := &model.TransactionRecord{
		TransactionNo:  transactionNo,
		FromAccount:    model.AccountSystem,
		ToAccount:      to,
		Amount:         amount,
		Type:           recordType,
		IdempotencyKey: idempotencyKey,
		RefID:          refID,
		TokenIDs:       model.MarshalTokenNos(tokenNos),
		Metadata:       metadataJSON,
	}
	if err := s.transactionRepo.Create(ctx, tx, record); err != nil {
		return nil, fmt.Errorf("记录流水失败: %w", err)
	}

	if err := s.settleBalances(ctx, tx, transactionNo, recordType, balances,
		accountDelta{to, +amount}); err != nil {
		return nil, err
	}

	return record, nil
}

// settleBalances 事务收尾：调整冗余余额列、按权威口径重算事务内余额、
// 为每个涉及的用户账户写一条余额变更事件到发件箱
func (s *LedgerService) settleBalances(ctx context.Context, tx *gorm.DB, transactionNo, eventType string,
	balances map[string]int64, deltas ...accountDelta) error {

	for _, d := range deltas {
		if model.IsReservedAccount(d.account) {
			continue
		}

		if err := s.userRepo.AdjustBalance(ctx, tx, d.account, d.delta); err != nil {
			return fmt.Errorf("调整冗余余额失败: %w", err)
		}

		// 事务内按权威口径重算，提交后用于缓存和实时推送
		balance, err := s.tokenRepo.CountActiveByOwner(ctx, tx, d.account)
		if err != nil {
			return fmt.Errorf("重算余额失败: %w", err)
		}
		balances[d.account] = balance

		if s.cfg != nil && s.cfg.Kafka.Topic.BalanceUpdate != "" {
			payload, _ := json.Marshal(map[string]interface{}{
				"type":           "balance_update",
				"user_id":        d.account,
				"balance":        balance,
				"delta":          d.delta,
				"transaction_no": transactionNo,
				"event_type":     eventType,
				"timestamp":      time.Now().Format(time.RFC3339),
			})
			msg := &model.OutboxMessage{
				MessageKey: d.account,
				Topic:      s.cfg.Kafka.Topic.BalanceUpdate,
				Payload:    string(payload),
				Status:     model.OutboxStatusPending,
			}
			if err := s.outboxRepo.Create(ctx, tx, msg); err != nil {
				return fmt.Errorf("写入发件箱失败: %w", err)
			}
		}
	}
	return nil
}

// afterCommit 事务提交后的收尾：作废缓存、推送实时余额
// 这里的一切都是尽力而为，失败不会影响已提交的账
func (s *LedgerService) afterCommit(from, to string, balances map[string]int64) {
	s.cache.Invalidate(from, to)

	if s.notifier == nil {
		return
	}
	for account, balance := range balances {
		s.notifier.NotifyBalance(account, balance)
	}
}

// lockAccount 获取账户写锁（Redis 未配置或保留账户时为空操作）
func (s *LedgerService) lockAccount(ctx context.Context, account string) (func(), error) {
	if s.redisClient == nil || model.IsReservedAccount(account) {
		return func() {}, nil
	}

	accountLock := lock.NewAccountLock(s.redisClient, account, uuid.NewString())
	if err := accountLock.Lock(ctx, 100*time.Millisecond, 30); err != nil {
		return nil, fmt.Errorf("系统繁忙，请稍后重试: %w", err)
	}
	return func() {
		if err := accountLock.Unlock(context.Background()); err != nil {
			log.Printf("[Ledger] 释放账户锁失败: account=%s, err=%v", account, err)
		}
	}, nil
}

func collectTokenNos(tokens []*model.Token) []string {
	nos := make([]string, 0, len(tokens))
	for _, t := range tokens {
		nos = append(nos, t.TokenNo)
	}
	return nos
}
