package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"tokenledger/internal/config"
	"tokenledger/internal/infrastructure/database"
	"tokenledger/internal/model"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// newTestDB 每个测试一个独立的内存库
// 单连接 + 共享缓存：SQLite 下并发事务在连接层串行，行为与
// MySQL 的行锁串行化一致，正确性断言不受方言影响
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := "file:" + uuid.NewString() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, database.Migrate(db))
	return db
}

func testConfig() *config.Config {
	return &config.Config{
		Kafka: config.KafkaConfig{
			Topic: config.KafkaTopicConfig{
				BalanceUpdate:  "ledger.balance-update",
				PurchaseResult: "ledger.purchase-result",
			},
		},
		Payment: config.PaymentConfig{
			Provider:   "sandbox",
			PriceCents: 10,
		},
		Business: config.BusinessConfig{
			BalanceCacheTTLSeconds: 30,
			CheckoutTimeoutMinutes: 30,
			MaxRetryCount:          5,
		},
	}
}

// recordingNotifier 记录提交后收到的推送
type recordingNotifier struct {
	mu     sync.Mutex
	events []struct {
		UserID  string
		Balance int64
	}
}

func (n *recordingNotifier) NotifyBalance(userID string, balance int64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, struct {
		UserID  string
		Balance int64
	}{userID, balance})
}

func (n *recordingNotifier) last(userID string) (int64, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i := len(n.events) - 1; i >= 0; i-- {
		if n.events[i].UserID == userID {
			return n.events[i].Balance, true
		}
	}
	return 0, false
}

func newTestLedger(t *testing.T) (*LedgerService, *gorm.DB, *recordingNotifier) {
	t.Helper()
	db := newTestDB(t)
	n := &recordingNotifier{}
	return NewLedgerService(db, nil, testConfig(), n), db, n
}

// countActiveTokens 权威口径：直接数代币行
func countActiveTokens(t *testing.T, db *gorm.DB, owner string) int64 {
	t.Helper()
	var count int64
	require.NoError(t, db.Model(&model.Token{}).
		Where("owner = ? AND status = ?", owner, model.TokenStatusActive).
		Count(&count).Error)
	return count
}

// ============================================================
// 购买入账幂等
// ============================================================

func TestCreditFromPaymentIdempotent(t *testing.T) {
	ledger, db, _ := newTestLedger(t)
	ctx := context.Background()

	first, err := ledger.CreditFromPayment(ctx, "alice", 100, "pi_123")
	require.NoError(t, err)
	assert.Equal(t, CreditStatusCreated, first.Status)
	assert.Equal(t, int64(100), first.Amount)

	balance, err := ledger.GetBalance(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(100), balance)

	// 重复投递任意次，都只认第一笔
	for i := 0; i < 3; i++ {
		again, err := ledger.CreditFromPayment(ctx, "alice", 100, "pi_123")
		require.NoError(t, err)
		assert.Equal(t, CreditStatusAlreadyProcessed, again.Status)
		assert.Equal(t, first.TransactionNo, again.TransactionNo)
	}

	balance, err = ledger.GetBalance(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(100), balance)
	assert.Equal(t, int64(100), countActiveTokens(t, db, "alice"))

	// 流水只有一条
	var recordCount int64
	require.NoError(t, db.Model(&model.TransactionRecord{}).
		Where("idempotency_key = ?", "pi_123").
		Count(&recordCount).Error)
	assert.Equal(t, int64(1), recordCount)
}

func TestCreditFromPaymentConcurrentSameRef(t *testing.T) {
	ledger, _, _ := newTestLedger(t)
	ctx := context.Background()

	const workers = 8
	results := make([]CreditStatus, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			result, err := ledger.CreditFromPayment(ctx, "alice", 50, "pi_race")
			if err != nil {
				return
			}
			results[idx] = result.Status
		}(i)
	}
	wg.Wait()

	created := 0
	for _, status := range results {
		if status == CreditStatusCreated {
			created++
		}
	}
	assert.Equal(t, 1, created, "同一支付单号只能有一次 Created")

	balance, err := ledger.GetBalance(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(50), balance)
}

func TestCreditFromPaymentValidation(t *testing.T) {
	ledger, _, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := ledger.CreditFromPayment(ctx, "alice", 0, "pi_1")
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = ledger.CreditFromPayment(ctx, "alice", -3, "pi_2")
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = ledger.CreditFromPayment(ctx, "alice", 10, "")
	assert.Error(t, err)

	_, err = ledger.CreditFromPayment(ctx, "", 10, "pi_3")
	assert.ErrorIs(t, err, ErrInvalidAccount)
}

// ============================================================
// 转账
// ============================================================

func TestTransferMovesLowestTokenNosFirst(t *testing.T) {
	ledger, _, _ := newTestLedger(t)
	ctx := context.Background()

	minted, err := ledger.Mint(ctx, "alice", 5, nil)
	require.NoError(t, err)
	require.Len(t, minted.TokenNos, 5)

	_, err = ledger.Mint(ctx, "bob", 1, nil)
	require.NoError(t, err)

	result, err := ledger.Transfer(ctx, "alice", "bob", 2)
	require.NoError(t, err)

	// 选币按主键升序：最先铸造的两枚先被划走
	assert.Equal(t, minted.TokenNos[:2], result.TokenNos)
}

func TestTransferInsufficientBalance(t *testing.T) {
	ledger, db, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := ledger.Mint(ctx, "alice", 10, nil)
	require.NoError(t, err)
	_, err = ledger.Mint(ctx, "bob", 1, nil)
	require.NoError(t, err)

	_, err = ledger.Transfer(ctx, "alice", "bob", 20)
	require.Error(t, err)

	var insufficient *InsufficientBalanceError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, int64(20), insufficient.Required)
	assert.Equal(t, int64(10), insufficient.Available)

	// 失败的转账分毫不动
	assert.Equal(t, int64(10), countActiveTokens(t, db, "alice"))
	assert.Equal(t, int64(1), countActiveTokens(t, db, "bob"))
}

func TestTransferRoundTrip(t *testing.T) {
	ledger, db, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := ledger.Mint(ctx, "alice", 10, nil)
	require.NoError(t, err)
	_, err = ledger.Mint(ctx, "bob", 5, nil)
	require.NoError(t, err)

	var totalBefore int64
	require.NoError(t, db.Model(&model.Token{}).
		Where("status = ?", model.TokenStatusActive).
		Count(&totalBefore).Error)

	_, err = ledger.Transfer(ctx, "alice", "bob", 4)
	require.NoError(t, err)
	_, err = ledger.Transfer(ctx, "bob", "alice", 4)
	require.NoError(t, err)

	aliceBalance, err := ledger.GetBalance(ctx, "alice")
	require.NoError(t, err)
	bobBalance, err := ledger.GetBalance(ctx, "bob")
	require.NoError(t, err)

	assert.Equal(t, int64(10), aliceBalance)
	assert.Equal(t, int64(5), bobBalance)

	var totalAfter int64
	require.NoError(t, db.Model(&model.Token{}).
		Where("status = ?", model.TokenStatusActive).
		Count(&totalAfter).Error)
	assert.Equal(t, totalBefore, totalAfter, "往返转账不改变活跃代币总量")
}

func TestTransferToNewRecipientCreatesAccount(t *testing.T) {
	ledger, db, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := ledger.Mint(ctx, "alice", 5, nil)
	require.NoError(t, err)

	// 收款方之前没有任何入账史，转账即开户
	result, err := ledger.Transfer(ctx, "alice", "bob", 3)
	require.NoError(t, err)
	assert.Len(t, result.TokenNos, 3)

	var user model.User
	require.NoError(t, db.Where("user_id = ?", "bob").First(&user).Error)
	assert.Equal(t, int64(3), user.TokenBalance)

	balance, err := ledger.GetBalance(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, int64(3), balance)
}

func TestTransferFromSystemMints(t *testing.T) {
	ledger, db, _ := newTestLedger(t)
	ctx := context.Background()

	// SYSTEM 转出不受余额约束，等同铸币
	result, err := ledger.Transfer(ctx, model.AccountSystem, "dave", 3)
	require.NoError(t, err)
	assert.Len(t, result.TokenNos, 3)

	balance, err := ledger.GetBalance(ctx, "dave")
	require.NoError(t, err)
	assert.Equal(t, int64(3), balance)

	var record model.TransactionRecord
	require.NoError(t, db.Where("transaction_no = ?", result.TransactionNo).First(&record).Error)
	assert.Equal(t, model.TransactionTypeMint, record.Type)
	assert.Equal(t, model.AccountSystem, record.FromAccount)
}

func TestTransferValidation(t *testing.T) {
	ledger, _, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := ledger.Transfer(ctx, "alice", "bob", 0)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = ledger.Transfer(ctx, "alice", "bob", -1)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = ledger.Transfer(ctx, "", "bob", 1)
	assert.ErrorIs(t, err, ErrInvalidAccount)

	_, err = ledger.Transfer(ctx, "alice", "", 1)
	assert.ErrorIs(t, err, ErrInvalidAccount)
}

func TestTransferAppendsTokenHistory(t *testing.T) {
	ledger, db, _ := newTestLedger(t)
	ctx := context.Background()

	minted, err := ledger.Mint(ctx, "alice", 1, nil)
	require.NoError(t, err)
	_, err = ledger.Mint(ctx, "bob", 1, nil)
	require.NoError(t, err)

	transferred, err := ledger.Transfer(ctx, "alice", "bob", 1)
	require.NoError(t, err)

	var token model.Token
	require.NoError(t, db.Where("token_no = ?", minted.TokenNos[0]).First(&token).Error)

	history := token.History()
	require.Len(t, history, 2)
	assert.Equal(t, minted.TransactionNo, history[0])
	assert.Equal(t, transferred.TransactionNo, history[1])
	assert.Equal(t, "bob", token.Owner)
	assert.Equal(t, model.AccountSystem, token.Creator)
}

// ============================================================
// 铸币
// ============================================================

func TestMintCreatesTokens(t *testing.T) {
	ledger, db, _ := newTestLedger(t)
	ctx := context.Background()

	result, err := ledger.Mint(ctx, "alice", 3, map[string]interface{}{"task_id": "task_42"})
	require.NoError(t, err)
	assert.Len(t, result.TokenNos, 3)

	assert.Equal(t, int64(3), countActiveTokens(t, db, "alice"))

	var tokens []*model.Token
	require.NoError(t, db.Where("owner = ?", "alice").Find(&tokens).Error)
	for _, token := range tokens {
		assert.Equal(t, model.AccountSystem, token.Creator)
		assert.Equal(t, model.TokenStatusActive, token.Status)
		assert.Equal(t, result.TransactionNo, token.BatchNo)
	}
}

// ============================================================
// 托管
// ============================================================

func TestEscrowAndRelease(t *testing.T) {
	ledger, db, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := ledger.Mint(ctx, "bob", 30, nil)
	require.NoError(t, err)

	escrowed, err := ledger.Escrow(ctx, "task1", "bob", 30)
	require.NoError(t, err)
	assert.Len(t, escrowed.TokenNos, 30)

	// 托管后发布者可用余额归零，代币划归 ESCROW
	bobBalance, err := ledger.GetBalance(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, int64(0), bobBalance)
	var escrowCount int64
	require.NoError(t, db.Model(&model.Token{}).
		Where("owner = ? AND status = ?", model.AccountEscrow, model.TokenStatusEscrowed).
		Count(&escrowCount).Error)
	assert.Equal(t, int64(30), escrowCount)

	released, err := ledger.Release(ctx, "task1", "carol", 30)
	require.NoError(t, err)
	assert.ElementsMatch(t, escrowed.TokenNos, released.TokenNos, "释放的正是当初托管的那批代币")

	carolBalance, err := ledger.GetBalance(ctx, "carol")
	require.NoError(t, err)
	assert.Equal(t, int64(30), carolBalance)
}

func TestReleaseTwiceFails(t *testing.T) {
	ledger, _, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := ledger.Mint(ctx, "bob", 30, nil)
	require.NoError(t, err)
	_, err = ledger.Escrow(ctx, "task1", "bob", 30)
	require.NoError(t, err)
	_, err = ledger.Release(ctx, "task1", "carol", 30)
	require.NoError(t, err)

	_, err = ledger.Release(ctx, "task1", "carol", 30)
	assert.ErrorIs(t, err, ErrAlreadyReleased)

	// 第二次释放不改变任何余额
	carolBalance, err := ledger.GetBalance(ctx, "carol")
	require.NoError(t, err)
	assert.Equal(t, int64(30), carolBalance)
}

func TestReleaseWithoutEscrow(t *testing.T) {
	ledger, _, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := ledger.Release(ctx, "task_missing", "carol", 10)
	assert.ErrorIs(t, err, ErrEscrowNotFound)
}

func TestReleaseAmountMismatch(t *testing.T) {
	ledger, _, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := ledger.Mint(ctx, "bob", 30, nil)
	require.NoError(t, err)
	_, err = ledger.Escrow(ctx, "task1", "bob", 30)
	require.NoError(t, err)

	_, err = ledger.Release(ctx, "task1", "carol", 20)
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestEscrowTwiceForSameTaskFails(t *testing.T) {
	ledger, db, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := ledger.Mint(ctx, "bob", 40, nil)
	require.NoError(t, err)

	_, err = ledger.Escrow(ctx, "task1", "bob", 30)
	require.NoError(t, err)

	// 重复锁定被拒绝，余额不再变化
	_, err = ledger.Escrow(ctx, "task1", "bob", 5)
	assert.ErrorIs(t, err, ErrEscrowExists)

	bobBalance, err := ledger.GetBalance(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, int64(10), bobBalance)

	// 释放之后 ESCROW 名下不能留下任何困死的代币
	_, err = ledger.Release(ctx, "task1", "carol", 30)
	require.NoError(t, err)

	var stranded int64
	require.NoError(t, db.Model(&model.Token{}).
		Where("owner = ?", model.AccountEscrow).
		Count(&stranded).Error)
	assert.Equal(t, int64(0), stranded)
}

func TestEscrowInsufficientBalance(t *testing.T) {
	ledger, db, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := ledger.Mint(ctx, "bob", 10, nil)
	require.NoError(t, err)

	_, err = ledger.Escrow(ctx, "task1", "bob", 11)
	require.Error(t, err)
	assert.True(t, IsInsufficientBalance(err))

	assert.Equal(t, int64(10), countActiveTokens(t, db, "bob"))
}

// ============================================================
// 余额读取与派生不变式
// ============================================================

func TestGetBalanceMatchesTokenCountAfterMixedOps(t *testing.T) {
	ledger, db, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := ledger.CreditFromPayment(ctx, "alice", 100, "pi_mix")
	require.NoError(t, err)
	_, err = ledger.Mint(ctx, "bob", 7, nil)
	require.NoError(t, err)
	_, err = ledger.Transfer(ctx, "alice", "bob", 30)
	require.NoError(t, err)
	_, err = ledger.Escrow(ctx, "task9", "bob", 20)
	require.NoError(t, err)
	_, err = ledger.Release(ctx, "task9", "carol", 20)
	require.NoError(t, err)

	for _, user := range []string{"alice", "bob", "carol"} {
		balance, err := ledger.GetBalance(ctx, user)
		require.NoError(t, err)
		assert.Equal(t, countActiveTokens(t, db, user), balance,
			"派生不变式: getBalance 必须等于活跃代币行数 (user=%s)", user)
	}
}

func TestGetBalanceUsesCacheUntilWrite(t *testing.T) {
	ledger, _, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := ledger.Mint(ctx, "alice", 5, nil)
	require.NoError(t, err)
	_, err = ledger.Mint(ctx, "bob", 1, nil)
	require.NoError(t, err)

	balance, err := ledger.GetBalance(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(5), balance)
	assert.GreaterOrEqual(t, ledger.Cache().Len(), 1)

	// 写操作之后缓存作废，读到的必须是新值
	_, err = ledger.Transfer(ctx, "alice", "bob", 2)
	require.NoError(t, err)

	balance, err = ledger.GetBalance(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(3), balance)
}

// ============================================================
// 提交后副作用
// ============================================================

func TestWritesEnqueueOutboxEvents(t *testing.T) {
	ledger, db, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := ledger.Mint(ctx, "alice", 5, nil)
	require.NoError(t, err)

	var messages []*model.OutboxMessage
	require.NoError(t, db.Where("topic = ?", "ledger.balance-update").Find(&messages).Error)
	require.Len(t, messages, 1)
	assert.Equal(t, "alice", messages[0].MessageKey)
	assert.Equal(t, model.OutboxStatusPending, messages[0].Status)
	assert.Contains(t, messages[0].Payload, `"balance_update"`)

	// 转账两侧各一条
	_, err = ledger.Mint(ctx, "bob", 1, nil)
	require.NoError(t, err)
	_, err = ledger.Transfer(ctx, "alice", "bob", 2)
	require.NoError(t, err)

	var transferEvents int64
	require.NoError(t, db.Model(&model.OutboxMessage{}).
		Where("topic = ? AND payload LIKE ?", "ledger.balance-update", `%"event_type":"TRANSFER"%`).
		Count(&transferEvents).Error)
	assert.Equal(t, int64(2), transferEvents)
}

func TestNotifierReceivesCommittedBalances(t *testing.T) {
	ledger, _, n := newTestLedger(t)
	ctx := context.Background()

	_, err := ledger.Mint(ctx, "alice", 5, nil)
	require.NoError(t, err)
	_, err = ledger.Mint(ctx, "bob", 1, nil)
	require.NoError(t, err)
	_, err = ledger.Transfer(ctx, "alice", "bob", 2)
	require.NoError(t, err)

	aliceBalance, ok := n.last("alice")
	require.True(t, ok)
	assert.Equal(t, int64(3), aliceBalance)

	bobBalance, ok := n.last("bob")
	require.True(t, ok)
	assert.Equal(t, int64(3), bobBalance)
}

// ============================================================
// 规格场景回归
// ============================================================

func TestSpecScenarioWalkthrough(t *testing.T) {
	ledger, _, _ := newTestLedger(t)
	ctx := context.Background()

	// alice 初始 0，支付确认入账 100
	credit, err := ledger.CreditFromPayment(ctx, "alice", 100, "pi_123")
	require.NoError(t, err)
	assert.Equal(t, CreditStatusCreated, credit.Status)
	assertBalance(t, ledger, "alice", 100)

	// 回调重投：AlreadyProcessed，余额不变
	credit, err = ledger.CreditFromPayment(ctx, "alice", 100, "pi_123")
	require.NoError(t, err)
	assert.Equal(t, CreditStatusAlreadyProcessed, credit.Status)
	assertBalance(t, ledger, "alice", 100)

	// alice -> bob 30
	_, err = ledger.Transfer(ctx, "alice", "bob", 30)
	require.NoError(t, err)
	assertBalance(t, ledger, "alice", 70)
	assertBalance(t, ledger, "bob", 30)

	// bob 托管 30，可用归零
	_, err = ledger.Escrow(ctx, "task1", "bob", 30)
	require.NoError(t, err)
	assertBalance(t, ledger, "bob", 0)

	// 释放给 carol
	_, err = ledger.Release(ctx, "task1", "carol", 30)
	require.NoError(t, err)
	assertBalance(t, ledger, "carol", 30)

	// 再次释放失败，carol 不变
	_, err = ledger.Release(ctx, "task1", "carol", 30)
	require.True(t, errors.Is(err, ErrAlreadyReleased))
	assertBalance(t, ledger, "carol", 30)
}

func assertBalance(t *testing.T, ledger *LedgerService, user string, want int64) {
	t.Helper()
	balance, err := ledger.GetBalance(context.Background(), user)
	require.NoError(t, err)
	assert.Equal(t, want, balance, "user=%s", user)
}
