package job

import (
	"context"
	"testing"
	"time"

	"tokenledger/internal/config"
	"tokenledger/internal/infrastructure/database"
	"tokenledger/internal/infrastructure/mq"
	"tokenledger/internal/model"
	"tokenledger/internal/repository"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

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
		Business: config.BusinessConfig{MaxRetryCount: 3},
	}
}

// ============================================================
// 发件箱投递
// ============================================================

func TestOutboxSenderDeliversPendingMessages(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	outboxRepo := repository.NewOutboxRepository(db)
	for _, key := range []string{"alice", "bob"} {
		require.NoError(t, outboxRepo.Create(ctx, nil, &model.OutboxMessage{
			MessageKey: key,
			Topic:      "ledger.balance-update",
			Payload:    `{"type":"balance_update"}`,
			Status:     model.OutboxStatusPending,
		}))
	}

	producerConfig := sarama.NewConfig()
	producerConfig.Producer.Return.Successes = true
	producer := mocks.NewSyncProducer(t, producerConfig)
	producer.ExpectSendMessageAndSucceed()
	producer.ExpectSendMessageAndSucceed()
	mq.SetProducer(producer)
	defer mq.SetProducer(nil)

	sender := NewOutboxSender(db, testConfig())
	sender.processPendingMessages(ctx)

	var sentCount int64
	require.NoError(t, db.Model(&model.OutboxMessage{}).
		Where("status = ?", model.OutboxStatusSent).
		Count(&sentCount).Error)
	assert.Equal(t, int64(2), sentCount)

	// 再跑一轮没有待发事件，不应再次发送（mock 会校验期望次数）
	sender.processPendingMessages(ctx)
}

func TestOutboxSenderRetriesThenMarksFailed(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	outboxRepo := repository.NewOutboxRepository(db)
	require.NoError(t, outboxRepo.Create(ctx, nil, &model.OutboxMessage{
		MessageKey: "alice",
		Topic:      "ledger.balance-update",
		Payload:    `{"type":"balance_update"}`,
		Status:     model.OutboxStatusPending,
	}))

	// 生产者未初始化，每轮发送失败
	mq.SetProducer(nil)

	sender := NewOutboxSender(db, testConfig())

	// 前两轮只累加重试计数
	sender.processPendingMessages(ctx)
	sender.processPendingMessages(ctx)

	var msg model.OutboxMessage
	require.NoError(t, db.First(&msg).Error)
	assert.Equal(t, model.OutboxStatusPending, msg.Status)
	assert.Equal(t, 2, msg.RetryCount)

	// 第三轮达到重试上限，标记失败留待人工处理
	sender.processPendingMessages(ctx)

	require.NoError(t, db.First(&msg).Error)
	assert.Equal(t, model.OutboxStatusFailed, msg.Status)

	failed, err := outboxRepo.GetFailedMessages(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, failed, 1)
}

// ============================================================
// 会话超时
// ============================================================

func TestCheckoutTimeoutClosesExpiredSessions(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	checkoutRepo := repository.NewCheckoutRepository(db)
	sessions := []*model.CheckoutSession{
		{SessionNo: "CHK_live", RequestID: "req_1", UserID: "alice", TokenAmount: 1, PriceCents: 10,
			Status: model.CheckoutStatusCreated, ExpiredAt: time.Now().Add(time.Hour)},
		{SessionNo: "CHK_stale", RequestID: "req_2", UserID: "alice", TokenAmount: 1, PriceCents: 10,
			Status: model.CheckoutStatusCreated, ExpiredAt: time.Now().Add(-time.Minute)},
		{SessionNo: "CHK_pending", RequestID: "req_3", UserID: "bob", TokenAmount: 1, PriceCents: 10,
			Status: model.CheckoutStatusPending, ExpiredAt: time.Now().Add(-time.Minute)},
	}
	for _, session := range sessions {
		require.NoError(t, checkoutRepo.Create(ctx, nil, session))
	}

	job := NewCheckoutTimeoutJob(db, testConfig())
	job.closeExpiredSessions(ctx)

	for sessionNo, want := range map[string]string{
		"CHK_live":    model.CheckoutStatusCreated,
		"CHK_stale":   model.CheckoutStatusExpired,
		"CHK_pending": model.CheckoutStatusExpired,
	} {
		session, err := checkoutRepo.GetBySessionNo(ctx, sessionNo)
		require.NoError(t, err)
		assert.Equal(t, want, session.Status, "sessionNo=%s", sessionNo)
	}

	// 已关闭的会话不会被重复处理
	job.closeExpiredSessions(ctx)
}
