package job

import (
	"context"
	"log"
	"time"

	"tokenledger/internal/config"
	"tokenledger/internal/model"
	"tokenledger/internal/repository"

	"gorm.io/gorm"
)

// CheckoutTimeoutJob 购买会话超时任务
// 用户拉起收银台后放弃支付的会话不能一直挂着：周期性扫描已过期但
// 未关闭的会话并置为 EXPIRED。迟到的支付回调依然安全——入账幂等与
// 会话状态无关，只是状态机不再允许 EXPIRED 会话回到 COMPLETED
type CheckoutTimeoutJob struct {
	db           *gorm.DB
	checkoutRepo *repository.CheckoutRepository
	cfg          *config.Config
	stopCh       chan struct{}
	interval     time.Duration
	batchSize    int
}

func NewCheckoutTimeoutJob(db *gorm.DB, cfg *config.Config) *CheckoutTimeoutJob {
	return &CheckoutTimeoutJob{
		db:           db,
		checkoutRepo: repository.NewCheckoutRepository(db),
		cfg:          cfg,
		stopCh:       make(chan struct{}),
		interval:     10 * time.Second,
		batchSize:    100,
	}
}

func (j *CheckoutTimeoutJob) Start(ctx context.Context) {
	log.Println("[CheckoutTimeoutJob] 会话超时任务启动")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[CheckoutTimeoutJob] 收到停止信号，任务退出")
			return
		case <-j.stopCh:
			log.Println("[CheckoutTimeoutJob] 任务停止")
			return
		case <-ticker.C:
			j.closeExpiredSessions(ctx)
		}
	}
}

func (j *CheckoutTimeoutJob) Stop() {
	close(j.stopCh)
}

func (j *CheckoutTimeoutJob) closeExpiredSessions(ctx context.Context) {
	sessions, err := j.checkoutRepo.GetExpiredSessions(ctx, j.batchSize)
	if err != nil {
		log.Printf("[CheckoutTimeoutJob] 查询超时会话失败: %v", err)
		return
	}

	if len(sessions) == 0 {
		return
	}

	closedCount := 0
	for _, session := range sessions {
		// 条件更新：和支付确认赛跑时只有一方生效
		err := j.checkoutRepo.UpdateStatus(ctx, nil, session.SessionNo, session.Status, model.CheckoutStatusExpired)
		if err != nil {
			log.Printf("[CheckoutTimeoutJob] 关闭会话失败: sessionNo=%s, err=%v", session.SessionNo, err)
			continue
		}
		closedCount++
		log.Printf("[CheckoutTimeoutJob] 会话已超时关闭: sessionNo=%s, userID=%s, tokenAmount=%d",
			session.SessionNo, session.UserID, session.TokenAmount)
	}

	log.Printf("[CheckoutTimeoutJob] 本次关闭 %d 个超时会话", closedCount)
}
