package job

import (
	"context"
	"log"
	"time"

	"tokenledger/internal/config"
	"tokenledger/internal/service"
)

// ReconcileJob 对账巡检任务
// 周期性抽查最近活跃的用户，比对冗余余额和代币表的权威口径，
// 发现漂移即强制同步。这是冗余列的最后一道防线——正常路径下
// 每笔写都会同步调整冗余列，巡检应当长期零纠偏
type ReconcileJob struct {
	reconcile *service.ReconcileService
	cfg       *config.Config
	stopCh    chan struct{}
	interval  time.Duration
	batchSize int
}

func NewReconcileJob(reconcile *service.ReconcileService, cfg *config.Config) *ReconcileJob {
	interval := 60 * time.Second
	if cfg != nil && cfg.Business.ReconcileIntervalSecs > 0 {
		interval = time.Duration(cfg.Business.ReconcileIntervalSecs) * time.Second
	}
	return &ReconcileJob{
		reconcile: reconcile,
		cfg:       cfg,
		stopCh:    make(chan struct{}),
		interval:  interval,
		batchSize: 50,
	}
}

func (j *ReconcileJob) Start(ctx context.Context) {
	log.Println("[ReconcileJob] 对账巡检任务启动")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[ReconcileJob] 收到停止信号，任务退出")
			return
		case <-j.stopCh:
			log.Println("[ReconcileJob] 任务停止")
			return
		case <-ticker.C:
			j.sweep(ctx)
		}
	}
}

func (j *ReconcileJob) Stop() {
	close(j.stopCh)
}

func (j *ReconcileJob) sweep(ctx context.Context) {
	corrected, err := j.reconcile.SweepRecentUsers(ctx, j.batchSize)
	if err != nil {
		log.Printf("[ReconcileJob] 巡检失败: %v", err)
		return
	}
	if corrected > 0 {
		log.Printf("[ReconcileJob] 本次纠偏 %d 个用户", corrected)
	}
}
