package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tokenledger/internal/config"
	"tokenledger/internal/handler"
	"tokenledger/internal/infrastructure/cache"
	"tokenledger/internal/infrastructure/database"
	"tokenledger/internal/infrastructure/mq"
	"tokenledger/internal/job"
	"tokenledger/internal/notifier"
	"tokenledger/internal/payment"
	"tokenledger/internal/service"
	"tokenledger/pkg/idgen"
)

func main() {
	// 加载配置
	cfg := config.LoadConfig("config/config.yaml")

	// 初始化 ID 生成器
	idgen.Init(1)

	// 初始化 MySQL
	db := database.InitMySQL(&cfg.MySQL)

	// 初始化 Redis（分布式锁）
	redisClient := cache.InitRedis(&cfg.Redis)

	// 初始化 Kafka
	mq.InitKafka(&cfg.Kafka)
	defer mq.CloseKafka()

	// 创建上下文（用于优雅关闭）
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 实时通知登记表 + 探活
	registry := notifier.NewRegistry()
	probeInterval := 15 * time.Second
	if cfg.Business.NotifierProbeIntervalMS > 0 {
		probeInterval = time.Duration(cfg.Business.NotifierProbeIntervalMS) * time.Millisecond
	}
	go registry.StartProber(ctx, probeInterval)

	// 组装服务（显式依赖注入，账本服务自持余额缓存）
	ledger := service.NewLedgerService(db, redisClient, cfg, registry)
	reconcile := service.NewReconcileService(db, redisClient, ledger)
	provider := payment.NewSandboxProvider(&cfg.Payment)
	purchase := service.NewPurchaseService(db, cfg, provider, ledger)

	// 启动后台任务
	outboxSender := job.NewOutboxSender(db, cfg)
	go outboxSender.Start(ctx)

	checkoutTimeoutJob := job.NewCheckoutTimeoutJob(db, cfg)
	go checkoutTimeoutJob.Start(ctx)

	reconcileJob := job.NewReconcileJob(reconcile, cfg)
	go reconcileJob.Start(ctx)

	// 设置路由
	router := handler.SetupRouter(ledger, purchase, reconcile)

	// 启动 HTTP 服务
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	// 在 goroutine 中启动服务器
	go func() {
		log.Printf("服务启动，监听端口: %d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("服务启动失败: %v", err)
		}
	}()

	// 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("正在关闭服务...")

	// 取消上下文，停止后台任务
	cancel()

	// 关闭 HTTP 服务（等待最多5秒）
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("服务关闭异常: %v", err)
	}

	log.Println("服务已关闭")
}
