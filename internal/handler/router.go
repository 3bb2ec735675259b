package handler

import (
	"tokenledger/internal/service"

	"github.com/gin-gonic/gin"
)

// SetupRouter 配置路由
func SetupRouter(ledger *service.LedgerService, purchase *service.PurchaseService, reconcile *service.ReconcileService) *gin.Engine {
	// 设置 gin 为发布模式（减少日志输出）
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()

	// 注册中间件
	r.Use(RecoveryMiddleware())
	r.Use(LoggerMiddleware())
	r.Use(CORSMiddleware())

	// 创建处理器
	h := NewHandler(ledger, purchase, reconcile)

	// API 路由组
	api := r.Group("/api/v1")
	{
		// 账户相关
		account := api.Group("/account")
		{
			account.GET("/balance", h.GetBalance)
			account.GET("/verify", h.VerifyBalance)
			account.POST("/sync", h.SyncBalance)
		}

		// 转账相关
		transfer := api.Group("/transfer")
		{
			transfer.POST("/execute", h.Transfer)
		}

		// 任务奖励
		reward := api.Group("/reward")
		{
			reward.POST("/mint", h.MintReward)
		}

		// 任务托管
		task := api.Group("/task")
		{
			task.POST("/escrow", h.Escrow)
			task.POST("/release", h.Release)
		}

		// 购买相关
		purchaseGroup := api.Group("/purchase")
		{
			purchaseGroup.POST("/checkout", h.CreateCheckout)
			purchaseGroup.POST("/webhook", h.PaymentWebhook)
			purchaseGroup.GET("/status", h.PollCheckout)
		}

		// 流水查询
		transaction := api.Group("/transaction")
		{
			transaction.GET("/list", h.ListTransactions)
		}
	}

	// 健康检查
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	return r
}
