package handler

import (
	"errors"
	"strconv"

	"tokenledger/internal/repository"
	"tokenledger/internal/service"
	"tokenledger/pkg/response"

	"github.com/gin-gonic/gin"
)

// Handler 统一处理器，包含所有服务依赖
type Handler struct {
	ledger    *service.LedgerService
	purchase  *service.PurchaseService
	reconcile *service.ReconcileService
}

// NewHandler 创建处理器实例
func NewHandler(ledger *service.LedgerService, purchase *service.PurchaseService, reconcile *service.ReconcileService) *Handler {
	return &Handler{
		ledger:    ledger,
		purchase:  purchase,
		reconcile: reconcile,
	}
}

// ledgerError 把账本错误映射成业务错误码
func ledgerError(c *gin.Context, err error) {
	var insufficient *service.InsufficientBalanceError
	switch {
	case errors.As(err, &insufficient):
		response.BusinessError(c, response.CodeInsufficientBalance, err.Error())
	case errors.Is(err, service.ErrInvalidAmount), errors.Is(err, service.ErrInvalidAccount):
		response.BusinessError(c, response.CodeInvalidAmount, err.Error())
	case errors.Is(err, repository.ErrUserNotFound):
		response.BusinessError(c, response.CodeUserNotFound, err.Error())
	case errors.Is(err, service.ErrAlreadyReleased):
		response.BusinessError(c, response.CodeAlreadyReleased, err.Error())
	case errors.Is(err, service.ErrEscrowExists):
		response.BusinessError(c, response.CodeEscrowExists, err.Error())
	case errors.Is(err, service.ErrEscrowNotFound):
		response.BusinessError(c, response.CodeEscrowNotFound, err.Error())
	case errors.Is(err, repository.ErrCheckoutNotFound):
		response.BusinessError(c, response.CodeCheckoutNotFound, err.Error())
	default:
		response.ServerError(c, err.Error())
	}
}

// ============================================================
// 账户相关接口
// ============================================================

// GetBalance 查询用户余额
// GET /api/v1/account/balance?user_id=xxx
func (h *Handler) GetBalance(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		response.ParamError(c, "user_id 参数不能为空")
		return
	}

	balance, err := h.ledger.GetBalance(c.Request.Context(), userID)
	if err != nil {
		ledgerError(c, err)
		return
	}

	response.Success(c, gin.H{
		"user_id": userID,
		"balance": balance,
	})
}

// VerifyBalance 对账比对（只读，监控用）
// GET /api/v1/account/verify?user_id=xxx
func (h *Handler) VerifyBalance(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		response.ParamError(c, "user_id 参数不能为空")
		return
	}

	result, err := h.reconcile.VerifyBalance(c.Request.Context(), userID)
	if err != nil {
		ledgerError(c, err)
		return
	}

	response.Success(c, result)
}

// SyncBalanceRequest 强制对账请求
type SyncBalanceRequest struct {
	UserID string `json:"user_id" binding:"required"`
}

// SyncBalance 强制对账：从代币表重算并覆写冗余余额
// POST /api/v1/account/sync
func (h *Handler) SyncBalance(c *gin.Context) {
	var req SyncBalanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	balance, err := h.reconcile.ForceSyncBalance(c.Request.Context(), req.UserID)
	if err != nil {
		ledgerError(c, err)
		return
	}

	response.Success(c, gin.H{
		"user_id": req.UserID,
		"balance": balance,
	})
}

// ============================================================
// 转账 / 奖励相关接口
// ============================================================

// TransferRequest 转账请求
type TransferRequest struct {
	From   string `json:"from" binding:"required"`
	To     string `json:"to" binding:"required"`
	Amount int64  `json:"amount" binding:"required,gt=0"`
}

// Transfer 用户间转账
// POST /api/v1/transfer/execute
func (h *Handler) Transfer(c *gin.Context) {
	var req TransferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	result, err := h.ledger.Transfer(c.Request.Context(), req.From, req.To, req.Amount)
	if err != nil {
		ledgerError(c, err)
		return
	}

	response.Success(c, result)
}

// MintRequest 奖励铸币请求（任务核验方调用）
type MintRequest struct {
	To       string                 `json:"to" binding:"required"`
	Amount   int64                  `json:"amount" binding:"required,gt=0"`
	Metadata map[string]interface{} `json:"metadata"`
}

// MintReward 任务奖励铸币
// POST /api/v1/reward/mint
func (h *Handler) MintReward(c *gin.Context) {
	var req MintRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	result, err := h.ledger.Mint(c.Request.Context(), req.To, req.Amount, req.Metadata)
	if err != nil {
		ledgerError(c, err)
		return
	}

	response.Success(c, result)
}

// ============================================================
// 任务托管相关接口
// ============================================================

// EscrowRequest 托管锁定请求
type EscrowRequest struct {
	TaskID string `json:"task_id" binding:"required"`
	From   string `json:"from" binding:"required"`
	Amount int64  `json:"amount" binding:"required,gt=0"`
}

// Escrow 托管锁定
// POST /api/v1/task/escrow
func (h *Handler) Escrow(c *gin.Context) {
	var req EscrowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	result, err := h.ledger.Escrow(c.Request.Context(), req.TaskID, req.From, req.Amount)
	if err != nil {
		ledgerError(c, err)
		return
	}

	response.Success(c, result)
}

// ReleaseRequest 托管释放请求
type ReleaseRequest struct {
	TaskID string `json:"task_id" binding:"required"`
	To     string `json:"to" binding:"required"`
	Amount int64  `json:"amount" binding:"required,gt=0"`
}

// Release 托管释放（同一任务只能释放一次）
// POST /api/v1/task/release
func (h *Handler) Release(c *gin.Context) {
	var req ReleaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	result, err := h.ledger.Release(c.Request.Context(), req.TaskID, req.To, req.Amount)
	if err != nil {
		ledgerError(c, err)
		return
	}

	response.Success(c, result)
}

// ============================================================
// 购买相关接口
// ============================================================

// CreateCheckout 创建收银台会话
// POST /api/v1/purchase/checkout
func (h *Handler) CreateCheckout(c *gin.Context) {
	var req service.CreateCheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	result, err := h.purchase.CreateCheckout(c.Request.Context(), &req)
	if err != nil {
		ledgerError(c, err)
		return
	}

	response.Success(c, result)
}

// PaymentWebhookRequest 支付网关回调
// 网关至少一次投递，可能重复、可能和轮询赛跑
type PaymentWebhookRequest struct {
	SessionNo  string `json:"session_no" binding:"required"`
	PaymentRef string `json:"payment_ref" binding:"required"`
}

// PaymentWebhook 支付确认回调
// POST /api/v1/purchase/webhook
func (h *Handler) PaymentWebhook(c *gin.Context) {
	var req PaymentWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	result, err := h.purchase.HandlePaymentConfirmed(c.Request.Context(), req.SessionNo, req.PaymentRef)
	if err != nil {
		ledgerError(c, err)
		return
	}

	response.Success(c, result)
}

// PollCheckout 客户端成功页轮询
// GET /api/v1/purchase/status?session_no=xxx
func (h *Handler) PollCheckout(c *gin.Context) {
	sessionNo := c.Query("session_no")
	if sessionNo == "" {
		response.ParamError(c, "session_no 参数不能为空")
		return
	}

	result, err := h.purchase.PollCheckout(c.Request.Context(), sessionNo)
	if err != nil {
		ledgerError(c, err)
		return
	}

	response.Success(c, result)
}

// ============================================================
// 流水查询接口
// ============================================================

// ListTransactions 查询账户流水
// GET /api/v1/transaction/list?user_id=xxx&page=1&page_size=10
func (h *Handler) ListTransactions(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		response.ParamError(c, "user_id 参数不能为空")
		return
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "10"))

	records, total, err := h.ledger.ListTransactions(c.Request.Context(), userID, page, pageSize)
	if err != nil {
		ledgerError(c, err)
		return
	}

	response.Success(c, gin.H{
		"list":      records,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}
