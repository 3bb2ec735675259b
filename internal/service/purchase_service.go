package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"tokenledger/internal/config"
	"tokenledger/internal/model"
	"tokenledger/internal/payment"
	"tokenledger/internal/repository"
	"tokenledger/pkg/idgen"

	"gorm.io/gorm"
)

// PurchaseService 购买服务
//
// 把"真实货币买代币"的外部交互落成内部账：创建收银台会话、接收支付
// 确认（网关回调和客户端轮询两条路都可能先到），最终汇入
// LedgerService.CreditFromPayment —— 入账幂等由那一层保证，这里只负责
// 把会话状态机推进到位
type PurchaseService struct {
	db           *gorm.DB
	cfg          *config.Config
	provider     payment.Provider
	ledger       *LedgerService
	checkoutRepo *repository.CheckoutRepository
	outboxRepo   *repository.OutboxRepository
}

func NewPurchaseService(db *gorm.DB, cfg *config.Config, provider payment.Provider, ledger *LedgerService) *PurchaseService {
	return &PurchaseService{
		db:           db,
		cfg:          cfg,
		provider:     provider,
		ledger:       ledger,
		checkoutRepo: repository.NewCheckoutRepository(db),
		outboxRepo:   repository.NewOutboxRepository(db),
	}
}

type CreateCheckoutRequest struct {
	RequestID   string `json:"request_id" binding:"required"` // 幂等ID，客户端生成
	UserID      string `json:"user_id" binding:"required"`
	TokenAmount int64  `json:"token_amount" binding:"required,gt=0"`
}

type CheckoutResponse struct {
	SessionNo   string `json:"session_no"`
	Status      string `json:"status"`
	TokenAmount int64  `json:"token_amount"`
	PriceCents  int64  `json:"price_cents"`
	CheckoutURL string `json:"checkout_url,omitempty"`
	Message     string `json:"message,omitempty"`
}

// CreateCheckout 创建收银台会话
// 相同 request_id 重复提交直接返回已有会话，不会重复下单
func (s *PurchaseService) CreateCheckout(ctx context.Context, req *CreateCheckoutRequest) (*CheckoutResponse, error) {
	if req.TokenAmount <= 0 {
		return nil, ErrInvalidAmount
	}

	existing, err := s.checkoutRepo.GetByRequestID(ctx, req.RequestID)
	if err != nil {
		return nil, fmt.Errorf("查询购买会话失败: %w", err)
	}
	if existing != nil {
		return sessionResponse(existing, "会话已存在"), nil
	}

	sessionNo := idgen.GenerateCheckoutNo()
	priceCents := req.TokenAmount * s.cfg.Payment.PriceCents

	result, err := s.provider.CreateCheckout(ctx, &payment.CheckoutRequest{
		UserID:      req.UserID,
		TokenAmount: req.TokenAmount,
		PriceCents:  priceCents,
		SessionNo:   sessionNo,
	})
	if err != nil {
		return nil, fmt.Errorf("创建收银台会话失败: %w", err)
	}

	expiredAt := time.Now().Add(time.Duration(s.cfg.Business.CheckoutTimeoutMinutes) * time.Minute)
	session := &model.CheckoutSession{
		SessionNo:   sessionNo,
		RequestID:   req.RequestID,
		UserID:      req.UserID,
		TokenAmount: req.TokenAmount,
		PriceCents:  priceCents,
		Status:      model.CheckoutStatusCreated,
		CheckoutURL: result.CheckoutURL,
		ExpiredAt:   expiredAt,
	}

	if err := s.checkoutRepo.Create(ctx, nil, session); err != nil {
		// 幂等ID撞唯一索引：并发重复提交，回读赢家的会话
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			existing, qerr := s.checkoutRepo.GetByRequestID(ctx, req.RequestID)
			if qerr == nil && existing != nil {
				return sessionResponse(existing, "会话已存在"), nil
			}
		}
		return nil, fmt.Errorf("保存购买会话失败: %w", err)
	}

	log.Printf("[Purchase] 收银台会话已创建: sessionNo=%s, userID=%s, tokenAmount=%d",
		sessionNo, req.UserID, req.TokenAmount)

	return sessionResponse(session, ""), nil
}

// HandlePaymentConfirmed 支付确认（网关回调入口）
//
// 回调至少一次投递、可能乱序、可能和客户端轮询赛跑，所以：
//  1. 入账交给 CreditFromPayment，paymentRef 作幂等键，重复投递零副作用
//  2. 会话状态用条件更新推进，迁移失败说明另一条路已经推进过，忽略即可
func (s *PurchaseService) HandlePaymentConfirmed(ctx context.Context, sessionNo, paymentRef string) (*CheckoutResponse, error) {
	if paymentRef == "" {
		return nil, errors.New("支付单号不能为空")
	}

	session, err := s.checkoutRepo.GetBySessionNo(ctx, sessionNo)
	if err != nil {
		return nil, err
	}

	credit, err := s.ledger.CreditFromPayment(ctx, session.UserID, session.TokenAmount, paymentRef)
	if err != nil {
		return nil, fmt.Errorf("购买入账失败: %w", err)
	}

	if err := s.checkoutRepo.MarkCompleted(ctx, nil, sessionNo, session.Status, paymentRef); err != nil {
		if !errors.Is(err, repository.ErrCheckoutStatusInvalid) {
			return nil, fmt.Errorf("更新会话状态失败: %w", err)
		}
		// 另一条路（轮询/重复回调）已经推进过状态，入账幂等已兜底
	}

	if credit.Status == CreditStatusCreated {
		s.enqueuePurchaseResult(ctx, session, paymentRef, credit.TransactionNo)
		log.Printf("[Purchase] 支付确认入账: sessionNo=%s, userID=%s, paymentRef=%s, transactionNo=%s",
			sessionNo, session.UserID, paymentRef, credit.TransactionNo)
	}

	session, err = s.checkoutRepo.GetBySessionNo(ctx, sessionNo)
	if err != nil {
		return nil, err
	}
	return sessionResponse(session, string(credit.Status)), nil
}

// PollCheckout 客户端成功页轮询
// 网关侧已支付而回调未到时，轮询方主动走同一条入账路：幂等键相同，
// 先到先得，后到的一方拿 AlreadyProcessed
func (s *PurchaseService) PollCheckout(ctx context.Context, sessionNo string) (*CheckoutResponse, error) {
	session, err := s.checkoutRepo.GetBySessionNo(ctx, sessionNo)
	if err != nil {
		return nil, err
	}

	if session.Status == model.CheckoutStatusCompleted || session.Status == model.CheckoutStatusExpired {
		return sessionResponse(session, ""), nil
	}

	status, err := s.provider.QueryPayment(ctx, sessionNo)
	if err != nil {
		// 网关暂不可达不算失败，会话状态原样返回，下次轮询再查
		log.Printf("[Purchase] 查询网关支付状态失败: sessionNo=%s, err=%v", sessionNo, err)
		return sessionResponse(session, ""), nil
	}

	if !status.Paid {
		return sessionResponse(session, ""), nil
	}

	return s.HandlePaymentConfirmed(ctx, sessionNo, status.PaymentRef)
}

// ListUserCheckouts 分页查询用户的购买会话
func (s *PurchaseService) ListUserCheckouts(ctx context.Context, userID string, page, pageSize int) ([]*model.CheckoutSession, int64, error) {
	return s.checkoutRepo.ListByUserID(ctx, userID, page, pageSize)
}

// enqueuePurchaseResult 购买完成事件入发件箱（失败只记日志，账已入）
func (s *PurchaseService) enqueuePurchaseResult(ctx context.Context, session *model.CheckoutSession, paymentRef, transactionNo string) {
	if s.cfg == nil || s.cfg.Kafka.Topic.PurchaseResult == "" {
		return
	}

	payload, _ := json.Marshal(map[string]interface{}{
		"session_no":     session.SessionNo,
		"user_id":        session.UserID,
		"token_amount":   session.TokenAmount,
		"price_cents":    session.PriceCents,
		"payment_ref":    paymentRef,
		"transaction_no": transactionNo,
		"completed_at":   time.Now().Format(time.RFC3339),
	})

	msg := &model.OutboxMessage{
		MessageKey: session.SessionNo,
		Topic:      s.cfg.Kafka.Topic.PurchaseResult,
		Payload:    string(payload),
		Status:     model.OutboxStatusPending,
	}
	if err := s.outboxRepo.Create(ctx, nil, msg); err != nil {
		log.Printf("[Purchase] 写入购买结果事件失败: sessionNo=%s, err=%v", session.SessionNo, err)
	}
}

func sessionResponse(session *model.CheckoutSession, message string) *CheckoutResponse {
	return &CheckoutResponse{
		SessionNo:   session.SessionNo,
		Status:      session.Status,
		TokenAmount: session.TokenAmount,
		PriceCents:  session.PriceCents,
		CheckoutURL: session.CheckoutURL,
		Message:     message,
	}
}
