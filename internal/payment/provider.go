package payment

import (
	"context"
	"fmt"
	"sync"

	"tokenledger/internal/config"

	"github.com/google/uuid"
)

// CheckoutRequest 发起收银台会话的参数
type CheckoutRequest struct {
	UserID      string
	TokenAmount int64
	PriceCents  int64
	SessionNo   string // 我方会话号，作为网关侧的关联键
}

// CheckoutResult 网关返回的收银台信息
type CheckoutResult struct {
	CheckoutURL string
	ProviderID  string // 网关侧会话标识
}

// PaymentStatus 网关侧支付状态
type PaymentStatus struct {
	Paid       bool
	PaymentRef string // 付款单号，入账幂等键
}

// Provider 支付网关契约
// 卡处理和收银台界面都在网关侧，本系统只消费两个调用：
// 创建收银台会话，以及查询/接收支付确认
type Provider interface {
	CreateCheckout(ctx context.Context, req *CheckoutRequest) (*CheckoutResult, error)
	QueryPayment(ctx context.Context, sessionNo string) (*PaymentStatus, error)
}

// ============================================================
// 沙箱网关（开发/测试环境）
// ============================================================

// SandboxProvider 本地沙箱网关
// 不走真实网络，收银台地址本地拼接；MarkPaid 模拟用户完成支付
type SandboxProvider struct {
	mu       sync.Mutex
	baseURL  string
	payments map[string]string // sessionNo -> paymentRef
}

func NewSandboxProvider(cfg *config.PaymentConfig) *SandboxProvider {
	baseURL := "https://sandbox.checkout.local"
	if cfg != nil && cfg.CheckoutURL != "" {
		baseURL = cfg.CheckoutURL
	}
	return &SandboxProvider{
		baseURL:  baseURL,
		payments: make(map[string]string),
	}
}

func (p *SandboxProvider) CreateCheckout(ctx context.Context, req *CheckoutRequest) (*CheckoutResult, error) {
	providerID := "cs_" + uuid.NewString()
	return &CheckoutResult{
		CheckoutURL: fmt.Sprintf("%s/pay/%s", p.baseURL, req.SessionNo),
		ProviderID:  providerID,
	}, nil
}

func (p *SandboxProvider) QueryPayment(ctx context.Context, sessionNo string) (*PaymentStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ref, ok := p.payments[sessionNo]
	if !ok {
		return &PaymentStatus{Paid: false}, nil
	}
	return &PaymentStatus{Paid: true, PaymentRef: ref}, nil
}

// MarkPaid 模拟支付完成（测试辅助），返回生成的付款单号
func (p *SandboxProvider) MarkPaid(sessionNo string) string {
	p.mu.Lock()
	defer p.mu.Unlock()

	if ref, ok := p.payments[sessionNo]; ok {
		return ref
	}
	ref := "pi_" + uuid.NewString()
	p.payments[sessionNo] = ref
	return ref
}
