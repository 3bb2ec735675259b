package model

import (
	"time"
)

const (
	CheckoutStatusCreated   = "CREATED"   // 已创建，等待用户跳转支付
	CheckoutStatusPending   = "PENDING"   // 用户已进入支付流程
	CheckoutStatusCompleted = "COMPLETED" // 支付确认，代币已入账
	CheckoutStatusExpired   = "EXPIRED"   // 超时关闭
)

// ValidCheckoutTransitions 购买会话状态机
// 回调和客户端轮询都可能推进状态，所有迁移必须走条件更新防止回退
var ValidCheckoutTransitions = map[string][]string{
	CheckoutStatusCreated: {CheckoutStatusPending, CheckoutStatusCompleted, CheckoutStatusExpired},
	CheckoutStatusPending: {CheckoutStatusCompleted, CheckoutStatusExpired},
}

// CanTransitionTo 判断购买会话状态迁移是否合法
func CanTransitionTo(currentStatus, targetStatus string) bool {
	allowedStatuses, exists := ValidCheckoutTransitions[currentStatus]
	if !exists {
		return false
	}
	for _, s := range allowedStatuses {
		if s == targetStatus {
			return true
		}
	}
	return false
}

// CheckoutSession 购买会话表
// 一次"用真实货币购买代币"的交互记录，支付确认后通过幂等入账
// （payment_ref 作幂等键）把代币铸给用户
type CheckoutSession struct {
	ID          int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	SessionNo   string     `gorm:"type:varchar(64);uniqueIndex;not null" json:"session_no"`  // 会话号
	RequestID   string     `gorm:"type:varchar(64);uniqueIndex;not null" json:"request_id"`  // 幂等ID，客户端生成
	UserID      string     `gorm:"type:varchar(64);index;not null" json:"user_id"`           // 购买用户
	TokenAmount int64      `gorm:"not null" json:"token_amount"`                             // 购买代币数
	PriceCents  int64      `gorm:"not null" json:"price_cents"`                              // 支付金额（分）
	Status      string     `gorm:"type:varchar(20);index;not null" json:"status"`            // 会话状态
	PaymentRef  string     `gorm:"type:varchar(128)" json:"payment_ref"`                     // 支付网关的付款单号（入账幂等键）
	CheckoutURL string     `gorm:"type:varchar(512)" json:"checkout_url"`                    // 收银台地址
	ExpiredAt   time.Time  `gorm:"not null" json:"expired_at"`
	CompletedAt *time.Time `json:"completed_at"`
	CreatedAt   time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt   time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (CheckoutSession) TableName() string {
	return "checkout_session"
}
