package model

import (
	"encoding/json"
	"time"
)

// ============================================================================
// 流水类型常量
// ============================================================================

const (
	TransactionTypeMint     = "MINT"     // 铸币（任务奖励等）
	TransactionTypeTransfer = "TRANSFER" // 用户间转账
	TransactionTypeEscrow   = "ESCROW"   // 托管锁定（发布任务）
	TransactionTypeRelease  = "RELEASE"  // 托管释放（任务完成）
	TransactionTypePurchase = "PURCHASE" // 购买入账（支付回调）
)

// ============================================================================
// 账本流水实体
// ============================================================================

// TransactionRecord 账本流水表
// 记录每一笔影响余额的事件，是对账和审计的核心依据
//
// 【重要】流水表设计原则：
// 1. 只追加，不修改，不删除 —— 保证审计可追溯
// 2. idempotency_key 全局唯一索引 —— 这是防止外部事件（支付回调）
//    重复入账的唯一机制，应用层的"先查后插"只是快路径
// 3. token_ids 记录本次移动的具体代币 —— 每枚代币可逐笔追溯
type TransactionRecord struct {
	ID             int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	TransactionNo  string    `gorm:"type:varchar(64);uniqueIndex;not null" json:"transaction_no"` // 流水号（全局唯一）
	FromAccount    string    `gorm:"type:varchar(64);index;not null" json:"from_account"`         // 出账方（铸币时为 SYSTEM）
	ToAccount      string    `gorm:"type:varchar(64);index;not null" json:"to_account"`           // 入账方
	Amount         int64     `gorm:"not null" json:"amount"`                                      // 移动/铸造的代币数量
	Type           string    `gorm:"type:varchar(20);not null" json:"type"`                       // 流水类型
	IdempotencyKey *string   `gorm:"type:varchar(128);uniqueIndex" json:"idempotency_key"`        // 幂等键（仅外部事件触发时非空）
	RefID          string    `gorm:"type:varchar(64);index" json:"ref_id"`                        // 关联ID（任务ID / 购买会话号）
	TokenIDs       string    `gorm:"type:text;not null;default:'[]'" json:"token_ids"`            // 本次涉及的代币编号（JSON 数组）
	Metadata       string    `gorm:"type:text" json:"metadata"`                                   // 附加信息（支付单号、价格、备注等）
	CreatedAt      time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

func (TransactionRecord) TableName() string {
	return "transaction_records"
}

// TokenNos 解析本次流水涉及的代币编号
func (r *TransactionRecord) TokenNos() []string {
	var nos []string
	if r.TokenIDs == "" {
		return nos
	}
	_ = json.Unmarshal([]byte(r.TokenIDs), &nos)
	return nos
}

// MarshalTokenNos 序列化代币编号列表
func MarshalTokenNos(nos []string) string {
	if nos == nil {
		nos = []string{}
	}
	data, _ := json.Marshal(nos)
	return string(data)
}
