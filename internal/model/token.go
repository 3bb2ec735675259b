package model

import (
	"encoding/json"
	"time"
)

// ============================================================================
// 代币状态常量
// ============================================================================

const (
	TokenStatusActive   = "ACTIVE"   // 活跃（可转账、可消费）
	TokenStatusEscrowed = "ESCROWED" // 托管中（任务担保）
	TokenStatusRetired  = "RETIRED"  // 已注销（保留行，仅供审计）
)

// ============================================================================
// 系统保留账户
// ============================================================================

const (
	AccountSystem  = "SYSTEM"  // 系统账户：铸币来源，不校验余额
	AccountEscrow  = "ESCROW"  // 托管账户：任务担保期间持有代币
	AccountGenesis = "GENESIS" // 创世账户：历史数据迁移用
)

// IsReservedAccount 判断是否为系统保留账户
func IsReservedAccount(account string) bool {
	return account == AccountSystem || account == AccountEscrow || account == AccountGenesis
}

// ============================================================================
// 代币实体
// ============================================================================

// Token 代币表
// 每一行代表一枚可独立追溯的代币，余额 = owner 名下 ACTIVE 代币的行数
//
// 【重要】代币表设计原则：
// 1. 任意时刻有且仅有一个 owner —— 所有权变更只改 owner 字段
// 2. 代币永不物理删除 —— 注销时置 status = RETIRED，行保留供审计
// 3. transfer_history 只追加 —— 记录每次所有权变更对应的流水号
type Token struct {
	ID              int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	TokenNo         string    `gorm:"type:varchar(64);uniqueIndex;not null" json:"token_no"`          // 代币编号（全局唯一）
	Owner           string    `gorm:"type:varchar(64);index:idx_owner_status;not null" json:"owner"`  // 当前持有者
	Creator         string    `gorm:"type:varchar(64);not null" json:"creator"`                       // 铸造者
	Status          string    `gorm:"type:varchar(20);index:idx_owner_status;not null" json:"status"` // 代币状态
	BatchNo         string    `gorm:"type:varchar(64)" json:"batch_no"`                               // 结算批次号（即铸造流水号，可为空）
	TransferHistory string    `gorm:"type:text;not null;default:'[]'" json:"transfer_history"`        // 历史流水号列表（JSON 数组，只追加）
	CreatedAt       time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Token) TableName() string {
	return "tokens"
}

// History 解析历史流水号列表
func (t *Token) History() []string {
	var history []string
	if t.TransferHistory == "" {
		return history
	}
	_ = json.Unmarshal([]byte(t.TransferHistory), &history)
	return history
}

// AppendHistory 在历史列表末尾追加一条流水号，返回新的 JSON 串
func AppendHistory(current string, transactionNo string) string {
	var history []string
	if current != "" {
		_ = json.Unmarshal([]byte(current), &history)
	}
	history = append(history, transactionNo)
	data, _ := json.Marshal(history)
	return string(data)
}
