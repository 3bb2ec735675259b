package model

import (
	"time"
)

// User 用户账户表
// token_balance 是派生值的冗余缓存：真实余额永远以 tokens 表中
// owner = user_id 且 status = ACTIVE 的行数为准，此字段可能短暂不一致，
// 由对账服务负责纠偏，绝不能反过来作为数据源
type User struct {
	ID           int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID       string    `gorm:"type:varchar(64);uniqueIndex;not null" json:"user_id"` // 用户ID，业务方传入
	TokenBalance int64     `gorm:"not null;default:0" json:"token_balance"`              // 冗余余额（非权威）
	Version      int       `gorm:"not null;default:0" json:"version"`                    // 乐观锁版本号
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (User) TableName() string {
	return "users"
}
