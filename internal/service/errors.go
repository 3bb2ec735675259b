package service

import (
	"errors"
	"fmt"
)

// ============================================================================
// 账本错误分类
// ============================================================================
//
// 所有账本操作要么完整提交、要么完整回滚，并向直接调用方返回带类型的
// 错误；核心内部不做任何自动重试 —— 重试策略属于调用方（比如支付回调
// 重投），这之所以安全，正是因为入账操作本身幂等
//
// 只有存储不可用（底层驱动错误，以 %w 包装向上传递）适合调用方退避
// 重试，其余错误对本次调用都是终态

var (
	ErrInvalidAmount   = errors.New("金额必须为正数")
	ErrInvalidAccount  = errors.New("账户不能为空")
	ErrAlreadyReleased = errors.New("该任务的托管已释放，请勿重复操作")
	ErrEscrowExists    = errors.New("该任务已有托管记录，请勿重复锁定")
	ErrEscrowNotFound  = errors.New("该任务没有托管记录")
)

// InsufficientBalanceError 余额不足
// 带上需要/可用两个数字，调用方可以直接透出给用户
type InsufficientBalanceError struct {
	Account   string
	Required  int64
	Available int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("账户 %s 余额不足: 需要 %d, 可用 %d", e.Account, e.Required, e.Available)
}

// IsInsufficientBalance 判断是否为余额不足错误
func IsInsufficientBalance(err error) bool {
	var target *InsufficientBalanceError
	return errors.As(err, &target)
}
