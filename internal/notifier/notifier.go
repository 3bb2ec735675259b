package notifier

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// 余额变更实时通知
// ============================================================================
//
// 维护"用户 -> 存活连接"的订阅登记表。账本写事务提交之后才会收到
// NotifyBalance 调用，向该用户的每个订阅连接各推送一次 balance_update
// 事件；推送是尽力而为的单次尝试，失败只记日志丢弃，绝不回滚或重试
// 已提交的账——跨实例的可靠投递走发件箱 + Kafka。
//
// 每个连接由探活协程周期性 Ping，连续两次失败即摘除并丢弃其订阅

// Event 推送给订阅方的事件载荷
type Event struct {
	Type      string `json:"type"` // 固定为 balance_update
	UserID    string `json:"user_id"`
	Balance   int64  `json:"balance"`
	Timestamp int64  `json:"timestamp"`
}

// Connection 订阅连接句柄
// 传输层（WebSocket/SSE/长轮询）由接入方实现，这里只约定行为
type Connection interface {
	Push(event Event) error
	Ping() error
}

// subscription 一条订阅登记
type subscription struct {
	id        string
	userID    string
	conn      Connection
	pingFails int // 连续探活失败次数
}

// Registry 订阅登记表
type Registry struct {
	mu     sync.RWMutex
	byUser map[string]map[string]*subscription // userID -> subscriptionID -> 订阅
	byID   map[string]*subscription
}

func NewRegistry() *Registry {
	return &Registry{
		byUser: make(map[string]map[string]*subscription),
		byID:   make(map[string]*subscription),
	}
}

// Subscribe 登记一条订阅，返回订阅ID（退订时使用）
func (r *Registry) Subscribe(userID string, conn Connection) string {
	sub := &subscription{
		id:     uuid.NewString(),
		userID: userID,
		conn:   conn,
	}

	r.mu.Lock()
	if r.byUser[userID] == nil {
		r.byUser[userID] = make(map[string]*subscription)
	}
	r.byUser[userID][sub.id] = sub
	r.byID[sub.id] = sub
	r.mu.Unlock()

	log.Printf("[Notifier] 订阅登记: userID=%s, subscriptionID=%s", userID, sub.id)
	return sub.id
}

// Unsubscribe 退订
func (r *Registry) Unsubscribe(subscriptionID string) {
	r.mu.Lock()
	r.removeLocked(subscriptionID)
	r.mu.Unlock()
}

func (r *Registry) removeLocked(subscriptionID string) {
	sub, ok := r.byID[subscriptionID]
	if !ok {
		return
	}
	delete(r.byID, subscriptionID)
	if subs := r.byUser[sub.userID]; subs != nil {
		delete(subs, subscriptionID)
		if len(subs) == 0 {
			delete(r.byUser, sub.userID)
		}
	}
}

// NotifyBalance 向某用户的所有存活订阅各推送一次余额变更
// 每次变更对每个连接至多推送一次；推送失败只记日志，不影响账本
func (r *Registry) NotifyBalance(userID string, balance int64) {
	event := Event{
		Type:      "balance_update",
		UserID:    userID,
		Balance:   balance,
		Timestamp: time.Now().Unix(),
	}

	r.mu.RLock()
	subs := make([]*subscription, 0, len(r.byUser[userID]))
	for _, sub := range r.byUser[userID] {
		subs = append(subs, sub)
	}
	r.mu.RUnlock()

	for _, sub := range subs {
		if err := sub.conn.Push(event); err != nil {
			log.Printf("[Notifier] 推送失败（丢弃）: userID=%s, subscriptionID=%s, err=%v",
				userID, sub.id, err)
		}
	}
}

// SubscriberCount 某用户当前的订阅数（监控/测试用）
func (r *Registry) SubscriberCount(userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID])
}

// StartProber 启动探活协程
// 每个周期 Ping 一遍所有连接，连续两次失败的订阅被摘除
func (r *Registry) StartProber(ctx context.Context, interval time.Duration) {
	log.Println("[Notifier] 连接探活任务启动")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[Notifier] 收到停止信号，探活任务退出")
			return
		case <-ticker.C:
			r.ProbeOnce()
		}
	}
}

// ProbeOnce 执行一轮探活
func (r *Registry) ProbeOnce() {
	r.mu.RLock()
	subs := make([]*subscription, 0, len(r.byID))
	for _, sub := range r.byID {
		subs = append(subs, sub)
	}
	r.mu.RUnlock()

	var dead []string
	for _, sub := range subs {
		if err := sub.conn.Ping(); err != nil {
			r.mu.Lock()
			sub.pingFails++
			failed := sub.pingFails
			r.mu.Unlock()
			if failed >= 2 {
				dead = append(dead, sub.id)
			}
			continue
		}
		r.mu.Lock()
		sub.pingFails = 0
		r.mu.Unlock()
	}

	if len(dead) == 0 {
		return
	}

	r.mu.Lock()
	for _, id := range dead {
		log.Printf("[Notifier] 连接连续探活失败，摘除订阅: subscriptionID=%s", id)
		r.removeLocked(id)
	}
	r.mu.Unlock()
}
