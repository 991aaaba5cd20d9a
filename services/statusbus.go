package services

import (
	"log"
	"sync"

	"github.com/google/uuid"
	"github.com/khiemtt31/raise-me-beos/models"
)

// subscriptionBuffer 单个订阅的事件缓冲大小
// 一笔订单整个生命周期最多只有两三次状态迁移，8足够覆盖
const subscriptionBuffer = 8

// Subscription 一条推送订阅：一个orderCode对应一个接收通道
// 同一orderCode可以有多个订阅（比如用户开了多个标签页），推送时全部送达
type Subscription struct {
	ID        uuid.UUID
	OrderCode int64
	C         <-chan models.DonationStatus

	ch   chan models.DonationStatus
	once sync.Once
}

// StatusBus 进程内状态推送总线
// 显式构造一次并同时注入回调处理路径和连接接入路径；
// 横向扩容时这里是替换成外部pub/sub的扩展点
type StatusBus struct {
	mu   sync.RWMutex
	subs map[int64]map[uuid.UUID]*Subscription
}

// NewStatusBus 创建状态总线
func NewStatusBus() *StatusBus {
	return &StatusBus{
		subs: make(map[int64]map[uuid.UUID]*Subscription),
	}
}

// Subscribe 注册一条订阅
// 注意：落库状态的首条回放事件由接入层负责发送（读当前状态），总线只负责增量推送
func (b *StatusBus) Subscribe(orderCode int64) *Subscription {
	sub := &Subscription{
		ID:        uuid.New(),
		OrderCode: orderCode,
		ch:        make(chan models.DonationStatus, subscriptionBuffer),
	}
	sub.C = sub.ch

	b.mu.Lock()
	if b.subs[orderCode] == nil {
		b.subs[orderCode] = make(map[uuid.UUID]*Subscription)
	}
	b.subs[orderCode][sub.ID] = sub
	b.mu.Unlock()

	return sub
}

// Unsubscribe 注销订阅并关闭通道，可重复调用
func (b *StatusBus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	b.mu.Lock()
	if subs, ok := b.subs[sub.OrderCode]; ok {
		delete(subs, sub.ID)
		if len(subs) == 0 {
			delete(b.subs, sub.OrderCode)
		}
	}
	b.mu.Unlock()

	// 关闭通道让接入层的读循环退出；once保证重复注销安全
	sub.once.Do(func() {
		close(sub.ch)
	})
}

// Publish 向orderCode下的所有订阅推送状态
// 每个订阅独立投递：缓冲打满的慢订阅直接丢弃本次事件，不阻塞其他订阅
// 同一orderCode内事件按Publish调用顺序送达（回调处理是串行的）
func (b *StatusBus) Publish(orderCode int64, status models.DonationStatus) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs[orderCode] {
		select {
		case sub.ch <- status:
		default:
			log.Printf("StatusBus: dropping event for slow subscriber %s, orderCode=%d status=%s",
				sub.ID, orderCode, status)
		}
	}
}

// SubscriberCount 当前orderCode下的订阅数
func (b *StatusBus) SubscriberCount(orderCode int64) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[orderCode])
}
