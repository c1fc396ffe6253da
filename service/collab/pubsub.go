package collab

import (
	"context"
	"encoding/json"
	"sync"

	"CollabProject/logger"

	"github.com/redis/go-redis/v9"
)

// 频道命名
func WorkspaceChannel(workspaceID string) string { return "workspace:" + workspaceID }
func UserChannel(userID string) string           { return "user:" + userID }
func GlobalChannel() string                      { return "broadcast:all" }

// EventBus 跨进程广播总线。Publish 尽力而为（失败吞掉只打日志），
// Subscribe 每个频道一条长驻监听协程，Unsubscribe 取消之（可重复调用）。
type EventBus interface {
	Publish(ctx context.Context, channel string, msg *BusMessage)
	Subscribe(channel string, fn func(*BusMessage))
	Unsubscribe(channel string)
	Close()
}

// RedisBus 基于 redis pub/sub 的 EventBus。
// 收到的消息只投递给本进程的连接，绝不二次发布（避免转发风暴）；
// origin 等于自身的消息直接丢弃（本地广播已经发生过）。
type RedisBus struct {
	rdb    *redis.Client
	origin string // 本进程 gateway id

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// NewRedisBus rdb 可为 nil：单进程部署，总线退化为空操作
func NewRedisBus(rdb *redis.Client, origin string) *RedisBus {
	return &RedisBus{
		rdb:     rdb,
		origin:  origin,
		cancels: make(map[string]context.CancelFunc),
	}
}

func (b *RedisBus) Publish(ctx context.Context, channel string, msg *BusMessage) {
	if b.rdb == nil {
		return
	}
	if msg.Origin == "" {
		msg.Origin = b.origin
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		logger.Errorf("[bus] marshal failed channel=%s err=%v", channel, err)
		return
	}
	if err := b.rdb.Publish(ctx, channel, raw).Err(); err != nil {
		logger.Warnf("[bus] publish failed channel=%s err=%v", channel, err)
	}
}

func (b *RedisBus) Subscribe(channel string, fn func(*BusMessage)) {
	if b.rdb == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.cancels[channel]; ok {
		logger.Warnf("[bus] already subscribed channel=%s", channel)
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	b.cancels[channel] = cancel
	go b.listen(ctx, channel, fn)
	logger.Infof("[bus] subscribed channel=%s", channel)
}

func (b *RedisBus) listen(ctx context.Context, channel string, fn func(*BusMessage)) {
	ps := b.rdb.Subscribe(ctx, channel)
	defer func() {
		_ = ps.Close()
	}()

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			logger.Infof("[bus] subscription cancelled channel=%s", channel)
			return
		case m, ok := <-ch:
			if !ok {
				logger.Warnf("[bus] subscription closed channel=%s", channel)
				return
			}
			b.deliver([]byte(m.Payload), fn)
		}
	}
}

// deliver 解析总线消息并回调。非法 JSON 丢弃；
// origin 为本进程的消息丢弃（回声抑制）。
func (b *RedisBus) deliver(raw []byte, fn func(*BusMessage)) {
	var msg BusMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		logger.Warnf("[bus] invalid message: %v", err)
		return
	}
	if msg.Origin != "" && msg.Origin == b.origin {
		return
	}
	fn(&msg)
}

func (b *RedisBus) Unsubscribe(channel string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cancel, ok := b.cancels[channel]
	if !ok {
		return
	}
	cancel()
	delete(b.cancels, channel)
	logger.Infof("[bus] unsubscribed channel=%s", channel)
}

func (b *RedisBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for channel, cancel := range b.cancels {
		cancel()
		delete(b.cancels, channel)
	}
}
