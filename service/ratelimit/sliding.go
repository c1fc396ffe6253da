package ratelimit

import (
	"context"
	"strconv"
	"time"

	"CollabProject/logger"
	"CollabProject/tools/ids"

	"github.com/redis/go-redis/v9"
)

// Config 滑动窗口参数
type Config struct {
	Window      time.Duration    // 窗口长度（如 60s）
	MaxRequests int              // 窗口内最大请求数
	Clock       func() time.Time // 可注入时钟（单测用）；nil => time.Now
}

func (c *Config) norm() {
	if c.Window <= 0 {
		c.Window = 60 * time.Second
	}
	if c.MaxRequests <= 0 {
		c.MaxRequests = 100
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

// Checker 供中间件使用的窗口检查接口
type Checker interface {
	Check(ctx context.Context, clientID string) (allowed bool, remaining int, resetIn int)
}

// windowOps 共享存储上的窗口原语：一次原子事务完成
// 清理过期成员 + 统计 + 记录本次请求，返回记录前的计数。
type windowOps interface {
	Record(ctx context.Context, key string, cutoff, now time.Time, member string, ttl time.Duration) (int64, error)
	Remove(ctx context.Context, key string, member string) error
}

// Limiter 滑动窗口限流器。存储不可用时 fail-open：
// 放行并上报满额配额，可用性优先于严格限流。
type Limiter struct {
	ops  windowOps
	conf Config
}

// NewLimiter rdb 可为 nil（纯 fail-open，单机调试用）
func NewLimiter(rdb *redis.Client, conf Config) *Limiter {
	conf.norm()
	var ops windowOps
	if rdb != nil {
		ops = &redisWindow{rdb: rdb}
	}
	return &Limiter{ops: ops, conf: conf}
}

func newLimiterWithOps(ops windowOps, conf Config) *Limiter {
	conf.norm()
	return &Limiter{ops: ops, conf: conf}
}

// Check 检查并记录一次请求。返回 (是否放行, 剩余配额, 重置秒数)。
func (l *Limiter) Check(ctx context.Context, clientID string) (bool, int, int) {
	resetIn := int(l.conf.Window / time.Second)

	if l.ops == nil {
		return true, l.conf.MaxRequests, resetIn
	}

	now := l.conf.Clock()
	cutoff := now.Add(-l.conf.Window)
	key := "ratelimit:" + clientID
	member := ids.GenerateString() // 雪花成员，同毫秒请求不互相覆盖

	count, err := l.ops.Record(ctx, key, cutoff, now, member, l.conf.Window)
	if err != nil {
		logger.Warnf("[ratelimit] store unavailable, fail open client=%s err=%v", clientID, err)
		return true, l.conf.MaxRequests, resetIn
	}

	if count >= int64(l.conf.MaxRequests) {
		// 超限：回滚刚写入的成员，本次尝试不计数
		if err := l.ops.Remove(ctx, key, member); err != nil {
			logger.Warnf("[ratelimit] rollback failed client=%s err=%v", clientID, err)
		}
		return false, 0, resetIn
	}

	remaining := l.conf.MaxRequests - int(count) - 1
	if remaining < 0 {
		remaining = 0
	}
	return true, remaining, resetIn
}

// redisWindow ZSET 实现：score/成员都是时间戳，MULTI/EXEC 一次提交
type redisWindow struct {
	rdb *redis.Client
}

func (w *redisWindow) Record(ctx context.Context, key string, cutoff, now time.Time, member string, ttl time.Duration) (int64, error) {
	var card *redis.IntCmd
	_, err := w.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, key, "0", strconv.FormatInt(cutoff.UnixMilli(), 10))
		card = pipe.ZCard(ctx, key)
		pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixMilli()), Member: member})
		pipe.Expire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return card.Val(), nil
}

func (w *redisWindow) Remove(ctx context.Context, key string, member string) error {
	return w.rdb.ZRem(ctx, key, member).Err()
}
