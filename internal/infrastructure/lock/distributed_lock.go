package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// ============================================================================
// 分布式锁
// ============================================================================
//
// 扣费本身由数据库行锁串行化，这里的锁只保护"后台自动充值"：
// 后台充值在行锁之外执行（不能持锁等待支付渠道），
// 同一账户若同时被多个请求判定为低于阈值，会各自发起一次扣卡。
//
//   请求A: 余额 150 < 200 -> 调度充值
//   请求B: 余额 120 < 200 -> 调度充值   <- 没有锁就会重复扣卡
//
// 加锁：SET key value NX EX ttl，value 为本次充值单号
// 释放：Lua 脚本先比对 value 再删除，避免删掉过期后被别人持有的锁
//
// ============================================================================

var (
	ErrLockFailed = errors.New("获取分布式锁失败")
)

var unlockScript = redis.NewScript(`
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	else
		return 0
	end
`)

// DistributedLock 分布式锁
type DistributedLock struct {
	client     redis.Cmdable
	key        string        // 锁的 key
	value      string        // 锁持有者标识
	expiration time.Duration // 过期时间，持有者崩溃时自动释放
}

// NewDistributedLock 创建分布式锁
func NewDistributedLock(client redis.Cmdable, key, value string, expiration time.Duration) *DistributedLock {
	return &DistributedLock{
		client:     client,
		key:        key,
		value:      value,
		expiration: expiration,
	}
}

// Key 锁的 key
func (l *DistributedLock) Key() string {
	return l.key
}

// TryLock 尝试获取锁（非阻塞）
func (l *DistributedLock) TryLock(ctx context.Context) (bool, error) {
	return l.client.SetNX(ctx, l.key, l.value, l.expiration).Result()
}

// Lock 阻塞式获取锁（带重试）
func (l *DistributedLock) Lock(ctx context.Context, retryInterval time.Duration, maxRetries int) error {
	for i := 0; i < maxRetries; i++ {
		success, err := l.TryLock(ctx)
		if err != nil {
			return err
		}
		if success {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryInterval):
		}
	}
	return ErrLockFailed
}

// Unlock 释放锁，只删除自己持有的锁
func (l *DistributedLock) Unlock(ctx context.Context) error {
	return unlockScript.Run(ctx, l.client, []string{l.key}, l.value).Err()
}

// NewReloadLock 创建后台充值锁（按 org+app 维度）
//
// value 使用充值单号，便于排查是哪一次充值持有锁
func NewReloadLock(client redis.Cmdable, orgID, appID, reloadNo string, ttl time.Duration) *DistributedLock {
	key := fmt.Sprintf("reload:lock:%s:%s", orgID, appID)
	return NewDistributedLock(client, key, reloadNo, ttl)
}
