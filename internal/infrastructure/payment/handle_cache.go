package payment

import (
	"context"
	"fmt"
	"sync"

	"creditledger/internal/infrastructure/keys"

	"go.uber.org/zap"
)

// HandleCache 按密钥选择器缓存渠道客户端（或密钥本身）
//
// 未命中时通过 keys.Resolver 解析密钥并构造新句柄。
// 淘汰后再插入的竞态是可以接受的：最坏情况是多解析一次密钥。
type HandleCache[T any] struct {
	resolver keys.Resolver
	provider string
	build    func(secret string) T
	logger   *zap.Logger

	mu      sync.RWMutex
	handles map[string]T
}

func NewHandleCache[T any](resolver keys.Resolver, provider string, build func(secret string) T, logger *zap.Logger) *HandleCache[T] {
	return &HandleCache[T]{
		resolver: resolver,
		provider: provider,
		build:    build,
		logger:   logger,
		handles:  make(map[string]T),
	}
}

// Get 返回缓存的句柄，未命中时解析密钥
func (c *HandleCache[T]) Get(ctx context.Context, sel keys.Selector) (T, error) {
	cacheKey := sel.String()

	c.mu.RLock()
	h, ok := c.handles[cacheKey]
	c.mu.RUnlock()
	if ok {
		return h, nil
	}

	secret, err := c.resolver.Resolve(ctx, c.provider, sel)
	if err != nil {
		var zero T
		return zero, fmt.Errorf("解析 %s 密钥失败: %w", c.provider, err)
	}

	h = c.build(secret)

	c.mu.Lock()
	c.handles[cacheKey] = h
	c.mu.Unlock()

	return h, nil
}

// Evict 淘汰选择器对应的句柄
func (c *HandleCache[T]) Evict(sel keys.Selector) {
	c.mu.Lock()
	delete(c.handles, sel.String())
	c.mu.Unlock()
}

// Do 用缓存句柄执行 op；鉴权失败时淘汰句柄、重新解析密钥、只重试一次。
// 第二次仍鉴权失败则按渠道不可用返回。
func (c *HandleCache[T]) Do(ctx context.Context, sel keys.Selector, op func(T) error) error {
	h, err := c.Get(ctx, sel)
	if err != nil {
		return err
	}

	err = op(h)
	if !IsAuthError(err) {
		return err
	}

	c.logger.Warn("渠道鉴权失败，刷新密钥后重试",
		zap.String("provider", c.provider),
		zap.String("selector", sel.String()),
		zap.Error(err))

	c.Evict(sel)
	h, err = c.Get(ctx, sel)
	if err != nil {
		return err
	}

	err = op(h)
	if IsAuthError(err) {
		return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	return err
}
