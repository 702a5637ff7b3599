package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter 速率限制器接口（pkg/sdk/http 在每次请求前调用 Wait）
type Limiter interface {
	Wait(ctx context.Context) error
	Allow() bool
	Remaining() int
}

// TokenBucket 令牌桶速率限制器
// 按经过的时间连续补充令牌，避免整秒粒度下突发请求排队过久
type TokenBucket struct {
	capacity   float64   // 桶容量
	tokens     float64   // 当前令牌数
	refillRate float64   // 每秒补充的令牌数
	lastRefill time.Time // 上次补充时间
	now        func() time.Time
	mu         sync.Mutex
}

// NewTokenBucket 创建新的令牌桶
// capacity 为突发上限，perSecond 为稳定速率
func NewTokenBucket(capacity, perSecond int) *TokenBucket {
	if capacity <= 0 {
		capacity = 1
	}
	return &TokenBucket{
		capacity:   float64(capacity),
		tokens:     float64(capacity),
		refillRate: float64(perSecond),
		lastRefill: time.Now(),
		now:        time.Now,
	}
}

// PerSecond 创建容量等于速率的令牌桶；perSecond <= 0 时返回 nil（不限速）
func PerSecond(perSecond int) Limiter {
	if perSecond <= 0 {
		return nil
	}
	return NewTokenBucket(perSecond, perSecond)
}

// refill 补充令牌（调用方持有锁）
func (tb *TokenBucket) refill() {
	now := tb.now()
	elapsed := now.Sub(tb.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	tb.tokens = min(tb.capacity, tb.tokens+elapsed*tb.refillRate)
	tb.lastRefill = now
}

// Allow 检查是否允许请求，允许时消耗一个令牌
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()
	if tb.tokens >= 1 {
		tb.tokens--
		return true
	}
	return false
}

// Wait 等待直到允许请求或 ctx 结束
func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		if tb.Allow() {
			return nil
		}

		// 计算下一个令牌到达的时间
		tb.mu.Lock()
		waitTime := time.Second
		if tb.refillRate > 0 {
			missing := 1 - tb.tokens
			waitTime = time.Duration(missing / tb.refillRate * float64(time.Second))
			if waitTime < time.Millisecond {
				waitTime = time.Millisecond
			}
		}
		tb.mu.Unlock()

		timer := time.NewTimer(waitTime)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Remaining 获取剩余令牌数
func (tb *TokenBucket) Remaining() int {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refill()
	return int(tb.tokens)
}
