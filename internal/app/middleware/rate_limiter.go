package middleware

import (
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"sangzi-care-service/internal/error/code"
	"sangzi-care-service/internal/error/response"
)

// TokenBucket 简单的令牌桶限流器
type TokenBucket struct {
	rate       float64    // 每秒填充的令牌数
	capacity   int        // 桶的容量
	tokens     float64    // 当前令牌数
	lastRefill time.Time  // 上次填充时间
	mu         sync.Mutex // 互斥锁
}

// NewTokenBucket 创建新的令牌桶限流器
func NewTokenBucket(rate float64, capacity int) *TokenBucket {
	return &TokenBucket{
		rate:       rate,
		capacity:   capacity,
		tokens:     float64(capacity),
		lastRefill: time.Now(),
	}
}

// Allow 尝试获取令牌
func (tb *TokenBucket) Allow() bool {
	return tb.allowAt(time.Now())
}

func (tb *TokenBucket) allowAt(now time.Time) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	elapsed := now.Sub(tb.lastRefill).Seconds()
	if elapsed > 0 {
		tb.lastRefill = now
		// 填充令牌
		tb.tokens += elapsed * tb.rate
		if tb.tokens > float64(tb.capacity) {
			tb.tokens = float64(tb.capacity)
		}
	}

	if tb.tokens >= 1 {
		tb.tokens--
		return true
	}
	return false
}

// RateLimiterConfig 限流器配置
type RateLimiterConfig struct {
	Rate       float64                   // 每秒允许的请求数
	Burst      int                       // 允许的突发请求数
	ExpiryTime time.Duration             // 限流器闲置多久后回收
	LimitType  string                    // 限流类型: "ip", "path", "combined", "user"
	KeyFunc    func(*gin.Context) string // 自定义键生成函数
}

// DefaultRateLimiterConfig 默认限流器配置
var DefaultRateLimiterConfig = RateLimiterConfig{
	Rate:       1,             // 每秒1个请求
	Burst:      5,             // 允许5个突发请求
	ExpiryTime: 1 * time.Hour, // 闲置1小时后回收
	LimitType:  "ip",          // 默认按IP限流
}

type limiterEntry struct {
	bucket   *TokenBucket
	lastSeen time.Time
}

// limiterStore 每个中间件实例独立的限流器集合，访问时顺带回收闲置的限流器
type limiterStore struct {
	cfg       RateLimiterConfig
	mu        sync.Mutex
	limiters  map[string]*limiterEntry
	lastSweep time.Time
	now       func() time.Time
}

func newLimiterStore(cfg RateLimiterConfig) *limiterStore {
	return &limiterStore{
		cfg:       cfg,
		limiters:  make(map[string]*limiterEntry),
		lastSweep: time.Now(),
		now:       time.Now,
	}
}

func (s *limiterStore) get(key string) *TokenBucket {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if s.cfg.ExpiryTime > 0 && now.Sub(s.lastSweep) >= s.cfg.ExpiryTime {
		s.sweepLocked(now)
	}

	entry, ok := s.limiters[key]
	if !ok {
		entry = &limiterEntry{bucket: NewTokenBucket(s.cfg.Rate, s.cfg.Burst)}
		s.limiters[key] = entry
	}
	entry.lastSeen = now
	return entry.bucket
}

// sweepLocked 清理闲置超过 ExpiryTime 的限流器
func (s *limiterStore) sweepLocked(now time.Time) {
	for key, entry := range s.limiters {
		if now.Sub(entry.lastSeen) >= s.cfg.ExpiryTime {
			delete(s.limiters, key)
		}
	}
	s.lastSweep = now
}

func (s *limiterStore) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.limiters)
}

// limiterKey 根据限流类型生成键
func limiterKey(c *gin.Context, cfg RateLimiterConfig) string {
	switch cfg.LimitType {
	case "path":
		return c.FullPath()
	case "combined":
		return c.ClientIP() + ":" + c.FullPath()
	case "user":
		// 已认证的请求按用户限流，否则退回到IP
		if userID, ok := c.Get("userID"); ok {
			if id, ok := userID.(uint); ok {
				return "user:" + strconv.FormatUint(uint64(id), 10)
			}
		}
		return c.ClientIP()
	case "custom":
		if cfg.KeyFunc != nil {
			return cfg.KeyFunc(c)
		}
		return c.ClientIP()
	default:
		return c.ClientIP()
	}
}

// RateLimiter 创建限流中间件
func RateLimiter(config ...RateLimiterConfig) gin.HandlerFunc {
	// 使用默认配置或自定义配置
	cfg := DefaultRateLimiterConfig
	if len(config) > 0 {
		cfg = config[0]
	}

	// 确保配置有效
	if cfg.Rate <= 0 {
		cfg.Rate = DefaultRateLimiterConfig.Rate
	}
	if cfg.Burst <= 0 {
		cfg.Burst = DefaultRateLimiterConfig.Burst
	}
	if cfg.ExpiryTime <= 0 {
		cfg.ExpiryTime = DefaultRateLimiterConfig.ExpiryTime
	}
	if cfg.LimitType == "" {
		cfg.LimitType = DefaultRateLimiterConfig.LimitType
	}

	store := newLimiterStore(cfg)
	return func(c *gin.Context) {
		if !store.get(limiterKey(c, cfg)).Allow() {
			response.AbortWithCode(c, code.ErrTooManyRequests, "请求频率过高，请稍后再试")
			return
		}
		c.Next()
	}
}

// IPRateLimiter 按IP限流
func IPRateLimiter(rate float64, burst int) gin.HandlerFunc {
	return RateLimiter(RateLimiterConfig{
		Rate:      rate,
		Burst:     burst,
		LimitType: "ip",
	})
}

// PathRateLimiter 按路径限流
func PathRateLimiter(rate float64, burst int) gin.HandlerFunc {
	return RateLimiter(RateLimiterConfig{
		Rate:      rate,
		Burst:     burst,
		LimitType: "path",
	})
}

// UserRateLimiter 按登录用户限流，防止同一老人连续触发紧急操作
func UserRateLimiter(rate float64, burst int) gin.HandlerFunc {
	return RateLimiter(RateLimiterConfig{
		Rate:      rate,
		Burst:     burst,
		LimitType: "user",
	})
}
