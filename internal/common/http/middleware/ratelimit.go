package middleware

import (
	"context"
	"fmt"
	"time"

	"kurooj/internal/common/cache"
	pkgerrors "kurooj/pkg/errors"
	"kurooj/pkg/utils/logger"
	"kurooj/pkg/utils/response"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const defaultRateLimitTimeout = 200 * time.Millisecond

// RateLimiter enforces fixed-window request counts stored in the cache.
type RateLimiter struct {
	cache   cache.Cache
	window  time.Duration
	timeout time.Duration
}

func NewRateLimiter(cacheClient cache.Cache, window, timeout time.Duration) *RateLimiter {
	if window <= 0 {
		window = time.Minute
	}
	if timeout <= 0 {
		timeout = defaultRateLimitTimeout
	}
	return &RateLimiter{cache: cacheClient, window: window, timeout: timeout}
}

// Allow counts one request against key and fails with TooManyRequests once
// more than max requests landed in the current window.
func (l *RateLimiter) Allow(ctx context.Context, key string, max int) error {
	if max <= 0 {
		return nil
	}
	if l.cache == nil {
		return pkgerrors.New(pkgerrors.ServiceUnavailable).WithMessage("rate limit cache is unavailable")
	}

	ctxCache, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	acquired, err := l.cache.SetNX(ctxCache, key, 1, l.window)
	if err != nil {
		return pkgerrors.Wrapf(err, pkgerrors.CacheError, "rate limit check failed")
	}
	count := int64(1)
	if !acquired {
		count, err = l.cache.Incr(ctxCache, key)
		if err != nil {
			return pkgerrors.Wrapf(err, pkgerrors.CacheError, "rate limit check failed")
		}
		// A key that lost its expiry would block the client forever.
		if ttl, ttlErr := l.cache.TTL(ctxCache, key); ttlErr == nil && ttl <= 0 {
			_ = l.cache.Expire(ctxCache, key, l.window)
		}
	}
	if count > int64(max) {
		return pkgerrors.New(pkgerrors.TooManyRequests).WithMessage(fmt.Sprintf("rate limit exceeded for %s", key))
	}
	return nil
}

// RateLimitMiddleware limits each client ip to ipMax requests per window on
// the route. Cache failures let the request through.
func RateLimitMiddleware(limiter *RateLimiter, routeKey string, ipMax int) gin.HandlerFunc {
	return func(c *gin.Context) {
		if limiter == nil || ipMax <= 0 {
			c.Next()
			return
		}
		key := fmt.Sprintf("judge:rate:ip:%s:%s", c.ClientIP(), routeKey)
		if err := limiter.Allow(c.Request.Context(), key, ipMax); err != nil {
			if pkgerrors.Is(err, pkgerrors.TooManyRequests) {
				response.AbortWithError(c, err)
				return
			}
			logger.Warn(c.Request.Context(), "rate limit check skipped", zap.String("route", routeKey), zap.Error(err))
		}
		c.Next()
	}
}
