package server

import (
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/arbiter/internal/observability/logger"
	"github.com/smallbiznis/arbiter/internal/ratelimit"
	"go.uber.org/zap"
)

// RateLimit throttles a class of endpoints per resolved actor. System
// callers are never throttled.
func (s *Server) RateLimit(class ratelimit.Class) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.limiter.Enabled() {
			c.Next()
			return
		}
		actor, ok := actorFromContext(c)
		if !ok || actor.IsSystem() {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		res, err := s.limiter.Allow(ctx, actor.String(), class)
		if err != nil {
			// fail open
			logger.FromContext(ctx).Warn("rate limit check failed", zap.String("class", string(class)), zap.Error(err))
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(res.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
		if !res.Allowed {
			retry := int(res.RetryAfter.Seconds())
			if retry < 1 {
				retry = 1
			}
			logger.FromContext(ctx).Warn("rate limit exceeded",
				zap.String("class", string(class)),
				zap.String("route", normalizeRateLimitEndpoint(c)),
			)
			c.Header("Retry-After", strconv.Itoa(retry))
			AbortWithError(c, ErrRateLimited)
			return
		}
		c.Next()
	}
}

func normalizeRateLimitEndpoint(c *gin.Context) string {
	if c == nil {
		return "unknown"
	}
	endpoint := strings.TrimSpace(c.FullPath())
	if endpoint == "" {
		endpoint = strings.TrimSpace(c.Request.URL.Path)
	}
	if endpoint == "" {
		endpoint = "unknown"
	}
	return endpoint
}
