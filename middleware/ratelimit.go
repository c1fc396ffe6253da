package middleware

import (
	"net/http"
	"strconv"
	"strings"

	"CollabProject/service/ratelimit"
	"CollabProject/tools/errs"
	"CollabProject/tools/security"

	"github.com/gin-gonic/gin"
)

// RateLimit 滑动窗口准入控制。所有响应都带 X-RateLimit-* 头，
// 超限返回 429 + Retry-After。健康检查不限流。
func RateLimit(limiter ratelimit.Checker, limit int) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.URL.Path == "/health" {
			c.Next()
			return
		}

		clientID := ClientID(c)
		allowed, remaining, resetIn := limiter.Check(c.Request.Context(), clientID)

		c.Header("X-RateLimit-Limit", strconv.Itoa(limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))
		c.Header("X-RateLimit-Reset", strconv.Itoa(resetIn))

		if !allowed {
			c.Header("Retry-After", strconv.Itoa(resetIn))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, errs.ErrRateLimited)
			return
		}
		c.Next()
	}
}

// ClientID 限流身份：优先已认证身份（token 摘要），否则回退网络来源
func ClientID(c *gin.Context) string {
	if authz := strings.TrimSpace(c.GetHeader("Authorization")); authz != "" {
		if strings.HasPrefix(strings.ToLower(authz), "bearer ") {
			token := strings.TrimSpace(authz[len("bearer "):])
			if token != "" {
				return "user:" + security.HashToken(token)
			}
		}
	}

	if fwd := c.GetHeader("X-Forwarded-For"); fwd != "" {
		return "ip:" + strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	return "ip:" + c.ClientIP()
}
