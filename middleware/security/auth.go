package security

import (
	"net/http"
	"strings"

	"CollabProject/tools/errs"
	"CollabProject/tools/security"

	"github.com/gin-gonic/gin"
)

// —— context key ——
// 后续模块统一用这俩 key 读取
const (
	CtxUserIDKey = "authUserId" // string
	CtxTokenKey  = "authToken"  // string
)

type Options struct {
	JWT security.Options
}

func DefaultOptions(secret []byte) *Options {
	return &Options{JWT: security.DefaultOptions(secret)}
}

// Middleware 解析 Authorization: Bearer，校验 JWT 并把 userID 写入 context
func Middleware(opts *Options) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := BearerToken(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errs.ErrTokenInvalid)
			return
		}

		userID, err := security.Verify(opts.JWT, token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errs.ErrTokenInvalid)
			return
		}

		c.Set(CtxUserIDKey, userID)
		c.Set(CtxTokenKey, token)
		c.Next()
	}
}

// BearerToken 兼容 Authorization: Bearer xxx
func BearerToken(c *gin.Context) string {
	authz := strings.TrimSpace(c.GetHeader("Authorization"))
	if authz == "" {
		return ""
	}
	if strings.HasPrefix(strings.ToLower(authz), "bearer ") {
		return strings.TrimSpace(authz[len("bearer "):])
	}
	return ""
}
