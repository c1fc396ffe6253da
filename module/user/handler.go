package user

import (
	"net/http"

	midsec "CollabProject/middleware/security"
	"CollabProject/service/authz"
	"CollabProject/tools/errs"
	"CollabProject/tools/security"

	"github.com/gin-gonic/gin"
)

type Handler struct {
	store authz.Store
	jwt   security.Options
}

func NewHandler(store authz.Store, jwtOpts security.Options) *Handler {
	return &Handler{store: store, jwt: jwtOpts}
}

type loginReq struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// HandlerLogin 登录换取 access token
func (h *Handler) HandlerLogin(c *gin.Context) {
	var req loginReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errs.ErrArgs)
		return
	}

	u, hashed, err := h.store.GetUserByName(c.Request.Context(), req.Username)
	if err != nil {
		c.JSON(http.StatusInternalServerError, errs.ErrInternal)
		return
	}
	if u == nil || !u.Active || security.HashPassword(req.Password) != hashed {
		c.JSON(http.StatusUnauthorized, errs.ErrUserNotFound)
		return
	}

	token, expireAt, err := security.Generate(h.jwt, u.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, errs.ErrInternal)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"token":     token,
		"expire_at": expireAt.Unix(),
		"user": gin.H{
			"id":   u.ID,
			"name": u.Username,
		},
	})
}

// HandlerCheck 校验当前 token（经过 auth 中间件后回显身份）
func (h *Handler) HandlerCheck(c *gin.Context) {
	userID := c.GetString(midsec.CtxUserIDKey)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, errs.ErrTokenInvalid)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": userID})
}
