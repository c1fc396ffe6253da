package collab

import (
	"context"
	"net"
	"net/http"
	"time"

	"CollabProject/logger"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// 握手拒绝码
const (
	CloseAuthFailed   = 4001 // 认证失败
	CloseAccessDenied = 4003 // 工作区无权限
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// HandleWS GET /ws/workspace/:workspace_id?token={jwt}
//
// 每条连接一个读循环协程；离场序列由 defer 兜底，
// 读循环里的任何异常退出都必然走到清理。
func (s *Server) HandleWS(c *gin.Context) {
	workspaceID := c.Param("workspace_id")
	token := c.Query("token")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Infof("[ws] upgrade failed: %v", err)
		return
	}

	ctx := context.Background()

	user, err := s.authz.Authenticate(ctx, token)
	if err != nil {
		logger.Warnf("[ws] authentication failed workspace=%s err=%v", workspaceID, err)
		closeWith(ws, CloseAuthFailed, "Authentication failed")
		return
	}

	if _, err := s.authz.CheckWorkspaceAccess(ctx, workspaceID, user.ID); err != nil {
		logger.Warnf("[ws] access denied workspace=%s user=%s err=%v", workspaceID, user.ID, err)
		closeWith(ws, CloseAccessDenied, "Workspace access denied")
		return
	}

	conn := s.reg.Register(ws, workspaceID, user.ID, user.Username)
	s.ensureSubscribed(workspaceID)

	defer func() {
		// 正常断开时这里摘除；发送失败清理路径下 Unregister 已发生，
		// handleLeave 内部的 once 保证离场序列不会跑两遍
		s.reg.Unregister(conn.ID)
		s.handleLeave(conn)
		s.releaseIfIdle(workspaceID)
		_ = ws.Close()
	}()

	s.handleJoin(ctx, conn)

	for {
		mt, data, rerr := ws.ReadMessage()
		if rerr != nil {
			if websocket.IsCloseError(rerr,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) {
				logger.Infof("[ws] peer closed conn=%s", conn.ID)
			} else if ne, ok := rerr.(net.Error); ok && ne.Timeout() {
				logger.Infof("[ws] read timeout conn=%s err=%v", conn.ID, rerr)
			} else {
				logger.Infof("[ws] read err conn=%s err=%v", conn.ID, rerr)
			}
			return
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		s.dispatch(conn, data)
	}
}

// closeWith 发送关闭帧后断开；握手被拒的连接从不进注册表
func closeWith(ws *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(time.Second)
	_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	_ = ws.Close()
}
