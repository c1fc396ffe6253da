package collab

import (
	"context"
	"net/http"
	"sync"
	"time"

	"CollabProject/logger"
	"CollabProject/service/activity"
	"CollabProject/service/authz"

	"github.com/gin-gonic/gin"
)

// ActivityLogger 活动日志旁路（*activity.Sink 满足；单测用假实现）
type ActivityLogger interface {
	Log(ctx context.Context, ev activity.Event)
}

// Server 协作会话层：串起注册表、跨进程总线、授权服务和活动日志。
// 不是全局单例，由 main 构造后显式注入路由。
type Server struct {
	gwID     string
	reg      *Registry
	bus      EventBus
	authz    authz.Service
	activity ActivityLogger
	clock    func() time.Time

	subMu sync.Mutex
	subs  map[string]bool // workspaceID -> 本进程是否已订阅其频道
}

func NewServer(gwID string, reg *Registry, bus EventBus, az authz.Service, sink ActivityLogger) *Server {
	s := &Server{
		gwID:     gwID,
		reg:      reg,
		bus:      bus,
		authz:    az,
		activity: sink,
		clock:    time.Now,
		subs:     make(map[string]bool),
	}
	reg.OnEvict(s.onEvict)
	return s
}

// SetClock 注入时钟（单测用）
func (s *Server) SetClock(clock func() time.Time) {
	if clock != nil {
		s.clock = clock
	}
}

// onEvict 发送失败清理路径：离场序列 + 订阅回收
func (s *Server) onEvict(conn *Connection) {
	s.handleLeave(conn)
	s.releaseIfIdle(conn.WorkspaceID)
}

// ensureSubscribed 工作区出现第一条本地连接时订阅其总线频道
func (s *Server) ensureSubscribed(workspaceID string) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if s.subs[workspaceID] {
		return
	}
	s.subs[workspaceID] = true
	s.bus.Subscribe(WorkspaceChannel(workspaceID), s.handleBusMessage)
}

// releaseIfIdle 最后一条本地连接离开后取消订阅
func (s *Server) releaseIfIdle(workspaceID string) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if !s.subs[workspaceID] {
		return
	}
	if s.reg.WorkspaceConnCount(workspaceID) > 0 {
		return
	}
	delete(s.subs, workspaceID)
	s.bus.Unsubscribe(WorkspaceChannel(workspaceID))
}

// handleBusMessage 其他进程转发来的事件：只投递给本进程连接，
// 绝不二次发布（origin 过滤已在总线层完成）。
func (s *Server) handleBusMessage(msg *BusMessage) {
	switch msg.Type {
	case EventUserJoin, EventUserLeave, EventFileChange, EventCursorUpdate, EventMessage:
		s.reg.Broadcast(msg.WorkspaceID, Event{Type: msg.Type, Data: msg.Data}, "")
	default:
		logger.Debugf("[collab] ignoring bus message type=%s workspace=%s", msg.Type, msg.WorkspaceID)
	}
}

// HandleWorkspaceUsers GET /ws/workspace/:workspace_id/users
// 只反映本进程注册表（不聚合跨进程全局在线）
func (s *Server) HandleWorkspaceUsers(c *gin.Context) {
	workspaceID := c.Param("workspace_id")
	users := s.reg.WorkspaceUsers(workspaceID)
	c.JSON(http.StatusOK, gin.H{
		"workspace_id": workspaceID,
		"users":        users,
		"count":        len(users),
	})
}
