package collab

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"CollabProject/logger"
	"CollabProject/tools/ids"
)

// Registry 本进程的在线连接注册表。三个映射同锁维护：
//   - conns: connID -> Connection（唯一事实来源）
//   - byWorkspace / byUser: 派生索引，任何时刻不得与 conns 脱节
//
// 注册表锁从不跨网络发送持有：广播先在锁内做快照，锁外逐个发送。
type Registry struct {
	mu          sync.RWMutex
	conns       map[string]*Connection
	byWorkspace map[string]map[string]struct{}
	byUser      map[string]map[string]struct{}

	clock   func() time.Time
	onEvict func(*Connection) // 发送失败被摘除后的回调（触发离场序列）
}

func NewRegistry() *Registry {
	return &Registry{
		conns:       make(map[string]*Connection),
		byWorkspace: make(map[string]map[string]struct{}),
		byUser:      make(map[string]map[string]struct{}),
		clock:       time.Now,
	}
}

// SetClock 注入时钟（单测用）
func (r *Registry) SetClock(clock func() time.Time) {
	if clock != nil {
		r.clock = clock
	}
}

// OnEvict 注册发送失败清理后的回调；回调在注册表锁之外执行
func (r *Registry) OnEvict(fn func(*Connection)) {
	r.onEvict = fn
}

// Register 登记一条已通过认证与授权的连接，返回 Connection。
// 连接ID基于雪花ID，进程生命周期内唯一；撞上是致命的不变量破坏。
func (r *Registry) Register(ws wsWriter, workspaceID, userID, username string) *Connection {
	conn := &Connection{
		ID:          ids.ConnID(workspaceID, userID),
		UserID:      userID,
		Username:    username,
		WorkspaceID: workspaceID,
		ConnectedAt: r.clock(),
		ws:          ws,
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, dup := r.conns[conn.ID]; dup {
		panic(fmt.Sprintf("collab: duplicate connection id %s", conn.ID))
	}
	r.conns[conn.ID] = conn

	if r.byWorkspace[workspaceID] == nil {
		r.byWorkspace[workspaceID] = make(map[string]struct{})
	}
	r.byWorkspace[workspaceID][conn.ID] = struct{}{}

	if r.byUser[userID] == nil {
		r.byUser[userID] = make(map[string]struct{})
	}
	r.byUser[userID][conn.ID] = struct{}{}

	logger.Infof("[collab] user %s connected workspace=%s conn=%s", username, workspaceID, conn.ID)
	return conn
}

// Unregister 摘除连接并同步清理两个派生索引。幂等：
// 重复摘除返回 (nil, false)，不报错不破坏状态。
func (r *Registry) Unregister(connID string) (*Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.unregisterLocked(connID)
}

func (r *Registry) unregisterLocked(connID string) (*Connection, bool) {
	conn, ok := r.conns[connID]
	if !ok {
		return nil, false
	}
	delete(r.conns, connID)

	if set := r.byWorkspace[conn.WorkspaceID]; set != nil {
		delete(set, connID)
		if len(set) == 0 {
			delete(r.byWorkspace, conn.WorkspaceID)
		}
	}
	if set := r.byUser[conn.UserID]; set != nil {
		delete(set, connID)
		if len(set) == 0 {
			delete(r.byUser, conn.UserID)
		}
	}

	logger.Infof("[collab] user %s disconnected workspace=%s conn=%s", conn.Username, conn.WorkspaceID, connID)
	return conn, true
}

// Broadcast 向工作区内除 exclude 外的所有连接发送事件。
// 单个连接发送失败只摘除该连接，不影响其余投递。
func (r *Registry) Broadcast(workspaceID string, ev Event, excludeConnID string) {
	payload, err := json.Marshal(ev)
	if err != nil {
		logger.Errorf("[collab] marshal event failed type=%s err=%v", ev.Type, err)
		return
	}

	r.mu.RLock()
	targets := make([]*Connection, 0, len(r.byWorkspace[workspaceID]))
	for connID := range r.byWorkspace[workspaceID] {
		if connID == excludeConnID {
			continue
		}
		if conn, ok := r.conns[connID]; ok {
			targets = append(targets, conn)
		}
	}
	r.mu.RUnlock()

	r.sendAll(targets, payload)
}

// SendToUser 向某个用户的所有连接（多端）发送事件
func (r *Registry) SendToUser(userID string, ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		logger.Errorf("[collab] marshal event failed type=%s err=%v", ev.Type, err)
		return
	}

	r.mu.RLock()
	targets := make([]*Connection, 0, len(r.byUser[userID]))
	for connID := range r.byUser[userID] {
		if conn, ok := r.conns[connID]; ok {
			targets = append(targets, conn)
		}
	}
	r.mu.RUnlock()

	r.sendAll(targets, payload)
}

// SendToConnection 向单条连接发送；连接未知或发送失败返回 false，
// 失败的连接作为副作用被摘除。
func (r *Registry) SendToConnection(connID string, ev Event) bool {
	r.mu.RLock()
	conn, ok := r.conns[connID]
	r.mu.RUnlock()
	if !ok {
		return false
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		logger.Errorf("[collab] marshal event failed type=%s err=%v", ev.Type, err)
		return false
	}

	if err := conn.send(payload); err != nil {
		logger.Warnf("[collab] send failed conn=%s err=%v", connID, err)
		r.evict(conn)
		return false
	}
	return true
}

// sendAll 锁外逐个发送，失败的连接统一摘除
func (r *Registry) sendAll(targets []*Connection, payload []byte) {
	var failed []*Connection
	for _, conn := range targets {
		if err := conn.send(payload); err != nil {
			logger.Warnf("[collab] send failed conn=%s err=%v", conn.ID, err)
			failed = append(failed, conn)
		}
	}
	for _, conn := range failed {
		r.evict(conn)
	}
}

// evict 发送失败清理路径：摘除 + 关闭 + 通知上层跑离场序列
func (r *Registry) evict(conn *Connection) {
	r.mu.Lock()
	_, ok := r.unregisterLocked(conn.ID)
	r.mu.Unlock()
	if !ok {
		return
	}
	_ = conn.ws.Close()
	if r.onEvict != nil {
		r.onEvict(conn)
	}
}

// WorkspaceUsers 工作区在线用户，按 userID 去重（多端算一个人）
func (r *Registry) WorkspaceUsers(workspaceID string) []UserPresence {
	r.mu.RLock()
	defer r.mu.RUnlock()

	users := make([]UserPresence, 0)
	seen := make(map[string]struct{})
	for connID := range r.byWorkspace[workspaceID] {
		conn, ok := r.conns[connID]
		if !ok {
			continue
		}
		if _, dup := seen[conn.UserID]; dup {
			continue
		}
		seen[conn.UserID] = struct{}{}
		users = append(users, UserPresence{
			UserID:      conn.UserID,
			Username:    conn.Username,
			ConnectedAt: conn.ConnectedAt.UTC().Format(time.RFC3339),
		})
	}
	sort.Slice(users, func(i, j int) bool { return users[i].UserID < users[j].UserID })
	return users
}

// WorkspaceConnCount 工作区当前连接数（不去重）
func (r *Registry) WorkspaceConnCount(workspaceID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byWorkspace[workspaceID])
}

// Get 按连接ID查询
func (r *Registry) Get(connID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[connID]
	return conn, ok
}
