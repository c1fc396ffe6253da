package collab

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"CollabProject/service/authz"
	"CollabProject/tools/errs"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// fakeAuthz token "good-*" 放行，其余拒绝；工作区 "private" 拒绝访问
type fakeAuthz struct{}

func (fakeAuthz) Authenticate(_ context.Context, token string) (*authz.User, error) {
	if !strings.HasPrefix(token, "good-") {
		return nil, errs.ErrTokenInvalid
	}
	id := strings.TrimPrefix(token, "good-")
	return &authz.User{ID: id, Username: "user-" + id, Active: true}, nil
}

func (fakeAuthz) CheckWorkspaceAccess(_ context.Context, workspaceID, _ string) (*authz.Workspace, error) {
	if workspaceID == "private" {
		return nil, errs.ErrNoPermission
	}
	return &authz.Workspace{ID: workspaceID, ProjectID: "p1", Name: "ws"}, nil
}

func newTestHTTPServer(t *testing.T) (*httptest.Server, *Registry) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	reg := NewRegistry()
	s := NewServer("gw-test", reg, newFakeBus(), fakeAuthz{}, &fakeSink{})

	r := gin.New()
	r.GET("/ws/workspace/:workspace_id", s.HandleWS)
	r.GET("/ws/workspace/:workspace_id/users", s.HandleWorkspaceUsers)

	ts := httptest.NewServer(r)
	t.Cleanup(ts.Close)
	return ts, reg
}

func wsURL(ts *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + path
}

func readEvent(t *testing.T, conn *websocket.Conn) Event {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		t.Fatalf("bad event %q: %v", raw, err)
	}
	return ev
}

func TestWSSessionRoundTrip(t *testing.T) {
	ts, _ := newTestHTTPServer(t)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/ws/workspace/W?token=good-u1"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	// 入场先收到在线快照
	state := readEvent(t, conn)
	if state.Type != EventWorkspaceState {
		t.Fatalf("first event = %s, want workspace.state", state.Type)
	}
	if n, _ := state.Data["user_count"].(float64); int(n) != 1 {
		t.Fatalf("user_count = %v, want 1", state.Data["user_count"])
	}

	// 聊天消息回显给发送者自己
	msg := `{"type":"message","data":{"message":"hi"}}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
		t.Fatalf("write: %v", err)
	}
	echo := readEvent(t, conn)
	if echo.Type != EventMessage {
		t.Fatalf("echo type = %s, want message", echo.Type)
	}
	if got, _ := echo.Data["message"].(string); got != "hi" {
		t.Fatalf("echo payload = %v", echo.Data)
	}

	// 断开后本地注册表应清零
	_ = conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, err := http.Get(ts.URL + "/ws/workspace/W/users")
		if err != nil {
			t.Fatalf("users endpoint: %v", err)
		}
		var body struct {
			WorkspaceID string         `json:"workspace_id"`
			Users       []UserPresence `json:"users"`
			Count       int            `json:"count"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			t.Fatalf("decode users: %v", err)
		}
		_ = resp.Body.Close()
		if body.Count == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("registry not drained after disconnect: %+v", body)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWSRejectsBadToken(t *testing.T) {
	ts, reg := newTestHTTPServer(t)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/ws/workspace/W?token=bad"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = conn.Close() }()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	if !ok || closeErr.Code != CloseAuthFailed {
		t.Fatalf("expected close code %d, got %v", CloseAuthFailed, err)
	}
	if reg.WorkspaceConnCount("W") != 0 {
		t.Fatalf("rejected handshake must not create a registry entry")
	}
}

func TestWSRejectsNoWorkspaceAccess(t *testing.T) {
	ts, reg := newTestHTTPServer(t)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/ws/workspace/private?token=good-u1"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = conn.Close() }()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	if !ok || closeErr.Code != CloseAccessDenied {
		t.Fatalf("expected close code %d, got %v", CloseAccessDenied, err)
	}
	if reg.WorkspaceConnCount("private") != 0 {
		t.Fatalf("denied handshake must not create a registry entry")
	}
}

func TestWSTwoClientsSeeEachOther(t *testing.T) {
	ts, _ := newTestHTTPServer(t)

	a, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/ws/workspace/W?token=good-u1"), nil)
	if err != nil {
		t.Fatalf("dial a: %v", err)
	}
	defer func() { _ = a.Close() }()
	if ev := readEvent(t, a); ev.Type != EventWorkspaceState {
		t.Fatalf("a first event = %s", ev.Type)
	}

	b, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/ws/workspace/W?token=good-u2"), nil)
	if err != nil {
		t.Fatalf("dial b: %v", err)
	}
	defer func() { _ = b.Close() }()

	// A 看到 B 入场
	join := readEvent(t, a)
	if join.Type != EventUserJoin {
		t.Fatalf("a got %s, want user.join", join.Type)
	}
	if uid, _ := join.Data["user_id"].(string); uid != "u2" {
		t.Fatalf("join user_id = %v", join.Data["user_id"])
	}

	// B 的快照包含两个人
	state := readEvent(t, b)
	if state.Type != EventWorkspaceState {
		t.Fatalf("b first event = %s", state.Type)
	}
	if n, _ := state.Data["user_count"].(float64); int(n) != 2 {
		t.Fatalf("b snapshot user_count = %v, want 2", state.Data["user_count"])
	}

	// B 的光标更新只到 A
	cur := `{"type":"cursor.update","data":{"file_path":"m.go","position":{"line":1}}}`
	if err := b.WriteMessage(websocket.TextMessage, []byte(cur)); err != nil {
		t.Fatalf("write cursor: %v", err)
	}
	ev := readEvent(t, a)
	if ev.Type != EventCursorUpdate {
		t.Fatalf("a got %s, want cursor.update", ev.Type)
	}
}
