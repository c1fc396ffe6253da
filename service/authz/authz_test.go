package authz

import (
	"context"
	"testing"

	"CollabProject/tools/security"
)

// memStore 内存版 Store（单测用）
type memStore struct {
	users     map[string]*User
	workspace map[string]*Workspace
	access    map[string]bool // projectID:userID -> viewer+
}

func (m *memStore) GetUserByID(_ context.Context, userID string) (*User, error) {
	return m.users[userID], nil
}

func (m *memStore) GetUserByName(_ context.Context, username string) (*User, string, error) {
	for _, u := range m.users {
		if u.Username == username {
			return u, security.HashPassword("pw-" + u.ID), nil
		}
	}
	return nil, "", nil
}

func (m *memStore) GetWorkspace(_ context.Context, workspaceID string) (*Workspace, error) {
	return m.workspace[workspaceID], nil
}

func (m *memStore) HasProjectAccess(_ context.Context, projectID, userID string) (bool, error) {
	return m.access[projectID+":"+userID], nil
}

func newTestService(t *testing.T) (Service, security.Options) {
	t.Helper()
	store := &memStore{
		users: map[string]*User{
			"u1": {ID: "u1", Username: "alice", Active: true},
			"u2": {ID: "u2", Username: "mallory", Active: false},
		},
		workspace: map[string]*Workspace{
			"w1": {ID: "w1", ProjectID: "p1", Name: "main"},
		},
		access: map[string]bool{"p1:u1": true},
	}
	opts := security.DefaultOptions([]byte("test-secret"))
	return NewService(store, opts), opts
}

func TestAuthenticate(t *testing.T) {
	svc, opts := newTestService(t)
	ctx := context.Background()

	token, _, err := security.Generate(opts, "u1")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	u, err := svc.Authenticate(ctx, token)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if u.ID != "u1" || u.Username != "alice" {
		t.Fatalf("unexpected user %+v", u)
	}
}

func TestAuthenticateRejectsInactiveUser(t *testing.T) {
	svc, opts := newTestService(t)

	token, _, err := security.Generate(opts, "u2")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := svc.Authenticate(context.Background(), token); err == nil {
		t.Fatalf("inactive user must not authenticate")
	}
}

func TestAuthenticateRejectsBadToken(t *testing.T) {
	svc, _ := newTestService(t)
	if _, err := svc.Authenticate(context.Background(), "bogus"); err == nil {
		t.Fatalf("bad token must be rejected")
	}
}

func TestCheckWorkspaceAccess(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	ws, err := svc.CheckWorkspaceAccess(ctx, "w1", "u1")
	if err != nil {
		t.Fatalf("access check: %v", err)
	}
	if ws.ProjectID != "p1" {
		t.Fatalf("unexpected workspace %+v", ws)
	}

	if _, err := svc.CheckWorkspaceAccess(ctx, "w1", "u2"); err == nil {
		t.Fatalf("user without project access must be denied")
	}
	if _, err := svc.CheckWorkspaceAccess(ctx, "missing", "u1"); err == nil {
		t.Fatalf("unknown workspace must be denied")
	}
}
