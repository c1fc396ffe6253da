package authz

import (
	"context"

	"CollabProject/tools/errs"
	"CollabProject/tools/security"
)

// User 认证后的用户身份
type User struct {
	ID       string
	Username string
	Active   bool
}

// Workspace 授权校验返回的工作区信息
type Workspace struct {
	ID        string
	ProjectID string
	Name      string
}

// Store 关系库访问（用户/工作区/项目成员），pgx 实现见 pgstore.go
type Store interface {
	GetUserByID(ctx context.Context, userID string) (*User, error)
	GetUserByName(ctx context.Context, username string) (*User, string, error) // 返回口令摘要
	GetWorkspace(ctx context.Context, workspaceID string) (*Workspace, error)
	// HasProjectAccess viewer 及以上：项目 owner、公开项目或协作者
	HasProjectAccess(ctx context.Context, projectID, userID string) (bool, error)
}

// Service 会话接入前的认证+授权。协作会话层只依赖这个接口。
type Service interface {
	// Authenticate 校验 token，返回用户；失败统一返回 ErrTokenInvalid
	Authenticate(ctx context.Context, token string) (*User, error)
	// CheckWorkspaceAccess 工作区存在且用户至少有 viewer 权限
	CheckWorkspaceAccess(ctx context.Context, workspaceID, userID string) (*Workspace, error)
}

type service struct {
	store Store
	jwt   security.Options
}

func NewService(store Store, jwtOpts security.Options) Service {
	return &service{store: store, jwt: jwtOpts}
}

func (s *service) Authenticate(ctx context.Context, token string) (*User, error) {
	userID, err := security.Verify(s.jwt, token)
	if err != nil {
		return nil, errs.ErrTokenInvalid.WithDetail(err.Error())
	}
	u, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return nil, errs.ErrTokenInvalid.WithDetail(err.Error())
	}
	if u == nil || !u.Active {
		return nil, errs.ErrTokenInvalid
	}
	return u, nil
}

func (s *service) CheckWorkspaceAccess(ctx context.Context, workspaceID, userID string) (*Workspace, error) {
	ws, err := s.store.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return nil, errs.ErrInternal.WithDetail(err.Error())
	}
	if ws == nil {
		return nil, errs.ErrNoPermission
	}
	ok, err := s.store.HasProjectAccess(ctx, ws.ProjectID, userID)
	if err != nil {
		return nil, errs.ErrInternal.WithDetail(err.Error())
	}
	if !ok {
		return nil, errs.ErrNoPermission
	}
	return ws, nil
}
