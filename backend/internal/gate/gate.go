package gate

import (
	"context"
	"errors"
	"fmt"
)

// Permission 文档访问级别。
type Permission int

const (
	PermissionNone Permission = iota
	PermissionRead
	PermissionWrite
)

func (p Permission) String() string {
	switch p {
	case PermissionRead:
		return "read"
	case PermissionWrite:
		return "write"
	default:
		return "none"
	}
}

var (
	// ErrAuthenticationFailed 凭证缺失/无效/过期（关闭码 4401）。
	ErrAuthenticationFailed = errors.New("gate: authentication failed")
	// ErrAuthorizationFailed 用户对该文档没有读权限（关闭码 4403）。
	ErrAuthorizationFailed = errors.New("gate: authorization failed")
)

// Identity 外部身份协作方：把凭证解析成用户。
type Identity interface {
	Resolve(ctx context.Context, credential string) (userID uint64, username string, err error)
}

// Policy 外部权限协作方。
type Policy interface {
	PermissionFor(ctx context.Context, userID uint64, documentID string) (Permission, error)
}

// Session 一次通过鉴权的连接身份。
type Session struct {
	UserID     uint64
	Username   string
	Permission Permission
}

// Gate 连接级准入检查：纯查询，无共享可变状态，可按连接并发调用。
type Gate struct {
	identity Identity
	policy   Policy
}

func New(identity Identity, policy Policy) *Gate {
	return &Gate{identity: identity, policy: policy}
}

func (g *Gate) Authorize(ctx context.Context, documentID, credential string) (Session, error) {
	if credential == "" {
		return Session{}, ErrAuthenticationFailed
	}
	userID, username, err := g.identity.Resolve(ctx, credential)
	if err != nil {
		return Session{}, fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}
	perm, err := g.policy.PermissionFor(ctx, userID, documentID)
	if err != nil {
		// 查询失败不是拒绝：不能戴上 ErrAuthorizationFailed，
		// 否则一次库抖动就让客户端进入终态的"无权限"
		return Session{}, fmt.Errorf("gate: permission lookup: %w", err)
	}
	if perm == PermissionNone {
		return Session{}, ErrAuthorizationFailed
	}
	return Session{UserID: userID, Username: username, Permission: perm}, nil
}
