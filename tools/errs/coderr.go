package errs

import "fmt"

// CodeError 统一的业务错误码，直接序列化返回给客户端
type CodeError struct {
	Code   int    `json:"code"`
	Msg    string `json:"msg"`
	Detail string `json:"detail,omitempty"`
}

func NewCodeError(code int, msg string) *CodeError {
	return &CodeError{Code: code, Msg: msg}
}

func (e *CodeError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("code=%d msg=%s", e.Code, e.Msg)
	}
	return fmt.Sprintf("code=%d msg=%s detail=%s", e.Code, e.Msg, e.Detail)
}

// WithDetail 追加明细，不修改原错误
func (e *CodeError) WithDetail(detail string) *CodeError {
	d := detail
	if e.Detail != "" {
		d = e.Detail + ", " + detail
	}
	return &CodeError{Code: e.Code, Msg: e.Msg, Detail: d}
}

// 预定义错误
var (
	ErrArgs         = NewCodeError(1001, "invalid argument")
	ErrTokenInvalid = NewCodeError(1501, "token invalid")
	ErrTokenExpired = NewCodeError(1502, "token expired")
	ErrNoPermission = NewCodeError(1503, "no permission")
	ErrUserNotFound = NewCodeError(1504, "user not found")
	ErrRateLimited  = NewCodeError(1601, "rate limit exceeded")
	ErrInternal     = NewCodeError(1999, "internal error")
)
