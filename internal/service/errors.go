package service

import "errors"

// 业务层通用错误，handler 可根据错误类型映射到合适的 HTTP 状态码。
var (
	ErrUserNotFound       = errors.New("user not found")
	ErrEventNotFound      = errors.New("event not found")
	ErrInvalidEvent       = errors.New("invalid event")
	ErrCodeTaken          = errors.New("event code taken")
	ErrForbidden          = errors.New("forbidden")
	ErrNotMember          = errors.New("not a member of this event")
	ErrAlreadyJoined      = errors.New("user already joined")
	ErrNotJoined          = errors.New("user has not joined")
	ErrCreatorCannotLeave = errors.New("creator cannot leave own event")
	ErrInvalidMessage     = errors.New("invalid message")
)
