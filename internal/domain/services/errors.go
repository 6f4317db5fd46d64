package services

import "errors"

var (
	ErrUserNotFound          = errors.New("用户不存在")
	ErrUserAlreadyExists     = errors.New("手机号已被注册")
	ErrInvalidCredentials    = errors.New("手机号或密码错误")
	ErrInvalidRole           = errors.New("用户角色无效")
	ErrBindNotFound          = errors.New("绑定关系不存在")
	ErrBindAlreadyExists     = errors.New("绑定关系已存在")
	ErrBindSelf              = errors.New("不能与自己建立绑定关系")
	ErrInvalidBindStatus     = errors.New("绑定状态无效")
	ErrEmergencyCallNotFound = errors.New("紧急呼叫记录不存在")
	ErrInvalidTriggerMethod  = errors.New("触发方式无效")
)
