package code

// HTTP状态码.
const (
	// StatusOK - 200: 成功.
	StatusOK = 200
	// StatusBadRequest - 400: 请求参数错误.
	StatusBadRequest = 400
	// StatusUnauthorized - 401: 未授权.
	StatusUnauthorized = 401
	// StatusForbidden - 403: 禁止访问.
	StatusForbidden = 403
	// StatusNotFound - 404: 资源不存在.
	StatusNotFound = 404
	// StatusConflict - 409: 资源冲突.
	StatusConflict = 409
	// StatusTooManyRequests - 429: 请求过多.
	StatusTooManyRequests = 429
	// StatusInternalServerError - 500: 服务器内部错误.
	StatusInternalServerError = 500
)

// 通用错误码 (100xxx).
const (
	// ErrSuccess - 200: 成功.
	ErrSuccess int = iota + 100000
	// ErrUnknown - 500: 未知错误.
	ErrUnknown
	// ErrBind - 400: 请求参数绑定错误.
	ErrBind
	// ErrValidation - 400: 请求参数验证错误.
	ErrValidation
	// ErrTokenInvalid - 401: 令牌无效.
	ErrTokenInvalid
	// ErrTooManyRequests - 429: 请求频率过高.
	ErrTooManyRequests
	// ErrForbidden - 403: 无权访问.
	ErrForbidden
)

// 用户相关错误码 (101xxx).
const (
	// ErrUserNotFound - 404: 用户不存在.
	ErrUserNotFound int = iota + 101000
	// ErrUserAlreadyExist - 409: 用户已存在.
	ErrUserAlreadyExist
	// ErrUserPasswordIncorrect - 401: 用户密码错误.
	ErrUserPasswordIncorrect
)

// 数据库相关错误码 (105xxx).
const (
	// ErrDatabase - 500: 数据库错误.
	ErrDatabase int = iota + 105000
	// ErrRecordNotFound - 404: 记录不存在.
	ErrRecordNotFound
)

// 紧急呼叫相关错误码 (106xxx).
const (
	// ErrEmergencyCallNotFound - 404: 紧急呼叫记录不存在.
	ErrEmergencyCallNotFound int = iota + 106000
	// ErrEmergencyStateUnavailable - 404: 暂无紧急呼叫状态.
	ErrEmergencyStateUnavailable
	// ErrEmergencyInvalidMethod - 400: 触发方式无效.
	ErrEmergencyInvalidMethod
)

// 家属绑定相关错误码 (107xxx).
const (
	// ErrBindNotFound - 404: 绑定关系不存在.
	ErrBindNotFound int = iota + 107000
	// ErrBindAlreadyExist - 409: 绑定关系已存在.
	ErrBindAlreadyExist
	// ErrBindNotPermitted - 403: 无该老人的访问权限.
	ErrBindNotPermitted
	// ErrBindInvalidStatus - 400: 绑定状态无效.
	ErrBindInvalidStatus
)
