package code

// 错误码消息映射
var codeMessageMap = map[int]string{
	// 通用错误码
	ErrSuccess:         "成功",
	ErrUnknown:         "未知错误",
	ErrBind:            "请求参数绑定错误",
	ErrValidation:      "请求参数验证错误",
	ErrTokenInvalid:    "无效的认证令牌",
	ErrTooManyRequests: "请求频率过高，请稍后再试",
	ErrForbidden:       "无权访问",

	// 用户相关错误码
	ErrUserNotFound:          "用户不存在",
	ErrUserAlreadyExist:      "用户已存在",
	ErrUserPasswordIncorrect: "用户密码错误",

	// 数据库相关错误码
	ErrDatabase:       "数据库错误",
	ErrRecordNotFound: "记录不存在",

	// 紧急呼叫相关错误码
	ErrEmergencyCallNotFound:     "紧急呼叫记录不存在",
	ErrEmergencyStateUnavailable: "暂无紧急呼叫状态",
	ErrEmergencyInvalidMethod:    "触发方式无效",

	// 家属绑定相关错误码
	ErrBindNotFound:      "绑定关系不存在",
	ErrBindAlreadyExist:  "绑定关系已存在",
	ErrBindNotPermitted:  "无该老人的访问权限",
	ErrBindInvalidStatus: "绑定状态无效",
}

// 错误码HTTP状态码映射
var codeStatusMap = map[int]int{
	// 通用错误码
	ErrSuccess:         StatusOK,
	ErrUnknown:         StatusInternalServerError,
	ErrBind:            StatusBadRequest,
	ErrValidation:      StatusBadRequest,
	ErrTokenInvalid:    StatusUnauthorized,
	ErrTooManyRequests: StatusTooManyRequests,
	ErrForbidden:       StatusForbidden,

	// 用户相关错误码
	ErrUserNotFound:          StatusNotFound,
	ErrUserAlreadyExist:      StatusConflict,
	ErrUserPasswordIncorrect: StatusUnauthorized,

	// 数据库相关错误码
	ErrDatabase:       StatusInternalServerError,
	ErrRecordNotFound: StatusNotFound,

	// 紧急呼叫相关错误码
	ErrEmergencyCallNotFound:     StatusNotFound,
	ErrEmergencyStateUnavailable: StatusNotFound,
	ErrEmergencyInvalidMethod:    StatusBadRequest,

	// 家属绑定相关错误码
	ErrBindNotFound:      StatusNotFound,
	ErrBindAlreadyExist:  StatusConflict,
	ErrBindNotPermitted:  StatusForbidden,
	ErrBindInvalidStatus: StatusBadRequest,
}

// GetMessage 获取错误码对应的消息
func GetMessage(code int) string {
	if msg, ok := codeMessageMap[code]; ok {
		return msg
	}
	return "未知错误"
}

// GetStatus 获取错误码对应的HTTP状态码
func GetStatus(code int) int {
	if status, ok := codeStatusMap[code]; ok {
		return status
	}
	return StatusInternalServerError
}
