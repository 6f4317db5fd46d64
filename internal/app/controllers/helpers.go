package controllers

import (
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"

	"sangzi-care-service/internal/domain/models"
	"sangzi-care-service/internal/domain/services"
	"sangzi-care-service/internal/error/code"
	"sangzi-care-service/internal/error/response"
	"sangzi-care-service/pkg/logger"
)

// ErrorResponse 表示错误响应
type ErrorResponse struct {
	Code    int         `json:"code" example:"101000"`
	Message string      `json:"message" example:"用户不存在"`
	Data    interface{} `json:"data"`
}

// currentUser 认证中间件写入的用户ID和角色
func currentUser(ctx *gin.Context) (uint, models.UserRole, bool) {
	rawID, ok := ctx.Get("userID")
	if !ok {
		return 0, "", false
	}
	userID, ok := rawID.(uint)
	if !ok || userID == 0 {
		return 0, "", false
	}
	rawRole, _ := ctx.Get("role")
	role, _ := rawRole.(models.UserRole)
	return userID, role, true
}

// mustCurrentUser 未登录时直接写入401响应
func mustCurrentUser(ctx *gin.Context) (uint, bool) {
	userID, _, ok := currentUser(ctx)
	if !ok {
		response.Unauthorized(ctx)
		return 0, false
	}
	return userID, true
}

func parseIDParam(ctx *gin.Context, name string) (uint, bool) {
	id, err := strconv.ParseUint(ctx.Param(name), 10, 64)
	if err != nil || id == 0 {
		response.ParamError(ctx, "无效的"+name)
		return 0, false
	}
	return uint(id), true
}

// serviceErrorCodes 服务层错误到业务错误码
var serviceErrorCodes = []struct {
	err  error
	code int
}{
	{services.ErrUserNotFound, code.ErrUserNotFound},
	{services.ErrUserAlreadyExists, code.ErrUserAlreadyExist},
	{services.ErrInvalidCredentials, code.ErrUserPasswordIncorrect},
	{services.ErrInvalidRole, code.ErrValidation},
	{services.ErrBindNotFound, code.ErrBindNotFound},
	{services.ErrBindAlreadyExists, code.ErrBindAlreadyExist},
	{services.ErrBindSelf, code.ErrValidation},
	{services.ErrInvalidBindStatus, code.ErrBindInvalidStatus},
	{services.ErrEmergencyCallNotFound, code.ErrEmergencyCallNotFound},
	{services.ErrInvalidTriggerMethod, code.ErrEmergencyInvalidMethod},
}

// failWithServiceError 已知错误返回对应错误码，其余视为数据库错误
func failWithServiceError(ctx *gin.Context, err error) {
	for _, mapping := range serviceErrorCodes {
		if errors.Is(err, mapping.err) {
			response.FailWithMessage(ctx, mapping.code, err.Error(), nil)
			return
		}
	}
	logger.Error("请求处理失败: path=%s, err=%v", ctx.FullPath(), err)
	response.Fail(ctx, code.ErrDatabase, nil)
}
