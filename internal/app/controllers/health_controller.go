package controllers

import (
	"time"

	"github.com/gin-gonic/gin"

	"sangzi-care-service/internal/app/middleware"
	"sangzi-care-service/internal/domain/services"
	"sangzi-care-service/internal/domain/services/container"
	"sangzi-care-service/internal/error/code"
	"sangzi-care-service/internal/error/response"
	"sangzi-care-service/internal/infrastructure/database"
	"sangzi-care-service/pkg/logger"
)

// HealthCheckController 健康检查控制器
type HealthCheckController struct {
	Ctx       *gin.Context
	Container *container.ServiceContainer
}

// NewHealthCheckController 创建健康检查控制器实例
func NewHealthCheckController(ctx *gin.Context, container *container.ServiceContainer) *HealthCheckController {
	return &HealthCheckController{
		Ctx:       ctx,
		Container: container,
	}
}

// HandleHealthFunc 返回一个处理健康检查请求的Gin处理函数
func HandleHealthFunc(container *container.ServiceContainer, method string) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		controller := NewHealthCheckController(ctx, container)

		switch method {
		case "ping":
			controller.Ping()
		case "status":
			controller.Status()
		case "cacheStats":
			controller.CacheStats()
		default:
			response.FailWithMessage(ctx, code.ErrBind, "无效的方法", nil)
		}
	}
}

// Ping 健康检查端点
// @Summary      Ping
// @Tags         Health
// @Produce      json
// @Success      200  {object}  map[string]interface{}
// @Router       /ping [get]
func (h *HealthCheckController) Ping() {
	response.Success(h.Ctx, gin.H{
		"status":  "healthy",
		"message": "pong",
	})
}

// Status 各依赖的连接状态，Redis 和 MQTT 不可用时服务降级运行
// @Summary      Dependency Status
// @Tags         Health
// @Produce      json
// @Success      200  {object}  map[string]interface{}
// @Router       /health/status [get]
func (h *HealthCheckController) Status() {
	status := gin.H{
		"database": "down",
		"redis":    "disabled",
		"mqtt":     "disabled",
		"time":     time.Now(),
	}

	if err := database.HealthCheck(h.Container.GetDB()); err == nil {
		status["database"] = "up"
	} else {
		logger.Warning("[Health] 数据库健康检查失败: %v", err)
	}
	if redisService, ok := h.Container.GetService("redis").(services.InterfaceRedisService); ok && redisService != nil {
		status["redis"] = "up"
		if err := redisService.Ping(); err != nil {
			status["redis"] = "down"
		}
	}
	if mqttService, ok := h.Container.GetService("mqtt_dial").(services.InterfaceMQTTDialService); ok && mqttService != nil {
		status["mqtt"] = "up"
		if !mqttService.IsConnected() {
			status["mqtt"] = "down"
		}
	}

	response.Success(h.Ctx, status)
}

// CacheStats 响应缓存统计
// @Summary      Cache Stats
// @Tags         Health
// @Produce      json
// @Success      200  {object}  map[string]interface{}
// @Router       /health/cache-stats [get]
func (h *HealthCheckController) CacheStats() {
	response.Success(h.Ctx, middleware.CacheStats())
}
