package routes

import (
	"fmt"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	_ "sangzi-care-service/docs"
	"sangzi-care-service/internal/app/controllers"
	"sangzi-care-service/internal/app/middleware"
	"sangzi-care-service/internal/domain/models"
	"sangzi-care-service/internal/domain/services/container"
	"sangzi-care-service/internal/infrastructure/config"
)

// SetupRouter 初始化并返回配置好的路由
func SetupRouter(serviceContainer *container.ServiceContainer, cfg *config.Config) *gin.Engine {
	// 初始化 Gin
	r := gin.New()
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{Formatter: accessLogFormatter}), gin.Recovery())

	// 添加 CORS 中间件
	r.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", cfg.CORSAllowOrigin)
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, Accept, Origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS, PATCH")
		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})
	// 初始化中间件
	middleware.InitAuthMiddleware(cfg, serviceContainer.GetDB())
	// 添加 Swagger 文档路由
	r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	// 注册路由
	registerRoutes(r, serviceContainer)
	return r
}

// accessLogFormatter 访问日志格式，去掉查询参数，WebSocket 握手的 token 放在查询参数里
func accessLogFormatter(param gin.LogFormatterParams) string {
	path := param.Path
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	return fmt.Sprintf("[GIN] %v | %3d | %13v | %15s | %-7s %#v\n%s",
		param.TimeStamp.Format("2006/01/02 - 15:04:05"),
		param.StatusCode,
		param.Latency,
		param.ClientIP,
		param.Method,
		path,
		param.ErrorMessage,
	)
}

// registerRoutes 配置所有API路由
func registerRoutes(
	r *gin.Engine,
	container *container.ServiceContainer,
) {
	// API 路由根路径
	api := r.Group("/api")
	// 注册公共路由
	registerPublicRoutes(api, container)
	// 注册需要认证的路由
	registerAuthenticatedRoutes(api, container)
}

// registerPublicRoutes 注册公共路由
func registerPublicRoutes(
	api *gin.RouterGroup,
	container *container.ServiceContainer,
) {
	public := api.Group("")
	// 添加IP限流中间件 - 每秒允许10个请求，最多突发20个请求
	public.Use(middleware.IPRateLimiter(10, 20))

	// 健康检查路由
	public.GET("/ping", controllers.HandleHealthFunc(container, "ping"))
	public.GET("/health", controllers.HandleHealthFunc(container, "ping")) // 兼容Docker健康检查

	// 健康状态路由组
	healthGroup := public.Group("/health")
	healthGroup.GET("/status", middleware.Cache(middleware.CacheConfig{Expiration: 5 * time.Second}), controllers.HandleHealthFunc(container, "status"))
	healthGroup.GET("/cache-stats", controllers.HandleHealthFunc(container, "cacheStats"))

	// 认证路由，登录注册单独限流防止撞库
	authGroup := public.Group("/auth")
	authGroup.Use(middleware.PathRateLimiter(5, 10))
	authGroup.POST("/register", controllers.HandleJWTFunc(container, "register"))
	authGroup.POST("/login", controllers.HandleJWTFunc(container, "login"))
}

// registerAuthenticatedRoutes 注册需要认证的路由
func registerAuthenticatedRoutes(
	api *gin.RouterGroup,
	container *container.ServiceContainer,
) {
	// 添加认证中间件
	auth := api.Group("")
	auth.Use(middleware.Authentication())

	// 添加通用限流中间件 - 每个用户每秒30个请求，最多突发50个请求
	auth.Use(middleware.UserRateLimiter(30, 50))

	// 紧急呼叫路由
	emergencyGroup := auth.Group("/emergency")
	// 只有老人本人可以发起和操作自己的紧急呼叫
	elderOnly := middleware.RequireRole(models.UserRoleElder)
	emergencyGroup.POST("/trigger", elderOnly, controllers.HandleEmergencyFunc(container, "trigger"))
	emergencyGroup.POST("/cancel", elderOnly, controllers.HandleEmergencyFunc(container, "cancel"))
	emergencyGroup.POST("/confirm", elderOnly, controllers.HandleEmergencyFunc(container, "confirmNow"))
	emergencyGroup.POST("/reset", elderOnly, controllers.HandleEmergencyFunc(container, "reset"))
	emergencyGroup.GET("/state", controllers.HandleEmergencyFunc(container, "getState"))
	emergencyGroup.GET("/state/:userId", controllers.HandleEmergencyFunc(container, "watchState"))
	emergencyGroup.GET("/ws", controllers.HandleEmergencyFunc(container, "streamState"))

	// 紧急呼叫审计记录路由
	recordGroup := emergencyGroup.Group("/records")
	recordGroup.GET("", controllers.HandleEmergencyFunc(container, "getRecords"))
	recordGroup.POST("", elderOnly, controllers.HandleEmergencyFunc(container, "createRecord"))
	recordGroup.POST("/:id/cancel", controllers.HandleEmergencyFunc(container, "cancelRecord"))
	recordGroup.POST("/:id/notify", controllers.HandleEmergencyFunc(container, "notifyFamilies"))

	// 家属绑定路由
	familyGroup := auth.Group("/family")
	familyGroup.GET("/binds", controllers.HandleFamilyFunc(container, "getBinds"))
	familyGroup.POST("/binds", controllers.HandleFamilyFunc(container, "createBind"))
	familyGroup.PUT("/binds/:id", controllers.HandleFamilyFunc(container, "updateBind"))
	familyGroup.DELETE("/binds/:id", controllers.HandleFamilyFunc(container, "deleteBind"))
}
