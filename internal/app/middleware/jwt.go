package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"sangzi-care-service/internal/domain/models"
	"sangzi-care-service/internal/domain/services"
	"sangzi-care-service/internal/error/code"
	"sangzi-care-service/internal/error/response"
	"sangzi-care-service/internal/infrastructure/config"
)

var jwtService services.InterfaceJWTService

// InitAuthMiddleware 初始化认证中间件
func InitAuthMiddleware(cfg *config.Config, db *gorm.DB) {
	jwtService = services.NewJWTService(cfg, db)
}

// extractToken 从授权头中提取token，WebSocket 握手无法设置请求头时使用 token 查询参数
func extractToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return c.Query("token")
	}

	// 检查并移除 "Bearer " 前缀
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// Authentication 通用的认证中间件，把 userID 和 role 写入上下文
func Authentication() gin.HandlerFunc {
	return func(c *gin.Context) {
		if jwtService == nil {
			response.AbortWithCode(c, code.ErrUnknown, "认证中间件未初始化")
			return
		}

		tokenString := extractToken(c)
		if tokenString == "" {
			response.AbortWithCode(c, code.ErrTokenInvalid, "Authorization header format must be Bearer {token}")
			return
		}

		claims, err := jwtService.ExtractClaims(tokenString)
		if err != nil {
			response.AbortWithCode(c, code.ErrTokenInvalid, "Invalid or expired token")
			return
		}

		c.Set("userID", claims.UserID)
		c.Set("role", claims.Role)
		c.Set("claims", claims)
		c.Next()
	}
}

// RequireRole 限制只有指定角色可以访问，必须放在 Authentication 之后
func RequireRole(roles ...models.UserRole) gin.HandlerFunc {
	return func(c *gin.Context) {
		role, _ := c.Get("role")
		current, _ := role.(models.UserRole)
		for _, allowed := range roles {
			if current == allowed {
				c.Next()
				return
			}
		}
		response.AbortWithCode(c, code.ErrForbidden, "Insufficient permissions")
	}
}
