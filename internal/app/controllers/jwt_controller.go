package controllers

import (
	"github.com/gin-gonic/gin"

	"sangzi-care-service/internal/domain/services"
	"sangzi-care-service/internal/domain/services/container"
	"sangzi-care-service/internal/error/code"
	"sangzi-care-service/internal/error/response"
)

// InterfaceJWTController 定义认证控制器接口
type InterfaceJWTController interface {
	Register()
	Login()
}

// JWTController 处理身份验证请求
type JWTController struct {
	Ctx       *gin.Context
	Container *container.ServiceContainer
}

// NewJWTController 创建一个新的认证控制器
func NewJWTController(ctx *gin.Context, container *container.ServiceContainer) *JWTController {
	return &JWTController{
		Ctx:       ctx,
		Container: container,
	}
}

// LoginRequest 表示登录请求
type LoginRequest struct {
	Phone    string `json:"phone" binding:"required" example:"13800000000"`
	Password string `json:"password" binding:"required" example:"secret123"`
}

// LoginResponse 表示登录响应
type LoginResponse struct {
	Code    int         `json:"code" example:"100000"`
	Message string      `json:"message" example:"成功"`
	Data    interface{} `json:"data"`
}

// HandleJWTFunc 返回一个处理JWT认证请求的Gin处理函数
func HandleJWTFunc(container *container.ServiceContainer, method string) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		controller := NewJWTController(ctx, container)

		switch method {
		case "register":
			controller.Register()
		case "login":
			controller.Login()
		default:
			response.FailWithMessage(ctx, code.ErrBind, "无效的方法", nil)
		}
	}
}

func (c *JWTController) jwtService() services.InterfaceJWTService {
	return c.Container.GetService("jwt").(services.InterfaceJWTService)
}

// Register 注册老人或家属账号
// @Summary      User Register
// @Description  Register an elder or family account and return a JWT token
// @Tags         Auth
// @Accept       json
// @Produce      json
// @Param        request body services.RegisterRequest true "Register parameters"
// @Success      200  {object}  LoginResponse{data=services.LoginResult}
// @Failure      400  {object}  ErrorResponse  "Bad request"
// @Failure      409  {object}  ErrorResponse  "Phone already registered"
// @Router       /auth/register [post]
func (c *JWTController) Register() {
	var req services.RegisterRequest
	if err := c.Ctx.ShouldBindJSON(&req); err != nil {
		response.FailWithMessage(c.Ctx, code.ErrBind, "无效的请求参数: "+err.Error(), nil)
		return
	}

	result, err := c.jwtService().Register(req)
	if err != nil {
		failWithServiceError(c.Ctx, err)
		return
	}
	response.Success(c.Ctx, result)
}

// Login 处理用户登录
// @Summary      User Login
// @Description  Log in with phone and password and return a JWT token
// @Tags         Auth
// @Accept       json
// @Produce      json
// @Param        request body LoginRequest true "Login request parameters"
// @Success      200  {object}  LoginResponse{data=services.LoginResult}  "Success response with token"
// @Failure      400  {object}  ErrorResponse  "Bad request"
// @Failure      401  {object}  ErrorResponse  "Unauthorized"
// @Failure      500  {object}  ErrorResponse  "Internal server error"
// @Router       /auth/login [post]
func (c *JWTController) Login() {
	var req LoginRequest
	if err := c.Ctx.ShouldBindJSON(&req); err != nil {
		response.FailWithMessage(c.Ctx, code.ErrBind, "无效的请求参数", nil)
		return
	}

	result, err := c.jwtService().Login(req.Phone, req.Password)
	if err != nil {
		failWithServiceError(c.Ctx, err)
		return
	}
	response.Success(c.Ctx, result)
}
