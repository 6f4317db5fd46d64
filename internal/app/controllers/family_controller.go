package controllers

import (
	"github.com/gin-gonic/gin"

	"sangzi-care-service/internal/domain/models"
	"sangzi-care-service/internal/domain/services"
	"sangzi-care-service/internal/domain/services/container"
	"sangzi-care-service/internal/error/code"
	"sangzi-care-service/internal/error/response"
)

// InterfaceFamilyController 定义家属绑定控制器接口
type InterfaceFamilyController interface {
	GetBinds()
	CreateBind()
	UpdateBind()
	DeleteBind()
}

// FamilyController 处理家属绑定相关的请求
type FamilyController struct {
	Ctx       *gin.Context
	Container *container.ServiceContainer
}

// NewFamilyController 创建一个新的家属绑定控制器
func NewFamilyController(ctx *gin.Context, container *container.ServiceContainer) *FamilyController {
	return &FamilyController{
		Ctx:       ctx,
		Container: container,
	}
}

// CreateBindRequest 表示创建绑定请求，phone 为另一方的手机号
type CreateBindRequest struct {
	Phone               string `json:"phone" binding:"required" example:"13800000001"`
	Relationship        string `json:"relationship" example:"女儿"`
	CanReceiveEmergency bool   `json:"can_receive_emergency" example:"true"`
	Priority            int    `json:"priority" example:"1"`
}

// UpdateBindRequest 表示更新绑定请求，只更新提供的字段
type UpdateBindRequest struct {
	Relationship        *string `json:"relationship" example:"儿子"`
	Status              *string `json:"status" example:"active"` // pending, active, rejected
	CanReceiveEmergency *bool   `json:"can_receive_emergency" example:"true"`
	Priority            *int    `json:"priority" example:"2"`
}

// HandleFamilyFunc 返回一个处理家属绑定请求的Gin处理函数
func HandleFamilyFunc(container *container.ServiceContainer, method string) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		controller := NewFamilyController(ctx, container)

		switch method {
		case "getBinds":
			controller.GetBinds()
		case "createBind":
			controller.CreateBind()
		case "updateBind":
			controller.UpdateBind()
		case "deleteBind":
			controller.DeleteBind()
		default:
			response.FailWithMessage(ctx, code.ErrBind, "无效的方法", nil)
		}
	}
}

func (c *FamilyController) familyService() services.InterfaceFamilyService {
	return c.Container.GetService("family").(services.InterfaceFamilyService)
}

// 1. GetBinds 获取当前用户参与的绑定关系
// @Summary      Get Family Binds
// @Description  List the binds where the caller is the elder or the family member
// @Tags         Family
// @Produce      json
// @Success      200  {object}  map[string]interface{}
// @Failure      401  {object}  ErrorResponse
// @Router       /family/binds [get]
// @Security     BearerAuth
func (c *FamilyController) GetBinds() {
	userID, ok := mustCurrentUser(c.Ctx)
	if !ok {
		return
	}

	binds, err := c.familyService().ListBinds(userID)
	if err != nil {
		failWithServiceError(c.Ctx, err)
		return
	}
	response.Success(c.Ctx, gin.H{
		"binds": binds,
		"total": len(binds),
	})
}

// 2. CreateBind 创建绑定关系
// @Summary      Create Family Bind
// @Description  An elder binds a family member by phone, or a family member binds an elder. New binds are pending.
// @Tags         Family
// @Accept       json
// @Produce      json
// @Param        request body CreateBindRequest true "Bind parameters"
// @Success      200  {object}  models.FamilyBind
// @Failure      400  {object}  ErrorResponse
// @Failure      404  {object}  ErrorResponse
// @Failure      409  {object}  ErrorResponse
// @Router       /family/binds [post]
// @Security     BearerAuth
func (c *FamilyController) CreateBind() {
	userID, role, ok := currentUser(c.Ctx)
	if !ok {
		response.Unauthorized(c.Ctx)
		return
	}

	var req CreateBindRequest
	if err := c.Ctx.ShouldBindJSON(&req); err != nil {
		response.FailWithMessage(c.Ctx, code.ErrBind, "无效的请求参数: "+err.Error(), nil)
		return
	}

	service := c.familyService()
	other, err := service.FindUserByPhone(req.Phone)
	if err != nil {
		failWithServiceError(c.Ctx, err)
		return
	}

	bind := &models.FamilyBind{
		Relationship:        req.Relationship,
		Status:              models.BindStatusPending,
		CanReceiveEmergency: req.CanReceiveEmergency,
		Priority:            req.Priority,
	}
	if role == models.UserRoleElder {
		bind.ElderID, bind.FamilyID = userID, other.ID
	} else {
		bind.ElderID, bind.FamilyID = other.ID, userID
	}

	if err := service.CreateBind(bind); err != nil {
		failWithServiceError(c.Ctx, err)
		return
	}
	response.Success(c.Ctx, bind)
}

// 3. UpdateBind 更新绑定关系
// @Summary      Update Family Bind
// @Description  Either side of the bind may update it, including accepting a pending bind
// @Tags         Family
// @Accept       json
// @Produce      json
// @Param        id path int true "Bind ID"
// @Param        request body UpdateBindRequest true "Fields to update"
// @Success      200  {object}  models.FamilyBind
// @Failure      400  {object}  ErrorResponse
// @Failure      403  {object}  ErrorResponse
// @Failure      404  {object}  ErrorResponse
// @Router       /family/binds/{id} [put]
// @Security     BearerAuth
func (c *FamilyController) UpdateBind() {
	userID, ok := mustCurrentUser(c.Ctx)
	if !ok {
		return
	}
	id, ok := parseIDParam(c.Ctx, "id")
	if !ok {
		return
	}

	var req UpdateBindRequest
	if err := c.Ctx.ShouldBindJSON(&req); err != nil {
		response.FailWithMessage(c.Ctx, code.ErrBind, "无效的请求参数: "+err.Error(), nil)
		return
	}
	if !c.authorizeBind(userID, id) {
		return
	}

	updates := make(map[string]interface{})
	if req.Relationship != nil {
		updates["relationship"] = *req.Relationship
	}
	if req.Status != nil {
		// 解绑只能走 DELETE
		if models.BindStatus(*req.Status) == models.BindStatusUnbound {
			response.Fail(c.Ctx, code.ErrBindInvalidStatus, nil)
			return
		}
		updates["status"] = *req.Status
	}
	if req.CanReceiveEmergency != nil {
		updates["can_receive_emergency"] = *req.CanReceiveEmergency
	}
	if req.Priority != nil {
		updates["priority"] = *req.Priority
	}

	bind, err := c.familyService().UpdateBind(id, updates)
	if err != nil {
		failWithServiceError(c.Ctx, err)
		return
	}
	response.Success(c.Ctx, bind)
}

// 4. DeleteBind 解除绑定关系
// @Summary      Delete Family Bind
// @Tags         Family
// @Produce      json
// @Param        id path int true "Bind ID"
// @Success      200  {object}  map[string]interface{}
// @Failure      403  {object}  ErrorResponse
// @Failure      404  {object}  ErrorResponse
// @Router       /family/binds/{id} [delete]
// @Security     BearerAuth
func (c *FamilyController) DeleteBind() {
	userID, ok := mustCurrentUser(c.Ctx)
	if !ok {
		return
	}
	id, ok := parseIDParam(c.Ctx, "id")
	if !ok {
		return
	}
	if !c.authorizeBind(userID, id) {
		return
	}

	if err := c.familyService().Unbind(id); err != nil {
		failWithServiceError(c.Ctx, err)
		return
	}
	response.Success(c.Ctx, gin.H{"id": id, "status": models.BindStatusUnbound})
}

// authorizeBind 只有绑定双方可以修改，否则写入错误响应
func (c *FamilyController) authorizeBind(userID, bindID uint) bool {
	bind, err := c.familyService().GetBind(bindID)
	if err != nil {
		failWithServiceError(c.Ctx, err)
		return false
	}
	if bind.ElderID != userID && bind.FamilyID != userID {
		response.Fail(c.Ctx, code.ErrBindNotPermitted, nil)
		return false
	}
	return true
}
