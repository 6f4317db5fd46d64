package controllers

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"sangzi-care-service/internal/domain/escalation"
	"sangzi-care-service/internal/domain/services"
	"sangzi-care-service/internal/domain/services/container"
	"sangzi-care-service/internal/error/code"
	"sangzi-care-service/internal/error/response"
	"sangzi-care-service/pkg/logger"
)

const (
	wsWriteTimeout = 5 * time.Second
	wsPingInterval = 30 * time.Second
	wsPongTimeout  = 60 * time.Second
)

// InterfaceEmergencyController 定义紧急呼叫控制器接口
type InterfaceEmergencyController interface {
	Trigger()
	Cancel()
	ConfirmNow()
	Reset()
	GetState()
	WatchState()
	StreamState()
	CreateRecord()
	CancelRecord()
	NotifyFamilies()
	GetRecords()
}

// EmergencyController 处理紧急呼叫相关的请求
type EmergencyController struct {
	Ctx       *gin.Context
	Container *container.ServiceContainer
}

// NewEmergencyController 创建一个新的紧急呼叫控制器
func NewEmergencyController(ctx *gin.Context, container *container.ServiceContainer) *EmergencyController {
	return &EmergencyController{
		Ctx:       ctx,
		Container: container,
	}
}

// TriggerRequest 表示触发紧急呼叫请求，trigger_method 为空时按按钮触发处理
type TriggerRequest struct {
	TriggerMethod string `json:"trigger_method" example:"button"` // button 或 voice
}

// CancelRecordRequest 表示取消紧急呼叫记录请求
type CancelRecordRequest struct {
	Reason string `json:"reason" example:"误触"`
}

// NotifyFamiliesRequest 表示记录已通知家属请求
type NotifyFamiliesRequest struct {
	FamilyIDs []uint `json:"family_ids" binding:"required" example:"2,3"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// HandleEmergencyFunc 返回一个处理紧急呼叫请求的Gin处理函数
func HandleEmergencyFunc(container *container.ServiceContainer, method string) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		controller := NewEmergencyController(ctx, container)

		switch method {
		case "trigger":
			controller.Trigger()
		case "cancel":
			controller.Cancel()
		case "confirmNow":
			controller.ConfirmNow()
		case "reset":
			controller.Reset()
		case "getState":
			controller.GetState()
		case "watchState":
			controller.WatchState()
		case "streamState":
			controller.StreamState()
		case "createRecord":
			controller.CreateRecord()
		case "cancelRecord":
			controller.CancelRecord()
		case "notifyFamilies":
			controller.NotifyFamilies()
		case "getRecords":
			controller.GetRecords()
		default:
			response.FailWithMessage(ctx, code.ErrBind, "无效的方法", nil)
		}
	}
}

func (c *EmergencyController) escalationService() services.InterfaceEscalationService {
	return c.Container.GetService("escalation").(services.InterfaceEscalationService)
}

func (c *EmergencyController) emergencyService() services.InterfaceEmergencyService {
	return c.Container.GetService("emergency").(services.InterfaceEmergencyService)
}

func (c *EmergencyController) familyService() services.InterfaceFamilyService {
	return c.Container.GetService("family").(services.InterfaceFamilyService)
}

// canWatch 本人或有效家属可以查看老人的紧急呼叫
func (c *EmergencyController) canWatch(callerID, elderID uint) bool {
	return callerID == elderID || c.familyService().IsActiveFamily(callerID, elderID)
}

// 1. Trigger 处理触发紧急呼叫的请求
// @Summary      Trigger Emergency Escalation
// @Description  Start the 3 second confirmation countdown. Ignored while an escalation is already running.
// @Tags         Emergency
// @Accept       json
// @Produce      json
// @Param        request body TriggerRequest false "Trigger parameters"
// @Success      200  {object}  escalation.Snapshot
// @Failure      400  {object}  ErrorResponse
// @Failure      401  {object}  ErrorResponse
// @Router       /emergency/trigger [post]
// @Security     BearerAuth
func (c *EmergencyController) Trigger() {
	userID, ok := mustCurrentUser(c.Ctx)
	if !ok {
		return
	}

	var req TriggerRequest
	if err := c.Ctx.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		response.FailWithMessage(c.Ctx, code.ErrBind, "无效的请求参数: "+err.Error(), nil)
		return
	}

	method := escalation.MethodButton
	if req.TriggerMethod != "" {
		method = escalation.TriggerMethod(req.TriggerMethod)
		if !method.Valid() {
			response.Fail(c.Ctx, code.ErrEmergencyInvalidMethod, nil)
			return
		}
	}

	response.Success(c.Ctx, c.escalationService().Trigger(userID, method))
}

// 2. Cancel 处理取消紧急呼叫的请求
// @Summary      Cancel Emergency Escalation
// @Description  Cancel during the confirmation or the emergency services countdown. Other states are left unchanged.
// @Tags         Emergency
// @Produce      json
// @Success      200  {object}  escalation.Snapshot
// @Failure      401  {object}  ErrorResponse
// @Router       /emergency/cancel [post]
// @Security     BearerAuth
func (c *EmergencyController) Cancel() {
	userID, ok := mustCurrentUser(c.Ctx)
	if !ok {
		return
	}
	response.Success(c.Ctx, c.escalationService().Cancel(userID))
}

// 3. ConfirmNow 处理跳过确认倒计时的请求
// @Summary      Confirm Emergency Immediately
// @Description  Skip the remaining confirmation countdown
// @Tags         Emergency
// @Produce      json
// @Success      200  {object}  escalation.Snapshot
// @Failure      401  {object}  ErrorResponse
// @Router       /emergency/confirm [post]
// @Security     BearerAuth
func (c *EmergencyController) ConfirmNow() {
	userID, ok := mustCurrentUser(c.Ctx)
	if !ok {
		return
	}
	response.Success(c.Ctx, c.escalationService().ConfirmNow(userID))
}

// 4. Reset 处理重置紧急呼叫的请求
// @Summary      Reset Emergency Escalation
// @Description  Return to idle from any state and drop pending work
// @Tags         Emergency
// @Produce      json
// @Success      200  {object}  escalation.Snapshot
// @Failure      401  {object}  ErrorResponse
// @Router       /emergency/reset [post]
// @Security     BearerAuth
func (c *EmergencyController) Reset() {
	userID, ok := mustCurrentUser(c.Ctx)
	if !ok {
		return
	}
	response.Success(c.Ctx, c.escalationService().Reset(userID))
}

// 5. GetState 获取本人的紧急呼叫状态
// @Summary      Get Emergency State
// @Tags         Emergency
// @Produce      json
// @Success      200  {object}  escalation.Snapshot
// @Failure      401  {object}  ErrorResponse
// @Router       /emergency/state [get]
// @Security     BearerAuth
func (c *EmergencyController) GetState() {
	userID, ok := mustCurrentUser(c.Ctx)
	if !ok {
		return
	}
	response.Success(c.Ctx, c.escalationService().Snapshot(userID))
}

// 6. WatchState 家属查看老人的紧急呼叫状态
// @Summary      Watch Elder Emergency State
// @Description  A family member with an active bind reads the elder's latest snapshot
// @Tags         Emergency
// @Produce      json
// @Param        userId path int true "Elder user ID"
// @Success      200  {object}  escalation.Snapshot
// @Failure      403  {object}  ErrorResponse
// @Failure      404  {object}  ErrorResponse
// @Router       /emergency/state/{userId} [get]
// @Security     BearerAuth
func (c *EmergencyController) WatchState() {
	callerID, ok := mustCurrentUser(c.Ctx)
	if !ok {
		return
	}
	elderID, ok := parseIDParam(c.Ctx, "userId")
	if !ok {
		return
	}
	if !c.canWatch(callerID, elderID) {
		response.Fail(c.Ctx, code.ErrBindNotPermitted, nil)
		return
	}

	snapshot, found := c.escalationService().WatchSnapshot(elderID)
	if !found {
		response.Fail(c.Ctx, code.ErrEmergencyStateUnavailable, nil)
		return
	}
	response.Success(c.Ctx, snapshot)
}

// 7. StreamState 通过WebSocket推送紧急呼叫状态
// @Summary      Stream Emergency State
// @Description  WebSocket stream of snapshots. Pass user_id to follow a bound elder. The token may be passed as a query parameter.
// @Tags         Emergency
// @Param        user_id query int false "Elder user ID, defaults to the caller"
// @Param        token query string false "JWT token"
// @Success      101
// @Failure      403  {object}  ErrorResponse
// @Router       /emergency/ws [get]
// @Security     BearerAuth
func (c *EmergencyController) StreamState() {
	callerID, ok := mustCurrentUser(c.Ctx)
	if !ok {
		return
	}

	targetID := callerID
	if raw := c.Ctx.Query("user_id"); raw != "" {
		id, err := strconv.ParseUint(raw, 10, 64)
		if err != nil || id == 0 {
			response.ParamError(c.Ctx, "无效的user_id")
			return
		}
		targetID = uint(id)
	}
	if !c.canWatch(callerID, targetID) {
		response.Fail(c.Ctx, code.ErrBindNotPermitted, nil)
		return
	}

	conn, err := upgrader.Upgrade(c.Ctx.Writer, c.Ctx.Request, nil)
	if err != nil {
		logger.Warning("[Emergency] WebSocket升级失败: user=%d, err=%v", callerID, err)
		return
	}
	defer conn.Close()

	service := c.escalationService()
	updates, unsubscribe := service.Subscribe(targetID)
	defer unsubscribe()

	// 读协程只负责感知断开和处理 pong
	done := make(chan struct{})
	conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if snapshot, found := service.WatchSnapshot(targetID); found {
		if err := writeSnapshot(conn, snapshot); err != nil {
			return
		}
	}

	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case snapshot, open := <-updates:
			if !open {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
					time.Now().Add(wsWriteTimeout))
				return
			}
			if err := writeSnapshot(conn, snapshot); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func writeSnapshot(conn *websocket.Conn, snapshot escalation.Snapshot) error {
	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteJSON(snapshot)
}

// 8. CreateRecord 仅创建紧急呼叫审计记录，不启动升级流程
// @Summary      Create Emergency Record
// @Description  Record an emergency triggered outside this service and the families that should be notified
// @Tags         Emergency
// @Accept       json
// @Produce      json
// @Param        request body TriggerRequest true "Trigger parameters"
// @Success      200  {object}  models.EmergencyCall
// @Failure      400  {object}  ErrorResponse
// @Router       /emergency/records [post]
// @Security     BearerAuth
func (c *EmergencyController) CreateRecord() {
	userID, ok := mustCurrentUser(c.Ctx)
	if !ok {
		return
	}

	var req TriggerRequest
	if err := c.Ctx.ShouldBindJSON(&req); err != nil {
		response.FailWithMessage(c.Ctx, code.ErrBind, "无效的请求参数: "+err.Error(), nil)
		return
	}

	call, err := c.emergencyService().TriggerEmergency(userID, req.TriggerMethod)
	if err != nil {
		failWithServiceError(c.Ctx, err)
		return
	}
	response.Success(c.Ctx, call)
}

// 9. CancelRecord 取消紧急呼叫记录
// @Summary      Cancel Emergency Record
// @Tags         Emergency
// @Accept       json
// @Produce      json
// @Param        id path string true "Emergency call ID"
// @Param        request body CancelRecordRequest false "Cancel parameters"
// @Success      200  {object}  models.EmergencyCall
// @Failure      403  {object}  ErrorResponse
// @Failure      404  {object}  ErrorResponse
// @Router       /emergency/records/{id}/cancel [post]
// @Security     BearerAuth
func (c *EmergencyController) CancelRecord() {
	userID, ok := mustCurrentUser(c.Ctx)
	if !ok {
		return
	}

	var req CancelRecordRequest
	if err := c.Ctx.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		response.FailWithMessage(c.Ctx, code.ErrBind, "无效的请求参数: "+err.Error(), nil)
		return
	}

	callID := c.Ctx.Param("id")
	if !c.authorizeRecord(userID, callID) {
		return
	}

	call, err := c.emergencyService().CancelEmergency(callID, userID, req.Reason)
	if err != nil {
		failWithServiceError(c.Ctx, err)
		return
	}
	response.Success(c.Ctx, call)
}

// 10. NotifyFamilies 记录已通知的家属
// @Summary      Record Notified Families
// @Tags         Emergency
// @Accept       json
// @Produce      json
// @Param        id path string true "Emergency call ID"
// @Param        request body NotifyFamiliesRequest true "Notified family IDs"
// @Success      200  {object}  models.EmergencyCall
// @Failure      403  {object}  ErrorResponse
// @Failure      404  {object}  ErrorResponse
// @Router       /emergency/records/{id}/notify [post]
// @Security     BearerAuth
func (c *EmergencyController) NotifyFamilies() {
	userID, ok := mustCurrentUser(c.Ctx)
	if !ok {
		return
	}

	var req NotifyFamiliesRequest
	if err := c.Ctx.ShouldBindJSON(&req); err != nil {
		response.FailWithMessage(c.Ctx, code.ErrBind, "无效的请求参数: "+err.Error(), nil)
		return
	}

	callID := c.Ctx.Param("id")
	if !c.authorizeRecord(userID, callID) {
		return
	}

	call, err := c.emergencyService().NotifyFamilies(callID, req.FamilyIDs)
	if err != nil {
		failWithServiceError(c.Ctx, err)
		return
	}
	response.Success(c.Ctx, call)
}

// 11. GetRecords 获取本人的紧急呼叫历史
// @Summary      Get Emergency History
// @Description  Newest first. limit defaults to 20 and is capped at 100.
// @Tags         Emergency
// @Produce      json
// @Param        limit query int false "Max records"
// @Success      200  {object}  map[string]interface{}
// @Failure      401  {object}  ErrorResponse
// @Router       /emergency/records [get]
// @Security     BearerAuth
func (c *EmergencyController) GetRecords() {
	userID, ok := mustCurrentUser(c.Ctx)
	if !ok {
		return
	}

	limit := 0
	if raw := c.Ctx.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			response.ParamError(c.Ctx, "无效的limit")
			return
		}
		limit = parsed
	}

	calls, err := c.emergencyService().GetHistory(userID, limit)
	if err != nil {
		failWithServiceError(c.Ctx, err)
		return
	}
	response.Success(c.Ctx, gin.H{
		"records": calls,
		"total":   len(calls),
	})
}

// authorizeRecord 记录的本人或其有效家属可以操作，否则写入错误响应
func (c *EmergencyController) authorizeRecord(userID uint, callID string) bool {
	call, err := c.emergencyService().GetEmergencyCall(callID)
	if err != nil {
		failWithServiceError(c.Ctx, err)
		return false
	}
	if !c.canWatch(userID, call.UserID) {
		response.Fail(c.Ctx, code.ErrBindNotPermitted, nil)
		return false
	}
	return true
}
