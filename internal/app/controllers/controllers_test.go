package controllers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"sangzi-care-service/internal/domain/escalation"
	"sangzi-care-service/internal/domain/models"
	"sangzi-care-service/internal/domain/services/container"
	"sangzi-care-service/internal/infrastructure/config"
)

// stoppedScheduler 从不触发回调，倒计时停在初始值
type stoppedScheduler struct{}

type stoppedTimer struct{}

func (stoppedTimer) Stop() {}

func (stoppedScheduler) Every(time.Duration, func()) escalation.Timer { return stoppedTimer{} }

type apiResponse struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestContainer(t *testing.T) (*container.ServiceContainer, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "controllers.db")), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(&models.User{}, &models.FamilyBind{}, &models.EmergencyCall{}))

	cfg := &config.Config{
		EnvType:               "LOCAL",
		EmergencyNumber:       "110",
		EmergencyCallTimeout:  time.Second,
		EmergencyAuditTimeout: time.Second,
		JWTSecretKey:          "test-secret",
		JWTExpireHours:        1,
	}
	c := container.NewServiceContainerWithOverrides(db, cfg, container.Overrides{Scheduler: stoppedScheduler{}})
	t.Cleanup(c.Shutdown)
	return c, db
}

// newTestRouter 用固定身份代替认证中间件，userID 为0时视为未登录
func newTestRouter(c *container.ServiceContainer, userID uint, role models.UserRole) *gin.Engine {
	r := gin.New()
	r.Use(func(ctx *gin.Context) {
		if userID != 0 {
			ctx.Set("userID", userID)
			ctx.Set("role", role)
		}
		ctx.Next()
	})

	r.GET("/ping", HandleHealthFunc(c, "ping"))
	r.GET("/health/status", HandleHealthFunc(c, "status"))
	r.GET("/health/cache-stats", HandleHealthFunc(c, "cacheStats"))
	r.POST("/auth/register", HandleJWTFunc(c, "register"))
	r.POST("/auth/login", HandleJWTFunc(c, "login"))

	r.POST("/emergency/trigger", HandleEmergencyFunc(c, "trigger"))
	r.POST("/emergency/cancel", HandleEmergencyFunc(c, "cancel"))
	r.POST("/emergency/confirm", HandleEmergencyFunc(c, "confirmNow"))
	r.POST("/emergency/reset", HandleEmergencyFunc(c, "reset"))
	r.GET("/emergency/state", HandleEmergencyFunc(c, "getState"))
	r.GET("/emergency/state/:userId", HandleEmergencyFunc(c, "watchState"))
	r.GET("/emergency/ws", HandleEmergencyFunc(c, "streamState"))
	r.GET("/emergency/records", HandleEmergencyFunc(c, "getRecords"))
	r.POST("/emergency/records", HandleEmergencyFunc(c, "createRecord"))
	r.POST("/emergency/records/:id/cancel", HandleEmergencyFunc(c, "cancelRecord"))
	r.POST("/emergency/records/:id/notify", HandleEmergencyFunc(c, "notifyFamilies"))

	r.GET("/family/binds", HandleFamilyFunc(c, "getBinds"))
	r.POST("/family/binds", HandleFamilyFunc(c, "createBind"))
	r.PUT("/family/binds/:id", HandleFamilyFunc(c, "updateBind"))
	r.DELETE("/family/binds/:id", HandleFamilyFunc(c, "deleteBind"))
	return r
}

func performRequest(t *testing.T, r http.Handler, method, path string, body interface{}) (*httptest.ResponseRecorder, apiResponse) {
	t.Helper()
	var payload []byte
	switch v := body.(type) {
	case nil:
	case string:
		payload = []byte(v)
	default:
		var err error
		payload, err = json.Marshal(v)
		require.NoError(t, err)
	}

	req := httptest.NewRequest(method, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var resp apiResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return w, resp
}

func decodeData(t *testing.T, resp apiResponse, dest interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(resp.Data, dest))
}

func createUser(t *testing.T, db *gorm.DB, phone string, role models.UserRole) *models.User {
	t.Helper()
	user := &models.User{Phone: phone, Password: "x", Name: "用户" + phone, Role: role}
	require.NoError(t, db.Create(user).Error)
	return user
}

func createBind(t *testing.T, db *gorm.DB, elder, family *models.User, status models.BindStatus) *models.FamilyBind {
	t.Helper()
	bind := &models.FamilyBind{
		ElderID:             elder.ID,
		FamilyID:            family.ID,
		Relationship:        "女儿",
		Status:              status,
		CanReceiveEmergency: true,
		Priority:            1,
	}
	require.NoError(t, db.Create(bind).Error)
	return bind
}
