package routes

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"sangzi-care-service/internal/domain/escalation"
	"sangzi-care-service/internal/domain/models"
	"sangzi-care-service/internal/domain/services/container"
	"sangzi-care-service/internal/infrastructure/config"
)

type stoppedScheduler struct{}

type stoppedTimer struct{}

func (stoppedTimer) Stop() {}

func (stoppedScheduler) Every(time.Duration, func()) escalation.Timer { return stoppedTimer{} }

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "routes.db")), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(&models.User{}, &models.FamilyBind{}, &models.EmergencyCall{}))

	cfg := &config.Config{
		EmergencyNumber: "110",
		JWTSecretKey:    "test-secret",
		JWTExpireHours:  1,
		CORSAllowOrigin: "https://app.sangzi-care.com",
	}
	c := container.NewServiceContainerWithOverrides(db, cfg, container.Overrides{Scheduler: stoppedScheduler{}})
	t.Cleanup(c.Shutdown)
	return SetupRouter(c, cfg)
}

func doJSON(t *testing.T, r http.Handler, method, path, token string, body interface{}) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		require.NoError(t, err)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var resp map[string]interface{}
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	}
	return w, resp
}

func TestSetupRouter(t *testing.T) {
	r := newTestRouter(t)

	t.Run("should answer preflight with configured origin", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodOptions, "/api/emergency/trigger", nil)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		assert.Equal(t, http.StatusNoContent, w.Code)
		assert.Equal(t, "https://app.sangzi-care.com", w.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("should serve health endpoints without token", func(t *testing.T) {
		w, _ := doJSON(t, r, http.MethodGet, "/api/ping", "", nil)
		assert.Equal(t, http.StatusOK, w.Code)
		w, _ = doJSON(t, r, http.MethodGet, "/api/health", "", nil)
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("should require token for emergency routes", func(t *testing.T) {
		w, _ := doJSON(t, r, http.MethodGet, "/api/emergency/state", "", nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("should drive an escalation with a registered account", func(t *testing.T) {
		w, resp := doJSON(t, r, http.MethodPost, "/api/auth/register", "", map[string]string{
			"phone":    "13800000000",
			"password": "secret123",
			"name":     "张阿姨",
			"role":     "elder",
		})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		token := resp["data"].(map[string]interface{})["token"].(string)

		w, resp = doJSON(t, r, http.MethodPost, "/api/emergency/trigger", token, map[string]string{"trigger_method": "voice"})
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, string(escalation.StateConfirming), resp["data"].(map[string]interface{})["state"])

		w, resp = doJSON(t, r, http.MethodPost, "/api/emergency/cancel", token, nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, string(escalation.StateCancelled), resp["data"].(map[string]interface{})["state"])

		w, resp = doJSON(t, r, http.MethodGet, "/api/family/binds", token, nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.EqualValues(t, 0, resp["data"].(map[string]interface{})["total"])
	})

	t.Run("should forbid family accounts from driving an escalation", func(t *testing.T) {
		w, resp := doJSON(t, r, http.MethodPost, "/api/auth/register", "", map[string]string{
			"phone":    "13800000001",
			"password": "secret123",
			"name":     "小王",
			"role":     "family",
		})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		token := resp["data"].(map[string]interface{})["token"].(string)

		for _, path := range []string{"/api/emergency/trigger", "/api/emergency/cancel", "/api/emergency/confirm", "/api/emergency/reset", "/api/emergency/records"} {
			w, _ := doJSON(t, r, http.MethodPost, path, token, nil)
			assert.Equal(t, http.StatusForbidden, w.Code, path)
		}

		w, _ = doJSON(t, r, http.MethodGet, "/api/emergency/state", token, nil)
		assert.Equal(t, http.StatusOK, w.Code)
	})
}

func TestAccessLog(t *testing.T) {
	t.Run("should keep query tokens out of access logs", func(t *testing.T) {
		var buf bytes.Buffer
		original := gin.DefaultWriter
		gin.DefaultWriter = &buf
		t.Cleanup(func() { gin.DefaultWriter = original })

		r := newTestRouter(t)
		doJSON(t, r, http.MethodGet, "/api/emergency/ws?token=secret-jwt", "", nil)

		logged := buf.String()
		assert.Contains(t, logged, "/api/emergency/ws")
		assert.NotContains(t, logged, "secret-jwt")
	})

	t.Run("should format like the default gin logger", func(t *testing.T) {
		line := accessLogFormatter(gin.LogFormatterParams{
			TimeStamp:  time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC),
			StatusCode: http.StatusOK,
			ClientIP:   "10.0.0.1",
			Method:     http.MethodGet,
			Path:       "/api/ping?token=abc",
		})
		assert.Contains(t, line, "2024/05/01 - 08:00:00")
		assert.Contains(t, line, `"/api/ping"`)
		assert.NotContains(t, line, "abc")
	})
}
