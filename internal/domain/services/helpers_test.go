package services

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"sangzi-care-service/internal/domain/models"
	"sangzi-care-service/internal/infrastructure/config"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "sangzi.db")), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	// 状态机的异步上报会并发写库，sqlite 只允许一个写连接
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(&models.User{}, &models.FamilyBind{}, &models.EmergencyCall{}))
	return db
}

func newTestConfig() *config.Config {
	return &config.Config{
		EnvType:               "LOCAL",
		EmergencyNumber:       "110",
		EmergencyCallTimeout:  2 * time.Second,
		EmergencyAuditTimeout: 2 * time.Second,
		EscalationSnapshotTTL: time.Hour,
		MQTTTopicPrefix:       "sangzi",
		MQTTQoS:               1,
		MQTTDialAckTimeout:    time.Second,
		JWTSecretKey:          "test-secret",
		JWTExpireHours:        1,
	}
}

func createUser(t *testing.T, db *gorm.DB, phone string, role models.UserRole) *models.User {
	t.Helper()
	user := &models.User{Phone: phone, Password: "x", Name: "用户" + phone, Role: role}
	require.NoError(t, db.Create(user).Error)
	return user
}

func createBind(t *testing.T, db *gorm.DB, elder, family *models.User, status models.BindStatus, emergency bool, priority int) *models.FamilyBind {
	t.Helper()
	bind := &models.FamilyBind{
		ElderID:             elder.ID,
		FamilyID:            family.ID,
		Relationship:        "女儿",
		Status:              status,
		CanReceiveEmergency: emergency,
		Priority:            priority,
	}
	require.NoError(t, db.Create(bind).Error)
	return bind
}

// stepClock 每次调用前进一秒
type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func newStepClock() *stepClock {
	return &stepClock{now: time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)}
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
