package database

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	gormlogger "gorm.io/gorm/logger"

	"sangzi-care-service/internal/domain/models"
)

func newTestPool(t *testing.T) *ConnectionPool {
	t.Helper()
	pool, err := NewConnectionPoolWithDialector(sqlite.Open(filepath.Join(t.TempDir(), "pool.db")), gormlogger.Silent)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })
	return pool
}

func TestMigrate(t *testing.T) {
	pool := newTestPool(t)
	db := pool.GetDB()

	t.Run("should create all tables", func(t *testing.T) {
		require.NoError(t, Migrate(db, ""))
		for _, table := range []interface{}{&models.User{}, &models.FamilyBind{}, &models.EmergencyCall{}} {
			assert.True(t, db.Migrator().HasTable(table))
		}
	})

	t.Run("should drop existing rows in drop mode", func(t *testing.T) {
		require.NoError(t, db.Create(&models.User{Phone: "13800000000", Password: "x", Role: models.UserRoleElder}).Error)

		require.NoError(t, Migrate(db, MigrationModeDrop))

		var count int64
		require.NoError(t, db.Model(&models.User{}).Count(&count).Error)
		assert.Zero(t, count)
	})

	t.Run("should reject unknown mode", func(t *testing.T) {
		assert.Error(t, Migrate(db, "alter"))
	})
}

func TestConnectionPool(t *testing.T) {
	pool := newTestPool(t)

	require.NoError(t, pool.HealthCheck())

	require.NoError(t, pool.UpdatePoolConfig(2, 4, 0, 0))
	stats, err := pool.Stats()
	require.NoError(t, err)
	assert.Equal(t, 4, stats["max_open_connections"])

	require.NoError(t, pool.Close())
	assert.Error(t, pool.HealthCheck())
}
