package database

import (
	"fmt"

	"gorm.io/gorm"

	"sangzi-care-service/internal/domain/models"
	"sangzi-care-service/pkg/logger"
)

const (
	MigrationModeAuto = "auto"
	MigrationModeDrop = "drop"
)

// allModels 需要迁移的模型，删除时按相反顺序
func allModels() []interface{} {
	return []interface{}{
		&models.User{},
		&models.FamilyBind{},
		&models.EmergencyCall{},
	}
}

// Migrate 根据迁移模式建表。auto 只添加新列和新表，drop 删除后重建。
func Migrate(db *gorm.DB, mode string) error {
	switch mode {
	case MigrationModeDrop:
		logger.Warning("在drop模式下运行，将删除并重建所有表")
		return DropAndRecreateTables(db)
	case "", MigrationModeAuto:
		logger.Info("在标准模式下运行，将只添加新列和新表")
		return AutoMigrate(db)
	default:
		return fmt.Errorf("未知的数据库迁移模式: %s", mode)
	}
}

// AutoMigrate 自动迁移所有模型
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(allModels()...); err != nil {
		return fmt.Errorf("自动迁移失败: %w", err)
	}
	logger.Info("数据库迁移完成")
	return nil
}

// DropAndRecreateTables 删除并重建所有表
func DropAndRecreateTables(db *gorm.DB) error {
	tables := allModels()
	migrator := db.Migrator()
	for i := len(tables) - 1; i >= 0; i-- {
		if err := migrator.DropTable(tables[i]); err != nil {
			return fmt.Errorf("删除表失败: %w", err)
		}
	}
	return AutoMigrate(db)
}
