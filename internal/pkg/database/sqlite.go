package database

import (
	"fmt"

	"agentmonitor/internal/config"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewSQLiteConnection 创建SQLite连接(纯Go驱动，开发和测试使用)
func NewSQLiteConnection(cfg *config.SQLiteConfig) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(cfg.Path), &gorm.Config{
		Logger: logger.Default.LogMode(parseGormLogLevel(cfg.LogLevel)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite %s: %w", cfg.Path, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	// SQLite 单写者，内存库必须共享同一连接
	sqlDB.SetMaxOpenConns(1)

	return db, nil
}

// NewTestDB 创建测试用的内存数据库并自动迁移给定模型
func NewTestDB(models ...interface{}) (*gorm.DB, error) {
	db, err := NewSQLiteConnection(&config.SQLiteConfig{Path: ":memory:", LogLevel: "silent"})
	if err != nil {
		return nil, err
	}
	if len(models) > 0 {
		if err := db.AutoMigrate(models...); err != nil {
			return nil, fmt.Errorf("failed to migrate test db: %w", err)
		}
	}
	return db, nil
}
