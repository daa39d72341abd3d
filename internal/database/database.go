package database

import (
	"fmt"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Open connects to the sqlite database at path (":memory:" for an ephemeral
// store), runs migrations, and wraps the connection in a PoolManager.
func Open(path string, poolCfg PoolConfig, logger *zap.Logger) (*PoolManager, error) {
	if path == "" {
		path = "codepod.db"
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Discard,
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.AutoMigrate(&ChatInteraction{}); err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return NewPoolManager(db, poolCfg, logger)
}
