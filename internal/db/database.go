package db

import (
	"fmt"
	"log"
	"time"

	_ "github.com/lib/pq"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"proof-orchestrator/internal/config"
	"proof-orchestrator/internal/models"
)

// Open connect to postgres and migrate the task record table. An explicit
// DriverName of "postgres" routes through lib/pq instead of gorm's default pgx.
func Open(cfg config.PostgresConfig) (*gorm.DB, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database DSN is required")
	}

	dialector := postgres.Open(cfg.DSN)
	if cfg.DriverName != "" {
		dialector = postgres.New(postgres.Config{
			DriverName: cfg.DriverName,
			DSN:        cfg.DSN,
		})
	}

	gdb, err := gorm.Open(dialector, &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		SkipDefaultTransaction:                   true,
		PrepareStmt:                              true,
		Logger:                                   logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to connect database: %v", models.ErrStoreUnavailable, err)
	}
	log.Println("✅ Database connected successfully")

	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	sqlDB.SetConnMaxLifetime(30 * time.Minute)

	log.Println("🚀 Starting database schema migration with GORM AutoMigrate...")
	if err := gdb.AutoMigrate(&models.TaskRecordRow{}); err != nil {
		return nil, fmt.Errorf("AutoMigrate failed: %w", err)
	}
	log.Println("✅ Database schema migrated successfully")

	return gdb, nil
}
