package db

import (
	"fmt"
	"time"

	"diagram-collab/internal/config"
	"diagram-collab/internal/models"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// GormDB wraps the GORM database instance
type GormDB struct {
	*gorm.DB
}

// NewGorm connects to Postgres and migrates the collaboration schema
func NewGorm(cfg *config.Config, logger *zap.Logger) (*GormDB, error) {
	level := gormlogger.Warn
	if cfg.LogEnv != "production" {
		level = gormlogger.Info
	}
	return Open(postgres.Open(cfg.DatabaseURL()), logger, level)
}

// Open connects through any dialector. Tests pass an in-memory SQLite one.
func Open(dialector gorm.Dialector, logger *zap.Logger, level gormlogger.LogLevel) (*GormDB, error) {
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.New(zap.NewStdLog(logger.Named("gorm")), gormlogger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  level,
			IgnoreRecordNotFoundError: true,
		}),
		// surfaces unique violations as gorm.ErrDuplicatedKey
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := Migrate(db); err != nil {
		return nil, err
	}

	logger.Info("✓ Database connected and migrated successfully",
		zap.String("dialect", db.Dialector.Name()))
	return &GormDB{db}, nil
}

// Migrate creates or updates the session tables
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&models.Session{},
		&models.Collaborator{},
		&models.SessionEvent{},
	); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// Close closes the database connection
func (db *GormDB) Close() error {
	sqlDB, err := db.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
