package database

import (
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/synaptica-ai/interaction-engine/pkg/common/config"
	"github.com/synaptica-ai/interaction-engine/pkg/common/logger"
)

// OpenPostgres connects the audit and model-registry stores. Callers own the
// returned handle and release it with ClosePostgres.
func OpenPostgres(cfg *config.Config) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(postgresDSN(cfg)), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		logger.Log.WithError(err).WithField("host", cfg.PostgresHost).Error("Failed to connect to PostgreSQL")
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("postgres pool: %w", err)
	}
	if cfg.PostgresMaxOpen > 0 {
		sqlDB.SetMaxOpenConns(cfg.PostgresMaxOpen)
	}
	if cfg.PostgresMaxIdle > 0 {
		sqlDB.SetMaxIdleConns(cfg.PostgresMaxIdle)
	}
	if cfg.PostgresConnLife > 0 {
		sqlDB.SetConnMaxLifetime(cfg.PostgresConnLife)
	}

	logger.Log.WithFields(map[string]interface{}{
		"host":      cfg.PostgresHost,
		"database":  cfg.PostgresDB,
		"max_open":  cfg.PostgresMaxOpen,
		"max_idle":  cfg.PostgresMaxIdle,
		"conn_life": cfg.PostgresConnLife.String(),
	}).Info("Connected to PostgreSQL")
	return db, nil
}

func postgresDSN(cfg *config.Config) string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		cfg.PostgresHost, cfg.PostgresPort, cfg.PostgresUser,
		cfg.PostgresPassword, cfg.PostgresDB, cfg.PostgresSSLMode)
}

func ClosePostgres(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
