// internal/database/connection.go
package database

import (
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/javajoker/bizmarket-backend/internal/config"
	"github.com/javajoker/bizmarket-backend/internal/models"
)

var DB *gorm.DB

func Initialize(cfg config.DatabaseConfig) (*gorm.DB, error) {
	var err error

	// Configure GORM logger
	gormConfig := &gorm.Config{
		Logger:  logger.Default.LogMode(gormLogLevel(cfg.LogLevel)),
		NowFunc: func() time.Time { return time.Now().UTC() },
	}

	var dialector gorm.Dialector
	switch cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(cfg.DSN())
	default:
		dialector = postgres.Open(cfg.DSN())
	}

	DB, err = gorm.Open(dialector, gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Get underlying sql.DB
	sqlDB, err := DB.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	// Configure connection pool
	if cfg.Driver == "sqlite" {
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	sqlDB.SetConnMaxLifetime(time.Duration(cfg.MaxLifetime) * time.Second)

	// Test connection
	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logrus.WithField("driver", DB.Dialector.Name()).Info("Database connection established")
	return DB, nil
}

func gormLogLevel(level string) logger.LogLevel {
	switch level {
	case "silent":
		return logger.Silent
	case "error":
		return logger.Error
	case "info":
		return logger.Info
	default:
		return logger.Warn
	}
}

func Close(db *gorm.DB) {
	sqlDB, err := db.DB()
	if err != nil {
		logrus.WithError(err).Error("Error getting underlying sql.DB")
		return
	}

	if err := sqlDB.Close(); err != nil {
		logrus.WithError(err).Error("Error closing database connection")
	} else {
		logrus.Info("Database connection closed")
	}
}

func RunMigrations(db *gorm.DB) error {
	logrus.Info("Running database migrations...")

	// Enable UUID extension
	if db.Dialector.Name() == "postgres" {
		if err := db.Exec("CREATE EXTENSION IF NOT EXISTS \"uuid-ossp\"").Error; err != nil {
			return fmt.Errorf("failed to create UUID extension: %w", err)
		}
	}

	if err := AutoMigrate(db); err != nil {
		return err
	}

	// Create indexes
	if err := createIndexes(db); err != nil {
		return fmt.Errorf("failed to create indexes: %w", err)
	}

	logrus.Info("Database migrations completed")
	return nil
}

// AutoMigrate creates or updates every table the service owns.
func AutoMigrate(db *gorm.DB) error {
	err := db.AutoMigrate(
		&models.Listing{},
		&models.MembershipPlan{},
		&models.Membership{},
		&models.PayoutAccount{},
		&models.LetterOfIntent{},
		&models.EscrowTransaction{},
		&models.EscrowAuditEntry{},
		&models.ProviderEventRecord{},
		&models.ProviderCall{},
		&models.MigrationChecklist{},
		&models.MigrationTask{},
		&models.OperatorAlert{},
		&models.Notification{},
		&models.AuditLog{},
	)
	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

func createIndexes(db *gorm.DB) error {
	indexes := []string{
		// LOI indexes
		"CREATE INDEX IF NOT EXISTS idx_lois_listing_status ON letters_of_intent(listing_id, status)",
		"CREATE INDEX IF NOT EXISTS idx_lois_status_expiration ON letters_of_intent(status, expiration_date)",
		"CREATE UNIQUE INDEX IF NOT EXISTS idx_lois_one_accepted_per_listing ON letters_of_intent(listing_id) WHERE status = 'accepted' AND deleted_at IS NULL",

		// Escrow indexes
		"CREATE INDEX IF NOT EXISTS idx_escrow_transactions_status ON escrow_transactions(status, created_at DESC)",
		"CREATE INDEX IF NOT EXISTS idx_escrow_audit_entries_escrow ON escrow_audit_entries(escrow_id, created_at)",

		// Outbox indexes
		"CREATE INDEX IF NOT EXISTS idx_provider_calls_dispatch ON provider_calls(status, created_at)",
		"CREATE INDEX IF NOT EXISTS idx_provider_calls_escrow ON provider_calls(escrow_id, created_at)",

		// Checklist indexes
		"CREATE INDEX IF NOT EXISTS idx_migration_tasks_checklist_order ON migration_tasks(checklist_id, sort_order)",

		// Operations indexes
		"CREATE INDEX IF NOT EXISTS idx_operator_alerts_status ON operator_alerts(status, severity, created_at DESC)",
		"CREATE INDEX IF NOT EXISTS idx_notifications_recipient ON notifications(recipient_id, status, created_at DESC)",
		"CREATE INDEX IF NOT EXISTS idx_audit_logs_user_action ON audit_logs(user_id, action)",
		"CREATE INDEX IF NOT EXISTS idx_audit_logs_resource ON audit_logs(resource_type, resource_id)",
		"CREATE INDEX IF NOT EXISTS idx_audit_logs_created ON audit_logs(created_at DESC)",
	}

	for _, index := range indexes {
		if err := db.Exec(index).Error; err != nil {
			logrus.WithError(err).WithField("index", index).Warn("Failed to create index")
			// Continue with other indexes instead of failing completely
		}
	}

	return nil
}

// SeedInitialData creates the default membership plans.
func SeedInitialData(db *gorm.DB) error {
	logrus.Info("Seeding initial data...")

	plans := []models.MembershipPlan{
		{Name: "basic", FeePercentage: decimal.NewFromInt(5), IsActive: true},
		{Name: "professional", FeePercentage: decimal.RequireFromString("3.5"), IsActive: true},
		{Name: "enterprise", FeePercentage: decimal.RequireFromString("2.5"), IsActive: true},
	}

	for _, plan := range plans {
		var count int64
		db.Model(&models.MembershipPlan{}).Where("name = ?", plan.Name).Count(&count)
		if count > 0 {
			continue
		}
		if err := db.Create(&plan).Error; err != nil {
			return fmt.Errorf("failed to create plan %s: %w", plan.Name, err)
		}
	}

	logrus.Info("Initial data seeding completed")
	return nil
}
