package storage

import (
	"fmt"
	"strings"

	"calendar-sync-server/models"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Open connects to Postgres, or to SQLite when the DSN starts with
// "sqlite://" (local runs and tests).
func Open(dsn string) (*gorm.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("open database: empty connection string")
	}

	cfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)}

	if path, ok := strings.CutPrefix(dsn, "sqlite://"); ok {
		db, err := gorm.Open(sqlite.Open(path+"?_busy_timeout=10000&_foreign_keys=on"), cfg)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		// one writer at a time; callers never hold a connection while waiting on a property lock
		sqlDB.SetMaxOpenConns(1)
		return db, nil
	}

	db, err := gorm.Open(postgres.Open(dsn), cfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return db, nil
}

// Migrate creates or updates every table the calendar core owns.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.Property{},
		&models.CalendarDay{},
		&models.ChannelConnection{},
		&models.RateOverride{},
		&models.RatePlan{},
		&models.YieldRule{},
		&models.LengthOfStayDiscount{},
		&models.OccupancyPricing{},
		&models.ChannelRateModifier{},
		&models.OutboxEvent{},
		&models.CalendarCommand{},
		&models.ReconciliationRun{},
		&models.ReconciliationFinding{},
		&models.CalendarConflict{},
		&models.Reservation{},
		&models.AuditLog{},
	)
}

func InitializeDB(dsn string) (*gorm.DB, error) {
	db, err := Open(dsn)
	if err != nil {
		return nil, err
	}
	if err := Migrate(db); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}
