package database

import (
	"fmt"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/mikepea/cloudsync/pkg/cloudsync/models"
)

var DB *gorm.DB

// Connect opens the platform store and migrates the schema.
func Connect(dsn string) error {
	db, err := Open(dsn)
	if err != nil {
		return err
	}
	DB = db
	return nil
}

// Open opens a SQLite database at dsn and runs migrations
func Open(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return db, nil
}

// GetDB returns the database instance.
func GetDB() *gorm.DB {
	return DB
}
