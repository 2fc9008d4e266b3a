package database

import (
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/gradeflow/gradeflow-api/internal/models"
)

// Connect opens the run store. A postgres DSN takes priority; without one
// the store falls back to a local sqlite file so the CLI works standalone.
func Connect(postgresDSN, sqlitePath string) (*gorm.DB, error) {
	if postgresDSN != "" {
		db, err := gorm.Open(postgres.Open(postgresDSN), &gorm.Config{})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
		return db, nil
	}

	if sqlitePath == "" {
		sqlitePath = "gradeflow.db"
	}
	db, err := gorm.Open(sqlite.Open(sqlitePath), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite store: %w", err)
	}
	return db, nil
}

// Migrate creates or updates the run store tables.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&models.RunRecord{}, &models.ItemRecord{})
}
