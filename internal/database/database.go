package database

import (
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/exhazordinary/atomicsettle/internal/ledger"
	"github.com/exhazordinary/atomicsettle/internal/settlement"
	"github.com/exhazordinary/atomicsettle/internal/types"
)

// NewDatabase opens the coordinator database and migrates every schema.
func NewDatabase(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(
		&types.Settlement{},
		&types.Participant{},
		&settlement.IdempotencyRecord{},
		&ledger.Balance{},
		&ledger.JournalEntry{},
	); err != nil {
		return nil, err
	}

	return db, nil
}
