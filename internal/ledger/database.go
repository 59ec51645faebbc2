package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/exhazordinary/atomicsettle/internal/money"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// getOrCreateBalance loads the balance row for a key inside tx, creating a
// zero balance on first touch.
func getOrCreateBalance(tx *gorm.DB, participantID string, currency money.Currency) (*Balance, error) {
	var balance Balance
	err := tx.Where("participant_id = ? AND currency = ?", participantID, currency).First(&balance).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		balance = Balance{
			ParticipantID: participantID,
			Currency:      currency,
			Available:     decimal.Zero,
			Locked:        decimal.Zero,
			PendingIn:     decimal.Zero,
			PendingOut:    decimal.Zero,
		}
		if err := tx.Create(&balance).Error; err != nil {
			return nil, err
		}
		return &balance, nil
	}
	if err != nil {
		return nil, err
	}
	return &balance, nil
}

// writeJournal appends the phase record for a balance mutation inside tx.
func writeJournal(tx *gorm.DB, balance *Balance, settlementID string, legNumber int, entryType string, amount decimal.Decimal) error {
	entry := JournalEntry{
		JournalID:      "JRN_" + uuid.New().String(),
		SettlementID:   settlementID,
		LegNumber:      legNumber,
		ParticipantID:  balance.ParticipantID,
		Currency:       balance.Currency,
		EntryType:      entryType,
		Amount:         amount,
		AvailableAfter: balance.Available,
		LockedAfter:    balance.Locked,
		CreatedAt:      time.Now(),
	}
	return tx.Create(&entry).Error
}

func (d *Database) GetBalance(participantID string, currency money.Currency) (*Balance, error) {
	var balance Balance
	if err := d.db.Where("participant_id = ? AND currency = ?", participantID, currency).First(&balance).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return &Balance{
				ParticipantID: participantID,
				Currency:      currency,
				Available:     decimal.Zero,
				Locked:        decimal.Zero,
				PendingIn:     decimal.Zero,
				PendingOut:    decimal.Zero,
			}, nil
		}
		return nil, err
	}
	return &balance, nil
}

func (d *Database) GetBalances(participantID string) ([]Balance, error) {
	var balances []Balance
	if err := d.db.Where("participant_id = ?", participantID).Order("currency ASC").Find(&balances).Error; err != nil {
		return nil, err
	}
	return balances, nil
}

func (d *Database) GetSettlementEntries(settlementID string) ([]JournalEntry, error) {
	var entries []JournalEntry
	if err := d.db.Where("settlement_id = ?", settlementID).Order("id ASC").Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

// VerifyIntegrity checks that committed debits equal committed credits per
// currency across the whole journal.
func (d *Database) VerifyIntegrity() (bool, error) {
	type currencySum struct {
		Currency money.Currency
		Debits   decimal.Decimal
		Credits  decimal.Decimal
	}

	var sums []currencySum
	err := d.db.Model(&JournalEntry{}).
		Select("currency, "+
			"SUM(CASE WHEN entry_type = ? THEN amount ELSE 0 END) as debits, "+
			"SUM(CASE WHEN entry_type = ? THEN amount ELSE 0 END) as credits",
			EntryDebit, EntryCredit).
		Group("currency").
		Scan(&sums).Error
	if err != nil {
		return false, fmt.Errorf("failed to aggregate journal: %w", err)
	}

	for _, s := range sums {
		if !s.Debits.Equal(s.Credits) {
			return false, nil
		}
	}
	return true, nil
}
