package settlement

import (
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/exhazordinary/atomicsettle/internal/types"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// CreateSettlementWithIdempotency creates the settlement and its idempotency
// mapping in one transaction, so there is no window where the key is claimed
// but no settlement exists.
func (d *Database) CreateSettlementWithIdempotency(settlement *types.Settlement, record *IdempotencyRecord) error {
	tx := d.db.Begin()
	if err := tx.Error; err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	if err := tx.Create(settlement).Error; err != nil {
		tx.Rollback()
		return err
	}

	if err := tx.Create(record).Error; err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit().Error
}

func (d *Database) SaveSettlement(settlement *types.Settlement) error {
	return d.db.Save(settlement).Error
}

// GetSettlement returns a settlement by id, or nil when unknown.
func (d *Database) GetSettlement(settlementID string) (*types.Settlement, error) {
	var settlement types.Settlement
	if err := d.db.Where("settlement_id = ?", settlementID).First(&settlement).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &settlement, nil
}

// ListSettlements returns a page of the participant's own settlements,
// optionally filtered by status, newest first.
func (d *Database) ListSettlements(participantID string, status types.Status, limit, offset int) ([]types.Settlement, error) {
	query := d.db.Where("initiator = ?", participantID).Order("created_at DESC, id DESC")
	if status != "" {
		query = query.Where("status = ?", status)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	if offset > 0 {
		query = query.Offset(offset)
	}

	var settlements []types.Settlement
	if err := query.Find(&settlements).Error; err != nil {
		return nil, err
	}
	return settlements, nil
}

// GetStuckSettlements returns non-terminal settlements in a lock or commit
// phase whose last update is older than the deadline. The reaper sweeps
// these into the compensation path.
func (d *Database) GetStuckSettlements(deadline time.Time) ([]types.Settlement, error) {
	var settlements []types.Settlement
	err := d.db.Where("status IN ?", []types.Status{types.StatusLocking, types.StatusLocked, types.StatusCommitting}).
		Where("updated_at < ?", deadline).
		Find(&settlements).Error
	if err != nil {
		return nil, err
	}
	return settlements, nil
}

// GetCommittedSettlements returns settlements awaiting the finality
// confirmation step.
func (d *Database) GetCommittedSettlements() ([]types.Settlement, error) {
	var settlements []types.Settlement
	if err := d.db.Where("status = ?", types.StatusCommitted).Find(&settlements).Error; err != nil {
		return nil, err
	}
	return settlements, nil
}

// GetIdempotencyRecord returns the record for a key, or nil when unseen.
func (d *Database) GetIdempotencyRecord(key string) (*IdempotencyRecord, error) {
	var record IdempotencyRecord
	if err := d.db.Where("idempotency_key = ?", key).First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

// DeleteExpiredIdempotencyRecords reclaims keys past the retention window.
// Settlements themselves are never deleted.
func (d *Database) DeleteExpiredIdempotencyRecords(now time.Time) (int64, error) {
	result := d.db.Unscoped().Where("expires_at < ?", now).Delete(&IdempotencyRecord{})
	return result.RowsAffected, result.Error
}

func (d *Database) CreateParticipant(participant *types.Participant) error {
	return d.db.Create(participant).Error
}

func (d *Database) GetParticipant(participantID string) (*types.Participant, error) {
	var participant types.Participant
	if err := d.db.Where("participant_id = ?", participantID).First(&participant).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &participant, nil
}

func (d *Database) UpdateParticipantStatus(participantID, status string) error {
	result := d.db.Model(&types.Participant{}).
		Where("participant_id = ?", participantID).
		Updates(map[string]interface{}{
			"status":     status,
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return errors.New("participant not found")
	}
	return nil
}

func (d *Database) ListParticipants() ([]types.Participant, error) {
	var participants []types.Participant
	if err := d.db.Order("participant_id ASC").Find(&participants).Error; err != nil {
		return nil, err
	}
	return participants, nil
}
