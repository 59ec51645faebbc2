package ledger

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/exhazordinary/atomicsettle/internal/money"
	"github.com/exhazordinary/atomicsettle/internal/types"
)

// Internal accounts carried by the coordinator itself. Their available
// balance is a position and may go negative; participant balances never do.
const (
	TreasuryAccount = "COORDINATOR_TREASURY"
	FxBookAccount   = "COORDINATOR_FX"
)

// Service owns participant balances and exposes the atomic
// reserve/release/commit operations the orchestrator drives. Callers hold
// the relevant keys in the lock table around every mutating call; each
// mutation and its journal entry commit in a single database transaction.
type Service struct {
	gormDB *gorm.DB
	db     *Database
	locks  *LockTable
}

func NewService(gormDB *gorm.DB) *Service {
	return &Service{
		gormDB: gormDB,
		db:     NewDatabase(gormDB),
		locks:  NewLockTable(),
	}
}

// Locks exposes the per-key lock table for orchestrator acquisition.
func (s *Service) Locks() *LockTable {
	return s.locks
}

// Deposit funds a participant balance from the coordinator treasury. The
// treasury side may go negative; it is a position, not a customer balance.
func (s *Service) Deposit(participantID string, amount money.Money) error {
	logger := log.With().
		Str("participant_id", participantID).
		Str("amount", amount.String()).
		Str("service", "ledger").
		Logger()

	if !amount.IsPositive() {
		return fmt.Errorf("deposit amount must be positive, got %s", amount)
	}

	err := s.gormDB.Transaction(func(tx *gorm.DB) error {
		treasury, err := getOrCreateBalance(tx, TreasuryAccount, amount.Currency)
		if err != nil {
			return err
		}
		treasury.Available = treasury.Available.Sub(amount.Value)
		if err := tx.Save(treasury).Error; err != nil {
			return err
		}
		if err := writeJournal(tx, treasury, "FUNDING", 0, EntryDebit, amount.Value); err != nil {
			return err
		}

		balance, err := getOrCreateBalance(tx, participantID, amount.Currency)
		if err != nil {
			return err
		}
		balance.Available = balance.Available.Add(amount.Value)
		if err := tx.Save(balance).Error; err != nil {
			return err
		}
		return writeJournal(tx, balance, "FUNDING", 0, EntryCredit, amount.Value)
	})
	if err != nil {
		logger.Error().Err(err).Msg("deposit failed")
		return err
	}

	logger.Debug().Msg("deposit applied")
	return nil
}

// Reserve atomically moves amount from available to locked for the leg's
// source. Fails with an INSUFFICIENT_FUNDS condition carrying required vs.
// available when the balance does not cover the amount.
func (s *Service) Reserve(settlementID string, legNumber int, participantID string, amount money.Money) error {
	logger := log.With().
		Str("settlement_id", settlementID).
		Int("leg_number", legNumber).
		Str("participant_id", participantID).
		Str("amount", amount.String()).
		Str("service", "ledger").
		Logger()

	err := s.gormDB.Transaction(func(tx *gorm.DB) error {
		balance, err := getOrCreateBalance(tx, participantID, amount.Currency)
		if err != nil {
			return err
		}
		if !balance.CanReserve(amount.Value) {
			return types.NewInsufficientFundsError(amount.Value.String(), balance.Available.String())
		}
		balance.Available = balance.Available.Sub(amount.Value)
		balance.Locked = balance.Locked.Add(amount.Value)
		if err := tx.Save(balance).Error; err != nil {
			return err
		}
		return writeJournal(tx, balance, settlementID, legNumber, EntryReserve, amount.Value)
	})
	if err != nil {
		logger.Warn().Err(err).Msg("reservation failed")
		return err
	}

	logger.Debug().Msg("funds reserved")
	return nil
}

// Release moves a reservation from locked back to available. Locked falling
// short of the amount is an internal invariant failure, never a
// caller-facing condition.
func (s *Service) Release(settlementID string, legNumber int, participantID string, amount money.Money) error {
	logger := log.With().
		Str("settlement_id", settlementID).
		Int("leg_number", legNumber).
		Str("participant_id", participantID).
		Str("amount", amount.String()).
		Str("service", "ledger").
		Logger()

	err := s.gormDB.Transaction(func(tx *gorm.DB) error {
		balance, err := getOrCreateBalance(tx, participantID, amount.Currency)
		if err != nil {
			return err
		}
		if balance.Locked.LessThan(amount.Value) {
			return fmt.Errorf("ledger invariant violated: release of %s exceeds locked %s on %s/%s",
				amount.Value, balance.Locked, participantID, amount.Currency)
		}
		balance.Locked = balance.Locked.Sub(amount.Value)
		balance.Available = balance.Available.Add(amount.Value)
		if err := tx.Save(balance).Error; err != nil {
			return err
		}
		return writeJournal(tx, balance, settlementID, legNumber, EntryRelease, amount.Value)
	})
	if err != nil {
		logger.Error().Err(err).Msg("release failed")
		return err
	}

	logger.Debug().Msg("reservation released")
	return nil
}

// CommitLeg permanently applies one leg: the reserved amount leaves the
// source's locked balance and the destination is credited. Cross-currency
// legs route through the coordinator FX book so every journal currency stays
// balanced. The whole leg commits in one transaction.
func (s *Service) CommitLeg(settlementID string, leg types.SettlementLeg) error {
	logger := log.With().
		Str("settlement_id", settlementID).
		Int("leg_number", leg.LegNumber).
		Str("service", "ledger").
		Logger()

	credited := leg.Amount
	if leg.ConvertedAmount != nil {
		credited = *leg.ConvertedAmount
	}

	err := s.gormDB.Transaction(func(tx *gorm.DB) error {
		source, err := getOrCreateBalance(tx, leg.FromParticipant, leg.Amount.Currency)
		if err != nil {
			return err
		}
		if source.Locked.LessThan(leg.Amount.Value) {
			return fmt.Errorf("ledger invariant violated: commit of %s exceeds locked %s on %s/%s",
				leg.Amount.Value, source.Locked, leg.FromParticipant, leg.Amount.Currency)
		}
		source.Locked = source.Locked.Sub(leg.Amount.Value)
		if err := tx.Save(source).Error; err != nil {
			return err
		}
		if err := writeJournal(tx, source, settlementID, leg.LegNumber, EntryDebit, leg.Amount.Value); err != nil {
			return err
		}

		if leg.ConvertedAmount != nil {
			// The FX book absorbs the source currency and funds the payout.
			if err := adjustFxBook(tx, settlementID, leg.LegNumber, leg.Amount, credited); err != nil {
				return err
			}
		}

		dest, err := getOrCreateBalance(tx, leg.ToParticipant, credited.Currency)
		if err != nil {
			return err
		}
		dest.Available = dest.Available.Add(credited.Value)
		if err := tx.Save(dest).Error; err != nil {
			return err
		}
		return writeJournal(tx, dest, settlementID, leg.LegNumber, EntryCredit, credited.Value)
	})
	if err != nil {
		logger.Error().Err(err).Msg("leg commit failed")
		return err
	}

	logger.Debug().Str("credited", credited.String()).Msg("leg committed")
	return nil
}

func adjustFxBook(tx *gorm.DB, settlementID string, legNumber int, absorbed, paidOut money.Money) error {
	in, err := getOrCreateBalance(tx, FxBookAccount, absorbed.Currency)
	if err != nil {
		return err
	}
	in.Available = in.Available.Add(absorbed.Value)
	if err := tx.Save(in).Error; err != nil {
		return err
	}
	if err := writeJournal(tx, in, settlementID, legNumber, EntryCredit, absorbed.Value); err != nil {
		return err
	}

	out, err := getOrCreateBalance(tx, FxBookAccount, paidOut.Currency)
	if err != nil {
		return err
	}
	out.Available = out.Available.Sub(paidOut.Value)
	if err := tx.Save(out).Error; err != nil {
		return err
	}
	return writeJournal(tx, out, settlementID, legNumber, EntryDebit, paidOut.Value)
}

// CompensateLeg reverses an already committed leg: the destination's credit
// is withdrawn and the source's funds return to available. Used when a later
// leg in the commit phase fails, so balances never persist a partial
// settlement.
func (s *Service) CompensateLeg(settlementID string, leg types.SettlementLeg) error {
	logger := log.With().
		Str("settlement_id", settlementID).
		Int("leg_number", leg.LegNumber).
		Str("service", "ledger").
		Logger()

	credited := leg.Amount
	if leg.ConvertedAmount != nil {
		credited = *leg.ConvertedAmount
	}

	err := s.gormDB.Transaction(func(tx *gorm.DB) error {
		dest, err := getOrCreateBalance(tx, leg.ToParticipant, credited.Currency)
		if err != nil {
			return err
		}
		dest.Available = dest.Available.Sub(credited.Value)
		if err := tx.Save(dest).Error; err != nil {
			return err
		}
		if err := writeJournal(tx, dest, settlementID, leg.LegNumber, EntryCompensate, credited.Value); err != nil {
			return err
		}

		if leg.ConvertedAmount != nil {
			if err := adjustFxBook(tx, settlementID, leg.LegNumber, credited, leg.Amount); err != nil {
				return err
			}
		}

		source, err := getOrCreateBalance(tx, leg.FromParticipant, leg.Amount.Currency)
		if err != nil {
			return err
		}
		source.Available = source.Available.Add(leg.Amount.Value)
		if err := tx.Save(source).Error; err != nil {
			return err
		}
		return writeJournal(tx, source, settlementID, leg.LegNumber, EntryCompensate, leg.Amount.Value)
	})
	if err != nil {
		logger.Error().Err(err).Msg("leg compensation failed")
		return err
	}

	logger.Info().Msg("leg compensated")
	return nil
}

// MarkPending increments pending_out on each leg's source and pending_in on
// its destination when the settlement enters LOCKING. Callers pass the same
// leg snapshot to ClearPending so the two adjustments stay symmetric even if
// a later re-quote changes converted amounts.
func (s *Service) MarkPending(legs []types.SettlementLeg) error {
	return s.adjustPending(legs, false)
}

// ClearPending reverses MarkPending once the settlement reaches a terminal
// status.
func (s *Service) ClearPending(legs []types.SettlementLeg) error {
	return s.adjustPending(legs, true)
}

func (s *Service) adjustPending(legs []types.SettlementLeg, clear bool) error {
	return s.gormDB.Transaction(func(tx *gorm.DB) error {
		for _, leg := range legs {
			credited := leg.Amount
			if leg.ConvertedAmount != nil {
				credited = *leg.ConvertedAmount
			}

			source, err := getOrCreateBalance(tx, leg.FromParticipant, leg.Amount.Currency)
			if err != nil {
				return err
			}
			dest, err := getOrCreateBalance(tx, leg.ToParticipant, credited.Currency)
			if err != nil {
				return err
			}

			if clear {
				source.PendingOut = maxZero(source.PendingOut.Sub(leg.Amount.Value))
				dest.PendingIn = maxZero(dest.PendingIn.Sub(credited.Value))
			} else {
				source.PendingOut = source.PendingOut.Add(leg.Amount.Value)
				dest.PendingIn = dest.PendingIn.Add(credited.Value)
			}

			if err := tx.Save(source).Error; err != nil {
				return err
			}
			if err := tx.Save(dest).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func maxZero(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}

// GetBalance returns the balance for one (participant, currency) key.
func (s *Service) GetBalance(participantID string, currency money.Currency) (*Balance, error) {
	return s.db.GetBalance(participantID, currency)
}

// GetBalances returns every currency balance held by a participant.
func (s *Service) GetBalances(participantID string) ([]Balance, error) {
	return s.db.GetBalances(participantID)
}

// GetSettlementEntries returns the journal trail for a settlement.
func (s *Service) GetSettlementEntries(settlementID string) ([]JournalEntry, error) {
	return s.db.GetSettlementEntries(settlementID)
}

// VerifyIntegrity checks debits equal credits per currency over the journal.
func (s *Service) VerifyIntegrity() (bool, error) {
	return s.db.VerifyIntegrity()
}
