package settlement

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/exhazordinary/atomicsettle/internal/config"
	"github.com/exhazordinary/atomicsettle/internal/ledger"
	"github.com/exhazordinary/atomicsettle/internal/types"
)

// Processor is the background reaper. Each tick it confirms finality for
// committed settlements, recovers settlements stranded mid-flight by a crash
// or restart, and reclaims expired idempotency keys.
type Processor struct {
	db           *Database
	ledger       *ledger.Service
	orchestrator *Orchestrator
	cfg          config.Config
}

func NewProcessor(db *Database, ledgerSvc *ledger.Service, orchestrator *Orchestrator, cfg config.Config) *Processor {
	return &Processor{
		db:           db,
		ledger:       ledgerSvc,
		orchestrator: orchestrator,
		cfg:          cfg,
	}
}

// Start begins the reaper loop and blocks until the context is cancelled.
func (p *Processor) Start(ctx context.Context) {
	logger := log.With().Str("component", "settlement_reaper").Logger()
	logger.Info().Dur("interval", p.cfg.ReaperInterval).Msg("starting settlement reaper")

	ticker := time.NewTicker(p.cfg.ReaperInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down settlement reaper")
			return
		case <-ticker.C:
			p.confirmCommitted()
			p.recoverStuck(ctx)
			p.reclaimIdempotencyKeys()
		}
	}
}

func (p *Processor) confirmCommitted() {
	logger := log.With().Str("component", "settlement_reaper").Logger()

	settlements, err := p.db.GetCommittedSettlements()
	if err != nil {
		logger.Error().Err(err).Msg("failed to list committed settlements")
		return
	}
	for i := range settlements {
		settlement := &settlements[i]
		if settlement.Timing.CommittedAt == nil ||
			time.Since(*settlement.Timing.CommittedAt) < p.cfg.FinalityDelay {
			continue
		}
		if err := p.orchestrator.ConfirmFinality(settlement); err != nil {
			logger.Error().Err(err).
				Str("settlement_id", settlement.SettlementID).
				Msg("failed to confirm finality")
		}
	}
}

// recoverStuck handles settlements whose processing goroutine died. The
// deadline is the settlement timeout, so any live settlement has long since
// reached a terminal status. Recovery direction follows the commit intent:
// a settlement persisted as COMMITTING rolls forward, anything earlier rolls
// back.
func (p *Processor) recoverStuck(ctx context.Context) {
	logger := log.With().Str("component", "settlement_reaper").Logger()

	stuck, err := p.db.GetStuckSettlements(time.Now().Add(-p.cfg.SettlementTimeout))
	if err != nil {
		logger.Error().Err(err).Msg("failed to list stuck settlements")
		return
	}
	for i := range stuck {
		settlement := &stuck[i]
		if err := p.recover(ctx, settlement); err != nil {
			logger.Error().Err(err).
				Str("settlement_id", settlement.SettlementID).
				Str("status", string(settlement.Status)).
				Msg("settlement recovery failed")
		}
	}
}

func (p *Processor) recover(ctx context.Context, settlement *types.Settlement) error {
	logger := log.With().
		Str("settlement_id", settlement.SettlementID).
		Str("status", string(settlement.Status)).
		Str("component", "settlement_reaper").
		Logger()

	keys := lockKeys(settlement.Legs)
	ok, blocked := p.ledger.Locks().AcquireAll(ctx, keys, p.cfg.LockTimeout)
	if !ok {
		// Contended; retry on the next sweep.
		logger.Warn().Str("key", blocked.String()).Msg("recovery deferred, keys contended")
		return nil
	}
	defer p.ledger.Locks().ReleaseAll(keys)

	phases, err := p.legPhases(settlement)
	if err != nil {
		return err
	}

	if settlement.Status == types.StatusCommitting {
		return p.rollForward(settlement, phases, logger)
	}
	return p.rollBack(settlement, phases, logger)
}

type legPhase struct {
	reserved    bool
	released    bool
	committed   bool
	compensated bool
}

// legPhases reconstructs how far each leg progressed from the journal. The
// journal is written transactionally with every balance mutation, so it is
// authoritative even after a crash.
func (p *Processor) legPhases(settlement *types.Settlement) (map[int]legPhase, error) {
	entries, err := p.ledger.GetSettlementEntries(settlement.SettlementID)
	if err != nil {
		return nil, fmt.Errorf("failed to load journal: %w", err)
	}

	sourceByLeg := make(map[int]string, len(settlement.Legs))
	for _, leg := range settlement.Legs {
		sourceByLeg[leg.LegNumber] = leg.FromParticipant
	}

	phases := make(map[int]legPhase, len(settlement.Legs))
	for _, entry := range entries {
		phase := phases[entry.LegNumber]
		switch entry.EntryType {
		case ledger.EntryReserve:
			phase.reserved = true
		case ledger.EntryRelease:
			phase.released = true
		case ledger.EntryDebit:
			// FX book entries share the leg number; only the source debit
			// marks the leg committed.
			if entry.ParticipantID == sourceByLeg[entry.LegNumber] {
				phase.committed = true
			}
		case ledger.EntryCompensate:
			phase.compensated = true
		}
		phases[entry.LegNumber] = phase
	}
	return phases, nil
}

// rollForward completes the commit phase of a settlement that durably
// recorded its commit intent: every leg not yet committed commits now.
func (p *Processor) rollForward(settlement *types.Settlement, phases map[int]legPhase, logger zerolog.Logger) error {
	for _, leg := range settlement.Legs {
		phase := phases[leg.LegNumber]
		if phase.committed || phase.compensated {
			continue
		}
		if err := p.ledger.CommitLeg(settlement.SettlementID, leg); err != nil {
			return fmt.Errorf("roll-forward of leg %d failed: %w", leg.LegNumber, err)
		}
	}

	if err := settlement.Transition(types.StatusCommitted); err != nil {
		return err
	}
	if err := p.db.SaveSettlement(settlement); err != nil {
		return err
	}
	logger.Info().Msg("settlement rolled forward to committed")
	return p.orchestrator.ConfirmFinality(settlement)
}

// rollBack reverts a settlement that never reached commit intent. Committed
// legs are compensated, live reservations released, and the settlement is
// marked failed. Balances end exactly where they started.
func (p *Processor) rollBack(settlement *types.Settlement, phases map[int]legPhase, logger zerolog.Logger) error {
	for i := len(settlement.Legs) - 1; i >= 0; i-- {
		leg := settlement.Legs[i]
		phase := phases[leg.LegNumber]
		switch {
		case phase.compensated:
		case phase.committed:
			if err := p.ledger.CompensateLeg(settlement.SettlementID, leg); err != nil {
				return fmt.Errorf("compensation of leg %d failed: %w", leg.LegNumber, err)
			}
		case phase.reserved && !phase.released:
			if err := p.ledger.Release(settlement.SettlementID, leg.LegNumber, leg.FromParticipant, leg.Amount); err != nil {
				return fmt.Errorf("release of leg %d failed: %w", leg.LegNumber, err)
			}
		}
	}

	if err := p.ledger.ClearPending(settlement.Legs); err != nil {
		logger.Error().Err(err).Msg("failed to clear pending projections during rollback")
	}

	if err := settlement.Fail(types.StatusFailed, types.SettlementFailure{
		Code:    types.FailureCoordinatorError,
		Message: "settlement exceeded the processing deadline and was rolled back",
	}); err != nil {
		return err
	}
	if err := p.db.SaveSettlement(settlement); err != nil {
		return err
	}
	p.orchestrator.notify(settlement)
	logger.Info().Msg("settlement rolled back")
	return nil
}

func (p *Processor) reclaimIdempotencyKeys() {
	removed, err := p.db.DeleteExpiredIdempotencyRecords(time.Now())
	if err != nil {
		log.Error().Err(err).Str("component", "settlement_reaper").Msg("failed to reclaim idempotency keys")
		return
	}
	if removed > 0 {
		log.Debug().Int64("removed", removed).Str("component", "settlement_reaper").Msg("reclaimed expired idempotency keys")
	}
}
