package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/exhazordinary/atomicsettle/internal/config"
	"github.com/exhazordinary/atomicsettle/internal/fx"
	"github.com/exhazordinary/atomicsettle/internal/ledger"
	"github.com/exhazordinary/atomicsettle/internal/types"
)

// Notifier receives a settlement after every persisted status change.
type Notifier interface {
	Publish(settlement *types.Settlement)
}

// Orchestrator drives a settlement through its lifecycle: validation, lock
// acquisition, two-phase reserve and commit, compensation on partial failure,
// and finality confirmation. All balance effects of one settlement either
// fully apply or fully revert.
type Orchestrator struct {
	ledger   *ledger.Service
	binder   *fx.Binder
	db       *Database
	notifier Notifier
	cfg      config.Config
}

func NewOrchestrator(ledgerSvc *ledger.Service, binder *fx.Binder, db *Database, notifier Notifier, cfg config.Config) *Orchestrator {
	return &Orchestrator{
		ledger:   ledgerSvc,
		binder:   binder,
		db:       db,
		notifier: notifier,
		cfg:      cfg,
	}
}

// Process runs a freshly created settlement to a terminal status, or parks it
// in PENDING_REVIEW for manual approval. It is called once per settlement,
// from its own goroutine.
func (o *Orchestrator) Process(ctx context.Context, settlement *types.Settlement) {
	logger := log.With().
		Str("settlement_id", settlement.SettlementID).
		Str("service", "orchestrator").
		Logger()

	if failure := o.checkParticipants(settlement); failure != nil {
		logger.Warn().Str("code", failure.Code).Msg("settlement rejected at validation")
		o.fail(settlement, types.StatusRejected, *failure)
		return
	}

	if !o.transitionAndSave(settlement, types.StatusValidated) {
		return
	}

	if o.needsReview(settlement) {
		logger.Info().Msg("settlement held for compliance review")
		o.transitionAndSave(settlement, types.StatusPendingReview)
		return
	}

	o.execute(ctx, settlement)
}

// Resume continues a settlement parked in PENDING_REVIEW. A denial is a
// terminal rejection with no balance effect.
func (o *Orchestrator) Resume(ctx context.Context, settlement *types.Settlement, approve bool) error {
	if settlement.Status != types.StatusPendingReview {
		return &types.InvalidTransitionError{From: settlement.Status, To: types.StatusLocking}
	}
	if !approve {
		o.fail(settlement, types.StatusRejected, types.SettlementFailure{
			Code:    types.FailureComplianceRejected,
			Message: "settlement denied by compliance review",
		})
		return nil
	}
	go o.execute(ctx, settlement)
	return nil
}

// execute runs the lock and commit phases. Every key the settlement touches
// is acquired up front in deterministic order, so a lock timeout leaves no
// balance modified.
func (o *Orchestrator) execute(ctx context.Context, settlement *types.Settlement) {
	logger := log.With().
		Str("settlement_id", settlement.SettlementID).
		Str("service", "orchestrator").
		Logger()

	if !o.transitionAndSave(settlement, types.StatusLocking) {
		return
	}

	keys := lockKeys(settlement.Legs)
	ok, blocked := o.ledger.Locks().AcquireAll(ctx, keys, o.cfg.LockTimeout)
	if !ok {
		logger.Warn().Str("key", blocked.String()).Msg("lock acquisition timed out")
		o.fail(settlement, types.StatusFailed, types.SettlementFailure{
			Code:    types.FailureLockTimeout,
			Message: fmt.Sprintf("could not acquire lock on %s within %s", blocked, o.cfg.LockTimeout),
		})
		return
	}

	for i := range settlement.Legs {
		if !settlement.Legs[i].IsCrossCurrency() {
			continue
		}
		if err := o.binder.Bind(settlement, &settlement.Legs[i]); err != nil {
			o.ledger.Locks().ReleaseAll(keys)
			leg := settlement.Legs[i].LegNumber
			o.fail(settlement, types.StatusFailed, types.SettlementFailure{
				Code:      fxFailureCode(err),
				Message:   err.Error(),
				FailedLeg: &leg,
			})
			return
		}
	}

	// Snapshot the legs for pending projections. The same snapshot is used
	// to clear them, so a later re-quote cannot unbalance the adjustments.
	snapshot := cloneLegs(settlement.Legs)
	if err := o.ledger.MarkPending(snapshot); err != nil {
		o.ledger.Locks().ReleaseAll(keys)
		o.fail(settlement, types.StatusFailed, internalFailure(err))
		return
	}

	reserved := 0
	for _, leg := range settlement.Legs {
		if err := o.ledger.Reserve(settlement.SettlementID, leg.LegNumber, leg.FromParticipant, leg.Amount); err != nil {
			o.unwind(settlement, snapshot, keys, reserved)
			failedLeg := leg.LegNumber
			o.fail(settlement, types.StatusFailed, types.SettlementFailure{
				Code:      reserveFailureCode(err),
				Message:   err.Error(),
				FailedLeg: &failedLeg,
			})
			return
		}
		reserved++
	}

	// Failing to persist either status leaves no durable commit intent, so
	// the reservations and keys must not stay held.
	if !o.transitionAndSave(settlement, types.StatusLocked) {
		o.unwind(settlement, snapshot, keys, len(settlement.Legs))
		return
	}

	// Persisting COMMITTING is the durable commit intent: a coordinator
	// restart after this point rolls the settlement forward, never back.
	if !o.transitionAndSave(settlement, types.StatusCommitting) {
		o.unwind(settlement, snapshot, keys, len(settlement.Legs))
		return
	}

	refreshed, err := o.binder.EnsureValid(settlement, time.Now().UTC())
	if err != nil {
		logger.Warn().Err(err).Msg("bound rate expired past re-quote budget")
		o.unwind(settlement, snapshot, keys, len(settlement.Legs))
		o.fail(settlement, types.StatusFailed, types.SettlementFailure{
			Code:    types.FailureFxRateExpired,
			Message: err.Error(),
		})
		return
	}
	if refreshed {
		// Re-quote changed the payout amounts; refresh the projections so
		// clearing them at finality stays symmetric.
		if err := o.ledger.ClearPending(snapshot); err != nil {
			logger.Error().Err(err).Msg("failed to clear stale pending projections")
		}
		snapshot = cloneLegs(settlement.Legs)
		if err := o.ledger.MarkPending(snapshot); err != nil {
			logger.Error().Err(err).Msg("failed to refresh pending projections")
		}
		if err := o.db.SaveSettlement(settlement); err != nil {
			logger.Error().Err(err).Msg("failed to persist re-quoted rate")
		}
	}

	for i, leg := range settlement.Legs {
		if err := o.ledger.CommitLeg(settlement.SettlementID, leg); err != nil {
			logger.Error().Err(err).Int("leg_number", leg.LegNumber).Msg("leg commit failed, compensating")
			o.compensate(settlement, i)
			o.releaseReservations(settlement, i, len(settlement.Legs))
			o.clearAndUnlock(settlement, snapshot, keys)
			failedLeg := leg.LegNumber
			o.fail(settlement, types.StatusFailed, types.SettlementFailure{
				Code:      types.FailureCoordinatorError,
				Message:   err.Error(),
				FailedLeg: &failedLeg,
			})
			return
		}
	}

	if !o.transitionAndSave(settlement, types.StatusCommitted) {
		o.ledger.Locks().ReleaseAll(keys)
		return
	}
	o.ledger.Locks().ReleaseAll(keys)

	// Finality is modeled as a short confirmation window after commit; the
	// reaper confirms any settlement the delay outlives.
	if o.cfg.FinalityDelay > 0 {
		select {
		case <-time.After(o.cfg.FinalityDelay):
		case <-ctx.Done():
			return
		}
	}
	if err := o.ConfirmFinality(settlement); err != nil {
		logger.Error().Err(err).Msg("finality confirmation failed")
	}
}

// ConfirmFinality moves a COMMITTED settlement to SETTLED and clears its
// pending projections. Safe to call from the reaper for settlements whose
// originating goroutine died.
func (o *Orchestrator) ConfirmFinality(settlement *types.Settlement) error {
	if settlement.Status != types.StatusCommitted {
		return nil
	}
	if err := settlement.Transition(types.StatusSettled); err != nil {
		return err
	}
	if err := o.db.SaveSettlement(settlement); err != nil {
		return err
	}
	if err := o.ledger.ClearPending(settlement.Legs); err != nil {
		log.Error().Err(err).
			Str("settlement_id", settlement.SettlementID).
			Msg("failed to clear pending projections at finality")
	}
	o.notify(settlement)

	log.Info().
		Str("settlement_id", settlement.SettlementID).
		Interface("duration_ms", settlement.DurationMs()).
		Msg("settlement final")
	return nil
}

// unwind releases the first n reservations in reverse order, clears pending
// projections, and frees the lock keys.
func (o *Orchestrator) unwind(settlement *types.Settlement, snapshot []types.SettlementLeg, keys []ledger.Key, reserved int) {
	o.releaseReservations(settlement, 0, reserved)
	o.clearAndUnlock(settlement, snapshot, keys)
}

func (o *Orchestrator) releaseReservations(settlement *types.Settlement, from, to int) {
	for i := to - 1; i >= from; i-- {
		leg := settlement.Legs[i]
		if err := o.ledger.Release(settlement.SettlementID, leg.LegNumber, leg.FromParticipant, leg.Amount); err != nil {
			log.Error().Err(err).
				Str("settlement_id", settlement.SettlementID).
				Int("leg_number", leg.LegNumber).
				Msg("failed to release reservation")
		}
	}
}

func (o *Orchestrator) compensate(settlement *types.Settlement, committed int) {
	for i := committed - 1; i >= 0; i-- {
		leg := settlement.Legs[i]
		if err := o.ledger.CompensateLeg(settlement.SettlementID, leg); err != nil {
			log.Error().Err(err).
				Str("settlement_id", settlement.SettlementID).
				Int("leg_number", leg.LegNumber).
				Msg("failed to compensate committed leg")
		}
	}
}

func (o *Orchestrator) clearAndUnlock(settlement *types.Settlement, snapshot []types.SettlementLeg, keys []ledger.Key) {
	if err := o.ledger.ClearPending(snapshot); err != nil {
		log.Error().Err(err).
			Str("settlement_id", settlement.SettlementID).
			Msg("failed to clear pending projections")
	}
	o.ledger.Locks().ReleaseAll(keys)
}

func (o *Orchestrator) checkParticipants(settlement *types.Settlement) *types.SettlementFailure {
	seen := make(map[string]bool)
	ids := []string{settlement.Initiator}
	for _, leg := range settlement.Legs {
		ids = append(ids, leg.FromParticipant, leg.ToParticipant)
	}
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true

		participant, err := o.db.GetParticipant(id)
		if err != nil {
			return &types.SettlementFailure{
				Code:    types.FailureCoordinatorError,
				Message: fmt.Sprintf("failed to look up participant %s", id),
			}
		}
		if participant == nil {
			return &types.SettlementFailure{
				Code:    types.FailureInvalidRequest,
				Message: fmt.Sprintf("unknown participant: %s", id),
			}
		}
		if !participant.IsActive() {
			return &types.SettlementFailure{
				Code:    types.FailureParticipantOffline,
				Message: fmt.Sprintf("participant %s is %s", id, participant.Status),
			}
		}
	}
	return nil
}

// needsReview applies the compliance threshold to the settlement total, or to
// individual legs when the legs span currencies.
func (o *Orchestrator) needsReview(settlement *types.Settlement) bool {
	threshold, err := decimal.NewFromString(o.cfg.ReviewThreshold)
	if err != nil || !threshold.IsPositive() {
		return false
	}
	if total := settlement.TotalAmount(); total != nil {
		return total.Value.GreaterThanOrEqual(threshold)
	}
	for _, leg := range settlement.Legs {
		if leg.Amount.Value.GreaterThanOrEqual(threshold) {
			return true
		}
	}
	return false
}

func (o *Orchestrator) transitionAndSave(settlement *types.Settlement, next types.Status) bool {
	if err := settlement.Transition(next); err != nil {
		log.Error().Err(err).
			Str("settlement_id", settlement.SettlementID).
			Msg("invalid status transition")
		return false
	}
	if err := o.db.SaveSettlement(settlement); err != nil {
		log.Error().Err(err).
			Str("settlement_id", settlement.SettlementID).
			Str("status", string(next)).
			Msg("failed to persist status")
		return false
	}
	o.notify(settlement)
	return true
}

func (o *Orchestrator) fail(settlement *types.Settlement, terminal types.Status, failure types.SettlementFailure) {
	if err := settlement.Fail(terminal, failure); err != nil {
		log.Error().Err(err).
			Str("settlement_id", settlement.SettlementID).
			Msg("could not mark settlement failed")
		return
	}
	if err := o.db.SaveSettlement(settlement); err != nil {
		log.Error().Err(err).
			Str("settlement_id", settlement.SettlementID).
			Msg("failed to persist terminal status")
	}
	o.notify(settlement)
}

func (o *Orchestrator) notify(settlement *types.Settlement) {
	if o.notifier != nil {
		o.notifier.Publish(settlement)
	}
}

// lockKeys returns every (participant, currency) position the legs touch.
// AcquireAll sorts and dedupes them.
func lockKeys(legs []types.SettlementLeg) []ledger.Key {
	keys := make([]ledger.Key, 0, len(legs)*2)
	for _, leg := range legs {
		keys = append(keys, ledger.Key{ParticipantID: leg.FromParticipant, Currency: leg.Amount.Currency})
		keys = append(keys, ledger.Key{ParticipantID: leg.ToParticipant, Currency: leg.DestinationCurrency()})
	}
	return keys
}

func cloneLegs(legs []types.SettlementLeg) []types.SettlementLeg {
	out := make([]types.SettlementLeg, len(legs))
	copy(out, legs)
	return out
}

func fxFailureCode(err error) string {
	var noRate *fx.NoRateError
	if errors.As(err, &noRate) {
		return types.FailureInvalidRequest
	}
	return types.FailureFxRateExpired
}

func reserveFailureCode(err error) string {
	var typed *types.Error
	if errors.As(err, &typed) && typed.Code == types.CodeInsufficientFunds {
		return types.FailureInsufficientFunds
	}
	return types.FailureCoordinatorError
}

func internalFailure(err error) types.SettlementFailure {
	return types.SettlementFailure{
		Code:    types.FailureCoordinatorError,
		Message: err.Error(),
	}
}
