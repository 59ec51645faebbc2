package settlement

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/exhazordinary/atomicsettle/internal/config"
	"github.com/exhazordinary/atomicsettle/internal/ledger"
	"github.com/exhazordinary/atomicsettle/internal/money"
	"github.com/exhazordinary/atomicsettle/internal/types"
)

func newTestProcessor(env *testEnv) *Processor {
	return NewProcessor(env.db, env.ledger, env.svc.orchestrator, env.cfg)
}

// strandedSettlement persists a settlement as if its processing goroutine
// died at the given status.
func strandedSettlement(t *testing.T, env *testEnv, status types.Status, legs []types.SettlementLeg) *types.Settlement {
	t.Helper()
	settlement := &types.Settlement{
		SettlementID:   "STL_" + uuid.New().String(),
		IdempotencyKey: uuid.New().String(),
		Initiator:      legs[0].FromParticipant,
		Status:         status,
		Legs:           legs,
		Timing:         types.SettlementTiming{InitiatedAt: time.Now().UTC().Add(-time.Minute)},
	}
	require.NoError(t, env.db.SaveSettlement(settlement))
	return settlement
}

func testLeg(t *testing.T, from, to, amount string) types.SettlementLeg {
	t.Helper()
	m, err := money.FromString(amount, money.USD)
	require.NoError(t, err)
	return types.SettlementLeg{
		LegNumber:       1,
		FromParticipant: from,
		ToParticipant:   to,
		Amount:          m,
	}
}

func TestReaperRollsBackStrandedLock(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		// A negative deadline makes every in-flight settlement stuck at once.
		cfg.SettlementTimeout = -time.Hour
	})
	env.fund(t, "BANK_A", "1000", money.USD)

	legs := []types.SettlementLeg{testLeg(t, "BANK_A", "BANK_B", "250")}
	settlement := strandedSettlement(t, env, types.StatusLocked, legs)

	// Reproduce the crashed goroutine's ledger state: pending marked, funds
	// reserved, nothing committed.
	require.NoError(t, env.ledger.MarkPending(legs))
	require.NoError(t, env.ledger.Reserve(settlement.SettlementID, 1, "BANK_A", legs[0].Amount))

	processor := newTestProcessor(env)
	processor.recoverStuck(context.Background())

	recovered, err := env.svc.GetSettlement(settlement.SettlementID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, recovered.Status)
	require.NotNil(t, recovered.Failure)
	assert.Equal(t, types.FailureCoordinatorError, recovered.Failure.Code)

	source := env.balance(t, "BANK_A", money.USD)
	assert.Equal(t, "1000", source.Available.String())
	assert.Equal(t, "0", source.Locked.String())
	assert.Equal(t, "0", source.PendingOut.String())
	assert.Equal(t, "0", env.balance(t, "BANK_B", money.USD).Available.String())
}

func TestReaperRollsForwardCommitIntent(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.SettlementTimeout = -time.Hour
		cfg.FinalityDelay = 0
	})
	env.fund(t, "BANK_A", "1000", money.USD)

	legs := []types.SettlementLeg{testLeg(t, "BANK_A", "BANK_B", "250")}
	settlement := strandedSettlement(t, env, types.StatusCommitting, legs)

	require.NoError(t, env.ledger.MarkPending(legs))
	require.NoError(t, env.ledger.Reserve(settlement.SettlementID, 1, "BANK_A", legs[0].Amount))

	processor := newTestProcessor(env)
	processor.recoverStuck(context.Background())

	recovered, err := env.svc.GetSettlement(settlement.SettlementID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusSettled, recovered.Status)
	assert.Nil(t, recovered.Failure)

	assert.Equal(t, "750", env.balance(t, "BANK_A", money.USD).Available.String())
	assert.Equal(t, "250", env.balance(t, "BANK_B", money.USD).Available.String())

	balanced, err := env.ledger.VerifyIntegrity()
	require.NoError(t, err)
	assert.True(t, balanced)
}

func TestReaperSkipsAlreadyCommittedLegs(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.SettlementTimeout = -time.Hour
		cfg.FinalityDelay = 0
	})
	env.fund(t, "BANK_A", "1000", money.USD)
	env.fund(t, "BANK_B", "1000", money.USD)

	legA := testLeg(t, "BANK_A", "BANK_C", "100")
	legB := testLeg(t, "BANK_B", "BANK_C", "200")
	legB.LegNumber = 2
	legs := []types.SettlementLeg{legA, legB}
	settlement := strandedSettlement(t, env, types.StatusCommitting, legs)

	// The crash happened between the two leg commits.
	require.NoError(t, env.ledger.MarkPending(legs))
	require.NoError(t, env.ledger.Reserve(settlement.SettlementID, 1, "BANK_A", legA.Amount))
	require.NoError(t, env.ledger.Reserve(settlement.SettlementID, 2, "BANK_B", legB.Amount))
	require.NoError(t, env.ledger.CommitLeg(settlement.SettlementID, legA))

	processor := newTestProcessor(env)
	processor.recoverStuck(context.Background())

	recovered, err := env.svc.GetSettlement(settlement.SettlementID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusSettled, recovered.Status)

	// The first leg committed exactly once.
	assert.Equal(t, "900", env.balance(t, "BANK_A", money.USD).Available.String())
	assert.Equal(t, "800", env.balance(t, "BANK_B", money.USD).Available.String())
	assert.Equal(t, "300", env.balance(t, "BANK_C", money.USD).Available.String())
}

func TestReaperDefersContendedRecovery(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.SettlementTimeout = -time.Hour
		cfg.LockTimeout = 20 * time.Millisecond
	})
	env.fund(t, "BANK_A", "1000", money.USD)

	legs := []types.SettlementLeg{testLeg(t, "BANK_A", "BANK_B", "250")}
	settlement := strandedSettlement(t, env, types.StatusLocked, legs)
	require.NoError(t, env.ledger.Reserve(settlement.SettlementID, 1, "BANK_A", legs[0].Amount))

	// A live settlement still holds one of the keys.
	key := ledger.Key{ParticipantID: "BANK_A", Currency: money.USD}
	require.True(t, env.ledger.Locks().Acquire(context.Background(), key, time.Second))
	defer env.ledger.Locks().Release(key)

	processor := newTestProcessor(env)
	processor.recoverStuck(context.Background())

	// Untouched; the next sweep retries.
	recovered, err := env.svc.GetSettlement(settlement.SettlementID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusLocked, recovered.Status)
	assert.Equal(t, "250", env.balance(t, "BANK_A", money.USD).Locked.String())
}

func TestReaperConfirmsFinality(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.FinalityDelay = time.Millisecond
	})
	env.fund(t, "BANK_A", "1000", money.USD)

	legs := []types.SettlementLeg{testLeg(t, "BANK_A", "BANK_B", "250")}
	settlement := strandedSettlement(t, env, types.StatusCommitted, legs)
	committedAt := time.Now().UTC().Add(-time.Second)
	settlement.Timing.CommittedAt = &committedAt
	require.NoError(t, env.db.SaveSettlement(settlement))

	processor := newTestProcessor(env)
	processor.confirmCommitted()

	recovered, err := env.svc.GetSettlement(settlement.SettlementID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusSettled, recovered.Status)
	require.NotNil(t, recovered.DurationMs())
}

func TestReaperReclaimsExpiredIdempotencyKeys(t *testing.T) {
	env := newTestEnv(t, nil)

	expired := &IdempotencyRecord{
		IdempotencyKey: uuid.New().String(),
		SettlementID:   "STL_OLD",
		RequestHash:    "hash",
		ExpiresAt:      time.Now().Add(-time.Hour),
	}
	live := &IdempotencyRecord{
		IdempotencyKey: uuid.New().String(),
		SettlementID:   "STL_NEW",
		RequestHash:    "hash",
		ExpiresAt:      time.Now().Add(time.Hour),
	}
	require.NoError(t, env.db.db.Create(expired).Error)
	require.NoError(t, env.db.db.Create(live).Error)

	processor := newTestProcessor(env)
	processor.reclaimIdempotencyKeys()

	gone, err := env.db.GetIdempotencyRecord(expired.IdempotencyKey)
	require.NoError(t, err)
	assert.Nil(t, gone)

	kept, err := env.db.GetIdempotencyRecord(live.IdempotencyKey)
	require.NoError(t, err)
	require.NotNil(t, kept)
}
