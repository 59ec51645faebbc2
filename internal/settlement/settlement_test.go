package settlement

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/exhazordinary/atomicsettle/internal/config"
	"github.com/exhazordinary/atomicsettle/internal/fx"
	"github.com/exhazordinary/atomicsettle/internal/ledger"
	"github.com/exhazordinary/atomicsettle/internal/money"
	"github.com/exhazordinary/atomicsettle/internal/types"
)

// captureNotifier records the status of every published settlement event.
type captureNotifier struct {
	mu       sync.Mutex
	statuses []types.Status
}

func (n *captureNotifier) Publish(settlement *types.Settlement) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.statuses = append(n.statuses, settlement.Status)
}

func (n *captureNotifier) Statuses() []types.Status {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]types.Status, len(n.statuses))
	copy(out, n.statuses)
	return out
}

type testEnv struct {
	svc      *Service
	ledger   *ledger.Service
	db       *Database
	provider *fx.InMemoryProvider
	notifier *captureNotifier
	cfg      config.Config
}

func newTestEnv(t *testing.T, mutate func(*config.Config)) *testEnv {
	return newTestEnvWithRates(t, mutate, nil)
}

// newTestEnvWithRates optionally wraps the rate provider, so tests can shape
// what the binder sees without touching the rest of the wiring.
func newTestEnvWithRates(t *testing.T, mutate func(*config.Config), wrap func(*fx.InMemoryProvider) fx.RateProvider) *testEnv {
	t.Helper()

	// A named shared-cache DSN keeps every pooled connection on one database.
	dsn := "file:" + uuid.New().String() + "?mode=memory&cache=shared"
	gormDB, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := gormDB.DB()
	require.NoError(t, err)
	// One connection serializes the orchestrator goroutine against the test.
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, gormDB.AutoMigrate(
		&types.Settlement{},
		&types.Participant{},
		&IdempotencyRecord{},
		&ledger.Balance{},
		&ledger.JournalEntry{},
	))

	cfg := config.Default()
	cfg.LockTimeout = 250 * time.Millisecond
	cfg.SettlementTimeout = 5 * time.Second
	cfg.FinalityDelay = 10 * time.Millisecond
	if mutate != nil {
		mutate(&cfg)
	}

	provider := fx.NewInMemoryProvider("test-desk", cfg.FxRateValidity)
	provider.SetRate(money.NewPair(money.USD, money.EUR), decimal.RequireFromString("0.9234"))
	provider.SetRate(money.NewPair(money.USD, money.JPY), decimal.RequireFromString("147.25"))

	var rates fx.RateProvider = provider
	if wrap != nil {
		rates = wrap(provider)
	}

	ledgerSvc := ledger.NewService(gormDB)
	db := NewDatabase(gormDB)
	notifier := &captureNotifier{}
	orchestrator := NewOrchestrator(ledgerSvc, fx.NewBinder(rates, cfg.FxMaxRequotes), db, notifier, cfg)

	return &testEnv{
		svc:      NewService(db, ledgerSvc, orchestrator, cfg),
		ledger:   ledgerSvc,
		db:       db,
		provider: provider,
		notifier: notifier,
		cfg:      cfg,
	}
}

func (e *testEnv) addParticipant(t *testing.T, id string) {
	t.Helper()
	require.NoError(t, e.db.CreateParticipant(&types.Participant{
		ParticipantID: id,
		Name:          id,
		Status:        types.ParticipantActive,
	}))
}

func (e *testEnv) fund(t *testing.T, id, amount string, currency money.Currency) {
	t.Helper()
	m, err := money.FromString(amount, currency)
	require.NoError(t, err)
	require.NoError(t, e.ledger.Deposit(id, m))
}

func (e *testEnv) balance(t *testing.T, id string, currency money.Currency) *ledger.Balance {
	t.Helper()
	balance, err := e.ledger.GetBalance(id, currency)
	require.NoError(t, err)
	return balance
}

// waitStatus polls until the settlement reaches the wanted status.
func (e *testEnv) waitStatus(t *testing.T, settlementID string, want types.Status) *types.Settlement {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		settlement, err := e.svc.GetSettlement(settlementID)
		require.NoError(t, err)
		if settlement != nil && settlement.Status == want {
			return settlement
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("settlement %s never reached %s", settlementID, want)
	return nil
}

func singleLegRequest(to, amount string) types.SettlementRequest {
	return types.SettlementRequest{
		ToParticipant: to,
		Amount:        amount,
		Currency:      "USD",
		Purpose:       "SUPPLIER_PAYMENT",
	}
}

func TestSettlementHappyPath(t *testing.T) {
	env := newTestEnv(t, nil)
	env.addParticipant(t, "BANK_A")
	env.addParticipant(t, "BANK_B")
	env.fund(t, "BANK_A", "1000", money.USD)

	ctx := context.Background()
	settlement, err := env.svc.Submit(ctx, "BANK_A", "", singleLegRequest("BANK_B", "250"))
	require.NoError(t, err)
	require.Equal(t, types.StatusInitiated, settlement.Status)

	final, err := env.svc.WaitTerminal(ctx, settlement.SettlementID, env.cfg.SettlementTimeout)
	require.NoError(t, err)
	require.NotNil(t, final)
	assert.Equal(t, types.StatusSettled, final.Status)
	assert.Nil(t, final.Failure)
	require.NotNil(t, final.DurationMs())
	assert.GreaterOrEqual(t, *final.DurationMs(), int64(0))

	source := env.balance(t, "BANK_A", money.USD)
	assert.Equal(t, "750", source.Available.String())
	assert.Equal(t, "0", source.Locked.String())
	assert.Equal(t, "0", source.PendingOut.String())

	dest := env.balance(t, "BANK_B", money.USD)
	assert.Equal(t, "250", dest.Available.String())
	assert.Equal(t, "0", dest.PendingIn.String())

	entries, err := env.ledger.GetSettlementEntries(settlement.SettlementID)
	require.NoError(t, err)
	assert.NotEmpty(t, entries)

	balanced, err := env.ledger.VerifyIntegrity()
	require.NoError(t, err)
	assert.True(t, balanced)

	// The final event publishes just after the terminal status persists.
	require.Eventually(t, func() bool {
		statuses := env.notifier.Statuses()
		return len(statuses) > 0 && statuses[len(statuses)-1] == types.StatusSettled
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, []types.Status{
		types.StatusValidated,
		types.StatusLocking,
		types.StatusLocked,
		types.StatusCommitting,
		types.StatusCommitted,
		types.StatusSettled,
	}, env.notifier.Statuses())
}

func TestSettlementInsufficientFunds(t *testing.T) {
	env := newTestEnv(t, nil)
	env.addParticipant(t, "BANK_A")
	env.addParticipant(t, "BANK_B")
	env.fund(t, "BANK_A", "100", money.USD)

	ctx := context.Background()
	settlement, err := env.svc.Submit(ctx, "BANK_A", "", singleLegRequest("BANK_B", "500"))
	require.NoError(t, err)

	final, err := env.svc.WaitTerminal(ctx, settlement.SettlementID, env.cfg.SettlementTimeout)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, final.Status)
	require.NotNil(t, final.Failure)
	assert.Equal(t, types.FailureInsufficientFunds, final.Failure.Code)
	require.NotNil(t, final.Failure.FailedLeg)
	assert.Equal(t, 1, *final.Failure.FailedLeg)

	source := env.balance(t, "BANK_A", money.USD)
	assert.Equal(t, "100", source.Available.String())
	assert.Equal(t, "0", source.Locked.String())
	assert.Equal(t, "0", source.PendingOut.String())

	dest := env.balance(t, "BANK_B", money.USD)
	assert.Equal(t, "0", dest.Available.String())
}

func TestSettlementUnknownParticipant(t *testing.T) {
	env := newTestEnv(t, nil)
	env.addParticipant(t, "BANK_A")
	env.fund(t, "BANK_A", "100", money.USD)

	ctx := context.Background()
	settlement, err := env.svc.Submit(ctx, "BANK_A", "", singleLegRequest("BANK_Z", "50"))
	require.NoError(t, err)

	final, err := env.svc.WaitTerminal(ctx, settlement.SettlementID, env.cfg.SettlementTimeout)
	require.NoError(t, err)
	assert.Equal(t, types.StatusRejected, final.Status)
	require.NotNil(t, final.Failure)
	assert.Equal(t, types.FailureInvalidRequest, final.Failure.Code)
}

func TestSettlementSuspendedParticipant(t *testing.T) {
	env := newTestEnv(t, nil)
	env.addParticipant(t, "BANK_A")
	env.addParticipant(t, "BANK_B")
	require.NoError(t, env.db.UpdateParticipantStatus("BANK_B", types.ParticipantSuspended))
	env.fund(t, "BANK_A", "100", money.USD)

	ctx := context.Background()
	settlement, err := env.svc.Submit(ctx, "BANK_A", "", singleLegRequest("BANK_B", "50"))
	require.NoError(t, err)

	final, err := env.svc.WaitTerminal(ctx, settlement.SettlementID, env.cfg.SettlementTimeout)
	require.NoError(t, err)
	assert.Equal(t, types.StatusRejected, final.Status)
	require.NotNil(t, final.Failure)
	assert.Equal(t, types.FailureParticipantOffline, final.Failure.Code)
}

func TestSettlementValidation(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	cases := []struct {
		name  string
		req   types.SettlementRequest
		field string
	}{
		{"missing destination", types.SettlementRequest{Amount: "10", Currency: "USD"}, "legs[0].to_participant"},
		{"self transfer", types.SettlementRequest{ToParticipant: "BANK_A", Amount: "10", Currency: "USD"}, "legs[0].to_participant"},
		{"bad currency", types.SettlementRequest{ToParticipant: "BANK_B", Amount: "10", Currency: "usd!"}, "legs[0].currency"},
		{"bad amount", types.SettlementRequest{ToParticipant: "BANK_B", Amount: "ten", Currency: "USD"}, "legs[0].amount"},
		{"negative amount", types.SettlementRequest{ToParticipant: "BANK_B", Amount: "-5", Currency: "USD"}, "legs[0].amount"},
		{"sub-cent amount", types.SettlementRequest{ToParticipant: "BANK_B", Amount: "0.005", Currency: "USD"}, "legs[0].amount"},
		{"fractional zero-decimal currency", types.SettlementRequest{ToParticipant: "BANK_B", Amount: "100.5", Currency: "JPY"}, "legs[0].amount"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.svc.Submit(ctx, "BANK_A", "", tc.req)
			require.Error(t, err)
			var typed *types.Error
			require.ErrorAs(t, err, &typed)
			assert.Equal(t, types.CodeValidationError, typed.Code)
			assert.Equal(t, tc.field, typed.Field)
		})
	}
}

func TestSettlementIdempotentReplay(t *testing.T) {
	env := newTestEnv(t, nil)
	env.addParticipant(t, "BANK_A")
	env.addParticipant(t, "BANK_B")
	env.fund(t, "BANK_A", "1000", money.USD)

	ctx := context.Background()
	key := uuid.New().String()
	req := singleLegRequest("BANK_B", "250")

	first, err := env.svc.Submit(ctx, "BANK_A", key, req)
	require.NoError(t, err)
	_, err = env.svc.WaitTerminal(ctx, first.SettlementID, env.cfg.SettlementTimeout)
	require.NoError(t, err)

	replay, err := env.svc.Submit(ctx, "BANK_A", key, req)
	require.NoError(t, err)
	assert.Equal(t, first.SettlementID, replay.SettlementID)

	// The replay must not move funds a second time.
	source := env.balance(t, "BANK_A", money.USD)
	assert.Equal(t, "750", source.Available.String())
}

func TestSettlementIdempotencyConflict(t *testing.T) {
	env := newTestEnv(t, nil)
	env.addParticipant(t, "BANK_A")
	env.addParticipant(t, "BANK_B")
	env.fund(t, "BANK_A", "1000", money.USD)

	ctx := context.Background()
	key := uuid.New().String()

	first, err := env.svc.Submit(ctx, "BANK_A", key, singleLegRequest("BANK_B", "250"))
	require.NoError(t, err)
	_, err = env.svc.WaitTerminal(ctx, first.SettlementID, env.cfg.SettlementTimeout)
	require.NoError(t, err)

	_, err = env.svc.Submit(ctx, "BANK_A", key, singleLegRequest("BANK_B", "999"))
	require.Error(t, err)
	var typed *types.Error
	require.ErrorAs(t, err, &typed)
	assert.Equal(t, types.CodeValidationError, typed.Code)
	assert.Equal(t, "idempotency_key", typed.Field)
}

func TestSettlementCrossCurrency(t *testing.T) {
	env := newTestEnv(t, nil)
	env.addParticipant(t, "BANK_A")
	env.addParticipant(t, "BANK_B")
	env.fund(t, "BANK_A", "1000", money.USD)

	ctx := context.Background()
	req := singleLegRequest("BANK_B", "100")
	req.FxInstruction = &types.FxInstruction{
		Mode:           types.FxAtCoordinator,
		TargetCurrency: money.EUR,
	}

	settlement, err := env.svc.Submit(ctx, "BANK_A", "", req)
	require.NoError(t, err)

	final, err := env.svc.WaitTerminal(ctx, settlement.SettlementID, env.cfg.SettlementTimeout)
	require.NoError(t, err)
	require.Equal(t, types.StatusSettled, final.Status)
	require.NotEmpty(t, final.FxRates)
	require.NotNil(t, final.Legs[0].ConvertedAmount)
	assert.Equal(t, "92.34", final.Legs[0].ConvertedAmount.Value.String())

	source := env.balance(t, "BANK_A", money.USD)
	assert.Equal(t, "900", source.Available.String())

	dest := env.balance(t, "BANK_B", money.EUR)
	assert.Equal(t, "92.34", dest.Available.String())

	balanced, err := env.ledger.VerifyIntegrity()
	require.NoError(t, err)
	assert.True(t, balanced)
}

func TestSettlementLockTimeout(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.LockTimeout = 30 * time.Millisecond
	})
	env.addParticipant(t, "BANK_A")
	env.addParticipant(t, "BANK_B")
	env.fund(t, "BANK_A", "1000", money.USD)

	// Another settlement holds the destination's position.
	key := ledger.Key{ParticipantID: "BANK_B", Currency: money.USD}
	require.True(t, env.ledger.Locks().Acquire(context.Background(), key, time.Second))
	defer env.ledger.Locks().Release(key)

	ctx := context.Background()
	settlement, err := env.svc.Submit(ctx, "BANK_A", "", singleLegRequest("BANK_B", "250"))
	require.NoError(t, err)

	final, err := env.svc.WaitTerminal(ctx, settlement.SettlementID, env.cfg.SettlementTimeout)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, final.Status)
	require.NotNil(t, final.Failure)
	assert.Equal(t, types.FailureLockTimeout, final.Failure.Code)

	// No balance was touched.
	source := env.balance(t, "BANK_A", money.USD)
	assert.Equal(t, "1000", source.Available.String())
	assert.Equal(t, "0", source.Locked.String())
}

func TestMultiLegAtomicity(t *testing.T) {
	env := newTestEnv(t, nil)
	env.addParticipant(t, "BANK_A")
	env.addParticipant(t, "BANK_B")
	env.addParticipant(t, "BANK_C")
	env.fund(t, "BANK_A", "1000", money.USD)
	env.fund(t, "BANK_B", "50", money.USD)

	ctx := context.Background()
	req := types.MultiSettlementRequest{
		Legs: []types.LegRequest{
			{FromParticipant: "BANK_A", ToParticipant: "BANK_B", Amount: "200", Currency: "USD"},
			{FromParticipant: "BANK_B", ToParticipant: "BANK_C", Amount: "300", Currency: "USD"},
		},
		Purpose: "TREASURY_REBALANCE",
	}

	settlement, err := env.svc.SubmitMulti(ctx, "BANK_A", "", req)
	require.NoError(t, err)

	final, err := env.svc.WaitTerminal(ctx, settlement.SettlementID, env.cfg.SettlementTimeout)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, final.Status)
	require.NotNil(t, final.Failure)
	assert.Equal(t, types.FailureInsufficientFunds, final.Failure.Code)
	require.NotNil(t, final.Failure.FailedLeg)
	assert.Equal(t, 2, *final.Failure.FailedLeg)

	// The first leg's reservation must have been rolled back.
	assert.Equal(t, "1000", env.balance(t, "BANK_A", money.USD).Available.String())
	assert.Equal(t, "50", env.balance(t, "BANK_B", money.USD).Available.String())
	assert.Equal(t, "0", env.balance(t, "BANK_C", money.USD).Available.String())
}

func TestMultiLegHappyPath(t *testing.T) {
	env := newTestEnv(t, nil)
	env.addParticipant(t, "BANK_A")
	env.addParticipant(t, "BANK_B")
	env.addParticipant(t, "BANK_C")
	env.fund(t, "BANK_A", "1000", money.USD)
	env.fund(t, "BANK_B", "1000", money.USD)

	ctx := context.Background()
	req := types.MultiSettlementRequest{
		Legs: []types.LegRequest{
			{FromParticipant: "BANK_A", ToParticipant: "BANK_B", Amount: "200", Currency: "USD"},
			{FromParticipant: "BANK_B", ToParticipant: "BANK_C", Amount: "300", Currency: "USD"},
		},
	}

	settlement, err := env.svc.SubmitMulti(ctx, "BANK_A", "", req)
	require.NoError(t, err)

	final, err := env.svc.WaitTerminal(ctx, settlement.SettlementID, env.cfg.SettlementTimeout)
	require.NoError(t, err)
	require.Equal(t, types.StatusSettled, final.Status)

	assert.Equal(t, "800", env.balance(t, "BANK_A", money.USD).Available.String())
	assert.Equal(t, "900", env.balance(t, "BANK_B", money.USD).Available.String())
	assert.Equal(t, "300", env.balance(t, "BANK_C", money.USD).Available.String())

	balanced, err := env.ledger.VerifyIntegrity()
	require.NoError(t, err)
	assert.True(t, balanced)
}

func TestSettlementReviewApproval(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.ReviewThreshold = "1000"
	})
	env.addParticipant(t, "BANK_A")
	env.addParticipant(t, "BANK_B")
	env.fund(t, "BANK_A", "10000", money.USD)

	ctx := context.Background()
	settlement, err := env.svc.Submit(ctx, "BANK_A", "", singleLegRequest("BANK_B", "5000"))
	require.NoError(t, err)

	held := env.waitStatus(t, settlement.SettlementID, types.StatusPendingReview)
	assert.Nil(t, held.Failure)

	// Funds stay untouched while the settlement is held.
	assert.Equal(t, "10000", env.balance(t, "BANK_A", money.USD).Available.String())

	_, err = env.svc.Review(ctx, settlement.SettlementID, true)
	require.NoError(t, err)

	final, err := env.svc.WaitTerminal(ctx, settlement.SettlementID, env.cfg.SettlementTimeout)
	require.NoError(t, err)
	assert.Equal(t, types.StatusSettled, final.Status)
	assert.Equal(t, "5000", env.balance(t, "BANK_B", money.USD).Available.String())
}

func TestSettlementReviewDenial(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.ReviewThreshold = "1000"
	})
	env.addParticipant(t, "BANK_A")
	env.addParticipant(t, "BANK_B")
	env.fund(t, "BANK_A", "10000", money.USD)

	ctx := context.Background()
	settlement, err := env.svc.Submit(ctx, "BANK_A", "", singleLegRequest("BANK_B", "5000"))
	require.NoError(t, err)

	env.waitStatus(t, settlement.SettlementID, types.StatusPendingReview)

	_, err = env.svc.Review(ctx, settlement.SettlementID, false)
	require.NoError(t, err)

	final := env.waitStatus(t, settlement.SettlementID, types.StatusRejected)
	require.NotNil(t, final.Failure)
	assert.Equal(t, types.FailureComplianceRejected, final.Failure.Code)
	assert.Equal(t, "10000", env.balance(t, "BANK_A", money.USD).Available.String())
}

func TestSettlementFxRateExpired(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.FxRateValidity = -time.Second
		cfg.FxMaxRequotes = 2
	})
	env.addParticipant(t, "BANK_A")
	env.addParticipant(t, "BANK_B")
	env.fund(t, "BANK_A", "1000", money.USD)

	ctx := context.Background()
	req := singleLegRequest("BANK_B", "100")
	req.FxInstruction = &types.FxInstruction{
		Mode:           types.FxAtCoordinator,
		TargetCurrency: money.EUR,
	}

	settlement, err := env.svc.Submit(ctx, "BANK_A", "", req)
	require.NoError(t, err)

	final, err := env.svc.WaitTerminal(ctx, settlement.SettlementID, env.cfg.SettlementTimeout)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, final.Status)
	require.NotNil(t, final.Failure)
	assert.Equal(t, types.FailureFxRateExpired, final.Failure.Code)

	// The reservation was released on failure.
	source := env.balance(t, "BANK_A", money.USD)
	assert.Equal(t, "1000", source.Available.String())
	assert.Equal(t, "0", source.Locked.String())
}

// staleFirstQuote hands out an already expired rate the first time each pair
// is quoted, standing in for a rate that lapses between binding and commit.
// The EUR desk also moves its mid, so a successful re-quote is observable in
// the converted amount.
type staleFirstQuote struct {
	inner  *fx.InMemoryProvider
	mu     sync.Mutex
	quoted map[string]bool
}

func (p *staleFirstQuote) Quote(pair money.CurrencyPair) (money.FxRate, error) {
	rate, err := p.inner.Quote(pair)
	if err != nil {
		return rate, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.quoted[pair.String()] {
		p.quoted[pair.String()] = true
		rate.ValidUntil = time.Now().UTC().Add(-time.Second)
		if pair.Quote == money.EUR {
			p.inner.SetRate(pair, decimal.RequireFromString("0.95"))
		}
	}
	return rate, nil
}

func (p *staleFirstQuote) Name() string { return p.inner.Name() }

func TestSettlementRequotesExpiredRate(t *testing.T) {
	env := newTestEnvWithRates(t, nil, func(inner *fx.InMemoryProvider) fx.RateProvider {
		return &staleFirstQuote{inner: inner, quoted: make(map[string]bool)}
	})
	env.addParticipant(t, "BANK_A")
	env.addParticipant(t, "BANK_B")
	env.addParticipant(t, "BANK_C")
	env.fund(t, "BANK_A", "1000", money.USD)

	ctx := context.Background()
	req := types.MultiSettlementRequest{
		Legs: []types.LegRequest{
			{FromParticipant: "BANK_A", ToParticipant: "BANK_B", Amount: "100", Currency: "USD",
				FxInstruction: &types.FxInstruction{Mode: types.FxAtCoordinator, TargetCurrency: money.EUR}},
			{FromParticipant: "BANK_A", ToParticipant: "BANK_C", Amount: "100", Currency: "USD",
				FxInstruction: &types.FxInstruction{Mode: types.FxAtCoordinator, TargetCurrency: money.JPY}},
		},
	}

	settlement, err := env.svc.SubmitMulti(ctx, "BANK_A", "", req)
	require.NoError(t, err)

	final, err := env.svc.WaitTerminal(ctx, settlement.SettlementID, env.cfg.SettlementTimeout)
	require.NoError(t, err)
	require.Equal(t, types.StatusSettled, final.Status)
	require.Len(t, final.FxRates, 2)

	// Each leg was repriced off its own pair, at the re-quoted rate.
	require.NotNil(t, final.Legs[0].ConvertedAmount)
	assert.Equal(t, money.EUR, final.Legs[0].ConvertedAmount.Currency)
	assert.Equal(t, "95", final.Legs[0].ConvertedAmount.Value.String())
	require.NotNil(t, final.Legs[1].ConvertedAmount)
	assert.Equal(t, money.JPY, final.Legs[1].ConvertedAmount.Currency)
	assert.Equal(t, "14725", final.Legs[1].ConvertedAmount.Value.String())

	assert.Equal(t, "800", env.balance(t, "BANK_A", money.USD).Available.String())
	assert.Equal(t, "95", env.balance(t, "BANK_B", money.EUR).Available.String())
	assert.Equal(t, "14725", env.balance(t, "BANK_C", money.JPY).Available.String())

	balanced, err := env.ledger.VerifyIntegrity()
	require.NoError(t, err)
	assert.True(t, balanced)
}

// A persist failure after funds are reserved must not strand the lock-table
// keys or the reservations; the row stays pre-commit for the reaper.
func TestPersistFailureReleasesLocksAndReservations(t *testing.T) {
	for _, failAt := range []types.Status{types.StatusLocked, types.StatusCommitting} {
		t.Run(string(failAt), func(t *testing.T) {
			env := newTestEnv(t, nil)
			env.addParticipant(t, "BANK_A")
			env.addParticipant(t, "BANK_B")
			env.fund(t, "BANK_A", "1000", money.USD)

			status := failAt
			require.NoError(t, env.db.db.Callback().Update().Before("gorm:update").
				Register("fail_persist_"+string(status), func(tx *gorm.DB) {
					if s, ok := tx.Statement.Dest.(*types.Settlement); ok && s.Status == status {
						tx.AddError(errors.New("storage outage"))
					}
				}))

			ctx := context.Background()
			settlement, err := env.svc.Submit(ctx, "BANK_A", "", singleLegRequest("BANK_B", "250"))
			require.NoError(t, err)

			// The unwind shows up as a RELEASE entry in the journal.
			require.Eventually(t, func() bool {
				entries, err := env.ledger.GetSettlementEntries(settlement.SettlementID)
				if err != nil {
					return false
				}
				for _, entry := range entries {
					if entry.EntryType == ledger.EntryRelease {
						return true
					}
				}
				return false
			}, 3*time.Second, 20*time.Millisecond)

			source := env.balance(t, "BANK_A", money.USD)
			assert.Equal(t, "1000", source.Available.String())
			assert.Equal(t, "0", source.Locked.String())
			assert.Equal(t, "0", source.PendingOut.String())

			// Both positions must be immediately acquirable again.
			keys := []ledger.Key{
				{ParticipantID: "BANK_A", Currency: money.USD},
				{ParticipantID: "BANK_B", Currency: money.USD},
			}
			ok, _ := env.ledger.Locks().AcquireAll(ctx, keys, 100*time.Millisecond)
			require.True(t, ok)
			env.ledger.Locks().ReleaseAll(keys)

			// The row never durably left the lock phase, so the reaper will
			// terminally fail it rather than roll it forward.
			stored, err := env.svc.GetSettlement(settlement.SettlementID)
			require.NoError(t, err)
			require.NotNil(t, stored)
			assert.NotEqual(t, types.StatusCommitting, stored.Status)
			assert.False(t, types.IsFinal(stored.Status))
		})
	}
}

func TestListSettlements(t *testing.T) {
	env := newTestEnv(t, nil)
	env.addParticipant(t, "BANK_A")
	env.addParticipant(t, "BANK_B")
	env.fund(t, "BANK_A", "1000", money.USD)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		settlement, err := env.svc.Submit(ctx, "BANK_A", "", singleLegRequest("BANK_B", "10"))
		require.NoError(t, err)
		_, err = env.svc.WaitTerminal(ctx, settlement.SettlementID, env.cfg.SettlementTimeout)
		require.NoError(t, err)
	}

	settlements, err := env.svc.ListSettlements("BANK_A", "", 10, 0)
	require.NoError(t, err)
	assert.Len(t, settlements, 3)

	settled, err := env.svc.ListSettlements("BANK_A", types.StatusSettled, 10, 0)
	require.NoError(t, err)
	assert.Len(t, settled, 3)

	none, err := env.svc.ListSettlements("BANK_B", "", 10, 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}
