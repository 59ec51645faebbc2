package fx

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/exhazordinary/atomicsettle/internal/money"
	"github.com/exhazordinary/atomicsettle/internal/types"
)

func newTestProvider(validFor time.Duration) *InMemoryProvider {
	provider := NewInMemoryProvider("test-desk", validFor)
	provider.SetRate(money.NewPair(money.USD, money.EUR), decimal.RequireFromString("0.9234"))
	provider.SetRate(money.NewPair(money.USD, money.JPY), decimal.RequireFromString("147.25"))
	return provider
}

func crossLeg(t *testing.T, amount string, dest money.Currency) types.SettlementLeg {
	t.Helper()
	m, err := money.FromString(amount, money.USD)
	require.NoError(t, err)
	return types.SettlementLeg{
		LegNumber:       1,
		FromParticipant: "BANK_A",
		ToParticipant:   "BANK_B",
		Amount:          m,
		DestCurrency:    dest,
	}
}

func TestProviderQuote(t *testing.T) {
	provider := newTestProvider(time.Minute)

	rate, err := provider.Quote(money.NewPair(money.USD, money.EUR))
	require.NoError(t, err)

	assert.Equal(t, "0.9234", rate.Rate(money.RateSideMid).String())
	assert.True(t, rate.Rate(money.RateSideBid).LessThan(rate.Rate(money.RateSideMid)))
	assert.True(t, rate.Rate(money.RateSideAsk).GreaterThan(rate.Rate(money.RateSideMid)))
	assert.Equal(t, "20", rate.SpreadBps().Round(0).String())
	assert.True(t, rate.IsValid(time.Now().UTC()))

	t.Run("should derive the inverse pair", func(t *testing.T) {
		inverse, err := provider.Quote(money.NewPair(money.EUR, money.USD))
		require.NoError(t, err)
		product := rate.Rate(money.RateSideMid).Mul(inverse.Rate(money.RateSideMid))
		assert.True(t, product.Sub(decimal.NewFromInt(1)).Abs().LessThan(decimal.RequireFromString("0.0001")))
	})

	t.Run("should reject unknown pairs", func(t *testing.T) {
		_, err := provider.Quote(money.NewPair(money.GBP, money.SGD))
		var noRate *NoRateError
		require.ErrorAs(t, err, &noRate)
	})
}

func TestBindFixesConvertedAmount(t *testing.T) {
	binder := NewBinder(newTestProvider(time.Minute), 3)

	leg := crossLeg(t, "100", money.EUR)
	settlement := &types.Settlement{SettlementID: "STL_1", Legs: []types.SettlementLeg{leg}}

	require.NoError(t, binder.Bind(settlement, &settlement.Legs[0]))

	require.Contains(t, settlement.FxRates, "USD/EUR")
	require.NotNil(t, settlement.Legs[0].ConvertedAmount)
	assert.Equal(t, money.EUR, settlement.Legs[0].ConvertedAmount.Currency)
	assert.Equal(t, "92.34", settlement.Legs[0].ConvertedAmount.Value.String())
}

func TestBindHonoursRateSide(t *testing.T) {
	binder := NewBinder(newTestProvider(time.Minute), 3)

	leg := crossLeg(t, "100", money.EUR)
	leg.FxInstruction = &types.FxInstruction{Mode: types.FxAtCoordinator}
	settlement := &types.Settlement{SettlementID: "STL_1", Legs: []types.SettlementLeg{leg}}
	require.NoError(t, binder.Bind(settlement, &settlement.Legs[0]))
	midConverted := settlement.Legs[0].ConvertedAmount.Value

	leg = crossLeg(t, "100", money.EUR)
	leg.FxInstruction = &types.FxInstruction{Mode: types.FxAtSource}
	settlement = &types.Settlement{SettlementID: "STL_2", Legs: []types.SettlementLeg{leg}}
	require.NoError(t, binder.Bind(settlement, &settlement.Legs[0]))

	// The source desk sells at its bid, which pays out less than mid.
	assert.True(t, settlement.Legs[0].ConvertedAmount.Value.LessThan(midConverted))
}

func TestBindUnknownPair(t *testing.T) {
	binder := NewBinder(newTestProvider(time.Minute), 3)

	leg := crossLeg(t, "100", money.GBP)
	settlement := &types.Settlement{SettlementID: "STL_1", Legs: []types.SettlementLeg{leg}}

	err := binder.Bind(settlement, &settlement.Legs[0])
	require.Error(t, err)
	var noRate *NoRateError
	assert.ErrorAs(t, err, &noRate)
}

func TestEnsureValidKeepsFreshRate(t *testing.T) {
	binder := NewBinder(newTestProvider(time.Minute), 3)

	leg := crossLeg(t, "100", money.EUR)
	settlement := &types.Settlement{SettlementID: "STL_1", Legs: []types.SettlementLeg{leg}}
	require.NoError(t, binder.Bind(settlement, &settlement.Legs[0]))

	bound := settlement.FxRates["USD/EUR"]
	refreshed, err := binder.EnsureValid(settlement, time.Now().UTC())
	require.NoError(t, err)
	assert.False(t, refreshed)
	assert.Equal(t, bound, settlement.FxRates["USD/EUR"])
}

func TestEnsureValidRequotesExpiredRate(t *testing.T) {
	provider := newTestProvider(-time.Second)
	binder := NewBinder(provider, 3)

	leg := crossLeg(t, "100", money.EUR)
	settlement := &types.Settlement{SettlementID: "STL_1", Legs: []types.SettlementLeg{leg}}
	require.NoError(t, binder.Bind(settlement, &settlement.Legs[0]))
	bound := settlement.FxRates["USD/EUR"]

	// A fresh quote becomes available before the commit phase checks again.
	provider.SetValidity(time.Minute)
	provider.SetRate(money.NewPair(money.USD, money.EUR), decimal.RequireFromString("0.95"))

	refreshed, err := binder.EnsureValid(settlement, time.Now().UTC())
	require.NoError(t, err)
	assert.True(t, refreshed)

	rate := settlement.FxRates["USD/EUR"]
	assert.NotEqual(t, bound, rate)
	assert.True(t, rate.IsValid(time.Now().UTC()))
	assert.Equal(t, "95", settlement.Legs[0].ConvertedAmount.Value.String())
}

func TestEnsureValidRequotesEachPair(t *testing.T) {
	provider := newTestProvider(-time.Second)
	binder := NewBinder(provider, 3)

	eurLeg := crossLeg(t, "100", money.EUR)
	jpyLeg := crossLeg(t, "100", money.JPY)
	jpyLeg.LegNumber = 2
	settlement := &types.Settlement{SettlementID: "STL_1", Legs: []types.SettlementLeg{eurLeg, jpyLeg}}
	require.NoError(t, binder.Bind(settlement, &settlement.Legs[0]))
	require.NoError(t, binder.Bind(settlement, &settlement.Legs[1]))
	require.Len(t, settlement.FxRates, 2)

	provider.SetValidity(time.Minute)

	refreshed, err := binder.EnsureValid(settlement, time.Now().UTC())
	require.NoError(t, err)
	assert.True(t, refreshed)

	// Each leg must be repriced off its own pair, never the other leg's.
	require.NotNil(t, settlement.Legs[0].ConvertedAmount)
	assert.Equal(t, money.EUR, settlement.Legs[0].ConvertedAmount.Currency)
	assert.Equal(t, "92.34", settlement.Legs[0].ConvertedAmount.Value.String())
	require.NotNil(t, settlement.Legs[1].ConvertedAmount)
	assert.Equal(t, money.JPY, settlement.Legs[1].ConvertedAmount.Currency)
	assert.Equal(t, "14725", settlement.Legs[1].ConvertedAmount.Value.String())
}

func TestEnsureValidExhaustsRequotes(t *testing.T) {
	provider := newTestProvider(-time.Second)
	binder := NewBinder(provider, 2)

	leg := crossLeg(t, "100", money.EUR)
	settlement := &types.Settlement{SettlementID: "STL_1", Legs: []types.SettlementLeg{leg}}
	require.NoError(t, binder.Bind(settlement, &settlement.Legs[0]))

	_, err := binder.EnsureValid(settlement, time.Now().UTC())
	require.Error(t, err)

	var expired *RateExpiredError
	require.ErrorAs(t, err, &expired)
	assert.Equal(t, 2, expired.Attempts)
}

func TestEnsureValidNoOpWithoutRate(t *testing.T) {
	binder := NewBinder(newTestProvider(time.Minute), 3)
	settlement := &types.Settlement{SettlementID: "STL_1"}
	refreshed, err := binder.EnsureValid(settlement, time.Now().UTC())
	assert.NoError(t, err)
	assert.False(t, refreshed)
}

func TestBindRejectsMismatchedQuoteCurrency(t *testing.T) {
	leg := crossLeg(t, "100", money.EUR)
	rate := money.NewFxRate(money.NewPair(money.USD, money.JPY),
		decimal.RequireFromString("147.21"),
		decimal.RequireFromString("147.29"),
		time.Minute, "test-desk")

	_, err := convertLeg(rate, &leg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "destination currency")
}
