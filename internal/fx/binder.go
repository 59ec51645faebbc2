package fx

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/exhazordinary/atomicsettle/internal/money"
	"github.com/exhazordinary/atomicsettle/internal/types"
)

// RateExpiredError reports that a bound rate could not be refreshed within
// the allowed number of re-quote attempts.
type RateExpiredError struct {
	Pair     money.CurrencyPair
	Attempts int
}

func (e *RateExpiredError) Error() string {
	return fmt.Sprintf("fx rate for %s expired and re-quote failed after %d attempts", e.Pair, e.Attempts)
}

// Binder attaches time-bounded rates to cross-currency legs. The converted
// amount is computed and rounded once at binding time and then fixed for the
// settlement's life, so retries never recompute a divergent value.
type Binder struct {
	provider    RateProvider
	maxRequotes int
}

func NewBinder(provider RateProvider, maxRequotes int) *Binder {
	return &Binder{
		provider:    provider,
		maxRequotes: maxRequotes,
	}
}

// Bind resolves a rate for the leg according to its instruction mode, stores
// it on the settlement, and fixes the leg's converted amount. Called as the
// leg enters the locking phase.
func (b *Binder) Bind(settlement *types.Settlement, leg *types.SettlementLeg) error {
	logger := log.With().
		Str("settlement_id", settlement.SettlementID).
		Int("leg_number", leg.LegNumber).
		Str("service", "fx").
		Logger()

	pair := money.NewPair(leg.Amount.Currency, leg.DestinationCurrency())
	rate, err := b.provider.Quote(pair)
	if err != nil {
		return fmt.Errorf("failed to quote %s: %w", pair, err)
	}

	converted, err := convertLeg(rate, leg)
	if err != nil {
		return err
	}

	if settlement.FxRates == nil {
		settlement.FxRates = make(map[string]money.FxRate)
	}
	settlement.FxRates[pair.String()] = rate
	leg.ConvertedAmount = &converted

	logger.Info().
		Str("pair", pair.String()).
		Str("rate", rate.Rate(rateSide(leg)).String()).
		Time("valid_until", rate.ValidUntil).
		Str("converted", converted.String()).
		Msg("fx rate bound to leg")
	return nil
}

// EnsureValid checks every bound rate immediately before commit. An expired
// rate is re-quoted against the leg's own currency pair a bounded number of
// times, and every leg priced off a refreshed pair has its converted amount
// recomputed. Exhausting the attempts for any pair returns a
// RateExpiredError. The returned bool reports whether any rate changed.
func (b *Binder) EnsureValid(settlement *types.Settlement, at time.Time) (bool, error) {
	if len(settlement.FxRates) == 0 {
		return false, nil
	}

	refreshed := false
	fresh := make(map[string]bool)
	for i := range settlement.Legs {
		leg := &settlement.Legs[i]
		if !leg.IsCrossCurrency() {
			continue
		}

		pair := money.NewPair(leg.Amount.Currency, leg.DestinationCurrency())
		key := pair.String()
		rate, bound := settlement.FxRates[key]
		if bound && rate.IsValid(at) && !fresh[key] {
			continue
		}

		if fresh[key] {
			rate = settlement.FxRates[key]
		} else {
			var err error
			rate, err = b.requote(settlement.SettlementID, pair)
			if err != nil {
				return refreshed, err
			}
			settlement.FxRates[key] = rate
			fresh[key] = true
			refreshed = true
		}

		converted, err := convertLeg(rate, leg)
		if err != nil {
			return refreshed, err
		}
		leg.ConvertedAmount = &converted
	}
	return refreshed, nil
}

func (b *Binder) requote(settlementID string, pair money.CurrencyPair) (money.FxRate, error) {
	logger := log.With().
		Str("settlement_id", settlementID).
		Str("pair", pair.String()).
		Str("service", "fx").
		Logger()

	for attempt := 1; attempt <= b.maxRequotes; attempt++ {
		logger.Warn().Int("attempt", attempt).Msg("bound fx rate expired, re-quoting")

		rate, err := b.provider.Quote(pair)
		if err != nil {
			continue
		}
		if !rate.IsValid(time.Now().UTC()) {
			continue
		}

		logger.Info().Int("attempt", attempt).Time("valid_until", rate.ValidUntil).Msg("fx rate re-quoted")
		return rate, nil
	}
	return money.FxRate{}, &RateExpiredError{Pair: pair, Attempts: b.maxRequotes}
}

// convertLeg prices the leg off the rate's instructed side. A rate whose
// quote currency is not the leg's destination currency is rejected rather
// than silently crediting the wrong currency.
func convertLeg(rate money.FxRate, leg *types.SettlementLeg) (money.Money, error) {
	if rate.Pair.Quote != leg.DestinationCurrency() {
		return money.Money{}, fmt.Errorf("rate %s does not quote leg %d destination currency %s",
			rate.Pair, leg.LegNumber, leg.DestinationCurrency())
	}
	return rate.Convert(leg.Amount, rateSide(leg))
}

func rateSide(leg *types.SettlementLeg) money.RateSide {
	if leg.FxInstruction != nil {
		return leg.FxInstruction.RateSide()
	}
	return money.RateSideMid
}
