package money

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// CurrencyPair identifies an FX pair, base/quote.
type CurrencyPair struct {
	Base  Currency `json:"base"`
	Quote Currency `json:"quote"`
}

// NewPair creates a currency pair.
func NewPair(base, quote Currency) CurrencyPair {
	return CurrencyPair{Base: base, Quote: quote}
}

// Inverse returns the flipped pair.
func (p CurrencyPair) Inverse() CurrencyPair {
	return CurrencyPair{Base: p.Quote, Quote: p.Base}
}

func (p CurrencyPair) String() string {
	return fmt.Sprintf("%s/%s", p.Base, p.Quote)
}

// RateSide selects which side of a quote to apply.
type RateSide string

const (
	RateSideBid RateSide = "BID"
	RateSideAsk RateSide = "ASK"
	RateSideMid RateSide = "MID"
)

// FxRate is a time-bounded exchange rate quote.
type FxRate struct {
	Pair       CurrencyPair    `json:"pair"`
	Bid        decimal.Decimal `json:"bid"`
	Ask        decimal.Decimal `json:"ask"`
	Mid        decimal.Decimal `json:"mid"`
	QuotedAt   time.Time       `json:"quoted_at"`
	ValidUntil time.Time       `json:"valid_until"`
	Source     string          `json:"source"`
}

// NewFxRate builds a rate quoted now and valid for the given duration.
// Mid is derived as the bid/ask midpoint.
func NewFxRate(pair CurrencyPair, bid, ask decimal.Decimal, validFor time.Duration, source string) FxRate {
	now := time.Now().UTC()
	return FxRate{
		Pair:       pair,
		Bid:        bid,
		Ask:        ask,
		Mid:        bid.Add(ask).Div(decimal.NewFromInt(2)),
		QuotedAt:   now,
		ValidUntil: now.Add(validFor),
		Source:     source,
	}
}

// IsValid reports whether the rate may still be consumed at the given time.
func (r FxRate) IsValid(at time.Time) bool {
	return !at.After(r.ValidUntil)
}

// Rate returns the value for the requested side of the quote.
func (r FxRate) Rate(side RateSide) decimal.Decimal {
	switch side {
	case RateSideBid:
		return r.Bid
	case RateSideAsk:
		return r.Ask
	default:
		return r.Mid
	}
}

// SpreadBps returns the bid/ask spread in basis points.
func (r FxRate) SpreadBps() decimal.Decimal {
	if r.Mid.IsZero() {
		return decimal.Zero
	}
	return r.Ask.Sub(r.Bid).Div(r.Mid).Mul(decimal.NewFromInt(10000))
}

// Convert converts an amount in the base currency to the quote currency
// using the chosen rate side, rounding once to the quote currency's
// decimal places with banker's rounding.
func (r FxRate) Convert(amount Money, side RateSide) (Money, error) {
	if amount.Currency != r.Pair.Base {
		return Money{}, &CurrencyMismatchError{Expected: r.Pair.Base, Actual: amount.Currency}
	}
	converted := New(amount.Value.Mul(r.Rate(side)), r.Pair.Quote)
	return converted.Round(), nil
}
