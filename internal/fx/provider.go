package fx

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/exhazordinary/atomicsettle/internal/money"
)

// RateProvider quotes a time-bounded rate for a currency pair. Implementations
// stand in for a participant's rate desk or the coordinator's own source.
type RateProvider interface {
	Quote(pair money.CurrencyPair) (money.FxRate, error)
	Name() string
}

// NoRateError reports that a provider has no quote for a pair.
type NoRateError struct {
	Pair money.CurrencyPair
}

func (e *NoRateError) Error() string {
	return fmt.Sprintf("no rate available for %s", e.Pair)
}

// InMemoryProvider serves configured mid rates with a fixed half-spread and
// validity window. Quotes are generated fresh on each call so valid_until
// always moves forward.
type InMemoryProvider struct {
	mu        sync.RWMutex
	mids      map[money.CurrencyPair]decimal.Decimal
	spreadBps decimal.Decimal
	validFor  time.Duration
	name      string
}

func NewInMemoryProvider(name string, validFor time.Duration) *InMemoryProvider {
	return &InMemoryProvider{
		mids:      make(map[money.CurrencyPair]decimal.Decimal),
		spreadBps: decimal.NewFromInt(20),
		validFor:  validFor,
		name:      name,
	}
}

// SetRate installs (or replaces) the mid rate for a pair. The inverse pair
// is derived automatically.
func (p *InMemoryProvider) SetRate(pair money.CurrencyPair, mid decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mids[pair] = mid
	if !mid.IsZero() {
		p.mids[pair.Inverse()] = decimal.NewFromInt(1).Div(mid).Round(10)
	}
}

// SetValidity changes the validity window for subsequent quotes.
func (p *InMemoryProvider) SetValidity(validFor time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.validFor = validFor
}

func (p *InMemoryProvider) Name() string {
	return p.name
}

// Quote produces a fresh bid/ask around the configured mid.
func (p *InMemoryProvider) Quote(pair money.CurrencyPair) (money.FxRate, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	mid, ok := p.mids[pair]
	if !ok {
		return money.FxRate{}, &NoRateError{Pair: pair}
	}

	halfSpread := mid.Mul(p.spreadBps).Div(decimal.NewFromInt(20000))
	bid := mid.Sub(halfSpread)
	ask := mid.Add(halfSpread)
	return money.NewFxRate(pair, bid, ask, p.validFor, p.name), nil
}
