package money

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Currency is an ISO 4217 currency code.
type Currency string

const (
	USD Currency = "USD"
	EUR Currency = "EUR"
	GBP Currency = "GBP"
	JPY Currency = "JPY"
	CHF Currency = "CHF"
	AUD Currency = "AUD"
	CAD Currency = "CAD"
	CNY Currency = "CNY"
	HKD Currency = "HKD"
	SGD Currency = "SGD"
	KRW Currency = "KRW"
	INR Currency = "INR"
)

var supportedCurrencies = map[Currency]struct{}{
	USD: {}, EUR: {}, GBP: {}, JPY: {}, CHF: {}, AUD: {},
	CAD: {}, CNY: {}, HKD: {}, SGD: {}, KRW: {}, INR: {},
}

// ParseCurrency validates and normalizes a currency code.
func ParseCurrency(code string) (Currency, error) {
	c := Currency(strings.ToUpper(strings.TrimSpace(code)))
	if _, ok := supportedCurrencies[c]; !ok {
		return "", fmt.Errorf("unsupported currency: %q", code)
	}
	return c, nil
}

// DecimalPlaces returns the standard number of fractional digits for a
// currency. Zero-fraction currencies such as JPY and KRW carry none.
func DecimalPlaces(c Currency) int32 {
	switch c {
	case JPY, KRW:
		return 0
	default:
		return 2
	}
}

// Money is a monetary amount in a single currency.
type Money struct {
	Value    decimal.Decimal `json:"value"`
	Currency Currency        `json:"currency"`
}

// New creates a Money amount.
func New(value decimal.Decimal, currency Currency) Money {
	return Money{Value: value, Currency: currency}
}

// FromString parses a decimal string into a Money amount.
func FromString(value string, currency Currency) (Money, error) {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return Money{}, fmt.Errorf("invalid amount %q: %w", value, err)
	}
	return Money{Value: d, Currency: currency}, nil
}

// Zero returns the zero amount in the given currency.
func Zero(currency Currency) Money {
	return Money{Value: decimal.Zero, Currency: currency}
}

func (m Money) IsPositive() bool { return m.Value.IsPositive() }
func (m Money) IsZero() bool     { return m.Value.IsZero() }
func (m Money) IsNegative() bool { return m.Value.IsNegative() }

// Add returns m + other. Adding amounts in different currencies is a
// programming error and returns a CurrencyMismatchError.
func (m Money) Add(other Money) (Money, error) {
	if m.Currency != other.Currency {
		return Money{}, &CurrencyMismatchError{Expected: m.Currency, Actual: other.Currency}
	}
	return Money{Value: m.Value.Add(other.Value), Currency: m.Currency}, nil
}

// Sub returns m - other, with the same currency constraint as Add.
func (m Money) Sub(other Money) (Money, error) {
	if m.Currency != other.Currency {
		return Money{}, &CurrencyMismatchError{Expected: m.Currency, Actual: other.Currency}
	}
	return Money{Value: m.Value.Sub(other.Value), Currency: m.Currency}, nil
}

// Mul scales the amount by a dimensionless factor.
func (m Money) Mul(factor decimal.Decimal) Money {
	return Money{Value: m.Value.Mul(factor), Currency: m.Currency}
}

// Round rounds to the currency's standard decimal places using banker's
// rounding (round half to even).
func (m Money) Round() Money {
	return Money{Value: m.Value.RoundBank(DecimalPlaces(m.Currency)), Currency: m.Currency}
}

// FitsCurrency reports whether the value carries no more fractional digits
// than the currency supports. Trailing zeros do not count against the limit.
func (m Money) FitsCurrency() bool {
	return m.Value.Equal(m.Value.Truncate(DecimalPlaces(m.Currency)))
}

func (m Money) String() string {
	return fmt.Sprintf("%s %s", m.Value.String(), m.Currency)
}

// CurrencyMismatchError reports arithmetic between two different currencies.
type CurrencyMismatchError struct {
	Expected Currency
	Actual   Currency
}

func (e *CurrencyMismatchError) Error() string {
	return fmt.Sprintf("currency mismatch: expected %s, got %s", e.Expected, e.Actual)
}
