package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Defaults applied by the value constructors.
const (
	DefaultCurrency = "USDT"
	DefaultUnit     = "COIN"
)

// ProjectKey identifies a lead project on an exchange.
type ProjectKey struct {
	Exchange   Exchange `json:"exchange"`
	ExternalID string   `json:"external_id"`
}

// NewProjectKey validates both parts of the key.
func NewProjectKey(exchange Exchange, externalID string) (ProjectKey, error) {
	if exchange == "" {
		return ProjectKey{}, Invalid("project key", "exchange must not be empty")
	}
	if strings.TrimSpace(externalID) == "" {
		return ProjectKey{}, Invalid("project key", "external id must not be blank")
	}
	return ProjectKey{Exchange: exchange, ExternalID: externalID}, nil
}

// String renders the key as EXCHANGE:externalId.
func (k ProjectKey) String() string {
	return string(k.Exchange) + ":" + k.ExternalID
}

// IsZero reports whether the key was never set.
func (k ProjectKey) IsZero() bool {
	return k.Exchange == "" && k.ExternalID == ""
}

// ParseProjectKey is the inverse of ProjectKey.String.
func ParseProjectKey(s string) (ProjectKey, error) {
	exchange, externalID, ok := strings.Cut(s, ":")
	if !ok {
		return ProjectKey{}, Invalid("parse project key", "expected EXCHANGE:externalId, got %q", s)
	}
	ex, err := ParseExchange(exchange)
	if err != nil {
		return ProjectKey{}, err
	}
	return NewProjectKey(ex, externalID)
}

// ItemID identifies a traded instrument, e.g. SWAP:BTC-USDT-SWAP.
type ItemID struct {
	ItemType string `json:"item_type"`
	Symbol   string `json:"symbol"`
}

// NewItemID upper-cases both parts and rejects blanks.
func NewItemID(itemType, symbol string) (ItemID, error) {
	if strings.TrimSpace(itemType) == "" {
		return ItemID{}, Invalid("item id", "item type must not be blank")
	}
	if strings.TrimSpace(symbol) == "" {
		return ItemID{}, Invalid("item id", "symbol must not be blank")
	}
	return ItemID{ItemType: strings.ToUpper(itemType), Symbol: strings.ToUpper(symbol)}, nil
}

func (i ItemID) String() string {
	return i.ItemType + ":" + i.Symbol
}

// Money is a signed amount in a currency.
type Money struct {
	Amount decimal.Decimal `json:"amount"`
	Ccy    string          `json:"ccy"`
}

// NewMoney normalizes the amount and defaults the currency to USDT.
// A nil amount means zero.
func NewMoney(amount *decimal.Decimal, ccy string) Money {
	m := Money{Amount: decimal.Zero, Ccy: DefaultCurrency}
	if amount != nil {
		m.Amount = Normalize(*amount)
	}
	if strings.TrimSpace(ccy) != "" {
		m.Ccy = strings.ToUpper(ccy)
	}
	return m
}

func (m Money) String() string {
	return PlainString(m.Amount) + " " + m.Ccy
}

// Quantity is a strictly positive amount in a unit.
type Quantity struct {
	Amount decimal.Decimal `json:"amount"`
	Unit   string          `json:"unit"`
}

// NewQuantity rejects non-positive amounts and defaults the unit to COIN.
func NewQuantity(amount decimal.Decimal, unit string) (Quantity, error) {
	if !amount.IsPositive() {
		return Quantity{}, Invalid("quantity", "amount must be > 0, got %s", amount.String())
	}
	q := Quantity{Amount: Normalize(amount), Unit: DefaultUnit}
	if strings.TrimSpace(unit) != "" {
		q.Unit = strings.ToUpper(unit)
	}
	return q, nil
}

// Normalize strips trailing fractional zeros without changing the value.
func Normalize(d decimal.Decimal) decimal.Decimal {
	return decimal.RequireFromString(d.String())
}

// PlainString renders d without trailing zeros and without exponent notation.
func PlainString(d decimal.Decimal) string {
	return d.String()
}

// Epoch-millisecond bounds accepted for snapshot timestamps.
const (
	MinEpochMillis int64 = 1_000
	MaxEpochMillis int64 = 2_147_483_647_999
)

// TruncateMillis drops sub-millisecond precision and converts to UTC.
func TruncateMillis(t time.Time) time.Time {
	return time.UnixMilli(t.UnixMilli()).UTC()
}

// BlankToNil returns nil for blank strings.
func BlankToNil(s *string) *string {
	if s == nil || strings.TrimSpace(*s) == "" {
		return nil
	}
	v := *s
	return &v
}

// IsBlank reports whether s is empty after trimming.
func IsBlank(s string) bool {
	return strings.TrimSpace(s) == ""
}
