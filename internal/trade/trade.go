// Package trade builds immutable ProjectTrade facts with a stable identity,
// so the same round-trip re-ingested from a flaky source lands on the same row.
package trade

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/smartfollow/harvester/internal/domain"
)

// Known trade sources.
const (
	SourceOKX     = "OKX"
	SourceBinance = "BINANCE"
	SourceReplay  = "REPLAY"
	SourceImport  = "IMPORT"
)

// ProjectTrade is one position round-trip of a lead project.
type ProjectTrade struct {
	TradeID           string             `json:"trade_id"`
	ProjectKey        domain.ProjectKey  `json:"project_key"`
	Item              domain.ItemID      `json:"item"`
	Side              domain.TradeSide   `json:"side"`
	OrdType           *domain.OrderType  `json:"ord_type,omitempty"`
	Leverage          *decimal.Decimal   `json:"leverage,omitempty"`
	Qty               domain.Quantity    `json:"qty"`
	EntryPrice        *decimal.Decimal   `json:"entry_price,omitempty"`
	ExitPrice         *decimal.Decimal   `json:"exit_price,omitempty"`
	Fee               domain.Money       `json:"fee"`
	Pnl               domain.Money       `json:"pnl"`
	TsOpen            time.Time          `json:"ts_open"`
	TsFilled          *time.Time         `json:"ts_filled,omitempty"`
	TsClose           *time.Time         `json:"ts_close,omitempty"`
	Status            domain.TradeStatus `json:"status"`
	Source            string             `json:"source"`
	ExternalTradeID   *string            `json:"external_trade_id,omitempty"`
	ExternalOrderID   *string            `json:"external_order_id,omitempty"`
	SourcePayloadHash string             `json:"source_payload_hash"`
}

// Params are the raw inputs of NewProjectTrade.
type Params struct {
	// TradeID, when non-blank, wins over every other identity source.
	TradeID           string
	ProjectKey        domain.ProjectKey
	Item              domain.ItemID
	Side              domain.TradeSide
	OrdType           *domain.OrderType
	Leverage          *decimal.Decimal
	Qty               domain.Quantity
	EntryPrice        *decimal.Decimal
	ExitPrice         *decimal.Decimal
	Fee               domain.Money
	Pnl               domain.Money
	TsOpen            time.Time
	TsFilled          *time.Time
	TsClose           *time.Time
	Status            domain.TradeStatus
	Source            string
	ExternalTradeID   *string
	ExternalOrderID   *string
	SourcePayloadHash string
}

// NewProjectTrade validates p and resolves the trade identity.
func NewProjectTrade(p Params) (*ProjectTrade, error) {
	const op = "new trade"
	switch {
	case p.ProjectKey.IsZero():
		return nil, domain.Invalid(op, "project key is required")
	case p.Item.ItemType == "" || p.Item.Symbol == "":
		return nil, domain.Invalid(op, "item is required")
	case p.Side == "":
		return nil, domain.Invalid(op, "side is required")
	case p.Status == "":
		return nil, domain.Invalid(op, "status is required")
	case domain.IsBlank(p.Source):
		return nil, domain.Invalid(op, "source is required")
	case !p.Qty.Amount.IsPositive():
		return nil, domain.Invalid(op, "qty must be > 0, got %s", p.Qty.Amount.String())
	case p.TsOpen.IsZero():
		return nil, domain.Invalid(op, "ts open is required")
	}
	if err := positiveIfPresent(op, "entry price", p.EntryPrice); err != nil {
		return nil, err
	}
	if err := positiveIfPresent(op, "exit price", p.ExitPrice); err != nil {
		return nil, err
	}
	hash, err := normalizePayloadHash(op, p.SourcePayloadHash)
	if err != nil {
		return nil, err
	}

	t := &ProjectTrade{
		ProjectKey:        p.ProjectKey,
		Item:              p.Item,
		Side:              p.Side,
		OrdType:           p.OrdType,
		Leverage:          normalizePtr(p.Leverage),
		Qty:               domain.Quantity{Amount: domain.Normalize(p.Qty.Amount), Unit: p.Qty.Unit},
		EntryPrice:        normalizePtr(p.EntryPrice),
		ExitPrice:         normalizePtr(p.ExitPrice),
		Fee:               normalizeMoney(p.Fee),
		Pnl:               normalizeMoney(p.Pnl),
		TsOpen:            domain.TruncateMillis(p.TsOpen),
		TsFilled:          truncatePtr(p.TsFilled),
		TsClose:           truncatePtr(p.TsClose),
		Status:            p.Status,
		Source:            strings.TrimSpace(p.Source),
		ExternalTradeID:   domain.BlankToNil(p.ExternalTradeID),
		ExternalOrderID:   domain.BlankToNil(p.ExternalOrderID),
		SourcePayloadHash: hash,
	}
	if t.Qty.Unit == "" {
		t.Qty.Unit = domain.DefaultUnit
	}
	t.TradeID = resolveID(p.TradeID, t)
	return t, nil
}

func resolveID(explicit string, t *ProjectTrade) string {
	if !domain.IsBlank(explicit) {
		return strings.TrimSpace(explicit)
	}
	if t.ExternalTradeID != nil {
		return *t.ExternalTradeID
	}
	return SynthesizeID(t.ProjectKey, t.Item, t.Side, t.TsOpen, t.Qty.Amount, t.EntryPrice, t.Source)
}

// SynthesizeID digests the canonical tuple
// key|ITEMTYPE:SYMBOL|SIDE|tsOpenMillis|qty|entryPrice|source into lowercase SHA-256 hex.
// Decimals are normalized first so "1.50" and "1.5" produce the same id.
func SynthesizeID(
	key domain.ProjectKey,
	item domain.ItemID,
	side domain.TradeSide,
	tsOpen time.Time,
	qty decimal.Decimal,
	entryPrice *decimal.Decimal,
	source string,
) string {
	entry := ""
	if entryPrice != nil {
		entry = domain.PlainString(*entryPrice)
	}
	canonical := strings.Join([]string{
		key.String(),
		item.String(),
		string(side),
		strconv.FormatInt(tsOpen.UnixMilli(), 10),
		domain.PlainString(qty),
		entry,
		source,
	}, "|")
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}

func normalizePayloadHash(op, raw string) (string, error) {
	h := strings.ToLower(strings.TrimSpace(raw))
	if h == "" {
		return "", domain.Invalid(op, "source payload hash is required")
	}
	if len(h) != sha256.Size*2 {
		return "", domain.Invalid(op, "source payload hash must be 64 hex chars, got %d", len(h))
	}
	if _, err := hex.DecodeString(h); err != nil {
		return "", domain.Invalid(op, "source payload hash is not hex: %v", err)
	}
	return h, nil
}

func positiveIfPresent(op, field string, v *decimal.Decimal) error {
	if v != nil && !v.IsPositive() {
		return domain.Invalid(op, "%s must be > 0, got %s", field, v.String())
	}
	return nil
}

func normalizePtr(v *decimal.Decimal) *decimal.Decimal {
	if v == nil {
		return nil
	}
	n := domain.Normalize(*v)
	return &n
}

func normalizeMoney(m domain.Money) domain.Money {
	amount := m.Amount
	return domain.NewMoney(&amount, m.Ccy)
}

func truncatePtr(t *time.Time) *time.Time {
	if t == nil || t.IsZero() {
		return nil
	}
	v := domain.TruncateMillis(*t)
	return &v
}
