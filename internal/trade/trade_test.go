package trade

import (
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/smartfollow/harvester/internal/domain"
)

var tsOpen = time.Date(2025, 9, 7, 12, 0, 0, 987654321, time.UTC)

func baseParams(t *testing.T, qty string) Params {
	t.Helper()
	key, err := domain.NewProjectKey(domain.ExchangeOKX, "LEAD1")
	require.NoError(t, err)
	item, err := domain.NewItemID("swap", "btc-usdt-swap")
	require.NoError(t, err)
	q, err := domain.NewQuantity(decimal.RequireFromString(qty), "")
	require.NoError(t, err)
	entry := decimal.RequireFromString("65000.10")
	return Params{
		ProjectKey:        key,
		Item:              item,
		Side:              domain.SideBuy,
		Qty:               q,
		EntryPrice:        &entry,
		TsOpen:            tsOpen,
		Status:            domain.TradeClosed,
		Source:            SourceOKX,
		SourcePayloadHash: strings.Repeat("AB", 32),
	}
}

func TestNewProjectTradeSynthesizesStableID(t *testing.T) {
	t.Parallel()

	a, err := NewProjectTrade(baseParams(t, "1.50"))
	require.NoError(t, err)
	b, err := NewProjectTrade(baseParams(t, "1.5"))
	require.NoError(t, err)
	require.Equal(t, a.TradeID, b.TradeID)
	require.Len(t, a.TradeID, 64)
	require.Equal(t, strings.ToLower(a.TradeID), a.TradeID)

	sell := baseParams(t, "1.5")
	sell.Side = domain.SideSell
	c, err := NewProjectTrade(sell)
	require.NoError(t, err)
	require.NotEqual(t, a.TradeID, c.TradeID)

	noEntry := baseParams(t, "1.5")
	noEntry.EntryPrice = nil
	d, err := NewProjectTrade(noEntry)
	require.NoError(t, err)
	require.NotEqual(t, a.TradeID, d.TradeID)
}

func TestNewProjectTradeIdentityPrecedence(t *testing.T) {
	t.Parallel()

	p := baseParams(t, "2")
	ext := "okx-sub-1"
	p.ExternalTradeID = &ext
	tr, err := NewProjectTrade(p)
	require.NoError(t, err)
	require.Equal(t, "okx-sub-1", tr.TradeID)

	p.TradeID = "explicit"
	tr, err = NewProjectTrade(p)
	require.NoError(t, err)
	require.Equal(t, "explicit", tr.TradeID)

	blank := "  "
	p = baseParams(t, "2")
	p.ExternalTradeID = &blank
	tr, err = NewProjectTrade(p)
	require.NoError(t, err)
	require.Nil(t, tr.ExternalTradeID)
	require.Len(t, tr.TradeID, 64)
}

func TestNewProjectTradeNormalizes(t *testing.T) {
	t.Parallel()

	p := baseParams(t, "3.000")
	closeAt := tsOpen.Add(time.Hour + 1500*time.Microsecond)
	p.TsClose = &closeAt
	fee := decimal.RequireFromString("-0.5000")
	p.Fee = domain.Money{Amount: fee, Ccy: "usdt"}
	tr, err := NewProjectTrade(p)
	require.NoError(t, err)

	require.Equal(t, "3", tr.Qty.Amount.String())
	require.Equal(t, "COIN", tr.Qty.Unit)
	require.Equal(t, "65000.1", tr.EntryPrice.String())
	require.Equal(t, "-0.5 USDT", tr.Fee.String())
	require.Equal(t, "0 USDT", tr.Pnl.String())
	require.Equal(t, time.Date(2025, 9, 7, 12, 0, 0, 987000000, time.UTC), tr.TsOpen)
	require.Equal(t, time.Date(2025, 9, 7, 13, 0, 0, 989000000, time.UTC), *tr.TsClose)
	require.Nil(t, tr.TsFilled)
	require.Equal(t, strings.Repeat("ab", 32), tr.SourcePayloadHash)
}

func TestNewProjectTradeValidation(t *testing.T) {
	t.Parallel()

	zero := decimal.Zero
	tests := []struct {
		name   string
		mutate func(*Params)
	}{
		{"missing key", func(p *Params) { p.ProjectKey = domain.ProjectKey{} }},
		{"missing item", func(p *Params) { p.Item = domain.ItemID{} }},
		{"missing side", func(p *Params) { p.Side = "" }},
		{"missing status", func(p *Params) { p.Status = "" }},
		{"missing source", func(p *Params) { p.Source = " " }},
		{"zero qty", func(p *Params) { p.Qty = domain.Quantity{} }},
		{"missing ts open", func(p *Params) { p.TsOpen = time.Time{} }},
		{"zero entry", func(p *Params) { p.EntryPrice = &zero }},
		{"zero exit", func(p *Params) { p.ExitPrice = &zero }},
		{"missing hash", func(p *Params) { p.SourcePayloadHash = "" }},
		{"short hash", func(p *Params) { p.SourcePayloadHash = "abc" }},
		{"non hex hash", func(p *Params) { p.SourcePayloadHash = strings.Repeat("zz", 32) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p := baseParams(t, "1")
			tt.mutate(&p)
			_, err := NewProjectTrade(p)
			require.ErrorIs(t, err, domain.ErrValidation)
		})
	}
}
