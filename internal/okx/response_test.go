package okx

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/smartfollow/harvester/internal/crawler"
	"github.com/smartfollow/harvester/internal/domain"
	"github.com/smartfollow/harvester/internal/observation"
	"github.com/smartfollow/harvester/internal/trade"
)

const leadTradersBody = `{"code":"0","msg":"","data":[{"dataVer":"20250907115000","totalPage":"3","ranks":[` +
	`{"uniqueCode":"A1","nickName":"Alpha","ccy":"USDT","aum":"1200.50","copyTraderNum":"42","winRatio":"0.61","pnlRatio":"0.12","pnl":"300"},` +
	`{"uniqueCode":"B2","nickName":"","ccy":"","aum":"n/a","copyTraderNum":"","winRatio":"","pnlRatio":"","pnl":""}` +
	`]}]}`

func TestParseLeadTraders(t *testing.T) {
	t.Parallel()
	page, err := ParseLeadTraders([]byte(leadTradersBody))
	require.NoError(t, err)
	require.Equal(t, "20250907115000", page.DataVer)
	require.Equal(t, 3, page.TotalPage)
	require.Len(t, page.Ranks, 2)

	a := page.Ranks[0]
	require.Equal(t, "A1", a.ExternalID)
	require.Equal(t, "Alpha", a.Name)
	require.True(t, a.Aum.Equal(decimal.RequireFromString("1200.5")))
	require.Equal(t, 42, *a.Followers)
	require.Equal(t, "20250907115000", a.DataVer)
	require.Contains(t, a.RawJSON, `"uniqueCode":"A1"`)

	b := page.Ranks[1]
	require.Nil(t, b.Aum)
	require.Nil(t, b.Followers)

	generated, ok := page.GeneratedAt()
	require.True(t, ok)
	require.Equal(t, time.Date(2025, 9, 7, 11, 50, 0, 0, time.UTC), generated)
}

func TestParseLeadTradersErrors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		body      string
		permanent bool
	}{
		{"not json", `<html>`, false},
		{"rate limited", `{"code":"50011","msg":"Too Many Requests","data":[]}`, false},
		{"bad parameter", `{"code":"51000","msg":"Parameter instType error","data":[]}`, true},
		{"bad total page", `{"code":"0","data":[{"dataVer":"1","totalPage":"x","ranks":[]}]}`, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseLeadTraders([]byte(tc.body))
			require.Error(t, err)
			require.Equal(t, tc.permanent, errors.Is(err, crawler.ErrPermanent))
		})
	}
}

func TestParseLeadTradersEmptyData(t *testing.T) {
	t.Parallel()
	page, err := ParseLeadTraders([]byte(`{"code":"0","msg":"","data":[]}`))
	require.NoError(t, err)
	require.Zero(t, page.TotalPage)
	require.Empty(t, page.Ranks)
}

func TestParseLeadTradersBlankTotalPage(t *testing.T) {
	t.Parallel()
	body := `{"code":"0","msg":"","data":[{"dataVer":"20250907115000","totalPage":"","ranks":[{"uniqueCode":"A1"}]}]}`
	page, err := ParseLeadTraders([]byte(body))
	require.NoError(t, err)
	require.Equal(t, observation.UnknownTotalPage, page.TotalPage)
	require.Len(t, page.Ranks, 1)
}

func TestParseStats(t *testing.T) {
	t.Parallel()
	body := `{"code":"0","msg":"","data":[{"winRatio":"0.55","investAmt":"5000","curCopyTraderPnl":"-12.5","profitDays":"20","lossDays":"10","ccy":"USDT"}]}`
	detail, err := ParseStats([]byte(body))
	require.NoError(t, err)
	require.True(t, detail.WinRatio.Equal(decimal.RequireFromString("0.55")))
	require.True(t, detail.AumUSD.Equal(decimal.NewFromInt(5000)))
	require.True(t, detail.Pnl90dUSD.Equal(decimal.RequireFromString("-12.5")))
	require.Contains(t, detail.RawJSON, "profitDays")

	_, err = ParseStats([]byte(`{"code":"0","msg":"","data":[]}`))
	require.ErrorIs(t, err, ErrNoStats)
	require.ErrorIs(t, err, crawler.ErrPermanent)

	_, err = ParseStats([]byte(`{"code":"0","data":[{"winRatio":"abc"}]}`))
	require.ErrorIs(t, err, domain.ErrValidation)
}

const subpositionRow1 = `{"instType":"SWAP","instId":"BTC-USDT-SWAP","subPosId":"S1","posSide":"long","side":"buy","lever":"10","openOrdId":"O1","openAvgPx":"60000.0","openTime":"1757246400000","subPos":"-2","closeTime":"1757250000000","closeAvgPx":"61000","pnl":"20.50","ccy":"USDT"}`

func TestParseSubpositions(t *testing.T) {
	t.Parallel()
	body := `{"code":"0","msg":"","data":[` + subpositionRow1 + `,` +
		`{"instType":"SWAP","instId":"ETH-USDT-SWAP","subPosId":"","posSide":"net","side":"sell","subPos":"1","openTime":"1757246400000","closeTime":"","openAvgPx":"2500"},` +
		`{"instType":"SWAP","instId":"ETH-USDT-SWAP","posSide":"net","side":"sell","subPos":"abc","openTime":"1757246400000"}` +
		`]}`
	key, err := domain.NewProjectKey(domain.ExchangeOKX, "A1")
	require.NoError(t, err)

	page, err := ParseSubpositions([]byte(body), key)
	require.NoError(t, err)
	require.Equal(t, 1, page.Skipped)
	require.Len(t, page.Trades, 2)

	closed := page.Trades[0]
	require.Equal(t, domain.SideLong, closed.Side)
	require.Equal(t, "SWAP:BTC-USDT-SWAP", closed.Item.String())
	require.Equal(t, "2", closed.Qty.Amount.String())
	require.Equal(t, "CONTRACT", closed.Qty.Unit)
	require.Equal(t, domain.TradeClosed, closed.Status)
	require.Equal(t, time.Date(2025, 9, 7, 12, 0, 0, 0, time.UTC), closed.TsOpen)
	require.Equal(t, time.Date(2025, 9, 7, 13, 0, 0, 0, time.UTC), *closed.TsClose)
	require.Equal(t, "S1", *closed.ExternalTradeID)
	require.Equal(t, "O1", *closed.ExternalOrderID)
	require.Equal(t, "69dd8ac8ac1f0dafba7db53f8f5a6329f0a7952f9245b607c2794def79d46f6c", closed.SourcePayloadHash)
	require.Equal(t, trade.SourceOKX, closed.Source)

	built, err := trade.NewProjectTrade(closed)
	require.NoError(t, err)
	require.Equal(t, "S1", built.TradeID)
	require.Equal(t, "20.5 USDT", built.Pnl.String())

	open := page.Trades[1]
	require.Equal(t, domain.SideSell, open.Side)
	require.Equal(t, domain.TradeOpen, open.Status)
	require.Nil(t, open.ExternalTradeID)
	built, err = trade.NewProjectTrade(open)
	require.NoError(t, err)
	require.Len(t, built.TradeID, 64)
}
