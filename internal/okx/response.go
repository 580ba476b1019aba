package okx

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/smartfollow/harvester/internal/crawler"
	"github.com/smartfollow/harvester/internal/domain"
	"github.com/smartfollow/harvester/internal/observation"
	"github.com/smartfollow/harvester/internal/trade"
)

// APIError is a non-zero code in the OKX response envelope.
type APIError struct {
	Code string
	Msg  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("okx error %s: %s", e.Code, e.Msg)
}

// Permanent reports whether the code is a request error a retry cannot fix.
// OKX reports invalid parameters and unknown lead traders in the 51xxx range.
func (e *APIError) Permanent() bool {
	return strings.HasPrefix(e.Code, "51")
}

// Unwrap lets errors.Is(err, crawler.ErrPermanent) see permanent codes.
func (e *APIError) Unwrap() error {
	if e.Permanent() {
		return crawler.ErrPermanent
	}
	return nil
}

type leadTradersData struct {
	DataVer   string            `json:"dataVer"`
	TotalPage string            `json:"totalPage"`
	Ranks     []json.RawMessage `json:"ranks"`
}

type rankRow struct {
	UniqueCode    string `json:"uniqueCode"`
	NickName      string `json:"nickName"`
	Ccy           string `json:"ccy"`
	Aum           string `json:"aum"`
	CopyTraderNum string `json:"copyTraderNum"`
	WinRatio      string `json:"winRatio"`
	PnlRatio      string `json:"pnlRatio"`
	Pnl           string `json:"pnl"`
}

// ParseLeadTraders decodes one page of the lead trader ranking. A blank
// totalPage is reported as observation.UnknownTotalPage.
func ParseLeadTraders(body []byte) (observation.LeadTradersPage, error) {
	var data []leadTradersData
	if err := decodeEnvelope(body, &data); err != nil {
		return observation.LeadTradersPage{}, err
	}
	if len(data) == 0 {
		return observation.LeadTradersPage{}, nil
	}
	d := data[0]
	page := observation.LeadTradersPage{DataVer: d.DataVer, TotalPage: observation.UnknownTotalPage}
	if !domain.IsBlank(d.TotalPage) {
		total, err := strconv.Atoi(strings.TrimSpace(d.TotalPage))
		if err != nil || total < 0 {
			return observation.LeadTradersPage{}, domain.Invalid("parse lead traders", "bad totalPage %q", d.TotalPage)
		}
		page.TotalPage = total
	}

	page.Ranks = make([]observation.ProjectBrief, 0, len(d.Ranks))
	for _, raw := range d.Ranks {
		var r rankRow
		if err := json.Unmarshal(raw, &r); err != nil {
			return observation.LeadTradersPage{}, fmt.Errorf("decode rank row: %w", err)
		}
		brief := observation.ProjectBrief{
			ExternalID:   strings.TrimSpace(r.UniqueCode),
			Name:         strings.TrimSpace(r.NickName),
			BaseCurrency: strings.TrimSpace(r.Ccy),
			DataVer:      d.DataVer,
			RawJSON:      string(raw),
		}
		// Malformed numbers drop the field, not the row.
		brief.Aum, _ = optDecimal(r.Aum)
		brief.WinRatio, _ = optDecimal(r.WinRatio)
		brief.PnlRatio, _ = optDecimal(r.PnlRatio)
		brief.Pnl, _ = optDecimal(r.Pnl)
		brief.Followers, _ = optInt(r.CopyTraderNum)
		page.Ranks = append(page.Ranks, brief)
	}
	return page, nil
}

type statsRow struct {
	WinRatio         string `json:"winRatio"`
	InvestAmt        string `json:"investAmt"`
	CurCopyTraderPnl string `json:"curCopyTraderPnl"`
	ProfitDays       string `json:"profitDays"`
	LossDays         string `json:"lossDays"`
	Ccy              string `json:"ccy"`
}

// ParseStats decodes the public stats of one lead trader. An empty data
// array is reported as ErrNoStats.
func ParseStats(body []byte) (observation.ProjectDetail, error) {
	var rows []json.RawMessage
	if err := decodeEnvelope(body, &rows); err != nil {
		return observation.ProjectDetail{}, err
	}
	if len(rows) == 0 {
		return observation.ProjectDetail{}, ErrNoStats
	}
	var r statsRow
	if err := json.Unmarshal(rows[0], &r); err != nil {
		return observation.ProjectDetail{}, fmt.Errorf("decode stats row: %w", err)
	}
	const op = "parse stats"
	detail := observation.ProjectDetail{RawJSON: string(rows[0])}
	var err error
	if detail.WinRatio, err = optDecimal(r.WinRatio); err != nil {
		return observation.ProjectDetail{}, domain.Invalid(op, "winRatio: %v", err)
	}
	if detail.AumUSD, err = optDecimal(r.InvestAmt); err != nil {
		return observation.ProjectDetail{}, domain.Invalid(op, "investAmt: %v", err)
	}
	if detail.Pnl90dUSD, err = optDecimal(r.CurCopyTraderPnl); err != nil {
		return observation.ProjectDetail{}, domain.Invalid(op, "curCopyTraderPnl: %v", err)
	}
	return detail, nil
}

// ErrNoStats means OKX answered without a stats row for the trader.
var ErrNoStats = fmt.Errorf("okx: no stats for trader: %w", crawler.ErrPermanent)

type subpositionRow struct {
	InstType   string `json:"instType"`
	InstID     string `json:"instId"`
	PosSide    string `json:"posSide"`
	Side       string `json:"side"`
	SubPos     string `json:"subPos"`
	OpenAvgPx  string `json:"openAvgPx"`
	CloseAvgPx string `json:"closeAvgPx"`
	OpenTime   string `json:"openTime"`
	CloseTime  string `json:"closeTime"`
	Lever      string `json:"lever"`
	Pnl        string `json:"pnl"`
	Fee        string `json:"fee"`
	Ccy        string `json:"ccy"`
	SubPosID   string `json:"subPosId"`
	OpenOrdID  string `json:"openOrdId"`
}

// SubpositionsPage is the parsed closed-position history of one trader.
type SubpositionsPage struct {
	Trades []trade.Params
	// Skipped counts rows whose numbers or times could not be parsed.
	Skipped int
}

// ParseSubpositions maps closed sub-positions of key to trade params.
func ParseSubpositions(body []byte, key domain.ProjectKey) (SubpositionsPage, error) {
	var rows []json.RawMessage
	if err := decodeEnvelope(body, &rows); err != nil {
		return SubpositionsPage{}, err
	}
	out := SubpositionsPage{Trades: make([]trade.Params, 0, len(rows))}
	for _, raw := range rows {
		p, err := subpositionParams(raw, key)
		if err != nil {
			out.Skipped++
			continue
		}
		out.Trades = append(out.Trades, p)
	}
	return out, nil
}

func subpositionParams(raw json.RawMessage, key domain.ProjectKey) (trade.Params, error) {
	const op = "parse subposition"
	var r subpositionRow
	if err := json.Unmarshal(raw, &r); err != nil {
		return trade.Params{}, fmt.Errorf("decode subposition row: %w", err)
	}

	item, err := domain.NewItemID(r.InstType, r.InstID)
	if err != nil {
		return trade.Params{}, err
	}
	side, err := subpositionSide(r.PosSide, r.Side)
	if err != nil {
		return trade.Params{}, err
	}
	size, err := decimal.NewFromString(strings.TrimSpace(r.SubPos))
	if err != nil {
		return trade.Params{}, domain.Invalid(op, "subPos %q: %v", r.SubPos, err)
	}
	qty, err := domain.NewQuantity(size.Abs(), "CONTRACT")
	if err != nil {
		return trade.Params{}, err
	}
	openTs, err := millis(r.OpenTime)
	if err != nil || openTs == nil {
		return trade.Params{}, domain.Invalid(op, "openTime %q is required", r.OpenTime)
	}
	closeTs, err := millis(r.CloseTime)
	if err != nil {
		return trade.Params{}, domain.Invalid(op, "closeTime %q: %v", r.CloseTime, err)
	}
	entry, err := optDecimal(r.OpenAvgPx)
	if err != nil {
		return trade.Params{}, domain.Invalid(op, "openAvgPx: %v", err)
	}
	exit, err := optDecimal(r.CloseAvgPx)
	if err != nil {
		return trade.Params{}, domain.Invalid(op, "closeAvgPx: %v", err)
	}
	lever, err := optDecimal(r.Lever)
	if err != nil {
		return trade.Params{}, domain.Invalid(op, "lever: %v", err)
	}
	pnl, err := optDecimal(r.Pnl)
	if err != nil {
		return trade.Params{}, domain.Invalid(op, "pnl: %v", err)
	}
	fee, err := optDecimal(r.Fee)
	if err != nil {
		return trade.Params{}, domain.Invalid(op, "fee: %v", err)
	}

	sum := sha256.Sum256(raw)
	status := domain.TradeClosed
	if closeTs == nil {
		status = domain.TradeOpen
	}
	return trade.Params{
		ProjectKey:        key,
		Item:              item,
		Side:              side,
		Leverage:          lever,
		Qty:               qty,
		EntryPrice:        entry,
		ExitPrice:         exit,
		Fee:               domain.NewMoney(fee, r.Ccy),
		Pnl:               domain.NewMoney(pnl, r.Ccy),
		TsOpen:            *openTs,
		TsClose:           closeTs,
		Status:            status,
		Source:            trade.SourceOKX,
		ExternalTradeID:   nonBlank(r.SubPosID),
		ExternalOrderID:   nonBlank(r.OpenOrdID),
		SourcePayloadHash: hex.EncodeToString(sum[:]),
	}, nil
}

// subpositionSide prefers the position side; one-way ("net") mode falls back
// to the order side.
func subpositionSide(posSide, side string) (domain.TradeSide, error) {
	switch strings.ToLower(strings.TrimSpace(posSide)) {
	case "long":
		return domain.SideLong, nil
	case "short":
		return domain.SideShort, nil
	}
	return domain.ParseTradeSide(side)
}

func optDecimal(s string) (*decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func optInt(s string) (*int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func millis(s string) (*time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "0" {
		return nil, nil
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil, err
	}
	t := time.UnixMilli(ms).UTC()
	return &t, nil
}

func nonBlank(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
