package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/smartfollow/harvester/internal/domain"
	"github.com/smartfollow/harvester/internal/observation"
	"github.com/smartfollow/harvester/internal/store"
	"github.com/smartfollow/harvester/internal/trade"
)

const snapshotColumns = `exchange, external_id, snapshot_ts, source, data_ver, visibility,
	aum_usd::text, followers, win_ratio::text, pnl_ratio_90d::text, pnl_90d_usd::text, raw_json`

// SnapshotStore persists project_snapshots keyed by (project, snapshot_ts, source).
type SnapshotStore struct {
	db DB
}

var _ store.SnapshotRepository = (*SnapshotStore)(nil)

// NewSnapshotStore constructs a SnapshotStore over db.
func NewSnapshotStore(db DB) *SnapshotStore {
	return &SnapshotStore{db: db}
}

// Insert writes snap and reports false when the identity already exists.
func (s *SnapshotStore) Insert(ctx context.Context, snap *observation.Snapshot) (bool, error) {
	query := `
INSERT INTO project_snapshots (exchange, external_id, snapshot_ts, source, data_ver, visibility,
	aum_usd, followers, win_ratio, pnl_ratio_90d, pnl_90d_usd, raw_json)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
ON CONFLICT (exchange, external_id, snapshot_ts, source) DO NOTHING`
	tag, err := s.db.Exec(ctx, query,
		string(snap.ProjectKey.Exchange), snap.ProjectKey.ExternalID, snap.SnapshotTs,
		string(snap.Source), snap.DataVer, string(snap.Visibility),
		numericArg(snap.AumUSD), snap.Followers, numericArg(snap.WinRatio),
		numericArg(snap.PnlRatio90d), numericArg(snap.Pnl90dUSD), snap.RawJSON,
	)
	if err != nil {
		return false, fmt.Errorf("insert snapshot: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// List returns snapshots of key with from <= snapshot_ts < to.
func (s *SnapshotStore) List(
	ctx context.Context,
	key domain.ProjectKey,
	from, to time.Time,
) ([]*observation.Snapshot, error) {
	query := `SELECT ` + snapshotColumns + ` FROM project_snapshots
WHERE exchange = $1 AND external_id = $2 AND snapshot_ts >= $3 AND snapshot_ts < $4
ORDER BY snapshot_ts, source`
	rows, err := s.db.Query(ctx, query, string(key.Exchange), key.ExternalID, from, to)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	out := make([]*observation.Snapshot, 0)
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshots: %w", err)
	}
	return out, nil
}

func scanSnapshot(row pgx.Row) (*observation.Snapshot, error) {
	var (
		snap                                  observation.Snapshot
		exchange, source, visibility          string
		aum, winRatio, pnlRatio90d, pnl90dUSD *string
	)
	err := row.Scan(&exchange, &snap.ProjectKey.ExternalID, &snap.SnapshotTs, &source, &snap.DataVer,
		&visibility, &aum, &snap.Followers, &winRatio, &pnlRatio90d, &pnl90dUSD, &snap.RawJSON)
	if err != nil {
		return nil, err
	}
	snap.ProjectKey.Exchange = domain.Exchange(exchange)
	snap.Source = domain.SnapshotSource(source)
	snap.Visibility = domain.Visibility(visibility)
	snap.SnapshotTs = snap.SnapshotTs.UTC()
	if snap.AumUSD, err = parseNumeric("aum_usd", aum); err != nil {
		return nil, err
	}
	if snap.WinRatio, err = parseNumeric("win_ratio", winRatio); err != nil {
		return nil, err
	}
	if snap.PnlRatio90d, err = parseNumeric("pnl_ratio_90d", pnlRatio90d); err != nil {
		return nil, err
	}
	if snap.Pnl90dUSD, err = parseNumeric("pnl_90d_usd", pnl90dUSD); err != nil {
		return nil, err
	}
	return &snap, nil
}

const tradeColumns = `trade_id, exchange, external_id, item_type, symbol, side, ord_type,
	leverage::text, qty::text, qty_unit, entry_price::text, exit_price::text, fee::text, fee_ccy,
	pnl::text, pnl_ccy, ts_open, ts_filled, ts_close, status, source, external_trade_id,
	external_order_id, source_payload_hash`

// TradeStore persists project_trades keyed by trade_id.
type TradeStore struct {
	db DB
}

var _ store.TradeRepository = (*TradeStore)(nil)

// NewTradeStore constructs a TradeStore over db.
func NewTradeStore(db DB) *TradeStore {
	return &TradeStore{db: db}
}

// Insert adds a trade. Returns store.ErrDuplicateKey if trade_id exists.
func (s *TradeStore) Insert(ctx context.Context, t *trade.ProjectTrade) error {
	var ordType *string
	if t.OrdType != nil {
		v := string(*t.OrdType)
		ordType = &v
	}
	query := `
INSERT INTO project_trades (trade_id, exchange, external_id, item_type, symbol, side, ord_type,
	leverage, qty, qty_unit, entry_price, exit_price, fee, fee_ccy, pnl, pnl_ccy, ts_open,
	ts_filled, ts_close, status, source, external_trade_id, external_order_id, source_payload_hash)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24)`
	qty := t.Qty.Amount
	fee := t.Fee.Amount
	pnl := t.Pnl.Amount
	_, err := s.db.Exec(ctx, query,
		t.TradeID, string(t.ProjectKey.Exchange), t.ProjectKey.ExternalID, t.Item.ItemType,
		t.Item.Symbol, string(t.Side), ordType, numericArg(t.Leverage), numericArg(&qty),
		t.Qty.Unit, numericArg(t.EntryPrice), numericArg(t.ExitPrice), numericArg(&fee), t.Fee.Ccy,
		numericArg(&pnl), t.Pnl.Ccy, t.TsOpen, t.TsFilled, t.TsClose, string(t.Status), t.Source,
		t.ExternalTradeID, t.ExternalOrderID, t.SourcePayloadHash,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return fmt.Errorf("trade %s: %w", t.TradeID, store.ErrDuplicateKey)
		}
		return fmt.Errorf("insert trade: %w", err)
	}
	return nil
}

// Get loads a trade by ID.
func (s *TradeStore) Get(ctx context.Context, tradeID string) (*trade.ProjectTrade, error) {
	t, err := scanTrade(s.db.QueryRow(ctx, `SELECT `+tradeColumns+` FROM project_trades WHERE trade_id = $1`, tradeID))
	if err != nil {
		if isNotFoundError(err) {
			return nil, fmt.Errorf("trade %s: %w", tradeID, store.ErrNotFound)
		}
		return nil, fmt.Errorf("get trade: %w", err)
	}
	return t, nil
}

// ListByProject returns the newest trades of key first.
func (s *TradeStore) ListByProject(ctx context.Context, key domain.ProjectKey, limit int) ([]*trade.ProjectTrade, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	query := `SELECT ` + tradeColumns + ` FROM project_trades
WHERE exchange = $1 AND external_id = $2
ORDER BY ts_open DESC
LIMIT $3`
	rows, err := s.db.Query(ctx, query, string(key.Exchange), key.ExternalID, limit)
	if err != nil {
		return nil, fmt.Errorf("list trades: %w", err)
	}
	defer rows.Close()

	out := make([]*trade.ProjectTrade, 0)
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate trades: %w", err)
	}
	return out, nil
}

func scanTrade(row pgx.Row) (*trade.ProjectTrade, error) {
	var (
		t                                     trade.ProjectTrade
		exchange, side, status, qty, fee, pnl string
		ordType, leverage, entry, exit        *string
	)
	err := row.Scan(&t.TradeID, &exchange, &t.ProjectKey.ExternalID, &t.Item.ItemType, &t.Item.Symbol,
		&side, &ordType, &leverage, &qty, &t.Qty.Unit, &entry, &exit, &fee, &t.Fee.Ccy, &pnl,
		&t.Pnl.Ccy, &t.TsOpen, &t.TsFilled, &t.TsClose, &status, &t.Source, &t.ExternalTradeID,
		&t.ExternalOrderID, &t.SourcePayloadHash)
	if err != nil {
		return nil, err
	}
	t.ProjectKey.Exchange = domain.Exchange(exchange)
	t.Side = domain.TradeSide(side)
	t.Status = domain.TradeStatus(status)
	if ordType != nil {
		v := domain.OrderType(*ordType)
		t.OrdType = &v
	}
	t.TsOpen = t.TsOpen.UTC()
	t.TsFilled = utcPtr(t.TsFilled)
	t.TsClose = utcPtr(t.TsClose)

	amounts := []struct {
		column string
		raw    *string
		dst    **decimal.Decimal
	}{
		{"leverage", leverage, &t.Leverage},
		{"entry_price", entry, &t.EntryPrice},
		{"exit_price", exit, &t.ExitPrice},
	}
	for _, a := range amounts {
		if *a.dst, err = parseNumeric(a.column, a.raw); err != nil {
			return nil, err
		}
	}
	for _, a := range []struct {
		column string
		raw    string
		dst    *decimal.Decimal
	}{
		{"qty", qty, &t.Qty.Amount},
		{"fee", fee, &t.Fee.Amount},
		{"pnl", pnl, &t.Pnl.Amount},
	} {
		d, err := decimal.NewFromString(a.raw)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", a.column, err)
		}
		*a.dst = domain.Normalize(d)
	}
	return &t, nil
}
