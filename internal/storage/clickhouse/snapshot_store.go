package clickhouse

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/smartfollow/harvester/internal/domain"
	"github.com/smartfollow/harvester/internal/observation"
	"github.com/smartfollow/harvester/internal/store"
)

// SnapshotStore implements store.SnapshotRepository on a ReplacingMergeTree.
// MergeTree does not enforce uniqueness, so Insert checks the identity first.
type SnapshotStore struct {
	conn *Conn
}

var _ store.SnapshotRepository = (*SnapshotStore)(nil)

// NewSnapshotStore creates a SnapshotStore.
func NewSnapshotStore(conn *Conn) *SnapshotStore {
	return &SnapshotStore{conn: conn}
}

// Insert writes snap unless (project, snapshot_ts, source) is already stored.
func (s *SnapshotStore) Insert(ctx context.Context, snap *observation.Snapshot) (bool, error) {
	exists, err := s.exists(ctx, snap)
	if err != nil {
		return false, fmt.Errorf("check exists: %w", err)
	}
	if exists {
		return false, nil
	}

	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO project_snapshots (
			exchange, external_id, snapshot_ts, source, data_ver, visibility,
			aum_usd, followers, win_ratio, pnl_ratio_90d, pnl_90d_usd, raw_json
		)
	`)
	if err != nil {
		return false, fmt.Errorf("prepare batch: %w", err)
	}

	var followers *int32
	if snap.Followers != nil {
		v := int32(*snap.Followers)
		followers = &v
	}
	err = batch.Append(
		string(snap.ProjectKey.Exchange), snap.ProjectKey.ExternalID, snap.SnapshotTs,
		string(snap.Source), snap.DataVer, string(snap.Visibility),
		snap.AumUSD, followers, snap.WinRatio, snap.PnlRatio90d, snap.Pnl90dUSD, snap.RawJSON,
	)
	if err != nil {
		return false, fmt.Errorf("append to batch: %w", err)
	}
	if err := batch.Send(); err != nil {
		return false, fmt.Errorf("send batch: %w", err)
	}
	return true, nil
}

// List returns snapshots of key with from <= snapshot_ts < to.
func (s *SnapshotStore) List(
	ctx context.Context,
	key domain.ProjectKey,
	from, to time.Time,
) ([]*observation.Snapshot, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT exchange, external_id, snapshot_ts, source, data_ver, visibility,
			aum_usd, followers, win_ratio, pnl_ratio_90d, pnl_90d_usd, raw_json
		FROM project_snapshots FINAL
		WHERE exchange = ? AND external_id = ? AND snapshot_ts >= ? AND snapshot_ts < ?
		ORDER BY snapshot_ts, source
	`, string(key.Exchange), key.ExternalID, from, to)
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	defer rows.Close()

	out := make([]*observation.Snapshot, 0)
	for rows.Next() {
		var (
			snap                         observation.Snapshot
			exchange, source, visibility string
			followers                    *int32
			aum, win, pnlRatio, pnl      *decimal.Decimal
		)
		if err := rows.Scan(
			&exchange, &snap.ProjectKey.ExternalID, &snap.SnapshotTs, &source, &snap.DataVer,
			&visibility, &aum, &followers, &win, &pnlRatio, &pnl, &snap.RawJSON,
		); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		snap.ProjectKey.Exchange = domain.Exchange(exchange)
		snap.Source = domain.SnapshotSource(source)
		snap.Visibility = domain.Visibility(visibility)
		snap.SnapshotTs = snap.SnapshotTs.UTC()
		snap.AumUSD = normalized(aum)
		snap.WinRatio = normalized(win)
		snap.PnlRatio90d = normalized(pnlRatio)
		snap.Pnl90dUSD = normalized(pnl)
		if followers != nil {
			v := int(*followers)
			snap.Followers = &v
		}
		out = append(out, &snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshots: %w", err)
	}
	return out, nil
}

func (s *SnapshotStore) exists(ctx context.Context, snap *observation.Snapshot) (bool, error) {
	var count uint64
	err := s.conn.QueryRow(ctx, `
		SELECT count() FROM project_snapshots
		WHERE exchange = ? AND external_id = ? AND snapshot_ts = ? AND source = ?
	`, string(snap.ProjectKey.Exchange), snap.ProjectKey.ExternalID, snap.SnapshotTs, string(snap.Source)).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// Decimal(38, 8) pads every value to eight places.
func normalized(d *decimal.Decimal) *decimal.Decimal {
	if d == nil {
		return nil
	}
	v := domain.Normalize(*d)
	return &v
}
