package observation

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/smartfollow/harvester/internal/domain"
)

// Snapshot is an immutable point-in-time capture of a project's metrics.
// Its identity is (ProjectKey, SnapshotTs, Source).
type Snapshot struct {
	ProjectKey  domain.ProjectKey     `json:"project_key"`
	SnapshotTs  time.Time             `json:"snapshot_ts"`
	Source      domain.SnapshotSource `json:"source"`
	DataVer     string                `json:"data_ver,omitempty"`
	Visibility  domain.Visibility     `json:"visibility"`
	AumUSD      *decimal.Decimal      `json:"aum_usd,omitempty"`
	Followers   *int                  `json:"followers,omitempty"`
	WinRatio    *decimal.Decimal      `json:"win_ratio,omitempty"`
	PnlRatio90d *decimal.Decimal      `json:"pnl_ratio_90d,omitempty"`
	Pnl90dUSD   *decimal.Decimal      `json:"pnl_90d_usd,omitempty"`
	RawJSON     string                `json:"raw_json"`
}

// SnapshotParams are the inputs of NewSnapshot. Only the identity fields,
// Visibility and RawJSON are mandatory.
type SnapshotParams struct {
	ProjectKey  domain.ProjectKey
	SnapshotTs  time.Time
	Source      domain.SnapshotSource
	DataVer     string
	Visibility  domain.Visibility
	AumUSD      *decimal.Decimal
	Followers   *int
	WinRatio    *decimal.Decimal
	PnlRatio90d *decimal.Decimal
	Pnl90dUSD   *decimal.Decimal
	RawJSON     string
}

// NewSnapshot validates p and truncates the timestamp to milliseconds.
func NewSnapshot(p SnapshotParams) (*Snapshot, error) {
	const op = "new snapshot"
	switch {
	case p.ProjectKey.IsZero():
		return nil, domain.Invalid(op, "project key is required")
	case p.SnapshotTs.IsZero():
		return nil, domain.Invalid(op, "snapshot ts is required")
	case p.Source == "":
		return nil, domain.Invalid(op, "source is required")
	case p.Visibility == "":
		return nil, domain.Invalid(op, "visibility is required")
	case domain.IsBlank(p.RawJSON):
		return nil, domain.Invalid(op, "raw json must not be blank")
	}
	ms := p.SnapshotTs.UnixMilli()
	if ms < domain.MinEpochMillis || ms > domain.MaxEpochMillis {
		return nil, domain.Invalid(op, "snapshot ts %d ms outside [%d, %d]", ms, domain.MinEpochMillis, domain.MaxEpochMillis)
	}
	return &Snapshot{
		ProjectKey:  p.ProjectKey,
		SnapshotTs:  time.UnixMilli(ms).UTC(),
		Source:      p.Source,
		DataVer:     p.DataVer,
		Visibility:  p.Visibility,
		AumUSD:      p.AumUSD,
		Followers:   p.Followers,
		WinRatio:    p.WinRatio,
		PnlRatio90d: p.PnlRatio90d,
		Pnl90dUSD:   p.Pnl90dUSD,
		RawJSON:     p.RawJSON,
	}, nil
}

// SnapshotID renders KEY@millis#SOURCE for logs and events.
func (s *Snapshot) SnapshotID() string {
	return fmt.Sprintf("%s@%d#%s", s.ProjectKey, s.SnapshotTs.UnixMilli(), s.Source)
}
