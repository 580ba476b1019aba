package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/smartfollow/harvester/internal/domain"
	"github.com/smartfollow/harvester/internal/observation"
	"github.com/smartfollow/harvester/internal/store"
)

const projectColumns = `exchange, external_id, name, base_currency, last_visibility, first_seen,
	last_seen, min_copy_cost::text, status, extra`

// ProjectStore persists the projects table.
type ProjectStore struct {
	db DB
}

var _ store.ProjectRepository = (*ProjectStore)(nil)

// NewProjectStore constructs a ProjectStore over db.
func NewProjectStore(db DB) *ProjectStore {
	return &ProjectStore{db: db}
}

// Get loads a project by key.
func (s *ProjectStore) Get(ctx context.Context, key domain.ProjectKey) (*observation.Project, error) {
	query := `SELECT ` + projectColumns + ` FROM projects WHERE exchange = $1 AND external_id = $2`
	p, err := scanProject(s.db.QueryRow(ctx, query, string(key.Exchange), key.ExternalID))
	if err != nil {
		if isNotFoundError(err) {
			return nil, fmt.Errorf("project %s: %w", key, store.ErrNotFound)
		}
		return nil, fmt.Errorf("get project: %w", err)
	}
	return p, nil
}

// Upsert writes the full project row. first_seen is never overwritten and
// last_seen never moves backwards.
func (s *ProjectStore) Upsert(ctx context.Context, p *observation.Project) error {
	query := `
INSERT INTO projects (exchange, external_id, name, base_currency, last_visibility, first_seen,
	last_seen, min_copy_cost, status, extra)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
ON CONFLICT (exchange, external_id) DO UPDATE SET
	name = EXCLUDED.name,
	base_currency = EXCLUDED.base_currency,
	last_visibility = EXCLUDED.last_visibility,
	last_seen = GREATEST(projects.last_seen, EXCLUDED.last_seen),
	min_copy_cost = EXCLUDED.min_copy_cost,
	status = EXCLUDED.status,
	extra = EXCLUDED.extra`
	_, err := s.db.Exec(ctx, query,
		string(p.Key.Exchange), p.Key.ExternalID, p.Name, p.BaseCurrency, string(p.LastVisibility),
		p.FirstSeen, p.LastSeen, numericArg(p.MinCopyCost), p.Status, p.Extra,
	)
	if err != nil {
		return fmt.Errorf("upsert project: %w", err)
	}
	return nil
}

// ListVisibleSeenBefore returns VISIBLE projects of exchange last seen before cutoff.
func (s *ProjectStore) ListVisibleSeenBefore(
	ctx context.Context,
	exchange domain.Exchange,
	cutoff time.Time,
) ([]*observation.Project, error) {
	query := `SELECT ` + projectColumns + ` FROM projects
WHERE exchange = $1 AND last_visibility = $2 AND last_seen < $3
ORDER BY external_id`
	rows, err := s.db.Query(ctx, query, string(exchange), string(domain.VisibilityVisible), cutoff)
	if err != nil {
		return nil, fmt.Errorf("list stale projects: %w", err)
	}
	defer rows.Close()

	out := make([]*observation.Project, 0)
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate projects: %w", err)
	}
	return out, nil
}

func scanProject(row pgx.Row) (*observation.Project, error) {
	var (
		p           observation.Project
		exchange    string
		visibility  string
		minCopyCost *string
	)
	err := row.Scan(
		&exchange, &p.Key.ExternalID, &p.Name, &p.BaseCurrency, &visibility, &p.FirstSeen,
		&p.LastSeen, &minCopyCost, &p.Status, &p.Extra,
	)
	if err != nil {
		return nil, err
	}
	p.Key.Exchange = domain.Exchange(exchange)
	p.LastVisibility = domain.Visibility(visibility)
	p.FirstSeen = p.FirstSeen.UTC()
	p.LastSeen = p.LastSeen.UTC()
	if p.MinCopyCost, err = parseNumeric("min_copy_cost", minCopyCost); err != nil {
		return nil, err
	}
	return &p, nil
}

const tombstoneColumns = `id, exchange, external_id, from_ts, to_ts, reason_code, reason_msg, detector`

// TombstoneStore persists project_tombstones. A partial unique index on
// (exchange, external_id) WHERE to_ts IS NULL keeps at most one open row.
type TombstoneStore struct {
	db DB
}

var _ store.TombstoneRepository = (*TombstoneStore)(nil)

// NewTombstoneStore constructs a TombstoneStore over db.
func NewTombstoneStore(db DB) *TombstoneStore {
	return &TombstoneStore{db: db}
}

// Open inserts ts and assigns its ID.
func (s *TombstoneStore) Open(ctx context.Context, ts *observation.Tombstone) error {
	if !ts.IsOpen() {
		return domain.Invalid("open tombstone", "tombstone for %s is already closed", ts.ProjectKey)
	}
	query := `
INSERT INTO project_tombstones (exchange, external_id, from_ts, reason_code, reason_msg, detector)
VALUES ($1,$2,$3,$4,$5,$6)
RETURNING id`
	err := s.db.QueryRow(ctx, query,
		string(ts.ProjectKey.Exchange), ts.ProjectKey.ExternalID, ts.FromTs,
		ts.ReasonCode, ts.ReasonMsg, ts.Detector,
	).Scan(&ts.ID)
	if err != nil {
		if isDuplicateKeyError(err) {
			return fmt.Errorf("open tombstone for %s: %w", ts.ProjectKey, store.ErrDuplicateKey)
		}
		return fmt.Errorf("insert tombstone: %w", err)
	}
	return nil
}

// FindOpen returns the open tombstone of key.
func (s *TombstoneStore) FindOpen(ctx context.Context, key domain.ProjectKey) (*observation.Tombstone, error) {
	query := `SELECT ` + tombstoneColumns + ` FROM project_tombstones
WHERE exchange = $1 AND external_id = $2 AND to_ts IS NULL`
	ts, err := scanTombstone(s.db.QueryRow(ctx, query, string(key.Exchange), key.ExternalID))
	if err != nil {
		if isNotFoundError(err) {
			return nil, fmt.Errorf("open tombstone for %s: %w", key, store.ErrNotFound)
		}
		return nil, fmt.Errorf("find open tombstone: %w", err)
	}
	return ts, nil
}

// Close stores ToTs on the still-open row ts.ID.
func (s *TombstoneStore) Close(ctx context.Context, ts *observation.Tombstone) error {
	if ts.ToTs == nil {
		return domain.Invalid("close tombstone", "to ts is required")
	}
	tag, err := s.db.Exec(ctx,
		`UPDATE project_tombstones SET to_ts = $2 WHERE id = $1 AND to_ts IS NULL`,
		ts.ID, *ts.ToTs,
	)
	if err != nil {
		return fmt.Errorf("close tombstone: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("open tombstone %d for %s: %w", ts.ID, ts.ProjectKey, store.ErrNotFound)
	}
	return nil
}

// List returns every tombstone of key ordered by from_ts.
func (s *TombstoneStore) List(ctx context.Context, key domain.ProjectKey) ([]*observation.Tombstone, error) {
	query := `SELECT ` + tombstoneColumns + ` FROM project_tombstones
WHERE exchange = $1 AND external_id = $2
ORDER BY from_ts`
	rows, err := s.db.Query(ctx, query, string(key.Exchange), key.ExternalID)
	if err != nil {
		return nil, fmt.Errorf("list tombstones: %w", err)
	}
	defer rows.Close()

	out := make([]*observation.Tombstone, 0)
	for rows.Next() {
		ts, err := scanTombstone(rows)
		if err != nil {
			return nil, fmt.Errorf("scan tombstone: %w", err)
		}
		out = append(out, ts)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tombstones: %w", err)
	}
	return out, nil
}

func scanTombstone(row pgx.Row) (*observation.Tombstone, error) {
	var (
		ts       observation.Tombstone
		exchange string
	)
	err := row.Scan(&ts.ID, &exchange, &ts.ProjectKey.ExternalID, &ts.FromTs, &ts.ToTs,
		&ts.ReasonCode, &ts.ReasonMsg, &ts.Detector)
	if err != nil {
		return nil, err
	}
	ts.ProjectKey.Exchange = domain.Exchange(exchange)
	ts.FromTs = ts.FromTs.UTC()
	ts.ToTs = utcPtr(ts.ToTs)
	return &ts, nil
}
