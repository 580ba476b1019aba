package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/smartfollow/harvester/internal/crawler"
	"github.com/smartfollow/harvester/internal/domain"
	"github.com/smartfollow/harvester/internal/store"
)

const logColumns = `id, task_id, exchange, target, method, request_params_json, params_hash,
	started_at, finished_at, status_code, success, not_modified, content_length, etag,
	last_modified_raw, last_modified_at, content_hash, error_msg`

// LogStore appends to the crawl_logs table.
type LogStore struct {
	db DB
}

var _ store.LogRepository = (*LogStore)(nil)

// NewLogStore constructs a LogStore over db.
func NewLogStore(db DB) *LogStore {
	return &LogStore{db: db}
}

// Append inserts log. The ID must be assigned by the caller.
func (s *LogStore) Append(ctx context.Context, log *crawler.CrawlLog) error {
	if log.ID == "" {
		return fmt.Errorf("crawl log id is required")
	}
	query := `
INSERT INTO crawl_logs (` + logColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`
	_, err := s.db.Exec(ctx, query,
		log.ID, log.TaskID, string(log.Exchange), log.Target, log.Method, log.RequestParamsJSON,
		log.ParamsHash, log.StartedAt, log.FinishedAt, log.StatusCode, log.Success, log.NotModified,
		log.ContentLength, log.ETag, log.LastModifiedRaw, log.LastModifiedAt, log.ContentHash,
		log.ErrorMsg,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return fmt.Errorf("crawl log %s: %w", log.ID, store.ErrDuplicateKey)
		}
		return fmt.Errorf("insert crawl log: %w", err)
	}
	return nil
}

// LatestSuccess returns the most recently finished successful log for target.
func (s *LogStore) LatestSuccess(ctx context.Context, target string) (*crawler.CrawlLog, error) {
	query := `SELECT ` + logColumns + ` FROM crawl_logs
WHERE target = $1 AND success
ORDER BY finished_at DESC
LIMIT 1`
	log, err := scanLog(s.db.QueryRow(ctx, query, target))
	if err != nil {
		if isNotFoundError(err) {
			return nil, fmt.Errorf("latest success for %s: %w", target, store.ErrNotFound)
		}
		return nil, fmt.Errorf("latest crawl log: %w", err)
	}
	return log, nil
}

// ListByTask returns the logs of taskID ordered by start time.
func (s *LogStore) ListByTask(ctx context.Context, taskID int64, limit int) ([]*crawler.CrawlLog, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	query := `SELECT ` + logColumns + ` FROM crawl_logs
WHERE task_id = $1
ORDER BY started_at
LIMIT $2`
	rows, err := s.db.Query(ctx, query, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("list crawl logs: %w", err)
	}
	defer rows.Close()

	logs := make([]*crawler.CrawlLog, 0)
	for rows.Next() {
		log, err := scanLog(rows)
		if err != nil {
			return nil, fmt.Errorf("scan crawl log: %w", err)
		}
		logs = append(logs, log)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate crawl logs: %w", err)
	}
	return logs, nil
}

func scanLog(row pgx.Row) (*crawler.CrawlLog, error) {
	var (
		l        crawler.CrawlLog
		exchange string
	)
	err := row.Scan(
		&l.ID, &l.TaskID, &exchange, &l.Target, &l.Method, &l.RequestParamsJSON, &l.ParamsHash,
		&l.StartedAt, &l.FinishedAt, &l.StatusCode, &l.Success, &l.NotModified, &l.ContentLength,
		&l.ETag, &l.LastModifiedRaw, &l.LastModifiedAt, &l.ContentHash, &l.ErrorMsg,
	)
	if err != nil {
		return nil, err
	}
	l.Exchange = domain.Exchange(exchange)
	l.StartedAt = l.StartedAt.UTC()
	l.FinishedAt = l.FinishedAt.UTC()
	l.LastModifiedAt = utcPtr(l.LastModifiedAt)
	return &l, nil
}
