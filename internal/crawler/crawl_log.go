package crawler

import (
	"time"

	"github.com/smartfollow/harvester/internal/domain"
)

// StatusNoResponse is the status code recorded when the transport failed
// before any HTTP response arrived.
const StatusNoResponse = 0

// CrawlLog is the append-only record of one fetch attempt.
type CrawlLog struct {
	ID                string          `json:"id"`
	TaskID            int64           `json:"task_id"`
	Exchange          domain.Exchange `json:"exchange"`
	Target            string          `json:"target"`
	Method            string          `json:"method"`
	RequestParamsJSON string          `json:"request_params_json,omitempty"`
	ParamsHash        string          `json:"params_hash,omitempty"`
	StartedAt         time.Time       `json:"started_at"`
	FinishedAt        time.Time       `json:"finished_at"`
	StatusCode        int             `json:"status_code"`
	Success           bool            `json:"success"`
	NotModified       bool            `json:"not_modified"`
	ContentLength     *int64          `json:"content_length,omitempty"`
	ETag              string          `json:"etag,omitempty"`
	LastModifiedRaw   string          `json:"last_modified_raw,omitempty"`
	LastModifiedAt    *time.Time      `json:"last_modified_at,omitempty"`
	ContentHash       string          `json:"content_hash,omitempty"`
	ErrorMsg          string          `json:"error_msg,omitempty"`
}

// LogRequest describes the request side shared by both log factories.
type LogRequest struct {
	TaskID            int64
	Exchange          domain.Exchange
	Target            string
	Method            string
	RequestParamsJSON string
	ParamsHash        string
}

// SuccessParams carries a completed HTTP exchange.
type SuccessParams struct {
	LogRequest
	StartedAt       time.Time
	FinishedAt      time.Time
	StatusCode      int
	ContentLength   *int64
	ETag            string
	LastModifiedRaw string
	LastModifiedAt  *time.Time
	ContentHash     string
}

// FailureParams carries a failed attempt.
type FailureParams struct {
	LogRequest
	StartedAt  time.Time
	FinishedAt time.Time
	StatusCode int
	ErrorMsg   string
}

// NewSuccessLog records a response. Success is 2xx or 304; NotModified is 304.
func NewSuccessLog(p SuccessParams) (*CrawlLog, error) {
	const op = "crawl log success"
	if err := validateTiming(op, p.StartedAt, p.FinishedAt); err != nil {
		return nil, err
	}
	if p.StatusCode < 100 || p.StatusCode > 599 {
		return nil, domain.Invalid(op, "status code %d is not an HTTP status", p.StatusCode)
	}
	if p.ContentLength != nil && *p.ContentLength < 0 {
		return nil, domain.Invalid(op, "content length must be >= 0, got %d", *p.ContentLength)
	}
	is2xx := p.StatusCode/100 == 2
	is304 := p.StatusCode == 304
	log := newLog(p.LogRequest, p.StartedAt, p.FinishedAt, p.StatusCode)
	log.Success = is2xx || is304
	log.NotModified = is304
	log.ContentLength = p.ContentLength
	log.ETag = p.ETag
	log.LastModifiedRaw = p.LastModifiedRaw
	if p.LastModifiedAt != nil {
		at := p.LastModifiedAt.UTC()
		log.LastModifiedAt = &at
	}
	log.ContentHash = p.ContentHash
	return log, nil
}

// NewFailureLog records an unusable attempt. Use StatusNoResponse when no
// response was received.
func NewFailureLog(p FailureParams) (*CrawlLog, error) {
	const op = "crawl log failure"
	if err := validateTiming(op, p.StartedAt, p.FinishedAt); err != nil {
		return nil, err
	}
	if p.StatusCode < 0 {
		return nil, domain.Invalid(op, "status code must be >= 0, got %d", p.StatusCode)
	}
	log := newLog(p.LogRequest, p.StartedAt, p.FinishedAt, p.StatusCode)
	log.ErrorMsg = p.ErrorMsg
	return log, nil
}

func newLog(req LogRequest, started, finished time.Time, status int) *CrawlLog {
	return &CrawlLog{
		TaskID:            req.TaskID,
		Exchange:          req.Exchange,
		Target:            req.Target,
		Method:            req.Method,
		RequestParamsJSON: req.RequestParamsJSON,
		ParamsHash:        req.ParamsHash,
		StartedAt:         started.UTC(),
		FinishedAt:        finished.UTC(),
		StatusCode:        status,
	}
}

func validateTiming(op string, started, finished time.Time) error {
	if started.IsZero() {
		return domain.Invalid(op, "started at is required")
	}
	if finished.IsZero() {
		return domain.Invalid(op, "finished at is required")
	}
	return nil
}

// DurationMs returns the attempt duration floored at 0, or -1 when a timestamp is missing.
func (l *CrawlLog) DurationMs() int64 {
	if l.StartedAt.IsZero() || l.FinishedAt.IsZero() {
		return -1
	}
	d := l.FinishedAt.UnixMilli() - l.StartedAt.UnixMilli()
	if d < 0 {
		return 0
	}
	return d
}

// NotModifiedBy reports whether the given fingerprints match this log.
func (l *CrawlLog) NotModifiedBy(etag string, lastModifiedAt *time.Time) bool {
	if l.ETag != "" && l.ETag == etag {
		return true
	}
	return sameInstant(l.LastModifiedAt, lastModifiedAt)
}

// SameContentAs reports whether this attempt fetched the same content as prev.
// ETag wins over Last-Modified, which wins over the content hash.
func (l *CrawlLog) SameContentAs(prev *CrawlLog) bool {
	if prev == nil || !l.Success || !prev.Success || l.Target != prev.Target {
		return false
	}
	if l.ETag != "" && l.ETag == prev.ETag {
		return true
	}
	if sameInstant(l.LastModifiedAt, prev.LastModifiedAt) {
		return true
	}
	return l.ContentHash != "" && l.ContentHash == prev.ContentHash
}

func sameInstant(a, b *time.Time) bool {
	return a != nil && b != nil && a.Equal(*b)
}
