package crawler

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/smartfollow/harvester/internal/domain"
)

// FetchRequest is one outbound call for a task page.
type FetchRequest struct {
	TaskID   int64
	Exchange domain.Exchange
	Method   string
	// URL is absolute; Target is the path plus canonical query used as the log target.
	URL     string
	Target  string
	Headers http.Header
	// Signed asks the fetcher to attach exchange credentials.
	Signed bool
	// Conditional validators copied from the last successful fetch of Target.
	IfNoneMatch     string
	IfModifiedSince string
}

// FetchResponse is the outcome the core consumes from a fetch.
type FetchResponse struct {
	URL             string
	StatusCode      int
	Headers         http.Header
	Body            []byte
	ETag            string
	LastModifiedRaw string
	LastModifiedAt  *time.Time
	ContentLength   *int64
	StartedAt       time.Time
	FinishedAt      time.Time
}

// PageResult is what a handler learned from one page.
type PageResult struct {
	// TotalPage is the page count reported by the source; negative means unknown.
	TotalPage int
	// DataVer is the data generation the page was served at, if any.
	DataVer string
	// Items is the number of records on the page.
	Items int
}

// CanonicalParams renders params as key-sorted JSON without blank values or
// the volatile keys, and returns it with its SHA-256 hex digest.
func CanonicalParams(params map[string]string, volatile ...string) (string, string, error) {
	skip := make(map[string]struct{}, len(volatile))
	for _, k := range volatile {
		skip[k] = struct{}{}
	}
	clean := make(map[string]string, len(params))
	for k, v := range params {
		if _, ok := skip[k]; ok {
			continue
		}
		if strings.TrimSpace(v) == "" {
			continue
		}
		clean[k] = strings.TrimSpace(v)
	}
	raw, err := json.Marshal(clean)
	if err != nil {
		return "", "", fmt.Errorf("marshal params: %w", err)
	}
	sum := sha256.Sum256(raw)
	return string(raw), hex.EncodeToString(sum[:]), nil
}

// DecodeParams parses a task's params JSON.
func DecodeParams(paramsJSON string) (map[string]string, error) {
	out := map[string]string{}
	if strings.TrimSpace(paramsJSON) == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(paramsJSON), &out); err != nil {
		return nil, domain.Invalid("decode params", "params json: %v", err)
	}
	return out, nil
}

// ArchivePath is the content-addressed blob path of a raw page body.
// Re-archiving identical bytes for the same page yields the same path.
func ArchivePath(task *Task, page int, contentHash string) string {
	return fmt.Sprintf("raw/%s/%s/%s/task-%d/page-%d/%s.json",
		strings.ToLower(string(task.Key.Exchange)), strings.ToLower(task.Key.APIName),
		task.Key.WindowKey, task.ID, page, contentHash)
}
