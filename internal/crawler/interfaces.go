package crawler

import (
	"context"
	"io"
	"time"
)

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Publisher pushes domain events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Fetcher performs one (optionally signed) call and returns status, validators and body.
// Transport failures are returned as errors; HTTP error statuses are not.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// Limiter blocks until a request to url may proceed.
type Limiter interface {
	Wait(ctx context.Context, url string) error
}

// PageHandler knows how to request, parse and ingest the pages of one API.
type PageHandler interface {
	// BuildRequest returns the request for page of task.
	BuildRequest(task *Task, page int) (FetchRequest, error)
	// HandlePage parses and ingests a changed page.
	HandlePage(ctx context.Context, task *Task, page int, resp FetchResponse, now time.Time) (PageResult, error)
	// Inspect reads paging metadata from an unchanged page without ingesting it.
	// A 304 response carries no body.
	Inspect(task *Task, page int, resp FetchResponse) (PageResult, error)
	// Rejected is called when the source answered with a permanent client error.
	Rejected(ctx context.Context, task *Task, resp FetchResponse, now time.Time) error
	// Complete runs once after the last page of task was processed.
	Complete(ctx context.Context, task *Task, now time.Time) error
}

// Hasher computes digests for deduplication/integrity.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces log and worker IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
