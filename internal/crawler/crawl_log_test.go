package crawler

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/smartfollow/harvester/internal/domain"
)

func successParams(status int) SuccessParams {
	return SuccessParams{
		LogRequest: LogRequest{
			TaskID:   7,
			Exchange: domain.ExchangeOKX,
			Target:   "/api/v5/copytrading/public-lead-traders?page=1",
			Method:   "GET",
		},
		StartedAt:  t0,
		FinishedAt: t0.Add(150 * time.Millisecond),
		StatusCode: status,
	}
}

func TestNewSuccessLogClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status      int
		success     bool
		notModified bool
	}{
		{status: 200, success: true},
		{status: 204, success: true},
		{status: 304, success: true, notModified: true},
		{status: 500},
		{status: 404},
	}
	for _, tt := range tests {
		log, err := NewSuccessLog(successParams(tt.status))
		require.NoError(t, err)
		require.Equal(t, tt.success, log.Success, "status %d", tt.status)
		require.Equal(t, tt.notModified, log.NotModified, "status %d", tt.status)
	}
}

func TestNewSuccessLogValidation(t *testing.T) {
	t.Parallel()

	p := successParams(200)
	p.StartedAt = time.Time{}
	_, err := NewSuccessLog(p)
	require.ErrorIs(t, err, domain.ErrValidation)

	p = successParams(200)
	p.FinishedAt = time.Time{}
	_, err = NewSuccessLog(p)
	require.ErrorIs(t, err, domain.ErrValidation)

	p = successParams(0)
	_, err = NewSuccessLog(p)
	require.ErrorIs(t, err, domain.ErrValidation)

	p = successParams(200)
	n := int64(-1)
	p.ContentLength = &n
	_, err = NewSuccessLog(p)
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestNewFailureLog(t *testing.T) {
	t.Parallel()

	log, err := NewFailureLog(FailureParams{
		LogRequest: successParams(500).LogRequest,
		StartedAt:  t0,
		FinishedAt: t0.Add(time.Second),
		StatusCode: 500,
		ErrorMsg:   "upstream 500",
	})
	require.NoError(t, err)
	require.False(t, log.Success)
	require.False(t, log.NotModified)
	require.Equal(t, "upstream 500", log.ErrorMsg)
	require.Equal(t, int64(1000), log.DurationMs())

	_, err = NewFailureLog(FailureParams{StartedAt: t0, StatusCode: StatusNoResponse})
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestDurationMs(t *testing.T) {
	t.Parallel()

	log := &CrawlLog{StartedAt: t0, FinishedAt: t0.Add(-time.Second)}
	require.Zero(t, log.DurationMs())
	log = &CrawlLog{StartedAt: t0}
	require.Equal(t, int64(-1), log.DurationMs())
}

func TestNotModifiedBy(t *testing.T) {
	t.Parallel()

	lm := t0.Add(-time.Hour)
	log := &CrawlLog{ETag: "abc", LastModifiedAt: &lm}
	require.True(t, log.NotModifiedBy("abc", nil))
	same := lm.In(time.FixedZone("X", 7200))
	require.True(t, log.NotModifiedBy("other", &same))
	other := lm.Add(time.Second)
	require.False(t, log.NotModifiedBy("other", &other))
	require.False(t, (&CrawlLog{}).NotModifiedBy("", nil))
}

func TestSameContentAs(t *testing.T) {
	t.Parallel()

	build := func(etag, hash string, lm *time.Time) *CrawlLog {
		p := successParams(200)
		p.ETag = etag
		p.ContentHash = hash
		p.LastModifiedAt = lm
		log, err := NewSuccessLog(p)
		require.NoError(t, err)
		return log
	}
	lm1 := t0.Add(-time.Hour)
	lm2 := t0.Add(-2 * time.Hour)

	require.True(t, build("abc", "h1", nil).SameContentAs(build("abc", "h2", nil)), "etag wins over hash")
	require.True(t, build("e1", "deadbeef", &lm1).SameContentAs(build("e2", "deadbeef", &lm2)), "hash fallback")
	require.True(t, build("e1", "h1", &lm1).SameContentAs(build("e2", "h2", &lm1)), "last modified match")
	require.False(t, build("e1", "h1", nil).SameContentAs(build("e2", "h2", nil)))

	other := build("abc", "h1", nil)
	other.Target = "/other"
	require.False(t, build("abc", "h1", nil).SameContentAs(other), "target differs")

	failed := build("abc", "h1", nil)
	failed.Success = false
	require.False(t, build("abc", "h1", nil).SameContentAs(failed))
	require.False(t, build("abc", "h1", nil).SameContentAs(nil))
}

func TestCanonicalParams(t *testing.T) {
	t.Parallel()

	raw1, hash1, err := CanonicalParams(map[string]string{
		"sortType": "overview",
		"instType": "SWAP",
		"page":     "3",
		"minAum":   " ",
	}, "page")
	require.NoError(t, err)
	require.Equal(t, `{"instType":"SWAP","sortType":"overview"}`, raw1)
	require.Len(t, hash1, 64)

	raw2, hash2, err := CanonicalParams(map[string]string{"instType": "SWAP", "sortType": "overview", "page": "9"}, "page")
	require.NoError(t, err)
	require.Equal(t, raw1, raw2)
	require.Equal(t, hash1, hash2)

	decoded, err := DecodeParams(raw1)
	require.NoError(t, err)
	require.Equal(t, "SWAP", decoded["instType"])

	_, err = DecodeParams("{")
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestRetryPolicy(t *testing.T) {
	t.Parallel()

	p := NewExponentialRetryPolicy(3, 10*time.Millisecond, 40*time.Millisecond)
	transient := &net.OpError{Op: "dial", Err: errors.New("refused")}
	require.True(t, p.ShouldRetry(transient, 1))
	require.False(t, p.ShouldRetry(transient, 3))
	require.False(t, p.ShouldRetry(nil, 0))
	require.False(t, p.ShouldRetry(context.Canceled, 0))
	require.False(t, p.ShouldRetry(errors.Join(ErrPermanent, errors.New("404")), 0))

	for attempt := 0; attempt < 6; attempt++ {
		d := p.Backoff(attempt)
		require.GreaterOrEqual(t, d, time.Duration(0))
		require.LessOrEqual(t, d, 40*time.Millisecond)
	}
	require.True(t, IsRetryableStatus(429))
	require.True(t, IsRetryableStatus(503))
	require.False(t, IsRetryableStatus(404))
}

func TestArchivePath(t *testing.T) {
	t.Parallel()

	task := &Task{ID: 7, Key: TaskKey{
		Exchange: domain.ExchangeOKX, APIName: "COPYTRADING_PUBLIC_STATS",
		ParamsHash: "p", WindowKey: "202509071200",
	}}
	require.Equal(t,
		"raw/okx/copytrading_public_stats/202509071200/task-7/page-2/abc.json",
		ArchivePath(task, 2, "abc"))
}
