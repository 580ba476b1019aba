// Package system provides the wall clock used outside tests.
package system

import (
	"time"

	"github.com/smartfollow/harvester/internal/crawler"
)

var _ crawler.Clock = Clock{}

// Clock reads the wall clock in UTC at millisecond precision, the precision
// crawl logs, snapshots and trades are stored at.
type Clock struct{}

// New returns a Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current UTC time truncated to the millisecond.
func (Clock) Now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}
