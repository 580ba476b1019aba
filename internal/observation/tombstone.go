package observation

import (
	"time"

	"github.com/smartfollow/harvester/internal/domain"
)

// Default tombstone attribution.
const (
	ReasonUnknown       = "UNKNOWN"
	DetectorObservation = "OBSERVATION"
	DetectorRankGap     = "RANK_GAP"
	DetectorDetail4xx   = "DETAIL_4XX"
)

// Tombstone is one interval during which a project was not visible.
// At most one tombstone per project may be open; the tombstone store enforces it.
type Tombstone struct {
	ID         int64             `json:"id,omitempty"`
	ProjectKey domain.ProjectKey `json:"project_key"`
	FromTs     time.Time         `json:"from_ts"`
	ToTs       *time.Time        `json:"to_ts,omitempty"`
	ReasonCode string            `json:"reason_code"`
	ReasonMsg  string            `json:"reason_msg,omitempty"`
	Detector   string            `json:"detector"`
}

// OpenTombstone starts an interval at fromTs. Blank reason and detector fall back to defaults.
func OpenTombstone(key domain.ProjectKey, fromTs time.Time, reasonCode, reasonMsg, detector string) (*Tombstone, error) {
	const op = "open tombstone"
	if key.IsZero() {
		return nil, domain.Invalid(op, "project key is required")
	}
	if fromTs.IsZero() {
		return nil, domain.Invalid(op, "from ts is required")
	}
	if domain.IsBlank(reasonCode) {
		reasonCode = ReasonUnknown
	}
	if domain.IsBlank(detector) {
		detector = DetectorObservation
	}
	return &Tombstone{
		ProjectKey: key,
		FromTs:     fromTs.UTC(),
		ReasonCode: reasonCode,
		ReasonMsg:  reasonMsg,
		Detector:   detector,
	}, nil
}

// IsOpen reports whether the interval has not been closed yet.
func (t *Tombstone) IsOpen() bool {
	return t.ToTs == nil
}

// Close ends the interval at toTs, which must be after FromTs.
func (t *Tombstone) Close(toTs time.Time) error {
	const op = "close tombstone"
	if toTs.IsZero() {
		return domain.Invalid(op, "to ts is required")
	}
	if !t.IsOpen() {
		return domain.Conflict(op, "tombstone for %s already closed at %s", t.ProjectKey, t.ToTs.Format(time.RFC3339))
	}
	if !toTs.After(t.FromTs) {
		return domain.Conflict(op, "to ts %s must be after from ts %s", toTs.Format(time.RFC3339Nano), t.FromTs.Format(time.RFC3339Nano))
	}
	at := toTs.UTC()
	t.ToTs = &at
	return nil
}

// Duration returns the interval length, or the time elapsed until now while open.
func (t *Tombstone) Duration(now time.Time) time.Duration {
	end := now
	if t.ToTs != nil {
		end = *t.ToTs
	}
	if end.Before(t.FromTs) {
		return 0
	}
	return end.Sub(t.FromTs)
}

// Clone returns a deep copy.
func (t *Tombstone) Clone() *Tombstone {
	cp := *t
	if t.ToTs != nil {
		at := *t.ToTs
		cp.ToTs = &at
	}
	return &cp
}
