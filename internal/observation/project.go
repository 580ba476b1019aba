// Package observation models what the harvester has seen of lead projects:
// the mutable project record, tombstoned invisibility intervals and the
// deduplicated snapshot time series.
package observation

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/smartfollow/harvester/internal/domain"
)

// Project is the current view of one lead project.
type Project struct {
	Key            domain.ProjectKey `json:"key"`
	Name           string            `json:"name"`
	BaseCurrency   string            `json:"base_currency"`
	LastVisibility domain.Visibility `json:"last_visibility"`
	FirstSeen      time.Time         `json:"first_seen"`
	LastSeen       time.Time         `json:"last_seen"`
	MinCopyCost    *decimal.Decimal  `json:"min_copy_cost,omitempty"`
	Status         string            `json:"status,omitempty"`
	Extra          string            `json:"extra,omitempty"`
}

// NewProjectFromBrief creates a VISIBLE project on first sighting.
func NewProjectFromBrief(key domain.ProjectKey, brief ProjectBrief, now time.Time) (*Project, error) {
	const op = "new project"
	if key.IsZero() {
		return nil, domain.Invalid(op, "project key is required")
	}
	if domain.IsBlank(brief.ExternalID) {
		return nil, domain.Invalid(op, "brief external id must not be blank")
	}
	name := brief.Name
	if domain.IsBlank(name) {
		name = key.ExternalID
	}
	ccy := domain.DefaultCurrency
	if !domain.IsBlank(brief.BaseCurrency) {
		ccy = strings.ToUpper(brief.BaseCurrency)
	}
	at := now.UTC()
	return &Project{
		Key:            key,
		Name:           name,
		BaseCurrency:   ccy,
		LastVisibility: domain.VisibilityVisible,
		FirstSeen:      at,
		LastSeen:       at,
		Extra:          brief.RawJSON,
	}, nil
}

// ProjectID renders the key as EXCHANGE:externalId.
func (p *Project) ProjectID() string {
	return p.Key.String()
}

// Clone returns a deep copy.
func (p *Project) Clone() *Project {
	cp := *p
	if p.MinCopyCost != nil {
		v := *p.MinCopyCost
		cp.MinCopyCost = &v
	}
	return &cp
}

// ApplyBrief merges the non-blank fields of a later sighting and marks the project VISIBLE.
func (p *Project) ApplyBrief(brief ProjectBrief, now time.Time) {
	p.LastVisibility = domain.VisibilityVisible
	if !domain.IsBlank(brief.Name) {
		p.Name = brief.Name
	}
	if !domain.IsBlank(brief.BaseCurrency) {
		p.BaseCurrency = strings.ToUpper(brief.BaseCurrency)
	}
	p.LastSeen = latest(p.LastSeen, now)
	if !domain.IsBlank(brief.RawJSON) {
		p.Extra = brief.RawJSON
	}
}

// ApplyDetail merges detail-page fields. A negative minCopyCost is rejected
// before anything changes.
func (p *Project) ApplyDetail(minCopyCost *decimal.Decimal, status, extraJSON string) error {
	if minCopyCost != nil {
		if minCopyCost.IsNegative() {
			return domain.Invalid("apply detail", "min copy cost must be >= 0, got %s", minCopyCost.String())
		}
		v := *minCopyCost
		p.MinCopyCost = &v
	}
	if !domain.IsBlank(status) {
		p.Status = status
	}
	if !domain.IsBlank(extraJSON) {
		p.Extra = extraJSON
	}
	return nil
}

// MarkMissing records that the project was not observed. LastSeen keeps the
// last confirmed-visible time.
func (p *Project) MarkMissing() {
	p.LastVisibility = domain.VisibilityMissing
}

// MarkHidden records that the source actively refused the project.
func (p *Project) MarkHidden() {
	p.LastVisibility = domain.VisibilityHidden
}

// RestoreVisible marks the project VISIBLE again and advances LastSeen.
func (p *Project) RestoreVisible(now time.Time) {
	p.LastVisibility = domain.VisibilityVisible
	p.LastSeen = latest(p.LastSeen, now)
}

// Rename replaces the display name.
func (p *Project) Rename(name string) error {
	if domain.IsBlank(name) {
		return domain.Invalid("rename", "name must not be blank")
	}
	p.Name = name
	return nil
}

// ChangeBaseCurrency replaces the upper-cased base currency.
func (p *Project) ChangeBaseCurrency(ccy string) error {
	if domain.IsBlank(ccy) {
		return domain.Invalid("change base currency", "currency must not be blank")
	}
	p.BaseCurrency = strings.ToUpper(ccy)
	return nil
}

func latest(prev, now time.Time) time.Time {
	now = now.UTC()
	if prev.IsZero() || now.After(prev) {
		return now
	}
	return prev
}
