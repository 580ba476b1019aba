package observation

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/smartfollow/harvester/internal/domain"
)

// ProjectBrief is one row of a rank page.
type ProjectBrief struct {
	ExternalID   string           `json:"external_id"`
	Name         string           `json:"name,omitempty"`
	BaseCurrency string           `json:"base_currency,omitempty"`
	Aum          *decimal.Decimal `json:"aum,omitempty"`
	Followers    *int             `json:"followers,omitempty"`
	WinRatio     *decimal.Decimal `json:"win_ratio,omitempty"`
	PnlRatio     *decimal.Decimal `json:"pnl_ratio,omitempty"`
	Pnl          *decimal.Decimal `json:"pnl,omitempty"`
	DataVer      string           `json:"data_ver,omitempty"`
	RawJSON      string           `json:"raw_json,omitempty"`
}

// UnknownTotalPage marks a ranking page that did not report its page count.
const UnknownTotalPage = -1

// LeadTradersPage is one parsed page of the lead trader ranking.
type LeadTradersPage struct {
	DataVer   string         `json:"data_ver"`
	TotalPage int            `json:"total_page"`
	Ranks     []ProjectBrief `json:"ranks"`
}

// GeneratedAt reads the 14-digit data version (yyyyMMddHHmmss, UTC) the
// ranking was generated at.
func (p LeadTradersPage) GeneratedAt() (time.Time, bool) {
	t, err := time.Parse("20060102150405", strings.TrimSpace(p.DataVer))
	if err != nil {
		return time.Time{}, false
	}
	return t.UTC(), true
}

// ProjectDetail carries the fields of a project detail page.
type ProjectDetail struct {
	MinCopyCost *decimal.Decimal
	Status      string
	WinRatio    *decimal.Decimal
	PnlRatio90d *decimal.Decimal
	Pnl90dUSD   *decimal.Decimal
	AumUSD      *decimal.Decimal
	Followers   *int
	RawJSON     string
}

// VisibilityChange is published whenever a project's visibility flips.
type VisibilityChange struct {
	ProjectID  string            `json:"project_id"`
	From       domain.Visibility `json:"from"`
	To         domain.Visibility `json:"to"`
	AtTs       time.Time         `json:"at_ts"`
	ReasonCode string            `json:"reason_code,omitempty"`
	ReasonMsg  string            `json:"reason_msg,omitempty"`
}

// EventType names VisibilityChange messages on the bus.
const EventType = "project.visibility_changed"

// Attributes are the message attributes subscribers filter on.
func (c VisibilityChange) Attributes() map[string]string {
	return map[string]string{
		"event_type": EventType,
		"project_id": c.ProjectID,
		"to":         string(c.To),
	}
}

// OrderingKey keeps the changes of one project in order.
func (c VisibilityChange) OrderingKey() string {
	return c.ProjectID
}
