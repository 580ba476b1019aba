package okx

import (
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/smartfollow/harvester/internal/crawler"
	"github.com/smartfollow/harvester/internal/domain"
)

// Endpoint paths.
const (
	PathLeadTraders          = "/api/v5/copytrading/public-lead-traders"
	PathPublicStats          = "/api/v5/copytrading/public-stats"
	PathSubpositionsHistory  = "/api/v5/copytrading/public-subpositions-history"
	DefaultBaseURL           = "https://www.okx.com"
	defaultLeadTradersLimit  = 20
	maxLeadTradersLimit      = 20
	defaultSubpositionsLimit = 100
)

// Task API names.
const (
	APILeadTraders         = "COPYTRADING_PUBLIC_LEAD_TRADERS"
	APIPublicStats         = "COPYTRADING_PUBLIC_STATS"
	APISubpositionsHistory = "COPYTRADING_PUBLIC_SUBPOSITIONS_HISTORY"
)

// Parameter names.
const (
	ParamInstType    = "instType"
	ParamSortType    = "sortType"
	ParamState       = "state"
	ParamMinLeadDays = "minLeadDays"
	ParamMinAssets   = "minAssets"
	ParamMaxAssets   = "maxAssets"
	ParamMinAum      = "minAum"
	ParamMaxAum      = "maxAum"
	ParamDataVer     = "dataVer"
	ParamPage        = "page"
	ParamLimit       = "limit"
	ParamUniqueCode  = "uniqueCode"
	ParamLastDays    = "lastDays"
)

// volatileParams change between pages of one task and stay out of the params hash.
var volatileParams = []string{ParamDataVer, ParamPage}

// LeadTradersQuery filters the lead trader ranking.
type LeadTradersQuery struct {
	InstType    string
	SortType    string
	State       string
	MinLeadDays string
	MinAssets   string
	MaxAssets   string
	MinAum      string
	MaxAum      string
	DataVer     string
	Page        int
	Limit       int
}

// Normalize fills the defaults OKX applies when a value is omitted.
func (q LeadTradersQuery) Normalize() LeadTradersQuery {
	q.InstType = strings.ToUpper(strings.TrimSpace(q.InstType))
	if q.InstType == "" {
		q.InstType = "SWAP"
	}
	q.SortType = strings.TrimSpace(q.SortType)
	if q.SortType == "" {
		q.SortType = "overview"
	}
	q.State = strings.TrimSpace(q.State)
	if q.State == "" {
		q.State = "0"
	}
	if q.Page < 1 {
		q.Page = 1
	}
	if q.Limit < 1 || q.Limit > maxLeadTradersLimit {
		q.Limit = defaultLeadTradersLimit
	}
	return q
}

// Filtered reports whether any range filter narrows the ranking. Only an
// unfiltered crawl proves that an absent project disappeared.
func (q LeadTradersQuery) Filtered() bool {
	for _, v := range []string{q.MinLeadDays, q.MinAssets, q.MaxAssets, q.MinAum, q.MaxAum} {
		if !domain.IsBlank(v) {
			return true
		}
	}
	return false
}

// Params renders the query as a flat parameter map.
func (q LeadTradersQuery) Params() map[string]string {
	return map[string]string{
		ParamInstType:    q.InstType,
		ParamSortType:    q.SortType,
		ParamState:       q.State,
		ParamMinLeadDays: q.MinLeadDays,
		ParamMinAssets:   q.MinAssets,
		ParamMaxAssets:   q.MaxAssets,
		ParamMinAum:      q.MinAum,
		ParamMaxAum:      q.MaxAum,
		ParamDataVer:     q.DataVer,
		ParamPage:        strconv.Itoa(q.Page),
		ParamLimit:       strconv.Itoa(q.Limit),
	}
}

// LeadTradersQueryFromParams is the inverse of Params.
func LeadTradersQueryFromParams(params map[string]string) LeadTradersQuery {
	page, _ := strconv.Atoi(params[ParamPage])
	limit, _ := strconv.Atoi(params[ParamLimit])
	return LeadTradersQuery{
		InstType:    params[ParamInstType],
		SortType:    params[ParamSortType],
		State:       params[ParamState],
		MinLeadDays: params[ParamMinLeadDays],
		MinAssets:   params[ParamMinAssets],
		MaxAssets:   params[ParamMaxAssets],
		MinAum:      params[ParamMinAum],
		MaxAum:      params[ParamMaxAum],
		DataVer:     params[ParamDataVer],
		Page:        page,
		Limit:       limit,
	}.Normalize()
}

// TaskSpec is what a planner needs to create one task.
type TaskSpec struct {
	Key        crawler.TaskKey
	ParamsJSON string
}

// PlanTask builds the key and canonical params of a task for api with params
// in the window containing now.
func PlanTask(api string, params map[string]string, now time.Time, window time.Duration) (TaskSpec, error) {
	paramsJSON, paramsHash, err := crawler.CanonicalParams(params, volatileParams...)
	if err != nil {
		return TaskSpec{}, err
	}
	key := crawler.TaskKey{
		Exchange:   domain.ExchangeOKX,
		APIName:    api,
		ParamsHash: paramsHash,
		WindowKey:  WindowKey(now, window),
	}
	if err := key.Validate(); err != nil {
		return TaskSpec{}, err
	}
	return TaskSpec{Key: key, ParamsJSON: paramsJSON}, nil
}

// WindowKey floors now to window and renders it as yyyyMMddHHmm in UTC.
func WindowKey(now time.Time, window time.Duration) string {
	if window <= 0 {
		window = time.Hour
	}
	return now.UTC().Truncate(window).Format(WindowLayout)
}

// WindowLayout is the time layout of task window keys, in UTC.
const WindowLayout = "200601021504"

// WindowStart parses a window key back into the window's start.
func WindowStart(key string) (time.Time, error) {
	start, err := time.ParseInLocation(WindowLayout, key, time.UTC)
	if err != nil {
		return time.Time{}, domain.Invalid("window start", "malformed window key %q", key)
	}
	return start, nil
}

// StatsParams are the public-stats parameters for one project.
func StatsParams(instType, uniqueCode, lastDays string) map[string]string {
	if domain.IsBlank(instType) {
		instType = "SWAP"
	}
	if domain.IsBlank(lastDays) {
		lastDays = "3"
	}
	return map[string]string{
		ParamInstType:   strings.ToUpper(instType),
		ParamUniqueCode: uniqueCode,
		ParamLastDays:   lastDays,
	}
}

// SubpositionsParams are the closed-position history parameters for one project.
func SubpositionsParams(instType, uniqueCode string, limit int) map[string]string {
	if domain.IsBlank(instType) {
		instType = "SWAP"
	}
	if limit < 1 || limit > defaultSubpositionsLimit {
		limit = defaultSubpositionsLimit
	}
	return map[string]string{
		ParamInstType:   strings.ToUpper(instType),
		ParamUniqueCode: uniqueCode,
		ParamLimit:      strconv.Itoa(limit),
	}
}

// Encode renders params as a key-sorted query string without blank values.
func Encode(params map[string]string) string {
	v := url.Values{}
	for k, val := range params {
		if domain.IsBlank(val) {
			continue
		}
		v.Set(k, strings.TrimSpace(val))
	}
	return v.Encode()
}
