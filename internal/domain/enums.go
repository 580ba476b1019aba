package domain

import "strings"

// Exchange identifies the venue a project lives on.
type Exchange string

// Supported exchanges.
const (
	ExchangeOKX     Exchange = "OKX"
	ExchangeBinance Exchange = "BINANCE"
)

// ParseExchange parses a case-insensitive exchange name.
func ParseExchange(s string) (Exchange, error) {
	switch normalizeTag(s) {
	case "":
		return "", Invalid("parse exchange", "exchange must not be blank")
	case string(ExchangeOKX):
		return ExchangeOKX, nil
	case string(ExchangeBinance):
		return ExchangeBinance, nil
	default:
		return "", Invalid("parse exchange", "unknown exchange %q", s)
	}
}

// Visibility is the last observed visibility of a project.
type Visibility string

// Visibility values.
const (
	VisibilityVisible Visibility = "VISIBLE"
	VisibilityMissing Visibility = "MISSING"
	VisibilityHidden  Visibility = "HIDDEN"
)

// ParseVisibility trims and upper-cases s before matching it.
func ParseVisibility(s string) (Visibility, error) {
	switch normalizeTag(s) {
	case "":
		return "", Invalid("parse visibility", "visibility must not be blank")
	case string(VisibilityVisible):
		return VisibilityVisible, nil
	case string(VisibilityMissing):
		return VisibilityMissing, nil
	case string(VisibilityHidden):
		return VisibilityHidden, nil
	default:
		return "", Invalid("parse visibility", "unknown visibility %q", s)
	}
}

// IsVisible reports whether v is VISIBLE.
func IsVisible(v Visibility) bool {
	return v == VisibilityVisible
}

// TradeSide is the direction of a trade.
type TradeSide string

// Trade sides.
const (
	SideBuy   TradeSide = "BUY"
	SideSell  TradeSide = "SELL"
	SideLong  TradeSide = "LONG"
	SideShort TradeSide = "SHORT"
)

// ParseTradeSide parses a case-insensitive trade side.
func ParseTradeSide(s string) (TradeSide, error) {
	v := TradeSide(normalizeTag(s))
	switch v {
	case SideBuy, SideSell, SideLong, SideShort:
		return v, nil
	case "":
		return "", Invalid("parse trade side", "side must not be blank")
	default:
		return "", Invalid("parse trade side", "unknown side %q", s)
	}
}

// TradeStatus is the lifecycle state of a position round-trip.
type TradeStatus string

// Trade statuses.
const (
	TradeOpen            TradeStatus = "OPEN"
	TradePartiallyClosed TradeStatus = "PARTIALLY_CLOSED"
	TradeClosed          TradeStatus = "CLOSED"
	TradeCanceled        TradeStatus = "CANCELED"
)

// ParseTradeStatus parses a case-insensitive trade status.
func ParseTradeStatus(s string) (TradeStatus, error) {
	v := TradeStatus(normalizeTag(s))
	switch v {
	case TradeOpen, TradePartiallyClosed, TradeClosed, TradeCanceled:
		return v, nil
	case "":
		return "", Invalid("parse trade status", "status must not be blank")
	default:
		return "", Invalid("parse trade status", "unknown status %q", s)
	}
}

// OrderType is the order kind that opened a trade.
type OrderType string

// Order types.
const (
	OrderMarket   OrderType = "MARKET"
	OrderLimit    OrderType = "LIMIT"
	OrderPostOnly OrderType = "POST_ONLY"
	OrderFOK      OrderType = "FOK"
	OrderIOC      OrderType = "IOC"
)

// ParseOrderType parses a case-insensitive order type.
func ParseOrderType(s string) (OrderType, error) {
	v := OrderType(normalizeTag(s))
	switch v {
	case OrderMarket, OrderLimit, OrderPostOnly, OrderFOK, OrderIOC:
		return v, nil
	case "":
		return "", Invalid("parse order type", "order type must not be blank")
	default:
		return "", Invalid("parse order type", "unknown order type %q", s)
	}
}

// SnapshotSource tells where a snapshot came from.
type SnapshotSource string

// Snapshot sources.
const (
	SourceOKXRank   SnapshotSource = "OKX_RANK"
	SourceOKXDetail SnapshotSource = "OKX_DETAIL"
	SourceComputed  SnapshotSource = "COMPUTED"
)

// ParseSnapshotSource parses a case-insensitive snapshot source.
func ParseSnapshotSource(s string) (SnapshotSource, error) {
	v := SnapshotSource(normalizeTag(s))
	switch v {
	case SourceOKXRank, SourceOKXDetail, SourceComputed:
		return v, nil
	case "":
		return "", Invalid("parse snapshot source", "source must not be blank")
	default:
		return "", Invalid("parse snapshot source", "unknown source %q", s)
	}
}

func normalizeTag(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}
