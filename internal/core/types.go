package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderStatus is the broker-neutral order state. Broker-native numeric
// codes are mapped to these by the gateway's status table.
type OrderStatus string

const (
	OrderSubmitted OrderStatus = "submitted"
	OrderPartial   OrderStatus = "partial"
	OrderFilled    OrderStatus = "filled"
	OrderCancelled OrderStatus = "cancelled"
	OrderRejected  OrderStatus = "rejected"
	OrderUnknown   OrderStatus = "unknown"
)

// SignalType identifies the action a signal requests.
type SignalType string

const (
	SignalStopLoss       SignalType = "stop_loss"
	SignalTakeProfitHalf SignalType = "take_profit_half"
	SignalTakeProfitFull SignalType = "take_profit_full"
	SignalAddPosition    SignalType = "add_position"
	SignalGridBuy        SignalType = "grid_buy"
	SignalGridSell       SignalType = "grid_sell"
)

// Priority ranks signal types; higher wins the per-symbol slot.
func (t SignalType) Priority() int {
	switch t {
	case SignalStopLoss:
		return 6
	case SignalTakeProfitFull:
		return 5
	case SignalTakeProfitHalf:
		return 4
	case SignalAddPosition:
		return 3
	case SignalGridSell:
		return 2
	case SignalGridBuy:
		return 1
	default:
		return 0
	}
}

// Strategy tags carried on order submissions so fills can be routed.
const (
	StrategyDynamic = "dynamic"
	StrategyGrid    = "grid"
)

// SessionStatus is the lifecycle state of a grid session.
type SessionStatus string

const (
	SessionActive  SessionStatus = "active"
	SessionStopped SessionStatus = "stopped"
)

// StopReason records why a grid session was stopped.
type StopReason string

const (
	StopReasonDeviation       StopReason = "deviation"
	StopReasonTargetProfit    StopReason = "target_profit"
	StopReasonStopLoss        StopReason = "stop_loss"
	StopReasonExpired         StopReason = "expired"
	StopReasonPositionCleared StopReason = "position_cleared"
	StopReasonManual          StopReason = "manual"
)

// Position is the durable record of one held symbol.
type Position struct {
	StockCode               string
	Volume                  int64
	Available               int64
	CostPrice               decimal.Decimal
	CurrentPrice            decimal.Decimal
	OpenDate                time.Time
	HighestPrice            decimal.Decimal
	ProfitTriggered         bool
	ProfitBreakoutTriggered bool
	BreakoutHighestPrice    decimal.Decimal
	StopLossPrice           decimal.Decimal
	BuyTiersFilled          []int
	UpdatedAt               time.Time
}

// MarketValue returns volume x current price.
func (p *Position) MarketValue() decimal.Decimal {
	return p.CurrentPrice.Mul(decimal.NewFromInt(p.Volume))
}

// ProfitRatio returns (current - cost) / cost, zero when cost is zero.
func (p *Position) ProfitRatio() decimal.Decimal {
	if p.CostPrice.IsZero() {
		return decimal.Zero
	}
	return p.CurrentPrice.Sub(p.CostPrice).Div(p.CostPrice)
}

// TierFilled reports whether a compensation-buy tier was already used.
func (p *Position) TierFilled(tier int) bool {
	for _, t := range p.BuyTiersFilled {
		if t == tier {
			return true
		}
	}
	return false
}

// GridSession is one active grid-trading engagement on one symbol.
type GridSession struct {
	ID                 int64
	StockCode          string
	Status             SessionStatus
	CenterPrice        decimal.Decimal
	CurrentCenterPrice decimal.Decimal
	PriceInterval      decimal.Decimal
	CallbackRatio      decimal.Decimal
	PositionRatio      decimal.Decimal
	MaxInvestment      decimal.Decimal
	CurrentInvestment  decimal.Decimal
	MaxDeviation       decimal.Decimal
	TargetProfit       decimal.Decimal
	StopLoss           decimal.Decimal
	TradeCount         int
	BuyCount           int
	SellCount          int
	TotalBuyAmount     decimal.Decimal
	TotalSellAmount    decimal.Decimal
	StartTime          time.Time
	EndTime            time.Time
	StopTime           *time.Time
	StopReason         StopReason
}

// ProfitRatio returns (total_sell - total_buy) / max_investment.
func (s *GridSession) ProfitRatio() decimal.Decimal {
	if s.MaxInvestment.IsZero() {
		return decimal.Zero
	}
	return s.TotalSellAmount.Sub(s.TotalBuyAmount).Div(s.MaxInvestment)
}

// UpperLevel returns current_center x (1 + interval).
func (s *GridSession) UpperLevel() decimal.Decimal {
	return s.CurrentCenterPrice.Mul(decimal.NewFromInt(1).Add(s.PriceInterval))
}

// LowerLevel returns current_center x (1 - interval).
func (s *GridSession) LowerLevel() decimal.Decimal {
	return s.CurrentCenterPrice.Mul(decimal.NewFromInt(1).Sub(s.PriceInterval))
}

// Deviation returns |current_center - center| / center.
func (s *GridSession) Deviation() decimal.Decimal {
	if s.CenterPrice.IsZero() {
		return decimal.Zero
	}
	return s.CurrentCenterPrice.Sub(s.CenterPrice).Abs().Div(s.CenterPrice)
}

// GridTrade is one row of the append-only grid fill log.
type GridTrade struct {
	ID               int64
	SessionID        int64
	StockCode        string
	TradeType        Side
	GridLevel        decimal.Decimal
	TriggerPrice     decimal.Decimal
	Volume           int64
	Amount           decimal.Decimal
	PeakPrice        decimal.Decimal
	ValleyPrice      decimal.Decimal
	CallbackRatio    decimal.Decimal
	TradeID          string
	TradeTime        time.Time
	GridCenterBefore decimal.Decimal
	GridCenterAfter  decimal.Decimal
}

// TradeRecord is one row of the append-only user-trade audit.
type TradeRecord struct {
	ID        int64
	StockCode string
	Side      Side
	Price     decimal.Decimal
	Volume    int64
	Amount    decimal.Decimal
	OrderID   string
	Strategy  string
	TradeTime time.Time
}

// Signal is the single actionable decision for one symbol on one tick.
type Signal struct {
	StockCode     string          `json:"stock_code"`
	Strategy      string          `json:"strategy"`
	Type          SignalType      `json:"type"`
	Price         decimal.Decimal `json:"price"`
	Volume        int64           `json:"volume,omitempty"`
	SellRatio     decimal.Decimal `json:"sell_ratio,omitempty"`
	CostPrice     decimal.Decimal `json:"cost_price,omitempty"`
	GridLevel     decimal.Decimal `json:"grid_level,omitempty"`
	SessionID     int64           `json:"session_id,omitempty"`
	PeakPrice     decimal.Decimal `json:"peak_price,omitempty"`
	ValleyPrice   decimal.Decimal `json:"valley_price,omitempty"`
	CallbackRatio decimal.Decimal `json:"callback_ratio,omitempty"`
	Reason        string          `json:"reason,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}

// PendingSellOrder tracks the single in-flight sell for a symbol.
type PendingSellOrder struct {
	OrderID    string
	Signal     *Signal
	Volume     int64
	Price      decimal.Decimal
	SubmitTime time.Time
}

// BookLevel is one depth level of a quote.
type BookLevel struct {
	Price  decimal.Decimal
	Volume int64
}

// Tick is the latest quote for a symbol.
type Tick struct {
	StockCode string
	Last      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Bids      []BookLevel
	Asks      []BookLevel
	Time      time.Time
}

// DailyBar is one daily OHLC bar.
type DailyBar struct {
	Date  time.Time
	Open  decimal.Decimal
	High  decimal.Decimal
	Low   decimal.Decimal
	Close decimal.Decimal
}

// Fill is the broker fill callback payload.
type Fill struct {
	OrderID      string
	StockCode    string
	Side         Side
	TradedVolume int64
	TradedPrice  decimal.Decimal
	TradedAmount decimal.Decimal
	AccountID    string
}

// OrderRequest is a broker order submission.
type OrderRequest struct {
	StockCode string
	Side      Side
	Price     decimal.Decimal
	Volume    int64
	Strategy  string
	ClientRef string
}

// OrderDetail is a broker order-status query result.
type OrderDetail struct {
	OrderID      string
	StockCode    string
	Side         Side
	Status       OrderStatus
	RawStatus    int
	Price        decimal.Decimal
	Volume       int64
	FilledVolume int64
	FilledPrice  decimal.Decimal
}

// BrokerPosition is one broker-reported holding.
type BrokerPosition struct {
	StockCode string
	Volume    int64
	Available int64
	CostPrice decimal.Decimal
}

// AccountInfo is the broker account snapshot.
type AccountInfo struct {
	AccountID   string
	Cash        decimal.Decimal
	FrozenCash  decimal.Decimal
	MarketValue decimal.Decimal
	TotalAsset  decimal.Decimal
}

// ProfitTier is one (threshold, coefficient) row of the trailing-stop table.
type ProfitTier struct {
	Threshold   decimal.Decimal
	Coefficient decimal.Decimal
}

// FillCommit is the atomic position mutation applied on a confirmed fill.
type FillCommit struct {
	StockCode          string
	Side               Side
	TradedVolume       int64
	TradedPrice        decimal.Decimal
	TradedAmount       decimal.Decimal
	OrderID            string
	Strategy           string
	SetProfitTriggered bool
	DeleteWhenFlat     bool
}
