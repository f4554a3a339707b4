// Package core defines the shared types and interfaces of the trading daemon
package core

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// FillHandler consumes broker fill callbacks. Handlers are invoked
// under a recover harness; a panic in one never suppresses the others.
type FillHandler func(fill *Fill)

// IBroker defines the interface to the brokerage gateway.
type IBroker interface {
	PlaceOrder(ctx context.Context, req *OrderRequest) (string, error)
	CancelOrder(ctx context.Context, orderID string) (bool, error)
	QueryOrder(ctx context.Context, orderID string) (*OrderDetail, error)
	QueryPositions(ctx context.Context) ([]*BrokerPosition, error)
	QueryAccount(ctx context.Context) (*AccountInfo, error)
	RegisterFillHandler(name string, handler FillHandler)
	Start(ctx context.Context) error
	Stop() error
	CheckHealth(ctx context.Context) error
}

// IMarketData defines the interface to the quote provider.
type IMarketData interface {
	GetLatestTick(ctx context.Context, stockCode string) (*Tick, error)
	GetDailyBars(ctx context.Context, stockCode string, days int) ([]DailyBar, error)
	CheckHealth(ctx context.Context) error
}

// IStateStore defines the durable state store backing all components.
type IStateStore interface {
	UpsertPosition(ctx context.Context, p *Position) error
	GetPosition(ctx context.Context, stockCode string) (*Position, error)
	DeletePosition(ctx context.Context, stockCode string) error
	ListPositions(ctx context.Context) ([]*Position, error)
	UpdateBrokerFields(ctx context.Context, stockCode string, volume, available int64, cost decimal.Decimal) error
	UpdateMarketFields(ctx context.Context, stockCode string, current, highest decimal.Decimal) error
	MarkBreakout(ctx context.Context, stockCode string, breakoutHighest decimal.Decimal) error
	SetStopLossPrice(ctx context.Context, stockCode string, price decimal.Decimal) error
	SetBuyTierFilled(ctx context.Context, stockCode string, tier int) error
	AdjustAvailable(ctx context.Context, stockCode string, delta int64) error
	ApplyFill(ctx context.Context, commit *FillCommit) error

	CreateGridSession(ctx context.Context, s *GridSession) (int64, error)
	GetGridSession(ctx context.Context, id int64) (*GridSession, error)
	UpdateGridSession(ctx context.Context, id int64, fields map[string]interface{}) error
	StopGridSession(ctx context.Context, id int64, reason StopReason) (StopReason, error)
	ListActiveGridSessions(ctx context.Context) ([]*GridSession, error)
	RecordGridTrade(ctx context.Context, t *GridTrade) (int64, error)
	ListGridTrades(ctx context.Context, sessionID int64) ([]*GridTrade, error)

	RecordUserTrade(ctx context.Context, r *TradeRecord) error
	ListUserTrades(ctx context.Context, limit int) ([]*TradeRecord, error)
	DataVersion() int64
	Close() error
}

// GridSessionRequest carries the user parameters for starting a session.
type GridSessionRequest struct {
	StockCode     string
	CenterPrice   decimal.Decimal
	PriceInterval decimal.Decimal
	CallbackRatio decimal.Decimal
	PositionRatio decimal.Decimal
	MaxInvestment decimal.Decimal
	MaxDeviation  decimal.Decimal
	TargetProfit  decimal.Decimal
	StopLoss      decimal.Decimal
	DurationDays  int
}

// IGridManager owns the grid-session lifecycle and signal generation.
type IGridManager interface {
	StartSession(ctx context.Context, req *GridSessionRequest) (*GridSession, error)
	StopSession(ctx context.Context, sessionID int64, reason StopReason) error
	CheckGridSignals(ctx context.Context, stockCode string, price decimal.Decimal, brokerVolume int64) (*Signal, error)
	ExecuteGridTrade(ctx context.Context, sig *Signal) (bool, error)
	OnGridFill(ctx context.Context, sig *Signal, fill *Fill) error
	Recover(ctx context.Context) error
	ActiveSessions() []*GridSession
	HasActiveSession(stockCode string) bool
}

// IOrderManager tracks in-flight sells and consumes fill callbacks.
type IOrderManager interface {
	SubmitSell(ctx context.Context, sig *Signal) (string, error)
	SubmitBuy(ctx context.Context, sig *Signal) (string, error)
	OnFill(fill *Fill)
	PendingOrder(stockCode string) (*PendingSellOrder, bool)
	PendingOrders() map[string]*PendingSellOrder
	Start(ctx context.Context) error
	Stop() error
	CheckHealth() error
}

// IMarketDataBreaker is the failure-window circuit breaker guarding
// signal generation against a flapping quote source.
type IMarketDataBreaker interface {
	Allow() bool
	RecordFailure()
	RecordSuccess()
	Status() BreakerStatus
}

// BreakerStatus is the observable state of the market-data breaker.
type BreakerStatus struct {
	State             string        `json:"state"`
	Failures          int           `json:"failures"`
	RemainingCooldown time.Duration `json:"remaining_cooldown"`
	TrippedAt         time.Time     `json:"tripped_at,omitempty"`
}

// IReconciler periodically aligns stored positions with broker holdings.
type IReconciler interface {
	Start(ctx context.Context) error
	Stop() error
	Reconcile(ctx context.Context) error
	Status() ReconcileStatus
}

// ReconcileStatus is the last reconciliation outcome.
type ReconcileStatus struct {
	LastRun time.Time `json:"last_run"`
	Synced  int       `json:"synced"`
	Created int       `json:"created"`
	Removed int       `json:"removed"`
	Error   string    `json:"error,omitempty"`
}

// IHealthMonitor aggregates component health checks.
type IHealthMonitor interface {
	Register(component string, check func() error)
	GetStatus() map[string]string
	IsHealthy() bool
}

// IAlerter sends operator notifications.
type IAlerter interface {
	Alert(ctx context.Context, title, message string, level AlertLevel, fields map[string]string)
}

// AlertLevel is the severity of an alert.
type AlertLevel string

const (
	AlertInfo     AlertLevel = "INFO"
	AlertWarning  AlertLevel = "WARNING"
	AlertError    AlertLevel = "ERROR"
	AlertCritical AlertLevel = "CRITICAL"
)

// ILogger defines the interface for logging
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}
