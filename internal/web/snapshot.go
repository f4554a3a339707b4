package web

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"stock_sentinel/internal/core"
)

// positionView is the wire shape of one position row.
type positionView struct {
	StockCode       string          `json:"stock_code"`
	Volume          int64           `json:"volume"`
	Available       int64           `json:"available"`
	CostPrice       decimal.Decimal `json:"cost_price"`
	CurrentPrice    decimal.Decimal `json:"current_price"`
	HighestPrice    decimal.Decimal `json:"highest_price"`
	StopLossPrice   decimal.Decimal `json:"stop_loss_price"`
	ProfitTriggered bool            `json:"profit_triggered"`
	ProfitRatio     decimal.Decimal `json:"profit_ratio"`
	MarketValue     decimal.Decimal `json:"market_value"`
	BuyTiersFilled  []int           `json:"buy_tiers_filled,omitempty"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

func toPositionView(p *core.Position) positionView {
	return positionView{
		StockCode:       p.StockCode,
		Volume:          p.Volume,
		Available:       p.Available,
		CostPrice:       p.CostPrice,
		CurrentPrice:    p.CurrentPrice,
		HighestPrice:    p.HighestPrice,
		StopLossPrice:   p.StopLossPrice,
		ProfitTriggered: p.ProfitTriggered,
		ProfitRatio:     p.ProfitRatio(),
		MarketValue:     p.MarketValue(),
		BuyTiersFilled:  p.BuyTiersFilled,
		UpdatedAt:       p.UpdatedAt,
	}
}

// sessionView is the wire shape of one grid session.
type sessionView struct {
	ID                 int64           `json:"id"`
	StockCode          string          `json:"stock_code"`
	Status             string          `json:"status"`
	CenterPrice        decimal.Decimal `json:"center_price"`
	CurrentCenterPrice decimal.Decimal `json:"current_center_price"`
	PriceInterval      decimal.Decimal `json:"price_interval"`
	MaxInvestment      decimal.Decimal `json:"max_investment"`
	CurrentInvestment  decimal.Decimal `json:"current_investment"`
	TradeCount         int             `json:"trade_count"`
	BuyCount           int             `json:"buy_count"`
	SellCount          int             `json:"sell_count"`
	ProfitRatio        decimal.Decimal `json:"profit_ratio"`
	Deviation          decimal.Decimal `json:"deviation"`
	StartTime          time.Time       `json:"start_time"`
	EndTime            time.Time       `json:"end_time"`
}

func toSessionView(s *core.GridSession) sessionView {
	return sessionView{
		ID:                 s.ID,
		StockCode:          s.StockCode,
		Status:             string(s.Status),
		CenterPrice:        s.CenterPrice,
		CurrentCenterPrice: s.CurrentCenterPrice,
		PriceInterval:      s.PriceInterval,
		MaxInvestment:      s.MaxInvestment,
		CurrentInvestment:  s.CurrentInvestment,
		TradeCount:         s.TradeCount,
		BuyCount:           s.BuyCount,
		SellCount:          s.SellCount,
		ProfitRatio:        s.ProfitRatio(),
		Deviation:          s.Deviation(),
		StartTime:          s.StartTime,
		EndTime:            s.EndTime,
	}
}

// pendingView is the wire shape of one in-flight sell.
type pendingView struct {
	StockCode  string          `json:"stock_code"`
	OrderID    string          `json:"order_id"`
	SignalType string          `json:"signal_type"`
	Volume     int64           `json:"volume"`
	Price      decimal.Decimal `json:"price"`
	SubmitTime time.Time       `json:"submit_time"`
}

// accountView is the wire shape of the broker account snapshot.
type accountView struct {
	AccountID   string          `json:"account_id"`
	Cash        decimal.Decimal `json:"cash"`
	FrozenCash  decimal.Decimal `json:"frozen_cash"`
	MarketValue decimal.Decimal `json:"market_value"`
	TotalAsset  decimal.Decimal `json:"total_asset"`
}

// Snapshot is the aggregate dashboard payload pushed over SSE and WS
// and served on /api/snapshot.
type Snapshot struct {
	Positions    []positionView           `json:"positions"`
	Sessions     []sessionView            `json:"sessions"`
	Signals      map[string]*core.Signal  `json:"signals"`
	PendingSells map[string]pendingView   `json:"pending_sells"`
	Breaker      core.BreakerStatus       `json:"breaker"`
	Account      *accountView             `json:"account,omitempty"`
	DataVersion  int64                    `json:"data_version"`
	Timestamp    time.Time                `json:"timestamp"`
}

// buildSnapshot assembles the dashboard state. Individual source
// failures are logged and leave their section empty rather than
// failing the whole snapshot.
func (s *Server) buildSnapshot(ctx context.Context) *Snapshot {
	snap := &Snapshot{
		Signals:      map[string]*core.Signal{},
		PendingSells: map[string]pendingView{},
		DataVersion:  s.deps.Store.DataVersion(),
		Timestamp:    time.Now(),
	}

	positions, err := s.deps.Store.ListPositions(ctx)
	if err != nil {
		s.logger.Error("Snapshot position query failed", "error", err)
	}
	snap.Positions = make([]positionView, 0, len(positions))
	for _, p := range positions {
		snap.Positions = append(snap.Positions, toPositionView(p))
	}

	if s.deps.Grid != nil {
		sessions := s.deps.Grid.ActiveSessions()
		snap.Sessions = make([]sessionView, 0, len(sessions))
		for _, sess := range sessions {
			snap.Sessions = append(snap.Sessions, toSessionView(sess))
		}
	} else {
		snap.Sessions = []sessionView{}
	}

	if s.deps.Signals != nil {
		snap.Signals = s.deps.Signals.LatestSignals()
	}

	if s.deps.Orders != nil {
		for code, pending := range s.deps.Orders.PendingOrders() {
			view := pendingView{
				StockCode:  code,
				OrderID:    pending.OrderID,
				Volume:     pending.Volume,
				Price:      pending.Price,
				SubmitTime: pending.SubmitTime,
			}
			if pending.Signal != nil {
				view.SignalType = string(pending.Signal.Type)
			}
			snap.PendingSells[code] = view
		}
	}

	if s.deps.Breaker != nil {
		snap.Breaker = s.deps.Breaker.Status()
	}

	if s.deps.Broker != nil {
		acctCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		if acct, err := s.deps.Broker.QueryAccount(acctCtx); err == nil {
			snap.Account = &accountView{
				AccountID:   acct.AccountID,
				Cash:        acct.Cash,
				FrozenCash:  acct.FrozenCash,
				MarketValue: acct.MarketValue,
				TotalAsset:  acct.TotalAsset,
			}
		}
		cancel()
	}

	return snap
}
