// Package marketdata implements the quote provider client and the
// historical daily-high cache used for highest-price bootstrapping.
package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"stock_sentinel/internal/core"
	apperrors "stock_sentinel/pkg/errors"
	httpclient "stock_sentinel/pkg/http"
	"stock_sentinel/pkg/retry"
)

// Client implements core.IMarketData over the quote HTTP API.
type Client struct {
	http         *httpclient.Client
	logger       core.ILogger
	quoteTimeout time.Duration
}

// NewClient creates a market data client. quoteTimeout is the hard
// per-call bound applied to every tick fetch.
func NewClient(baseURL string, quoteTimeout time.Duration, logger core.ILogger) *Client {
	return &Client{
		http:         httpclient.NewClient(baseURL, quoteTimeout, nil, nil),
		logger:       logger.WithField("component", "market_data"),
		quoteTimeout: quoteTimeout,
	}
}

type wireLevel struct {
	Price  decimal.Decimal `json:"price"`
	Volume int64           `json:"volume"`
}

type wireTick struct {
	StockCode string          `json:"stock_code"`
	Last      decimal.Decimal `json:"last"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Bids      []wireLevel     `json:"bids"`
	Asks      []wireLevel     `json:"asks"`
	Timestamp int64           `json:"timestamp"`
}

type wireBar struct {
	Date  string          `json:"date"`
	Open  decimal.Decimal `json:"open"`
	High  decimal.Decimal `json:"high"`
	Low   decimal.Decimal `json:"low"`
	Close decimal.Decimal `json:"close"`
}

// GetLatestTick fetches the current quote for a symbol. The call is
// bounded by the configured quote timeout regardless of the caller's
// context.
func (c *Client) GetLatestTick(ctx context.Context, stockCode string) (*core.Tick, error) {
	ctx, cancel := context.WithTimeout(ctx, c.quoteTimeout)
	defer cancel()

	body, err := c.http.Get(ctx, "/api/v1/quote", map[string]string{"code": stockCode})
	if err != nil {
		return nil, fmt.Errorf("fetch tick for %s: %w: %v", stockCode, apperrors.ErrMarketDataUnavailable, err)
	}

	var wt wireTick
	if err := json.Unmarshal(body, &wt); err != nil {
		return nil, fmt.Errorf("decode tick for %s: %w", stockCode, err)
	}
	if !wt.Last.IsPositive() {
		return nil, fmt.Errorf("tick for %s has no valid last price: %w", stockCode, apperrors.ErrMarketDataUnavailable)
	}

	tick := &core.Tick{
		StockCode: stockCode,
		Last:      wt.Last,
		High:      wt.High,
		Low:       wt.Low,
		Time:      time.Unix(wt.Timestamp, 0),
	}
	for _, l := range wt.Bids {
		tick.Bids = append(tick.Bids, core.BookLevel{Price: l.Price, Volume: l.Volume})
	}
	for _, l := range wt.Asks {
		tick.Asks = append(tick.Asks, core.BookLevel{Price: l.Price, Volume: l.Volume})
	}
	return tick, nil
}

// GetDailyBars fetches up to days daily OHLC bars, most recent last.
// The archive endpoint is not latency-sensitive, so transient failures
// are retried with backoff instead of being surfaced to the caller.
func (c *Client) GetDailyBars(ctx context.Context, stockCode string, days int) ([]core.DailyBar, error) {
	var body []byte
	err := retry.Do(ctx, retry.DefaultPolicy, func(error) bool { return true }, func() error {
		var getErr error
		body, getErr = c.http.Get(ctx, "/api/v1/daily", map[string]string{
			"code": stockCode,
			"days": strconv.Itoa(days),
		})
		return getErr
	})
	if err != nil {
		return nil, fmt.Errorf("fetch daily bars for %s: %w: %v", stockCode, apperrors.ErrMarketDataUnavailable, err)
	}

	var raw []wireBar
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode daily bars for %s: %w", stockCode, err)
	}

	bars := make([]core.DailyBar, 0, len(raw))
	for _, b := range raw {
		date, err := time.Parse("2006-01-02", b.Date)
		if err != nil {
			c.logger.Warn("Skipping daily bar with invalid date",
				"stock_code", stockCode, "date", b.Date)
			continue
		}
		bars = append(bars, core.DailyBar{
			Date: date, Open: b.Open, High: b.High, Low: b.Low, Close: b.Close,
		})
	}
	return bars, nil
}

// CheckHealth probes the quote API.
func (c *Client) CheckHealth(ctx context.Context) error {
	_, err := c.http.Get(ctx, "/api/v1/ping", nil)
	if err != nil {
		return fmt.Errorf("market data unhealthy: %w", err)
	}
	return nil
}
