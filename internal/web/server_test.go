package web

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stock_sentinel/internal/config"
	"stock_sentinel/internal/core"
	"stock_sentinel/internal/store"
	apperrors "stock_sentinel/pkg/errors"
)

type nopLogger struct{}

func (nopLogger) Debug(string, ...interface{})                 {}
func (nopLogger) Info(string, ...interface{})                  {}
func (nopLogger) Warn(string, ...interface{})                  {}
func (nopLogger) Error(string, ...interface{})                 {}
func (nopLogger) Fatal(string, ...interface{})                 {}
func (l nopLogger) WithField(string, interface{}) core.ILogger { return l }
func (l nopLogger) WithFields(map[string]interface{}) core.ILogger {
	return l
}

// fakeGrid scripts the grid manager surface used by the API handlers.
type fakeGrid struct {
	startErr error
	stopErr  error
	sessions []*core.GridSession
	started  []*core.GridSessionRequest
	stopped  []int64
}

func (f *fakeGrid) StartSession(ctx context.Context, req *core.GridSessionRequest) (*core.GridSession, error) {
	if f.startErr != nil {
		return nil, f.startErr
	}
	f.started = append(f.started, req)
	return &core.GridSession{
		ID:                 7,
		StockCode:          req.StockCode,
		Status:             core.SessionActive,
		CenterPrice:        req.CenterPrice,
		CurrentCenterPrice: req.CenterPrice,
		PriceInterval:      req.PriceInterval,
		MaxInvestment:      req.MaxInvestment,
	}, nil
}

func (f *fakeGrid) StopSession(ctx context.Context, sessionID int64, reason core.StopReason) error {
	if f.stopErr != nil {
		return f.stopErr
	}
	f.stopped = append(f.stopped, sessionID)
	return nil
}

func (f *fakeGrid) CheckGridSignals(ctx context.Context, stockCode string, price decimal.Decimal, brokerVolume int64) (*core.Signal, error) {
	return nil, nil
}
func (f *fakeGrid) ExecuteGridTrade(ctx context.Context, sig *core.Signal) (bool, error) {
	return false, nil
}
func (f *fakeGrid) OnGridFill(ctx context.Context, sig *core.Signal, fill *core.Fill) error {
	return nil
}
func (f *fakeGrid) Recover(ctx context.Context) error       { return nil }
func (f *fakeGrid) ActiveSessions() []*core.GridSession     { return f.sessions }
func (f *fakeGrid) HasActiveSession(stockCode string) bool  { return len(f.sessions) > 0 }

type webEnv struct {
	srv  *Server
	st   *store.SQLiteStore
	grid *fakeGrid
	ts   *httptest.Server
}

func newWebEnv(t *testing.T, mutate func(*config.ServerConfig)) *webEnv {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "web_test.db"), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cfg := config.DefaultConfig().Server
	cfg.AuthToken = config.Secret("test-token")
	cfg.HeartbeatSeconds = 1
	if mutate != nil {
		mutate(&cfg)
	}

	grid := &fakeGrid{}
	srv := NewServer(Deps{
		Store: st,
		Grid:  grid,
	}, cfg, nopLogger{})

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &webEnv{srv: srv, st: st, grid: grid, ts: ts}
}

func (e *webEnv) post(t *testing.T, path, token, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, e.ts.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestSnapshotEndpoint(t *testing.T) {
	e := newWebEnv(t, nil)
	ctx := context.Background()

	require.NoError(t, e.st.UpsertPosition(ctx, &core.Position{
		StockCode:    "600000",
		Volume:       1000,
		Available:    1000,
		CostPrice:    decimal.RequireFromString("10.00"),
		CurrentPrice: decimal.RequireFromString("10.40"),
		HighestPrice: decimal.RequireFromString("10.40"),
	}))

	resp, err := http.Get(e.ts.URL + "/api/snapshot")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var snap Snapshot
	decodeJSON(t, resp, &snap)
	require.Len(t, snap.Positions, 1)
	assert.Equal(t, "600000", snap.Positions[0].StockCode)
	assert.Equal(t, "0.04", snap.Positions[0].ProfitRatio.String())
	assert.Greater(t, snap.DataVersion, int64(0))
}

func TestGridStartAuth(t *testing.T) {
	e := newWebEnv(t, nil)
	body := `{"stock_code":"600000","center_price":10.5}`

	resp := e.post(t, "/api/grid/start", "", body)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = e.post(t, "/api/grid/start", "wrong-token", body)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = e.post(t, "/api/grid/start", "test-token", body)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Len(t, e.grid.started, 1)
	assert.Equal(t, "600000", e.grid.started[0].StockCode)
	assert.Equal(t, "10.5", e.grid.started[0].CenterPrice.String())
}

func TestGridStartUnsetTokenDisablesEndpoint(t *testing.T) {
	e := newWebEnv(t, func(cfg *config.ServerConfig) { cfg.AuthToken = "" })

	resp := e.post(t, "/api/grid/start", "anything", `{"stock_code":"600000"}`)
	var apiErr apiError
	decodeJSON(t, resp, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "auth_not_configured", apiErr.ReasonCode)
}

func TestGridStartRejectsMalformedStockCode(t *testing.T) {
	e := newWebEnv(t, nil)

	for _, code := range []string{"", "60000", "600000X", "60000a; DROP"} {
		resp := e.post(t, "/api/grid/start", "test-token",
			`{"stock_code":"`+code+`","center_price":10.5}`)
		var apiErr apiError
		decodeJSON(t, resp, &apiErr)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "code %q", code)
		assert.Equal(t, "invalid_stock_code", apiErr.ReasonCode, "code %q", code)
	}
	assert.Empty(t, e.grid.started, "malformed codes must never reach the grid manager")
}

func TestGridStartPreconditionMapping(t *testing.T) {
	e := newWebEnv(t, nil)
	e.grid.startErr = apperrors.ErrDuplicateSession

	resp := e.post(t, "/api/grid/start", "test-token", `{"stock_code":"600000","center_price":10.5}`)
	var apiErr apiError
	decodeJSON(t, resp, &apiErr)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "duplicate_session", apiErr.ReasonCode)

	e.grid.startErr = apperrors.ErrNoPosition
	resp = e.post(t, "/api/grid/start", "test-token", `{"stock_code":"600000","center_price":10.5}`)
	decodeJSON(t, resp, &apiErr)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "no_position", apiErr.ReasonCode)
}

func TestGridStopNotFound(t *testing.T) {
	e := newWebEnv(t, nil)
	e.grid.stopErr = apperrors.ErrSessionNotFound

	resp := e.post(t, "/api/grid/stop", "test-token", `{"session_id":99}`)
	var apiErr apiError
	decodeJSON(t, resp, &apiErr)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "session_not_found", apiErr.ReasonCode)
}

func TestGridTradesRequiresSessionID(t *testing.T) {
	e := newWebEnv(t, nil)

	resp, err := http.Get(e.ts.URL + "/api/grid/trades")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(e.ts.URL + "/api/grid/trades?session_id=1")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSSEHeartbeat(t *testing.T) {
	e := newWebEnv(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.ts.URL+"/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	scanner := bufio.NewScanner(resp.Body)
	sawVersion := false
	sawHeartbeat := false
	for scanner.Scan() && !(sawVersion && sawHeartbeat) {
		line := scanner.Text()
		if line == "event: version" {
			sawVersion = true
		}
		if line == "event: heartbeat" {
			sawHeartbeat = true
		}
	}
	assert.True(t, sawVersion, "initial snapshot event expected")
	assert.True(t, sawHeartbeat, "heartbeat event expected within the window")
}
