package daemon

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stock_sentinel/internal/config"
	"stock_sentinel/internal/core"
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

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Database.Path = filepath.Join(t.TempDir(), "daemon_test.db")
	cfg.Server.Enabled = false
	cfg.Metrics.Enabled = false
	cfg.Probe.Enabled = false
	return cfg
}

func TestNew_SimulationModeUsesMocks(t *testing.T) {
	d, err := New(testConfig(t), nopLogger{})
	require.NoError(t, err)
	defer d.store.Close()

	mb, md, ok := d.MockGateways()
	require.True(t, ok, "simulation mode without endpoints must use mocks")
	assert.NotNil(t, mb)
	assert.NotNil(t, md)
}

func TestNew_RefusesLiveModeWithoutGateway(t *testing.T) {
	cfg := testConfig(t)
	cfg.App.SimulationMode = false

	_, err := New(cfg, nopLogger{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gateway URL")
}

func TestHealthRegistrations(t *testing.T) {
	d, err := New(testConfig(t), nopLogger{})
	require.NoError(t, err)
	defer d.store.Close()

	status := d.Health().GetStatus()
	for _, component := range []string{
		"store", "broker", "market_data", "monitor", "order_sweeper", "reconciler",
	} {
		_, ok := status[component]
		assert.True(t, ok, "missing health check for %s", component)
	}
}

func TestRun_StartsAndShutsDownCleanly(t *testing.T) {
	d, err := New(testConfig(t), nopLogger{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	// Give the runners a moment to come up, then request shutdown.
	time.Sleep(200 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("daemon did not shut down")
	}
}

func TestWatchdogDisablesAutoTradingOnStoreFault(t *testing.T) {
	cfg := testConfig(t)
	cfg.Trading.EnableAutoTrading = true
	d, err := New(cfg, nopLogger{})
	require.NoError(t, err)

	require.True(t, d.Monitor().AutoTradingEnabled())

	// Close the store out from under the watchdog; pings now fail.
	require.NoError(t, d.store.Close())
	ctx := context.Background()
	for i := 0; i < storeFaultThreshold; i++ {
		d.checkOnce(ctx)
	}

	assert.False(t, d.Monitor().AutoTradingEnabled())
}
