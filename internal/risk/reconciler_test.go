package risk

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stock_sentinel/internal/mock"
	"stock_sentinel/internal/store"
)

func newReconcilerEnv(t *testing.T) (*Reconciler, *mock.Broker, *store.SQLiteStore) {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "rec.db"), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	brk := mock.NewBroker(nopLogger{})
	return NewReconciler(brk, st, time.Minute, nopLogger{}), brk, st
}

func TestReconcilerCreatesDiscoveredHolding(t *testing.T) {
	ctx := context.Background()
	rec, brk, st := newReconcilerEnv(t)

	brk.SetPosition("600000", 1000, 1000, decimal.RequireFromString("10.00"))
	require.NoError(t, rec.Reconcile(ctx))

	pos, err := st.GetPosition(ctx, "600000")
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.EqualValues(t, 1000, pos.Volume)
	assert.EqualValues(t, 1000, pos.Available)
	assert.Equal(t, "10", pos.CostPrice.String())

	status := rec.Status()
	assert.Equal(t, 1, status.Created)
	assert.Zero(t, status.Synced)
	assert.False(t, status.LastRun.IsZero())
}

func TestReconcilerSkipsUnchangedPositions(t *testing.T) {
	ctx := context.Background()
	rec, brk, st := newReconcilerEnv(t)

	brk.SetPosition("600000", 1000, 1000, decimal.RequireFromString("10.00"))
	require.NoError(t, rec.Reconcile(ctx))
	version := st.DataVersion()

	require.NoError(t, rec.Reconcile(ctx))
	assert.Equal(t, version, st.DataVersion(), "an unchanged holding must not bump data_version")

	status := rec.Status()
	assert.Zero(t, status.Created)
	assert.Zero(t, status.Synced)
}

func TestReconcilerSyncsBrokerFieldsPreservingStrategyState(t *testing.T) {
	ctx := context.Background()
	rec, brk, st := newReconcilerEnv(t)

	brk.SetPosition("600000", 1000, 1000, decimal.RequireFromString("10.00"))
	require.NoError(t, rec.Reconcile(ctx))

	// Strategy state the daemon accumulated must survive broker syncs.
	require.NoError(t, st.MarkBreakout(ctx, "600000", decimal.RequireFromString("10.80")))

	brk.SetPosition("600000", 1200, 800, decimal.RequireFromString("10.10"))
	require.NoError(t, rec.Reconcile(ctx))

	pos, err := st.GetPosition(ctx, "600000")
	require.NoError(t, err)
	assert.EqualValues(t, 1200, pos.Volume)
	assert.EqualValues(t, 800, pos.Available)
	assert.Equal(t, "10.1", pos.CostPrice.String())
	assert.True(t, pos.ProfitBreakoutTriggered, "broker sync must not touch strategy fields")

	assert.Equal(t, 1, rec.Status().Synced)
}

func TestReconcilerRemovesVanishedHolding(t *testing.T) {
	ctx := context.Background()
	rec, brk, st := newReconcilerEnv(t)

	brk.SetPosition("600000", 1000, 1000, decimal.RequireFromString("10.00"))
	require.NoError(t, rec.Reconcile(ctx))

	// The holding was closed outside the daemon.
	brk.SetPosition("600000", 0, 0, decimal.Zero)
	require.NoError(t, rec.Reconcile(ctx))

	pos, err := st.GetPosition(ctx, "600000")
	require.NoError(t, err)
	assert.Nil(t, pos)
	assert.Equal(t, 1, rec.Status().Removed)
}

func TestReconcilerTriggerManual(t *testing.T) {
	ctx := context.Background()
	rec, brk, st := newReconcilerEnv(t)

	brk.SetPosition("600000", 1000, 1000, decimal.RequireFromString("10.00"))
	require.NoError(t, rec.TriggerManual(ctx))

	pos, err := st.GetPosition(ctx, "600000")
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.Equal(t, 1, rec.Status().Created)
}
