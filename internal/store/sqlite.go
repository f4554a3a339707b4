// Package store implements the durable state store on SQLite.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"stock_sentinel/internal/core"
	apperrors "stock_sentinel/pkg/errors"
	"stock_sentinel/pkg/telemetry"

	"github.com/shopspring/decimal"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore persists positions, grid sessions, and audit trails in a
// single local database file. Writes are serialized behind one mutex;
// WAL mode keeps readers unblocked.
type SQLiteStore struct {
	db      *sql.DB
	mu      sync.Mutex
	version atomic.Int64
	closed  atomic.Bool
}

// NewSQLiteStore opens (creating if needed) the database at dbPath.
func NewSQLiteStore(dbPath string, busyTimeout time.Duration) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Enable WAL mode for crash recovery
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout=%d", busyTimeout.Milliseconds())); err != nil {
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	if err := s.loadVersion(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS positions (
		stock_code TEXT PRIMARY KEY,
		volume INTEGER NOT NULL,
		available INTEGER NOT NULL,
		cost_price TEXT NOT NULL,
		current_price TEXT NOT NULL DEFAULT '0',
		open_date TEXT NOT NULL,
		highest_price TEXT NOT NULL DEFAULT '0',
		profit_triggered INTEGER NOT NULL DEFAULT 0,
		stop_loss_price TEXT NOT NULL DEFAULT '0',
		updated_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS grid_sessions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		stock_code TEXT NOT NULL,
		status TEXT NOT NULL,
		center_price TEXT NOT NULL,
		current_center_price TEXT NOT NULL,
		price_interval TEXT NOT NULL,
		callback_ratio TEXT NOT NULL,
		position_ratio TEXT NOT NULL,
		max_investment TEXT NOT NULL,
		current_investment TEXT NOT NULL DEFAULT '0',
		max_deviation TEXT NOT NULL,
		target_profit TEXT NOT NULL,
		stop_loss TEXT NOT NULL,
		trade_count INTEGER NOT NULL DEFAULT 0,
		buy_count INTEGER NOT NULL DEFAULT 0,
		sell_count INTEGER NOT NULL DEFAULT 0,
		total_buy_amount TEXT NOT NULL DEFAULT '0',
		total_sell_amount TEXT NOT NULL DEFAULT '0',
		start_time TEXT NOT NULL,
		end_time TEXT NOT NULL,
		stop_time TEXT,
		stop_reason TEXT,
		UNIQUE(stock_code, status) ON CONFLICT REPLACE
	)`,
	`CREATE TABLE IF NOT EXISTS grid_trades (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id INTEGER NOT NULL,
		stock_code TEXT NOT NULL,
		trade_type TEXT NOT NULL,
		grid_level TEXT NOT NULL,
		trigger_price TEXT NOT NULL,
		volume INTEGER NOT NULL,
		amount TEXT NOT NULL,
		peak_price TEXT NOT NULL DEFAULT '0',
		valley_price TEXT NOT NULL DEFAULT '0',
		callback_ratio TEXT NOT NULL DEFAULT '0',
		trade_id TEXT,
		trade_time TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_grid_trades_session ON grid_trades(session_id)`,
	`CREATE TABLE IF NOT EXISTS trade_records (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		stock_code TEXT NOT NULL,
		side TEXT NOT NULL,
		price TEXT NOT NULL,
		volume INTEGER NOT NULL,
		amount TEXT NOT NULL,
		order_id TEXT,
		strategy TEXT,
		trade_time TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
}

// Columns added after the first release. Applied additively so a
// database created by an older build keeps working.
var addedColumns = []struct {
	table  string
	column string
	ddl    string
}{
	{"positions", "profit_breakout_triggered", "INTEGER NOT NULL DEFAULT 0"},
	{"positions", "breakout_highest_price", "TEXT NOT NULL DEFAULT '0'"},
	{"positions", "buy_tiers_filled", "TEXT NOT NULL DEFAULT ''"},
	{"grid_trades", "grid_center_before", "TEXT NOT NULL DEFAULT '0'"},
	{"grid_trades", "grid_center_after", "TEXT NOT NULL DEFAULT '0'"},
}

func (s *SQLiteStore) migrate() error {
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}

	for _, col := range addedColumns {
		exists, err := s.columnExists(col.table, col.column)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		ddl := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", col.table, col.column, col.ddl)
		if _, err := s.db.Exec(ddl); err != nil {
			return fmt.Errorf("failed to add column %s.%s: %w", col.table, col.column, err)
		}
	}

	return nil
}

func (s *SQLiteStore) columnExists(table, column string) (bool, error) {
	rows, err := s.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, fmt.Errorf("failed to inspect table %s: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return false, fmt.Errorf("failed to scan table info: %w", err)
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

func (s *SQLiteStore) loadVersion() error {
	var value string
	err := s.db.QueryRow(`SELECT value FROM meta WHERE key = 'data_version'`).Scan(&value)
	if err == sql.ErrNoRows {
		s.version.Store(0)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load data version: %w", err)
	}
	v, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return fmt.Errorf("corrupt data version %q: %w", value, err)
	}
	s.version.Store(v)
	return nil
}

// mutate runs fn inside a write transaction. When fn reports changed,
// the data version is bumped in the same transaction and committed;
// otherwise the transaction is rolled back without touching anything.
func (s *SQLiteStore) mutate(ctx context.Context, fn func(tx *sql.Tx) (bool, error)) error {
	if s.closed.Load() {
		return apperrors.ErrStoreClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	start := time.Now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	changed, err := fn(tx)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}

	next := s.version.Load() + 1
	_, err = tx.ExecContext(ctx,
		`INSERT INTO meta (key, value) VALUES ('data_version', ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		strconv.FormatInt(next, 10))
	if err != nil {
		return fmt.Errorf("failed to bump data version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	s.version.Store(next)

	metrics := telemetry.GetGlobalMetrics()
	metrics.SetDataVersion(next)
	if metrics.StoreWriteLatency != nil {
		metrics.StoreWriteLatency.Record(ctx, float64(time.Since(start).Milliseconds()))
	}
	return nil
}

// DataVersion returns the current monotonic mutation counter.
func (s *SQLiteStore) DataVersion() int64 {
	return s.version.Load()
}

// Ping verifies the database connection is usable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if s.closed.Load() {
		return apperrors.ErrStoreClosed
	}
	return s.db.PingContext(ctx)
}

// Close closes the database. Further mutations fail with ErrStoreClosed.
func (s *SQLiteStore) Close() error {
	s.closed.Store(true)
	return s.db.Close()
}

// ---- positions ----

const positionColumns = `stock_code, volume, available, cost_price, current_price, open_date,
	highest_price, profit_triggered, stop_loss_price, updated_at,
	profit_breakout_triggered, breakout_highest_price, buy_tiers_filled`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPosition(row rowScanner) (*core.Position, error) {
	var p core.Position
	var cost, current, highest, stopLoss, breakoutHigh string
	var openDate, updatedAt string
	var profitTriggered, breakoutTriggered int
	var tiers string

	err := row.Scan(&p.StockCode, &p.Volume, &p.Available, &cost, &current, &openDate,
		&highest, &profitTriggered, &stopLoss, &updatedAt,
		&breakoutTriggered, &breakoutHigh, &tiers)
	if err != nil {
		return nil, err
	}

	if p.CostPrice, err = parseDecimal(cost); err != nil {
		return nil, err
	}
	if p.CurrentPrice, err = parseDecimal(current); err != nil {
		return nil, err
	}
	if p.HighestPrice, err = parseDecimal(highest); err != nil {
		return nil, err
	}
	if p.StopLossPrice, err = parseDecimal(stopLoss); err != nil {
		return nil, err
	}
	if p.BreakoutHighestPrice, err = parseDecimal(breakoutHigh); err != nil {
		return nil, err
	}
	if p.OpenDate, err = parseTime(openDate); err != nil {
		return nil, err
	}
	if p.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	p.ProfitTriggered = profitTriggered != 0
	p.ProfitBreakoutTriggered = breakoutTriggered != 0
	p.BuyTiersFilled = decodeTiers(tiers)
	return &p, nil
}

// UpsertPosition inserts or fully replaces a position row.
func (s *SQLiteStore) UpsertPosition(ctx context.Context, p *core.Position) error {
	return s.mutate(ctx, func(tx *sql.Tx) (bool, error) {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO positions (`+positionColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(stock_code) DO UPDATE SET
				volume = excluded.volume,
				available = excluded.available,
				cost_price = excluded.cost_price,
				current_price = excluded.current_price,
				open_date = excluded.open_date,
				highest_price = excluded.highest_price,
				profit_triggered = excluded.profit_triggered,
				stop_loss_price = excluded.stop_loss_price,
				updated_at = excluded.updated_at,
				profit_breakout_triggered = excluded.profit_breakout_triggered,
				breakout_highest_price = excluded.breakout_highest_price,
				buy_tiers_filled = excluded.buy_tiers_filled`,
			p.StockCode, p.Volume, p.Available, p.CostPrice.String(), p.CurrentPrice.String(),
			fmtTime(p.OpenDate), p.HighestPrice.String(), boolInt(p.ProfitTriggered),
			p.StopLossPrice.String(), fmtTime(time.Now()),
			boolInt(p.ProfitBreakoutTriggered), p.BreakoutHighestPrice.String(),
			encodeTiers(p.BuyTiersFilled))
		if err != nil {
			return false, fmt.Errorf("failed to upsert position %s: %w", p.StockCode, err)
		}
		return true, nil
	})
}

// GetPosition returns the position for stockCode, or nil when absent.
func (s *SQLiteStore) GetPosition(ctx context.Context, stockCode string) (*core.Position, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE stock_code = ?`, stockCode)
	p, err := scanPosition(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read position %s: %w", stockCode, err)
	}
	return p, nil
}

// DeletePosition removes the position row. Deleting a missing row is a no-op.
func (s *SQLiteStore) DeletePosition(ctx context.Context, stockCode string) error {
	return s.mutate(ctx, func(tx *sql.Tx) (bool, error) {
		res, err := tx.ExecContext(ctx, `DELETE FROM positions WHERE stock_code = ?`, stockCode)
		if err != nil {
			return false, fmt.Errorf("failed to delete position %s: %w", stockCode, err)
		}
		n, _ := res.RowsAffected()
		return n > 0, nil
	})
}

// ListPositions returns all positions ordered by stock code.
func (s *SQLiteStore) ListPositions(ctx context.Context) ([]*core.Position, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+positionColumns+` FROM positions ORDER BY stock_code`)
	if err != nil {
		return nil, fmt.Errorf("failed to list positions: %w", err)
	}
	defer rows.Close()

	var positions []*core.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// UpdateBrokerFields is the reconciler's writer: volume, available and
// cost come from the broker. The row is created on the first nonzero
// holding.
func (s *SQLiteStore) UpdateBrokerFields(ctx context.Context, stockCode string, volume, available int64, cost decimal.Decimal) error {
	return s.mutate(ctx, func(tx *sql.Tx) (bool, error) {
		res, err := tx.ExecContext(ctx, `
			UPDATE positions SET volume = ?, available = ?, cost_price = ?, updated_at = ?
			WHERE stock_code = ?`,
			volume, available, cost.String(), fmtTime(time.Now()), stockCode)
		if err != nil {
			return false, fmt.Errorf("failed to update broker fields for %s: %w", stockCode, err)
		}
		n, _ := res.RowsAffected()
		if n > 0 {
			return true, nil
		}
		if volume == 0 {
			return false, nil
		}

		now := time.Now()
		_, err = tx.ExecContext(ctx, `
			INSERT INTO positions (`+positionColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, 0, '0', ?, 0, '0', '')`,
			stockCode, volume, available, cost.String(), cost.String(),
			fmtTime(now), cost.String(), fmtTime(now))
		if err != nil {
			return false, fmt.Errorf("failed to create position %s: %w", stockCode, err)
		}
		return true, nil
	})
}

// UpdateMarketFields is the monitor's writer: current and highest price.
func (s *SQLiteStore) UpdateMarketFields(ctx context.Context, stockCode string, current, highest decimal.Decimal) error {
	return s.mutate(ctx, func(tx *sql.Tx) (bool, error) {
		res, err := tx.ExecContext(ctx, `
			UPDATE positions SET current_price = ?, highest_price = ?, updated_at = ?
			WHERE stock_code = ?`,
			current.String(), highest.String(), fmtTime(time.Now()), stockCode)
		if err != nil {
			return false, fmt.Errorf("failed to update market fields for %s: %w", stockCode, err)
		}
		n, _ := res.RowsAffected()
		return n > 0, nil
	})
}

// MarkBreakout records that the first take-profit threshold was crossed.
func (s *SQLiteStore) MarkBreakout(ctx context.Context, stockCode string, breakoutHighest decimal.Decimal) error {
	return s.mutate(ctx, func(tx *sql.Tx) (bool, error) {
		res, err := tx.ExecContext(ctx, `
			UPDATE positions SET profit_breakout_triggered = 1, breakout_highest_price = ?, updated_at = ?
			WHERE stock_code = ?`,
			breakoutHighest.String(), fmtTime(time.Now()), stockCode)
		if err != nil {
			return false, fmt.Errorf("failed to mark breakout for %s: %w", stockCode, err)
		}
		n, _ := res.RowsAffected()
		return n > 0, nil
	})
}

// SetStopLossPrice persists a recomputed stop-loss price.
func (s *SQLiteStore) SetStopLossPrice(ctx context.Context, stockCode string, price decimal.Decimal) error {
	return s.mutate(ctx, func(tx *sql.Tx) (bool, error) {
		res, err := tx.ExecContext(ctx, `
			UPDATE positions SET stop_loss_price = ?, updated_at = ? WHERE stock_code = ?`,
			price.String(), fmtTime(time.Now()), stockCode)
		if err != nil {
			return false, fmt.Errorf("failed to set stop loss price for %s: %w", stockCode, err)
		}
		n, _ := res.RowsAffected()
		return n > 0, nil
	})
}

// SetBuyTierFilled marks one compensation-buy tier as used for the
// position's lifetime.
func (s *SQLiteStore) SetBuyTierFilled(ctx context.Context, stockCode string, tier int) error {
	return s.mutate(ctx, func(tx *sql.Tx) (bool, error) {
		var tiers string
		err := tx.QueryRowContext(ctx,
			`SELECT buy_tiers_filled FROM positions WHERE stock_code = ?`, stockCode).Scan(&tiers)
		if err == sql.ErrNoRows {
			return false, fmt.Errorf("position %s: %w", stockCode, apperrors.ErrNoPosition)
		}
		if err != nil {
			return false, fmt.Errorf("failed to read buy tiers for %s: %w", stockCode, err)
		}

		filled := decodeTiers(tiers)
		for _, t := range filled {
			if t == tier {
				return false, nil
			}
		}
		filled = append(filled, tier)
		sort.Ints(filled)

		_, err = tx.ExecContext(ctx, `
			UPDATE positions SET buy_tiers_filled = ?, updated_at = ? WHERE stock_code = ?`,
			encodeTiers(filled), fmtTime(time.Now()), stockCode)
		if err != nil {
			return false, fmt.Errorf("failed to set buy tier for %s: %w", stockCode, err)
		}
		return true, nil
	})
}

// AdjustAvailable moves the available-share count by delta, guarded so
// 0 <= available <= volume always holds.
func (s *SQLiteStore) AdjustAvailable(ctx context.Context, stockCode string, delta int64) error {
	return s.mutate(ctx, func(tx *sql.Tx) (bool, error) {
		res, err := tx.ExecContext(ctx, `
			UPDATE positions SET available = available + ?, updated_at = ?
			WHERE stock_code = ? AND available + ? >= 0 AND available + ? <= volume`,
			delta, fmtTime(time.Now()), stockCode, delta, delta)
		if err != nil {
			return false, fmt.Errorf("failed to adjust available for %s: %w", stockCode, err)
		}
		n, _ := res.RowsAffected()
		if n > 0 {
			return true, nil
		}

		var exists int
		err = tx.QueryRowContext(ctx,
			`SELECT COUNT(1) FROM positions WHERE stock_code = ?`, stockCode).Scan(&exists)
		if err != nil {
			return false, fmt.Errorf("failed to check position %s: %w", stockCode, err)
		}
		if exists == 0 {
			return false, fmt.Errorf("position %s: %w", stockCode, apperrors.ErrNoPosition)
		}
		return false, fmt.Errorf("adjust available by %d on %s: %w", delta, stockCode, apperrors.ErrInsufficientVolume)
	})
}

// ApplyFill commits a confirmed fill: position mutation, optional
// delete when flat, optional profit-trigger flip, and the audit row,
// all in one transaction.
func (s *SQLiteStore) ApplyFill(ctx context.Context, commit *core.FillCommit) error {
	return s.mutate(ctx, func(tx *sql.Tx) (bool, error) {
		row := tx.QueryRowContext(ctx,
			`SELECT volume, available, cost_price FROM positions WHERE stock_code = ?`,
			commit.StockCode)

		var volume, available int64
		var costStr string
		err := row.Scan(&volume, &available, &costStr)
		exists := err == nil
		if err != nil && err != sql.ErrNoRows {
			return false, fmt.Errorf("failed to read position %s: %w", commit.StockCode, err)
		}

		now := time.Now()
		switch commit.Side {
		case core.SideBuy:
			if !exists {
				_, err = tx.ExecContext(ctx, `
					INSERT INTO positions (`+positionColumns+`)
					VALUES (?, ?, 0, ?, ?, ?, ?, 0, '0', ?, 0, '0', '')`,
					commit.StockCode, commit.TradedVolume, commit.TradedPrice.String(),
					commit.TradedPrice.String(), fmtTime(now), commit.TradedPrice.String(), fmtTime(now))
				if err != nil {
					return false, fmt.Errorf("failed to create position %s on fill: %w", commit.StockCode, err)
				}
			} else {
				cost, perr := parseDecimal(costStr)
				if perr != nil {
					return false, perr
				}
				newVolume := volume + commit.TradedVolume
				newCost := cost.Mul(decimal.NewFromInt(volume)).
					Add(commit.TradedAmount).
					Div(decimal.NewFromInt(newVolume))
				_, err = tx.ExecContext(ctx, `
					UPDATE positions SET volume = ?, cost_price = ?, current_price = ?, updated_at = ?
					WHERE stock_code = ?`,
					newVolume, newCost.String(), commit.TradedPrice.String(), fmtTime(now), commit.StockCode)
				if err != nil {
					return false, fmt.Errorf("failed to apply buy fill for %s: %w", commit.StockCode, err)
				}
			}

		case core.SideSell:
			if !exists {
				return false, fmt.Errorf("sell fill for %s: %w", commit.StockCode, apperrors.ErrNoPosition)
			}
			newVolume := volume - commit.TradedVolume
			if newVolume < 0 {
				newVolume = 0
			}
			if newVolume == 0 && commit.DeleteWhenFlat {
				if _, err := tx.ExecContext(ctx,
					`DELETE FROM positions WHERE stock_code = ?`, commit.StockCode); err != nil {
					return false, fmt.Errorf("failed to clear position %s: %w", commit.StockCode, err)
				}
			} else {
				newAvailable := available
				if newAvailable > newVolume {
					newAvailable = newVolume
				}
				setProfit := ""
				if commit.SetProfitTriggered {
					setProfit = ", profit_triggered = 1"
				}
				_, err = tx.ExecContext(ctx, `
					UPDATE positions SET volume = ?, available = ?, current_price = ?, updated_at = ?`+setProfit+`
					WHERE stock_code = ?`,
					newVolume, newAvailable, commit.TradedPrice.String(), fmtTime(now), commit.StockCode)
				if err != nil {
					return false, fmt.Errorf("failed to apply sell fill for %s: %w", commit.StockCode, err)
				}
			}

		default:
			return false, fmt.Errorf("fill for %s has invalid side %q", commit.StockCode, commit.Side)
		}
		return true, nil
	})
}

// ---- grid sessions ----

const sessionColumns = `id, stock_code, status, center_price, current_center_price, price_interval,
	callback_ratio, position_ratio, max_investment, current_investment, max_deviation,
	target_profit, stop_loss, trade_count, buy_count, sell_count,
	total_buy_amount, total_sell_amount, start_time, end_time, stop_time, stop_reason`

func scanSession(row rowScanner) (*core.GridSession, error) {
	var gs core.GridSession
	var status, center, curCenter, interval, callback, posRatio string
	var maxInv, curInv, maxDev, target, stopLoss, totalBuy, totalSell string
	var startTime, endTime string
	var stopTime, stopReason sql.NullString

	err := row.Scan(&gs.ID, &gs.StockCode, &status, &center, &curCenter, &interval,
		&callback, &posRatio, &maxInv, &curInv, &maxDev,
		&target, &stopLoss, &gs.TradeCount, &gs.BuyCount, &gs.SellCount,
		&totalBuy, &totalSell, &startTime, &endTime, &stopTime, &stopReason)
	if err != nil {
		return nil, err
	}

	gs.Status = core.SessionStatus(status)
	fields := []struct {
		dst *decimal.Decimal
		src string
	}{
		{&gs.CenterPrice, center}, {&gs.CurrentCenterPrice, curCenter},
		{&gs.PriceInterval, interval}, {&gs.CallbackRatio, callback},
		{&gs.PositionRatio, posRatio}, {&gs.MaxInvestment, maxInv},
		{&gs.CurrentInvestment, curInv}, {&gs.MaxDeviation, maxDev},
		{&gs.TargetProfit, target}, {&gs.StopLoss, stopLoss},
		{&gs.TotalBuyAmount, totalBuy}, {&gs.TotalSellAmount, totalSell},
	}
	for _, f := range fields {
		if *f.dst, err = parseDecimal(f.src); err != nil {
			return nil, err
		}
	}
	if gs.StartTime, err = parseTime(startTime); err != nil {
		return nil, err
	}
	if gs.EndTime, err = parseTime(endTime); err != nil {
		return nil, err
	}
	if stopTime.Valid && stopTime.String != "" {
		t, err := parseTime(stopTime.String)
		if err != nil {
			return nil, err
		}
		gs.StopTime = &t
	}
	if stopReason.Valid {
		gs.StopReason = core.StopReason(stopReason.String)
	}
	return &gs, nil
}

// CreateGridSession inserts a session row and returns its id. The
// UNIQUE(stock_code, status) constraint replaces a conflicting row, so
// callers check for duplicate active sessions first.
func (s *SQLiteStore) CreateGridSession(ctx context.Context, gs *core.GridSession) (int64, error) {
	var id int64
	err := s.mutate(ctx, func(tx *sql.Tx) (bool, error) {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO grid_sessions (stock_code, status, center_price, current_center_price,
				price_interval, callback_ratio, position_ratio, max_investment, current_investment,
				max_deviation, target_profit, stop_loss, trade_count, buy_count, sell_count,
				total_buy_amount, total_sell_amount, start_time, end_time)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, 0, 0, '0', '0', ?, ?)`,
			gs.StockCode, string(gs.Status), gs.CenterPrice.String(), gs.CurrentCenterPrice.String(),
			gs.PriceInterval.String(), gs.CallbackRatio.String(), gs.PositionRatio.String(),
			gs.MaxInvestment.String(), gs.CurrentInvestment.String(),
			gs.MaxDeviation.String(), gs.TargetProfit.String(), gs.StopLoss.String(),
			fmtTime(gs.StartTime), fmtTime(gs.EndTime))
		if err != nil {
			return false, fmt.Errorf("failed to create grid session for %s: %w", gs.StockCode, err)
		}
		id, err = res.LastInsertId()
		if err != nil {
			return false, fmt.Errorf("failed to read session id: %w", err)
		}
		return true, nil
	})
	if err != nil {
		return 0, err
	}
	gs.ID = id
	return id, nil
}

// GetGridSession returns the session with id, or nil when absent.
func (s *SQLiteStore) GetGridSession(ctx context.Context, id int64) (*core.GridSession, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM grid_sessions WHERE id = ?`, id)
	gs, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read grid session %d: %w", id, err)
	}
	return gs, nil
}

// Columns UpdateGridSession may touch.
var sessionUpdateColumns = map[string]bool{
	"current_center_price": true,
	"current_investment":   true,
	"trade_count":          true,
	"buy_count":            true,
	"sell_count":           true,
	"total_buy_amount":     true,
	"total_sell_amount":    true,
	"end_time":             true,
}

// UpdateGridSession applies a partial field update, last writer wins.
func (s *SQLiteStore) UpdateGridSession(ctx context.Context, id int64, fields map[string]interface{}) error {
	if len(fields) == 0 {
		return nil
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		if !sessionUpdateColumns[k] {
			return fmt.Errorf("grid session column %q is not updatable", k)
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var set []string
	var args []interface{}
	for _, k := range keys {
		set = append(set, k+" = ?")
		args = append(args, toColumnValue(fields[k]))
	}
	args = append(args, id)

	return s.mutate(ctx, func(tx *sql.Tx) (bool, error) {
		res, err := tx.ExecContext(ctx,
			`UPDATE grid_sessions SET `+strings.Join(set, ", ")+` WHERE id = ?`, args...)
		if err != nil {
			return false, fmt.Errorf("failed to update grid session %d: %w", id, err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return false, fmt.Errorf("grid session %d: %w", id, apperrors.ErrSessionNotFound)
		}
		return true, nil
	})
}

// StopGridSession marks the session stopped. Idempotent: stopping an
// already-stopped session returns its existing reason without another
// version bump.
func (s *SQLiteStore) StopGridSession(ctx context.Context, id int64, reason core.StopReason) (core.StopReason, error) {
	finalReason := reason
	err := s.mutate(ctx, func(tx *sql.Tx) (bool, error) {
		var status string
		var existing sql.NullString
		err := tx.QueryRowContext(ctx,
			`SELECT status, stop_reason FROM grid_sessions WHERE id = ?`, id).Scan(&status, &existing)
		if err == sql.ErrNoRows {
			return false, fmt.Errorf("grid session %d: %w", id, apperrors.ErrSessionNotFound)
		}
		if err != nil {
			return false, fmt.Errorf("failed to read grid session %d: %w", id, err)
		}

		if core.SessionStatus(status) == core.SessionStopped {
			if existing.Valid {
				finalReason = core.StopReason(existing.String)
			}
			return false, nil
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE grid_sessions SET status = ?, stop_time = ?, stop_reason = ? WHERE id = ?`,
			string(core.SessionStopped), fmtTime(time.Now()), string(reason), id)
		if err != nil {
			return false, fmt.Errorf("failed to stop grid session %d: %w", id, err)
		}
		return true, nil
	})
	if err != nil {
		return "", err
	}
	return finalReason, nil
}

// ListActiveGridSessions returns every session still marked active.
func (s *SQLiteStore) ListActiveGridSessions(ctx context.Context) ([]*core.GridSession, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM grid_sessions WHERE status = ? ORDER BY id`,
		string(core.SessionActive))
	if err != nil {
		return nil, fmt.Errorf("failed to list active grid sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*core.GridSession
	for rows.Next() {
		gs, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan grid session: %w", err)
		}
		sessions = append(sessions, gs)
	}
	return sessions, rows.Err()
}

// RecordGridTrade appends one grid fill to the log and returns its id.
func (s *SQLiteStore) RecordGridTrade(ctx context.Context, t *core.GridTrade) (int64, error) {
	var id int64
	err := s.mutate(ctx, func(tx *sql.Tx) (bool, error) {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO grid_trades (session_id, stock_code, trade_type, grid_level, trigger_price,
				volume, amount, peak_price, valley_price, callback_ratio, trade_id, trade_time,
				grid_center_before, grid_center_after)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			t.SessionID, t.StockCode, string(t.TradeType), t.GridLevel.String(), t.TriggerPrice.String(),
			t.Volume, t.Amount.String(), t.PeakPrice.String(), t.ValleyPrice.String(),
			t.CallbackRatio.String(), t.TradeID, fmtTime(t.TradeTime),
			t.GridCenterBefore.String(), t.GridCenterAfter.String())
		if err != nil {
			return false, fmt.Errorf("failed to record grid trade: %w", err)
		}
		id, err = res.LastInsertId()
		if err != nil {
			return false, fmt.Errorf("failed to read grid trade id: %w", err)
		}
		return true, nil
	})
	if err != nil {
		return 0, err
	}
	t.ID = id
	return id, nil
}

// ListGridTrades returns the fills of one session in insertion order.
func (s *SQLiteStore) ListGridTrades(ctx context.Context, sessionID int64) ([]*core.GridTrade, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, stock_code, trade_type, grid_level, trigger_price, volume, amount,
			peak_price, valley_price, callback_ratio, trade_id, trade_time,
			grid_center_before, grid_center_after
		FROM grid_trades WHERE session_id = ? ORDER BY id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list grid trades: %w", err)
	}
	defer rows.Close()

	var trades []*core.GridTrade
	for rows.Next() {
		var t core.GridTrade
		var tradeType, level, trigger, amount, peak, valley, callback string
		var tradeID sql.NullString
		var tradeTime, centerBefore, centerAfter string

		err := rows.Scan(&t.ID, &t.SessionID, &t.StockCode, &tradeType, &level, &trigger,
			&t.Volume, &amount, &peak, &valley, &callback, &tradeID, &tradeTime,
			&centerBefore, &centerAfter)
		if err != nil {
			return nil, fmt.Errorf("failed to scan grid trade: %w", err)
		}

		t.TradeType = core.Side(tradeType)
		fields := []struct {
			dst *decimal.Decimal
			src string
		}{
			{&t.GridLevel, level}, {&t.TriggerPrice, trigger}, {&t.Amount, amount},
			{&t.PeakPrice, peak}, {&t.ValleyPrice, valley}, {&t.CallbackRatio, callback},
			{&t.GridCenterBefore, centerBefore}, {&t.GridCenterAfter, centerAfter},
		}
		for _, f := range fields {
			if *f.dst, err = parseDecimal(f.src); err != nil {
				return nil, err
			}
		}
		if t.TradeTime, err = parseTime(tradeTime); err != nil {
			return nil, err
		}
		t.TradeID = tradeID.String
		trades = append(trades, &t)
	}
	return trades, rows.Err()
}

// RecordUserTrade appends one row to the user-trade audit.
func (s *SQLiteStore) RecordUserTrade(ctx context.Context, r *core.TradeRecord) error {
	return s.mutate(ctx, func(tx *sql.Tx) (bool, error) {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO trade_records (stock_code, side, price, volume, amount, order_id, strategy, trade_time)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			r.StockCode, string(r.Side), r.Price.String(), r.Volume, r.Amount.String(),
			r.OrderID, r.Strategy, fmtTime(r.TradeTime))
		if err != nil {
			return false, fmt.Errorf("failed to record user trade: %w", err)
		}
		return true, nil
	})
}

// ListUserTrades returns the newest audit rows, capped at limit.
func (s *SQLiteStore) ListUserTrades(ctx context.Context, limit int) ([]*core.TradeRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, stock_code, side, price, volume, amount, order_id, strategy, trade_time
		FROM trade_records ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list user trades: %w", err)
	}
	defer rows.Close()

	var out []*core.TradeRecord
	for rows.Next() {
		var r core.TradeRecord
		var side, price, amount, tradeTime string
		if err := rows.Scan(&r.ID, &r.StockCode, &side, &price, &r.Volume,
			&amount, &r.OrderID, &r.Strategy, &tradeTime); err != nil {
			return nil, fmt.Errorf("failed to scan user trade: %w", err)
		}
		r.Side = core.Side(side)
		if r.Price, err = parseDecimal(price); err != nil {
			return nil, err
		}
		if r.Amount, err = parseDecimal(amount); err != nil {
			return nil, err
		}
		if r.TradeTime, err = parseTime(tradeTime); err != nil {
			return nil, err
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// ---- helpers ----

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("corrupt timestamp %q: %w", s, err)
	}
	return t, nil
}

func parseDecimal(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("corrupt decimal %q: %w", s, err)
	}
	return d, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func encodeTiers(tiers []int) string {
	if len(tiers) == 0 {
		return ""
	}
	parts := make([]string, len(tiers))
	for i, t := range tiers {
		parts[i] = strconv.Itoa(t)
	}
	return strings.Join(parts, ",")
}

func decodeTiers(s string) []int {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	tiers := make([]int, 0, len(parts))
	for _, p := range parts {
		if v, err := strconv.Atoi(strings.TrimSpace(p)); err == nil {
			tiers = append(tiers, v)
		}
	}
	return tiers
}

func toColumnValue(v interface{}) interface{} {
	switch val := v.(type) {
	case decimal.Decimal:
		return val.String()
	case time.Time:
		return fmtTime(val)
	case core.SessionStatus:
		return string(val)
	case core.StopReason:
		return string(val)
	default:
		return v
	}
}
