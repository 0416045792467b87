package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"spot-trader/internal/models"
	"spot-trader/internal/risk"
)

// SQLiteStore implements EventStore using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite-based event store.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(time.Hour)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// initSchema creates all required tables and indexes.
func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS decisions (
		id TEXT PRIMARY KEY,
		timestamp DATETIME NOT NULL,
		asset TEXT NOT NULL,
		action TEXT NOT NULL,
		type TEXT NOT NULL,
		urgency TEXT NOT NULL,
		size REAL NOT NULL DEFAULT 0,
		price REAL NOT NULL DEFAULT 0,
		tag TEXT,
		reason TEXT
	);

	CREATE TABLE IF NOT EXISTS drawdown_actions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp DATETIME NOT NULL,
		state TEXT NOT NULL,
		previous TEXT NOT NULL,
		drawdown REAL NOT NULL,
		peak_equity REAL NOT NULL,
		equity REAL NOT NULL,
		action TEXT NOT NULL,
		reduce_size_percent REAL,
		allow_dca INTEGER NOT NULL,
		reason TEXT
	);

	CREATE TABLE IF NOT EXISTS stop_loss_events (
		id TEXT PRIMARY KEY,
		timestamp DATETIME NOT NULL,
		asset TEXT NOT NULL,
		type TEXT NOT NULL,
		action TEXT NOT NULL,
		close_percent REAL,
		price REAL NOT NULL,
		stop_price REAL,
		pnl_percent REAL,
		urgency TEXT,
		reason TEXT
	);

	CREATE TABLE IF NOT EXISTS emergency_events (
		id TEXT PRIMARY KEY,
		started_at DATETIME NOT NULL,
		completed_at DATETIME,
		trigger_type TEXT NOT NULL,
		reason TEXT,
		strategy TEXT NOT NULL,
		success INTEGER NOT NULL,
		phase TEXT NOT NULL,
		duration_ms INTEGER,
		before_json TEXT,
		after_json TEXT,
		batches_json TEXT,
		errors_json TEXT
	);

	CREATE TABLE IF NOT EXISTS orders (
		order_id TEXT PRIMARY KEY,
		decision_id TEXT,
		asset TEXT NOT NULL,
		side TEXT NOT NULL,
		type TEXT NOT NULL,
		size REAL NOT NULL,
		price REAL,
		source TEXT,
		tag TEXT,
		status TEXT NOT NULL,
		filled_size REAL NOT NULL DEFAULT 0,
		fill_price REAL,
		applied REAL NOT NULL DEFAULT 0,
		placed_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS cycle_errors (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp DATETIME NOT NULL,
		asset TEXT,
		message TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_decisions_asset_time ON decisions(asset, timestamp);
	CREATE INDEX IF NOT EXISTS idx_stop_loss_asset_time ON stop_loss_events(asset, timestamp);
	CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ============================================================================
// Decision Methods
// ============================================================================

// SaveDecision saves a decision. Saving the same ID twice replaces it.
func (s *SQLiteStore) SaveDecision(ctx context.Context, d *models.Decision) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO decisions (id, timestamp, asset, action, type, urgency, size, price, tag, reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, d.ID, d.Timestamp, d.Asset, d.Action, d.Type, d.Urgency, d.Size, d.Price, d.Tag, d.Reason)
	if err != nil {
		return fmt.Errorf("failed to save decision: %w", err)
	}
	return nil
}

// GetDecisions retrieves decisions, newest first.
func (s *SQLiteStore) GetDecisions(ctx context.Context, filter DecisionFilter) ([]models.Decision, error) {
	query := "SELECT id, timestamp, asset, action, type, urgency, size, price, COALESCE(tag, ''), COALESCE(reason, '') FROM decisions WHERE 1=1"
	args := []interface{}{}

	if filter.Asset != "" {
		query += " AND asset = ?"
		args = append(args, filter.Asset)
	}
	if filter.Type != "" {
		query += " AND type = ?"
		args = append(args, filter.Type)
	}
	if !filter.StartDate.IsZero() {
		query += " AND timestamp >= ?"
		args = append(args, filter.StartDate)
	}
	if !filter.EndDate.IsZero() {
		query += " AND timestamp <= ?"
		args = append(args, filter.EndDate)
	}
	query += " ORDER BY timestamp DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query decisions: %w", err)
	}
	defer rows.Close()

	var decisions []models.Decision
	for rows.Next() {
		var d models.Decision
		if err := rows.Scan(&d.ID, &d.Timestamp, &d.Asset, &d.Action, &d.Type, &d.Urgency, &d.Size, &d.Price, &d.Tag, &d.Reason); err != nil {
			return nil, fmt.Errorf("failed to scan decision: %w", err)
		}
		decisions = append(decisions, d)
	}
	return decisions, rows.Err()
}

// ============================================================================
// Risk Event Methods
// ============================================================================

// SaveDrawdownAction appends a drawdown action.
func (s *SQLiteStore) SaveDrawdownAction(ctx context.Context, a risk.DrawdownAction) error {
	allow := 0
	if a.AllowDCA {
		allow = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO drawdown_actions (timestamp, state, previous, drawdown, peak_equity, equity, action, reduce_size_percent, allow_dca, reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, a.Timestamp, a.State, a.Previous, a.Drawdown, a.PeakEquity, a.Equity, a.Action, a.ReduceSizePercent, allow, a.Reason)
	if err != nil {
		return fmt.Errorf("failed to save drawdown action: %w", err)
	}
	return nil
}

// GetDrawdownActions returns the most recent drawdown actions.
func (s *SQLiteStore) GetDrawdownActions(ctx context.Context, limit int) ([]risk.DrawdownAction, error) {
	query := "SELECT timestamp, state, previous, drawdown, peak_equity, equity, action, COALESCE(reduce_size_percent, 0), allow_dca, COALESCE(reason, '') FROM drawdown_actions ORDER BY id DESC"
	args := []interface{}{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query drawdown actions: %w", err)
	}
	defer rows.Close()

	var out []risk.DrawdownAction
	for rows.Next() {
		var a risk.DrawdownAction
		var allow int
		if err := rows.Scan(&a.Timestamp, &a.State, &a.Previous, &a.Drawdown, &a.PeakEquity, &a.Equity, &a.Action, &a.ReduceSizePercent, &allow, &a.Reason); err != nil {
			return nil, fmt.Errorf("failed to scan drawdown action: %w", err)
		}
		a.AllowDCA = allow == 1
		a.Changed = a.State != a.Previous
		out = append(out, a)
	}
	return out, rows.Err()
}

// SaveStopLossEvent saves a stop-loss trigger or warning.
func (s *SQLiteStore) SaveStopLossEvent(ctx context.Context, e *risk.StopLossEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO stop_loss_events (id, timestamp, asset, type, action, close_percent, price, stop_price, pnl_percent, urgency, reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.Timestamp, e.Asset, e.Type, e.Action, e.ClosePercent, e.Price, e.StopPrice, e.PnLPercent, e.Urgency, e.Reason)
	if err != nil {
		return fmt.Errorf("failed to save stop-loss event: %w", err)
	}
	return nil
}

// GetStopLossEvents retrieves stop-loss events, newest first.
func (s *SQLiteStore) GetStopLossEvents(ctx context.Context, filter EventFilter) ([]risk.StopLossEvent, error) {
	query := "SELECT id, timestamp, asset, type, action, COALESCE(close_percent, 0), price, COALESCE(stop_price, 0), COALESCE(pnl_percent, 0), COALESCE(urgency, ''), COALESCE(reason, '') FROM stop_loss_events WHERE 1=1"
	args := []interface{}{}
	if filter.Asset != "" {
		query += " AND asset = ?"
		args = append(args, filter.Asset)
	}
	if !filter.StartDate.IsZero() {
		query += " AND timestamp >= ?"
		args = append(args, filter.StartDate)
	}
	query += " ORDER BY timestamp DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query stop-loss events: %w", err)
	}
	defer rows.Close()

	var out []risk.StopLossEvent
	for rows.Next() {
		var e risk.StopLossEvent
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.Asset, &e.Type, &e.Action, &e.ClosePercent, &e.Price, &e.StopPrice, &e.PnLPercent, &e.Urgency, &e.Reason); err != nil {
			return nil, fmt.Errorf("failed to scan stop-loss event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// SaveEmergencyEvent saves an emergency close with its batches as JSON.
func (s *SQLiteStore) SaveEmergencyEvent(ctx context.Context, e *risk.EmergencyCloseEvent) error {
	before, _ := json.Marshal(e.Before)
	after, _ := json.Marshal(e.After)
	batches, _ := json.Marshal(e.Batches)
	errs, _ := json.Marshal(e.Errors)
	success := 0
	if e.Success {
		success = 1
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO emergency_events (id, started_at, completed_at, trigger_type, reason, strategy, success, phase, duration_ms, before_json, after_json, batches_json, errors_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.StartedAt, e.CompletedAt, e.TriggerType, e.Reason, e.Strategy, success, e.Phase, e.Duration.Milliseconds(), string(before), string(after), string(batches), string(errs))
	if err != nil {
		return fmt.Errorf("failed to save emergency event: %w", err)
	}
	return nil
}

// GetEmergencyEvents returns the most recent emergency closes.
func (s *SQLiteStore) GetEmergencyEvents(ctx context.Context, limit int) ([]risk.EmergencyCloseEvent, error) {
	query := "SELECT id, started_at, completed_at, trigger_type, COALESCE(reason, ''), strategy, success, phase, COALESCE(duration_ms, 0), COALESCE(before_json, '{}'), COALESCE(after_json, '{}'), COALESCE(batches_json, '[]'), COALESCE(errors_json, 'null') FROM emergency_events ORDER BY started_at DESC"
	args := []interface{}{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query emergency events: %w", err)
	}
	defer rows.Close()

	var out []risk.EmergencyCloseEvent
	for rows.Next() {
		var e risk.EmergencyCloseEvent
		var success int
		var durationMs int64
		var beforeJSON, afterJSON, batchesJSON, errorsJSON string
		if err := rows.Scan(&e.ID, &e.StartedAt, &e.CompletedAt, &e.TriggerType, &e.Reason, &e.Strategy, &success, &e.Phase, &durationMs, &beforeJSON, &afterJSON, &batchesJSON, &errorsJSON); err != nil {
			return nil, fmt.Errorf("failed to scan emergency event: %w", err)
		}
		json.Unmarshal([]byte(beforeJSON), &e.Before)
		json.Unmarshal([]byte(afterJSON), &e.After)
		json.Unmarshal([]byte(batchesJSON), &e.Batches)
		json.Unmarshal([]byte(errorsJSON), &e.Errors)
		e.Success = success == 1
		e.Duration = time.Duration(durationMs) * time.Millisecond
		out = append(out, e)
	}
	return out, rows.Err()
}

// ============================================================================
// Order Methods
// ============================================================================

// SaveOrder upserts a tracked order.
func (s *SQLiteStore) SaveOrder(ctx context.Context, o models.TrackedOrder) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO orders (order_id, decision_id, asset, side, type, size, price, source, tag, status, filled_size, fill_price, applied, placed_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, o.OrderID, o.DecisionID, o.Asset, o.Side, o.Type, o.Size, o.Price, o.Source, o.Tag, o.Status, o.FilledSize, o.FillPrice, o.Applied, o.PlacedAt, o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save order: %w", err)
	}
	return nil
}

// GetOrders retrieves tracked orders, most recently updated first.
func (s *SQLiteStore) GetOrders(ctx context.Context, filter OrderFilter) ([]models.TrackedOrder, error) {
	query := "SELECT order_id, COALESCE(decision_id, ''), asset, side, type, size, COALESCE(price, 0), COALESCE(source, ''), COALESCE(tag, ''), status, filled_size, COALESCE(fill_price, 0), applied, placed_at, updated_at FROM orders WHERE 1=1"
	args := []interface{}{}
	if filter.Asset != "" {
		query += " AND asset = ?"
		args = append(args, filter.Asset)
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, filter.Status)
	}
	if filter.Open {
		query += " AND status IN (?, ?)"
		args = append(args, models.OrderStatusOpen, models.OrderStatusPartiallyFilled)
	}
	query += " ORDER BY updated_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	defer rows.Close()

	var out []models.TrackedOrder
	for rows.Next() {
		var o models.TrackedOrder
		if err := rows.Scan(&o.OrderID, &o.DecisionID, &o.Asset, &o.Side, &o.Type, &o.Size, &o.Price, &o.Source, &o.Tag, &o.Status, &o.FilledSize, &o.FillPrice, &o.Applied, &o.PlacedAt, &o.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// SaveCycleError appends a cycle error.
func (s *SQLiteStore) SaveCycleError(ctx context.Context, asset, message string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cycle_errors (timestamp, asset, message) VALUES (?, ?, ?)
	`, at, asset, message)
	if err != nil {
		return fmt.Errorf("failed to save cycle error: %w", err)
	}
	return nil
}
