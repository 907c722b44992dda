package sqlite

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"gridtrader/internal/models"
	"gridtrader/internal/store"

	_ "modernc.org/sqlite" // 纯 Go 的 sqlite 驱动
)

// SQLiteStore 是基于 sqlite 的 Store 实现, 供单机部署使用
type SQLiteStore struct {
	db *sql.DB
}

// Open 打开 (或创建) sqlite 数据库并建表
func Open(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err = db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	// 单写者, 避免 sqlite 的并发写冲突
	db.SetMaxOpenConns(1)

	if err = createTables(db); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func createTables(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS grids (
			id TEXT PRIMARY KEY,
			symbol TEXT NOT NULL,
			status TEXT NOT NULL,
			center_price REAL NOT NULL,
			spread REAL NOT NULL,
			level_count INTEGER NOT NULL,
			capital_per_level REAL NOT NULL,
			log_multiplier REAL NOT NULL,
			mode TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);`,
		// 同一交易对最多一个未停止的网格
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_grids_active_symbol
			ON grids(symbol) WHERE status != 'STOPPED';`,
		`CREATE TABLE IF NOT EXISTS levels (
			grid_id TEXT NOT NULL,
			side TEXT NOT NULL,
			idx INTEGER NOT NULL,
			price REAL NOT NULL,
			quantity REAL NOT NULL,
			order_id TEXT,
			PRIMARY KEY (grid_id, side, idx)
		);`,
		`CREATE TABLE IF NOT EXISTS orders (
			id TEXT PRIMARY KEY,
			client_order_id TEXT NOT NULL UNIQUE,
			grid_id TEXT NOT NULL,
			level_index INTEGER NOT NULL,
			level_side TEXT NOT NULL,
			side TEXT NOT NULL,
			price REAL NOT NULL,
			quantity REAL NOT NULL,
			filled_qty REAL NOT NULL,
			status TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			last_synced_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_orders_grid ON orders(grid_id, status);`,
		`CREATE TABLE IF NOT EXISTS trades (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			grid_id TEXT NOT NULL,
			order_id TEXT NOT NULL,
			symbol TEXT NOT NULL,
			level_index INTEGER NOT NULL,
			side TEXT NOT NULL,
			price REAL NOT NULL,
			quantity REAL NOT NULL,
			cum_filled REAL NOT NULL,
			fee REAL NOT NULL,
			realized REAL NOT NULL,
			created_at INTEGER NOT NULL,
			UNIQUE (order_id, cum_filled)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_trades_grid ON trades(grid_id, id);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// SaveGrid 插入一个新网格
func (s *SQLiteStore) SaveGrid(grid *models.Grid) error {
	_, err := s.db.Exec(`
		INSERT INTO grids (id, symbol, status, center_price, spread, level_count, capital_per_level, log_multiplier, mode, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		grid.ID, grid.Symbol, string(grid.Status), grid.CenterPrice, grid.Spread,
		grid.LevelCount, grid.CapitalPerLevel, grid.LogMultiplier, string(grid.Mode),
		grid.CreatedAt.UnixMilli(), grid.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", store.ErrGridExists, grid.Symbol)
		}
		return fmt.Errorf("failed to insert grid %s: %w", grid.ID, err)
	}
	return nil
}

// GetGrid 按 ID 查询网格, 不存在时返回 (nil, nil)
func (s *SQLiteStore) GetGrid(id string) (*models.Grid, error) {
	return s.scanGrid(s.db.QueryRow(`
		SELECT id, symbol, status, center_price, spread, level_count, capital_per_level, log_multiplier, mode, created_at, updated_at
		FROM grids WHERE id = ?`, id))
}

// ActiveGridBySymbol 返回交易对上未停止的网格, 不存在时返回 (nil, nil)
func (s *SQLiteStore) ActiveGridBySymbol(symbol string) (*models.Grid, error) {
	return s.scanGrid(s.db.QueryRow(`
		SELECT id, symbol, status, center_price, spread, level_count, capital_per_level, log_multiplier, mode, created_at, updated_at
		FROM grids WHERE symbol = ? AND status != 'STOPPED'`, symbol))
}

func (s *SQLiteStore) scanGrid(row *sql.Row) (*models.Grid, error) {
	var g models.Grid
	var status, mode string
	var created, updated int64
	err := row.Scan(&g.ID, &g.Symbol, &status, &g.CenterPrice, &g.Spread,
		&g.LevelCount, &g.CapitalPerLevel, &g.LogMultiplier, &mode, &created, &updated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan grid row: %w", err)
	}
	g.Status = models.GridStatus(status)
	g.Mode = models.GridMode(mode)
	g.CreatedAt = time.UnixMilli(created)
	g.UpdatedAt = time.UnixMilli(updated)
	return &g, nil
}

// ListGrids 返回全部网格
func (s *SQLiteStore) ListGrids() ([]models.Grid, error) {
	rows, err := s.db.Query(`
		SELECT id, symbol, status, center_price, spread, level_count, capital_per_level, log_multiplier, mode, created_at, updated_at
		FROM grids ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to query grids: %w", err)
	}
	defer rows.Close()

	var grids []models.Grid
	for rows.Next() {
		var g models.Grid
		var status, mode string
		var created, updated int64
		if err := rows.Scan(&g.ID, &g.Symbol, &status, &g.CenterPrice, &g.Spread,
			&g.LevelCount, &g.CapitalPerLevel, &g.LogMultiplier, &mode, &created, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan grid row: %w", err)
		}
		g.Status = models.GridStatus(status)
		g.Mode = models.GridMode(mode)
		g.CreatedAt = time.UnixMilli(created)
		g.UpdatedAt = time.UnixMilli(updated)
		grids = append(grids, g)
	}
	return grids, rows.Err()
}

// UpdateGridStatus 按状态机推进网格状态
func (s *SQLiteStore) UpdateGridStatus(id string, to models.GridStatus) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRow(`SELECT status FROM grids WHERE id = ?`, id).Scan(&current)
	if err == sql.ErrNoRows {
		return fmt.Errorf("grid %s not found", id)
	}
	if err != nil {
		return fmt.Errorf("failed to read grid status: %w", err)
	}
	from := models.GridStatus(current)
	if from != to && !from.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s", store.ErrBadTransition, from, to)
	}
	_, err = tx.Exec(`UPDATE grids SET status = ?, updated_at = ? WHERE id = ?`,
		string(to), time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("failed to update grid status: %w", err)
	}
	return tx.Commit()
}

// SaveLevels 在一个事务里写入网格的全部档位
func (s *SQLiteStore) SaveLevels(gridID string, levels []models.Level) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, l := range levels {
		_, err = tx.Exec(`
			INSERT INTO levels (grid_id, side, idx, price, quantity, order_id)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(grid_id, side, idx) DO UPDATE SET
				price = excluded.price,
				quantity = excluded.quantity,
				order_id = excluded.order_id`,
			gridID, string(l.Side), l.Index, l.Price, l.Quantity, nullable(l.OrderID))
		if err != nil {
			return fmt.Errorf("failed to save level %s: %w", l.Key(), err)
		}
	}
	return tx.Commit()
}

// Levels 返回网格的全部档位
func (s *SQLiteStore) Levels(gridID string) ([]models.Level, error) {
	rows, err := s.db.Query(`
		SELECT grid_id, side, idx, price, quantity, order_id
		FROM levels WHERE grid_id = ? ORDER BY side, idx`, gridID)
	if err != nil {
		return nil, fmt.Errorf("failed to query levels: %w", err)
	}
	defer rows.Close()

	var levels []models.Level
	for rows.Next() {
		var l models.Level
		var side string
		var orderID sql.NullString
		if err := rows.Scan(&l.GridID, &side, &l.Index, &l.Price, &l.Quantity, &orderID); err != nil {
			return nil, fmt.Errorf("failed to scan level row: %w", err)
		}
		l.Side = models.Side(side)
		l.OrderID = orderID.String
		levels = append(levels, l)
	}
	return levels, rows.Err()
}

// SaveOrderAndLevel 落库订单并把它绑定到所属档位
func (s *SQLiteStore) SaveOrderAndLevel(order *models.Order) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := upsertOrder(tx, order); err != nil {
		return err
	}
	_, err = tx.Exec(`UPDATE levels SET order_id = ? WHERE grid_id = ? AND side = ? AND idx = ?`,
		order.ID, order.GridID, string(order.LevelSide), order.LevelIndex)
	if err != nil {
		return fmt.Errorf("failed to bind level to order %s: %w", order.ID, err)
	}
	return tx.Commit()
}

// SaveOrder 更新订单, 状态只允许单向推进
func (s *SQLiteStore) SaveOrder(order *models.Order) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := upsertOrder(tx, order); err != nil {
		return err
	}
	return tx.Commit()
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
	QueryRow(query string, args ...any) *sql.Row
}

func upsertOrder(tx execer, order *models.Order) error {
	var current string
	err := tx.QueryRow(`SELECT status FROM orders WHERE id = ?`, order.ID).Scan(&current)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("failed to read order status: %w", err)
	}
	if err == nil && !models.OrderStatus(current).CanTransition(order.Status) {
		return fmt.Errorf("%w: order %s %s -> %s", store.ErrStatusRegression, order.ID, current, order.Status)
	}
	_, err = tx.Exec(`
		INSERT INTO orders (id, client_order_id, grid_id, level_index, level_side, side, price, quantity, filled_qty, status, created_at, last_synced_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			filled_qty = excluded.filled_qty,
			status = excluded.status,
			last_synced_at = excluded.last_synced_at`,
		order.ID, order.ClientOrderID, order.GridID, order.LevelIndex, string(order.LevelSide),
		string(order.Side), order.Price, order.Quantity, order.FilledQty, string(order.Status),
		order.CreatedAt.UnixMilli(), order.LastSyncedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to upsert order %s: %w", order.ID, err)
	}
	return nil
}

// GetOrder 按 ID 查询订单, 不存在时返回 (nil, nil)
func (s *SQLiteStore) GetOrder(id string) (*models.Order, error) {
	row := s.db.QueryRow(`
		SELECT id, client_order_id, grid_id, level_index, level_side, side, price, quantity, filled_qty, status, created_at, last_synced_at
		FROM orders WHERE id = ?`, id)
	o, err := scanOrder(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return o, err
}

// OpenOrders 返回网格下所有未终结的订单
func (s *SQLiteStore) OpenOrders(gridID string) ([]models.Order, error) {
	rows, err := s.db.Query(`
		SELECT id, client_order_id, grid_id, level_index, level_side, side, price, quantity, filled_qty, status, created_at, last_synced_at
		FROM orders WHERE grid_id = ? AND status IN ('OPEN', 'PARTIALLY_FILLED')
		ORDER BY created_at`, gridID)
	if err != nil {
		return nil, fmt.Errorf("failed to query open orders: %w", err)
	}
	defer rows.Close()

	var orders []models.Order
	for rows.Next() {
		o, err := scanOrder(rows.Scan)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

func scanOrder(scan func(dest ...any) error) (*models.Order, error) {
	var o models.Order
	var levelSide, side, status string
	var created, synced int64
	err := scan(&o.ID, &o.ClientOrderID, &o.GridID, &o.LevelIndex, &levelSide, &side,
		&o.Price, &o.Quantity, &o.FilledQty, &status, &created, &synced)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan order row: %w", err)
	}
	o.LevelSide = models.Side(levelSide)
	o.Side = models.Side(side)
	o.Status = models.OrderStatus(status)
	o.CreatedAt = time.UnixMilli(created)
	o.LastSyncedAt = time.UnixMilli(synced)
	return &o, nil
}

// ClearLevelOrder 释放档位
func (s *SQLiteStore) ClearLevelOrder(gridID string, side models.Side, index int) error {
	_, err := s.db.Exec(`UPDATE levels SET order_id = NULL WHERE grid_id = ? AND side = ? AND idx = ?`,
		gridID, string(side), index)
	if err != nil {
		return fmt.Errorf("failed to clear level order: %w", err)
	}
	return nil
}

// RecordFill 在一个事务里记录成交并推进订单
func (s *SQLiteStore) RecordFill(trade *models.Trade, order *models.Order) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO trades (grid_id, order_id, symbol, level_index, side, price, quantity, cum_filled, fee, realized, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		trade.GridID, trade.OrderID, trade.Symbol, trade.LevelIndex, string(trade.Side), trade.Price,
		trade.Quantity, trade.CumFilled, trade.Fee, trade.Realized, trade.CreatedAt.UnixMilli())
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrDuplicateTrade
		}
		return fmt.Errorf("failed to insert trade for order %s: %w", trade.OrderID, err)
	}
	if err := upsertOrder(tx, order); err != nil {
		return err
	}
	return tx.Commit()
}

// Trades 返回网格的成交流水
func (s *SQLiteStore) Trades(gridID string) ([]models.Trade, error) {
	rows, err := s.db.Query(`
		SELECT id, grid_id, order_id, symbol, level_index, side, price, quantity, cum_filled, fee, realized, created_at
		FROM trades WHERE grid_id = ? ORDER BY id`, gridID)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	defer rows.Close()

	var trades []models.Trade
	for rows.Next() {
		var t models.Trade
		var side string
		var created int64
		if err := rows.Scan(&t.ID, &t.GridID, &t.OrderID, &t.Symbol, &t.LevelIndex, &side, &t.Price,
			&t.Quantity, &t.CumFilled, &t.Fee, &t.Realized, &created); err != nil {
			return nil, fmt.Errorf("failed to scan trade row: %w", err)
		}
		t.Side = models.Side(side)
		t.CreatedAt = time.UnixMilli(created)
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// ProfitSummary 汇总网格的成交统计
func (s *SQLiteStore) ProfitSummary(gridID string) (*store.ProfitSummary, error) {
	summary := &store.ProfitSummary{GridID: gridID}
	err := s.db.QueryRow(`
		SELECT COUNT(*),
			COALESCE(MAX(symbol), ''),
			COALESCE(SUM(CASE WHEN side = 'BUY' THEN price * quantity ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN side = 'SELL' THEN price * quantity ELSE 0 END), 0),
			COALESCE(SUM(fee), 0),
			COALESCE(SUM(realized), 0)
		FROM trades WHERE grid_id = ?`, gridID).
		Scan(&summary.TradeCount, &summary.Symbol, &summary.BuyVolume,
			&summary.SellVolume, &summary.TotalFees, &summary.Realized)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize trades: %w", err)
	}
	return summary, nil
}

// Close 关闭数据库连接
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
