// Package archive 将终态订单归档到本地 sqlite，供对账与复盘查询。
package archive

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tradebot/golive/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS orders (
	order_id        TEXT PRIMARY KEY,
	symbol          TEXT NOT NULL,
	side            TEXT NOT NULL,
	order_type      TEXT NOT NULL,
	quantity        REAL NOT NULL,
	filled_quantity REAL NOT NULL,
	filled_price    REAL NOT NULL,
	commission      REAL NOT NULL,
	status          TEXT NOT NULL,
	broker          TEXT NOT NULL,
	reason          TEXT,
	submitted_at    TIMESTAMP NOT NULL,
	filled_at       TIMESTAMP,
	archived_at     TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_orders_symbol ON orders(symbol);
CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status);
`

// Store sqlite 归档存储
type Store struct {
	db *sql.DB
}

// Open 打开归档库并执行建表迁移。path 为 ":memory:" 时使用内存库。
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create archive dir: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	// modernc/sqlite 对并发写敏感，归档路径串行即可
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate archive: %w", err)
	}
	return &Store{db: db}, nil
}

// SaveOrder 归档一条终态订单。重复归档按 upsert 处理（幂等）。
func (s *Store) SaveOrder(ctx context.Context, o *domain.Order) error {
	if !o.IsTerminal() {
		return fmt.Errorf("order %s not terminal (status=%s)", o.OrderID, o.Status)
	}

	var filledAt any
	if o.FilledAt != nil {
		filledAt = *o.FilledAt
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO orders (order_id, symbol, side, order_type, quantity,
			filled_quantity, filled_price, commission, status, broker, reason,
			submitted_at, filled_at, archived_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(order_id) DO UPDATE SET
			filled_quantity = excluded.filled_quantity,
			filled_price    = excluded.filled_price,
			commission      = excluded.commission,
			status          = excluded.status,
			filled_at       = excluded.filled_at,
			archived_at     = excluded.archived_at`,
		o.OrderID, o.Symbol, string(o.Side), string(o.Type), o.Quantity,
		o.FilledQuantity, o.FilledPrice, o.Commission, string(o.Status),
		o.Broker, o.Reason, o.SubmittedAt, filledAt, time.Now())
	if err != nil {
		return fmt.Errorf("archive order %s: %w", o.OrderID, err)
	}
	return nil
}

// GetOrder 按 ID 查询归档订单，不存在返回 sql.ErrNoRows
func (s *Store) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT order_id, symbol, side, order_type, quantity, filled_quantity,
			filled_price, commission, status, broker, reason, submitted_at, filled_at
		FROM orders WHERE order_id = ?`, orderID)
	return scanOrder(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*domain.Order, error) {
	var o domain.Order
	var side, otype, status string
	var filledAt sql.NullTime
	err := row.Scan(&o.OrderID, &o.Symbol, &side, &otype, &o.Quantity,
		&o.FilledQuantity, &o.FilledPrice, &o.Commission, &status,
		&o.Broker, &o.Reason, &o.SubmittedAt, &filledAt)
	if err != nil {
		return nil, err
	}
	o.Side = domain.Side(side)
	o.Type = domain.OrderType(otype)
	o.Status = domain.OrderStatus(status)
	if filledAt.Valid {
		t := filledAt.Time
		o.FilledAt = &t
	}
	return &o, nil
}

// ListBySymbol 按标的查询（最新在前）
func (s *Store) ListBySymbol(ctx context.Context, symbol string, limit int) ([]*domain.Order, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT order_id, symbol, side, order_type, quantity, filled_quantity,
			filled_price, commission, status, broker, reason, submitted_at, filled_at
		FROM orders WHERE symbol = ? ORDER BY submitted_at DESC LIMIT ?`, symbol, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// CountByStatus 各终态订单计数（对账用）
func (s *Store) CountByStatus(ctx context.Context) (map[domain.OrderStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM orders GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[domain.OrderStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[domain.OrderStatus(status)] = n
	}
	return out, rows.Err()
}

// Close 关闭底层数据库
func (s *Store) Close() error {
	return s.db.Close()
}
