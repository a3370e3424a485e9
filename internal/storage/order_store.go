// Package storage persists order snapshots so a restart can resume tracking
// in-flight orders. Terminal orders are kept for audit but never re-admitted.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/glebarez/go-sqlite"

	"connector_go/internal/domain"
)

// OrderStore handles persistent storage of order snapshots in SQLite.
type OrderStore struct {
	db *sql.DB
}

// NewOrderStore opens (or creates) the order database with WAL mode enabled.
func NewOrderStore(dbPath string) (*OrderStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA cache_size=-2000;", // 2MB cache
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return nil, fmt.Errorf("failed to set pragma %s: %w", pragma, err)
		}
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS orders (
			client_order_id TEXT PRIMARY KEY,
			payload BLOB NOT NULL,
			is_done INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create orders table: %w", err)
	}

	return &OrderStore{db: db}, nil
}

// SaveOrder upserts one order snapshot.
func (s *OrderStore) SaveOrder(ctx context.Context, o *domain.Order) error {
	payload, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("failed to marshal order: %w", err)
	}

	done := 0
	if o.IsDone() {
		done = 1
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO orders (client_order_id, payload, is_done, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(client_order_id) DO UPDATE SET
			payload = excluded.payload,
			is_done = excluded.is_done,
			updated_at = excluded.updated_at;
	`, o.ClientOrderID, payload, done, o.LastUpdateUnixMilli)
	if err != nil {
		return fmt.Errorf("failed to save order %s: %w", o.ClientOrderID, err)
	}
	return nil
}

// LoadActiveOrders returns every persisted non-terminal order, for the
// restore path. Restoring never re-admits terminal orders, so they are not
// even read back.
func (s *OrderStore) LoadActiveOrders(ctx context.Context) ([]*domain.Order, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT payload FROM orders WHERE is_done = 0 ORDER BY updated_at")
	if err != nil {
		return nil, fmt.Errorf("failed to load orders: %w", err)
	}
	defer rows.Close()

	var orders []*domain.Order
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan order row: %w", err)
		}
		var o domain.Order
		if err := json.Unmarshal(payload, &o); err != nil {
			return nil, fmt.Errorf("failed to unmarshal order: %w", err)
		}
		orders = append(orders, &o)
	}
	return orders, rows.Err()
}

// PruneDone deletes terminal orders last updated before the cutoff.
func (s *OrderStore) PruneDone(ctx context.Context, beforeUnixMilli int64) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM orders WHERE is_done = 1 AND updated_at < ?", beforeUnixMilli)
	if err != nil {
		return 0, fmt.Errorf("failed to prune orders: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the database.
func (s *OrderStore) Close() error {
	return s.db.Close()
}
