// Package sqlite is the SQLite implementation of the order store.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"gatherbridge/internal/domain"
	"gatherbridge/internal/storage"
)

// Store is a SQLite implementation of storage.OrderStore.
type Store struct {
	db *sql.DB
}

var _ storage.OrderStore = (*Store)(nil)

// New opens (or creates) the database at dbPath.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	store := &Store{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS orders (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			brand TEXT NOT NULL,
			order_id TEXT NOT NULL,
			order_date TIMESTAMP,
			order_total TEXT,
			product_names TEXT,
			image_urls TEXT,
			max_return_dates TEXT,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			UNIQUE (brand, order_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_session ON orders(session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_created ON orders(created_at)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

// SaveOrders upserts orders for a session and returns how many rows were
// written. Orders without an order ID are skipped: there is nothing to
// de-duplicate on.
func (s *Store) SaveOrders(ctx context.Context, sessionID string, orders []domain.PurchaseHistory) (int, error) {
	if len(orders) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `INSERT INTO orders (
		id, session_id, brand, order_id, order_date, order_total,
		product_names, image_urls, max_return_dates, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (brand, order_id) DO UPDATE SET
		session_id = excluded.session_id,
		order_date = excluded.order_date,
		order_total = excluded.order_total,
		product_names = excluded.product_names,
		image_urls = excluded.image_urls,
		max_return_dates = excluded.max_return_dates,
		updated_at = excluded.updated_at`

	now := time.Now()
	saved := 0
	for _, order := range orders {
		if order.OrderID == "" {
			continue
		}
		names, err := json.Marshal(order.ProductNames)
		if err != nil {
			return saved, fmt.Errorf("failed to marshal product names: %w", err)
		}
		urls, err := json.Marshal(order.ImageURLs)
		if err != nil {
			return saved, fmt.Errorf("failed to marshal image urls: %w", err)
		}
		returns, err := json.Marshal(order.MaxReturnDates)
		if err != nil {
			return saved, fmt.Errorf("failed to marshal return dates: %w", err)
		}

		var orderDate sql.NullTime
		if order.OrderDate != nil {
			orderDate = sql.NullTime{Time: *order.OrderDate, Valid: true}
		}

		if _, err := tx.ExecContext(ctx, query,
			uuid.NewString(), sessionID, order.Brand, order.OrderID,
			orderDate, order.OrderTotal,
			string(names), string(urls), string(returns),
			now, now); err != nil {
			return saved, fmt.Errorf("failed to save order: %w", err)
		}
		saved++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit orders: %w", err)
	}
	return saved, nil
}

// RecentOrders returns a session's orders, newest first.
func (s *Store) RecentOrders(ctx context.Context, sessionID string, limit int) ([]storage.LoggedOrder, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT id, session_id, brand, order_id, order_date, order_total,
		product_names, image_urls, max_return_dates, created_at
	FROM orders WHERE session_id = ?
	ORDER BY created_at DESC, order_id DESC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	defer rows.Close()

	var out []storage.LoggedOrder
	for rows.Next() {
		var logged storage.LoggedOrder
		var orderDate sql.NullTime
		var names, urls, returns sql.NullString

		if err := rows.Scan(&logged.ID, &logged.SessionID, &logged.Order.Brand,
			&logged.Order.OrderID, &orderDate, &logged.Order.OrderTotal,
			&names, &urls, &returns, &logged.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}

		if orderDate.Valid {
			t := orderDate.Time
			logged.Order.OrderDate = &t
		}
		if names.Valid {
			if err := json.Unmarshal([]byte(names.String), &logged.Order.ProductNames); err != nil {
				return nil, fmt.Errorf("failed to unmarshal product names: %w", err)
			}
		}
		if urls.Valid {
			if err := json.Unmarshal([]byte(urls.String), &logged.Order.ImageURLs); err != nil {
				return nil, fmt.Errorf("failed to unmarshal image urls: %w", err)
			}
		}
		if returns.Valid {
			if err := json.Unmarshal([]byte(returns.String), &logged.Order.MaxReturnDates); err != nil {
				return nil, fmt.Errorf("failed to unmarshal return dates: %w", err)
			}
		}
		out = append(out, logged)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
