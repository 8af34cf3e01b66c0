// Package storage defines the persistence ports for logged orders.
package storage

import (
	"context"
	"time"

	"gatherbridge/internal/domain"
)

// LoggedOrder is one canonical purchase record tied to the session that
// produced it.
type LoggedOrder struct {
	ID        string
	SessionID string
	Order     domain.PurchaseHistory
	CreatedAt time.Time
}

// OrderStore persists canonical orders received from the UI. Implementations
// de-duplicate by (brand, order id): re-logging an existing order updates it
// in place.
type OrderStore interface {
	SaveOrders(ctx context.Context, sessionID string, orders []domain.PurchaseHistory) (int, error)
	RecentOrders(ctx context.Context, sessionID string, limit int) ([]LoggedOrder, error)
	Close() error
}
