package sqlite

import (
	"context"
	"testing"
	"time"

	"gatherbridge/internal/domain"
)

func testOrder(id string, date time.Time) domain.PurchaseHistory {
	return domain.PurchaseHistory{
		Brand:        "acme",
		OrderID:      id,
		OrderDate:    &date,
		OrderTotal:   "$42.00",
		ProductNames: []string{"widget"},
		ImageURLs:    []string{"https://img/widget.png"},
	}
}

func TestSaveAndRecentOrders(t *testing.T) {
	store, err := New("file:orders1?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer store.Close()

	date := time.Date(2025, time.June, 4, 0, 0, 0, 0, time.UTC)
	saved, err := store.SaveOrders(context.Background(), "sess-1", []domain.PurchaseHistory{
		testOrder("111", date),
		testOrder("222", date),
	})
	if err != nil {
		t.Fatalf("SaveOrders() error = %v", err)
	}
	if saved != 2 {
		t.Errorf("saved = %d, want 2", saved)
	}

	orders, err := store.RecentOrders(context.Background(), "sess-1", 10)
	if err != nil {
		t.Fatalf("RecentOrders() error = %v", err)
	}
	if len(orders) != 2 {
		t.Fatalf("len(orders) = %d, want 2", len(orders))
	}
	got := orders[0].Order
	if got.Brand != "acme" || got.OrderTotal != "$42.00" {
		t.Errorf("order = %+v", got)
	}
	if got.OrderDate == nil || !got.OrderDate.Equal(date) {
		t.Errorf("order date = %v, want %v", got.OrderDate, date)
	}
	if len(got.ProductNames) != 1 || got.ProductNames[0] != "widget" {
		t.Errorf("product names = %v", got.ProductNames)
	}
}

func TestSaveOrdersDeduplicatesByBrandAndID(t *testing.T) {
	store, err := New("file:orders2?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer store.Close()

	date := time.Date(2025, time.June, 4, 0, 0, 0, 0, time.UTC)
	first := testOrder("111", date)
	if _, err := store.SaveOrders(context.Background(), "sess-1", []domain.PurchaseHistory{first}); err != nil {
		t.Fatal(err)
	}

	updated := first
	updated.OrderTotal = "$99.00"
	if _, err := store.SaveOrders(context.Background(), "sess-1", []domain.PurchaseHistory{updated}); err != nil {
		t.Fatal(err)
	}

	orders, err := store.RecentOrders(context.Background(), "sess-1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(orders) != 1 {
		t.Fatalf("len(orders) = %d, want 1 after re-log", len(orders))
	}
	if orders[0].Order.OrderTotal != "$99.00" {
		t.Errorf("total = %q, want updated $99.00", orders[0].Order.OrderTotal)
	}
}

func TestSaveOrdersSkipsMissingOrderID(t *testing.T) {
	store, err := New("file:orders3?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer store.Close()

	saved, err := store.SaveOrders(context.Background(), "sess-1", []domain.PurchaseHistory{
		{Brand: "acme"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if saved != 0 {
		t.Errorf("saved = %d, want 0", saved)
	}
}

func TestRecentOrdersScopedToSession(t *testing.T) {
	store, err := New("file:orders4?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer store.Close()

	date := time.Now().UTC()
	if _, err := store.SaveOrders(context.Background(), "sess-a", []domain.PurchaseHistory{testOrder("111", date)}); err != nil {
		t.Fatal(err)
	}
	if _, err := store.SaveOrders(context.Background(), "sess-b", []domain.PurchaseHistory{testOrder("222", date)}); err != nil {
		t.Fatal(err)
	}

	orders, err := store.RecentOrders(context.Background(), "sess-a", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(orders) != 1 || orders[0].Order.OrderID != "111" {
		t.Errorf("orders = %+v, want only sess-a's order", orders)
	}
}
