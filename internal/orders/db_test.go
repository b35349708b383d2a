package orders_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"ms-commerce/internal/models"
	"ms-commerce/internal/orders"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
)

func setupStore(t *testing.T) *orders.Store {
	t.Helper()
	sqldb, err := sql.Open(sqliteshim.ShimName, "file::memory:?cache=shared")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqldb.SetMaxOpenConns(1)
	t.Cleanup(func() { sqldb.Close() })

	bunDB := bun.NewDB(sqldb, sqlitedialect.New())
	ctx := context.Background()
	for _, model := range []interface{}{
		(*models.TicketOrder)(nil),
		(*models.TicketOrderItem)(nil),
		(*models.PurchasedTicket)(nil),
		(*models.ProductOrder)(nil),
		(*models.ProductOrderItem)(nil),
		(*models.WebhookLog)(nil),
	} {
		if err := bunDB.ResetModel(ctx, model); err != nil {
			t.Fatalf("reset model: %v", err)
		}
	}
	return orders.NewStore(bunDB)
}

func createPendingOrder(t *testing.T, store *orders.Store, orderNumber string) *models.TicketOrder {
	t.Helper()
	order := &models.TicketOrder{
		OrderNumber: orderNumber,
		UserID:      "user-1",
		Status:      models.OrderStatusPending,
		Total:       50,
		ExpiresAt:   time.Now().Add(20 * time.Minute),
		CreatedAt:   time.Now(),
	}
	items := []models.TicketOrderItem{
		{TicketTypeID: 1, VisitDate: "2026-09-15", TimeSlots: []string{""}, Quantity: 2, UnitPrice: 25, Subtotal: 50},
	}
	if err := store.CreateTicketOrder(context.Background(), order, items); err != nil {
		t.Fatalf("create order: %v", err)
	}
	return order
}

func TestCreateAndGetTicketOrder(t *testing.T) {
	store := setupStore(t)
	created := createPendingOrder(t, store, "TKT-AAA")

	got, err := store.GetTicketOrderByNumber(context.Background(), "TKT-AAA")
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if got.ID != created.ID {
		t.Errorf("id = %d, want %d", got.ID, created.ID)
	}
	if got.Status != models.OrderStatusPending {
		t.Errorf("status = %q, want pending", got.Status)
	}

	items, err := store.ListTicketOrderItems(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("list items: %v", err)
	}
	if len(items) != 1 || items[0].Quantity != 2 {
		t.Errorf("unexpected items: %+v", items)
	}
}

func TestUpdateTicketOrderStatusTransitions(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	t.Run("pending to paid", func(t *testing.T) {
		order := createPendingOrder(t, store, "TKT-T1")
		ok, err := store.UpdateTicketOrderStatus(ctx, order.ID, models.OrderStatusPaid)
		if err != nil || !ok {
			t.Fatalf("transition refused: ok=%v err=%v", ok, err)
		}
	})

	t.Run("duplicate paid transition refused", func(t *testing.T) {
		order := createPendingOrder(t, store, "TKT-T2")
		if ok, _ := store.UpdateTicketOrderStatus(ctx, order.ID, models.OrderStatusPaid); !ok {
			t.Fatal("first transition refused")
		}
		ok, err := store.UpdateTicketOrderStatus(ctx, order.ID, models.OrderStatusPaid)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if ok {
			t.Error("second paid transition must be refused")
		}
	})

	t.Run("expired order cannot become paid", func(t *testing.T) {
		order := createPendingOrder(t, store, "TKT-T3")
		if ok, _ := store.UpdateTicketOrderStatus(ctx, order.ID, models.OrderStatusExpired); !ok {
			t.Fatal("expire transition refused")
		}
		ok, _ := store.UpdateTicketOrderStatus(ctx, order.ID, models.OrderStatusPaid)
		if ok {
			t.Error("paid after expired must be refused")
		}
		got, _ := store.GetTicketOrderByNumber(ctx, "TKT-T3")
		if got.Status != models.OrderStatusExpired {
			t.Errorf("status = %q, want expired", got.Status)
		}
	})

	t.Run("pending order can be refunded", func(t *testing.T) {
		order := createPendingOrder(t, store, "TKT-T4")
		ok, err := store.UpdateTicketOrderStatus(ctx, order.ID, models.OrderStatusRefunded)
		if err != nil || !ok {
			t.Fatalf("refund transition refused: ok=%v err=%v", ok, err)
		}
	})

	t.Run("paid order cannot be refunded through the API", func(t *testing.T) {
		order := createPendingOrder(t, store, "TKT-T6")
		if ok, _ := store.UpdateTicketOrderStatus(ctx, order.ID, models.OrderStatusPaid); !ok {
			t.Fatal("paid transition refused")
		}
		ok, err := store.UpdateTicketOrderStatus(ctx, order.ID, models.OrderStatusRefunded)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if ok {
			t.Error("refunding a paid order is an administrative action, not a transition")
		}
		got, _ := store.GetTicketOrderByNumber(ctx, "TKT-T6")
		if got.Status != models.OrderStatusPaid {
			t.Errorf("status = %q, want paid", got.Status)
		}
	})

	t.Run("unknown target status rejected", func(t *testing.T) {
		order := createPendingOrder(t, store, "TKT-T5")
		if _, err := store.UpdateTicketOrderStatus(ctx, order.ID, "shipped"); err == nil {
			t.Error("expected error for unknown status")
		}
	})
}

func TestStampTicketsIssuedFirstCallerWins(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	order := createPendingOrder(t, store, "TKT-S1")

	ok, err := store.StampTicketsIssued(ctx, order.ID, time.Now())
	if err != nil || !ok {
		t.Fatalf("first stamp: ok=%v err=%v", ok, err)
	}
	ok, err = store.StampTicketsIssued(ctx, order.ID, time.Now())
	if err != nil {
		t.Fatalf("second stamp: %v", err)
	}
	if ok {
		t.Error("second stamp must observe false")
	}
}

func TestStampCapacityReleasedFirstCallerWins(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	order := createPendingOrder(t, store, "TKT-S2")

	if ok, _ := store.StampCapacityReleased(ctx, order.ID, time.Now()); !ok {
		t.Fatal("first stamp refused")
	}
	if ok, _ := store.StampCapacityReleased(ctx, order.ID, time.Now()); ok {
		t.Error("second stamp must observe false")
	}
}

func TestDeleteTicketOrderRemovesItems(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	order := createPendingOrder(t, store, "TKT-D1")

	if err := store.DeleteTicketOrder(ctx, order.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.GetTicketOrderByNumber(ctx, "TKT-D1"); err == nil {
		t.Error("expected order to be gone")
	}
	items, err := store.ListTicketOrderItems(ctx, order.ID)
	if err != nil {
		t.Fatalf("list items: %v", err)
	}
	if len(items) != 0 {
		t.Errorf("expected no items, got %d", len(items))
	}
}

func TestPurchasedTicketShortfall(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	order := createPendingOrder(t, store, "TKT-P1")
	items, _ := store.ListTicketOrderItems(ctx, order.ID)
	itemID := items[0].ID

	err := store.InsertPurchasedTickets(ctx, []models.PurchasedTicket{
		{TicketCode: "CODE-1", OrderItemID: itemID, ValidDate: "2026-09-15", TimeSlot: "", Status: models.TicketStatusActive, IssuedAt: time.Now()},
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	count, err := store.CountPurchasedTickets(ctx, itemID)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Errorf("count = %d, want 1", count)
	}
}

func TestReconciliationScans(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	now := time.Now()

	// Paid but unissued.
	paid := createPendingOrder(t, store, "TKT-R1")
	store.UpdateTicketOrderStatus(ctx, paid.ID, models.OrderStatusPaid)

	// Expired with capacity still held.
	expired := createPendingOrder(t, store, "TKT-R2")
	store.UpdateTicketOrderStatus(ctx, expired.ID, models.OrderStatusExpired)

	// Pending past its window.
	lapsed := &models.TicketOrder{
		OrderNumber: "TKT-R3",
		UserID:      "user-1",
		Status:      models.OrderStatusPending,
		ExpiresAt:   now.Add(-5 * time.Minute),
		CreatedAt:   now.Add(-30 * time.Minute),
	}
	if err := store.CreateTicketOrder(ctx, lapsed, nil); err != nil {
		t.Fatalf("create lapsed: %v", err)
	}

	missing, err := store.ListPaidTicketOrdersMissingIssuance(ctx, 10)
	if err != nil {
		t.Fatalf("scan missing issuance: %v", err)
	}
	if len(missing) != 1 || missing[0].OrderNumber != "TKT-R1" {
		t.Errorf("missing issuance scan: %+v", missing)
	}

	releasable, err := store.ListReleasableTicketOrders(ctx, 10)
	if err != nil {
		t.Fatalf("scan releasable: %v", err)
	}
	if len(releasable) != 1 || releasable[0].OrderNumber != "TKT-R2" {
		t.Errorf("releasable scan: %+v", releasable)
	}

	lapsedOrders, err := store.ListExpiredPendingTicketOrders(ctx, now, 10)
	if err != nil {
		t.Fatalf("scan lapsed: %v", err)
	}
	if len(lapsedOrders) != 1 || lapsedOrders[0].OrderNumber != "TKT-R3" {
		t.Errorf("lapsed scan: %+v", lapsedOrders)
	}

	// Once stamped, the order leaves the scans.
	store.StampTicketsIssued(ctx, paid.ID, now)
	store.StampCapacityReleased(ctx, expired.ID, now)
	if missing, _ := store.ListPaidTicketOrdersMissingIssuance(ctx, 10); len(missing) != 0 {
		t.Errorf("stamped order still in issuance scan: %+v", missing)
	}
	if releasable, _ := store.ListReleasableTicketOrders(ctx, 10); len(releasable) != 0 {
		t.Errorf("stamped order still in releasable scan: %+v", releasable)
	}
}

func TestMarkProductOrderPaidIsIdempotent(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	now := time.Now()

	order := &models.ProductOrder{
		OrderNumber:   "PRD-M1",
		UserID:        "user-1",
		Status:        models.ProductOrderAwaitingPayment,
		PaymentStatus: models.PaymentUnpaid,
		Total:         28,
		ExpiresAt:     now.Add(30 * time.Minute),
		CreatedAt:     now,
	}
	if err := store.CreateProductOrder(ctx, order, []models.ProductOrderItem{
		{VariantID: 1, Quantity: 2, UnitPrice: 14, Subtotal: 28},
	}); err != nil {
		t.Fatalf("create: %v", err)
	}

	ok, err := store.MarkProductOrderPaid(ctx, order.ID, "PICKUP01", now.Add(7*24*time.Hour), now)
	if err != nil || !ok {
		t.Fatalf("first confirm: ok=%v err=%v", ok, err)
	}
	ok, err = store.MarkProductOrderPaid(ctx, order.ID, "PICKUP02", now.Add(7*24*time.Hour), now)
	if err != nil {
		t.Fatalf("second confirm: %v", err)
	}
	if ok {
		t.Error("second confirmation must be refused")
	}

	got, _ := store.GetProductOrderByNumber(ctx, "PRD-M1")
	if got.PickupCode != "PICKUP01" {
		t.Errorf("pickup code = %q, want the first one to stick", got.PickupCode)
	}
	if got.Status != models.ProductOrderProcessing {
		t.Errorf("status = %q, want processing", got.Status)
	}
	if got.PaymentStatus != models.PaymentPaid {
		t.Errorf("payment status = %q, want paid", got.PaymentStatus)
	}
}

func TestCloseProductOrderNeverClosesPaid(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	now := time.Now()

	order := &models.ProductOrder{
		OrderNumber:   "PRD-C1",
		UserID:        "user-1",
		Status:        models.ProductOrderAwaitingPayment,
		PaymentStatus: models.PaymentUnpaid,
		ExpiresAt:     now.Add(30 * time.Minute),
		CreatedAt:     now,
	}
	if err := store.CreateProductOrder(ctx, order, nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	if ok, _ := store.MarkProductOrderPaid(ctx, order.ID, "PICK", now.Add(24*time.Hour), now); !ok {
		t.Fatal("confirm refused")
	}

	ok, err := store.CloseProductOrder(ctx, order.ID, models.ProductOrderExpired, models.PaymentUnpaid)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if ok {
		t.Error("a paid order must not be closable by the expiry path")
	}
}

func TestWebhookLogAppendAndList(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	if err := store.AppendWebhookLog(ctx, "TKT-W1", models.EventWebhook, `{"x":1}`, true, ""); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := store.AppendWebhookLog(ctx, "TKT-W1", models.EventStatusSync, "", false, "boom"); err != nil {
		t.Fatalf("append: %v", err)
	}

	logs, err := store.ListWebhookLogs(ctx, "TKT-W1", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(logs) != 2 {
		t.Fatalf("len(logs) = %d, want 2", len(logs))
	}
}
