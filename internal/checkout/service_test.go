package checkout_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"ms-commerce/internal/checkout"
	"ms-commerce/internal/logger"
	"ms-commerce/internal/models"
)

// ---------------- Fakes ----------------

type fakeOrders struct {
	ticketOrders   []*models.TicketOrder
	productOrders  []*models.ProductOrder
	deletedTickets []int64
	deletedProduct []int64
	tokens         map[int64]string
}

func newFakeOrders() *fakeOrders {
	return &fakeOrders{tokens: make(map[int64]string)}
}

func (f *fakeOrders) CreateTicketOrder(_ context.Context, order *models.TicketOrder, items []models.TicketOrderItem) error {
	order.ID = int64(len(f.ticketOrders) + 1)
	f.ticketOrders = append(f.ticketOrders, order)
	return nil
}

func (f *fakeOrders) DeleteTicketOrder(_ context.Context, orderID int64) error {
	f.deletedTickets = append(f.deletedTickets, orderID)
	return nil
}

func (f *fakeOrders) SetTicketOrderPayment(_ context.Context, orderID int64, token, _ string) error {
	f.tokens[orderID] = token
	return nil
}

func (f *fakeOrders) CreateProductOrder(_ context.Context, order *models.ProductOrder, items []models.ProductOrderItem) error {
	order.ID = int64(len(f.productOrders) + 1)
	f.productOrders = append(f.productOrders, order)
	return nil
}

func (f *fakeOrders) DeleteProductOrder(_ context.Context, orderID int64) error {
	f.deletedProduct = append(f.deletedProduct, orderID)
	return nil
}

func (f *fakeOrders) SetProductOrderPayment(_ context.Context, orderID int64, token, _ string) error {
	f.tokens[orderID] = token
	return nil
}

type reserveCall struct {
	key      models.CapacityKey
	variant  int64
	quantity int
}

type fakeLedger struct {
	ticketTypes map[int64]*models.TicketType
	variants    map[int64]*models.ProductVariant
	refuse      map[models.CapacityKey]bool
	refuseStock map[int64]bool

	reserved  []reserveCall
	released  []reserveCall
	heldStock []reserveCall
	freed     []reserveCall
}

func newLedger() *fakeLedger {
	return &fakeLedger{
		ticketTypes: make(map[int64]*models.TicketType),
		variants:    make(map[int64]*models.ProductVariant),
		refuse:      make(map[models.CapacityKey]bool),
		refuseStock: make(map[int64]bool),
	}
}

func (f *fakeLedger) GetTicketType(_ context.Context, id int64) (*models.TicketType, error) {
	tt, ok := f.ticketTypes[id]
	if !ok {
		return nil, errors.New("not found")
	}
	return tt, nil
}

func (f *fakeLedger) ReserveTicketCapacity(_ context.Context, ticketTypeID int64, visitDate, timeSlot string, quantity int) (bool, error) {
	key := models.CapacityKey{TicketTypeID: ticketTypeID, VisitDate: visitDate, TimeSlot: timeSlot}
	if f.refuse[key] {
		return false, nil
	}
	f.reserved = append(f.reserved, reserveCall{key: key, quantity: quantity})
	return true, nil
}

func (f *fakeLedger) ReleaseTicketCapacity(_ context.Context, ticketTypeID int64, visitDate, timeSlot string, quantity int) error {
	key := models.CapacityKey{TicketTypeID: ticketTypeID, VisitDate: visitDate, TimeSlot: timeSlot}
	f.released = append(f.released, reserveCall{key: key, quantity: quantity})
	return nil
}

func (f *fakeLedger) GetVariant(_ context.Context, id int64) (*models.ProductVariant, error) {
	v, ok := f.variants[id]
	if !ok {
		return nil, errors.New("not found")
	}
	return v, nil
}

func (f *fakeLedger) ReserveProductStock(_ context.Context, variantID int64, quantity int) (bool, error) {
	if f.refuseStock[variantID] {
		return false, nil
	}
	f.heldStock = append(f.heldStock, reserveCall{variant: variantID, quantity: quantity})
	return true, nil
}

func (f *fakeLedger) ReleaseProductStock(_ context.Context, variantID int64, quantity int) error {
	f.freed = append(f.freed, reserveCall{variant: variantID, quantity: quantity})
	return nil
}

type fakeGateway struct {
	fail  bool
	calls []*models.TokenRequest
}

func (f *fakeGateway) CreateToken(_ context.Context, req *models.TokenRequest) (*models.TokenResponse, error) {
	f.calls = append(f.calls, req)
	if f.fail {
		return nil, errors.New("gateway timeout")
	}
	return &models.TokenResponse{Token: "snap-token", RedirectURL: "https://pay.example/redirect"}, nil
}

// ---------------- Harness ----------------

func newService(t *testing.T, orders *fakeOrders, ledger *fakeLedger, gw *fakeGateway) *checkout.Service {
	t.Helper()
	log := logger.NewLogger()
	t.Cleanup(log.Close)
	return &checkout.Service{
		Orders:          orders,
		Ledger:          ledger,
		Gateway:         gw,
		Logger:          log,
		FinishURL:       "https://shop.example/finish",
		SessionDuration: 90 * time.Minute,
		Now:             func() time.Time { return time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC) },
	}
}

func seedTicketType(ledger *fakeLedger, id int64, price float64) {
	ledger.ticketTypes[id] = &models.TicketType{ID: id, Name: "Day Pass", Price: price, Active: true}
}

func seedVariant(ledger *fakeLedger, id int64, price float64, stock int) {
	ledger.variants[id] = &models.ProductVariant{ID: id, Name: "Souvenir Mug", Price: price, Active: true, Stock: stock}
}

// ---------------- Ticket checkout ----------------

func TestTicketCheckout(t *testing.T) {
	orders := newFakeOrders()
	ledger := newLedger()
	gw := &fakeGateway{}
	svc := newService(t, orders, ledger, gw)
	seedTicketType(ledger, 1, 25)

	resp, err := svc.TicketCheckout(context.Background(), "user-1", models.TicketCheckoutRequest{
		Items: []models.TicketCheckoutItem{
			{TicketTypeID: 1, VisitDate: "2026-09-10", TimeSlots: []string{"all_day"}, Quantity: 2},
		},
	})
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}

	if !strings.HasPrefix(resp.OrderNumber, "TKT-") {
		t.Errorf("order number %q missing TKT prefix", resp.OrderNumber)
	}
	if resp.Token != "snap-token" || resp.RedirectURL == "" {
		t.Errorf("payment path missing from response: %+v", resp)
	}
	if resp.Total != 50 {
		t.Errorf("total = %.2f, want 50", resp.Total)
	}
	if want := svc.Now().Add(20 * time.Minute); !resp.ExpiresAt.Equal(want) {
		t.Errorf("expires at %s, want %s", resp.ExpiresAt, want)
	}

	if len(orders.ticketOrders) != 1 {
		t.Fatalf("created %d orders, want 1", len(orders.ticketOrders))
	}
	if orders.tokens[orders.ticketOrders[0].ID] != "snap-token" {
		t.Error("payment token not persisted on the order")
	}
	if len(ledger.reserved) != 1 || ledger.reserved[0].quantity != 2 {
		t.Errorf("reservations: %+v", ledger.reserved)
	}
	if ledger.reserved[0].key.TimeSlot != models.SlotAllDay {
		t.Errorf("all_day must reserve the canonical empty slot, got %q", ledger.reserved[0].key.TimeSlot)
	}
}

func TestTicketCheckoutDeduplicatesSlots(t *testing.T) {
	orders := newFakeOrders()
	ledger := newLedger()
	svc := newService(t, orders, ledger, &fakeGateway{})
	seedTicketType(ledger, 1, 10)

	resp, err := svc.TicketCheckout(context.Background(), "user-1", models.TicketCheckoutRequest{
		Items: []models.TicketCheckoutItem{
			{TicketTypeID: 1, VisitDate: "2026-09-10", TimeSlots: []string{"all_day", "allday", "null"}, Quantity: 3},
		},
	})
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	// Three aliases of the same slot collapse to one: 3 units x 1 slot x 10.
	if resp.Total != 30 {
		t.Errorf("total = %.2f, want 30", resp.Total)
	}
	if len(ledger.reserved) != 1 || ledger.reserved[0].quantity != 3 {
		t.Errorf("reservations: %+v", ledger.reserved)
	}
}

func TestTicketCheckoutValidation(t *testing.T) {
	ledger := newLedger()
	seedTicketType(ledger, 1, 25)
	ledger.ticketTypes[2] = &models.TicketType{ID: 2, Name: "Retired Pass", Price: 25, Active: false}
	svc := newService(t, newFakeOrders(), ledger, &fakeGateway{})
	ctx := context.Background()

	cases := []struct {
		name  string
		items []models.TicketCheckoutItem
	}{
		{"no items", nil},
		{"zero quantity", []models.TicketCheckoutItem{{TicketTypeID: 1, VisitDate: "2026-09-10", Quantity: 0}}},
		{"bad date", []models.TicketCheckoutItem{{TicketTypeID: 1, VisitDate: "10/09/2026", Quantity: 1}}},
		{"unknown type", []models.TicketCheckoutItem{{TicketTypeID: 99, VisitDate: "2026-09-10", Quantity: 1}}},
		{"inactive type", []models.TicketCheckoutItem{{TicketTypeID: 2, VisitDate: "2026-09-10", Quantity: 1}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.TicketCheckout(ctx, "user-1", models.TicketCheckoutRequest{Items: tc.items})
			if !errors.Is(err, checkout.ErrValidation) {
				t.Errorf("error = %v, want ErrValidation", err)
			}
		})
	}
	if len(ledger.reserved) != 0 {
		t.Error("validation failures must not touch inventory")
	}
}

func TestTicketCheckoutReservationRefusalRollsBack(t *testing.T) {
	orders := newFakeOrders()
	ledger := newLedger()
	svc := newService(t, orders, ledger, &fakeGateway{})
	seedTicketType(ledger, 1, 25)
	seedTicketType(ledger, 2, 40)
	ledger.refuse[models.CapacityKey{TicketTypeID: 2, VisitDate: "2026-09-10", TimeSlot: models.SlotAllDay}] = true

	_, err := svc.TicketCheckout(context.Background(), "user-1", models.TicketCheckoutRequest{
		Items: []models.TicketCheckoutItem{
			{TicketTypeID: 1, VisitDate: "2026-09-10", Quantity: 2},
			{TicketTypeID: 2, VisitDate: "2026-09-10", Quantity: 1},
		},
	})
	if !errors.Is(err, checkout.ErrUnavailable) {
		t.Fatalf("error = %v, want ErrUnavailable", err)
	}

	// Whatever was acquired before the refusal must have been handed back.
	if len(ledger.released) != len(ledger.reserved) {
		t.Errorf("reserved %d buckets but released %d", len(ledger.reserved), len(ledger.released))
	}
	if len(orders.ticketOrders) != 0 {
		t.Error("no order may exist after a refused reservation")
	}
}

func TestTicketCheckoutGatewayFailureRollsBack(t *testing.T) {
	orders := newFakeOrders()
	ledger := newLedger()
	svc := newService(t, orders, ledger, &fakeGateway{fail: true})
	seedTicketType(ledger, 1, 25)

	_, err := svc.TicketCheckout(context.Background(), "user-1", models.TicketCheckoutRequest{
		Items: []models.TicketCheckoutItem{
			{TicketTypeID: 1, VisitDate: "2026-09-10", Quantity: 2},
		},
	})
	if !errors.Is(err, checkout.ErrUpstream) {
		t.Fatalf("error = %v, want ErrUpstream", err)
	}

	if len(orders.deletedTickets) != 1 {
		t.Errorf("order must be deleted on gateway failure, deletions: %v", orders.deletedTickets)
	}
	if len(ledger.released) != len(ledger.reserved) {
		t.Errorf("reserved %d buckets but released %d", len(ledger.reserved), len(ledger.released))
	}
}

// ---------------- Product checkout ----------------

func TestProductCheckout(t *testing.T) {
	orders := newFakeOrders()
	ledger := newLedger()
	svc := newService(t, orders, ledger, &fakeGateway{})
	seedVariant(ledger, 7, 14, 50)

	resp, err := svc.ProductCheckout(context.Background(), "user-1", models.ProductCheckoutRequest{
		Items: []models.ProductCheckoutItem{{VariantID: 7, Quantity: 2}},
	})
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}

	if !strings.HasPrefix(resp.OrderNumber, "PRD-") {
		t.Errorf("order number %q missing PRD prefix", resp.OrderNumber)
	}
	if resp.Total != 28 {
		t.Errorf("total = %.2f, want 28", resp.Total)
	}
	// 50 sellable units lands in the relaxed 60 minute window.
	if want := svc.Now().Add(60 * time.Minute); !resp.ExpiresAt.Equal(want) {
		t.Errorf("expires at %s, want %s", resp.ExpiresAt, want)
	}
	if len(ledger.heldStock) != 1 || ledger.heldStock[0].quantity != 2 {
		t.Errorf("stock holds: %+v", ledger.heldStock)
	}
	if len(orders.productOrders) != 1 || orders.productOrders[0].Status != models.ProductOrderAwaitingPayment {
		t.Errorf("orders: %+v", orders.productOrders)
	}
}

func TestProductCheckoutScarcityShortensWindow(t *testing.T) {
	orders := newFakeOrders()
	ledger := newLedger()
	svc := newService(t, orders, ledger, &fakeGateway{})
	seedVariant(ledger, 7, 14, 3)

	resp, err := svc.ProductCheckout(context.Background(), "user-1", models.ProductCheckoutRequest{
		Items: []models.ProductCheckoutItem{{VariantID: 7, Quantity: 1}},
	})
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if want := svc.Now().Add(15 * time.Minute); !resp.ExpiresAt.Equal(want) {
		t.Errorf("expires at %s, want %s", resp.ExpiresAt, want)
	}
}

func TestProductCheckoutStockRefusalRollsBack(t *testing.T) {
	orders := newFakeOrders()
	ledger := newLedger()
	svc := newService(t, orders, ledger, &fakeGateway{})
	seedVariant(ledger, 7, 14, 50)
	seedVariant(ledger, 8, 9, 50)
	ledger.refuseStock[8] = true

	_, err := svc.ProductCheckout(context.Background(), "user-1", models.ProductCheckoutRequest{
		Items: []models.ProductCheckoutItem{
			{VariantID: 7, Quantity: 2},
			{VariantID: 8, Quantity: 1},
		},
	})
	if !errors.Is(err, checkout.ErrUnavailable) {
		t.Fatalf("error = %v, want ErrUnavailable", err)
	}
	if len(ledger.freed) != 1 || ledger.freed[0].variant != 7 {
		t.Errorf("first hold must be handed back, freed: %+v", ledger.freed)
	}
	if len(orders.productOrders) != 0 {
		t.Error("no order may exist after a refused hold")
	}
}

func TestProductCheckoutGatewayFailureRollsBack(t *testing.T) {
	orders := newFakeOrders()
	ledger := newLedger()
	svc := newService(t, orders, ledger, &fakeGateway{fail: true})
	seedVariant(ledger, 7, 14, 50)

	_, err := svc.ProductCheckout(context.Background(), "user-1", models.ProductCheckoutRequest{
		Items: []models.ProductCheckoutItem{{VariantID: 7, Quantity: 2}},
	})
	if !errors.Is(err, checkout.ErrUpstream) {
		t.Fatalf("error = %v, want ErrUpstream", err)
	}
	if len(orders.deletedProduct) != 1 {
		t.Error("order must be deleted on gateway failure")
	}
	if len(ledger.freed) != 1 || ledger.freed[0].quantity != 2 {
		t.Errorf("stock must be handed back, freed: %+v", ledger.freed)
	}
}

func TestProductCheckoutValidation(t *testing.T) {
	ledger := newLedger()
	seedVariant(ledger, 7, 14, 50)
	svc := newService(t, newFakeOrders(), ledger, &fakeGateway{})

	_, err := svc.ProductCheckout(context.Background(), "user-1", models.ProductCheckoutRequest{
		Items: []models.ProductCheckoutItem{{VariantID: 7, Quantity: -1}},
	})
	if !errors.Is(err, checkout.ErrValidation) {
		t.Errorf("error = %v, want ErrValidation", err)
	}
	if len(ledger.heldStock) != 0 {
		t.Error("validation failures must not touch inventory")
	}
}
