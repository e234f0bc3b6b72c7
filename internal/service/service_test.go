package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"bakehouse/backend/internal/docstore"
	docmem "bakehouse/backend/internal/docstore/memory"
	"bakehouse/backend/internal/domain"
	"bakehouse/backend/internal/events"
	"bakehouse/backend/internal/inventory"
	"bakehouse/backend/internal/logging"
	"bakehouse/backend/internal/saga"
	"bakehouse/backend/internal/store"
)

var errUnavailable = errors.New("store unavailable")

// flakyStore injects persistence failures into selected inventory writes.
type flakyStore struct {
	docstore.Store

	mu              sync.Mutex
	failDecrement   map[string]int
	failIncrement   map[string]int
	failOrderWrites int
	beforeDecrement func(inventoryID string)
	beforeIncrement func(inventoryID string)
}

func (f *flakyStore) take(counts map[string]int, id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if counts[id] > 0 {
		counts[id]--
		return true
	}
	return false
}

func (f *flakyStore) DecrementIfAtLeast(ctx context.Context, collection string, id string, field string, amount int64) (int64, error) {
	f.mu.Lock()
	hook := f.beforeDecrement
	f.mu.Unlock()
	if hook != nil {
		hook(id)
	}
	if collection == store.CollectionInventory && f.take(f.failDecrement, id) {
		return 0, errUnavailable
	}
	return f.Store.DecrementIfAtLeast(ctx, collection, id, field, amount)
}

func (f *flakyStore) Update(ctx context.Context, collection string, id string, fields docstore.Document) error {
	if _, isInc := fields["stock"].(docstore.Increment); isInc && collection == store.CollectionInventory {
		f.mu.Lock()
		hook := f.beforeIncrement
		f.beforeIncrement = nil
		f.mu.Unlock()
		if hook != nil {
			hook(id)
		}
		if f.take(f.failIncrement, id) {
			return errUnavailable
		}
	}
	if collection == store.CollectionOrders && f.failOrderWrite() {
		return errUnavailable
	}
	return f.Store.Update(ctx, collection, id, fields)
}

func (f *flakyStore) failOrderWrite() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOrderWrites > 0 {
		f.failOrderWrites--
		return true
	}
	return false
}

type fixture struct {
	svc     *Service
	docs    *flakyStore
	inner   *docmem.Store
	ledger  *inventory.Ledger
	journal *saga.MemoryJournal
	events  *events.Recorder
}

var serviceArea = domain.ServiceArea{MinLat: 14.50, MinLng: 120.90, MaxLat: 14.80, MaxLng: 121.20}

func strPtr(v string) *string { return &v }

func newFixture(t *testing.T) fixture {
	t.Helper()
	inner := docmem.New()
	docs := &flakyStore{Store: inner, failDecrement: map[string]int{}, failIncrement: map[string]int{}}
	repo := store.NewRepository(docs)
	ledger := inventory.NewLedger(docs)
	journal := saga.NewMemoryJournal()
	recorder := &events.Recorder{}

	ctx := context.Background()
	products := []domain.Product{
		{ID: "croissant", Name: "Butter Croissant", Price: 2900, Active: true},
		{ID: "baguette", Name: "Baguette", Price: 3800, Active: true},
		{ID: "sourdough", Name: "Country Sourdough", Active: true, Variants: []domain.Variant{
			{ID: "sourdough-whole", Name: "Whole loaf", Price: 8200},
		}},
	}
	for _, p := range products {
		if err := repo.SaveProduct(ctx, p); err != nil {
			t.Fatalf("seed product: %v", err)
		}
	}
	for _, key := range []inventory.Key{
		{ProductID: "croissant", BranchID: "main"},
		{ProductID: "baguette", BranchID: "main"},
		{ProductID: "sourdough", VariantID: strPtr("sourdough-whole"), BranchID: "main"},
	} {
		if err := inventory.NewLedger(inner).Increment(ctx, key, 10); err != nil {
			t.Fatalf("seed stock: %v", err)
		}
	}

	svc := New(repo, ledger, Options{
		Journal:         journal,
		Events:          recorder,
		Logger:          logging.Discard(),
		DefaultBranchID: "main",
		Defaults:        domain.Settings{DeliveryFee: 5000, ServiceArea: serviceArea},
	})
	clock := time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC)
	var clockMu sync.Mutex
	svc.now = func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		clock = clock.Add(time.Second)
		return clock
	}

	return fixture{svc: svc, docs: docs, inner: inner, ledger: ledger, journal: journal, events: recorder}
}

func adminCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "admin", Role: domain.RoleAdmin})
}

func cashCheckout() domain.CheckoutRequest {
	return domain.CheckoutRequest{
		Customer: domain.Customer{Name: "Ana Cruz", Mobile: "09171234567"},
		Payment:  domain.Payment{Option: "CASH"},
	}
}

func (f fixture) stock(t *testing.T, productID string, variantID *string) int64 {
	t.Helper()
	stock, err := f.ledger.GetStock(context.Background(), productID, variantID, "main")
	if err != nil {
		t.Fatalf("get stock: %v", err)
	}
	return stock
}

func (f fixture) setStock(t *testing.T, productID string, stock int64) {
	t.Helper()
	key := inventory.Key{ProductID: productID, BranchID: "main"}
	doc, err := docstore.Encode(domain.InventoryRecord{ID: key.ID(), ProductID: productID, BranchID: "main", Stock: stock})
	if err != nil {
		t.Fatalf("encode stock: %v", err)
	}
	if err := f.inner.Set(context.Background(), store.CollectionInventory, key.ID(), doc); err != nil {
		t.Fatalf("set stock: %v", err)
	}
}

func (f fixture) add(t *testing.T, session string, productID string, variantID *string, qty int) {
	t.Helper()
	_, err := f.svc.AddToCart(context.Background(), session, domain.CartAddRequest{
		ProductID: productID,
		VariantID: variantID,
		BranchID:  "main",
		Quantity:  qty,
	})
	if err != nil {
		t.Fatalf("add %s to cart: %v", productID, err)
	}
}

func (f fixture) orderCount(t *testing.T) int {
	t.Helper()
	count, err := f.inner.CountWhere(context.Background(), store.CollectionOrders, docstore.Where("timestamp", docstore.OpGte, 0))
	if err != nil {
		t.Fatalf("count orders: %v", err)
	}
	return count
}

func (f fixture) placeCroissants(t *testing.T, qty int) domain.Order {
	t.Helper()
	f.add(t, "s1", "croissant", nil, qty)
	order, err := f.svc.Checkout(context.Background(), "s1", cashCheckout())
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	return order
}

func assertTotalConsistent(t *testing.T, order domain.Order) {
	t.Helper()
	expected := order.ItemsSubtotal()
	if order.OrderType == domain.OrderTypeDelivery {
		expected += order.DeliveryFee
	}
	if order.TotalAmount != expected {
		t.Fatalf("total %d does not match items + fee %d", order.TotalAmount, expected)
	}
}

func assertNoAdjacentDuplicateLogs(t *testing.T, logs []domain.OrderLog) {
	t.Helper()
	for i := 1; i < len(logs); i++ {
		if logs[i].Status == logs[i-1].Status {
			t.Fatalf("adjacent duplicate log status %s at %d", logs[i].Status, i)
		}
		if logs[i].ChangedAt.Before(logs[i-1].ChangedAt) {
			t.Fatalf("logs out of time order at %d", i)
		}
	}
}

func TestCheckoutPlacesOrderAndTakesStock(t *testing.T) {
	f := newFixture(t)

	order := f.placeCroissants(t, 3)

	if order.Status != domain.StatusPending {
		t.Fatalf("expected PENDING, got %s", order.Status)
	}
	if order.PaymentStatus != domain.PaymentUnpaid {
		t.Fatalf("expected UNPAID, got %s", order.PaymentStatus)
	}
	if len(order.Items) != 1 || order.Items[0].Quantity != 3 {
		t.Fatalf("unexpected items: %+v", order.Items)
	}
	if order.Items[0].InventoryID != "croissant_-_main" {
		t.Fatalf("unexpected inventory id %s", order.Items[0].InventoryID)
	}
	if order.TotalAmount != 8700 {
		t.Fatalf("expected total 8700, got %d", order.TotalAmount)
	}
	assertTotalConsistent(t, order)
	if got := f.stock(t, "croissant", nil); got != 7 {
		t.Fatalf("expected stock 7, got %d", got)
	}
	if len(order.Logs) != 1 || order.Logs[0].Status != domain.StatusPending {
		t.Fatalf("expected one PENDING log, got %+v", order.Logs)
	}
	if order.OrderNumber != "BK-20261019-0001" {
		t.Fatalf("unexpected order number %s", order.OrderNumber)
	}

	view, err := f.svc.GetCart(context.Background(), "s1")
	if err != nil {
		t.Fatalf("get cart: %v", err)
	}
	if len(view.Items) != 0 {
		t.Fatalf("expected cart cleared after checkout")
	}

	rec, err := f.journal.Get(context.Background(), saga.RecordID(saga.KindPlaceOrder, order.ID))
	if err != nil {
		t.Fatalf("journal: %v", err)
	}
	if rec.Status != saga.StatusCompleted {
		t.Fatalf("expected completed saga, got %s", rec.Status)
	}

	published := f.events.Events()
	if len(published) != 1 || published[0].Type != events.TypeOrderPlaced {
		t.Fatalf("expected one order.placed event, got %+v", published)
	}

	second := f.placeCroissants(t, 1)
	if second.OrderNumber != "BK-20261019-0002" {
		t.Fatalf("expected second order number, got %s", second.OrderNumber)
	}
}

func TestSnapshotFieldsAreNotRefreshedFromCatalog(t *testing.T) {
	f := newFixture(t)
	f.add(t, "s1", "sourdough", strPtr("sourdough-whole"), 1)

	order, err := f.svc.Checkout(context.Background(), "s1", cashCheckout())
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}

	repo := store.NewRepository(f.docs)
	if err := repo.SaveProduct(context.Background(), domain.Product{ID: "sourdough", Name: "Renamed", Active: true, Variants: []domain.Variant{
		{ID: "sourdough-whole", Name: "Whole", Price: 9900},
	}}); err != nil {
		t.Fatalf("update product: %v", err)
	}

	stored, err := f.svc.GetOrder(adminCtx(), order.ID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	item := stored.Items[0]
	if item.ProductName != "Country Sourdough" || item.VariantName != "Whole loaf" || item.Price != 8200 {
		t.Fatalf("snapshot changed: %+v", item)
	}
}

func TestCancelRestocksFullQuantity(t *testing.T) {
	f := newFixture(t)
	order := f.placeCroissants(t, 3)

	cancelled, err := f.svc.CancelOrder(adminCtx(), order.ID, map[string]int{order.Items[0].ID: 3})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}

	if got := f.stock(t, "croissant", nil); got != 10 {
		t.Fatalf("expected stock back to 10, got %d", got)
	}
	if cancelled.Status != domain.StatusCancelled {
		t.Fatalf("expected CANCELLED, got %s", cancelled.Status)
	}
	if len(cancelled.Logs) != 2 {
		t.Fatalf("expected one CANCELLED entry appended, got %+v", cancelled.Logs)
	}
	last := cancelled.Logs[len(cancelled.Logs)-1]
	if last.Status != domain.StatusCancelled || last.ChangedBy != "admin" {
		t.Fatalf("unexpected cancel log %+v", last)
	}
	if cancelled.Items[0].Quantity != 3 {
		t.Fatalf("items must not be rewritten, got %+v", cancelled.Items)
	}
	if cancelled.Restocked[order.Items[0].ID] != 3 {
		t.Fatalf("expected restocked 3, got %+v", cancelled.Restocked)
	}

	stored, err := f.svc.GetOrder(adminCtx(), order.ID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if stored.Status != domain.StatusCancelled || stored.Items[0].Quantity != 3 {
		t.Fatalf("unexpected stored order %+v", stored)
	}
}

func TestCancelWithZeroRestockKeepsStock(t *testing.T) {
	f := newFixture(t)
	order := f.placeCroissants(t, 3)

	cancelled, err := f.svc.CancelOrder(adminCtx(), order.ID, map[string]int{order.Items[0].ID: 0})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got := f.stock(t, "croissant", nil); got != 7 {
		t.Fatalf("expected stock to stay 7, got %d", got)
	}
	if cancelled.Status != domain.StatusCancelled {
		t.Fatalf("expected CANCELLED, got %s", cancelled.Status)
	}
}

func TestCancelDefaultsToOrderedQuantity(t *testing.T) {
	f := newFixture(t)
	order := f.placeCroissants(t, 4)

	if _, err := f.svc.CancelOrder(adminCtx(), order.ID, nil); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got := f.stock(t, "croissant", nil); got != 10 {
		t.Fatalf("expected round trip to 10, got %d", got)
	}
}

func TestCancelEnforcesRestockBound(t *testing.T) {
	f := newFixture(t)
	order := f.placeCroissants(t, 2)
	itemID := order.Items[0].ID

	for _, restock := range []map[string]int{
		{itemID: 3},
		{itemID: -1},
		{"not-an-item": 1},
	} {
		if _, err := f.svc.CancelOrder(adminCtx(), order.ID, restock); !errors.Is(err, store.ErrInvalidRequest) {
			t.Fatalf("expected ErrInvalidRequest for %v, got %v", restock, err)
		}
	}
	if got := f.stock(t, "croissant", nil); got != 8 {
		t.Fatalf("rejected cancellations must not touch stock, got %d", got)
	}
}

func TestCancelTwiceIsRejected(t *testing.T) {
	f := newFixture(t)
	order := f.placeCroissants(t, 2)

	if _, err := f.svc.CancelOrder(adminCtx(), order.ID, nil); err != nil {
		t.Fatalf("first cancel: %v", err)
	}
	if _, err := f.svc.CancelOrder(adminCtx(), order.ID, nil); !errors.Is(err, store.ErrAlreadyCancelled) {
		t.Fatalf("expected ErrAlreadyCancelled, got %v", err)
	}
	if got := f.stock(t, "croissant", nil); got != 10 {
		t.Fatalf("stock must be restocked exactly once, got %d", got)
	}
}

func TestCancelRequiresStaff(t *testing.T) {
	f := newFixture(t)
	order := f.placeCroissants(t, 1)

	if _, err := f.svc.CancelOrder(context.Background(), order.ID, nil); !errors.Is(err, store.ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func TestSetStatusTwiceCoalescesLog(t *testing.T) {
	f := newFixture(t)
	order := f.placeCroissants(t, 1)
	req := domain.StatusUpdateRequest{Status: domain.StatusPreparing, PaymentStatus: domain.PaymentPaid}

	first, err := f.svc.SetStatus(adminCtx(), order.ID, req)
	if err != nil {
		t.Fatalf("first set status: %v", err)
	}
	second, err := f.svc.SetStatus(adminCtx(), order.ID, req)
	if err != nil {
		t.Fatalf("second set status: %v", err)
	}

	count := 0
	for _, entry := range second.Logs {
		if entry.Status == domain.StatusPreparing {
			count++
		}
	}
	if count != 1 || len(second.Logs) != 2 {
		t.Fatalf("expected exactly one PREPARING entry, got %+v", second.Logs)
	}
	if !second.Logs[1].ChangedAt.After(first.Logs[1].ChangedAt) {
		t.Fatalf("expected the later timestamp to win")
	}

	stored, err := f.svc.GetOrder(adminCtx(), order.ID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if stored.PaymentStatus != domain.PaymentPaid || len(stored.Logs) != 2 {
		t.Fatalf("unexpected stored order %+v", stored)
	}
	assertNoAdjacentDuplicateLogs(t, stored.Logs)
	assertTotalConsistent(t, stored)
}

func TestSetStatusAllowsAnyTransition(t *testing.T) {
	f := newFixture(t)
	order := f.placeCroissants(t, 1)

	sequence := []domain.OrderStatus{
		domain.StatusCompleted,
		domain.StatusPreparing,
		domain.StatusPreparing,
		domain.StatusPending,
	}
	var last domain.Order
	for _, status := range sequence {
		var err error
		last, err = f.svc.SetStatus(adminCtx(), order.ID, domain.StatusUpdateRequest{Status: status})
		if err != nil {
			t.Fatalf("set %s: %v", status, err)
		}
	}
	if len(last.Logs) != 4 {
		t.Fatalf("expected 4 log entries, got %+v", last.Logs)
	}
	assertNoAdjacentDuplicateLogs(t, last.Logs)
	if last.PaymentStatus != domain.PaymentUnpaid {
		t.Fatalf("empty payment status must keep current, got %s", last.PaymentStatus)
	}
}

func TestSetStatusValidatesInput(t *testing.T) {
	f := newFixture(t)
	order := f.placeCroissants(t, 1)

	if _, err := f.svc.SetStatus(context.Background(), order.ID, domain.StatusUpdateRequest{Status: domain.StatusConfirmed}); !errors.Is(err, store.ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if _, err := f.svc.SetStatus(adminCtx(), order.ID, domain.StatusUpdateRequest{Status: "BAKING"}); !errors.Is(err, store.ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
	if _, err := f.svc.SetStatus(adminCtx(), "missing", domain.StatusUpdateRequest{Status: domain.StatusConfirmed}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDeliveryOutsideServiceAreaIsRejectedBeforeAnyWrite(t *testing.T) {
	f := newFixture(t)
	f.add(t, "s1", "croissant", nil, 2)
	delivery := domain.OrderTypeDelivery
	if _, err := f.svc.UpdateCart(context.Background(), "s1", domain.CartUpdateRequest{OrderType: &delivery}); err != nil {
		t.Fatalf("set order type: %v", err)
	}

	req := cashCheckout()
	req.Coordinates = &domain.Coordinates{Lat: 10.3, Lng: 123.9}
	_, err := f.svc.Checkout(context.Background(), "s1", req)
	if !errors.Is(err, store.ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
	if f.orderCount(t) != 0 {
		t.Fatalf("no order may be written")
	}
	if got := f.stock(t, "croissant", nil); got != 10 {
		t.Fatalf("no stock may move, got %d", got)
	}
	records, _ := f.journal.List(context.Background(), false)
	if len(records) != 0 {
		t.Fatalf("no saga may be opened, got %d", len(records))
	}
}

func TestDeliveryInsideServiceAreaAddsFee(t *testing.T) {
	f := newFixture(t)
	f.add(t, "s1", "croissant", nil, 2)
	delivery := domain.OrderTypeDelivery
	view, err := f.svc.UpdateCart(context.Background(), "s1", domain.CartUpdateRequest{OrderType: &delivery})
	if err != nil {
		t.Fatalf("set order type: %v", err)
	}
	if view.Total != 5800+5000 {
		t.Fatalf("expected cart total with fee, got %d", view.Total)
	}

	req := cashCheckout()
	req.Coordinates = &domain.Coordinates{Lat: 14.6, Lng: 121.0}
	order, err := f.svc.Checkout(context.Background(), "s1", req)
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if order.DeliveryFee != 5000 || order.TotalAmount != 10800 {
		t.Fatalf("unexpected totals fee=%d total=%d", order.DeliveryFee, order.TotalAmount)
	}
	if order.Coordinates == nil || order.OrderType != domain.OrderTypeDelivery {
		t.Fatalf("expected delivery order with coordinates")
	}
	assertTotalConsistent(t, order)
}

func TestSettingsDocumentOverridesDefaults(t *testing.T) {
	f := newFixture(t)
	if err := store.NewRepository(f.docs).SaveSettings(context.Background(), domain.Settings{DeliveryFee: 1500}); err != nil {
		t.Fatalf("save settings: %v", err)
	}
	f.add(t, "s1", "croissant", nil, 1)
	delivery := domain.OrderTypeDelivery
	if _, err := f.svc.UpdateCart(context.Background(), "s1", domain.CartUpdateRequest{OrderType: &delivery}); err != nil {
		t.Fatalf("set order type: %v", err)
	}

	req := cashCheckout()
	req.Coordinates = &domain.Coordinates{Lat: 14.6, Lng: 121.0}
	order, err := f.svc.Checkout(context.Background(), "s1", req)
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if order.DeliveryFee != 1500 {
		t.Fatalf("expected fee from settings/general, got %d", order.DeliveryFee)
	}
}

func TestCheckoutValidationHappensBeforeAnyWrite(t *testing.T) {
	f := newFixture(t)

	if _, err := f.svc.Checkout(context.Background(), "empty", cashCheckout()); !errors.Is(err, store.ErrInvalidRequest) {
		t.Fatalf("expected empty cart rejection, got %v", err)
	}

	f.add(t, "s1", "croissant", nil, 1)
	cases := map[string]func(*domain.CheckoutRequest){
		"missing payment option": func(r *domain.CheckoutRequest) { r.Payment.Option = "" },
		"non-cash without reference": func(r *domain.CheckoutRequest) {
			r.Payment.Option = "GCASH"
			r.Payment.ReferenceNumber = " "
		},
		"missing name":   func(r *domain.CheckoutRequest) { r.Customer.Name = "" },
		"missing mobile": func(r *domain.CheckoutRequest) { r.Customer.Mobile = "" },
	}
	for name, mutate := range cases {
		req := cashCheckout()
		mutate(&req)
		if _, err := f.svc.Checkout(context.Background(), "s1", req); !errors.Is(err, store.ErrInvalidRequest) {
			t.Fatalf("%s: expected ErrInvalidRequest, got %v", name, err)
		}
	}
	if f.orderCount(t) != 0 {
		t.Fatalf("no order may be written")
	}
	view, _ := f.svc.GetCart(context.Background(), "s1")
	if len(view.Items) != 1 {
		t.Fatalf("cart must be kept after a rejected checkout")
	}
}

func TestNonCashPaidFlagHonouredOnlyForStaff(t *testing.T) {
	f := newFixture(t)
	req := cashCheckout()
	req.Payment = domain.Payment{Option: "gcash", ReferenceNumber: "GC-1234", Paid: true}

	f.add(t, "s1", "croissant", nil, 1)
	order, err := f.svc.Checkout(context.Background(), "s1", req)
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if order.Payment.Option != "GCASH" || order.PaymentStatus != domain.PaymentUnpaid || order.Payment.Paid {
		t.Fatalf("a customer must not settle payment, got %+v status %s", order.Payment, order.PaymentStatus)
	}

	f.add(t, "s2", "croissant", nil, 1)
	counter, err := f.svc.Checkout(adminCtx(), "s2", req)
	if err != nil {
		t.Fatalf("staff checkout: %v", err)
	}
	if counter.PaymentStatus != domain.PaymentPaid || !counter.Payment.Paid {
		t.Fatalf("staff may record a settled payment, got %+v status %s", counter.Payment, counter.PaymentStatus)
	}
}

func TestCheckoutRevalidatesLiveStock(t *testing.T) {
	f := newFixture(t)
	f.add(t, "s1", "croissant", nil, 3)
	f.setStock(t, "croissant", 2)

	_, err := f.svc.Checkout(context.Background(), "s1", cashCheckout())
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}
	if f.orderCount(t) != 0 {
		t.Fatalf("no order may be written")
	}
	if got := f.stock(t, "croissant", nil); got != 2 {
		t.Fatalf("stock must be untouched, got %d", got)
	}
}

func TestConcurrentCheckoutsCannotOversell(t *testing.T) {
	f := newFixture(t)
	f.add(t, "s1", "croissant", nil, 1)
	f.add(t, "s2", "croissant", nil, 1)
	f.setStock(t, "croissant", 1)

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i, session := range []string{"s1", "s2"} {
		wg.Add(1)
		go func(i int, session string) {
			defer wg.Done()
			_, results[i] = f.svc.Checkout(context.Background(), session, cashCheckout())
		}(i, session)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range results {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, store.ErrInsufficientStock):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if succeeded != 1 {
		t.Fatalf("expected exactly one checkout to succeed, got %d", succeeded)
	}
	if got := f.stock(t, "croissant", nil); got != 0 {
		t.Fatalf("expected stock 0, got %d", got)
	}

	pending, err := f.svc.ListOrders(adminCtx(), domain.StatusPending, 0)
	if err != nil {
		t.Fatalf("list orders: %v", err)
	}
	if len(pending.Orders) != 1 {
		t.Fatalf("expected one live order, got %d", len(pending.Orders))
	}
}

func TestStockRaceAtDecrementCompensatesEarlierLines(t *testing.T) {
	f := newFixture(t)
	f.add(t, "s1", "croissant", nil, 2)
	f.add(t, "s1", "baguette", nil, 1)
	f.setStock(t, "baguette", 1)

	// another checkout takes the last baguette after the live stock check
	f.docs.beforeDecrement = func(id string) {
		if id == "baguette_-_main" {
			f.docs.beforeDecrement = nil
			if _, err := f.inner.DecrementIfAtLeast(context.Background(), store.CollectionInventory, id, "stock", 1); err != nil {
				t.Errorf("drain baguette: %v", err)
			}
		}
	}

	_, err := f.svc.Checkout(context.Background(), "s1", cashCheckout())
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}
	if got := f.stock(t, "croissant", nil); got != 10 {
		t.Fatalf("croissants must be put back, got %d", got)
	}
	if got := f.stock(t, "baguette", nil); got != 0 {
		t.Fatalf("expected baguette stock 0, got %d", got)
	}

	cancelled, err := f.svc.ListOrders(adminCtx(), domain.StatusCancelled, 0)
	if err != nil {
		t.Fatalf("list orders: %v", err)
	}
	if len(cancelled.Orders) != 1 {
		t.Fatalf("expected the written order to be cancelled, got %d", len(cancelled.Orders))
	}
	logs := cancelled.Orders[0].Logs
	if logs[len(logs)-1].ChangedBy != domain.SystemActor {
		t.Fatalf("expected system cancellation, got %+v", logs)
	}

	records, _ := f.journal.List(context.Background(), false)
	if len(records) != 1 || records[0].Status != saga.StatusAborted {
		t.Fatalf("expected one aborted saga, got %+v", records)
	}

	view, _ := f.svc.GetCart(context.Background(), "s1")
	if len(view.Items) != 2 {
		t.Fatalf("cart must be kept after a failed checkout")
	}
}

func TestDecrementFailureIsJournaledAndReconciled(t *testing.T) {
	f := newFixture(t)
	f.docs.failDecrement["croissant_-_main"] = 1
	f.add(t, "s1", "croissant", nil, 2)
	f.add(t, "s1", "baguette", nil, 1)

	order, err := f.svc.Checkout(context.Background(), "s1", cashCheckout())
	if err != nil {
		t.Fatalf("a failed line must not fail the order: %v", err)
	}
	if got := f.stock(t, "croissant", nil); got != 10 {
		t.Fatalf("croissant decrement failed, stock must be 10, got %d", got)
	}
	if got := f.stock(t, "baguette", nil); got != 9 {
		t.Fatalf("loop must continue past a failed line, baguette stock %d", got)
	}

	rec, err := f.journal.Get(context.Background(), saga.RecordID(saga.KindPlaceOrder, order.ID))
	if err != nil {
		t.Fatalf("journal: %v", err)
	}
	if rec.Status != saga.StatusOpen || rec.Steps[0].State != saga.StepFailed {
		t.Fatalf("expected open saga with failed first step, got %+v", rec)
	}

	report, err := f.svc.Reconcile(adminCtx())
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if report.Examined != 1 || report.Settled != 1 || len(report.Open) != 0 {
		t.Fatalf("unexpected report %+v", report)
	}
	if got := f.stock(t, "croissant", nil); got != 8 {
		t.Fatalf("reconcile must finish the decrement, got %d", got)
	}

	again, err := f.svc.Reconcile(adminCtx())
	if err != nil {
		t.Fatalf("second reconcile: %v", err)
	}
	if again.Examined != 0 {
		t.Fatalf("nothing should be left open, got %+v", again)
	}
}

func TestCancelSkipsLinesThatWereNeverDeducted(t *testing.T) {
	f := newFixture(t)
	f.docs.failDecrement["croissant_-_main"] = 1
	order := f.placeCroissants(t, 2)

	if _, err := f.svc.CancelOrder(adminCtx(), order.ID, nil); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got := f.stock(t, "croissant", nil); got != 10 {
		t.Fatalf("restock must not exceed what was deducted, got %d", got)
	}

	report, err := f.svc.Reconcile(adminCtx())
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if report.Examined != 0 {
		t.Fatalf("abandoned decrement must not be retried, got %+v", report)
	}
	if got := f.stock(t, "croissant", nil); got != 10 {
		t.Fatalf("stock must stay 10, got %d", got)
	}
}

func TestRestockFailureStopsAndResumes(t *testing.T) {
	f := newFixture(t)
	f.add(t, "s1", "croissant", nil, 2)
	f.add(t, "s1", "baguette", nil, 3)
	order, err := f.svc.Checkout(context.Background(), "s1", cashCheckout())
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}

	f.docs.failIncrement["croissant_-_main"] = 1
	if _, err := f.svc.CancelOrder(adminCtx(), order.ID, nil); !errors.Is(err, errUnavailable) {
		t.Fatalf("expected the restock failure, got %v", err)
	}
	if got := f.stock(t, "croissant", nil); got != 8 {
		t.Fatalf("croissant must not be restocked yet, got %d", got)
	}
	if got := f.stock(t, "baguette", nil); got != 7 {
		t.Fatalf("loop must stop at the first failure, baguette %d", got)
	}
	stored, err := f.svc.GetOrder(adminCtx(), order.ID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if stored.Status != domain.StatusPending {
		t.Fatalf("order must not be cancelled after a failed restock, got %s", stored.Status)
	}

	cancelled, err := f.svc.CancelOrder(adminCtx(), order.ID, nil)
	if err != nil {
		t.Fatalf("resume cancel: %v", err)
	}
	if cancelled.Status != domain.StatusCancelled {
		t.Fatalf("expected CANCELLED, got %s", cancelled.Status)
	}
	if got := f.stock(t, "croissant", nil); got != 10 {
		t.Fatalf("expected croissant round trip to 10, got %d", got)
	}
	if got := f.stock(t, "baguette", nil); got != 10 {
		t.Fatalf("expected baguette round trip to 10, got %d", got)
	}
}

func TestReconcileFinishesInterruptedCancellation(t *testing.T) {
	f := newFixture(t)
	order := f.placeCroissants(t, 2)

	f.docs.failIncrement["croissant_-_main"] = 1
	if _, err := f.svc.CancelOrder(adminCtx(), order.ID, nil); err == nil {
		t.Fatalf("expected cancel to fail")
	}

	report, err := f.svc.Reconcile(adminCtx())
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if report.Settled != 1 {
		t.Fatalf("expected the cancellation to settle, got %+v", report)
	}
	stored, err := f.svc.GetOrder(adminCtx(), order.ID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if stored.Status != domain.StatusCancelled {
		t.Fatalf("expected CANCELLED after reconcile, got %s", stored.Status)
	}
	if got := f.stock(t, "croissant", nil); got != 10 {
		t.Fatalf("expected stock 10, got %d", got)
	}
}

func TestReconcileLeavesRunningCheckoutAlone(t *testing.T) {
	f := newFixture(t)
	f.add(t, "s1", "croissant", nil, 2)

	var report ReconcileReport
	var reconcileErr error
	f.docs.beforeDecrement = func(string) {
		f.docs.beforeDecrement = nil
		report, reconcileErr = f.svc.Reconcile(adminCtx())
	}

	if _, err := f.svc.Checkout(context.Background(), "s1", cashCheckout()); err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if reconcileErr != nil {
		t.Fatalf("reconcile: %v", reconcileErr)
	}
	if report.Examined != 1 || report.Busy != 1 || report.Settled != 0 {
		t.Fatalf("running placement must be skipped, got %+v", report)
	}
	if got := f.stock(t, "croissant", nil); got != 8 {
		t.Fatalf("croissant stock after ordering 2 from 10: %d", got)
	}

	after, err := f.svc.Reconcile(adminCtx())
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if after.Examined != 0 {
		t.Fatalf("placement should be settled, got %+v", after)
	}
}

func TestCancelWhilePlacementRunsIsRejected(t *testing.T) {
	f := newFixture(t)
	f.add(t, "s1", "croissant", nil, 2)

	var cancelErr error
	f.docs.beforeDecrement = func(string) {
		f.docs.beforeDecrement = nil
		open, err := f.journal.List(context.Background(), true)
		if err != nil || len(open) != 1 {
			t.Errorf("expected the running placement in the journal, got %v %v", open, err)
			return
		}
		_, cancelErr = f.svc.CancelOrder(adminCtx(), open[0].OrderID, nil)
	}

	order, err := f.svc.Checkout(context.Background(), "s1", cashCheckout())
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if !errors.Is(cancelErr, store.ErrInProgress) {
		t.Fatalf("expected ErrInProgress, got %v", cancelErr)
	}
	if got := f.stock(t, "croissant", nil); got != 8 {
		t.Fatalf("expected stock 8, got %d", got)
	}

	if _, err := f.svc.CancelOrder(adminCtx(), order.ID, nil); err != nil {
		t.Fatalf("cancel after placement: %v", err)
	}
	if got := f.stock(t, "croissant", nil); got != 10 {
		t.Fatalf("expected stock 10, got %d", got)
	}
}

func TestOverlappingCancelsRestockOnce(t *testing.T) {
	f := newFixture(t)
	order := f.placeCroissants(t, 2)

	var secondErr error
	f.docs.beforeIncrement = func(string) {
		_, secondErr = f.svc.CancelOrder(adminCtx(), order.ID, nil)
	}

	cancelled, err := f.svc.CancelOrder(adminCtx(), order.ID, nil)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if !errors.Is(secondErr, store.ErrInProgress) {
		t.Fatalf("expected the overlapping cancel to be rejected, got %v", secondErr)
	}
	if cancelled.Status != domain.StatusCancelled {
		t.Fatalf("expected CANCELLED, got %s", cancelled.Status)
	}
	if got := f.stock(t, "croissant", nil); got != 10 {
		t.Fatalf("croissant stock after cancelling a 2-unit order from 10: %d", got)
	}
	if _, err := f.svc.CancelOrder(adminCtx(), order.ID, nil); !errors.Is(err, store.ErrAlreadyCancelled) {
		t.Fatalf("expected ErrAlreadyCancelled, got %v", err)
	}
}

func TestReconcileLeavesRunningCancellationAlone(t *testing.T) {
	f := newFixture(t)
	order := f.placeCroissants(t, 2)

	var report ReconcileReport
	f.docs.beforeIncrement = func(string) {
		report, _ = f.svc.Reconcile(adminCtx())
	}

	if _, err := f.svc.CancelOrder(adminCtx(), order.ID, nil); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if report.Busy != 1 || report.Settled != 0 {
		t.Fatalf("running cancellation must be skipped, got %+v", report)
	}
	if got := f.stock(t, "croissant", nil); got != 10 {
		t.Fatalf("expected stock 10, got %d", got)
	}
}

func TestReconcileCancelsOrderLeftPendingAfterStockRace(t *testing.T) {
	f := newFixture(t)
	f.add(t, "s1", "croissant", nil, 2)
	f.add(t, "s1", "baguette", nil, 1)
	f.setStock(t, "baguette", 1)
	f.docs.failOrderWrites = 1
	f.docs.beforeDecrement = func(id string) {
		if id == "baguette_-_main" {
			f.docs.beforeDecrement = nil
			if _, err := f.inner.DecrementIfAtLeast(context.Background(), store.CollectionInventory, id, "stock", 1); err != nil {
				t.Errorf("drain baguette: %v", err)
			}
		}
	}

	if _, err := f.svc.Checkout(context.Background(), "s1", cashCheckout()); !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}
	pending, err := f.svc.ListOrders(adminCtx(), domain.StatusPending, 0)
	if err != nil {
		t.Fatalf("list orders: %v", err)
	}
	if len(pending.Orders) != 1 {
		t.Fatalf("expected the order stuck in PENDING, got %d", len(pending.Orders))
	}
	open, err := f.journal.List(context.Background(), true)
	if err != nil {
		t.Fatalf("journal: %v", err)
	}
	if len(open) != 1 || !open[0].CancelOwed {
		t.Fatalf("expected an open record owing the cancel, got %+v", open)
	}

	report, err := f.svc.Reconcile(adminCtx())
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if report.Settled != 1 {
		t.Fatalf("expected the rolled back placement to settle, got %+v", report)
	}
	stored, err := f.svc.GetOrder(adminCtx(), pending.Orders[0].ID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if stored.Status != domain.StatusCancelled || stored.Logs[len(stored.Logs)-1].ChangedBy != domain.SystemActor {
		t.Fatalf("expected system cancellation, got %s %+v", stored.Status, stored.Logs)
	}
	if got := f.stock(t, "croissant", nil); got != 10 {
		t.Fatalf("croissants must be put back once, got %d", got)
	}
	rec, err := f.journal.Get(context.Background(), saga.RecordID(saga.KindPlaceOrder, stored.ID))
	if err != nil {
		t.Fatalf("journal: %v", err)
	}
	if rec.Status != saga.StatusAborted {
		t.Fatalf("expected aborted record, got %s", rec.Status)
	}
}

func TestDiscardCartDropsSession(t *testing.T) {
	f := newFixture(t)
	f.add(t, "s1", "croissant", nil, 1)

	if err := f.svc.DiscardCart(context.Background(), "s1"); err != nil {
		t.Fatalf("discard: %v", err)
	}
	view, err := f.svc.GetCart(context.Background(), "s1")
	if err != nil {
		t.Fatalf("get cart: %v", err)
	}
	if len(view.Items) != 0 {
		t.Fatalf("expected an empty cart, got %+v", view.Items)
	}
	if err := f.svc.DiscardCart(context.Background(), " "); !errors.Is(err, store.ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}

func TestReconcileRequiresStaff(t *testing.T) {
	f := newFixture(t)
	if _, err := f.svc.Reconcile(context.Background()); !errors.Is(err, store.ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func TestAddToCartResolvesCatalogAndStock(t *testing.T) {
	f := newFixture(t)

	view, err := f.svc.AddToCart(context.Background(), "s1", domain.CartAddRequest{ProductID: "sourdough", VariantID: strPtr("sourdough-whole"), Quantity: 2})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	line := view.Items[0]
	if line.Price != 8200 || line.VariantName != "Whole loaf" || line.StockAvailable != 10 || line.BranchID != "main" {
		t.Fatalf("unexpected line %+v", line)
	}

	if _, err := f.svc.AddToCart(context.Background(), "s1", domain.CartAddRequest{ProductID: "sourdough", Quantity: 1}); !errors.Is(err, store.ErrInvalidRequest) {
		t.Fatalf("expected variant required, got %v", err)
	}
	if _, err := f.svc.AddToCart(context.Background(), "s1", domain.CartAddRequest{ProductID: "nope", Quantity: 1}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected unknown product, got %v", err)
	}

	f.setStock(t, "baguette", 0)
	if _, err := f.svc.AddToCart(context.Background(), "s1", domain.CartAddRequest{ProductID: "baguette", Quantity: 1}); !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected sold out, got %v", err)
	}

	removed, err := f.svc.RemoveFromCart(context.Background(), "s1", line.ID)
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if len(removed.Items) != 0 {
		t.Fatalf("expected empty cart")
	}
	if got := f.stock(t, "sourdough", strPtr("sourdough-whole")); got != 10 {
		t.Fatalf("cart operations must not write inventory, got %d", got)
	}
}

func TestAdjustStockWritesLogForActor(t *testing.T) {
	f := newFixture(t)
	ctx := WithActor(context.Background(), domain.Actor{Username: "baker", Role: domain.RoleStaff})

	record, err := f.svc.AdjustStock(ctx, domain.StockAdjustmentRequest{ProductID: "croissant", Quantity: 5, Reason: "second bake"})
	if err != nil {
		t.Fatalf("adjust: %v", err)
	}
	if record.Stock != 15 {
		t.Fatalf("expected 15, got %d", record.Stock)
	}

	logs, err := f.svc.ListInventoryTransactions(ctx, "main", 10)
	if err != nil {
		t.Fatalf("list logs: %v", err)
	}
	if len(logs) != 1 || logs[0].UserName != "baker" || !strings.Contains(logs[0].Message, "second bake") {
		t.Fatalf("unexpected logs %+v", logs)
	}

	f.placeCroissants(t, 2)
	logs, _ = f.svc.ListInventoryTransactions(ctx, "main", 10)
	if len(logs) != 1 {
		t.Fatalf("order-driven decrements are journaled, not logged; got %d logs", len(logs))
	}

	if _, err := f.svc.AdjustStock(context.Background(), domain.StockAdjustmentRequest{ProductID: "croissant", Quantity: 1}); !errors.Is(err, store.ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func TestWatchOrdersStreamsChanges(t *testing.T) {
	f := newFixture(t)

	var mu sync.Mutex
	var snapshots [][]domain.Order
	unsubscribe, err := f.svc.WatchOrders(adminCtx(), domain.StatusPending, func(orders []domain.Order) {
		mu.Lock()
		snapshots = append(snapshots, orders)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer unsubscribe()

	order := f.placeCroissants(t, 1)

	mu.Lock()
	defer mu.Unlock()
	if len(snapshots) < 2 {
		t.Fatalf("expected initial and updated snapshots, got %d", len(snapshots))
	}
	if len(snapshots[0]) != 0 {
		t.Fatalf("expected empty initial snapshot")
	}
	latest := snapshots[len(snapshots)-1]
	if len(latest) != 1 || latest[0].ID != order.ID {
		t.Fatalf("unexpected latest snapshot %+v", latest)
	}
}

func TestAppendLogCoalescesOnlyTheLastEntry(t *testing.T) {
	t0 := time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC)
	logs := []domain.OrderLog{{Status: domain.StatusPending, ChangedAt: t0}}

	logs = appendLog(logs, domain.StatusConfirmed, t0.Add(time.Minute), "admin")
	logs = appendLog(logs, domain.StatusConfirmed, t0.Add(2*time.Minute), "baker")
	logs = appendLog(logs, domain.StatusPending, t0.Add(3*time.Minute), "admin")

	if len(logs) != 3 {
		t.Fatalf("expected 3 entries, got %+v", logs)
	}
	if logs[1].ChangedBy != "baker" || !logs[1].ChangedAt.Equal(t0.Add(2*time.Minute)) {
		t.Fatalf("expected coalesced CONFIRMED entry, got %+v", logs[1])
	}
	assertNoAdjacentDuplicateLogs(t, logs)

	original := []domain.OrderLog{{Status: domain.StatusPending, ChangedAt: t0}}
	_ = appendLog(original, domain.StatusPending, t0.Add(time.Hour), "admin")
	if !original[0].ChangedAt.Equal(t0) {
		t.Fatalf("appendLog must not mutate its input")
	}
}
