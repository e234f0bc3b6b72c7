package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"bakehouse/backend/internal/cart"
	"bakehouse/backend/internal/docstore"
	"bakehouse/backend/internal/domain"
	"bakehouse/backend/internal/events"
	"bakehouse/backend/internal/inventory"
	"bakehouse/backend/internal/saga"
	"bakehouse/backend/internal/store"
	"bakehouse/backend/internal/xid"
)

// Checkout places an order from the session's cart and clears the cart only
// when the order went through.
func (s *Service) Checkout(ctx context.Context, sessionID string, req domain.CheckoutRequest) (domain.Order, error) {
	if strings.TrimSpace(sessionID) == "" {
		return domain.Order{}, fmt.Errorf("%w: cart session is required", store.ErrInvalidRequest)
	}
	c, err := s.carts.Load(ctx, sessionID)
	if err != nil {
		return domain.Order{}, err
	}

	order, err := s.PlaceOrder(ctx, c, req)
	if err != nil {
		return domain.Order{}, err
	}

	c.Clear()
	if err := s.carts.Save(ctx, c); err != nil {
		s.log(ctx).Warn("order placed but cart was not cleared", "order_id", order.ID, "session", sessionID, "err", err)
	}
	return order, nil
}

// PlaceOrder validates the cart and checkout details, persists the order and
// then takes stock line by line.
//
// Only a staff caller may record the payment as already settled.
//
// A line whose decrement fails for a persistence reason is logged and left
// failed in the saga journal for Reconcile; the order stands. A line that
// finds too little stock means another checkout won the race: lines already
// taken are put back, the order is cancelled by "system" and
// ErrInsufficientStock is returned.
func (s *Service) PlaceOrder(ctx context.Context, c *cart.Cart, req domain.CheckoutRequest) (domain.Order, error) {
	started := time.Now()
	settings := s.settings(ctx)

	if err := s.validateCheckout(c, req, settings); err != nil {
		s.metrics.CheckoutRejected.WithLabelValues("validation").Inc()
		return domain.Order{}, err
	}
	if err := s.checkLiveStock(ctx, c); err != nil {
		s.metrics.CheckoutRejected.WithLabelValues("stock").Inc()
		return domain.Order{}, err
	}

	now := s.now()
	orderNumber, err := s.nextOrderNumber(ctx, now)
	if err != nil {
		return domain.Order{}, err
	}
	_, staffErr := requireStaff(ctx)
	order := buildOrder(c, req, settings, orderNumber, actorName(ctx), staffErr == nil, now)

	release, err := s.claim(saga.KindPlaceOrder, order.ID)
	if err != nil {
		return domain.Order{}, err
	}
	defer release()

	rec := saga.NewRecord(saga.KindPlaceOrder, order.ID, actorName(ctx), decrementSteps(order.Items), now)
	if err := s.journal.Put(ctx, rec); err != nil {
		return domain.Order{}, fmt.Errorf("open saga journal: %w", err)
	}

	if err := s.repo.CreateOrder(ctx, order); err != nil {
		for i := range rec.Steps {
			rec.Mark(i, saga.StepSkipped, nil, s.now())
		}
		rec.Note = "order write failed"
		rec.Settle(s.now())
		s.putJournal(ctx, rec)
		return domain.Order{}, err
	}

	for i, step := range rec.Steps {
		_, err := s.ledger.Decrement(ctx, step.InventoryID, step.Quantity)
		switch {
		case err == nil:
			rec.Mark(i, saga.StepDone, nil, s.now())
			s.metrics.UnitsDecremented.Add(float64(step.Quantity))
		case errors.Is(err, store.ErrInsufficientStock):
			s.metrics.CheckoutRejected.WithLabelValues("stock_race").Inc()
			s.abortPlacement(ctx, &order, &rec, i, err)
			return domain.Order{}, err
		default:
			s.log(ctx).Warn("inventory decrement failed",
				"order_id", order.ID, "inventory_id", step.InventoryID, "quantity", step.Quantity, "err", err)
			rec.Mark(i, saga.StepFailed, err, s.now())
			s.metrics.InventoryStepFails.WithLabelValues(string(saga.ActionDecrement)).Inc()
		}
		s.putJournal(ctx, rec)
	}

	rec.Settle(s.now())
	s.putJournal(ctx, rec)

	s.metrics.OrdersPlaced.Inc()
	s.metrics.CheckoutLatencySec.Observe(time.Since(started).Seconds())
	s.publish(ctx, events.TypeOrderPlaced, order, nil)
	s.log(ctx).Info("order placed", "order_id", order.ID, "order_number", order.OrderNumber,
		"total", order.TotalAmount, "items", len(order.Items), "saga_status", rec.Status)
	return order, nil
}

// abortPlacement reverses the lines already taken for an order whose line
// failed at index failed, then marks the order cancelled.
func (s *Service) abortPlacement(ctx context.Context, order *domain.Order, rec *saga.Record, failed int, cause error) {
	restocked := make(map[string]int)
	for j, step := range rec.Steps {
		if j == failed {
			rec.Mark(j, saga.StepSkipped, cause, s.now())
			continue
		}
		if step.State != saga.StepDone {
			rec.Mark(j, saga.StepSkipped, nil, s.now())
			continue
		}
		if err := s.ledger.Increment(ctx, stepKey(step), step.Quantity); err != nil {
			s.log(ctx).Error("failed to put back stock for aborted order",
				"order_id", order.ID, "inventory_id", step.InventoryID, "quantity", step.Quantity, "err", err)
			rec.Steps[j].Compensating = true
			rec.Mark(j, saga.StepFailed, fmt.Errorf("compensation: %w", err), s.now())
			s.metrics.InventoryStepFails.WithLabelValues(string(saga.ActionIncrement)).Inc()
			continue
		}
		rec.Mark(j, saga.StepCompensated, nil, s.now())
		restocked[step.ItemID] = step.Quantity
		s.metrics.UnitsRestocked.Add(float64(step.Quantity))
	}
	rec.Note = "insufficient stock at decrement"
	rec.CancelOwed = true
	rec.Settle(s.now())
	s.putJournal(ctx, *rec)

	if err := s.cancelAborted(ctx, order, restocked); err != nil {
		s.log(ctx).Error("failed to cancel order after stock race, left open for reconcile", "order_id", order.ID, "err", err)
		return
	}
	rec.CancelOwed = false
	rec.Settle(s.now())
	s.putJournal(ctx, *rec)
}

// cancelAborted writes CANCELLED by "system" for an order whose placement was
// rolled back.
func (s *Service) cancelAborted(ctx context.Context, order *domain.Order, restocked map[string]int) error {
	now := s.now()
	logs := appendLog(order.Logs, domain.StatusCancelled, now, domain.SystemActor)
	if err := s.repo.UpdateOrder(ctx, order.ID, docstore.Document{
		"status":    domain.StatusCancelled,
		"logs":      logs,
		"restocked": restocked,
		"updatedAt": now,
	}); err != nil {
		return err
	}
	order.Logs = logs
	order.Status = domain.StatusCancelled
	order.Restocked = restocked
	order.UpdatedAt = now

	s.metrics.OrdersCancelled.Inc()
	s.publish(ctx, events.TypeOrderCancelled, *order, func(e *events.OrderEvent) {
		e.Actor = domain.SystemActor
		e.Restocked = restocked
	})
	return nil
}

func (s *Service) validateCheckout(c *cart.Cart, req domain.CheckoutRequest, settings domain.Settings) error {
	if c == nil || c.IsEmpty() {
		return fmt.Errorf("%w: cart is empty", store.ErrInvalidRequest)
	}
	option := strings.ToUpper(strings.TrimSpace(req.Payment.Option))
	if option == "" {
		return fmt.Errorf("%w: payment option is required", store.ErrInvalidRequest)
	}
	if !c.OrderType.Valid() {
		return fmt.Errorf("%w: unknown order type %q", store.ErrInvalidRequest, c.OrderType)
	}
	if c.OrderType == domain.OrderTypeDelivery {
		if req.Coordinates == nil {
			return fmt.Errorf("%w: delivery requires coordinates", store.ErrInvalidRequest)
		}
		if !settings.ServiceArea.Contains(*req.Coordinates) {
			return fmt.Errorf("%w: delivery location is outside the service area", store.ErrInvalidRequest)
		}
	}
	if option != domain.PaymentOptionCash && strings.TrimSpace(req.Payment.ReferenceNumber) == "" {
		return fmt.Errorf("%w: reference number is required for %s payments", store.ErrInvalidRequest, option)
	}
	if strings.TrimSpace(req.Customer.Name) == "" || strings.TrimSpace(req.Customer.Mobile) == "" {
		return fmt.Errorf("%w: customer name and mobile are required", store.ErrInvalidRequest)
	}
	for _, line := range c.Items {
		if line.Quantity <= 0 || line.Price < 0 {
			return fmt.Errorf("%w: invalid cart line %s", store.ErrInvalidRequest, line.ID)
		}
	}
	return nil
}

// checkLiveStock re-reads every counter the cart draws on; the cart only
// carries a snapshot taken when each line was added.
func (s *Service) checkLiveStock(ctx context.Context, c *cart.Cart) error {
	wanted := make(map[string]int)
	names := make(map[string]string)
	order := make([]string, 0, len(c.Items))
	for _, line := range c.Items {
		id := inventory.InventoryID(line.ProductID, line.VariantID, line.BranchID)
		if _, seen := wanted[id]; !seen {
			order = append(order, id)
		}
		wanted[id] += line.Quantity
		names[id] = lineLabel(line)
	}
	for _, id := range order {
		stock, err := s.ledger.StockByID(ctx, id)
		if err != nil {
			return err
		}
		if stock < int64(wanted[id]) {
			return fmt.Errorf("%w: %s has %d left", store.ErrInsufficientStock, names[id], stock)
		}
	}
	return nil
}

func buildOrder(c *cart.Cart, req domain.CheckoutRequest, settings domain.Settings, orderNumber string, actor string, staff bool, now time.Time) domain.Order {
	items := make([]domain.OrderItem, 0, len(c.Items))
	var subtotal int64
	for _, line := range c.Items {
		item := domain.OrderItem{
			ID:          xid.New("item"),
			ProductID:   line.ProductID,
			VariantID:   line.VariantID,
			ProductName: line.Name,
			VariantName: line.VariantName,
			Quantity:    line.Quantity,
			Price:       line.Price,
			Subtotal:    line.Price * int64(line.Quantity),
			BranchID:    line.BranchID,
			InventoryID: inventory.InventoryID(line.ProductID, line.VariantID, line.BranchID),
		}
		subtotal += item.Subtotal
		items = append(items, item)
	}

	var deliveryFee int64
	var coordinates *domain.Coordinates
	if c.OrderType == domain.OrderTypeDelivery {
		deliveryFee = settings.DeliveryFee
		point := *req.Coordinates
		coordinates = &point
	}

	paymentStatus := domain.PaymentUnpaid
	if staff && req.Payment.Paid {
		paymentStatus = domain.PaymentPaid
	}
	payment := req.Payment
	payment.Paid = paymentStatus == domain.PaymentPaid
	payment.Option = strings.ToUpper(strings.TrimSpace(payment.Option))

	return domain.Order{
		ID:            xid.UUID(),
		OrderNumber:   orderNumber,
		Items:         items,
		TotalAmount:   subtotal + deliveryFee,
		DeliveryFee:   deliveryFee,
		Status:        domain.StatusPending,
		PaymentStatus: paymentStatus,
		OrderType:     c.OrderType,
		Customer:      trimCustomer(req.Customer),
		Payment:       payment,
		Coordinates:   coordinates,
		Logs:          []domain.OrderLog{{Status: domain.StatusPending, ChangedAt: now, ChangedBy: actor}},
		BranchID:      items[0].BranchID,
		CreatedAt:     now,
		UpdatedAt:     now,
		Timestamp:     now.UnixMilli(),
	}
}

// nextOrderNumber numbers orders per UTC day, e.g. BK-20261019-0007. Two
// simultaneous checkouts can draw the same number; the order id stays unique.
func (s *Service) nextOrderNumber(ctx context.Context, now time.Time) (string, error) {
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	count, err := s.repo.CountOrdersSince(ctx, day)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("BK-%s-%04d", day.Format("20060102"), count+1), nil
}

// SetStatus writes status, payment status and fulfilment in one update.
// Repeating the current status refreshes the last log entry instead of
// appending a duplicate. Any status may follow any other.
func (s *Service) SetStatus(ctx context.Context, orderID string, req domain.StatusUpdateRequest) (domain.Order, error) {
	actor, err := requireStaff(ctx)
	if err != nil {
		return domain.Order{}, err
	}
	if !req.Status.Valid() {
		return domain.Order{}, fmt.Errorf("%w: unknown status %q", store.ErrInvalidRequest, req.Status)
	}
	if req.PaymentStatus != "" && !req.PaymentStatus.Valid() {
		return domain.Order{}, fmt.Errorf("%w: unknown payment status %q", store.ErrInvalidRequest, req.PaymentStatus)
	}

	order, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	if req.PaymentStatus == "" {
		req.PaymentStatus = order.PaymentStatus
	}

	now := s.now()
	logs := appendLog(order.Logs, req.Status, now, actor.Username)
	if err := s.repo.UpdateOrder(ctx, order.ID, docstore.Document{
		"status":        req.Status,
		"paymentStatus": req.PaymentStatus,
		"isFulfilled":   req.IsFulfilled,
		"logs":          logs,
		"updatedAt":     now,
	}); err != nil {
		return domain.Order{}, err
	}

	previous := order.Status
	order.Status = req.Status
	order.PaymentStatus = req.PaymentStatus
	order.IsFulfilled = req.IsFulfilled
	order.Logs = logs
	order.UpdatedAt = now

	s.metrics.StatusChanges.WithLabelValues(string(req.Status)).Inc()
	s.publish(ctx, events.TypeOrderStatusChanged, *order, nil)
	s.log(ctx).Info("order status set", "order_id", order.ID, "from", previous, "to", req.Status, "actor", actor.Username)
	return *order, nil
}

func (s *Service) GetOrder(ctx context.Context, orderID string) (domain.Order, error) {
	if _, err := requireStaff(ctx); err != nil {
		return domain.Order{}, err
	}
	order, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	return *order, nil
}

func (s *Service) ListOrders(ctx context.Context, status domain.OrderStatus, limit int) (domain.OrderListResponse, error) {
	if _, err := requireStaff(ctx); err != nil {
		return domain.OrderListResponse{}, err
	}
	if status != "" && !status.Valid() {
		return domain.OrderListResponse{}, fmt.Errorf("%w: unknown status %q", store.ErrInvalidRequest, status)
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	orders, err := s.repo.ListOrders(ctx, status, limit)
	if err != nil {
		return domain.OrderListResponse{}, err
	}
	return domain.OrderListResponse{Orders: orders}, nil
}

// WatchOrders streams the matching order set (newest first) to fn after
// every change to the orders collection, starting with the current set.
func (s *Service) WatchOrders(ctx context.Context, status domain.OrderStatus, fn func([]domain.Order)) (docstore.Unsubscribe, error) {
	if _, err := requireStaff(ctx); err != nil {
		return nil, err
	}
	filter := docstore.Where("timestamp", docstore.OpGte, 0)
	if status != "" {
		if !status.Valid() {
			return nil, fmt.Errorf("%w: unknown status %q", store.ErrInvalidRequest, status)
		}
		filter = docstore.Where("status", docstore.OpEq, string(status))
	}
	return s.repo.Docs().Subscribe(ctx, store.CollectionOrders, filter, func(docs []docstore.Document) {
		orders, err := store.DecodeOrders(docs)
		if err != nil {
			s.log(ctx).Warn("failed to decode watched orders", "err", err)
			return
		}
		fn(orders)
	})
}

// appendLog coalesces a repeated status into the last entry.
func appendLog(logs []domain.OrderLog, status domain.OrderStatus, at time.Time, by string) []domain.OrderLog {
	next := make([]domain.OrderLog, len(logs), len(logs)+1)
	copy(next, logs)
	if n := len(next); n > 0 && next[n-1].Status == status {
		next[n-1].ChangedAt = at
		next[n-1].ChangedBy = by
		return next
	}
	return append(next, domain.OrderLog{Status: status, ChangedAt: at, ChangedBy: by})
}

func decrementSteps(items []domain.OrderItem) []saga.Step {
	steps := make([]saga.Step, 0, len(items))
	for _, item := range items {
		steps = append(steps, saga.Step{
			ItemID:      item.ID,
			InventoryID: item.InventoryID,
			ProductID:   item.ProductID,
			VariantID:   item.VariantID,
			BranchID:    item.BranchID,
			Action:      saga.ActionDecrement,
			Quantity:    item.Quantity,
		})
	}
	return steps
}

func stepKey(step saga.Step) inventory.Key {
	return inventory.Key{ProductID: step.ProductID, VariantID: step.VariantID, BranchID: step.BranchID}
}

func trimCustomer(c domain.Customer) domain.Customer {
	c.Name = strings.TrimSpace(c.Name)
	c.Mobile = strings.TrimSpace(c.Mobile)
	c.Email = strings.TrimSpace(c.Email)
	c.Address = strings.TrimSpace(c.Address)
	return c
}

func lineLabel(line domain.CartItem) string {
	if line.VariantName != "" {
		return line.Name + " (" + line.VariantName + ")"
	}
	if line.Name != "" {
		return line.Name
	}
	return line.ProductID
}
