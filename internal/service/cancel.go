package service

import (
	"context"
	"errors"
	"fmt"

	"bakehouse/backend/internal/docstore"
	"bakehouse/backend/internal/domain"
	"bakehouse/backend/internal/events"
	"bakehouse/backend/internal/saga"
	"bakehouse/backend/internal/store"
)

// CancelOrder returns stock for each line and marks the order CANCELLED.
//
// restock maps order item id to the quantity to put back; a missing entry
// means the full ordered quantity and 0 keeps a line out of stock (spoiled
// goods). Lines are restocked one at a time; the first failure stops the
// loop, leaves the order as it was and keeps the remaining lines pending in
// the saga journal. Calling CancelOrder again resumes those lines without
// repeating the ones already done. While another cancellation or the
// placement of the same order is running, ErrInProgress is returned.
func (s *Service) CancelOrder(ctx context.Context, orderID string, restock map[string]int) (domain.Order, error) {
	actor, err := requireStaff(ctx)
	if err != nil {
		return domain.Order{}, err
	}
	release, err := s.claim(saga.KindCancelOrder, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	defer release()
	releasePlacement, err := s.claim(saga.KindPlaceOrder, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	defer releasePlacement()

	order, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	if order.Status == domain.StatusCancelled {
		return domain.Order{}, store.ErrAlreadyCancelled
	}

	rec, err := s.journal.Get(ctx, saga.RecordID(saga.KindCancelOrder, order.ID))
	switch {
	case err == nil && rec.Status == saga.StatusOpen:
		s.log(ctx).Info("resuming interrupted cancellation", "order_id", order.ID, "pending", len(rec.Unfinished()))
	case err == nil || errors.Is(err, saga.ErrNotFound):
		quantities, err := resolveRestock(*order, restock)
		if err != nil {
			return domain.Order{}, err
		}
		if rec.ID != "" {
			// An earlier cancellation already returned this order's stock and
			// the status was later changed by hand; only the status is redone.
			s.log(ctx).Info("order was cancelled before, not restocking again", "order_id", order.ID)
			clear(quantities)
		} else {
			quantities = s.limitToDeducted(ctx, *order, quantities)
		}
		rec = saga.NewRecord(saga.KindCancelOrder, order.ID, actor.Username, restockSteps(order.Items, quantities), s.now())
		if err := s.journal.Put(ctx, rec); err != nil {
			return domain.Order{}, fmt.Errorf("open saga journal: %w", err)
		}
	default:
		return domain.Order{}, err
	}

	if err := s.runRestock(ctx, &rec); err != nil {
		return domain.Order{}, err
	}
	return s.finalizeCancel(ctx, order, &rec, actor.Username)
}

// runRestock applies the unfinished increment steps in order and stops at
// the first failure.
func (s *Service) runRestock(ctx context.Context, rec *saga.Record) error {
	for _, i := range rec.Unfinished() {
		step := rec.Steps[i]
		if err := s.ledger.Increment(ctx, stepKey(step), step.Quantity); err != nil {
			rec.Mark(i, saga.StepFailed, err, s.now())
			s.putJournal(ctx, *rec)
			s.metrics.InventoryStepFails.WithLabelValues(string(saga.ActionIncrement)).Inc()
			s.log(ctx).Warn("restock failed, cancellation stopped",
				"order_id", rec.OrderID, "inventory_id", step.InventoryID, "quantity", step.Quantity, "err", err)
			return fmt.Errorf("restock %s: %w", step.InventoryID, err)
		}
		rec.Mark(i, saga.StepDone, nil, s.now())
		s.putJournal(ctx, *rec)
		s.metrics.UnitsRestocked.Add(float64(step.Quantity))
	}
	return nil
}

// finalizeCancel writes the CANCELLED status once every restock step is
// done. items are never rewritten.
func (s *Service) finalizeCancel(ctx context.Context, order *domain.Order, rec *saga.Record, by string) (domain.Order, error) {
	restocked := make(map[string]int, len(rec.Steps))
	for _, step := range rec.Steps {
		if step.State == saga.StepDone {
			restocked[step.ItemID] = step.Quantity
		}
	}

	now := s.now()
	logs := appendLog(order.Logs, domain.StatusCancelled, now, by)
	if err := s.repo.UpdateOrder(ctx, order.ID, docstore.Document{
		"status":    domain.StatusCancelled,
		"logs":      logs,
		"restocked": restocked,
		"updatedAt": now,
	}); err != nil {
		rec.Note = "restocked, order status not written"
		s.putJournal(ctx, *rec)
		return domain.Order{}, err
	}

	rec.Note = ""
	rec.Settle(now)
	s.putJournal(ctx, *rec)

	order.Status = domain.StatusCancelled
	order.Logs = logs
	order.Restocked = restocked
	order.UpdatedAt = now

	s.metrics.OrdersCancelled.Inc()
	s.publish(ctx, events.TypeOrderCancelled, *order, func(e *events.OrderEvent) {
		e.Actor = by
		e.Restocked = restocked
	})
	s.log(ctx).Info("order cancelled", "order_id", order.ID, "actor", by, "restocked_lines", len(restocked))
	return *order, nil
}

// resolveRestock applies the default (full quantity) and enforces
// 0 <= q <= ordered quantity for every line.
func resolveRestock(order domain.Order, requested map[string]int) (map[string]int, error) {
	known := make(map[string]bool, len(order.Items))
	quantities := make(map[string]int, len(order.Items))
	for _, item := range order.Items {
		known[item.ID] = true
		q, ok := requested[item.ID]
		if !ok {
			q = item.Quantity
		}
		if q < 0 || q > item.Quantity {
			return nil, fmt.Errorf("%w: restock for item %s must be between 0 and %d", store.ErrInvalidRequest, item.ID, item.Quantity)
		}
		quantities[item.ID] = q
	}
	for id := range requested {
		if !known[id] {
			return nil, fmt.Errorf("%w: item %s is not part of order", store.ErrInvalidRequest, id)
		}
	}
	return quantities, nil
}

// limitToDeducted caps restock at what placement actually took. A decrement
// that never completed is abandoned so Reconcile will not take it later.
func (s *Service) limitToDeducted(ctx context.Context, order domain.Order, quantities map[string]int) map[string]int {
	placed, err := s.journal.Get(ctx, saga.RecordID(saga.KindPlaceOrder, order.ID))
	if err != nil {
		if !errors.Is(err, saga.ErrNotFound) {
			s.log(ctx).Warn("failed to read placement journal, assuming every line was deducted", "order_id", order.ID, "err", err)
		}
		return quantities
	}

	changed := placed.CancelOwed
	placed.CancelOwed = false
	for i, step := range placed.Steps {
		if step.State == saga.StepDone {
			continue
		}
		if quantities[step.ItemID] > 0 {
			s.log(ctx).Info("skipping restock of a line that was never deducted", "order_id", order.ID, "item_id", step.ItemID)
		}
		quantities[step.ItemID] = 0
		if step.State == saga.StepPending || (step.State == saga.StepFailed && !step.Compensating) {
			placed.Mark(i, saga.StepSkipped, nil, s.now())
			changed = true
		}
	}
	if changed {
		placed.Note = "order cancelled before all lines were deducted"
		placed.Settle(s.now())
		s.putJournal(ctx, placed)
	}
	return quantities
}

func restockSteps(items []domain.OrderItem, quantities map[string]int) []saga.Step {
	steps := make([]saga.Step, 0, len(items))
	for _, item := range items {
		q := quantities[item.ID]
		if q <= 0 {
			continue
		}
		steps = append(steps, saga.Step{
			ItemID:      item.ID,
			InventoryID: item.InventoryID,
			ProductID:   item.ProductID,
			VariantID:   item.VariantID,
			BranchID:    item.BranchID,
			Action:      saga.ActionIncrement,
			Quantity:    q,
		})
	}
	return steps
}
