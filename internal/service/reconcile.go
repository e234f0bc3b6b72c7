package service

import (
	"context"
	"errors"

	"bakehouse/backend/internal/domain"
	"bakehouse/backend/internal/saga"
	"bakehouse/backend/internal/store"
)

type ReconcileReport struct {
	Examined int `json:"examined"`
	Settled  int `json:"settled"`
	// Busy counts records skipped because a checkout or cancellation is
	// still driving them.
	Busy int           `json:"busy"`
	Open []saga.Record `json:"open"`
}

func (s *Service) ListSagas(ctx context.Context, openOnly bool) ([]saga.Record, error) {
	if _, err := requireStaff(ctx); err != nil {
		return nil, err
	}
	return s.journal.List(ctx, openOnly)
}

// Reconcile walks every open saga record and drives it to an end state:
// pending or failed decrements of live orders are retried, decrements of
// orders that no longer need them are abandoned, owed compensations are
// applied and interrupted cancellations are finished. Records that still
// cannot settle (for example a retried decrement that now finds too little
// stock) are returned for staff attention. A record held by a running
// checkout or cancellation is left alone.
func (s *Service) Reconcile(ctx context.Context) (ReconcileReport, error) {
	if _, err := requireStaff(ctx); err != nil {
		return ReconcileReport{}, err
	}

	records, err := s.journal.List(ctx, true)
	if err != nil {
		return ReconcileReport{}, err
	}

	report := ReconcileReport{Examined: len(records), Open: []saga.Record{}}
	for _, listed := range records {
		release, ok := s.claims.TryClaim(listed.ID)
		if !ok {
			report.Busy++
			continue
		}
		rec, err := s.reconcileRecord(ctx, listed)
		release()
		if err != nil {
			s.log(ctx).Warn("reconcile step failed", "saga_id", listed.ID, "err", err)
		}
		if rec.Status == saga.StatusOpen {
			report.Open = append(report.Open, rec)
			continue
		}
		report.Settled++
	}

	s.metrics.SagasOpen.Set(float64(len(report.Open)))
	s.log(ctx).Info("reconcile finished", "examined", report.Examined, "settled", report.Settled, "busy", report.Busy, "open", len(report.Open))
	return report, nil
}

// reconcileRecord re-reads the record under its claim; the listed copy may
// predate the last write of the runner that just released it.
func (s *Service) reconcileRecord(ctx context.Context, listed saga.Record) (saga.Record, error) {
	rec, err := s.journal.Get(ctx, listed.ID)
	if err != nil {
		return listed, err
	}
	if rec.Status != saga.StatusOpen {
		return rec, nil
	}
	switch rec.Kind {
	case saga.KindPlaceOrder:
		err = s.reconcilePlacement(ctx, &rec)
	case saga.KindCancelOrder:
		err = s.reconcileCancellation(ctx, &rec)
	}
	return rec, err
}

func (s *Service) reconcilePlacement(ctx context.Context, rec *saga.Record) error {
	order, err := s.repo.GetOrder(ctx, rec.OrderID)
	orderMissing := isNotFound(err)
	if err != nil && !orderMissing {
		return err
	}
	cancelled := !orderMissing && order.Status == domain.StatusCancelled
	abandon := orderMissing || cancelled || rec.CancelOwed

	var firstErr error
	for _, i := range rec.Unfinished() {
		step := rec.Steps[i]
		switch {
		case step.Compensating:
			if err := s.ledger.Increment(ctx, stepKey(step), step.Quantity); err != nil {
				rec.Mark(i, saga.StepFailed, err, s.now())
				firstErr = errors.Join(firstErr, err)
				continue
			}
			rec.Mark(i, saga.StepCompensated, nil, s.now())
			s.metrics.UnitsRestocked.Add(float64(step.Quantity))
		case abandon:
			rec.Mark(i, saga.StepSkipped, nil, s.now())
		default:
			if _, err := s.ledger.Decrement(ctx, step.InventoryID, step.Quantity); err != nil {
				rec.Mark(i, saga.StepFailed, err, s.now())
				if errors.Is(err, store.ErrInsufficientStock) {
					rec.Note = "stock no longer available for a placed order"
				}
				firstErr = errors.Join(firstErr, err)
				continue
			}
			rec.Mark(i, saga.StepDone, nil, s.now())
			s.metrics.UnitsDecremented.Add(float64(step.Quantity))
		}
	}

	if rec.CancelOwed {
		switch {
		case orderMissing || cancelled:
			rec.CancelOwed = false
		default:
			if err := s.cancelAborted(ctx, order, compensatedLines(*rec)); err != nil {
				firstErr = errors.Join(firstErr, err)
			} else {
				rec.CancelOwed = false
				s.log(ctx).Info("cancelled order left pending by a rolled back checkout", "order_id", rec.OrderID)
			}
		}
	}

	rec.Settle(s.now())
	s.putJournal(ctx, *rec)
	return firstErr
}

func compensatedLines(rec saga.Record) map[string]int {
	lines := make(map[string]int)
	for _, step := range rec.Steps {
		if step.State == saga.StepCompensated {
			lines[step.ItemID] = step.Quantity
		}
	}
	return lines
}

func (s *Service) reconcileCancellation(ctx context.Context, rec *saga.Record) error {
	order, err := s.repo.GetOrder(ctx, rec.OrderID)
	if err != nil {
		return err
	}
	if err := s.runRestock(ctx, rec); err != nil {
		return err
	}
	if order.Status == domain.StatusCancelled {
		rec.Settle(s.now())
		s.putJournal(ctx, *rec)
		return nil
	}
	_, err = s.finalizeCancel(ctx, order, rec, rec.Actor)
	return err
}
