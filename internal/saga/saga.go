// Package saga journals the per-line inventory steps of order placement and
// cancellation so a step that never completed can be found and finished (or
// compensated) later.
package saga

import (
	"context"
	"errors"
	"slices"
	"time"
)

var ErrNotFound = errors.New("saga record not found")

type Kind string

const (
	KindPlaceOrder  Kind = "place_order"
	KindCancelOrder Kind = "cancel_order"
)

type Action string

const (
	ActionDecrement Action = "decrement"
	ActionIncrement Action = "increment"
)

type StepState string

const (
	StepPending     StepState = "pending"
	StepDone        StepState = "done"
	StepFailed      StepState = "failed"
	StepCompensated StepState = "compensated"
	StepSkipped     StepState = "skipped"
)

type Status string

const (
	StatusOpen      Status = "open"
	StatusCompleted Status = "completed"
	// StatusAborted means every applied step was compensated.
	StatusAborted Status = "aborted"
)

type Step struct {
	ItemID      string    `json:"itemID"`
	InventoryID string    `json:"inventoryID"`
	ProductID   string    `json:"productID"`
	VariantID   *string   `json:"variantID"`
	BranchID    string    `json:"branchID"`
	Action      Action    `json:"action"`
	Quantity    int       `json:"quantity"`
	State       StepState `json:"state"`
	Attempts    int       `json:"attempts"`
	Error       string    `json:"error,omitempty"`
	// Compensating marks an applied step that still has to be reversed.
	Compensating bool      `json:"compensating,omitempty"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

type Record struct {
	ID        string    `json:"id"`
	OrderID   string    `json:"orderID"`
	Kind      Kind      `json:"kind"`
	Status    Status    `json:"status"`
	Actor     string    `json:"actor"`
	Steps     []Step    `json:"steps"`
	Note      string    `json:"note,omitempty"`
	// CancelOwed marks a placement that was rolled back but whose order
	// could not be written CANCELLED yet.
	CancelOwed bool      `json:"cancelOwed,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

func RecordID(kind Kind, orderID string) string {
	return string(kind) + ":" + orderID
}

func NewRecord(kind Kind, orderID string, actor string, steps []Step, now time.Time) Record {
	for i := range steps {
		if steps[i].State == "" {
			steps[i].State = StepPending
		}
		steps[i].UpdatedAt = now
	}
	return Record{
		ID:        RecordID(kind, orderID),
		OrderID:   orderID,
		Kind:      kind,
		Status:    StatusOpen,
		Actor:     actor,
		Steps:     steps,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Mark records the outcome of step i. A non-nil err stores its message.
func (r *Record) Mark(i int, state StepState, err error, now time.Time) {
	step := &r.Steps[i]
	step.State = state
	step.UpdatedAt = now
	step.Error = ""
	if err != nil {
		step.Error = err.Error()
	}
	if state == StepDone || state == StepFailed {
		step.Attempts++
	}
	if state == StepCompensated || state == StepSkipped {
		step.Compensating = false
	}
	r.UpdatedAt = now
}

// Unfinished returns indexes of steps still pending or failed.
func (r Record) Unfinished() []int {
	var idx []int
	for i, step := range r.Steps {
		if step.State == StepPending || step.State == StepFailed {
			idx = append(idx, i)
		}
	}
	return idx
}

// Settle closes the record once no step is unfinished and no cancel is owed.
func (r *Record) Settle(now time.Time) {
	if len(r.Unfinished()) > 0 || r.CancelOwed {
		r.Status = StatusOpen
		return
	}
	r.Status = StatusCompleted
	for _, step := range r.Steps {
		if step.State == StepCompensated {
			r.Status = StatusAborted
			break
		}
	}
	r.UpdatedAt = now
}

type Journal interface {
	Put(ctx context.Context, rec Record) error
	Get(ctx context.Context, id string) (Record, error)
	// List returns records ordered by creation time; openOnly filters to
	// records with unfinished steps.
	List(ctx context.Context, openOnly bool) ([]Record, error)
	Close() error
}

func sortRecords(records []Record) {
	slices.SortFunc(records, func(a, b Record) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
}

func cloneRecord(rec Record) Record {
	rec.Steps = slices.Clone(rec.Steps)
	return rec
}
