// Package inventory owns per-(product, variant, branch) stock counters and the
// manual adjustment log.
package inventory

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"bakehouse/backend/internal/docstore"
	"bakehouse/backend/internal/domain"
	"bakehouse/backend/internal/store"
	"bakehouse/backend/internal/xid"
)

const stockField = "stock"

// Key identifies one stock counter.
type Key struct {
	ProductID string
	VariantID *string
	BranchID  string
}

// ID is the composite document id productID_variantID_branchID, with "-"
// standing in for a product without variants.
func (k Key) ID() string {
	return InventoryID(k.ProductID, k.VariantID, k.BranchID)
}

func InventoryID(productID string, variantID *string, branchID string) string {
	variant := "-"
	if variantID != nil && *variantID != "" {
		variant = *variantID
	}
	return productID + "_" + variant + "_" + branchID
}

// KeyForItem returns the counter an order line was captured against.
func KeyForItem(item domain.OrderItem) Key {
	return Key{ProductID: item.ProductID, VariantID: item.VariantID, BranchID: item.BranchID}
}

type Ledger struct {
	docs docstore.Store
	now  func() time.Time
}

func NewLedger(docs docstore.Store) *Ledger {
	return &Ledger{
		docs: docs,
		now: func() time.Time {
			return time.Now().UTC()
		},
	}
}

func (l *Ledger) Record(ctx context.Context, inventoryID string) (*domain.InventoryRecord, error) {
	doc, err := l.docs.Get(ctx, store.CollectionInventory, inventoryID)
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	var record domain.InventoryRecord
	if err := docstore.Decode(doc, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

// GetStock returns the current stock; a counter that does not exist yet is
// zero stock.
func (l *Ledger) GetStock(ctx context.Context, productID string, variantID *string, branchID string) (int64, error) {
	return l.StockByID(ctx, InventoryID(productID, variantID, branchID))
}

func (l *Ledger) StockByID(ctx context.Context, inventoryID string) (int64, error) {
	record, err := l.Record(ctx, inventoryID)
	if errors.Is(err, store.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return record.Stock, nil
}

// ListBranch returns every counter of a branch ordered by id.
func (l *Ledger) ListBranch(ctx context.Context, branchID string) ([]domain.InventoryRecord, error) {
	docs, err := l.docs.QueryWhere(ctx, store.CollectionInventory, docstore.Where("branchID", docstore.OpEq, branchID))
	if err != nil {
		return nil, err
	}
	records := make([]domain.InventoryRecord, 0, len(docs))
	for _, doc := range docs {
		var record domain.InventoryRecord
		if err := docstore.Decode(doc, &record); err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, nil
}

// Decrement removes quantity only when at least that much is in stock, so
// concurrent checkouts can never drive a counter negative. A missing counter
// behaves as zero stock.
func (l *Ledger) Decrement(ctx context.Context, inventoryID string, quantity int) (int64, error) {
	if quantity <= 0 {
		return 0, fmt.Errorf("%w: quantity must be positive", store.ErrInvalidRequest)
	}
	remaining, err := l.docs.DecrementIfAtLeast(ctx, store.CollectionInventory, inventoryID, stockField, int64(quantity))
	if err != nil {
		if errors.Is(err, docstore.ErrConditionFailed) || errors.Is(err, docstore.ErrNotFound) {
			return 0, fmt.Errorf("%w: %s", store.ErrInsufficientStock, inventoryID)
		}
		return 0, err
	}
	l.touch(ctx, inventoryID)
	return remaining, nil
}

// Increment adds quantity with the store's atomic increment, creating the
// counter when the variant was never stocked at the branch. A concurrent
// creator wins the insert and the increment is applied on top of it.
func (l *Ledger) Increment(ctx context.Context, key Key, quantity int) error {
	if quantity <= 0 {
		return fmt.Errorf("%w: quantity must be positive", store.ErrInvalidRequest)
	}
	id := key.ID()
	err := l.increment(ctx, id, quantity)
	if !errors.Is(err, docstore.ErrNotFound) {
		return err
	}

	doc, err := docstore.Encode(domain.InventoryRecord{
		ID:        id,
		ProductID: key.ProductID,
		VariantID: key.VariantID,
		BranchID:  key.BranchID,
		Stock:     int64(quantity),
		UpdatedAt: l.now(),
	})
	if err != nil {
		return err
	}
	err = l.docs.Create(ctx, store.CollectionInventory, id, doc)
	if errors.Is(err, docstore.ErrAlreadyExists) {
		return l.increment(ctx, id, quantity)
	}
	return err
}

func (l *Ledger) increment(ctx context.Context, id string, quantity int) error {
	return l.docs.Update(ctx, store.CollectionInventory, id, docstore.Document{
		stockField:  docstore.Inc(int64(quantity)),
		"updatedAt": l.now(),
	})
}

// Adjust applies a manual admin stock change and writes exactly one
// transaction log entry attributed to the actor.
func (l *Ledger) Adjust(ctx context.Context, req domain.StockAdjustmentRequest, actor domain.Actor) (*domain.InventoryRecord, *domain.InventoryTransactionLog, error) {
	req.ProductID = strings.TrimSpace(req.ProductID)
	req.BranchID = strings.TrimSpace(req.BranchID)
	if req.ProductID == "" || req.BranchID == "" {
		return nil, nil, fmt.Errorf("%w: productID and branchID are required", store.ErrInvalidRequest)
	}
	if req.Quantity == 0 {
		return nil, nil, fmt.Errorf("%w: quantity must not be zero", store.ErrInvalidRequest)
	}

	key := Key{ProductID: req.ProductID, VariantID: req.VariantID, BranchID: req.BranchID}
	title := "Stock added"
	if req.Quantity > 0 {
		if err := l.Increment(ctx, key, int(req.Quantity)); err != nil {
			return nil, nil, err
		}
	} else {
		title = "Stock removed"
		if _, err := l.Decrement(ctx, key.ID(), int(-req.Quantity)); err != nil {
			return nil, nil, err
		}
	}

	now := l.now()
	entry := domain.InventoryTransactionLog{
		ID:        xid.New("invlog"),
		UserID:    actor.Username,
		UserName:  actor.Username,
		Title:     title,
		Message:   adjustmentMessage(req),
		StoreID:   req.BranchID,
		CreatedAt: now,
		Timestamp: now.UnixMilli(),
	}
	doc, err := docstore.Encode(entry)
	if err != nil {
		return nil, nil, err
	}
	if err := l.docs.Set(ctx, store.CollectionInventoryLogs, entry.ID, doc); err != nil {
		return nil, nil, fmt.Errorf("stock for %s changed but transaction log was not written: %w", key.ID(), err)
	}

	record, err := l.Record(ctx, key.ID())
	if err != nil {
		return nil, nil, err
	}
	return record, &entry, nil
}

// ListTransactionLogs returns the branch's adjustment log, newest first.
func (l *Ledger) ListTransactionLogs(ctx context.Context, storeID string, limit int) ([]domain.InventoryTransactionLog, error) {
	docs, err := l.docs.QueryWhere(ctx, store.CollectionInventoryLogs, docstore.Where("storeID", docstore.OpEq, storeID))
	if err != nil {
		return nil, err
	}
	logs := make([]domain.InventoryTransactionLog, 0, len(docs))
	for _, doc := range docs {
		var entry domain.InventoryTransactionLog
		if err := docstore.Decode(doc, &entry); err != nil {
			return nil, err
		}
		logs = append(logs, entry)
	}
	slices.SortFunc(logs, func(a, b domain.InventoryTransactionLog) int {
		switch {
		case a.Timestamp > b.Timestamp:
			return -1
		case a.Timestamp < b.Timestamp:
			return 1
		}
		return strings.Compare(a.ID, b.ID)
	})
	if limit > 0 && len(logs) > limit {
		logs = logs[:limit]
	}
	return logs, nil
}

// touch stamps updatedAt after a conditional decrement. The stock change has
// already been applied, so a failure here is not reported.
func (l *Ledger) touch(ctx context.Context, inventoryID string) {
	_ = l.docs.Update(ctx, store.CollectionInventory, inventoryID, docstore.Document{"updatedAt": l.now()})
}

func adjustmentMessage(req domain.StockAdjustmentRequest) string {
	verb := "Added"
	qty := req.Quantity
	if qty < 0 {
		verb = "Removed"
		qty = -qty
	}
	target := req.ProductID
	if req.VariantID != nil && *req.VariantID != "" {
		target += " (" + *req.VariantID + ")"
	}
	msg := fmt.Sprintf("%s %d of %s at %s", verb, qty, target, req.BranchID)
	if reason := strings.TrimSpace(req.Reason); reason != "" {
		msg += ": " + reason
	}
	return msg
}
