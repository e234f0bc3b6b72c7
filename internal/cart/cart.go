// Package cart holds a customer's in-progress selection before checkout. A
// Cart never touches inventory; stock only moves when an order is placed.
package cart

import (
	"fmt"
	"strings"

	"bakehouse/backend/internal/domain"
	"bakehouse/backend/internal/store"
	"bakehouse/backend/internal/xid"
)

type Cart struct {
	SessionID   string            `json:"sessionID"`
	Items       []domain.CartItem `json:"items"`
	OrderType   domain.OrderType  `json:"orderType"`
	DeliveryFee int64             `json:"deliveryFee"`
}

func New(sessionID string) *Cart {
	return &Cart{
		SessionID: sessionID,
		Items:     []domain.CartItem{},
		OrderType: domain.OrderTypePickup,
	}
}

// AddOrMergeItem appends item, or folds it into the line already holding the
// same variant at the same branch. A merged quantity is clamped to the
// stockAvailable snapshot of the existing line, not to live stock.
func (c *Cart) AddOrMergeItem(item domain.CartItem) (domain.CartItem, error) {
	if item.Quantity <= 0 {
		return domain.CartItem{}, fmt.Errorf("%w: quantity must be positive", store.ErrInvalidRequest)
	}
	if strings.TrimSpace(item.ProductID) == "" || strings.TrimSpace(item.BranchID) == "" {
		return domain.CartItem{}, fmt.Errorf("%w: productID and branchID are required", store.ErrInvalidRequest)
	}

	for i := range c.Items {
		line := &c.Items[i]
		if !sameLine(*line, item) {
			continue
		}
		line.Quantity = clamp(line.Quantity+item.Quantity, line.StockAvailable)
		return *line, nil
	}

	if item.ID == "" {
		item.ID = xid.New("line")
	}
	item.Quantity = clamp(item.Quantity, item.StockAvailable)
	c.Items = append(c.Items, item)
	return item, nil
}

// RemoveItem drops a line and returns it so the caller can restore the
// display stock it was holding. No inventory write happens.
func (c *Cart) RemoveItem(itemID string) (domain.CartItem, bool) {
	for i, line := range c.Items {
		if line.ID == itemID {
			c.Items = append(c.Items[:i], c.Items[i+1:]...)
			return line, true
		}
	}
	return domain.CartItem{}, false
}

func (c *Cart) SetQuantity(itemID string, quantity int) (domain.CartItem, error) {
	if quantity <= 0 {
		return domain.CartItem{}, fmt.Errorf("%w: quantity must be positive", store.ErrInvalidRequest)
	}
	for i := range c.Items {
		if c.Items[i].ID == itemID {
			c.Items[i].Quantity = clamp(quantity, c.Items[i].StockAvailable)
			return c.Items[i], nil
		}
	}
	return domain.CartItem{}, store.ErrNotFound
}

func (c *Cart) SetOrderType(orderType domain.OrderType) error {
	if !orderType.Valid() {
		return fmt.Errorf("%w: unknown order type %q", store.ErrInvalidRequest, orderType)
	}
	c.OrderType = orderType
	return nil
}

func (c *Cart) Clear() {
	c.Items = []domain.CartItem{}
}

func (c *Cart) IsEmpty() bool {
	return len(c.Items) == 0
}

func (c *Cart) Subtotal() int64 {
	var subtotal int64
	for _, line := range c.Items {
		subtotal += line.Price * int64(line.Quantity)
	}
	return subtotal
}

// AppliedDeliveryFee is the fee charged for the current order type.
func (c *Cart) AppliedDeliveryFee() int64 {
	if c.OrderType == domain.OrderTypeDelivery {
		return c.DeliveryFee
	}
	return 0
}

func (c *Cart) Total() int64 {
	return c.Subtotal() + c.AppliedDeliveryFee()
}

func (c *Cart) View() domain.CartView {
	items := make([]domain.CartItem, len(c.Items))
	copy(items, c.Items)
	return domain.CartView{
		SessionID:   c.SessionID,
		Items:       items,
		OrderType:   c.OrderType,
		Subtotal:    c.Subtotal(),
		DeliveryFee: c.AppliedDeliveryFee(),
		Total:       c.Total(),
	}
}

// sameLine matches on (variantID, branchID). Products without variants fall
// back to the product id so two plain products never collapse into one line.
func sameLine(a, b domain.CartItem) bool {
	if a.BranchID != b.BranchID {
		return false
	}
	av, bv := variantOf(a), variantOf(b)
	if av == "" && bv == "" {
		return a.ProductID == b.ProductID
	}
	return av == bv
}

func variantOf(item domain.CartItem) string {
	if item.VariantID == nil {
		return ""
	}
	return *item.VariantID
}

func clamp(quantity int, ceiling int) int {
	if ceiling > 0 && quantity > ceiling {
		return ceiling
	}
	return quantity
}
