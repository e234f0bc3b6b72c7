package service

import (
	"context"
	"fmt"
	"strings"

	"bakehouse/backend/internal/cart"
	"bakehouse/backend/internal/domain"
	"bakehouse/backend/internal/store"
)

func (s *Service) loadCart(ctx context.Context, sessionID string) (*cart.Cart, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, fmt.Errorf("%w: cart session is required", store.ErrInvalidRequest)
	}
	c, err := s.carts.Load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	c.DeliveryFee = s.settings(ctx).DeliveryFee
	return c, nil
}

func (s *Service) GetCart(ctx context.Context, sessionID string) (domain.CartView, error) {
	c, err := s.loadCart(ctx, sessionID)
	if err != nil {
		return domain.CartView{}, err
	}
	return c.View(), nil
}

// AddToCart snapshots name, price and the stock available right now into a
// cart line. The snapshot is not refreshed later; checkout re-reads stock.
func (s *Service) AddToCart(ctx context.Context, sessionID string, req domain.CartAddRequest) (domain.CartView, error) {
	c, err := s.loadCart(ctx, sessionID)
	if err != nil {
		return domain.CartView{}, err
	}
	if strings.TrimSpace(req.BranchID) == "" {
		req.BranchID = s.defaultBranchID
	}

	product, err := s.repo.GetProduct(ctx, strings.TrimSpace(req.ProductID))
	if err != nil {
		return domain.CartView{}, err
	}
	if !product.Active {
		return domain.CartView{}, store.ErrNotFound
	}

	price := product.Price
	variantName := ""
	var variantID *string
	if len(product.Variants) > 0 {
		if req.VariantID == nil || *req.VariantID == "" {
			return domain.CartView{}, fmt.Errorf("%w: %s needs a variant", store.ErrInvalidRequest, product.Name)
		}
		variant := product.FindVariant(*req.VariantID)
		if variant == nil {
			return domain.CartView{}, fmt.Errorf("%w: unknown variant %s", store.ErrInvalidRequest, *req.VariantID)
		}
		id := variant.ID
		variantID = &id
		variantName = variant.Name
		price = variant.Price
	}

	stock, err := s.ledger.GetStock(ctx, product.ID, variantID, req.BranchID)
	if err != nil {
		return domain.CartView{}, err
	}
	if stock < 1 {
		return domain.CartView{}, fmt.Errorf("%w: %s is sold out", store.ErrInsufficientStock, product.Name)
	}

	if _, err := c.AddOrMergeItem(domain.CartItem{
		ProductID:      product.ID,
		VariantID:      variantID,
		BranchID:       req.BranchID,
		Name:           product.Name,
		VariantName:    variantName,
		Quantity:       req.Quantity,
		Price:          price,
		StockAvailable: int(stock),
	}); err != nil {
		return domain.CartView{}, err
	}
	if err := s.carts.Save(ctx, c); err != nil {
		return domain.CartView{}, err
	}
	return c.View(), nil
}

func (s *Service) RemoveFromCart(ctx context.Context, sessionID string, itemID string) (domain.CartView, error) {
	c, err := s.loadCart(ctx, sessionID)
	if err != nil {
		return domain.CartView{}, err
	}
	if _, ok := c.RemoveItem(itemID); !ok {
		return domain.CartView{}, store.ErrNotFound
	}
	if err := s.carts.Save(ctx, c); err != nil {
		return domain.CartView{}, err
	}
	return c.View(), nil
}

// DiscardCart drops the session's cart; the next read starts empty.
func (s *Service) DiscardCart(ctx context.Context, sessionID string) error {
	if strings.TrimSpace(sessionID) == "" {
		return fmt.Errorf("%w: cart session is required", store.ErrInvalidRequest)
	}
	return s.carts.Delete(ctx, sessionID)
}

func (s *Service) UpdateCart(ctx context.Context, sessionID string, req domain.CartUpdateRequest) (domain.CartView, error) {
	c, err := s.loadCart(ctx, sessionID)
	if err != nil {
		return domain.CartView{}, err
	}
	if req.OrderType != nil {
		if err := c.SetOrderType(*req.OrderType); err != nil {
			return domain.CartView{}, err
		}
	}
	if req.Quantity != nil {
		if _, err := c.SetQuantity(req.Quantity.ItemID, req.Quantity.Quantity); err != nil {
			return domain.CartView{}, err
		}
	}
	if err := s.carts.Save(ctx, c); err != nil {
		return domain.CartView{}, err
	}
	return c.View(), nil
}

// ListProducts returns the active catalog.
func (s *Service) ListProducts(ctx context.Context) ([]domain.Product, error) {
	return s.repo.ListProducts(ctx)
}

func (s *Service) ListStock(ctx context.Context, branchID string) ([]domain.StockResponse, error) {
	if strings.TrimSpace(branchID) == "" {
		branchID = s.defaultBranchID
	}
	records, err := s.ledger.ListBranch(ctx, branchID)
	if err != nil {
		return nil, err
	}
	result := make([]domain.StockResponse, 0, len(records))
	for _, record := range records {
		result = append(result, domain.StockResponse{
			ProductID: record.ProductID,
			VariantID: record.VariantID,
			BranchID:  record.BranchID,
			Stock:     record.Stock,
		})
	}
	return result, nil
}

func (s *Service) AdjustStock(ctx context.Context, req domain.StockAdjustmentRequest) (domain.InventoryRecord, error) {
	actor, err := requireStaff(ctx)
	if err != nil {
		return domain.InventoryRecord{}, err
	}
	if strings.TrimSpace(req.BranchID) == "" {
		req.BranchID = s.defaultBranchID
	}
	record, entry, err := s.ledger.Adjust(ctx, req, actor)
	if err != nil {
		return domain.InventoryRecord{}, err
	}
	s.log(ctx).Info("stock adjusted", "inventory_id", record.ID, "delta", req.Quantity, "stock", record.Stock, "log_id", entry.ID, "actor", actor.Username)
	return *record, nil
}

func (s *Service) ListInventoryTransactions(ctx context.Context, storeID string, limit int) ([]domain.InventoryTransactionLog, error) {
	if _, err := requireStaff(ctx); err != nil {
		return nil, err
	}
	if strings.TrimSpace(storeID) == "" {
		storeID = s.defaultBranchID
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.ledger.ListTransactionLogs(ctx, storeID, limit)
}
