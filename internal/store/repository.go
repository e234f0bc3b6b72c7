package store

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	"bakehouse/backend/internal/docstore"
	"bakehouse/backend/internal/domain"
)

// Repository maps the bakery's aggregates onto document store collections.
type Repository struct {
	docs docstore.Store
}

func NewRepository(docs docstore.Store) *Repository {
	return &Repository{docs: docs}
}

func (r *Repository) Docs() docstore.Store {
	return r.docs
}

func (r *Repository) CreateOrder(ctx context.Context, order domain.Order) error {
	doc, err := docstore.Encode(order)
	if err != nil {
		return err
	}
	return r.docs.Set(ctx, CollectionOrders, order.ID, doc)
}

func (r *Repository) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	doc, err := r.docs.Get(ctx, CollectionOrders, id)
	if err != nil {
		return nil, mapNotFound(err)
	}
	var order domain.Order
	if err := docstore.Decode(doc, &order); err != nil {
		return nil, err
	}
	return &order, nil
}

func (r *Repository) UpdateOrder(ctx context.Context, id string, fields docstore.Document) error {
	return mapNotFound(r.docs.Update(ctx, CollectionOrders, id, fields))
}

// ListOrders returns orders newest first. An empty status lists every order.
func (r *Repository) ListOrders(ctx context.Context, status domain.OrderStatus, limit int) ([]domain.Order, error) {
	filter := docstore.Where("timestamp", docstore.OpGte, 0)
	if status != "" {
		filter = docstore.Where("status", docstore.OpEq, string(status))
	}
	docs, err := r.docs.QueryWhere(ctx, CollectionOrders, filter)
	if err != nil {
		return nil, err
	}
	orders, err := DecodeOrders(docs)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(orders) > limit {
		orders = orders[:limit]
	}
	return orders, nil
}

// DecodeOrders converts order documents and sorts them newest first.
func DecodeOrders(docs []docstore.Document) ([]domain.Order, error) {
	orders := make([]domain.Order, 0, len(docs))
	for _, doc := range docs {
		var order domain.Order
		if err := docstore.Decode(doc, &order); err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	slices.SortFunc(orders, func(a, b domain.Order) int {
		switch {
		case a.Timestamp > b.Timestamp:
			return -1
		case a.Timestamp < b.Timestamp:
			return 1
		}
		return strings.Compare(a.ID, b.ID)
	})
	return orders, nil
}

func (r *Repository) CountOrdersSince(ctx context.Context, since time.Time) (int, error) {
	return r.docs.CountWhere(ctx, CollectionOrders, docstore.Where("timestamp", docstore.OpGte, since.UnixMilli()))
}

func (r *Repository) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	doc, err := r.docs.Get(ctx, CollectionProducts, id)
	if err != nil {
		return nil, mapNotFound(err)
	}
	var product domain.Product
	if err := docstore.Decode(doc, &product); err != nil {
		return nil, err
	}
	return &product, nil
}

func (r *Repository) ListProducts(ctx context.Context) ([]domain.Product, error) {
	docs, err := r.docs.QueryWhere(ctx, CollectionProducts, docstore.Where("active", docstore.OpEq, true))
	if err != nil {
		return nil, err
	}
	products := make([]domain.Product, 0, len(docs))
	for _, doc := range docs {
		var product domain.Product
		if err := docstore.Decode(doc, &product); err != nil {
			return nil, err
		}
		products = append(products, product)
	}
	return products, nil
}

func (r *Repository) SaveProduct(ctx context.Context, product domain.Product) error {
	doc, err := docstore.Encode(product)
	if err != nil {
		return err
	}
	return r.docs.Set(ctx, CollectionProducts, product.ID, doc)
}

// GetSettings reads settings/general. The bool is false when the document has
// not been created yet.
func (r *Repository) GetSettings(ctx context.Context) (domain.Settings, bool, error) {
	doc, err := r.docs.Get(ctx, CollectionSettings, SettingsGeneralDocumentID)
	if errors.Is(err, docstore.ErrNotFound) {
		return domain.Settings{}, false, nil
	}
	if err != nil {
		return domain.Settings{}, false, err
	}
	var settings domain.Settings
	if err := docstore.Decode(doc, &settings); err != nil {
		return domain.Settings{}, false, err
	}
	return settings, true, nil
}

func (r *Repository) SaveSettings(ctx context.Context, settings domain.Settings) error {
	doc, err := docstore.Encode(settings)
	if err != nil {
		return err
	}
	return r.docs.Set(ctx, CollectionSettings, SettingsGeneralDocumentID, doc)
}

func (r *Repository) CreateUser(ctx context.Context, employee domain.Employee) error {
	username := strings.ToLower(strings.TrimSpace(employee.Username))
	if username == "" {
		return ErrInvalidRequest
	}
	employee.Username = username
	if employee.ID == "" {
		employee.ID = username
	}
	doc, err := docstore.Encode(employee)
	if err != nil {
		return err
	}
	return r.docs.Set(ctx, CollectionEmployees, username, doc)
}

func (r *Repository) ListUsers(ctx context.Context) ([]domain.Employee, error) {
	docs, err := r.docs.QueryWhere(ctx, CollectionEmployees, docstore.Where("username", docstore.OpNe, ""))
	if err != nil {
		return nil, err
	}
	employees := make([]domain.Employee, 0, len(docs))
	for _, doc := range docs {
		var employee domain.Employee
		if err := docstore.Decode(doc, &employee); err != nil {
			return nil, err
		}
		employees = append(employees, employee)
	}
	return employees, nil
}

func (r *Repository) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	return mapNotFound(r.docs.Update(ctx, CollectionEmployees, username, docstore.Document{"password": password}))
}

func mapNotFound(err error) error {
	if errors.Is(err, docstore.ErrNotFound) {
		return ErrNotFound
	}
	return err
}
