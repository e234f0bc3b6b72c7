// Package memory builds the in-memory development backend: a document store
// pre-loaded with a small bakery catalog, branch stock and staff accounts.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"golang.org/x/crypto/bcrypt"

	"bakehouse/backend/internal/docstore"
	docmem "bakehouse/backend/internal/docstore/memory"
	"bakehouse/backend/internal/domain"
	"bakehouse/backend/internal/inventory"
	"bakehouse/backend/internal/store"
)

const seedStock = 40

func NewSeeded(ctx context.Context, branchID string) (*docmem.Store, error) {
	docs := docmem.New()
	if err := Seed(ctx, docs, branchID); err != nil {
		return nil, err
	}
	return docs, nil
}

// Seed writes the demo catalog, stock for branchID and the staff accounts.
func Seed(ctx context.Context, docs docstore.Store, branchID string) error {
	repo := store.NewRepository(docs)
	ledger := inventory.NewLedger(docs)

	for _, product := range seedProducts() {
		if err := repo.SaveProduct(ctx, product); err != nil {
			return fmt.Errorf("seed product %s: %w", product.ID, err)
		}
		if len(product.Variants) == 0 {
			if err := ledger.Increment(ctx, inventory.Key{ProductID: product.ID, BranchID: branchID}, seedStock); err != nil {
				return fmt.Errorf("seed stock %s: %w", product.ID, err)
			}
			continue
		}
		for _, variant := range product.Variants {
			id := variant.ID
			if err := ledger.Increment(ctx, inventory.Key{ProductID: product.ID, VariantID: &id, BranchID: branchID}, seedStock); err != nil {
				return fmt.Errorf("seed stock %s/%s: %w", product.ID, id, err)
			}
		}
	}

	users, err := seedUsers()
	if err != nil {
		return err
	}
	for _, user := range users {
		if err := repo.CreateUser(ctx, user); err != nil {
			return fmt.Errorf("seed user %s: %w", user.Username, err)
		}
	}
	return nil
}

func seedProducts() []domain.Product {
	return []domain.Product{
		{ID: "sourdough", Name: "Country Sourdough", Category: "bread", Active: true, Variants: []domain.Variant{
			{ID: "sourdough-half", Name: "Half loaf", Price: 4500},
			{ID: "sourdough-whole", Name: "Whole loaf", Price: 8200},
		}},
		{ID: "baguette", Name: "Baguette", Category: "bread", Price: 3800, Active: true},
		{ID: "croissant", Name: "Butter Croissant", Category: "viennoiserie", Price: 2900, Active: true},
		{ID: "pain-au-chocolat", Name: "Pain au Chocolat", Category: "viennoiserie", Price: 3400, Active: true},
		{ID: "ensaymada", Name: "Ensaymada", Category: "sweet", Active: true, Variants: []domain.Variant{
			{ID: "ensaymada-single", Name: "Single", Price: 2200},
			{ID: "ensaymada-box6", Name: "Box of 6", Price: 12000},
		}},
		{ID: "cinnamon-roll", Name: "Cinnamon Roll", Category: "sweet", Price: 3100, Active: true},
		{ID: "banana-bread", Name: "Banana Bread", Category: "cake", Price: 5600, Active: true},
	}
}

// seedUsers builds the initial staff accounts for dev/demo mode. Passwords
// come from SEED_ADMIN_PASSWORD and SEED_STAFF_PASSWORD; unset values fall
// back to dev defaults with a warning. Only the in-memory backend seeds.
func seedUsers() ([]domain.Employee, error) {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	staffPwd := envOr("SEED_STAFF_PASSWORD", "staff123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_STAFF_PASSWORD") == "" {
		slog.Warn("using default dev credentials, set SEED_ADMIN_PASSWORD and SEED_STAFF_PASSWORD to override", "component", "memory-seed")
	}

	now := time.Now().UTC()
	users := make([]domain.Employee, 0, 2)
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, domain.RoleAdmin},
		{"baker", staffPwd, domain.RoleStaff},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("hash seed password for %s: %w", u.username, err)
		}
		users = append(users, domain.Employee{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		})
	}
	return users, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
