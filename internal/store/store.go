package store

import (
	"errors"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidRequest    = errors.New("invalid request")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrAlreadyCancelled  = errors.New("order already cancelled")
	ErrForbidden         = errors.New("forbidden")
	ErrInProgress        = errors.New("order is being updated")
)

// Collection names as persisted in the document store.
const (
	CollectionOrders          = "orders"
	CollectionInventory       = "inventory"
	CollectionInventoryLogs   = "inventory_transactions_logs"
	CollectionProducts        = "products"
	CollectionStores          = "stores"
	CollectionSettings        = "settings"
	CollectionEmployees       = "employees"
	CollectionReceipts        = "receipts"
	CollectionUsers           = "users"
	SettingsGeneralDocumentID = "general"
)
