package domain

import "time"

type OrderStatus string

const (
	StatusPending        OrderStatus = "PENDING"
	StatusConfirmed      OrderStatus = "CONFIRMED"
	StatusPreparing      OrderStatus = "PREPARING"
	StatusReadyForPickup OrderStatus = "READY_FOR_PICKUP"
	StatusOutForDelivery OrderStatus = "OUT_FOR_DELIVERY"
	StatusCompleted      OrderStatus = "COMPLETED"
	StatusCancelled      OrderStatus = "CANCELLED"
)

// OrderStatuses lists every status in lifecycle order. Any status may be set
// from any other; staff use this for manual correction.
var OrderStatuses = []OrderStatus{
	StatusPending,
	StatusConfirmed,
	StatusPreparing,
	StatusReadyForPickup,
	StatusOutForDelivery,
	StatusCompleted,
	StatusCancelled,
}

func (s OrderStatus) Valid() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusPreparing, StatusReadyForPickup,
		StatusOutForDelivery, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

func (s OrderStatus) Label() string {
	switch s {
	case StatusPending:
		return "Pending"
	case StatusConfirmed:
		return "Confirmed"
	case StatusPreparing:
		return "Preparing"
	case StatusReadyForPickup:
		return "Ready for pickup"
	case StatusOutForDelivery:
		return "Out for delivery"
	case StatusCompleted:
		return "Completed"
	case StatusCancelled:
		return "Cancelled"
	}
	return string(s)
}

// Terminal reports statuses past which no business action is defined.
func (s OrderStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

type PaymentStatus string

const (
	PaymentPaid     PaymentStatus = "PAID"
	PaymentUnpaid   PaymentStatus = "UNPAID"
	PaymentRefunded PaymentStatus = "REFUNDED"
)

func (p PaymentStatus) Valid() bool {
	return p == PaymentPaid || p == PaymentUnpaid || p == PaymentRefunded
}

type OrderType string

const (
	OrderTypeDelivery OrderType = "DELIVERY"
	OrderTypePickup   OrderType = "PICKUP"
)

func (t OrderType) Valid() bool {
	return t == OrderTypeDelivery || t == OrderTypePickup
}

const PaymentOptionCash = "CASH"

const (
	RoleAdmin = "admin"
	RoleStaff = "staff"
)

// SystemActor attributes writes made by the service itself (compensation,
// reconciliation) rather than by a person.
const SystemActor = "system"

type Customer struct {
	Name    string `json:"name"`
	Mobile  string `json:"mobile"`
	Email   string `json:"email,omitempty"`
	Address string `json:"address,omitempty"`
	Notes   string `json:"notes,omitempty"`
}

type Payment struct {
	Option          string `json:"option"`
	ReferenceNumber string `json:"referenceNumber,omitempty"`
	ReceiptImage    string `json:"receiptImage,omitempty"`
	// Paid is honoured only on orders placed by staff.
	Paid bool `json:"paid,omitempty"`
}

type Coordinates struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// ServiceArea is the lat/lng rectangle delivery orders must fall inside.
type ServiceArea struct {
	MinLat float64 `json:"minLat"`
	MinLng float64 `json:"minLng"`
	MaxLat float64 `json:"maxLat"`
	MaxLng float64 `json:"maxLng"`
}

func (a ServiceArea) Contains(c Coordinates) bool {
	return c.Lat >= a.MinLat && c.Lat <= a.MaxLat && c.Lng >= a.MinLng && c.Lng <= a.MaxLng
}

func (a ServiceArea) IsZero() bool {
	return a == ServiceArea{}
}

// Settings mirrors the settings/general document.
type Settings struct {
	StoreName   string      `json:"storeName,omitempty"`
	DeliveryFee int64       `json:"deliveryFee"`
	ServiceArea ServiceArea `json:"serviceArea"`
}

type OrderItem struct {
	ID          string  `json:"id"`
	ProductID   string  `json:"productID"`
	VariantID   *string `json:"variantID"`
	ProductName string  `json:"productName"`
	VariantName string  `json:"variantName"`
	Quantity    int     `json:"quantity"`
	Price       int64   `json:"price"`
	Subtotal    int64   `json:"subtotal"`
	BranchID    string  `json:"branchID"`
	InventoryID string  `json:"inventoryID"`
}

type OrderLog struct {
	Status    OrderStatus `json:"status"`
	ChangedAt time.Time   `json:"changedAt"`
	ChangedBy string      `json:"changedBy,omitempty"`
}

type Order struct {
	ID            string        `json:"id"`
	OrderNumber   string        `json:"orderNumber"`
	Items         []OrderItem   `json:"items"`
	TotalAmount   int64         `json:"totalAmount"`
	DeliveryFee   int64         `json:"deliveryFee"`
	Status        OrderStatus   `json:"status"`
	PaymentStatus PaymentStatus `json:"paymentStatus"`
	IsFulfilled   bool          `json:"isFulfilled"`
	OrderType     OrderType     `json:"orderType"`
	Customer      Customer      `json:"customer"`
	Payment       Payment       `json:"payment"`
	Coordinates   *Coordinates  `json:"coordinates,omitempty"`
	Logs          []OrderLog    `json:"logs"`
	BranchID      string        `json:"branchID"`
	// Restocked records the quantity returned to stock per item on cancel.
	Restocked map[string]int `json:"restocked,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
	Timestamp int64          `json:"timestamp"`
}

// ItemsSubtotal sums the frozen line subtotals.
func (o Order) ItemsSubtotal() int64 {
	var total int64
	for _, item := range o.Items {
		total += item.Subtotal
	}
	return total
}

type InventoryRecord struct {
	ID        string    `json:"id"`
	ProductID string    `json:"productID"`
	VariantID *string   `json:"variantID"`
	BranchID  string    `json:"branchID"`
	Stock     int64     `json:"stock"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type InventoryTransactionLog struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userID"`
	UserName  string    `json:"userName"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	StoreID   string    `json:"storeID"`
	CreatedAt time.Time `json:"createdAt"`
	Timestamp int64     `json:"timestamp"`
}

type StockAdjustmentRequest struct {
	ProductID string  `json:"productID"`
	VariantID *string `json:"variantID"`
	BranchID  string  `json:"branchID"`
	// Quantity is signed: positive adds stock, negative removes it.
	Quantity int64  `json:"quantity"`
	Reason   string `json:"reason,omitempty"`
}

type StockResponse struct {
	ProductID string  `json:"productID"`
	VariantID *string `json:"variantID"`
	BranchID  string  `json:"branchID"`
	Stock     int64   `json:"stock"`
}

type Variant struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Price int64  `json:"price"`
}

type Product struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Category string    `json:"category,omitempty"`
	Price    int64     `json:"price"`
	Variants []Variant `json:"variants,omitempty"`
	Active   bool      `json:"active"`
}

// FindVariant returns the variant with id, or nil when id is empty or unknown.
func (p Product) FindVariant(id string) *Variant {
	for i := range p.Variants {
		if p.Variants[i].ID == id {
			return &p.Variants[i]
		}
	}
	return nil
}

type CartItem struct {
	ID             string  `json:"id"`
	ProductID      string  `json:"productID"`
	VariantID      *string `json:"variantID"`
	BranchID       string  `json:"branchID"`
	Name           string  `json:"name"`
	VariantName    string  `json:"variantName"`
	Quantity       int     `json:"quantity"`
	Price          int64   `json:"price"`
	StockAvailable int     `json:"stockAvailable"`
}

type CartView struct {
	SessionID   string     `json:"sessionID"`
	Items       []CartItem `json:"items"`
	OrderType   OrderType  `json:"orderType"`
	Subtotal    int64      `json:"subtotal"`
	DeliveryFee int64      `json:"deliveryFee"`
	Total       int64      `json:"total"`
}

type CartAddRequest struct {
	ProductID string  `json:"productID"`
	VariantID *string `json:"variantID"`
	BranchID  string  `json:"branchID"`
	Quantity  int     `json:"quantity"`
}

type CartUpdateRequest struct {
	OrderType *OrderType   `json:"orderType,omitempty"`
	Quantity  *CartLineQty `json:"quantity,omitempty"`
}

type CartLineQty struct {
	ItemID   string `json:"itemID"`
	Quantity int    `json:"quantity"`
}

type CheckoutRequest struct {
	Customer    Customer     `json:"customer"`
	Payment     Payment      `json:"payment"`
	Coordinates *Coordinates `json:"coordinates,omitempty"`
}

type StatusUpdateRequest struct {
	Status        OrderStatus   `json:"status"`
	PaymentStatus PaymentStatus `json:"paymentStatus"`
	IsFulfilled   bool          `json:"isFulfilled"`
}

type CancelOrderRequest struct {
	// RestockQuantities maps order item id to the quantity returned to stock.
	// Missing items default to their ordered quantity.
	RestockQuantities map[string]int `json:"restockQuantities"`
}

type OrderListResponse struct {
	Orders []Order `json:"orders"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
}

// Employee is the persisted staff account used for admin login.
type Employee struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Name      string    `json:"name,omitempty"`
	Password  string    `json:"password"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"createdAt"`
}
