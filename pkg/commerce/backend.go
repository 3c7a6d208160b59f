package commerce

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrOrderNotFound is returned by GetOrder for an unknown ID.
	ErrOrderNotFound = errors.New("order not found")
	// ErrCodeTaken is returned when a discount code string already exists.
	ErrCodeTaken = errors.New("discount code already exists")
	// ErrConflict is returned when an order changed between read and write.
	ErrConflict = errors.New("order modified concurrently")
	// ErrBackendUnavailable wraps transport failures and 5xx responses.
	ErrBackendUnavailable = errors.New("commerce backend unavailable")
)

// OrderStore reads and annotates orders.
type OrderStore interface {
	// FindOrdersByName returns orders whose name equals name exactly.
	FindOrdersByName(ctx context.Context, name string) ([]Order, error)
	// ListRecentOrders returns orders newest first.
	ListRecentOrders(ctx context.Context, opts ListOptions) ([]Order, error)
	GetOrder(ctx context.Context, id string) (*Order, error)
	// UpdateOrder replaces the order note and tags.
	UpdateOrder(ctx context.Context, upd OrderUpdate) (*Order, error)
}

// CustomerStore reads and creates customer profiles.
type CustomerStore interface {
	SearchCustomers(ctx context.Context, q CustomerQuery) ([]Customer, error)
	CreateCustomer(ctx context.Context, c Customer) (*Customer, error)
	// ListCustomerOrders returns the customer's orders created after since.
	ListCustomerOrders(ctx context.Context, customerID string, since time.Time) ([]Order, error)
}

// DiscountStore creates discount codes.
type DiscountStore interface {
	// CreateDiscount creates exactly one code. It returns ErrCodeTaken when
	// the code string collides with an existing one.
	CreateDiscount(ctx context.Context, spec DiscountSpec) (*DiscountCode, error)
}

// Backend is the full commerce surface.
type Backend interface {
	OrderStore
	CustomerStore
	DiscountStore
}
