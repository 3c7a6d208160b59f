// Package commerce models the storefront backend that owns orders, customers
// and discount codes. callbridge only reads orders and customers, appends to
// order notes and tags, and creates discount codes.
package commerce

import (
	"strconv"
	"strings"
	"time"
)

// LineItem is one purchased product on an order.
type LineItem struct {
	Title        string  `json:"title"`
	Quantity     int     `json:"quantity"`
	UnitPrice    float64 `json:"unit_price"`
	VariantTitle string  `json:"variant_title,omitempty"`
}

// Order is a storefront order. Phone and email are held per source so that
// the contact fallback chain stays explicit.
type Order struct {
	ID                string     `json:"id"`
	Name              string     `json:"name"` // "#42507"
	Number            int64      `json:"number"`
	CustomerID        string     `json:"customer_id,omitempty"`
	Phone             string     `json:"phone,omitempty"`
	ShippingPhone     string     `json:"shipping_phone,omitempty"`
	CustomerPhone     string     `json:"customer_phone,omitempty"`
	Email             string     `json:"email,omitempty"`
	CustomerEmail     string     `json:"customer_email,omitempty"`
	CustomerFirstName string     `json:"customer_first_name,omitempty"`
	LineItems         []LineItem `json:"line_items,omitempty"`
	FulfillmentStatus string     `json:"fulfillment_status,omitempty"`
	TotalPrice        float64    `json:"total_price"`
	Note              string     `json:"note,omitempty"`
	Tags              []string   `json:"tags,omitempty"`
	DiscountCodes     []string   `json:"discount_codes,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// ContactPhone returns the first non-empty phone of order, shipping address
// and customer profile.
func (o *Order) ContactPhone() string {
	return firstNonEmpty(o.Phone, o.ShippingPhone, o.CustomerPhone)
}

// ContactEmail returns the first non-empty email of order and customer profile.
func (o *Order) ContactEmail() string {
	return firstNonEmpty(o.Email, o.CustomerEmail)
}

// Phones returns every non-empty phone attached to the order.
func (o *Order) Phones() []string {
	var out []string
	for _, p := range []string{o.Phone, o.CustomerPhone, o.ShippingPhone} {
		if strings.TrimSpace(p) != "" {
			out = append(out, p)
		}
	}
	return out
}

// HasDiscount reports whether any discount code was applied to the order.
func (o *Order) HasDiscount() bool {
	for _, c := range o.DiscountCodes {
		if strings.TrimSpace(c) != "" {
			return true
		}
	}
	return false
}

// Delivered reports whether the order has been fulfilled.
func (o *Order) Delivered() bool {
	return o.FulfillmentStatus == "fulfilled" || o.FulfillmentStatus == "delivered"
}

// Customer is a storefront customer profile.
type Customer struct {
	ID          string    `json:"id"`
	FirstName   string    `json:"first_name,omitempty"`
	LastName    string    `json:"last_name,omitempty"`
	Email       string    `json:"email,omitempty"`
	Phone       string    `json:"phone,omitempty"`
	OrdersCount int       `json:"orders_count"`
	TotalSpent  float64   `json:"total_spent"`
	LastOrderAt time.Time `json:"last_order_at,omitempty"`
}

// DiscountKind is how a discount magnitude is applied.
type DiscountKind string

const (
	DiscountPercentage  DiscountKind = "percentage"
	DiscountFixedAmount DiscountKind = "fixed_amount"
)

// Valid reports whether k is a known kind.
func (k DiscountKind) Valid() bool {
	return k == DiscountPercentage || k == DiscountFixedAmount
}

// DiscountSpec is the request to create a redeemable code.
type DiscountSpec struct {
	Code       string
	Title      string
	Kind       DiscountKind
	Value      float64
	UsageLimit int
	StartsAt   time.Time
	EndsAt     time.Time
	CustomerID string // empty means open to all customers
}

// DiscountCode is a created, redeemable single-use code. It is never mutated.
type DiscountCode struct {
	Code        string       `json:"code"`
	Kind        DiscountKind `json:"kind"`
	Value       float64      `json:"value"`
	UsageLimit  int          `json:"usage_limit"`
	StartsAt    time.Time    `json:"starts_at"`
	EndsAt      time.Time    `json:"ends_at"`
	CustomerID  string       `json:"customer_id,omitempty"`
	PriceRuleID string       `json:"price_rule_id,omitempty"`
	URL         string       `json:"url,omitempty"`
}

// CustomerScoped reports whether the code is bound to one customer.
func (d *DiscountCode) CustomerScoped() bool { return d.CustomerID != "" }

// OrderUpdate carries the note/tags write-back. ExpectedUpdatedAt, when set,
// asks the backend to reject the write if the order changed since it was read.
type OrderUpdate struct {
	ID                string
	Note              string
	Tags              []string
	ExpectedUpdatedAt time.Time
}

// ListOptions bounds an order listing.
type ListOptions struct {
	Limit        int
	CreatedAfter time.Time
}

// CustomerQuery searches customers by exactly one of Email or Phone.
type CustomerQuery struct {
	Email string
	Phone string
}

// NormalizeOrderName strips whitespace, a leading "#" and the words "order"
// or "number" so that "#42507", "42507" and "order 42507" compare equal.
func NormalizeOrderName(name string) string {
	n := strings.ToLower(strings.TrimSpace(name))
	n = strings.TrimPrefix(n, "order")
	n = strings.TrimSpace(n)
	n = strings.TrimPrefix(n, "number")
	n = strings.TrimSpace(n)
	n = strings.TrimPrefix(n, "#")
	return strings.ReplaceAll(n, " ", "")
}

// ParseOrderNumber extracts the numeric order number from a name, or 0.
func ParseOrderNumber(name string) int64 {
	n := NormalizeOrderName(name)
	v, err := strconv.ParseInt(n, 10, 64)
	if err != nil {
		return 0
	}
	return v
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
