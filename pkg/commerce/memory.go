package commerce

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Mindburn-Labs/callbridge/pkg/contact"
)

// MemoryBackend implements Backend in memory. It is used for local
// development and as the test double for every package above commerce.
// Thread-safe via RWMutex. Unlike the REST client it honors
// OrderUpdate.ExpectedUpdatedAt.
type MemoryBackend struct {
	mu        sync.RWMutex
	orders    map[string]Order
	customers map[string]Customer
	discounts map[string]DiscountCode
	failures  map[string]error
	nextID    int
	clock     func() time.Time

	// Calls counts invocations per operation name.
	Calls map[string]int
}

// NewMemoryBackend creates an empty backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		orders:    make(map[string]Order),
		customers: make(map[string]Customer),
		discounts: make(map[string]DiscountCode),
		failures:  make(map[string]error),
		clock:     time.Now,
		Calls:     make(map[string]int),
	}
}

// WithClock overrides the clock for deterministic testing.
func (m *MemoryBackend) WithClock(clock func() time.Time) *MemoryBackend {
	m.clock = clock
	return m
}

// Fail makes every call to op return err until cleared with a nil err.
// op is the method name, e.g. "CreateDiscount".
func (m *MemoryBackend) Fail(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, op)
		return
	}
	m.failures[op] = err
}

// PutOrder inserts or replaces an order, assigning an ID if missing.
func (m *MemoryBackend) PutOrder(o Order) Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o.ID == "" {
		m.nextID++
		o.ID = strconv.Itoa(1000 + m.nextID)
	}
	if o.Number == 0 {
		o.Number = ParseOrderNumber(o.Name)
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = m.clock()
	}
	if o.UpdatedAt.IsZero() {
		o.UpdatedAt = o.CreatedAt
	}
	m.orders[o.ID] = cloneOrder(o)
	return o
}

// PutCustomer inserts or replaces a customer, assigning an ID if missing.
func (m *MemoryBackend) PutCustomer(c Customer) Customer {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.ID == "" {
		m.nextID++
		c.ID = strconv.Itoa(5000 + m.nextID)
	}
	m.customers[c.ID] = c
	return c
}

// Discounts returns every created code, sorted by code.
func (m *MemoryBackend) Discounts() []DiscountCode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]DiscountCode, 0, len(m.discounts))
	for _, d := range m.discounts {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

func (m *MemoryBackend) enter(op string) error {
	m.Calls[op]++
	return m.failures[op]
}

func (m *MemoryBackend) FindOrdersByName(ctx context.Context, name string) ([]Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("FindOrdersByName"); err != nil {
		return nil, err
	}
	var out []Order
	for _, o := range m.orders {
		if o.Name == name {
			out = append(out, cloneOrder(o))
		}
	}
	sortNewestFirst(out)
	return out, nil
}

func (m *MemoryBackend) ListRecentOrders(ctx context.Context, opts ListOptions) ([]Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("ListRecentOrders"); err != nil {
		return nil, err
	}
	out := make([]Order, 0, len(m.orders))
	for _, o := range m.orders {
		if !opts.CreatedAfter.IsZero() && o.CreatedAt.Before(opts.CreatedAfter) {
			continue
		}
		out = append(out, cloneOrder(o))
	}
	sortNewestFirst(out)
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (m *MemoryBackend) GetOrder(ctx context.Context, id string) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("GetOrder"); err != nil {
		return nil, err
	}
	o, ok := m.orders[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, id)
	}
	c := cloneOrder(o)
	return &c, nil
}

func (m *MemoryBackend) UpdateOrder(ctx context.Context, upd OrderUpdate) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("UpdateOrder"); err != nil {
		return nil, err
	}
	o, ok := m.orders[upd.ID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, upd.ID)
	}
	if !upd.ExpectedUpdatedAt.IsZero() && !o.UpdatedAt.Equal(upd.ExpectedUpdatedAt) {
		return nil, ErrConflict
	}
	o.Note = upd.Note
	o.Tags = append([]string(nil), upd.Tags...)
	now := m.clock()
	if !now.After(o.UpdatedAt) {
		now = o.UpdatedAt.Add(time.Nanosecond)
	}
	o.UpdatedAt = now
	m.orders[o.ID] = o
	c := cloneOrder(o)
	return &c, nil
}

func (m *MemoryBackend) SearchCustomers(ctx context.Context, q CustomerQuery) ([]Customer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("SearchCustomers"); err != nil {
		return nil, err
	}
	var out []Customer
	for _, c := range m.customers {
		switch {
		case q.Email != "":
			if strings.EqualFold(c.Email, q.Email) {
				out = append(out, c)
			}
		case q.Phone != "":
			if contact.SamePhone(c.Phone, q.Phone) {
				out = append(out, c)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryBackend) CreateCustomer(ctx context.Context, c Customer) (*Customer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("CreateCustomer"); err != nil {
		return nil, err
	}
	m.nextID++
	c.ID = strconv.Itoa(5000 + m.nextID)
	m.customers[c.ID] = c
	return &c, nil
}

func (m *MemoryBackend) ListCustomerOrders(ctx context.Context, customerID string, since time.Time) ([]Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("ListCustomerOrders"); err != nil {
		return nil, err
	}
	var out []Order
	for _, o := range m.orders {
		if o.CustomerID != customerID {
			continue
		}
		if !since.IsZero() && o.CreatedAt.Before(since) {
			continue
		}
		out = append(out, cloneOrder(o))
	}
	sortNewestFirst(out)
	return out, nil
}

func (m *MemoryBackend) CreateDiscount(ctx context.Context, spec DiscountSpec) (*DiscountCode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("CreateDiscount"); err != nil {
		return nil, err
	}
	key := strings.ToUpper(spec.Code)
	if _, exists := m.discounts[key]; exists {
		return nil, fmt.Errorf("%w: %s", ErrCodeTaken, spec.Code)
	}
	m.nextID++
	d := DiscountCode{
		Code:        spec.Code,
		Kind:        spec.Kind,
		Value:       spec.Value,
		UsageLimit:  spec.UsageLimit,
		StartsAt:    spec.StartsAt,
		EndsAt:      spec.EndsAt,
		CustomerID:  spec.CustomerID,
		PriceRuleID: strconv.Itoa(9000 + m.nextID),
	}
	m.discounts[key] = d
	return &d, nil
}

func sortNewestFirst(orders []Order) {
	sort.SliceStable(orders, func(i, j int) bool {
		if orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].ID > orders[j].ID
		}
		return orders[i].CreatedAt.After(orders[j].CreatedAt)
	})
}

func cloneOrder(o Order) Order {
	o.Tags = append([]string(nil), o.Tags...)
	o.LineItems = append([]LineItem(nil), o.LineItems...)
	o.DiscountCodes = append([]string(nil), o.DiscountCodes...)
	return o
}
