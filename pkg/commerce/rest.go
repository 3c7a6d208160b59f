package commerce

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Mindburn-Labs/callbridge/pkg/util/resiliency"
)

// RESTConfig configures RESTClient.
type RESTConfig struct {
	// BaseURL is the admin API root, e.g. https://shop.example.com/admin/api/2024-10
	BaseURL     string
	AccessToken string
	// StorefrontURL is used to build redemption links for created codes.
	StorefrontURL string
}

// RESTClient implements Backend against a Shopify-Admin-style REST API.
// The REST API has no conditional write, so OrderUpdate.ExpectedUpdatedAt is
// ignored and concurrent annotations can race.
type RESTClient struct {
	cfg    RESTConfig
	http   *resiliency.EnhancedClient
	logger *slog.Logger
}

// NewRESTClient creates a commerce client.
func NewRESTClient(cfg RESTConfig, opts ...resiliency.Option) *RESTClient {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &RESTClient{
		cfg:    cfg,
		http:   resiliency.NewEnhancedClient("commerce", opts...),
		logger: slog.Default().With("component", "commerce"),
	}
}

// apiError is the backend's error envelope. errors is either a string, a
// list, or a field->messages map depending on the endpoint.
type apiError struct {
	Errors json.RawMessage `json:"errors"`
}

func (c *RESTClient) do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	u := c.cfg.BaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var body io.Reader
	var payload []byte
	if in != nil {
		var err error
		payload, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("commerce: marshal %s: %w", path, err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.GetBody = func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(payload)), nil }
	}
	req.Header.Set("X-Shopify-Access-Token", c.cfg.AccessToken)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrBackendUnavailable, method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<20))

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrOrderNotFound, path)
	case resp.StatusCode == http.StatusUnprocessableEntity && isTakenError(raw):
		return ErrCodeTaken
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s %s returned %d", ErrBackendUnavailable, method, path, resp.StatusCode)
	case resp.StatusCode >= 300:
		return fmt.Errorf("commerce: %s %s returned %d: %s", method, path, resp.StatusCode, truncate(raw, 300))
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("commerce: decode %s: %w", path, err)
	}
	return nil
}

func isTakenError(raw []byte) bool {
	var e apiError
	if err := json.Unmarshal(raw, &e); err != nil {
		return false
	}
	s := strings.ToLower(string(e.Errors))
	return strings.Contains(s, "already been taken") || strings.Contains(s, "must be unique")
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

// --- wire types ---

type money float64

// UnmarshalJSON accepts both "12.50" and 12.5.
func (m *money) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*m = 0
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return err
	}
	*m = money(v)
	return nil
}

type restAddress struct {
	Phone string `json:"phone"`
}

type restCustomer struct {
	ID          int64  `json:"id"`
	FirstName   string `json:"first_name"`
	LastName    string `json:"last_name"`
	Email       string `json:"email"`
	Phone       string `json:"phone"`
	OrdersCount int    `json:"orders_count"`
	TotalSpent  money  `json:"total_spent"`
	LastOrderID *int64 `json:"last_order_id"`
}

type restLineItem struct {
	Title        string `json:"title"`
	Quantity     int    `json:"quantity"`
	Price        money  `json:"price"`
	VariantTitle string `json:"variant_title"`
}

type restDiscountApplication struct {
	Code string `json:"code"`
}

type restOrder struct {
	ID                int64                     `json:"id"`
	Name              string                    `json:"name"`
	OrderNumber       int64                     `json:"order_number"`
	Email             string                    `json:"email"`
	Phone             string                    `json:"phone"`
	Note              *string                   `json:"note"`
	Tags              string                    `json:"tags"`
	FulfillmentStatus *string                   `json:"fulfillment_status"`
	TotalPrice        money                     `json:"total_price"`
	CreatedAt         time.Time                 `json:"created_at"`
	UpdatedAt         time.Time                 `json:"updated_at"`
	Customer          *restCustomer             `json:"customer"`
	ShippingAddress   *restAddress              `json:"shipping_address"`
	LineItems         []restLineItem            `json:"line_items"`
	DiscountCodes     []restDiscountApplication `json:"discount_codes"`
}

func (r restOrder) toOrder() Order {
	o := Order{
		ID:        strconv.FormatInt(r.ID, 10),
		Name:      r.Name,
		Number:    r.OrderNumber,
		Email:     r.Email,
		Phone:     r.Phone,
		Tags:      splitTags(r.Tags),
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
	if o.Number == 0 {
		o.Number = ParseOrderNumber(r.Name)
	}
	o.TotalPrice = float64(r.TotalPrice)
	if r.Note != nil {
		o.Note = *r.Note
	}
	if r.FulfillmentStatus != nil {
		o.FulfillmentStatus = *r.FulfillmentStatus
	}
	if r.Customer != nil {
		o.CustomerID = strconv.FormatInt(r.Customer.ID, 10)
		o.CustomerPhone = r.Customer.Phone
		o.CustomerEmail = r.Customer.Email
		o.CustomerFirstName = r.Customer.FirstName
	}
	if r.ShippingAddress != nil {
		o.ShippingPhone = r.ShippingAddress.Phone
	}
	for _, li := range r.LineItems {
		o.LineItems = append(o.LineItems, LineItem{
			Title:        li.Title,
			Quantity:     li.Quantity,
			UnitPrice:    float64(li.Price),
			VariantTitle: li.VariantTitle,
		})
	}
	for _, d := range r.DiscountCodes {
		o.DiscountCodes = append(o.DiscountCodes, d.Code)
	}
	return o
}

func (r restCustomer) toCustomer() Customer {
	return Customer{
		ID:          strconv.FormatInt(r.ID, 10),
		FirstName:   r.FirstName,
		LastName:    r.LastName,
		Email:       r.Email,
		Phone:       r.Phone,
		OrdersCount: r.OrdersCount,
		TotalSpent:  float64(r.TotalSpent),
	}
}

func splitTags(s string) []string {
	var out []string
	for _, t := range strings.Split(s, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// --- OrderStore ---

func (c *RESTClient) FindOrdersByName(ctx context.Context, name string) ([]Order, error) {
	var out struct {
		Orders []restOrder `json:"orders"`
	}
	q := url.Values{"name": {name}, "status": {"any"}}
	if err := c.do(ctx, http.MethodGet, "/orders.json", q, nil, &out); err != nil {
		return nil, err
	}
	orders := make([]Order, 0, len(out.Orders))
	for _, r := range out.Orders {
		// the name filter is a prefix match on some API versions
		if r.Name == name {
			orders = append(orders, r.toOrder())
		}
	}
	return orders, nil
}

func (c *RESTClient) ListRecentOrders(ctx context.Context, opts ListOptions) ([]Order, error) {
	limit := opts.Limit
	if limit <= 0 || limit > 250 {
		limit = 250
	}
	q := url.Values{
		"status": {"any"},
		"limit":  {strconv.Itoa(limit)},
		"order":  {"created_at desc"},
	}
	if !opts.CreatedAfter.IsZero() {
		q.Set("created_at_min", opts.CreatedAfter.UTC().Format(time.RFC3339))
	}
	var out struct {
		Orders []restOrder `json:"orders"`
	}
	if err := c.do(ctx, http.MethodGet, "/orders.json", q, nil, &out); err != nil {
		return nil, err
	}
	orders := make([]Order, 0, len(out.Orders))
	for _, r := range out.Orders {
		orders = append(orders, r.toOrder())
	}
	return orders, nil
}

func (c *RESTClient) GetOrder(ctx context.Context, id string) (*Order, error) {
	var out struct {
		Order restOrder `json:"order"`
	}
	if err := c.do(ctx, http.MethodGet, "/orders/"+url.PathEscape(id)+".json", nil, nil, &out); err != nil {
		return nil, err
	}
	o := out.Order.toOrder()
	return &o, nil
}

func (c *RESTClient) UpdateOrder(ctx context.Context, upd OrderUpdate) (*Order, error) {
	id, err := strconv.ParseInt(upd.ID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("commerce: order id %q: %w", upd.ID, err)
	}
	in := map[string]any{
		"order": map[string]any{
			"id":   id,
			"note": upd.Note,
			"tags": strings.Join(upd.Tags, ", "),
		},
	}
	var out struct {
		Order restOrder `json:"order"`
	}
	if err := c.do(ctx, http.MethodPut, "/orders/"+url.PathEscape(upd.ID)+".json", nil, in, &out); err != nil {
		return nil, err
	}
	o := out.Order.toOrder()
	return &o, nil
}

// --- CustomerStore ---

func (c *RESTClient) SearchCustomers(ctx context.Context, q CustomerQuery) ([]Customer, error) {
	var query string
	switch {
	case q.Email != "":
		query = "email:" + q.Email
	case q.Phone != "":
		query = "phone:" + q.Phone
	default:
		return nil, nil
	}
	var out struct {
		Customers []restCustomer `json:"customers"`
	}
	if err := c.do(ctx, http.MethodGet, "/customers/search.json", url.Values{"query": {query}}, nil, &out); err != nil {
		return nil, err
	}
	customers := make([]Customer, 0, len(out.Customers))
	for _, r := range out.Customers {
		customers = append(customers, r.toCustomer())
	}
	if len(customers) > 1 {
		if err := c.fillLastOrderAt(ctx, out.Customers, customers); err != nil {
			return nil, err
		}
	}
	return customers, nil
}

// fillLastOrderAt sets LastOrderAt from each candidate's last order so ties
// can be ranked by recency. The profile carries only the order ID.
func (c *RESTClient) fillLastOrderAt(ctx context.Context, raw []restCustomer, customers []Customer) error {
	for i, r := range raw {
		if r.LastOrderID == nil {
			continue
		}
		o, err := c.GetOrder(ctx, strconv.FormatInt(*r.LastOrderID, 10))
		if errors.Is(err, ErrOrderNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		customers[i].LastOrderAt = o.CreatedAt
	}
	return nil
}

func (c *RESTClient) CreateCustomer(ctx context.Context, cu Customer) (*Customer, error) {
	in := map[string]any{
		"customer": map[string]any{
			"first_name": cu.FirstName,
			"last_name":  cu.LastName,
			"email":      cu.Email,
			"phone":      cu.Phone,
		},
	}
	var out struct {
		Customer restCustomer `json:"customer"`
	}
	if err := c.do(ctx, http.MethodPost, "/customers.json", nil, in, &out); err != nil {
		return nil, err
	}
	created := out.Customer.toCustomer()
	return &created, nil
}

func (c *RESTClient) ListCustomerOrders(ctx context.Context, customerID string, since time.Time) ([]Order, error) {
	q := url.Values{"status": {"any"}, "limit": {"250"}}
	if !since.IsZero() {
		q.Set("created_at_min", since.UTC().Format(time.RFC3339))
	}
	var out struct {
		Orders []restOrder `json:"orders"`
	}
	if err := c.do(ctx, http.MethodGet, "/customers/"+url.PathEscape(customerID)+"/orders.json", q, nil, &out); err != nil {
		return nil, err
	}
	orders := make([]Order, 0, len(out.Orders))
	for _, r := range out.Orders {
		orders = append(orders, r.toOrder())
	}
	return orders, nil
}

// --- DiscountStore ---

type restPriceRule struct {
	ID int64 `json:"id"`
}

// CreateDiscount creates a price rule and attaches the code to it. When the
// code collides the orphaned price rule is deleted before returning
// ErrCodeTaken.
func (c *RESTClient) CreateDiscount(ctx context.Context, spec DiscountSpec) (*DiscountCode, error) {
	valueType := "percentage"
	if spec.Kind == DiscountFixedAmount {
		valueType = "fixed_amount"
	}
	rule := map[string]any{
		"title":              firstNonEmpty(spec.Title, spec.Code),
		"target_type":        "line_item",
		"target_selection":   "all",
		"allocation_method":  "across",
		"value_type":         valueType,
		"value":              strconv.FormatFloat(-spec.Value, 'f', 2, 64),
		"usage_limit":        spec.UsageLimit,
		"once_per_customer":  true,
		"starts_at":          spec.StartsAt.UTC().Format(time.RFC3339),
		"ends_at":            spec.EndsAt.UTC().Format(time.RFC3339),
		"customer_selection": "all",
	}
	if spec.CustomerID != "" {
		id, err := strconv.ParseInt(spec.CustomerID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("commerce: customer id %q: %w", spec.CustomerID, err)
		}
		rule["customer_selection"] = "prerequisite"
		rule["prerequisite_customer_ids"] = []int64{id}
	}

	var ruleOut struct {
		PriceRule restPriceRule `json:"price_rule"`
	}
	if err := c.do(ctx, http.MethodPost, "/price_rules.json", nil, map[string]any{"price_rule": rule}, &ruleOut); err != nil {
		return nil, err
	}
	ruleID := strconv.FormatInt(ruleOut.PriceRule.ID, 10)

	codeIn := map[string]any{"discount_code": map[string]any{"code": spec.Code}}
	if err := c.do(ctx, http.MethodPost, "/price_rules/"+ruleID+"/discount_codes.json", nil, codeIn, nil); err != nil {
		if derr := c.do(ctx, http.MethodDelete, "/price_rules/"+ruleID+".json", nil, nil, nil); derr != nil {
			c.logger.WarnContext(ctx, "failed to delete orphaned price rule", "price_rule_id", ruleID, "error", derr)
		}
		return nil, err
	}

	d := &DiscountCode{
		Code:        spec.Code,
		Kind:        spec.Kind,
		Value:       spec.Value,
		UsageLimit:  spec.UsageLimit,
		StartsAt:    spec.StartsAt,
		EndsAt:      spec.EndsAt,
		CustomerID:  spec.CustomerID,
		PriceRuleID: ruleID,
	}
	if c.cfg.StorefrontURL != "" {
		d.URL = strings.TrimRight(c.cfg.StorefrontURL, "/") + "/discount/" + url.PathEscape(spec.Code)
	}
	return d, nil
}
