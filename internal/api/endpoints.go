package api

import (
	"fmt"
	"net/url"
	"sort"
	"time"
)

// DateStyle selects how a date window is passed to an endpoint family.
type DateStyle int

const (
	DateNone DateStyle = iota
	// DateSnake sends date_from/date_to as YYYY-MM-DD.
	DateSnake
	// DateCompact sends dateFrom/dateTo as YYYYMMDD.
	DateCompact
)

// Window is an inclusive range of calendar days.
type Window struct {
	From time.Time
	To   time.Time
}

func (w Window) IsZero() bool {
	return w.From.IsZero() && w.To.IsZero()
}

func (w Window) String() string {
	return fmt.Sprintf("%s..%s", w.From.Format("2006-01-02"), w.To.Format("2006-01-02"))
}

// Endpoint describes one logical Poster collection.
type Endpoint struct {
	Name      string
	Method    string
	IDField   string
	PageSize  int
	Timeout   time.Duration
	Paginated bool
	DateStyle DateStyle
	Params    url.Values
}

// Query builds the base parameters for a window: the endpoint's static
// params plus the date range in the endpoint's style.
func (e Endpoint) Query(w Window) url.Values {
	q := url.Values{}
	for k, vs := range e.Params {
		q[k] = append([]string(nil), vs...)
	}
	if w.IsZero() {
		return q
	}

	switch e.DateStyle {
	case DateSnake:
		q.Set("date_from", w.From.Format("2006-01-02"))
		q.Set("date_to", w.To.Format("2006-01-02"))
	case DateCompact:
		q.Set("dateFrom", w.From.Format("20060102"))
		q.Set("dateTo", w.To.Format("20060102"))
	}
	return q
}

// Registry holds the endpoints known to the fetcher, keyed by entity name.
type Registry map[string]Endpoint

// Lookup returns the endpoint registered under name.
func (r Registry) Lookup(name string) (Endpoint, bool) {
	ep, ok := r[name]
	return ep, ok
}

// Names returns the registered entity names in sorted order.
func (r Registry) Names() []string {
	names := make([]string, 0, len(r))
	for n := range r {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// DefaultRegistry returns the Poster entities synced by posterflow.
// Supplies are document endpoints and get the bulk timeout.
func DefaultRegistry(pageSize int, timeout, bulkTimeout time.Duration) Registry {
	return Registry{
		"transactions": {
			Name:      "transactions",
			Method:    "dash.getTransactions",
			IDField:   "transaction_id",
			PageSize:  pageSize,
			Timeout:   timeout,
			Paginated: true,
			DateStyle: DateCompact,
			Params: url.Values{
				"status":           {"2"},
				"include_products": {"true"},
			},
		},
		"products": {
			Name:      "products",
			Method:    "menu.getProducts",
			IDField:   "product_id",
			PageSize:  pageSize,
			Timeout:   timeout,
			Paginated: true,
		},
		"categories": {
			Name:    "categories",
			Method:  "menu.getCategories",
			IDField: "category_id",
			Timeout: timeout,
		},
		"ingredients": {
			Name:      "ingredients",
			Method:    "menu.getIngredients",
			IDField:   "ingredient_id",
			PageSize:  pageSize,
			Timeout:   timeout,
			Paginated: true,
		},
		"employees": {
			Name:    "employees",
			Method:  "access.getEmployees",
			IDField: "user_id",
			Timeout: timeout,
		},
		"supplies": {
			Name:      "supplies",
			Method:    "storage.getSupplies",
			IDField:   "supply_id",
			PageSize:  100,
			Timeout:   bulkTimeout,
			Paginated: true,
			DateStyle: DateSnake,
			Params: url.Values{
				"include_ingredients": {"1"},
			},
		},
	}
}
