package persona

import (
	"fmt"
	"sort"

	"github.com/BTreeMap/PersonaPipe/internal/flow"
	"github.com/BTreeMap/PersonaPipe/internal/models"
	"github.com/BTreeMap/PersonaPipe/internal/store"
)

// Registry holds the persona domains by name.
type Registry struct {
	domains map[string]*flow.Domain
}

// Opts holds registry configuration.
type Opts struct {
	Menu         *Menu
	ImprovRounds int
}

// Option configures a Registry.
type Option func(*Opts)

// WithMenu replaces the built-in coffee menu.
func WithMenu(m *Menu) Option {
	return func(o *Opts) { o.Menu = m }
}

// WithImprovRounds sets the number of rounds of an improv game.
func WithImprovRounds(n int) Option {
	return func(o *Opts) { o.ImprovRounds = n }
}

// NewRegistry declares every persona and validates each declaration.
func NewRegistry(opts ...Option) (*Registry, error) {
	cfg := Opts{Menu: DefaultMenu(), ImprovRounds: DefaultImprovRounds}
	for _, opt := range opts {
		opt(&cfg)
	}
	r := &Registry{domains: make(map[string]*flow.Domain)}
	for _, d := range []*flow.Domain{
		CoffeeDomain(cfg.Menu),
		SDRDomain(),
		GroceryDomain(),
		ShoppingDomain(),
		FraudDomain(),
		ImprovDomain(cfg.ImprovRounds),
	} {
		if err := d.Validate(); err != nil {
			return nil, err
		}
		r.domains[d.Name] = d
	}
	return r, nil
}

// Domain returns the persona called name.
func (r *Registry) Domain(name string) (*flow.Domain, error) {
	d, ok := r.domains[name]
	if !ok {
		return nil, fmt.Errorf("unknown persona %q (available: %v)", name, r.Names())
	}
	return d, nil
}

// Names lists the personas, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.domains))
	for name := range r.domains {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// StoreDefinitions declares the layout of every store the personas use.
func StoreDefinitions() []store.Definition {
	return []store.Definition{
		{ID: StoreOrders, Shape: models.ShapeArray},
		{ID: StoreLeads, Shape: models.ShapeArray},
		{ID: StoreGroceryOrders, Shape: models.ShapeArray, KeyField: "order_id"},
		{ID: StoreGroceryCatalog, Shape: models.ShapeObject, Field: "items", KeyField: "name", CaseInsensitiveKeys: true, MustExist: true},
		{ID: StoreShoppingOrders, Shape: models.ShapeArray},
		{ID: StoreProducts, Shape: models.ShapeObject, Field: "products", KeyField: "id", MustExist: true},
		{ID: StoreFraudCases, Shape: models.ShapeObject, Field: "users", KeyField: "userName", CaseInsensitiveKeys: true, MustExist: true},
		{ID: StoreImprovSessions, Shape: models.ShapeObject, Field: "sessions"},
	}
}
