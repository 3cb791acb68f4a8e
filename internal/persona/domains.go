package persona

import (
	"context"
	"errors"
	"fmt"

	"github.com/BTreeMap/PersonaPipe/internal/flow"
	"github.com/BTreeMap/PersonaPipe/internal/models"
	"github.com/BTreeMap/PersonaPipe/internal/store"
)

// Persona names
const (
	Coffee   = "coffee"
	SDR      = "sdr"
	Grocery  = "grocery"
	Shopping = "shopping"
	Fraud    = "fraud"
	Improv   = "improv"
)

// Store ids
const (
	StoreOrders         = "orders"
	StoreLeads          = "leads"
	StoreGroceryOrders  = "grocery_orders"
	StoreGroceryCatalog = "grocery_catalog"
	StoreShoppingOrders = "shopping_orders"
	StoreProducts       = "products"
	StoreFraudCases     = "fraud_cases"
	StoreImprovSessions = "improv_sessions"
)

// DefaultImprovRounds is the length of an improv game when none is configured.
const DefaultImprovRounds = 3

const maxCustomerNameChars = 80

// CoffeeDomain is the barista: one drink per order, priced from the menu.
// Saving is only allowed in the confirming phase because the customer must
// confirm the final order before it is written.
func CoffeeDomain(menu *Menu) *flow.Domain {
	return &flow.Domain{
		Name:        Coffee,
		Description: "Take a coffee order: drink, size, milk, optional extras and a name for the cup.",
		Fields: []flow.FieldSpec{
			{Name: "drinkType", Kind: flow.KindString, Required: true, Enum: menu.DrinkNames(), Description: "Drink from the menu"},
			{Name: "size", Kind: flow.KindString, Required: true, Enum: menu.SizeNames(), Description: "Cup size"},
			{Name: "milk", Kind: flow.KindString, Required: true, Enum: menu.MilkNames(), Description: "Milk choice, or \"no milk\""},
			{Name: "extras", Kind: flow.KindStringList, Description: "Syrups, extra shots, whipped cream"},
			{Name: "name", Kind: flow.KindString, Rules: "max=40", Description: "Name to write on the cup"},
		},
		Graph: flow.PhaseGraph{
			Phases: []string{"collecting", "confirming", "done"},
			Edges: []flow.Edge{
				{From: "collecting", Trigger: "order_ready", To: "confirming"},
				{From: "confirming", Trigger: "change_order", To: "collecting", Loop: true},
				{From: "confirming", Trigger: "order_confirmed", To: "done"},
			},
			MaxLoops: 3,
		},
		CommitPhases:   []string{"confirming"},
		CommitTrigger:  "order_confirmed",
		Store:          StoreOrders,
		Mode:           flow.ModeAppend,
		IDField:        "order_id",
		IDPrefix:       "ord_",
		TimestampField: "timestamp",
		Derive: func(_ context.Context, _ store.RecordStore, rec models.Record) error {
			drink, _ := rec.String("drinkType")
			size, _ := rec.String("size")
			milk, _ := rec.String("milk")
			extras, err := rec.Strings("extras")
			if err != nil && !errors.Is(err, models.ErrFieldMissing) {
				return err
			}
			price, err := menu.Price(drink, size, milk, len(extras))
			if err != nil {
				return err
			}
			rec["total"] = price
			return nil
		},
	}
}

// SDRDomain qualifies an inbound sales lead.
func SDRDomain() *flow.Domain {
	return &flow.Domain{
		Name:        SDR,
		Description: "Qualify a sales lead: who they are, where they work, how to reach them and what they need.",
		Fields: []flow.FieldSpec{
			{Name: "name", Kind: flow.KindString, Required: true, Rules: "max=120"},
			{Name: "company", Kind: flow.KindString, Required: true, Rules: "max=120"},
			{Name: "email", Kind: flow.KindString, Required: true, Rules: "email"},
			{Name: "use_case", Kind: flow.KindString, Required: true, Description: "What they want to use the product for"},
			{Name: "role", Kind: flow.KindString},
			{Name: "team_size", Kind: flow.KindString, Description: "Rough team size, e.g. \"10-50\""},
			{Name: "timeline", Kind: flow.KindString, Enum: []string{"now", "this quarter", "later"}},
		},
		Store:          StoreLeads,
		Mode:           flow.ModeAppend,
		IDField:        "lead_id",
		IDPrefix:       "lead_",
		TimestampField: "timestamp",
	}
}

// GroceryDomain builds a grocery cart. The order is saved in the confirming
// phase and may be saved again after the cart is edited; the stored order is
// rewritten in place.
func GroceryDomain() *flow.Domain {
	return &flow.Domain{
		Name:        Grocery,
		Description: "Build a grocery order from the catalog and confirm it before it is placed.",
		Fields: []flow.FieldSpec{
			{Name: "customer_name", Kind: flow.KindString, Required: true, Rules: fmt.Sprintf("max=%d", maxCustomerNameChars)},
			{Name: "items", Kind: flow.KindItems, Required: true, Rules: "max=50", Description: "Catalog items by name with quantities"},
			{Name: "delivery_address", Kind: flow.KindString},
		},
		Graph: flow.PhaseGraph{
			Phases: []string{"collecting", "confirming", "placed"},
			Edges: []flow.Edge{
				{From: "collecting", Trigger: "cart_ready", To: "confirming"},
				{From: "confirming", Trigger: "edit_cart", To: "collecting", Loop: true},
				{From: "confirming", Trigger: "place_order", To: "placed"},
			},
			MaxLoops: 5,
		},
		CommitPhases:   []string{"confirming"},
		Store:          StoreGroceryOrders,
		Mode:           flow.ModeAppend,
		IDField:        "order_id",
		IDPrefix:       "gro_",
		TimestampField: "timestamp",
		LookupStore:    StoreGroceryCatalog,
		AllowAmend:     true,
		Derive:         catalogTotal(StoreGroceryCatalog, "items"),
	}
}

// ShoppingDomain takes an order for catalog products addressed by id.
func ShoppingDomain() *flow.Domain {
	return &flow.Domain{
		Name:        Shopping,
		Description: "Help a buyer pick products from the catalog and place an order.",
		Fields: []flow.FieldSpec{
			{Name: "buyer_name", Kind: flow.KindString, Required: true, Rules: fmt.Sprintf("max=%d", maxCustomerNameChars)},
			{Name: "items", Kind: flow.KindItems, Required: true, Rules: "max=20", Description: "Product ids with quantities"},
			{Name: "notes", Kind: flow.KindString},
		},
		Graph: flow.PhaseGraph{
			Phases: []string{"browsing", "confirming", "placed"},
			Edges: []flow.Edge{
				{From: "browsing", Trigger: "cart_ready", To: "confirming"},
				{From: "confirming", Trigger: "order_confirmed", To: "placed"},
			},
		},
		CommitPhases:   []string{"confirming"},
		CommitTrigger:  "order_confirmed",
		Store:          StoreShoppingOrders,
		Mode:           flow.ModeAppend,
		IDField:        "order_id",
		IDPrefix:       "shp_",
		TimestampField: "created_at",
		LookupStore:    StoreProducts,
		Derive:         catalogTotal(StoreProducts, "items"),
	}
}

// FraudDomain resolves an existing fraud case. The case must already be in
// the store; the conversation only updates it.
func FraudDomain() *flow.Domain {
	return &flow.Domain{
		Name:        Fraud,
		Description: "Verify the customer and record the outcome of a suspicious transaction review.",
		Fields: []flow.FieldSpec{
			{Name: "userName", Kind: flow.KindString, Required: true, Description: "Name on the fraud case"},
			{Name: "status", Kind: flow.KindString, Required: true, Enum: FraudResolutions},
			{Name: "notes", Kind: flow.KindString, Rules: "max=500"},
		},
		Graph: flow.PhaseGraph{
			Phases: []string{"intro", "verifying", "reviewing", "done"},
			Edges: []flow.Edge{
				{From: "intro", Trigger: "user_identified", To: "verifying"},
				{From: "verifying", Trigger: "verification_passed", To: "reviewing"},
				{From: "verifying", Trigger: "verification_failed", To: "done"},
				{From: "reviewing", Trigger: "case_resolved", To: "done"},
			},
		},
		CommitPhases:   []string{"reviewing", "done"},
		Store:          StoreFraudCases,
		Mode:           flow.ModeUpdate,
		KeyField:       "userName",
		TimestampField: "updated_at",
		LookupStore:    StoreFraudCases,
	}
}

// ImprovDomain hosts an improv game of rounds rounds. Each session starts
// with the previous one as context.
func ImprovDomain(rounds int) *flow.Domain {
	if rounds < 1 {
		rounds = DefaultImprovRounds
	}
	graph := flow.PhaseGraph{
		Phases: []string{"intro", "awaiting_input", "reacting", "done"},
		Edges: []flow.Edge{
			{From: "intro", Trigger: "start_show", To: "awaiting_input"},
			{From: "awaiting_input", Trigger: "performance_finished", To: "reacting"},
			{From: "reacting", Trigger: "end_show", To: "done"},
		},
	}
	if rounds > 1 {
		graph.Edges = append(graph.Edges, flow.Edge{From: "reacting", Trigger: "next_round", To: "awaiting_input", Loop: true})
		graph.MaxLoops = rounds - 1
	}
	return &flow.Domain{
		Name:        Improv,
		Description: fmt.Sprintf("Host an improv game of %d rounds and keep a record of the show.", rounds),
		Fields: []flow.FieldSpec{
			{Name: "player_name", Kind: flow.KindString, Required: true},
			{Name: "scenarios", Kind: flow.KindStringList, Description: "Scenario given in each round"},
			{Name: "reactions", Kind: flow.KindStringList, Description: "Host reaction to each performance"},
			{Name: "summary", Kind: flow.KindString},
		},
		Graph:          graph,
		CommitPhases:   []string{"done"},
		Store:          StoreImprovSessions,
		Mode:           flow.ModeAppend,
		IDField:        "session_id",
		IDPrefix:       "imp_",
		TimestampField: "timestamp",
		SeedStore:      StoreImprovSessions,
	}
}

// catalogTotal prices the items field against a catalog store and records
// the order total.
func catalogTotal(catalogStore, itemsField string) flow.DeriveFunc {
	return func(ctx context.Context, rs store.RecordStore, rec models.Record) error {
		catalog, err := NewCatalog(rs, catalogStore)
		if err != nil {
			return err
		}
		items, err := rec.Items(itemsField)
		if err != nil {
			return err
		}
		priced, total, err := catalog.PriceItems(ctx, items)
		if err != nil {
			return err
		}
		rec[itemsField] = priced
		rec["total"] = total
		return nil
	}
}
