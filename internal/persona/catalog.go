package persona

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/BTreeMap/PersonaPipe/internal/models"
	"github.com/BTreeMap/PersonaPipe/internal/store"
)

// PriceField is the catalog field holding a unit price.
const PriceField = "price"

// Catalog prices line items against a keyed, provisioned store.
type Catalog struct {
	store   store.RecordStore
	storeID string
}

// NewCatalog binds a catalog to a keyed store.
func NewCatalog(rs store.RecordStore, storeID string) (*Catalog, error) {
	def, ok := rs.Definition(storeID)
	if !ok || !def.Keyed() {
		return nil, fmt.Errorf("catalog store %q is not a keyed store", storeID)
	}
	return &Catalog{store: rs, storeID: storeID}, nil
}

// Product returns the catalog entry for key.
func (c *Catalog) Product(ctx context.Context, key string) (models.Record, error) {
	return c.store.Lookup(ctx, c.storeID, key)
}

// Price returns the unit price of the entry for key.
func (c *Catalog) Price(ctx context.Context, key string) (float64, error) {
	rec, err := c.Product(ctx, key)
	if err != nil {
		return 0, err
	}
	price, err := rec.Float(PriceField)
	if err != nil {
		return 0, fmt.Errorf("catalog %s entry %q: %w", c.storeID, key, err)
	}
	return price, nil
}

// Search returns the entries whose text fields contain every word of query,
// ignoring case. An empty query returns everything.
func (c *Catalog) Search(ctx context.Context, query string) ([]models.Record, error) {
	col, err := c.store.Load(ctx, c.storeID)
	if err != nil {
		return nil, err
	}
	words := strings.Fields(strings.ToLower(query))
	var out []models.Record
	for _, rec := range col.Records {
		text := strings.ToLower(searchText(rec))
		match := true
		for _, w := range words {
			if !strings.Contains(text, w) {
				match = false
				break
			}
		}
		if match {
			out = append(out, rec)
		}
	}
	slog.Debug("Catalog.Search: search finished", "store", c.storeID, "query", query, "matches", len(out))
	return out, nil
}

// searchText joins the string values of a record in key order.
func searchText(rec models.Record) string {
	keys := make([]string, 0, len(rec))
	for k := range rec {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		switch v := rec[k].(type) {
		case string:
			b.WriteString(v)
			b.WriteByte(' ')
		case []any:
			for _, item := range v {
				if s, ok := item.(string); ok {
					b.WriteString(s)
					b.WriteByte(' ')
				}
			}
		}
	}
	return b.String()
}

// PriceItems fills in unit prices from the catalog and returns the priced
// items with their total. Every item must exist in the catalog.
func (c *Catalog) PriceItems(ctx context.Context, items []models.LineItem) ([]models.LineItem, float64, error) {
	priced := make([]models.LineItem, len(items))
	total := 0.0
	for i, item := range items {
		price, err := c.Price(ctx, item.Name)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to price %q: %w", item.Name, err)
		}
		item.UnitPrice = price
		priced[i] = item
		total += item.Subtotal()
	}
	return priced, roundCents(total), nil
}
