package models

import "encoding/json"

// Shape describes how a collection is laid out as a JSON document.
type Shape string

const (
	// ShapeArray is a bare JSON array of records (append-only stores).
	ShapeArray Shape = "array"
	// ShapeObject is a JSON object holding the records under a named field,
	// e.g. {"users": [...]}.
	ShapeObject Shape = "object"
)

// IsValid reports whether the shape is one of the supported layouts.
func (s Shape) IsValid() bool {
	return s == ShapeArray || s == ShapeObject
}

// Collection is the top-level persisted unit of a store.
type Collection struct {
	StoreID string   `json:"store_id"`
	Shape   Shape    `json:"shape"`
	Field   string   `json:"field,omitempty"` // named array for ShapeObject
	Records []Record `json:"records"`

	// Extra holds any other top-level keys of an object document so that they
	// survive a rewrite untouched.
	Extra map[string]json.RawMessage `json:"extra,omitempty"`
}

// Len returns the number of records.
func (c *Collection) Len() int {
	if c == nil {
		return 0
	}
	return len(c.Records)
}

// Clone returns a deep copy of the collection.
func (c *Collection) Clone() *Collection {
	if c == nil {
		return nil
	}
	out := &Collection{
		StoreID: c.StoreID,
		Shape:   c.Shape,
		Field:   c.Field,
		Records: make([]Record, len(c.Records)),
	}
	for i, r := range c.Records {
		out.Records[i] = r.Clone()
	}
	if c.Extra != nil {
		out.Extra = make(map[string]json.RawMessage, len(c.Extra))
		for k, v := range c.Extra {
			out.Extra[k] = append(json.RawMessage(nil), v...)
		}
	}
	return out
}
