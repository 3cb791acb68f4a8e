// Package models defines the core data structures for PersonaPipe.
//
// It includes the record and collection types persisted by the record store and
// the line-item type shared by the cart-style personas.
package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Error variables for better error handling and testability
var (
	ErrFieldMissing   = errors.New("record field missing")
	ErrFieldWrongType = errors.New("record field has unexpected type")
)

// Record is a single JSON-serializable entry of a collection.
//
// Values are kept in the JSON data model: string, json.Number, bool, nil,
// []any and map[string]any. Records read back from a store always use this
// model, so two records compare equal with reflect.DeepEqual exactly when
// their JSON documents are equal.
type Record map[string]any

// String returns the field as a string. json.Number and bool values are
// formatted; other types report ErrFieldWrongType.
func (r Record) String(field string) (string, error) {
	v, ok := r[field]
	if !ok || v == nil {
		return "", fmt.Errorf("%w: %s", ErrFieldMissing, field)
	}
	switch t := v.(type) {
	case string:
		return t, nil
	case json.Number:
		return t.String(), nil
	case bool:
		return strconv.FormatBool(t), nil
	default:
		return "", fmt.Errorf("%w: %s is %T", ErrFieldWrongType, field, v)
	}
}

// Float returns a numeric field as float64.
func (r Record) Float(field string) (float64, error) {
	v, ok := r[field]
	if !ok || v == nil {
		return 0, fmt.Errorf("%w: %s", ErrFieldMissing, field)
	}
	f, ok := ToFloat(v)
	if !ok {
		return 0, fmt.Errorf("%w: %s is %T", ErrFieldWrongType, field, v)
	}
	return f, nil
}

// Strings returns a list field as a string slice.
func (r Record) Strings(field string) ([]string, error) {
	v, ok := r[field]
	if !ok || v == nil {
		return nil, fmt.Errorf("%w: %s", ErrFieldMissing, field)
	}
	switch t := v.(type) {
	case []string:
		return append([]string(nil), t...), nil
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("%w: %s contains %T", ErrFieldWrongType, field, item)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: %s is %T", ErrFieldWrongType, field, v)
	}
}

// KeyString renders a key field for comparison. Keys are usually strings but
// catalogs sometimes use numeric identifiers.
func (r Record) KeyString(field string) (string, bool) {
	v, ok := r[field]
	if !ok || v == nil {
		return "", false
	}
	switch t := v.(type) {
	case string:
		return t, true
	case json.Number:
		return t.String(), true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case int:
		return strconv.Itoa(t), true
	case int64:
		return strconv.FormatInt(t, 10), true
	default:
		return fmt.Sprint(t), true
	}
}

// Clone returns a deep copy of the record.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = CloneValue(v)
	}
	return out
}

// CloneValue deep-copies maps and slices of the JSON data model. Scalars are
// immutable and returned as-is.
func CloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, inner := range t {
			out[k] = CloneValue(inner)
		}
		return out
	case Record:
		return t.Clone()
	case []any:
		out := make([]any, len(t))
		for i, inner := range t {
			out[i] = CloneValue(inner)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	case []LineItem:
		return append([]LineItem(nil), t...)
	default:
		return v
	}
}

// Normalize converts an arbitrary JSON-serializable record into the JSON data
// model by encoding and decoding it. The result is what a later read from any
// backend would produce.
func Normalize(r Record) (Record, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to encode record: %w", err)
	}
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.UseNumber()
	var out Record
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode record: %w", err)
	}
	return out, nil
}

// ToFloat converts the numeric types that can appear in a record to float64.
func ToFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case int32:
		return float64(t), true
	default:
		return 0, false
	}
}

// LineItem is one entry of a cart or order.
type LineItem struct {
	Name      string  `json:"name" validate:"required"`
	Quantity  int     `json:"quantity" validate:"gte=1"`
	UnitPrice float64 `json:"unit_price,omitempty" validate:"gte=0"`
}

// Subtotal returns quantity times unit price.
func (li LineItem) Subtotal() float64 {
	return float64(li.Quantity) * li.UnitPrice
}

// Items returns a line-item field. It accepts both the typed form held by a
// task state and the decoded JSON form read back from a store.
func (r Record) Items(field string) ([]LineItem, error) {
	v, ok := r[field]
	if !ok || v == nil {
		return nil, fmt.Errorf("%w: %s", ErrFieldMissing, field)
	}
	if items, ok := v.([]LineItem); ok {
		return append([]LineItem(nil), items...), nil
	}
	raw, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: %s is %T", ErrFieldWrongType, field, v)
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrFieldWrongType, field, err)
	}
	var items []LineItem
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrFieldWrongType, field, err)
	}
	return items, nil
}
