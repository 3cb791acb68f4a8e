package models

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordAccessors(t *testing.T) {
	r := Record{
		"name":   "Ada",
		"total":  json.Number("7.25"),
		"extras": []any{"vanilla", "whipped cream"},
		"paid":   true,
	}

	name, err := r.String("name")
	require.NoError(t, err)
	assert.Equal(t, "Ada", name)

	total, err := r.Float("total")
	require.NoError(t, err)
	assert.InDelta(t, 7.25, total, 1e-9)

	extras, err := r.Strings("extras")
	require.NoError(t, err)
	assert.Equal(t, []string{"vanilla", "whipped cream"}, extras)

	_, err = r.String("missing")
	assert.True(t, errors.Is(err, ErrFieldMissing))

	_, err = r.Float("name")
	assert.True(t, errors.Is(err, ErrFieldWrongType))
}

func TestRecordCloneIsDeep(t *testing.T) {
	r := Record{"nested": map[string]any{"a": []any{"x"}}}
	c := r.Clone()
	c["nested"].(map[string]any)["a"].([]any)[0] = "y"

	assert.Equal(t, "x", r["nested"].(map[string]any)["a"].([]any)[0])
}

func TestNormalizeUsesJSONModel(t *testing.T) {
	in := Record{
		"qty":   3,
		"items": []LineItem{{Name: "apple", Quantity: 2}},
		"tags":  []string{"a"},
	}
	out, err := Normalize(in)
	require.NoError(t, err)

	assert.Equal(t, json.Number("3"), out["qty"])
	assert.Equal(t, []any{"a"}, out["tags"])
	items := out["items"].([]any)
	require.Len(t, items, 1)
	assert.Equal(t, "apple", items[0].(map[string]any)["name"])
}

func TestNormalizeRejectsUnencodable(t *testing.T) {
	_, err := Normalize(Record{"ch": make(chan int)})
	assert.Error(t, err)
}

func TestKeyString(t *testing.T) {
	r := Record{"id": json.Number("42"), "user": "john"}
	k, ok := r.KeyString("id")
	assert.True(t, ok)
	assert.Equal(t, "42", k)

	_, ok = r.KeyString("none")
	assert.False(t, ok)
}

func TestCollectionClone(t *testing.T) {
	c := &Collection{
		StoreID: "fraud_cases",
		Shape:   ShapeObject,
		Field:   "users",
		Records: []Record{{"userName": "john"}},
		Extra:   map[string]json.RawMessage{"version": json.RawMessage(`1`)},
	}
	cp := c.Clone()
	cp.Records[0]["userName"] = "jane"
	cp.Extra["version"][0] = '2'

	assert.Equal(t, "john", c.Records[0]["userName"])
	assert.Equal(t, json.RawMessage(`1`), c.Extra["version"])
	assert.Equal(t, 1, cp.Len())
}

func TestLineItemSubtotal(t *testing.T) {
	assert.InDelta(t, 7.5, LineItem{Name: "milk", Quantity: 3, UnitPrice: 2.5}.Subtotal(), 1e-9)
}

func TestRecordItems(t *testing.T) {
	typed := Record{"items": []LineItem{{Name: "apple", Quantity: 2}}}
	items, err := typed.Items("items")
	require.NoError(t, err)
	assert.Equal(t, []LineItem{{Name: "apple", Quantity: 2}}, items)

	decoded, err := Normalize(Record{"items": []LineItem{{Name: "bread", Quantity: 1, UnitPrice: 2.5}}})
	require.NoError(t, err)
	items, err = decoded.Items("items")
	require.NoError(t, err)
	assert.Equal(t, []LineItem{{Name: "bread", Quantity: 1, UnitPrice: 2.5}}, items)

	_, err = Record{"items": "apple"}.Items("items")
	assert.ErrorIs(t, err, ErrFieldWrongType)
	_, err = Record{}.Items("items")
	assert.ErrorIs(t, err, ErrFieldMissing)
}
