package store

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/BTreeMap/PersonaPipe/internal/models"
)

// encodeCollection renders the complete document for a collection.
func encodeCollection(def Definition, c *models.Collection) ([]byte, error) {
	records := c.Records
	if records == nil {
		records = []models.Record{}
	}

	var doc any = records
	if def.Shape == models.ShapeObject {
		recordsJSON, err := json.Marshal(records)
		if err != nil {
			return nil, fmt.Errorf("failed to encode records of %s: %w", def.ID, err)
		}
		obj := make(map[string]json.RawMessage, len(c.Extra)+1)
		for k, v := range c.Extra {
			obj[k] = v
		}
		obj[def.Field] = recordsJSON
		doc = obj
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode collection %s: %w", def.ID, err)
	}
	return append(data, '\n'), nil
}

// decodeCollection parses a persisted document. Anything that is not the
// declared shape is reported as a CorruptCollectionError.
func decodeCollection(def Definition, location string, data []byte) (*models.Collection, error) {
	corrupt := func(reason string, cause error) error {
		return &CorruptCollectionError{StoreID: def.ID, Location: location, Reason: reason, Cause: cause}
	}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, corrupt("empty document", nil)
	}

	c := def.emptyCollection()
	var rawRecords []json.RawMessage

	switch def.Shape {
	case models.ShapeArray:
		if trimmed[0] != '[' {
			return nil, corrupt("expected a JSON array", nil)
		}
		if err := json.Unmarshal(trimmed, &rawRecords); err != nil {
			return nil, corrupt("invalid JSON", err)
		}
	case models.ShapeObject:
		if trimmed[0] != '{' {
			return nil, corrupt("expected a JSON object", nil)
		}
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &obj); err != nil {
			return nil, corrupt("invalid JSON", err)
		}
		field, ok := obj[def.Field]
		if !ok {
			return nil, corrupt(fmt.Sprintf("missing %q array", def.Field), nil)
		}
		field = bytes.TrimSpace(field)
		if len(field) == 0 || field[0] != '[' {
			return nil, corrupt(fmt.Sprintf("%q is not an array", def.Field), nil)
		}
		if err := json.Unmarshal(field, &rawRecords); err != nil {
			return nil, corrupt("invalid JSON", err)
		}
		delete(obj, def.Field)
		if len(obj) > 0 {
			c.Extra = obj
		}
	default:
		return nil, fmt.Errorf("store %s: unsupported shape %q", def.ID, def.Shape)
	}

	for i, raw := range rawRecords {
		raw = bytes.TrimSpace(raw)
		if len(raw) == 0 || raw[0] != '{' {
			return nil, corrupt(fmt.Sprintf("record %d is not an object", i), nil)
		}
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		var r models.Record
		if err := dec.Decode(&r); err != nil {
			return nil, corrupt(fmt.Sprintf("record %d", i), err)
		}
		c.Records = append(c.Records, r)
	}
	return c, nil
}
