// Package testutil provides common test helpers and record fixtures for
// PersonaPipe tests.
package testutil

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/BTreeMap/PersonaPipe/internal/models"
	"github.com/BTreeMap/PersonaPipe/internal/store"
)

// FixedTime is the clock reading used by tests that check timestamps.
var FixedTime = time.Date(2025, 11, 23, 18, 4, 5, 120000000, time.UTC)

// FixedClock always returns FixedTime.
func FixedClock() time.Time { return FixedTime }

// NewMemoryStore opens an in-memory store for defs and closes it when the
// test ends.
func NewMemoryStore(t *testing.T, defs []store.Definition) *store.Store {
	t.Helper()
	rs, err := store.NewInMemoryStore(defs)
	if err != nil {
		t.Fatalf("failed to open in-memory store: %v", err)
	}
	t.Cleanup(func() { rs.Close() })
	return rs
}

// Provision replaces the collection of storeID and fails the test on error.
func Provision(t *testing.T, rs store.RecordStore, storeID string, records []models.Record) {
	t.Helper()
	if err := rs.Provision(context.Background(), storeID, records); err != nil {
		t.Fatalf("failed to provision %s: %v", storeID, err)
	}
}

// AssertCount checks the number of records in a store.
func AssertCount(t *testing.T, rs store.RecordStore, storeID string, expected int) {
	t.Helper()
	col, err := rs.Load(context.Background(), storeID)
	if err != nil {
		t.Fatalf("failed to load %s: %v", storeID, err)
	}
	if col.Len() != expected {
		t.Errorf("%s: expected %d records, got %d", storeID, expected, col.Len())
	}
}

// GroceryCatalog returns catalog entries keyed by name.
func GroceryCatalog() []models.Record {
	return []models.Record{
		{"name": "Apples", "price": 0.5, "category": "produce", "unit": "each"},
		{"name": "Bread", "price": 2.25, "category": "bakery"},
		{"name": "Peanut Butter", "price": 4.0, "category": "pantry"},
	}
}

// Products returns catalog entries keyed by id.
func Products() []models.Record {
	return []models.Record{
		{"id": "mug-001", "name": "Stoneware Coffee Mug", "category": "kitchen", "price": 800},
		{"id": "tee-002", "name": "Cotton Tee", "price": 500, "colors": []any{"black", "white"}},
		{"id": "hoodie-003", "name": "Black Hoodie", "price": 1500},
	}
}

// FraudCases returns two open fraud cases keyed by userName.
func FraudCases() []models.Record {
	return []models.Record{
		{"userName": "John", "securityIdentifier": "12345", "status": "pending_review", "transactionAmount": 499.99},
		{"userName": "Maria", "securityIdentifier": "67890", "status": "pending_review"},
	}
}

// MustMarshalJSON marshals an object to JSON and fails test on error.
func MustMarshalJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal JSON: %v", err)
	}
	return data
}

// MustUnmarshalJSON unmarshals JSON data into target and fails test on error.
func MustUnmarshalJSON(t *testing.T, data []byte, target interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, target); err != nil {
		t.Fatalf("failed to unmarshal JSON: %v", err)
	}
}

// AssertJSONStatus decodes a tool payload and checks its status field.
func AssertJSONStatus(t *testing.T, payload string, expectedStatus string) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	MustUnmarshalJSON(t, []byte(payload), &response)
	if status, ok := response["status"].(string); ok {
		if status != expectedStatus {
			t.Errorf("expected status '%s', got '%s'", expectedStatus, status)
		}
	} else {
		t.Error("payload missing or invalid 'status' field")
	}
	return response
}
