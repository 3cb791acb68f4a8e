package flow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/PersonaPipe/internal/models"
	"github.com/BTreeMap/PersonaPipe/internal/store"
	"github.com/stretchr/testify/require"
)

var testPrices = map[string]float64{"small": 3.0, "medium": 3.5, "large": 4.0}

func orderDomain() *Domain {
	return &Domain{
		Name:        "coffee",
		Description: "Take a coffee order.",
		Fields: []FieldSpec{
			{Name: "drinkType", Kind: KindString, Required: true},
			{Name: "size", Kind: KindString, Required: true, Enum: []string{"small", "medium", "large"}},
			{Name: "milk", Kind: KindString, Required: true},
			{Name: "extras", Kind: KindStringList},
			{Name: "name", Kind: KindString, Rules: "max=40"},
		},
		Store:          "orders",
		Mode:           ModeAppend,
		IDField:        "order_id",
		IDPrefix:       "ord_",
		TimestampField: "timestamp",
		Derive: func(_ context.Context, _ store.RecordStore, rec models.Record) error {
			size, err := rec.String("size")
			if err != nil {
				return err
			}
			extras, _ := rec.Strings("extras")
			rec["total"] = testPrices[size] + 0.5*float64(len(extras))
			return nil
		},
	}
}

func cartDomain() *Domain {
	return &Domain{
		Name: "grocery",
		Fields: []FieldSpec{
			{Name: "customer_name", Kind: KindString, Required: true},
			{Name: "items", Kind: KindItems, Required: true, Rules: "max=3"},
			{Name: "email", Kind: KindString, Rules: "email"},
			{Name: "express", Kind: KindBool},
			{Name: "tip", Kind: KindNumber, Rules: "gte=0"},
		},
		Graph: PhaseGraph{
			Phases: []string{"collecting", "confirming", "placed"},
			Edges: []Edge{
				{From: "collecting", Trigger: "cart_ready", To: "confirming"},
				{From: "confirming", Trigger: "edit_cart", To: "collecting", Loop: true},
				{From: "confirming", Trigger: "order_confirmed", To: "placed"},
			},
			MaxLoops: 2,
		},
		CommitPhases:   []string{"confirming"},
		CommitTrigger:  "order_confirmed",
		Store:          "carts",
		Mode:           ModeAppend,
		IDField:        "order_id",
		IDPrefix:       "gro_",
		TimestampField: "placed_at",
		LookupStore:    "catalog",
		AllowAmend:     true,
	}
}

func showDomain() *Domain {
	return &Domain{
		Name: "improv",
		Fields: []FieldSpec{
			{Name: "player_name", Kind: KindString, Required: true},
			{Name: "reactions", Kind: KindStringList},
		},
		Graph: PhaseGraph{
			Phases: []string{"intro", "awaiting_input", "reacting", "done"},
			Edges: []Edge{
				{From: "intro", Trigger: "start_show", To: "awaiting_input"},
				{From: "awaiting_input", Trigger: "performance_finished", To: "reacting"},
				{From: "reacting", Trigger: "next_round", To: "awaiting_input", Loop: true},
				{From: "reacting", Trigger: "end_show", To: "done"},
				{From: "awaiting_input", Trigger: "end_show", To: "done"},
			},
			MaxLoops: 2,
		},
		Store:          "shows",
		Mode:           ModeAppend,
		TimestampField: "timestamp",
		SeedStore:      "shows",
	}
}

func caseDomain() *Domain {
	return &Domain{
		Name: "fraud",
		Fields: []FieldSpec{
			{Name: "userName", Kind: KindString, Required: true},
			{Name: "status", Kind: KindString, Required: true, Enum: []string{"confirmed_safe", "confirmed_fraud", "verification_failed"}},
			{Name: "notes", Kind: KindString},
		},
		Store:          "fraud_cases",
		Mode:           ModeUpdate,
		KeyField:       "userName",
		TimestampField: "updated_at",
		LookupStore:    "fraud_cases",
	}
}

func testStoreDefinitions() []store.Definition {
	return []store.Definition{
		{ID: "orders", Shape: models.ShapeArray},
		{ID: "carts", Shape: models.ShapeArray, KeyField: "order_id"},
		{ID: "catalog", Shape: models.ShapeObject, Field: "items", KeyField: "name", CaseInsensitiveKeys: true, MustExist: true},
		{ID: "shows", Shape: models.ShapeObject, Field: "sessions"},
		{ID: "fraud_cases", Shape: models.ShapeObject, Field: "users", KeyField: "userName", CaseInsensitiveKeys: true, MustExist: true},
	}
}

// spyStore counts mutating calls reaching the wrapped store.
type spyStore struct {
	store.RecordStore
	mu      sync.Mutex
	appends int
	updates int
}

func (s *spyStore) Append(ctx context.Context, storeID string, rec models.Record) error {
	s.mu.Lock()
	s.appends++
	s.mu.Unlock()
	return s.RecordStore.Append(ctx, storeID, rec)
}

func (s *spyStore) Update(ctx context.Context, storeID, key string, mutate func(models.Record) error) (models.Record, error) {
	s.mu.Lock()
	s.updates++
	s.mu.Unlock()
	return s.RecordStore.Update(ctx, storeID, key, mutate)
}

func (s *spyStore) mutations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appends + s.updates
}

var fixedTime = time.Date(2025, 3, 14, 9, 26, 53, 589793000, time.UTC)

func newTestTracker(t *testing.T) (*Tracker, *spyStore) {
	t.Helper()
	rs, err := store.NewInMemoryStore(testStoreDefinitions())
	require.NoError(t, err)
	spy := &spyStore{RecordStore: rs}
	n := 0
	tracker := NewTracker(spy,
		WithClock(func() time.Time { return fixedTime }),
		WithIDGenerator(func(prefix string) string {
			n++
			return prefix + string(rune('0'+n))
		}),
	)
	return tracker, spy
}

func newState(t *testing.T, tr *Tracker, d *Domain) *TaskState {
	t.Helper()
	s, err := tr.Create(d, nil)
	require.NoError(t, err)
	return s
}
