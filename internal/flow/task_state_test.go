package flow

import (
	"encoding/json"
	"errors"
	"math/rand/v2"
	"testing"

	"github.com/BTreeMap/PersonaPipe/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetFieldRejectsUndeclaredNames(t *testing.T) {
	tr, _ := newTestTracker(t)
	s := newState(t, tr, orderDomain())

	err := s.SetField("drink", "latte")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidField))
	var fe *FieldError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, "drink", fe.Field)
	assert.Empty(t, s.Fields())
}

func TestSetFieldValidatesValues(t *testing.T) {
	tr, _ := newTestTracker(t)
	order := newState(t, tr, orderDomain())
	cart := newState(t, tr, cartDomain())

	tests := []struct {
		name  string
		state *TaskState
		field string
		value any
	}{
		{"enum mismatch", order, "size", "venti"},
		{"string expected", order, "milk", 2},
		{"rule max length", order, "name", "a name that is much longer than forty characters in total"},
		{"email rule", cart, "email", "not-an-email"},
		{"negative number", cart, "tip", -1},
		{"number expected", cart, "tip", "lots"},
		{"bool expected", cart, "express", "sometimes"},
		{"item without name", cart, "items", []any{map[string]any{"quantity": 2}}},
		{"too many items", cart, "items", []models.LineItem{{Name: "a"}, {Name: "b"}, {Name: "c"}, {Name: "d"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.state.SetField(tt.field, tt.value)
			assert.True(t, errors.Is(err, ErrInvalidValue), "got %v", err)
			_, set := tt.state.Field(tt.field)
			assert.False(t, set)
		})
	}
}

func TestSetFieldCoercesValues(t *testing.T) {
	tr, _ := newTestTracker(t)
	order := newState(t, tr, orderDomain())
	cart := newState(t, tr, cartDomain())

	require.NoError(t, order.SetField("size", "  Medium "))
	v, _ := order.Field("size")
	assert.Equal(t, "medium", v)

	require.NoError(t, order.SetField("extras", []any{"vanilla", " ", "extra shot"}))
	v, _ = order.Field("extras")
	assert.Equal(t, []string{"vanilla", "extra shot"}, v)

	require.NoError(t, cart.SetField("tip", json.Number("2.5")))
	v, _ = cart.Field("tip")
	assert.Equal(t, 2.5, v)

	require.NoError(t, cart.SetField("express", "true"))
	v, _ = cart.Field("express")
	assert.Equal(t, true, v)

	require.NoError(t, cart.SetField("items", []any{map[string]any{"name": "apples", "quantity": json.Number("3")}, map[string]any{"name": "bread"}}))
	v, _ = cart.Field("items")
	assert.Equal(t, []models.LineItem{{Name: "apples", Quantity: 3}, {Name: "bread", Quantity: 1}}, v)
}

func TestSetFieldsIsAllOrNothing(t *testing.T) {
	tr, _ := newTestTracker(t)
	s := newState(t, tr, orderDomain())

	err := s.SetFields(map[string]any{"drinkType": "latte", "size": "huge"})
	assert.True(t, errors.Is(err, ErrInvalidValue))
	assert.Empty(t, s.Fields())
}

func TestOverwriteAndUnset(t *testing.T) {
	tr, _ := newTestTracker(t)
	s := newState(t, tr, orderDomain())

	require.NoError(t, s.SetField("milk", "whole"))
	require.NoError(t, s.SetField("milk", "oat"))
	v, _ := s.Field("milk")
	assert.Equal(t, "oat", v)

	require.NoError(t, s.SetField("milk", ""))
	_, set := s.Field("milk")
	assert.False(t, set)

	require.NoError(t, s.SetField("milk", "soy"))
	require.NoError(t, s.ClearField("milk"))
	_, set = s.Field("milk")
	assert.False(t, set)
	assert.True(t, errors.Is(s.ClearField("sugar"), ErrInvalidField))
}

func TestCompletenessTracksRequiredFields(t *testing.T) {
	tr, _ := newTestTracker(t)
	s := newState(t, tr, orderDomain())

	require.NoError(t, s.SetFields(map[string]any{"drinkType": "latte", "size": "", "milk": "oat"}))
	assert.False(t, s.IsComplete())
	assert.Equal(t, []string{"size"}, s.Missing())

	require.NoError(t, s.SetField("size", "medium"))
	assert.True(t, s.IsComplete())
	assert.Empty(t, s.Missing())
}

func TestCompletenessIsMonotonic(t *testing.T) {
	tr, _ := newTestTracker(t)
	values := map[string][]any{
		"drinkType": {"latte", "mocha", "cold brew"},
		"size":      {"small", "medium", "large"},
		"milk":      {"oat", "whole", "no milk"},
		"extras":    {[]string{"vanilla"}, []any{"caramel", "extra shot"}},
		"name":      {"Ada", "Grace"},
	}
	names := orderDomain().FieldNames()
	rng := rand.New(rand.NewPCG(1, 2))

	for run := 0; run < 50; run++ {
		s := newState(t, tr, orderDomain())
		wasComplete := false
		for step := 0; step < 20; step++ {
			name := names[rng.IntN(len(names))]
			choices := values[name]
			require.NoError(t, s.SetField(name, choices[rng.IntN(len(choices))]))
			if wasComplete {
				require.True(t, s.IsComplete(), "run %d step %d: setting %s lost completeness", run, step, name)
			}
			wasComplete = s.IsComplete()
		}
	}
}

func TestAppendFieldMergesItems(t *testing.T) {
	tr, _ := newTestTracker(t)
	s := newState(t, tr, cartDomain())

	require.NoError(t, s.AppendField("items", map[string]any{"name": "Apples", "quantity": 2}))
	require.NoError(t, s.AppendField("items", []any{map[string]any{"name": "apples"}, map[string]any{"name": "milk", "quantity": 1}}))
	v, _ := s.Field("items")
	assert.Equal(t, []models.LineItem{{Name: "Apples", Quantity: 3}, {Name: "milk", Quantity: 1}}, v)

	assert.True(t, errors.Is(s.AppendField("customer_name", "x"), ErrInvalidValue))
	assert.True(t, errors.Is(s.AppendField("coupons", "x"), ErrInvalidField))

	require.NoError(t, s.AppendField("items", []any{map[string]any{"name": "eggs"}}))
	err := s.AppendField("items", []any{map[string]any{"name": "flour"}})
	assert.True(t, errors.Is(err, ErrInvalidValue), "cart is limited to three lines")
	v, _ = s.Field("items")
	assert.Len(t, v, 3)
}

func TestAdvanceFollowsPhaseGraph(t *testing.T) {
	tr, _ := newTestTracker(t)
	s := newState(t, tr, showDomain())
	assert.Equal(t, "intro", s.Phase())

	_, err := s.Advance("start_show")
	require.NoError(t, err)

	phase, err := s.Advance("performance_finished")
	require.NoError(t, err)
	assert.Equal(t, "reacting", phase)

	phase, err = s.Advance("performance_finished")
	assert.True(t, errors.Is(err, ErrIllegalTransition))
	assert.Equal(t, "reacting", phase)
	var te *TransitionError
	require.True(t, errors.As(err, &te))
	assert.ElementsMatch(t, []string{"next_round", "end_show"}, te.Allowed)

	history := s.History()
	require.Len(t, history, 2)
	assert.Equal(t, "awaiting_input", history[1].FromState)
	assert.Equal(t, "reacting", history[1].ToState)
}

func TestLoopEdgesAreBounded(t *testing.T) {
	tr, _ := newTestTracker(t)
	s := newState(t, tr, showDomain())
	_, err := s.Advance("start_show")
	require.NoError(t, err)

	for round := 0; round < 2; round++ {
		_, err = s.Advance("performance_finished")
		require.NoError(t, err)
		_, err = s.Advance("next_round")
		require.NoError(t, err)
	}
	_, err = s.Advance("performance_finished")
	require.NoError(t, err)
	assert.Equal(t, []string{"end_show"}, s.AllowedTriggers())

	_, err = s.Advance("next_round")
	assert.True(t, errors.Is(err, ErrIllegalTransition))
	assert.Equal(t, 2, s.Loops())

	phase, err := s.Advance("end_show")
	require.NoError(t, err)
	assert.Equal(t, "done", phase)
	assert.Empty(t, s.AllowedTriggers())
}

// Every trigger succeeds from a reachable state exactly when AllowedTriggers
// lists it, and AllowedTriggers matches the declared outgoing edges.
func TestPhaseGraphClosure(t *testing.T) {
	tr, _ := newTestTracker(t)
	for _, d := range []*Domain{showDomain(), cartDomain(), orderDomain()} {
		t.Run(d.Name, func(t *testing.T) {
			triggers := append(d.Graph.Triggers(), "bogus")
			start := newState(t, tr, d)
			queue := []*TaskState{start}
			visited := map[[2]any]bool{}

			for len(queue) > 0 {
				s := queue[0]
				queue = queue[1:]
				key := [2]any{s.Phase(), s.Loops()}
				if visited[key] {
					continue
				}
				visited[key] = true

				var declared []string
				for _, e := range d.Graph.Outgoing(s.Phase()) {
					if !e.Loop || s.Loops() < d.Graph.MaxLoops {
						declared = append(declared, e.Trigger)
					}
				}
				assert.ElementsMatch(t, declared, s.AllowedTriggers(), "phase %s", s.Phase())

				for _, trigger := range triggers {
					next := s.clone()
					_, err := next.Advance(trigger)
					allowed := contains(s.AllowedTriggers(), trigger)
					if allowed {
						require.NoError(t, err, "phase %s trigger %s", s.Phase(), trigger)
						queue = append(queue, next)
					} else {
						require.True(t, errors.Is(err, ErrIllegalTransition), "phase %s trigger %s", s.Phase(), trigger)
						assert.Equal(t, s.Phase(), next.Phase())
					}
				}
			}
		})
	}
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func TestSeedIsReadOnlyContext(t *testing.T) {
	tr, _ := newTestTracker(t)
	seed := models.Record{"player_name": "Kai", "summary": "great timing"}
	s, err := tr.Create(showDomain(), seed)
	require.NoError(t, err)

	assert.Empty(t, s.Fields())
	assert.Equal(t, []string{"player_name"}, s.Missing())

	got := s.Seed()
	got["player_name"] = "changed"
	assert.Equal(t, "Kai", s.Seed()["player_name"])
	seed["summary"] = "changed"
	assert.Equal(t, "great timing", s.Seed()["summary"])
}

func TestSnapshotReflectsState(t *testing.T) {
	tr, _ := newTestTracker(t)
	s := newState(t, tr, cartDomain())
	require.NoError(t, s.SetField("items", []models.LineItem{{Name: "apples", Quantity: 2}}))

	snap := s.Snapshot()
	assert.Equal(t, "grocery", snap.Domain)
	assert.Equal(t, "collecting", snap.Phase)
	assert.False(t, snap.Complete)
	assert.Equal(t, []string{"customer_name"}, snap.Missing)
	assert.Equal(t, fixedTime, snap.CreatedAt)

	data, err := json.Marshal(snap)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"items":[{"name":"apples","quantity":2}]`)
}
