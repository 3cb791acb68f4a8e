// Package flow implements the task state tracker: per-domain field schemas,
// phase graphs, the per-conversation task state and the commit into the
// record store, plus the tool adapter and dialogue loop that drive it.
package flow

import (
	"context"
	"fmt"
	"slices"

	"github.com/BTreeMap/PersonaPipe/internal/models"
	"github.com/BTreeMap/PersonaPipe/internal/store"
	"github.com/go-playground/validator/v10"
)

// Kind is the value type of a declared field.
type Kind string

// Supported field kinds
const (
	KindString     Kind = "string"
	KindNumber     Kind = "number"
	KindBool       Kind = "bool"
	KindStringList Kind = "string_list"
	KindItems      Kind = "items"
)

// IsValid reports whether k is a known kind.
func (k Kind) IsValid() bool {
	switch k {
	case KindString, KindNumber, KindBool, KindStringList, KindItems:
		return true
	}
	return false
}

// IsList reports whether values of this kind are sequences.
func (k Kind) IsList() bool {
	return k == KindStringList || k == KindItems
}

// FieldSpec declares one recognized field of a domain.
type FieldSpec struct {
	Name     string
	Kind     Kind
	Required bool
	// Enum restricts string values (and string list entries) to these
	// spellings. Matching is case-insensitive and stores the declared form.
	Enum []string
	// Rules is a validator tag checked against the coerced value, e.g.
	// "email" or "min=1,max=20".
	Rules       string
	Description string
}

// Mode selects how a commit reaches the store.
type Mode string

// Commit modes
const (
	ModeAppend Mode = "append"
	ModeUpdate Mode = "update"
)

// DeriveFunc fills computed values into a record being committed. It runs on
// every commit against a record freshly built from the fields, so totals are
// always recomputed from the line items.
type DeriveFunc func(ctx context.Context, rs store.RecordStore, rec models.Record) error

// Domain declares everything the tracker needs to know about one persona.
type Domain struct {
	Name        string
	Description string
	Fields      []FieldSpec
	Graph       PhaseGraph

	// CommitPhases limits commits to these phases. Empty means any phase.
	CommitPhases []string
	// CommitTrigger, when set, is applied after a successful commit.
	CommitTrigger string

	Store string
	Mode  Mode
	// KeyField is the field addressing the record to update in ModeUpdate.
	KeyField string
	// IDField receives a generated id (IDPrefix + uuid) on append.
	IDField  string
	IDPrefix string
	// TimestampField receives the commit time in TimestampLayout.
	TimestampField string

	// SeedStore provides the previous-session context on Start.
	SeedStore string
	// LookupStore is the keyed store the driver may query by key.
	LookupStore string
	// AllowAmend permits later commits; they rewrite the committed record.
	AllowAmend bool

	Derive DeriveFunc
}

// Field returns the declaration of a field.
func (d *Domain) Field(name string) (FieldSpec, bool) {
	for _, f := range d.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldSpec{}, false
}

// FieldNames lists the declared field names in declaration order.
func (d *Domain) FieldNames() []string {
	names := make([]string, len(d.Fields))
	for i, f := range d.Fields {
		names[i] = f.Name
	}
	return names
}

// RequiredFields lists the required field names in declaration order.
func (d *Domain) RequiredFields() []string {
	var names []string
	for _, f := range d.Fields {
		if f.Required {
			names = append(names, f.Name)
		}
	}
	return names
}

// Validate checks the declaration. Every domain is validated before the
// tracker creates a state for it.
func (d *Domain) Validate() error {
	fail := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s: %s", ErrInvalidDomain, d.Name, fmt.Sprintf(format, args...))
	}
	if d.Name == "" {
		return fmt.Errorf("%w: domain has no name", ErrInvalidDomain)
	}
	if d.Store == "" {
		return fail("no store declared")
	}
	if d.Mode != ModeAppend && d.Mode != ModeUpdate {
		return fail("unknown mode %q", d.Mode)
	}
	if len(d.Fields) == 0 {
		return fail("no fields declared")
	}

	seen := make(map[string]bool, len(d.Fields))
	for _, f := range d.Fields {
		if f.Name == "" {
			return fail("field without a name")
		}
		if seen[f.Name] {
			return fail("field %q declared twice", f.Name)
		}
		seen[f.Name] = true
		if !f.Kind.IsValid() {
			return fail("field %q has unknown kind %q", f.Name, f.Kind)
		}
		if len(f.Enum) > 0 && f.Kind != KindString && f.Kind != KindStringList {
			return fail("field %q: enum only applies to string kinds", f.Name)
		}
		if err := checkRules(f); err != nil {
			return fail("field %q: %v", f.Name, err)
		}
	}
	if d.IDField != "" && seen[d.IDField] {
		return fail("id field %q collides with a declared field", d.IDField)
	}
	if d.TimestampField != "" && seen[d.TimestampField] {
		return fail("timestamp field %q collides with a declared field", d.TimestampField)
	}

	if err := d.Graph.Validate(); err != nil {
		return fail("phase graph: %v", err)
	}
	for _, p := range d.CommitPhases {
		if !d.Graph.Has(p) {
			return fail("commit phase %q is not declared", p)
		}
	}
	if d.CommitTrigger != "" {
		if len(d.CommitPhases) == 0 {
			return fail("commit trigger requires commit phases")
		}
		for _, p := range d.CommitPhases {
			if _, ok := d.Graph.edge(p, d.CommitTrigger); !ok {
				return fail("commit trigger %q has no edge from %q", d.CommitTrigger, p)
			}
		}
	}

	switch d.Mode {
	case ModeUpdate:
		key, ok := d.Field(d.KeyField)
		if !ok || !key.Required || key.Kind != KindString {
			return fail("update mode needs a required string key field, got %q", d.KeyField)
		}
		if d.AllowAmend {
			return fail("amendment only applies to append mode")
		}
	case ModeAppend:
		if d.AllowAmend && d.IDField == "" {
			return fail("amendment requires an id field")
		}
	}
	return nil
}

// checkRules runs the rule tag once against a sample value so malformed tags
// are reported at declaration time. validator panics on unknown tags.
func checkRules(f FieldSpec) (err error) {
	if f.Rules == "" {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("bad rules %q: %v", f.Rules, r)
		}
	}()
	_ = validate.Var(sampleValue(f.Kind), f.Rules)
	return nil
}

func sampleValue(k Kind) any {
	switch k {
	case KindNumber:
		return float64(0)
	case KindBool:
		return false
	case KindStringList:
		return []string{}
	case KindItems:
		return []models.LineItem{}
	default:
		return ""
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// inPhases reports whether phase is one of phases.
func inPhases(phases []string, phase string) bool {
	return slices.Contains(phases, phase)
}
