package flow

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/PersonaPipe/internal/models"
)

// TaskState is the in-memory state of one conversation. It is not safe for
// concurrent use; each conversation owns its state.
type TaskState struct {
	domain    *Domain
	phase     string
	fields    models.Record
	loops     int
	seed      models.Record
	committed models.Record
	history   []models.StateTransition
	createdAt time.Time
	updatedAt time.Time
	now       func() time.Time
}

func newTaskState(d *Domain, seed models.Record, now func() time.Time) *TaskState {
	t := now()
	return &TaskState{
		domain:    d,
		phase:     d.Graph.Initial(),
		fields:    make(models.Record),
		seed:      seed.Clone(),
		createdAt: t,
		updatedAt: t,
		now:       now,
	}
}

// Domain returns the domain the state belongs to.
func (s *TaskState) Domain() *Domain { return s.domain }

// Phase returns the current phase, "" for flowless domains.
func (s *TaskState) Phase() string { return s.phase }

// Loops returns how many loop edges have been taken.
func (s *TaskState) Loops() int { return s.loops }

// Seed returns a copy of the previous-session record the state was created
// with, or nil.
func (s *TaskState) Seed() models.Record { return s.seed.Clone() }

// Committed returns a copy of the last committed record.
func (s *TaskState) Committed() (models.Record, bool) {
	if s.committed == nil {
		return nil, false
	}
	return s.committed.Clone(), true
}

// History returns the applied phase transitions.
func (s *TaskState) History() []models.StateTransition {
	return append([]models.StateTransition(nil), s.history...)
}

// Field returns the current value of a field.
func (s *TaskState) Field(name string) (any, bool) {
	v, ok := s.fields[name]
	if !ok {
		return nil, false
	}
	return models.CloneValue(v), true
}

// Fields returns a copy of every set field.
func (s *TaskState) Fields() models.Record {
	return s.fields.Clone()
}

// SetField sets or overwrites a declared field. An empty value unsets it.
func (s *TaskState) SetField(name string, value any) error {
	return s.SetFields(map[string]any{name: value})
}

// SetFields applies several fields at once. Nothing is changed unless every
// value is accepted.
func (s *TaskState) SetFields(values map[string]any) error {
	coerced := make(map[string]any, len(values))
	for name, value := range values {
		v, err := s.coerce(name, value)
		if err != nil {
			slog.Debug("TaskState.SetFields: value rejected", "domain", s.domain.Name, "field", name, "error", err)
			return err
		}
		coerced[name] = v
	}
	for name, v := range coerced {
		spec, _ := s.domain.Field(name)
		if isSet(spec.Kind, v) {
			s.fields[name] = v
		} else {
			delete(s.fields, name)
		}
	}
	s.updatedAt = s.now()
	slog.Debug("TaskState.SetFields: fields updated", "domain", s.domain.Name, "count", len(coerced), "complete", s.IsComplete())
	return nil
}

// AppendField adds entries to a list field. Items with a name already in the
// list increase its quantity.
func (s *TaskState) AppendField(name string, value any) error {
	spec, ok := s.domain.Field(name)
	if !ok {
		return &FieldError{Domain: s.domain.Name, Field: name, Err: ErrInvalidField}
	}
	if !spec.Kind.IsList() {
		return &FieldError{Domain: s.domain.Name, Field: name, Reason: "not a list field", Err: ErrInvalidValue}
	}
	added, err := s.coerce(name, value)
	if err != nil {
		return err
	}
	if added == nil {
		return &FieldError{Domain: s.domain.Name, Field: name, Reason: "nothing to add", Err: ErrInvalidValue}
	}

	var merged any
	switch spec.Kind {
	case KindStringList:
		current, _ := s.fields[name].([]string)
		merged = append(append([]string(nil), current...), added.([]string)...)
	case KindItems:
		current, _ := s.fields[name].([]models.LineItem)
		merged = mergeItems(current, added.([]models.LineItem))
	}
	if err := checkFieldRules(s.domain.Name, spec, merged); err != nil {
		return err
	}
	if isSet(spec.Kind, merged) {
		s.fields[name] = merged
	}
	s.updatedAt = s.now()
	return nil
}

// ClearField unsets a declared field.
func (s *TaskState) ClearField(name string) error {
	if _, ok := s.domain.Field(name); !ok {
		return &FieldError{Domain: s.domain.Name, Field: name, Err: ErrInvalidField}
	}
	delete(s.fields, name)
	s.updatedAt = s.now()
	return nil
}

// IsComplete reports whether every required field is set.
func (s *TaskState) IsComplete() bool {
	return len(s.Missing()) == 0
}

// Missing lists the required fields that are not set, in declaration order.
func (s *TaskState) Missing() []string {
	var missing []string
	for _, f := range s.domain.Fields {
		if !f.Required {
			continue
		}
		if v, ok := s.fields[f.Name]; !ok || !isSet(f.Kind, v) {
			missing = append(missing, f.Name)
		}
	}
	return missing
}

// AllowedTriggers lists the triggers that Advance accepts from the current
// phase. Exhausted loop edges are excluded.
func (s *TaskState) AllowedTriggers() []string {
	var out []string
	for _, e := range s.domain.Graph.Outgoing(s.phase) {
		if e.Loop && s.loops >= s.domain.Graph.MaxLoops {
			continue
		}
		out = append(out, e.Trigger)
	}
	return out
}

// Advance applies one edge of the phase graph and returns the new phase.
func (s *TaskState) Advance(trigger string) (string, error) {
	e, ok := s.domain.Graph.edge(s.phase, trigger)
	if !ok || (e.Loop && s.loops >= s.domain.Graph.MaxLoops) {
		err := &TransitionError{Domain: s.domain.Name, Phase: s.phase, Trigger: trigger, Allowed: s.AllowedTriggers()}
		slog.Debug("TaskState.Advance: transition rejected", "domain", s.domain.Name, "phase", s.phase, "trigger", trigger, "loops", s.loops)
		return s.phase, err
	}

	at := s.now()
	s.history = append(s.history, models.StateTransition{FromState: s.phase, Trigger: trigger, ToState: e.To, At: at})
	if e.Loop {
		s.loops++
	}
	slog.Info("TaskState.Advance: phase changed", "domain", s.domain.Name, "from", s.phase, "to", e.To, "trigger", trigger, "loops", s.loops)
	s.phase = e.To
	s.updatedAt = at
	return s.phase, nil
}

// Snapshot returns a serializable view for the driver.
func (s *TaskState) Snapshot() models.TaskSnapshot {
	fields, err := models.Normalize(s.fields)
	if err != nil {
		fields = s.fields.Clone()
	}
	return models.TaskSnapshot{
		Domain:    s.domain.Name,
		Phase:     s.phase,
		Fields:    fields,
		Missing:   s.Missing(),
		Complete:  s.IsComplete(),
		Committed: s.committed != nil,
		Loops:     s.loops,
		Seed:      s.seed.Clone(),
		CreatedAt: s.createdAt,
		UpdatedAt: s.updatedAt,
	}
}

// clone copies the state, for exploring transitions without touching s.
func (s *TaskState) clone() *TaskState {
	c := *s
	c.fields = s.fields.Clone()
	c.seed = s.seed.Clone()
	c.committed = s.committed.Clone()
	c.history = s.History()
	return &c
}

// coerce converts a driver-supplied value into the field's kind and checks
// its rules.
func (s *TaskState) coerce(name string, value any) (any, error) {
	spec, ok := s.domain.Field(name)
	if !ok {
		return nil, &FieldError{Domain: s.domain.Name, Field: name, Err: ErrInvalidField}
	}
	if value == nil {
		return nil, nil
	}
	invalid := func(format string, args ...any) error {
		return &FieldError{Domain: s.domain.Name, Field: name, Reason: fmt.Sprintf(format, args...), Err: ErrInvalidValue}
	}

	var v any
	switch spec.Kind {
	case KindString:
		str, ok := value.(string)
		if !ok {
			return nil, invalid("expected a string, got %T", value)
		}
		str = strings.TrimSpace(str)
		if str != "" && len(spec.Enum) > 0 {
			canon, ok := matchEnum(spec.Enum, str)
			if !ok {
				return nil, invalid("%q is not one of %v", str, spec.Enum)
			}
			str = canon
		}
		v = str
	case KindNumber:
		f, ok := models.ToFloat(value)
		if !ok {
			str, isStr := value.(string)
			parsed, err := strconv.ParseFloat(strings.TrimSpace(str), 64)
			if !isStr || err != nil {
				return nil, invalid("expected a number, got %v", value)
			}
			f = parsed
		}
		v = f
	case KindBool:
		switch t := value.(type) {
		case bool:
			v = t
		case string:
			b, err := strconv.ParseBool(strings.TrimSpace(t))
			if err != nil {
				return nil, invalid("expected a boolean, got %q", t)
			}
			v = b
		default:
			return nil, invalid("expected a boolean, got %T", value)
		}
	case KindStringList:
		list, err := toStringList(value)
		if err != nil {
			return nil, invalid("%v", err)
		}
		if len(spec.Enum) > 0 {
			for i, entry := range list {
				canon, ok := matchEnum(spec.Enum, entry)
				if !ok {
					return nil, invalid("%q is not one of %v", entry, spec.Enum)
				}
				list[i] = canon
			}
		}
		v = list
	case KindItems:
		items, err := toItems(value)
		if err != nil {
			return nil, invalid("%v", err)
		}
		for _, item := range items {
			if err := validate.Struct(item); err != nil {
				return nil, invalid("item %q: %v", item.Name, err)
			}
		}
		v = items
	}

	if err := checkFieldRules(s.domain.Name, spec, v); err != nil {
		return nil, err
	}
	return v, nil
}

// checkFieldRules applies the validator tag to a set value.
func checkFieldRules(domain string, spec FieldSpec, v any) error {
	if spec.Rules == "" || !isSet(spec.Kind, v) {
		return nil
	}
	if err := validate.Var(v, spec.Rules); err != nil {
		return &FieldError{Domain: domain, Field: spec.Name, Reason: err.Error(), Err: ErrInvalidValue}
	}
	return nil
}

// isSet is the completeness rule: non-empty strings and lists, any number or
// boolean.
func isSet(k Kind, v any) bool {
	switch k {
	case KindString:
		s, _ := v.(string)
		return s != ""
	case KindStringList:
		l, _ := v.([]string)
		return len(l) > 0
	case KindItems:
		l, _ := v.([]models.LineItem)
		return len(l) > 0
	default:
		return v != nil
	}
}

func matchEnum(enum []string, value string) (string, bool) {
	for _, e := range enum {
		if strings.EqualFold(e, value) {
			return e, true
		}
	}
	return "", false
}

func toStringList(value any) ([]string, error) {
	var raw []string
	switch t := value.(type) {
	case string:
		raw = []string{t}
	case []string:
		raw = t
	case []any:
		for _, item := range t {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("list entries must be strings, got %T", item)
			}
			raw = append(raw, s)
		}
	default:
		return nil, fmt.Errorf("expected a list of strings, got %T", value)
	}
	out := make([]string, 0, len(raw))
	for _, s := range raw {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out, nil
}

// toItems accepts typed items, a decoded JSON list, or a single item object.
// A missing quantity means one.
func toItems(value any) ([]models.LineItem, error) {
	var items []models.LineItem
	switch t := value.(type) {
	case []models.LineItem:
		items = append(items, t...)
	case models.LineItem:
		items = []models.LineItem{t}
	default:
		data, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("expected line items: %v", err)
		}
		if _, isObject := value.(map[string]any); isObject {
			data = append(append([]byte("["), data...), ']')
		}
		if err := json.Unmarshal(data, &items); err != nil {
			return nil, fmt.Errorf("expected a list of {name, quantity} items: %v", err)
		}
	}
	for i := range items {
		items[i].Name = strings.TrimSpace(items[i].Name)
		if items[i].Quantity == 0 {
			items[i].Quantity = 1
		}
	}
	return items, nil
}

// mergeItems adds items to a cart, summing quantities of equal names.
func mergeItems(current, added []models.LineItem) []models.LineItem {
	out := append([]models.LineItem(nil), current...)
	for _, item := range added {
		merged := false
		for i := range out {
			if strings.EqualFold(out[i].Name, item.Name) {
				out[i].Quantity += item.Quantity
				merged = true
				break
			}
		}
		if !merged {
			out = append(out, item)
		}
	}
	return out
}
