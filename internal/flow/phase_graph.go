package flow

import (
	"fmt"
	"sort"
)

// Edge is one allowed phase transition. Non-loop edges must point forward in
// the phase order; loop edges may point back and count against MaxLoops.
type Edge struct {
	From    string `yaml:"from" json:"from"`
	Trigger string `yaml:"trigger" json:"trigger"`
	To      string `yaml:"to" json:"to"`
	Loop    bool   `yaml:"loop,omitempty" json:"loop,omitempty"`
}

// PhaseGraph is the fixed flow of a domain. The first phase is the initial one.
type PhaseGraph struct {
	Phases   []string `yaml:"phases" json:"phases"`
	Edges    []Edge   `yaml:"edges" json:"edges"`
	MaxLoops int      `yaml:"max_loops,omitempty" json:"max_loops,omitempty"`
}

// Empty reports whether the domain has no explicit flow.
func (g PhaseGraph) Empty() bool {
	return len(g.Phases) == 0
}

// Initial returns the starting phase, or "" for flowless domains.
func (g PhaseGraph) Initial() string {
	if g.Empty() {
		return ""
	}
	return g.Phases[0]
}

// Has reports whether phase is declared.
func (g PhaseGraph) Has(phase string) bool {
	return g.index(phase) >= 0
}

func (g PhaseGraph) index(phase string) int {
	for i, p := range g.Phases {
		if p == phase {
			return i
		}
	}
	return -1
}

// Outgoing returns the edges leaving phase in declaration order.
func (g PhaseGraph) Outgoing(phase string) []Edge {
	var out []Edge
	for _, e := range g.Edges {
		if e.From == phase {
			out = append(out, e)
		}
	}
	return out
}

// Triggers returns every trigger used anywhere in the graph, sorted.
func (g PhaseGraph) Triggers() []string {
	seen := make(map[string]bool)
	var out []string
	for _, e := range g.Edges {
		if !seen[e.Trigger] {
			seen[e.Trigger] = true
			out = append(out, e.Trigger)
		}
	}
	sort.Strings(out)
	return out
}

// edge finds the edge for trigger from phase.
func (g PhaseGraph) edge(phase, trigger string) (Edge, bool) {
	for _, e := range g.Edges {
		if e.From == phase && e.Trigger == trigger {
			return e, true
		}
	}
	return Edge{}, false
}

// Validate checks that the graph only moves forward apart from bounded loops.
func (g PhaseGraph) Validate() error {
	if g.Empty() {
		if len(g.Edges) > 0 {
			return fmt.Errorf("edges declared without phases")
		}
		return nil
	}
	seen := make(map[string]bool, len(g.Phases))
	for _, p := range g.Phases {
		if p == "" {
			return fmt.Errorf("empty phase name")
		}
		if seen[p] {
			return fmt.Errorf("phase %q declared twice", p)
		}
		seen[p] = true
	}

	hasLoop := false
	pairs := make(map[[2]string]bool, len(g.Edges))
	for _, e := range g.Edges {
		if e.Trigger == "" {
			return fmt.Errorf("edge %s->%s has no trigger", e.From, e.To)
		}
		from, to := g.index(e.From), g.index(e.To)
		if from < 0 || to < 0 {
			return fmt.Errorf("edge %s->%s references an undeclared phase", e.From, e.To)
		}
		key := [2]string{e.From, e.Trigger}
		if pairs[key] {
			return fmt.Errorf("trigger %q declared twice from phase %q", e.Trigger, e.From)
		}
		pairs[key] = true
		if e.Loop {
			hasLoop = true
			continue
		}
		if to <= from {
			return fmt.Errorf("edge %s->%s goes backwards without being a loop", e.From, e.To)
		}
	}
	if hasLoop && g.MaxLoops <= 0 {
		return fmt.Errorf("loop edges require a positive max_loops")
	}
	return nil
}
