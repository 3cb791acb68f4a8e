package models

import "time"

// TaskSnapshot is a read-only, serializable view of a task state. It is what
// the conversational driver sees after every tool call.
type TaskSnapshot struct {
	Domain    string         `json:"domain"`
	Phase     string         `json:"phase,omitempty"`
	Fields    map[string]any `json:"fields"`
	Missing   []string       `json:"missing,omitempty"`
	Complete  bool           `json:"complete"`
	Committed bool           `json:"committed"`
	Loops     int            `json:"loops,omitempty"`
	Seed      Record         `json:"seed,omitempty"` // previous-session context
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// StateTransition represents one applied edge of a phase graph.
type StateTransition struct {
	FromState string    `json:"from_state"`
	Trigger   string    `json:"trigger"`
	ToState   string    `json:"to_state"`
	At        time.Time `json:"at"`
}
