package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/PersonaPipe/internal/models"
	"github.com/BTreeMap/PersonaPipe/internal/store"
	"github.com/BTreeMap/PersonaPipe/internal/util"
)

// TimestampLayout is the fixed-width, lexically sortable UTC form used for
// commit timestamps.
const TimestampLayout = "2006-01-02T15:04:05.000000Z"

// Tracker creates task states and commits them into a record store.
type Tracker struct {
	store store.RecordStore
	newID func(prefix string) string
	now   func() time.Time
}

// TrackerOption configures a Tracker.
type TrackerOption func(*Tracker)

// WithIDGenerator replaces the uuid-based record id generator.
func WithIDGenerator(fn func(prefix string) string) TrackerOption {
	return func(t *Tracker) { t.newID = fn }
}

// WithClock replaces time.Now.
func WithClock(fn func() time.Time) TrackerOption {
	return func(t *Tracker) { t.now = fn }
}

// NewTracker creates a tracker persisting into rs.
func NewTracker(rs store.RecordStore, opts ...TrackerOption) *Tracker {
	t := &Tracker{
		store: rs,
		newID: util.NewID,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	slog.Debug("Tracker.NewTracker: tracker created", "hasStore", rs != nil)
	return t
}

// Store returns the record store the tracker commits into.
func (t *Tracker) Store() store.RecordStore { return t.store }

// CheckDomain validates d and verifies that every store it names is declared.
func (t *Tracker) CheckDomain(d *Domain) error {
	if err := d.Validate(); err != nil {
		return err
	}
	for _, id := range []string{d.Store, d.SeedStore, d.LookupStore} {
		if id == "" {
			continue
		}
		if _, ok := t.store.Definition(id); !ok {
			return fmt.Errorf("%w: %s: store %q is not declared", ErrInvalidDomain, d.Name, id)
		}
	}
	def, _ := t.store.Definition(d.Store)
	if d.Mode == ModeUpdate && !def.Keyed() {
		return fmt.Errorf("%w: %s: update mode needs keyed store %q", ErrInvalidDomain, d.Name, d.Store)
	}
	if d.AllowAmend && def.KeyField != d.IDField {
		return fmt.Errorf("%w: %s: amendment needs store %q keyed by %q", ErrInvalidDomain, d.Name, d.Store, d.IDField)
	}
	if d.LookupStore != "" {
		if lookup, _ := t.store.Definition(d.LookupStore); !lookup.Keyed() {
			return fmt.Errorf("%w: %s: lookup store %q is not keyed", ErrInvalidDomain, d.Name, d.LookupStore)
		}
	}
	return nil
}

// Create returns a fresh state for d. The seed is kept as read-only context
// and never copied into the fields.
func (t *Tracker) Create(d *Domain, seed models.Record) (*TaskState, error) {
	if err := t.CheckDomain(d); err != nil {
		slog.Error("Tracker.Create: invalid domain", "error", err, "domain", d.Name)
		return nil, err
	}
	slog.Debug("Tracker.Create: task state created", "domain", d.Name, "seeded", seed != nil, "phase", d.Graph.Initial())
	return newTaskState(d, seed, t.now), nil
}

// Start creates a state seeded with the latest record of the domain's seed
// store, when it declares one and the store holds a record.
func (t *Tracker) Start(ctx context.Context, d *Domain) (*TaskState, error) {
	var seed models.Record
	if d.SeedStore != "" {
		latest, err := t.store.Latest(ctx, d.SeedStore)
		switch {
		case err == nil:
			seed = latest
		case errors.Is(err, store.ErrNotFound):
			slog.Debug("Tracker.Start: no previous record to seed from", "domain", d.Name, "store", d.SeedStore)
		default:
			slog.Error("Tracker.Start: failed to load seed", "error", err, "domain", d.Name, "store", d.SeedStore)
			return nil, fmt.Errorf("failed to load seed for %s: %w", d.Name, err)
		}
	}
	return t.Create(d, seed)
}

// Lookup reads one record of the domain's lookup store.
func (t *Tracker) Lookup(ctx context.Context, d *Domain, key string) (models.Record, error) {
	if d.LookupStore == "" {
		return nil, fmt.Errorf("%w: %s declares no lookup store", ErrPreconditionFailed, d.Name)
	}
	return t.store.Lookup(ctx, d.LookupStore, key)
}

// Commit persists a complete state and returns the stored record. Refused
// commits never reach the store.
func (t *Tracker) Commit(ctx context.Context, s *TaskState) (models.Record, error) {
	d := s.domain
	if err := t.checkCommit(s); err != nil {
		slog.Debug("Tracker.Commit: precondition failed", "domain", d.Name, "phase", s.phase, "error", err)
		return nil, err
	}

	rec := s.fields.Clone()
	if d.Derive != nil {
		if err := d.Derive(ctx, t.store, rec); err != nil {
			slog.Error("Tracker.Commit: derive failed", "error", err, "domain", d.Name)
			return nil, fmt.Errorf("failed to derive %s record: %w", d.Name, err)
		}
	}
	ts := t.now().UTC().Format(TimestampLayout)
	if d.TimestampField != "" {
		rec[d.TimestampField] = ts
	}

	var (
		saved models.Record
		err   error
	)
	switch {
	case d.Mode == ModeUpdate:
		saved, err = t.commitUpdate(ctx, s, rec)
	case s.committed != nil:
		saved, err = t.commitAmend(ctx, s, rec)
	default:
		saved, err = t.commitAppend(ctx, s, rec)
	}
	if err != nil {
		slog.Error("Tracker.Commit: store write failed", "error", err, "domain", d.Name, "store", d.Store)
		return nil, err
	}

	s.committed = saved
	s.updatedAt = t.now()
	slog.Info("Tracker.Commit: task committed", "domain", d.Name, "store", d.Store, "mode", d.Mode, "phase", s.phase)

	if d.CommitTrigger != "" {
		if _, err := s.Advance(d.CommitTrigger); err != nil {
			slog.Warn("Tracker.Commit: commit trigger not applied", "error", err, "domain", d.Name)
		}
	}
	return saved.Clone(), nil
}

func (t *Tracker) checkCommit(s *TaskState) error {
	d := s.domain
	if s.committed != nil && !d.AllowAmend {
		return &PreconditionError{Domain: d.Name, Phase: s.phase, Reason: "already committed"}
	}
	if missing := s.Missing(); len(missing) > 0 {
		return &PreconditionError{Domain: d.Name, Phase: s.phase, Missing: missing, Reason: "required fields are not set"}
	}
	if len(d.CommitPhases) > 0 && !inPhases(d.CommitPhases, s.phase) {
		return &PreconditionError{Domain: d.Name, Phase: s.phase, Reason: fmt.Sprintf("phase %q does not allow commit (allowed: %v)", s.phase, d.CommitPhases)}
	}
	return nil
}

func (t *Tracker) commitAppend(ctx context.Context, s *TaskState, rec models.Record) (models.Record, error) {
	d := s.domain
	if d.IDField != "" {
		rec[d.IDField] = t.newID(d.IDPrefix)
	}
	normalized, err := models.Normalize(rec)
	if err != nil {
		return nil, err
	}
	if err := t.store.Append(ctx, d.Store, normalized); err != nil {
		return nil, err
	}
	return normalized, nil
}

// commitAmend rewrites the record committed earlier, keeping its id.
func (t *Tracker) commitAmend(ctx context.Context, s *TaskState, rec models.Record) (models.Record, error) {
	d := s.domain
	id, ok := s.committed.KeyString(d.IDField)
	if !ok {
		return nil, fmt.Errorf("committed %s record has no %s", d.Name, d.IDField)
	}
	rec[d.IDField] = id
	return t.store.Update(ctx, d.Store, id, func(r models.Record) error {
		for k := range r {
			delete(r, k)
		}
		for k, v := range rec {
			r[k] = v
		}
		return nil
	})
}

// commitUpdate writes the fields into the existing record addressed by the
// key field. The stored key keeps its original spelling.
func (t *Tracker) commitUpdate(ctx context.Context, s *TaskState, rec models.Record) (models.Record, error) {
	d := s.domain
	key, _ := rec.KeyString(d.KeyField)
	return t.store.Update(ctx, d.Store, key, func(r models.Record) error {
		for k, v := range rec {
			if k == d.KeyField {
				continue
			}
			r[k] = v
		}
		return nil
	})
}
