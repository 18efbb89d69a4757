package environment

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// ScenarioResetPolicy controls what happens to scenario statuses when an
// environment enters in_progress.
type ScenarioResetPolicy string

const (
	// ResetAlways marks every scenario in_progress on every entry into
	// in_progress, including a resume from done.
	ResetAlways ScenarioResetPolicy = "always"
	// ResetOnFirstStart only resets scenarios when leaving backlog.
	ResetOnFirstStart ScenarioResetPolicy = "first_start"
)

// Valid reports whether p is a known policy.
func (p ScenarioResetPolicy) Valid() bool {
	return p == ResetAlways || p == ResetOnFirstStart
}

// Patch is a partial environment update. Nil fields are left untouched.
type Patch struct {
	Status           *Status             `json:"status,omitempty"`
	TimeTracking     *TimeTracking       `json:"timeTracking,omitempty"`
	Scenarios        map[string]Scenario `json:"scenarios,omitempty"`
	Participants     []string            `json:"participants,omitempty"`
	ConcludedBy      *string             `json:"concludedBy,omitempty"`
	ClearConcludedBy bool                `json:"clearConcludedBy,omitempty"`
}

// IsEmpty reports whether the patch changes nothing.
func (p Patch) IsEmpty() bool {
	return p.Status == nil &&
		p.TimeTracking == nil &&
		p.Scenarios == nil &&
		p.Participants == nil &&
		p.ConcludedBy == nil &&
		!p.ClearConcludedBy
}

// Apply returns a copy of env with the patch applied. env is not modified.
func (p Patch) Apply(env *Environment) *Environment {
	out := env.Clone()
	if out == nil {
		return nil
	}
	if p.Status != nil {
		out.Status = *p.Status
	}
	if p.TimeTracking != nil {
		out.TimeTracking = p.TimeTracking.clone()
	}
	if p.Scenarios != nil {
		out.Scenarios = make(map[string]Scenario, len(p.Scenarios))
		for id, sc := range p.Scenarios {
			out.Scenarios[id] = sc
		}
	}
	if p.Participants != nil {
		out.Participants = cloneStrings(p.Participants)
	}
	if p.ClearConcludedBy {
		out.ConcludedBy = nil
	}
	if p.ConcludedBy != nil {
		v := *p.ConcludedBy
		out.ConcludedBy = &v
	}
	return out
}

// Patcher persists a partial update atomically.
type Patcher interface {
	PatchEnvironment(ctx context.Context, id string, patch Patch) error
}

// Machine validates and executes environment status transitions.
type Machine struct {
	store  Patcher
	now    func() time.Time
	reset  ScenarioResetPolicy
	logger *slog.Logger
}

// Option configures a Machine.
type Option func(*Machine)

// WithClock overrides the wall clock used for time tracking.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) {
		if now != nil {
			m.now = now
		}
	}
}

// WithLogger sets the logger used for transition diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Machine) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithScenarioReset selects the scenario reset policy. Invalid values are
// ignored.
func WithScenarioReset(policy ScenarioResetPolicy) Option {
	return func(m *Machine) {
		if policy.Valid() {
			m.reset = policy
		}
	}
}

// NewMachine builds a Machine that writes through store.
func NewMachine(store Patcher, opts ...Option) *Machine {
	m := &Machine{
		store:  store,
		now:    time.Now,
		reset:  ResetAlways,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Transition moves env to target on behalf of userID (empty for anonymous
// or system closures) and persists the resulting patch. A transition to the
// current status returns an empty patch and writes nothing. Persistence
// errors are returned as-is and never retried; concurrent transitions on
// the same environment are last-write-wins.
func (m *Machine) Transition(ctx context.Context, env *Environment, target Status, userID string) (Patch, error) {
	if !target.Valid() {
		return Patch{}, fmt.Errorf("%w: %q", ErrInvalidStatus, target)
	}
	if env == nil || env.ID == "" {
		return Patch{}, ErrInvalidEnvironment
	}
	if env.Status == target {
		return Patch{}, nil
	}
	if target == StatusDone && HasAnyIncompleteScenario(env) {
		return Patch{}, ErrPendingScenarios
	}

	patch := m.plan(env, target, userID, m.now().UTC())
	if err := m.store.PatchEnvironment(ctx, env.ID, patch); err != nil {
		m.logger.Warn("environment transition failed",
			"environment_id", env.ID, "from", env.Status, "to", target, "error", err)
		return Patch{}, err
	}

	m.logger.Info("environment transitioned",
		"environment_id", env.ID, "from", env.Status, "to", target, "user_id", userID)
	return patch, nil
}

func (m *Machine) plan(env *Environment, target Status, userID string, now time.Time) Patch {
	status := target
	patch := Patch{Status: &status}

	switch target {
	case StatusBacklog:
		patch.TimeTracking = &TimeTracking{}

	case StatusInProgress:
		start := env.TimeTracking.Start
		// A run that ended in done is already folded into TotalMs, so a
		// resume starts a fresh interval.
		if start == nil || env.Status == StatusDone {
			start = &now
		}
		patch.TimeTracking = &TimeTracking{Start: copyTime(start), TotalMs: env.TimeTracking.TotalMs}
		if m.reset == ResetAlways || env.Status == StatusBacklog {
			patch.Scenarios = resetScenarios(env.Scenarios)
		}

	case StatusDone:
		start := env.TimeTracking.Start
		if start == nil {
			start = &now
		}
		end := now
		patch.TimeTracking = &TimeTracking{
			Start:   copyTime(start),
			End:     &end,
			TotalMs: env.TimeTracking.TotalMs + sinceMillis(*start, now),
		}
		patch.Participants = union(env.Participants, env.PresentUserIDs)
		if userID != "" {
			concluded := userID
			patch.ConcludedBy = &concluded
		} else {
			patch.ClearConcludedBy = true
		}
	}

	if target != StatusDone && env.ConcludedBy != nil {
		patch.ClearConcludedBy = true
	}
	return patch
}

func resetScenarios(in map[string]Scenario) map[string]Scenario {
	out := make(map[string]Scenario, len(in))
	for id, sc := range in {
		sc.Status = ScenarioInProgress
		sc.StatusMobile = ScenarioInProgress
		sc.StatusDesktop = ScenarioInProgress
		out[id] = sc
	}
	return out
}

// union keeps the order of a followed by new entries of b, skipping blanks
// and duplicates.
func union(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, id := range list {
			if id == "" {
				continue
			}
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
