package environment

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePatcher struct {
	mu      sync.Mutex
	patches []Patch
	err     error
}

func (f *fakePatcher) PatchEnvironment(_ context.Context, _ string, patch Patch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.patches = append(f.patches, patch)
	return nil
}

func (f *fakePatcher) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.patches)
}

type fixedClock struct{ t time.Time }

func (c *fixedClock) now() time.Time { return c.t }
func (c *fixedClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestMachine(opts ...Option) (*Machine, *fakePatcher, *fixedClock) {
	store := &fakePatcher{}
	clock := &fixedClock{t: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
	opts = append([]Option{WithClock(clock.now)}, opts...)
	return NewMachine(store, opts...), store, clock
}

func doneEverywhere() Scenario {
	return Scenario{StatusMobile: ScenarioDone, StatusDesktop: ScenarioDone}
}

func TestTransitionRejectsPendingScenarios(t *testing.T) {
	m, store, _ := newTestMachine()
	env := &Environment{
		ID:     "env-1",
		Status: StatusInProgress,
		Scenarios: map[string]Scenario{
			"s1": doneEverywhere(),
			"s2": doneEverywhere(),
			"s3": {StatusMobile: ScenarioDone, StatusDesktop: ScenarioPending},
		},
	}

	_, err := m.Transition(context.Background(), env, StatusDone, "user-1")
	require.ErrorIs(t, err, ErrPendingScenarios)
	assert.True(t, IsValidationError(err))
	assert.Equal(t, 0, store.calls())

	sc := env.Scenarios["s3"]
	sc.StatusDesktop = ScenarioDone
	env.Scenarios["s3"] = sc

	patch, err := m.Transition(context.Background(), env, StatusDone, "user-1")
	require.NoError(t, err)
	require.NotNil(t, patch.Status)
	assert.Equal(t, StatusDone, *patch.Status)
	assert.Equal(t, 1, store.calls())
}

func TestTransitionAccumulatesTime(t *testing.T) {
	m, _, clock := newTestMachine()
	t0 := clock.t
	env := &Environment{ID: "env-1", Status: StatusBacklog, Scenarios: map[string]Scenario{"s1": {}}}

	patch, err := m.Transition(context.Background(), env, StatusInProgress, "user-1")
	require.NoError(t, err)
	env = patch.Apply(env)
	require.NotNil(t, env.TimeTracking.Start)
	assert.True(t, env.TimeTracking.Start.Equal(t0))
	assert.Equal(t, ScenarioInProgress, env.Scenarios["s1"].StatusMobile)

	for id := range env.Scenarios {
		env.Scenarios[id] = doneEverywhere()
	}
	clock.advance(5000 * time.Millisecond)

	patch, err = m.Transition(context.Background(), env, StatusDone, "user-1")
	require.NoError(t, err)
	env = patch.Apply(env)
	assert.Equal(t, int64(5000), env.TimeTracking.TotalMs)
	require.NotNil(t, env.TimeTracking.End)
	assert.True(t, env.TimeTracking.End.Equal(t0.Add(5*time.Second)))
	require.NotNil(t, env.ConcludedBy)
	assert.Equal(t, "user-1", *env.ConcludedBy)
}

func TestTransitionResumeDoesNotDoubleCount(t *testing.T) {
	m, _, clock := newTestMachine(WithScenarioReset(ResetOnFirstStart))
	start := clock.t.Add(-10 * time.Second)
	end := clock.t
	concluded := "user-1"
	env := &Environment{
		ID:           "env-1",
		Status:       StatusDone,
		TimeTracking: TimeTracking{Start: &start, End: &end, TotalMs: 10000},
		ConcludedBy:  &concluded,
		Scenarios:    map[string]Scenario{"s1": doneEverywhere()},
	}

	clock.advance(time.Minute)
	patch, err := m.Transition(context.Background(), env, StatusInProgress, "user-2")
	require.NoError(t, err)
	assert.Nil(t, patch.Scenarios, "first_start policy keeps scenario statuses on resume")
	assert.True(t, patch.ClearConcludedBy)
	env = patch.Apply(env)
	assert.Nil(t, env.ConcludedBy)
	assert.Nil(t, env.TimeTracking.End)
	assert.True(t, env.TimeTracking.Start.Equal(clock.t))

	clock.advance(3 * time.Second)
	patch, err = m.Transition(context.Background(), env, StatusDone, "")
	require.NoError(t, err)
	env = patch.Apply(env)
	assert.Equal(t, int64(13000), env.TimeTracking.TotalMs)
	assert.Nil(t, env.ConcludedBy)
}

func TestTransitionResetAlwaysOnResume(t *testing.T) {
	m, _, _ := newTestMachine()
	env := &Environment{ID: "env-1", Status: StatusDone, Scenarios: map[string]Scenario{"s1": doneEverywhere()}}

	patch, err := m.Transition(context.Background(), env, StatusInProgress, "")
	require.NoError(t, err)
	require.Contains(t, patch.Scenarios, "s1")
	assert.Equal(t, ScenarioInProgress, patch.Scenarios["s1"].StatusDesktop)
	assert.Equal(t, ScenarioDone, env.Scenarios["s1"].StatusDesktop, "input snapshot is not mutated")
}

func TestTransitionToBacklogClearsTracking(t *testing.T) {
	m, _, clock := newTestMachine()
	start := clock.t.Add(-time.Minute)
	env := &Environment{ID: "env-1", Status: StatusInProgress, TimeTracking: TimeTracking{Start: &start, TotalMs: 42}}

	patch, err := m.Transition(context.Background(), env, StatusBacklog, "")
	require.NoError(t, err)
	require.NotNil(t, patch.TimeTracking)
	assert.Equal(t, TimeTracking{}, *patch.TimeTracking)
}

func TestTransitionMergesParticipants(t *testing.T) {
	m, _, _ := newTestMachine()
	env := &Environment{
		ID:             "env-1",
		Status:         StatusInProgress,
		Participants:   []string{"a", "b"},
		PresentUserIDs: []string{"b", "c", ""},
	}

	patch, err := m.Transition(context.Background(), env, StatusDone, "c")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, patch.Participants)
}

func TestTransitionNoop(t *testing.T) {
	m, store, _ := newTestMachine()
	env := &Environment{ID: "env-1", Status: StatusInProgress}

	patch, err := m.Transition(context.Background(), env, StatusInProgress, "user-1")
	require.NoError(t, err)
	assert.True(t, patch.IsEmpty())
	assert.Equal(t, 0, store.calls())
}

func TestTransitionValidation(t *testing.T) {
	m, store, _ := newTestMachine()

	_, err := m.Transition(context.Background(), &Environment{ID: "env-1"}, Status("archived"), "")
	assert.ErrorIs(t, err, ErrInvalidStatus)

	_, err = m.Transition(context.Background(), nil, StatusDone, "")
	assert.ErrorIs(t, err, ErrInvalidEnvironment)

	_, err = m.Transition(context.Background(), &Environment{Status: StatusBacklog}, StatusInProgress, "")
	assert.ErrorIs(t, err, ErrInvalidEnvironment)
	assert.Equal(t, 0, store.calls())
}

func TestTransitionPropagatesStoreError(t *testing.T) {
	m, store, _ := newTestMachine()
	boom := errors.New("connection reset")
	store.err = boom

	_, err := m.Transition(context.Background(), &Environment{ID: "env-1", Status: StatusBacklog}, StatusInProgress, "")
	assert.Equal(t, boom, err)
	assert.False(t, IsValidationError(err))
}

func TestPatchApplyLeavesInputUntouched(t *testing.T) {
	concluded := "someone"
	env := &Environment{ID: "env-1", Status: StatusDone, ConcludedBy: &concluded, Participants: []string{"x"}}
	status := StatusBacklog
	out := Patch{Status: &status, ClearConcludedBy: true, Participants: []string{"y"}}.Apply(env)

	assert.Equal(t, StatusBacklog, out.Status)
	assert.Nil(t, out.ConcludedBy)
	assert.Equal(t, []string{"y"}, out.Participants)
	assert.Equal(t, StatusDone, env.Status)
	assert.Equal(t, []string{"x"}, env.Participants)
	require.NotNil(t, env.ConcludedBy)
	assert.Nil(t, Patch{}.Apply(nil))
}
