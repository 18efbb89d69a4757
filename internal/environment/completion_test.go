package environment

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPlatformStatusesFallback(t *testing.T) {
	assert.Equal(t, PlatformStatus{Mobile: ScenarioPending, Desktop: ScenarioPending}, PlatformStatuses(Scenario{}))
	assert.Equal(t, PlatformStatus{Mobile: ScenarioBlocked, Desktop: ScenarioBlocked}, PlatformStatuses(Scenario{Status: ScenarioBlocked}))
	assert.Equal(t,
		PlatformStatus{Mobile: ScenarioDone, Desktop: ScenarioBlocked},
		PlatformStatuses(Scenario{Status: ScenarioBlocked, StatusMobile: ScenarioDone}),
	)
}

func TestIsComplete(t *testing.T) {
	complete := map[ScenarioStatus]bool{
		ScenarioPending:       false,
		ScenarioInProgress:    false,
		ScenarioBlocked:       false,
		ScenarioDone:          true,
		ScenarioDoneAutomated: true,
		ScenarioNotApplicable: true,
	}
	for _, status := range ScenarioStatuses {
		assert.Equal(t, complete[status], IsComplete(status), status)
		assert.Equal(t, !complete[status], IsIncomplete(status), status)
	}
	assert.False(t, IsComplete(""))
}

func TestHasAnyIncompleteScenario(t *testing.T) {
	assert.False(t, HasAnyIncompleteScenario(nil))
	assert.False(t, HasAnyIncompleteScenario(&Environment{}))

	env := &Environment{Scenarios: map[string]Scenario{
		"a": {StatusMobile: ScenarioDone, StatusDesktop: ScenarioNotApplicable},
		"b": {Status: ScenarioDoneAutomated},
	}}
	assert.False(t, HasAnyIncompleteScenario(env))

	env.Scenarios["c"] = Scenario{StatusMobile: ScenarioDone}
	assert.True(t, HasAnyIncompleteScenario(env), "desktop falls back to pending")
}

func TestAggregateStats(t *testing.T) {
	env := &Environment{Scenarios: map[string]Scenario{
		"a": {StatusMobile: ScenarioDone, StatusDesktop: ScenarioInProgress},
		"b": {StatusMobile: ScenarioBlocked, StatusDesktop: ScenarioPending},
		"c": {Status: ScenarioNotApplicable},
	}}

	stats := AggregateStats(env)
	assert.Equal(t, PlatformStats{Total: 3, Concluded: 2, Pending: 1, Running: 0}, stats.Mobile)
	assert.Equal(t, PlatformStats{Total: 3, Concluded: 1, Pending: 1, Running: 1}, stats.Desktop)
	assert.Equal(t, PlatformStats{Total: 6, Concluded: 3, Pending: 2, Running: 1}, stats.Combined)
	assert.Equal(t, Stats{}, AggregateStats(nil))
}
