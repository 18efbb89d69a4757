package environment

// PlatformStatus holds the resolved status of a scenario on each platform.
type PlatformStatus struct {
	Mobile  ScenarioStatus `json:"mobile"`
	Desktop ScenarioStatus `json:"desktop"`
}

// PlatformStats counts scenarios by progress bucket for one platform.
type PlatformStats struct {
	Total     int `json:"total"`
	Concluded int `json:"concluded"`
	Pending   int `json:"pending"`
	Running   int `json:"running"`
}

func (p PlatformStats) add(o PlatformStats) PlatformStats {
	return PlatformStats{
		Total:     p.Total + o.Total,
		Concluded: p.Concluded + o.Concluded,
		Pending:   p.Pending + o.Pending,
		Running:   p.Running + o.Running,
	}
}

// Stats is the progress summary of an environment. Combined sums both
// platforms, so Combined.Total is twice the number of scenarios.
type Stats struct {
	Mobile   PlatformStats `json:"mobile"`
	Desktop  PlatformStats `json:"desktop"`
	Combined PlatformStats `json:"combined"`
}

// PlatformStatuses resolves the per-platform statuses of s, falling back to
// the legacy Status field for platforms that were never set.
func PlatformStatuses(s Scenario) PlatformStatus {
	fallback := s.Status
	if fallback == "" {
		fallback = ScenarioPending
	}
	out := PlatformStatus{Mobile: s.StatusMobile, Desktop: s.StatusDesktop}
	if out.Mobile == "" {
		out.Mobile = fallback
	}
	if out.Desktop == "" {
		out.Desktop = fallback
	}
	return out
}

// IsComplete reports whether status counts as finished work.
func IsComplete(status ScenarioStatus) bool {
	switch status {
	case ScenarioDone, ScenarioDoneAutomated, ScenarioNotApplicable:
		return true
	}
	return false
}

// IsIncomplete is the negation of IsComplete.
func IsIncomplete(status ScenarioStatus) bool {
	return !IsComplete(status)
}

// HasAnyIncompleteScenario reports whether any scenario still has work left
// on either platform. It is the only check made before closing an
// environment.
func HasAnyIncompleteScenario(env *Environment) bool {
	if env == nil {
		return false
	}
	for _, sc := range env.Scenarios {
		ps := PlatformStatuses(sc)
		if IsIncomplete(ps.Mobile) || IsIncomplete(ps.Desktop) {
			return true
		}
	}
	return false
}

// AggregateStats summarises scenario progress for display.
func AggregateStats(env *Environment) Stats {
	var stats Stats
	if env == nil {
		return stats
	}
	for _, sc := range env.Scenarios {
		ps := PlatformStatuses(sc)
		stats.Mobile = stats.Mobile.add(bucket(ps.Mobile))
		stats.Desktop = stats.Desktop.add(bucket(ps.Desktop))
	}
	stats.Combined = stats.Mobile.add(stats.Desktop)
	return stats
}

func bucket(status ScenarioStatus) PlatformStats {
	s := PlatformStats{Total: 1}
	switch {
	case IsComplete(status):
		s.Concluded = 1
	case status == ScenarioInProgress:
		s.Running = 1
	default:
		s.Pending = 1
	}
	return s
}
