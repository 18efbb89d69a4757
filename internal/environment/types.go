package environment

import (
	"time"
)

// Status is the lifecycle state of an environment.
type Status string

const (
	StatusBacklog    Status = "backlog"
	StatusInProgress Status = "in_progress"
	StatusDone       Status = "done"
)

// Valid reports whether s is a known lifecycle status.
func (s Status) Valid() bool {
	switch s {
	case StatusBacklog, StatusInProgress, StatusDone:
		return true
	}
	return false
}

// ScenarioStatus is the execution state of a scenario on one platform.
type ScenarioStatus string

const (
	ScenarioPending       ScenarioStatus = "pending"
	ScenarioInProgress    ScenarioStatus = "in_progress"
	ScenarioBlocked       ScenarioStatus = "blocked"
	ScenarioDone          ScenarioStatus = "done"
	ScenarioDoneAutomated ScenarioStatus = "done_automated"
	ScenarioNotApplicable ScenarioStatus = "not_applicable"
)

// ScenarioStatuses lists every scenario status in display order.
var ScenarioStatuses = []ScenarioStatus{
	ScenarioPending,
	ScenarioInProgress,
	ScenarioBlocked,
	ScenarioDone,
	ScenarioDoneAutomated,
	ScenarioNotApplicable,
}

// Valid reports whether s is a known scenario status.
func (s ScenarioStatus) Valid() bool {
	for _, known := range ScenarioStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// Platform identifies which surface a scenario status applies to.
type Platform string

const (
	PlatformMobile  Platform = "mobile"
	PlatformDesktop Platform = "desktop"
)

// Valid reports whether p is mobile or desktop.
func (p Platform) Valid() bool {
	return p == PlatformMobile || p == PlatformDesktop
}

// TimeTracking accumulates the time an environment spent in progress.
// End is set only while the environment is done.
type TimeTracking struct {
	Start   *time.Time `json:"start"`
	End     *time.Time `json:"end"`
	TotalMs int64      `json:"totalMs"`
}

// Scenario is a single test case, tracked separately per platform.
// StatusMobile and StatusDesktop may be empty for scenarios created before
// per-platform tracking; Status is used for them instead.
type Scenario struct {
	Title          string         `json:"title" yaml:"title"`
	Category       string         `json:"category" yaml:"category"`
	Criticality    string         `json:"criticality" yaml:"criticality"`
	Observation    string         `json:"observation" yaml:"observation"`
	AutomationNote string         `json:"automationNote" yaml:"automationNote"`
	Status         ScenarioStatus `json:"status" yaml:"status"`
	StatusMobile   ScenarioStatus `json:"statusMobile,omitempty" yaml:"statusMobile"`
	StatusDesktop  ScenarioStatus `json:"statusDesktop,omitempty" yaml:"statusDesktop"`
	EvidenceLink   *string        `json:"evidenceLink" yaml:"evidenceLink"`
}

// Environment is one test run against a store.
type Environment struct {
	ID              string              `json:"id"`
	Identifier      string              `json:"identifier"`
	StoreID         string              `json:"storeId"`
	SuiteID         string              `json:"suiteId,omitempty"`
	SuiteName       string              `json:"suiteName,omitempty"`
	URLs            []string            `json:"urls"`
	JiraTask        string              `json:"jiraTask"`
	EnvironmentType string              `json:"environmentType"`
	TestType        string              `json:"testType"`
	Moment          string              `json:"moment"`
	Release         string              `json:"release"`
	Status          Status              `json:"status"`
	TimeTracking    TimeTracking        `json:"timeTracking"`
	PresentUserIDs  []string            `json:"presentUserIds"`
	Participants    []string            `json:"participants"`
	ConcludedBy     *string             `json:"concludedBy"`
	Scenarios       map[string]Scenario `json:"scenarios"`
	BugsCount       int                 `json:"bugsCount"`
	TotalScenarios  int                 `json:"totalScenarios"`
	CreatedAt       time.Time           `json:"createdAt"`
	UpdatedAt       time.Time           `json:"updatedAt"`
}

// Clone returns a deep copy so snapshots handed to observers cannot be
// mutated through shared maps or slices.
func (e *Environment) Clone() *Environment {
	if e == nil {
		return nil
	}
	out := *e
	out.URLs = cloneStrings(e.URLs)
	out.PresentUserIDs = cloneStrings(e.PresentUserIDs)
	out.Participants = cloneStrings(e.Participants)
	out.TimeTracking = e.TimeTracking.clone()
	if e.ConcludedBy != nil {
		v := *e.ConcludedBy
		out.ConcludedBy = &v
	}
	if e.Scenarios != nil {
		out.Scenarios = make(map[string]Scenario, len(e.Scenarios))
		for id, sc := range e.Scenarios {
			if sc.EvidenceLink != nil {
				link := *sc.EvidenceLink
				sc.EvidenceLink = &link
			}
			out.Scenarios[id] = sc
		}
	}
	return &out
}

func (t TimeTracking) clone() TimeTracking {
	out := TimeTracking{TotalMs: t.TotalMs}
	if t.Start != nil {
		v := *t.Start
		out.Start = &v
	}
	if t.End != nil {
		v := *t.End
		out.End = &v
	}
	return out
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	return append([]string(nil), in...)
}

// BugStatus is the triage state of a bug.
type BugStatus string

const (
	BugOpen       BugStatus = "open"
	BugInProgress BugStatus = "in_progress"
	BugResolved   BugStatus = "resolved"
)

// Valid reports whether s is a known bug status.
func (s BugStatus) Valid() bool {
	switch s {
	case BugOpen, BugInProgress, BugResolved:
		return true
	}
	return false
}

// Bug is a defect reported against an environment. ScenarioID is a weak
// reference and may name a scenario that no longer exists.
type Bug struct {
	ID            string    `json:"id"`
	EnvironmentID string    `json:"environmentId"`
	ScenarioID    *string   `json:"scenarioId"`
	Title         string    `json:"title"`
	Description   string    `json:"description"`
	Status        BugStatus `json:"status"`
	Severity      string    `json:"severity"`
	Priority      string    `json:"priority"`
	Steps         string    `json:"steps"`
	Expected      string    `json:"expected"`
	Actual        string    `json:"actual"`
	ReportedBy    string    `json:"reportedBy"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}
