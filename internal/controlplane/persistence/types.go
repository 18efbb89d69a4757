package persistence

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/rocketship-ai/qatrack/internal/environment"
)

// Errors
var (
	ErrNotFound         = errors.New("not found")
	ErrScenarioNotFound = errors.New("scenario not found")
)

// NewEnvironmentInput carries the descriptive fields of a new environment.
// Lifecycle fields always start at backlog with zeroed time tracking.
type NewEnvironmentInput struct {
	Identifier      string
	StoreID         string
	SuiteID         string
	SuiteName       string
	URLs            []string
	JiraTask        string
	EnvironmentType string
	TestType        string
	Moment          string
	Release         string
	Scenarios       map[string]environment.Scenario
	TotalScenarios  int
}

// ScenarioFields is a scoped update of a scenario's free-text fields. Nil
// fields are left untouched; an empty EvidenceLink clears the link.
type ScenarioFields struct {
	Observation    *string
	AutomationNote *string
	EvidenceLink   *string
}

// NewBugInput describes a bug to report against an environment.
type NewBugInput struct {
	EnvironmentID string
	ScenarioID    *string
	Title         string
	Description   string
	Severity      string
	Priority      string
	Steps         string
	Expected      string
	Actual        string
	ReportedBy    string
}

// envRow is a helper type for scanning environment rows with array and
// JSONB columns
type envRow struct {
	ID              uuid.UUID      `db:"id"`
	Identifier      string         `db:"identifier"`
	StoreID         string         `db:"store_id"`
	SuiteID         string         `db:"suite_id"`
	SuiteName       string         `db:"suite_name"`
	URLs            pq.StringArray `db:"urls"`
	JiraTask        string         `db:"jira_task"`
	EnvironmentType string         `db:"environment_type"`
	TestType        string         `db:"test_type"`
	Moment          string         `db:"moment"`
	Release         string         `db:"release"`
	Status          string         `db:"status"`
	TimeStart       sql.NullTime   `db:"time_start"`
	TimeEnd         sql.NullTime   `db:"time_end"`
	TimeTotalMs     int64          `db:"time_total_ms"`
	PresentUserIDs  pq.StringArray `db:"present_user_ids"`
	Participants    pq.StringArray `db:"participants"`
	ConcludedBy     sql.NullString `db:"concluded_by"`
	Scenarios       []byte         `db:"scenarios"`
	BugsCount       int            `db:"bugs_count"`
	TotalScenarios  int            `db:"total_scenarios"`
	CreatedAt       time.Time      `db:"created_at"`
	UpdatedAt       time.Time      `db:"updated_at"`
}

const envColumns = `id, identifier, store_id, suite_id, suite_name, urls, jira_task, environment_type,
	test_type, moment, release, status, time_start, time_end, time_total_ms, present_user_ids,
	participants, concluded_by, scenarios, bugs_count, total_scenarios, created_at, updated_at`

func (r envRow) toEnvironment() (*environment.Environment, error) {
	env := &environment.Environment{
		ID:              r.ID.String(),
		Identifier:      r.Identifier,
		StoreID:         r.StoreID,
		SuiteID:         r.SuiteID,
		SuiteName:       r.SuiteName,
		URLs:            []string(r.URLs),
		JiraTask:        r.JiraTask,
		EnvironmentType: r.EnvironmentType,
		TestType:        r.TestType,
		Moment:          r.Moment,
		Release:         r.Release,
		Status:          environment.Status(r.Status),
		TimeTracking:    environment.TimeTracking{TotalMs: r.TimeTotalMs},
		PresentUserIDs:  []string(r.PresentUserIDs),
		Participants:    []string(r.Participants),
		BugsCount:       r.BugsCount,
		TotalScenarios:  r.TotalScenarios,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
	if r.TimeStart.Valid {
		t := r.TimeStart.Time.UTC()
		env.TimeTracking.Start = &t
	}
	if r.TimeEnd.Valid {
		t := r.TimeEnd.Time.UTC()
		env.TimeTracking.End = &t
	}
	if r.ConcludedBy.Valid {
		v := r.ConcludedBy.String
		env.ConcludedBy = &v
	}

	// Parse scenarios
	if len(r.Scenarios) > 0 {
		if err := json.Unmarshal(r.Scenarios, &env.Scenarios); err != nil {
			return nil, fmt.Errorf("failed to parse scenarios: %w", err)
		}
	}
	if env.Scenarios == nil {
		env.Scenarios = make(map[string]environment.Scenario)
	}
	if env.URLs == nil {
		env.URLs = []string{}
	}
	if env.PresentUserIDs == nil {
		env.PresentUserIDs = []string{}
	}
	if env.Participants == nil {
		env.Participants = []string{}
	}
	return env, nil
}

// bugRow is a helper type for scanning bug rows
type bugRow struct {
	ID            uuid.UUID      `db:"id"`
	EnvironmentID uuid.UUID      `db:"environment_id"`
	ScenarioID    sql.NullString `db:"scenario_id"`
	Title         string         `db:"title"`
	Description   string         `db:"description"`
	Status        string         `db:"status"`
	Severity      string         `db:"severity"`
	Priority      string         `db:"priority"`
	Steps         string         `db:"steps"`
	Expected      string         `db:"expected"`
	Actual        string         `db:"actual"`
	ReportedBy    string         `db:"reported_by"`
	CreatedAt     time.Time      `db:"created_at"`
	UpdatedAt     time.Time      `db:"updated_at"`
}

const bugColumns = `id, environment_id, scenario_id, title, description, status, severity, priority,
	steps, expected, actual, reported_by, created_at, updated_at`

func (r bugRow) toBug() environment.Bug {
	bug := environment.Bug{
		ID:            r.ID.String(),
		EnvironmentID: r.EnvironmentID.String(),
		Title:         r.Title,
		Description:   r.Description,
		Status:        environment.BugStatus(r.Status),
		Severity:      r.Severity,
		Priority:      r.Priority,
		Steps:         r.Steps,
		Expected:      r.Expected,
		Actual:        r.Actual,
		ReportedBy:    r.ReportedBy,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
	if r.ScenarioID.Valid {
		v := r.ScenarioID.String
		bug.ScenarioID = &v
	}
	return bug
}

// parseID converts an opaque id into a UUID. Malformed ids cannot exist in
// the database, so they are reported as not found.
func parseID(id string) (uuid.UUID, error) {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return uuid.Nil, ErrNotFound
	}
	return parsed, nil
}

func nullString(v *string) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *v, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func scenarioStatusKey(platform environment.Platform) string {
	switch platform {
	case environment.PlatformMobile:
		return "statusMobile"
	case environment.PlatformDesktop:
		return "statusDesktop"
	default:
		return "status"
	}
}
