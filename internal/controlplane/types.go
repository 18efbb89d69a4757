package controlplane

import (
	"context"

	"github.com/rocketship-ai/qatrack/internal/controlplane/persistence"
	"github.com/rocketship-ai/qatrack/internal/environment"
)

// dataStore is the persistence contract used by the HTTP handlers. Both
// persistence.Store and persistence.MemoryStore satisfy it.
type dataStore interface {
	environment.Patcher

	CreateEnvironment(ctx context.Context, in persistence.NewEnvironmentInput) (*environment.Environment, error)
	GetEnvironment(ctx context.Context, id string) (*environment.Environment, error)
	ListEnvironmentsByStore(ctx context.Context, storeID string) ([]*environment.Environment, error)

	// Scoped scenario patches
	UpdateScenarioStatus(ctx context.Context, envID, scenarioID string, platform environment.Platform, status environment.ScenarioStatus) error
	UpdateScenarioFields(ctx context.Context, envID, scenarioID string, fields persistence.ScenarioFields) error

	// Presence
	JoinEnvironment(ctx context.Context, envID, userID string) error
	LeaveEnvironment(ctx context.Context, envID, userID string) error

	// Bugs adjust the parent's bugs_count atomically
	CreateBug(ctx context.Context, in persistence.NewBugInput) (environment.Bug, error)
	DeleteBug(ctx context.Context, envID, bugID string) error
	UpdateBugStatus(ctx context.Context, envID, bugID string, status environment.BugStatus) (environment.Bug, error)
	ListBugs(ctx context.Context, envID string) ([]environment.Bug, error)
}

// principal is the acting user of a request. UserID is empty for anonymous
// requests.
type principal struct {
	UserID string
}

func (p principal) Anonymous() bool {
	return p.UserID == ""
}
