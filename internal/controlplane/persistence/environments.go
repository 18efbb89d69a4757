package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/rocketship-ai/qatrack/internal/environment"
)

// CreateEnvironment inserts a new environment in backlog with zeroed time
// tracking
func (s *Store) CreateEnvironment(ctx context.Context, in NewEnvironmentInput) (*environment.Environment, error) {
	if strings.TrimSpace(in.Identifier) == "" {
		return nil, errors.New("environment identifier required")
	}
	if strings.TrimSpace(in.StoreID) == "" {
		return nil, errors.New("store id required")
	}

	scenarios := in.Scenarios
	if scenarios == nil {
		scenarios = make(map[string]environment.Scenario)
	}
	scenariosJSON, err := json.Marshal(scenarios)
	if err != nil {
		return nil, fmt.Errorf("failed to encode scenarios: %w", err)
	}
	urls := in.URLs
	if urls == nil {
		urls = []string{}
	}

	query := `
		INSERT INTO environments (id, identifier, store_id, suite_id, suite_name, urls, jira_task,
			environment_type, test_type, moment, release, status, scenarios, total_scenarios,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13::jsonb, $14, NOW(), NOW())
		RETURNING ` + envColumns

	var row envRow
	if err := s.db.GetContext(ctx, &row, query,
		uuid.New(), strings.TrimSpace(in.Identifier), strings.TrimSpace(in.StoreID),
		in.SuiteID, in.SuiteName, pq.Array(urls), in.JiraTask,
		in.EnvironmentType, in.TestType, in.Moment, in.Release,
		string(environment.StatusBacklog), string(scenariosJSON), in.TotalScenarios); err != nil {
		return nil, fmt.Errorf("failed to create environment: %w", err)
	}

	return row.toEnvironment()
}

// GetEnvironment retrieves an environment by ID
func (s *Store) GetEnvironment(ctx context.Context, id string) (*environment.Environment, error) {
	envID, err := parseID(id)
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + envColumns + ` FROM environments WHERE id = $1`

	var row envRow
	if err := s.db.GetContext(ctx, &row, query, envID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get environment: %w", err)
	}

	return row.toEnvironment()
}

// ListEnvironmentsByStore returns the environments of a store, newest first
func (s *Store) ListEnvironmentsByStore(ctx context.Context, storeID string) ([]*environment.Environment, error) {
	query := `SELECT ` + envColumns + ` FROM environments WHERE store_id = $1 ORDER BY created_at DESC`

	var rows []envRow
	if err := s.db.SelectContext(ctx, &rows, query, strings.TrimSpace(storeID)); err != nil {
		return nil, fmt.Errorf("failed to list environments: %w", err)
	}

	envs := make([]*environment.Environment, 0, len(rows))
	for _, r := range rows {
		env, err := r.toEnvironment()
		if err != nil {
			return nil, err
		}
		envs = append(envs, env)
	}
	return envs, nil
}

// PatchEnvironment applies a partial update in a single statement
func (s *Store) PatchEnvironment(ctx context.Context, id string, patch environment.Patch) error {
	envID, err := parseID(id)
	if err != nil {
		return err
	}
	if patch.IsEmpty() {
		return nil
	}

	query, args, err := buildPatchQuery(envID, patch)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to patch environment: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// buildPatchQuery turns a patch into an UPDATE touching only the fields the
// patch sets.
func buildPatchQuery(id uuid.UUID, patch environment.Patch) (string, []interface{}, error) {
	sets := make([]string, 0, 8)
	args := []interface{}{id}
	add := func(column string, value interface{}) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if patch.Status != nil {
		if !patch.Status.Valid() {
			return "", nil, fmt.Errorf("%w: %q", environment.ErrInvalidStatus, *patch.Status)
		}
		add("status", string(*patch.Status))
	}
	if tt := patch.TimeTracking; tt != nil {
		add("time_start", nullTime(tt.Start))
		add("time_end", nullTime(tt.End))
		add("time_total_ms", tt.TotalMs)
	}
	if patch.Scenarios != nil {
		encoded, err := json.Marshal(patch.Scenarios)
		if err != nil {
			return "", nil, fmt.Errorf("failed to encode scenarios: %w", err)
		}
		args = append(args, string(encoded))
		sets = append(sets, fmt.Sprintf("scenarios = $%d::jsonb", len(args)))
	}
	if patch.Participants != nil {
		add("participants", pq.Array(patch.Participants))
	}
	switch {
	case patch.ConcludedBy != nil:
		add("concluded_by", *patch.ConcludedBy)
	case patch.ClearConcludedBy:
		sets = append(sets, "concluded_by = NULL")
	}
	sets = append(sets, "updated_at = NOW()")

	query := fmt.Sprintf("UPDATE environments SET %s WHERE id = $1", strings.Join(sets, ", "))
	return query, args, nil
}
