package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/rocketship-ai/qatrack/internal/environment"
)

// CreateBug inserts a bug and increments the parent's bugs_count in the same
// transaction
func (s *Store) CreateBug(ctx context.Context, in NewBugInput) (environment.Bug, error) {
	envID, err := parseID(in.EnvironmentID)
	if err != nil {
		return environment.Bug{}, err
	}
	if strings.TrimSpace(in.Title) == "" {
		return environment.Bug{}, errors.New("bug title required")
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return environment.Bug{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `UPDATE environments SET bugs_count = bugs_count + 1, updated_at = NOW() WHERE id = $1`, envID)
	if err != nil {
		return environment.Bug{}, fmt.Errorf("failed to increment bug count: %w", err)
	}
	if rows, err := res.RowsAffected(); err != nil {
		return environment.Bug{}, fmt.Errorf("failed to check rows affected: %w", err)
	} else if rows == 0 {
		return environment.Bug{}, ErrNotFound
	}

	query := `
		INSERT INTO environment_bugs (id, environment_id, scenario_id, title, description, status,
			severity, priority, steps, expected, actual, reported_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW(), NOW())
		RETURNING ` + bugColumns

	var row bugRow
	if err := tx.GetContext(ctx, &row, query,
		uuid.New(), envID, nullString(in.ScenarioID), strings.TrimSpace(in.Title), in.Description,
		string(environment.BugOpen), in.Severity, in.Priority, in.Steps, in.Expected, in.Actual,
		in.ReportedBy); err != nil {
		return environment.Bug{}, fmt.Errorf("failed to create bug: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return environment.Bug{}, fmt.Errorf("failed to commit bug: %w", err)
	}
	return row.toBug(), nil
}

// DeleteBug removes a bug and decrements the parent's bugs_count in the same
// transaction
func (s *Store) DeleteBug(ctx context.Context, envID, bugID string) error {
	eid, err := parseID(envID)
	if err != nil {
		return err
	}
	bid, err := parseID(bugID)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM environment_bugs WHERE id = $1 AND environment_id = $2`, bid, eid)
	if err != nil {
		return fmt.Errorf("failed to delete bug: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}

	if _, err := tx.ExecContext(ctx, `UPDATE environments SET bugs_count = GREATEST(bugs_count - 1, 0), updated_at = NOW() WHERE id = $1`, eid); err != nil {
		return fmt.Errorf("failed to decrement bug count: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit bug deletion: %w", err)
	}
	return nil
}

// UpdateBugStatus changes the triage status of a bug
func (s *Store) UpdateBugStatus(ctx context.Context, envID, bugID string, status environment.BugStatus) (environment.Bug, error) {
	eid, err := parseID(envID)
	if err != nil {
		return environment.Bug{}, err
	}
	bid, err := parseID(bugID)
	if err != nil {
		return environment.Bug{}, err
	}
	if !status.Valid() {
		return environment.Bug{}, fmt.Errorf("invalid bug status %q", status)
	}

	query := `
		UPDATE environment_bugs SET status = $3, updated_at = NOW()
		WHERE id = $1 AND environment_id = $2
		RETURNING ` + bugColumns

	var row bugRow
	if err := s.db.GetContext(ctx, &row, query, bid, eid, string(status)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return environment.Bug{}, ErrNotFound
		}
		return environment.Bug{}, fmt.Errorf("failed to update bug: %w", err)
	}
	return row.toBug(), nil
}

// ListBugs returns the bugs of an environment, newest first
func (s *Store) ListBugs(ctx context.Context, envID string) ([]environment.Bug, error) {
	eid, err := parseID(envID)
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + bugColumns + ` FROM environment_bugs WHERE environment_id = $1 ORDER BY created_at DESC`

	var rows []bugRow
	if err := s.db.SelectContext(ctx, &rows, query, eid); err != nil {
		return nil, fmt.Errorf("failed to list bugs: %w", err)
	}

	bugs := make([]environment.Bug, 0, len(rows))
	for _, r := range rows {
		bugs = append(bugs, r.toBug())
	}
	return bugs, nil
}
