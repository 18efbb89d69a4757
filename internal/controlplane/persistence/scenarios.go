package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rocketship-ai/qatrack/internal/environment"
)

// UpdateScenarioStatus sets one status field of a scenario without
// rewriting the rest of the scenario map. An empty platform updates the
// legacy default status.
func (s *Store) UpdateScenarioStatus(ctx context.Context, envID, scenarioID string, platform environment.Platform, status environment.ScenarioStatus) error {
	id, err := parseID(envID)
	if err != nil {
		return err
	}
	if !status.Valid() {
		return fmt.Errorf("invalid scenario status %q", status)
	}

	const query = `
		UPDATE environments
		SET scenarios = jsonb_set(scenarios, ARRAY[$2::text, $3::text], to_jsonb($4::text)),
			updated_at = NOW()
		WHERE id = $1 AND scenarios ? $2
	`

	res, err := s.db.ExecContext(ctx, query, id, scenarioID, scenarioStatusKey(platform), string(status))
	if err != nil {
		return fmt.Errorf("failed to update scenario status: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		return s.missingScenario(ctx, envID)
	}
	return nil
}

// UpdateScenarioFields updates the free-text fields of a scenario inside a
// row-locking transaction.
func (s *Store) UpdateScenarioFields(ctx context.Context, envID, scenarioID string, fields ScenarioFields) error {
	id, err := parseID(envID)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var raw []byte
	if err := tx.GetContext(ctx, &raw, `SELECT scenarios FROM environments WHERE id = $1 FOR UPDATE`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to load scenarios: %w", err)
	}

	scenarios := make(map[string]environment.Scenario)
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &scenarios); err != nil {
			return fmt.Errorf("failed to parse scenarios: %w", err)
		}
	}
	sc, ok := scenarios[scenarioID]
	if !ok {
		return ErrScenarioNotFound
	}
	scenarios[scenarioID] = applyScenarioFields(sc, fields)

	encoded, err := json.Marshal(scenarios)
	if err != nil {
		return fmt.Errorf("failed to encode scenarios: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE environments SET scenarios = $2::jsonb, updated_at = NOW() WHERE id = $1`, id, string(encoded)); err != nil {
		return fmt.Errorf("failed to update scenario: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit scenario update: %w", err)
	}
	return nil
}

func applyScenarioFields(sc environment.Scenario, fields ScenarioFields) environment.Scenario {
	if fields.Observation != nil {
		sc.Observation = *fields.Observation
	}
	if fields.AutomationNote != nil {
		sc.AutomationNote = *fields.AutomationNote
	}
	if fields.EvidenceLink != nil {
		if *fields.EvidenceLink == "" {
			sc.EvidenceLink = nil
		} else {
			link := *fields.EvidenceLink
			sc.EvidenceLink = &link
		}
	}
	return sc
}

func (s *Store) missingScenario(ctx context.Context, envID string) error {
	if _, err := s.GetEnvironment(ctx, envID); err != nil {
		return err
	}
	return ErrScenarioNotFound
}
