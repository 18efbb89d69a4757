package persistence

import (
	"context"
	"fmt"
	"strings"
)

// JoinEnvironment adds userID to the environment's present users
func (s *Store) JoinEnvironment(ctx context.Context, envID, userID string) error {
	const query = `
		UPDATE environments
		SET present_user_ids = array_append(array_remove(present_user_ids, $2), $2), updated_at = NOW()
		WHERE id = $1
	`
	return s.updatePresence(ctx, query, envID, userID)
}

// LeaveEnvironment removes userID from the environment's present users
func (s *Store) LeaveEnvironment(ctx context.Context, envID, userID string) error {
	const query = `
		UPDATE environments
		SET present_user_ids = array_remove(present_user_ids, $2), updated_at = NOW()
		WHERE id = $1
	`
	return s.updatePresence(ctx, query, envID, userID)
}

func (s *Store) updatePresence(ctx context.Context, query, envID, userID string) error {
	id, err := parseID(envID)
	if err != nil {
		return err
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return fmt.Errorf("user id required")
	}

	res, err := s.db.ExecContext(ctx, query, id, userID)
	if err != nil {
		return fmt.Errorf("failed to update presence: %w", err)
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
