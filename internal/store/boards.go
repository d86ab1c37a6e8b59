package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateBoard inserts a new board owned by ownerID.
func (s *Store) CreateBoard(ctx context.Context, name, description, ownerID string) (*Board, error) {
	id := uuid.NewString()
	settingsJSON, _ := json.Marshal(BoardSettings{})
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO boards (id, name, description, owner_id, settings_json)
		VALUES (?, ?, ?, ?, ?);
	`, id, name, description, ownerID, string(settingsJSON))
	if err != nil {
		return nil, fmt.Errorf("insert board: %w", err)
	}
	return s.GetBoard(ctx, id)
}

func scanBoard(row interface{ Scan(...any) error }) (*Board, error) {
	var b Board
	var settingsJSON string
	if err := row.Scan(&b.ID, &b.Name, &b.Description, &b.OwnerID, &settingsJSON, &b.CreatedAt, &b.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal([]byte(settingsJSON), &b.Settings); err != nil {
		return nil, fmt.Errorf("decode board settings: %w", err)
	}
	return &b, nil
}

// GetBoard fetches a board by id.
func (s *Store) GetBoard(ctx context.Context, id string) (*Board, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, description, owner_id, settings_json, created_at, updated_at
		FROM boards WHERE id = ?;
	`, id)
	return scanBoard(row)
}

// GetBoardSettings is the narrow accessor the Workspace Resolver (C10) and
// cascade (C3) need; it avoids callers having to unmarshal JSON themselves.
func (s *Store) GetBoardSettings(ctx context.Context, boardID string) (BoardSettings, error) {
	b, err := s.GetBoard(ctx, boardID)
	if err != nil {
		return BoardSettings{}, err
	}
	return b.Settings, nil
}

// UpdateBoardInput carries the optional fields a caller may patch; empty
// string / nil means "leave unchanged", matching the PATCH semantics of the
// server wire contract (§6 update_board).
type UpdateBoardInput struct {
	Name        *string
	Description *string
	Settings    *BoardSettings
}

// UpdateBoard patches board fields. Swallows nothing: callers (e.g. the
// Planner Executor) decide whether to log-and-continue on error, per §4.7's
// "swallow update_board errors, keep going" policy.
func (s *Store) UpdateBoard(ctx context.Context, boardID string, in UpdateBoardInput) error {
	board, err := s.GetBoard(ctx, boardID)
	if err != nil {
		return err
	}
	if in.Name != nil {
		board.Name = *in.Name
	}
	if in.Description != nil {
		board.Description = *in.Description
	}
	if in.Settings != nil {
		board.Settings = *in.Settings
	}
	settingsJSON, err := json.Marshal(board.Settings)
	if err != nil {
		return fmt.Errorf("encode board settings: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE boards
		SET name = ?, description = ?, settings_json = ?, updated_at = ?
		WHERE id = ?;
	`, board.Name, board.Description, string(settingsJSON), time.Now().UTC(), boardID)
	if err != nil {
		return fmt.Errorf("update board: %w", err)
	}
	return nil
}
