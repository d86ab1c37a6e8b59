package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// CreateColumnInput mirrors the fields the Planner Executor (C8) and board UI
// need to set when wiring the fixed pipeline columns (§4.7).
type CreateColumnInput struct {
	BoardID        string
	Name           string
	Color          string
	Position       int
	AutoRun        bool
	AgentType      string
	AgentModel     string
	AgentSkill     string
	PromptTemplate string
	MaxLoopCount   int
}

// CreateColumn inserts a column. MaxLoopCount defaults to 3 (§4.2) when zero.
func (s *Store) CreateColumn(ctx context.Context, in CreateColumnInput) (*Column, error) {
	if in.MaxLoopCount == 0 {
		in.MaxLoopCount = 3
	}
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO columns (id, board_id, name, color, position, auto_run, agent_type, agent_model, agent_skill, prompt_template, max_loop_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
	`, id, in.BoardID, in.Name, in.Color, in.Position, in.AutoRun, in.AgentType, in.AgentModel, in.AgentSkill, in.PromptTemplate, in.MaxLoopCount)
	if err != nil {
		return nil, fmt.Errorf("insert column: %w", err)
	}
	return s.GetColumn(ctx, id)
}

func scanColumn(row interface{ Scan(...any) error }) (*Column, error) {
	var c Column
	var autoRun int
	if err := row.Scan(
		&c.ID, &c.BoardID, &c.Name, &c.Color, &c.Position, &autoRun,
		&c.AgentType, &c.AgentModel, &c.AgentSkill, &c.PromptTemplate,
		&c.MaxLoopCount, &c.OnSuccessColumnID, &c.OnFailureColumnID,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	c.AutoRun = autoRun != 0
	return &c, nil
}

const columnColumns = `id, board_id, name, color, position, auto_run, agent_type, agent_model, agent_skill, prompt_template, max_loop_count, on_success_column_id, on_failure_column_id`

// GetColumn fetches a column by id.
func (s *Store) GetColumn(ctx context.Context, id string) (*Column, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+columnColumns+` FROM columns WHERE id = ?;`, id)
	return scanColumn(row)
}

// ListColumns returns a board's columns ordered by position.
func (s *Store) ListColumns(ctx context.Context, boardID string) ([]Column, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+columnColumns+` FROM columns WHERE board_id = ? ORDER BY position ASC;`, boardID)
	if err != nil {
		return nil, fmt.Errorf("list columns: %w", err)
	}
	defer rows.Close()
	var out []Column
	for rows.Next() {
		c, err := scanColumn(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// UpdateColumnInput mirrors the PATCH payload of §6 update_column; nil
// fields are left unchanged.
type UpdateColumnInput struct {
	OnSuccessColumnID *string
	OnFailureColumnID *string
}

// UpdateColumn patches routing fields. Used by the Planner Executor's wiring
// phase (§4.7 step 6), which swallows per-column errors and continues.
func (s *Store) UpdateColumn(ctx context.Context, columnID string, in UpdateColumnInput) error {
	col, err := s.GetColumn(ctx, columnID)
	if err != nil {
		return err
	}
	if in.OnSuccessColumnID != nil {
		col.OnSuccessColumnID = *in.OnSuccessColumnID
	}
	if in.OnFailureColumnID != nil {
		col.OnFailureColumnID = *in.OnFailureColumnID
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE columns SET on_success_column_id = ?, on_failure_column_id = ? WHERE id = ?;
	`, col.OnSuccessColumnID, col.OnFailureColumnID, columnID)
	if err != nil {
		return fmt.Errorf("update column: %w", err)
	}
	return nil
}

// countPriorTasksTx counts tasks previously synthesized for (card, column),
// the circuit-breaker input for the automation trigger (I4).
func countPriorTasksTx(ctx context.Context, tx *sql.Tx, cardID, sourceColumnID string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM tasks WHERE card_id = ? AND source_column_id = ?;
	`, cardID, sourceColumnID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count prior tasks: %w", err)
	}
	return n, nil
}
