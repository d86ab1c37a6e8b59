package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kira-run/kira/internal/automation"
)

// CreateCardInput is the set of fields a caller may set on creation;
// Labels is serialized as a JSON array (spec §3).
type CreateCardInput struct {
	BoardID     string
	ColumnID    string
	Title       string
	Description string
	Priority    string
	Labels      []string
	Assignee    string
	CreatedBy   string
	Position    int
}

// CreateCard inserts a card and, per create_task's mirror rule in §6, leaves
// agent_status empty (no task exists yet for a freshly created card).
func (s *Store) CreateCard(ctx context.Context, in CreateCardInput) (*Card, error) {
	if in.Priority == "" {
		in.Priority = "medium"
	}
	if in.Labels == nil {
		in.Labels = []string{}
	}
	labelsJSON, err := json.Marshal(in.Labels)
	if err != nil {
		return nil, fmt.Errorf("encode labels: %w", err)
	}
	id := uuid.NewString()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO cards (id, board_id, column_id, title, description, priority, labels_json, assignee, created_by, position)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
	`, id, in.BoardID, in.ColumnID, in.Title, in.Description, in.Priority, string(labelsJSON), in.Assignee, in.CreatedBy, in.Position)
	if err != nil {
		return nil, fmt.Errorf("insert card: %w", err)
	}
	return s.GetCard(ctx, id)
}

func scanCard(row interface{ Scan(...any) error }) (*Card, error) {
	var c Card
	var labelsJSON string
	if err := row.Scan(
		&c.ID, &c.BoardID, &c.ColumnID, &c.Title, &c.Description, &c.Priority,
		&labelsJSON, &c.Assignee, &c.AgentStatus, &c.Position, &c.CreatedBy,
		&c.CreatedAt, &c.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal([]byte(labelsJSON), &c.Labels); err != nil {
		return nil, fmt.Errorf("decode labels: %w", err)
	}
	return &c, nil
}

const cardColumns = `id, board_id, column_id, title, description, priority, labels_json, assignee, agent_status, position, created_by, created_at, updated_at`

// GetCard fetches a card by id.
func (s *Store) GetCard(ctx context.Context, id string) (*Card, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+cardColumns+` FROM cards WHERE id = ?;`, id)
	return scanCard(row)
}

// ListCards returns every card on a board, any column.
func (s *Store) ListCards(ctx context.Context, boardID string) ([]Card, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+cardColumns+` FROM cards WHERE board_id = ? ORDER BY position ASC;`, boardID)
	if err != nil {
		return nil, fmt.Errorf("list cards: %w", err)
	}
	defer rows.Close()
	var out []Card
	for rows.Next() {
		c, err := scanCard(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// moveCardTx updates a card's column and, unless skipAutomation is set,
// returns the destination column so the caller can evaluate the automation
// trigger (§4.2) against it. The agent_status mirror is left untouched here;
// callers that move a card as part of a task's terminal transition update it
// via setCardAgentStatusTx in the same transaction (I3/I6).
func moveCardTx(ctx context.Context, tx *sql.Tx, cardID, destColumnID string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE cards SET column_id = ?, updated_at = ? WHERE id = ?;
	`, destColumnID, time.Now().UTC(), cardID)
	if err != nil {
		return fmt.Errorf("move card: %w", err)
	}
	return nil
}

func setCardAgentStatusTx(ctx context.Context, tx *sql.Tx, cardID string, status AgentStatus) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE cards SET agent_status = ?, updated_at = ? WHERE id = ?;
	`, string(status), time.Now().UTC(), cardID)
	if err != nil {
		return fmt.Errorf("set card agent_status: %w", err)
	}
	return nil
}

func getCardTx(ctx context.Context, tx *sql.Tx, id string) (*Card, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+cardColumns+` FROM cards WHERE id = ?;`, id)
	return scanCard(row)
}

// MoveCard is the user-driven / external entry point for moving a card
// between columns (e.g. a drag on the board UI). It runs the automation
// trigger (§4.2) against the destination column in the same transaction,
// mirroring the cascade's own atomicity guarantee even though this path
// isn't a task completion.
func (s *Store) MoveCard(ctx context.Context, cardID, destColumnID, actor string) (*Task, error) {
	var newTask *Task
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin move tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		card, err := getCardTx(ctx, tx, cardID)
		if err != nil {
			return err
		}
		if err := moveCardTx(ctx, tx, cardID, destColumnID); err != nil {
			return err
		}
		destColumn, err := scanColumn(tx.QueryRowContext(ctx, `SELECT `+columnColumns+` FROM columns WHERE id = ?;`, destColumnID))
		if err != nil {
			return err
		}
		priorCount, err := countPriorTasksTx(ctx, tx, cardID, destColumnID)
		if err != nil {
			return err
		}
		trig := automation.EvaluateTrigger(triggerInputFor(*card, *destColumn, actor, priorCount))
		if trig.Fire {
			t, err := createTaskTx(ctx, tx, trig.NewTask)
			if err != nil {
				return err
			}
			if err := setCardAgentStatusTx(ctx, tx, cardID, AgentStatusPending); err != nil {
				return err
			}
			newTask = t
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	return newTask, nil
}
