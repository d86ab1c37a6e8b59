package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kira-run/kira/internal/automation"
	"github.com/kira-run/kira/internal/bus"
)

// triggerInputFor builds a pure automation.TriggerInput from store types,
// the translation layer between persisted rows and the DB-agnostic
// evaluator (spec §9 design note: the evaluator itself takes no store
// dependency).
func triggerInputFor(card Card, destColumn Column, actor string, priorCount int) automation.TriggerInput {
	return automation.TriggerInput{
		DestColumnID:         destColumn.ID,
		DestColumnAutoRun:    destColumn.AutoRun,
		DestColumnAgentType:  destColumn.AgentType,
		DestColumnAgentModel: destColumn.AgentModel,
		DestColumnAgentSkill: destColumn.AgentSkill,
		DestColumnMaxLoop:    destColumn.MaxLoopCount,
		PromptTemplate:       destColumn.PromptTemplate,
		PriorTaskCount:       priorCount,
		BoardID:              card.BoardID,
		CardID:               card.ID,
		CardAssignee:         card.Assignee,
		CardTitle:            card.Title,
		CardDescription:      card.Description,
		Actor:                actor,
		OnSuccessColumnID:    destColumn.OnSuccessColumnID,
		OnFailureColumnID:    destColumn.OnFailureColumnID,
	}
}

// createTaskTx inserts a task synthesized by the automation trigger or the
// completion cascade, inside the caller's transaction (I6).
func createTaskTx(ctx context.Context, tx *sql.Tx, spec automation.NewTaskSpec) (*Task, error) {
	id := uuid.NewString()
	_, err := tx.ExecContext(ctx, `
		INSERT INTO tasks (
			id, board_id, card_id, task_type, status,
			agent_type, agent_model, agent_skill, prompt_text,
			source_column_id, target_column_id, failure_column_id,
			assigned_to
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
	`, id, spec.BoardID, spec.CardID, spec.TaskType, string(TaskPending),
		spec.AgentType, spec.AgentModel, spec.AgentSkill, spec.PromptText,
		spec.SourceColumnID, spec.TargetColumnID, spec.FailureColumnID,
		spec.AssignedTo)
	if err != nil {
		return nil, fmt.Errorf("insert synthesized task: %w", err)
	}
	return getTaskTx(ctx, tx, id)
}

const taskColumns = `id, board_id, card_id, task_type, status, agent_type, agent_model, agent_skill,
	prompt_text, payload_json, source_column_id, target_column_id, failure_column_id,
	priority, created_by, assigned_to, worker_id, output_text, error_summary, result_data_json,
	progress_text, progress_step, progress_total, progress_phase, created_at, started_at, completed_at`

func scanTask(row interface{ Scan(...any) error }) (*Task, error) {
	var t Task
	var started, completed sql.NullTime
	if err := row.Scan(
		&t.ID, &t.BoardID, &t.CardID, &t.TaskType, &t.Status, &t.AgentType, &t.AgentModel, &t.AgentSkill,
		&t.PromptText, &t.PayloadJSON, &t.SourceColumnID, &t.TargetColumnID, &t.FailureColumnID,
		&t.Priority, &t.CreatedBy, &t.AssignedTo, &t.WorkerID, &t.OutputText, &t.ErrorSummary, &t.ResultDataJSON,
		&t.ProgressText, &t.ProgressStep, &t.ProgressTotal, &t.ProgressPhase, &t.CreatedAt, &started, &completed,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if started.Valid {
		t.StartedAt = &started.Time
	}
	if completed.Valid {
		t.CompletedAt = &completed.Time
	}
	return &t, nil
}

func getTaskTx(ctx context.Context, tx *sql.Tx, id string) (*Task, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?;`, id)
	return scanTask(row)
}

// GetTask fetches a task by id.
func (s *Store) GetTask(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?;`, id)
	return scanTask(row)
}

// CreateTaskInput is the set of fields a caller (e.g. a Planner or Integration
// executor enqueuing follow-on work) may set explicitly.
type CreateTaskInput struct {
	BoardID     string
	CardID      string
	TaskType    TaskType
	AgentType   string
	AgentModel  string
	AgentSkill  string
	PromptText  string
	PayloadJSON string
	Priority    int
	CreatedBy   string
	AssignedTo  string
}

// CreateTask inserts a new task. If CardID is set, the card's agent_status
// mirror is atomically set to "pending" (§6 create_task guarantee).
func (s *Store) CreateTask(ctx context.Context, in CreateTaskInput) (*Task, error) {
	var result *Task
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin create task tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if in.PayloadJSON == "" {
			in.PayloadJSON = "{}"
		}
		id := uuid.NewString()
		_, err = tx.ExecContext(ctx, `
			INSERT INTO tasks (
				id, board_id, card_id, task_type, status, agent_type, agent_model, agent_skill,
				prompt_text, payload_json, priority, created_by, assigned_to
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, id, in.BoardID, in.CardID, string(in.TaskType), string(TaskPending), in.AgentType, in.AgentModel, in.AgentSkill,
			in.PromptText, in.PayloadJSON, in.Priority, in.CreatedBy, in.AssignedTo)
		if err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		if in.CardID != "" {
			if err := setCardAgentStatusTx(ctx, tx, in.CardID, AgentStatusPending); err != nil {
				return err
			}
		}
		t, err := getTaskTx(ctx, tx, id)
		if err != nil {
			return err
		}
		result = t
		return tx.Commit()
	})
	return result, err
}

// transitionTaskTx enforces I1 via canTransition and applies a single-row
// CAS UPDATE (WHERE id = ? AND status = ?), the same pattern the teacher's
// persistence layer uses for its own task state machine. Returns false
// (no error) if the row was not in one of allowedFrom, which callers use to
// distinguish "stale/conflicting state" from a genuine error.
func transitionTaskTx(ctx context.Context, tx *sql.Tx, taskID string, allowedFrom []TaskStatus, to TaskStatus) (bool, *Task, error) {
	task, err := getTaskTx(ctx, tx, taskID)
	if err != nil {
		return false, nil, err
	}
	matched := false
	for _, from := range allowedFrom {
		if task.Status == from {
			matched = true
			break
		}
	}
	if !matched {
		return false, task, nil
	}
	if !canTransition(task.Status, to) {
		return false, task, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, task.Status, to)
	}
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET status = ? WHERE id = ? AND status = ?;`, string(to), taskID, string(task.Status))
	if err != nil {
		return false, nil, fmt.Errorf("update task status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, nil, fmt.Errorf("transition rows affected: %w", err)
	}
	if affected != 1 {
		return false, task, nil
	}
	task.Status = to
	return true, task, nil
}

// ClaimTask is the CAS primitive (§4.1, I2, P1, P7): it atomically
// transitions a pending task to claimed, storing worker_id. Returns
// ErrAlreadyClaimed if the row was not pending at the time of the UPDATE.
func (s *Store) ClaimTask(ctx context.Context, taskID, workerID string) (*Task, error) {
	var result *Task
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin claim tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		ok, _, err := transitionTaskTx(ctx, tx, taskID, []TaskStatus{TaskPending}, TaskClaimed)
		if err != nil {
			return err
		}
		if !ok {
			return ErrAlreadyClaimed
		}
		if _, err := tx.ExecContext(ctx, `UPDATE tasks SET worker_id = ? WHERE id = ?;`, workerID, taskID); err != nil {
			return fmt.Errorf("set worker_id on claim: %w", err)
		}
		t, err := getTaskTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		result = t
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	s.publish(bus.TopicTaskClaimed, bus.TaskStateChangedEvent{TaskID: result.ID, BoardID: result.BoardID, CardID: result.CardID, OldStatus: string(TaskPending), NewStatus: string(TaskClaimed)})
	return result, nil
}

// UpdateProgressInput carries a progress report (§4.1, §6 update_progress).
type UpdateProgressInput struct {
	ProgressText string
	Step         int
	TotalSteps   int
	Phase        string
}

// UpdateProgress transitions claimed -> running on the first call (recording
// started_at); subsequent calls only update the progress fields, never the
// status (§4.1 point 2).
func (s *Store) UpdateProgress(ctx context.Context, taskID string, in UpdateProgressInput) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin progress tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		task, err := getTaskTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if task.Status == TaskClaimed {
			if _, _, err := transitionTaskTx(ctx, tx, taskID, []TaskStatus{TaskClaimed}, TaskRunning); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `UPDATE tasks SET started_at = ? WHERE id = ?;`, time.Now().UTC(), taskID); err != nil {
				return fmt.Errorf("set started_at: %w", err)
			}
			if task.CardID != "" {
				if err := setCardAgentStatusTx(ctx, tx, task.CardID, AgentStatusRunning); err != nil {
					return err
				}
			}
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE tasks SET progress_text = ?, progress_step = ?, progress_total = ?, progress_phase = ? WHERE id = ?;
		`, in.ProgressText, in.Step, in.TotalSteps, in.Phase, taskID)
		if err != nil {
			return fmt.Errorf("update progress fields: %w", err)
		}
		return tx.Commit()
	})
}

// outcomeFor classifies a terminal transition for the cascade (§4.3 point 2):
// an explicit fail, or a reviewer agent whose output begins with the
// rejection prefix, both route through the failure path.
func outcomeFor(status TaskStatus, agentType, outputText string) automation.Outcome {
	if status == TaskFailed {
		return automation.OutcomeFailure
	}
	if agentType == "reviewer" && automation.IsRejection(outputText) {
		return automation.OutcomeRejected
	}
	return automation.OutcomeSuccess
}

// finishTaskTx is the shared terminal-transition path for CompleteTask and
// FailTask: it performs the state transition, writes output/error, updates
// the card mirror (I3), runs the Completion Cascade (§4.3), and — when the
// cascade routes the card into an auto-run column — re-evaluates the
// Automation Trigger for that destination, all inside one transaction (I6).
func (s *Store) finishTaskTx(ctx context.Context, taskID string, to TaskStatus, outputText, errorSummary, resultDataJSON string) (*Task, error) {
	var final *Task
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin finish tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		ok, task, err := transitionTaskTx(ctx, tx, taskID, []TaskStatus{TaskClaimed, TaskRunning}, to)
		if err != nil {
			return err
		}
		if !ok {
			final = task
			return nil // stale/conflicting transition: not an error (§7 Conflict)
		}

		if resultDataJSON == "" {
			resultDataJSON = "{}"
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET output_text = ?, error_summary = ?, result_data_json = ?, completed_at = ? WHERE id = ?;
		`, outputText, errorSummary, resultDataJSON, time.Now().UTC(), taskID); err != nil {
			return fmt.Errorf("write terminal task fields: %w", err)
		}

		if task.CardID == "" {
			final, err = getTaskTx(ctx, tx, taskID)
			if err != nil {
				return err
			}
			return tx.Commit()
		}

		outcome := outcomeFor(to, task.AgentType, outputText)
		card, err := getCardTx(ctx, tx, task.CardID)
		if err != nil {
			return err
		}
		board, err := scanBoard(tx.QueryRowContext(ctx, `
			SELECT id, name, description, owner_id, settings_json, created_at, updated_at FROM boards WHERE id = ?;
		`, task.BoardID))
		if err != nil {
			return err
		}

		mirrorStatus := AgentStatusCompleted
		if outcome != automation.OutcomeSuccess {
			mirrorStatus = AgentStatusFailed
		}
		if err := setCardAgentStatusTx(ctx, tx, task.CardID, mirrorStatus); err != nil {
			return err
		}

		var destColumn *Column
		cascadeIn := automation.CascadeInput{
			Outcome:              outcome,
			TargetColumnID:       task.TargetColumnID,
			FailureColumnID:      task.FailureColumnID,
			TaskAgentType:        task.AgentType,
			GitLabAutoPush:       board.Settings.GitLabAutoPush,
			GitLabPushOnComplete: board.Settings.GitLabPushOnComplete,
			GitLabProjectID:      board.Settings.GitLabProjectID,
			GitLabProjectPath:    board.Settings.GitLabProjectPath,
			GitLabDefaultBranch:  board.Settings.GitLabDefaultBranch,
			GitLabMRPrefix:       board.Settings.GitLabMRPrefix,
		}
		if task.TargetColumnID != "" || task.FailureColumnID != "" {
			candidateID := task.TargetColumnID
			if outcome != automation.OutcomeSuccess {
				candidateID = task.FailureColumnID
			}
			if candidateID != "" {
				destColumn, err = scanColumn(tx.QueryRowContext(ctx, `SELECT `+columnColumns+` FROM columns WHERE id = ?;`, candidateID))
				if err != nil {
					return err
				}
				cascadeIn.DestColumnIsTerminal = destColumn.Terminal()
			}
		}

		cascade := automation.EvaluateCascade(cascadeIn)

		if cascade.MoveToColumnID != "" {
			if err := moveCardTx(ctx, tx, task.CardID, cascade.MoveToColumnID); err != nil {
				return err
			}
			if !cascade.SkipAutomation && destColumn != nil {
				priorCount, err := countPriorTasksTx(ctx, tx, task.CardID, destColumn.ID)
				if err != nil {
					return err
				}
				trig := automation.EvaluateTrigger(triggerInputFor(*card, *destColumn, task.AssignedTo, priorCount))
				if trig.Fire {
					if _, err := createTaskTx(ctx, tx, trig.NewTask); err != nil {
						return err
					}
					if err := setCardAgentStatusTx(ctx, tx, task.CardID, AgentStatusPending); err != nil {
						return err
					}
				}
			}
		}

		if cascade.EnqueueGitLabPush {
			pushPayload := fmt.Sprintf(
				`{"project_id":%d,"project_path":%q,"default_branch":%q,"mr_prefix":%q,"create_mr":%t}`,
				cascade.GitLabPush.ProjectID, cascade.GitLabPush.ProjectPath,
				cascade.GitLabPush.DefaultBranch, cascade.GitLabPush.MRPrefix, cascade.GitLabPush.CreateMR,
			)
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO tasks (id, board_id, card_id, task_type, status, payload_json, assigned_to)
				VALUES (?, ?, ?, ?, ?, ?, ?);
			`, uuid.NewString(), task.BoardID, task.CardID, string(TaskGitLabPush), string(TaskPending), pushPayload, task.AssignedTo); err != nil {
				return fmt.Errorf("insert chained gitlab_push task: %w", err)
			}
		}

		final, err = getTaskTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	topic := bus.TopicTaskCompleted
	if to == TaskFailed {
		topic = bus.TopicTaskFailed
	}
	if final != nil {
		s.publish(topic, bus.TaskStateChangedEvent{TaskID: final.ID, BoardID: final.BoardID, CardID: final.CardID, NewStatus: string(to)})
	}
	return final, nil
}

// CompleteTask records output and runs the Completion Cascade (§4.1, §4.3, I6).
func (s *Store) CompleteTask(ctx context.Context, taskID, outputText, resultDataJSON string) (*Task, error) {
	return s.finishTaskTx(ctx, taskID, TaskCompleted, outputText, "", resultDataJSON)
}

// FailTask mirrors CompleteTask but uses the failure routing path (§4.1, §4.3).
func (s *Store) FailTask(ctx context.Context, taskID, errorSummary, partialOutput string) (*Task, error) {
	return s.finishTaskTx(ctx, taskID, TaskFailed, partialOutput, errorSummary, "")
}

// CancelTask clears the card mirror and transitions a non-terminal task to
// cancelled (§4.1 point 5).
func (s *Store) CancelTask(ctx context.Context, taskID string) (bool, error) {
	var cancelled bool
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin cancel tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		ok, task, err := transitionTaskTx(ctx, tx, taskID, []TaskStatus{TaskPending, TaskClaimed, TaskRunning}, TaskCancelled)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if task.CardID != "" {
			if err := setCardAgentStatusTx(ctx, tx, task.CardID, AgentStatusNone); err != nil {
				return err
			}
		}
		cancelled = true
		return tx.Commit()
	})
	if err != nil {
		return false, err
	}
	if cancelled {
		s.publish(bus.TopicTaskCancelled, bus.TaskStateChangedEvent{TaskID: taskID, NewStatus: string(TaskCancelled)})
	}
	return cancelled, nil
}

// RequestCancel records a user-initiated cancel request for a running task so
// the next heartbeat can surface it via directives.cancel_task_ids (§4.4,
// §5 "User-initiated" cancellation). It does not itself change task status;
// CancelTask (called by the worker's own teardown, or this path once the
// worker acts on the directive) does that.
func (s *Store) RequestCancel(ctx context.Context, workerID, taskID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO worker_cancel_requests (worker_id, task_id) VALUES (?, ?)
		ON CONFLICT(worker_id, task_id) DO NOTHING;
	`, workerID, taskID)
	if err != nil {
		return fmt.Errorf("record cancel request: %w", err)
	}
	return nil
}

// PollTasks returns the top-N pending tasks assigned to userID, ordered
// (priority DESC, created_at ASC) per §4.1/§6. Never returns an error for
// "nothing pending" (P9) — an empty slice is the normal result.
func (s *Store) PollTasks(ctx context.Context, userID string, limit int) ([]Task, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE status = ? AND assigned_to = ?
		ORDER BY priority DESC, created_at ASC
		LIMIT ?;
	`, string(TaskPending), userID, limit)
	if err != nil {
		return nil, fmt.Errorf("poll tasks: %w", err)
	}
	defer rows.Close()
	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}
