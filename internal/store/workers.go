package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kira-run/kira/internal/bus"
)

// RegisterWorkerInput is the §6 /workers/register payload.
type RegisterWorkerInput struct {
	UserID       string
	Hostname     string
	Version      string
	Capabilities []string
}

func scanWorker(row interface{ Scan(...any) error }) (*Worker, error) {
	var w Worker
	var capsJSON string
	if err := row.Scan(
		&w.ID, &w.UserID, &w.Hostname, &w.Version, &w.Status, &w.LastHeartbeat,
		&capsJSON, &w.PollIntervalSeconds, &w.MaxConcurrentTasks,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal([]byte(capsJSON), &w.Capabilities); err != nil {
		return nil, fmt.Errorf("decode capabilities: %w", err)
	}
	return &w, nil
}

const workerColumns = `id, user_id, hostname, version, status, last_heartbeat, capabilities_json, poll_interval_seconds, max_concurrent_tasks`

// RegisterWorker upserts-by-user (I5): a worker reconnecting under the same
// user reuses its row rather than creating a duplicate (P6). Returns the
// resulting row, including any standing poll_interval/max_concurrent_tasks
// overrides an operator has set on it.
func (s *Store) RegisterWorker(ctx context.Context, in RegisterWorkerInput) (*Worker, error) {
	if in.Capabilities == nil {
		in.Capabilities = []string{}
	}
	capsJSON, err := json.Marshal(in.Capabilities)
	if err != nil {
		return nil, fmt.Errorf("encode capabilities: %w", err)
	}

	var worker *Worker
	err = retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin register tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		existing, err := scanWorker(tx.QueryRowContext(ctx, `SELECT `+workerColumns+` FROM workers WHERE user_id = ?;`, in.UserID))
		switch {
		case errors.Is(err, ErrNotFound):
			id := uuid.NewString()
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO workers (id, user_id, hostname, version, status, last_heartbeat, capabilities_json)
				VALUES (?, ?, ?, ?, ?, ?, ?);
			`, id, in.UserID, in.Hostname, in.Version, string(WorkerOnline), time.Now().UTC(), string(capsJSON)); err != nil {
				return fmt.Errorf("insert worker: %w", err)
			}
			worker, err = scanWorker(tx.QueryRowContext(ctx, `SELECT `+workerColumns+` FROM workers WHERE id = ?;`, id))
			if err != nil {
				return err
			}
		case err != nil:
			return err
		default:
			if _, err := tx.ExecContext(ctx, `
				UPDATE workers SET hostname = ?, version = ?, status = ?, last_heartbeat = ?, capabilities_json = ?
				WHERE id = ?;
			`, in.Hostname, in.Version, string(WorkerOnline), time.Now().UTC(), string(capsJSON), existing.ID); err != nil {
				return fmt.Errorf("update worker on re-register: %w", err)
			}
			worker, err = scanWorker(tx.QueryRowContext(ctx, `SELECT `+workerColumns+` FROM workers WHERE id = ?;`, existing.ID))
			if err != nil {
				return err
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	return worker, nil
}

// GetWorker fetches a worker by id.
func (s *Store) GetWorker(ctx context.Context, id string) (*Worker, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+workerColumns+` FROM workers WHERE id = ?;`, id)
	return scanWorker(row)
}

// SetWorkerOverrides lets an operator set the poll_interval_seconds /
// max_concurrent_tasks overrides §4.4's register response mentions.
func (s *Store) SetWorkerOverrides(ctx context.Context, workerID string, pollIntervalSeconds, maxConcurrentTasks int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE workers SET poll_interval_seconds = ?, max_concurrent_tasks = ? WHERE id = ?;
	`, pollIntervalSeconds, maxConcurrentTasks, workerID)
	if err != nil {
		return fmt.Errorf("set worker overrides: %w", err)
	}
	return nil
}

// Heartbeat implements the §4.4/§6 heartbeat RPC: it marks the worker online,
// records its last-seen time, surfaces any pending cancel requests as
// directives, and reports a max_concurrent_tasks override if one is set.
// systemLoad is accepted but only logged upstream (the store itself has no
// load-shedding policy); runningTaskIDs is currently informational — it lets
// a future policy cross-check against what the store thinks is running.
func (s *Store) Heartbeat(ctx context.Context, workerID string, runningTaskIDs []string, systemLoad float64) (HeartbeatDirectives, error) {
	_ = runningTaskIDs
	_ = systemLoad

	var directives HeartbeatDirectives
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin heartbeat tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		worker, err := scanWorker(tx.QueryRowContext(ctx, `SELECT `+workerColumns+` FROM workers WHERE id = ?;`, workerID))
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE workers SET status = ?, last_heartbeat = ? WHERE id = ?;
		`, string(WorkerOnline), time.Now().UTC(), workerID); err != nil {
			return fmt.Errorf("update heartbeat: %w", err)
		}

		rows, err := tx.QueryContext(ctx, `SELECT task_id FROM worker_cancel_requests WHERE worker_id = ?;`, workerID)
		if err != nil {
			return fmt.Errorf("query cancel requests: %w", err)
		}
		var cancelIDs []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			cancelIDs = append(cancelIDs, id)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()
		if len(cancelIDs) > 0 {
			if _, err := tx.ExecContext(ctx, `DELETE FROM worker_cancel_requests WHERE worker_id = ?;`, workerID); err != nil {
				return fmt.Errorf("clear cancel requests: %w", err)
			}
		}

		directives = HeartbeatDirectives{
			CancelTaskIDs:      cancelIDs,
			MaxConcurrentTasks: worker.MaxConcurrentTasks,
		}
		return tx.Commit()
	})
	if err != nil {
		return HeartbeatDirectives{}, err
	}
	return directives, nil
}

// SweepStaleWorkers implements automation.WorkerSweepStore (§4.4): it demotes
// workers whose last heartbeat exceeds staleAfter to "stale", and workers
// past offlineAfter to "offline" — failing every task they held in
// {claimed, running} with "worker went offline" and running the cascade for
// each, atomically per worker (I6/P4).
func (s *Store) SweepStaleWorkers(ctx context.Context, staleAfter, offlineAfter time.Duration) (int, error) {
	now := time.Now().UTC()
	staleBefore := now.Add(-staleAfter)
	offlineBefore := now.Add(-offlineAfter)

	if _, err := s.db.ExecContext(ctx, `
		UPDATE workers SET status = ?
		WHERE status = ? AND last_heartbeat < ? AND last_heartbeat >= ?;
	`, string(WorkerStale), string(WorkerOnline), staleBefore, offlineBefore); err != nil {
		return 0, fmt.Errorf("demote stale workers: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM workers WHERE status IN (?, ?) AND last_heartbeat < ?;
	`, string(WorkerOnline), string(WorkerStale), offlineBefore)
	if err != nil {
		return 0, fmt.Errorf("find offline-candidate workers: %w", err)
	}
	var offlineIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		offlineIDs = append(offlineIDs, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, err
	}
	rows.Close()

	for _, workerID := range offlineIDs {
		if err := s.failWorkerTasksTx(ctx, workerID); err != nil {
			return 0, err
		}
	}
	return len(offlineIDs), nil
}

// failWorkerTasksTx transitions one worker to offline, collects every task it
// held in {claimed, running}, then fails each through the normal terminal
// path so the Completion Cascade runs for it (P4). The worker transition and
// task lookup happen in one transaction; each task's fail is its own
// transaction via FailTask, matching the cascade's usual atomicity unit.
func (s *Store) failWorkerTasksTx(ctx context.Context, workerID string) error {
	var taskIDs []string
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin offline tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `UPDATE workers SET status = ? WHERE id = ?;`, string(WorkerOffline), workerID); err != nil {
			return fmt.Errorf("mark worker offline: %w", err)
		}

		rows, err := tx.QueryContext(ctx, `
			SELECT id FROM tasks WHERE worker_id = ? AND status IN (?, ?);
		`, workerID, string(TaskClaimed), string(TaskRunning))
		if err != nil {
			return fmt.Errorf("find worker's in-flight tasks: %w", err)
		}
		taskIDs = nil
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			taskIDs = append(taskIDs, id)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()
		return tx.Commit()
	})
	if err != nil {
		return err
	}
	s.publish(bus.TopicWorkerOffline, bus.WorkerStatusEvent{WorkerID: workerID, Status: string(WorkerOffline)})
	for _, taskID := range taskIDs {
		if _, err := s.FailTask(ctx, taskID, "worker went offline", ""); err != nil {
			return fmt.Errorf("fail task %s on worker offline: %w", taskID, err)
		}
	}
	return nil
}
