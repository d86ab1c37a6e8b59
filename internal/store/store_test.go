package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir()+"/kira_test.db", nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedBoard(t *testing.T, s *Store) *Board {
	t.Helper()
	ctx := context.Background()
	if _, err := s.db.ExecContext(ctx, `INSERT INTO users (id, username) VALUES ('u-1', 'alice');`); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	board, err := s.CreateBoard(ctx, "Board", "desc", "u-1")
	if err != nil {
		t.Fatalf("create board: %v", err)
	}
	return board
}

func TestCreateAndGetBoard(t *testing.T) {
	s := newTestStore(t)
	board := seedBoard(t, s)

	got, err := s.GetBoard(context.Background(), board.ID)
	if err != nil {
		t.Fatalf("get board: %v", err)
	}
	if got.Name != "Board" {
		t.Fatalf("unexpected board name: %q", got.Name)
	}
}

func TestClaimTask_CASConflictReturnsAlreadyClaimed(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	board := seedBoard(t, s)

	task, err := s.CreateTask(ctx, CreateTaskInput{BoardID: board.ID, TaskType: TaskAgentRun, AssignedTo: "alice"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	if _, err := s.ClaimTask(ctx, task.ID, "worker-1"); err != nil {
		t.Fatalf("first claim should succeed: %v", err)
	}
	if _, err := s.ClaimTask(ctx, task.ID, "worker-2"); !errors.Is(err, ErrAlreadyClaimed) {
		t.Fatalf("expected ErrAlreadyClaimed on second claim, got %v", err)
	}
}

func TestPollTasks_OrdersByPriorityDescending(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	board := seedBoard(t, s)

	low, err := s.CreateTask(ctx, CreateTaskInput{BoardID: board.ID, TaskType: TaskAgentRun, AssignedTo: "alice", Priority: 1})
	if err != nil {
		t.Fatalf("create low priority task: %v", err)
	}
	high, err := s.CreateTask(ctx, CreateTaskInput{BoardID: board.ID, TaskType: TaskAgentRun, AssignedTo: "alice", Priority: 9})
	if err != nil {
		t.Fatalf("create high priority task: %v", err)
	}

	tasks, err := s.PollTasks(ctx, "alice", 10)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("expected 2 pending tasks, got %d", len(tasks))
	}
	if tasks[0].ID != high.ID || tasks[1].ID != low.ID {
		t.Fatalf("expected high priority first, got order %s, %s", tasks[0].ID, tasks[1].ID)
	}
}

func TestPollTasks_NeverReturnsClaimedTasks(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	board := seedBoard(t, s)

	task, err := s.CreateTask(ctx, CreateTaskInput{BoardID: board.ID, TaskType: TaskAgentRun, AssignedTo: "alice"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if _, err := s.ClaimTask(ctx, task.ID, "worker-1"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	tasks, err := s.PollTasks(ctx, "alice", 10)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(tasks) != 0 {
		t.Fatalf("expected no pending tasks after claim, got %d", len(tasks))
	}
}

func TestCompleteTask_MovesCardAndMirrorsAgentStatus(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	board := seedBoard(t, s)

	srcCol, err := s.CreateColumn(ctx, CreateColumnInput{BoardID: board.ID, Name: "Working"})
	if err != nil {
		t.Fatalf("create src column: %v", err)
	}
	doneCol, err := s.CreateColumn(ctx, CreateColumnInput{BoardID: board.ID, Name: "Done"})
	if err != nil {
		t.Fatalf("create done column: %v", err)
	}

	card, err := s.CreateCard(ctx, CreateCardInput{BoardID: board.ID, ColumnID: srcCol.ID, Title: "Do the thing"})
	if err != nil {
		t.Fatalf("create card: %v", err)
	}

	task, err := s.CreateTask(ctx, CreateTaskInput{
		BoardID: board.ID, CardID: card.ID, TaskType: TaskAgentRun, AssignedTo: "alice",
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE tasks SET target_column_id = ?, failure_column_id = ? WHERE id = ?;`, doneCol.ID, srcCol.ID, task.ID); err != nil {
		t.Fatalf("wire task routing: %v", err)
	}

	if _, err := s.ClaimTask(ctx, task.ID, "worker-1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := s.UpdateProgress(ctx, task.ID, UpdateProgressInput{ProgressText: "working"}); err != nil {
		t.Fatalf("progress: %v", err)
	}

	if _, err := s.CompleteTask(ctx, task.ID, "all done", ""); err != nil {
		t.Fatalf("complete: %v", err)
	}

	gotCard, err := s.GetCard(ctx, card.ID)
	if err != nil {
		t.Fatalf("get card: %v", err)
	}
	if gotCard.ColumnID != doneCol.ID {
		t.Fatalf("expected card to move to done column, got %q", gotCard.ColumnID)
	}
	if gotCard.AgentStatus != AgentStatusCompleted {
		t.Fatalf("expected agent_status completed, got %q", gotCard.AgentStatus)
	}
}

func TestCompleteTask_ReTriggersAutomationOnAutoRunDestination(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	board := seedBoard(t, s)

	srcCol, err := s.CreateColumn(ctx, CreateColumnInput{BoardID: board.ID, Name: "Plan"})
	if err != nil {
		t.Fatalf("create src column: %v", err)
	}
	nextCol, err := s.CreateColumn(ctx, CreateColumnInput{
		BoardID: board.ID, Name: "Code", AutoRun: true, AgentType: "coder", MaxLoopCount: 3,
	})
	if err != nil {
		t.Fatalf("create next column: %v", err)
	}

	card, err := s.CreateCard(ctx, CreateCardInput{BoardID: board.ID, ColumnID: srcCol.ID, Title: "Implement feature"})
	if err != nil {
		t.Fatalf("create card: %v", err)
	}

	task, err := s.CreateTask(ctx, CreateTaskInput{BoardID: board.ID, CardID: card.ID, TaskType: TaskBoardPlan, AssignedTo: "alice"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE tasks SET target_column_id = ? WHERE id = ?;`, nextCol.ID, task.ID); err != nil {
		t.Fatalf("wire routing: %v", err)
	}
	if _, err := s.ClaimTask(ctx, task.ID, "worker-1"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	if _, err := s.CompleteTask(ctx, task.ID, "plan ready", ""); err != nil {
		t.Fatalf("complete: %v", err)
	}

	followOn, err := s.PollTasks(ctx, "alice", 10)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(followOn) != 1 {
		t.Fatalf("expected automation to synthesize exactly one follow-on task, got %d", len(followOn))
	}
	if followOn[0].AgentType != "coder" {
		t.Fatalf("expected synthesized task to inherit coder agent type, got %q", followOn[0].AgentType)
	}
}

func TestFailTask_RoutesToFailureColumnAndSkipsAutomation(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	board := seedBoard(t, s)

	planCol, err := s.CreateColumn(ctx, CreateColumnInput{BoardID: board.ID, Name: "Plan"})
	if err != nil {
		t.Fatalf("create plan column: %v", err)
	}
	codeCol, err := s.CreateColumn(ctx, CreateColumnInput{
		BoardID: board.ID, Name: "Code", AutoRun: true, AgentType: "coder",
	})
	if err != nil {
		t.Fatalf("create code column: %v", err)
	}

	card, err := s.CreateCard(ctx, CreateCardInput{BoardID: board.ID, ColumnID: codeCol.ID, Title: "Fix bug"})
	if err != nil {
		t.Fatalf("create card: %v", err)
	}

	task, err := s.CreateTask(ctx, CreateTaskInput{BoardID: board.ID, CardID: card.ID, TaskType: TaskAgentRun, AssignedTo: "alice"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE tasks SET target_column_id = ?, failure_column_id = ? WHERE id = ?;`, codeCol.ID, planCol.ID, task.ID); err != nil {
		t.Fatalf("wire routing: %v", err)
	}
	if _, err := s.ClaimTask(ctx, task.ID, "worker-1"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	if _, err := s.FailTask(ctx, task.ID, "boom", "partial output"); err != nil {
		t.Fatalf("fail: %v", err)
	}

	gotCard, err := s.GetCard(ctx, card.ID)
	if err != nil {
		t.Fatalf("get card: %v", err)
	}
	if gotCard.ColumnID != planCol.ID {
		t.Fatalf("expected card routed to failure column, got %q", gotCard.ColumnID)
	}
	if gotCard.AgentStatus != AgentStatusFailed {
		t.Fatalf("expected agent_status failed, got %q", gotCard.AgentStatus)
	}
}

func TestCancelTask_ClearsCardMirror(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	board := seedBoard(t, s)
	col, err := s.CreateColumn(ctx, CreateColumnInput{BoardID: board.ID, Name: "Col"})
	if err != nil {
		t.Fatalf("create column: %v", err)
	}
	card, err := s.CreateCard(ctx, CreateCardInput{BoardID: board.ID, ColumnID: col.ID, Title: "Card"})
	if err != nil {
		t.Fatalf("create card: %v", err)
	}
	task, err := s.CreateTask(ctx, CreateTaskInput{BoardID: board.ID, CardID: card.ID, TaskType: TaskAgentRun, AssignedTo: "alice"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	ok, err := s.CancelTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if !ok {
		t.Fatal("expected cancel to succeed on a pending task")
	}

	gotCard, err := s.GetCard(ctx, card.ID)
	if err != nil {
		t.Fatalf("get card: %v", err)
	}
	if gotCard.AgentStatus != AgentStatusNone {
		t.Fatalf("expected agent_status cleared, got %q", gotCard.AgentStatus)
	}
}

func TestRegisterWorker_UpsertsByUser(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	if _, err := s.db.ExecContext(ctx, `INSERT INTO users (id, username) VALUES ('u-1', 'alice');`); err != nil {
		t.Fatalf("seed user: %v", err)
	}

	first, err := s.RegisterWorker(ctx, RegisterWorkerInput{UserID: "u-1", Hostname: "host-a"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	second, err := s.RegisterWorker(ctx, RegisterWorkerInput{UserID: "u-1", Hostname: "host-b"})
	if err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected re-registration to reuse the same worker row, got %s vs %s", first.ID, second.ID)
	}
	if second.Hostname != "host-b" {
		t.Fatalf("expected hostname updated on re-register, got %q", second.Hostname)
	}
}

func TestHeartbeat_ReturnsAndClearsCancelDirectives(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	if _, err := s.db.ExecContext(ctx, `INSERT INTO users (id, username) VALUES ('u-1', 'alice');`); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	worker, err := s.RegisterWorker(ctx, RegisterWorkerInput{UserID: "u-1"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := s.RequestCancel(ctx, worker.ID, "task-123"); err != nil {
		t.Fatalf("request cancel: %v", err)
	}

	directives, err := s.Heartbeat(ctx, worker.ID, nil, 0.1)
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if len(directives.CancelTaskIDs) != 1 || directives.CancelTaskIDs[0] != "task-123" {
		t.Fatalf("expected cancel directive for task-123, got %+v", directives.CancelTaskIDs)
	}

	directives, err = s.Heartbeat(ctx, worker.ID, nil, 0.1)
	if err != nil {
		t.Fatalf("second heartbeat: %v", err)
	}
	if len(directives.CancelTaskIDs) != 0 {
		t.Fatalf("expected cancel directives cleared after first delivery, got %+v", directives.CancelTaskIDs)
	}
}

func TestSweepStaleWorkers_FailsInFlightTasksOnOffline(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	board := seedBoard(t, s)
	if _, err := s.db.ExecContext(ctx, `INSERT INTO users (id, username) VALUES ('u-1', 'alice');`); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	worker, err := s.RegisterWorker(ctx, RegisterWorkerInput{UserID: "u-1"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	task, err := s.CreateTask(ctx, CreateTaskInput{BoardID: board.ID, TaskType: TaskAgentRun, AssignedTo: "u-1"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if _, err := s.ClaimTask(ctx, task.ID, worker.ID); err != nil {
		t.Fatalf("claim: %v", err)
	}

	longAgo := time.Now().UTC().Add(-10 * time.Minute)
	if _, err := s.db.ExecContext(ctx, `UPDATE workers SET last_heartbeat = ? WHERE id = ?;`, longAgo, worker.ID); err != nil {
		t.Fatalf("backdate heartbeat: %v", err)
	}

	n, err := s.SweepStaleWorkers(ctx, DefaultStaleAfterForTest, DefaultOfflineAfterForTest)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected exactly one worker transitioned offline, got %d", n)
	}

	gotTask, err := s.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if gotTask.Status != TaskFailed {
		t.Fatalf("expected task failed after worker went offline, got %q", gotTask.Status)
	}
	if gotTask.ErrorSummary != "worker went offline" {
		t.Fatalf("unexpected error summary: %q", gotTask.ErrorSummary)
	}
}

// DefaultStaleAfterForTest/DefaultOfflineAfterForTest keep the sweep test
// independent of automation's default constants (store must not import
// automation for thresholds; it only implements the interface).
const (
	DefaultStaleAfterForTest   = 90 * time.Second
	DefaultOfflineAfterForTest = 1 * time.Millisecond
)
