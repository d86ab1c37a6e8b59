package failures

import (
	"context"
	"crypto/md5"
	"database/sql"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store is the sqlite-backed failure-learning database (memory/failures.py's
// FailureLearning), following the single-connection discipline of
// internal/store.Store.
type Store struct {
	db *sql.DB
}

// DefaultDBPath returns ~/.kira/failures.db.
func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".kira", "failures.db")
}

// Open creates or opens the failure-learning database at path
// (DefaultDBPath if empty).
func Open(path string) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) configurePragmas(ctx context.Context) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
	}
	for _, p := range pragmas {
		if _, err := s.db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("set pragma %q: %w", p, err)
		}
	}
	return nil
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS schema_migrations (
	version    INTEGER PRIMARY KEY,
	applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS failures (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	error_hash       TEXT NOT NULL UNIQUE,
	error_type       TEXT NOT NULL,
	error_message    TEXT NOT NULL,
	context          TEXT NOT NULL DEFAULT '',
	solution         TEXT NOT NULL DEFAULT '',
	task_keywords    TEXT NOT NULL DEFAULT '[]',
	file_patterns    TEXT NOT NULL DEFAULT '[]',
	created_at       TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	occurrence_count INTEGER NOT NULL DEFAULT 1,
	last_occurred    TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_failures_error_type ON failures(error_type);
CREATE INDEX IF NOT EXISTS idx_failures_error_hash ON failures(error_hash);
`

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range strings.Split(schemaDDL, ";\n") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, stmt+";"); err != nil {
			return fmt.Errorf("exec schema stmt: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO schema_migrations (version) VALUES (1)
		ON CONFLICT(version) DO NOTHING;
	`); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	return tx.Commit()
}

func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 25 * time.Millisecond
	const maxDelay = 400 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay/2) + 1))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}

func errorHash(errorType, errorMessage string) string {
	truncated := errorMessage
	if len(truncated) > 100 {
		truncated = truncated[:100]
	}
	sum := md5.Sum([]byte(errorType + ":" + truncated))
	return fmt.Sprintf("%x", sum)
}

// RecordFailure upserts a failure pattern: a new error_hash inserts a fresh
// row, a repeat bumps occurrence_count and refreshes solution/last_occurred
// (memory/failures.py's record_failure).
func (s *Store) RecordFailure(ctx context.Context, errorType, errorMessage, taskContext, solution string, taskKeywords, filePatterns []string) (int64, error) {
	if taskKeywords == nil {
		taskKeywords = extractKeywords(taskContext)
	}
	keywordsJSON, _ := json.Marshal(taskKeywords)
	patternsJSON, _ := json.Marshal(filePatterns)
	hash := errorHash(errorType, errorMessage)

	var id int64
	err := retryOnBusy(ctx, 3, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		row := tx.QueryRowContext(ctx, `SELECT id FROM failures WHERE error_hash = ?`, hash)
		var existingID int64
		scanErr := row.Scan(&existingID)
		switch scanErr {
		case nil:
			_, err = tx.ExecContext(ctx, `
				UPDATE failures
				SET occurrence_count = occurrence_count + 1,
				    last_occurred = CURRENT_TIMESTAMP,
				    solution = CASE WHEN ? != '' THEN ? ELSE solution END
				WHERE id = ?`, solution, solution, existingID)
			id = existingID
		case sql.ErrNoRows:
			res, insErr := tx.ExecContext(ctx, `
				INSERT INTO failures (error_hash, error_type, error_message, context, solution, task_keywords, file_patterns)
				VALUES (?, ?, ?, ?, ?, ?, ?)`,
				hash, errorType, errorMessage, taskContext, solution, string(keywordsJSON), string(patternsJSON))
			if insErr != nil {
				return insErr
			}
			id, err = res.LastInsertId()
		default:
			return scanErr
		}
		if err != nil {
			return err
		}
		return tx.Commit()
	})
	return id, err
}

// RecordSolution attaches a solution to a previously recorded failure.
func (s *Store) RecordSolution(ctx context.Context, failureID int64, solution string) error {
	return retryOnBusy(ctx, 3, func() error {
		_, err := s.db.ExecContext(ctx, `UPDATE failures SET solution = ? WHERE id = ?`, solution, failureID)
		return err
	})
}

// GetRelevantWarnings fetches the top 50 most-frequent/most-recent
// failures, scores each against task/files, and returns the top `limit`
// scoring at least minScore (memory/failures.py's get_relevant_warnings).
func (s *Store) GetRelevantWarnings(ctx context.Context, task string, files []string, minScore float64, limit int) ([]Pattern, error) {
	if limit <= 0 {
		limit = 3
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, error_type, error_message, context, solution, task_keywords, file_patterns, occurrence_count
		FROM failures
		ORDER BY occurrence_count DESC, last_occurred DESC
		LIMIT 50`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	type scored struct {
		p     Pattern
		score float64
	}
	var candidates []scored
	for rows.Next() {
		var p Pattern
		var keywordsJSON, patternsJSON string
		if err := rows.Scan(&p.ID, &p.ErrorType, &p.ErrorMessage, &p.Context, &p.Solution, &keywordsJSON, &patternsJSON, &p.OccurrenceCount); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(keywordsJSON), &p.TaskKeywords)
		_ = json.Unmarshal([]byte(patternsJSON), &p.FilePatterns)

		score := p.MatchesContext(task, files)
		if score >= minScore {
			candidates = append(candidates, scored{p: p, score: score})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := 0; i < len(candidates); i++ {
		for j := i + 1; j < len(candidates); j++ {
			if candidates[j].score > candidates[i].score {
				candidates[i], candidates[j] = candidates[j], candidates[i]
			}
		}
	}

	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	out := make([]Pattern, len(candidates))
	for i, c := range candidates {
		out[i] = c.p
	}
	return out, nil
}

// GetContextString formats relevant warnings for injection into an agent
// prompt, or "" if none are relevant (memory/failures.py's get_context_string).
func (s *Store) GetContextString(ctx context.Context, task string, files []string) (string, error) {
	warnings, err := s.GetRelevantWarnings(ctx, task, files, 0.3, 3)
	if err != nil {
		return "", err
	}
	if len(warnings) == 0 {
		return "", nil
	}
	var lines []string
	for _, w := range warnings {
		lines = append(lines, w.ToWarning())
	}
	return "# Past Failures to Avoid\n\n" + strings.Join(lines, "\n"), nil
}

// Stats summarizes the failure-learning database (memory/failures.py's
// get_stats).
type Stats struct {
	Total          int
	WithSolutions  int
	ByType         map[string]int
}

// GetStats reports aggregate counts over the failures table.
func (s *Store) GetStats(ctx context.Context) (Stats, error) {
	stats := Stats{ByType: make(map[string]int)}

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM failures`).Scan(&stats.Total); err != nil {
		return stats, err
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM failures WHERE solution != ''`).Scan(&stats.WithSolutions); err != nil {
		return stats, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT error_type, COUNT(*) FROM failures GROUP BY error_type`)
	if err != nil {
		return stats, err
	}
	defer rows.Close()
	for rows.Next() {
		var errType string
		var count int
		if err := rows.Scan(&errType, &count); err != nil {
			return stats, err
		}
		stats.ByType[errType] = count
	}
	return stats, rows.Err()
}
