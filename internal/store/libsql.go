package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/beemflow/flow/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Secrets ---

func (s *LibSQLStore) StoreSecret(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO secrets (key, value, created_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value, rotated_at=CURRENT_TIMESTAMP`,
		key, value,
	)
	return err
}

func (s *LibSQLStore) GetSecret(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM secrets WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("secret", key)
	}
	return value, err
}

func (s *LibSQLStore) DeleteSecret(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM secrets WHERE key = ?`, key)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "secret", key)
}

func (s *LibSQLStore) ListSecrets(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM secrets ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *LibSQLStore) CreateRun(ctx context.Context, run *schema.Run) error {
	event, err := marshalOrNull(run.Event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	vars, err := marshalOrNull(run.Vars)
	if err != nil {
		return fmt.Errorf("marshal vars: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, flow_name, event, vars, status, started_at, ended_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.FlowName, event, vars, string(run.Status), run.StartedAt, nullTime(run.EndedAt),
	)
	return err
}

func (s *LibSQLStore) UpdateRunStatus(ctx context.Context, runID string, status schema.RunStatus, endedAt *time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, ended_at = ? WHERE id = ?`,
		string(status), nullTime(endedAt), runID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "run", runID)
}

func (s *LibSQLStore) GetRun(ctx context.Context, runID string) (*schema.Run, error) {
	var run schema.Run
	var event, vars sql.NullString
	var status string
	var endedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, flow_name, event, vars, status, started_at, ended_at FROM runs WHERE id = ?`, runID,
	).Scan(&run.ID, &run.FlowName, &event, &vars, &status, &run.StartedAt, &endedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("run", runID)
	}
	if err != nil {
		return nil, err
	}
	run.Status = schema.RunStatus(status)
	if endedAt.Valid {
		run.EndedAt = &endedAt.Time
	}
	if event.Valid {
		if err := json.Unmarshal([]byte(event.String), &run.Event); err != nil {
			return nil, fmt.Errorf("unmarshal event: %w", err)
		}
	}
	if vars.Valid {
		if err := json.Unmarshal([]byte(vars.String), &run.Vars); err != nil {
			return nil, fmt.Errorf("unmarshal vars: %w", err)
		}
	}
	return &run, nil
}

func (s *LibSQLStore) GetLatestSucceededRun(ctx context.Context, flowName string) (*schema.Run, error) {
	var run schema.Run
	var event, vars sql.NullString
	var status string
	var endedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, flow_name, event, vars, status, started_at, ended_at FROM runs
		 WHERE flow_name = ? AND status = ?
		 ORDER BY COALESCE(ended_at, started_at) DESC LIMIT 1`,
		flowName, string(schema.RunSucceeded),
	).Scan(&run.ID, &run.FlowName, &event, &vars, &status, &run.StartedAt, &endedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	run.Status = schema.RunStatus(status)
	if endedAt.Valid {
		run.EndedAt = &endedAt.Time
	}
	if event.Valid {
		if err := json.Unmarshal([]byte(event.String), &run.Event); err != nil {
			return nil, fmt.Errorf("unmarshal event: %w", err)
		}
	}
	if vars.Valid {
		if err := json.Unmarshal([]byte(vars.String), &run.Vars); err != nil {
			return nil, fmt.Errorf("unmarshal vars: %w", err)
		}
	}
	return &run, nil
}

func (s *LibSQLStore) CreateStep(ctx context.Context, step *schema.StepExecution) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO step_executions (id, run_id, step_name, status, started_at, ended_at, outputs, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		step.ID, step.RunID, step.StepName, string(step.Status), step.StartedAt, nullTime(step.EndedAt),
		nullRaw(step.Outputs), nullRaw(step.Error),
	)
	return err
}

func (s *LibSQLStore) UpdateStep(ctx context.Context, step *schema.StepExecution) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE step_executions SET status = ?, ended_at = ?, outputs = ?, error = ? WHERE id = ?`,
		string(step.Status), nullTime(step.EndedAt), nullRaw(step.Outputs), nullRaw(step.Error), step.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "step_execution", step.ID)
}

func (s *LibSQLStore) ListSteps(ctx context.Context, runID string) ([]*schema.StepExecution, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, step_name, status, started_at, ended_at, outputs, error FROM step_executions
		 WHERE run_id = ? ORDER BY started_at ASC`, runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []*schema.StepExecution
	for rows.Next() {
		var step schema.StepExecution
		var status string
		var endedAt sql.NullTime
		var outputs, errJSON sql.NullString
		if err := rows.Scan(&step.ID, &step.RunID, &step.StepName, &status, &step.StartedAt, &endedAt, &outputs, &errJSON); err != nil {
			return nil, err
		}
		step.Status = schema.StepExecutionStatus(status)
		if endedAt.Valid {
			step.EndedAt = &endedAt.Time
		}
		if outputs.Valid {
			step.Outputs = json.RawMessage(outputs.String)
		}
		if errJSON.Valid {
			step.Error = json.RawMessage(errJSON.String)
		}
		steps = append(steps, &step)
	}
	return steps, rows.Err()
}

func (s *LibSQLStore) SavePausedRun(ctx context.Context, token schema.WaitToken, state PausedRunState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal paused run state: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO paused_runs (token, state) VALUES (?, ?)
		 ON CONFLICT(token) DO UPDATE SET state = excluded.state`,
		string(token), string(data),
	)
	return err
}

func (s *LibSQLStore) LoadPausedRun(ctx context.Context, token schema.WaitToken) (PausedRunState, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT state FROM paused_runs WHERE token = ?`, string(token)).Scan(&raw)
	if err == sql.ErrNoRows {
		return PausedRunState{}, storeNotFound("paused_run", string(token))
	}
	if err != nil {
		return PausedRunState{}, err
	}
	var state PausedRunState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return PausedRunState{}, fmt.Errorf("unmarshal paused run state: %w", err)
	}
	return state, nil
}

func (s *LibSQLStore) DeletePausedRun(ctx context.Context, token schema.WaitToken) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM paused_runs WHERE token = ?`, string(token))
	return err
}

func (s *LibSQLStore) SaveWait(ctx context.Context, wait WaitRecord) error {
	matchJSON, err := marshalOrNull(wait.Match)
	if err != nil {
		return fmt.Errorf("marshal wait match: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO waits (token, run_id, wake_at_ms, source, match_json, timeout_at_ms) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(token) DO UPDATE SET run_id=excluded.run_id, wake_at_ms=excluded.wake_at_ms,
		 source=excluded.source, match_json=excluded.match_json, timeout_at_ms=excluded.timeout_at_ms`,
		string(wait.Token), wait.RunID, nullInt64(wait.WakeAtMS), nullStr(wait.Source), matchJSON, nullInt64(wait.TimeoutAtMS),
	)
	return err
}

func (s *LibSQLStore) ListWaitsDue(ctx context.Context, nowEpochMS int64) ([]WaitRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT token, run_id, wake_at_ms, source, match_json, timeout_at_ms FROM waits
		 WHERE (wake_at_ms IS NOT NULL AND wake_at_ms <= ?)
		    OR (timeout_at_ms IS NOT NULL AND timeout_at_ms <= ?)`,
		nowEpochMS, nowEpochMS,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var due []WaitRecord
	for rows.Next() {
		var (
			token, runID      string
			wakeAt, timeoutAt sql.NullInt64
			source, matchJSON sql.NullString
		)
		if err := rows.Scan(&token, &runID, &wakeAt, &source, &matchJSON, &timeoutAt); err != nil {
			return nil, err
		}
		w := WaitRecord{Token: schema.WaitToken(token), RunID: runID, WakeAtMS: wakeAt.Int64, Source: source.String, TimeoutAtMS: timeoutAt.Int64}
		if matchJSON.Valid && matchJSON.String != "" {
			_ = json.Unmarshal([]byte(matchJSON.String), &w.Match)
		}
		due = append(due, w)
	}
	return due, rows.Err()
}

func (s *LibSQLStore) DeleteWait(ctx context.Context, token schema.WaitToken) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM waits WHERE token = ?`, string(token))
	return err
}

func (s *LibSQLStore) SaveFlow(ctx context.Context, name string, content []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO flows (name, content) VALUES (?, ?)
		 ON CONFLICT(name) DO UPDATE SET content = excluded.content`,
		name, content,
	)
	return err
}

func (s *LibSQLStore) LoadFlow(ctx context.Context, name string) ([]byte, error) {
	var content []byte
	err := s.db.QueryRowContext(ctx, `SELECT content FROM flows WHERE name = ?`, name).Scan(&content)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("flow", name)
	}
	return content, err
}

func (s *LibSQLStore) ListFlows(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM flows ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *LibSQLStore) SaveFlowVersion(ctx context.Context, name, version string, content []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO flow_versions (name, version, content) VALUES (?, ?, ?)
		 ON CONFLICT(name, version) DO UPDATE SET content = excluded.content`,
		name, version, content,
	)
	return err
}

func (s *LibSQLStore) SetDeployedVersion(ctx context.Context, name, version string) error {
	var exists int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM flow_versions WHERE name = ? AND version = ?`, name, version,
	).Scan(&exists)
	if err != nil {
		return err
	}
	if exists == 0 {
		return storeNotFound("flow_version", name+"@"+version)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO deployed_flows (name, version) VALUES (?, ?)
		 ON CONFLICT(name) DO UPDATE SET version = excluded.version`,
		name, version,
	)
	return err
}

func (s *LibSQLStore) GetDeployed(ctx context.Context, name string) (FlowVersion, error) {
	var version string
	var content []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT dv.version, fv.content FROM deployed_flows dv
		 JOIN flow_versions fv ON fv.name = dv.name AND fv.version = dv.version
		 WHERE dv.name = ?`, name,
	).Scan(&version, &content)
	if err == sql.ErrNoRows {
		return FlowVersion{}, storeNotFound("deployed_flow", name)
	}
	if err != nil {
		return FlowVersion{}, err
	}
	return FlowVersion{Name: name, Version: version, Content: content}, nil
}

// storeNotFound builds a not-found FlowError for the given resource kind and id.
func storeNotFound(resource, id string) error {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt64(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func marshalOrNull(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}
