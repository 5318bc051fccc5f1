package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/paulmach/orb"

	"consensus_auction/internal/domain"

	_ "modernc.org/sqlite"
)

var ErrRunNotFound = errors.New("run not found")

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	protocol TEXT NOT NULL,
	status TEXT NOT NULL,
	converged INTEGER NOT NULL DEFAULT 0,
	rounds INTEGER NOT NULL DEFAULT 0,
	reason TEXT NOT NULL DEFAULT '',
	agent_count INTEGER NOT NULL,
	task_count INTEGER NOT NULL,
	paths TEXT NOT NULL DEFAULT '{}',
	elapsed_ms INTEGER NOT NULL DEFAULT 0,
	started_at INTEGER NOT NULL,
	finished_at INTEGER NULL
);
CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);

CREATE TABLE IF NOT EXISTS tasks (
	run_id TEXT NOT NULL,
	task_id INTEGER NOT NULL,
	x REAL NOT NULL,
	y REAL NOT NULL,
	PRIMARY KEY(run_id, task_id),
	FOREIGN KEY(run_id) REFERENCES runs(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS agent_state (
	run_id TEXT NOT NULL,
	agent_id INTEGER NOT NULL,
	x REAL NOT NULL,
	y REAL NOT NULL,
	round INTEGER NOT NULL DEFAULT 0,
	path TEXT NOT NULL DEFAULT '[]',
	bundle TEXT NOT NULL DEFAULT '[]',
	winning_bids TEXT NOT NULL DEFAULT '[]',
	winners TEXT NOT NULL DEFAULT '[]',
	converged INTEGER NOT NULL DEFAULT 0,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY(run_id, agent_id),
	FOREIGN KEY(run_id) REFERENCES runs(id) ON DELETE CASCADE
);
`

// Store persists run summaries and the latest per-agent consensus state.
// It satisfies the orchestrator's Sink.
type Store struct {
	db *sql.DB
}

func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set sqlite pragma %q: %w", stmt, err)
		}
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

// BeginRun records a new run together with its task and agent positions.
func (s *Store) BeginRun(ctx context.Context, runID string, protocol domain.Protocol, scenario domain.Scenario) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx create run: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	now := time.Now().UTC().Unix()
	if _, err := tx.ExecContext(
		ctx,
		`INSERT INTO runs(id, protocol, status, agent_count, task_count, started_at)
		VALUES(?, ?, ?, ?, ?, ?)`,
		runID, string(protocol), string(domain.RunStatusRunning), len(scenario.Agents), len(scenario.Tasks), now,
	); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	for j, p := range scenario.Tasks {
		if _, err := tx.ExecContext(ctx, `INSERT INTO tasks(run_id, task_id, x, y) VALUES(?, ?, ?, ?)`, runID, j, p.X(), p.Y()); err != nil {
			return fmt.Errorf("insert task %d: %w", j, err)
		}
	}
	for i, p := range scenario.Agents {
		if _, err := tx.ExecContext(
			ctx,
			`INSERT INTO agent_state(run_id, agent_id, x, y, updated_at) VALUES(?, ?, ?, ?, ?)`,
			runID, i, p.X(), p.Y(), now,
		); err != nil {
			return fmt.Errorf("insert agent %d: %w", i, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create run: %w", err)
	}
	return nil
}

// ObserveRound overwrites each agent's row with its state after the round.
func (s *Store) ObserveRound(ctx context.Context, snap domain.RoundSnapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx observe round: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	res, err := tx.ExecContext(ctx, `UPDATE runs SET rounds = ? WHERE id = ?`, snap.Round, snap.RunID)
	if err != nil {
		return fmt.Errorf("update run rounds: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, snap.RunID)
	}

	at := snap.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	for _, a := range snap.Agents {
		path, err := json.Marshal(nonNil(a.Path))
		if err != nil {
			return fmt.Errorf("encode path of agent %d: %w", a.AgentID, err)
		}
		bundle, err := json.Marshal(nonNil(a.Bundle))
		if err != nil {
			return fmt.Errorf("encode bundle of agent %d: %w", a.AgentID, err)
		}
		bids, err := json.Marshal(encodeBids(a.WinningBids))
		if err != nil {
			return fmt.Errorf("encode bids of agent %d: %w", a.AgentID, err)
		}
		winners, err := json.Marshal(nonNil(a.Winners))
		if err != nil {
			return fmt.Errorf("encode winners of agent %d: %w", a.AgentID, err)
		}
		if _, err := tx.ExecContext(
			ctx,
			`INSERT INTO agent_state(run_id, agent_id, x, y, round, path, bundle, winning_bids, winners, converged, updated_at)
			VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(run_id, agent_id) DO UPDATE SET
				round = excluded.round,
				path = excluded.path,
				bundle = excluded.bundle,
				winning_bids = excluded.winning_bids,
				winners = excluded.winners,
				converged = excluded.converged,
				updated_at = excluded.updated_at`,
			snap.RunID, a.AgentID, a.Position.X(), a.Position.Y(), snap.Round,
			string(path), string(bundle), string(bids), string(winners), boolToInt(a.Converged), at.Unix(),
		); err != nil {
			return fmt.Errorf("upsert agent %d: %w", a.AgentID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit observe round: %w", err)
	}
	return nil
}

func (s *Store) FinishRun(ctx context.Context, out domain.Outcome) error {
	paths, err := json.Marshal(out.Paths)
	if err != nil {
		return fmt.Errorf("encode paths: %w", err)
	}
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE runs SET status = ?, converged = ?, rounds = ?, reason = ?, paths = ?, elapsed_ms = ?, finished_at = ?
		WHERE id = ?`,
		string(out.Status), boolToInt(out.Converged), out.Rounds, out.Reason, string(paths),
		out.Elapsed.Milliseconds(), time.Now().UTC().Unix(), out.RunID,
	)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, out.RunID)
	}
	return nil
}

const runColumns = `id, protocol, status, converged, rounds, reason, agent_count, task_count,
	paths, elapsed_ms, started_at, finished_at`

func (s *Store) GetRun(ctx context.Context, runID string) (domain.RunRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, runID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.RunRecord{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return domain.RunRecord{}, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// ListRuns returns the most recent runs first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]domain.RunRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+runColumns+` FROM runs ORDER BY started_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	result := make([]domain.RunRecord, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		result = append(result, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return result, nil
}

func (s *Store) ListTasks(ctx context.Context, runID string) ([]orb.Point, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT x, y FROM tasks WHERE run_id = ? ORDER BY task_id`, runID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []orb.Point
	for rows.Next() {
		var p orb.Point
		if err := rows.Scan(&p[0], &p[1]); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return tasks, nil
}

func (s *Store) ListAgentStates(ctx context.Context, runID string) ([]domain.AgentState, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT agent_id, x, y, round, path, bundle, winning_bids, winners, converged, updated_at
		FROM agent_state WHERE run_id = ? ORDER BY agent_id`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("list agent states: %w", err)
	}
	defer rows.Close()

	var states []domain.AgentState
	for rows.Next() {
		st := domain.AgentState{RunID: runID}
		var path, bundle, bids, winners string
		var converged int
		var updated int64
		if err := rows.Scan(
			&st.AgentID, &st.Position[0], &st.Position[1], &st.Round,
			&path, &bundle, &bids, &winners, &converged, &updated,
		); err != nil {
			return nil, fmt.Errorf("scan agent state: %w", err)
		}
		if err := json.Unmarshal([]byte(path), &st.Path); err != nil {
			return nil, fmt.Errorf("decode path of agent %d: %w", st.AgentID, err)
		}
		if err := json.Unmarshal([]byte(bundle), &st.Bundle); err != nil {
			return nil, fmt.Errorf("decode bundle of agent %d: %w", st.AgentID, err)
		}
		if err := json.Unmarshal([]byte(winners), &st.Winners); err != nil {
			return nil, fmt.Errorf("decode winners of agent %d: %w", st.AgentID, err)
		}
		var raw []*float64
		if err := json.Unmarshal([]byte(bids), &raw); err != nil {
			return nil, fmt.Errorf("decode bids of agent %d: %w", st.AgentID, err)
		}
		st.WinningBids = decodeBids(raw)
		st.Converged = converged != 0
		st.UpdatedAt = unixToTime(updated)
		states = append(states, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate agent states: %w", err)
	}
	return states, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (domain.RunRecord, error) {
	var r domain.RunRecord
	var protocol, status, paths string
	var converged int
	var elapsedMS, started int64
	var finished sql.NullInt64
	if err := row.Scan(
		&r.ID, &protocol, &status, &converged, &r.Rounds, &r.Reason, &r.AgentCount, &r.TaskCount,
		&paths, &elapsedMS, &started, &finished,
	); err != nil {
		return domain.RunRecord{}, err
	}
	if err := json.Unmarshal([]byte(paths), &r.Paths); err != nil {
		return domain.RunRecord{}, fmt.Errorf("decode paths: %w", err)
	}
	r.Protocol = domain.Protocol(protocol)
	r.Status = domain.RunStatus(status)
	r.Converged = converged != 0
	r.Elapsed = time.Duration(elapsedMS) * time.Millisecond
	r.StartedAt = unixToTime(started)
	r.FinishedAt = int64ToTimePtr(finished)
	return r, nil
}

// encodeBids maps the "no bid yet" value -Inf to JSON null.
func encodeBids(bids []float64) []*float64 {
	out := make([]*float64, len(bids))
	for i := range bids {
		if math.IsInf(bids[i], 0) || math.IsNaN(bids[i]) {
			continue
		}
		out[i] = &bids[i]
	}
	return out
}

func decodeBids(raw []*float64) []float64 {
	out := make([]float64, len(raw))
	for i, v := range raw {
		if v == nil {
			out[i] = math.Inf(-1)
			continue
		}
		out[i] = *v
	}
	return out
}

func nonNil(v []int) []int {
	if v == nil {
		return []int{}
	}
	return v
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func int64ToTimePtr(v sql.NullInt64) *time.Time {
	if !v.Valid || v.Int64 <= 0 {
		return nil
	}
	t := time.Unix(v.Int64, 0).UTC()
	return &t
}

func unixToTime(v int64) time.Time {
	return time.Unix(v, 0).UTC()
}
