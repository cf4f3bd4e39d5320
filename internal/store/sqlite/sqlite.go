package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/agentsh/autoapprove/internal/policy"
	"github.com/agentsh/autoapprove/internal/store"
)

const (
	defaultLimit = 100
	maxLimit     = 5000
)

type Store struct {
	db *sql.DB
}

var _ store.DecisionStore = (*Store)(nil)

func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir db dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA busy_timeout=5000;`,
		`CREATE TABLE IF NOT EXISTS decisions (
			id TEXT PRIMARY KEY,
			ts_unix_ns INTEGER NOT NULL,
			source TEXT NOT NULL,
			shell TEXT NOT NULL,
			verdict TEXT NOT NULL,
			command TEXT NOT NULL,
			rules_version INTEGER NOT NULL,
			payload_json TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_decisions_ts ON decisions(ts_unix_ns);`,
		`CREATE INDEX IF NOT EXISTS idx_decisions_verdict_ts ON decisions(verdict, ts_unix_ns);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlite migrate: %w", err)
		}
	}
	return nil
}

func (s *Store) AppendDecision(ctx context.Context, rec store.Record) error {
	if rec.ID == "" {
		return fmt.Errorf("decision missing id")
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal decision: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO decisions(
			id, ts_unix_ns, source, shell, verdict, command, rules_version, payload_json
		) VALUES(?,?,?,?,?,?,?,?);`,
		rec.ID,
		rec.Timestamp.UTC().UnixNano(),
		rec.Source,
		rec.Shell,
		rec.Verdict.String(),
		rec.CommandLine,
		rec.RulesVersion,
		string(b),
	)
	if err != nil {
		return fmt.Errorf("insert decision: %w", err)
	}
	return nil
}

func (s *Store) QueryDecisions(ctx context.Context, q store.Query) ([]store.Record, error) {
	where, args := filters(q.Verdict, q.Source, q.Since, q.Until, q.Contains)

	order := "DESC"
	if q.Asc {
		order = "ASC"
	}
	limit := q.Limit
	if limit <= 0 || limit > maxLimit {
		limit = defaultLimit
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT payload_json FROM decisions WHERE `+where+` ORDER BY ts_unix_ns `+order+`, id `+order+` LIMIT ? OFFSET ?`,
		append(args, limit, offset)...,
	)
	if err != nil {
		return nil, fmt.Errorf("query decisions: %w", err)
	}
	defer rows.Close()

	var out []store.Record
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		var rec store.Record
		if err := json.Unmarshal([]byte(payload), &rec); err != nil {
			return nil, fmt.Errorf("unmarshal decision: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query decisions rows: %w", err)
	}
	return out, nil
}

func (s *Store) CountByVerdict(ctx context.Context, since *time.Time) (map[policy.Verdict]int64, error) {
	where, args := filters(nil, "", since, nil, "")
	rows, err := s.db.QueryContext(ctx, `SELECT verdict, COUNT(*) FROM decisions WHERE `+where+` GROUP BY verdict`, args...)
	if err != nil {
		return nil, fmt.Errorf("count decisions: %w", err)
	}
	defer rows.Close()

	out := make(map[policy.Verdict]int64)
	for rows.Next() {
		var (
			name  string
			count int64
		)
		if err := rows.Scan(&name, &count); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		v, err := policy.ParseVerdict(name)
		if err != nil {
			return nil, err
		}
		out[v] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("count decisions rows: %w", err)
	}
	return out, nil
}

func (s *Store) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM decisions WHERE ts_unix_ns < ?`, before.UTC().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("prune decisions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune decisions: %w", err)
	}
	return n, nil
}

func filters(verdict *policy.Verdict, source string, since, until *time.Time, contains string) (string, []any) {
	where := []string{"1=1"}
	var args []any

	if verdict != nil {
		where = append(where, "verdict = ?")
		args = append(args, verdict.String())
	}
	if source != "" {
		where = append(where, "source = ?")
		args = append(args, source)
	}
	if since != nil {
		where = append(where, "ts_unix_ns >= ?")
		args = append(args, since.UTC().UnixNano())
	}
	if until != nil {
		where = append(where, "ts_unix_ns <= ?")
		args = append(args, until.UTC().UnixNano())
	}
	if contains != "" {
		where = append(where, "instr(command, ?) > 0")
		args = append(args, contains)
	}
	return strings.Join(where, " AND "), args
}
