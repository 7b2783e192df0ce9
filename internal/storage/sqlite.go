package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"jobrunner/internal/jobs"
	logx "jobrunner/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db     *sql.DB
	log    logx.Logger
	retain int

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, retain: cfg.Retain, pruneEvery: 500}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AddMemory(ctx context.Context, rec jobs.MemoryRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	rec = sanitize(rec)
	result, err := jsonText(rec.Result)
	if err != nil {
		return err
	}
	llm, err := jsonText(rec.LLM)
	if err != nil {
		return err
	}
	var dur any
	if rec.Duration != nil {
		dur = *rec.Duration
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO completions(at, kind, job_id, status, queue, result, err, duration, llm)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		time.Now().UTC().Format(time.RFC3339Nano), rec.Kind, rec.JobID, rec.Status, rec.Queue,
		result, nullStr(rec.Error), dur, llm,
	)
	if err == nil && s.retain > 0 && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		if perr := s.prune(pctx); perr != nil {
			s.log.Debug("completions prune failed", logx.Err(perr))
		}
		cancel()
	}
	return err
}

func (s *sqliteStore) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT at, kind, job_id, status, queue, result, err, duration, llm
		 FROM completions ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			at, kind, jobID, status, queue string
			result, errText, llm          sql.NullString
			dur                           sql.NullFloat64
		)
		if err := rows.Scan(&at, &kind, &jobID, &status, &queue, &result, &errText, &dur, &llm); err != nil {
			return nil, err
		}
		e := Entry{MemoryRecord: jobs.MemoryRecord{
			Kind:   kind,
			JobID:  jobID,
			Status: status,
			Queue:  queue,
			Error:  errText.String,
		}}
		e.At, _ = time.Parse(time.RFC3339Nano, at)
		if dur.Valid {
			d := dur.Float64
			e.Duration = &d
		}
		if result.Valid {
			_ = json.Unmarshal([]byte(result.String), &e.Result)
		}
		if llm.Valid {
			_ = json.Unmarshal([]byte(llm.String), &e.LLM)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// newest first from the query; callers get oldest first
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *sqliteStore) prune(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM completions WHERE id <= (SELECT MAX(id) FROM completions) - ?`, s.retain)
	return err
}

func jsonText(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	if m, ok := v.(map[string]any); ok && len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("storage: encode: %w", err)
	}
	return string(b), nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
