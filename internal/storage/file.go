package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"jobrunner/internal/jobs"
	logx "jobrunner/pkg/logx"
)

const compactEvery = 1000

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.completions.jsonl (append-only JSON Lines)
//
// With Retain > 0 the file is periodically rewritten to the newest Retain lines.
type fileStore struct {
	log logx.Logger

	mu     sync.Mutex
	path   string
	f      *os.File
	retain int
	writes int
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	p := prefix + ".completions.jsonl"
	f, err := os.OpenFile(p, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	return &fileStore{log: log, path: p, f: f, retain: cfg.Retain}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

func (s *fileStore) AddMemory(ctx context.Context, rec jobs.MemoryRecord) error {
	_ = ctx
	b, err := json.Marshal(Entry{At: time.Now().UTC(), MemoryRecord: sanitize(rec)})
	if err != nil {
		return fmt.Errorf("storage: encode: %w", err)
	}
	b = append(b, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return errors.New("completions file closed")
	}
	if _, err := s.f.Write(b); err != nil {
		return err
	}
	s.writes++
	if s.retain > 0 && s.writes%compactEvery == 0 {
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("completions compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) Recent(ctx context.Context, limit int) ([]Entry, error) {
	_ = ctx
	if limit <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	lines, err := tailLines(s.path, limit)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(lines))
	for _, ln := range lines {
		var e Entry
		if err := json.Unmarshal(ln, &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *fileStore) compactLocked() error {
	if s.f == nil {
		return nil
	}
	lines, err := tailLines(s.path, s.retain)
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	for _, ln := range lines {
		_, _ = w.Write(ln)
		_ = w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return err
	}
	nf, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	_ = s.f.Close()
	s.f = nf
	return nil
}

// tailLines returns the last n non-empty lines of path, oldest first.
func tailLines(path string, n int) ([][]byte, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	buf := make([][]byte, 0, n)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4<<20)
	for sc.Scan() {
		ln := sc.Bytes()
		if len(strings.TrimSpace(string(ln))) == 0 {
			continue
		}
		cp := append([]byte(nil), ln...)
		if len(buf) == n {
			copy(buf, buf[1:])
			buf[n-1] = cp
			continue
		}
		buf = append(buf, cp)
	}
	return buf, sc.Err()
}

// sanitize makes the result JSON-encodable; values that cannot be encoded are
// stored as their fmt representation.
func sanitize(rec jobs.MemoryRecord) jobs.MemoryRecord {
	if rec.Result != nil {
		if _, err := json.Marshal(rec.Result); err != nil {
			rec.Result = fmt.Sprint(rec.Result)
		}
	}
	if len(rec.LLM) > 0 {
		if _, err := json.Marshal(rec.LLM); err != nil {
			rec.LLM = map[string]any{"unencodable": fmt.Sprint(rec.LLM)}
		}
	}
	return rec
}
