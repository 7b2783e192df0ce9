package storage

import (
	"errors"
	"time"

	"jobrunner/internal/jobs"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines file next to Path (<prefix>.completions.jsonl)
//   - "sqlite": SQLite database file at Path
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default

	// Retain keeps at most this many records; older ones are pruned
	// periodically. 0 keeps everything.
	Retain int
}

// Entry is one stored completion summary.
type Entry struct {
	At time.Time `json:"at"`
	jobs.MemoryRecord
}
