// Package storage persists drained job completions.
//
// It is the memory sink behind jobs.Manager.DrainToMemory. Two drivers exist:
//   - file: append-only JSON Lines, compacted to the newest records
//   - sqlite: a single table in a SQLite database (modernc.org/sqlite, no cgo)
package storage
