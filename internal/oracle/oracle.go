// Package oracle defines the prioritization contract consulted by job workers.
//
// An oracle receives a small batch of queued candidates plus recent history and
// per-queue budgets, and answers with an ordering. Implementations may be a fixed
// heuristic, a remote decision service, or a stub; callers treat errors and nil
// responses as "no decision this round".
package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
)

var (
	ErrThrottled = errors.New("oracle call throttled")
	ErrNoOracle  = errors.New("oracle not configured")
)

// Candidate is one queued job offered for ordering.
type Candidate struct {
	JobID          string  `json:"job_id"`
	Kind           string  `json:"kind"`
	Queue          string  `json:"queue"`
	Priority       float64 `json:"priority"`
	Urgent         bool    `json:"urgent"`
	Age            float64 `json:"age"` // seconds since submission
	RequestedQueue string  `json:"requested_queue"`
	Status         string  `json:"status"`
}

// HistoryEntry is a compact record of a recently finished job.
type HistoryEntry struct {
	JobID  string         `json:"job_id"`
	Queue  string         `json:"queue"`
	Status string         `json:"status"`
	Notes  map[string]any `json:"notes,omitempty"`
}

type Request struct {
	Queue   string         `json:"queue"`
	Jobs    []Candidate    `json:"jobs"`
	History []HistoryEntry `json:"history"`
	Budgets map[string]int `json:"budgets"`
}

// Selection references one job in the oracle's ordering. Every field of the
// reply entry other than job_id is kept in Notes.
type Selection struct {
	JobID string
	Notes map[string]any
}

func (s Selection) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(s.Notes)+1)
	for k, v := range s.Notes {
		m[k] = v
	}
	m["job_id"] = s.JobID
	return json.Marshal(m)
}

// UnmarshalJSON accepts any JSON value. Entries that are not objects or whose
// job_id is not a string decode to a Selection with an empty JobID.
func (s *Selection) UnmarshalJSON(b []byte) error {
	*s = Selection{}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil || m == nil {
		return nil
	}
	if id, ok := m["job_id"].(string); ok {
		s.JobID = id
	}
	delete(m, "job_id")
	if len(m) > 0 {
		s.Notes = m
	}
	return nil
}

type Response struct {
	PrioritizedJobs []Selection `json:"prioritized_jobs"`
}

// UnmarshalJSON tolerates any JSON shape. A reply that is not an object, or
// whose prioritized_jobs is missing or not a list, decodes to an empty ordering
// rather than an error, so the caller sees "answered, but no usable selection".
// Only bytes that are not JSON at all are an error.
func (r *Response) UnmarshalJSON(b []byte) error {
	*r = Response{}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		if json.Valid(b) {
			return nil
		}
		return err
	}
	pj, ok := raw["prioritized_jobs"]
	if !ok {
		return nil
	}
	pj = bytes.TrimSpace(pj)
	if len(pj) == 0 || pj[0] != '[' {
		return nil
	}
	var items []Selection
	if err := json.Unmarshal(pj, &items); err != nil {
		return nil
	}
	r.PrioritizedJobs = items
	return nil
}

// Oracle orders candidate jobs.
type Oracle interface {
	Prioritize(ctx context.Context, req Request) (*Response, error)
}

// Func adapts a function to the Oracle interface.
type Func func(ctx context.Context, req Request) (*Response, error)

func (f Func) Prioritize(ctx context.Context, req Request) (*Response, error) {
	if f == nil {
		return nil, ErrNoOracle
	}
	return f(ctx, req)
}

// Silent never answers.
var Silent Oracle = Func(func(ctx context.Context, req Request) (*Response, error) { return nil, nil })

// Select returns a response that orders exactly the given ids.
func Select(ids ...string) *Response {
	out := &Response{PrioritizedJobs: make([]Selection, 0, len(ids))}
	for _, id := range ids {
		out.PrioritizedJobs = append(out.PrioritizedJobs, Selection{JobID: id})
	}
	return out
}
