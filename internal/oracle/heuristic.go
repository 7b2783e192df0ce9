package oracle

import (
	"context"
	"sort"
)

// Heuristic orders candidates deterministically: urgent first, then higher
// priority, then older submissions. Ties keep enqueue order.
type Heuristic struct{}

func (Heuristic) Prioritize(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	jobs := append([]Candidate(nil), req.Jobs...)
	sort.SliceStable(jobs, func(i, j int) bool {
		a, b := jobs[i], jobs[j]
		if a.Urgent != b.Urgent {
			return a.Urgent
		}
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		return a.Age > b.Age
	})
	out := &Response{PrioritizedJobs: make([]Selection, 0, len(jobs))}
	for i, c := range jobs {
		out.PrioritizedJobs = append(out.PrioritizedJobs, Selection{
			JobID: c.JobID,
			Notes: map[string]any{"strategy": "heuristic", "rank": i},
		})
	}
	return out, nil
}
