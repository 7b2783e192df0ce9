// Package jobkinds maps job kind names to job bodies so configured schedules
// can refer to work by name.
package jobkinds

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"jobrunner/internal/jobs"
)

type Registry struct {
	mu    sync.RWMutex
	kinds map[string]jobs.Func
}

// New returns a registry holding the built-in kinds (noop, echo, sleep).
func New() *Registry {
	r := &Registry{kinds: map[string]jobs.Func{}}
	r.MustRegister("noop", Noop)
	r.MustRegister("echo", Echo)
	r.MustRegister("sleep", Sleep)
	return r
}

// Register adds a kind. Names are case-insensitive and must be unique.
func (r *Registry) Register(name string, fn jobs.Func) error {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		return fmt.Errorf("job kind name required")
	}
	if fn == nil {
		return fmt.Errorf("job kind %q: nil body", key)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.kinds[key]; ok {
		return fmt.Errorf("job kind %q already registered", key)
	}
	r.kinds[key] = fn
	return nil
}

func (r *Registry) MustRegister(name string, fn jobs.Func) {
	if err := r.Register(name, fn); err != nil {
		panic(err)
	}
}

func (r *Registry) Lookup(kind string) (jobs.Func, bool) {
	r.mu.RLock()
	fn, ok := r.kinds[strings.ToLower(strings.TrimSpace(kind))]
	r.mu.RUnlock()
	return fn, ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.kinds))
	for k := range r.kinds {
		out = append(out, k)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}
