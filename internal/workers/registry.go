package workers

import (
	"slices"
	"strings"
	"sync"
)

type entry struct {
	mu sync.Mutex
	w  Worker
}

// Registry owns the worker table. The map lock is held only for lookup and
// insert; each worker's fields are guarded by its entry lock.
type Registry struct {
	mu      sync.RWMutex
	workers map[string]*entry
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{workers: make(map[string]*entry)}
}

func (r *Registry) lookup(id string) *entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.workers[id]
}

// upsert returns the entry for id, creating it if needed.
func (r *Registry) upsert(id string) (e *entry, created bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e = r.workers[id]; e != nil {
		return e, false
	}
	e = &entry{w: Worker{ID: id}}
	r.workers[id] = e
	return e, true
}

func (r *Registry) entries() []*entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*entry, 0, len(r.workers))
	for _, e := range r.workers {
		out = append(out, e)
	}
	return out
}

// Get returns a copy of the worker, or false if it never registered.
func (r *Registry) Get(id string) (*Worker, bool) {
	e := r.lookup(id)
	if e == nil {
		return nil, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.w.clone(), true
}

// List returns copies of all workers sorted by id.
func (r *Registry) List() []*Worker {
	entries := r.entries()
	out := make([]*Worker, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.w.clone())
		e.mu.Unlock()
	}
	slices.SortFunc(out, func(a, b *Worker) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// Counts summarizes the table.
func (r *Registry) Counts() Counts {
	var c Counts
	for _, w := range r.List() {
		c.Total++
		switch {
		case w.Status == StatusUnreachable:
			c.Unreachable++
		case w.CurrentTask != "":
			c.Alive++
			c.Busy++
		default:
			c.Alive++
		}
	}
	return c
}

// Remove deletes a worker record. Dispatcher.ForgetUnreachable uses it for
// workers that never came back.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.workers[id]; !ok {
		return false
	}
	delete(r.workers, id)
	return true
}
