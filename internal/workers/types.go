package workers

import (
	"encoding/json"
	"slices"
	"strings"
	"time"

	"github.com/gobwas/glob"

	"github.com/Iron-Ham/taskmesh/internal/errors"
)

// Status is a worker's liveness state.
type Status string

const (
	StatusAlive       Status = "alive"
	StatusUnreachable Status = "unreachable"
)

// Stats are host figures reported with heartbeats.
type Stats struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
}

// Info is what a worker declares when it registers.
type Info struct {
	ID           string
	Capabilities []string
	Hostname     string
	Version      string
}

// Worker is a snapshot of one registry entry.
type Worker struct {
	ID            string    `json:"id"`
	Capabilities  []string  `json:"capabilities"`
	Hostname      string    `json:"hostname,omitempty"`
	Version       string    `json:"version,omitempty"`
	Status        Status    `json:"status"`
	CurrentTask   string    `json:"current_task,omitempty"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	RegisteredAt  time.Time `json:"registered_at"`
	LastAssigned  time.Time `json:"last_assigned,omitzero"`
	Stats         *Stats    `json:"stats,omitempty"`

	caps capabilitySet
}

// Idle reports whether the worker can take a task.
func (w *Worker) Idle() bool {
	return w.Status == StatusAlive && w.CurrentTask == ""
}

// Supports reports whether the worker declared a capability matching
// taskType.
func (w *Worker) Supports(taskType string) bool {
	return w.caps.matches(taskType)
}

func (w *Worker) clone() *Worker {
	cp := *w
	cp.Capabilities = slices.Clone(w.Capabilities)
	if w.Stats != nil {
		s := *w.Stats
		cp.Stats = &s
	}
	return &cp
}

// capabilitySet holds exact task types plus glob patterns. A capability
// containing a glob metacharacter is a pattern: "data_*" matches
// "data_processing".
type capabilitySet struct {
	exact    map[string]bool
	patterns []glob.Glob
}

func compileCapabilities(caps []string) (capabilitySet, error) {
	set := capabilitySet{exact: make(map[string]bool, len(caps))}
	for _, c := range caps {
		c = strings.TrimSpace(c)
		if c == "" {
			return capabilitySet{}, errors.NewValidationError("capability must not be empty").WithField("capabilities")
		}
		if !strings.ContainsAny(c, "*?[{") {
			set.exact[c] = true
			continue
		}
		g, err := glob.Compile(c)
		if err != nil {
			return capabilitySet{}, errors.NewValidationError("invalid capability pattern").
				WithField("capabilities").WithValue(c).WithCause(err)
		}
		set.patterns = append(set.patterns, g)
	}
	return set, nil
}

func (s capabilitySet) matches(taskType string) bool {
	if s.exact[taskType] {
		return true
	}
	for _, g := range s.patterns {
		if g.Match(taskType) {
			return true
		}
	}
	return false
}

// Assignment is the result of a successful dispatch.
type Assignment struct {
	TaskID   string
	WorkerID string
	Type     string
	Payload  json.RawMessage
	Priority int
}

// Eviction records a worker marked unreachable and the task taken from it.
type Eviction struct {
	WorkerID string
	TaskID   string // requeued task, empty if the worker was idle
	Reason   string
}

// HeartbeatResult reports what a heartbeat changed.
type HeartbeatResult struct {
	Revived  bool
	Cleared  string // stale task reference dropped from the worker
	Requeued string // running task the worker no longer reports
	Dispatch bool   // the worker became idle; run a dispatch
}

// Counts summarizes the worker table.
type Counts struct {
	Total       int `json:"total"`
	Alive       int `json:"alive"`
	Busy        int `json:"busy"`
	Unreachable int `json:"unreachable"`
}
