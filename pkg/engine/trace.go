package engine

import (
	"sync"
	"time"
)

// Step statuses recorded in a trace.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// TraceEntry records one node invocation. Entries are kept in start order;
// ElapsedMs is measured from the session start.
type TraceEntry struct {
	NodeID     string `json:"nodeId"`
	NodeType   string `json:"nodeType"`
	ElapsedMs  int64  `json:"elapsedMs"`
	DurationMs int64  `json:"durationMs"`
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
}

type trace struct {
	start time.Time

	mu      sync.Mutex
	entries []TraceEntry
}

func newTrace(start time.Time) *trace {
	return &trace{start: start}
}

// begin appends a running entry and returns its index.
func (t *trace) begin(node *Node) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = append(t.entries, TraceEntry{
		NodeID:    node.ID,
		NodeType:  node.Type,
		ElapsedMs: time.Since(t.start).Milliseconds(),
		Status:    StatusRunning,
	})
	return len(t.entries) - 1
}

func (t *trace) end(idx int, took time.Duration, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := &t.entries[idx]
	e.DurationMs = took.Milliseconds()
	e.Status = StatusCompleted
	if err != nil {
		e.Status = StatusFailed
		e.Error = err.Error()
	}
}

func (t *trace) snapshot() []TraceEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]TraceEntry, len(t.entries))
	copy(out, t.entries)
	return out
}
