// Package registry implements sqew's queue registry (spec.md §4.1):
// create, list, inspect, delete, purge, and compact named queues.
package registry

// Queue is the persisted identity and configuration of a named queue
// (spec.md §3).
type Queue struct {
	ID           int64  `json:"id"`
	Name         string `json:"name"`
	MaxAttempts  int    `json:"max_attempts"`
	VisibilityMs int    `json:"visibility_ms"`
	DLQID        *int64 `json:"dlq_id,omitempty"`
	CreatedAt    int64  `json:"created_at"`
}

// Stats summarizes a queue's message counts at a point in time
// (spec.md §4.2.7).
type Stats struct {
	Ready                int64  `json:"ready"`
	Leased               int64  `json:"leased"`
	Total                int64  `json:"total"`
	OldestAvailableAgeMs *int64 `json:"oldest_available_age_ms,omitempty"`
}
