package model

import "time"

type JobStatus string

const (
	JobPending JobStatus = "pending"
	JobRunning JobStatus = "running"
)

// Job is one entry in the durable timer registry. The registry is a derived
// index, rebuilt from the authoritative stores at process start. (kind,
// dedup_key) is unique, so a reminder holds at most one future run instant.
type Job struct {
	ID        int64      `json:"id"`
	Kind      string     `json:"kind"`
	DedupKey  string     `json:"dedup_key"`
	RunAt     time.Time  `json:"run_at"`
	Status    JobStatus  `json:"status"`
	ClaimedAt *time.Time `json:"claimed_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}
