// internal/queue/job.go
package queue

import (
	"fmt"
	"time"

	"notification-dispatcher/internal/models"
)

// Kind is the job type a producer submits.
type Kind string

const (
	KindSingle         Kind = "single"
	KindUrgent         Kind = "urgent"
	KindBatch          Kind = "batch"
	KindBroadcastChunk Kind = "broadcast_chunk"
)

// State is a job's position in its lifecycle.
type State string

const (
	StateQueued      State = "queued"
	StateInFlight    State = "in_flight"
	StateRetrying    State = "retrying"
	StateSucceeded   State = "succeeded"
	StateFailedFinal State = "failed_final"
)

// Waiting jobs reach FailedFinal directly only when shutdown abandons them.
var transitions = map[State][]State{
	StateQueued:   {StateInFlight, StateFailedFinal},
	StateInFlight: {StateSucceeded, StateRetrying, StateFailedFinal},
	StateRetrying: {StateQueued, StateFailedFinal},
}

// CanTransition reports whether s may move to next.
func (s State) CanTransition(next State) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailedFinal
}

// Spec is what a producer submits.
type Spec struct {
	Kind Kind
	// Label groups related jobs, e.g. the chunks of one broadcast.
	Label string
	Items []models.DispatchItem
}

// Summary accumulates item outcomes across a job's attempts.
type Summary struct {
	Items         int `json:"items"`
	Delivered     int `json:"delivered"`
	InvalidTokens int `json:"invalidTokens"`
	Failed        int `json:"failed"`
	Pending       int `json:"pending"`
}

// Job is the queue's record of one submission. Only the pool mutates it,
// under its lock.
type Job struct {
	ID                 string
	Kind               Kind
	Lane               Lane
	Label              string
	Items              []models.DispatchItem
	State              State
	Attempts           int
	Retries            int
	RateLimitedRetries int
	ReadyAt            time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
	Summary            Summary
	LastError          string

	seq   uint64
	index int
}

func (j *Job) transition(next State, at time.Time) error {
	if !j.State.CanTransition(next) {
		return fmt.Errorf("job %s: illegal transition %s -> %s", j.ID, j.State, next)
	}
	j.State = next
	j.UpdatedAt = at
	return nil
}

// JobStatus is the externally visible view of a job.
type JobStatus struct {
	ID                 string    `json:"id"`
	Kind               Kind      `json:"kind"`
	Lane               string    `json:"lane"`
	Label              string    `json:"label,omitempty"`
	State              State     `json:"state"`
	Attempts           int       `json:"attempts"`
	Retries            int       `json:"retries"`
	RateLimitedRetries int       `json:"rateLimitedRetries"`
	ReadyAt            time.Time `json:"readyAt"`
	UpdatedAt          time.Time `json:"updatedAt"`
	Summary            Summary   `json:"summary"`
	LastError          string    `json:"lastError,omitempty"`
}

func (j *Job) status() JobStatus {
	s := j.Summary
	if !j.State.Terminal() {
		s.Pending = len(j.Items)
	}
	return JobStatus{
		ID:                 j.ID,
		Kind:               j.Kind,
		Lane:               j.Lane.String(),
		Label:              j.Label,
		State:              j.State,
		Attempts:           j.Attempts,
		Retries:            j.Retries,
		RateLimitedRetries: j.RateLimitedRetries,
		ReadyAt:            j.ReadyAt,
		UpdatedAt:          j.UpdatedAt,
		Summary:            s,
		LastError:          j.LastError,
	}
}
