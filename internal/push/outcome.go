// internal/push/outcome.go
package push

import "context"

// Outcome classifies one provider response.
type Outcome int

const (
	Success Outcome = iota
	// InvalidToken means the provider rejected the token permanently; the
	// owning session must be deactivated.
	InvalidToken
	// RateLimited means provider backpressure; retry after the dedicated delay.
	RateLimited
	// Transient covers network errors, 5xx and anything unclassified.
	Transient
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case InvalidToken:
		return "invalid_token"
	case RateLimited:
		return "rate_limited"
	default:
		return "transient"
	}
}

// Retryable reports whether the item should be sent again later.
func (o Outcome) Retryable() bool {
	return o == RateLimited || o == Transient
}

type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
)

// Message is one push to one device token.
type Message struct {
	Token    string
	Title    string
	Body     string
	Data     map[string]string
	Priority Priority
}

type ItemResult struct {
	Token   string
	Outcome Outcome
	Err     error
}

type BatchResult struct {
	SuccessCount int
	FailureCount int
	Items        []ItemResult
}

func (r *BatchResult) add(item ItemResult) {
	r.Items = append(r.Items, item)
	if item.Outcome == Success {
		r.SuccessCount++
	} else {
		r.FailureCount++
	}
}

// Sender delivers push messages through one provider. A non-nil error is a
// hard failure (credentials could not be obtained); per-message failures are
// reported through the outcomes.
type Sender interface {
	Name() string
	SendOne(ctx context.Context, msg Message) (ItemResult, error)
	SendMany(ctx context.Context, msgs []Message) (BatchResult, error)
}
