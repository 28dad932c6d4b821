// internal/workers/notification/send-push/models.go
package sendpush

// Data keys carried with every push so the client can correlate it with the
// socket copy and the stored record.
const (
	DataNotificationID = "notification_id"
	DataType           = "type"
	DataEventID        = "event_id"
	DataLink           = "link"
)

// Attempt statuses used in logs.
const (
	StatusSent        = "sent"
	StatusPartial     = "partial"
	StatusFailed      = "failed"
	StatusCredentials = "credential_failure"
)

// Outcome counts of one attempt.
type Outcome struct {
	Sent          int `json:"sent"`
	InvalidTokens int `json:"invalidTokens"`
	RateLimited   int `json:"rateLimited"`
	Transient     int `json:"transient"`
	Deactivated   int `json:"deactivated"`
}

func (o Outcome) status() string {
	switch {
	case o.RateLimited+o.Transient == 0:
		return StatusSent
	case o.Sent > 0:
		return StatusPartial
	default:
		return StatusFailed
	}
}
