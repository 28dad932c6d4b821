// internal/models/notification.go
package models

import "time"

// NotificationRecord is one persisted notification. A nil TargetUserID marks
// a global record shown to every user; broadcasts never fan out into
// per-user rows.
type NotificationRecord struct {
	ID           int64     `json:"id" db:"id"`
	Type         int       `json:"type" db:"type_id"`
	EventID      *int64    `json:"eventId,omitempty" db:"event_id"`
	ActorID      *int64    `json:"actorId,omitempty" db:"actor_id"`
	TargetUserID *int64    `json:"targetUserId,omitempty" db:"target_user_id"`
	Title        string    `json:"title" db:"title"`
	Body         string    `json:"body" db:"body"`
	IsRead       bool      `json:"isRead" db:"is_read"`
	CreatedAt    time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt    time.Time `json:"updatedAt" db:"updated_at"`
}

// IsGlobal reports whether the record addresses all users.
func (n *NotificationRecord) IsGlobal() bool {
	return n.TargetUserID == nil
}

// NotificationContent is what a caller submits; storage adds identity and timestamps.
type NotificationContent struct {
	Type    int    `json:"type"`
	EventID *int64 `json:"eventId,omitempty"`
	ActorID *int64 `json:"actorId,omitempty"`
	Title   string `json:"title"`
	Body    string `json:"body"`
}

// EventIDOrZero returns the event correlation id, 0 when absent.
func (c NotificationContent) EventIDOrZero() int64 {
	if c.EventID == nil {
		return 0
	}
	return *c.EventID
}
