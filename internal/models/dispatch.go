// internal/models/dispatch.go
package models

// DispatchItem is one physical push attempt: a unique token plus the content
// and the notification id the client uses for de-duplication.
type DispatchItem struct {
	Token          string `json:"token"`
	UserID         int64  `json:"userId"`
	NotificationID int64  `json:"notificationId"`
	Type           int    `json:"type"`
	EventID        *int64 `json:"eventId,omitempty"`
	Title          string `json:"title"`
	Body           string `json:"body"`
}
