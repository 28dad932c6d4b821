// internal/models/session.go
package models

import "time"

// DeviceSession is one registered device of a user.
type DeviceSession struct {
	ID           int64     `json:"id" db:"id"`
	UserID       int64     `json:"userId" db:"user_id"`
	Device       string    `json:"device,omitempty" db:"device"`
	PushToken    *string   `json:"pushToken,omitempty" db:"push_token"`
	Active       bool      `json:"active" db:"is_active"`
	LastActivity time.Time `json:"lastActivity" db:"last_activity"`
}

// HasToken reports whether the session can receive pushes.
func (s *DeviceSession) HasToken() bool {
	return s.PushToken != nil && *s.PushToken != ""
}

// SessionToken is an active session holding a non-empty push token.
type SessionToken struct {
	SessionID int64  `json:"sessionId"`
	UserID    int64  `json:"userId"`
	Token     string `json:"token"`
}
