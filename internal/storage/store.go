// internal/storage/store.go
package storage

import (
	"context"
	"time"

	"notification-dispatcher/internal/models"
)

// NotificationStore persists notification history.
type NotificationStore interface {
	// CreateNotificationRecord writes one record. A nil target writes the
	// single global record of a broadcast.
	CreateNotificationRecord(ctx context.Context, target *int64, content models.NotificationContent) (int64, error)
	// CreateNotificationRecords writes one record per user and returns the
	// record id keyed by user id.
	CreateNotificationRecords(ctx context.Context, userIDs []int64, content models.NotificationContent) (map[int64]int64, error)
	// UnreadNotifications returns at most limit unread records addressed to
	// the user, newest first.
	UnreadNotifications(ctx context.Context, userID int64, limit int) ([]models.NotificationRecord, error)
	// MarkNotificationRead flips is_read on the user's own unread record and
	// reports whether a row changed.
	MarkNotificationRead(ctx context.Context, notificationID, userID int64) (bool, error)
}

// Directory resolves notification targets to user ids.
type Directory interface {
	ResolveUsersForTarget(ctx context.Context, target models.Target) ([]int64, error)
}

// SessionScope selects the sessions ActiveSessionsWithToken reads: every
// active session, or those of the listed users.
type SessionScope struct {
	All     bool
	UserIDs []int64
}

func AllSessions() SessionScope { return SessionScope{All: true} }

func SessionsOf(userIDs ...int64) SessionScope { return SessionScope{UserIDs: userIDs} }

// SessionStore reads and mutates device sessions. Every deactivation is a
// conditional update on the active flag, so concurrent workers never race
// each other into read-then-write conflicts.
type SessionStore interface {
	ActiveSessionsWithToken(ctx context.Context, scope SessionScope) ([]models.SessionToken, error)
	DeactivateSession(ctx context.Context, sessionID int64) (bool, error)
	DeactivateSessionsByToken(ctx context.Context, token string, excludingUser *int64) (int64, error)

	// ActiveSessionsForUser returns active sessions, most recently used first.
	ActiveSessionsForUser(ctx context.Context, userID int64) ([]models.DeviceSession, error)
	// UpsertSession activates the (user, token) session, creating it when
	// absent. reused reports whether an existing row was reactivated.
	UpsertSession(ctx context.Context, userID int64, device, token string) (session models.DeviceSession, reused bool, err error)
	DeactivateStaleSessions(ctx context.Context, userID int64, idleBefore time.Time) (int64, error)
	// DeactivateUserSessions deactivates the user's session holding token,
	// or all of the user's sessions when token is empty.
	DeactivateUserSessions(ctx context.Context, userID int64, token string) (int64, error)
}

// Store is the full storage collaborator.
type Store interface {
	NotificationStore
	Directory
	SessionStore
	Ping(ctx context.Context) error
}
