// internal/storage/postgres.go
package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	apperrors "notification-dispatcher/internal/common/errors"
	"notification-dispatcher/internal/models"

	"github.com/lib/pq"
)

//go:embed schema.sql
var schemaSQL string

const (
	insertNotificationQuery = `INSERT INTO notifications (type_id, event_id, actor_id, target_user_id, title, body)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING id`

	insertNotificationsQuery = `INSERT INTO notifications (type_id, event_id, actor_id, target_user_id, title, body)
SELECT $1, $2, $3, u.id, $4, $5 FROM UNNEST($6::bigint[]) AS u(id)
RETURNING id, target_user_id`

	unreadNotificationsQuery = `SELECT id, type_id, event_id, actor_id, target_user_id, title, body, is_read, created_at, updated_at
FROM notifications
WHERE target_user_id = $1 AND is_read = FALSE
ORDER BY created_at DESC, id DESC
LIMIT $2`

	markNotificationReadQuery = `UPDATE notifications SET is_read = TRUE, updated_at = NOW()
WHERE id = $1 AND target_user_id = $2 AND is_read = FALSE`

	resolveSingleQuery      = `SELECT id FROM users WHERE id = $1 AND is_active = TRUE`
	resolveAgencyQuery      = `SELECT id FROM users WHERE agency_id = $1 AND is_active = TRUE ORDER BY id`
	resolveAllAgenciesQuery = `SELECT id FROM users WHERE agency_id IS NOT NULL AND is_active = TRUE ORDER BY id`
	resolveAllUsersQuery    = `SELECT id FROM users WHERE is_active = TRUE ORDER BY id`
	resolveMeterQuery       = `SELECT DISTINCT user_id FROM meter_owners WHERE meter_number = $1 ORDER BY user_id`

	activeTokensAllQuery = `SELECT id, user_id, push_token FROM device_sessions
WHERE is_active = TRUE AND push_token IS NOT NULL AND push_token <> ''
ORDER BY id`

	activeTokensForUsersQuery = `SELECT id, user_id, push_token FROM device_sessions
WHERE is_active = TRUE AND push_token IS NOT NULL AND push_token <> '' AND user_id = ANY($1)
ORDER BY id`

	deactivateSessionQuery = `UPDATE device_sessions SET is_active = FALSE WHERE id = $1 AND is_active = TRUE`

	deactivateByTokenQuery = `UPDATE device_sessions SET is_active = FALSE WHERE push_token = $1 AND is_active = TRUE`

	deactivateByTokenExcludingQuery = `UPDATE device_sessions SET is_active = FALSE
WHERE push_token = $1 AND user_id <> $2 AND is_active = TRUE`

	activeSessionsForUserQuery = `SELECT id, user_id, device, push_token, is_active, last_activity FROM device_sessions
WHERE user_id = $1 AND is_active = TRUE
ORDER BY last_activity DESC, id DESC`

	upsertSessionQuery = `INSERT INTO device_sessions (user_id, device, push_token, is_active, last_activity)
VALUES ($1, $2, $3, TRUE, NOW())
ON CONFLICT (user_id, push_token) WHERE push_token IS NOT NULL
DO UPDATE SET device = EXCLUDED.device, is_active = TRUE, last_activity = NOW()
RETURNING id, user_id, device, push_token, is_active, last_activity, (xmax <> 0) AS reused`

	deactivateStaleQuery = `UPDATE device_sessions SET is_active = FALSE
WHERE user_id = $1 AND is_active = TRUE AND last_activity < $2`

	deactivateUserTokenQuery = `UPDATE device_sessions SET is_active = FALSE
WHERE user_id = $1 AND push_token = $2 AND is_active = TRUE`

	deactivateUserAllQuery = `UPDATE device_sessions SET is_active = FALSE WHERE user_id = $1 AND is_active = TRUE`
)

const foreignKeyViolation = "23503"

// recordError reports a target user missing from users as InvalidTarget.
func recordError(op string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == foreignKeyViolation {
		return apperrors.NewInvalidTargetError(pqErr.Detail)
	}
	return apperrors.NewStorageFailureError(op, err)
}

// PostgresStore implements Store on PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the tables and indexes the store relies on.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return apperrors.NewStorageFailureError("migrate", err)
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) CreateNotificationRecord(ctx context.Context, target *int64, content models.NotificationContent) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, insertNotificationQuery,
		content.Type, nullInt64(content.EventID), nullInt64(content.ActorID), nullInt64(target),
		content.Title, content.Body,
	).Scan(&id)
	if err != nil {
		return 0, recordError("create_notification", err)
	}
	return id, nil
}

func (s *PostgresStore) CreateNotificationRecords(ctx context.Context, userIDs []int64, content models.NotificationContent) (map[int64]int64, error) {
	out := make(map[int64]int64, len(userIDs))
	if len(userIDs) == 0 {
		return out, nil
	}

	rows, err := s.db.QueryContext(ctx, insertNotificationsQuery,
		content.Type, nullInt64(content.EventID), nullInt64(content.ActorID),
		content.Title, content.Body, pq.Array(uniqueIDs(userIDs)),
	)
	if err != nil {
		return nil, recordError("create_notifications", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id, userID int64
		if err := rows.Scan(&id, &userID); err != nil {
			return nil, apperrors.NewStorageFailureError("create_notifications", err)
		}
		out[userID] = id
	}
	if err := rows.Err(); err != nil {
		return nil, recordError("create_notifications", err)
	}
	return out, nil
}

func (s *PostgresStore) UnreadNotifications(ctx context.Context, userID int64, limit int) ([]models.NotificationRecord, error) {
	rows, err := s.db.QueryContext(ctx, unreadNotificationsQuery, userID, limit)
	if err != nil {
		return nil, apperrors.NewStorageFailureError("unread_notifications", err)
	}
	defer rows.Close()

	var out []models.NotificationRecord
	for rows.Next() {
		var (
			rec                     models.NotificationRecord
			eventID, actorID, owner sql.NullInt64
		)
		if err := rows.Scan(&rec.ID, &rec.Type, &eventID, &actorID, &owner,
			&rec.Title, &rec.Body, &rec.IsRead, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, apperrors.NewStorageFailureError("unread_notifications", err)
		}
		rec.EventID, rec.ActorID, rec.TargetUserID = fromNullInt64(eventID), fromNullInt64(actorID), fromNullInt64(owner)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewStorageFailureError("unread_notifications", err)
	}
	return out, nil
}

func (s *PostgresStore) MarkNotificationRead(ctx context.Context, notificationID, userID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, markNotificationReadQuery, notificationID, userID)
	if err != nil {
		return false, apperrors.NewStorageFailureError("mark_notification_read", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, apperrors.NewStorageFailureError("mark_notification_read", err)
	}
	return n > 0, nil
}

func (s *PostgresStore) ResolveUsersForTarget(ctx context.Context, target models.Target) ([]int64, error) {
	var (
		query string
		args  []interface{}
	)
	switch target.Kind {
	case models.TargetSingle:
		query, args = resolveSingleQuery, []interface{}{target.UserID}
	case models.TargetAgency:
		query, args = resolveAgencyQuery, []interface{}{target.AgencyID}
	case models.TargetAllAgencies:
		query = resolveAllAgenciesQuery
	case models.TargetAllUsers:
		query = resolveAllUsersQuery
	case models.TargetMeterOwners:
		query, args = resolveMeterQuery, []interface{}{target.MeterNumber}
	default:
		return nil, apperrors.NewInvalidRequestError(fmt.Sprintf("unknown target kind %q", target.Kind))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.NewStorageFailureError("resolve_users", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, apperrors.NewStorageFailureError("resolve_users", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewStorageFailureError("resolve_users", err)
	}
	return ids, nil
}

func (s *PostgresStore) ActiveSessionsWithToken(ctx context.Context, scope SessionScope) ([]models.SessionToken, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if scope.All {
		rows, err = s.db.QueryContext(ctx, activeTokensAllQuery)
	} else {
		if len(scope.UserIDs) == 0 {
			return nil, nil
		}
		rows, err = s.db.QueryContext(ctx, activeTokensForUsersQuery, pq.Array(scope.UserIDs))
	}
	if err != nil {
		return nil, apperrors.NewStorageFailureError("active_sessions", err)
	}
	defer rows.Close()

	var out []models.SessionToken
	for rows.Next() {
		var st models.SessionToken
		if err := rows.Scan(&st.SessionID, &st.UserID, &st.Token); err != nil {
			return nil, apperrors.NewStorageFailureError("active_sessions", err)
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewStorageFailureError("active_sessions", err)
	}
	return out, nil
}

func (s *PostgresStore) DeactivateSession(ctx context.Context, sessionID int64) (bool, error) {
	n, err := s.exec(ctx, "deactivate_session", deactivateSessionQuery, sessionID)
	return n > 0, err
}

func (s *PostgresStore) DeactivateSessionsByToken(ctx context.Context, token string, excludingUser *int64) (int64, error) {
	if excludingUser != nil {
		return s.exec(ctx, "deactivate_token", deactivateByTokenExcludingQuery, token, *excludingUser)
	}
	return s.exec(ctx, "deactivate_token", deactivateByTokenQuery, token)
}

func (s *PostgresStore) ActiveSessionsForUser(ctx context.Context, userID int64) ([]models.DeviceSession, error) {
	rows, err := s.db.QueryContext(ctx, activeSessionsForUserQuery, userID)
	if err != nil {
		return nil, apperrors.NewStorageFailureError("user_sessions", err)
	}
	defer rows.Close()

	var out []models.DeviceSession
	for rows.Next() {
		var (
			ds    models.DeviceSession
			token sql.NullString
		)
		if err := rows.Scan(&ds.ID, &ds.UserID, &ds.Device, &token, &ds.Active, &ds.LastActivity); err != nil {
			return nil, apperrors.NewStorageFailureError("user_sessions", err)
		}
		if token.Valid {
			ds.PushToken = &token.String
		}
		out = append(out, ds)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewStorageFailureError("user_sessions", err)
	}
	return out, nil
}

func (s *PostgresStore) UpsertSession(ctx context.Context, userID int64, device, token string) (models.DeviceSession, bool, error) {
	var (
		ds       models.DeviceSession
		resToken sql.NullString
		reused   bool
	)
	err := s.db.QueryRowContext(ctx, upsertSessionQuery, userID, device, token).
		Scan(&ds.ID, &ds.UserID, &ds.Device, &resToken, &ds.Active, &ds.LastActivity, &reused)
	if err != nil {
		return models.DeviceSession{}, false, apperrors.NewStorageFailureError("upsert_session", err)
	}
	if resToken.Valid {
		ds.PushToken = &resToken.String
	}
	return ds, reused, nil
}

func (s *PostgresStore) DeactivateStaleSessions(ctx context.Context, userID int64, idleBefore time.Time) (int64, error) {
	return s.exec(ctx, "deactivate_stale", deactivateStaleQuery, userID, idleBefore)
}

func (s *PostgresStore) DeactivateUserSessions(ctx context.Context, userID int64, token string) (int64, error) {
	if token == "" {
		return s.exec(ctx, "logout", deactivateUserAllQuery, userID)
	}
	return s.exec(ctx, "logout", deactivateUserTokenQuery, userID, token)
}

func (s *PostgresStore) exec(ctx context.Context, op, query string, args ...interface{}) (int64, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, apperrors.NewStorageFailureError(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, apperrors.NewStorageFailureError(op, err)
	}
	return n, nil
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func fromNullInt64(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	id := v.Int64
	return &id
}

func uniqueIDs(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
