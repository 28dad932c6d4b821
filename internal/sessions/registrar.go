// internal/sessions/registrar.go
package sessions

import (
	"context"
	"time"

	apperrors "notification-dispatcher/internal/common/errors"
	"notification-dispatcher/internal/common/logger"
	"notification-dispatcher/internal/common/metrics"
	"notification-dispatcher/internal/models"
	"notification-dispatcher/internal/storage"
)

const (
	DefaultMaxPerUser     = 2
	DefaultStaleAfterDays = 30
)

type Options struct {
	MaxPerUser     int
	StaleAfterDays int
}

// RegisterResult describes what a registration changed.
type RegisterResult struct {
	Session  models.DeviceSession `json:"session"`
	Reused   bool                 `json:"reused"`
	Migrated int64                `json:"migrated"`
	Evicted  int                  `json:"evicted"`
	Stale    int64                `json:"stale"`
}

// Registrar maintains the device-session invariants: one active session per
// (user, token), a token active under a single user, and a per-user cap.
type Registrar struct {
	store  storage.SessionStore
	opts   Options
	now    func() time.Time
	logger logger.Logger
}

func NewRegistrar(store storage.SessionStore, opts Options, log logger.Logger) *Registrar {
	if opts.MaxPerUser <= 0 {
		opts.MaxPerUser = DefaultMaxPerUser
	}
	if opts.StaleAfterDays <= 0 {
		opts.StaleAfterDays = DefaultStaleAfterDays
	}
	return &Registrar{
		store:  store,
		opts:   opts,
		now:    time.Now,
		logger: log.WithFields(map[string]interface{}{"component": "sessions"}),
	}
}

// Register activates token for userID on device.
func (r *Registrar) Register(ctx context.Context, userID int64, device, token string) (*RegisterResult, error) {
	if userID <= 0 {
		return nil, apperrors.NewInvalidRequestError("user id is required")
	}
	if token == "" {
		return nil, apperrors.NewInvalidRequestError("push token is required")
	}

	res := &RegisterResult{}

	owner := userID
	migrated, err := r.store.DeactivateSessionsByToken(ctx, token, &owner)
	if err != nil {
		return nil, err
	}
	res.Migrated = migrated
	if migrated > 0 {
		metrics.SessionsDeactivated.WithLabelValues("token_migrated").Add(float64(migrated))
	}

	active, err := r.store.ActiveSessionsForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	kept := 0
	for _, s := range active {
		if s.HasToken() && *s.PushToken == token {
			continue
		}
		if kept < r.opts.MaxPerUser-1 {
			kept++
			continue
		}
		changed, err := r.store.DeactivateSession(ctx, s.ID)
		if err != nil {
			return nil, err
		}
		if changed {
			res.Evicted++
		}
	}
	if res.Evicted > 0 {
		metrics.SessionsDeactivated.WithLabelValues("cap_exceeded").Add(float64(res.Evicted))
	}

	session, reused, err := r.store.UpsertSession(ctx, userID, device, token)
	if err != nil {
		return nil, err
	}
	res.Session, res.Reused = session, reused

	cutoff := r.now().AddDate(0, 0, -r.opts.StaleAfterDays)
	stale, err := r.store.DeactivateStaleSessions(ctx, userID, cutoff)
	if err != nil {
		r.logger.Warn("stale session cleanup failed", map[string]interface{}{
			"userId": userID,
			"error":  err.Error(),
		})
	} else if stale > 0 {
		res.Stale = stale
		metrics.SessionsDeactivated.WithLabelValues("stale").Add(float64(stale))
	}

	r.logger.Info("session registered", map[string]interface{}{
		"userId":    userID,
		"sessionId": session.ID,
		"reused":    reused,
		"migrated":  res.Migrated,
		"evicted":   res.Evicted,
		"stale":     res.Stale,
	})
	return res, nil
}

// Logout deactivates the user's session holding token, or every session of
// the user when token is empty.
func (r *Registrar) Logout(ctx context.Context, userID int64, token string) (int64, error) {
	if userID <= 0 {
		return 0, apperrors.NewInvalidRequestError("user id is required")
	}
	n, err := r.store.DeactivateUserSessions(ctx, userID, token)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		metrics.SessionsDeactivated.WithLabelValues("logout").Add(float64(n))
	}
	r.logger.Info("sessions logged out", map[string]interface{}{
		"userId":      userID,
		"allSessions": token == "",
		"deactivated": n,
	})
	return n, nil
}
