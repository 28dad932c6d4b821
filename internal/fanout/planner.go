// internal/fanout/planner.go
package fanout

import (
	"context"
	"fmt"

	apperrors "notification-dispatcher/internal/common/errors"
	"notification-dispatcher/internal/common/logger"
	"notification-dispatcher/internal/models"
	"notification-dispatcher/internal/storage"
)

// Plan is the resolved audience of one notification. Tokens holds each
// physical token exactly once; the first session seen owns it.
type Plan struct {
	Target  models.Target
	UserIDs []int64
	Tokens  []models.SessionToken
	// TokensByUser is the user to unique-token index, kept for statistics.
	TokensByUser      map[int64][]string
	SessionsScanned   int
	DuplicatesRemoved int
}

// Empty reports whether the target resolved to no users. A global target is
// never empty: it addresses every user present or future.
func (p *Plan) Empty() bool {
	return !p.Target.IsGlobal() && len(p.UserIDs) == 0
}

// RecordIDs maps recipients to the notification record they receive.
type RecordIDs struct {
	Global  int64
	PerUser map[int64]int64
}

func (r RecordIDs) For(userID int64) int64 {
	if id, ok := r.PerUser[userID]; ok {
		return id
	}
	return r.Global
}

type Planner struct {
	directory storage.Directory
	sessions  storage.SessionStore
	logger    logger.Logger
}

func NewPlanner(directory storage.Directory, sessions storage.SessionStore, log logger.Logger) *Planner {
	return &Planner{
		directory: directory,
		sessions:  sessions,
		logger:    log.WithFields(map[string]interface{}{"component": "fanout"}),
	}
}

// Plan resolves target to users and their active push tokens, deduplicated
// by token value across the whole resolved set. It writes nothing.
func (p *Planner) Plan(ctx context.Context, target models.Target) (*Plan, error) {
	if err := target.Validate(); err != nil {
		return nil, apperrors.NewInvalidRequestError(err.Error())
	}

	plan := &Plan{Target: target, TokensByUser: make(map[int64][]string)}

	var scope storage.SessionScope
	if target.IsGlobal() {
		scope = storage.AllSessions()
	} else {
		users, err := p.directory.ResolveUsersForTarget(ctx, target)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", target, err)
		}
		plan.UserIDs = users
		if len(users) == 0 {
			p.logger.Info("target resolved to no users", map[string]interface{}{"target": target.String()})
			return plan, nil
		}
		scope = storage.SessionsOf(users...)
	}

	sessions, err := p.sessions.ActiveSessionsWithToken(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("load sessions for %s: %w", target, err)
	}
	plan.SessionsScanned = len(sessions)

	seen := make(map[string]struct{}, len(sessions))
	globalUsers := make(map[int64]struct{})
	for _, s := range sessions {
		if s.Token == "" {
			continue
		}
		if _, dup := seen[s.Token]; dup {
			plan.DuplicatesRemoved++
			continue
		}
		seen[s.Token] = struct{}{}
		plan.Tokens = append(plan.Tokens, s)
		plan.TokensByUser[s.UserID] = append(plan.TokensByUser[s.UserID], s.Token)
		if target.IsGlobal() {
			if _, ok := globalUsers[s.UserID]; !ok {
				globalUsers[s.UserID] = struct{}{}
				plan.UserIDs = append(plan.UserIDs, s.UserID)
			}
		}
	}

	p.logger.Debug("fan-out planned", map[string]interface{}{
		"target":            target.String(),
		"users":             len(plan.UserIDs),
		"sessionsScanned":   plan.SessionsScanned,
		"uniqueTokens":      len(plan.Tokens),
		"duplicatesRemoved": plan.DuplicatesRemoved,
	})
	return plan, nil
}

// Attach turns the plan's tokens into dispatch items, each carrying the id of
// the record its owner receives.
func Attach(plan *Plan, records RecordIDs, content models.NotificationContent) []models.DispatchItem {
	items := make([]models.DispatchItem, 0, len(plan.Tokens))
	for _, t := range plan.Tokens {
		items = append(items, models.DispatchItem{
			Token:          t.Token,
			UserID:         t.UserID,
			NotificationID: records.For(t.UserID),
			Type:           content.Type,
			EventID:        content.EventID,
			Title:          content.Title,
			Body:           content.Body,
		})
	}
	return items
}
