// internal/storage/memory.go
package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	apperrors "notification-dispatcher/internal/common/errors"
	"notification-dispatcher/internal/models"
)

type memoryUser struct {
	agencyID *int64
	active   bool
}

// MemoryStore is an in-process Store used for local runs and tests.
type MemoryStore struct {
	mu            sync.Mutex
	now           func() time.Time
	users         map[int64]memoryUser
	meterOwners   map[string][]int64
	sessions      map[int64]*models.DeviceSession
	notifications []models.NotificationRecord
	nextSessionID int64
	nextRecordID  int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:         time.Now,
		users:       make(map[int64]memoryUser),
		meterOwners: make(map[string][]int64),
		sessions:    make(map[int64]*models.DeviceSession),
	}
}

// WithClock replaces the store's time source.
func (m *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
	return m
}

// AddUser registers a user; agencyID 0 means no agency.
func (m *MemoryStore) AddUser(userID, agencyID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := memoryUser{active: true}
	if agencyID != 0 {
		id := agencyID
		u.agencyID = &id
	}
	m.users[userID] = u
}

// DisableUser marks a user inactive.
func (m *MemoryStore) DisableUser(userID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[userID]; ok {
		u.active = false
		m.users[userID] = u
	}
}

func (m *MemoryStore) AddMeterOwner(meterNumber string, userID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.meterOwners[meterNumber] = append(m.meterOwners[meterNumber], userID)
}

// AddSession inserts a session row as-is, bypassing registration rules.
func (m *MemoryStore) AddSession(userID int64, device, token string, active bool, lastActivity time.Time) models.DeviceSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextSessionID++
	s := &models.DeviceSession{
		ID:           m.nextSessionID,
		UserID:       userID,
		Device:       device,
		Active:       active,
		LastActivity: lastActivity,
	}
	if token != "" {
		t := token
		s.PushToken = &t
	}
	m.sessions[s.ID] = s
	return *s
}

// Session returns a copy of the session row.
func (m *MemoryStore) Session(sessionID int64) (models.DeviceSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return models.DeviceSession{}, false
	}
	return *s, true
}

// Notifications returns a copy of every record written so far.
func (m *MemoryStore) Notifications() []models.NotificationRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.NotificationRecord, len(m.notifications))
	copy(out, m.notifications)
	return out
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (m *MemoryStore) CreateNotificationRecord(ctx context.Context, target *int64, content models.NotificationContent) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if target != nil {
		if err := m.checkUserLocked(*target); err != nil {
			return 0, err
		}
	}
	return m.insertRecordLocked(target, content), nil
}

func (m *MemoryStore) CreateNotificationRecords(ctx context.Context, userIDs []int64, content models.NotificationContent) (map[int64]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, userID := range userIDs {
		if err := m.checkUserLocked(userID); err != nil {
			return nil, err
		}
	}
	out := make(map[int64]int64, len(userIDs))
	for _, userID := range userIDs {
		if _, done := out[userID]; done {
			continue
		}
		id := userID
		out[userID] = m.insertRecordLocked(&id, content)
	}
	return out, nil
}

func (m *MemoryStore) UnreadNotifications(ctx context.Context, userID int64, limit int) ([]models.NotificationRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.NotificationRecord
	for i := len(m.notifications) - 1; i >= 0; i-- {
		n := m.notifications[i]
		if n.IsRead || n.TargetUserID == nil || *n.TargetUserID != userID {
			continue
		}
		out = append(out, n)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) MarkNotificationRead(ctx context.Context, notificationID, userID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.notifications {
		n := &m.notifications[i]
		if n.ID != notificationID {
			continue
		}
		if n.IsRead || n.TargetUserID == nil || *n.TargetUserID != userID {
			return false, nil
		}
		n.IsRead = true
		n.UpdatedAt = m.now().UTC()
		return true, nil
	}
	return false, nil
}

// checkUserLocked mirrors the notifications.target_user_id foreign key.
// Inactive users still exist and pass.
func (m *MemoryStore) checkUserLocked(userID int64) error {
	if _, ok := m.users[userID]; !ok {
		return apperrors.NewInvalidTargetError(fmt.Sprintf("user %d does not exist", userID))
	}
	return nil
}

func (m *MemoryStore) insertRecordLocked(target *int64, content models.NotificationContent) int64 {
	m.nextRecordID++
	now := m.now().UTC()
	m.notifications = append(m.notifications, models.NotificationRecord{
		ID:           m.nextRecordID,
		Type:         content.Type,
		EventID:      content.EventID,
		ActorID:      content.ActorID,
		TargetUserID: target,
		Title:        content.Title,
		Body:         content.Body,
		CreatedAt:    now,
		UpdatedAt:    now,
	})
	return m.nextRecordID
}

func (m *MemoryStore) ResolveUsersForTarget(ctx context.Context, target models.Target) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []int64
	switch target.Kind {
	case models.TargetSingle:
		if u, ok := m.users[target.UserID]; ok && u.active {
			out = append(out, target.UserID)
		}
	case models.TargetAgency:
		for id, u := range m.users {
			if u.active && u.agencyID != nil && *u.agencyID == target.AgencyID {
				out = append(out, id)
			}
		}
	case models.TargetAllAgencies:
		for id, u := range m.users {
			if u.active && u.agencyID != nil {
				out = append(out, id)
			}
		}
	case models.TargetAllUsers:
		for id, u := range m.users {
			if u.active {
				out = append(out, id)
			}
		}
	case models.TargetMeterOwners:
		seen := make(map[int64]struct{})
		for _, id := range m.meterOwners[target.MeterNumber] {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (m *MemoryStore) ActiveSessionsWithToken(ctx context.Context, scope SessionScope) ([]models.SessionToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	wanted := make(map[int64]struct{}, len(scope.UserIDs))
	for _, id := range scope.UserIDs {
		wanted[id] = struct{}{}
	}

	var out []models.SessionToken
	for _, s := range m.sessions {
		if !s.Active || !s.HasToken() {
			continue
		}
		if !scope.All {
			if _, ok := wanted[s.UserID]; !ok {
				continue
			}
		}
		out = append(out, models.SessionToken{SessionID: s.ID, UserID: s.UserID, Token: *s.PushToken})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out, nil
}

func (m *MemoryStore) DeactivateSession(ctx context.Context, sessionID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok || !s.Active {
		return false, nil
	}
	s.Active = false
	return true, nil
}

func (m *MemoryStore) DeactivateSessionsByToken(ctx context.Context, token string, excludingUser *int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, s := range m.sessions {
		if !s.Active || !s.HasToken() || *s.PushToken != token {
			continue
		}
		if excludingUser != nil && s.UserID == *excludingUser {
			continue
		}
		s.Active = false
		n++
	}
	return n, nil
}

func (m *MemoryStore) ActiveSessionsForUser(ctx context.Context, userID int64) ([]models.DeviceSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.DeviceSession
	for _, s := range m.sessions {
		if s.UserID == userID && s.Active {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastActivity.Equal(out[j].LastActivity) {
			return out[i].LastActivity.After(out[j].LastActivity)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

func (m *MemoryStore) UpsertSession(ctx context.Context, userID int64, device, token string) (models.DeviceSession, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	// Rows inserted through AddSession may repeat a (user, token) pair. The
	// oldest one is kept and the rest are retired.
	var keep *models.DeviceSession
	for _, s := range m.sessions {
		if s.UserID != userID || !s.HasToken() || *s.PushToken != token {
			continue
		}
		if keep == nil || s.ID < keep.ID {
			if keep != nil {
				keep.Active = false
			}
			keep = s
			continue
		}
		s.Active = false
	}
	if keep != nil {
		keep.Active = true
		keep.Device = device
		keep.LastActivity = now
		return *keep, true, nil
	}

	m.nextSessionID++
	t := token
	s := &models.DeviceSession{
		ID:           m.nextSessionID,
		UserID:       userID,
		Device:       device,
		PushToken:    &t,
		Active:       true,
		LastActivity: now,
	}
	m.sessions[s.ID] = s
	return *s, false, nil
}

func (m *MemoryStore) DeactivateStaleSessions(ctx context.Context, userID int64, idleBefore time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, s := range m.sessions {
		if s.UserID == userID && s.Active && s.LastActivity.Before(idleBefore) {
			s.Active = false
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) DeactivateUserSessions(ctx context.Context, userID int64, token string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, s := range m.sessions {
		if s.UserID != userID || !s.Active {
			continue
		}
		if token != "" && (!s.HasToken() || *s.PushToken != token) {
			continue
		}
		s.Active = false
		n++
	}
	return n, nil
}
