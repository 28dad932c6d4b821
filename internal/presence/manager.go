// internal/presence/manager.go
package presence

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"notification-dispatcher/internal/common/logger"
	"notification-dispatcher/internal/common/metrics"
	"notification-dispatcher/internal/models"
)

const DefaultShards = 32

// Conn is one live real-time connection.
type Conn interface {
	Send(payload []byte) error
	Close() error
}

type shard struct {
	mu    sync.RWMutex
	users map[int64]map[Conn]struct{}
}

// Manager tracks live connections per user. Users are spread over shards so
// unrelated users never contend on one lock.
type Manager struct {
	shards []*shard
	count  atomic.Int64
	logger logger.Logger
}

func NewManager(shards int, log logger.Logger) *Manager {
	if shards <= 0 {
		shards = DefaultShards
	}
	m := &Manager{
		shards: make([]*shard, shards),
		logger: log.WithFields(map[string]interface{}{"component": "presence"}),
	}
	for i := range m.shards {
		m.shards[i] = &shard{users: make(map[int64]map[Conn]struct{})}
	}
	return m
}

func (m *Manager) shardFor(userID int64) *shard {
	idx := userID % int64(len(m.shards))
	if idx < 0 {
		idx = -idx
	}
	return m.shards[idx]
}

// Register adds conn to the user's live set. The caller has already
// authenticated the connection and bound userID.
func (m *Manager) Register(userID int64, conn Conn) {
	s := m.shardFor(userID)
	s.mu.Lock()
	set := s.users[userID]
	if set == nil {
		set = make(map[Conn]struct{})
		s.users[userID] = set
	}
	_, exists := set[conn]
	set[conn] = struct{}{}
	total := len(set)
	s.mu.Unlock()

	if !exists {
		metrics.PresenceConnections.Set(float64(m.count.Add(1)))
	}
	m.logger.Debug("connection registered", map[string]interface{}{
		"userId":      userID,
		"connections": total,
	})
}

// Unregister removes conn and reports whether it was registered.
func (m *Manager) Unregister(userID int64, conn Conn) bool {
	s := m.shardFor(userID)
	s.mu.Lock()
	set := s.users[userID]
	_, ok := set[conn]
	if ok {
		delete(set, conn)
		if len(set) == 0 {
			delete(s.users, userID)
		}
	}
	s.mu.Unlock()

	if ok {
		metrics.PresenceConnections.Set(float64(m.count.Add(-1)))
	}
	return ok
}

func (m *Manager) connections(userID int64) []Conn {
	s := m.shardFor(userID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	set := s.users[userID]
	out := make([]Conn, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	return out
}

// DeliverToUser sends payload to every live connection of the user and
// returns how many sends succeeded. A failed connection is dropped and
// closed; errors never reach the caller.
func (m *Manager) DeliverToUser(userID int64, payload interface{}) int {
	data, ok := m.encode(payload)
	if !ok {
		return 0
	}
	return m.deliverRaw(userID, data)
}

// DeliverBroadcast delivers payload to the given users, or to every
// connected user when subset is nil.
func (m *Manager) DeliverBroadcast(payload interface{}, subset []int64) int {
	data, ok := m.encode(payload)
	if !ok {
		return 0
	}
	if subset == nil {
		subset = m.ConnectedUsers()
	}
	delivered := 0
	for _, userID := range subset {
		delivered += m.deliverRaw(userID, data)
	}
	return delivered
}

func (m *Manager) deliverRaw(userID int64, data []byte) int {
	delivered := 0
	for _, c := range m.connections(userID) {
		if err := c.Send(data); err != nil {
			metrics.PresenceDeliveries.WithLabelValues("failed").Inc()
			m.logger.Warn("dropping connection after failed send", map[string]interface{}{
				"userId": userID,
				"error":  err.Error(),
			})
			if m.Unregister(userID, c) {
				_ = c.Close()
			}
			continue
		}
		metrics.PresenceDeliveries.WithLabelValues("delivered").Inc()
		delivered++
	}
	return delivered
}

func (m *Manager) encode(payload interface{}) ([]byte, bool) {
	if raw, ok := payload.([]byte); ok {
		return raw, true
	}
	data, err := json.Marshal(payload)
	if err != nil {
		m.logger.Error("cannot encode presence payload", map[string]interface{}{"error": err.Error()})
		return nil, false
	}
	return data, true
}

func (m *Manager) ConnectionCount() int {
	return int(m.count.Load())
}

func (m *Manager) IsOnline(userID int64) bool {
	s := m.shardFor(userID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.users[userID]) > 0
}

// ConnectedUsers lists users with at least one live connection.
func (m *Manager) ConnectedUsers() []int64 {
	var out []int64
	for _, s := range m.shards {
		s.mu.RLock()
		for id := range s.users {
			out = append(out, id)
		}
		s.mu.RUnlock()
	}
	return out
}

// CloseAll drops and closes every connection, e.g. on shutdown.
func (m *Manager) CloseAll() {
	for _, s := range m.shards {
		s.mu.Lock()
		for id, set := range s.users {
			for c := range set {
				_ = c.Close()
				m.count.Add(-1)
			}
			delete(s.users, id)
		}
		s.mu.Unlock()
	}
	metrics.PresenceConnections.Set(float64(m.count.Load()))
}

const (
	EventNewNotification       = "new_notification"
	EventBroadcastNotification = "broadcast_notification"
)

// Event is the socket payload announcing a notification. The notification
// id is always present so clients can drop the matching push.
type Event struct {
	Type         string              `json:"type"`
	Notification NotificationPayload `json:"notification"`
	Timestamp    string              `json:"timestamp"`
}

type NotificationPayload struct {
	ID      int64  `json:"id"`
	Type    int    `json:"type"`
	EventID *int64 `json:"event_id,omitempty"`
	Title   string `json:"title"`
	Body    string `json:"body"`
}

func NewEvent(kind string, notificationID int64, content models.NotificationContent) Event {
	return Event{
		Type: kind,
		Notification: NotificationPayload{
			ID:      notificationID,
			Type:    content.Type,
			EventID: content.EventID,
			Title:   content.Title,
			Body:    content.Body,
		},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}
