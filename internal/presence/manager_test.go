// internal/presence/manager_test.go
package presence

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"notification-dispatcher/internal/common/logger"
	"notification-dispatcher/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockConn struct {
	SendFunc func(payload []byte) error
	mu       sync.Mutex
	sent     [][]byte
	closed   int
}

func (m *mockConn) Send(payload []byte) error {
	if m.SendFunc != nil {
		if err := m.SendFunc(payload); err != nil {
			return err
		}
	}
	m.mu.Lock()
	m.sent = append(m.sent, payload)
	m.mu.Unlock()
	return nil
}

func (m *mockConn) Close() error {
	m.mu.Lock()
	m.closed++
	m.mu.Unlock()
	return nil
}

func (m *mockConn) messages() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

func TestManager_RegisterAndDeliver(t *testing.T) {
	m := NewManager(4, logger.NewTestLogger(t))
	phone, laptop, other := &mockConn{}, &mockConn{}, &mockConn{}
	m.Register(1, phone)
	m.Register(1, laptop)
	m.Register(1, laptop)
	m.Register(2, other)

	assert.Equal(t, 3, m.ConnectionCount())
	assert.True(t, m.IsOnline(1))

	event := NewEvent(EventNewNotification, 42, models.NotificationContent{Type: 1, Title: "t", Body: "b"})
	delivered := m.DeliverToUser(1, event)

	assert.Equal(t, 2, delivered)
	assert.Equal(t, 1, phone.messages())
	assert.Equal(t, 0, other.messages())

	var got Event
	require.NoError(t, json.Unmarshal(phone.sent[0], &got))
	assert.Equal(t, EventNewNotification, got.Type)
	assert.Equal(t, int64(42), got.Notification.ID)
}

func TestManager_FailedSendDropsOnlyThatConnection(t *testing.T) {
	m := NewManager(4, logger.NewTestLogger(t))
	healthy := &mockConn{}
	broken := &mockConn{SendFunc: func([]byte) error { return errors.New("broken pipe") }}
	m.Register(7, healthy)
	m.Register(7, broken)

	var delivered int
	assert.NotPanics(t, func() {
		delivered = m.DeliverToUser(7, []byte(`{"type":"new_notification"}`))
	})

	assert.Equal(t, 1, delivered)
	assert.Equal(t, 1, broken.closed)
	assert.Equal(t, 0, healthy.closed)
	assert.Equal(t, 1, m.ConnectionCount())
	assert.True(t, m.IsOnline(7))
}

func TestManager_Unregister(t *testing.T) {
	m := NewManager(2, logger.NewTestLogger(t))
	c := &mockConn{}
	m.Register(3, c)

	assert.True(t, m.Unregister(3, c))
	assert.False(t, m.Unregister(3, c))
	assert.False(t, m.IsOnline(3))
	assert.Zero(t, m.ConnectionCount())
	assert.Zero(t, m.DeliverToUser(3, []byte("x")))
}

func TestManager_DeliverBroadcast(t *testing.T) {
	m := NewManager(8, logger.NewTestLogger(t))
	conns := map[int64]*mockConn{}
	for _, id := range []int64{1, 2, 3, 17} {
		conns[id] = &mockConn{}
		m.Register(id, conns[id])
	}

	event := NewEvent(EventBroadcastNotification, 5, models.NotificationContent{Title: "Maintenance"})
	assert.Equal(t, 4, m.DeliverBroadcast(event, nil))
	assert.ElementsMatch(t, []int64{1, 2, 3, 17}, m.ConnectedUsers())

	assert.Equal(t, 2, m.DeliverBroadcast(event, []int64{2, 17, 99}))
	assert.Equal(t, 2, conns[17].messages())
	assert.Equal(t, 1, conns[1].messages())
}

func TestManager_ConcurrentUse(t *testing.T) {
	m := NewManager(16, logger.NewNoOpLogger())
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			c := &mockConn{}
			m.Register(id, c)
			m.DeliverToUser(id, []byte("hello"))
			m.DeliverBroadcast([]byte("all"), nil)
			m.Unregister(id, c)
		}(int64(i))
	}
	wg.Wait()
	assert.Zero(t, m.ConnectionCount())
}

func TestManager_CloseAll(t *testing.T) {
	m := NewManager(4, logger.NewNoOpLogger())
	a, b := &mockConn{}, &mockConn{}
	m.Register(1, a)
	m.Register(2, b)

	m.CloseAll()
	assert.Zero(t, m.ConnectionCount())
	assert.Equal(t, 1, a.closed)
	assert.Empty(t, m.ConnectedUsers())
}

func TestManager_UnencodablePayload(t *testing.T) {
	m := NewManager(4, logger.NewTestLogger(t))
	c := &mockConn{}
	m.Register(1, c)
	assert.Zero(t, m.DeliverToUser(1, map[string]interface{}{"bad": make(chan int)}))
	assert.Zero(t, c.messages())
}
