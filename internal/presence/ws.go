// internal/presence/ws.go
package presence

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"notification-dispatcher/internal/common/logger"
	"notification-dispatcher/internal/models"

	"github.com/gorilla/websocket"
)

// WSConn adapts a websocket connection to Conn. Writes are serialized and
// bounded by the write timeout.
type WSConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	mu           sync.Mutex
	closeOnce    sync.Once
}

func NewWSConn(conn *websocket.Conn, writeTimeout time.Duration) *WSConn {
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	return &WSConn{conn: conn, writeTimeout: writeTimeout}
}

func (c *WSConn) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

func (c *WSConn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout))
}

func (c *WSConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close()
	})
	return err
}

const DefaultUnreadLimit = 50

// Inbox is the per-user read state behind the socket.
type Inbox interface {
	UnreadNotifications(ctx context.Context, userID int64, limit int) ([]models.NotificationRecord, error)
	MarkNotificationRead(ctx context.Context, notificationID, userID int64) (bool, error)
}

type EndpointOptions struct {
	WriteTimeout time.Duration
	PingInterval time.Duration
	// UnreadLimit caps the unread list sent on connect and on request.
	UnreadLimit int
	// StoreTimeout bounds each inbox read or update.
	StoreTimeout time.Duration
}

// Endpoint upgrades HTTP requests to sockets and keeps them registered with
// the manager until the peer goes away.
type Endpoint struct {
	manager  *Manager
	inbox    Inbox
	upgrader websocket.Upgrader
	opts     EndpointOptions
	logger   logger.Logger
}

func NewEndpoint(manager *Manager, inbox Inbox, opts EndpointOptions, log logger.Logger) *Endpoint {
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.UnreadLimit <= 0 {
		opts.UnreadLimit = DefaultUnreadLimit
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 5 * time.Second
	}
	return &Endpoint{
		manager: manager,
		inbox:   inbox,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Origin checks belong to the gateway that authenticated the user.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		opts:   opts,
		logger: log.WithFields(map[string]interface{}{"component": "presence-ws"}),
	}
}

type clientMessage struct {
	Type           string `json:"type"`
	NotificationID int64  `json:"notification_id,omitempty"`
}

type serverMessage struct {
	Type           string                      `json:"type"`
	UserID         int64                       `json:"user_id,omitempty"`
	NotificationID int64                       `json:"notification_id,omitempty"`
	Status         string                      `json:"status,omitempty"`
	Message        string                      `json:"message,omitempty"`
	Notifications  []models.NotificationRecord `json:"notifications,omitempty"`
	Count          int                         `json:"count,omitempty"`
	Timestamp      string                      `json:"timestamp"`
}

func reply(kind string) serverMessage {
	return serverMessage{Type: kind, Timestamp: time.Now().UTC().Format(time.RFC3339)}
}

// Serve upgrades the request for userID and blocks until the connection
// closes.
func (e *Endpoint) Serve(w http.ResponseWriter, r *http.Request, userID int64) {
	ws, err := e.upgrader.Upgrade(w, r, nil)
	if err != nil {
		e.logger.Warn("websocket upgrade failed", map[string]interface{}{
			"userId": userID,
			"error":  err.Error(),
		})
		return
	}

	conn := NewWSConn(ws, e.opts.WriteTimeout)
	e.manager.Register(userID, conn)
	e.logger.Info("socket connected", map[string]interface{}{"userId": userID})

	stop := make(chan struct{})
	defer func() {
		close(stop)
		e.manager.Unregister(userID, conn)
		_ = conn.Close()
		e.logger.Info("socket disconnected", map[string]interface{}{"userId": userID})
	}()

	confirmed := reply("connection_confirmed")
	confirmed.UserID = userID
	if err := e.send(conn, confirmed); err != nil {
		return
	}
	if err := e.sendUnread(r.Context(), conn, userID); err != nil {
		return
	}

	readWait := 2 * e.opts.PingInterval
	_ = ws.SetReadDeadline(time.Now().Add(readWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(readWait))
	})

	go e.keepAlive(conn, stop)

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				e.logger.Debug("socket read failed", map[string]interface{}{
					"userId": userID,
					"error":  err.Error(),
				})
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(readWait))

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case "ping":
			err = e.send(conn, reply("pong"))
		case "request_notifications":
			err = e.sendUnread(r.Context(), conn, userID)
		case "mark_read":
			if msg.NotificationID > 0 {
				err = e.markRead(r.Context(), conn, userID, msg.NotificationID)
			}
		}
		if err != nil {
			return
		}
	}
}

// sendUnread pushes the user's unread records, newest first. A store failure
// is logged and reported to the client without closing the socket.
func (e *Endpoint) sendUnread(ctx context.Context, conn *WSConn, userID int64) error {
	if e.inbox == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, e.opts.StoreTimeout)
	defer cancel()

	records, err := e.inbox.UnreadNotifications(ctx, userID, e.opts.UnreadLimit)
	if err != nil {
		e.logger.Warn("unread notifications unavailable", map[string]interface{}{
			"userId": userID,
			"error":  err.Error(),
		})
		failed := reply("error")
		failed.Message = "unread notifications unavailable"
		return e.send(conn, failed)
	}
	if len(records) == 0 {
		return e.send(conn, reply("no_notifications"))
	}
	msg := reply("initial_notifications")
	msg.Notifications = records
	msg.Count = len(records)
	return e.send(conn, msg)
}

func (e *Endpoint) markRead(ctx context.Context, conn *WSConn, userID, notificationID int64) error {
	out := reply("error")
	out.NotificationID = notificationID
	if e.inbox == nil {
		out.Message = "read state unavailable"
		return e.send(conn, out)
	}

	ctx, cancel := context.WithTimeout(ctx, e.opts.StoreTimeout)
	defer cancel()

	changed, err := e.inbox.MarkNotificationRead(ctx, notificationID, userID)
	switch {
	case err != nil:
		e.logger.Warn("mark read failed", map[string]interface{}{
			"userId":         userID,
			"notificationId": notificationID,
			"error":          err.Error(),
		})
		out.Message = "mark read failed"
	case !changed:
		out.Message = "notification not found, not yours or already read"
	default:
		out = reply("notification_marked_read")
		out.NotificationID = notificationID
		out.Status = "success"
	}
	return e.send(conn, out)
}

func (e *Endpoint) keepAlive(conn *WSConn, stop <-chan struct{}) {
	ticker := time.NewTicker(e.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := conn.ping(); err != nil {
				_ = conn.Close()
				return
			}
		}
	}
}

func (e *Endpoint) send(conn *WSConn, msg serverMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return conn.Send(data)
}
