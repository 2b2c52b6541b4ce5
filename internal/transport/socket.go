package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	apperrors "github.com/clinicq/queuetrack/internal/errors"
	"github.com/clinicq/queuetrack/internal/models"
	"github.com/clinicq/queuetrack/monitoring"
	"github.com/clinicq/queuetrack/pkg/logger"
)

type SocketStatus string

const (
	SocketConnected    SocketStatus = "connected"
	SocketReconnecting SocketStatus = "reconnecting"
	SocketDisconnected SocketStatus = "disconnected"
)

const writeWait = 10 * time.Second

// PushEvent is one inbound push-channel event. Exactly one of the payload
// fields is set, matching Type.
type PushEvent struct {
	Type         string
	Updated      *models.QueueUpdatedEvent
	Notification *models.QueueNotificationEvent
	Called       *models.QueueCalledEvent
}

// Subscription delivers events for one queue room. The Events channel is
// closed when the subscription is closed; Close is idempotent and owns the
// listener cleanup, so callers cannot leak handlers across join/leave
// cycles.
type Subscription interface {
	QueueID() string
	Events() <-chan PushEvent
	Close()
}

type roomSub struct {
	queueID string
	detach  func(*roomSub)

	mu     sync.Mutex
	closed bool
	ch     chan PushEvent
}

func (s *roomSub) QueueID() string          { return s.queueID }
func (s *roomSub) Events() <-chan PushEvent { return s.ch }

// deliver sends without blocking. Sends and close are serialized on the
// subscription's own mutex, so an event racing a leave can never land on a
// closed channel.
func (s *roomSub) deliver(ev PushEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- ev:
		return true
	default:
		return false
	}
}

func (s *roomSub) closeChan() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

func (s *roomSub) Close() {
	if s.detach != nil {
		s.detach(s)
		return
	}
	s.closeChan()
}

type SocketConfig struct {
	URL                  string
	Token                string
	HandshakeTimeout     time.Duration
	MaxReconnectAttempts int
	ReconnectBackoff     time.Duration
}

// RoomClient is the push-channel surface the state store depends on.
type RoomClient interface {
	JoinRoom(ctx context.Context, queueID string) (Subscription, error)
	LeaveRoom(queueID string)
	NotifyArrived(ctx context.Context, queueID string) error
	Status() SocketStatus
	StatusChanges() <-chan SocketStatus
}

// SocketClient maintains the persistent bidirectional event channel,
// including bounded linear-backoff reconnects and per-room fan-out.
type SocketClient struct {
	cfg SocketConfig
	l   logger.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	rooms    map[string]map[*roomSub]struct{}
	joined   map[string]struct{}
	status   SocketStatus
	statusCh chan SocketStatus
	closed   bool
	done     chan struct{}

	writeMu sync.Mutex
}

func NewSocketClient(cfg SocketConfig, l logger.Logger) *SocketClient {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = 5
	}
	if cfg.ReconnectBackoff <= 0 {
		cfg.ReconnectBackoff = 2 * time.Second
	}

	return &SocketClient{
		cfg:      cfg,
		l:        l,
		rooms:    make(map[string]map[*roomSub]struct{}),
		joined:   make(map[string]struct{}),
		status:   SocketDisconnected,
		statusCh: make(chan SocketStatus, 8),
		done:     make(chan struct{}),
	}
}

func (c *SocketClient) Connect(ctx context.Context) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return fmt.Errorf("failed to connect push channel: %w", err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return fmt.Errorf("socket client is closed")
	}
	c.conn = conn
	c.setStatusLocked(SocketConnected)
	c.mu.Unlock()

	monitoring.SetSocketConnected(true)
	go c.readLoop(conn)

	return nil
}

func (c *SocketClient) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.HandshakeTimeout}
	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, header)
	return conn, err
}

// JoinRoom subscribes to server-pushed events for one queue entry. Calling
// it twice for the same id registers a second subscription but sends the
// join frame only once, so the server never duplicates delivery.
func (c *SocketClient) JoinRoom(ctx context.Context, queueID string) (Subscription, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("socket client is closed")
	}
	sub := &roomSub{
		queueID: queueID,
		ch:      make(chan PushEvent, 16),
		detach:  c.removeSub,
	}
	if c.rooms[queueID] == nil {
		c.rooms[queueID] = make(map[*roomSub]struct{})
	}
	c.rooms[queueID][sub] = struct{}{}
	_, alreadyJoined := c.joined[queueID]
	c.joined[queueID] = struct{}{}
	c.mu.Unlock()

	if !alreadyJoined {
		if err := c.send(models.EventJoinRoom, models.RoomRequest{QueueID: queueID}); err != nil {
			c.removeSub(sub)
			return nil, err
		}
	}

	c.l.Debug(ctx, "joined queue room", "queue_id", queueID)
	return sub, nil
}

// LeaveRoom drops every subscription for the queue id. Listeners are
// removed synchronously, before the leave frame goes out, so no callback
// can fire against torn-down state.
func (c *SocketClient) LeaveRoom(queueID string) {
	c.mu.Lock()
	subs := c.rooms[queueID]
	delete(c.rooms, queueID)
	_, wasJoined := c.joined[queueID]
	delete(c.joined, queueID)
	c.mu.Unlock()

	for sub := range subs {
		sub.closeChan()
	}

	if wasJoined {
		if err := c.send(models.EventLeaveRoom, models.RoomRequest{QueueID: queueID}); err != nil {
			c.l.Warn(context.Background(), "failed to send leave-room frame",
				"queue_id", queueID,
				"error", err,
			)
		}
	}
}

// NotifyArrived emits the patient:arrived signal for the queue entry.
func (c *SocketClient) NotifyArrived(ctx context.Context, queueID string) error {
	return c.send(models.EventPatientArrived, models.RoomRequest{QueueID: queueID})
}

func (c *SocketClient) Status() SocketStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// StatusChanges exposes connectivity transitions. SocketDisconnected after
// exhausted reconnects is the ConnectionLost condition.
func (c *SocketClient) StatusChanges() <-chan SocketStatus {
	return c.statusCh
}

func (c *SocketClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	conn := c.conn
	c.conn = nil

	var subs []*roomSub
	for _, set := range c.rooms {
		for sub := range set {
			subs = append(subs, sub)
		}
	}
	c.rooms = make(map[string]map[*roomSub]struct{})
	c.joined = make(map[string]struct{})
	close(c.statusCh)
	c.mu.Unlock()

	for _, sub := range subs {
		sub.closeChan()
	}
	if conn != nil {
		conn.Close()
	}
	monitoring.SetSocketConnected(false)

	return nil
}

func (c *SocketClient) removeSub(s *roomSub) {
	leave := false
	c.mu.Lock()
	if set := c.rooms[s.queueID]; set != nil {
		delete(set, s)
		if len(set) == 0 {
			delete(c.rooms, s.queueID)
			if _, ok := c.joined[s.queueID]; ok {
				delete(c.joined, s.queueID)
				leave = true
			}
		}
	}
	c.mu.Unlock()

	s.closeChan()

	if leave {
		_ = c.send(models.EventLeaveRoom, models.RoomRequest{QueueID: s.queueID})
	}
}

func (c *SocketClient) send(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", event, err)
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return apperrors.ErrConnectionLost
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(models.Frame{Event: event, Payload: data})
}

func (c *SocketClient) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				return
			default:
			}
			c.reconnect()
			return
		}
		c.dispatch(data)
	}
}

// reconnect retries with linear backoff. On success it rejoins every room
// the client was subscribed to; on exhaustion it surfaces
// SocketDisconnected to status subscribers instead of failing silently.
func (c *SocketClient) reconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.setStatusLocked(SocketReconnecting)
	c.mu.Unlock()
	monitoring.SetSocketConnected(false)

	for attempt := 1; attempt <= c.cfg.MaxReconnectAttempts; attempt++ {
		select {
		case <-c.done:
			return
		case <-time.After(time.Duration(attempt) * c.cfg.ReconnectBackoff):
		}

		monitoring.TrackReconnect()
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.HandshakeTimeout)
		conn, err := c.dial(ctx)
		cancel()
		if err != nil {
			c.l.Warnf(context.Background(), "push channel reconnect attempt %d/%d failed: %v",
				attempt, c.cfg.MaxReconnectAttempts, err)
			continue
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			conn.Close()
			return
		}
		c.conn = conn
		c.setStatusLocked(SocketConnected)
		rooms := make([]string, 0, len(c.joined))
		for id := range c.joined {
			rooms = append(rooms, id)
		}
		c.mu.Unlock()
		monitoring.SetSocketConnected(true)

		for _, id := range rooms {
			if err := c.send(models.EventJoinRoom, models.RoomRequest{QueueID: id}); err != nil {
				c.l.Warn(context.Background(), "failed to rejoin room after reconnect",
					"queue_id", id,
					"error", err,
				)
			}
		}

		go c.readLoop(conn)
		return
	}

	c.l.Error(context.Background(), "push channel reconnect attempts exhausted")
	c.mu.Lock()
	c.setStatusLocked(SocketDisconnected)
	c.mu.Unlock()
}

func (c *SocketClient) dispatch(data []byte) {
	var frame models.Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		c.l.Warnf(context.Background(), "invalid push frame: %v", err)
		return
	}

	ev := PushEvent{Type: frame.Event}
	var queueID string

	switch frame.Event {
	case models.EventQueueUpdated:
		var p models.QueueUpdatedEvent
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			c.l.Warnf(context.Background(), "invalid %s payload: %v", frame.Event, err)
			return
		}
		ev.Updated = &p
		queueID = p.QueueID
	case models.EventQueueNotification:
		var p models.QueueNotificationEvent
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			c.l.Warnf(context.Background(), "invalid %s payload: %v", frame.Event, err)
			return
		}
		ev.Notification = &p
		queueID = p.QueueID
	case models.EventQueueCalled:
		var p models.QueueCalledEvent
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			c.l.Warnf(context.Background(), "invalid %s payload: %v", frame.Event, err)
			return
		}
		ev.Called = &p
		queueID = p.QueueID
	default:
		c.l.Debugf(context.Background(), "ignoring unknown push event %q", frame.Event)
		return
	}

	monitoring.TrackPushEvent(frame.Event)

	c.mu.Lock()
	subs := make([]*roomSub, 0, len(c.rooms[queueID]))
	for sub := range c.rooms[queueID] {
		subs = append(subs, sub)
	}
	c.mu.Unlock()

	for _, sub := range subs {
		if !sub.deliver(ev) {
			c.l.Warn(context.Background(), "subscriber gone or buffer full, dropping event",
				"queue_id", queueID,
				"event", frame.Event,
			)
		}
	}
}

// setStatusLocked requires c.mu held.
func (c *SocketClient) setStatusLocked(status SocketStatus) {
	if c.closed || c.status == status {
		return
	}
	c.status = status
	select {
	case c.statusCh <- status:
	default:
	}
}
