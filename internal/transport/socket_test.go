package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinicq/queuetrack/internal/models"
	"github.com/clinicq/queuetrack/pkg/logger"
)

// wsHarness runs a websocket server that records every frame the client
// sends and hands out the underlying connections so tests can push events
// or kill the link.
type wsHarness struct {
	srv    *httptest.Server
	frames chan models.Frame
	conns  chan *websocket.Conn
}

func newWSHarness(t *testing.T) *wsHarness {
	t.Helper()
	h := &wsHarness{
		frames: make(chan models.Frame, 32),
		conns:  make(chan *websocket.Conn, 4),
	}

	upgrader := websocket.Upgrader{}
	h.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		h.conns <- conn
		for {
			var frame models.Frame
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			h.frames <- frame
		}
	}))
	t.Cleanup(h.srv.Close)
	return h
}

func (h *wsHarness) url() string {
	return "ws" + strings.TrimPrefix(h.srv.URL, "http")
}

func (h *wsHarness) conn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-h.conns:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for client connection")
		return nil
	}
}

func (h *wsHarness) frame(t *testing.T) models.Frame {
	t.Helper()
	select {
	case f := <-h.frames:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for client frame")
		return models.Frame{}
	}
}

func (h *wsHarness) push(t *testing.T, conn *websocket.Conn, event string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(models.Frame{Event: event, Payload: data}))
}

func newSocketClient(t *testing.T, h *wsHarness, cfg SocketConfig) *SocketClient {
	t.Helper()
	cfg.URL = h.url()
	c := NewSocketClient(cfg, logger.InitializeTestZapLogger())
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() { c.Close() })
	return c
}

func TestSocketClient_JoinRoomSendsFrameOnce(t *testing.T) {
	h := newWSHarness(t)
	c := newSocketClient(t, h, SocketConfig{})
	h.conn(t)

	sub1, err := c.JoinRoom(context.Background(), "q1")
	require.NoError(t, err)
	defer sub1.Close()

	frame := h.frame(t)
	assert.Equal(t, models.EventJoinRoom, frame.Event)
	var req models.RoomRequest
	require.NoError(t, json.Unmarshal(frame.Payload, &req))
	assert.Equal(t, "q1", req.QueueID)

	// A second subscription to the same room must not re-send the join
	// frame.
	sub2, err := c.JoinRoom(context.Background(), "q1")
	require.NoError(t, err)
	defer sub2.Close()

	select {
	case f := <-h.frames:
		t.Fatalf("unexpected frame %q after duplicate join", f.Event)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSocketClient_DispatchesEventsToSubscription(t *testing.T) {
	h := newWSHarness(t)
	c := newSocketClient(t, h, SocketConfig{})
	conn := h.conn(t)

	sub, err := c.JoinRoom(context.Background(), "q1")
	require.NoError(t, err)
	defer sub.Close()
	h.frame(t) // join frame

	pos := 2
	h.push(t, conn, models.EventQueueUpdated, models.QueueUpdatedEvent{
		QueueID:  "q1",
		Position: &pos,
	})

	select {
	case ev := <-sub.Events():
		assert.Equal(t, models.EventQueueUpdated, ev.Type)
		require.NotNil(t, ev.Updated)
		require.NotNil(t, ev.Updated.Position)
		assert.Equal(t, 2, *ev.Updated.Position)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dispatched event")
	}
}

func TestSocketClient_IgnoresEventsForOtherRooms(t *testing.T) {
	h := newWSHarness(t)
	c := newSocketClient(t, h, SocketConfig{})
	conn := h.conn(t)

	sub, err := c.JoinRoom(context.Background(), "q1")
	require.NoError(t, err)
	defer sub.Close()
	h.frame(t)

	h.push(t, conn, models.EventQueueCalled, models.QueueCalledEvent{QueueID: "other"})

	select {
	case ev := <-sub.Events():
		t.Fatalf("unexpected event %q for foreign room", ev.Type)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSocketClient_LeaveRoomClosesSubscriptions(t *testing.T) {
	h := newWSHarness(t)
	c := newSocketClient(t, h, SocketConfig{})
	h.conn(t)

	sub, err := c.JoinRoom(context.Background(), "q1")
	require.NoError(t, err)
	h.frame(t)

	c.LeaveRoom("q1")

	select {
	case _, ok := <-sub.Events():
		assert.False(t, ok, "events channel should be closed")
	case <-time.After(2 * time.Second):
		t.Fatal("events channel was not closed")
	}

	frame := h.frame(t)
	assert.Equal(t, models.EventLeaveRoom, frame.Event)
}

func TestSocketClient_SubscriptionCloseLeavesRoom(t *testing.T) {
	h := newWSHarness(t)
	c := newSocketClient(t, h, SocketConfig{})
	h.conn(t)

	sub, err := c.JoinRoom(context.Background(), "q1")
	require.NoError(t, err)
	h.frame(t)

	sub.Close()
	frame := h.frame(t)
	assert.Equal(t, models.EventLeaveRoom, frame.Event)

	// Closing again is a no-op.
	sub.Close()
	select {
	case f := <-h.frames:
		t.Fatalf("unexpected frame %q after repeated close", f.Event)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSocketClient_DispatchRacingLeaveRoom(t *testing.T) {
	h := newWSHarness(t)
	c := newSocketClient(t, h, SocketConfig{})
	h.conn(t)

	for i := 0; i < 32; i++ {
		_, err := c.JoinRoom(context.Background(), "q1")
		require.NoError(t, err)
	}
	h.frame(t) // single join frame for all subscriptions

	pos := 1
	payload, err := json.Marshal(models.QueueUpdatedEvent{QueueID: "q1", Position: &pos})
	require.NoError(t, err)
	data, err := json.Marshal(models.Frame{Event: models.EventQueueUpdated, Payload: payload})
	require.NoError(t, err)

	// Events keep arriving while the room is being left; none of them may
	// land on a closed subscriber channel.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			c.dispatch(data)
		}
	}()
	c.LeaveRoom("q1")
	<-done
}

func TestSocketClient_NotifyArrived(t *testing.T) {
	h := newWSHarness(t)
	c := newSocketClient(t, h, SocketConfig{})
	h.conn(t)

	require.NoError(t, c.NotifyArrived(context.Background(), "q1"))

	frame := h.frame(t)
	assert.Equal(t, models.EventPatientArrived, frame.Event)
	var req models.RoomRequest
	require.NoError(t, json.Unmarshal(frame.Payload, &req))
	assert.Equal(t, "q1", req.QueueID)
}

func TestSocketClient_ReconnectsAndRejoinsRooms(t *testing.T) {
	h := newWSHarness(t)
	c := newSocketClient(t, h, SocketConfig{
		MaxReconnectAttempts: 5,
		ReconnectBackoff:     10 * time.Millisecond,
	})
	conn := h.conn(t)

	sub, err := c.JoinRoom(context.Background(), "q1")
	require.NoError(t, err)
	defer sub.Close()
	h.frame(t)

	// Kill the link server-side; the client must dial back and rejoin.
	conn.Close()

	newConn := h.conn(t)
	frame := h.frame(t)
	assert.Equal(t, models.EventJoinRoom, frame.Event)

	require.Eventually(t, func() bool {
		return c.Status() == SocketConnected
	}, 2*time.Second, 10*time.Millisecond)

	// The rejoined room still receives events.
	h.push(t, newConn, models.EventQueueNotification, models.QueueNotificationEvent{
		QueueID: "q1",
		Message: "almost there",
	})
	select {
	case ev := <-sub.Events():
		assert.Equal(t, models.EventQueueNotification, ev.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for post-reconnect event")
	}
}

func TestSocketClient_SurfacesDisconnectedAfterExhaustedRetries(t *testing.T) {
	h := newWSHarness(t)
	c := newSocketClient(t, h, SocketConfig{
		MaxReconnectAttempts: 2,
		ReconnectBackoff:     10 * time.Millisecond,
	})
	conn := h.conn(t)

	statusCh := c.StatusChanges()

	// Make every redial fail.
	h.srv.CloseClientConnections()
	h.srv.Close()
	conn.Close()

	waitStatus := func(want SocketStatus) {
		t.Helper()
		deadline := time.After(3 * time.Second)
		for {
			select {
			case st := <-statusCh:
				if st == want {
					return
				}
			case <-deadline:
				t.Fatalf("timed out waiting for status %q", want)
			}
		}
	}

	waitStatus(SocketReconnecting)
	waitStatus(SocketDisconnected)
	assert.Equal(t, SocketDisconnected, c.Status())
}
