package models

import (
	"encoding/json"
	"time"
)

// Push-channel event names. Inbound events are pushed by the server to a
// queue room; outbound events are emitted by the client.
const (
	EventQueueUpdated      = "queue:updated"
	EventQueueNotification = "queue:notification"
	EventQueueCalled       = "queue:called"

	EventJoinRoom       = "queue:join-room"
	EventLeaveRoom      = "queue:leave-room"
	EventPatientArrived = "patient:arrived"
)

// Frame is the wire format for every push-channel message.
type Frame struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// QueueUpdatedEvent is a partial patch. Pointer fields absent from the
// payload stay nil and must not overwrite current state. When Entry is set
// the payload is a full replacement.
type QueueUpdatedEvent struct {
	QueueID           string       `json:"queueId"`
	Position          *int         `json:"position,omitempty"`
	TotalInQueue      *int         `json:"totalInQueue,omitempty"`
	EstimatedWaitTime *int         `json:"estimatedWaitTime,omitempty"`
	Status            *QueueStatus `json:"status,omitempty"`
	Message           string       `json:"message,omitempty"`
	UpdatedAt         time.Time    `json:"updatedAt,omitzero"`
	Entry             *QueueEntry  `json:"entry,omitempty"`
}

// QueueNotificationEvent is an ephemeral message. It is shown to the user
// but never persisted into the queue entry.
type QueueNotificationEvent struct {
	QueueID string    `json:"queueId"`
	Title   string    `json:"title,omitempty"`
	Message string    `json:"message"`
	SentAt  time.Time `json:"sentAt,omitzero"`
}

// QueueCalledEvent is the "it's your turn" signal.
type QueueCalledEvent struct {
	QueueID  string    `json:"queueId"`
	Room     string    `json:"room,omitempty"`
	Message  string    `json:"message,omitempty"`
	CalledAt time.Time `json:"calledAt,omitzero"`
}

// RoomRequest is the payload for join-room / leave-room / patient-arrived.
type RoomRequest struct {
	QueueID string `json:"queueId"`
}
