package models

import (
	"fmt"
	"math"
	"time"

	apperrors "github.com/clinicq/queuetrack/internal/errors"
)

type QueueStatus string

const (
	StatusWaiting   QueueStatus = "waiting"
	StatusNotified  QueueStatus = "notified"
	StatusOnWay     QueueStatus = "on-way"
	StatusArrived   QueueStatus = "arrived"
	StatusCompleted QueueStatus = "completed"
	StatusCancelled QueueStatus = "cancelled"
)

func (s QueueStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

func (s QueueStatus) IsActive() bool {
	return s == StatusWaiting || s == StatusNotified || s == StatusOnWay || s == StatusArrived
}

// HasPosition reports whether a queue rank is still meaningful for this
// status. Once the patient has arrived the position is frozen.
func (s QueueStatus) HasPosition() bool {
	return s == StatusWaiting || s == StatusNotified || s == StatusOnWay
}

// ClientInitiated reports whether the client may request this status itself.
// All other transitions are owned by the server.
func (s QueueStatus) ClientInitiated() bool {
	return s == StatusOnWay || s == StatusArrived
}

type TravelMode string

const (
	TravelModeDriving   TravelMode = "driving"
	TravelModeWalking   TravelMode = "walking"
	TravelModeTransit   TravelMode = "transit"
	TravelModeBicycling TravelMode = "bicycling"
)

type Coordinates struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

func (c Coordinates) Validate() error {
	if math.IsNaN(c.Latitude) || math.IsNaN(c.Longitude) {
		return fmt.Errorf("%w: coordinates must not be NaN", apperrors.ErrInvalidInput)
	}
	if c.Latitude < -90 || c.Latitude > 90 {
		return fmt.Errorf("%w: latitude %f out of range", apperrors.ErrInvalidInput, c.Latitude)
	}
	if c.Longitude < -180 || c.Longitude > 180 {
		return fmt.Errorf("%w: longitude %f out of range", apperrors.ErrInvalidInput, c.Longitude)
	}
	return nil
}

// TravelInfo is the client-computed (or server-confirmed) departure estimate.
type TravelInfo struct {
	Mode        TravelMode `json:"mode"`
	DurationMin int        `json:"duration"`
	DistanceKm  *float64   `json:"distance,omitempty"`
	LeaveTime   time.Time  `json:"leaveTime"`
}

// QueueUpdate is one audit-trail record. The trail is append-only; display
// code truncates to the most recent entries but never rewrites history.
type QueueUpdate struct {
	Timestamp time.Time `json:"timestamp"`
	Event     string    `json:"event"`
	OldValue  any       `json:"oldValue,omitempty"`
	NewValue  any       `json:"newValue,omitempty"`
	Message   string    `json:"message,omitempty"`
}

// MaxVisibleUpdates caps how many audit-trail records are shown to the user.
const MaxVisibleUpdates = 20

type QueueEntry struct {
	ID                string        `json:"id"`
	ClinicID          string        `json:"clinicId,omitempty"`
	ProfessionalID    string        `json:"professionalId,omitempty"`
	Position          int           `json:"position"`
	TotalInQueue      int           `json:"totalInQueue"`
	EstimatedWaitTime int           `json:"estimatedWaitTime"`
	Status            QueueStatus   `json:"status"`
	TravelInfo        *TravelInfo   `json:"travelInfo,omitempty"`
	UserLocation      *Coordinates  `json:"userLocation,omitempty"`
	ClinicLocation    *Coordinates  `json:"clinicLocation,omitempty"`
	Updates           []QueueUpdate `json:"updates,omitempty"`
	JoinedAt          time.Time     `json:"joinedAt"`
	NotifiedAt        *time.Time    `json:"notifiedAt,omitempty"`
	ArrivedAt         *time.Time    `json:"arrivedAt,omitempty"`
	CompletedAt       *time.Time    `json:"completedAt,omitempty"`
	UpdatedAt         time.Time     `json:"updatedAt"`
}

func (e *QueueEntry) IsActive() bool {
	return e.Status.IsActive()
}

func (e *QueueEntry) IsTerminal() bool {
	return e.Status.IsTerminal()
}

// AppendUpdate records one audit-trail entry.
func (e *QueueEntry) AppendUpdate(event string, oldValue, newValue any, message string) {
	e.Updates = append(e.Updates, QueueUpdate{
		Timestamp: time.Now(),
		Event:     event,
		OldValue:  oldValue,
		NewValue:  newValue,
		Message:   message,
	})
}

// RecentUpdates returns the newest audit-trail records, capped for display.
func (e *QueueEntry) RecentUpdates() []QueueUpdate {
	if len(e.Updates) <= MaxVisibleUpdates {
		return e.Updates
	}
	return e.Updates[len(e.Updates)-MaxVisibleUpdates:]
}

// Clone returns a deep copy safe to hand to subscribers.
func (e *QueueEntry) Clone() *QueueEntry {
	if e == nil {
		return nil
	}
	cp := *e
	if e.TravelInfo != nil {
		ti := *e.TravelInfo
		cp.TravelInfo = &ti
	}
	if e.UserLocation != nil {
		loc := *e.UserLocation
		cp.UserLocation = &loc
	}
	if e.ClinicLocation != nil {
		loc := *e.ClinicLocation
		cp.ClinicLocation = &loc
	}
	if e.NotifiedAt != nil {
		t := *e.NotifiedAt
		cp.NotifiedAt = &t
	}
	if e.ArrivedAt != nil {
		t := *e.ArrivedAt
		cp.ArrivedAt = &t
	}
	if e.CompletedAt != nil {
		t := *e.CompletedAt
		cp.CompletedAt = &t
	}
	if e.Updates != nil {
		cp.Updates = make([]QueueUpdate, len(e.Updates))
		copy(cp.Updates, e.Updates)
	}
	return &cp
}

// JoinRequest is the payload sent when joining a clinic queue. RequestID is a
// client-generated idempotency key.
type JoinRequest struct {
	ClinicID       string       `json:"clinicId"`
	ProfessionalID string       `json:"professionalId,omitempty"`
	Department     string       `json:"department,omitempty"`
	Notes          string       `json:"notes,omitempty"`
	Location       *Coordinates `json:"location,omitempty"`
	RequestID      string       `json:"requestId,omitempty"`
}

func (r JoinRequest) Validate() error {
	if r.ClinicID == "" {
		return fmt.Errorf("%w: clinic id is required", apperrors.ErrInvalidInput)
	}
	if r.Location != nil {
		if err := r.Location.Validate(); err != nil {
			return err
		}
	}
	return nil
}
