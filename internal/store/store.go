package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/clinicq/queuetrack/internal/errors"
	"github.com/clinicq/queuetrack/internal/models"
	"github.com/clinicq/queuetrack/internal/storage"
	"github.com/clinicq/queuetrack/internal/transport"
	"github.com/clinicq/queuetrack/internal/travel"
	"github.com/clinicq/queuetrack/monitoring"
	"github.com/clinicq/queuetrack/pkg/logger"
)

// Locator supplies device coordinates on demand. The geolocation provider
// is platform code and stays outside this package.
type Locator interface {
	Current(ctx context.Context) (models.Coordinates, error)
}

// Snapshot is the read-only view handed to subscribers.
type Snapshot struct {
	Entry         *models.QueueEntry
	PendingStatus *models.QueueStatus
	IsLoading     bool
	Err           error
	Connectivity  transport.SocketStatus
}

// QueueStore owns the single active queue entry for the current user. All
// mutations go through it; the transport layer and UI only read state or
// submit commands.
type QueueStore interface {
	Start(ctx context.Context) error
	JoinQueue(ctx context.Context, req models.JoinRequest) (*models.QueueEntry, error)
	LeaveQueue(ctx context.Context, reason string) error
	UpdateLocation(ctx context.Context, loc models.Coordinates) (*models.QueueEntry, error)
	UpdateStatus(ctx context.Context, status models.QueueStatus) (*models.QueueEntry, error)
	RefreshQueue(ctx context.Context) (*models.QueueEntry, error)
	SetTravelMode(ctx context.Context, mode models.TravelMode) error
	Active() *models.QueueEntry
	Err() error
	Subscribe() (<-chan Snapshot, func())
	Notifications() <-chan models.QueueNotificationEvent
	Close() error
}

type Config struct {
	LocationInterval time.Duration
}

type queueStore struct {
	api     transport.QueueAPI
	rooms   transport.RoomClient
	st      storage.Storage
	locator Locator
	cfg     Config
	l       logger.Logger

	mu           sync.Mutex
	entry        *models.QueueEntry
	pending      *models.QueueStatus
	isLoading    bool
	err          error
	connectivity transport.SocketStatus
	sub          transport.Subscription
	stopLoc      chan struct{}
	watchers     map[int]chan Snapshot
	nextWatcher  int
	notifCh      chan models.QueueNotificationEvent
	closed       bool
}

func New(
	api transport.QueueAPI,
	rooms transport.RoomClient,
	st storage.Storage,
	locator Locator,
	cfg Config,
	l logger.Logger,
) QueueStore {
	if cfg.LocationInterval <= 0 {
		cfg.LocationInterval = 30 * time.Second
	}
	return &queueStore{
		api:      api,
		rooms:    rooms,
		st:       st,
		locator:  locator,
		cfg:      cfg,
		l:        l,
		watchers: make(map[int]chan Snapshot),
		notifCh:  make(chan models.QueueNotificationEvent, 8),
	}
}

// Start restores persisted state and begins watching push-channel
// connectivity. Call once, after the socket client is connected.
func (s *queueStore) Start(ctx context.Context) error {
	rec, err := s.st.Load(ctx)
	if err != nil {
		s.l.Warnf(ctx, "failed to load persisted queue state: %v", err)
	}

	if rec != nil && rec.CurrentQueue != nil && rec.CurrentQueue.IsActive() {
		s.mu.Lock()
		s.entry = rec.CurrentQueue.Clone()
		s.notifyLocked()
		id := s.entry.ID
		s.mu.Unlock()

		s.l.Info(ctx, "restored active queue entry",
			"queue_id", id,
			"last_update", rec.LastUpdate,
		)
		if err := s.attachRoom(ctx, id); err != nil {
			s.l.Warnf(ctx, "failed to rejoin queue room: %v", err)
		}
		s.startLocationLoop()
	}

	go s.watchConnectivity()
	return nil
}

func (s *queueStore) JoinQueue(ctx context.Context, req models.JoinRequest) (*models.QueueEntry, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("queue store is closed")
	}
	if s.isLoading {
		s.mu.Unlock()
		return nil, apperrors.ErrBusy
	}
	if s.entry != nil && s.entry.IsActive() {
		s.mu.Unlock()
		return nil, apperrors.ErrAlreadyInQueue
	}
	s.isLoading = true
	s.err = nil
	s.notifyLocked()
	s.mu.Unlock()

	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}

	entry, err := s.api.Join(ctx, req)
	monitoring.TrackCommand("join", err)
	if err != nil {
		s.mu.Lock()
		s.isLoading = false
		s.err = err
		s.notifyLocked()
		s.mu.Unlock()
		return nil, err
	}

	adopted := entry.Clone()
	if adopted.UserLocation == nil {
		adopted.UserLocation = req.Location
	}

	s.mu.Lock()
	s.isLoading = false
	s.entry = adopted
	s.persistLocked(ctx)
	s.notifyLocked()
	s.mu.Unlock()

	if err := s.attachRoom(ctx, adopted.ID); err != nil {
		s.l.Warnf(ctx, "failed to join queue room: %v", err)
	}
	s.startLocationLoop()

	return adopted.Clone(), nil
}

// LeaveQueue clears local state unconditionally: listeners are removed
// before the network call, and the entry is dropped even when the call
// fails. The error is still recorded and returned.
func (s *queueStore) LeaveQueue(ctx context.Context, reason string) error {
	s.mu.Lock()
	if s.entry == nil {
		s.mu.Unlock()
		return apperrors.ErrNoActiveQueue
	}
	id := s.entry.ID
	s.stopLocationLocked()
	s.sub = nil
	s.mu.Unlock()

	s.rooms.LeaveRoom(id)

	err := s.api.Leave(ctx, id, reason)
	monitoring.TrackCommand("leave", err)

	s.mu.Lock()
	s.clearLocked(ctx)
	s.err = err
	s.notifyLocked()
	s.mu.Unlock()

	if err != nil {
		s.l.Warnf(ctx, "leave command failed, local state cleared anyway: %v", err)
	}
	return err
}

func (s *queueStore) UpdateLocation(ctx context.Context, loc models.Coordinates) (*models.QueueEntry, error) {
	if err := loc.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.entry == nil || !s.entry.IsActive() {
		s.mu.Unlock()
		return nil, apperrors.ErrNoActiveQueue
	}
	id := s.entry.ID
	s.mu.Unlock()

	entry, err := s.api.UpdateLocation(ctx, id, loc)
	monitoring.TrackCommand("update_location", err)
	if err != nil {
		s.mu.Lock()
		s.err = err
		s.notifyLocked()
		s.mu.Unlock()
		return nil, err
	}

	s.mu.Lock()
	if s.entry == nil || s.entry.ID != entry.ID {
		// queue was cleared while the request was in flight
		s.mu.Unlock()
		return entry.Clone(), nil
	}
	adopted := entry.Clone()
	if len(adopted.Updates) == 0 {
		adopted.Updates = s.entry.Updates
	}
	if adopted.UserLocation == nil {
		l := loc
		adopted.UserLocation = &l
	}
	s.entry = adopted
	s.recomputeTravelLocked()
	s.err = nil
	s.persistLocked(ctx)
	s.notifyLocked()
	out := adopted.Clone()
	s.mu.Unlock()

	return out, nil
}

// UpdateStatus performs the optimistic on-way/arrived transition: the local
// guess is applied immediately, then reconciled against the server's echoed
// entry, or rolled back when the command fails.
func (s *queueStore) UpdateStatus(ctx context.Context, status models.QueueStatus) (*models.QueueEntry, error) {
	if !status.ClientInitiated() {
		return nil, fmt.Errorf("%w: status %q is server-only", apperrors.ErrInvalidInput, status)
	}

	s.mu.Lock()
	if s.entry == nil || !s.entry.IsActive() {
		s.mu.Unlock()
		return nil, apperrors.ErrNoActiveQueue
	}
	e := s.entry
	if status == models.StatusOnWay && e.Status != models.StatusNotified {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: cannot mark on-way from %q", apperrors.ErrInvalidInput, e.Status)
	}
	if status == models.StatusArrived && e.Status != models.StatusOnWay {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: cannot mark arrived from %q", apperrors.ErrInvalidInput, e.Status)
	}

	id := e.ID
	prev := e.Status
	hadArrivedAt := e.ArrivedAt != nil
	s.transitionLocked(status, time.Now(), "marked by patient")
	guess := status
	s.pending = &guess
	s.notifyLocked()
	s.mu.Unlock()

	entry, err := s.api.UpdateStatus(ctx, id, status)
	monitoring.TrackCommand("update_status", err)
	if err != nil {
		s.mu.Lock()
		if s.entry != nil && s.entry.ID == id && s.pending != nil && *s.pending == status {
			s.entry.Status = prev
			if status == models.StatusArrived && !hadArrivedAt {
				s.entry.ArrivedAt = nil
			}
			s.entry.AppendUpdate("status", string(status), string(prev), "server rejected update")
			s.pending = nil
		}
		s.err = err
		s.persistLocked(ctx)
		s.notifyLocked()
		s.mu.Unlock()
		s.startLocationLoop()
		return nil, err
	}

	s.mu.Lock()
	var out *models.QueueEntry
	if s.entry != nil && s.entry.ID == entry.ID {
		adopted := entry.Clone()
		if len(adopted.Updates) == 0 {
			adopted.Updates = s.entry.Updates
		}
		s.entry = adopted
		s.pending = nil
		s.err = nil
		s.persistLocked(ctx)
		s.notifyLocked()
		out = adopted.Clone()
	} else {
		out = entry.Clone()
	}
	s.mu.Unlock()

	if status == models.StatusArrived {
		if err := s.rooms.NotifyArrived(ctx, id); err != nil {
			s.l.Debugf(ctx, "arrived signal not delivered over push channel: %v", err)
		}
	}

	return out, nil
}

func (s *queueStore) RefreshQueue(ctx context.Context) (*models.QueueEntry, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("queue store is closed")
	}
	s.isLoading = true
	s.notifyLocked()
	s.mu.Unlock()

	entry, err := s.api.GetActive(ctx)
	monitoring.TrackCommand("refresh", err)

	var leaveRoom string
	s.mu.Lock()
	s.isLoading = false
	if err != nil {
		s.err = err
		s.notifyLocked()
		s.mu.Unlock()
		return nil, err
	}

	if entry == nil {
		if s.entry != nil {
			leaveRoom = s.entry.ID
			s.clearLocked(ctx)
		}
		s.err = nil
		s.notifyLocked()
		s.mu.Unlock()
		if leaveRoom != "" {
			s.rooms.LeaveRoom(leaveRoom)
		}
		return nil, nil
	}

	prevID := ""
	if s.entry != nil {
		prevID = s.entry.ID
	}
	adopted := entry.Clone()
	if prevID == entry.ID && len(adopted.Updates) == 0 {
		adopted.Updates = s.entry.Updates
	}
	s.entry = adopted
	s.err = nil
	s.persistLocked(ctx)
	s.notifyLocked()
	needAttach := s.sub == nil || prevID != entry.ID
	out := adopted.Clone()
	s.mu.Unlock()

	if needAttach {
		if err := s.attachRoom(ctx, entry.ID); err != nil {
			s.l.Warnf(ctx, "failed to join queue room: %v", err)
		}
		s.startLocationLoop()
	}

	return out, nil
}

// SetTravelMode recomputes the departure estimate locally for a new mode.
func (s *queueStore) SetTravelMode(ctx context.Context, mode models.TravelMode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.entry == nil || !s.entry.IsActive() {
		return apperrors.ErrNoActiveQueue
	}
	e := s.entry
	if e.UserLocation == nil || e.ClinicLocation == nil {
		return fmt.Errorf("%w: location unknown, cannot estimate travel", apperrors.ErrInvalidInput)
	}

	ti, err := travel.Plan(*e.UserLocation, *e.ClinicLocation, mode, e.EstimatedWaitTime, time.Now())
	if err != nil {
		return err
	}

	var oldMode models.TravelMode
	if e.TravelInfo != nil {
		oldMode = e.TravelInfo.Mode
	}
	e.TravelInfo = ti
	if oldMode != mode {
		e.AppendUpdate("travelMode", string(oldMode), string(mode), "")
	}
	s.persistLocked(ctx)
	s.notifyLocked()
	return nil
}

func (s *queueStore) Active() *models.QueueEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entry.Clone()
}

func (s *queueStore) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Subscribe registers a snapshot watcher. The returned cancel func owns the
// cleanup; the channel is closed on cancel and on store Close.
func (s *queueStore) Subscribe() (<-chan Snapshot, func()) {
	s.mu.Lock()
	id := s.nextWatcher
	s.nextWatcher++
	ch := make(chan Snapshot, 8)
	s.watchers[id] = ch
	ch <- s.snapshotLocked()
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		if c, ok := s.watchers[id]; ok {
			delete(s.watchers, id)
			close(c)
		}
		s.mu.Unlock()
	}
	return ch, cancel
}

// Notifications delivers ephemeral push messages. They are never persisted
// into the queue entry.
func (s *queueStore) Notifications() <-chan models.QueueNotificationEvent {
	return s.notifCh
}

func (s *queueStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.stopLocationLocked()
	sub := s.sub
	s.sub = nil
	for id, ch := range s.watchers {
		delete(s.watchers, id)
		close(ch)
	}
	close(s.notifCh)
	s.mu.Unlock()

	if sub != nil {
		sub.Close()
	}
	return nil
}

func (s *queueStore) attachRoom(ctx context.Context, queueID string) error {
	sub, err := s.rooms.JoinRoom(ctx, queueID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed || s.entry == nil || s.entry.ID != queueID {
		s.mu.Unlock()
		sub.Close()
		return nil
	}
	s.sub = sub
	s.mu.Unlock()

	go s.pumpEvents(sub)
	return nil
}

func (s *queueStore) pumpEvents(sub transport.Subscription) {
	for ev := range sub.Events() {
		s.handlePush(ev)
	}
}

func (s *queueStore) handlePush(ev transport.PushEvent) {
	switch ev.Type {
	case models.EventQueueUpdated:
		if ev.Updated != nil {
			s.applyUpdated(ev.Updated)
		}
	case models.EventQueueNotification:
		if ev.Notification != nil {
			s.deliverNotification(*ev.Notification)
		}
	case models.EventQueueCalled:
		if ev.Called != nil {
			s.applyCalled(ev.Called)
		}
	}
}

// applyUpdated merges an inbound patch. Only fields present in the payload
// are applied; a patch carrying an older server timestamp than current
// state is dropped.
func (s *queueStore) applyUpdated(p *models.QueueUpdatedEvent) {
	var leaveRoom string

	s.mu.Lock()
	e := s.entry
	if e == nil || (p.QueueID != "" && e.ID != p.QueueID) {
		s.mu.Unlock()
		return
	}

	if p.Entry != nil && p.Entry.ID == e.ID {
		incoming := p.Entry.Clone()
		if incoming.UpdatedAt.Before(e.UpdatedAt) {
			s.l.Debugf(context.Background(), "dropping stale full update for %s", e.ID)
			s.mu.Unlock()
			return
		}
		if len(incoming.Updates) == 0 {
			incoming.Updates = e.Updates
		}
		from := e.Status
		s.entry = incoming
		if incoming.Status != from {
			leaveRoom = s.finishTransitionLocked(from, incoming.Status, incoming.UpdatedAt, p.Message)
		} else {
			s.persistLocked(context.Background())
		}
		s.notifyLocked()
		s.mu.Unlock()
		if leaveRoom != "" {
			s.rooms.LeaveRoom(leaveRoom)
		}
		return
	}

	if !p.UpdatedAt.IsZero() && p.UpdatedAt.Before(e.UpdatedAt) {
		s.l.Debugf(context.Background(), "dropping stale update for %s", e.ID)
		s.mu.Unlock()
		return
	}

	if p.Position != nil && e.Status.HasPosition() && *p.Position != e.Position {
		e.AppendUpdate("position", e.Position, *p.Position, p.Message)
		e.Position = *p.Position
	}
	if p.TotalInQueue != nil {
		e.TotalInQueue = *p.TotalInQueue
	}
	if p.EstimatedWaitTime != nil && *p.EstimatedWaitTime != e.EstimatedWaitTime {
		e.AppendUpdate("estimatedWaitTime", e.EstimatedWaitTime, *p.EstimatedWaitTime, "")
		e.EstimatedWaitTime = *p.EstimatedWaitTime
		s.recomputeTravelLocked()
	}
	if !p.UpdatedAt.IsZero() {
		e.UpdatedAt = p.UpdatedAt
	}

	if p.Status != nil && *p.Status != e.Status {
		leaveRoom = s.transitionLocked(*p.Status, p.UpdatedAt, p.Message)
	} else {
		s.persistLocked(context.Background())
	}
	s.notifyLocked()
	s.mu.Unlock()

	if leaveRoom != "" {
		s.rooms.LeaveRoom(leaveRoom)
	}
}

// applyCalled handles the "it's your turn" signal: a waiting entry moves to
// notified, and the message is surfaced as a notification.
func (s *queueStore) applyCalled(p *models.QueueCalledEvent) {
	s.mu.Lock()
	e := s.entry
	if e != nil && e.ID == p.QueueID && e.Status == models.StatusWaiting {
		s.transitionLocked(models.StatusNotified, p.CalledAt, p.Message)
		s.notifyLocked()
	}
	s.mu.Unlock()

	msg := p.Message
	if msg == "" {
		msg = "It's your turn"
	}
	s.deliverNotification(models.QueueNotificationEvent{
		QueueID: p.QueueID,
		Title:   "Called",
		Message: msg,
		SentAt:  p.CalledAt,
	})
}

func (s *queueStore) deliverNotification(n models.QueueNotificationEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.notifCh <- n:
	default:
		s.l.Warn(context.Background(), "notification buffer full, dropping message",
			"queue_id", n.QueueID,
		)
	}
}

// transitionLocked applies a status change to the current entry and returns
// the room id to leave when the new status is terminal. Requires s.mu held.
func (s *queueStore) transitionLocked(to models.QueueStatus, at time.Time, msg string) string {
	from := s.entry.Status
	s.entry.Status = to
	return s.finishTransitionLocked(from, to, at, msg)
}

func (s *queueStore) finishTransitionLocked(from, to models.QueueStatus, at time.Time, msg string) string {
	e := s.entry
	if at.IsZero() {
		at = time.Now()
	}
	switch to {
	case models.StatusNotified:
		if e.NotifiedAt == nil {
			t := at
			e.NotifiedAt = &t
		}
	case models.StatusArrived:
		if e.ArrivedAt == nil {
			t := at
			e.ArrivedAt = &t
		}
	case models.StatusCompleted:
		if e.CompletedAt == nil {
			t := at
			e.CompletedAt = &t
		}
	}
	e.AppendUpdate("status", string(from), string(to), msg)
	if s.pending != nil && *s.pending == to {
		s.pending = nil
	}

	if to.IsTerminal() {
		id := e.ID
		s.clearLocked(context.Background())
		return id
	}
	if !to.HasPosition() {
		s.stopLocationLocked()
	}
	s.persistLocked(context.Background())
	return ""
}

// clearLocked drops the active entry and its persisted record. Requires
// s.mu held.
func (s *queueStore) clearLocked(ctx context.Context) {
	s.stopLocationLocked()
	s.entry = nil
	s.pending = nil
	s.sub = nil
	if err := s.st.Clear(ctx); err != nil {
		s.l.Warnf(ctx, "failed to clear persisted queue state: %v", err)
	}
}

func (s *queueStore) persistLocked(ctx context.Context) {
	if s.entry == nil {
		return
	}
	rec := &storage.Record{
		CurrentQueue: s.entry.Clone(),
		IsInQueue:    s.entry.IsActive(),
		LastUpdate:   time.Now(),
	}
	if err := s.st.Save(ctx, rec); err != nil {
		s.l.Warnf(ctx, "failed to persist queue state: %v", err)
	}
}

func (s *queueStore) recomputeTravelLocked() {
	e := s.entry
	if e == nil || e.TravelInfo == nil || e.UserLocation == nil || e.ClinicLocation == nil {
		return
	}
	ti, err := travel.Plan(*e.UserLocation, *e.ClinicLocation, e.TravelInfo.Mode, e.EstimatedWaitTime, time.Now())
	if err != nil {
		s.l.Debugf(context.Background(), "travel estimate skipped: %v", err)
		return
	}
	e.TravelInfo = ti
}

func (s *queueStore) snapshotLocked() Snapshot {
	var pending *models.QueueStatus
	if s.pending != nil {
		p := *s.pending
		pending = &p
	}
	return Snapshot{
		Entry:         s.entry.Clone(),
		PendingStatus: pending,
		IsLoading:     s.isLoading,
		Err:           s.err,
		Connectivity:  s.connectivity,
	}
}

func (s *queueStore) notifyLocked() {
	snap := s.snapshotLocked()
	for _, ch := range s.watchers {
		select {
		case ch <- snap:
		default:
		}
	}
}

func (s *queueStore) watchConnectivity() {
	for st := range s.rooms.StatusChanges() {
		s.mu.Lock()
		s.connectivity = st
		switch {
		case st == transport.SocketDisconnected:
			s.err = apperrors.ErrConnectionLost
		case st == transport.SocketConnected && errors.Is(s.err, apperrors.ErrConnectionLost):
			s.err = nil
		}
		s.notifyLocked()
		s.mu.Unlock()
	}
}

func (s *queueStore) startLocationLoop() {
	if s.locator == nil {
		return
	}
	s.mu.Lock()
	if s.closed || s.stopLoc != nil || s.entry == nil || !s.entry.Status.HasPosition() {
		s.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	s.stopLoc = stop
	s.mu.Unlock()

	go s.runLocationLoop(stop)
}

// runLocationLoop re-sends device coordinates while the entry still holds a
// queue position. The stop channel is owned by the store and closed on
// every exit path: explicit leave, terminal status, error clear, Close.
func (s *queueStore) runLocationLoop(stop chan struct{}) {
	ticker := time.NewTicker(s.cfg.LocationInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		s.mu.Lock()
		active := s.entry != nil && s.entry.Status.HasPosition()
		s.mu.Unlock()
		if !active {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		loc, err := s.locator.Current(ctx)
		if err != nil {
			s.l.Debugf(ctx, "geolocation unavailable: %v", err)
			cancel()
			continue
		}
		if _, err := s.UpdateLocation(ctx, loc); err != nil {
			s.l.Warnf(ctx, "periodic location update failed: %v", err)
		}
		cancel()
	}
}

// stopLocationLocked requires s.mu held.
func (s *queueStore) stopLocationLocked() {
	if s.stopLoc != nil {
		close(s.stopLoc)
		s.stopLoc = nil
	}
}
