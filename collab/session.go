package collab

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"collab-service/domain"
)

// SessionDeps carries the external collaborators a session talks to.
type SessionDeps struct {
	Presence  PresenceTransport
	Broadcast BroadcastTransport
	Changes   ChangeFeed
	Store     TaskStore
}

// MoveResult reports the outcome of a MoveTask commit.
type MoveResult struct {
	Success  bool `json:"success"`
	Conflict bool `json:"conflict,omitempty"`
}

// Session wires the collaboration components together for one (team, user)
// pair and owns their lifecycle. All state is local to the session;
// consistency with other instances exists only through the transport.
type Session struct {
	id     string
	teamID string
	userID string
	cfg    Config
	deps   SessionDeps
	logger *log.Logger
	tracer trace.Tracer
	now    func() time.Time

	registry *EventRegistry
	tracker  *PresenceTracker
	detector *ConflictDetector
	bridge   *ChangeBridge
	bus      *BroadcastBus

	mu        sync.Mutex
	connected bool
	closed    bool
	cancel    context.CancelFunc
	loopDone  chan struct{}
	pf        PresenceFeed
	bf        BroadcastFeed
	cs        ChangeStream
}

// NewSession builds the component graph for one user on one team channel.
func NewSession(cfg Config, teamID string, user domain.UserPresence, deps SessionDeps, logger *log.Logger) *Session {
	if deps.Presence == nil || deps.Broadcast == nil || deps.Changes == nil || deps.Store == nil {
		panic("all session dependencies are required")
	}
	if logger == nil {
		panic("logger is required")
	}
	cfg = cfg.withDefaults()
	registry := NewEventRegistry(logger)
	tracker := NewPresenceTracker(teamID, user, deps.Presence, registry, logger)
	detector := NewConflictDetector(cfg, registry, logger)
	return &Session{
		id:       uuid.NewString(),
		teamID:   teamID,
		userID:   user.UserID,
		cfg:      cfg,
		deps:     deps,
		logger:   logger,
		tracer:   otel.Tracer("collab-service/collab"),
		now:      time.Now,
		registry: registry,
		tracker:  tracker,
		detector: detector,
		bridge:   NewChangeBridge(registry, detector, logger),
		bus:      NewBroadcastBus(teamID, user, deps.Broadcast, tracker, detector, registry, logger),
	}
}

func (s *Session) ID() string     { return s.id }
func (s *Session) TeamID() string { return s.teamID }
func (s *Session) UserID() string { return s.userID }

// Connect subscribes the presence, broadcast and change feeds, starts the
// receive loop and announces the user on the channel. A failure on any
// step unwinds the previous ones and returns the transport error.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return domain.ErrSessionClosed
	}
	if s.connected {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	// Announce goes first so the roster snapshot behind the presence
	// subscription already contains the local user.
	if err := s.tracker.Announce(ctx); err != nil {
		return err
	}

	pf, err := s.deps.Presence.SubscribePresence(ctx, s.teamID)
	if err != nil {
		s.untrackQuietly()
		return fmt.Errorf("subscribe presence: %w", err)
	}
	bf, err := s.deps.Broadcast.SubscribeBroadcast(ctx, s.teamID)
	if err != nil {
		pf.Close()
		s.untrackQuietly()
		return fmt.Errorf("subscribe broadcast: %w", err)
	}
	cs, err := s.deps.Changes.SubscribeChanges(ctx, s.teamID)
	if err != nil {
		pf.Close()
		bf.Close()
		s.untrackQuietly()
		return fmt.Errorf("subscribe changes: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	loopDone := make(chan struct{})

	s.mu.Lock()
	s.connected = true
	s.cancel = cancel
	s.loopDone = loopDone
	s.pf, s.bf, s.cs = pf, bf, cs
	s.mu.Unlock()

	s.logger.WithFields(log.Fields{"session": s.id, "team": s.teamID, "user": s.userID}).Info("session connected")

	// Emit before the receive loop starts so handlers registered ahead of
	// Connect always see connected as their first event.
	s.registry.Emit(domain.CollaborationEvent{
		Kind:      domain.KindConnected,
		UserID:    s.userID,
		Timestamp: s.now().UnixMilli(),
		Payload:   domain.ConnectedPayload{SessionID: s.id, TeamID: s.teamID},
	})
	go s.receive(loopCtx, loopDone, pf, bf, cs)
	return nil
}

// receive funnels all three subscriptions into the engine. Frames are
// handled to completion, fan-out included, before the next one is read.
func (s *Session) receive(ctx context.Context, done chan struct{}, pf PresenceFeed, bf BroadcastFeed, cs ChangeStream) {
	defer close(done)
	presence := pf.Frames()
	broadcast := bf.Frames()
	changes := cs.Records()
	for presence != nil || broadcast != nil || changes != nil {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-presence:
			if !ok {
				s.logger.WithField("session", s.id).Warn("presence feed closed")
				presence = nil
				continue
			}
			s.tracker.HandleFrame(f)
		case f, ok := <-broadcast:
			if !ok {
				s.logger.WithField("session", s.id).Warn("broadcast feed closed")
				broadcast = nil
				continue
			}
			s.bus.HandleFrame(f)
		case rec, ok := <-changes:
			if !ok {
				s.logger.WithField("session", s.id).Warn("change feed closed")
				changes = nil
				continue
			}
			s.bridge.HandleChange(rec)
		}
	}
	s.logger.WithField("session", s.id).Warn("all feeds closed, receive loop exiting")
}

// Disconnect stops the receive loop, cancels pending conflict races,
// announces the departure and clears all local state. It is idempotent and
// no handler runs after it returns.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	wasConnected := s.connected
	s.connected = false
	cancel := s.cancel
	loopDone := s.loopDone
	pf, bf, cs := s.pf, s.bf, s.cs
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, closer := range []interface{ Close() error }{pf, bf, cs} {
		if closer == nil {
			continue
		}
		if err := closer.Close(); err != nil {
			s.logger.WithError(err).WithField("session", s.id).Warn("feed close failed")
		}
	}
	if loopDone != nil {
		<-loopDone
	}
	s.detector.Stop()

	if wasConnected {
		s.untrackQuietly()
	}

	s.tracker.Clear()
	s.registry.Clear()
	s.logger.WithFields(log.Fields{"session": s.id, "team": s.teamID, "user": s.userID}).Info("session disconnected")
	return nil
}

// UpdatePresence merges the patch into the local user's record and
// publishes it.
func (s *Session) UpdatePresence(ctx context.Context, patch domain.PresencePatch) error {
	if err := s.ensureOpen(); err != nil {
		return err
	}
	return s.tracker.UpdatePresence(ctx, patch)
}

// BroadcastCursorMove publishes the pointer position on the broadcast
// channel and records it on the local presence entry.
func (s *Session) BroadcastCursorMove(ctx context.Context, cursor domain.Cursor) error {
	if err := s.ensureOpen(); err != nil {
		return err
	}
	return s.bus.CursorMove(ctx, cursor)
}

// BroadcastTaskDrag publishes an in-flight drag hint.
func (s *Session) BroadcastTaskDrag(ctx context.Context, taskID, from, to string, preview bool) error {
	if err := s.ensureOpen(); err != nil {
		return err
	}
	return s.bus.TaskDrag(ctx, taskID, from, to, preview)
}

// MoveTask commits a status change through the task store. A movement for
// the same task inside the write guard aborts the commit with a conflict
// result. Store failures are logged and reported as unsuccessful without
// the conflict flag. Committed writes are never rolled back: conflict
// handling stays an advisory layer on top of them.
func (s *Session) MoveTask(ctx context.Context, taskID, newStatus string) (MoveResult, error) {
	if err := s.ensureOpen(); err != nil {
		return MoveResult{}, err
	}
	if !domain.ValidStatus(newStatus) {
		return MoveResult{}, fmt.Errorf("invalid status %q", newStatus)
	}

	ctx, span := s.tracer.Start(ctx, "collab.move_task", trace.WithAttributes(
		attribute.String("task.id", taskID),
		attribute.String("move.to", newStatus),
	))
	defer span.End()

	current, err := s.deps.Store.GetTask(ctx, s.teamID, taskID)
	if err != nil {
		span.SetStatus(codes.Error, "task read failed")
		s.logger.WithError(err).WithFields(log.Fields{"session": s.id, "task": taskID}).Error("move aborted, task read failed")
		return MoveResult{}, nil
	}

	if s.detector.Recent(taskID, s.cfg.WriteGuard) {
		span.SetAttributes(attribute.String("move.outcome", "guarded"))
		s.logger.WithFields(log.Fields{"session": s.id, "task": taskID}).Info("move refused, recent movement inside write guard")
		return MoveResult{Success: false, Conflict: true}, nil
	}

	updated, err := s.deps.Store.UpdateTaskStatus(ctx, s.teamID, taskID, newStatus, s.userID)
	if err != nil {
		span.SetStatus(codes.Error, "status write failed")
		s.logger.WithError(err).WithFields(log.Fields{"session": s.id, "task": taskID}).Error("move aborted, status write failed")
		return MoveResult{}, nil
	}

	s.detector.Record(domain.TaskMovement{
		TaskID:  taskID,
		From:    current.Status,
		To:      updated.Status,
		MovedBy: s.userID,
		MovedAt: updated.UpdatedAt,
	})

	change := domain.ChangeRecord{
		ID:     uuid.NewString(),
		Type:   domain.ChangeUpdate,
		TeamID: s.teamID,
		New:    &updated,
		Old:    &current,
		At:     updated.UpdatedAt,
	}
	if err := s.deps.Changes.PublishChange(ctx, change); err != nil {
		s.logger.WithError(err).WithFields(log.Fields{"session": s.id, "task": taskID}).Error("change publish failed after commit")
	}

	span.SetAttributes(attribute.String("move.outcome", "committed"))
	return MoveResult{Success: true}, nil
}

// ResolveConflict announces a manual resolution on the broadcast channel
// and applies it locally.
func (s *Session) ResolveConflict(ctx context.Context, taskID, resolution string) error {
	if err := s.ensureOpen(); err != nil {
		return err
	}
	ctx, span := s.tracer.Start(ctx, "collab.resolve_conflict", trace.WithAttributes(
		attribute.String("task.id", taskID),
	))
	defer span.End()

	if err := s.bus.AnnounceResolution(ctx, taskID, resolution); err != nil {
		span.SetStatus(codes.Error, "resolution broadcast failed")
		return err
	}
	s.detector.ResolveManual(taskID, resolution, s.userID)
	return nil
}

// OnlineUsers returns the channel members whose status is online.
func (s *Session) OnlineUsers() []domain.UserPresence {
	return s.tracker.OnlineUsers()
}

// Roster returns every tracked channel member.
func (s *Session) Roster() []domain.UserPresence {
	return s.tracker.Roster()
}

// On registers a handler for one event kind.
func (s *Session) On(kind domain.EventKind, h Handler) uint64 {
	return s.registry.On(kind, h)
}

// OnAll registers a handler for every event kind.
func (s *Session) OnAll(h Handler) uint64 {
	return s.registry.OnAll(h)
}

// Off removes a previously registered handler by its id.
func (s *Session) Off(id uint64) bool {
	return s.registry.Off(id)
}

func (s *Session) ensureOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || !s.connected {
		return domain.ErrSessionClosed
	}
	return nil
}

func (s *Session) untrackQuietly() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.deps.Presence.Untrack(ctx, s.teamID, s.userID); err != nil {
		s.logger.WithError(err).WithField("session", s.id).Warn("presence untrack failed")
	}
}
