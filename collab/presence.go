package collab

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"collab-service/domain"
)

// PresenceTracker maintains the live membership map for one team channel.
// The local user's own record changes only through UpdatePresence; inbound
// frames about the local user are ignored.
type PresenceTracker struct {
	teamID    string
	transport PresenceTransport
	registry  *EventRegistry
	logger    *log.Logger
	now       func() time.Time

	mu      sync.Mutex
	self    domain.UserPresence
	members map[string]domain.UserPresence
}

func NewPresenceTracker(teamID string, self domain.UserPresence, transport PresenceTransport, registry *EventRegistry, logger *log.Logger) *PresenceTracker {
	self.TeamID = teamID
	if self.Status == "" {
		self.Status = domain.PresenceOnline
	}
	t := &PresenceTracker{
		teamID:    teamID,
		transport: transport,
		registry:  registry,
		logger:    logger,
		now:       time.Now,
		members:   map[string]domain.UserPresence{self.UserID: self},
		self:      self,
	}
	return t
}

// HandleFrame applies one inbound presence frame to the membership map.
func (t *PresenceTracker) HandleFrame(f domain.PresenceFrame) {
	switch f.Type {
	case domain.PresenceFrameSync:
		t.applySync(f.Roster)
	case domain.PresenceFrameJoin, domain.PresenceFrameUpdate:
		if f.Presence == nil {
			return
		}
		t.applyUpsert(*f.Presence)
	case domain.PresenceFrameLeave:
		if f.Presence == nil {
			return
		}
		t.applyLeave(f.Presence.UserID)
	default:
		t.logger.WithField("type", f.Type).Warn("ignoring unknown presence frame")
	}
}

// applySync replaces the whole map with the snapshot. Unlike the patch
// frames, sync is authoritative for every entry including the local one;
// the channel roster already carries the record Announce published.
func (t *PresenceTracker) applySync(roster []domain.UserPresence) {
	t.mu.Lock()
	t.members = make(map[string]domain.UserPresence, len(roster))
	for _, p := range roster {
		t.members[p.UserID] = p
	}
	ev := t.rosterEventLocked(t.self.UserID)
	t.mu.Unlock()

	t.registry.Emit(ev)
}

func (t *PresenceTracker) applyUpsert(p domain.UserPresence) {
	if p.UserID == t.self.UserID {
		return
	}
	t.mu.Lock()
	_, known := t.members[p.UserID]
	t.members[p.UserID] = p
	var ev domain.CollaborationEvent
	if known {
		ev = t.rosterEventLocked(p.UserID)
	} else {
		ev = domain.CollaborationEvent{
			Kind:      domain.KindUserJoined,
			UserID:    p.UserID,
			Timestamp: t.now().UnixMilli(),
			Payload:   domain.UserJoinedPayload{User: p},
		}
	}
	t.mu.Unlock()

	t.registry.Emit(ev)
}

func (t *PresenceTracker) applyLeave(userID string) {
	if userID == t.self.UserID {
		return
	}
	t.mu.Lock()
	p, known := t.members[userID]
	if !known {
		t.mu.Unlock()
		return
	}
	delete(t.members, userID)
	t.mu.Unlock()

	t.registry.Emit(domain.CollaborationEvent{
		Kind:      domain.KindUserLeft,
		UserID:    userID,
		Timestamp: t.now().UnixMilli(),
		Payload:   domain.UserLeftPayload{User: p},
	})
}

// Announce stamps and publishes the local user's record on the channel.
// Used once at connect; later refreshes go through UpdatePresence.
func (t *PresenceTracker) Announce(ctx context.Context) error {
	t.mu.Lock()
	t.self.LastSeen = t.now().UnixMilli()
	t.members[t.self.UserID] = t.self
	rec := t.self
	t.mu.Unlock()

	if err := t.transport.Track(ctx, rec); err != nil {
		return fmt.Errorf("announce presence: %w", err)
	}
	return nil
}

// UpdatePresence merges patch into the local user's record, publishes the
// merged record and then applies it locally. A publish failure leaves the
// local map untouched.
func (t *PresenceTracker) UpdatePresence(ctx context.Context, patch domain.PresencePatch) error {
	t.mu.Lock()
	merged := t.self
	if patch.UserName != nil {
		merged.UserName = *patch.UserName
	}
	if patch.AvatarURL != nil {
		merged.AvatarURL = *patch.AvatarURL
	}
	if patch.Cursor != nil {
		cur := *patch.Cursor
		merged.Cursor = &cur
	}
	if patch.ActiveTaskID != nil {
		merged.ActiveTaskID = *patch.ActiveTaskID
	}
	if patch.Status != nil {
		merged.Status = *patch.Status
	}
	merged.LastSeen = t.now().UnixMilli()
	t.mu.Unlock()

	if err := t.transport.Track(ctx, merged); err != nil {
		return fmt.Errorf("publish presence: %w", err)
	}

	t.mu.Lock()
	t.self = merged
	t.members[merged.UserID] = merged
	ev := t.rosterEventLocked(merged.UserID)
	t.mu.Unlock()

	t.registry.Emit(ev)
	return nil
}

// ApplyCursor patches another member's cursor from a broadcast frame.
// Cursors for users not yet in the map are dropped; the roster catches up
// through the presence channel.
func (t *PresenceTracker) ApplyCursor(userID string, cursor domain.Cursor, at int64) {
	if userID == t.self.UserID {
		return
	}
	t.mu.Lock()
	p, known := t.members[userID]
	if !known {
		t.mu.Unlock()
		t.logger.WithField("user", userID).Debug("cursor for untracked user")
		return
	}
	cur := cursor
	p.Cursor = &cur
	if at > p.LastSeen {
		p.LastSeen = at
	}
	t.members[userID] = p
	ev := t.rosterEventLocked(userID)
	t.mu.Unlock()

	t.registry.Emit(ev)
}

// Self returns the local user's current record.
func (t *PresenceTracker) Self() domain.UserPresence {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.self
}

// Roster returns every tracked member ordered by user id.
func (t *PresenceTracker) Roster() []domain.UserPresence {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rosterLocked()
}

// OnlineUsers returns the tracked members whose status is online.
func (t *PresenceTracker) OnlineUsers() []domain.UserPresence {
	t.mu.Lock()
	defer t.mu.Unlock()
	online := make([]domain.UserPresence, 0, len(t.members))
	for _, p := range t.members {
		if p.Status == domain.PresenceOnline {
			online = append(online, p)
		}
	}
	sort.Slice(online, func(i, j int) bool { return online[i].UserID < online[j].UserID })
	return online
}

// Clear empties the membership map.
func (t *PresenceTracker) Clear() {
	t.mu.Lock()
	t.members = make(map[string]domain.UserPresence)
	t.mu.Unlock()
}

// MemberCount reports the tracked membership size.
func (t *PresenceTracker) MemberCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.members)
}

func (t *PresenceTracker) rosterLocked() []domain.UserPresence {
	roster := make([]domain.UserPresence, 0, len(t.members))
	for _, p := range t.members {
		roster = append(roster, p)
	}
	sort.Slice(roster, func(i, j int) bool { return roster[i].UserID < roster[j].UserID })
	return roster
}

func (t *PresenceTracker) rosterEventLocked(actor string) domain.CollaborationEvent {
	return domain.CollaborationEvent{
		Kind:      domain.KindPresenceUpdated,
		UserID:    actor,
		Timestamp: t.now().UnixMilli(),
		Payload:   domain.PresenceUpdatedPayload{Roster: t.rosterLocked()},
	}
}
