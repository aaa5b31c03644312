package collab

import (
	"context"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"

	"collab-service/domain"
)

// BroadcastBus publishes ephemeral frames on one team channel and routes
// inbound frames from other users. Frames are UI hints: unacknowledged,
// unordered beyond transport delivery and never authoritative.
type BroadcastBus struct {
	teamID    string
	selfID    string
	selfName  string
	transport BroadcastTransport
	tracker   *PresenceTracker
	resolver  *ConflictDetector
	registry  *EventRegistry
	logger    *log.Logger
	now       func() time.Time
}

func NewBroadcastBus(teamID string, self domain.UserPresence, transport BroadcastTransport, tracker *PresenceTracker, resolver *ConflictDetector, registry *EventRegistry, logger *log.Logger) *BroadcastBus {
	return &BroadcastBus{
		teamID:    teamID,
		selfID:    self.UserID,
		selfName:  self.UserName,
		transport: transport,
		tracker:   tracker,
		resolver:  resolver,
		registry:  registry,
		logger:    logger,
		now:       time.Now,
	}
}

// CursorMove broadcasts the pointer position and records it on the local
// presence entry.
func (b *BroadcastBus) CursorMove(ctx context.Context, cursor domain.Cursor) error {
	if err := b.send(ctx, domain.BroadcastCursorMove, domain.CursorMovePayload{Cursor: cursor}); err != nil {
		return err
	}
	cur := cursor
	return b.tracker.UpdatePresence(ctx, domain.PresencePatch{Cursor: &cur})
}

// TaskDrag broadcasts an in-flight drag of a task card.
func (b *BroadcastBus) TaskDrag(ctx context.Context, taskID, from, to string, preview bool) error {
	return b.send(ctx, domain.BroadcastTaskDrag, domain.TaskDragPayload{TaskID: taskID, From: from, To: to, Preview: preview})
}

// AnnounceResolution broadcasts a manual conflict resolution so every
// connected instance clears its pending state for the task.
func (b *BroadcastBus) AnnounceResolution(ctx context.Context, taskID, resolution string) error {
	return b.send(ctx, domain.BroadcastConflictResolution, domain.ResolutionPayload{
		TaskID:     taskID,
		Resolution: resolution,
		ResolvedBy: b.selfID,
	})
}

func (b *BroadcastBus) send(ctx context.Context, frameType string, payload any) error {
	data, err := sonic.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", frameType, err)
	}
	f := domain.BroadcastFrame{
		Type:       frameType,
		SenderID:   b.selfID,
		SenderName: b.selfName,
		SentAt:     b.now().UnixMilli(),
		Payload:    data,
	}
	if err := b.transport.Broadcast(ctx, b.teamID, f); err != nil {
		return fmt.Errorf("broadcast %s: %w", frameType, err)
	}
	return nil
}

// HandleFrame routes one inbound broadcast frame. Frames sent by the local
// user are dropped. Foreign cursors patch the sender's presence entry,
// foreign drags surface as task_drag_preview and foreign resolutions close
// the matching pending conflict.
func (b *BroadcastBus) HandleFrame(f domain.BroadcastFrame) {
	if f.SenderID == b.selfID {
		return
	}
	switch f.Type {
	case domain.BroadcastCursorMove:
		var p domain.CursorMovePayload
		if err := sonic.Unmarshal(f.Payload, &p); err != nil {
			b.logger.WithError(err).WithField("sender", f.SenderID).Warn("malformed cursor_move payload")
			return
		}
		b.tracker.ApplyCursor(f.SenderID, p.Cursor, f.SentAt)
	case domain.BroadcastTaskDrag:
		var p domain.TaskDragPayload
		if err := sonic.Unmarshal(f.Payload, &p); err != nil {
			b.logger.WithError(err).WithField("sender", f.SenderID).Warn("malformed task_drag payload")
			return
		}
		b.registry.Emit(domain.CollaborationEvent{
			Kind:      domain.KindTaskDragPreview,
			UserID:    f.SenderID,
			Timestamp: b.now().UnixMilli(),
			Payload: domain.TaskDragPreviewPayload{
				TaskID:   p.TaskID,
				From:     p.From,
				To:       p.To,
				Preview:  p.Preview,
				UserID:   f.SenderID,
				UserName: f.SenderName,
			},
		})
	case domain.BroadcastConflictResolution:
		var p domain.ResolutionPayload
		if err := sonic.Unmarshal(f.Payload, &p); err != nil {
			b.logger.WithError(err).WithField("sender", f.SenderID).Warn("malformed conflict_resolution payload")
			return
		}
		b.resolver.ResolveManual(p.TaskID, p.Resolution, p.ResolvedBy)
	default:
		b.logger.WithField("type", f.Type).Debug("ignoring unknown broadcast frame")
	}
}
