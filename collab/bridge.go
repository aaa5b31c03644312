package collab

import (
	"time"

	log "github.com/sirupsen/logrus"

	"collab-service/domain"
)

// ChangeBridge translates raw change-feed records into collaboration
// events and feeds status transitions to the conflict detector. It
// preserves feed order and performs no deduplication.
type ChangeBridge struct {
	registry *EventRegistry
	detector *ConflictDetector
	logger   *log.Logger
	now      func() time.Time
}

func NewChangeBridge(registry *EventRegistry, detector *ConflictDetector, logger *log.Logger) *ChangeBridge {
	return &ChangeBridge{
		registry: registry,
		detector: detector,
		logger:   logger,
		now:      time.Now,
	}
}

// HandleChange dispatches one change record. Updates without a prior row
// degrade to task_updated only; there is no state to diff against.
func (b *ChangeBridge) HandleChange(rec domain.ChangeRecord) {
	switch rec.Type {
	case domain.ChangeInsert:
		if rec.New == nil {
			b.logger.WithField("change", rec.ID).Warn("insert record without new row")
			return
		}
		b.registry.Emit(domain.CollaborationEvent{
			Kind:      domain.KindTaskCreated,
			UserID:    rec.New.UpdatedBy,
			Timestamp: b.now().UnixMilli(),
			Payload:   domain.TaskCreatedPayload{Task: *rec.New},
		})
	case domain.ChangeDelete:
		if rec.Old == nil {
			b.logger.WithField("change", rec.ID).Warn("delete record without old row")
			return
		}
		b.registry.Emit(domain.CollaborationEvent{
			Kind:      domain.KindTaskDeleted,
			UserID:    rec.Old.UpdatedBy,
			Timestamp: b.now().UnixMilli(),
			Payload:   domain.TaskDeletedPayload{Task: *rec.Old},
		})
	case domain.ChangeUpdate:
		if rec.New == nil {
			b.logger.WithField("change", rec.ID).Warn("update record without new row")
			return
		}
		if rec.Old != nil {
			if rec.Old.Status != rec.New.Status {
				b.detector.Record(b.movementFrom(rec))
			}
			if rec.Old.PriorityScore != rec.New.PriorityScore {
				b.registry.Emit(domain.CollaborationEvent{
					Kind:      domain.KindPriorityUpdated,
					UserID:    rec.New.UpdatedBy,
					Timestamp: b.now().UnixMilli(),
					Payload: domain.PriorityUpdatedPayload{
						TaskID:   rec.New.ID,
						OldScore: rec.Old.PriorityScore,
						NewScore: rec.New.PriorityScore,
						Insight:  rec.New.Insight,
					},
				})
			}
		}
		b.registry.Emit(domain.CollaborationEvent{
			Kind:      domain.KindTaskUpdated,
			UserID:    rec.New.UpdatedBy,
			Timestamp: b.now().UnixMilli(),
			Payload:   domain.TaskUpdatedPayload{Task: *rec.New, Previous: rec.Old},
		})
	default:
		b.logger.WithField("type", rec.Type).Warn("ignoring unknown change record type")
	}
}

func (b *ChangeBridge) movementFrom(rec domain.ChangeRecord) domain.TaskMovement {
	movedAt := rec.New.UpdatedAt
	if movedAt == 0 {
		movedAt = b.now().UnixMilli()
	}
	return domain.TaskMovement{
		TaskID:  rec.New.ID,
		From:    rec.Old.Status,
		To:      rec.New.Status,
		MovedBy: rec.New.UpdatedBy,
		MovedAt: movedAt,
	}
}
