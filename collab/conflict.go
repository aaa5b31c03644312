package collab

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"collab-service/domain"
)

type pendingConflict struct {
	current     domain.TaskMovement
	conflicting domain.TaskMovement
	cancel      chan struct{}
}

// ConflictDetector tracks recent movements per task and arbitrates racing
// status transitions. A movement landing within ConflictWindow of an
// earlier one on the same task opens a conflict, which then races a manual
// resolution against the AutoResolveDelay timer. Resolution purges every
// queued entry for the task.
type ConflictDetector struct {
	cfg      Config
	registry *EventRegistry
	logger   *log.Logger
	tracer   trace.Tracer
	now      func() time.Time

	mu        sync.Mutex
	movements map[string][]domain.TaskMovement
	pending   map[string]*pendingConflict
	stopped   bool
	races     sync.WaitGroup
}

func NewConflictDetector(cfg Config, registry *EventRegistry, logger *log.Logger) *ConflictDetector {
	return &ConflictDetector{
		cfg:       cfg.withDefaults(),
		registry:  registry,
		logger:    logger,
		tracer:    otel.Tracer("collab-service/collab"),
		now:       time.Now,
		movements: make(map[string][]domain.TaskMovement),
		pending:   make(map[string]*pendingConflict),
	}
}

// Record registers one observed movement. With no concurrent entry for the
// task it emits task_moved. With one it opens a conflict, emits
// conflict_detected and schedules the auto-resolution race. Echoes of an
// already recorded movement are dropped, and movements arriving while the
// task is already pending are queued silently until resolution.
func (d *ConflictDetector) Record(m domain.TaskMovement) {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	window := d.cfg.ConflictWindow.Milliseconds()
	queue := d.pruneLocked(m.TaskID)
	for _, e := range queue {
		if e.MovedBy == m.MovedBy && e.From == m.From && e.To == m.To && abs64(m.MovedAt-e.MovedAt) < window {
			d.mu.Unlock()
			return
		}
	}
	if _, already := d.pending[m.TaskID]; already {
		m.Resolution = domain.ResolutionPending
		d.movements[m.TaskID] = append(queue, m)
		d.mu.Unlock()
		return
	}

	conflictIdx := -1
	for i := len(queue) - 1; i >= 0; i-- {
		if abs64(m.MovedAt-queue[i].MovedAt) < window {
			conflictIdx = i
			break
		}
	}

	if conflictIdx < 0 {
		d.movements[m.TaskID] = append(queue, m)
		ev := domain.CollaborationEvent{
			Kind:      domain.KindTaskMoved,
			UserID:    m.MovedBy,
			Timestamp: d.now().UnixMilli(),
			Payload:   domain.TaskMovedPayload{Movement: m},
		}
		d.mu.Unlock()
		d.registry.Emit(ev)
		return
	}

	queue[conflictIdx].Resolution = domain.ResolutionPending
	conflicting := queue[conflictIdx]
	m.Resolution = domain.ResolutionPending
	d.movements[m.TaskID] = append(queue, m)

	cancel := make(chan struct{})
	d.pending[m.TaskID] = &pendingConflict{current: m, conflicting: conflicting, cancel: cancel}
	d.races.Add(1)
	go d.race(m.TaskID, cancel)

	ev := domain.CollaborationEvent{
		Kind:      domain.KindConflictDetected,
		UserID:    m.MovedBy,
		Timestamp: d.now().UnixMilli(),
		Payload: domain.ConflictDetectedPayload{
			TaskID:           m.TaskID,
			Current:          m,
			Conflicting:      conflicting,
			ResolutionNeeded: true,
		},
	}
	d.mu.Unlock()

	d.logger.WithFields(log.Fields{
		"task":  m.TaskID,
		"users": []string{conflicting.MovedBy, m.MovedBy},
	}).Warn("conflicting task movements detected")
	d.registry.Emit(ev)
}

func (d *ConflictDetector) race(taskID string, cancel <-chan struct{}) {
	defer d.races.Done()
	timer := time.NewTimer(d.cfg.AutoResolveDelay)
	defer timer.Stop()
	select {
	case <-cancel:
	case <-timer.C:
		d.resolveAuto(taskID)
	}
}

func (d *ConflictDetector) resolveAuto(taskID string) {
	d.mu.Lock()
	p, ok := d.pending[taskID]
	if !ok {
		// manual resolution won the race
		d.mu.Unlock()
		return
	}
	delete(d.pending, taskID)
	delete(d.movements, taskID)
	winner := p.current
	if laterMovement(p.conflicting, winner) {
		winner = p.conflicting
	}
	winner.Resolution = domain.ResolutionAuto
	resolvedAt := d.now().UnixMilli()
	d.mu.Unlock()

	_, span := d.tracer.Start(context.Background(), "collab.conflict.auto_resolve",
		trace.WithAttributes(
			attribute.String("task.id", taskID),
			attribute.String("winner.user", winner.MovedBy),
			attribute.String("winner.to", winner.To),
		))
	span.End()

	d.logger.WithFields(log.Fields{"task": taskID, "winner": winner.MovedBy, "to": winner.To}).Info("conflict auto-resolved")
	d.registry.Emit(domain.CollaborationEvent{
		Kind:      domain.KindConflictResolved,
		UserID:    winner.MovedBy,
		Timestamp: resolvedAt,
		Payload: domain.ConflictResolvedPayload{
			TaskID:         taskID,
			ResolutionType: domain.ResolutionAuto,
			Winner:         &winner,
			ResolvedAt:     resolvedAt,
		},
	})
}

// ResolveManual closes a pending conflict with an explicit resolution and
// reports whether one was pending. A late call for an already resolved task
// is a no-op, as is the auto timer firing after a manual resolution.
func (d *ConflictDetector) ResolveManual(taskID, resolution, resolvedBy string) bool {
	d.mu.Lock()
	p, ok := d.pending[taskID]
	if !ok {
		d.mu.Unlock()
		return false
	}
	close(p.cancel)
	delete(d.pending, taskID)
	delete(d.movements, taskID)
	resolvedAt := d.now().UnixMilli()
	d.mu.Unlock()

	d.logger.WithFields(log.Fields{"task": taskID, "by": resolvedBy}).Info("conflict resolved manually")
	d.registry.Emit(domain.CollaborationEvent{
		Kind:      domain.KindConflictResolved,
		UserID:    resolvedBy,
		Timestamp: resolvedAt,
		Payload: domain.ConflictResolvedPayload{
			TaskID:         taskID,
			ResolutionType: domain.ResolutionManual,
			Resolution:     resolution,
			ResolvedBy:     resolvedBy,
			ResolvedAt:     resolvedAt,
		},
	})
	return true
}

// Recent reports whether any queued movement for the task lies within
// window of now.
func (d *ConflictDetector) Recent(taskID string, window time.Duration) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	cutoff := d.now().UnixMilli() - window.Milliseconds()
	for _, m := range d.movements[taskID] {
		if m.MovedAt > cutoff {
			return true
		}
	}
	return false
}

// QueuedMovements returns a copy of the queue for one task.
func (d *ConflictDetector) QueuedMovements(taskID string) []domain.TaskMovement {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]domain.TaskMovement(nil), d.movements[taskID]...)
}

// Stop cancels every pending resolution race and clears the queue. Record
// becomes a no-op afterwards. Stop returns once all race goroutines have
// finished.
func (d *ConflictDetector) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	for id, p := range d.pending {
		close(p.cancel)
		delete(d.pending, id)
	}
	d.movements = make(map[string][]domain.TaskMovement)
	d.mu.Unlock()
	d.races.Wait()
}

func (d *ConflictDetector) pruneLocked(taskID string) []domain.TaskMovement {
	queue := d.movements[taskID]
	if len(queue) == 0 {
		return queue
	}
	horizon := d.now().UnixMilli() - 2*d.cfg.ConflictWindow.Milliseconds()
	kept := queue[:0]
	for _, m := range queue {
		if m.MovedAt > horizon {
			kept = append(kept, m)
		}
	}
	d.movements[taskID] = kept
	return kept
}

// laterMovement reports whether a beats b under last-writer-wins. Equal
// timestamps fall back to the lexicographically greater mover so every
// instance picks the same winner.
func laterMovement(a, b domain.TaskMovement) bool {
	if a.MovedAt != b.MovedAt {
		return a.MovedAt > b.MovedAt
	}
	return a.MovedBy > b.MovedBy
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
