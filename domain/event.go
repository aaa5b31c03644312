package domain

import "github.com/bytedance/sonic"

// EventKind identifies one of the collaboration event types a session emits.
type EventKind string

const (
	KindConnected        EventKind = "connected"
	KindPresenceUpdated  EventKind = "presence_updated"
	KindUserJoined       EventKind = "user_joined"
	KindUserLeft         EventKind = "user_left"
	KindTaskCreated      EventKind = "task_created"
	KindTaskDeleted      EventKind = "task_deleted"
	KindTaskUpdated      EventKind = "task_updated"
	KindTaskMoved        EventKind = "task_moved"
	KindPriorityUpdated  EventKind = "priority_updated"
	KindTaskDragPreview  EventKind = "task_drag_preview"
	KindConflictDetected EventKind = "conflict_detected"
	KindConflictResolved EventKind = "conflict_resolved"
)

// EventPayload is implemented by exactly one payload struct per EventKind.
type EventPayload interface {
	isEventPayload()
}

// CollaborationEvent is delivered to registered handlers and streamed to
// clients. UserID names the user whose action produced the event.
type CollaborationEvent struct {
	Kind      EventKind    `json:"type"`
	UserID    string       `json:"userId,omitempty"`
	Timestamp int64        `json:"timestamp"`
	Payload   EventPayload `json:"data"`
}

// ConnectedPayload confirms a session reached the team channel.
type ConnectedPayload struct {
	SessionID string `json:"sessionId"`
	TeamID    string `json:"teamId"`
}

// PresenceUpdatedPayload carries the full membership after any change.
type PresenceUpdatedPayload struct {
	Roster []UserPresence `json:"roster"`
}

// UserJoinedPayload announces a new member on the channel.
type UserJoinedPayload struct {
	User UserPresence `json:"user"`
}

// UserLeftPayload announces a departed member. User holds the last record
// seen for them; only UserID is guaranteed.
type UserLeftPayload struct {
	User UserPresence `json:"user"`
}

type TaskCreatedPayload struct {
	Task TaskRecord `json:"task"`
}

type TaskDeletedPayload struct {
	Task TaskRecord `json:"task"`
}

// TaskUpdatedPayload carries the row after the write, plus the prior row
// when the feed supplied one.
type TaskUpdatedPayload struct {
	Task     TaskRecord  `json:"task"`
	Previous *TaskRecord `json:"previous,omitempty"`
}

// TaskMovedPayload reports a clean status transition (no conflict inside
// the detection window).
type TaskMovedPayload struct {
	Movement TaskMovement `json:"movement"`
}

type PriorityUpdatedPayload struct {
	TaskID   string                 `json:"taskId"`
	OldScore float64                `json:"oldScore"`
	NewScore float64                `json:"newScore"`
	Insight  sonic.NoCopyRawMessage `json:"insight,omitempty"`
}

// TaskDragPreviewPayload mirrors another user's in-flight drag.
type TaskDragPreviewPayload struct {
	TaskID   string `json:"taskId"`
	From     string `json:"from"`
	To       string `json:"to"`
	Preview  bool   `json:"preview"`
	UserID   string `json:"userId"`
	UserName string `json:"userName,omitempty"`
}

// ConflictDetectedPayload reports two movements of one task landing inside
// the conflict window. Current is the movement that completed the pair.
type ConflictDetectedPayload struct {
	TaskID           string       `json:"taskId"`
	Current          TaskMovement `json:"current"`
	Conflicting      TaskMovement `json:"conflicting"`
	ResolutionNeeded bool         `json:"resolutionNeeded"`
}

// ConflictResolvedPayload closes a detected conflict. Winner is set on
// automatic resolution; Resolution and ResolvedBy on manual.
type ConflictResolvedPayload struct {
	TaskID         string        `json:"taskId"`
	ResolutionType string        `json:"resolutionType"`
	Winner         *TaskMovement `json:"winner,omitempty"`
	Resolution     string        `json:"resolution,omitempty"`
	ResolvedBy     string        `json:"resolvedBy,omitempty"`
	ResolvedAt     int64         `json:"resolvedAt"`
}

func (ConnectedPayload) isEventPayload()        {}
func (PresenceUpdatedPayload) isEventPayload()  {}
func (UserJoinedPayload) isEventPayload()       {}
func (UserLeftPayload) isEventPayload()         {}
func (TaskCreatedPayload) isEventPayload()      {}
func (TaskDeletedPayload) isEventPayload()      {}
func (TaskUpdatedPayload) isEventPayload()      {}
func (TaskMovedPayload) isEventPayload()        {}
func (PriorityUpdatedPayload) isEventPayload()  {}
func (TaskDragPreviewPayload) isEventPayload()  {}
func (ConflictDetectedPayload) isEventPayload() {}
func (ConflictResolvedPayload) isEventPayload() {}
