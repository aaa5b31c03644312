package domain

import "github.com/bytedance/sonic"

// Presence frame types exchanged on the presence channel.
const (
	PresenceFrameSync   = "sync"
	PresenceFrameJoin   = "join"
	PresenceFrameLeave  = "leave"
	PresenceFrameUpdate = "update"
)

// PresenceFrame is the wire unit of the presence channel. Sync frames carry
// the full roster; the rest carry a single presence record.
type PresenceFrame struct {
	Type     string         `json:"type"`
	Presence *UserPresence  `json:"presence,omitempty"`
	Roster   []UserPresence `json:"roster,omitempty"`
}

// Broadcast frame types exchanged on the broadcast channel.
const (
	BroadcastCursorMove         = "cursor_move"
	BroadcastTaskDrag           = "task_drag"
	BroadcastConflictResolution = "conflict_resolution"
)

// BroadcastFrame is the wire unit of the ephemeral broadcast channel.
// Payload is decoded per Type; unknown types are dropped by receivers.
type BroadcastFrame struct {
	Type       string                 `json:"type"`
	SenderID   string                 `json:"senderId"`
	SenderName string                 `json:"senderName,omitempty"`
	SentAt     int64                  `json:"sentAt"`
	Payload    sonic.NoCopyRawMessage `json:"payload,omitempty"`
}

// CursorMovePayload is the broadcast payload for live pointer positions.
type CursorMovePayload struct {
	Cursor Cursor `json:"cursor"`
}

// TaskDragPayload is the broadcast payload for an in-flight drag. Preview
// distinguishes a mid-drag hint from a drop announcement.
type TaskDragPayload struct {
	TaskID  string `json:"taskId"`
	From    string `json:"from"`
	To      string `json:"to"`
	Preview bool   `json:"preview"`
}

// ResolutionPayload is the broadcast payload announcing a manual conflict
// resolution so every instance clears its pending state.
type ResolutionPayload struct {
	TaskID     string `json:"taskId"`
	Resolution string `json:"resolution"`
	ResolvedBy string `json:"resolvedBy"`
}
