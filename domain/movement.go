package domain

// Resolution states for a task movement involved in a conflict.
const (
	ResolutionAuto    = "auto"
	ResolutionManual  = "manual"
	ResolutionPending = "pending"
)

// TaskMovement records a single status transition observed on the board.
// Movements are transient; they live only in the conflict queue.
type TaskMovement struct {
	TaskID     string `json:"taskId"`
	From       string `json:"from"`
	To         string `json:"to"`
	MovedBy    string `json:"movedBy,omitempty"`
	MovedAt    int64  `json:"movedAt"`
	Resolution string `json:"resolution,omitempty"`
}

// Change feed record types.
const (
	ChangeInsert = "INSERT"
	ChangeUpdate = "UPDATE"
	ChangeDelete = "DELETE"
)

// ChangeRecord is the unit of the task change feed: one committed write to
// the task table, carrying the full row before and after.
type ChangeRecord struct {
	ID     string      `json:"id,omitempty"`
	Type   string      `json:"type"`
	TeamID string      `json:"teamId"`
	New    *TaskRecord `json:"new,omitempty"`
	Old    *TaskRecord `json:"old,omitempty"`
	At     int64       `json:"at,omitempty"`
}
