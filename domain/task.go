package domain

import "github.com/bytedance/sonic"

// Task statuses, matching the board columns.
const (
	StatusTodo       = "todo"
	StatusInProgress = "in_progress"
	StatusReview     = "review"
	StatusDone       = "done"
)

// ValidStatus reports whether s names a board column.
func ValidStatus(s string) bool {
	switch s {
	case StatusTodo, StatusInProgress, StatusReview, StatusDone:
		return true
	}
	return false
}

// TaskRecord represents a single board item as persisted in the task table.
type TaskRecord struct {
	ID            string                 `json:"id"`
	TeamID        string                 `json:"teamId"`
	Title         string                 `json:"title"`
	Notes         string                 `json:"notes,omitempty"`
	Status        string                 `json:"status"`
	PriorityScore float64                `json:"priorityScore"`
	Insight       sonic.NoCopyRawMessage `json:"insight,omitempty"`
	AssigneeID    string                 `json:"assigneeId,omitempty"`
	UpdatedBy     string                 `json:"updatedBy,omitempty"`
	UpdatedAt     int64                  `json:"updatedAt"`
}
