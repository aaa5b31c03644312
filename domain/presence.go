package domain

// Presence statuses reported by clients.
const (
	PresenceOnline  = "online"
	PresenceAway    = "away"
	PresenceOffline = "offline"
)

// Cursor is a board-relative pointer position.
type Cursor struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// UserPresence represents one member of a team channel.
type UserPresence struct {
	UserID       string  `json:"userId"`
	UserName     string  `json:"userName"`
	AvatarURL    string  `json:"avatarUrl,omitempty"`
	TeamID       string  `json:"teamId"`
	Cursor       *Cursor `json:"cursor,omitempty"`
	ActiveTaskID string  `json:"activeTaskId,omitempty"`
	Status       string  `json:"status"`
	LastSeen     int64   `json:"lastSeen"`
}

// PresencePatch carries partial updates for the caller's own presence record.
type PresencePatch struct {
	UserName     *string `json:"userName,omitempty"`
	AvatarURL    *string `json:"avatarUrl,omitempty"`
	Cursor       *Cursor `json:"cursor,omitempty"`
	ActiveTaskID *string `json:"activeTaskId,omitempty"`
	Status       *string `json:"status,omitempty"`
}

// ValidPresence reports whether s names a presence status.
func ValidPresence(s string) bool {
	switch s {
	case PresenceOnline, PresenceAway, PresenceOffline:
		return true
	}
	return false
}
