package collab

import (
	"context"

	"collab-service/domain"
)

// PresenceFeed delivers presence frames for one team channel. The first
// frame is a sync snapshot of the roster at subscribe time.
type PresenceFeed interface {
	Frames() <-chan domain.PresenceFrame
	Close() error
}

// BroadcastFeed delivers ephemeral broadcast frames for one team channel.
type BroadcastFeed interface {
	Frames() <-chan domain.BroadcastFrame
	Close() error
}

// ChangeStream delivers committed task changes for one team channel.
type ChangeStream interface {
	Records() <-chan domain.ChangeRecord
	Close() error
}

// PresenceTransport abstracts the realtime presence channel.
type PresenceTransport interface {
	// Track announces or refreshes the given presence record on its team
	// channel and stores it in the channel roster.
	Track(ctx context.Context, p domain.UserPresence) error
	// Untrack removes the user from the roster and announces the departure.
	Untrack(ctx context.Context, teamID, userID string) error
	SubscribePresence(ctx context.Context, teamID string) (PresenceFeed, error)
}

// BroadcastTransport abstracts the ephemeral broadcast channel.
type BroadcastTransport interface {
	Broadcast(ctx context.Context, teamID string, f domain.BroadcastFrame) error
	SubscribeBroadcast(ctx context.Context, teamID string) (BroadcastFeed, error)
}

// ChangeFeed abstracts the committed-write feed of the task table.
type ChangeFeed interface {
	PublishChange(ctx context.Context, rec domain.ChangeRecord) error
	SubscribeChanges(ctx context.Context, teamID string) (ChangeStream, error)
}

// TaskStore abstracts task persistence for the move commit path.
type TaskStore interface {
	GetTask(ctx context.Context, teamID, taskID string) (domain.TaskRecord, error)
	// UpdateTaskStatus writes the new status, stamps the audit fields and
	// returns the record as persisted.
	UpdateTaskStatus(ctx context.Context, teamID, taskID, status, movedBy string) (domain.TaskRecord, error)
}
