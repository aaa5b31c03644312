package collab

import "time"

// Engine timing defaults.
const (
	DefaultConflictWindow   = 5000 * time.Millisecond
	DefaultAutoResolveDelay = 2000 * time.Millisecond
	DefaultWriteGuard       = 3000 * time.Millisecond
)

// Config carries the engine tunables. The conflict window and the write
// guard are intentionally independent: detection looks further back than
// the commit path refuses to write.
type Config struct {
	// ConflictWindow is the span within which two movements of the same
	// task count as concurrent.
	ConflictWindow time.Duration
	// AutoResolveDelay is how long a detected conflict waits for a manual
	// resolution before last-writer-wins kicks in.
	AutoResolveDelay time.Duration
	// WriteGuard is the lookback applied by MoveTask before committing.
	WriteGuard time.Duration
}

func (c Config) withDefaults() Config {
	if c.ConflictWindow <= 0 {
		c.ConflictWindow = DefaultConflictWindow
	}
	if c.AutoResolveDelay <= 0 {
		c.AutoResolveDelay = DefaultAutoResolveDelay
	}
	if c.WriteGuard <= 0 {
		c.WriteGuard = DefaultWriteGuard
	}
	return c
}
