package collab

import (
	"context"
	"sync"
	"testing"
	"time"

	"collab-service/domain"
)

type fakePresenceFeed struct {
	ch     chan domain.PresenceFrame
	once   sync.Once
	closed bool
}

func (f *fakePresenceFeed) Frames() <-chan domain.PresenceFrame { return f.ch }

func (f *fakePresenceFeed) Close() error {
	f.once.Do(func() {
		f.closed = true
		close(f.ch)
	})
	return nil
}

type fakeBroadcastFeed struct {
	ch     chan domain.BroadcastFrame
	once   sync.Once
	closed bool
}

func (f *fakeBroadcastFeed) Frames() <-chan domain.BroadcastFrame { return f.ch }

func (f *fakeBroadcastFeed) Close() error {
	f.once.Do(func() {
		f.closed = true
		close(f.ch)
	})
	return nil
}

type fakeChangeStream struct {
	ch     chan domain.ChangeRecord
	once   sync.Once
	closed bool
}

func (f *fakeChangeStream) Records() <-chan domain.ChangeRecord { return f.ch }

func (f *fakeChangeStream) Close() error {
	f.once.Do(func() {
		f.closed = true
		close(f.ch)
	})
	return nil
}

// fakeTransport implements PresenceTransport, BroadcastTransport and
// ChangeFeed, recording every publish and exposing push channels for the
// subscriptions.
type fakeTransport struct {
	mu        sync.Mutex
	tracked   []domain.UserPresence
	untracked []string
	frames    []domain.BroadcastFrame
	changes   []domain.ChangeRecord

	trackErr            error
	broadcastErr        error
	publishErr          error
	subscribePresErr    error
	subscribeBcastErr   error
	subscribeChangesErr error

	presenceFeed  *fakePresenceFeed
	broadcastFeed *fakeBroadcastFeed
	changeStream  *fakeChangeStream
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		presenceFeed:  &fakePresenceFeed{ch: make(chan domain.PresenceFrame, 16)},
		broadcastFeed: &fakeBroadcastFeed{ch: make(chan domain.BroadcastFrame, 16)},
		changeStream:  &fakeChangeStream{ch: make(chan domain.ChangeRecord, 16)},
	}
}

func (f *fakeTransport) Track(ctx context.Context, p domain.UserPresence) error {
	if f.trackErr != nil {
		return f.trackErr
	}
	f.mu.Lock()
	f.tracked = append(f.tracked, p)
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Untrack(ctx context.Context, teamID, userID string) error {
	f.mu.Lock()
	f.untracked = append(f.untracked, userID)
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) SubscribePresence(ctx context.Context, teamID string) (PresenceFeed, error) {
	if f.subscribePresErr != nil {
		return nil, f.subscribePresErr
	}
	return f.presenceFeed, nil
}

func (f *fakeTransport) Broadcast(ctx context.Context, teamID string, frame domain.BroadcastFrame) error {
	if f.broadcastErr != nil {
		return f.broadcastErr
	}
	f.mu.Lock()
	f.frames = append(f.frames, frame)
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) SubscribeBroadcast(ctx context.Context, teamID string) (BroadcastFeed, error) {
	if f.subscribeBcastErr != nil {
		return nil, f.subscribeBcastErr
	}
	return f.broadcastFeed, nil
}

func (f *fakeTransport) PublishChange(ctx context.Context, rec domain.ChangeRecord) error {
	if f.publishErr != nil {
		return f.publishErr
	}
	f.mu.Lock()
	f.changes = append(f.changes, rec)
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) SubscribeChanges(ctx context.Context, teamID string) (ChangeStream, error) {
	if f.subscribeChangesErr != nil {
		return nil, f.subscribeChangesErr
	}
	return f.changeStream, nil
}

func (f *fakeTransport) trackedRecords() []domain.UserPresence {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.UserPresence(nil), f.tracked...)
}

func (f *fakeTransport) broadcastFrames() []domain.BroadcastFrame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.BroadcastFrame(nil), f.frames...)
}

func (f *fakeTransport) publishedChanges() []domain.ChangeRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.ChangeRecord(nil), f.changes...)
}

type fakeTaskStore struct {
	mu        sync.Mutex
	tasks     map[string]domain.TaskRecord
	getErr    error
	updateErr error
	stampAt   int64
	updates   []string
}

func newFakeTaskStore(tasks ...domain.TaskRecord) *fakeTaskStore {
	s := &fakeTaskStore{tasks: make(map[string]domain.TaskRecord)}
	for _, t := range tasks {
		s.tasks[t.ID] = t
	}
	return s
}

func (s *fakeTaskStore) GetTask(ctx context.Context, teamID, taskID string) (domain.TaskRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return domain.TaskRecord{}, s.getErr
	}
	t, ok := s.tasks[taskID]
	if !ok {
		return domain.TaskRecord{}, domain.ErrTaskNotFound
	}
	return t, nil
}

func (s *fakeTaskStore) UpdateTaskStatus(ctx context.Context, teamID, taskID, status, movedBy string) (domain.TaskRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updateErr != nil {
		return domain.TaskRecord{}, s.updateErr
	}
	t, ok := s.tasks[taskID]
	if !ok {
		return domain.TaskRecord{}, domain.ErrTaskNotFound
	}
	t.Status = status
	t.UpdatedBy = movedBy
	if s.stampAt != 0 {
		t.UpdatedAt = s.stampAt
	} else {
		t.UpdatedAt = time.Now().UnixMilli()
	}
	s.tasks[taskID] = t
	s.updates = append(s.updates, taskID+"->"+status)
	return t, nil
}

// eventRecorder collects emitted events for assertions.
type eventRecorder struct {
	mu     sync.Mutex
	events []domain.CollaborationEvent
}

func (r *eventRecorder) record(ev domain.CollaborationEvent) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *eventRecorder) ofKind(kind domain.EventKind) []domain.CollaborationEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.CollaborationEvent
	for _, ev := range r.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func (r *eventRecorder) count(kind domain.EventKind) int {
	return len(r.ofKind(kind))
}

func (r *eventRecorder) total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

const waitTimeout = 2 * time.Second

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func fixedNow(millis int64) func() time.Time {
	return func() time.Time { return time.UnixMilli(millis) }
}
