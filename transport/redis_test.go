package transport

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus/hooks/test"

	"collab-service/domain"
)

func newTestRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	m, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(m.Close)
	rc := redis.NewClient(&redis.Options{Addr: m.Addr()})
	t.Cleanup(func() { rc.Close() })
	logger, _ := test.NewNullLogger()
	return NewRedis(rc, 90*time.Second, logger), m
}

func nextPresence(t *testing.T, frames <-chan domain.PresenceFrame) domain.PresenceFrame {
	t.Helper()
	select {
	case f, ok := <-frames:
		if !ok {
			t.Fatal("presence feed closed")
		}
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a presence frame")
	}
	return domain.PresenceFrame{}
}

func TestSubscribePresenceDeliversSyncFirst(t *testing.T) {
	r, _ := newTestRedis(t)
	ctx := context.Background()

	alice := domain.UserPresence{UserID: "u1", UserName: "Alice", TeamID: "team-1", Status: domain.PresenceOnline, LastSeen: 1000}
	if err := r.Track(ctx, alice); err != nil {
		t.Fatalf("Track: %v", err)
	}

	feed, err := r.SubscribePresence(ctx, "team-1")
	if err != nil {
		t.Fatalf("SubscribePresence: %v", err)
	}
	defer feed.Close()

	first := nextPresence(t, feed.Frames())
	if first.Type != domain.PresenceFrameSync {
		t.Fatalf("expected a sync frame first, got %s", first.Type)
	}
	if len(first.Roster) != 1 || first.Roster[0].UserID != "u1" || first.Roster[0].UserName != "Alice" {
		t.Fatalf("unexpected roster snapshot: %+v", first.Roster)
	}
}

func TestTrackPublishesJoinThenUpdate(t *testing.T) {
	r, m := newTestRedis(t)
	ctx := context.Background()

	feed, err := r.SubscribePresence(ctx, "team-1")
	if err != nil {
		t.Fatalf("SubscribePresence: %v", err)
	}
	defer feed.Close()
	if f := nextPresence(t, feed.Frames()); f.Type != domain.PresenceFrameSync || len(f.Roster) != 0 {
		t.Fatalf("expected an empty sync first, got %+v", f)
	}

	alice := domain.UserPresence{UserID: "u1", UserName: "Alice", TeamID: "team-1", Status: domain.PresenceOnline}
	if err := r.Track(ctx, alice); err != nil {
		t.Fatalf("Track: %v", err)
	}
	join := nextPresence(t, feed.Frames())
	if join.Type != domain.PresenceFrameJoin || join.Presence == nil || join.Presence.UserID != "u1" {
		t.Fatalf("expected a join frame for the first Track, got %+v", join)
	}

	alice.Status = domain.PresenceAway
	if err := r.Track(ctx, alice); err != nil {
		t.Fatalf("second Track: %v", err)
	}
	update := nextPresence(t, feed.Frames())
	if update.Type != domain.PresenceFrameUpdate || update.Presence.Status != domain.PresenceAway {
		t.Fatalf("expected an update frame for the overwrite, got %+v", update)
	}

	raw := m.HGet("collab:team-1:roster", "u1")
	var stored domain.UserPresence
	if err := sonic.UnmarshalString(raw, &stored); err != nil {
		t.Fatalf("decode stored presence: %v", err)
	}
	if stored.Status != domain.PresenceAway {
		t.Fatalf("expected the hash to hold the latest record, got %+v", stored)
	}
	if ttl := m.TTL("collab:team-1:roster"); ttl != 90*time.Second {
		t.Fatalf("expected the roster ttl refreshed, got %v", ttl)
	}
}

func TestUntrackPublishesLeaveAndClearsHash(t *testing.T) {
	r, m := newTestRedis(t)
	ctx := context.Background()

	alice := domain.UserPresence{UserID: "u1", TeamID: "team-1", Status: domain.PresenceOnline}
	if err := r.Track(ctx, alice); err != nil {
		t.Fatalf("Track: %v", err)
	}

	feed, err := r.SubscribePresence(ctx, "team-1")
	if err != nil {
		t.Fatalf("SubscribePresence: %v", err)
	}
	defer feed.Close()
	nextPresence(t, feed.Frames()) // sync

	if err := r.Untrack(ctx, "team-1", "u1"); err != nil {
		t.Fatalf("Untrack: %v", err)
	}
	leave := nextPresence(t, feed.Frames())
	if leave.Type != domain.PresenceFrameLeave || leave.Presence == nil || leave.Presence.UserID != "u1" {
		t.Fatalf("expected a leave frame, got %+v", leave)
	}
	if m.Exists("collab:team-1:roster") && m.HGet("collab:team-1:roster", "u1") != "" {
		t.Fatal("expected the roster entry gone")
	}
}

func TestBroadcastRoundTrip(t *testing.T) {
	r, _ := newTestRedis(t)
	ctx := context.Background()

	feed, err := r.SubscribeBroadcast(ctx, "team-1")
	if err != nil {
		t.Fatalf("SubscribeBroadcast: %v", err)
	}
	defer feed.Close()

	payload, err := sonic.Marshal(domain.TaskDragPayload{TaskID: "t1", From: domain.StatusTodo, To: domain.StatusDone, Preview: true})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	sent := domain.BroadcastFrame{Type: domain.BroadcastTaskDrag, SenderID: "u1", SenderName: "Alice", SentAt: 1234, Payload: payload}
	if err := r.Broadcast(ctx, "team-1", sent); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}

	select {
	case got, ok := <-feed.Frames():
		if !ok {
			t.Fatal("broadcast feed closed")
		}
		if got.Type != domain.BroadcastTaskDrag || got.SenderID != "u1" || got.SentAt != 1234 {
			t.Fatalf("unexpected frame header: %+v", got)
		}
		var p domain.TaskDragPayload
		if err := sonic.Unmarshal(got.Payload, &p); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		if p.TaskID != "t1" || !p.Preview {
			t.Fatalf("unexpected payload: %+v", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the broadcast frame")
	}
}

func TestChangeRoundTripStaysOnTeamChannel(t *testing.T) {
	r, _ := newTestRedis(t)
	ctx := context.Background()

	ours, err := r.SubscribeChanges(ctx, "team-1")
	if err != nil {
		t.Fatalf("SubscribeChanges: %v", err)
	}
	defer ours.Close()
	theirs, err := r.SubscribeChanges(ctx, "team-2")
	if err != nil {
		t.Fatalf("SubscribeChanges team-2: %v", err)
	}
	defer theirs.Close()

	rec := domain.ChangeRecord{
		ID:     "c1",
		Type:   domain.ChangeUpdate,
		TeamID: "team-1",
		Old:    &domain.TaskRecord{ID: "t1", TeamID: "team-1", Status: domain.StatusTodo},
		New:    &domain.TaskRecord{ID: "t1", TeamID: "team-1", Status: domain.StatusDone, UpdatedBy: "u1", UpdatedAt: 999},
		At:     999,
	}
	if err := r.PublishChange(ctx, rec); err != nil {
		t.Fatalf("PublishChange: %v", err)
	}

	select {
	case got, ok := <-ours.Records():
		if !ok {
			t.Fatal("change stream closed")
		}
		if got.ID != "c1" || got.Type != domain.ChangeUpdate || got.New == nil || got.New.Status != domain.StatusDone {
			t.Fatalf("unexpected change record: %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the change record")
	}

	select {
	case rec := <-theirs.Records():
		t.Fatalf("change leaked onto another team's channel: %+v", rec)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestCloseEndsFeed(t *testing.T) {
	r, _ := newTestRedis(t)
	ctx := context.Background()

	feed, err := r.SubscribeBroadcast(ctx, "team-1")
	if err != nil {
		t.Fatalf("SubscribeBroadcast: %v", err)
	}
	if err := feed.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := feed.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	select {
	case _, ok := <-feed.Frames():
		if ok {
			t.Fatal("expected no frame after Close")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected the feed channel to close")
	}
}
