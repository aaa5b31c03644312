package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"collab-service/collab"
	"collab-service/domain"
)

// DefaultRosterTTL bounds how long a crashed instance stays in the roster
// hash before Redis expires it.
const DefaultRosterTTL = 90 * time.Second

const feedBuffer = 64

// Redis carries the presence, broadcast and change feeds of every team
// over one Redis connection. Each team gets three pub/sub channels plus a
// roster hash keyed by user id; the hash TTL is refreshed on every Track.
type Redis struct {
	rc        *redis.Client
	logger    *log.Logger
	rosterTTL time.Duration
}

func NewRedis(rc *redis.Client, rosterTTL time.Duration, logger *log.Logger) *Redis {
	if rc == nil {
		panic("transport.NewRedis: redis client is nil")
	}
	if rosterTTL <= 0 {
		rosterTTL = DefaultRosterTTL
	}
	return &Redis{rc: rc, logger: logger, rosterTTL: rosterTTL}
}

func presenceChannel(teamID string) string { return "collab:" + teamID + ":presence" }

func broadcastChannel(teamID string) string { return "collab:" + teamID + ":broadcast" }

func changesChannel(teamID string) string { return "collab:" + teamID + ":changes" }

func rosterKey(teamID string) string { return "collab:" + teamID + ":roster" }

// Track stores the presence record in the roster hash and announces it on
// the presence channel. A record for a user not yet in the hash goes out
// as a join frame, an overwrite as an update frame.
func (r *Redis) Track(ctx context.Context, p domain.UserPresence) error {
	data, err := sonic.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode presence: %w", err)
	}
	added, err := r.rc.HSet(ctx, rosterKey(p.TeamID), p.UserID, data).Result()
	if err != nil {
		return fmt.Errorf("store presence: %w", err)
	}
	if err := r.rc.Expire(ctx, rosterKey(p.TeamID), r.rosterTTL).Err(); err != nil {
		r.logger.WithError(err).WithField("team", p.TeamID).Warn("roster ttl refresh failed")
	}
	frameType := domain.PresenceFrameUpdate
	if added > 0 {
		frameType = domain.PresenceFrameJoin
	}
	return r.publishPresence(ctx, p.TeamID, domain.PresenceFrame{Type: frameType, Presence: &p})
}

// Untrack drops the user from the roster hash and announces the departure.
func (r *Redis) Untrack(ctx context.Context, teamID, userID string) error {
	if err := r.rc.HDel(ctx, rosterKey(teamID), userID).Err(); err != nil {
		return fmt.Errorf("drop presence: %w", err)
	}
	leave := domain.PresenceFrame{
		Type:     domain.PresenceFrameLeave,
		Presence: &domain.UserPresence{UserID: userID, TeamID: teamID, Status: domain.PresenceOffline},
	}
	return r.publishPresence(ctx, teamID, leave)
}

// SubscribePresence opens the team's presence feed. The first frame is a
// sync carrying the roster hash as of subscription time, so a frame
// published concurrently may arrive again after it; the membership map
// applies both without harm.
func (r *Redis) SubscribePresence(ctx context.Context, teamID string) (collab.PresenceFeed, error) {
	sub := r.rc.Subscribe(ctx, presenceChannel(teamID))
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("subscribe presence: %w", err)
	}

	entries, err := r.rc.HGetAll(ctx, rosterKey(teamID)).Result()
	if err != nil {
		sub.Close()
		return nil, fmt.Errorf("read roster: %w", err)
	}
	roster := make([]domain.UserPresence, 0, len(entries))
	for userID, raw := range entries {
		var p domain.UserPresence
		if err := sonic.UnmarshalString(raw, &p); err != nil {
			r.logger.WithError(err).WithFields(log.Fields{"team": teamID, "user": userID}).Warn("dropping unreadable roster entry")
			continue
		}
		roster = append(roster, p)
	}

	feed := &presenceFeed{
		sub:  sub,
		ch:   make(chan domain.PresenceFrame, feedBuffer),
		done: make(chan struct{}),
	}
	feed.ch <- domain.PresenceFrame{Type: domain.PresenceFrameSync, Roster: roster}
	go feed.pump(r.logger)
	return feed, nil
}

func (r *Redis) publishPresence(ctx context.Context, teamID string, frame domain.PresenceFrame) error {
	data, err := sonic.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encode presence frame: %w", err)
	}
	if err := r.rc.Publish(ctx, presenceChannel(teamID), data).Err(); err != nil {
		return fmt.Errorf("publish presence frame: %w", err)
	}
	return nil
}

// Broadcast publishes one ephemeral frame on the team's broadcast channel.
func (r *Redis) Broadcast(ctx context.Context, teamID string, frame domain.BroadcastFrame) error {
	data, err := sonic.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encode broadcast frame: %w", err)
	}
	if err := r.rc.Publish(ctx, broadcastChannel(teamID), data).Err(); err != nil {
		return fmt.Errorf("publish broadcast frame: %w", err)
	}
	return nil
}

// SubscribeBroadcast opens the team's broadcast feed.
func (r *Redis) SubscribeBroadcast(ctx context.Context, teamID string) (collab.BroadcastFeed, error) {
	sub := r.rc.Subscribe(ctx, broadcastChannel(teamID))
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("subscribe broadcast: %w", err)
	}
	feed := &broadcastFeed{
		sub:  sub,
		ch:   make(chan domain.BroadcastFrame, feedBuffer),
		done: make(chan struct{}),
	}
	go feed.pump(r.logger)
	return feed, nil
}

// PublishChange publishes one change record on the owning team's channel.
func (r *Redis) PublishChange(ctx context.Context, rec domain.ChangeRecord) error {
	data, err := sonic.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode change record: %w", err)
	}
	if err := r.rc.Publish(ctx, changesChannel(rec.TeamID), data).Err(); err != nil {
		return fmt.Errorf("publish change record: %w", err)
	}
	return nil
}

// SubscribeChanges opens the team's change feed.
func (r *Redis) SubscribeChanges(ctx context.Context, teamID string) (collab.ChangeStream, error) {
	sub := r.rc.Subscribe(ctx, changesChannel(teamID))
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("subscribe changes: %w", err)
	}
	stream := &changeStream{
		sub:  sub,
		ch:   make(chan domain.ChangeRecord, feedBuffer),
		done: make(chan struct{}),
	}
	go stream.pump(r.logger)
	return stream, nil
}

type presenceFeed struct {
	sub      *redis.PubSub
	ch       chan domain.PresenceFrame
	done     chan struct{}
	once     sync.Once
	closeErr error
}

func (f *presenceFeed) Frames() <-chan domain.PresenceFrame { return f.ch }

func (f *presenceFeed) Close() error {
	f.once.Do(func() {
		close(f.done)
		f.closeErr = f.sub.Close()
	})
	return f.closeErr
}

func (f *presenceFeed) pump(logger *log.Logger) {
	defer close(f.ch)
	for msg := range f.sub.Channel() {
		var frame domain.PresenceFrame
		if err := sonic.UnmarshalString(msg.Payload, &frame); err != nil {
			logger.WithError(err).Warn("malformed presence frame")
			continue
		}
		select {
		case f.ch <- frame:
		case <-f.done:
			return
		}
	}
}

type broadcastFeed struct {
	sub      *redis.PubSub
	ch       chan domain.BroadcastFrame
	done     chan struct{}
	once     sync.Once
	closeErr error
}

func (f *broadcastFeed) Frames() <-chan domain.BroadcastFrame { return f.ch }

func (f *broadcastFeed) Close() error {
	f.once.Do(func() {
		close(f.done)
		f.closeErr = f.sub.Close()
	})
	return f.closeErr
}

func (f *broadcastFeed) pump(logger *log.Logger) {
	defer close(f.ch)
	for msg := range f.sub.Channel() {
		var frame domain.BroadcastFrame
		if err := sonic.UnmarshalString(msg.Payload, &frame); err != nil {
			logger.WithError(err).Warn("malformed broadcast frame")
			continue
		}
		select {
		case f.ch <- frame:
		case <-f.done:
			return
		}
	}
}

type changeStream struct {
	sub      *redis.PubSub
	ch       chan domain.ChangeRecord
	done     chan struct{}
	once     sync.Once
	closeErr error
}

func (s *changeStream) Records() <-chan domain.ChangeRecord { return s.ch }

func (s *changeStream) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.closeErr = s.sub.Close()
	})
	return s.closeErr
}

func (s *changeStream) pump(logger *log.Logger) {
	defer close(s.ch)
	for msg := range s.sub.Channel() {
		var rec domain.ChangeRecord
		if err := sonic.UnmarshalString(msg.Payload, &rec); err != nil {
			logger.WithError(err).Warn("malformed change record")
			continue
		}
		select {
		case s.ch <- rec:
		case <-s.done:
			return
		}
	}
}
