package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"collab-service/domain"
	"collab-service/transport"
)

const idleWait = time.Second

// feedrelay drains the board-changes queue written by the platform's CRUD
// services and republishes each record on the team's Redis change channel,
// where live sessions pick it up.
func main() {
	if dbg, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && dbg {
		log.SetLevel(log.DebugLevel)
	}
	log.Info("change feed relay starting")

	connStr := os.Getenv("STORAGE_CONNECTION_STRING")
	changesQueue := os.Getenv("BOARD_CHANGES_QUEUE")
	if connStr == "" || changesQueue == "" {
		log.Fatal("missing storage config")
	}
	redisConn := os.Getenv("REDIS_CONNECTION_STRING")
	if redisConn == "" {
		log.Fatal("missing redis config")
	}

	queue, err := azqueue.NewQueueClientFromConnectionString(connStr, changesQueue, nil)
	if err != nil {
		log.Fatalf("queue client: %v", err)
	}

	redisOpts, err := redis.ParseURL(redisConn)
	if err != nil {
		redisOpts = &redis.Options{Addr: redisConn}
	}
	logger := log.New()
	rt := transport.NewRedis(redis.NewClient(redisOpts), 0, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	relay(ctx, queue, rt, logger)
	log.Info("change feed relay stopped")
}

// relay loops until ctx is cancelled. Messages are deleted only after a
// successful publish; failures leave them for redelivery. Records that
// cannot be decoded are deleted so they do not poison the queue.
func relay(ctx context.Context, queue *azqueue.QueueClient, rt *transport.Redis, logger *log.Logger) {
	for ctx.Err() == nil {
		resp, err := queue.DequeueMessage(ctx, nil)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.WithError(err).Warn("dequeue failed")
			idle(ctx, idleWait)
			continue
		}
		if len(resp.Messages) == 0 {
			idle(ctx, idleWait)
			continue
		}
		msg := resp.Messages[0]

		text := ""
		if msg.MessageText != nil {
			text = *msg.MessageText
		}
		var rec domain.ChangeRecord
		if err := sonic.UnmarshalString(text, &rec); err != nil || rec.TeamID == "" {
			logger.WithError(err).Warn("dropping malformed change message")
			if _, err := queue.DeleteMessage(ctx, *msg.MessageID, *msg.PopReceipt, nil); err != nil {
				logger.WithError(err).Warn("delete message failed")
			}
			continue
		}

		if err := rt.PublishChange(ctx, rec); err != nil {
			logger.WithError(err).WithField("team", rec.TeamID).Error("publish failed, message will redeliver")
			continue
		}
		if _, err := queue.DeleteMessage(ctx, *msg.MessageID, *msg.PopReceipt, nil); err != nil {
			logger.WithError(err).Warn("delete message failed")
		}
	}
}

func idle(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
