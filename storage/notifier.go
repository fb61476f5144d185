package storage

import (
	"context"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"crm-board/domain"
)

// BoardUpdate is published whenever the board view changes.
type BoardUpdate struct {
	ChangeID string `json:"changeId"`
	TaskID   string `json:"taskId"`
	UserID   string `json:"userId"`
}

// Notifier publishes board updates on a Redis channel.
type Notifier struct {
	redis   *redis.Client
	channel string
}

func NewNotifier(client *redis.Client, channel string) *Notifier {
	return &Notifier{redis: client, channel: channel}
}

// NotifyBoardChanged publishes the update for env.
func (n *Notifier) NotifyBoardChanged(ctx context.Context, env domain.ChangeEnvelope) error {
	payload, err := sonic.Marshal(BoardUpdate{ChangeID: env.ID, TaskID: env.Change.TaskID, UserID: env.UserID})
	if err != nil {
		return err
	}
	return n.redis.Publish(ctx, n.channel, payload).Err()
}

// reconnectDelay is the pause before resubscribing after the channel closes.
var reconnectDelay = time.Second

// SubscribeBoardUpdates calls handle for every update published on channel
// until ctx is done, resubscribing when the connection drops.
func SubscribeBoardUpdates(ctx context.Context, rc *redis.Client, channel string, handle func(BoardUpdate)) {
	for {
		sub := rc.Subscribe(ctx, channel)
		ch := sub.Channel()
	recv:
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break recv
				}
				var u BoardUpdate
				if err := sonic.UnmarshalString(msg.Payload, &u); err != nil {
					log.WithError(err).Error("unable to parse board update")
					continue
				}
				handle(u)
			}
		}
		_ = sub.Close()
		if ctx.Err() != nil {
			return
		}
		log.Error("board update channel closed, reconnecting")
		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}
