package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"watchsync/internal/logging"
	"watchsync/internal/models"
)

const channelPrefix = "watchsync:user:"

func ChannelFor(userID string) string {
	return channelPrefix + userID
}

func userFromChannel(channel string) (string, bool) {
	if !strings.HasPrefix(channel, channelPrefix) {
		return "", false
	}
	id := strings.TrimPrefix(channel, channelPrefix)
	return id, id != ""
}

// RedisBus carries events between server processes. Publish only writes to Redis; Run
// relays every user channel into the local hub, so a process sees its own events through
// the same path as everyone else's.
type RedisBus struct {
	rdb   *redis.Client
	local *Hub
	log   *logging.Logger
}

func NewRedisBus(rdb *redis.Client, local *Hub, log *logging.Logger) *RedisBus {
	if log == nil {
		log = logging.Nop()
	}
	return &RedisBus{rdb: rdb, local: local, log: log}
}

func (b *RedisBus) Publish(ctx context.Context, userID string, evt models.Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	if err := b.rdb.Publish(ctx, ChannelFor(userID), payload).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

func (b *RedisBus) Run(ctx context.Context) error {
	pubsub := b.rdb.PSubscribe(ctx, channelPrefix+"*")
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("redis subscribe: %w", err)
	}
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			b.relay(ctx, msg.Channel, msg.Payload)
		}
	}
}

func (b *RedisBus) relay(ctx context.Context, channel, payload string) {
	userID, ok := userFromChannel(channel)
	if !ok {
		return
	}
	var evt models.Event
	if err := json.Unmarshal([]byte(payload), &evt); err != nil {
		b.log.Warnf("redis relay: bad payload on %s: %v", channel, err)
		return
	}
	_ = b.local.Publish(ctx, userID, evt)
}
