package grant

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// EventsChannel is the Redis pub/sub channel the dashboard stream reads.
const EventsChannel = "grant:events"

const publishTimeout = 2 * time.Second

// Notifier broadcasts grant state transitions to currently-connected
// dashboard subscribers. Publishing is fire-and-forget: failures are logged
// and swallowed, never returned to the calling component.
type Notifier interface {
	Publish(event Event)
}

// RedisNotifier publishes events on a Redis pub/sub channel so every app
// instance's dashboard connections see them.
type RedisNotifier struct {
	client *redis.Client
}

// NewRedisNotifier creates a notifier on the given Redis client.
func NewRedisNotifier(client *redis.Client) *RedisNotifier {
	return &RedisNotifier{client: client}
}

func (n *RedisNotifier) Publish(event Event) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		log.Errorf("[Notifier] Failed to marshal %s event for %s: %v", event.Type, event.SubscriberID, err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := n.client.Publish(ctx, EventsChannel, payload).Err(); err != nil {
		log.Errorf("[Notifier] Failed to publish %s event for %s: %v", event.Type, event.SubscriberID, err)
	}
}

// LogNotifier is the fallback notifier when no broadcast transport is
// configured; it only writes the transition to the log.
type LogNotifier struct{}

func (LogNotifier) Publish(event Event) {
	log.Infof("[Notifier] %s subscriber=%s detail=%q", event.Type, event.SubscriberID, event.Detail)
}
