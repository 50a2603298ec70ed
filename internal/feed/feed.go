// Package feed is the change-notification bus between the mutation gateway
// and the pin synchronizers. Every successful write publishes a tick on the
// Redis channel for its (user, project) scope; subscribers reload the full
// snapshot on each tick.
package feed

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Bus publishes and subscribes change ticks over Redis pub/sub.
type Bus struct {
	client *redis.Client
}

// New creates a bus from an existing Redis client.
func New(client *redis.Client) *Bus {
	return &Bus{client: client}
}

// NewFromURL connects to Redis and verifies the connection.
func NewFromURL(redisURL string) (*Bus, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return &Bus{client: client}, nil
}

func (b *Bus) Close() error {
	return b.client.Close()
}

func channel(userID, projectID string) string {
	return "pins:" + userID + ":" + projectID
}

// Publish emits a change tick for the scope. The payload carries no data;
// subscribers always re-read the store.
func (b *Bus) Publish(ctx context.Context, userID, projectID string) error {
	if err := b.client.Publish(ctx, channel(userID, projectID), "1").Err(); err != nil {
		return fmt.Errorf("publish change: %w", err)
	}
	return nil
}

// Subscription is a live tick stream for one (user, project) scope.
type Subscription struct {
	ticks  chan struct{}
	pubsub *redis.PubSub
	once   sync.Once
}

// Ticks delivers one value per change burst. Ticks are coalesced: a burst of
// publishes while the consumer is busy collapses into a single pending tick.
// The channel closes if the underlying subscription dies.
func (s *Subscription) Ticks() <-chan struct{} {
	return s.ticks
}

// Close cancels the subscription. Safe to call more than once; only the first
// call takes effect.
func (s *Subscription) Close() {
	s.once.Do(func() {
		_ = s.pubsub.Close()
	})
}

// Subscribe opens a tick stream for the scope. It confirms the subscription
// with the server before returning, so a tick published after Subscribe
// returns is never missed.
func (b *Bus) Subscribe(ctx context.Context, userID, projectID string) (*Subscription, error) {
	pubsub := b.client.Subscribe(ctx, channel(userID, projectID))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel(userID, projectID), err)
	}

	sub := &Subscription{
		ticks:  make(chan struct{}, 1),
		pubsub: pubsub,
	}

	go func() {
		defer close(sub.ticks)
		for range pubsub.Channel() {
			select {
			case sub.ticks <- struct{}{}:
			default:
				// a tick is already pending, coalesce
			}
		}
	}()

	return sub, nil
}
