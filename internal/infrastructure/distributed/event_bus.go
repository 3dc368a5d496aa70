package distributed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"ticksettle/internal/core/domain"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const DefaultFactsChannel = "ticksettle:facts"

// Event is the envelope published for every ledger fact.
type Event struct {
	Type       domain.FactType `json:"type"`
	InstanceID string          `json:"instance_id"`
	Timestamp  time.Time       `json:"timestamp"`
	Fact       *domain.Fact    `json:"fact"`
}

// EventBus fans ledger facts out to other instances over redis pub/sub.
// Delivery is at most once; subscribers that need every fact tail the outbox.
type EventBus struct {
	client     redis.UniversalClient
	instanceID string
	channel    string
	logger     *zap.SugaredLogger

	mu     sync.Mutex
	pubsub *redis.PubSub
}

func NewEventBus(client redis.UniversalClient, instanceID string, logger *zap.SugaredLogger) *EventBus {
	return &EventBus{
		client:     client,
		instanceID: instanceID,
		channel:    DefaultFactsChannel,
		logger:     logger,
	}
}

// Publish implements ports.FactSink.
func (eb *EventBus) Publish(ctx context.Context, fact *domain.Fact) error {
	event := &Event{
		Type:       fact.Type,
		InstanceID: eb.instanceID,
		Timestamp:  time.Now().UTC(),
		Fact:       fact,
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := eb.client.Publish(ctx, eb.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	eb.logger.Debugw("Published fact",
		"type", fact.Type,
		"seq", fact.Seq,
		"stream_id", fact.StreamID,
	)
	return nil
}

// Subscribe blocks delivering events from other instances to handler until ctx
// is cancelled.
func (eb *EventBus) Subscribe(ctx context.Context, handler func(*Event) error) error {
	eb.mu.Lock()
	if eb.pubsub != nil {
		eb.mu.Unlock()
		return fmt.Errorf("already subscribed")
	}
	pubsub := eb.client.Subscribe(ctx, eb.channel)
	eb.pubsub = pubsub
	eb.mu.Unlock()

	defer func() {
		eb.mu.Lock()
		eb.pubsub = nil
		eb.mu.Unlock()
		pubsub.Close()
	}()

	// wait for the subscription to be confirmed so no publish is missed after return
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				eb.logger.Warnw("Failed to unmarshal event", "error", err)
				continue
			}
			if event.InstanceID == eb.instanceID {
				continue
			}
			if err := handler(&event); err != nil {
				eb.logger.Warnw("Error handling event",
					"type", event.Type,
					"error", err,
				)
			}
		}
	}
}

func (eb *EventBus) Close() error {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	if eb.pubsub != nil {
		return eb.pubsub.Close()
	}
	return nil
}
