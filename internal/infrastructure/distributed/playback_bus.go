package distributed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"ticksettle/internal/core/domain"
	"ticksettle/internal/core/ports"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const DefaultPlaybackChannel = "ticksettle:playback"

const (
	ActionPause  = "pause"
	ActionResume = "resume"
)

// PlaybackCommand is the envelope for a pause or resume fanned out to every
// instance.
type PlaybackCommand struct {
	Action     string             `json:"action"`
	InstanceID string             `json:"instance_id"`
	StreamID   domain.StreamID    `json:"stream_id"`
	Viewer     domain.AccountID   `json:"viewer"`
	Reason     domain.PauseReason `json:"reason,omitempty"`
	Timestamp  time.Time          `json:"timestamp"`
}

// PlaybackBus is a ports.Transport that applies pause and resume to the local
// hub and publishes them, so the instance holding the viewer's session applies
// them too. A failed publish is returned to the caller, which retries on its
// next pass.
type PlaybackBus struct {
	client     redis.UniversalClient
	instanceID string
	channel    string
	local      ports.Transport
	logger     *zap.SugaredLogger
}

func NewPlaybackBus(client redis.UniversalClient, instanceID string, local ports.Transport, logger *zap.SugaredLogger) *PlaybackBus {
	return &PlaybackBus{
		client:     client,
		instanceID: instanceID,
		channel:    DefaultPlaybackChannel,
		local:      local,
		logger:     logger,
	}
}

func (b *PlaybackBus) PauseViewer(ctx context.Context, stream domain.StreamID, viewer domain.AccountID, reason domain.PauseReason) error {
	if err := b.local.PauseViewer(ctx, stream, viewer, reason); err != nil {
		return err
	}
	return b.publish(ctx, PlaybackCommand{Action: ActionPause, StreamID: stream, Viewer: viewer, Reason: reason})
}

func (b *PlaybackBus) ResumeViewer(ctx context.Context, stream domain.StreamID, viewer domain.AccountID) error {
	if err := b.local.ResumeViewer(ctx, stream, viewer); err != nil {
		return err
	}
	return b.publish(ctx, PlaybackCommand{Action: ActionResume, StreamID: stream, Viewer: viewer})
}

func (b *PlaybackBus) publish(ctx context.Context, cmd PlaybackCommand) error {
	cmd.InstanceID = b.instanceID
	cmd.Timestamp = time.Now().UTC()

	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("failed to marshal playback command: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish playback command: %w", err)
	}
	return nil
}

// Run applies commands published by other instances until ctx is cancelled.
func (b *PlaybackBus) Run(ctx context.Context) error {
	pubsub := b.client.Subscribe(ctx, b.channel)
	defer pubsub.Close()

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
			b.handle(ctx, []byte(msg.Payload))
		}
	}
}

func (b *PlaybackBus) handle(ctx context.Context, payload []byte) {
	var cmd PlaybackCommand
	if err := json.Unmarshal(payload, &cmd); err != nil {
		b.logger.Warnw("Failed to unmarshal playback command", "error", err)
		return
	}
	if cmd.InstanceID == b.instanceID {
		return
	}

	var err error
	switch cmd.Action {
	case ActionPause:
		err = b.local.PauseViewer(ctx, cmd.StreamID, cmd.Viewer, cmd.Reason)
	case ActionResume:
		err = b.local.ResumeViewer(ctx, cmd.StreamID, cmd.Viewer)
	default:
		b.logger.Warnw("Unknown playback command", "action", cmd.Action)
		return
	}
	if err != nil {
		b.logger.Warnw("Failed to apply playback command",
			"action", cmd.Action,
			"stream_id", cmd.StreamID,
			"viewer", cmd.Viewer,
			"error", err,
		)
	}
}
