// ============================================================================
// Self-Healing Engine Notifier
// ============================================================================
//
// Package: internal/notifier
// File: notifier.go
// Purpose: Passive sink logging every event that crosses the bus
//
// Subscribes to every engine channel, including task.created, which no
// component currently publishes; the subscription stays so external
// producers can be observed without redeploying the notifier.
//
// ============================================================================

// Package notifier logs every event observed on the bus.
package notifier

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/kh-bikash/self-healing-engine/internal/bus"
)

// Channels lists everything the notifier listens on
var Channels = []string{
	bus.ChannelWorkflowCreated,
	bus.ChannelTaskCreated,
	bus.ChannelTaskQueued,
	bus.ChannelTaskCompleted,
	bus.ChannelTaskFailed,
	bus.ChannelTaskRetry,
}

// Service logs each observed event
type Service struct {
	bus    bus.Bus
	logger *slog.Logger
}

// NewService creates a notifier
func NewService(b bus.Bus, logger *slog.Logger) *Service {
	return &Service{bus: b, logger: logger}
}

// Run logs events until ctx is cancelled
func (s *Service) Run(ctx context.Context) error {
	msgs, err := s.bus.Subscribe(ctx, Channels...)
	if err != nil {
		return err
	}

	s.logger.Info("Notification service started")

	for msg := range msgs {
		var payload map[string]any
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			s.logger.Error("Malformed event, dropping", "channel", msg.Channel, "error", err)
			continue
		}
		s.logger.Info("NOTIFICATION", "channel", msg.Channel, "payload", payload)
	}

	s.logger.Info("Notification service stopped")
	return nil
}
