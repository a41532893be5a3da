package hub

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/runhub/runhub/internal/common/logger"
	"github.com/runhub/runhub/internal/events/bus"
	"github.com/runhub/runhub/pkg/ws"
)

// Bridge forwards event-bus activity to hub topics. Bus publishers set the
// event type to the WebSocket action name, so the bridge only maps subjects
// to topics.
type Bridge struct {
	hub    *Hub
	bus    bus.EventBus
	subs   []bus.Subscription
	logger *logger.Logger
}

// NewBridge creates a bridge between the event bus and the hub.
func NewBridge(h *Hub, eventBus bus.EventBus, log *logger.Logger) *Bridge {
	return &Bridge{
		hub:    h,
		bus:    eventBus,
		logger: log.WithFields(zap.String("component", "ws_bridge")),
	}
}

// Start subscribes to run and fleet subjects.
func (b *Bridge) Start() error {
	runSub, err := b.bus.Subscribe("run.>", b.handleRunEvent)
	if err != nil {
		return err
	}
	b.subs = append(b.subs, runSub)

	for _, subject := range []string{
		bus.SubjectRunCreated,
		bus.SubjectRunDeleted,
		bus.SubjectAgentStatus,
	} {
		sub, err := b.bus.Subscribe(subject, b.handleFleetEvent)
		if err != nil {
			b.Stop()
			return err
		}
		b.subs = append(b.subs, sub)
	}
	return nil
}

// Stop removes all bus subscriptions.
func (b *Bridge) Stop() {
	for _, sub := range b.subs {
		_ = sub.Unsubscribe()
	}
	b.subs = nil
}

// handleRunEvent forwards run.<id>.* to the run/<id> topic.
func (b *Bridge) handleRunEvent(ctx context.Context, event *bus.Event) error {
	runID := runIDFromData(event)
	if runID == "" {
		b.logger.Warn("run event without run id", zap.String("type", event.Type))
		return nil
	}
	msg, err := ws.NewNotification(event.Type, event.Data)
	if err != nil {
		return err
	}
	b.hub.Publish(ws.TopicRun(runID), msg)
	return nil
}

// handleFleetEvent forwards fleet subjects to the "all" topic.
func (b *Bridge) handleFleetEvent(ctx context.Context, event *bus.Event) error {
	msg, err := ws.NewNotification(event.Type, event.Data)
	if err != nil {
		return err
	}
	b.hub.Publish(ws.TopicAll, msg)
	return nil
}

// runIDFromData extracts the run id every run-scoped publisher includes in
// its payload.
func runIDFromData(event *bus.Event) string {
	if id, ok := event.Data["run_id"].(string); ok && strings.TrimSpace(id) != "" {
		return id
	}
	return ""
}
