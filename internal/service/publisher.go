package service

import (
	"context"
	"log/slog"

	"github.com/telex-ph/bug-reporting/internal/model"
)

// EventPublisher hands a notification event to the distribution layer.
// Publishing never blocks on subscriber delivery.
type EventPublisher interface {
	Publish(ctx context.Context, event model.NotificationEvent) error
}

// Dispatcher is the slice of the notification hub a local publisher needs.
type Dispatcher interface {
	Dispatch(event model.NotificationEvent) int
}

type hubPublisher struct {
	hub Dispatcher
}

// NewHubPublisher publishes straight into an in-process hub. Used when the
// ingesting process also serves the live channel.
func NewHubPublisher(hub Dispatcher) EventPublisher {
	return &hubPublisher{hub: hub}
}

func (p *hubPublisher) Publish(ctx context.Context, event model.NotificationEvent) error {
	delivered := p.hub.Dispatch(event)
	slog.DebugContext(ctx, "event dispatched locally", "kind", event.Kind, "delivered", delivered)
	return nil
}

type discardPublisher struct{}

// NewDiscardPublisher drops every event.
func NewDiscardPublisher() EventPublisher {
	return discardPublisher{}
}

func (discardPublisher) Publish(context.Context, model.NotificationEvent) error {
	return nil
}
