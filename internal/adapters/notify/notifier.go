// Package notify delivers events to chat channels. Every sender is wrapped in a
// lossy ports.EventSink that filters by event type.
package notify

import (
	"context"
	"strings"

	"cryptoPaperBot/internal/domain"
	"cryptoPaperBot/internal/events"
)

// Sender is implemented by each notification channel.
type Sender interface {
	// Send delivers a notification with the given title and message body.
	Send(ctx context.Context, title, message string) error
	// Name returns a human-readable identifier for the sender (e.g. "telegram").
	Name() string
}

// Sink adapts a Sender to ports.EventSink.
type Sink struct {
	sender Sender
	events map[domain.EventType]bool
}

// NewSink wraps sender. Only the listed event types are forwarded; an empty list
// forwards everything.
func NewSink(sender Sender, eventTypes []string) *Sink {
	allowed := make(map[domain.EventType]bool, len(eventTypes))
	for _, e := range eventTypes {
		if e = strings.TrimSpace(e); e != "" {
			allowed[domain.EventType(e)] = true
		}
	}
	return &Sink{sender: sender, events: allowed}
}

// Name implements ports.EventSink.
func (s *Sink) Name() string { return s.sender.Name() }

// Durable implements ports.EventSink. Chat channels are best-effort.
func (s *Sink) Durable() bool { return false }

// Deliver implements ports.EventSink.
func (s *Sink) Deliver(ctx context.Context, ev domain.Event) error {
	if len(s.events) > 0 && !s.events[ev.Type] && ev.Severity != domain.SeverityFatal {
		return nil
	}
	return s.sender.Send(ctx, events.Title(ev), events.Body(ev))
}
