package grbl

import (
	"time"

	"go.uber.org/zap"
)

type EventType string

const (
	EventConnected    EventType = "connected"
	EventDisconnected EventType = "disconnected"
	EventReconnecting EventType = "reconnecting"
	EventStatus       EventType = "status"
	EventCommand      EventType = "command"
	EventResponse     EventType = "response"
	EventAlarm        EventType = "alarm"
	EventError        EventType = "error"
)

// Event is published by the controller for every notable change.
type Event struct {
	Time    time.Time `json:"timestamp"`
	Type    EventType `json:"type"`
	Message string    `json:"message,omitempty"`
	Status  *Status   `json:"status,omitempty"`
	Err     error     `json:"-"`
}

// A Subscriber receives controller events. Publish is called from the
// controller's own goroutines and must not block.
type Subscriber interface {
	Publish(Event)
}

// SubscriberFunc adapts a function to the Subscriber interface.
type SubscriberFunc func(Event)

func (fn SubscriberFunc) Publish(e Event) { fn(e) }

// LogSubscriber writes events to a zap logger.
type LogSubscriber struct {
	Logger *zap.Logger
}

func (s LogSubscriber) Publish(e Event) {
	fields := []zap.Field{zap.String("event", string(e.Type))}
	if e.Message != "" {
		fields = append(fields, zap.String("message", e.Message))
	}
	switch e.Type {
	case EventError:
		s.Logger.Warn("controller error", append(fields, zap.Error(e.Err))...)
	case EventAlarm:
		s.Logger.Warn("controller alarm", fields...)
	case EventStatus:
		if e.Status != nil {
			fields = append(fields, zap.String("state", string(e.Status.State)))
		}
		s.Logger.Debug("controller status", fields...)
	case EventCommand, EventResponse:
		s.Logger.Debug("controller io", fields...)
	default:
		s.Logger.Info("controller event", fields...)
	}
}
