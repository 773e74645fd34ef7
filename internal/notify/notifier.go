// Package notify fans agent lifecycle transitions out to external systems
// (a structured log line, an operator webhook, an MQTT topic) so someone is
// watching when a user's agent starts, stops, or crashes.
package notify

import (
	"context"
	"sync"
	"time"
)

// EventType identifies what happened to an agent.
type EventType string

const (
	EventAgentAdded   EventType = "agent_added"
	EventAgentStarted EventType = "agent_started"
	EventAgentStopped EventType = "agent_stopped"
	EventAgentCrashed EventType = "agent_crashed" // reconciled on a lazy status() check
	EventAgentRemoved EventType = "agent_removed"
)

// Event represents a single lifecycle notification.
type Event struct {
	Type      EventType `json:"type"`
	User      string    `json:"user"`
	Port      int       `json:"port,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Notifier sends events to an external system.
type Notifier interface {
	Send(ctx context.Context, event Event) error
	Name() string
}

// Logger is a minimal logging interface to avoid importing the logging package.
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// Multi fans out events to multiple notifiers.
// It never returns errors — failures are logged but don't block the
// lifecycle operation that produced the event.
type Multi struct {
	mu        sync.RWMutex
	notifiers []Notifier
	log       Logger
}

// NewMulti creates a dispatcher from the given notifiers.
func NewMulti(log Logger, notifiers ...Notifier) *Multi {
	return &Multi{notifiers: notifiers, log: log}
}

// Notify sends an event to all registered notifiers.
// Returns true if at least one notifier succeeded (or none are configured).
func (m *Multi) Notify(ctx context.Context, event Event) bool {
	m.mu.RLock()
	notifiers := m.notifiers
	m.mu.RUnlock()

	if len(notifiers) == 0 {
		return true
	}

	anyOK := false
	for _, n := range notifiers {
		if err := n.Send(ctx, event); err != nil {
			m.log.Error("notification failed",
				"provider", n.Name(),
				"event", string(event.Type),
				"user", event.User,
				"error", err.Error(),
			)
		} else {
			anyOK = true
		}
	}
	return anyOK
}

// Reconfigure replaces the notifier chain at runtime.
func (m *Multi) Reconfigure(notifiers ...Notifier) {
	m.mu.Lock()
	m.notifiers = notifiers
	m.mu.Unlock()
}
