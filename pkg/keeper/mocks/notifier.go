package mocks

import (
	"context"
	"sync"
)

// Alert is one recorded notification
type Alert struct {
	Event   string
	Title   string
	Message string
}

// RecordingNotifier keeps every alert it is given
type RecordingNotifier struct {
	mu     sync.Mutex
	alerts []Alert
}

// Notify records the alert
func (n *RecordingNotifier) Notify(_ context.Context, event, title, message string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, Alert{Event: event, Title: title, Message: message})
	return nil
}

// Events returns the event types received so far
func (n *RecordingNotifier) Events() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	events := make([]string, len(n.alerts))
	for i, a := range n.alerts {
		events[i] = a.Event
	}
	return events
}
