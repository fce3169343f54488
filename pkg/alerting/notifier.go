// Package alerting delivers operator alerts to chat channels. Alerts are
// filtered by event type so operators receive only what they asked for.
package alerting

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/0xMgwan/betuaa-sub000/pkg/metrics"
)

// Event types raised by the keeper
const (
	EventFatal           = "fatal"
	EventAbandoned       = "abandoned"
	EventFeedUnavailable = "feed_unavailable"
	EventLowBalance      = "low_balance"
	EventCircuitOpen     = "circuit_open"
	EventResolved        = "resolved"
)

// Sender is one notification channel
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// Notifier fans alerts out to every sender
type Notifier struct {
	senders []Sender
	events  map[string]bool
	logger  zerolog.Logger
}

// NewNotifier creates a Notifier for senders. Only events listed in events
// are forwarded; an empty list allows all of them.
func NewNotifier(senders []Sender, events []string, logger zerolog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		logger:  logger.With().Str("component", "alerting").Logger(),
	}
}

// Enabled reports whether any sender is configured
func (n *Notifier) Enabled() bool {
	return n != nil && len(n.senders) > 0
}

// Notify sends an alert if its event type passes the filter. A failing
// sender does not stop delivery to the others.
func (n *Notifier) Notify(ctx context.Context, event, title, message string) error {
	if !n.Enabled() {
		return nil
	}
	if len(n.events) > 0 && !n.events[event] {
		n.logger.Debug().Str("event", event).Msg("Alert filtered out")
		return nil
	}

	var errs []string
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			metrics.AlertsSent.WithLabelValues(s.Name(), "error").Inc()
			n.logger.Error().Err(err).Str("sender", s.Name()).Str("event", event).Msg("Alert delivery failed")
			errs = append(errs, fmt.Sprintf("%s: %v", s.Name(), err))
			continue
		}
		metrics.AlertsSent.WithLabelValues(s.Name(), "ok").Inc()
		n.logger.Debug().Str("sender", s.Name()).Str("event", event).Msg("Alert sent")
	}

	if len(errs) > 0 {
		return fmt.Errorf("alerting: %d sender(s) failed: %s", len(errs), strings.Join(errs, "; "))
	}
	return nil
}
