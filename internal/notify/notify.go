// Package notify delivers backup and restore events to operators through the
// configured channels, honouring each tenant's notification toggles.
package notify

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"tenant-backup/internal/config"
	"tenant-backup/internal/logging"
	"tenant-backup/internal/model"
)

// Severity orders events for channel formatting
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Event is a single notification
type Event struct {
	Name       string                 `json:"event"`
	TenantID   string                 `json:"tenant_id"`
	EntityType string                 `json:"entity_type"`
	EntityID   string                 `json:"entity_id"`
	Title      string                 `json:"title"`
	Message    string                 `json:"message,omitempty"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`

	// Recipients is filled from the tenant's notification e-mails
	Recipients []string `json:"-"`
}

// Severity derives the severity from the event name
func (e Event) Severity() Severity {
	switch {
	case strings.HasSuffix(e.Name, ".failed"):
		return SeverityCritical
	case e.Name == model.EventBackupExpiring:
		return SeverityWarning
	}
	return SeverityInfo
}

// Sink receives events. Emit must not fail the operation that raised the event.
type Sink interface {
	Emit(ctx context.Context, e Event)
}

// Channel delivers an event to one destination
type Channel interface {
	Send(ctx context.Context, e Event) error
	Type() string
}

// SettingsReader supplies the per-tenant toggles
type SettingsReader interface {
	Get(ctx context.Context, tenantID string) (*model.Settings, error)
}

type routedChannel struct {
	Channel
	events map[string]bool
}

func (r routedChannel) accepts(event string) bool {
	return len(r.events) == 0 || r.events[event]
}

// Dispatcher fans events out to channels
type Dispatcher struct {
	logger   *logging.Logger
	settings SettingsReader
	timeout  time.Duration
	channels []routedChannel
}

// NewDispatcher builds channels from configuration. A disabled config yields
// a dispatcher that only logs.
func NewDispatcher(cfg config.NotificationsConfig, settings SettingsReader, logger *logging.Logger) (*Dispatcher, error) {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	d := &Dispatcher{logger: logger, settings: settings, timeout: cfg.Timeout}
	if d.timeout == 0 {
		d.timeout = 10 * time.Second
	}
	if !cfg.Enabled {
		return d, nil
	}

	for _, ch := range cfg.Channels {
		channel, err := newChannel(ch, d.timeout, logger)
		if err != nil {
			return nil, err
		}
		d.Add(channel, ch.Events...)
	}
	return d, nil
}

func newChannel(cfg config.ChannelConfig, timeout time.Duration, logger *logging.Logger) (Channel, error) {
	switch cfg.Type {
	case "webhook":
		return NewWebhookChannel(cfg.URL, cfg.Headers, timeout), nil
	case "slack":
		return NewSlackChannel(cfg.URL, cfg.Channel, timeout), nil
	case "email":
		return NewEmailChannel(cfg), nil
	case "file":
		return NewFileChannel(cfg.Path), nil
	case "log":
		return NewLogChannel(logger), nil
	}
	return nil, fmt.Errorf("unknown notification channel %q", cfg.Type)
}

// Add registers a channel. With no events given it receives every event.
func (d *Dispatcher) Add(ch Channel, events ...string) {
	routed := routedChannel{Channel: ch}
	if len(events) > 0 {
		routed.events = make(map[string]bool, len(events))
		for _, e := range events {
			routed.events[e] = true
		}
	}
	d.channels = append(d.channels, routed)
}

// Emit sends the event through every channel that accepts it. Delivery errors
// are logged and never returned.
func (d *Dispatcher) Emit(ctx context.Context, e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	log := d.logger.WithFields(map[string]interface{}{
		"event":     e.Name,
		"tenant_id": e.TenantID,
		"entity_id": e.EntityID,
	})

	if d.settings != nil && e.TenantID != "" {
		s, err := d.settings.Get(ctx, e.TenantID)
		if err != nil {
			log.WithError(err).Warn("Could not load notification settings")
		} else {
			if !s.NotificationEnabled(e.Name) {
				log.Debug("Notification disabled by tenant settings")
				return
			}
			e.Recipients = append(e.Recipients, s.NotificationEmails...)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	for _, ch := range d.channels {
		if !ch.accepts(e.Name) {
			continue
		}
		if err := ch.Send(ctx, e); err != nil {
			log.WithField("channel", ch.Type()).WithError(err).Error("Failed to send notification")
			continue
		}
		log.WithField("channel", ch.Type()).Debug("Notification sent")
	}
}

// Recorder keeps emitted events in memory
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Emit records the event
func (r *Recorder) Emit(_ context.Context, e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns a copy of everything recorded
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Named returns recorded events with the given name
func (r *Recorder) Named(name string) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}

// Discard drops every event
type Discard struct{}

// Emit does nothing
func (Discard) Emit(context.Context, Event) {}
