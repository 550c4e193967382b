// Package events publishes rejection workflow events so downstream systems
// (notification, LIMS dashboards, order management) can react to retests,
// recollections and escalations.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Event types. The NATS subject is "<prefix>.<type>".
const (
	TypeRejectionCreated   = "rejection.created"
	TypeRejectionEscalated = "rejection.escalated"
	TypeSampleRejected     = "sample.rejected"
	TypeTestEscalated      = "test.escalated"
)

// Event is the payload published for every workflow change.
type Event struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	SiteID        string    `json:"site_id"`
	OrderID       string    `json:"order_id,omitempty"`
	TestCode      string    `json:"test_code,omitempty"`
	SampleID      string    `json:"sample_id,omitempty"`
	RejectionID   string    `json:"rejection_id,omitempty"`
	RejectionType string    `json:"rejection_type,omitempty"`
	Action        string    `json:"action,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	RejectedBy    string    `json:"rejected_by,omitempty"`
	Escalated     bool      `json:"escalated"`
	NewTestID     string    `json:"new_test_id,omitempty"`
	Notes         string    `json:"notes,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// Publisher delivers events. Implementations must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// Prepare assigns an ID and timestamp to ev when they are unset.
func Prepare(ev *Event) {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
}

// Subject returns the subject an event of type eventType is published on.
func Subject(prefix, eventType string) string {
	prefix = strings.Trim(prefix, ".")
	if prefix == "" {
		return eventType
	}
	return prefix + "." + eventType
}

// conn is the subset of *nats.Conn used by NATSPublisher.
type conn interface {
	PublishMsg(m *nats.Msg) error
	Drain() error
}

// NATSPublisher publishes events as JSON on core NATS.
type NATSPublisher struct {
	nc     conn
	prefix string
	logger zerolog.Logger

	mu     sync.Mutex
	closed bool
}

// NewNATSPublisher connects to url and publishes under prefix.
func NewNATSPublisher(url, prefix string, logger zerolog.Logger) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("lis-server"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info().Str("url", c.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return newNATSPublisher(nc, prefix, logger), nil
}

func newNATSPublisher(nc conn, prefix string, logger zerolog.Logger) *NATSPublisher {
	return &NATSPublisher{nc: nc, prefix: prefix, logger: logger}
}

// Publish encodes ev and publishes it. The event ID is sent as Nats-Msg-Id
// so a JetStream stream bound to the subject can de-duplicate.
func (p *NATSPublisher) Publish(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled before publish: %w", err)
	}
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return fmt.Errorf("publisher closed")
	}

	Prepare(&ev)
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	msg := nats.NewMsg(Subject(p.prefix, ev.Type))
	msg.Data = data
	msg.Header.Set(nats.MsgIdHdr, ev.ID)
	if ev.SiteID != "" {
		msg.Header.Set("Lis-Site", ev.SiteID)
	}
	if err := p.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish %s: %w", msg.Subject, err)
	}
	p.logger.Debug().Str("subject", msg.Subject).Str("event_id", ev.ID).Msg("event published")
	return nil
}

// Close drains the connection. Subsequent publishes fail.
func (p *NATSPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.nc.Drain()
}

// LogPublisher writes events to the log. Used when NATS_URL is not set.
type LogPublisher struct {
	logger zerolog.Logger
	prefix string
}

// NewLogPublisher returns a publisher that only logs.
func NewLogPublisher(prefix string, logger zerolog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger, prefix: prefix}
}

func (p *LogPublisher) Publish(_ context.Context, ev Event) error {
	Prepare(&ev)
	p.logger.Info().
		Str("subject", Subject(p.prefix, ev.Type)).
		Str("event_id", ev.ID).
		Str("site_id", ev.SiteID).
		Str("order_id", ev.OrderID).
		Str("test_code", ev.TestCode).
		Str("sample_id", ev.SampleID).
		Str("action", ev.Action).
		Bool("escalated", ev.Escalated).
		Msg("workflow event")
	return nil
}

func (p *LogPublisher) Close() error { return nil }

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
	Err    error
}

func (r *Recorder) Publish(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	Prepare(&ev)
	r.events = append(r.events, ev)
	return nil
}

func (r *Recorder) Close() error { return nil }

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Multi publishes every event to each publisher in order. The event is
// prepared once so all sinks see the same ID.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, ev Event) error {
	Prepare(&ev)
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, p := range m {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
