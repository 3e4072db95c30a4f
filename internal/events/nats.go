package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/aristath/coordinator/internal/logging"
)

// SubjectPublisher is the subset of *nats.Conn used by the relay.
type SubjectPublisher interface {
	Publish(subject string, data []byte) error
}

// Envelope is the wire form of a relayed event.
type Envelope struct {
	Type      string          `json:"type"`
	Topic     string          `json:"topic"`
	TaskID    string          `json:"task_id,omitempty"`
	Error     string          `json:"error,omitempty"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// NATSRelay forwards bus events to NATS subjects named <prefix>.<topic>.
type NATSRelay struct {
	conn   SubjectPublisher
	nc     *nats.Conn
	prefix string
	logger *slog.Logger
}

// DialNATSRelay connects to the NATS server at url.
func DialNATSRelay(url, prefix string, logger *slog.Logger) (*NATSRelay, error) {
	nc, err := nats.Connect(url,
		nats.Name("coordinator-relay"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats at %s: %w", url, err)
	}
	r := NewNATSRelay(nc, prefix, logger)
	r.nc = nc
	return r, nil
}

// NewNATSRelay wraps an existing publisher.
func NewNATSRelay(conn SubjectPublisher, prefix string, logger *slog.Logger) *NATSRelay {
	if prefix == "" {
		prefix = "coordinator"
	}
	return &NATSRelay{
		conn:   conn,
		prefix: prefix,
		logger: logging.Component(logger, "nats-relay"),
	}
}

// Subject returns the subject an event is relayed to.
func (r *NATSRelay) Subject(e Event) string {
	return r.prefix + "." + TopicOf(e)
}

// Run relays events from ch until ctx is done or ch is closed.
// Publish failures are logged and do not stop the relay.
func (r *NATSRelay) Run(ctx context.Context, ch <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if err := r.Forward(e); err != nil {
				r.logger.Warn("relay failed", "event", e.EventType(), "error", err)
			}
		}
	}
}

// Forward publishes a single event.
func (r *NATSRelay) Forward(e Event) error {
	data, err := MarshalEnvelope(e)
	if err != nil {
		return err
	}
	return r.conn.Publish(r.Subject(e), data)
}

// Close drains the underlying connection if the relay dialed it.
func (r *NATSRelay) Close() error {
	if r.nc == nil {
		return nil
	}
	return r.nc.Drain()
}

// MarshalEnvelope encodes e as a JSON Envelope.
func MarshalEnvelope(e Event) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshaling %s: %w", e.EventType(), err)
	}
	env := Envelope{
		Type:      e.EventType(),
		Topic:     TopicOf(e),
		TaskID:    e.TaskID(),
		Data:      data,
		Timestamp: time.Now(),
	}
	if f, ok := e.(interface{ Failure() error }); ok && f.Failure() != nil {
		env.Error = f.Failure().Error()
	}
	return json.Marshal(env)
}
