package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSSink publishes events as JSON to their subject. The Nats-Msg-Id header
// carries the event ID so JetStream streams deduplicate redeliveries.
type NATSSink struct {
	conn *nats.Conn
}

// NewNATSSink connects with automatic reconnection. Extra options are
// appended to the defaults.
func NewNATSSink(url string, opts ...nats.Option) (*NATSSink, error) {
	defaults := []nats.Option{
		nats.Name("sardis"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	}
	nc, err := nats.Connect(url, append(defaults, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", url, err)
	}
	return &NATSSink{conn: nc}, nil
}

// Conn exposes the connection for subscribers sharing it.
func (s *NATSSink) Conn() *nats.Conn { return s.conn }

func (s *NATSSink) Publish(ctx context.Context, e Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}
	msg := nats.NewMsg(e.Subject)
	msg.Data = data
	msg.Header.Set(nats.MsgIdHdr, e.ID)
	if err := s.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("publishing %s: %w", e.Subject, err)
	}
	return nil
}

func (s *NATSSink) Close() error {
	s.conn.Close()
	return nil
}

// Subscribe decodes events on subject (wildcards allowed) and hands them to
// fn. Malformed messages are logged and skipped. The returned function
// unsubscribes.
func Subscribe(conn *nats.Conn, subject string, fn func(Event)) (func(), error) {
	logger := slog.Default().With("component", "notify")
	sub, err := conn.Subscribe(subject, func(msg *nats.Msg) {
		var e Event
		if err := json.Unmarshal(msg.Data, &e); err != nil {
			logger.Warn("dropping malformed event", "subject", msg.Subject, "error", err)
			return
		}
		fn(e)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribing to %s: %w", subject, err)
	}
	// Flush so the subscription is registered before returning.
	if err := conn.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("flushing subscription: %w", err)
	}
	return func() { _ = sub.Unsubscribe() }, nil
}
