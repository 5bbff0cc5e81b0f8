package console

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
)

// Publisher is the subset of *nats.Conn the NATS sinks need. Tests supply a
// recording fake.
type Publisher interface {
	Publish(subject string, data []byte) error
}

var _ Publisher = (*nats.Conn)(nil)

// Dial connects to a NATS server for the console sinks. The connection
// reconnects on its own; disconnects are logged.
func Dial(url string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("vlink"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("console: nats disconnected", "err", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			slog.Info("console: nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("console: connect nats %s: %w", url, err)
	}
	return nc, nil
}

// NATSSink publishes each entry as JSON on a subject.
type NATSSink struct {
	pub     Publisher
	subject string
}

// NewNATSSink returns a sink publishing on subject through pub.
func NewNATSSink(pub Publisher, subject string) *NATSSink {
	return &NATSSink{pub: pub, subject: subject}
}

// Log implements [Sink]. Publish failures are logged and otherwise ignored:
// the console stream is best-effort.
func (s *NATSSink) Log(ctx context.Context, e Entry) {
	data, err := json.Marshal(e)
	if err != nil {
		slog.WarnContext(ctx, "console: marshal entry", "err", err)
		return
	}
	if err := s.pub.Publish(s.subject, data); err != nil {
		slog.WarnContext(ctx, "console: publish entry", "subject", s.subject, "err", err)
	}
}

// NATSCommands publishes each finalized command as JSON on a subject.
type NATSCommands struct {
	pub     Publisher
	subject string
}

// NewNATSCommands returns a command sink publishing on subject through pub.
func NewNATSCommands(pub Publisher, subject string) *NATSCommands {
	return &NATSCommands{pub: pub, subject: subject}
}

// Command implements [CommandSink].
func (s *NATSCommands) Command(_ context.Context, c Command) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("console: marshal command: %w", err)
	}
	if err := s.pub.Publish(s.subject, data); err != nil {
		return fmt.Errorf("console: publish command on %s: %w", s.subject, err)
	}
	return nil
}

var (
	_ Sink        = (*NATSSink)(nil)
	_ CommandSink = (*NATSCommands)(nil)
)
