package console

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Command is a finalized user utterance, recognised from the microphone
// stream and closed by the model's turn completion.
type Command struct {
	SessionID string    `json:"session_id"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// CommandSink receives finalized commands.
type CommandSink interface {
	Command(ctx context.Context, c Command) error
}

// CommandFunc adapts a plain function to [CommandSink].
type CommandFunc func(ctx context.Context, c Command) error

// Command implements [CommandSink].
func (f CommandFunc) Command(ctx context.Context, c Command) error { return f(ctx, c) }

// SlogCommands logs each command at info level.
type SlogCommands struct {
	Logger *slog.Logger
}

// Command implements [CommandSink].
func (s SlogCommands) Command(ctx context.Context, c Command) error {
	l := s.Logger
	if l == nil {
		l = slog.Default()
	}
	l.InfoContext(ctx, "voice command", "session_id", c.SessionID, "text", c.Text)
	return nil
}

// FanoutCommands delivers each command to every member, even when an earlier
// one fails. The member errors are joined.
type FanoutCommands []CommandSink

// Command implements [CommandSink].
func (f FanoutCommands) Command(ctx context.Context, c Command) error {
	var errs []error
	for _, s := range f {
		if s == nil {
			continue
		}
		if err := s.Command(ctx, c); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var (
	_ CommandSink = CommandFunc(nil)
	_ CommandSink = SlogCommands{}
	_ CommandSink = FanoutCommands(nil)
)
