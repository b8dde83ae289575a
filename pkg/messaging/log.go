package messaging

import (
	"context"
	"log/slog"
)

// LogSink writes messages to a logger instead of delivering them.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) SendText(_ context.Context, to, text string) error {
	s.Logger.Info("outbound message", "to", to, "text", text)
	return nil
}

func (s LogSink) SendChoice(_ context.Context, to, text string, options []Option) error {
	s.Logger.Info("outbound message", "to", to, "text", RenderChoice(text, options))
	return nil
}
