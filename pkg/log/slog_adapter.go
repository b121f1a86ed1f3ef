package log

import (
	"context"
	"encoding/hex"
	"log/slog"
)

// SlogAdapter writes trace events to an slog.Logger at Debug level, errors
// at Warn.
type SlogAdapter struct {
	logger *slog.Logger
}

// NewSlogAdapter creates a SlogAdapter.
func NewSlogAdapter(logger *slog.Logger) *SlogAdapter {
	return &SlogAdapter{logger: logger}
}

// Log writes the event.
func (a *SlogAdapter) Log(event Event) {
	attrs := []slog.Attr{
		slog.String("layer", event.Layer.String()),
		slog.String("category", event.Category.String()),
	}
	if event.Address != "" {
		attrs = append(attrs, slog.String("address", event.Address))
	}

	level := slog.LevelDebug
	switch {
	case event.Frame != nil:
		attrs = append(attrs,
			slog.String("direction", event.Direction.String()),
			slog.String("channel", event.Frame.Channel),
			slog.Int("size", event.Frame.Size),
			slog.String("data", hex.EncodeToString(event.Frame.Data)),
		)
		if event.Frame.Kind != "" {
			attrs = append(attrs, slog.String("kind", event.Frame.Kind))
		}
	case event.StateChange != nil:
		attrs = append(attrs,
			slog.String("entity", event.StateChange.Entity.String()),
			slog.String("old_state", event.StateChange.OldState),
			slog.String("new_state", event.StateChange.NewState),
		)
		if event.StateChange.Trigger != "" {
			attrs = append(attrs, slog.String("trigger", event.StateChange.Trigger))
		}
	case event.Sync != nil:
		attrs = append(attrs,
			slog.String("round", event.Sync.RoundID),
			slog.String("root", event.Sync.Root),
			slog.Int("members", len(event.Sync.Members)),
			slog.Bool("success", event.Sync.Success),
			slog.Bool("timed_out", event.Sync.TimedOut),
			slog.Duration("duration", event.Sync.Duration),
		)
	case event.Error != nil:
		level = slog.LevelWarn
		attrs = append(attrs,
			slog.String("error_layer", event.Error.Layer.String()),
			slog.String("error_msg", event.Error.Message),
		)
		if event.Error.Kind != "" {
			attrs = append(attrs, slog.String("error_kind", event.Error.Kind))
		}
		if event.Error.Context != "" {
			attrs = append(attrs, slog.String("error_context", event.Error.Context))
		}
	}

	a.logger.LogAttrs(context.Background(), level, "trace", attrs...)
}

var _ Logger = (*SlogAdapter)(nil)
