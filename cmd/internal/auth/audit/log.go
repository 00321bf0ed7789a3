package audit

import (
	"context"
	"log/slog"
)

// LogRecorder writes events to a slog.Logger at info (success) or warn (failure) level.
type LogRecorder struct {
	log *slog.Logger
}

// NewLogRecorder builds a LogRecorder; a nil logger uses slog.Default.
func NewLogRecorder(log *slog.Logger) *LogRecorder {
	if log == nil {
		log = slog.Default()
	}
	return &LogRecorder{log: log}
}

func (l *LogRecorder) Record(ctx context.Context, e Event) {
	e, ok := normalize(e)
	if !ok {
		return
	}

	attrs := []slog.Attr{
		slog.String("result", e.Result()),
	}
	if e.Method != "" {
		attrs = append(attrs, slog.String("method", e.Method))
	}
	if e.PrincipalID != "" {
		attrs = append(attrs, slog.String("principal_id", e.PrincipalID))
	}
	if e.SessionID != "" {
		attrs = append(attrs, slog.String("session_id", e.SessionID))
	}
	if e.Reason != "" {
		attrs = append(attrs, slog.String("reason", e.Reason))
	}
	if e.IP != nil {
		attrs = append(attrs, slog.String("ip", e.IP.String()))
	}
	for k, v := range e.Meta {
		attrs = append(attrs, slog.Any(k, v))
	}

	level := slog.LevelInfo
	if !e.Success {
		level = slog.LevelWarn
	}
	l.log.LogAttrs(ctx, level, e.Action, attrs...)
}
