package metrics

import (
	"context"
	"strings"

	"vdid/cmd/internal/auth/audit"
)

// InstrumentAudit returns a recorder that counts each event and then forwards it to next.
func (c *Collector) InstrumentAudit(next audit.Recorder) audit.Recorder {
	if next == nil {
		next = audit.Nop
	}
	return audit.RecorderFunc(func(ctx context.Context, e audit.Event) {
		c.observe(e)
		next.Record(ctx, e)
	})
}

func (c *Collector) observe(e audit.Event) {
	switch {
	case e.Action == audit.ActionScoreApply:
		key, _ := e.Meta["action_key"].(string)
		if key == "" {
			key = "unknown"
		}
		c.ScoreActions.WithLabelValues(key, result(e.Success)).Inc()
		return
	case e.Action == audit.ActionScoreLevelChanged:
		if lvl, ok := e.Meta["to"].(string); ok && e.Success {
			c.LevelChanges.WithLabelValues(lvl).Inc()
		}
		return
	case !strings.HasPrefix(e.Action, "auth."):
		return
	}

	method := e.Method
	if method == "" {
		method = "unknown"
	}
	c.AuthAttempts.WithLabelValues(e.Action, method, result(e.Success)).Inc()

	switch e.Action {
	case audit.ActionRefresh:
		if e.Success {
			c.Sessions.WithLabelValues("rotated").Inc()
		}
	case audit.ActionRefreshReuse:
		c.Sessions.WithLabelValues("reuse_detected").Inc()
	case audit.ActionLogout, audit.ActionLogoutAll:
		if e.Success {
			c.Sessions.WithLabelValues("revoked").Inc()
		}
	default:
		if e.Success && e.SessionID != "" {
			c.Sessions.WithLabelValues("issued").Inc()
		}
	}
}
