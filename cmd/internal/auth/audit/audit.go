// Package audit records security-relevant events for V-ID.
//
// Every authentication attempt (success and failure), session lifecycle change and
// reputation mutation produces one Event. Recording is best-effort: a failing sink
// is logged and never fails the request that produced the event.
package audit

import (
	"context"
	"net"
	"strings"
	"time"
)

// Actions.
const (
	ActionRegister          = "auth.register"
	ActionLogin             = "auth.login"
	ActionWalletNonce       = "auth.wallet.nonce"
	ActionWalletVerify      = "auth.wallet.verify"
	ActionWalletLink        = "auth.wallet.link"
	ActionWalletUnbind      = "auth.wallet.unbind"
	ActionPasskeyRegister   = "auth.passkey.register"
	ActionPasskeyLogin      = "auth.passkey.login"
	ActionPasskeyDelete     = "auth.passkey.delete"
	ActionRefresh           = "auth.refresh"
	ActionRefreshReuse      = "auth.refresh.reuse_detected"
	ActionLogout            = "auth.logout"
	ActionLogoutAll         = "auth.logout_all"
	ActionScoreApply        = "score.apply"
	ActionScoreLevelChanged = "score.level_changed"
)

// Methods.
const (
	MethodPassword = "password"
	MethodWallet   = "wallet"
	MethodPasskey  = "passkey"
	MethodRefresh  = "refresh"
	MethodSystem   = "system"
	MethodClaim    = "claim"
)

// Event is one audit log entry.
//
// English comment:
// - Reason carries the internal failure cause (e.g. "bad_signature"); it is never shown to clients.
// - Meta must not contain secrets (passwords, tokens, signatures).
type Event struct {
	Action      string
	Method      string
	Success     bool
	PrincipalID string
	SessionID   string
	Reason      string
	IP          net.IP
	UserAgent   string
	Meta        map[string]any
	At          time.Time
}

// Recorder persists audit events.
type Recorder interface {
	Record(ctx context.Context, e Event)
}

// RecorderFunc adapts a function to Recorder.
type RecorderFunc func(ctx context.Context, e Event)

func (f RecorderFunc) Record(ctx context.Context, e Event) { f(ctx, e) }

// Nop discards every event.
var Nop Recorder = RecorderFunc(func(context.Context, Event) {})

type multi []Recorder

// Multi fans an event out to every non-nil recorder in order.
func Multi(recorders ...Recorder) Recorder {
	out := make(multi, 0, len(recorders))
	for _, r := range recorders {
		if r != nil {
			out = append(out, r)
		}
	}
	return out
}

func (m multi) Record(ctx context.Context, e Event) {
	for _, r := range m {
		r.Record(ctx, e)
	}
}

// normalize fills defaults and trims free-form fields.
func normalize(e Event) (Event, bool) {
	e.Action = strings.TrimSpace(e.Action)
	if e.Action == "" {
		return Event{}, false
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	e.Method = strings.TrimSpace(e.Method)
	e.Reason = strings.TrimSpace(e.Reason)
	e.UserAgent = strings.TrimSpace(e.UserAgent)
	return e, true
}

// Result labels an event for logs and metrics.
func (e Event) Result() string {
	if e.Success {
		return "success"
	}
	return "failure"
}
