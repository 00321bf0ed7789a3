// Package score is the reputation engine: it applies catalog actions to persisted
// principals and builds the summary view.
//
// Updates are compare-and-swap on the principal's category snapshot. The store applies
// the new scores and appends the history entry as one unit; the engine retries a
// bounded number of times when a concurrent writer wins.
package score

import (
	"context"
	"log/slog"
	"time"

	"vdid/cmd/identity"
	"vdid/cmd/internal/auth/audit"
	"vdid/cmd/vscore"
)

// DefaultMaxAttempts bounds compare-and-swap retries per action.
const DefaultMaxAttempts = 5

// SummaryWindow is the rolling window of Summary.WeeklyChange.
const SummaryWindow = 7 * 24 * time.Hour

// Store is the persistence the engine needs.
type Store interface {
	GetPrincipal(ctx context.Context, id string) (identity.Principal, error)
	ApplyScore(ctx context.Context, expected vscore.Scores, entry identity.ScoreHistoryEntry) (identity.ScoreHistoryEntry, error)
	ListScoreHistory(ctx context.Context, principalID string, since time.Time, limit int) ([]identity.ScoreHistoryEntry, error)
}

// Engine applies reputation actions.
type Engine struct {
	store       Store
	audit       audit.Recorder
	log         *slog.Logger
	now         func() time.Time
	maxAttempts int
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithAudit sets the audit recorder.
func WithAudit(r audit.Recorder) Option {
	return func(e *Engine) {
		if r != nil {
			e.audit = r
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) {
		if log != nil {
			e.log = log
		}
	}
}

// WithMaxAttempts overrides DefaultMaxAttempts.
func WithMaxAttempts(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxAttempts = n
		}
	}
}

// NewEngine builds an Engine over store.
func NewEngine(store Store, opts ...Option) *Engine {
	e := &Engine{
		store:       store,
		audit:       audit.Nop,
		log:         slog.Default(),
		now:         func() time.Time { return time.Now().UTC() },
		maxAttempts: DefaultMaxAttempts,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Outcome is the state after one applied action.
type Outcome struct {
	Entry  identity.ScoreHistoryEntry
	Scores vscore.Scores
	Total  int
	Level  vscore.Level
}

// Claim applies a principal-initiated action. System-only actions are forbidden.
func (e *Engine) Claim(ctx context.Context, principalID, actionKey string) (Outcome, error) {
	const op = "score.Claim"

	a, err := vscore.Lookup(actionKey)
	if err != nil {
		return Outcome{}, identity.FieldError{Op: op, Field: "action", Reason: "unknown action"}
	}
	if a.SystemOnly {
		e.audit.Record(ctx, audit.Event{
			Action:      audit.ActionScoreApply,
			Method:      audit.MethodClaim,
			PrincipalID: principalID,
			Reason:      "system_only",
			Meta:        map[string]any{"action_key": a.Key},
			At:          e.now(),
		})
		return Outcome{}, identity.Forbidden(op, "action is system-only")
	}

	p, err := e.store.GetPrincipal(ctx, principalID)
	if err != nil {
		return Outcome{}, err
	}
	if !p.Active() {
		return Outcome{}, identity.OpError{Op: op, Kind: identity.ErrNotActive}
	}
	return e.apply(ctx, op, audit.MethodClaim, p, a)
}

// Apply applies a system-verified action, including system-only ones.
func (e *Engine) Apply(ctx context.Context, principalID, actionKey string) (Outcome, error) {
	const op = "score.Apply"

	a, err := vscore.Lookup(actionKey)
	if err != nil {
		return Outcome{}, identity.FieldError{Op: op, Field: "action", Reason: "unknown action"}
	}
	p, err := e.store.GetPrincipal(ctx, principalID)
	if err != nil {
		return Outcome{}, err
	}
	return e.apply(ctx, op, audit.MethodSystem, p, a)
}

// Seed prepares a system action for a principal that does not exist yet. Pass it as
// identity.CreatePrincipalInput.InitialScore so the insert and the bonus commit together,
// then hand the created principal to Seeded.
func (e *Engine) Seed(actionKey string) (*identity.ScoreHistoryEntry, error) {
	const op = "score.Seed"

	a, err := vscore.Lookup(actionKey)
	if err != nil {
		return nil, identity.FieldError{Op: op, Field: "action", Reason: "unknown action"}
	}
	now := e.now()
	entry := identity.NewScoreHistoryEntry("", vscore.Apply(vscore.Scores{}, a), now)
	entry.ID, err = identity.NewULID(now)
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// Seeded records the audit trail of a seed the store applied while creating p.
func (e *Engine) Seeded(ctx context.Context, p identity.Principal, seed *identity.ScoreHistoryEntry) Outcome {
	entry := *seed
	entry.PrincipalID = p.ID
	e.recordApplied(ctx, audit.MethodSystem, entry)
	return Outcome{
		Entry:  entry,
		Scores: p.Scores,
		Total:  p.TotalScore,
		Level:  p.Level,
	}
}

// apply runs the compare-and-swap loop starting from the already loaded principal.
func (e *Engine) apply(ctx context.Context, op, method string, p identity.Principal, a vscore.Action) (Outcome, error) {
	for attempt := 1; ; attempt++ {
		r := vscore.Apply(p.Scores, a)
		entry := identity.NewScoreHistoryEntry(p.ID, r, e.now())

		stored, err := e.store.ApplyScore(ctx, p.Scores, entry)
		if err == nil {
			e.recordApplied(ctx, method, stored)
			return Outcome{
				Entry:  stored,
				Scores: stored.Snapshot,
				Total:  stored.NewTotal,
				Level:  stored.LevelAfter,
			}, nil
		}
		if !identity.IsStale(err) {
			return Outcome{}, err
		}
		if attempt >= e.maxAttempts {
			e.log.Warn("score.apply.contended", "principal_id", p.ID, "action", a.Key, "attempts", attempt)
			e.audit.Record(ctx, audit.Event{
				Action:      audit.ActionScoreApply,
				Method:      method,
				PrincipalID: p.ID,
				Reason:      "contended",
				Meta:        map[string]any{"action_key": a.Key},
				At:          e.now(),
			})
			return Outcome{}, identity.ConflictError{Op: op, Field: "scores"}
		}

		p, err = e.store.GetPrincipal(ctx, p.ID)
		if err != nil {
			return Outcome{}, err
		}
	}
}

func (e *Engine) recordApplied(ctx context.Context, method string, entry identity.ScoreHistoryEntry) {
	e.audit.Record(ctx, audit.Event{
		Action:      audit.ActionScoreApply,
		Method:      method,
		Success:     true,
		PrincipalID: entry.PrincipalID,
		Meta: map[string]any{
			"action_key": entry.ActionKey,
			"delta":      entry.Delta,
			"total":      entry.NewTotal,
		},
		At: entry.CreatedAt,
	})
	if entry.LevelChanged {
		e.audit.Record(ctx, audit.Event{
			Action:      audit.ActionScoreLevelChanged,
			Method:      method,
			Success:     true,
			PrincipalID: entry.PrincipalID,
			Meta: map[string]any{
				"from": string(entry.LevelBefore),
				"to":   string(entry.LevelAfter),
			},
			At: entry.CreatedAt,
		})
	}
}
