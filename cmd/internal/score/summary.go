package score

import (
	"context"
	"time"

	"vdid/cmd/identity"
	"vdid/cmd/vscore"

	"golang.org/x/sync/errgroup"
)

// summaryHistoryLimit bounds the history scanned for the weekly change.
const summaryHistoryLimit = 500

// Summary is the reputation overview of a principal.
type Summary struct {
	Scores vscore.Scores
	Total  int
	Level  vscore.Level

	// NextLevel is empty once the principal is Elite.
	NextLevel    vscore.Level
	PointsToNext int

	// WeeklyChange is the sum of deltas over the last SummaryWindow.
	WeeklyChange int

	Weakest     vscore.Category
	Suggestions []vscore.Suggestion
}

// Summary builds the overview for principalID. The principal and its recent
// history are loaded concurrently.
func (e *Engine) Summary(ctx context.Context, principalID string) (Summary, error) {
	var (
		p      identity.Principal
		recent []identity.ScoreHistoryEntry
	)
	since := e.now().Add(-SummaryWindow)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		p, err = e.store.GetPrincipal(gctx, principalID)
		return err
	})
	g.Go(func() error {
		var err error
		recent, err = e.store.ListScoreHistory(gctx, principalID, since, summaryHistoryLimit)
		return err
	})
	if err := g.Wait(); err != nil {
		return Summary{}, err
	}

	weekly := 0
	for _, h := range recent {
		weekly += h.Delta
	}

	scores := p.Scores.Normalized()
	total := scores.Total()
	s := Summary{
		Scores:       scores,
		Total:        total,
		Level:        vscore.LevelFor(total),
		WeeklyChange: weekly,
		Weakest:      vscore.Weakest(scores)[0],
		Suggestions:  vscore.Suggest(scores),
	}
	if next, missing, ok := vscore.NextLevel(total); ok {
		s.NextLevel = next
		s.PointsToNext = missing
	}
	return s, nil
}

// History returns entries newest first, created at or after since.
// A zero since lists from the beginning.
func (e *Engine) History(ctx context.Context, principalID string, since time.Time, limit int) ([]identity.ScoreHistoryEntry, error) {
	if _, err := e.store.GetPrincipal(ctx, principalID); err != nil {
		return nil, err
	}
	return e.store.ListScoreHistory(ctx, principalID, since, limit)
}
