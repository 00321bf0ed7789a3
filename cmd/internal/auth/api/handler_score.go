package authapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"vdid/cmd/vscore"
)

func (h *Handler) handleScoreClaim(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.requireAuth(w, r)
	if !ok {
		return
	}
	var req scoreClaimRequest
	if !h.decode(w, r, &req) {
		return
	}
	out, err := h.scores.Claim(r.Context(), claims.PrincipalID, strings.TrimSpace(req.Action))
	if err != nil {
		h.writeServiceError(w, r, "score.claim", err)
		return
	}
	writeJSON(w, http.StatusOK, scoreClaimResponse{
		Action:       out.Entry.ActionKey,
		Delta:        out.Entry.Delta,
		Scores:       out.Scores,
		TotalScore:   out.Total,
		Level:        out.Level,
		LevelChanged: out.Entry.LevelChanged,
	})
}

func (h *Handler) handleScoreSummary(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.requireAuth(w, r)
	if !ok {
		return
	}
	s, err := h.scores.Summary(r.Context(), claims.PrincipalID)
	if err != nil {
		h.writeServiceError(w, r, "score.summary", err)
		return
	}
	suggestions := s.Suggestions
	if suggestions == nil {
		suggestions = []vscore.Suggestion{}
	}
	writeJSON(w, http.StatusOK, scoreSummaryResponse{
		Scores:       s.Scores,
		TotalScore:   s.Total,
		Level:        s.Level,
		NextLevel:    s.NextLevel,
		PointsToNext: s.PointsToNext,
		WeeklyChange: s.WeeklyChange,
		Weakest:      s.Weakest,
		Suggestions:  suggestions,
	})
}

func (h *Handler) handleScoreHistory(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.requireAuth(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()

	var since time.Time
	if raw := strings.TrimSpace(q.Get("since")); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: apiError{Code: "invalid_request", Message: "must be an RFC 3339 timestamp", Field: "since"}})
			return
		}
		since = t.UTC()
	}
	limit := 0
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: apiError{Code: "invalid_request", Message: "must be a non-negative integer", Field: "limit"}})
			return
		}
		limit = n
	}

	entries, err := h.scores.History(r.Context(), claims.PrincipalID, since, limit)
	if err != nil {
		h.writeServiceError(w, r, "score.history", err)
		return
	}
	out := make([]scoreHistoryEntryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, toHistoryResponse(e))
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": out})
}

func (h *Handler) handleScoreActions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"actions":   vscore.Catalog(),
		"claimable": vscore.Claimable(),
	})
}
