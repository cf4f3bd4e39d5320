package server

import (
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/agentsh/autoapprove/internal/policy"
	"github.com/agentsh/autoapprove/internal/store"
)

type summaryResponse struct {
	Since  *time.Time       `json:"since,omitempty"`
	Total  int64            `json:"total"`
	Counts map[string]int64 `json:"counts"`
}

func (s *Server) listDecisions(w http.ResponseWriter, r *http.Request) {
	q, err := parseDecisionQuery(r.URL.Query(), time.Now())
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	if s.decisions == nil {
		writeHistoryError(w, store.ErrNoHistory)
		return
	}
	recs, err := s.decisions.QueryDecisions(r.Context(), q)
	if err != nil {
		writeHistoryError(w, err)
		return
	}
	if recs == nil {
		recs = []store.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"decisions": recs})
}

func (s *Server) decisionSummary(w http.ResponseWriter, r *http.Request) {
	since, err := store.ParseTime(r.URL.Query().Get("since"), time.Now())
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	if s.decisions == nil {
		writeHistoryError(w, store.ErrNoHistory)
		return
	}
	counts, err := s.decisions.CountByVerdict(r.Context(), since)
	if err != nil {
		writeHistoryError(w, err)
		return
	}
	resp := summaryResponse{Since: since, Counts: make(map[string]int64, 3)}
	for _, v := range []policy.Verdict{policy.Approved, policy.ManualApprovalRequired, policy.Denied} {
		resp.Counts[v.String()] = counts[v]
		resp.Total += counts[v]
	}
	writeJSON(w, http.StatusOK, resp)
}

func parseDecisionQuery(v url.Values, now time.Time) (store.Query, error) {
	var (
		q   store.Query
		err error
	)
	if name := v.Get("verdict"); name != "" {
		verdict, err := policy.ParseVerdict(name)
		if err != nil {
			return q, err
		}
		q.Verdict = &verdict
	}
	q.Source = v.Get("source")
	q.Contains = v.Get("q")
	if q.Since, err = store.ParseTime(v.Get("since"), now); err != nil {
		return q, err
	}
	if q.Until, err = store.ParseTime(v.Get("until"), now); err != nil {
		return q, err
	}
	if q.Limit, err = intParam(v, "limit"); err != nil {
		return q, err
	}
	if q.Offset, err = intParam(v, "offset"); err != nil {
		return q, err
	}
	switch v.Get("order") {
	case "", "desc":
	case "asc":
		q.Asc = true
	default:
		return q, errors.New(`order must be "asc" or "desc"`)
	}
	return q, nil
}

func intParam(v url.Values, name string) (int, error) {
	s := v.Get(name)
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, errors.New(name + " must be a non-negative integer")
	}
	return n, nil
}

func writeHistoryError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNoHistory) {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
}
