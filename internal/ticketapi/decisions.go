package ticketapi

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/linnemanlabs/ticketwarden/internal/triage"
)

type decisionsResponse struct {
	Decisions []*triage.DecisionRecord `json:"decisions"`
	Count     int                      `json:"count"`
}

func (a *API) handleListDecisions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	q, err := parseRecordQuery(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	recs, err := a.svc.Decisions(ctx, q)
	if err != nil {
		a.logger.Error(ctx, err, "failed to query decision records", "department", q.Department)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if recs == nil {
		recs = []*triage.DecisionRecord{}
	}
	writeJSON(w, http.StatusOK, decisionsResponse{Decisions: recs, Count: len(recs)})
}

func parseRecordQuery(v url.Values) (triage.RecordQuery, error) {
	q := triage.RecordQuery{Department: v.Get("department")}

	var err error
	if q.Start, err = parseTime(v, "start"); err != nil {
		return q, err
	}
	if q.End, err = parseTime(v, "end"); err != nil {
		return q, err
	}
	if !q.Start.IsZero() && !q.End.IsZero() && q.End.Before(q.Start) {
		return q, fmt.Errorf("end is before start")
	}
	if s := v.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			return q, fmt.Errorf("limit must be a positive integer")
		}
		q.MaxItems = n
	}
	return q, nil
}

func parseTime(v url.Values, key string) (time.Time, error) {
	s := v.Get(key)
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s must be RFC3339", key)
	}
	return t.UTC(), nil
}

type escalationResponse struct {
	Department     string   `json:"department"`
	Team           string   `json:"team"`
	EscalationPath []string `json:"escalation_path"`
}

func (a *API) handleEscalationPath(w http.ResponseWriter, r *http.Request) {
	dept := r.URL.Query().Get("department")
	team := r.URL.Query().Get("team")
	if dept == "" {
		writeError(w, http.StatusBadRequest, "department is required")
		return
	}
	writeJSON(w, http.StatusOK, escalationResponse{
		Department:     dept,
		Team:           team,
		EscalationPath: a.escalation.EscalationPath(dept, team),
	})
}
