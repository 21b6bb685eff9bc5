package service

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/go-appsec/authdiff/authdiff/protocol"
	"github.com/go-appsec/authdiff/authdiff/service/compare"
)

func (s *Server) handleAPIStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.controller.Status(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, translateTimeoutError(err))
		return
	}
	writeJSON(w, http.StatusOK, statusResponse(st))
}

// handleAPILedger lists records. Query parameters: verdict, host (glob), limit.
func (s *Server) handleAPILedger(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	verdict := q.Get("verdict")
	if verdict != "" && !compare.Verdict(verdict).Valid() {
		writeError(w, http.StatusBadRequest, "invalid verdict")
		return
	}
	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	ledger := s.controller.Ledger()
	snapshot := ledger.Snapshot()
	filtered := filterRecords(snapshot, verdict, q.Get("host"))
	if limit > 0 && len(filtered) > limit {
		filtered = filtered[:limit]
	}
	writeJSON(w, http.StatusOK, protocol.LedgerListResponse{
		Records: recordEntries(filtered, ledger.IsPending),
		Total:   len(snapshot),
		Counts:  verdictCounts(snapshot),
	})
}

func (s *Server) handleAPIRecord(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ledger := s.controller.Ledger()
	rec, ok := ledger.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "record not found")
		return
	}
	writeJSON(w, http.StatusOK, recordDetail(&rec, ledger.IsPending(id)))
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
